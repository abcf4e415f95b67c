// Package api exposes the REST surface for managing workflow definitions,
// driving executions through their approval lifecycle, and administering
// governed agents.
package api
