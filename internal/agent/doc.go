// Package agent implements the reasoning loop that turns natural-language
// goals into tool invocations and final answers. It coordinates the LLM,
// the governance service that gates tool access by maturity, and the task
// history that feeds cross-task memory.
package agent
