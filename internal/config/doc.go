// Package config provides centralized configuration management for the
// AgentFlow daemon. A single JSON document configures the API server, the
// storage backends, the continuation queue, the LLM provider and the
// governance policy; unset fields receive defaults and relative paths are
// resolved against the configuration file's directory.
package config
