// Package llm contains adapters for invoking large language models.
// It abstracts away provider-specific APIs behind a single Generate
// interface so the agent loop can reason against OpenAI-compatible
// services or local command bridges interchangeably.
package llm
