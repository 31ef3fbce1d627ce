// Package llm contains the provider-neutral chat envelope used by execution
// units. Provider adapters (see llm/openai) translate their wire formats into
// ChatResponse once, so token usage and tool calls arrive typed.
package llm
