// Package llm defines the text generator contract used to flavor negotiation
// turns. Provider adapters live in sub-packages; callers must tolerate
// generator failure and fall back to deterministic text.
package llm
