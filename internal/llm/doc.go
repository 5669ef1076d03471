// Package llm defines the provider-neutral conversation model: the append-only
// Transcript of user, assistant and tool turns, the normalized response event
// vocabulary, and the Stream adapters that turn vendor SSE frames or complete
// responses into that vocabulary under a per-chunk timeout. Vendor clients
// live in the openai and anthropic subpackages.
package llm
