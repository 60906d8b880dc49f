// Package llm normalizes language model responses into canonical content
// blocks, independent of provider wire formats.
//
// Invariants:
// - A response is an ordered list of text and tool_use blocks.
// - Streamed tool-call fragments reassemble to the same value as a whole
//   delivery; tool_start fires exactly once per tool-call index.
// - Usage counters always materialize to zero, never absent.
//
// Usage:
//
//	provider, _ := llm.NewProvider(llm.Credentials{Provider: "anthropic", APIKey: key})
//	resp, _ := provider.Complete(ctx, llm.Request{Model: "claude-sonnet-4-5", Messages: msgs})
//	for _, use := range resp.ToolUses() {
//		_ = use
//	}
package llm
