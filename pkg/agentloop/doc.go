// Package agentloop runs the iterative tool-calling loop: call the
// model, execute the tools it requested, feed results back, repeat.
//
// Invariants:
//   - Every tool_use block gets a matching tool_result before the next
//     model call. Failures become is_error results, never panics.
//   - Tool results are appended in the order the calls were issued.
//   - The loop never exceeds MaxIterations model calls. Hitting the cap
//     is a bounded stop, not an error.
//   - A model failure returns a structured error with the partial turns
//     attached, so the caller can persist progress and release its lock.
package agentloop
