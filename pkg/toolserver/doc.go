// Package toolserver discovers and dispatches tools exposed by external
// tool servers over JSON-RPC, reachable via subprocess stdio or HTTP.
//
// Invariants:
//   - Tool names are globally unique in the catalog. On collision the
//     first registered server wins and the loser is logged.
//   - Reload swaps the catalog wholesale. A stale entry never survives.
//   - A server that fails discovery stays registered but unhealthy, so a
//     later Reload can bring it back without reconfiguration.
//   - Execute validates nothing by itself. Callers run ValidateArgs first
//     when they want schema enforcement.
//
// Usage:
//
//	reg := toolserver.NewRegistry(configs, logger)
//	if err := reg.Load(ctx); err != nil { ... }
//	out, err := reg.Execute(ctx, "web_search", map[string]interface{}{"q": "go"})
package toolserver
