// Package runstate persists per-entity runtime state and holds the
// advisory execution lock that gives agent runs single-writer semantics.
//
// Invariants:
//   - Every write is a full read-modify-write of the entity's JSON blob.
//     The store never exposes partial field writes.
//   - OrchestratorRunning implies OrchestratorStartedAt is set. Releasing
//     clears the running flag, the job id, and the turn marker together.
//   - ClaimExecutionLock grants at most one concurrent holder per entity.
//     A denied claim is a normal outcome, not an error.
//   - Attempt counters roll over after 24h. Reading never mutates them.
//
// Usage:
//
//	store, err := runstate.Open(dbPath, logger)
//	ok, err := store.ClaimExecutionLock(ctx, ref, jobID)
//	if ok {
//		defer store.ReleaseExecutionLock(ctx, ref)
//		...
//	}
package runstate
