// Package orchestrator is the scheduling entry point for agent runs. It
// claims the per-entity execution lock, drives the agent loop, persists
// the produced turns, and always releases the lock.
package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/kindling-ai/kindling/internal/metrics"
	"github.com/kindling-ai/kindling/pkg/agentloop"
	"github.com/kindling-ai/kindling/pkg/conversation"
	"github.com/kindling-ai/kindling/pkg/entity"
	"github.com/kindling-ai/kindling/pkg/feedguard"
	"github.com/kindling-ai/kindling/pkg/llm"
	"github.com/kindling-ai/kindling/pkg/runstate"
	"github.com/kindling-ai/kindling/pkg/schedule"
)

// feedPrefix marks a run context as a scheduled feed generation for one
// period, e.g. "feed:morning".
const feedPrefix = "feed:"

// LoopRunner is the slice of the agent loop the orchestrator drives.
type LoopRunner interface {
	Run(ctx context.Context, a entity.Agentable, history []llm.Message) (agentloop.Result, error)
}

// Config holds orchestrator construction parameters.
type Config struct {
	Store    *runstate.Store
	Resolver entity.Resolver
	Loop     LoopRunner
	Log      *conversation.Log
	Guard    *feedguard.Guard
	Verifier *schedule.Verifier
	Sched    schedule.Scheduler
	Logger   zerolog.Logger

	// StaleAfter is how old a claimed lock must be before the sweep
	// force-releases it.
	StaleAfter time.Duration
	// SweepInterval is how often the periodic sweep runs.
	SweepInterval time.Duration
	// CheckInGrace is how long a past-due one-off descriptor is still
	// considered repairable before the sweep simply clears it.
	CheckInGrace time.Duration
}

const (
	defaultStaleAfter    = 2 * time.Hour
	defaultSweepInterval = time.Hour
	defaultCheckInGrace  = time.Hour
)

// Orchestrator serializes agent runs per entity and owns the periodic
// maintenance sweep.
type Orchestrator struct {
	store    *runstate.Store
	resolver entity.Resolver
	loop     LoopRunner
	log      *conversation.Log
	guard    *feedguard.Guard
	verifier *schedule.Verifier
	sched    schedule.Scheduler
	logger   zerolog.Logger

	staleAfter    time.Duration
	sweepInterval time.Duration
	checkInGrace  time.Duration
	now           func() time.Time
}

// New creates an Orchestrator.
func New(cfg Config) (*Orchestrator, error) {
	metrics.EnsureRegistered()

	if cfg.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if cfg.Resolver == nil {
		return nil, fmt.Errorf("resolver is required")
	}
	if cfg.Loop == nil {
		return nil, fmt.Errorf("loop is required")
	}
	if cfg.Log == nil {
		return nil, fmt.Errorf("conversation log is required")
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = defaultStaleAfter
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = defaultSweepInterval
	}
	if cfg.CheckInGrace <= 0 {
		cfg.CheckInGrace = defaultCheckInGrace
	}

	return &Orchestrator{
		store:         cfg.Store,
		resolver:      cfg.Resolver,
		loop:          cfg.Loop,
		log:           cfg.Log,
		guard:         cfg.Guard,
		verifier:      cfg.Verifier,
		sched:         cfg.Sched,
		logger:        cfg.Logger.With().Str("component", "orchestrator").Logger(),
		staleAfter:    cfg.StaleAfter,
		sweepInterval: cfg.SweepInterval,
		checkInGrace:  cfg.CheckInGrace,
		now:           time.Now,
	}, nil
}

// Handle adapts Run to the scheduler's callback signature. Scheduled
// feed fires carry the fire time so the guard can apply its
// retroactive skip.
func (o *Orchestrator) Handle(ctx context.Context, ref entity.Ref, runContext string) {
	if err := o.Run(ctx, ref, runContext); err != nil {
		o.logger.Error().Err(err).Stringer("entity", ref).Msg("Scheduled run failed")
	}
}

// Run executes one agent run for an entity. A denied execution lock and
// a guard block are both normal outcomes and return nil. The lock is
// released on every path once claimed, including loop failure.
func (o *Orchestrator) Run(ctx context.Context, ref entity.Ref, runContext string) error {
	logger := o.logger.With().Stringer("entity", ref).Logger()

	a, err := o.resolver.Resolve(ref)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", ref, err)
	}

	period, isFeed := strings.CutPrefix(runContext, feedPrefix)
	if isFeed {
		allowed, err := o.checkFeedGuard(ctx, a, period)
		if err != nil {
			return err
		}
		if !allowed {
			return nil
		}
	}

	// The marker lands before the lock claim so a concurrent guard check
	// cannot slip through the gap between the two writes. The release
	// clears it together with the lock.
	started := o.now().UTC()
	if err := o.store.Update(ctx, ref, func(st *runstate.State) error {
		st.SetTurnStarted(started)
		return nil
	}, true); err != nil {
		return fmt.Errorf("mark run for %s: %w", ref, err)
	}

	claimed, err := o.store.ClaimExecutionLock(ctx, ref, "")
	if err != nil {
		o.clearTurnMarker(ref, logger)
		return fmt.Errorf("claim lock for %s: %w", ref, err)
	}
	if !claimed {
		// The holder's release clears the shared marker.
		metrics.RecordLockContention(string(ref.Kind))
		logger.Debug().Msg("Run skipped, lock held by another run")
		return nil
	}
	// Release uses a background context so a cancelled run cannot leave
	// the lock behind.
	defer func() {
		if err := o.store.ReleaseExecutionLock(context.Background(), ref); err != nil {
			logger.Error().Err(err).Msg("Failed to release execution lock")
		}
	}()

	start := o.now()
	result, runErr := o.runLoop(ctx, a, runContext, isFeed)
	status := string(result.Status)

	if persistErr := o.persistTurns(ref, result.Turns); persistErr != nil {
		logger.Error().Err(persistErr).Msg("Failed to persist turns")
		if runErr == nil {
			runErr = persistErr
		}
	}

	if isFeed && runErr == nil && result.Status != agentloop.StatusFailed {
		if err := o.recordFeedResult(ctx, ref, period, result); err != nil {
			logger.Error().Err(err).Msg("Failed to record feed output")
		}
	}

	metrics.RecordAgentRun(string(ref.Kind), o.now().Sub(start), status)
	logger.Info().Str("status", status).Int("iterations", result.Iterations).
		Int("turns", len(result.Turns)).Msg("Run finished")
	return runErr
}

// clearTurnMarker removes the in-flight marker on paths that never reach
// the lock release. Uses a background context so a cancelled run cannot
// leave the marker behind.
func (o *Orchestrator) clearTurnMarker(ref entity.Ref, logger zerolog.Logger) {
	err := o.store.Update(context.Background(), ref, func(st *runstate.State) error {
		st.ClearTurnStarted()
		return nil
	}, true)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to clear turn marker")
	}
}

// checkFeedGuard asks the guard whether this feed generation may run and
// records the attempt when it may.
func (o *Orchestrator) checkFeedGuard(ctx context.Context, a entity.Agentable, period string) (bool, error) {
	if o.guard == nil {
		return true, nil
	}
	ref := a.Ref()
	fired := o.now()
	decision, err := o.guard.CanGenerate(ctx, a, period, feedguard.Options{ScheduledTime: &fired})
	if err != nil {
		return false, fmt.Errorf("guard check for %s: %w", ref, err)
	}
	if !decision.Allowed {
		o.logger.Info().Stringer("entity", ref).Str("period", period).
			Str("reason", string(decision.Reason)).Msg("Feed generation blocked")
		metrics.RecordAgentRun(string(ref.Kind), 0, "blocked")
		return false, nil
	}
	if err := o.guard.RecordAttempt(ctx, ref, period); err != nil {
		return false, fmt.Errorf("record attempt for %s: %w", ref, err)
	}
	return true, nil
}

// runLoop loads the history, seeds the triggering user message for
// non-feed runs, and executes the loop.
func (o *Orchestrator) runLoop(ctx context.Context, a entity.Agentable, runContext string, isFeed bool) (agentloop.Result, error) {
	ref := a.Ref()
	turns, err := o.log.Load(ref)
	if err != nil {
		return agentloop.Result{Status: agentloop.StatusFailed}, fmt.Errorf("load history for %s: %w", ref, err)
	}
	history := conversation.Messages(turns)

	if !isFeed && runContext != "" {
		msg := llm.UserText(runContext)
		userTurn := conversation.Turn{
			Role:      msg.Role,
			Blocks:    msg.Blocks,
			Timestamp: o.now().UTC(),
		}
		if err := o.log.Append(ref, userTurn); err != nil {
			return agentloop.Result{Status: agentloop.StatusFailed}, fmt.Errorf("append trigger turn for %s: %w", ref, err)
		}
		history = append(history, msg)
	}

	return o.loop.Run(ctx, a, history)
}

// persistTurns appends the run's new turns, including partial progress
// from a failed run.
func (o *Orchestrator) persistTurns(ref entity.Ref, turns []conversation.Turn) error {
	for _, turn := range turns {
		if err := o.log.Append(ref, turn); err != nil {
			return err
		}
	}
	return nil
}

// recordFeedResult stores the run's final assistant text as the period's
// feed output so the guard sees it for the rest of the day.
func (o *Orchestrator) recordFeedResult(ctx context.Context, ref entity.Ref, period string, result agentloop.Result) error {
	var body string
	for i := len(result.Turns) - 1; i >= 0; i-- {
		if result.Turns[i].Role != "assistant" {
			continue
		}
		for _, b := range result.Turns[i].Blocks {
			if b.Type == llm.BlockTypeText && b.Text != "" {
				body = b.Text
			}
		}
		if body != "" {
			break
		}
	}
	if body == "" {
		o.logger.Warn().Stringer("entity", ref).Str("period", period).
			Msg("Run produced no assistant text, skipping feed record")
		return nil
	}
	return o.store.RecordFeedOutput(ctx, ref, period, body)
}
