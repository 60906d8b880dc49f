// Package feedguard decides whether a new feed generation run is allowed
// for an entity and period right now.
package feedguard

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/kindling-ai/kindling/internal/metrics"
	"github.com/kindling-ai/kindling/pkg/entity"
	"github.com/kindling-ai/kindling/pkg/runstate"
)

// Reason names why a generation was blocked.
type Reason string

const (
	ReasonNoActiveGoals    Reason = "no active goals"
	ReasonAlreadyGenerated Reason = "insights already exist"
	ReasonInProgress       Reason = "generation in progress"
	ReasonMaxAttempts      Reason = "max attempts reached"
	ReasonRetroactiveSkip  Reason = "new user, scheduled before signup"
)

// DefaultMaxAttemptsPerDay caps generation attempts per (entity, period)
// within the rolling window.
const DefaultMaxAttemptsPerDay = 3

// Decision is the guard's verdict. Reason is set only when blocked.
type Decision struct {
	Allowed bool
	Reason  Reason
}

// Options tunes one CanGenerate call. Force bypasses only the attempt
// cap. ScheduledTime, when set, marks this as a scheduled fire and
// enables the retroactive new-user skip.
type Options struct {
	Force         bool
	ScheduledTime *time.Time
}

// Guard answers "may entity X generate for period Y now".
type Guard struct {
	store       *runstate.Store
	maxAttempts int
	logger      zerolog.Logger
	now         func() time.Time
}

// New creates a Guard. maxAttempts <= 0 selects the default cap.
func New(store *runstate.Store, maxAttempts int, logger zerolog.Logger) *Guard {
	metrics.EnsureRegistered()
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttemptsPerDay
	}
	return &Guard{
		store:       store,
		maxAttempts: maxAttempts,
		logger:      logger.With().Str("component", "feedguard").Logger(),
		now:         time.Now,
	}
}

// CanGenerate runs the block checks in a fixed order and returns the
// first reason that applies. A block is a normal outcome, not an error.
func (g *Guard) CanGenerate(ctx context.Context, a entity.Agentable, period string, opts Options) (Decision, error) {
	ref := a.Ref()
	now := g.now()

	if !a.Active() {
		return g.blocked(ref, period, ReasonNoActiveGoals), nil
	}

	startOfDay := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	exists, err := g.store.FeedOutputExists(ctx, ref, period, startOfDay)
	if err != nil {
		return Decision{}, err
	}
	if exists {
		return g.blocked(ref, period, ReasonAlreadyGenerated), nil
	}

	st, err := g.store.Read(ctx, ref)
	if err != nil {
		return Decision{}, err
	}
	// The turn marker covers the window before the lock is claimed and
	// after it is released.
	if st.OrchestratorRunning || st.CurrentTurnStartedAt != nil {
		return g.blocked(ref, period, ReasonInProgress), nil
	}

	if !opts.Force && st.AttemptCount(period, now) >= g.maxAttempts {
		return g.blocked(ref, period, ReasonMaxAttempts), nil
	}

	if opts.ScheduledTime != nil {
		created := time.Unix(a.CreatedAtUnix(), 0)
		sameDay := created.In(now.Location()).Format("2006-01-02") == now.Format("2006-01-02")
		if sameDay && created.After(*opts.ScheduledTime) {
			return g.blocked(ref, period, ReasonRetroactiveSkip), nil
		}
	}

	return Decision{Allowed: true}, nil
}

// RecordAttempt bumps the rolling-window counter under the store's lock.
func (g *Guard) RecordAttempt(ctx context.Context, ref entity.Ref, period string) error {
	now := g.now()
	return g.store.Update(ctx, ref, func(st *runstate.State) error {
		st.BumpFeedAttempt(period, now)
		return nil
	}, true)
}

func (g *Guard) blocked(ref entity.Ref, period string, reason Reason) Decision {
	metrics.RecordGuardBlock(string(reason))
	g.logger.Debug().Stringer("entity", ref).Str("period", period).Str("reason", string(reason)).
		Msg("Generation blocked")
	return Decision{Allowed: false, Reason: reason}
}
