package schedule

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/kindling-ai/kindling/internal/metrics"
	"github.com/kindling-ai/kindling/pkg/entity"
	"github.com/kindling-ai/kindling/pkg/runstate"
)

// Result is the verifier's verdict for one entity.
type Result string

const (
	// ResultSkipped means the entity declares no verifiable schedule.
	ResultSkipped Result = "skipped"
	// ResultHealthy means every declared job is still registered.
	ResultHealthy Result = "healthy"
	// ResultRepaired means drift was found and the schedule re-derived.
	ResultRepaired Result = "repaired"
)

// Verifier reconciles an entity's declared recurring schedule against
// the jobs actually registered in the scheduler.
type Verifier struct {
	store  *runstate.Store
	sched  Scheduler
	logger zerolog.Logger
}

// NewVerifier creates a Verifier.
func NewVerifier(store *runstate.Store, sched Scheduler, logger zerolog.Logger) *Verifier {
	metrics.EnsureRegistered()
	return &Verifier{
		store:  store,
		sched:  sched,
		logger: logger.With().Str("component", "verifier").Logger(),
	}
}

// VerifyAndRepair checks every declared job id against the snapshot of
// currently scheduled jobs. Any missing id triggers a full repair:
// cancel all of the entity's recurring jobs and re-derive the schedule
// from the declared periods. Patching individual slots is deliberately
// avoided.
func (v *Verifier) VerifyAndRepair(ctx context.Context, ref entity.Ref, scheduled map[string]struct{}) (Result, error) {
	st, err := v.store.Read(ctx, ref)
	if err != nil {
		return "", err
	}

	sched := st.FeedSchedule
	if sched == nil || !sched.Enabled || len(sched.JobIDs) == 0 {
		metrics.RecordScheduleVerification(string(ResultSkipped))
		return ResultSkipped, nil
	}

	missing := false
	for period, jobID := range sched.JobIDs {
		if _, ok := scheduled[jobID]; !ok {
			v.logger.Warn().Stringer("entity", ref).Str("period", period).Str("jobId", jobID).
				Msg("Declared job missing from scheduler")
			missing = true
		}
	}
	if !missing {
		metrics.RecordScheduleVerification(string(ResultHealthy))
		return ResultHealthy, nil
	}

	if err := v.repair(ctx, ref, sched); err != nil {
		return "", err
	}
	metrics.RecordScheduleVerification(string(ResultRepaired))
	return ResultRepaired, nil
}

func (v *Verifier) repair(ctx context.Context, ref entity.Ref, sched *runstate.FeedSchedule) error {
	for _, jobID := range sched.JobIDs {
		if err := v.sched.Cancel(jobID); err != nil {
			v.logger.Warn().Err(err).Str("jobId", jobID).Msg("Failed to cancel job during repair")
		}
	}

	fresh := make(map[string]string, len(sched.Periods))
	for _, period := range sched.Periods {
		expr, err := PeriodCron(period)
		if err != nil {
			return fmt.Errorf("cannot derive schedule for %s: %w", ref, err)
		}
		jobID, err := v.sched.RegisterCron(ref, expr, "feed:"+period)
		if err != nil {
			return fmt.Errorf("cannot register %s %s: %w", ref, period, err)
		}
		fresh[period] = jobID
	}

	err := v.store.Update(ctx, ref, func(st *runstate.State) error {
		if st.FeedSchedule == nil {
			st.FeedSchedule = &runstate.FeedSchedule{Enabled: true, Periods: sched.Periods}
		}
		st.FeedSchedule.JobIDs = fresh
		return nil
	}, true)
	if err != nil {
		return err
	}

	v.logger.Info().Stringer("entity", ref).Int("jobs", len(fresh)).Msg("Schedule repaired")
	return nil
}
