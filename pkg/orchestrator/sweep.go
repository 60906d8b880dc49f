package orchestrator

import (
	"context"
	"time"

	"github.com/kindling-ai/kindling/internal/metrics"
	"github.com/kindling-ai/kindling/pkg/entity"
	"github.com/kindling-ai/kindling/pkg/runstate"
)

// StartSweep runs the maintenance sweep on a fixed interval until the
// context is cancelled. One pass runs immediately on start.
func (o *Orchestrator) StartSweep(ctx context.Context) {
	o.Sweep(ctx)

	ticker := time.NewTicker(o.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			o.Sweep(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// Sweep runs one maintenance pass: force-release stale execution locks,
// verify and repair recurring schedules, and reconcile one-off
// descriptors. Per-entity failures are logged and skipped so one bad
// row cannot stall the whole pass.
func (o *Orchestrator) Sweep(ctx context.Context) {
	now := o.now()

	stale, err := o.store.StaleLocks(ctx, now.Add(-o.staleAfter))
	if err != nil {
		o.logger.Error().Err(err).Msg("Stale lock scan failed")
	}
	for _, ref := range stale {
		if err := o.store.ReleaseExecutionLock(ctx, ref); err != nil {
			o.logger.Error().Err(err).Stringer("entity", ref).Msg("Failed to release stale lock")
			continue
		}
		metrics.RecordStaleLockRelease()
		o.logger.Warn().Stringer("entity", ref).Dur("threshold", o.staleAfter).
			Msg("Force-released stale execution lock")
	}

	refs, err := o.store.Entities(ctx)
	if err != nil {
		o.logger.Error().Err(err).Msg("Entity scan failed")
		return
	}

	var scheduled map[string]struct{}
	if o.sched != nil {
		scheduled = o.sched.ScheduledJobIDs()
	}

	for _, ref := range refs {
		if o.verifier != nil {
			if _, err := o.verifier.VerifyAndRepair(ctx, ref, scheduled); err != nil {
				o.logger.Error().Err(err).Stringer("entity", ref).Msg("Schedule verification failed")
			}
		}
		if o.sched != nil {
			if err := o.reconcileOneOffs(ctx, ref, scheduled, now); err != nil {
				o.logger.Error().Err(err).Stringer("entity", ref).Msg("One-off reconciliation failed")
			}
		}
	}
	o.logger.Debug().Int("entities", len(refs)).Int("staleLocks", len(stale)).Msg("Sweep pass finished")
}

// reconcileOneOffs applies the past-due rules to the entity's check-in
// and follow-up descriptors.
func (o *Orchestrator) reconcileOneOffs(ctx context.Context, ref entity.Ref, scheduled map[string]struct{}, now time.Time) error {
	st, err := o.store.Read(ctx, ref)
	if err != nil {
		return err
	}

	checkIn, err := o.reconcileDescriptor(ref, st.ScheduledCheckIn, scheduled, now)
	if err != nil {
		return err
	}
	followUp, err := o.reconcileDescriptor(ref, st.NextFollowUp, scheduled, now)
	if err != nil {
		return err
	}
	if checkIn == st.ScheduledCheckIn && followUp == st.NextFollowUp {
		return nil
	}

	return o.store.Update(ctx, ref, func(st *runstate.State) error {
		st.SetCheckIn(checkIn)
		st.SetFollowUp(followUp)
		return nil
	}, true)
}

// reconcileDescriptor decides one descriptor's fate. Future descriptors
// and past-due descriptors whose job is still scheduled are left alone.
// A recently past-due descriptor with a vanished job is rescheduled; one
// past the grace window is cleared.
func (o *Orchestrator) reconcileDescriptor(ref entity.Ref, d *runstate.JobDescriptor, scheduled map[string]struct{}, now time.Time) (*runstate.JobDescriptor, error) {
	if d == nil || !d.ScheduledFor.Before(now) {
		return d, nil
	}
	if _, ok := scheduled[d.JobID]; ok {
		return d, nil
	}
	if now.Sub(d.ScheduledFor) >= o.checkInGrace {
		o.logger.Info().Stringer("entity", ref).Time("scheduledFor", d.ScheduledFor).
			Msg("Clearing expired one-off descriptor")
		return nil, nil
	}

	jobID, err := o.sched.EnqueueAt(d.ScheduledFor, ref, d.Intent)
	if err != nil {
		return d, err
	}
	o.logger.Warn().Stringer("entity", ref).Str("jobId", jobID).Time("scheduledFor", d.ScheduledFor).
		Msg("Rescheduled past-due one-off descriptor")
	return &runstate.JobDescriptor{JobID: jobID, ScheduledFor: d.ScheduledFor, Intent: d.Intent}, nil
}
