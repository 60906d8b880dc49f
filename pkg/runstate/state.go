package runstate

import "time"

// AttemptWindow is the rolling window for generation attempt counters.
const AttemptWindow = 24 * time.Hour

// State is the per-entity runtime state blob. Fields are optional and
// omitted when zero so the stored JSON stays minimal. Mutation happens
// only through Store.Update; the enumerated methods below are the full
// set of supported writes.
type State struct {
	OrchestratorRunning   bool       `json:"orchestrator_running,omitempty"`
	OrchestratorStartedAt *time.Time `json:"orchestrator_started_at,omitempty"`
	OrchestratorJobID     string     `json:"orchestrator_job_id,omitempty"`
	CurrentTurnStartedAt  *time.Time `json:"current_turn_started_at,omitempty"`

	FeedSchedule *FeedSchedule             `json:"feed_schedule,omitempty"`
	FeedAttempts map[string]AttemptCounter `json:"feed_attempts,omitempty"`

	ScheduledCheckIn *JobDescriptor `json:"scheduled_check_in,omitempty"`
	NextFollowUp     *JobDescriptor `json:"next_follow_up,omitempty"`
}

// FeedSchedule declares an entity's recurring generation periods and the
// scheduler job ids currently backing them.
type FeedSchedule struct {
	Enabled bool              `json:"enabled"`
	Periods []string          `json:"periods,omitempty"`
	JobIDs  map[string]string `json:"job_ids,omitempty"`
}

// AttemptCounter is a rolling-window counter for one (entity, period).
type AttemptCounter struct {
	Count      int       `json:"count"`
	RecordedAt time.Time `json:"recorded_at"`
}

// JobDescriptor records a one-off future job (check-in or follow-up).
type JobDescriptor struct {
	JobID        string    `json:"job_id"`
	ScheduledFor time.Time `json:"scheduled_for"`
	Intent       string    `json:"intent,omitempty"`
}

// SetOrchestratorRunning marks a run as active. The job id may be empty
// when the run was triggered directly rather than through the scheduler.
func (s *State) SetOrchestratorRunning(jobID string, now time.Time) {
	s.OrchestratorRunning = true
	s.OrchestratorStartedAt = &now
	s.OrchestratorJobID = jobID
}

// ClearOrchestratorRunning releases the execution lock fields. Idempotent.
func (s *State) ClearOrchestratorRunning() {
	s.OrchestratorRunning = false
	s.OrchestratorStartedAt = nil
	s.OrchestratorJobID = ""
}

// SetTurnStarted records when the current loop turn began.
func (s *State) SetTurnStarted(now time.Time) {
	s.CurrentTurnStartedAt = &now
}

// ClearTurnStarted removes the turn marker.
func (s *State) ClearTurnStarted() {
	s.CurrentTurnStartedAt = nil
}

// AttemptCount returns the counter for a period as of now. A counter whose
// RecordedAt is older than the rolling window reads as zero; reading never
// mutates the stored value.
func (s *State) AttemptCount(period string, now time.Time) int {
	c, ok := s.FeedAttempts[period]
	if !ok || now.Sub(c.RecordedAt) >= AttemptWindow {
		return 0
	}
	return c.Count
}

// BumpFeedAttempt records one generation attempt for a period. The counter
// resets to 1 when the previous record is absent or at least a full window
// old, and increments in place otherwise. Returns the new count.
func (s *State) BumpFeedAttempt(period string, now time.Time) int {
	if s.FeedAttempts == nil {
		s.FeedAttempts = make(map[string]AttemptCounter)
	}
	c, ok := s.FeedAttempts[period]
	if !ok || now.Sub(c.RecordedAt) >= AttemptWindow {
		s.FeedAttempts[period] = AttemptCounter{Count: 1, RecordedAt: now}
		return 1
	}
	c.Count++
	s.FeedAttempts[period] = c
	return c.Count
}

// SetFeedSchedule replaces the declared recurring schedule wholesale.
func (s *State) SetFeedSchedule(sched *FeedSchedule) {
	s.FeedSchedule = sched
}

// SetScheduledJob records the scheduler job id backing one period.
func (s *State) SetScheduledJob(period, jobID string) {
	if s.FeedSchedule == nil {
		s.FeedSchedule = &FeedSchedule{Enabled: true}
	}
	if s.FeedSchedule.JobIDs == nil {
		s.FeedSchedule.JobIDs = make(map[string]string)
	}
	s.FeedSchedule.JobIDs[period] = jobID
}

// ClearScheduledJobs drops all recorded recurring job ids while keeping
// the declared periods.
func (s *State) ClearScheduledJobs() {
	if s.FeedSchedule != nil {
		s.FeedSchedule.JobIDs = nil
	}
}

// SetCheckIn replaces the one-off check-in descriptor.
func (s *State) SetCheckIn(d *JobDescriptor) { s.ScheduledCheckIn = d }

// ClearCheckIn removes the check-in descriptor.
func (s *State) ClearCheckIn() { s.ScheduledCheckIn = nil }

// SetFollowUp replaces the one-off follow-up descriptor.
func (s *State) SetFollowUp(d *JobDescriptor) { s.NextFollowUp = d }

// ClearFollowUp removes the follow-up descriptor.
func (s *State) ClearFollowUp() { s.NextFollowUp = nil }
