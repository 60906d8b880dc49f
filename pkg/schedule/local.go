package schedule

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/kindling-ai/kindling/pkg/entity"
)

// LocalScheduler is an in-process Scheduler backed by timers, so the
// runtime is complete without an external queue. Jobs survive restarts
// through a JSON registry written with an atomic tmp+rename.
type LocalScheduler struct {
	storePath string
	run       RunFunc

	mu      sync.Mutex
	jobs    map[string]*Job
	timers  map[string]*time.Timer
	stopped bool
}

// Options configures a LocalScheduler.
type Options struct {
	StorePath string
	Run       RunFunc
}

// NewLocal creates the scheduler, loads the persisted registry, and
// arms timers for every stored job.
func NewLocal(opts Options) (*LocalScheduler, error) {
	if opts.StorePath == "" {
		return nil, fmt.Errorf("store path is required")
	}
	if opts.Run == nil {
		return nil, fmt.Errorf("run callback is required")
	}

	s := &LocalScheduler{
		storePath: opts.StorePath,
		run:       opts.Run,
		jobs:      make(map[string]*Job),
		timers:    make(map[string]*time.Timer),
	}

	if err := s.loadJobs(); err != nil {
		log.Warn().Err(err).Msg("Failed to load jobs, starting with empty registry")
	}

	s.mu.Lock()
	for _, job := range s.jobs {
		s.armTimerLocked(job)
	}
	count := len(s.jobs)
	s.mu.Unlock()

	log.Info().Int("jobCount", count).Msg("Local scheduler initialized")
	return s, nil
}

// Enqueue fires a run as soon as possible.
func (s *LocalScheduler) Enqueue(ref entity.Ref, runContext string) (string, error) {
	return s.addJob(&Job{Kind: JobKindImmediate, Entity: ref, Context: runContext})
}

// EnqueueAt fires a run at a specific time. A past time fires now.
func (s *LocalScheduler) EnqueueAt(at time.Time, ref entity.Ref, runContext string) (string, error) {
	return s.addJob(&Job{Kind: JobKindAt, Entity: ref, Context: runContext, RunAt: &at})
}

// RegisterCron fires a run on every match of the cron expression.
func (s *LocalScheduler) RegisterCron(ref entity.Ref, expr, runContext string) (string, error) {
	if _, err := NextRun(expr, time.Now()); err != nil {
		return "", err
	}
	return s.addJob(&Job{Kind: JobKindCron, Entity: ref, Context: runContext, Expr: expr})
}

func (s *LocalScheduler) addJob(job *Job) (string, error) {
	if err := job.Entity.Validate(); err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return "", fmt.Errorf("scheduler is stopped")
	}

	job.ID = uuid.New().String()
	job.CreatedAtMs = time.Now().UnixMilli()
	s.jobs[job.ID] = job

	if err := s.persistLocked(); err != nil {
		delete(s.jobs, job.ID)
		return "", fmt.Errorf("failed to persist job: %w", err)
	}

	s.armTimerLocked(job)
	log.Debug().Str("jobId", job.ID).Str("kind", string(job.Kind)).Stringer("entity", job.Entity).
		Msg("Job registered")
	return job.ID, nil
}

// Cancel removes a job. Unknown ids are not an error so reconciliation
// can cancel blindly.
func (s *LocalScheduler) Cancel(jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[jobID]; !ok {
		return nil
	}
	s.cancelTimerLocked(jobID)
	delete(s.jobs, jobID)
	if err := s.persistLocked(); err != nil {
		return fmt.Errorf("failed to persist after cancel: %w", err)
	}
	log.Debug().Str("jobId", jobID).Msg("Job cancelled")
	return nil
}

// ScheduledJobIDs snapshots the currently registered job ids.
func (s *LocalScheduler) ScheduledJobIDs() map[string]struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make(map[string]struct{}, len(s.jobs))
	for id := range s.jobs {
		ids[id] = struct{}{}
	}
	return ids
}

// Jobs returns a snapshot of all registered jobs.
func (s *LocalScheduler) Jobs() []*Job {
	s.mu.Lock()
	defer s.mu.Unlock()

	jobs := make([]*Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		copied := *job
		jobs = append(jobs, &copied)
	}
	return jobs
}

// Stop cancels all timers and persists the registry.
func (s *LocalScheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return nil
	}
	s.stopped = true
	for id := range s.timers {
		s.cancelTimerLocked(id)
	}
	if err := s.persistLocked(); err != nil {
		log.Error().Err(err).Msg("Failed to persist registry on shutdown")
		return err
	}
	log.Info().Msg("Local scheduler stopped")
	return nil
}

// armTimerLocked computes the job's next fire time and arms its timer.
func (s *LocalScheduler) armTimerLocked(job *Job) {
	var delay time.Duration
	switch job.Kind {
	case JobKindImmediate:
		delay = 0
	case JobKindAt:
		if job.RunAt != nil {
			delay = time.Until(*job.RunAt)
		}
	case JobKindCron:
		next, err := NextRun(job.Expr, time.Now())
		if err != nil {
			log.Error().Str("jobId", job.ID).Err(err).Msg("Cannot arm cron job")
			return
		}
		delay = time.Until(next)
	}
	if delay < 0 {
		delay = 0
	}

	id := job.ID
	s.timers[id] = time.AfterFunc(delay, func() {
		s.fire(id)
	})
}

func (s *LocalScheduler) cancelTimerLocked(id string) {
	if timer, ok := s.timers[id]; ok {
		timer.Stop()
		delete(s.timers, id)
	}
}

// fire executes one job. One-off jobs are removed; cron jobs re-arm.
func (s *LocalScheduler) fire(id string) {
	s.mu.Lock()
	job, ok := s.jobs[id]
	if !ok || s.stopped {
		s.mu.Unlock()
		return
	}
	delete(s.timers, id)

	recurring := job.Kind == JobKindCron
	if recurring {
		s.armTimerLocked(job)
	} else {
		delete(s.jobs, id)
		if err := s.persistLocked(); err != nil {
			log.Error().Err(err).Msg("Failed to persist after job fire")
		}
	}
	ref, runContext := job.Entity, job.Context
	s.mu.Unlock()

	log.Debug().Str("jobId", id).Stringer("entity", ref).Msg("Job firing")
	s.run(context.Background(), ref, runContext)
}

func (s *LocalScheduler) loadJobs() error {
	data, err := os.ReadFile(s.storePath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read jobs file: %w", err)
	}

	var jobs []*Job
	if err := json.Unmarshal(data, &jobs); err != nil {
		return fmt.Errorf("failed to parse jobs file: %w", err)
	}
	for _, job := range jobs {
		s.jobs[job.ID] = job
	}
	log.Info().Int("count", len(jobs)).Msg("Loaded jobs from registry")
	return nil
}

func (s *LocalScheduler) persistLocked() error {
	jobs := make([]*Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		jobs = append(jobs, job)
	}

	data, err := json.MarshalIndent(jobs, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal jobs: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.storePath), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	tempFile := s.storePath + ".tmp"
	if err := os.WriteFile(tempFile, data, 0644); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := os.Rename(tempFile, s.storePath); err != nil {
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}
