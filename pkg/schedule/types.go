// Package schedule registers and reconciles the background jobs that
// trigger agent runs.
package schedule

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/kindling-ai/kindling/pkg/entity"
)

// JobKind discriminates the job types a scheduler carries.
type JobKind string

const (
	JobKindImmediate JobKind = "immediate"
	JobKindAt        JobKind = "at"
	JobKindCron      JobKind = "cron"
)

// Job is one registered background job.
type Job struct {
	ID          string     `json:"id"`
	Kind        JobKind    `json:"kind"`
	Entity      entity.Ref `json:"entity"`
	Context     string     `json:"context,omitempty"`
	Expr        string     `json:"expr,omitempty"`
	RunAt       *time.Time `json:"run_at,omitempty"`
	CreatedAtMs int64      `json:"created_at_ms"`
}

// RunFunc is invoked when a job fires.
type RunFunc func(ctx context.Context, ref entity.Ref, runContext string)

// Scheduler is the job trigger interface the runtime consumes. The
// external substrate must expose a queryable snapshot of currently
// scheduled jobs for the verifier.
type Scheduler interface {
	Enqueue(ref entity.Ref, runContext string) (string, error)
	EnqueueAt(at time.Time, ref entity.Ref, runContext string) (string, error)
	RegisterCron(ref entity.Ref, expr, runContext string) (string, error)
	Cancel(jobID string) error
	ScheduledJobIDs() map[string]struct{}
}

// PeriodCron derives the cron expression for a feed period. "morning"
// and "evening" map to fixed local hours; anything else must be "HH:MM".
func PeriodCron(period string) (string, error) {
	switch period {
	case "morning":
		return "0 8 * * *", nil
	case "evening":
		return "0 20 * * *", nil
	}

	hh, mm, ok := strings.Cut(period, ":")
	if !ok {
		return "", fmt.Errorf("unknown period %q", period)
	}
	hour, err := strconv.Atoi(hh)
	if err != nil || hour < 0 || hour > 23 {
		return "", fmt.Errorf("invalid hour in period %q", period)
	}
	minute, err := strconv.Atoi(mm)
	if err != nil || minute < 0 || minute > 59 {
		return "", fmt.Errorf("invalid minute in period %q", period)
	}
	return fmt.Sprintf("%d %d * * *", minute, hour), nil
}

// NextRun computes the next fire time of a 5-field cron expression.
func NextRun(expr string, after time.Time) (time.Time, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	sched, err := parser.Parse(expr)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid cron expression: %w", err)
	}
	return sched.Next(after), nil
}
