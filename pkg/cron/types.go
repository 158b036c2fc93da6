package cron

import (
	"context"
	"time"
)

// Schedule is a five-field cron expression or a descriptor such as
// "@every 5m", evaluated in TZ when set.
type Schedule struct {
	Expr string `json:"expr"`
	TZ   string `json:"tz,omitempty"`
}

// JobFunc performs one run of a job. The summary is recorded with the run.
type JobFunc func(ctx context.Context) (summary string, err error)

// JobState tracks runtime state of a job
type JobState struct {
	NextRunAt         *time.Time `json:"next_run_at,omitempty"`
	RunningSince      *time.Time `json:"running_since,omitempty"`
	LastRunAt         *time.Time `json:"last_run_at,omitempty"`
	LastStatus        string     `json:"last_status,omitempty"` // "ok", "error" or "skipped"
	LastError         string     `json:"last_error,omitempty"`
	LastSummary       string     `json:"last_summary,omitempty"`
	LastDurationMs    int64      `json:"last_duration_ms,omitempty"`
	ConsecutiveErrors int        `json:"consecutive_errors,omitempty"`
	Runs              int        `json:"runs,omitempty"`
}

// Job is a registered maintenance job and its state.
type Job struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Schedule    Schedule `json:"schedule"`
	State       JobState `json:"state"`

	fn JobFunc
}

// EventAction represents the type of event
type EventAction string

const (
	EventActionFinished EventAction = "finished"
	EventActionSkipped  EventAction = "skipped"
)

// Event is emitted after every run attempt.
type Event struct {
	Action     EventAction `json:"action"`
	Job        string      `json:"job"`
	Status     string      `json:"status,omitempty"`
	Summary    string      `json:"summary,omitempty"`
	Error      string      `json:"error,omitempty"`
	DurationMs int64       `json:"duration_ms,omitempty"`
	NextRunAt  *time.Time  `json:"next_run_at,omitempty"`
}

const (
	StatusOK      = "ok"
	StatusError   = "error"
	StatusSkipped = "skipped"
)

// timePtr returns a pointer to a time value
func timePtr(t time.Time) *time.Time {
	return &t
}
