package cron

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/harun/steward/internal/tracing"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// ErrUnknownJob is returned for a job name that was never registered.
var ErrUnknownJob = errors.New("unknown job")

// ServiceOptions configures the cron service
type ServiceOptions struct {
	StatePath string // optional; run state is kept in memory only when empty
	Logger    zerolog.Logger
	OnEvent   func(evt Event) // optional
	Now       func() time.Time
}

// Service runs maintenance jobs on cron schedules. A job never overlaps
// itself: a tick that fires while the previous run is active is skipped.
type Service struct {
	cron    *cron.Cron
	jobs    map[string]*Job
	entries map[string]cron.EntryID
	saved   map[string]JobState
	options ServiceOptions
	logger  zerolog.Logger

	mu      sync.Mutex
	started bool
	stopped bool
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewService creates a new cron service and restores saved run state.
func NewService(opts ServiceOptions) (*Service, error) {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	logger := opts.Logger.With().Str("component", "cron").Logger()

	ctx, cancel := context.WithCancel(context.Background())
	s := &Service{
		cron:    cron.New(cron.WithParser(parser), cron.WithLogger(cronLogger{logger: logger})),
		jobs:    make(map[string]*Job),
		entries: make(map[string]cron.EntryID),
		options: opts,
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
	}

	if opts.StatePath != "" {
		saved, err := ReadState(opts.StatePath)
		if err != nil {
			logger.Warn().Err(err).Msg("Failed to load job state, starting fresh")
		}
		s.saved = saved
	}
	return s, nil
}

// Register adds a job. Names are unique.
func (s *Service) Register(name, description string, schedule Schedule, fn JobFunc) error {
	if name == "" {
		return fmt.Errorf("job name is required")
	}
	if fn == nil {
		return fmt.Errorf("job %s has no function", name)
	}
	sched, err := Parse(schedule)
	if err != nil {
		return fmt.Errorf("invalid schedule for %s: %w", name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return fmt.Errorf("service is stopped")
	}
	if _, exists := s.jobs[name]; exists {
		return fmt.Errorf("job %s already registered", name)
	}

	job := &Job{
		Name:        name,
		Description: description,
		Schedule:    schedule,
		fn:          fn,
	}
	if state, ok := s.saved[name]; ok {
		state.RunningSince = nil
		job.State = state
	}
	job.State.NextRunAt = timePtr(sched.Next(s.options.Now()))
	s.jobs[name] = job
	s.entries[name] = s.cron.Schedule(sched, cron.FuncJob(func() {
		s.execute(s.ctx, name)
	}))

	s.logger.Info().
		Str("job", name).
		Str("schedule", schedule.Expr).
		Time("next_run_at", *job.State.NextRunAt).
		Msg("Job registered")
	return nil
}

// Start begins firing scheduled jobs.
func (s *Service) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started || s.stopped {
		return
	}
	s.started = true
	s.cron.Start()
	s.logger.Info().Int("jobs", len(s.jobs)).Msg("Cron service started")
}

// Stop halts scheduling, cancels running jobs and waits for them to return
// or for ctx to end.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	s.mu.Unlock()

	done := s.cron.Stop()
	s.cancel()

	select {
	case <-done.Done():
	case <-ctx.Done():
		return fmt.Errorf("cron jobs still running: %w", ctx.Err())
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.persistLocked(); err != nil {
		s.logger.Error().Err(err).Msg("Failed to persist state on shutdown")
	}
	s.logger.Info().Msg("Cron service stopped")
	return nil
}

// RunNow runs a job immediately, outside its schedule.
func (s *Service) RunNow(ctx context.Context, name string) (Event, error) {
	s.mu.Lock()
	_, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return Event{}, fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	return s.execute(ctx, name), nil
}

// Jobs returns a snapshot of every job sorted by name.
func (s *Service) Jobs() []Job {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		out = append(out, Job{
			Name:        job.Name,
			Description: job.Description,
			Schedule:    job.Schedule,
			State:       job.State,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (s *Service) execute(ctx context.Context, name string) Event {
	s.mu.Lock()
	job, exists := s.jobs[name]
	if !exists {
		s.mu.Unlock()
		return Event{}
	}
	if job.State.RunningSince != nil {
		s.mu.Unlock()
		s.logger.Debug().Str("job", name).Msg("Job already running, skipping execution")
		evt := Event{Action: EventActionSkipped, Job: name, Status: StatusSkipped}
		s.emit(evt)
		return evt
	}
	start := s.options.Now()
	job.State.RunningSince = timePtr(start)
	fn := job.fn
	s.mu.Unlock()

	ctx, span := tracing.StartSpan(tracing.NewRequestContext(ctx), tracing.TracerMaintenance, "cron."+name)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, s.logger).With().Str("job", name).Logger()
	logger.Debug().Msg("Executing job")

	began := time.Now()
	summary, err := runJob(ctx, fn)
	durationMs := time.Since(began).Milliseconds()

	s.mu.Lock()
	job.State.RunningSince = nil
	job.State.LastRunAt = timePtr(start)
	job.State.LastDurationMs = durationMs
	job.State.LastSummary = summary
	job.State.Runs++

	if err != nil {
		job.State.LastStatus = StatusError
		job.State.LastError = err.Error()
		job.State.ConsecutiveErrors++
		tracing.FailSpan(span, err)

		logger.Error().
			Err(err).
			Int("consecutive_errors", job.State.ConsecutiveErrors).
			Msg("Job execution failed")
	} else {
		job.State.LastStatus = StatusOK
		job.State.LastError = ""
		job.State.ConsecutiveErrors = 0

		logger.Info().
			Int64("duration_ms", durationMs).
			Str("summary", summary).
			Msg("Job execution completed")
	}

	if next, calcErr := NextRun(job.Schedule, s.options.Now()); calcErr == nil {
		job.State.NextRunAt = timePtr(next)
	}

	if persistErr := s.persistLocked(); persistErr != nil {
		logger.Error().Err(persistErr).Msg("Failed to persist job state")
	}

	evt := Event{
		Action:     EventActionFinished,
		Job:        name,
		Status:     job.State.LastStatus,
		Summary:    summary,
		Error:      job.State.LastError,
		DurationMs: durationMs,
		NextRunAt:  job.State.NextRunAt,
	}
	s.mu.Unlock()

	s.emit(evt)
	return evt
}

func runJob(ctx context.Context, fn JobFunc) (summary string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panicked: %v", r)
		}
	}()
	return fn(ctx)
}

func (s *Service) emit(evt Event) {
	if s.options.OnEvent != nil {
		s.options.OnEvent(evt)
	}
}

// ReadState loads the run state saved at path. A missing file is not an error.
func ReadState(path string) (map[string]JobState, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return map[string]JobState{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read job state: %w", err)
	}

	state := map[string]JobState{}
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("failed to parse job state: %w", err)
	}
	return state, nil
}

// persistLocked saves run state. Callers hold s.mu.
func (s *Service) persistLocked() error {
	if s.options.StatePath == "" {
		return nil
	}

	state := make(map[string]JobState, len(s.jobs))
	for name, job := range s.jobs {
		state[name] = job.State
	}
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal job state: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.options.StatePath), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	tempFile := s.options.StatePath + ".tmp"
	if err := os.WriteFile(tempFile, data, 0644); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := os.Rename(tempFile, s.options.StatePath); err != nil {
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}
