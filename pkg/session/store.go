package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/harun/steward/internal/observability"
	"github.com/harun/steward/internal/tracing"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

const checkpointExt = ".json"

// ErrNotFound is returned when a thread has no checkpoint.
var ErrNotFound = errors.New("checkpoint not found")

// Checkpoint is the durable state of one thread.
type Checkpoint struct {
	ThreadID  string          `json:"thread_id"`
	Version   int64           `json:"version"`
	UpdatedAt time.Time       `json:"updated_at"`
	State     json.RawMessage `json:"state"`
}

// Summary describes a stored checkpoint without its state.
type Summary struct {
	ThreadID  string
	Version   int64
	UpdatedAt time.Time
}

// Store persists checkpoints.
type Store interface {
	Load(ctx context.Context, threadID string) (*Checkpoint, error)
	Save(ctx context.Context, threadID string, state json.RawMessage) (*Checkpoint, error)
	Delete(ctx context.Context, threadID string) error
	List(ctx context.Context) ([]Summary, error)
}

// Config configures a FileStore.
type Config struct {
	Dir    string
	Logger zerolog.Logger
	Now    func() time.Time
}

// FileStore keeps checkpoints as files under a directory.
type FileStore struct {
	dir    string
	logger zerolog.Logger
	now    func() time.Time

	writeLocks map[string]*sync.Mutex
	locksMu    sync.Mutex
}

// NewFileStore creates the directory if needed.
func NewFileStore(cfg Config) (*FileStore, error) {
	observability.EnsureRegistered()

	if cfg.Dir == "" {
		return nil, fmt.Errorf("checkpoint dir is required")
	}
	if err := os.MkdirAll(cfg.Dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create checkpoint directory: %w", err)
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	return &FileStore{
		dir:        cfg.Dir,
		logger:     cfg.Logger.With().Str("component", "session").Logger(),
		now:        now,
		writeLocks: make(map[string]*sync.Mutex),
	}, nil
}

// validateThreadID validates the thread id for security
func validateThreadID(threadID string) error {
	if threadID == "" {
		return fmt.Errorf("thread id cannot be empty")
	}
	if strings.Contains(threadID, "..") {
		return fmt.Errorf("thread id cannot contain '..'")
	}
	if strings.ContainsAny(threadID, "/\\") {
		return fmt.Errorf("thread id cannot contain path separators")
	}
	if strings.Contains(threadID, "\x00") {
		return fmt.Errorf("thread id cannot contain null bytes")
	}
	if strings.HasPrefix(threadID, ".") {
		return fmt.Errorf("thread id cannot start with '.'")
	}
	return nil
}

func (s *FileStore) path(threadID string) string {
	return filepath.Join(s.dir, threadID+checkpointExt)
}

func (s *FileStore) writeLock(threadID string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()

	if lock, ok := s.writeLocks[threadID]; ok {
		return lock
	}
	lock := &sync.Mutex{}
	s.writeLocks[threadID] = lock
	return lock
}

func (s *FileStore) read(threadID string) (*Checkpoint, error) {
	data, err := os.ReadFile(s.path(threadID))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%s: %w", threadID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint: %w", err)
	}

	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint %s: %w", threadID, err)
	}
	return &cp, nil
}

// Load returns the checkpoint of threadID or ErrNotFound.
func (s *FileStore) Load(ctx context.Context, threadID string) (*Checkpoint, error) {
	ctx, span := tracing.StartSpan(ctx, tracing.TracerSession, "session.load",
		attribute.String("thread_id", threadID),
	)
	defer span.End()
	start := time.Now()
	defer func() {
		observability.RecordCheckpointLoad(time.Since(start))
	}()

	if err := validateThreadID(threadID); err != nil {
		tracing.FailSpan(span, err)
		return nil, err
	}

	cp, err := s.read(threadID)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			tracing.FailSpan(span, err)
		}
		return nil, err
	}

	logger := tracing.LoggerFromContext(ctx, s.logger)
	logger.Debug().
		Int64("version", cp.Version).
		Msg("Checkpoint loaded")
	return cp, nil
}

// Save replaces the checkpoint of threadID with state.
func (s *FileStore) Save(ctx context.Context, threadID string, state json.RawMessage) (*Checkpoint, error) {
	ctx, span := tracing.StartSpan(ctx, tracing.TracerSession, "session.save",
		attribute.String("thread_id", threadID),
	)
	defer span.End()
	start := time.Now()
	defer func() {
		observability.RecordCheckpointSave(time.Since(start))
	}()

	fail := func(err error) (*Checkpoint, error) {
		tracing.FailSpan(span, err)
		return nil, err
	}

	if err := validateThreadID(threadID); err != nil {
		return fail(err)
	}
	if !json.Valid(state) {
		return fail(fmt.Errorf("checkpoint state is not valid JSON"))
	}
	if err := ctx.Err(); err != nil {
		return fail(err)
	}

	lock := s.writeLock(threadID)
	lock.Lock()
	defer lock.Unlock()

	var version int64
	prev, err := s.read(threadID)
	switch {
	case err == nil:
		version = prev.Version
	case errors.Is(err, ErrNotFound):
	default:
		return fail(err)
	}

	cp := &Checkpoint{
		ThreadID:  threadID,
		Version:   version + 1,
		UpdatedAt: s.now().UTC(),
		State:     state,
	}
	data, err := json.Marshal(cp)
	if err != nil {
		return fail(fmt.Errorf("failed to marshal checkpoint: %w", err))
	}

	tmp, err := os.CreateTemp(s.dir, ".tmp-"+threadID+"-*")
	if err != nil {
		return fail(fmt.Errorf("failed to create temp file: %w", err))
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath) //nolint:errcheck
		return fail(fmt.Errorf("failed to write checkpoint: %w", err))
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath) //nolint:errcheck
		return fail(fmt.Errorf("failed to sync checkpoint: %w", err))
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath) //nolint:errcheck
		return fail(fmt.Errorf("failed to close checkpoint: %w", err))
	}
	if err := os.Rename(tmpPath, s.path(threadID)); err != nil {
		os.Remove(tmpPath) //nolint:errcheck
		return fail(fmt.Errorf("failed to replace checkpoint: %w", err))
	}

	logger := tracing.LoggerFromContext(ctx, s.logger)
	logger.Debug().
		Int64("version", cp.Version).
		Int("bytes", len(data)).
		Msg("Checkpoint saved")
	return cp, nil
}

// Delete removes the checkpoint of threadID. Missing checkpoints are not an error.
func (s *FileStore) Delete(ctx context.Context, threadID string) error {
	ctx, span := tracing.StartSpan(ctx, tracing.TracerSession, "session.delete",
		attribute.String("thread_id", threadID),
	)
	defer span.End()

	if err := validateThreadID(threadID); err != nil {
		tracing.FailSpan(span, err)
		return err
	}

	lock := s.writeLock(threadID)
	lock.Lock()
	defer lock.Unlock()

	if err := os.Remove(s.path(threadID)); err != nil && !errors.Is(err, os.ErrNotExist) {
		tracing.FailSpan(span, err)
		return fmt.Errorf("failed to delete checkpoint: %w", err)
	}

	s.locksMu.Lock()
	delete(s.writeLocks, threadID)
	s.locksMu.Unlock()

	logger := tracing.LoggerFromContext(ctx, s.logger)
	logger.Info().Msg("Checkpoint deleted")
	return nil
}

// List returns a summary of every checkpoint, sorted by thread id.
// Unreadable files are skipped with a warning.
func (s *FileStore) List(ctx context.Context) ([]Summary, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint directory: %w", err)
	}

	var summaries []Summary
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, checkpointExt) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		threadID := strings.TrimSuffix(name, checkpointExt)
		cp, err := s.read(threadID)
		if err != nil {
			s.logger.Warn().Err(err).Str("thread_id", threadID).Msg("Skipping unreadable checkpoint")
			continue
		}
		summaries = append(summaries, Summary{ThreadID: cp.ThreadID, Version: cp.Version, UpdatedAt: cp.UpdatedAt})
	}

	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].ThreadID < summaries[j].ThreadID
	})
	return summaries, nil
}
