// Package sandbox provides the per-thread workspace tool handlers write into.
// A workspace is created the first time a thread needs one; its id is kept
// in the thread checkpoint and every later turn reopens the same directory.
package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	manifestFile = "workspace.json"
	resultsDir   = "function_results"
)

// Config defines sandbox configuration
type Config struct {
	// Dir is the root holding one directory per workspace
	Dir    string
	Logger zerolog.Logger
}

// Provider opens workspaces under a root directory.
type Provider struct {
	dir    string
	logger zerolog.Logger

	mu   sync.Mutex
	open map[string]*Workspace
}

// NewProvider creates a Provider, creating the root directory if needed.
func NewProvider(cfg Config) (*Provider, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("sandbox dir is required")
	}
	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		return nil, fmt.Errorf("create sandbox dir: %w", err)
	}
	return &Provider{
		dir:    cfg.Dir,
		logger: cfg.Logger.With().Str("component", "sandbox").Logger(),
		open:   make(map[string]*Workspace),
	}, nil
}

type workspaceManifest struct {
	ID        string    `json:"id"`
	ThreadID  string    `json:"thread_id"`
	CreatedAt time.Time `json:"created_at"`
}

// Open returns the workspace for threadID. With an empty existingID a new
// workspace is created; otherwise the stored one is reopened, and recreated
// in place if its directory was removed.
func (p *Provider) Open(ctx context.Context, threadID, existingID string) (*Workspace, error) {
	if strings.TrimSpace(threadID) == "" {
		return nil, ErrThreadRequired
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	id := existingID
	if id == "" {
		id = uuid.New().String()
	} else if _, err := uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidID, id)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if ws, ok := p.open[id]; ok {
		if ws.threadID != threadID {
			return nil, ErrThreadMismatch
		}
		return ws, nil
	}

	dir := filepath.Join(p.dir, id)
	manifestPath := filepath.Join(dir, manifestFile)

	data, err := os.ReadFile(manifestPath)
	switch {
	case err == nil:
		var m workspaceManifest
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("read workspace manifest: %w", err)
		}
		if m.ThreadID != threadID {
			return nil, ErrThreadMismatch
		}
	case errors.Is(err, os.ErrNotExist):
		if err := os.MkdirAll(filepath.Join(dir, resultsDir), 0755); err != nil {
			return nil, fmt.Errorf("create workspace: %w", err)
		}
		m := workspaceManifest{ID: id, ThreadID: threadID, CreatedAt: time.Now().UTC()}
		data, _ := json.Marshal(m)
		if err := writeFileAtomic(manifestPath, data); err != nil {
			return nil, fmt.Errorf("write workspace manifest: %w", err)
		}
		p.logger.Info().
			Str("workspace_id", id).
			Str("thread_id", threadID).
			Bool("recreated", existingID != "").
			Msg("Workspace created")
	default:
		return nil, fmt.Errorf("read workspace manifest: %w", err)
	}

	ws := &Workspace{id: id, threadID: threadID, dir: dir}
	p.open[id] = ws
	return ws, nil
}

// Remove deletes a workspace and everything in it.
func (p *Provider) Remove(ctx context.Context, id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidID, id)
	}

	p.mu.Lock()
	delete(p.open, id)
	p.mu.Unlock()

	if err := os.RemoveAll(filepath.Join(p.dir, id)); err != nil {
		return fmt.Errorf("remove workspace: %w", err)
	}
	p.logger.Info().Str("workspace_id", id).Msg("Workspace removed")
	return nil
}

// Workspace is one thread's directory.
type Workspace struct {
	id       string
	threadID string
	dir      string
	mu       sync.Mutex
}

// ID returns the workspace id stored in the thread checkpoint.
func (w *Workspace) ID() string { return w.id }

// Dir returns the workspace directory.
func (w *Workspace) Dir() string { return w.dir }

// ThreadID returns the owning thread.
func (w *Workspace) ThreadID() string { return w.threadID }

// ResultPath is where the result of tool call index is kept.
func (w *Workspace) ResultPath(index int) string {
	return filepath.Join(w.dir, resultsDir, strconv.Itoa(index)+".json")
}

// StoreResult records function_results[index]. Rewriting an index replaces it.
func (w *Workspace) StoreResult(ctx context.Context, index int, data []byte) error {
	if index < 0 {
		return ErrInvalidIndex
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if err := os.MkdirAll(filepath.Join(w.dir, resultsDir), 0755); err != nil {
		return fmt.Errorf("create results dir: %w", err)
	}
	if err := writeFileAtomic(w.ResultPath(index), data); err != nil {
		return fmt.Errorf("store function result %d: %w", index, err)
	}
	return nil
}

// LoadResult returns function_results[index].
func (w *Workspace) LoadResult(ctx context.Context, index int) ([]byte, error) {
	if index < 0 {
		return nil, ErrInvalidIndex
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(w.ResultPath(index))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %d", ErrResultNotFound, index)
	}
	if err != nil {
		return nil, fmt.Errorf("load function result %d: %w", index, err)
	}
	return data, nil
}

// Results lists the stored result indexes in ascending order.
func (w *Workspace) Results() ([]int, error) {
	entries, err := os.ReadDir(filepath.Join(w.dir, resultsDir))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var indexes []int
	for _, e := range entries {
		name := strings.TrimSuffix(e.Name(), ".json")
		if e.IsDir() || name == e.Name() {
			continue
		}
		if i, err := strconv.Atoi(name); err == nil {
			indexes = append(indexes, i)
		}
	}
	sort.Ints(indexes)
	return indexes, nil
}

func writeFileAtomic(path string, data []byte) error {
	f, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	tmp := f.Name()
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp) //nolint:errcheck
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp) //nolint:errcheck
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp) //nolint:errcheck
		return err
	}
	return nil
}
