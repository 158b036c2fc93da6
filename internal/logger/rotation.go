package logger

import (
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const backupTimeFormat = "20060102T150405.000"

// RotationConfig configures a RotatingWriter.
type RotationConfig struct {
	Filename  string
	MaxSizeMB int
	MaxAge    time.Duration // zero keeps every backup
	Compress  bool
	Now       func() time.Time
}

// RotatingWriter appends to a log file and moves it aside once it would grow
// past the size limit. Backups are named <base>-<timestamp><ext>, optionally
// gzipped, and pruned by age after every rotation. Safe for concurrent use.
type RotatingWriter struct {
	cfg     RotationConfig
	maxSize int64

	mu   sync.Mutex
	file *os.File
	size int64

	// background compressions; Close waits for them
	pending sync.WaitGroup
}

// NewRotatingWriter opens (or creates) cfg.Filename for appending.
func NewRotatingWriter(cfg RotationConfig) (*RotatingWriter, error) {
	if cfg.Filename == "" {
		return nil, fmt.Errorf("log filename is required")
	}
	if cfg.MaxSizeMB <= 0 {
		return nil, fmt.Errorf("max size must be positive")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	w := &RotatingWriter{cfg: cfg, maxSize: int64(cfg.MaxSizeMB) << 20}
	if err := w.open(); err != nil {
		return nil, err
	}
	w.prune()
	return w, nil
}

func (w *RotatingWriter) open() error {
	if err := os.MkdirAll(filepath.Dir(w.cfg.Filename), 0755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}
	file, err := os.OpenFile(w.cfg.Filename, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return fmt.Errorf("failed to stat log file: %w", err)
	}
	w.file = file
	w.size = info.Size()
	return nil
}

// Write appends p, rotating first when p would overflow a non-empty file.
// A single write larger than the limit is never split.
func (w *RotatingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return 0, os.ErrClosed
	}
	if w.size > 0 && w.size+int64(len(p)) > w.maxSize {
		if err := w.rotate(); err != nil {
			return 0, fmt.Errorf("failed to rotate log: %w", err)
		}
	}

	n, err := w.file.Write(p)
	w.size += int64(n)
	return n, err
}

// Close closes the file and waits for in-flight compressions.
func (w *RotatingWriter) Close() error {
	w.mu.Lock()
	var err error
	if w.file != nil {
		err = w.file.Close()
		w.file = nil
	}
	w.mu.Unlock()

	w.pending.Wait()
	return err
}

// backupName returns the rotated name for the current file at t.
func (w *RotatingWriter) backupName(t time.Time) string {
	dir := filepath.Dir(w.cfg.Filename)
	base := filepath.Base(w.cfg.Filename)
	ext := filepath.Ext(base)
	stem := strings.TrimSuffix(base, ext)
	return filepath.Join(dir, fmt.Sprintf("%s-%s%s", stem, t.UTC().Format(backupTimeFormat), ext))
}

// rotate is called with w.mu held.
func (w *RotatingWriter) rotate() error {
	if err := w.file.Close(); err != nil {
		return err
	}
	w.file = nil

	backup := w.backupName(w.cfg.Now())
	if err := os.Rename(w.cfg.Filename, backup); err != nil {
		return err
	}
	if err := w.open(); err != nil {
		return err
	}

	w.pending.Add(1)
	go func() {
		defer w.pending.Done()
		if w.cfg.Compress {
			_ = gzipFile(backup)
		}
		w.prune()
	}()
	return nil
}

// backups lists rotated files with their timestamps, oldest first.
func (w *RotatingWriter) backups() []backupFile {
	dir := filepath.Dir(w.cfg.Filename)
	base := filepath.Base(w.cfg.Filename)
	ext := filepath.Ext(base)
	prefix := strings.TrimSuffix(base, ext) + "-"

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}

	var out []backupFile
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, prefix) {
			continue
		}
		stamp := strings.TrimPrefix(name, prefix)
		stamp = strings.TrimSuffix(stamp, ".gz")
		stamp = strings.TrimSuffix(stamp, ext)
		t, err := time.Parse(backupTimeFormat, stamp)
		if err != nil {
			continue
		}
		out = append(out, backupFile{path: filepath.Join(dir, name), at: t})
	}
	// ReadDir sorts by name and the timestamp format sorts lexically.
	return out
}

type backupFile struct {
	path string
	at   time.Time
}

// prune removes backups older than MaxAge.
func (w *RotatingWriter) prune() {
	if w.cfg.MaxAge <= 0 {
		return
	}
	cutoff := w.cfg.Now().Add(-w.cfg.MaxAge)
	for _, b := range w.backups() {
		if b.at.Before(cutoff) {
			_ = os.Remove(b.path)
		}
	}
}

// gzipFile replaces path with path.gz.
func gzipFile(path string) error {
	src, err := os.Open(path)
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := os.Create(path + ".gz")
	if err != nil {
		return err
	}

	gzw := gzip.NewWriter(dst)
	if _, err := io.Copy(gzw, src); err != nil {
		gzw.Close()
		dst.Close()
		os.Remove(path + ".gz")
		return err
	}
	if err := gzw.Close(); err != nil {
		dst.Close()
		return err
	}
	if err := dst.Close(); err != nil {
		return err
	}
	return os.Remove(path)
}
