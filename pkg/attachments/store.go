package attachments

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
)

// ErrNotFound is returned when a key or attachment does not exist.
var ErrNotFound = errors.New("attachment not found")

// Store is a flat key/value blob store. Keys are slash-separated.
type Store interface {
	Put(ctx context.Context, key string, data io.Reader, contentType string) error
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
	List(ctx context.Context, prefix string) ([]string, error)
	Close() error
}

func cleanKey(key string) (string, error) {
	if key == "" {
		return "", fmt.Errorf("key is required")
	}
	cleaned := path.Clean("/" + key)[1:]
	if cleaned == "" || cleaned != strings.TrimPrefix(key, "/") || strings.Contains(key, "\\") {
		return "", fmt.Errorf("invalid key %q", key)
	}
	return cleaned, nil
}

// LocalStore stores blobs on the local filesystem.
type LocalStore struct {
	basePath string
}

// NewLocalStore creates a local disk store.
func NewLocalStore(basePath string) (*LocalStore, error) {
	if basePath == "" {
		return nil, fmt.Errorf("base path is required")
	}
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("create attachment directory: %w", err)
	}
	return &LocalStore{basePath: basePath}, nil
}

func (s *LocalStore) filePath(key string) (string, error) {
	cleaned, err := cleanKey(key)
	if err != nil {
		return "", err
	}
	return filepath.Join(s.basePath, filepath.FromSlash(cleaned)), nil
}

// Put writes data to a temp file and renames it into place.
func (s *LocalStore) Put(ctx context.Context, key string, data io.Reader, contentType string) error {
	filePath, err := s.filePath(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(filePath), 0755); err != nil {
		return fmt.Errorf("create attachment dir: %w", err)
	}

	f, err := os.CreateTemp(filepath.Dir(filePath), ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := f.Name()

	if _, err := io.Copy(f, data); err != nil {
		f.Close()
		os.Remove(tmpPath) //nolint:errcheck
		return fmt.Errorf("write attachment: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath) //nolint:errcheck
		return fmt.Errorf("close attachment: %w", err)
	}

	if err := os.Rename(tmpPath, filePath); err != nil {
		os.Remove(tmpPath) //nolint:errcheck
		return fmt.Errorf("rename attachment: %w", err)
	}
	return nil
}

// Get opens the blob stored under key.
func (s *LocalStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	filePath, err := s.filePath(key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(filePath)
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%s: %w", key, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("open attachment: %w", err)
	}
	return f, nil
}

// Delete removes key. Missing keys are not an error.
func (s *LocalStore) Delete(ctx context.Context, key string) error {
	filePath, err := s.filePath(key)
	if err != nil {
		return err
	}
	if err := os.Remove(filePath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete attachment: %w", err)
	}
	return nil
}

// Exists checks if key exists.
func (s *LocalStore) Exists(ctx context.Context, key string) (bool, error) {
	filePath, err := s.filePath(key)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(filePath)
	if os.IsNotExist(err) {
		return false, nil
	}
	return err == nil, err
}

// List returns the keys under prefix, sorted.
func (s *LocalStore) List(ctx context.Context, prefix string) ([]string, error) {
	root := s.basePath
	if p := strings.Trim(prefix, "/"); p != "" {
		dir, err := s.filePath(p)
		if err != nil {
			return nil, err
		}
		root = dir
	}

	var keys []string
	err := filepath.WalkDir(root, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return filepath.SkipDir
			}
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), ".tmp-") {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := filepath.Rel(s.basePath, p)
		if err != nil {
			return err
		}
		keys = append(keys, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list attachments: %w", err)
	}
	sort.Strings(keys)
	return keys, nil
}

// Close releases resources.
func (s *LocalStore) Close() error {
	return nil
}
