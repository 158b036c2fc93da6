package toolexecutor

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// ManifestWatcher reloads a manifest into a registry when the file changes.
type ManifestWatcher struct {
	path     string
	registry *ToolRegistry
	watcher  *fsnotify.Watcher
	logger   zerolog.Logger
	debounce time.Duration
	onReload func(error)

	mu       sync.Mutex
	timer    *time.Timer
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewManifestWatcher applies the manifest once and starts watching its
// directory. Editors replace files by rename, so the directory is watched.
func NewManifestWatcher(path string, registry *ToolRegistry, logger zerolog.Logger) (*ManifestWatcher, error) {
	if registry == nil {
		return nil, fmt.Errorf("registry is required")
	}

	mw := &ManifestWatcher{
		path:     filepath.Clean(path),
		registry: registry,
		logger:   logger.With().Str("component", "manifest_watcher").Logger(),
		debounce: 500 * time.Millisecond,
		stopCh:   make(chan struct{}),
	}

	if err := mw.Reload(); err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(filepath.Dir(mw.path)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch manifest directory: %w", err)
	}
	mw.watcher = watcher

	go mw.run()

	return mw, nil
}

// OnReload registers a callback invoked after every debounced reload.
func (mw *ManifestWatcher) OnReload(fn func(error)) {
	mw.mu.Lock()
	defer mw.mu.Unlock()
	mw.onReload = fn
}

// Reload reads the manifest and applies it.
func (mw *ManifestWatcher) Reload() error {
	m, err := LoadManifest(mw.path)
	if err != nil {
		return err
	}
	unknown, err := mw.registry.ApplyManifest(m)
	if err != nil {
		return err
	}
	if len(unknown) > 0 {
		mw.logger.Warn().Strs("tools", unknown).Msg("Manifest names unregistered tools")
	}
	mw.logger.Info().Int("tools", len(m.Tools)).Msg("Tool manifest applied")
	return nil
}

// Stop stops the watcher
func (mw *ManifestWatcher) Stop() error {
	var err error
	mw.stopOnce.Do(func() {
		close(mw.stopCh)
		mw.mu.Lock()
		if mw.timer != nil {
			mw.timer.Stop()
		}
		mw.mu.Unlock()
		err = mw.watcher.Close()
	})
	return err
}

func (mw *ManifestWatcher) run() {
	for {
		select {
		case event, ok := <-mw.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != mw.path {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				mw.logger.Debug().
					Str("file", filepath.Base(event.Name)).
					Str("op", event.Op.String()).
					Msg("Manifest change detected")
				mw.scheduleReload()
			}

		case err, ok := <-mw.watcher.Errors:
			if !ok {
				return
			}
			mw.logger.Error().Err(err).Msg("Manifest watcher error")

		case <-mw.stopCh:
			return
		}
	}
}

func (mw *ManifestWatcher) scheduleReload() {
	mw.mu.Lock()
	defer mw.mu.Unlock()

	if mw.timer != nil {
		mw.timer.Stop()
	}
	mw.timer = time.AfterFunc(mw.debounce, func() {
		err := mw.Reload()
		if err != nil {
			mw.logger.Error().Err(err).Msg("Manifest reload failed, keeping previous policy")
		}
		mw.mu.Lock()
		fn := mw.onReload
		mw.mu.Unlock()
		if fn != nil {
			fn(err)
		}
	})
}
