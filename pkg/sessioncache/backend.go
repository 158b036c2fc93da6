package sessioncache

import (
	"context"
	"path"
	"sync"
	"time"
)

// Backend is the key/value store underneath the cache. Implementations must
// be safe for concurrent use. Keys uses glob patterns in the Redis style.
type Backend interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
	Keys(ctx context.Context, pattern string) ([]string, error)
	Close() error
}

type memEntry struct {
	value     string
	expiresAt time.Time // zero means no expiry
}

// MemoryBackend is an in-process Backend with per-key TTLs.
type MemoryBackend struct {
	entries map[string]memEntry
	mu      sync.RWMutex
	now     func() time.Time
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewMemoryBackend creates a memory backend whose janitor evicts expired keys
// every interval. A non-positive interval defaults to one minute.
func NewMemoryBackend(interval time.Duration) *MemoryBackend {
	if interval <= 0 {
		interval = time.Minute
	}
	ctx, cancel := context.WithCancel(context.Background())
	b := &MemoryBackend{
		entries: make(map[string]memEntry),
		now:     time.Now,
		ctx:     ctx,
		cancel:  cancel,
	}
	go b.janitor(interval)
	return b
}

func (b *MemoryBackend) expired(e memEntry, now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

func (b *MemoryBackend) Get(_ context.Context, key string) (string, bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	e, ok := b.entries[key]
	if !ok || b.expired(e, b.now()) {
		return "", false, nil
	}
	return e.value, true, nil
}

func (b *MemoryBackend) Set(_ context.Context, key, value string, ttl time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	e := memEntry{value: value}
	if ttl > 0 {
		e.expiresAt = b.now().Add(ttl)
	}
	b.entries[key] = e
	return nil
}

func (b *MemoryBackend) Del(_ context.Context, keys ...string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, k := range keys {
		delete(b.entries, k)
	}
	return nil
}

func (b *MemoryBackend) Keys(_ context.Context, pattern string) ([]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	now := b.now()
	var keys []string
	for k, e := range b.entries {
		if b.expired(e, now) {
			continue
		}
		ok, err := path.Match(pattern, k)
		if err != nil {
			return nil, err
		}
		if ok {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

// Close stops the janitor.
func (b *MemoryBackend) Close() error {
	b.cancel()
	return nil
}

func (b *MemoryBackend) janitor(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-b.ctx.Done():
			return
		case <-ticker.C:
			b.evictExpired()
		}
	}
}

func (b *MemoryBackend) evictExpired() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	for k, e := range b.entries {
		if b.expired(e, now) {
			delete(b.entries, k)
		}
	}
}
