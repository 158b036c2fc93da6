package commandqueue

import (
	"context"
	"sync"
	"time"
)

type dedupKeyT struct {
	lane      string
	requestID string
}

type dedupEntry struct {
	result  taskResult
	expires time.Time
}

// dedupCache remembers finished results per (lane, request id) so a retried
// submission returns the first outcome instead of running twice.
type dedupCache struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.Mutex
	entries map[dedupKeyT]dedupEntry

	cancel context.CancelFunc
	done   chan struct{}
}

func newDedupCache(ctx context.Context, ttl time.Duration) *dedupCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	ctx, cancel := context.WithCancel(ctx)
	dc := &dedupCache{
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[dedupKeyT]dedupEntry),
		cancel:  cancel,
		done:    make(chan struct{}),
	}

	interval := ttl
	if interval > time.Minute {
		interval = time.Minute
	}
	go dc.sweepLoop(ctx, interval)
	return dc
}

// Stop ends the sweeper and waits for it.
func (dc *dedupCache) Stop() {
	dc.cancel()
	<-dc.done
}

func (dc *dedupCache) Get(lane, requestID string) (taskResult, bool) {
	dc.mu.Lock()
	defer dc.mu.Unlock()

	entry, ok := dc.entries[dedupKeyT{lane, requestID}]
	if !ok || !dc.now().Before(entry.expires) {
		return taskResult{}, false
	}
	return entry.result, true
}

func (dc *dedupCache) Set(lane, requestID string, result taskResult) {
	dc.mu.Lock()
	defer dc.mu.Unlock()
	dc.entries[dedupKeyT{lane, requestID}] = dedupEntry{result: result, expires: dc.now().Add(dc.ttl)}
}

func (dc *dedupCache) sweepLoop(ctx context.Context, interval time.Duration) {
	defer close(dc.done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			dc.sweep()
		}
	}
}

func (dc *dedupCache) sweep() {
	dc.mu.Lock()
	defer dc.mu.Unlock()
	now := dc.now()
	for key, entry := range dc.entries {
		if !now.Before(entry.expires) {
			delete(dc.entries, key)
		}
	}
}

// Size returns the number of cached results, expired or not.
func (dc *dedupCache) Size() int {
	dc.mu.Lock()
	defer dc.mu.Unlock()
	return len(dc.entries)
}
