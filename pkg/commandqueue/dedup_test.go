package commandqueue

import (
	"context"
	"testing"
	"time"
)

func TestDedupCache_Shutdown(t *testing.T) {
	cache := newDedupCache(context.Background(), 50*time.Millisecond)

	stopped := make(chan struct{})
	go func() {
		cache.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-time.After(1 * time.Second):
		t.Fatalf("dedup cache cleanup did not stop within timeout")
	}
}

func TestDedupCache_Expiry(t *testing.T) {
	cache := newDedupCache(context.Background(), 20*time.Millisecond)
	defer cache.Stop()

	cache.Set("lane", "req", taskResult{value: 1})
	if _, ok := cache.Get("lane", "req"); !ok {
		t.Fatal("expected cached result")
	}
	if _, ok := cache.Get("other", "req"); ok {
		t.Fatal("results are scoped to their lane")
	}

	time.Sleep(40 * time.Millisecond)
	if _, ok := cache.Get("lane", "req"); ok {
		t.Fatal("expected expired result")
	}
}

func TestDedupCache_Sweep(t *testing.T) {
	cache := newDedupCache(context.Background(), time.Hour)
	defer cache.Stop()

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cache.mu.Lock()
	cache.now = func() time.Time { return now }
	cache.mu.Unlock()

	cache.Set("lane", "old", taskResult{value: 1})
	now = now.Add(30 * time.Minute)
	cache.Set("lane", "new", taskResult{value: 2})
	now = now.Add(45 * time.Minute)

	cache.sweep()
	if got := cache.Size(); got != 1 {
		t.Fatalf("expected 1 entry after sweep, got %d", got)
	}
	if res, ok := cache.Get("lane", "new"); !ok || res.value != 2 {
		t.Fatalf("expected the newer entry to survive, got %#v %v", res, ok)
	}
}
