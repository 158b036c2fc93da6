package identity

import (
	"context"
	"os"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeIndex struct {
	mu       sync.Mutex
	threads  map[string]string
	attached []string
	calls    int
}

func newFakeIndex() *fakeIndex {
	return &fakeIndex{threads: map[string]string{}}
}

func (f *fakeIndex) LookupUserByThread(_ context.Context, threadID string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	u, ok := f.threads[threadID]
	return u, ok
}

func (f *fakeIndex) AttachThread(_ context.Context, userID, threadID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.threads[threadID] = userID
	f.attached = append(f.attached, userID+"/"+threadID)
	return true
}

func newTestResolver(t *testing.T, index *fakeIndex) *Resolver {
	t.Helper()
	r, err := NewResolver(Config{
		Strategies: DefaultStrategies(index),
		Binder:     index,
		Logger:     zerolog.New(os.Stdout).Level(zerolog.ErrorLevel),
	})
	require.NoError(t, err)
	return r
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"alice", "alice"},
		{"  alice  ", "alice"},
		{"Alice@Example.com", "Alice@Example.com"},
		{"", ""},
		{"   ", ""},
		{"anonymous", ""},
		{"ANONYMOUS", ""},
		{" Default_User ", ""},
		{"guest", ""},
		{"Public", ""},
		{"guest2", "guest2"},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, Normalize(tt.in))
		})
	}
}

func TestStrategies(t *testing.T) {
	index := newFakeIndex()
	index.threads["t-1"] = "bob"
	ctx := context.Background()

	u, ok := ExplicitStrategy{}.Resolve(ctx, Request{ExplicitID: "alice"})
	assert.True(t, ok)
	assert.Equal(t, "alice", u)

	_, ok = ExplicitStrategy{}.Resolve(ctx, Request{})
	assert.False(t, ok)

	u, ok = ThreadIndexStrategy{Lookup: index}.Resolve(ctx, Request{ThreadID: "t-1"})
	assert.True(t, ok)
	assert.Equal(t, "bob", u)

	_, ok = ThreadIndexStrategy{Lookup: nil}.Resolve(ctx, Request{ThreadID: "t-1"})
	assert.False(t, ok)

	u, ok = PersistedStrategy{}.Resolve(ctx, Request{PersistedID: "carol"})
	assert.True(t, ok)
	assert.Equal(t, "carol", u)
}

func TestResolverOrder(t *testing.T) {
	tests := []struct {
		name       string
		req        Request
		indexed    map[string]string
		wantUser   string
		wantSource string
	}{
		{
			name:       "explicit wins",
			req:        Request{ExplicitID: "alice", ThreadID: "t-1", PersistedID: "carol"},
			indexed:    map[string]string{"t-1": "bob"},
			wantUser:   "alice",
			wantSource: "explicit",
		},
		{
			name:       "sentinel explicit falls through to thread index",
			req:        Request{ExplicitID: "anonymous", ThreadID: "t-1", PersistedID: "carol"},
			indexed:    map[string]string{"t-1": "bob"},
			wantUser:   "bob",
			wantSource: "thread_index",
		},
		{
			name:       "persisted after empty index",
			req:        Request{ThreadID: "t-2", PersistedID: "carol"},
			wantUser:   "carol",
			wantSource: "persisted",
		},
		{
			name:       "sentinel in index is ignored",
			req:        Request{ThreadID: "t-3", PersistedID: "dave"},
			indexed:    map[string]string{"t-3": "default_user"},
			wantUser:   "dave",
			wantSource: "persisted",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			index := newFakeIndex()
			for k, v := range tt.indexed {
				index.threads[k] = v
			}
			r := newTestResolver(t, index)

			res, err := r.ResolveWithSource(context.Background(), tt.req)
			require.NoError(t, err)
			assert.Equal(t, tt.wantUser, res.UserID)
			assert.Equal(t, tt.wantSource, res.Source)
		})
	}
}

func TestResolverNeverReturnsSentinel(t *testing.T) {
	index := newFakeIndex()
	index.threads["t-1"] = " Guest "
	r := newTestResolver(t, index)

	for _, id := range []string{"", "anonymous", "DEFAULT_USER", " public "} {
		_, err := r.Resolve(context.Background(), Request{ExplicitID: id, ThreadID: "t-1", PersistedID: id})
		assert.ErrorIs(t, err, ErrUnauthenticated, "id %q", id)
	}
	assert.Empty(t, index.attached, "failed resolutions must not bind")
}

func TestResolverUnauthenticatedNoHints(t *testing.T) {
	index := newFakeIndex()
	r := newTestResolver(t, index)

	_, err := r.Resolve(context.Background(), Request{ThreadID: "fresh"})
	assert.ErrorIs(t, err, ErrUnauthenticated)
	assert.Equal(t, 2, index.calls, "thread index is consulted twice")
}

func TestResolverBindsThread(t *testing.T) {
	index := newFakeIndex()
	r := newTestResolver(t, index)

	user, err := r.Resolve(context.Background(), Request{ExplicitID: " alice ", ThreadID: "t-9"})
	require.NoError(t, err)
	assert.Equal(t, "alice", user)
	assert.Equal(t, []string{"alice/t-9"}, index.attached)

	// A later turn without an explicit id finds the binding.
	user, err = r.Resolve(context.Background(), Request{ThreadID: "t-9"})
	require.NoError(t, err)
	assert.Equal(t, "alice", user)
}

func TestNewResolverValidation(t *testing.T) {
	_, err := NewResolver(Config{})
	assert.Error(t, err)

	_, err = NewResolver(Config{Strategies: []Strategy{nil}})
	assert.Error(t, err)
}
