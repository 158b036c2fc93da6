// Package identity decides which user a turn acts on behalf of.
//
// A Resolver walks an ordered list of strategies and accepts the first
// candidate that survives Normalize. Placeholder identities such as
// "anonymous" or "default_user" are never accepted, so a turn either runs
// as a real user or fails with ErrUnauthenticated.
package identity

import (
	"context"
	"errors"
	"strings"
)

// ErrUnauthenticated is returned when no strategy yields a usable identity.
var ErrUnauthenticated = errors.New("unauthenticated: no valid user identity")

var sentinels = map[string]struct{}{
	"":             {},
	"anonymous":    {},
	"default_user": {},
	"guest":        {},
	"public":       {},
}

// Normalize trims the id and returns "" for placeholder identities.
// Placeholders are matched case-insensitively; real ids keep their case.
func Normalize(id string) string {
	trimmed := strings.TrimSpace(id)
	if IsSentinel(trimmed) {
		return ""
	}
	return trimmed
}

// IsSentinel reports whether id is a placeholder that must never be treated as a user.
func IsSentinel(id string) bool {
	_, ok := sentinels[strings.ToLower(strings.TrimSpace(id))]
	return ok
}

// Request carries every identity hint available to a turn.
type Request struct {
	ExplicitID  string // supplied by the caller's auth context
	ThreadID    string
	PersistedID string // recorded in the thread's last checkpoint
}

// Strategy proposes a candidate identity. ok=false means no opinion.
type Strategy interface {
	Name() string
	Resolve(ctx context.Context, req Request) (string, bool)
}

// ThreadLookup maps a thread to the user that owns it.
type ThreadLookup interface {
	LookupUserByThread(ctx context.Context, threadID string) (string, bool)
}

// Binder records a successful thread -> user association.
type Binder interface {
	AttachThread(ctx context.Context, userID, threadID string) bool
}

// ExplicitStrategy trusts the id handed in by the caller.
type ExplicitStrategy struct{}

func (ExplicitStrategy) Name() string { return "explicit" }

func (ExplicitStrategy) Resolve(_ context.Context, req Request) (string, bool) {
	return req.ExplicitID, req.ExplicitID != ""
}

// ThreadIndexStrategy asks the session cache who owns the thread.
type ThreadIndexStrategy struct {
	Lookup ThreadLookup
}

func (ThreadIndexStrategy) Name() string { return "thread_index" }

func (s ThreadIndexStrategy) Resolve(ctx context.Context, req Request) (string, bool) {
	if s.Lookup == nil || req.ThreadID == "" {
		return "", false
	}
	return s.Lookup.LookupUserByThread(ctx, req.ThreadID)
}

// PersistedStrategy reuses the identity stored with the thread's checkpoint.
type PersistedStrategy struct{}

func (PersistedStrategy) Name() string { return "persisted" }

func (PersistedStrategy) Resolve(_ context.Context, req Request) (string, bool) {
	return req.PersistedID, req.PersistedID != ""
}

// DefaultStrategies returns the standard chain: explicit, thread index,
// persisted, then the thread index once more in case another turn attached
// the thread while this one was resolving.
func DefaultStrategies(lookup ThreadLookup) []Strategy {
	return []Strategy{
		ExplicitStrategy{},
		ThreadIndexStrategy{Lookup: lookup},
		PersistedStrategy{},
		ThreadIndexStrategy{Lookup: lookup},
	}
}
