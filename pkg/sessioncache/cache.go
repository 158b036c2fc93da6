// Package sessioncache keeps the user -> threads records and the reverse
// thread -> user index that identity resolution relies on.
//
// Every operation degrades instead of failing: backend errors are logged and
// reported as absent or false, so a cache outage costs a lookup, never a turn.
package sessioncache

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/harun/steward/internal/observability"
	"github.com/harun/steward/internal/tracing"
	"github.com/harun/steward/pkg/identity"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/singleflight"
)

const (
	sessionKeyPrefix = "user_session:"
	threadKeyPrefix  = "thread_user_id:"

	// DefaultTTL is the lifetime of a session record and its thread keys.
	DefaultTTL = 30 * 24 * time.Hour
)

// SessionRecord is the JSON value stored under user_session:{user}.
type SessionRecord struct {
	UserID    string    `json:"user_id"`
	Threads   []string  `json:"threads"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// HasThread reports whether the record lists threadID.
func (r *SessionRecord) HasThread(threadID string) bool {
	for _, t := range r.Threads {
		if t == threadID {
			return true
		}
	}
	return false
}

// Config configures a Cache.
type Config struct {
	Backend Backend
	TTL     time.Duration
	Logger  zerolog.Logger
	Now     func() time.Time // for tests
}

// Cache is the session cache.
type Cache struct {
	backend Backend
	ttl     time.Duration
	logger  zerolog.Logger
	now     func() time.Time

	scans singleflight.Group

	// serialises read-modify-write of one user's record within this process
	userLocks map[string]*sync.Mutex
	locksMu   sync.Mutex
}

// New creates a cache over backend.
func New(cfg Config) (*Cache, error) {
	if cfg.Backend == nil {
		return nil, fmt.Errorf("backend is required")
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	observability.EnsureRegistered()

	return &Cache{
		backend:   cfg.Backend,
		ttl:       cfg.TTL,
		logger:    cfg.Logger,
		now:       cfg.Now,
		userLocks: make(map[string]*sync.Mutex),
	}, nil
}

func sessionKey(userID string) string  { return sessionKeyPrefix + userID }
func threadKey(threadID string) string { return threadKeyPrefix + threadID }

func (c *Cache) lockUser(userID string) func() {
	c.locksMu.Lock()
	mu, ok := c.userLocks[userID]
	if !ok {
		mu = &sync.Mutex{}
		c.userLocks[userID] = mu
	}
	c.locksMu.Unlock()

	mu.Lock()
	return mu.Unlock
}

func (c *Cache) warn(ctx context.Context, op string, err error) {
	observability.RecordSessionCacheOp(op, "error")
	l := tracing.LoggerFromContext(ctx, c.logger)
	l.Warn().Err(err).Str("op", op).Msg("Session cache backend error")
}

// readRecord returns the live record for userID. Expired or corrupt records read as absent.
func (c *Cache) readRecord(ctx context.Context, op, userID string) (*SessionRecord, bool, error) {
	raw, ok, err := c.backend.Get(ctx, sessionKey(userID))
	if err != nil || !ok {
		return nil, false, err
	}
	var rec SessionRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		c.warn(ctx, op, fmt.Errorf("corrupt session record for %s: %w", userID, err))
		return nil, false, nil
	}
	if !rec.ExpiresAt.IsZero() && !c.now().Before(rec.ExpiresAt) {
		return nil, false, nil
	}
	return &rec, true, nil
}

func (c *Cache) writeRecord(ctx context.Context, rec *SessionRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return c.backend.Set(ctx, sessionKey(rec.UserID), string(data), c.ttl)
}

func (c *Cache) newRecord(userID string) *SessionRecord {
	now := c.now()
	return &SessionRecord{
		UserID:    userID,
		Threads:   []string{},
		CreatedAt: now,
		ExpiresAt: now.Add(c.ttl),
	}
}

// CreateSession starts a fresh record for userID, replacing any existing one.
// Thread keys still owned by the replaced record are removed, so superseded
// threads stop resolving to userID.
func (c *Cache) CreateSession(ctx context.Context, userID string) bool {
	ctx, span := tracing.StartSpan(ctx, tracing.TracerSession, "sessioncache.create")
	defer span.End()

	userID = identity.Normalize(userID)
	if userID == "" {
		return false
	}
	defer c.lockUser(userID)()

	if old, ok, err := c.readRecord(ctx, "create", userID); err != nil {
		c.warn(ctx, "create", err)
	} else if ok {
		if stale := c.ownedThreadKeys(ctx, old); len(stale) > 0 {
			if err := c.backend.Del(ctx, stale...); err != nil {
				c.warn(ctx, "create", err)
			}
		}
	}

	if err := c.writeRecord(ctx, c.newRecord(userID)); err != nil {
		c.warn(ctx, "create", err)
		return false
	}
	observability.RecordSessionCacheOp("create", "ok")
	return true
}

// AttachThread adds threadID to the user's record and indexes thread -> user.
// Attaching an already attached thread only refreshes the TTL.
func (c *Cache) AttachThread(ctx context.Context, userID, threadID string) bool {
	ctx, span := tracing.StartSpan(ctx, tracing.TracerSession, "sessioncache.attach",
		attribute.String("thread_id", threadID),
	)
	defer span.End()

	userID = identity.Normalize(userID)
	threadID = strings.TrimSpace(threadID)
	if userID == "" || threadID == "" {
		return false
	}
	defer c.lockUser(userID)()

	rec, ok, err := c.readRecord(ctx, "attach", userID)
	if err != nil {
		c.warn(ctx, "attach", err)
		return false
	}
	if !ok {
		rec = c.newRecord(userID)
	}
	if !rec.HasThread(threadID) {
		rec.Threads = append(rec.Threads, threadID)
	}
	rec.ExpiresAt = c.now().Add(c.ttl)

	if err := c.writeRecord(ctx, rec); err != nil {
		c.warn(ctx, "attach", err)
		return false
	}
	if err := c.backend.Set(ctx, threadKey(threadID), userID, c.ttl); err != nil {
		c.warn(ctx, "attach", err)
		return false
	}
	observability.RecordSessionCacheOp("attach", "ok")
	return true
}

// LookupUserByThread returns the owner of threadID. The direct index is tried
// first; on a miss the session records are scanned and the index repopulated.
// Concurrent scans for the same thread share one pass.
func (c *Cache) LookupUserByThread(ctx context.Context, threadID string) (string, bool) {
	ctx, span := tracing.StartSpan(ctx, tracing.TracerSession, "sessioncache.lookup",
		attribute.String("thread_id", threadID),
	)
	defer span.End()

	threadID = strings.TrimSpace(threadID)
	if threadID == "" {
		return "", false
	}

	userID, ok, err := c.backend.Get(ctx, threadKey(threadID))
	if err != nil {
		c.warn(ctx, "lookup", err)
	} else if ok && identity.Normalize(userID) != "" {
		observability.RecordSessionCacheOp("lookup", "hit")
		return userID, true
	}

	v, err, _ := c.scans.Do(threadID, func() (interface{}, error) {
		return c.scanForThread(ctx, threadID)
	})
	if err != nil {
		c.warn(ctx, "scan", err)
		return "", false
	}
	userID = v.(string)
	if userID == "" {
		observability.RecordSessionCacheOp("lookup", "miss")
		return "", false
	}
	observability.RecordSessionCacheOp("lookup", "scan_hit")
	return userID, true
}

func (c *Cache) scanForThread(ctx context.Context, threadID string) (string, error) {
	keys, err := c.backend.Keys(ctx, sessionKeyPrefix+"*")
	if err != nil {
		return "", err
	}

	for _, key := range keys {
		userID := strings.TrimPrefix(key, sessionKeyPrefix)
		rec, ok, err := c.readRecord(ctx, "scan", userID)
		if err != nil {
			c.warn(ctx, "scan", err)
			continue
		}
		if !ok || !rec.HasThread(threadID) || identity.Normalize(rec.UserID) == "" {
			continue
		}

		ttl := rec.ExpiresAt.Sub(c.now())
		if ttl <= 0 {
			ttl = c.ttl
		}
		if err := c.backend.Set(ctx, threadKey(threadID), rec.UserID, ttl); err != nil {
			c.warn(ctx, "scan", err)
		}
		return rec.UserID, nil
	}
	return "", nil
}

// GetSession returns the live record for userID.
func (c *Cache) GetSession(ctx context.Context, userID string) (*SessionRecord, bool) {
	userID = identity.Normalize(userID)
	if userID == "" {
		return nil, false
	}
	rec, ok, err := c.readRecord(ctx, "get", userID)
	if err != nil {
		c.warn(ctx, "get", err)
		return nil, false
	}
	return rec, ok
}

// DeleteSession removes the user's record and the index entries of its threads
// that still point at this user.
func (c *Cache) DeleteSession(ctx context.Context, userID string) bool {
	ctx, span := tracing.StartSpan(ctx, tracing.TracerSession, "sessioncache.delete")
	defer span.End()

	userID = identity.Normalize(userID)
	if userID == "" {
		return false
	}
	defer c.lockUser(userID)()

	rec, ok, err := c.readRecord(ctx, "delete", userID)
	if err != nil {
		c.warn(ctx, "delete", err)
		return false
	}

	keys := []string{sessionKey(userID)}
	if ok {
		keys = append(keys, c.ownedThreadKeys(ctx, rec)...)
	}
	if err := c.backend.Del(ctx, keys...); err != nil {
		c.warn(ctx, "delete", err)
		return false
	}
	observability.RecordSessionCacheOp("delete", "ok")
	return true
}

// ownedThreadKeys returns the thread keys of rec that still point at its
// user. Threads since re-attached to someone else are left alone.
func (c *Cache) ownedThreadKeys(ctx context.Context, rec *SessionRecord) []string {
	var keys []string
	for _, t := range rec.Threads {
		owner, found, err := c.backend.Get(ctx, threadKey(t))
		if err == nil && found && owner == rec.UserID {
			keys = append(keys, threadKey(t))
		}
	}
	return keys
}

// Close releases the backend.
func (c *Cache) Close() error {
	return c.backend.Close()
}
