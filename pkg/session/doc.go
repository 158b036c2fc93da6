// Package session persists thread checkpoints as one JSON document per
// thread, replaced atomically on every save.
//
// Invariants:
// - Thread ids are validated and path-safe.
// - Saves for the same thread are serialized and each bumps Version by one.
// - A crash mid-save leaves the previous checkpoint intact.
//
// Usage:
//
//	store, _ := session.NewFileStore(session.Config{Dir: "/tmp/steward/threads"})
//	cp, _ := store.Save(ctx, "thread-1", state)
//	loaded, _ := store.Load(ctx, "thread-1")
//	_ = loaded.State
package session
