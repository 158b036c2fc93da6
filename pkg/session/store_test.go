package session

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *FileStore {
	t.Helper()
	store, err := NewFileStore(Config{Dir: t.TempDir(), Logger: zerolog.Nop()})
	require.NoError(t, err)
	return store
}

func TestFileStore_SaveLoad(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.Load(ctx, "thread-1")
	assert.ErrorIs(t, err, ErrNotFound)

	cp, err := store.Save(ctx, "thread-1", json.RawMessage(`{"index":-1}`))
	require.NoError(t, err)
	assert.Equal(t, int64(1), cp.Version)

	cp, err = store.Save(ctx, "thread-1", json.RawMessage(`{"index":0}`))
	require.NoError(t, err)
	assert.Equal(t, int64(2), cp.Version)

	loaded, err := store.Load(ctx, "thread-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), loaded.Version)
	assert.JSONEq(t, `{"index":0}`, string(loaded.State))
}

func TestFileStore_SurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	first, err := NewFileStore(Config{Dir: dir, Logger: zerolog.Nop()})
	require.NoError(t, err)
	_, err = first.Save(ctx, "thread-1", json.RawMessage(`{"messages":["hi"]}`))
	require.NoError(t, err)

	second, err := NewFileStore(Config{Dir: dir, Logger: zerolog.Nop()})
	require.NoError(t, err)
	loaded, err := second.Load(ctx, "thread-1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"messages":["hi"]}`, string(loaded.State))
}

func TestFileStore_InvalidThreadIDs(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"", "../x", "a/b", `a\b`, "a\x00b", ".hidden"} {
		t.Run(id, func(t *testing.T) {
			_, err := store.Save(ctx, id, json.RawMessage(`{}`))
			assert.Error(t, err)
			_, err = store.Load(ctx, id)
			assert.Error(t, err)
			assert.Error(t, store.Delete(ctx, id))
		})
	}
}

func TestFileStore_RejectsInvalidJSON(t *testing.T) {
	store := newTestStore(t)
	_, err := store.Save(context.Background(), "thread-1", json.RawMessage(`{"broken`))
	assert.Error(t, err)
}

func TestFileStore_ConcurrentSavesSerialize(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.Save(ctx, "thread-1", json.RawMessage(`{}`))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	loaded, err := store.Load(ctx, "thread-1")
	require.NoError(t, err)
	assert.Equal(t, int64(20), loaded.Version)
}

func TestFileStore_DeleteAndList(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"b", "a", "c"} {
		_, err := store.Save(ctx, id, json.RawMessage(`{}`))
		require.NoError(t, err)
	}
	require.NoError(t, os.WriteFile(filepath.Join(store.dir, "junk.json"), []byte("nope"), 0600))

	summaries, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, summaries, 3)
	assert.Equal(t, "a", summaries[0].ThreadID)

	require.NoError(t, store.Delete(ctx, "b"))
	require.NoError(t, store.Delete(ctx, "b"))

	summaries, err = store.List(ctx)
	require.NoError(t, err)
	assert.Len(t, summaries, 2)
}
