package attachments

import (
	"context"
	"encoding/xml"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func exerciseStore(t *testing.T, store Store) {
	t.Helper()
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "blobs/abc", strings.NewReader("payload"), "text/plain"))
	require.NoError(t, store.Put(ctx, "meta/html/1.json", strings.NewReader(`{}`), "application/json"))

	ok, err := store.Exists(ctx, "blobs/abc")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.Exists(ctx, "blobs/missing")
	require.NoError(t, err)
	assert.False(t, ok)

	rc, err := store.Get(ctx, "blobs/abc")
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	rc.Close()
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))

	_, err = store.Get(ctx, "blobs/missing")
	assert.ErrorIs(t, err, ErrNotFound)

	keys, err := store.List(ctx, "blobs/")
	require.NoError(t, err)
	assert.Equal(t, []string{"blobs/abc"}, keys)

	keys, err = store.List(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"blobs/abc", "meta/html/1.json"}, keys)

	require.NoError(t, store.Delete(ctx, "blobs/abc"))
	require.NoError(t, store.Delete(ctx, "blobs/abc"))
	ok, err = store.Exists(ctx, "blobs/abc")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, store.Close())
}

func TestLocalStore(t *testing.T) {
	store, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)
	exerciseStore(t, store)
}

func TestLocalStore_ListMissingPrefix(t *testing.T) {
	store, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)

	keys, err := store.List(context.Background(), "meta/")
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestLocalStore_RejectsTraversal(t *testing.T) {
	store, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)

	for _, key := range []string{"", "../escape", "a/../../b", "a//b"} {
		err := store.Put(context.Background(), key, strings.NewReader("x"), "")
		assert.Error(t, err, "key %q", key)
	}
}

// fakeS3 implements the handful of path-style S3 calls the store makes.
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
}

type listResult struct {
	XMLName     xml.Name     `xml:"ListBucketResult"`
	Name        string       `xml:"Name"`
	Prefix      string       `xml:"Prefix"`
	KeyCount    int          `xml:"KeyCount"`
	IsTruncated bool         `xml:"IsTruncated"`
	Contents    []listObject `xml:"Contents"`
}

type listObject struct {
	Key  string `xml:"Key"`
	Size int    `xml:"Size"`
}

func (f *fakeS3) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	// /bucket/key...
	parts := strings.SplitN(strings.TrimPrefix(r.URL.Path, "/"), "/", 2)
	key := ""
	if len(parts) == 2 {
		key = parts[1]
	}

	switch {
	case r.Method == http.MethodGet && key == "":
		prefix := r.URL.Query().Get("prefix")
		res := listResult{Name: parts[0], Prefix: prefix}
		var keys []string
		for k := range f.objects {
			if strings.HasPrefix(k, prefix) {
				keys = append(keys, k)
			}
		}
		sort.Strings(keys)
		for _, k := range keys {
			res.Contents = append(res.Contents, listObject{Key: k, Size: len(f.objects[k])})
		}
		res.KeyCount = len(keys)
		w.Header().Set("Content-Type", "application/xml")
		_ = xml.NewEncoder(w).Encode(res)
	case r.Method == http.MethodPut:
		data, _ := io.ReadAll(r.Body)
		f.objects[key] = data
		w.Header().Set("ETag", `"etag"`)
		w.WriteHeader(http.StatusOK)
	case r.Method == http.MethodGet, r.Method == http.MethodHead:
		data, ok := f.objects[key]
		if !ok {
			w.Header().Set("Content-Type", "application/xml")
			w.WriteHeader(http.StatusNotFound)
			if r.Method == http.MethodGet {
				_, _ = io.WriteString(w, `<Error><Code>NoSuchKey</Code><Message>missing</Message></Error>`)
			}
			return
		}
		w.WriteHeader(http.StatusOK)
		if r.Method == http.MethodGet {
			_, _ = w.Write(data)
		}
	case r.Method == http.MethodDelete:
		delete(f.objects, key)
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func TestS3Store(t *testing.T) {
	fake := &fakeS3{objects: make(map[string][]byte)}
	server := httptest.NewServer(fake)
	defer server.Close()

	store, err := NewS3Store(context.Background(), S3StoreConfig{
		Bucket:          "steward",
		Region:          "us-east-1",
		Endpoint:        server.URL,
		Prefix:          "/tenant-a/",
		AccessKeyID:     "test",
		SecretAccessKey: "test",
		UsePathStyle:    true,
	})
	require.NoError(t, err)

	exerciseStore(t, store)

	fake.mu.Lock()
	defer fake.mu.Unlock()
	assert.Contains(t, fake.objects, "tenant-a/meta/html/1.json")
}

func TestNewS3Store_RequiresBucket(t *testing.T) {
	_, err := NewS3Store(context.Background(), S3StoreConfig{})
	assert.Error(t, err)
}
