package attachments

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNamespaceAndFileType(t *testing.T) {
	tests := []struct {
		mime     string
		wantNS   Namespace
		wantType FileType
	}{
		{"text/html", NamespaceHTML, FileTypeHTML},
		{"text/html; charset=utf-8", NamespaceHTML, FileTypeHTML},
		{"audio/mpeg", NamespaceAudio, FileTypeAudio},
		{"image/png", NamespaceAttachments, FileTypeImage},
		{"text/plain", NamespaceAttachments, FileTypeText},
		{"application/json", NamespaceAttachments, FileTypeText},
		{"application/pdf", NamespaceAttachments, FileTypeOther},
		{"", NamespaceAttachments, FileTypeOther},
	}

	for _, tt := range tests {
		t.Run(tt.mime, func(t *testing.T) {
			assert.Equal(t, tt.wantNS, NamespaceFor(tt.mime))
			assert.Equal(t, tt.wantType, FileTypeFor(tt.mime))
		})
	}
}

type clock struct{ now time.Time }

func (c *clock) Now() time.Time { return c.now }

func newTestSink(t *testing.T) (*Sink, *LocalStore, *clock) {
	t.Helper()
	store, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)
	c := &clock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	sink, err := NewSink(Config{Store: store, Logger: zerolog.Nop(), Now: c.Now})
	require.NoError(t, err)
	return sink, store, c
}

func TestSink_SaveGetOpen(t *testing.T) {
	sink, _, _ := newTestSink(t)
	ctx := context.Background()

	att, err := sink.Save(ctx, Input{MimeType: "text/html", Data: []byte("<h1>report</h1>"), Filename: "report.html"})
	require.NoError(t, err)

	assert.NotEmpty(t, att.ID)
	assert.Equal(t, NamespaceHTML, att.Namespace)
	assert.Equal(t, FileTypeHTML, att.FileType)
	assert.Equal(t, int64(15), att.Size)
	assert.Len(t, att.Digest, 64)

	got, err := sink.Get(ctx, att.ID)
	require.NoError(t, err)
	assert.Equal(t, att, got)

	rc, meta, err := sink.Open(ctx, att.ID)
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "<h1>report</h1>", string(data))
	assert.Equal(t, att.ID, meta.ID)
}

func TestSink_FreshIDsSharedBlob(t *testing.T) {
	sink, store, _ := newTestSink(t)
	ctx := context.Background()

	a, err := sink.Save(ctx, Input{MimeType: "image/png", Data: []byte("same")})
	require.NoError(t, err)
	b, err := sink.Save(ctx, Input{MimeType: "image/png", Data: []byte("same")})
	require.NoError(t, err)

	assert.NotEqual(t, a.ID, b.ID)
	assert.Equal(t, a.Digest, b.Digest)

	blobs, err := store.List(ctx, "blobs/")
	require.NoError(t, err)
	assert.Len(t, blobs, 1)
}

func TestSink_DefaultMimeType(t *testing.T) {
	sink, _, _ := newTestSink(t)
	att, err := sink.Save(context.Background(), Input{Data: []byte{1, 2, 3}})
	require.NoError(t, err)
	assert.Equal(t, "application/octet-stream", att.MimeType)
	assert.Equal(t, FileTypeOther, att.FileType)
}

func TestSink_GetMissing(t *testing.T) {
	sink, _, _ := newTestSink(t)

	for _, id := range []string{"not-a-uuid", "3f1c5e0e-6c4f-4c6e-9d7a-1b2c3d4e5f60"} {
		_, err := sink.Get(context.Background(), id)
		assert.True(t, errors.Is(err, ErrNotFound), "id %s: %v", id, err)
	}
}

func TestSink_DeleteAndCleanup(t *testing.T) {
	sink, store, c := newTestSink(t)
	ctx := context.Background()

	old, err := sink.Save(ctx, Input{MimeType: "audio/ogg", Data: []byte("old voice note")})
	require.NoError(t, err)
	deleted, err := sink.Save(ctx, Input{MimeType: "image/png", Data: []byte("deleted image")})
	require.NoError(t, err)

	c.now = c.now.Add(48 * time.Hour)
	fresh, err := sink.Save(ctx, Input{MimeType: "text/plain", Data: []byte("fresh")})
	require.NoError(t, err)

	require.NoError(t, sink.Delete(ctx, deleted.ID))
	_, err = sink.Get(ctx, deleted.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	report, err := sink.Cleanup(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Attachments)
	assert.Equal(t, 2, report.Blobs)

	_, err = sink.Get(ctx, old.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = sink.Get(ctx, fresh.ID)
	assert.NoError(t, err)

	blobs, err := store.List(ctx, "blobs/")
	require.NoError(t, err)
	assert.Equal(t, []string{"blobs/" + fresh.Digest}, blobs)
}

func TestNewSink_RequiresStore(t *testing.T) {
	_, err := NewSink(Config{})
	assert.Error(t, err)
}
