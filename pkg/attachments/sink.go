// Package attachments persists binary tool outputs. Payloads are
// content-addressed by SHA-256 under blobs/, metadata lives under
// meta/<namespace>/<id>.json, and the conversation log keeps only
// {type, file_id} references.
package attachments

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/harun/steward/internal/observability"
	"github.com/harun/steward/internal/tracing"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

// Namespace partitions attachment metadata.
type Namespace string

const (
	NamespaceHTML        Namespace = "html"
	NamespaceAudio       Namespace = "audio"
	NamespaceAttachments Namespace = "attachments"
)

var namespaces = []Namespace{NamespaceAttachments, NamespaceHTML, NamespaceAudio}

// FileType is the coarse kind shown to clients.
type FileType string

const (
	FileTypeImage FileType = "image"
	FileTypeAudio FileType = "audio"
	FileTypeHTML  FileType = "html"
	FileTypeText  FileType = "text"
	FileTypeOther FileType = "other"
)

const defaultMimeType = "application/octet-stream"

func baseMime(mimeType string) string {
	mt := strings.ToLower(strings.TrimSpace(mimeType))
	if i := strings.IndexByte(mt, ';'); i >= 0 {
		mt = strings.TrimSpace(mt[:i])
	}
	return mt
}

// NamespaceFor maps a MIME type to its namespace.
func NamespaceFor(mimeType string) Namespace {
	mt := baseMime(mimeType)
	switch {
	case mt == "text/html":
		return NamespaceHTML
	case strings.HasPrefix(mt, "audio/"):
		return NamespaceAudio
	default:
		return NamespaceAttachments
	}
}

// FileTypeFor maps a MIME type to its client file type.
func FileTypeFor(mimeType string) FileType {
	mt := baseMime(mimeType)
	switch {
	case mt == "text/html":
		return FileTypeHTML
	case strings.HasPrefix(mt, "image/"):
		return FileTypeImage
	case strings.HasPrefix(mt, "audio/"):
		return FileTypeAudio
	case strings.HasPrefix(mt, "text/"), mt == "application/json":
		return FileTypeText
	default:
		return FileTypeOther
	}
}

// Input is an attachment to persist.
type Input struct {
	MimeType string
	Data     []byte
	Filename string
}

// Attachment is the stored metadata of one attachment.
type Attachment struct {
	ID        string    `json:"id"`
	MimeType  string    `json:"mime_type"`
	FileType  FileType  `json:"file_type"`
	Namespace Namespace `json:"namespace"`
	Filename  string    `json:"filename,omitempty"`
	Size      int64     `json:"size"`
	Digest    string    `json:"digest"`
	CreatedAt time.Time `json:"created_at"`
}

// Config configures a Sink.
type Config struct {
	Store  Store
	Logger zerolog.Logger
	Now    func() time.Time
}

// Sink saves and serves attachments on top of a Store.
type Sink struct {
	store  Store
	logger zerolog.Logger
	now    func() time.Time

	// Save holds the read side so Cleanup never sees a blob whose
	// metadata is not written yet.
	mu sync.RWMutex
}

// NewSink creates a Sink.
func NewSink(cfg Config) (*Sink, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Sink{
		store:  cfg.Store,
		logger: cfg.Logger.With().Str("component", "attachments").Logger(),
		now:    now,
	}, nil
}

func blobKey(digest string) string {
	return path.Join("blobs", digest)
}

func metaKey(ns Namespace, id string) string {
	return path.Join("meta", string(ns), id+".json")
}

// Save stores in and returns its metadata. Identical payloads share one blob.
func (s *Sink) Save(ctx context.Context, in Input) (Attachment, error) {
	mimeType := strings.TrimSpace(in.MimeType)
	if mimeType == "" {
		mimeType = defaultMimeType
	}
	ns := NamespaceFor(mimeType)

	ctx, span := tracing.StartSpan(ctx, tracing.TracerAttachments, "Sink.Save",
		attribute.String("attachment.namespace", string(ns)),
		attribute.Int("attachment.size", len(in.Data)),
	)
	defer span.End()

	s.mu.RLock()
	defer s.mu.RUnlock()

	sum := sha256.Sum256(in.Data)
	digest := hex.EncodeToString(sum[:])

	exists, err := s.store.Exists(ctx, blobKey(digest))
	if err != nil {
		span.RecordError(err)
		return Attachment{}, fmt.Errorf("check blob: %w", err)
	}
	if !exists {
		if err := s.store.Put(ctx, blobKey(digest), bytes.NewReader(in.Data), mimeType); err != nil {
			span.RecordError(err)
			return Attachment{}, fmt.Errorf("store blob: %w", err)
		}
	}

	att := Attachment{
		ID:        uuid.New().String(),
		MimeType:  mimeType,
		FileType:  FileTypeFor(mimeType),
		Namespace: ns,
		Filename:  in.Filename,
		Size:      int64(len(in.Data)),
		Digest:    digest,
		CreatedAt: s.now().UTC(),
	}

	meta, err := json.Marshal(att)
	if err != nil {
		return Attachment{}, fmt.Errorf("encode metadata: %w", err)
	}
	if err := s.store.Put(ctx, metaKey(ns, att.ID), bytes.NewReader(meta), "application/json"); err != nil {
		span.RecordError(err)
		return Attachment{}, fmt.Errorf("store metadata: %w", err)
	}

	observability.RecordAttachment(string(ns), len(in.Data))
	logger := tracing.LoggerFromContext(ctx, s.logger)
	logger.Debug().
		Str("attachment_id", att.ID).
		Str("namespace", string(ns)).
		Int64("size", att.Size).
		Bool("deduplicated", exists).
		Msg("Attachment saved")

	return att, nil
}

// Get returns the metadata of id.
func (s *Sink) Get(ctx context.Context, id string) (Attachment, error) {
	if _, err := uuid.Parse(id); err != nil {
		return Attachment{}, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	for _, ns := range namespaces {
		att, err := s.readMeta(ctx, metaKey(ns, id))
		if errors.Is(err, ErrNotFound) {
			continue
		}
		return att, err
	}
	return Attachment{}, fmt.Errorf("%s: %w", id, ErrNotFound)
}

func (s *Sink) readMeta(ctx context.Context, key string) (Attachment, error) {
	rc, err := s.store.Get(ctx, key)
	if err != nil {
		return Attachment{}, err
	}
	defer rc.Close()

	var att Attachment
	if err := json.NewDecoder(rc).Decode(&att); err != nil {
		return Attachment{}, fmt.Errorf("decode metadata %s: %w", key, err)
	}
	return att, nil
}

// Open returns the payload of id with its metadata.
func (s *Sink) Open(ctx context.Context, id string) (io.ReadCloser, Attachment, error) {
	att, err := s.Get(ctx, id)
	if err != nil {
		return nil, Attachment{}, err
	}
	rc, err := s.store.Get(ctx, blobKey(att.Digest))
	if err != nil {
		return nil, Attachment{}, fmt.Errorf("open blob: %w", err)
	}
	return rc, att, nil
}

// Delete removes the metadata of id. Blobs are reclaimed by Cleanup once
// nothing references them.
func (s *Sink) Delete(ctx context.Context, id string) error {
	att, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	return s.store.Delete(ctx, metaKey(att.Namespace, att.ID))
}

// CleanupReport summarises one Cleanup run.
type CleanupReport struct {
	Attachments int
	Blobs       int
}

// Cleanup deletes attachments created before now-olderThan, then removes
// blobs no remaining attachment references.
func (s *Sink) Cleanup(ctx context.Context, olderThan time.Duration) (CleanupReport, error) {
	ctx, span := tracing.StartSpan(ctx, tracing.TracerAttachments, "Sink.Cleanup")
	defer span.End()

	s.mu.Lock()
	defer s.mu.Unlock()

	logger := tracing.LoggerFromContext(ctx, s.logger)
	cutoff := s.now().Add(-olderThan)
	var report CleanupReport

	metaKeys, err := s.store.List(ctx, "meta/")
	if err != nil {
		return report, err
	}

	referenced := make(map[string]bool)
	for _, key := range metaKeys {
		att, err := s.readMeta(ctx, key)
		if err != nil {
			logger.Warn().Err(err).Str("key", key).Msg("Skipping unreadable attachment metadata")
			continue
		}
		if att.CreatedAt.Before(cutoff) {
			if err := s.store.Delete(ctx, key); err != nil {
				return report, fmt.Errorf("delete metadata %s: %w", key, err)
			}
			report.Attachments++
			continue
		}
		referenced[att.Digest] = true
	}

	blobKeys, err := s.store.List(ctx, "blobs/")
	if err != nil {
		return report, err
	}
	for _, key := range blobKeys {
		if referenced[path.Base(key)] {
			continue
		}
		if err := s.store.Delete(ctx, key); err != nil {
			return report, fmt.Errorf("delete blob %s: %w", key, err)
		}
		report.Blobs++
	}

	span.SetAttributes(
		attribute.Int("cleanup.attachments", report.Attachments),
		attribute.Int("cleanup.blobs", report.Blobs),
	)
	logger.Info().
		Int("attachments", report.Attachments).
		Int("blobs", report.Blobs).
		Msg("Attachment cleanup completed")

	return report, nil
}
