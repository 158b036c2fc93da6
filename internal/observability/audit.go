package observability

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Audit event types.
const (
	AuditTypeApproval    = "approval"
	AuditTypeTool        = "tool"
	AuditTypeEntitlement = "entitlement"
)

// AuditEvent is one line of the audit trail.
type AuditEvent struct {
	Type      string                 `json:"event_type"`
	Timestamp time.Time              `json:"timestamp"`
	Actor     string                 `json:"actor,omitempty"` // resolved user ID
	Thread    string                 `json:"thread_id,omitempty"`
	Action    string                 `json:"action"` // e.g. "approve:send_email", "grant:email"
	Status    string                 `json:"status"` // "success", "failure", "pending"
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	TraceID   string                 `json:"trace_id,omitempty"`
}

// AuditLogger writes audit events as JSON lines.
type AuditLogger struct {
	mu     sync.Mutex
	logger zerolog.Logger
	closer io.Closer
}

// NewAuditLogger writes events to w.
func NewAuditLogger(w io.Writer) *AuditLogger {
	a := &AuditLogger{logger: zerolog.New(w)}
	if c, ok := w.(io.Closer); ok && w != os.Stderr && w != os.Stdout {
		a.closer = c
	}
	return a
}

var (
	auditMu   sync.RWMutex
	auditInst *AuditLogger
)

// GetAuditLogger returns the process audit logger, stderr until InitAuditLogger runs.
func GetAuditLogger() *AuditLogger {
	auditMu.RLock()
	a := auditInst
	auditMu.RUnlock()
	if a != nil {
		return a
	}

	auditMu.Lock()
	defer auditMu.Unlock()
	if auditInst == nil {
		auditInst = NewAuditLogger(os.Stderr)
	}
	return auditInst
}

// InitAuditLogger points the process audit logger at an append-only file.
func InitAuditLogger(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create audit directory: %w", err)
	}
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("failed to open audit log: %w", err)
	}

	auditMu.Lock()
	auditInst = NewAuditLogger(file)
	auditMu.Unlock()
	return nil
}

// Record writes the event and mirrors it onto the active span.
func (a *AuditLogger) Record(ctx context.Context, event AuditEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	span := trace.SpanFromContext(ctx)
	if span.SpanContext().IsValid() {
		event.TraceID = span.SpanContext().TraceID().String()
		span.AddEvent(event.Action, trace.WithAttributes(
			attribute.String("audit.type", event.Type),
			attribute.String("audit.status", event.Status),
			attribute.String("audit.actor", event.Actor),
			attribute.String("audit.thread_id", event.Thread),
		))
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	entry := a.logger.Log().
		Str("event_type", event.Type).
		Time("timestamp", event.Timestamp).
		Str("actor", event.Actor).
		Str("thread_id", event.Thread).
		Str("action", event.Action).
		Str("status", event.Status)
	if event.TraceID != "" {
		entry = entry.Str("trace_id", event.TraceID)
	}
	if len(event.Metadata) > 0 {
		entry = entry.Interface("metadata", scrubMetadata(event.Metadata))
	}
	entry.Send()
}

// Close closes the underlying file. When a is the process logger, later
// events fall back to stderr.
func (a *AuditLogger) Close() error {
	auditMu.Lock()
	if auditInst == a {
		auditInst = nil
	}
	auditMu.Unlock()

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closer == nil {
		return nil
	}
	err := a.closer.Close()
	a.closer = nil
	return err
}

var sensitiveKeys = []string{"credential", "password", "secret", "token", "api_key"}

// scrubMetadata masks values whose key looks like a secret.
func scrubMetadata(in map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		lower := strings.ToLower(k)
		masked := false
		for _, s := range sensitiveKeys {
			if strings.Contains(lower, s) {
				masked = true
				break
			}
		}
		if masked {
			out[k] = "[REDACTED]"
		} else {
			out[k] = v
		}
	}
	return out
}

// RecordApprovalAudit records a human decision on a suspended tool call.
func RecordApprovalAudit(ctx context.Context, threadID, actor, toolName, action string, metadata map[string]interface{}) {
	GetAuditLogger().Record(ctx, AuditEvent{
		Type:     AuditTypeApproval,
		Actor:    actor,
		Thread:   threadID,
		Action:   action + ":" + toolName,
		Status:   "success",
		Metadata: metadata,
	})
}

// RecordToolAudit records a completed tool dispatch.
func RecordToolAudit(ctx context.Context, threadID, actor, toolName, status string, metadata map[string]interface{}) {
	GetAuditLogger().Record(ctx, AuditEvent{
		Type:     AuditTypeTool,
		Actor:    actor,
		Thread:   threadID,
		Action:   "execute:" + toolName,
		Status:   status,
		Metadata: metadata,
	})
}

// RecordEntitlementAudit records a capability grant or revocation. Credentials never appear here.
func RecordEntitlementAudit(ctx context.Context, action, actor, capability string) {
	GetAuditLogger().Record(ctx, AuditEvent{
		Type:   AuditTypeEntitlement,
		Actor:  actor,
		Action: action + ":" + capability,
		Status: "success",
	})
}
