package tracing

import (
	"context"
	"testing"
)

func TestNewTraceID(t *testing.T) {
	id1 := NewTraceID()
	id2 := NewTraceID()

	if id1 == "" {
		t.Error("NewTraceID returned empty string")
	}
	if id1 == id2 {
		t.Error("NewTraceID returned duplicate IDs")
	}
}

func TestWithAndGet(t *testing.T) {
	tests := []struct {
		name string
		with func(context.Context, string) context.Context
		get  func(context.Context) string
	}{
		{"trace", WithTraceID, GetTraceID},
		{"run", WithRunID, GetRunID},
		{"thread", WithThreadID, GetThreadID},
		{"user", WithUserID, GetUserID},
		{"request", WithRequestID, GetRequestID},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.get(context.Background()); got != "" {
				t.Errorf("Expected empty value, got %s", got)
			}
			ctx := tt.with(context.Background(), "value-"+tt.name)
			if got := tt.get(ctx); got != "value-"+tt.name {
				t.Errorf("Expected value-%s, got %s", tt.name, got)
			}
		})
	}
}

func TestGetFromNilContext(t *testing.T) {
	if GetThreadID(nil) != "" {
		t.Error("Expected empty thread ID for nil context")
	}
}

func TestFromContext(t *testing.T) {
	ctx := context.Background()
	ctx = WithTraceID(ctx, "trace-123")
	ctx = WithRunID(ctx, "run-456")
	ctx = WithThreadID(ctx, "thread-789")
	ctx = WithUserID(ctx, "alice@example.com")

	tc := FromContext(ctx)

	if tc.TraceID != "trace-123" {
		t.Errorf("Expected trace ID trace-123, got %s", tc.TraceID)
	}
	if tc.RunID != "run-456" {
		t.Errorf("Expected run ID run-456, got %s", tc.RunID)
	}
	if tc.ThreadID != "thread-789" {
		t.Errorf("Expected thread ID thread-789, got %s", tc.ThreadID)
	}
	if tc.UserID != "alice@example.com" {
		t.Errorf("Expected user ID alice@example.com, got %s", tc.UserID)
	}
}

func TestNewContextPartial(t *testing.T) {
	ctx := NewContext(context.Background(), &TraceContext{TraceID: "trace-123"})

	if GetTraceID(ctx) != "trace-123" {
		t.Error("Trace ID not set correctly")
	}
	if GetRunID(ctx) != "" {
		t.Error("Run ID should be empty")
	}
	if GetThreadID(ctx) != "" {
		t.Error("Thread ID should be empty")
	}
}

func TestNewRequestContext(t *testing.T) {
	ctx := NewRequestContext(context.Background())

	traceID := GetTraceID(ctx)
	if len(traceID) != 36 {
		t.Errorf("Expected UUID format (36 chars), got %d chars", len(traceID))
	}
}

func TestNewTurnContext(t *testing.T) {
	ctx := NewTurnContext(context.Background(), "thread-1")

	if GetThreadID(ctx) != "thread-1" {
		t.Errorf("Expected thread ID thread-1, got %s", GetThreadID(ctx))
	}
	if len(GetRunID(ctx)) != 36 {
		t.Error("Run ID not generated")
	}

	other := NewTurnContext(context.Background(), "thread-1")
	if GetRunID(other) == GetRunID(ctx) {
		t.Error("Run IDs should differ between turns")
	}
}
