package tracing

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestPropagateToLogger(t *testing.T) {
	ctx := context.Background()
	ctx = WithTraceID(ctx, "trace-123")
	ctx = WithRunID(ctx, "run-456")
	ctx = WithThreadID(ctx, "thread-789")
	ctx = WithUserID(ctx, "alice@example.com")

	var buf bytes.Buffer
	logger := PropagateToLogger(ctx, zerolog.New(&buf))
	logger.Info().Msg("test message")

	output := buf.String()
	for _, want := range []string{"trace-123", "run-456", "thread-789", "alice@example.com"} {
		if !contains(output, want) {
			t.Errorf("%s not in log output", want)
		}
	}
}

func TestLoggerFromContextOmitsEmptyFields(t *testing.T) {
	ctx := WithTraceID(context.Background(), "trace-xyz")

	var buf bytes.Buffer
	logger := LoggerFromContext(ctx, zerolog.New(&buf))
	logger.Info().Msg("test")

	output := buf.String()
	if !contains(output, "trace-xyz") {
		t.Error("Trace ID not in log output")
	}
	if contains(output, "thread_id") {
		t.Error("Empty thread ID should not be logged")
	}
}

func TestDetach(t *testing.T) {
	parent, cancel := context.WithCancel(context.Background())
	parent = WithThreadID(parent, "thread-1")
	parent = WithUserID(parent, "bob")

	detached := Detach(parent)
	cancel()

	select {
	case <-detached.Done():
		t.Fatal("Detached context should not be cancelled with its parent")
	case <-time.After(10 * time.Millisecond):
	}

	if GetThreadID(detached) != "thread-1" {
		t.Error("Thread ID not carried over")
	}
	if GetUserID(detached) != "bob" {
		t.Error("User ID not carried over")
	}
}

func TestMergeContext(t *testing.T) {
	sourceCtx := context.Background()
	sourceCtx = WithTraceID(sourceCtx, "trace-source")
	sourceCtx = WithThreadID(sourceCtx, "thread-source")

	mergedCtx := MergeContext(context.Background(), sourceCtx)

	if GetTraceID(mergedCtx) != "trace-source" {
		t.Error("Trace ID not merged")
	}
	if GetThreadID(mergedCtx) != "thread-source" {
		t.Error("Thread ID not merged")
	}
}

func TestMergeContextNoOverwrite(t *testing.T) {
	sourceCtx := WithTraceID(context.Background(), "trace-source")
	targetCtx := WithTraceID(context.Background(), "trace-target")

	mergedCtx := MergeContext(targetCtx, sourceCtx)

	if GetTraceID(mergedCtx) != "trace-target" {
		t.Error("Trace ID should not be overwritten")
	}
}

func TestStartSpanSetsTraceID(t *testing.T) {
	if err := InitOpenTelemetry("steward-test"); err != nil {
		t.Fatalf("InitOpenTelemetry failed: %v", err)
	}

	ctx, span := StartSpan(context.Background(), TracerAgent, "test.span")
	defer span.End()

	if GetTraceID(ctx) == "" {
		t.Error("StartSpan should populate trace ID")
	}
}

// Helper function to check if string contains substring
func contains(s, substr string) bool {
	return bytes.Contains([]byte(s), []byte(substr))
}
