package tracing

import (
	"context"

	"github.com/rs/zerolog"
)

// PropagateToLogger adds tracing context to a zerolog logger
func PropagateToLogger(ctx context.Context, logger zerolog.Logger) zerolog.Logger {
	tc := FromContext(ctx)

	fields := logger.With()
	if tc.TraceID != "" {
		fields = fields.Str("trace_id", tc.TraceID)
	}
	if tc.RunID != "" {
		fields = fields.Str("run_id", tc.RunID)
	}
	if tc.ThreadID != "" {
		fields = fields.Str("thread_id", tc.ThreadID)
	}
	if tc.UserID != "" {
		fields = fields.Str("user_id", tc.UserID)
	}
	if tc.RequestID != "" {
		fields = fields.Str("request_id", tc.RequestID)
	}

	return fields.Logger()
}

// LoggerFromContext creates a logger with tracing context from the given context
func LoggerFromContext(ctx context.Context, baseLogger zerolog.Logger) zerolog.Logger {
	return PropagateToLogger(ctx, baseLogger)
}

// Detach returns a background context carrying the same tracing values.
// Work that must outlive caller cancellation (an in-flight tool call) runs on it.
func Detach(ctx context.Context) context.Context {
	return NewContext(context.Background(), FromContext(ctx))
}

// MergeContext merges tracing information from source context into target context
func MergeContext(target, source context.Context) context.Context {
	tc := FromContext(source)

	if tc.TraceID != "" && GetTraceID(target) == "" {
		target = WithTraceID(target, tc.TraceID)
	}
	if tc.RunID != "" && GetRunID(target) == "" {
		target = WithRunID(target, tc.RunID)
	}
	if tc.ThreadID != "" && GetThreadID(target) == "" {
		target = WithThreadID(target, tc.ThreadID)
	}
	if tc.UserID != "" && GetUserID(target) == "" {
		target = WithUserID(target, tc.UserID)
	}

	return target
}
