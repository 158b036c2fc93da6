package toolexecutor

import (
	"context"

	"github.com/harun/steward/pkg/entitlement"
)

// SandboxHandle is the per-thread workspace a handler may write into.
type SandboxHandle interface {
	ID() string
	Dir() string
}

// ExecutionContext provides runtime information for tool execution
type ExecutionContext struct {
	ThreadID  string
	UserID    string
	ToolIndex int
	Secrets   entitlement.Secrets
	Sandbox   SandboxHandle
	Request   RequestContext
}

type execContextKey struct{}

// ContextWithExecContext attaches the execution context to a context.Context for tool handlers.
func ContextWithExecContext(ctx context.Context, execCtx *ExecutionContext) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	if execCtx == nil {
		return ctx
	}
	return context.WithValue(ctx, execContextKey{}, execCtx)
}

// ExecContextFromContext extracts the execution context from a context.Context.
func ExecContextFromContext(ctx context.Context) *ExecutionContext {
	if ctx == nil {
		return nil
	}
	if execCtx, ok := ctx.Value(execContextKey{}).(*ExecutionContext); ok {
		return execCtx
	}
	return nil
}
