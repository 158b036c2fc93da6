package toolexecutor

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func echoEntry(name string) RegistryEntry {
	return RegistryEntry{
		Definition: ToolDefinition{
			Name:        name,
			Description: "Echo the input",
			Parameters: []ToolParameter{
				{Name: "input", Type: "string", Description: "Input parameter", Required: true},
			},
			Handler: func(ctx context.Context, params map[string]interface{}) (Output, error) {
				return Output{Value: params["input"]}, nil
			},
		},
	}
}

func newTestExecutor(t *testing.T, entries ...RegistryEntry) *Executor {
	t.Helper()
	reg := NewToolRegistry()
	for _, e := range entries {
		require.NoError(t, reg.Register(e))
	}
	exec, err := New(Config{Registry: reg, Logger: zerolog.Nop(), Timeout: 200 * time.Millisecond})
	require.NoError(t, err)
	return exec
}

func handlerEntry(name string, h ToolHandler) RegistryEntry {
	return RegistryEntry{Definition: ToolDefinition{Name: name, Description: "test", Handler: h}}
}

func interruptible(e RegistryEntry) RegistryEntry {
	e.Interruptible = true
	return e
}

func TestDispatch_SideEffectingToolRunsPastTimeout(t *testing.T) {
	var hadDeadline bool
	exec := newTestExecutor(t, handlerEntry("send_email", func(ctx context.Context, params map[string]interface{}) (Output, error) {
		_, hadDeadline = ctx.Deadline()
		time.Sleep(400 * time.Millisecond)
		return Output{Value: "sent"}, nil
	}))

	result := exec.Dispatch(context.Background(), "send_email", `{}`)

	assert.Equal(t, Success{Value: "sent"}, result)
	assert.False(t, hadDeadline, "non-interruptible tools get no deadline")
}

func TestNew_RequiresRegistry(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}

func TestDispatch_Success(t *testing.T) {
	exec := newTestExecutor(t, echoEntry("echo"))

	result := exec.Dispatch(context.Background(), "echo", `{"input":"hello"}`)

	success, ok := result.(Success)
	require.True(t, ok, "expected Success, got %#v", result)
	assert.Equal(t, "hello", success.Value)
}

func TestDispatch_Failures(t *testing.T) {
	exec := newTestExecutor(t,
		echoEntry("echo"),
		handlerEntry("auth", func(ctx context.Context, params map[string]interface{}) (Output, error) {
			return Output{}, fmt.Errorf("calendar: %w", ErrAuthRequired)
		}),
		handlerEntry("missing_event", func(ctx context.Context, params map[string]interface{}) (Output, error) {
			return Output{}, NewToolError(KindNotFound, "event 42 does not exist")
		}),
		handlerEntry("offline", func(ctx context.Context, params map[string]interface{}) (Output, error) {
			return Output{}, errors.New("dial tcp: connection refused")
		}),
		handlerEntry("panics", func(ctx context.Context, params map[string]interface{}) (Output, error) {
			panic("boom")
		}),
		interruptible(handlerEntry("slow", func(ctx context.Context, params map[string]interface{}) (Output, error) {
			<-ctx.Done()
			time.Sleep(time.Second)
			return Output{}, ctx.Err()
		})),
	)

	tests := []struct {
		name     string
		tool     string
		args     string
		wantKind ErrorKind
		wantMsg  string
	}{
		{"unknown tool", "nope", `{}`, KindNotFound, "tool not found: nope"},
		{"malformed json", "echo", `{"input":`, KindInvalidArguments, "arguments are not a JSON object"},
		{"schema violation", "echo", `{"input":5}`, KindInvalidArguments, "parameter validation failed"},
		{"missing required", "echo", `{}`, KindInvalidArguments, "input is required"},
		{"extra property", "echo", `{"input":"a","other":1}`, KindInvalidArguments, "Additional property other"},
		{"sentinel auth", "auth", `{}`, KindAuthRequired, "authorization required"},
		{"tool error", "missing_event", `{}`, KindNotFound, "event 42 does not exist"},
		{"connectivity", "offline", `{}`, KindUnknown, "connection refused"},
		{"panic", "panics", `{}`, KindUnknown, "tool panicked: boom"},
		{"timeout", "slow", `{}`, KindUnknown, "timeout"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := exec.Dispatch(context.Background(), tt.tool, tt.args)

			failure, ok := result.(Failure)
			require.True(t, ok, "expected Failure, got %#v", result)
			assert.Equal(t, tt.wantKind, failure.Kind)
			assert.Contains(t, failure.Message, tt.wantMsg)
		})
	}
}

func TestDispatch_EmptyArgumentsAreAnObject(t *testing.T) {
	exec := newTestExecutor(t, handlerEntry("ping", func(ctx context.Context, params map[string]interface{}) (Output, error) {
		return Output{Value: len(params)}, nil
	}))

	for _, args := range []string{"", "null", "{}"} {
		result := exec.Dispatch(context.Background(), "ping", args)
		assert.Equal(t, Success{Value: 0}, result, "args %q", args)
	}
}

func TestDispatch_PassesExecutionContext(t *testing.T) {
	var got *ExecutionContext
	exec := newTestExecutor(t, handlerEntry("whoami", func(ctx context.Context, params map[string]interface{}) (Output, error) {
		got = ExecContextFromContext(ctx)
		return Output{Value: "ok"}, nil
	}))

	ctx := ContextWithExecContext(context.Background(), &ExecutionContext{ThreadID: "t1", UserID: "alice"})
	exec.Dispatch(ctx, "whoami", `{}`)

	require.NotNil(t, got)
	assert.Equal(t, "alice", got.UserID)
	assert.Equal(t, "t1", got.ThreadID)
}

func TestDispatch_Attachments(t *testing.T) {
	exec := newTestExecutor(t, handlerEntry("render", func(ctx context.Context, params map[string]interface{}) (Output, error) {
		return Output{
			Value:       "rendered",
			Attachments: []AttachmentInput{{MimeType: "text/html", Data: []byte("<p>hi</p>")}},
		}, nil
	}))

	result := exec.Dispatch(context.Background(), "render", `{}`)

	success, ok := result.(Success)
	require.True(t, ok)
	require.Len(t, success.Attachments, 1)
	assert.Equal(t, "text/html", success.Attachments[0].MimeType)
}

func TestDispatch_FrontendToolHasNoHandler(t *testing.T) {
	exec := newTestExecutor(t, RegistryEntry{
		Definition: ToolDefinition{Name: "show_chart", Description: "client chart"},
		Frontend:   true,
	})

	result := exec.Dispatch(context.Background(), "show_chart", `{}`)
	failure, ok := result.(Failure)
	require.True(t, ok)
	assert.Equal(t, KindUnknown, failure.Kind)
}

func TestFailure_JSON(t *testing.T) {
	f := Failure{Kind: KindUnknown, Message: "connection refused"}
	assert.JSONEq(t, `{"error":{"kind":"Unknown","message":"connection refused"}}`, f.JSON())
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{"nil", nil, ""},
		{"not found", fmt.Errorf("lookup: %w", ErrNotFound), KindNotFound},
		{"invalid", ErrInvalidArguments, KindInvalidArguments},
		{"auth", ErrAuthRequired, KindAuthRequired},
		{"tool error wins", &ToolError{Kind: KindAuthRequired, Err: ErrNotFound}, KindAuthRequired},
		{"plain", errors.New("x"), KindUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}
