package coretools

import (
	"context"
	"testing"
	"time"

	"github.com/harun/steward/pkg/sandbox"
	"github.com/harun/steward/pkg/toolexecutor"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	exec *toolexecutor.Executor
	ws   *sandbox.Workspace
	ctx  context.Context
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	reg := toolexecutor.NewToolRegistry()
	require.NoError(t, Register(reg))

	exec, err := toolexecutor.New(toolexecutor.Config{Registry: reg, Logger: zerolog.Nop(), Timeout: time.Second})
	require.NoError(t, err)

	provider, err := sandbox.NewProvider(sandbox.Config{Dir: t.TempDir(), Logger: zerolog.Nop()})
	require.NoError(t, err)
	ws, err := provider.Open(context.Background(), "thread-1", "")
	require.NoError(t, err)

	ctx := toolexecutor.ContextWithExecContext(context.Background(), &toolexecutor.ExecutionContext{
		ThreadID: "thread-1",
		UserID:   "alice",
		Sandbox:  ws,
	})
	return fixture{exec: exec, ws: ws, ctx: ctx}
}

func (f fixture) success(t *testing.T, tool, args string) map[string]interface{} {
	t.Helper()
	result := f.exec.Dispatch(f.ctx, tool, args)
	success, ok := result.(toolexecutor.Success)
	require.True(t, ok, "expected success, got %#v", result)
	value, ok := success.Value.(map[string]interface{})
	require.True(t, ok)
	return value
}

func (f fixture) failure(t *testing.T, tool, args string) toolexecutor.Failure {
	t.Helper()
	result := f.exec.Dispatch(f.ctx, tool, args)
	failure, ok := result.(toolexecutor.Failure)
	require.True(t, ok, "expected failure, got %#v", result)
	return failure
}

func TestRegister(t *testing.T) {
	reg := toolexecutor.NewToolRegistry()
	require.NoError(t, Register(reg))
	assert.Equal(t, []string{"list_files", "read_file", "read_function_result", "write_file"}, toolexecutor.Names(reg.List()))

	assert.Error(t, Register(reg), "second registration collides")
	assert.Error(t, Register(nil))
}

func TestReadFunctionResult(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.ws.StoreResult(context.Background(), 0, []byte(`{"rows":[{"amount":12.5},{"amount":7}]}`)))

	got := f.success(t, "read_function_result", `{"index":0}`)
	assert.Equal(t, 0, got["index"])
	assert.Contains(t, got["value"], "rows")

	got = f.success(t, "read_function_result", `{"index":0,"path":"rows.1.amount"}`)
	assert.Equal(t, float64(7), got["value"])

	got = f.success(t, "read_function_result", `{"index":0,"max_bytes":10}`)
	assert.Equal(t, true, got["truncated"])
	assert.Len(t, got["content"], 10)

	tests := []struct {
		name string
		args string
		kind toolexecutor.ErrorKind
	}{
		{"missing index", `{"index":3}`, toolexecutor.KindNotFound},
		{"negative index", `{"index":-1}`, toolexecutor.KindInvalidArguments},
		{"bad path", `{"index":0,"path":"rows.9"}`, toolexecutor.KindNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.kind, f.failure(t, "read_function_result", tt.args).Kind)
		})
	}
}

func TestWriteReadListFiles(t *testing.T) {
	f := newFixture(t)

	f.success(t, "write_file", `{"path":"notes/summary.md","content":"line one\n"}`)
	f.success(t, "write_file", `{"path":"notes/summary.md","content":"line two\n","append":true}`)

	got := f.success(t, "read_file", `{"path":"notes/summary.md"}`)
	assert.Equal(t, "line one\nline two\n", got["content"])
	assert.Equal(t, false, got["truncated"])

	got = f.success(t, "read_file", `{"path":"notes/summary.md","max_bytes":4}`)
	assert.Equal(t, "line", got["content"])
	assert.Equal(t, true, got["truncated"])

	require.NoError(t, f.ws.StoreResult(context.Background(), 0, []byte(`{}`)))
	listed := f.success(t, "list_files", `{}`)
	assert.Contains(t, listed["files"], "notes/summary.md")
	assert.Contains(t, listed["files"], "function_results/0.json")
}

func TestPathsStayInSandbox(t *testing.T) {
	f := newFixture(t)

	for _, args := range []string{
		`{"path":"../escape.txt","content":"x"}`,
		`{"path":"/etc/passwd","content":"x"}`,
		`{"path":"file:///etc/passwd","content":"x"}`,
	} {
		assert.Equal(t, toolexecutor.KindInvalidArguments, f.failure(t, "write_file", args).Kind, args)
	}
	assert.Equal(t, toolexecutor.KindNotFound, f.failure(t, "read_file", `{"path":"missing.txt"}`).Kind)
}

func TestNoSandbox(t *testing.T) {
	f := newFixture(t)
	f.ctx = context.Background()

	failure := f.failure(t, "read_file", `{"path":"a.txt"}`)
	assert.Equal(t, toolexecutor.KindUnknown, failure.Kind)
	assert.Contains(t, failure.Message, "sandbox is not available")
}
