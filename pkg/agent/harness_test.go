package agent

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/harun/steward/pkg/attachments"
	"github.com/harun/steward/pkg/commandqueue"
	"github.com/harun/steward/pkg/entitlement"
	"github.com/harun/steward/pkg/identity"
	"github.com/harun/steward/pkg/sandbox"
	"github.com/harun/steward/pkg/session"
	"github.com/harun/steward/pkg/sessioncache"
	"github.com/harun/steward/pkg/toolexecutor"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

// scriptedLLM replays canned responses and records every request.
type scriptedLLM struct {
	name string

	mu       sync.Mutex
	steps    []func(ctx context.Context, req LLMRequest) (*LLMResponse, error)
	requests []LLMRequest
}

func newScriptedLLM(name string, steps ...func(ctx context.Context, req LLMRequest) (*LLMResponse, error)) *scriptedLLM {
	return &scriptedLLM{name: name, steps: steps}
}

func (s *scriptedLLM) Provider() string { return s.name }

func (s *scriptedLLM) Call(ctx context.Context, req LLMRequest) (*LLMResponse, error) {
	s.mu.Lock()
	s.requests = append(s.requests, req)
	if len(s.steps) == 0 {
		s.mu.Unlock()
		return &LLMResponse{Content: "done"}, nil
	}
	step := s.steps[0]
	s.steps = s.steps[1:]
	s.mu.Unlock()
	return step(ctx, req)
}

func (s *scriptedLLM) Requests() []LLMRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]LLMRequest, len(s.requests))
	copy(out, s.requests)
	return out
}

func reply(text string) func(context.Context, LLMRequest) (*LLMResponse, error) {
	return func(context.Context, LLMRequest) (*LLMResponse, error) {
		return &LLMResponse{Content: text, Usage: &TokenUsage{InputTokens: 10, OutputTokens: 2}}, nil
	}
}

func callTool(id, name, args string) func(context.Context, LLMRequest) (*LLMResponse, error) {
	return func(context.Context, LLMRequest) (*LLMResponse, error) {
		return &LLMResponse{ToolCalls: []ToolCall{{ID: id, Name: name, Arguments: args}}}, nil
	}
}

func failWith(err error) func(context.Context, LLMRequest) (*LLMResponse, error) {
	return func(context.Context, LLMRequest) (*LLMResponse, error) {
		return nil, err
	}
}

type grants map[string][]entitlement.Capability

func (g grants) HasEntitlement(_ context.Context, userID string, capability entitlement.Capability) (bool, error) {
	for _, c := range g[userID] {
		if c == capability {
			return true, nil
		}
	}
	return false, nil
}

func (g grants) Capabilities(_ context.Context, userID string) ([]entitlement.Capability, error) {
	return g[userID], nil
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// toolLog records handler invocations.
type toolLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *toolLog) record(name string) {
	l.mu.Lock()
	l.calls = append(l.calls, name)
	l.mu.Unlock()
}

func (l *toolLog) Calls() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.calls...)
}

type harness struct {
	dir       string
	llm       *scriptedLLM
	orch      *Orchestrator
	cache     *sessioncache.Cache
	store     *session.FileStore
	sandboxes *sandbox.Provider
	sink      *attachments.Sink
	tools     *toolLog
	clock     *testClock
	sleeps    []time.Duration
	sleepMu   sync.Mutex
}

func (h *harness) Sleeps() []time.Duration {
	h.sleepMu.Lock()
	defer h.sleepMu.Unlock()
	return append([]time.Duration(nil), h.sleeps...)
}

var errOffline = errors.New("dial tcp 10.0.0.7:443: connect: connection refused")

func testRegistry(t *testing.T, log *toolLog) *toolexecutor.ToolRegistry {
	t.Helper()
	reg := toolexecutor.NewToolRegistry()
	entries := []toolexecutor.RegistryEntry{
		{
			Definition: toolexecutor.ToolDefinition{
				Name:        "list_events",
				Description: "List calendar events",
				Handler: func(ctx context.Context, params map[string]interface{}) (toolexecutor.Output, error) {
					log.record("list_events")
					return toolexecutor.Output{Value: []map[string]interface{}{{"title": "standup", "start": "09:00"}}}, nil
				},
			},
			Category:    toolexecutor.CategoryCalendar,
			Requirement: toolexecutor.RequiresCapability(entitlement.CapabilityCalendar),
		},
		{
			Definition: toolexecutor.ToolDefinition{
				Name:        "delete_event",
				Description: "Delete a calendar event",
				Parameters: []toolexecutor.ToolParameter{
					{Name: "event_id", Type: "string", Description: "Event id", Required: true},
				},
				Handler: func(ctx context.Context, params map[string]interface{}) (toolexecutor.Output, error) {
					log.record("delete_event")
					return toolexecutor.Output{Value: map[string]interface{}{"deleted": params["event_id"]}}, nil
				},
			},
			Category:    toolexecutor.CategoryCalendar,
			Requirement: toolexecutor.RequiresCapability(entitlement.CapabilityCalendar),
			Approval:    toolexecutor.ApprovalAlways,
		},
		{
			Definition: toolexecutor.ToolDefinition{
				Name:        "send_email",
				Description: "Send an email",
				Handler: func(ctx context.Context, params map[string]interface{}) (toolexecutor.Output, error) {
					log.record("send_email")
					return toolexecutor.Output{Value: "sent"}, nil
				},
			},
			Category:    toolexecutor.CategoryEmail,
			Requirement: toolexecutor.RequiresSecret(entitlement.CapabilityEmail),
			Approval:    toolexecutor.ApprovalFirstUse,
		},
		{
			Definition: toolexecutor.ToolDefinition{
				Name:        "get_quotes",
				Description: "Fetch market quotes",
				Handler: func(ctx context.Context, params map[string]interface{}) (toolexecutor.Output, error) {
					log.record("get_quotes")
					return toolexecutor.Output{}, errOffline
				},
			},
			Category: toolexecutor.CategoryFinance,
		},
		{
			Definition: toolexecutor.ToolDefinition{
				Name:        "render_chart",
				Description: "Render a chart",
				Handler: func(ctx context.Context, params map[string]interface{}) (toolexecutor.Output, error) {
					log.record("render_chart")
					return toolexecutor.Output{
						Value:       "chart rendered",
						Attachments: []toolexecutor.AttachmentInput{{MimeType: "text/html", Data: []byte("<svg></svg>")}},
					}, nil
				},
			},
			Category: toolexecutor.CategoryDocuments,
		},
		{
			Definition: toolexecutor.ToolDefinition{
				Name:        "export_ledger",
				Description: "Export the full ledger",
				Handler: func(ctx context.Context, params map[string]interface{}) (toolexecutor.Output, error) {
					log.record("export_ledger")
					rows := make([]map[string]interface{}, 0, 2000)
					for i := 0; i < 2000; i++ {
						rows = append(rows, map[string]interface{}{"id": i, "memo": strings.Repeat("x", 20), "amount": 12.5})
					}
					return toolexecutor.Output{Value: rows}, nil
				},
			},
			Category: toolexecutor.CategoryFinance,
		},
	}
	for _, e := range entries {
		require.NoError(t, reg.Register(e))
	}
	return reg
}

// newHarness builds an orchestrator over dir. Reusing dir with a fresh
// harness simulates a process restart: durable state survives, in-memory
// caches and queues do not.
func newHarness(t *testing.T, dir string, llm *scriptedLLM, mutate ...func(*Config)) *harness {
	t.Helper()
	h := &harness{
		dir:   dir,
		llm:   llm,
		tools: &toolLog{},
		clock: &testClock{now: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)},
	}
	logger := zerolog.Nop()

	backend := sessioncache.NewMemoryBackend(time.Minute)
	t.Cleanup(func() { _ = backend.Close() })
	cache, err := sessioncache.New(sessioncache.Config{Backend: backend, Logger: logger})
	require.NoError(t, err)
	h.cache = cache

	resolver, err := identity.NewResolver(identity.Config{
		Strategies: identity.DefaultStrategies(cache),
		Binder:     cache,
		Logger:     logger,
	})
	require.NoError(t, err)

	executor, err := toolexecutor.New(toolexecutor.Config{
		Registry: testRegistry(t, h.tools),
		Logger:   logger,
		Timeout:  2 * time.Second,
	})
	require.NoError(t, err)

	h.store, err = session.NewFileStore(session.Config{Dir: filepath.Join(dir, "checkpoints"), Logger: logger})
	require.NoError(t, err)

	h.sandboxes, err = sandbox.NewProvider(sandbox.Config{Dir: filepath.Join(dir, "sandboxes"), Logger: logger})
	require.NoError(t, err)

	local, err := attachments.NewLocalStore(filepath.Join(dir, "attachments"))
	require.NoError(t, err)
	h.sink, err = attachments.NewSink(attachments.Config{Store: local, Logger: logger})
	require.NoError(t, err)

	queue := commandqueue.New()
	t.Cleanup(func() { _ = queue.Close() })

	cfg := Config{
		Provider:    llm,
		Resolver:    resolver,
		Catalog:     toolexecutor.NewCatalog(grants{"alice": {entitlement.CapabilityCalendar}}, logger),
		Executor:    executor,
		Store:       h.store,
		Sandboxes:   h.sandboxes,
		Sink:        h.sink,
		Queue:       queue,
		Logger:      logger,
		Model:       "test-model",
		ApprovalTTL: time.Hour,
		Now:         h.clock.Now,
		Sleep: func(ctx context.Context, d time.Duration) error {
			h.sleepMu.Lock()
			h.sleeps = append(h.sleeps, d)
			h.sleepMu.Unlock()
			return ctx.Err()
		},
	}
	for _, m := range mutate {
		m(&cfg)
	}

	h.orch, err = NewOrchestrator(cfg)
	require.NoError(t, err)
	return h
}

func (h *harness) run(t *testing.T, threadID, message string) RunResult {
	t.Helper()
	result, err := h.orch.Run(context.Background(), RunRequest{
		ThreadID:       threadID,
		ExplicitUserID: "alice",
		Message:        message,
	})
	require.NoError(t, err)
	return result
}

func (h *harness) turn(t *testing.T, threadID string) *Turn {
	t.Helper()
	turn, err := h.orch.Load(context.Background(), threadID)
	require.NoError(t, err)
	return turn
}

func toolMessages(turn *Turn) []Message {
	var out []Message
	for _, m := range turn.Messages {
		if m.Role == RoleTool {
			out = append(out, m)
		}
	}
	return out
}
