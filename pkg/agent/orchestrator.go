package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/harun/steward/internal/observability"
	"github.com/harun/steward/internal/tracing"
	"github.com/harun/steward/pkg/attachments"
	"github.com/harun/steward/pkg/commandqueue"
	"github.com/harun/steward/pkg/entitlement"
	"github.com/harun/steward/pkg/identity"
	"github.com/harun/steward/pkg/sandbox"
	"github.com/harun/steward/pkg/sanitizer"
	"github.com/harun/steward/pkg/session"
	"github.com/harun/steward/pkg/toolexecutor"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

const (
	defaultMaxRetries  = 3
	defaultMaxSteps    = 25
	defaultApprovalTTL = 24 * time.Hour
)

// StepLimitText closes a turn that ran out of steps before the model answered.
const StepLimitText = "I stopped before finishing because this request needed too many tool calls. Please narrow it down or ask me to continue."

// Orchestrator drives the model-call / tool-dispatch loop for threads.
type Orchestrator struct {
	provider  LLMProvider
	resolver  *identity.Resolver
	catalog   *toolexecutor.Catalog
	executor  *toolexecutor.Executor
	store     session.Store
	sandboxes *sandbox.Provider
	sink      *attachments.Sink
	queue     *commandqueue.CommandQueue
	profile   sanitizer.Profile
	logger    zerolog.Logger

	model        string
	systemPrompt string
	maxTokens    int
	temperature  float64
	maxRetries   int
	maxSteps     int
	approvalTTL  time.Duration

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	// Active model calls for abort capability
	activeRuns map[string]context.CancelFunc
	runsMu     sync.Mutex
}

// Config holds orchestrator configuration
type Config struct {
	Provider  LLMProvider
	Resolver  *identity.Resolver
	Catalog   *toolexecutor.Catalog
	Executor  *toolexecutor.Executor
	Store     session.Store
	Sandboxes *sandbox.Provider
	Sink      *attachments.Sink // optional; attachments are dropped without it
	Queue     *commandqueue.CommandQueue
	Logger    zerolog.Logger

	Model        string
	SystemPrompt string
	MaxTokens    int
	Temperature  float64
	// Profile names the history sanitizer profile. Empty uses the provider name.
	Profile     string
	// Profiles resolves Profile. Nil uses sanitizer.DefaultRegistry().
	Profiles    *sanitizer.Registry
	MaxRetries  int
	MaxSteps    int
	ApprovalTTL time.Duration

	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error
}

// NewOrchestrator creates a new orchestrator
func NewOrchestrator(cfg Config) (*Orchestrator, error) {
	observability.EnsureRegistered()

	switch {
	case cfg.Provider == nil:
		return nil, fmt.Errorf("provider is required")
	case cfg.Resolver == nil:
		return nil, fmt.Errorf("identity resolver is required")
	case cfg.Catalog == nil:
		return nil, fmt.Errorf("catalog is required")
	case cfg.Executor == nil:
		return nil, fmt.Errorf("tool executor is required")
	case cfg.Store == nil:
		return nil, fmt.Errorf("session store is required")
	case cfg.Sandboxes == nil:
		return nil, fmt.Errorf("sandbox provider is required")
	case cfg.Queue == nil:
		return nil, fmt.Errorf("command queue is required")
	case cfg.Model == "":
		return nil, fmt.Errorf("model is required")
	}

	profileName := cfg.Profile
	if profileName == "" {
		profileName = cfg.Provider.Provider()
	}
	profiles := cfg.Profiles
	if profiles == nil {
		profiles = sanitizer.DefaultRegistry()
	}
	profile, ok := profiles.Lookup(profileName)
	if !ok {
		cfg.Logger.Warn().Str("profile", profileName).Msg("Unknown sanitizer profile, using passthrough")
	}

	o := &Orchestrator{
		provider:     cfg.Provider,
		resolver:     cfg.Resolver,
		catalog:      cfg.Catalog,
		executor:     cfg.Executor,
		store:        cfg.Store,
		sandboxes:    cfg.Sandboxes,
		sink:         cfg.Sink,
		queue:        cfg.Queue,
		profile:      profile,
		logger:       cfg.Logger,
		model:        cfg.Model,
		systemPrompt: cfg.SystemPrompt,
		maxTokens:    cfg.MaxTokens,
		temperature:  cfg.Temperature,
		maxRetries:   cfg.MaxRetries,
		maxSteps:     cfg.MaxSteps,
		approvalTTL:  cfg.ApprovalTTL,
		now:          cfg.Now,
		sleep:        cfg.Sleep,
		activeRuns:   make(map[string]context.CancelFunc),
	}
	if o.maxRetries <= 0 {
		o.maxRetries = defaultMaxRetries
	}
	if o.maxSteps <= 0 {
		o.maxSteps = defaultMaxSteps
	}
	if o.approvalTTL <= 0 {
		o.approvalTTL = defaultApprovalTTL
	}
	if o.now == nil {
		o.now = time.Now
	}
	if o.sleep == nil {
		o.sleep = sleepContext
	}
	return o, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// turnEnv is the request-scoped part of a turn. It is rebuilt on every Run
// and Resume and never persisted.
type turnEnv struct {
	userID    string
	secrets   entitlement.Secrets
	request   toolexecutor.RequestContext
	offered   map[string]toolexecutor.RegistryEntry
	frontend  map[string]toolexecutor.FrontendTool
	tools     []ToolSpec
	workspace *sandbox.Workspace
	usage     *TokenUsage
}

func laneFor(threadID string) string {
	return "thread:" + threadID
}

// Run appends a user message to the thread and advances it until the model
// answers or a tool call needs approval.
func (o *Orchestrator) Run(ctx context.Context, req RunRequest) (RunResult, error) {
	if strings.TrimSpace(req.ThreadID) == "" {
		return RunResult{}, fmt.Errorf("thread id is required")
	}
	if strings.TrimSpace(req.Message) == "" {
		return RunResult{}, fmt.Errorf("message is required")
	}
	return o.inLane(ctx, req.ThreadID, "agent.run", func(ctx context.Context) (RunResult, error) {
		return o.run(ctx, req)
	})
}

// Resume answers the thread's pending approval and continues the loop.
func (o *Orchestrator) Resume(ctx context.Context, req ResumeRequest) (RunResult, error) {
	if strings.TrimSpace(req.ThreadID) == "" {
		return RunResult{}, fmt.Errorf("thread id is required")
	}
	return o.inLane(ctx, req.ThreadID, "agent.resume", func(ctx context.Context) (RunResult, error) {
		return o.resume(ctx, req)
	})
}

// Abort cancels an in-flight model call for a thread. A tool that is already
// dispatching runs to completion.
func (o *Orchestrator) Abort(threadID string) error {
	o.runsMu.Lock()
	defer o.runsMu.Unlock()

	cancel, exists := o.activeRuns[threadID]
	if !exists {
		o.logger.Debug().Str("thread_id", threadID).Msg("No active model call to abort")
		return nil
	}

	o.logger.Info().Str("thread_id", threadID).Msg("Aborting model call")
	cancel()
	delete(o.activeRuns, threadID)
	return nil
}

// IsRunning checks if a model call is in flight for a thread
func (o *Orchestrator) IsRunning(threadID string) bool {
	o.runsMu.Lock()
	defer o.runsMu.Unlock()

	_, exists := o.activeRuns[threadID]
	return exists
}

// Load returns the persisted turn for a thread, or a fresh one.
func (o *Orchestrator) Load(ctx context.Context, threadID string) (*Turn, error) {
	return o.load(ctx, threadID)
}

func (o *Orchestrator) inLane(ctx context.Context, threadID, spanName string, fn func(context.Context) (RunResult, error)) (RunResult, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if tracing.GetTraceID(ctx) == "" {
		ctx = tracing.NewRequestContext(ctx)
	}
	ctx = tracing.NewTurnContext(ctx, threadID)
	ctx, span := tracing.StartSpan(ctx, tracing.TracerAgent, spanName,
		attribute.String("thread_id", threadID),
	)
	defer span.End()

	value, err := o.queue.Enqueue(ctx, laneFor(threadID), func(taskCtx context.Context) (interface{}, error) {
		return fn(taskCtx)
	})
	result, _ := value.(RunResult)
	if err != nil {
		tracing.FailSpan(span, err)
		logger := tracing.LoggerFromContext(ctx, o.logger)
		logger.Error().Err(err).Msg("Turn failed")
		return result, err
	}
	span.SetAttributes(attribute.String("turn.state", string(result.State)))
	return result, nil
}

func (o *Orchestrator) run(ctx context.Context, req RunRequest) (RunResult, error) {
	turn, err := o.load(ctx, req.ThreadID)
	if err != nil {
		return RunResult{ThreadID: req.ThreadID}, turnError(req.ThreadID, StatePreparingTurn, err)
	}

	ctx, env, err := o.prepare(ctx, turn, req.ExplicitUserID, req.Secrets, req.Request, req.Frontend)
	if err != nil {
		return o.result(turn, nil), err
	}

	if turn.Pending != nil {
		content := toolexecutor.MessageContent(toolexecutor.CancelledText)
		action := "superseded"
		if turn.Pending.Expired(o.now()) {
			content = toolexecutor.MessageContent(toolexecutor.ExpiredText)
			action = "expired"
		}
		o.closePending(ctx, turn, content, action)
	}

	turn.Messages = append(turn.Messages, Message{
		Role:      RoleUser,
		Content:   req.Message,
		CreatedAt: o.now(),
	})
	return o.advance(ctx, turn, env)
}

// prepare resolves identity, computes the tool catalog and opens the sandbox.
func (o *Orchestrator) prepare(ctx context.Context, turn *Turn, explicitID string, secrets entitlement.Secrets, request toolexecutor.RequestContext, frontend []toolexecutor.FrontendTool) (context.Context, *turnEnv, error) {
	turn.State = StatePreparingTurn
	logger := tracing.LoggerFromContext(ctx, o.logger)

	userID, err := o.resolver.Resolve(ctx, identity.Request{
		ExplicitID:  explicitID,
		ThreadID:    turn.ThreadID,
		PersistedID: turn.UserID,
	})
	if err != nil {
		observability.RecordTurn("unauthenticated")
		return ctx, nil, turnError(turn.ThreadID, StatePreparingTurn, err)
	}
	turn.UserID = userID
	ctx = tracing.WithUserID(ctx, userID)

	entries, err := o.catalog.Filter(ctx, o.executor.Registry(), toolexecutor.FilterInput{
		UserID:  userID,
		Secrets: secrets,
		Request: request,
	})
	if err != nil {
		return ctx, nil, turnError(turn.ThreadID, StatePreparingTurn, fmt.Errorf("failed to compute tool catalog: %w", err))
	}

	workspace, err := o.sandboxes.Open(ctx, turn.ThreadID, turn.SandboxID)
	if err != nil {
		return ctx, nil, turnError(turn.ThreadID, StatePreparingTurn, fmt.Errorf("failed to open sandbox: %w", err))
	}
	turn.SandboxID = workspace.ID()

	env := &turnEnv{
		userID:    userID,
		secrets:   secrets,
		request:   request,
		offered:   make(map[string]toolexecutor.RegistryEntry, len(entries)),
		frontend:  make(map[string]toolexecutor.FrontendTool, len(frontend)),
		workspace: workspace,
	}
	names := make([]string, 0, len(entries)+len(frontend))
	for _, entry := range entries {
		env.offered[entry.Definition.Name] = entry
		env.tools = append(env.tools, ToolSpec{
			Name:        entry.Definition.Name,
			Description: entry.Definition.Description,
			Parameters:  entry.Definition.InputSchema(),
		})
		names = append(names, entry.Definition.Name)
	}
	for _, ft := range frontend {
		if _, clash := env.offered[ft.Name]; clash || ft.Name == "" {
			logger.Warn().Str("tool", ft.Name).Msg("Ignoring frontend tool that shadows a registered tool")
			continue
		}
		def := ft.Definition()
		env.frontend[ft.Name] = ft
		env.tools = append(env.tools, ToolSpec{
			Name:        def.Name,
			Description: def.Description,
			Parameters:  def.InputSchema(),
		})
		names = append(names, ft.Name)
	}
	turn.Tools = names

	logger.Debug().Int("tools", len(names)).Str("sandbox_id", workspace.ID()).Msg("Turn prepared")
	return ctx, env, nil
}

// advance runs Invoking -> (Dispatching -> Invoking)* until the model answers,
// a call is gated or the step budget runs out.
func (o *Orchestrator) advance(ctx context.Context, turn *Turn, env *turnEnv) (RunResult, error) {
	logger := tracing.LoggerFromContext(ctx, o.logger)

	if err := o.transition(ctx, turn, StateInvoking); err != nil {
		return o.result(turn, env), turnError(turn.ThreadID, StateInvoking, err)
	}

	for step := 0; ; step++ {
		if step >= o.maxSteps {
			logger.Warn().Err(ErrStepLimit).Int("max_steps", o.maxSteps).Msg("Closing turn with a step limit answer")
			turn.Messages = append(turn.Messages, Message{Role: RoleAssistant, Content: StepLimitText, CreatedAt: o.now()})
			if err := o.transition(ctx, turn, StateFinished); err != nil {
				return o.result(turn, env), turnError(turn.ThreadID, StateFinished, err)
			}
			observability.RecordTurn("step_limit")
			result := o.result(turn, env)
			result.StepLimited = true
			return result, nil
		}
		if err := ctx.Err(); err != nil {
			return o.result(turn, env), turnError(turn.ThreadID, StateInvoking, err)
		}

		resp, err := o.invoke(ctx, turn, env)
		if err != nil {
			observability.RecordTurn("failed")
			return o.result(turn, env), turnError(turn.ThreadID, StateInvoking, err)
		}

		msg := Message{
			Role:             RoleAssistant,
			Content:          resp.Content,
			ReasoningContent: resp.ReasoningContent,
			CreatedAt:        o.now(),
		}
		if len(resp.ToolCalls) > 0 {
			if len(resp.ToolCalls) > 1 {
				logger.Warn().Int("count", len(resp.ToolCalls)).Msg("Model returned several tool calls, keeping the first")
			}
			call := resp.ToolCalls[0]
			if call.ID == "" {
				call.ID = "call_" + uuid.NewString()
			}
			if strings.TrimSpace(call.Arguments) == "" {
				call.Arguments = "{}"
			}
			msg.ToolCall = &call
		}
		turn.Messages = append(turn.Messages, msg)

		if msg.ToolCall == nil {
			if err := o.transition(ctx, turn, StateFinished); err != nil {
				return o.result(turn, env), turnError(turn.ThreadID, StateFinished, err)
			}
			observability.RecordTurn(string(StateFinished))
			return o.result(turn, env), nil
		}

		call := *msg.ToolCall
		if kind, gated := o.gate(turn, env, call); gated {
			return o.suspend(ctx, turn, env, call, kind)
		}

		if err := o.dispatch(ctx, turn, env, call, nil); err != nil {
			return o.result(turn, env), err
		}
	}
}

// gate decides whether call must wait for the user.
func (o *Orchestrator) gate(turn *Turn, env *turnEnv, call ToolCall) (ApprovalKind, bool) {
	if _, ok := env.frontend[call.Name]; ok {
		return ApprovalKindToolCall, true
	}
	entry, ok := env.offered[call.Name]
	if !ok {
		return "", false
	}
	if entry.Frontend {
		return ApprovalKindToolCall, true
	}
	if entry.Approval.Requires(turn.approved(call.Name)) {
		return ApprovalKindApprove, true
	}
	return "", false
}

func (o *Orchestrator) suspend(ctx context.Context, turn *Turn, env *turnEnv, call ToolCall, kind ApprovalKind) (RunResult, error) {
	id, err := gonanoid.New()
	if err != nil {
		id = uuid.NewString()
	}
	now := o.now()
	turn.Pending = &PendingApproval{
		ID:        id,
		ToolName:  call.Name,
		Arguments: call.Arguments,
		CallID:    call.ID,
		Kind:      kind,
		CreatedAt: now,
		ExpiresAt: now.Add(o.approvalTTL),
	}
	if err := o.transition(ctx, turn, StateAwaitingApproval); err != nil {
		return o.result(turn, env), turnError(turn.ThreadID, StateAwaitingApproval, err)
	}

	observability.RecordApproval(string(kind), "requested")
	observability.RecordApprovalAudit(ctx, turn.ThreadID, turn.UserID, call.Name, "requested", map[string]interface{}{
		"approval_id": id,
		"kind":        string(kind),
	})
	observability.RecordTurn(string(StateAwaitingApproval))
	logger := tracing.LoggerFromContext(ctx, o.logger)
	logger.Info().
		Str("tool", call.Name).
		Str("kind", string(kind)).
		Msg("Tool call awaiting approval")
	return o.result(turn, env), nil
}

func (o *Orchestrator) transition(ctx context.Context, turn *Turn, state State) error {
	turn.State = state
	return o.checkpoint(ctx, turn)
}

func (o *Orchestrator) checkpoint(ctx context.Context, turn *Turn) error {
	turn.UpdatedAt = o.now()
	data, err := json.Marshal(turn)
	if err != nil {
		return fmt.Errorf("failed to encode turn: %w", err)
	}
	if _, err := o.store.Save(ctx, turn.ThreadID, data); err != nil {
		return fmt.Errorf("failed to checkpoint turn: %w", err)
	}
	return nil
}

func (o *Orchestrator) load(ctx context.Context, threadID string) (*Turn, error) {
	cp, err := o.store.Load(ctx, threadID)
	if errors.Is(err, session.ErrNotFound) {
		return NewTurn(threadID), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint: %w", err)
	}

	var turn Turn
	if err := json.Unmarshal(cp.State, &turn); err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint: %w", err)
	}
	turn.ThreadID = threadID
	if turn.Messages == nil {
		turn.Messages = []Message{}
	}
	return &turn, nil
}

func (o *Orchestrator) result(turn *Turn, env *turnEnv) RunResult {
	r := RunResult{
		ThreadID:      turn.ThreadID,
		UserID:        turn.UserID,
		State:         turn.State,
		Pending:       turn.Pending,
		ToolCallIndex: turn.ToolCallIndex,
	}
	if turn.State == StateFinished {
		r.Response = turn.LastAssistant()
	}
	if env != nil {
		r.Usage = env.usage
	}
	return r
}
