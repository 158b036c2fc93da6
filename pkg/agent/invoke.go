package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/harun/steward/internal/observability"
	"github.com/harun/steward/internal/tracing"
	"github.com/harun/steward/pkg/sanitizer"
	"go.opentelemetry.io/otel/attribute"
)

// invoke calls the model with the sanitized log. The log is not touched here,
// so a cancelled call leaves it exactly as it was.
func (o *Orchestrator) invoke(ctx context.Context, turn *Turn, env *turnEnv) (*LLMResponse, error) {
	providerName := o.provider.Provider()
	ctx, span := tracing.StartSpan(ctx, tracing.TracerAgent, "agent.invoke",
		attribute.String("provider", providerName),
		attribute.Int("messages", len(turn.Messages)),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, o.logger)

	callCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	o.registerRun(turn.ThreadID, cancel)
	defer o.unregisterRun(turn.ThreadID)

	request := LLMRequest{
		Model:             o.model,
		Messages:          o.sanitize(turn.Messages),
		Tools:             env.tools,
		Temperature:       o.temperature,
		MaxTokens:         o.maxTokens,
		SystemPrompt:      o.systemPrompt,
		ParallelToolCalls: false,
	}

	attempts := o.maxRetries + 1
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		start := time.Now()
		response, err := o.provider.Call(callCtx, request)
		observability.RecordModelCall(providerName, time.Since(start), err == nil)
		if err == nil {
			env.usage = env.usage.add(response.Usage)
			return response, nil
		}

		if callCtx.Err() != nil {
			span.RecordError(callCtx.Err())
			return nil, fmt.Errorf("model call cancelled: %w", callCtx.Err())
		}

		lastErr = err
		if !IsRetryableError(err) {
			tracing.FailSpan(span, err)
			return nil, fmt.Errorf("model call failed: %w", err)
		}

		if attempt == attempts-1 {
			break
		}

		// Exponential backoff: 1s, 2s, 4s
		delay := time.Second << attempt
		observability.RecordModelRetry(providerName)
		logger.Info().
			Int("attempt", attempt+1).
			Dur("delay", delay).
			Err(err).
			Msg("Retrying model call after error")

		if err := o.sleep(callCtx, delay); err != nil {
			return nil, fmt.Errorf("model call cancelled: %w", err)
		}
	}

	err := fmt.Errorf("%w after %d attempts: %w", ErrModelTransport, attempts, lastErr)
	tracing.FailSpan(span, err)
	logger.Error().Err(lastErr).Int("attempts", attempts).Msg("Model backend unreachable")
	return nil, err
}

func (o *Orchestrator) registerRun(threadID string, cancel context.CancelFunc) {
	o.runsMu.Lock()
	o.activeRuns[threadID] = cancel
	o.runsMu.Unlock()
}

func (o *Orchestrator) unregisterRun(threadID string) {
	o.runsMu.Lock()
	delete(o.activeRuns, threadID)
	o.runsMu.Unlock()
}

func (o *Orchestrator) sanitize(messages []Message) []Message {
	in := make([]sanitizer.Message, 0, len(messages))
	for _, m := range messages {
		in = append(in, toSanitizer(m))
	}
	out := sanitizer.Sanitize(in, o.profile)
	result := make([]Message, 0, len(out))
	for _, m := range out {
		result = append(result, fromSanitizer(m))
	}
	return result
}

func toSanitizer(m Message) sanitizer.Message {
	sm := sanitizer.Message{
		Role:             sanitizer.Role(m.Role),
		Content:          m.Content,
		ReasoningContent: m.ReasoningContent,
		ToolCallID:       m.ToolCallID,
		Name:             m.Name,
		ErrorKind:        m.ErrorKind,
	}
	if m.ToolCall != nil {
		sm.ToolCalls = []sanitizer.ToolCall{{ID: m.ToolCall.ID, Name: m.ToolCall.Name, Arguments: m.ToolCall.Arguments}}
	}
	for _, ref := range m.Attachments {
		sm.Attachments = append(sm.Attachments, sanitizer.AttachmentRef{Type: ref.Type, FileID: ref.FileID})
	}
	return sm
}

func fromSanitizer(sm sanitizer.Message) Message {
	m := Message{
		Role:             Role(sm.Role),
		Content:          sm.Content,
		ReasoningContent: sm.ReasoningContent,
		ToolCallID:       sm.ToolCallID,
		Name:             sm.Name,
		ErrorKind:        sm.ErrorKind,
	}
	if len(sm.ToolCalls) > 0 {
		tc := sm.ToolCalls[0]
		m.ToolCall = &ToolCall{ID: tc.ID, Name: tc.Name, Arguments: tc.Arguments}
	}
	for _, ref := range sm.Attachments {
		m.Attachments = append(m.Attachments, AttachmentRef{Type: ref.Type, FileID: ref.FileID})
	}
	return m
}
