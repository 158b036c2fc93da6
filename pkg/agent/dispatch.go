package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/harun/steward/internal/observability"
	"github.com/harun/steward/internal/tracing"
	"github.com/harun/steward/pkg/attachments"
	"github.com/harun/steward/pkg/toolexecutor"
	"go.opentelemetry.io/otel/attribute"
)

// maxInlineResult is the largest serialized result, in characters, that is
// copied into the conversation log. Larger results are summarized by schema.
const maxInlineResult = 40000

// toolPayload is the tool message body for a successful call.
type toolPayload struct {
	Data    interface{}            `json:"data,omitempty"`
	Message string                 `json:"message"`
	Schema  map[string]interface{} `json:"schema,omitempty"`
}

// ResultRef names where a dispatched result lives in the sandbox.
func ResultRef(index int) string {
	return fmt.Sprintf("function_results[%d]", index)
}

// dispatch executes call, or records result when the client already produced
// one, then returns the turn to Invoking. It runs detached from the caller so
// a started call always lands in the log.
func (o *Orchestrator) dispatch(ctx context.Context, turn *Turn, env *turnEnv, call ToolCall, result toolexecutor.Result) error {
	ctx = tracing.Detach(ctx)
	ctx, span := tracing.StartSpan(ctx, tracing.TracerAgent, "agent.dispatch",
		attribute.String("tool", call.Name),
		attribute.Int("tool_call_index", turn.ToolCallIndex+1),
	)
	defer span.End()

	if err := o.transition(ctx, turn, StateDispatching); err != nil {
		return turnError(turn.ThreadID, StateDispatching, err)
	}

	if result == nil {
		result = o.execute(ctx, turn, env, call)
	}
	o.complete(ctx, turn, env, call, result)

	if err := o.transition(ctx, turn, StateInvoking); err != nil {
		return turnError(turn.ThreadID, StateDispatching, err)
	}
	return nil
}

func (o *Orchestrator) execute(ctx context.Context, turn *Turn, env *turnEnv, call ToolCall) toolexecutor.Result {
	if _, ok := env.offered[call.Name]; !ok {
		return toolexecutor.Failure{
			Kind:    toolexecutor.KindNotFound,
			Message: fmt.Sprintf("tool not available: %s", call.Name),
		}
	}
	execCtx := toolexecutor.ContextWithExecContext(ctx, &toolexecutor.ExecutionContext{
		ThreadID:  turn.ThreadID,
		UserID:    turn.UserID,
		ToolIndex: turn.ToolCallIndex + 1,
		Secrets:   env.secrets,
		Sandbox:   env.workspace,
		Request:   env.request,
	})
	return o.executor.Dispatch(execCtx, call.Name, call.Arguments)
}

// complete advances the index and appends the tool message for result.
func (o *Orchestrator) complete(ctx context.Context, turn *Turn, env *turnEnv, call ToolCall, result toolexecutor.Result) {
	logger := tracing.LoggerFromContext(ctx, o.logger)

	turn.ToolCallIndex++
	index := turn.ToolCallIndex

	msg := Message{
		Role:       RoleTool,
		ToolCallID: call.ID,
		Name:       call.Name,
		CreatedAt:  o.now(),
	}
	status := "success"
	switch r := result.(type) {
	case toolexecutor.Success:
		msg.Content = o.renderSuccess(ctx, env, index, r.Value)
		msg.Attachments = o.saveAttachments(ctx, r.Attachments)
	case toolexecutor.Failure:
		msg.Content = r.JSON()
		msg.ErrorKind = string(r.Kind)
		status = "failure"
		logger.Warn().Str("tool", call.Name).Str("kind", string(r.Kind)).Str("error", r.Message).Msg("Tool call failed")
	default:
		f := toolexecutor.Failure{Kind: toolexecutor.KindUnknown, Message: "tool produced no result"}
		msg.Content = f.JSON()
		msg.ErrorKind = string(f.Kind)
		status = "failure"
	}
	turn.Messages = append(turn.Messages, msg)

	observability.RecordToolAudit(ctx, turn.ThreadID, turn.UserID, call.Name, status, map[string]interface{}{
		"tool_call_index": index,
	})
	logger.Debug().Str("tool", call.Name).Int("index", index).Str("status", status).Msg("Tool call completed")
}

func (o *Orchestrator) renderSuccess(ctx context.Context, env *turnEnv, index int, value interface{}) string {
	logger := tracing.LoggerFromContext(ctx, o.logger)

	if value == nil {
		return toolexecutor.MessageContent("Tool completed without returning data.")
	}
	if s, ok := value.(string); ok && strings.TrimSpace(s) == "" {
		return toolexecutor.MessageContent("Tool completed without returning data.")
	}

	data, err := json.Marshal(value)
	if err != nil {
		data, _ = json.Marshal(fmt.Sprintf("%v", value))
	}
	var generic interface{}
	_ = json.Unmarshal(data, &generic)

	payload := toolPayload{Data: generic}
	var notes []string
	if err := env.workspace.StoreResult(ctx, index, data); err != nil {
		logger.Warn().Err(err).Int("index", index).Msg("Failed to store tool result in sandbox")
	} else {
		notes = append(notes, fmt.Sprintf("Result saved to %s in the sandbox.", ResultRef(index)))
	}

	if utf8.RuneCount(data) > maxInlineResult {
		payload.Data = nil
		payload.Schema = inferSchema(generic)
		notes = append(notes, "The result is too large to inline; inspect it in the sandbox. Its schema follows.")
	}
	payload.Message = strings.Join(notes, " ")

	out, err := json.Marshal(payload)
	if err != nil {
		return toolexecutor.MessageContent(payload.Message)
	}
	return string(out)
}

func (o *Orchestrator) saveAttachments(ctx context.Context, inputs []toolexecutor.AttachmentInput) []AttachmentRef {
	if len(inputs) == 0 {
		return nil
	}
	logger := tracing.LoggerFromContext(ctx, o.logger)
	if o.sink == nil {
		logger.Warn().Int("count", len(inputs)).Msg("No attachment sink configured, dropping attachments")
		return nil
	}

	refs := make([]AttachmentRef, 0, len(inputs))
	for _, in := range inputs {
		att, err := o.sink.Save(ctx, attachments.Input{
			MimeType: in.MimeType,
			Data:     in.Data,
			Filename: in.Filename,
		})
		if err != nil {
			logger.Warn().Err(err).Str("mime_type", in.MimeType).Msg("Failed to save attachment")
			continue
		}
		refs = append(refs, AttachmentRef{Type: att.MimeType, FileID: att.ID})
	}
	return refs
}
