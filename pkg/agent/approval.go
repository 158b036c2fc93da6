package agent

import (
	"context"
	"fmt"

	"github.com/harun/steward/internal/observability"
	"github.com/harun/steward/internal/tracing"
	"github.com/harun/steward/pkg/toolexecutor"
)

func (o *Orchestrator) resume(ctx context.Context, req ResumeRequest) (RunResult, error) {
	turn, err := o.load(ctx, req.ThreadID)
	if err != nil {
		return RunResult{ThreadID: req.ThreadID}, turnError(req.ThreadID, StatePreparingTurn, err)
	}
	if turn.Pending == nil {
		return o.result(turn, nil), turnError(turn.ThreadID, turn.State, ErrNoPendingApproval)
	}

	ctx, env, err := o.prepare(ctx, turn, req.ExplicitUserID, req.Secrets, req.Request, req.Frontend)
	if err != nil {
		return o.result(turn, nil), err
	}

	pending := *turn.Pending
	logger := tracing.LoggerFromContext(ctx, o.logger).With().
		Str("tool", pending.ToolName).
		Str("approval_id", pending.ID).
		Logger()

	if pending.Expired(o.now()) {
		o.closePending(ctx, turn, toolexecutor.MessageContent(toolexecutor.ExpiredText), "expired")
		logger.Info().Err(ErrApprovalExpired).Msg("Approval answered after expiry, decision ignored")
		result, err := o.advance(ctx, turn, env)
		result.ApprovalExpired = true
		return result, err
	}

	call := ToolCall{ID: pending.CallID, Name: pending.ToolName, Arguments: pending.Arguments}

	switch req.Decision.Action {
	case toolexecutor.ActionApprove:
		turn.Pending = nil
		observability.RecordApproval(string(pending.Kind), "approve")
		observability.RecordApprovalAudit(ctx, turn.ThreadID, turn.UserID, pending.ToolName, "approve", map[string]interface{}{
			"approval_id": pending.ID,
			"kind":        string(pending.Kind),
		})
		logger.Info().Msg("Tool call approved")

		var result toolexecutor.Result
		if pending.Kind == ApprovalKindToolCall {
			result = toolexecutor.DecodeFrontendResult(req.Decision.Result)
		} else {
			turn.markApproved(pending.ToolName)
		}
		if err := o.dispatch(ctx, turn, env, call, result); err != nil {
			return o.result(turn, env), err
		}

	case toolexecutor.ActionReject:
		action := "reject"
		if req.Decision.HasComment() {
			action = "comment"
		}
		o.closePending(ctx, turn, req.Decision.RejectionContent(), action)
		logger.Info().Bool("comment", req.Decision.HasComment()).Msg("Tool call rejected")

	default:
		return o.result(turn, env), turnError(turn.ThreadID, StateAwaitingApproval,
			fmt.Errorf("unknown decision action %q", req.Decision.Action))
	}

	return o.advance(ctx, turn, env)
}

// closePending answers the pending call with a synthesized tool message.
// No tool runs and the tool-call index does not move.
func (o *Orchestrator) closePending(ctx context.Context, turn *Turn, content, action string) {
	pending := turn.Pending
	if pending == nil {
		return
	}
	turn.Pending = nil
	turn.Messages = append(turn.Messages, Message{
		Role:       RoleTool,
		Content:    content,
		ToolCallID: pending.CallID,
		Name:       pending.ToolName,
		CreatedAt:  o.now(),
	})

	observability.RecordApproval(string(pending.Kind), action)
	observability.RecordApprovalAudit(ctx, turn.ThreadID, turn.UserID, pending.ToolName, action, map[string]interface{}{
		"approval_id": pending.ID,
		"kind":        string(pending.Kind),
	})
}

// ExpireApprovals closes every pending approval whose window has passed and
// returns how many it closed. Threads are visited through their lanes so a
// sweep never races a turn.
func (o *Orchestrator) ExpireApprovals(ctx context.Context) (int, error) {
	ctx, span := tracing.StartSpan(ctx, tracing.TracerAgent, "agent.expire_approvals")
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, o.logger)

	summaries, err := o.store.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list threads: %w", err)
	}

	expired := 0
	for _, summary := range summaries {
		threadID := summary.ThreadID
		value, err := o.queue.Enqueue(ctx, laneFor(threadID), func(taskCtx context.Context) (interface{}, error) {
			turn, err := o.load(taskCtx, threadID)
			if err != nil {
				return false, err
			}
			if turn.Pending == nil || !turn.Pending.Expired(o.now()) {
				return false, nil
			}
			o.closePending(taskCtx, turn, toolexecutor.MessageContent(toolexecutor.ExpiredText), "expired")
			return true, o.transition(taskCtx, turn, StateFinished)
		})
		if err != nil {
			logger.Warn().Err(err).Str("thread_id", threadID).Msg("Failed to expire approval")
			continue
		}
		if ok, _ := value.(bool); ok {
			expired++
		}
	}

	if expired > 0 {
		logger.Info().Int("expired", expired).Msg("Expired pending approvals")
	}
	return expired, nil
}
