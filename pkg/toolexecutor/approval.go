package toolexecutor

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ApprovalPolicy decides when an internal tool needs a human decision.
type ApprovalPolicy string

const (
	ApprovalNever    ApprovalPolicy = "never"
	ApprovalFirstUse ApprovalPolicy = "first_use"
	ApprovalAlways   ApprovalPolicy = "always"
)

// ParseApprovalPolicy parses a policy name. Empty means never.
func ParseApprovalPolicy(value string) (ApprovalPolicy, error) {
	policy := ApprovalPolicy(strings.ToLower(strings.TrimSpace(value)))
	switch policy {
	case "":
		return ApprovalNever, nil
	case ApprovalNever, ApprovalFirstUse, ApprovalAlways:
		return policy, nil
	default:
		return "", fmt.Errorf("invalid approval policy %q", value)
	}
}

// Requires reports whether a call must suspend given whether the tool was
// already approved on this thread.
func (p ApprovalPolicy) Requires(approvedBefore bool) bool {
	switch p {
	case ApprovalAlways:
		return true
	case ApprovalFirstUse:
		return !approvedBefore
	default:
		return false
	}
}

// DecisionAction is the verdict on a suspended tool call.
type DecisionAction string

const (
	ActionApprove DecisionAction = "approve"
	ActionReject  DecisionAction = "reject"
)

// ParseDecisionAction accepts the verdict spellings used by the CLI and clients.
func ParseDecisionAction(value string) (DecisionAction, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "approve", "approved", "allow", "allow-once", "yes", "y":
		return ActionApprove, nil
	case "reject", "rejected", "deny", "no", "n", "cancel":
		return ActionReject, nil
	default:
		return "", fmt.Errorf("invalid decision action %q", value)
	}
}

// Decision resumes a turn suspended at the approval gate. Result carries the
// client-produced output of a frontend tool.
type Decision struct {
	Action  DecisionAction  `json:"action"`
	Comment *string         `json:"comment,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
}

// Approve returns an approving decision.
func Approve() Decision {
	return Decision{Action: ActionApprove}
}

// Reject returns a rejecting decision. A nil comment cancels; any non-nil
// comment, even an empty one, is passed back to the model.
func Reject(comment *string) Decision {
	return Decision{Action: ActionReject, Comment: comment}
}

// ParseDecision decodes a resume payload. Three shapes are accepted:
//
//	{"action":"approve"|"reject","comment":"...","result":...}
//	{"type":"comment","message":"..."}   rejection; a blank message cancels
//	anything else                         approval carrying a frontend result
func ParseDecision(raw []byte) (Decision, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" {
		return Decision{}, fmt.Errorf("decision payload is required")
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(trimmed), &fields); err != nil {
		if !json.Valid([]byte(trimmed)) {
			return Decision{}, fmt.Errorf("invalid decision payload: %w", err)
		}
		return Decision{Action: ActionApprove, Result: json.RawMessage(trimmed)}, nil
	}

	if kind, ok := stringField(fields, "type"); ok && kind == "comment" {
		message, _ := stringField(fields, "message")
		if strings.TrimSpace(message) == "" {
			return Reject(nil), nil
		}
		return Reject(&message), nil
	}

	if actionValue, ok := stringField(fields, "action"); ok {
		action, err := ParseDecisionAction(actionValue)
		if err != nil {
			return Decision{}, err
		}
		d := Decision{Action: action}
		if comment, ok := stringField(fields, "comment"); ok {
			d.Comment = &comment
		}
		if result, ok := fields["result"]; ok {
			d.Result = result
		}
		return d, nil
	}

	if result, ok := fields["result"]; ok {
		return Decision{Action: ActionApprove, Result: result}, nil
	}
	return Decision{Action: ActionApprove, Result: json.RawMessage(trimmed)}, nil
}

func stringField(m map[string]json.RawMessage, key string) (string, bool) {
	raw, ok := m[key]
	if !ok {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	return s, true
}

// HasComment reports whether a rejection carries a comment. Absent and
// empty are distinct: only absent cancels silently.
func (d Decision) HasComment() bool {
	return d.Comment != nil
}

const (
	// CancelledText is shown to the model when the user rejects without a comment.
	CancelledText = "User cancelled tool execution. Do not execute this tool."
	// ExpiredText is shown to the model when an approval timed out.
	ExpiredText = "Approval request expired before the user answered. Do not execute this tool."
)

// CommentText is shown to the model when the user rejects with a comment.
func CommentText(comment string) string {
	return fmt.Sprintf("User left a comment on your tool call. Read it and decide how to proceed: %q", comment)
}

// RejectionContent renders the tool message body synthesized for a rejection.
func (d Decision) RejectionContent() string {
	text := CancelledText
	if d.HasComment() {
		text = CommentText(*d.Comment)
	}
	return MessageContent(text)
}

// MessageContent wraps text in the {"message": ...} body used for synthesized tool messages.
func MessageContent(text string) string {
	data, _ := json.Marshal(map[string]string{"message": text})
	return string(data)
}
