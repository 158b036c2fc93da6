package agent

import (
	"time"

	"github.com/harun/steward/pkg/entitlement"
	"github.com/harun/steward/pkg/toolexecutor"
)

// Role is the author of a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// State is a node of the turn state machine.
type State string

const (
	StatePreparingTurn    State = "preparing_turn"
	StateInvoking         State = "invoking"
	StateAwaitingApproval State = "awaiting_approval"
	StateDispatching      State = "dispatching"
	StateFinished         State = "finished"
)

// ToolCall is a call requested by the model. Arguments is a JSON object.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// AttachmentRef points at a stored attachment.
type AttachmentRef struct {
	Type   string `json:"type"`
	FileID string `json:"file_id"`
}

// Message is one immutable entry of the conversation log.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
	// ReasoningContent is nil when the backend produced none, which is not
	// the same as an empty string.
	ReasoningContent *string `json:"reasoning_content,omitempty"`
	// ToolCall is set on assistant messages that request a tool.
	ToolCall    *ToolCall       `json:"tool_call,omitempty"`
	ToolCallID  string          `json:"tool_call_id,omitempty"`
	Name        string          `json:"name,omitempty"`
	Attachments []AttachmentRef `json:"attachments,omitempty"`
	ErrorKind   string          `json:"error_kind,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

// ApprovalKind tells the client what a pending approval expects back.
type ApprovalKind string

const (
	// ApprovalKindApprove asks the user to allow or reject an internal tool.
	ApprovalKindApprove ApprovalKind = "approve"
	// ApprovalKindToolCall asks the client to run a frontend tool and send
	// back its result.
	ApprovalKindToolCall ApprovalKind = "tool_call"
)

// PendingApproval is a tool call suspended until the user answers.
type PendingApproval struct {
	ID        string       `json:"id"`
	ToolName  string       `json:"tool_name"`
	Arguments string       `json:"arguments"`
	CallID    string       `json:"call_id"`
	Kind      ApprovalKind `json:"kind"`
	CreatedAt time.Time    `json:"created_at"`
	ExpiresAt time.Time    `json:"expires_at"`
}

// Expired reports whether the approval window has closed at now.
func (p *PendingApproval) Expired(now time.Time) bool {
	return p != nil && !p.ExpiresAt.IsZero() && !now.Before(p.ExpiresAt)
}

// Turn is the persisted state of a thread. Request secrets never live here.
type Turn struct {
	ThreadID string    `json:"thread_id"`
	Messages []Message `json:"messages"`
	// ToolCallIndex is -1 until the first dispatch.
	ToolCallIndex int              `json:"tool_call_index"`
	UserID        string           `json:"user_id,omitempty"`
	Tools         []string         `json:"tools,omitempty"`
	SandboxID     string           `json:"sandbox_id,omitempty"`
	State         State            `json:"state"`
	Pending       *PendingApproval `json:"pending,omitempty"`
	ApprovedTools []string         `json:"approved_tools,omitempty"`
	UpdatedAt     time.Time        `json:"updated_at"`
}

// NewTurn returns an empty turn for a thread.
func NewTurn(threadID string) *Turn {
	return &Turn{
		ThreadID:      threadID,
		Messages:      []Message{},
		ToolCallIndex: -1,
		State:         StatePreparingTurn,
	}
}

func (t *Turn) approved(tool string) bool {
	for _, name := range t.ApprovedTools {
		if name == tool {
			return true
		}
	}
	return false
}

func (t *Turn) markApproved(tool string) {
	if !t.approved(tool) {
		t.ApprovedTools = append(t.ApprovedTools, tool)
	}
}

// LastAssistant returns the content of the final assistant message, if any.
func (t *Turn) LastAssistant() string {
	for i := len(t.Messages) - 1; i >= 0; i-- {
		if t.Messages[i].Role == RoleAssistant {
			return t.Messages[i].Content
		}
	}
	return ""
}

// RunRequest starts a turn with a new user message.
type RunRequest struct {
	ThreadID       string
	ExplicitUserID string
	Message        string
	Secrets        entitlement.Secrets
	Request        toolexecutor.RequestContext
	// Frontend lists client-rendered tools available for this request.
	Frontend []toolexecutor.FrontendTool
}

// ResumeRequest answers a pending approval.
type ResumeRequest struct {
	ThreadID       string
	ExplicitUserID string
	Decision       toolexecutor.Decision
	Secrets        entitlement.Secrets
	Request        toolexecutor.RequestContext
	Frontend       []toolexecutor.FrontendTool
}

// RunResult is what Run and Resume report back.
type RunResult struct {
	ThreadID      string           `json:"thread_id"`
	UserID        string           `json:"user_id"`
	State         State            `json:"state"`
	Response      string           `json:"response,omitempty"`
	Pending       *PendingApproval `json:"pending,omitempty"`
	ToolCallIndex int              `json:"tool_call_index"`
	Usage         *TokenUsage      `json:"usage,omitempty"`

	// ApprovalExpired is set when Resume found the approval already expired;
	// the decision was ignored and the model was told instead.
	ApprovalExpired bool `json:"approval_expired,omitempty"`

	// StepLimited is set when the turn was closed with StepLimitText.
	StepLimited bool `json:"step_limited,omitempty"`
}

// TokenUsage tracks token consumption
type TokenUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

func (u *TokenUsage) add(other *TokenUsage) *TokenUsage {
	if other == nil {
		return u
	}
	if u == nil {
		u = &TokenUsage{}
	}
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
	return u
}

// AuthProfile represents credentials for an LLM backend.
type AuthProfile struct {
	ID       string `json:"id"`
	Provider string `json:"provider"` // "anthropic", "openai", "deepseek"
	APIKey   string `json:"api_key"`
	BaseURL  string `json:"base_url,omitempty"`
}
