// Package sanitizer rewrites a conversation log into the shape a model
// backend accepts. It never mutates its input.
package sanitizer

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
)

// Role is the author of a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ToolCall is a call requested by the assistant.
type ToolCall struct {
	ID        string
	Name      string
	Arguments string
}

// AttachmentRef points at a stored attachment.
type AttachmentRef struct {
	Type   string
	FileID string
}

// Message mirrors the orchestrator's message with every field a backend
// might need.
type Message struct {
	Role             Role
	Content          string
	ReasoningContent *string
	ToolCalls        []ToolCall
	ToolCallID       string
	Name             string
	Attachments      []AttachmentRef
	ErrorKind        string
	// Metadata is internal bookkeeping and never reaches a backend.
	Metadata map[string]string
}

// Profile is a per-backend rewrite. Apply fixes one copied message in place;
// Check reports a violation of the profile's invariant.
type Profile interface {
	Name() string
	Apply(m *Message)
	Check(m Message) error
}

// Sanitize returns a rewritten deep copy of messages.
func Sanitize(messages []Message, profile Profile) []Message {
	if profile == nil {
		profile = Passthrough
	}

	out := make([]Message, len(messages))
	for i, m := range messages {
		out[i] = clone(m)
		out[i].Metadata = nil
		profile.Apply(&out[i])
	}

	for i := range out {
		if err := profile.Check(out[i]); err != nil {
			log.Warn().
				Str("profile", profile.Name()).
				Int("index", i).
				Err(err).
				Msg("Sanitized message violates profile, correcting")
			profile.Apply(&out[i])
		}
	}

	return out
}

func clone(m Message) Message {
	c := m
	if m.ReasoningContent != nil {
		r := *m.ReasoningContent
		c.ReasoningContent = &r
	}
	if m.ToolCalls != nil {
		c.ToolCalls = append([]ToolCall(nil), m.ToolCalls...)
	}
	if m.Attachments != nil {
		c.Attachments = append([]AttachmentRef(nil), m.Attachments...)
	}
	if m.Metadata != nil {
		c.Metadata = make(map[string]string, len(m.Metadata))
		for k, v := range m.Metadata {
			c.Metadata[k] = v
		}
	}
	return c
}

// Registry holds the profiles selectable by backend or provider name.
// Each orchestrator owns one; there is no package-level table.
type Registry struct {
	mu       sync.RWMutex
	profiles map[string]Profile
}

// NewRegistry creates a registry holding profiles.
func NewRegistry(profiles ...Profile) *Registry {
	r := &Registry{profiles: make(map[string]Profile, len(profiles))}
	for _, p := range profiles {
		r.Register(p)
	}
	return r
}

// DefaultRegistry returns a fresh registry with the built-in profiles:
// passthrough (also under "openai" and "anthropic") and deepseek.
func DefaultRegistry() *Registry {
	return NewRegistry(
		Passthrough,
		alias{name: "openai", Profile: Passthrough},
		alias{name: "anthropic", Profile: Passthrough},
		DeepSeek,
	)
}

// Register makes p selectable under its name, replacing any profile with
// the same name.
func (r *Registry) Register(p Profile) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.profiles[strings.ToLower(p.Name())] = p
}

// Lookup returns the profile for a backend or provider name.
// Unknown names fall back to Passthrough with ok=false.
func (r *Registry) Lookup(name string) (Profile, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.profiles[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return Passthrough, false
	}
	return p, true
}

// Names lists the registered profile names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.profiles))
	for name := range r.profiles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

type alias struct {
	Profile
	name string
}

func (a alias) Name() string { return a.name }

// Passthrough leaves the structure untouched.
var Passthrough Profile = passthrough{}

type passthrough struct{}

func (passthrough) Name() string { return "passthrough" }

func (passthrough) Apply(*Message) {}

func (passthrough) Check(m Message) error {
	if m.Metadata != nil {
		return fmt.Errorf("internal metadata present")
	}
	return nil
}

// DeepSeek requires reasoning_content on every assistant message, empty
// when the model produced none, and bare tool messages.
var DeepSeek Profile = deepseek{}

type deepseek struct{}

func (deepseek) Name() string { return "deepseek" }

func (deepseek) Apply(m *Message) {
	m.Metadata = nil
	switch m.Role {
	case RoleAssistant:
		if m.ReasoningContent == nil {
			empty := ""
			m.ReasoningContent = &empty
		}
	case RoleTool:
		*m = Message{Role: RoleTool, Content: m.Content, ToolCallID: m.ToolCallID}
	}
}

func (deepseek) Check(m Message) error {
	if m.Metadata != nil {
		return fmt.Errorf("internal metadata present")
	}
	switch m.Role {
	case RoleAssistant:
		if m.ReasoningContent == nil {
			return fmt.Errorf("assistant message without reasoning_content")
		}
	case RoleTool:
		if m.Name != "" || m.ErrorKind != "" || len(m.Attachments) > 0 || len(m.ToolCalls) > 0 || m.ReasoningContent != nil {
			return fmt.Errorf("tool message carries extra fields")
		}
	}
	return nil
}
