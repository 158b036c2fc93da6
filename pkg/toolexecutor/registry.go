package toolexecutor

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/harun/steward/pkg/entitlement"
	"github.com/xeipuuv/gojsonschema"
)

// ToolCategory groups tools for listing and manifests.
type ToolCategory string

const (
	CategoryCalendar  ToolCategory = "calendar"
	CategoryEmail     ToolCategory = "email"
	CategoryFinance   ToolCategory = "finance"
	CategoryCode      ToolCategory = "code"
	CategoryDocuments ToolCategory = "documents"
	CategoryWeb       ToolCategory = "web"
	CategoryGeneral   ToolCategory = "general"
)

// AllCategories returns all valid tool categories
func AllCategories() []ToolCategory {
	return []ToolCategory{
		CategoryCalendar,
		CategoryEmail,
		CategoryFinance,
		CategoryCode,
		CategoryDocuments,
		CategoryWeb,
		CategoryGeneral,
	}
}

// IsValidCategory checks if a category is valid
func IsValidCategory(category string) bool {
	cat := ToolCategory(strings.ToLower(category))
	for _, valid := range AllCategories() {
		if cat == valid {
			return true
		}
	}
	return false
}

// RequirementKind says what must hold for a tool to be offered.
type RequirementKind string

const (
	RequireNone       RequirementKind = "none"
	RequireCapability RequirementKind = "capability"
	RequireSecret     RequirementKind = "secret"
	RequireRequest    RequirementKind = "request"
)

// Requirement gates a tool in the per-turn catalog.
type Requirement struct {
	Kind       RequirementKind        `json:"kind" yaml:"kind"`
	Capability entitlement.Capability `json:"capability,omitempty" yaml:"capability,omitempty"`
	Field      string                 `json:"field,omitempty" yaml:"field,omitempty"`
}

// Unconditional is the zero requirement.
func Unconditional() Requirement {
	return Requirement{Kind: RequireNone}
}

// RequiresCapability gates a tool on a stored entitlement.
func RequiresCapability(c entitlement.Capability) Requirement {
	return Requirement{Kind: RequireCapability, Capability: c}
}

// RequiresSecret gates a tool on a capability derived from request secrets.
func RequiresSecret(c entitlement.Capability) Requirement {
	return Requirement{Kind: RequireSecret, Capability: c}
}

// RequiresRequest gates a tool on a non-empty request field such as "collections".
func RequiresRequest(field string) Requirement {
	return Requirement{Kind: RequireRequest, Field: field}
}

func (r Requirement) normalized() Requirement {
	if r.Kind == "" {
		r.Kind = RequireNone
	}
	return r
}

func (r Requirement) validate() error {
	switch r.Kind {
	case RequireNone:
		return nil
	case RequireCapability, RequireSecret:
		if r.Capability == "" {
			return fmt.Errorf("capability is required for %s requirement", r.Kind)
		}
		return nil
	case RequireRequest:
		if r.Field == "" {
			return fmt.Errorf("field is required for request requirement")
		}
		return nil
	default:
		return fmt.Errorf("invalid requirement kind %q", r.Kind)
	}
}

// RequestContext carries request-scoped inputs that gate tools.
type RequestContext struct {
	Collections []string          `json:"collections,omitempty"`
	Extra       map[string]string `json:"extra,omitempty"`
}

// Has reports whether field is present and non-empty.
func (r RequestContext) Has(field string) bool {
	if field == "collections" {
		return len(r.Collections) > 0
	}
	return strings.TrimSpace(r.Extra[field]) != ""
}

// ToolParameter defines a parameter for a tool
type ToolParameter struct {
	Name        string      `json:"name"`
	Type        string      `json:"type"`
	Description string      `json:"description"`
	Required    bool        `json:"required"`
	Default     interface{} `json:"default,omitempty"`
	Items       string      `json:"items,omitempty"`
}

// ToolHandler is the function signature for tool execution
type ToolHandler func(ctx context.Context, params map[string]interface{}) (Output, error)

// ToolDefinition defines a tool's metadata and handler. Schema, when set,
// replaces the schema generated from Parameters.
type ToolDefinition struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Parameters  []ToolParameter        `json:"parameters,omitempty"`
	Schema      map[string]interface{} `json:"schema,omitempty"`
	Handler     ToolHandler            `json:"-"`
}

// InputSchema returns the JSON schema advertised to the model.
func (d ToolDefinition) InputSchema() map[string]interface{} {
	if d.Schema != nil {
		return d.Schema
	}
	return generateSchemaMap(d.Parameters)
}

// RegistryEntry is a tool plus the metadata the catalog and approval gate read.
type RegistryEntry struct {
	Definition  ToolDefinition
	Category    ToolCategory
	Requirement Requirement
	Approval    ApprovalPolicy
	Frontend    bool

	// Interruptible tools have no side effects and may be abandoned at the
	// executor timeout. Every other tool runs to completion.
	Interruptible bool
}

type registeredTool struct {
	entry  RegistryEntry
	schema *gojsonschema.Schema
}

// ToolRegistry is the set of known tools. It is built once at startup and
// passed to the catalog, the executor and the orchestrator.
type ToolRegistry struct {
	mu    sync.RWMutex
	tools map[string]*registeredTool
}

// NewToolRegistry creates a new tool registry
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{tools: make(map[string]*registeredTool)}
}

// Register validates entry, compiles its argument schema and stores it.
func (tr *ToolRegistry) Register(entry RegistryEntry) error {
	if err := validateToolDefinition(entry.Definition, entry.Frontend); err != nil {
		return fmt.Errorf("invalid tool definition: %w", err)
	}
	if entry.Category == "" {
		entry.Category = CategoryGeneral
	}
	if !IsValidCategory(string(entry.Category)) {
		return fmt.Errorf("invalid category: %s", entry.Category)
	}
	entry.Category = ToolCategory(strings.ToLower(string(entry.Category)))
	entry.Requirement = entry.Requirement.normalized()
	if err := entry.Requirement.validate(); err != nil {
		return fmt.Errorf("tool %s: %w", entry.Definition.Name, err)
	}
	if entry.Approval == "" {
		entry.Approval = ApprovalNever
	}
	if _, err := ParseApprovalPolicy(string(entry.Approval)); err != nil {
		return fmt.Errorf("tool %s: %w", entry.Definition.Name, err)
	}

	schema, err := compileSchema(entry.Definition.InputSchema())
	if err != nil {
		return fmt.Errorf("failed to generate schema for %s: %w", entry.Definition.Name, err)
	}

	tr.mu.Lock()
	defer tr.mu.Unlock()

	if _, exists := tr.tools[entry.Definition.Name]; exists {
		return fmt.Errorf("tool already registered: %s", entry.Definition.Name)
	}
	tr.tools[entry.Definition.Name] = &registeredTool{entry: entry, schema: schema}
	return nil
}

// Get returns the entry for name.
func (tr *ToolRegistry) Get(name string) (RegistryEntry, bool) {
	tr.mu.RLock()
	defer tr.mu.RUnlock()

	tool, ok := tr.tools[name]
	if !ok {
		return RegistryEntry{}, false
	}
	return tool.entry, true
}

func (tr *ToolRegistry) lookup(name string) (*registeredTool, bool) {
	tr.mu.RLock()
	defer tr.mu.RUnlock()

	tool, ok := tr.tools[name]
	if !ok {
		return nil, false
	}
	copied := *tool
	return &copied, true
}

// List returns all entries sorted by name.
func (tr *ToolRegistry) List() []RegistryEntry {
	tr.mu.RLock()
	defer tr.mu.RUnlock()

	entries := make([]RegistryEntry, 0, len(tr.tools))
	for _, tool := range tr.tools {
		entries = append(entries, tool.entry)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Definition.Name < entries[j].Definition.Name
	})
	return entries
}

// Len returns the number of registered tools.
func (tr *ToolRegistry) Len() int {
	tr.mu.RLock()
	defer tr.mu.RUnlock()
	return len(tr.tools)
}

// SetApproval overrides the approval policy of a registered tool.
func (tr *ToolRegistry) SetApproval(name string, policy ApprovalPolicy) error {
	parsed, err := ParseApprovalPolicy(string(policy))
	if err != nil {
		return err
	}

	tr.mu.Lock()
	defer tr.mu.Unlock()

	tool, ok := tr.tools[name]
	if !ok {
		return fmt.Errorf("tool not found: %s", name)
	}
	tool.entry.Approval = parsed
	return nil
}

// ApplyPolicies applies name -> policy overrides and returns the names that
// are not registered.
func (tr *ToolRegistry) ApplyPolicies(policies map[string]string) ([]string, error) {
	var unknown []string
	for name, value := range policies {
		if _, ok := tr.Get(name); !ok {
			unknown = append(unknown, name)
			continue
		}
		if err := tr.SetApproval(name, ApprovalPolicy(value)); err != nil {
			return unknown, err
		}
	}
	sort.Strings(unknown)
	return unknown, nil
}

func validateToolDefinition(def ToolDefinition, frontend bool) error {
	if def.Name == "" {
		return fmt.Errorf("tool name cannot be empty")
	}
	if def.Description == "" {
		return fmt.Errorf("tool description cannot be empty")
	}
	if def.Handler == nil && !frontend {
		return fmt.Errorf("tool handler cannot be nil")
	}

	validTypes := map[string]bool{
		"string": true, "number": true, "boolean": true,
		"object": true, "array": true, "integer": true,
	}
	for _, param := range def.Parameters {
		if param.Name == "" {
			return fmt.Errorf("parameter name cannot be empty")
		}
		if param.Type == "" {
			return fmt.Errorf("parameter type cannot be empty for %s", param.Name)
		}
		if param.Description == "" {
			return fmt.Errorf("parameter description cannot be empty for %s", param.Name)
		}
		if !validTypes[param.Type] {
			return fmt.Errorf("invalid parameter type %s for %s", param.Type, param.Name)
		}
	}
	return nil
}

func generateSchemaMap(params []ToolParameter) map[string]interface{} {
	properties := make(map[string]interface{}, len(params))
	required := []string{}

	for _, param := range params {
		paramSchema := map[string]interface{}{
			"type":        param.Type,
			"description": param.Description,
		}
		if param.Type == "array" && param.Items != "" {
			paramSchema["items"] = map[string]interface{}{"type": param.Items}
		}
		if param.Default != nil {
			paramSchema["default"] = param.Default
		}
		properties[param.Name] = paramSchema

		if param.Required {
			required = append(required, param.Name)
		}
	}

	schemaMap := map[string]interface{}{
		"type":                 "object",
		"additionalProperties": false,
		"properties":           properties,
	}
	if len(required) > 0 {
		schemaMap["required"] = required
	}
	return schemaMap
}

func compileSchema(schemaMap map[string]interface{}) (*gojsonschema.Schema, error) {
	return gojsonschema.NewSchema(gojsonschema.NewGoLoader(schemaMap))
}
