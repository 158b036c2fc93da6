package toolexecutor

import (
	"fmt"
	"os"
	"sort"

	"github.com/harun/steward/pkg/entitlement"
	"gopkg.in/yaml.v3"
)

// Manifest overrides registry metadata without a rebuild.
//
//	tools:
//	  - name: send_email
//	    category: email
//	    requires: {secret: email}
//	    approval: always
//	  - name: get_documents
//	    requires: {request: collections}
//	    interruptible: true
type Manifest struct {
	Tools []ManifestTool `yaml:"tools"`
}

// ManifestTool is one tool's override. Unset fields keep the registered value.
type ManifestTool struct {
	Name     string               `yaml:"name"`
	Category string               `yaml:"category,omitempty"`
	Requires *ManifestRequirement `yaml:"requires,omitempty"`
	Approval string               `yaml:"approval,omitempty"`
	Frontend *bool                `yaml:"frontend,omitempty"`

	// Interruptible opts a side-effect-free tool into the executor timeout.
	Interruptible *bool `yaml:"interruptible,omitempty"`
}

// ManifestRequirement sets exactly one of its fields, or none for unconditional.
type ManifestRequirement struct {
	Capability string `yaml:"capability,omitempty"`
	Secret     string `yaml:"secret,omitempty"`
	Request    string `yaml:"request,omitempty"`
}

// Requirement converts the manifest form.
func (m *ManifestRequirement) Requirement() (Requirement, error) {
	set := 0
	req := Unconditional()
	if m.Capability != "" {
		set++
		req = RequiresCapability(entitlement.Capability(m.Capability))
	}
	if m.Secret != "" {
		set++
		req = RequiresSecret(entitlement.Capability(m.Secret))
	}
	if m.Request != "" {
		set++
		req = RequiresRequest(m.Request)
	}
	if set > 1 {
		return Requirement{}, fmt.Errorf("requires must set at most one of capability, secret, request")
	}
	return req, nil
}

// ParseManifest decodes and validates a manifest.
func ParseManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}

	seen := make(map[string]bool, len(m.Tools))
	for i, t := range m.Tools {
		if t.Name == "" {
			return nil, fmt.Errorf("tools[%d]: name is required", i)
		}
		if seen[t.Name] {
			return nil, fmt.Errorf("tools[%d]: duplicate tool %s", i, t.Name)
		}
		seen[t.Name] = true
		if t.Category != "" && !IsValidCategory(t.Category) {
			return nil, fmt.Errorf("tool %s: invalid category: %s", t.Name, t.Category)
		}
		if _, err := ParseApprovalPolicy(t.Approval); err != nil {
			return nil, fmt.Errorf("tool %s: %w", t.Name, err)
		}
		if t.Requires != nil {
			if _, err := t.Requires.Requirement(); err != nil {
				return nil, fmt.Errorf("tool %s: %w", t.Name, err)
			}
		}
	}
	return &m, nil
}

// LoadManifest reads a manifest file.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	return ParseManifest(data)
}

// ApplyManifest applies every override atomically and returns the names
// that are not registered.
func (tr *ToolRegistry) ApplyManifest(m *Manifest) ([]string, error) {
	if m == nil {
		return nil, nil
	}

	tr.mu.Lock()
	defer tr.mu.Unlock()

	updated := make(map[string]RegistryEntry, len(m.Tools))
	var unknown []string
	for _, t := range m.Tools {
		tool, ok := tr.tools[t.Name]
		if !ok {
			unknown = append(unknown, t.Name)
			continue
		}
		entry := tool.entry
		if t.Category != "" {
			entry.Category = ToolCategory(t.Category)
		}
		if t.Requires != nil {
			req, err := t.Requires.Requirement()
			if err != nil {
				return nil, fmt.Errorf("tool %s: %w", t.Name, err)
			}
			entry.Requirement = req
		}
		if t.Approval != "" {
			policy, err := ParseApprovalPolicy(t.Approval)
			if err != nil {
				return nil, fmt.Errorf("tool %s: %w", t.Name, err)
			}
			entry.Approval = policy
		}
		if t.Interruptible != nil {
			entry.Interruptible = *t.Interruptible
		}
		if t.Frontend != nil {
			entry.Frontend = *t.Frontend
		}
		updated[t.Name] = entry
	}

	for name, entry := range updated {
		tr.tools[name].entry = entry
	}
	sort.Strings(unknown)
	return unknown, nil
}
