package toolexecutor

import (
	"context"
	"fmt"

	"github.com/harun/steward/internal/observability"
	"github.com/harun/steward/internal/tracing"
	"github.com/harun/steward/pkg/entitlement"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

// Catalog computes the tools offered to the model for one turn.
type Catalog struct {
	store   entitlement.Store
	secrets entitlement.SecretRules
	logger  zerolog.Logger
}

// NewCatalog creates a catalog reading stored entitlements from store and
// deciding secret-backed tools with entitlement.DefaultSecretRules.
// A nil store withholds every capability-gated tool.
func NewCatalog(store entitlement.Store, logger zerolog.Logger) *Catalog {
	return &Catalog{store: store, secrets: entitlement.DefaultSecretRules(), logger: logger}
}

// WithSecretRules replaces the rules for secret-backed tools.
func (c *Catalog) WithSecretRules(rules entitlement.SecretRules) *Catalog {
	c.secrets = rules
	return c
}

// FilterInput is what one turn knows about its caller.
type FilterInput struct {
	UserID  string
	Secrets entitlement.Secrets
	Request RequestContext
}

// Filter returns the registry entries available to in.UserID, sorted by name.
// Frontend tools declared per request are not in the registry; the
// orchestrator appends them.
func (c *Catalog) Filter(ctx context.Context, registry *ToolRegistry, in FilterInput) ([]RegistryEntry, error) {
	if registry == nil {
		return nil, fmt.Errorf("registry is required")
	}

	ctx, span := tracing.StartSpan(ctx, tracing.TracerTools, "Catalog.Filter",
		attribute.String("user_id", in.UserID),
	)
	defer span.End()

	logger := tracing.LoggerFromContext(ctx, c.logger)

	// One store read per capability per turn.
	granted := make(map[entitlement.Capability]bool)
	failed := make(map[entitlement.Capability]bool)

	var offered []RegistryEntry
	for _, entry := range registry.List() {
		req := entry.Requirement
		include := false
		switch req.Kind {
		case RequireNone:
			include = true
		case RequireSecret:
			include = c.secrets.Holds(req.Capability, in.Secrets)
		case RequireRequest:
			include = in.Request.Has(req.Field)
		case RequireCapability:
			if failed[req.Capability] {
				break
			}
			ok, seen := granted[req.Capability]
			if !seen {
				var err error
				ok, err = c.hasEntitlement(ctx, in.UserID, req.Capability)
				if err != nil {
					failed[req.Capability] = true
					logger.Warn().
						Err(err).
						Str("capability", string(req.Capability)).
						Str("tool", entry.Definition.Name).
						Msg("Entitlement check failed, withholding tool")
					span.RecordError(err)
					break
				}
				granted[req.Capability] = ok
			}
			include = ok
		}

		if include {
			offered = append(offered, entry)
		}
	}

	span.SetAttributes(attribute.Int("tools.offered", len(offered)))
	observability.RecordToolsOffered(len(offered))

	logger.Debug().Int("offered", len(offered)).Int("registered", registry.Len()).Msg("Tool catalog computed")

	return offered, nil
}

func (c *Catalog) hasEntitlement(ctx context.Context, userID string, capability entitlement.Capability) (bool, error) {
	if c.store == nil {
		return false, fmt.Errorf("entitlement store is not configured")
	}
	return c.store.HasEntitlement(ctx, userID, capability)
}

// Names returns the tool names of entries.
func Names(entries []RegistryEntry) []string {
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Definition.Name)
	}
	return names
}
