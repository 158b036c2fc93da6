package identity

import (
	"context"
	"fmt"

	"github.com/harun/steward/internal/observability"
	"github.com/harun/steward/internal/tracing"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

// Config configures a Resolver.
type Config struct {
	Strategies []Strategy
	Binder     Binder // optional
	Logger     zerolog.Logger
}

// Resolver runs strategies in order and returns the first valid identity.
type Resolver struct {
	strategies []Strategy
	binder     Binder
	logger     zerolog.Logger
}

// Resolution is the outcome of a successful Resolve.
type Resolution struct {
	UserID string
	Source string // name of the winning strategy
}

// NewResolver creates a resolver.
func NewResolver(cfg Config) (*Resolver, error) {
	if len(cfg.Strategies) == 0 {
		return nil, fmt.Errorf("at least one strategy is required")
	}
	for i, s := range cfg.Strategies {
		if s == nil {
			return nil, fmt.Errorf("strategy %d is nil", i)
		}
	}
	return &Resolver{
		strategies: cfg.Strategies,
		binder:     cfg.Binder,
		logger:     cfg.Logger,
	}, nil
}

// Resolve returns the user id for req or ErrUnauthenticated.
func (r *Resolver) Resolve(ctx context.Context, req Request) (string, error) {
	res, err := r.ResolveWithSource(ctx, req)
	if err != nil {
		return "", err
	}
	return res.UserID, nil
}

// ResolveWithSource is Resolve that also reports which strategy matched.
// On success the thread is bound to the user through the Binder.
func (r *Resolver) ResolveWithSource(ctx context.Context, req Request) (Resolution, error) {
	ctx, span := tracing.StartSpan(ctx, tracing.TracerIdentity, "identity.resolve",
		attribute.String("thread_id", req.ThreadID),
	)
	defer span.End()

	logger := tracing.LoggerFromContext(ctx, r.logger)

	for _, s := range r.strategies {
		candidate, ok := s.Resolve(ctx, req)
		if !ok {
			continue
		}
		userID := Normalize(candidate)
		if userID == "" {
			logger.Debug().Str("strategy", s.Name()).Msg("Discarding placeholder identity")
			continue
		}

		if r.binder != nil && req.ThreadID != "" {
			if !r.binder.AttachThread(ctx, userID, req.ThreadID) {
				logger.Warn().Str("user_id", userID).Msg("Failed to bind thread to user")
			}
		}

		observability.RecordIdentityResolution(s.Name())
		span.SetAttributes(attribute.String("identity.source", s.Name()))
		logger.Debug().Str("user_id", userID).Str("strategy", s.Name()).Msg("Identity resolved")
		return Resolution{UserID: userID, Source: s.Name()}, nil
	}

	observability.RecordIdentityResolution("")
	tracing.FailSpan(span, ErrUnauthenticated)
	logger.Warn().Msg("No valid identity for thread")
	return Resolution{}, ErrUnauthenticated
}
