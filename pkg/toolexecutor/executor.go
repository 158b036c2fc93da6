package toolexecutor

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/harun/steward/internal/observability"
	"github.com/harun/steward/internal/tracing"
	"github.com/rs/zerolog"
	"github.com/xeipuuv/gojsonschema"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const defaultTimeout = 30 * time.Second

// Config configures an Executor.
type Config struct {
	Registry *ToolRegistry
	Logger   zerolog.Logger
	// Timeout bounds one run of an interruptible tool. Zero means 30s.
	// Other tools are never abandoned once started.
	Timeout time.Duration
}

// Executor runs tool calls against the registry.
type Executor struct {
	registry *ToolRegistry
	logger   zerolog.Logger
	timeout  time.Duration
}

// New creates a new Executor
func New(cfg Config) (*Executor, error) {
	if cfg.Registry == nil {
		return nil, fmt.Errorf("registry is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Executor{
		registry: cfg.Registry,
		logger:   cfg.Logger.With().Str("component", "toolexecutor").Logger(),
		timeout:  timeout,
	}, nil
}

// Registry returns the registry the executor dispatches against.
func (e *Executor) Registry() *ToolRegistry {
	return e.registry
}

type handlerOutcome struct {
	output Output
	err    error
}

// Dispatch runs exactly one tool call. argsJSON is the raw argument object
// produced by the model. Every outcome, including panics and timeouts, is
// reported as a Result.
func (e *Executor) Dispatch(ctx context.Context, name, argsJSON string) Result {
	startTime := time.Now()

	ctx, span := tracing.StartSpan(ctx, tracing.TracerTools, "Executor.Dispatch",
		attribute.String("tool.name", name),
	)
	defer span.End()

	logger := tracing.LoggerFromContext(ctx, e.logger).With().Str("tool", name).Logger()

	fail := func(kind ErrorKind, message string) Result {
		span.SetStatus(codes.Error, message)
		span.SetAttributes(attribute.String("tool.error_kind", string(kind)))
		observability.RecordToolDispatch(name, time.Since(startTime), string(kind))
		logger.Warn().
			Str("kind", string(kind)).
			Dur("duration", time.Since(startTime)).
			Msg(message)
		return Failure{Kind: kind, Message: message}
	}

	tool, ok := e.registry.lookup(name)
	if !ok {
		return fail(KindNotFound, fmt.Sprintf("tool not found: %s", name))
	}
	if tool.entry.Definition.Handler == nil {
		return fail(KindUnknown, fmt.Sprintf("tool %s runs on the client", name))
	}

	params, err := decodeArguments(argsJSON)
	if err != nil {
		return fail(KindInvalidArguments, err.Error())
	}
	if err := validateParameters(tool.schema, params); err != nil {
		return fail(KindInvalidArguments, fmt.Sprintf("parameter validation failed: %v", err))
	}

	logger.Debug().Msg("Executing tool")

	runCtx := ctx
	var deadline <-chan struct{}
	if tool.entry.Interruptible {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
		deadline = runCtx.Done()
	}

	done := make(chan handlerOutcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- handlerOutcome{err: NewToolError(KindUnknown, fmt.Sprintf("tool panicked: %v", r))}
			}
		}()
		out, err := tool.entry.Definition.Handler(runCtx, params)
		done <- handlerOutcome{output: out, err: err}
	}()

	// A nil deadline channel blocks forever, so non-interruptible tools
	// are only finished by their own return.
	select {
	case outcome := <-done:
		if outcome.err != nil {
			return fail(Classify(outcome.err), messageFor(outcome.err))
		}

		duration := time.Since(startTime)
		observability.RecordToolDispatch(name, duration, "ok")
		span.SetAttributes(attribute.Int("tool.attachments", len(outcome.output.Attachments)))
		logger.Debug().
			Dur("duration", duration).
			Int("attachments", len(outcome.output.Attachments)).
			Msg("Tool execution completed")

		return Success{Value: outcome.output.Value, Attachments: outcome.output.Attachments}

	case <-deadline:
		if ctx.Err() != nil {
			return fail(KindUnknown, fmt.Sprintf("tool execution cancelled: %v", ctx.Err()))
		}
		return fail(KindUnknown, fmt.Sprintf("tool execution timeout after %v", e.timeout))
	}
}

func decodeArguments(argsJSON string) (map[string]interface{}, error) {
	trimmed := strings.TrimSpace(argsJSON)
	if trimmed == "" || trimmed == "null" {
		return map[string]interface{}{}, nil
	}

	var params map[string]interface{}
	if err := json.Unmarshal([]byte(trimmed), &params); err != nil {
		return nil, fmt.Errorf("arguments are not a JSON object: %v", err)
	}
	if params == nil {
		params = map[string]interface{}{}
	}
	return params, nil
}

// validateParameters validates parameters against a JSON Schema
func validateParameters(schema *gojsonschema.Schema, params map[string]interface{}) error {
	if schema == nil {
		return nil
	}

	result, err := schema.Validate(gojsonschema.NewGoLoader(params))
	if err != nil {
		return err
	}

	if !result.Valid() {
		errs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			errs = append(errs, e.String())
		}
		return fmt.Errorf("validation errors: %v", errs)
	}

	return nil
}
