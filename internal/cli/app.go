package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/harun/steward/internal/config"
	"github.com/harun/steward/internal/logger"
	"github.com/harun/steward/internal/observability"
	"github.com/harun/steward/internal/tracing"
	"github.com/harun/steward/pkg/agent"
	"github.com/harun/steward/pkg/attachments"
	"github.com/harun/steward/pkg/commandqueue"
	"github.com/harun/steward/pkg/coretools"
	"github.com/harun/steward/pkg/entitlement"
	"github.com/harun/steward/pkg/identity"
	"github.com/harun/steward/pkg/sandbox"
	"github.com/harun/steward/pkg/session"
	"github.com/harun/steward/pkg/sessioncache"
	"github.com/harun/steward/pkg/toolexecutor"
	"github.com/rs/zerolog"
)

// newProvider builds the model backend for a profile. Tests replace it.
var newProvider = func(profile config.AIProfile) (agent.LLMProvider, error) {
	factory := &agent.ProviderFactory{}
	return factory.NewProvider(agent.AuthProfile{
		ID:       profile.ID,
		Provider: profile.Provider,
		APIKey:   profile.APIKey,
		BaseURL:  profile.BaseURL,
	})
}

// app holds the components a command needs. Components are built lazily so
// that administrative commands do not require model credentials.
type app struct {
	cfg    *config.Config
	log    *logger.Logger
	logger zerolog.Logger

	cache    *sessioncache.Cache
	store    *entitlement.SQLStore
	registry *toolexecutor.ToolRegistry
	sink     *attachments.Sink
	threads  *session.FileStore

	closers []func() error
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.NewLoader(cfgFile).Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if rootCmd.PersistentFlags().Changed("log-level") {
		cfg.Logging.Level = logLevel
	}
	return cfg, nil
}

func newApp() (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	log, err := logger.New(logger.Config{
		Level:     cfg.Logging.Level,
		File:      cfg.Logging.File,
		Console:   true,
		Pretty:    true,
		Redaction: cfg.Logging.Redaction,
		MaxSize:   cfg.Logging.MaxSize,
		MaxAge:    cfg.Logging.MaxAge,
		Compress:  cfg.Logging.Compress,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	a := &app{cfg: cfg, log: log, logger: log.GetZerolog()}
	a.closers = append(a.closers, log.Close)

	if cfg.Logging.AuditFile != "" {
		if err := observability.InitAuditLogger(cfg.Logging.AuditFile); err != nil {
			a.logger.Warn().Err(err).Msg("Failed to open audit log, using stderr")
		} else {
			a.closers = append(a.closers, observability.GetAuditLogger().Close)
		}
	}

	if cfg.Tracing.Enabled {
		if err := tracing.InitOpenTelemetryWithRatio(cfg.Tracing.ServiceName, cfg.Tracing.SampleRatio); err != nil {
			a.logger.Warn().Err(err).Msg("Failed to initialize tracing")
		} else {
			a.closers = append(a.closers, func() error {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				return tracing.ShutdownOpenTelemetry(ctx)
			})
		}
	}

	return a, nil
}

// Close releases everything in reverse order of creation.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

func (a *app) sessionCache(ctx context.Context) (*sessioncache.Cache, error) {
	if a.cache != nil {
		return a.cache, nil
	}

	var backend sessioncache.Backend
	switch strings.ToLower(a.cfg.SessionCache.Backend) {
	case "", "memory":
		backend = sessioncache.NewMemoryBackend(time.Minute)
	case "redis":
		rb, err := sessioncache.NewRedisBackend(ctx, sessioncache.RedisConfig{
			Addr:     a.cfg.SessionCache.RedisAddr,
			Password: a.cfg.SessionCache.RedisPassword,
			DB:       a.cfg.SessionCache.RedisDB,
		})
		if err != nil {
			return nil, err
		}
		backend = rb
	default:
		return nil, fmt.Errorf("unsupported session cache backend: %s", a.cfg.SessionCache.Backend)
	}

	cache, err := sessioncache.New(sessioncache.Config{
		Backend: backend,
		TTL:     a.cfg.SessionCache.TTL(),
		Logger:  a.logger,
	})
	if err != nil {
		_ = backend.Close()
		return nil, err
	}
	a.closers = append(a.closers, cache.Close)
	a.cache = cache
	return cache, nil
}

func (a *app) entitlements(ctx context.Context) (*entitlement.SQLStore, error) {
	if a.store != nil {
		return a.store, nil
	}
	store, err := entitlement.Open(ctx, a.cfg.Entitlements.Driver, a.cfg.Entitlements.DSN, a.logger)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, store.Close)
	a.store = store
	return store, nil
}

func (a *app) attachmentSink(ctx context.Context) (*attachments.Sink, error) {
	if a.sink != nil {
		return a.sink, nil
	}

	ac := a.cfg.Attachments
	var store attachments.Store
	switch strings.ToLower(ac.Backend) {
	case "", "local":
		local, err := attachments.NewLocalStore(ac.Dir)
		if err != nil {
			return nil, err
		}
		store = local
	case "s3":
		s3, err := attachments.NewS3Store(ctx, attachments.S3StoreConfig{
			Bucket:          ac.S3Bucket,
			Region:          ac.S3Region,
			Endpoint:        ac.S3Endpoint,
			Prefix:          ac.S3Prefix,
			AccessKeyID:     ac.S3AccessKey,
			SecretAccessKey: ac.S3SecretKey,
			UsePathStyle:    ac.S3PathStyle,
		})
		if err != nil {
			return nil, err
		}
		store = s3
	default:
		return nil, fmt.Errorf("unsupported attachments backend: %s", ac.Backend)
	}
	a.closers = append(a.closers, store.Close)

	sink, err := attachments.NewSink(attachments.Config{Store: store, Logger: a.logger})
	if err != nil {
		return nil, err
	}
	a.sink = sink
	return sink, nil
}

func (a *app) threadStore() (*session.FileStore, error) {
	if a.threads != nil {
		return a.threads, nil
	}
	store, err := session.NewFileStore(session.Config{Dir: a.cfg.Agent.CheckpointDir, Logger: a.logger})
	if err != nil {
		return nil, err
	}
	a.threads = store
	return store, nil
}

// toolRegistry builds the registry: built-in sandbox tools, then the
// manifest, then per-tool approval policies from config.
func (a *app) toolRegistry() (*toolexecutor.ToolRegistry, error) {
	if a.registry != nil {
		return a.registry, nil
	}

	reg := toolexecutor.NewToolRegistry()
	if err := coretools.Register(reg); err != nil {
		return nil, err
	}

	if path := a.cfg.Catalog.ManifestPath; path != "" {
		if _, err := os.Stat(path); err == nil {
			manifest, err := toolexecutor.LoadManifest(path)
			if err != nil {
				return nil, err
			}
			unknown, err := reg.ApplyManifest(manifest)
			if err != nil {
				return nil, err
			}
			if len(unknown) > 0 {
				a.logger.Warn().Strs("tools", unknown).Msg("Manifest names tools that are not registered")
			}
		}
	}

	unknown, err := reg.ApplyPolicies(a.cfg.Agent.ApprovalPolicies)
	if err != nil {
		return nil, fmt.Errorf("invalid approval policy: %w", err)
	}
	if len(unknown) > 0 {
		a.logger.Warn().Strs("tools", unknown).Msg("Approval policies name tools that are not registered")
	}

	a.registry = reg
	return reg, nil
}

// orchestrator wires the full agent loop from config.
func (a *app) orchestrator(ctx context.Context) (*agent.Orchestrator, error) {
	if err := a.cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if errs := config.NewValidator().ValidateConfig(a.cfg); len(errs) > 0 {
		return nil, fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	profile, err := a.cfg.ActiveProfile()
	if err != nil {
		return nil, err
	}
	provider, err := newProvider(profile)
	if err != nil {
		return nil, err
	}

	cache, err := a.sessionCache(ctx)
	if err != nil {
		return nil, err
	}
	resolver, err := identity.NewResolver(identity.Config{
		Strategies: identity.DefaultStrategies(cache),
		Binder:     cache,
		Logger:     a.logger,
	})
	if err != nil {
		return nil, err
	}

	store, err := a.entitlements(ctx)
	if err != nil {
		return nil, err
	}
	reg, err := a.toolRegistry()
	if err != nil {
		return nil, err
	}
	executor, err := toolexecutor.New(toolexecutor.Config{
		Registry: reg,
		Logger:   a.logger,
		Timeout:  a.cfg.Agent.ToolTimeout(),
	})
	if err != nil {
		return nil, err
	}

	threads, err := a.threadStore()
	if err != nil {
		return nil, err
	}
	sandboxes, err := sandbox.NewProvider(sandbox.Config{Dir: a.cfg.Sandbox.Dir, Logger: a.logger})
	if err != nil {
		return nil, err
	}
	sink, err := a.attachmentSink(ctx)
	if err != nil {
		return nil, err
	}

	queue := commandqueue.New()
	a.closers = append(a.closers, queue.Close)

	return agent.NewOrchestrator(agent.Config{
		Provider:     provider,
		Resolver:     resolver,
		Catalog:      toolexecutor.NewCatalog(store, a.logger),
		Executor:     executor,
		Store:        threads,
		Sandboxes:    sandboxes,
		Sink:         sink,
		Queue:        queue,
		Logger:       a.logger,
		Model:        a.cfg.Agent.Model,
		SystemPrompt: a.cfg.Agent.SystemPrompt,
		MaxTokens:    a.cfg.Agent.MaxTokens,
		Temperature:  a.cfg.Agent.Temperature,
		MaxRetries:   a.cfg.Agent.MaxRetries,
		MaxSteps:     a.cfg.Agent.MaxSteps,
		ApprovalTTL:  a.cfg.Agent.ApprovalTTL(),
	})
}
