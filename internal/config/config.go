package config

import (
	"encoding/json"
	"fmt"
	"time"
)

// Config represents the main steward configuration
type Config struct {
	// AI configuration
	AI AIConfig `json:"ai" mapstructure:"ai"`

	// Agent loop
	Agent AgentConfig `json:"agent" mapstructure:"agent"`

	// Thread-to-user cache
	SessionCache SessionCacheConfig `json:"session_cache" mapstructure:"session_cache"`

	// Per-user capability store
	Entitlements EntitlementsConfig `json:"entitlements" mapstructure:"entitlements"`

	// Attachment sink
	Attachments AttachmentsConfig `json:"attachments" mapstructure:"attachments"`

	// Sandbox workspaces
	Sandbox SandboxConfig `json:"sandbox" mapstructure:"sandbox"`

	// Tool catalog manifest
	Catalog CatalogConfig `json:"catalog" mapstructure:"catalog"`

	// Logging
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`

	// Tracing
	Tracing TracingConfig `json:"tracing" mapstructure:"tracing"`

	// Maintenance schedules
	Maintenance MaintenanceConfig `json:"maintenance" mapstructure:"maintenance"`

	// Data directory
	DataDir string `json:"data_dir" mapstructure:"data_dir"`
}

// AIConfig holds AI provider configuration
type AIConfig struct {
	Profiles []AIProfile `json:"profiles" mapstructure:"profiles"`
}

// AIProfile represents an AI provider profile
type AIProfile struct {
	ID       string `json:"id" mapstructure:"id"`
	Provider string `json:"provider" mapstructure:"provider"` // anthropic, openai, deepseek
	APIKey   string `json:"api_key" mapstructure:"api_key"`
	BaseURL  string `json:"base_url,omitempty" mapstructure:"base_url"`
	Priority int    `json:"priority" mapstructure:"priority"`
}

// AgentConfig holds orchestrator settings
type AgentConfig struct {
	Profile            string            `json:"profile" mapstructure:"profile"` // AI profile ID, empty picks the highest priority
	Model              string            `json:"model" mapstructure:"model"`
	SystemPrompt       string            `json:"system_prompt" mapstructure:"system_prompt"`
	MaxTokens          int               `json:"max_tokens" mapstructure:"max_tokens"`
	Temperature        float64           `json:"temperature" mapstructure:"temperature"`
	MaxRetries         int               `json:"max_retries" mapstructure:"max_retries"`
	MaxSteps           int               `json:"max_steps" mapstructure:"max_steps"`
	ApprovalTTLMinutes int               `json:"approval_ttl_minutes" mapstructure:"approval_ttl_minutes"`
	ToolTimeoutSeconds int               `json:"tool_timeout_seconds" mapstructure:"tool_timeout_seconds"`
	ApprovalPolicies   map[string]string `json:"approval_policies" mapstructure:"approval_policies"` // tool -> never, first_use, always
	CheckpointDir      string            `json:"checkpoint_dir" mapstructure:"checkpoint_dir"`
}

// SessionCacheConfig selects and configures the session cache backend
type SessionCacheConfig struct {
	Backend       string `json:"backend" mapstructure:"backend"` // memory, redis
	RedisAddr     string `json:"redis_addr" mapstructure:"redis_addr"`
	RedisPassword string `json:"redis_password" mapstructure:"redis_password"`
	RedisDB       int    `json:"redis_db" mapstructure:"redis_db"`
	TTLHours      int    `json:"ttl_hours" mapstructure:"ttl_hours"`
}

// EntitlementsConfig configures the SQL entitlement store
type EntitlementsConfig struct {
	Driver string `json:"driver" mapstructure:"driver"` // sqlite3, postgres
	DSN    string `json:"dsn" mapstructure:"dsn"`
}

// AttachmentsConfig configures the attachment sink
type AttachmentsConfig struct {
	Backend       string `json:"backend" mapstructure:"backend"` // local, s3
	Dir           string `json:"dir" mapstructure:"dir"`
	S3Bucket      string `json:"s3_bucket" mapstructure:"s3_bucket"`
	S3Region      string `json:"s3_region" mapstructure:"s3_region"`
	S3Endpoint    string `json:"s3_endpoint" mapstructure:"s3_endpoint"`
	S3Prefix      string `json:"s3_prefix" mapstructure:"s3_prefix"`
	S3AccessKey   string `json:"s3_access_key" mapstructure:"s3_access_key"`
	S3SecretKey   string `json:"s3_secret_key" mapstructure:"s3_secret_key"`
	S3PathStyle   bool   `json:"s3_path_style" mapstructure:"s3_path_style"`
	RetentionDays int    `json:"retention_days" mapstructure:"retention_days"`
}

// SandboxConfig configures per-thread sandbox workspaces
type SandboxConfig struct {
	Dir string `json:"dir" mapstructure:"dir"`
}

// CatalogConfig points at the tool manifest
type CatalogConfig struct {
	ManifestPath string `json:"manifest_path" mapstructure:"manifest_path"`
	Watch        bool   `json:"watch" mapstructure:"watch"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	MaxSize   int    `json:"max_size" mapstructure:"max_size"` // MB
	MaxAge    int    `json:"max_age" mapstructure:"max_age"`   // days
	Compress  bool   `json:"compress" mapstructure:"compress"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
	AuditFile string `json:"audit_file" mapstructure:"audit_file"`
}

// TracingConfig holds OpenTelemetry settings
type TracingConfig struct {
	Enabled     bool    `json:"enabled" mapstructure:"enabled"`
	ServiceName string  `json:"service_name" mapstructure:"service_name"`
	SampleRatio float64 `json:"sample_ratio" mapstructure:"sample_ratio"`
}

// MaintenanceConfig holds cron specs for background jobs
type MaintenanceConfig struct {
	ApprovalSweep     string `json:"approval_sweep" mapstructure:"approval_sweep"`
	AttachmentCleanup string `json:"attachment_cleanup" mapstructure:"attachment_cleanup"`
}

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	return &Config{
		AI: AIConfig{
			Profiles: []AIProfile{},
		},
		Agent: AgentConfig{
			Model:              "claude-sonnet-4",
			MaxTokens:          4096,
			Temperature:        0.7,
			MaxRetries:         3,
			MaxSteps:           25,
			ApprovalTTLMinutes: 24 * 60,
			ToolTimeoutSeconds: 60,
			ApprovalPolicies:   map[string]string{},
		},
		SessionCache: SessionCacheConfig{
			Backend:   "memory",
			RedisAddr: "localhost:6379",
			TTLHours:  30 * 24,
		},
		Entitlements: EntitlementsConfig{
			Driver: "sqlite3",
		},
		Attachments: AttachmentsConfig{
			Backend:       "local",
			RetentionDays: 30,
		},
		Catalog: CatalogConfig{
			Watch: true,
		},
		Logging: LoggingConfig{
			Level:     "info",
			MaxSize:   100,
			MaxAge:    7,
			Compress:  true,
			Redaction: true,
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "steward",
			SampleRatio: 1,
		},
		Maintenance: MaintenanceConfig{
			ApprovalSweep:     "*/5 * * * *",
			AttachmentCleanup: "0 3 * * *",
		},
	}
}

// ApprovalTTL returns the approval lifetime as a duration
func (a AgentConfig) ApprovalTTL() time.Duration {
	return time.Duration(a.ApprovalTTLMinutes) * time.Minute
}

// ToolTimeout returns the per-dispatch timeout
func (a AgentConfig) ToolTimeout() time.Duration {
	return time.Duration(a.ToolTimeoutSeconds) * time.Second
}

// TTL returns the session lifetime as a duration
func (s SessionCacheConfig) TTL() time.Duration {
	return time.Duration(s.TTLHours) * time.Hour
}

// Retention returns how long attachments are kept
func (a AttachmentsConfig) Retention() time.Duration {
	return time.Duration(a.RetentionDays) * 24 * time.Hour
}

// ActiveProfile returns the profile named by agent.profile, or the highest-priority one.
func (c *Config) ActiveProfile() (AIProfile, error) {
	if len(c.AI.Profiles) == 0 {
		return AIProfile{}, fmt.Errorf("no AI profiles configured")
	}
	if c.Agent.Profile != "" {
		for _, p := range c.AI.Profiles {
			if p.ID == c.Agent.Profile {
				return p, nil
			}
		}
		return AIProfile{}, fmt.Errorf("AI profile %s not found", c.Agent.Profile)
	}
	best := c.AI.Profiles[0]
	for _, p := range c.AI.Profiles[1:] {
		if p.Priority > best.Priority {
			best = p
		}
	}
	return best, nil
}

// String returns a JSON representation of the config with secrets masked
func (c *Config) String() string {
	masked := *c
	masked.AI.Profiles = make([]AIProfile, len(c.AI.Profiles))
	for i, p := range c.AI.Profiles {
		if p.APIKey != "" {
			p.APIKey = "***"
		}
		masked.AI.Profiles[i] = p
	}
	if masked.SessionCache.RedisPassword != "" {
		masked.SessionCache.RedisPassword = "***"
	}
	if masked.Attachments.S3SecretKey != "" {
		masked.Attachments.S3SecretKey = "***"
	}
	data, _ := json.MarshalIndent(masked, "", "  ")
	return string(data)
}

var validProviders = []string{"anthropic", "openai", "deepseek"}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if len(c.AI.Profiles) == 0 {
		return fmt.Errorf("no AI credentials configured: at least one AI profile is required")
	}

	for i, profile := range c.AI.Profiles {
		if profile.ID == "" {
			return fmt.Errorf("AI profile %d: ID is required", i)
		}
		if profile.Provider == "" {
			return fmt.Errorf("AI profile %s: provider is required", profile.ID)
		}
		if profile.APIKey == "" {
			return fmt.Errorf("AI profile %s: api_key is required", profile.ID)
		}
		if !contains(validProviders, profile.Provider) {
			return fmt.Errorf("AI profile %s: invalid provider %s (must be: anthropic, openai, deepseek)", profile.ID, profile.Provider)
		}
	}
	if _, err := c.ActiveProfile(); err != nil {
		return err
	}

	if c.Agent.Model == "" {
		return fmt.Errorf("agent model is required")
	}
	if c.Agent.MaxSteps <= 0 {
		return fmt.Errorf("agent max_steps must be positive")
	}
	if c.Agent.MaxRetries < 0 {
		return fmt.Errorf("agent max_retries must be >= 0")
	}

	switch c.SessionCache.Backend {
	case "memory":
	case "redis":
		if c.SessionCache.RedisAddr == "" {
			return fmt.Errorf("session_cache redis_addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("invalid session_cache backend: %s", c.SessionCache.Backend)
	}

	switch c.Entitlements.Driver {
	case "sqlite3":
	case "postgres":
		if c.Entitlements.DSN == "" {
			return fmt.Errorf("entitlements dsn is required for postgres")
		}
	default:
		return fmt.Errorf("invalid entitlements driver: %s", c.Entitlements.Driver)
	}

	switch c.Attachments.Backend {
	case "local":
	case "s3":
		if c.Attachments.S3Bucket == "" {
			return fmt.Errorf("attachments s3_bucket is required for the s3 backend")
		}
	default:
		return fmt.Errorf("invalid attachments backend: %s", c.Attachments.Backend)
	}

	return nil
}

func contains(values []string, v string) bool {
	for _, candidate := range values {
		if candidate == v {
			return true
		}
	}
	return false
}
