package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

const (
	appDirName     = ".steward"
	configFileName = "steward.json"
	envPrefix      = "STEWARD"
)

// Loader handles configuration loading
type Loader struct {
	configPath string
}

// NewLoader creates a new config loader
func NewLoader(configPath string) *Loader {
	return &Loader{
		configPath: configPath,
	}
}

// Load loads the configuration from file, falling back to defaults when the file is absent.
// Environment variables such as STEWARD_AGENT_MAX_STEPS override file values.
func (l *Loader) Load() (*Config, error) {
	configPath := l.GetConfigPath()
	if configPath == "" {
		return nil, fmt.Errorf("failed to get home directory")
	}

	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("json")
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnvKeys(v)

	if _, err := os.Stat(configPath); err == nil {
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg := DefaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := applyDefaultPaths(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// bindEnvKeys registers the keys AutomaticEnv should consider during Unmarshal.
func bindEnvKeys(v *viper.Viper) {
	for _, key := range []string{
		"data_dir",
		"agent.profile",
		"agent.model",
		"agent.max_retries",
		"agent.max_steps",
		"agent.approval_ttl_minutes",
		"session_cache.backend",
		"session_cache.redis_addr",
		"session_cache.redis_password",
		"entitlements.driver",
		"entitlements.dsn",
		"attachments.backend",
		"attachments.s3_bucket",
		"attachments.s3_region",
		"attachments.s3_endpoint",
		"attachments.s3_access_key",
		"attachments.s3_secret_key",
		"logging.level",
	} {
		_ = v.BindEnv(key)
	}
}

func applyDefaultPaths(cfg *Config) error {
	if cfg.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("failed to get home directory: %w", err)
		}
		cfg.DataDir = filepath.Join(home, appDirName)
	}

	if cfg.Logging.File == "" {
		cfg.Logging.File = filepath.Join(cfg.DataDir, "steward.log")
	}
	if cfg.Logging.AuditFile == "" {
		cfg.Logging.AuditFile = filepath.Join(cfg.DataDir, "audit.log")
	}
	if cfg.Agent.CheckpointDir == "" {
		cfg.Agent.CheckpointDir = filepath.Join(cfg.DataDir, "threads")
	}
	if cfg.Sandbox.Dir == "" {
		cfg.Sandbox.Dir = filepath.Join(cfg.DataDir, "sandboxes")
	}
	if cfg.Attachments.Dir == "" {
		cfg.Attachments.Dir = filepath.Join(cfg.DataDir, "attachments")
	}
	if cfg.Catalog.ManifestPath == "" {
		cfg.Catalog.ManifestPath = filepath.Join(cfg.DataDir, "tools.yaml")
	}
	if cfg.Entitlements.Driver == "sqlite3" && cfg.Entitlements.DSN == "" {
		cfg.Entitlements.DSN = filepath.Join(cfg.DataDir, "entitlements.db")
	}
	return nil
}

// Save saves the configuration to file
func (l *Loader) Save(cfg *Config) error {
	configPath := l.GetConfigPath()
	if configPath == "" {
		return fmt.Errorf("failed to get home directory")
	}

	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("json")

	v.Set("ai", cfg.AI)
	v.Set("agent", cfg.Agent)
	v.Set("session_cache", cfg.SessionCache)
	v.Set("entitlements", cfg.Entitlements)
	v.Set("attachments", cfg.Attachments)
	v.Set("sandbox", cfg.Sandbox)
	v.Set("catalog", cfg.Catalog)
	v.Set("logging", cfg.Logging)
	v.Set("tracing", cfg.Tracing)
	v.Set("maintenance", cfg.Maintenance)
	v.Set("data_dir", cfg.DataDir)

	if err := v.WriteConfig(); err != nil {
		if os.IsNotExist(err) {
			if err := v.SafeWriteConfig(); err != nil {
				return fmt.Errorf("failed to write config file: %w", err)
			}
		} else {
			return fmt.Errorf("failed to write config file: %w", err)
		}
	}

	return nil
}

// GetConfigPath returns the config file path
func (l *Loader) GetConfigPath() string {
	if l.configPath != "" {
		return l.configPath
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, appDirName, configFileName)
}

// Load is a convenience function that creates a loader and loads the config
func Load(configPath string) (*Config, error) {
	loader := NewLoader(configPath)
	return loader.Load()
}
