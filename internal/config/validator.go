package config

import (
	"fmt"
	"strings"

	"github.com/robfig/cron/v3"
)

// Validator validates configuration values
type Validator struct{}

// NewValidator creates a new validator
func NewValidator() *Validator {
	return &Validator{}
}

// ValidateAPIKey validates an API key format
func (v *Validator) ValidateAPIKey(key string, provider string) error {
	if key == "" {
		return fmt.Errorf("%s API key cannot be empty", provider)
	}

	switch provider {
	case "anthropic":
		if !strings.HasPrefix(key, "sk-ant-") {
			return fmt.Errorf("invalid Anthropic API key format (should start with sk-ant-)")
		}
	case "openai", "deepseek":
		if !strings.HasPrefix(key, "sk-") {
			return fmt.Errorf("invalid %s API key format (should start with sk-)", provider)
		}
	}

	return nil
}

// ValidateApprovalPolicy validates a per-tool approval policy name
func (v *Validator) ValidateApprovalPolicy(policy string) error {
	validPolicies := []string{"never", "first_use", "always"}
	if contains(validPolicies, policy) {
		return nil
	}
	return fmt.Errorf("invalid approval policy: %s (must be one of: %s)", policy, strings.Join(validPolicies, ", "))
}

// ValidateCronSpec validates a five-field cron expression
func (v *Validator) ValidateCronSpec(spec string) error {
	if spec == "" {
		return nil // job disabled
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if _, err := parser.Parse(spec); err != nil {
		return fmt.Errorf("invalid cron spec %q: %w", spec, err)
	}
	return nil
}

// ValidateTemperature validates temperature value
func (v *Validator) ValidateTemperature(temp float64) error {
	if temp < 0 || temp > 2 {
		return fmt.Errorf("temperature must be between 0 and 2, got %f", temp)
	}
	return nil
}

// ValidateMaxTokens validates max tokens value
func (v *Validator) ValidateMaxTokens(tokens int) error {
	if tokens <= 0 {
		return fmt.Errorf("max tokens must be positive, got %d", tokens)
	}
	if tokens > 200000 {
		return fmt.Errorf("max tokens too large (max 200000), got %d", tokens)
	}
	return nil
}

// ValidateLogLevel validates log level
func (v *Validator) ValidateLogLevel(level string) error {
	validLevels := []string{"debug", "info", "warn", "error"}
	if contains(validLevels, level) {
		return nil
	}
	return fmt.Errorf("invalid log level: %s (must be one of: %s)", level, strings.Join(validLevels, ", "))
}

// ValidateConfig performs comprehensive validation and returns every problem found
func (v *Validator) ValidateConfig(cfg *Config) []error {
	var errs []error

	for i, profile := range cfg.AI.Profiles {
		if profile.Provider != "" {
			if err := v.ValidateAPIKey(profile.APIKey, profile.Provider); err != nil {
				errs = append(errs, fmt.Errorf("AI profile %d (%s): %w", i, profile.ID, err))
			}
		}
	}

	if cfg.Agent.Temperature != 0 {
		if err := v.ValidateTemperature(cfg.Agent.Temperature); err != nil {
			errs = append(errs, fmt.Errorf("agent: %w", err))
		}
	}
	if cfg.Agent.MaxTokens != 0 {
		if err := v.ValidateMaxTokens(cfg.Agent.MaxTokens); err != nil {
			errs = append(errs, fmt.Errorf("agent: %w", err))
		}
	}
	if cfg.Agent.ApprovalTTLMinutes < 0 {
		errs = append(errs, fmt.Errorf("agent approval_ttl_minutes must be >= 0"))
	}
	for tool, policy := range cfg.Agent.ApprovalPolicies {
		if err := v.ValidateApprovalPolicy(policy); err != nil {
			errs = append(errs, fmt.Errorf("tool %s: %w", tool, err))
		}
	}

	if cfg.SessionCache.TTLHours <= 0 {
		errs = append(errs, fmt.Errorf("session_cache ttl_hours must be positive"))
	}
	if cfg.Attachments.RetentionDays < 0 {
		errs = append(errs, fmt.Errorf("attachments retention_days must be >= 0"))
	}

	if err := v.ValidateCronSpec(cfg.Maintenance.ApprovalSweep); err != nil {
		errs = append(errs, fmt.Errorf("maintenance approval_sweep: %w", err))
	}
	if err := v.ValidateCronSpec(cfg.Maintenance.AttachmentCleanup); err != nil {
		errs = append(errs, fmt.Errorf("maintenance attachment_cleanup: %w", err))
	}

	if cfg.Tracing.SampleRatio < 0 || cfg.Tracing.SampleRatio > 1 {
		errs = append(errs, fmt.Errorf("tracing sample_ratio must be between 0 and 1"))
	}

	if err := v.ValidateLogLevel(cfg.Logging.Level); err != nil {
		errs = append(errs, err)
	}

	return errs
}
