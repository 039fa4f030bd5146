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

// ValidateAPIKey checks the key prefix for providers that have a known one.
func (v *Validator) ValidateAPIKey(key string, provider string) error {
	if key == "" {
		return fmt.Errorf("%s API key cannot be empty", provider)
	}

	switch provider {
	case "anthropic":
		if !strings.HasPrefix(key, "sk-ant-") {
			return fmt.Errorf("invalid Anthropic API key format (should start with sk-ant-)")
		}
	case "openai":
		if !strings.HasPrefix(key, "sk-") {
			return fmt.Errorf("invalid OpenAI API key format (should start with sk-)")
		}
	}
	return nil
}

func oneOf(field, value string, valid ...string) error {
	for _, v := range valid {
		if value == v {
			return nil
		}
	}
	return fmt.Errorf("invalid %s: %q (must be one of: %s)", field, value, strings.Join(valid, ", "))
}

// ValidateProvider accepts an empty provider, which means detect from the
// environment.
func (v *Validator) ValidateProvider(provider string) error {
	if provider == "" {
		return nil
	}
	return oneOf("model.provider", provider, "openai", "anthropic", "echo")
}

// ValidateLogLevel validates log level
func (v *Validator) ValidateLogLevel(level string) error {
	return oneOf("log level", level, "debug", "info", "warn", "error")
}

// ValidateMode validates a session mode id
func (v *Validator) ValidateMode(mode string) error {
	return oneOf("agent.default_mode", mode, ModeDefault, ModePlan)
}

// ValidateNoResponder validates the permission fallback policy
func (v *Validator) ValidateNoResponder(policy string) error {
	return oneOf("permissions.no_responder", policy, NoResponderDeny, NoResponderAllow)
}

// ValidateSchedule parses a cron spec the way the session cleanup does.
func (v *Validator) ValidateSchedule(spec string) error {
	if spec == "" {
		return nil
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if _, err := parser.Parse(spec); err != nil {
		return fmt.Errorf("invalid sessions.cleanup_schedule %q: %w", spec, err)
	}
	return nil
}

// ValidateConfig returns every problem found, in field order.
func (v *Validator) ValidateConfig(cfg *Config) []error {
	var errors []error
	add := func(err error) {
		if err != nil {
			errors = append(errors, err)
		}
	}

	if cfg.Agent.MaxSteps < 1 {
		add(fmt.Errorf("agent.max_steps must be >= 1, got %d", cfg.Agent.MaxSteps))
	}
	if cfg.Agent.Retries < 0 {
		add(fmt.Errorf("agent.retries must be >= 0, got %d", cfg.Agent.Retries))
	}
	if cfg.Agent.TimeoutMs < 0 {
		add(fmt.Errorf("agent.timeout_ms must be >= 0, got %d", cfg.Agent.TimeoutMs))
	}
	if cfg.Agent.MaxHistoryTokens < 0 {
		add(fmt.Errorf("agent.max_history_tokens must be >= 0, got %d", cfg.Agent.MaxHistoryTokens))
	}
	add(v.ValidateMode(cfg.Agent.DefaultMode))
	add(v.ValidateNoResponder(cfg.Permissions.NoResponder))

	add(v.ValidateProvider(cfg.Model.Provider))
	if cfg.Model.APIKey != "" && cfg.Model.BaseURL == "" {
		add(v.ValidateAPIKey(cfg.Model.APIKey, cfg.Model.Provider))
	}
	if cfg.Model.MaxTokens < 0 || cfg.Model.MaxTokens > 200000 {
		add(fmt.Errorf("model.max_tokens must be between 0 and 200000, got %d", cfg.Model.MaxTokens))
	}

	add(v.ValidateSchedule(cfg.Sessions.CleanupSchedule))
	if _, err := cfg.Sessions.MaxAgeDuration(); err != nil {
		add(err)
	}

	if cfg.Gateway.Enabled && (cfg.Gateway.Port < 1 || cfg.Gateway.Port > 65535) {
		add(fmt.Errorf("gateway.port must be between 1 and 65535, got %d", cfg.Gateway.Port))
	}

	if cfg.Telemetry.SampleRate < 0 || cfg.Telemetry.SampleRate > 1 {
		add(fmt.Errorf("telemetry.sample_rate must be between 0 and 1, got %v", cfg.Telemetry.SampleRate))
	}

	for i, hook := range cfg.Hooks {
		if hook.Enabled && (hook.Event == "" || hook.Script == "") {
			add(fmt.Errorf("hooks[%d]: event and script are required", i))
		}
		if hook.TimeoutMs < 0 {
			add(fmt.Errorf("hooks[%d]: timeout_ms must be >= 0, got %d", i, hook.TimeoutMs))
		}
	}

	add(v.ValidateLogLevel(cfg.Logging.Level))
	return errors
}
