package config

import (
	"encoding/json"
	"fmt"
	"time"
)

// Config is the root pilot configuration
type Config struct {
	DataDir     string            `json:"data_dir" mapstructure:"data_dir"`
	Sessions    SessionsConfig    `json:"sessions" mapstructure:"sessions"`
	Agent       AgentConfig       `json:"agent" mapstructure:"agent"`
	Permissions PermissionsConfig `json:"permissions" mapstructure:"permissions"`
	Model       ModelConfig       `json:"model" mapstructure:"model"`
	MCP         MCPConfig         `json:"mcp" mapstructure:"mcp"`
	Logging     LoggingConfig     `json:"logging" mapstructure:"logging"`
	Gateway     GatewayConfig     `json:"gateway" mapstructure:"gateway"`
	Audit       AuditConfig       `json:"audit" mapstructure:"audit"`
	Telemetry   TelemetryConfig   `json:"telemetry" mapstructure:"telemetry"`
	Hooks       []HookConfig      `json:"hooks" mapstructure:"hooks"`
}

// SessionsConfig controls session snapshots and their cleanup
type SessionsConfig struct {
	Dir             string `json:"dir" mapstructure:"dir"`
	Persist         bool   `json:"persist" mapstructure:"persist"`
	CleanupSchedule string `json:"cleanup_schedule" mapstructure:"cleanup_schedule"` // cron spec, empty disables
	MaxAge          string `json:"max_age" mapstructure:"max_age"`                   // Go duration, e.g. 720h
}

// MaxAgeDuration parses MaxAge. Zero means snapshots never expire.
func (s SessionsConfig) MaxAgeDuration() (time.Duration, error) {
	if s.MaxAge == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s.MaxAge)
	if err != nil {
		return 0, fmt.Errorf("invalid sessions.max_age %q: %w", s.MaxAge, err)
	}
	return d, nil
}

// AgentConfig holds the defaults every new session starts with
type AgentConfig struct {
	MaxSteps           int    `json:"max_steps" mapstructure:"max_steps"`
	Retries            int    `json:"retries" mapstructure:"retries"`
	TimeoutMs          int    `json:"timeout_ms" mapstructure:"timeout_ms"`
	RequirePermission  bool   `json:"require_permission" mapstructure:"require_permission"`
	SystemPrompt       string `json:"system_prompt" mapstructure:"system_prompt"`
	CustomInstructions string `json:"custom_instructions" mapstructure:"custom_instructions"`
	DefaultMode        string `json:"default_mode" mapstructure:"default_mode"` // default, plan
	MaxHistoryTokens   int    `json:"max_history_tokens" mapstructure:"max_history_tokens"`
}

// PermissionsConfig decides what happens when no front-end can answer a
// permission request
type PermissionsConfig struct {
	NoResponder string `json:"no_responder" mapstructure:"no_responder"` // deny, allow
}

// ModelConfig selects the model provider
type ModelConfig struct {
	Provider  string `json:"provider" mapstructure:"provider"` // openai, anthropic, echo, or empty to detect
	Name      string `json:"name" mapstructure:"name"`
	APIKey    string `json:"api_key" mapstructure:"api_key"`
	BaseURL   string `json:"base_url" mapstructure:"base_url"`
	MaxTokens int    `json:"max_tokens" mapstructure:"max_tokens"`
}

// MCPConfig locates the MCP server file
type MCPConfig struct {
	ConfigFile string `json:"config_file" mapstructure:"config_file"`
	Watch      bool   `json:"watch" mapstructure:"watch"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	Console   bool   `json:"console" mapstructure:"console"`
	Pretty    bool   `json:"pretty" mapstructure:"pretty"`
	MaxSize   int    `json:"max_size" mapstructure:"max_size"` // MB
	MaxAge    int    `json:"max_age" mapstructure:"max_age"`   // days
	Compress  bool   `json:"compress" mapstructure:"compress"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
}

// GatewayConfig holds the websocket gateway settings
type GatewayConfig struct {
	Enabled           bool   `json:"enabled" mapstructure:"enabled"`
	Host              string `json:"host" mapstructure:"host"`
	Port              int    `json:"port" mapstructure:"port"`
	Token             string `json:"token" mapstructure:"token"`                             // empty accepts any client
	RequestsPerMinute int    `json:"requests_per_minute" mapstructure:"requests_per_minute"` // per client, negative disables
}

// AuditConfig controls the SQLite audit trail
type AuditConfig struct {
	Enabled bool   `json:"enabled" mapstructure:"enabled"`
	Path    string `json:"path" mapstructure:"path"`
}

// HookConfig binds a shell script to a lifecycle event
type HookConfig struct {
	ID        string `json:"id" mapstructure:"id"`
	Event     string `json:"event" mapstructure:"event"` // pilot:startup, pilot:shutdown, session:new, session:turn
	Script    string `json:"script" mapstructure:"script"`
	TimeoutMs int    `json:"timeout_ms" mapstructure:"timeout_ms"`
	Enabled   bool   `json:"enabled" mapstructure:"enabled"`
}

// TelemetryConfig toggles tracing and where spans are exported
type TelemetryConfig struct {
	Tracing    bool    `json:"tracing" mapstructure:"tracing"`
	Endpoint   string  `json:"endpoint" mapstructure:"endpoint"` // OTLP gRPC, empty keeps spans in process
	Insecure   bool    `json:"insecure" mapstructure:"insecure"`
	SampleRate float64 `json:"sample_rate" mapstructure:"sample_rate"`
}

const (
	ModeDefault = "default"
	ModePlan    = "plan"

	NoResponderDeny  = "deny"
	NoResponderAllow = "allow"
)

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	return &Config{
		Sessions: SessionsConfig{
			Persist:         true,
			CleanupSchedule: "@daily",
			MaxAge:          "720h",
		},
		Agent: AgentConfig{
			MaxSteps:          32,
			Retries:           2,
			TimeoutMs:         0,
			RequirePermission: true,
			DefaultMode:       ModeDefault,
			MaxHistoryTokens:  100000,
		},
		Permissions: PermissionsConfig{
			NoResponder: NoResponderDeny,
		},
		Model: ModelConfig{
			MaxTokens: 4096,
		},
		MCP: MCPConfig{
			Watch: true,
		},
		Logging: LoggingConfig{
			Level:     "info",
			Console:   true,
			Pretty:    false,
			MaxSize:   100,
			MaxAge:    7,
			Compress:  true,
			Redaction: true,
		},
		Gateway: GatewayConfig{
			Host:              "127.0.0.1",
			Port:              8765,
			RequestsPerMinute: 120,
		},
		Audit: AuditConfig{
			Enabled: true,
		},
	}
}

// String returns a JSON representation of the config with the API key masked.
func (c *Config) String() string {
	shown := *c
	if shown.Model.APIKey != "" {
		shown.Model.APIKey = "****"
	}
	if shown.Gateway.Token != "" {
		shown.Gateway.Token = "****"
	}
	data, _ := json.MarshalIndent(shown, "", "  ")
	return string(data)
}

// Validate returns the first validation problem, if any.
func (c *Config) Validate() error {
	if errs := NewValidator().ValidateConfig(c); len(errs) > 0 {
		return errs[0]
	}
	return nil
}
