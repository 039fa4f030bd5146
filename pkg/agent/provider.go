package agent

import (
	"context"
	"fmt"
	"os"
	"strings"
)

// Provider names
const (
	ProviderEcho      = "echo"
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
)

// Default models per provider
const (
	DefaultOpenAIModel    = "gpt-4o-mini"
	DefaultAnthropicModel = "claude-3-5-sonnet-20241022"
	defaultMaxTokens      = 4096
)

// Provider is a language model backend. Implementations keep no state
// between calls.
type Provider interface {
	// Generate makes one model call
	Generate(ctx context.Context, req GenerateRequest) (*GenerateResponse, error)

	// Name returns the provider name
	Name() string
}

// ProviderConfig selects and configures a Provider.
type ProviderConfig struct {
	Provider  string
	Model     string
	APIKey    string
	BaseURL   string
	MaxTokens int
}

// NewProvider builds the configured provider. Without an explicit provider it
// picks OpenAI when OPENAI_API_KEY is set, then Anthropic when
// ANTHROPIC_API_KEY is set, and falls back to echo.
func NewProvider(cfg ProviderConfig) (Provider, error) {
	name := DetectProvider(cfg)

	switch name {
	case ProviderEcho:
		return NewEchoProvider(), nil
	case ProviderOpenAI:
		key := firstNonEmpty(cfg.APIKey, os.Getenv("OPENAI_API_KEY"))
		if key == "" && cfg.BaseURL == "" {
			return nil, fmt.Errorf("openai provider requires an API key (model.api_key or OPENAI_API_KEY)")
		}
		return NewOpenAIProvider(OpenAIConfig{
			APIKey:    key,
			BaseURL:   cfg.BaseURL,
			Model:     firstNonEmpty(cfg.Model, DefaultOpenAIModel),
			MaxTokens: cfg.MaxTokens,
		}), nil
	case ProviderAnthropic:
		key := firstNonEmpty(cfg.APIKey, os.Getenv("ANTHROPIC_API_KEY"))
		if key == "" && cfg.BaseURL == "" {
			return nil, fmt.Errorf("anthropic provider requires an API key (model.api_key or ANTHROPIC_API_KEY)")
		}
		return NewAnthropicProvider(AnthropicConfig{
			APIKey:    key,
			BaseURL:   cfg.BaseURL,
			Model:     firstNonEmpty(cfg.Model, DefaultAnthropicModel),
			MaxTokens: cfg.MaxTokens,
		}), nil
	default:
		return nil, fmt.Errorf("unsupported provider: %s", name)
	}
}

// DetectProvider resolves the provider name NewProvider would use.
func DetectProvider(cfg ProviderConfig) string {
	if cfg.Provider != "" {
		return strings.ToLower(cfg.Provider)
	}
	if cfg.APIKey != "" {
		if strings.HasPrefix(cfg.APIKey, "sk-ant-") {
			return ProviderAnthropic
		}
		return ProviderOpenAI
	}
	if os.Getenv("OPENAI_API_KEY") != "" {
		return ProviderOpenAI
	}
	if os.Getenv("ANTHROPIC_API_KEY") != "" {
		return ProviderAnthropic
	}
	return ProviderEcho
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
