package config

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWizardRun(t *testing.T) {
	t.Run("should collect answers", func(t *testing.T) {
		in := strings.NewReader("anthropic\nsk-ant-test\nclaude-sonnet-4\nn\ndebug\n")
		var out bytes.Buffer

		cfg, err := NewWizard(in, &out).Run(nil)
		require.NoError(t, err)

		assert.Equal(t, "anthropic", cfg.Model.Provider)
		assert.Equal(t, "sk-ant-test", cfg.Model.APIKey)
		assert.Equal(t, "claude-sonnet-4", cfg.Model.Name)
		assert.False(t, cfg.Agent.RequirePermission)
		assert.Equal(t, "debug", cfg.Logging.Level)
		assert.Contains(t, out.String(), "Configuration complete!")
	})

	t.Run("should re-ask on an invalid provider and keep defaults on empty lines", func(t *testing.T) {
		in := strings.NewReader("gemini\necho\n\n\n\n")
		var out bytes.Buffer

		cfg, err := NewWizard(in, &out).Run(nil)
		require.NoError(t, err)

		assert.Equal(t, "echo", cfg.Model.Provider)
		assert.True(t, cfg.Agent.RequirePermission)
		assert.Equal(t, "info", cfg.Logging.Level)
		assert.Contains(t, out.String(), "Error:")
	})

	t.Run("should start from the given config", func(t *testing.T) {
		base := DefaultConfig()
		base.Model.Provider = "openai"
		base.Model.Name = "gpt-4o"

		cfg, err := NewWizard(strings.NewReader(""), &bytes.Buffer{}).Run(base)
		require.NoError(t, err)

		assert.Equal(t, "openai", cfg.Model.Provider)
		assert.Equal(t, "gpt-4o", cfg.Model.Name)
	})
}
