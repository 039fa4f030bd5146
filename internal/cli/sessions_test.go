package cli

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionsCommand(t *testing.T) {
	t.Run("should report when there are no sessions", func(t *testing.T) {
		out, err := execute(t, "", "--config", writeTestConfig(t), "sessions", "list")
		require.NoError(t, err)
		assert.Contains(t, out, "No sessions")
	})

	t.Run("should list fork and audit a session", func(t *testing.T) {
		cfgPath := writeTestConfig(t)
		_, err := execute(t, "", "--config", cfgPath, "run", "explain the build")
		require.NoError(t, err)

		out, err := execute(t, "", "--config", cfgPath, "sessions", "list")
		require.NoError(t, err)
		assert.Contains(t, out, "TITLE")
		assert.Contains(t, out, "explain the build")

		id := listSessions(t, cfgPath)[0].ID
		out, err = execute(t, "", "--config", cfgPath, "sessions", "fork", id, "--cwd", t.TempDir())
		require.NoError(t, err)
		forkID := strings.TrimSpace(out)
		assert.NotEqual(t, id, forkID)

		infos := listSessions(t, cfgPath)
		require.Len(t, infos, 2)

		out, err = execute(t, "", "--config", cfgPath, "sessions", "audit", id)
		require.NoError(t, err)
		assert.Contains(t, out, "No audit entries")
	})

	t.Run("should fail to fork an unknown session", func(t *testing.T) {
		_, err := execute(t, "", "--config", writeTestConfig(t), "sessions", "fork", "missing")
		assert.Error(t, err)
	})
}
