package mcp

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/harun/pilot/pkg/errs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManager(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	t.Run("should list merged servers without connecting", func(t *testing.T) {
		m := NewManager(ManagerConfig{Logger: testLogger()})
		defer m.Close()

		m.Merge([]ServerSpec{fakeServerSpec("fake"), {Name: "remote", URL: "https://x", Type: "sse"}})

		servers := m.ListServers()
		require.Len(t, servers, 2)
		assert.Equal(t, "fake", servers[0].Name)
		assert.Equal(t, TypeStdio, servers[0].Type)
		assert.False(t, servers[0].Connected)
		assert.Equal(t, TypeSSE, servers[1].Type)
		assert.Equal(t, SourceSession, servers[1].Source)
	})

	t.Run("should connect lazily and call tools", func(t *testing.T) {
		m := NewManager(ManagerConfig{Logger: testLogger()})
		defer m.Close()
		m.Merge([]ServerSpec{fakeServerSpec("fake")})

		tools, err := m.ListTools(ctx, "fake")
		require.NoError(t, err)
		assert.Len(t, tools, 2)

		out, err := m.CallTool(ctx, "fake", "add", map[string]interface{}{"a": 40, "b": 2})
		require.NoError(t, err)
		assert.Equal(t, "42", out)

		servers := m.ListServers()
		assert.True(t, servers[0].Connected)
		assert.Equal(t, 2, servers[0].ToolCount)
	})

	t.Run("should name available servers for an unknown one", func(t *testing.T) {
		m := NewManager(ManagerConfig{Logger: testLogger()})
		m.Merge([]ServerSpec{{Name: "b", Command: "x"}, {Name: "a", Command: "y"}})

		_, err := m.CallTool(ctx, "ghost", "t", nil)
		require.Error(t, err)
		assert.Equal(t, errs.CodeNotFound, errs.Code(err))
		assert.Contains(t, err.Error(), "Unknown server: ghost. Available: a, b")
	})

	t.Run("should reject calls to http servers", func(t *testing.T) {
		m := NewManager(ManagerConfig{Logger: testLogger()})
		m.Merge([]ServerSpec{{Name: "web", URL: "https://x"}})

		_, err := m.CallTool(ctx, "web", "t", nil)
		require.Error(t, err)
		assert.Equal(t, errs.CodeUnsupported, errs.Code(err))
	})

	t.Run("should replace file servers and keep session servers", func(t *testing.T) {
		m := NewManager(ManagerConfig{Logger: testLogger()})
		m.ReplaceFileServers([]ServerSpec{{Name: "old", Command: "x", ServerType: TypeStdio}})
		m.Merge([]ServerSpec{{Name: "mine", Command: "y"}})

		m.ReplaceFileServers([]ServerSpec{{Name: "new", Command: "z", ServerType: TypeStdio}})

		assert.Equal(t, []string{"mine", "new"}, m.Names())
	})

	t.Run("should load servers from a config file", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "mcp.json")
		require.NoError(t, os.WriteFile(path, []byte(`{"mcpServers":{"files":{"command":"files-mcp"}}}`), 0644))

		m := NewManager(ManagerConfig{Logger: testLogger()})
		require.NoError(t, m.LoadFile(path))
		assert.Equal(t, []string{"files"}, m.Names())

		require.NoError(t, os.Remove(path))
		require.NoError(t, m.LoadFile(path))
		assert.Empty(t, m.Names())
	})

	t.Run("should close started servers", func(t *testing.T) {
		m := NewManager(ManagerConfig{Logger: testLogger()})
		m.Merge([]ServerSpec{fakeServerSpec("fake")})
		_, err := m.ListTools(ctx, "fake")
		require.NoError(t, err)

		require.NoError(t, m.Close())
		assert.False(t, m.ListServers()[0].Connected)
	})
}
