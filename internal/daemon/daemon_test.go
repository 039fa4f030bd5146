package daemon

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/harun/pilot/internal/config"
	"github.com/harun/pilot/internal/logger"
	"github.com/harun/pilot/pkg/acp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// createTestDaemon creates a daemon on the echo provider with all state in
// temp dirs.
func createTestDaemon(t *testing.T, configure func(*config.Config)) (*Daemon, *logger.Logger) {
	t.Helper()
	tmpDir := t.TempDir()

	cfg := config.DefaultConfig()
	cfg.DataDir = tmpDir
	cfg.Sessions.Dir = filepath.Join(tmpDir, "sessions")
	cfg.Audit.Path = filepath.Join(tmpDir, "audit.db")
	cfg.Model.Provider = "echo"
	if configure != nil {
		configure(cfg)
	}

	log, err := logger.New(logger.Config{Level: "error", Console: false})
	require.NoError(t, err)

	d, err := New(cfg, log, Options{CWD: t.TempDir(), Version: "test"})
	require.NoError(t, err)

	return d, log
}

func TestNew(t *testing.T) {
	t.Run("should build every core module", func(t *testing.T) {
		d, log := createTestDaemon(t, nil)
		defer log.Close()

		assert.NotNil(t, d.GetQueue())
		assert.NotNil(t, d.GetSessionStore())
		assert.NotNil(t, d.GetAgentRunner())
		assert.NotNil(t, d.GetACPServer())
		assert.NotNil(t, d.GetAuditTrail())
		assert.True(t, d.GetRegistry().Has("view"))
		assert.True(t, d.GetRegistry().Has("bash"))
		assert.Nil(t, d.GetGatewayServer())
	})

	t.Run("should require config and logger", func(t *testing.T) {
		_, err := New(nil, nil, Options{})
		assert.Error(t, err)
	})

	t.Run("should load MCP servers from the working directory", func(t *testing.T) {
		cwd := t.TempDir()
		require.NoError(t, os.WriteFile(filepath.Join(cwd, "mcp.json"),
			[]byte(`{"mcpServers":{"files":{"command":"mcp-files","args":["--root","."]}}}`), 0644))

		cfg := config.DefaultConfig()
		cfg.DataDir = t.TempDir()
		cfg.Sessions.Persist = false
		cfg.Audit.Enabled = false
		cfg.Model.Provider = "echo"

		log, err := logger.New(logger.Config{Level: "error"})
		require.NoError(t, err)
		defer log.Close()

		d, err := New(cfg, log, Options{CWD: cwd})
		require.NoError(t, err)
		assert.Equal(t, []string{"files"}, d.GetMCPManager().Names())
		assert.Nil(t, d.GetAuditTrail())

		require.NoError(t, d.Start())
		assert.Equal(t, 1, d.Status().MCPServers)
		require.NoError(t, d.Stop())
	})
}

func TestDaemonStartStop(t *testing.T) {
	d, log := createTestDaemon(t, nil)
	defer log.Close()

	require.NoError(t, d.Start())
	assert.Error(t, d.Start())

	status := d.Status()
	assert.True(t, status.Running)
	assert.Greater(t, status.Tools, 0)

	require.NoError(t, d.Stop())
	assert.False(t, d.Status().Running)
	assert.Error(t, d.Stop())
}

func TestDaemonGateway(t *testing.T) {
	d, log := createTestDaemon(t, func(cfg *config.Config) {
		cfg.Gateway.Enabled = true
		cfg.Gateway.Port = 0
	})
	defer log.Close()

	require.NotNil(t, d.GetGatewayServer())
	require.NoError(t, d.Start())
	defer d.Stop()

	resp, err := http.Get("http://" + d.GetGatewayServer().Addr() + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestDaemonServeACP(t *testing.T) {
	d, log := createTestDaemon(t, nil)
	defer log.Close()

	clientIn, agentOut := io.Pipe()
	agentIn, clientOut := io.Pipe()

	done := make(chan error, 1)
	go func() {
		done <- d.ServeACP(context.Background(), acp.NewStreamTransport(agentIn, agentOut))
	}()

	_, err := clientOut.Write([]byte(`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":1}}` + "\n"))
	require.NoError(t, err)

	lines := bufio.NewScanner(clientIn)
	require.True(t, lines.Scan())
	var msg acp.Message
	require.NoError(t, json.Unmarshal(lines.Bytes(), &msg))
	require.Nil(t, msg.Error)

	var result acp.InitializeResult
	require.NoError(t, json.Unmarshal(msg.Result, &result))
	assert.Equal(t, "test", result.AgentInfo.Version)

	clientOut.Close()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("ACP connection did not stop")
	}
	agentOut.Close()
}

func TestDaemonClose(t *testing.T) {
	t.Run("should release a daemon that never started", func(t *testing.T) {
		d, log := createTestDaemon(t, nil)
		defer log.Close()
		assert.NoError(t, d.Close())
	})

	t.Run("should stop a running daemon", func(t *testing.T) {
		d, log := createTestDaemon(t, nil)
		defer log.Close()
		require.NoError(t, d.Start())
		assert.NoError(t, d.Close())
		assert.False(t, d.Status().Running)
	})
}

func TestDaemonHooks(t *testing.T) {
	t.Run("should run startup and shutdown hooks", func(t *testing.T) {
		out := filepath.Join(t.TempDir(), "lifecycle.log")
		d, log := createTestDaemon(t, func(cfg *config.Config) {
			cfg.Hooks = []config.HookConfig{
				{ID: "up", Event: "pilot:startup", Script: `echo "up $PILOT_HOOK_DATA_VERSION" >> ` + out, Enabled: true},
				{ID: "down", Event: "pilot:shutdown", Script: "echo down >> " + out, Enabled: true},
			}
		})
		defer log.Close()
		assert.Equal(t, 2, d.GetHooks().Count())

		require.NoError(t, d.Start())
		require.NoError(t, d.Stop())

		content, err := os.ReadFile(out)
		require.NoError(t, err)
		assert.Equal(t, "up test\ndown\n", string(content))
	})
}
