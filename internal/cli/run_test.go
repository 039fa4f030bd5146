package cli

import (
	"bufio"
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/harun/pilot/pkg/events"
	"github.com/harun/pilot/pkg/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func listSessions(t *testing.T, cfgPath string) []session.Info {
	t.Helper()
	out, err := execute(t, "", "--config", cfgPath, "sessions", "list", "--json")
	require.NoError(t, err)

	var infos []session.Info
	require.NoError(t, json.Unmarshal([]byte(out), &infos))
	return infos
}

func TestRunCommand(t *testing.T) {
	t.Run("should stream the reply and record the session", func(t *testing.T) {
		cfgPath := writeTestConfig(t)

		out, err := execute(t, "", "--config", cfgPath, "run", "hello", "there")
		require.NoError(t, err)
		assert.Contains(t, out, "Echo: hello there")
		assert.Contains(t, out, "completed")

		infos := listSessions(t, cfgPath)
		require.Len(t, infos, 1)
		assert.Equal(t, "hello there", infos[0].Title)
		assert.Equal(t, 3, infos[0].Messages)
	})

	t.Run("should continue an existing session in plan mode", func(t *testing.T) {
		cfgPath := writeTestConfig(t)

		_, err := execute(t, "", "--config", cfgPath, "run", "first")
		require.NoError(t, err)
		id := listSessions(t, cfgPath)[0].ID

		out, err := execute(t, "", "--config", cfgPath, "run", "--session", id, "--plan", "second")
		require.NoError(t, err)
		assert.Contains(t, out, "session "+id)

		infos := listSessions(t, cfgPath)
		require.Len(t, infos, 1)
		assert.Equal(t, session.ModePlan, infos[0].ModeID)
		assert.Equal(t, 5, infos[0].Messages)
	})

	t.Run("should reject a blank prompt", func(t *testing.T) {
		_, err := execute(t, "", "--config", writeTestConfig(t), "run", "  ")
		assert.Error(t, err)
	})
}

func TestAskPermission(t *testing.T) {
	req := events.PermissionRequest{RequestID: "r1", ToolName: "bash", Arguments: map[string]interface{}{"command": "rm -rf build"}}

	tests := []struct {
		name     string
		input    string
		approved bool
		always   bool
	}{
		{"should approve on y", "y\n", true, false},
		{"should approve always on a", "a\n", true, true},
		{"should deny on enter", "\n", false, false},
		{"should deny on EOF", "", false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := &bytes.Buffer{}
			resp := askPermission(req, bufio.NewReader(strings.NewReader(tt.input)), out, false)

			assert.Equal(t, "r1", resp.RequestID)
			assert.Equal(t, tt.approved, resp.Approved)
			assert.Equal(t, tt.always, resp.AlwaysAllow)
			assert.Contains(t, out.String(), "allow bash rm -rf build")
		})
	}

	t.Run("should approve without asking when auto-approving", func(t *testing.T) {
		out := &bytes.Buffer{}
		resp := askPermission(req, bufio.NewReader(strings.NewReader("")), out, true)
		assert.True(t, resp.Approved)
		assert.Empty(t, out.String())
	})
}

func TestTerminalSink(t *testing.T) {
	t.Run("should print text tools and plans", func(t *testing.T) {
		q := events.NewQueue("s1")
		out := &bytes.Buffer{}
		sink := terminalSink(q, bufio.NewReader(strings.NewReader("")), out, false)

		for _, payload := range []events.Payload{
			events.TextChunk{Text: "hel"},
			events.TextChunk{Text: "lo"},
			events.TextDone{},
			events.ToolStart{ToolName: "view", Arguments: map[string]interface{}{"path": "main.go"}},
			events.ToolFailed{ToolName: "view", Error: "not found"},
			events.PlanUpdate{Entries: []events.PlanEntry{{Content: "write tests", Status: "pending"}}},
		} {
			require.NoError(t, sink(t.Context(), events.Event{Type: payload.Type(), Payload: payload}))
		}

		text := out.String()
		assert.Contains(t, text, "hello\n")
		assert.Contains(t, text, "> view main.go")
		assert.Contains(t, text, "< view failed: not found")
		assert.Contains(t, text, "[pending] write tests")
	})
}
