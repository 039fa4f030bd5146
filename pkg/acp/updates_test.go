package acp

import (
	"strings"
	"testing"

	"github.com/harun/pilot/pkg/agent"
	"github.com/harun/pilot/pkg/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTranslate(t *testing.T) {
	t.Run("should map text and thoughts to message chunks", func(t *testing.T) {
		u, ok := Translate(events.Event{Payload: events.TextChunk{Text: "hi"}})
		require.True(t, ok)
		assert.Equal(t, UpdateAgentMessageChunk, u["sessionUpdate"])
		assert.Equal(t, ContentBlock{Type: "text", Text: "hi"}, u["content"])

		u, ok = Translate(events.Event{Payload: events.ThoughtChunk{Text: "thinking"}})
		require.True(t, ok)
		assert.Equal(t, UpdateAgentThoughtChunk, u["sessionUpdate"])
	})

	t.Run("should map tool start to a tool call with its kind", func(t *testing.T) {
		args := map[string]interface{}{"path": "main.go"}
		u, ok := Translate(events.Event{
			ToolCallID: "call-1",
			Payload:    events.ToolStart{ToolName: "view", Kind: events.KindRead, Arguments: args},
		})
		require.True(t, ok)
		assert.Equal(t, UpdateToolCall, u["sessionUpdate"])
		assert.Equal(t, "call-1", u["toolCallId"])
		assert.Equal(t, "view: main.go", u["title"])
		assert.Equal(t, events.KindRead, u["kind"])
		assert.Equal(t, events.StatusInProgress, u["status"])
		assert.Equal(t, args, u["rawInput"])
	})

	t.Run("should map tool lifecycle events to tool call updates", func(t *testing.T) {
		cases := []struct {
			payload events.Payload
			status  events.ToolStatus
			text    string
		}{
			{events.ToolProgress{ToolName: "bash", Output: "working"}, events.StatusInProgress, "working"},
			{events.ToolComplete{ToolName: "bash", Output: "done"}, events.StatusCompleted, "done"},
			{events.ToolFailed{ToolName: "bash", Error: "boom"}, events.StatusFailed, "boom"},
		}
		for _, tc := range cases {
			u, ok := Translate(events.Event{ToolCallID: "call-1", Payload: tc.payload})
			require.True(t, ok)
			assert.Equal(t, UpdateToolCallUpdate, u["sessionUpdate"])
			assert.Equal(t, tc.status, u["status"])

			items := u["content"].([]interface{})
			require.Len(t, items, 1)
			item := items[0].(map[string]interface{})
			assert.Equal(t, ContentBlock{Type: "text", Text: tc.text}, item["content"])
		}
	})

	t.Run("should omit content for silent progress", func(t *testing.T) {
		u, ok := Translate(events.Event{Payload: events.ToolProgress{ToolName: "bash", Status: events.StatusPending}})
		require.True(t, ok)
		assert.Equal(t, events.StatusPending, u["status"])
		assert.NotContains(t, u, "content")
	})

	t.Run("should map plans with an entry list", func(t *testing.T) {
		u, ok := Translate(events.Event{Payload: events.PlanUpdate{}})
		require.True(t, ok)
		assert.Equal(t, UpdatePlan, u["sessionUpdate"])
		assert.Equal(t, []events.PlanEntry{}, u["entries"])
	})

	t.Run("should prefix errors", func(t *testing.T) {
		u, ok := Translate(events.Event{Payload: events.Error{Message: "model down", Fatal: true}})
		require.True(t, ok)
		assert.Equal(t, UpdateAgentMessageChunk, u["sessionUpdate"])
		assert.Equal(t, "Error: model down", u["content"].(ContentBlock).Text)
	})

	t.Run("should drop events with no client form", func(t *testing.T) {
		for _, p := range []events.Payload{
			events.TextDone{},
			events.PermissionResponse{Approved: true},
			events.PermissionRequest{ToolName: "bash"},
		} {
			_, ok := Translate(events.Event{Payload: p})
			assert.False(t, ok, "%T", p)
		}
	})
}

func TestToolTitle(t *testing.T) {
	t.Run("should use the tool name alone without a telling argument", func(t *testing.T) {
		assert.Equal(t, "update_todo", toolTitle("update_todo", map[string]interface{}{"todos": "- [ ] x"}))
	})

	t.Run("should cut multi-line and long arguments", func(t *testing.T) {
		assert.Equal(t, "bash: echo a ...", toolTitle("bash", map[string]interface{}{"command": "echo a\necho b"}))

		long := toolTitle("web_fetch", map[string]interface{}{"url": "https://example.com/" + strings.Repeat("a", 200)})
		assert.True(t, strings.HasSuffix(long, "..."))
		assert.LessOrEqual(t, len([]rune(long)), len("web_fetch: ")+maxTitleArgumentRunes)
	})
}

func TestUsageAndInfoUpdates(t *testing.T) {
	t.Run("should carry token totals", func(t *testing.T) {
		u := usageUpdate(agent.Usage{PromptTokens: 15, CompletionTokens: 3, TotalTokens: 18})
		assert.Equal(t, UpdateUsage, u["sessionUpdate"])
		assert.Equal(t, 15, u["promptTokens"])
		assert.Equal(t, 3, u["completionTokens"])
		assert.Equal(t, 18, u["totalTokens"])
	})
}

func TestPromptHelpers(t *testing.T) {
	t.Run("should join text and embedded resources", func(t *testing.T) {
		text := promptText([]ContentBlock{
			{Type: "text", Text: "  review this  "},
			{Type: "image"},
			{Type: "resource", Resource: &EmbeddedResource{URI: "file:///a.go", Text: "package a"}},
			{Type: "resource_link", URI: "file:///b.go"},
		})
		assert.Equal(t, "review this  \npackage a", text)
	})

	t.Run("should map permission outcomes", func(t *testing.T) {
		assert.Equal(t, events.PermissionResponse{Approved: true},
			decide(PermissionOutcome{Outcome: "selected", OptionID: OptionAllowOnce}))
		assert.Equal(t, events.PermissionResponse{Approved: true, AlwaysAllow: true},
			decide(PermissionOutcome{Outcome: "selected", OptionID: OptionAllowAlways}))
		assert.False(t, decide(PermissionOutcome{Outcome: "selected", OptionID: OptionRejectOnce}).Approved)
		assert.False(t, decide(PermissionOutcome{Outcome: "cancelled"}).Approved)
	})

	t.Run("should parse known slash commands only", func(t *testing.T) {
		name, rest, ok := parseCommand("/plan add retries")
		require.True(t, ok)
		assert.Equal(t, "plan", name)
		assert.Equal(t, "add retries", rest)

		name, rest, ok = parseCommand("/default")
		require.True(t, ok)
		assert.Equal(t, "default", name)
		assert.Empty(t, rest)

		name, rest, ok = parseCommand("/plan\nstep one")
		require.True(t, ok)
		assert.Equal(t, "plan", name)
		assert.Equal(t, "step one", rest)

		_, _, ok = parseCommand("/usr/bin is missing")
		assert.False(t, ok)
		_, _, ok = parseCommand("plan this")
		assert.False(t, ok)
	})
}
