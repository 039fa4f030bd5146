package agent

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/harun/pilot/pkg/events"
	"github.com/harun/pilot/pkg/session"
	"github.com/harun/pilot/pkg/tools"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// viewTurn is one user turn that read a file through a large tool result.
func viewTurn(i int) []session.Message {
	id := fmt.Sprintf("c%d", i)
	return []session.Message{
		{Role: session.RoleUser, Content: fmt.Sprintf("u%d", i)},
		{Role: session.RoleAssistant, ToolCalls: []tools.Call{
			{ID: id, Name: "view", Arguments: map[string]interface{}{"path": fmt.Sprintf("f%d.go", i)}},
		}},
		{Role: session.RoleTool, Content: strings.Repeat("x", 2000), ToolCallID: id, Name: "view"},
		{Role: session.RoleAssistant, Content: fmt.Sprintf("done%d", i)},
	}
}

func TestGroupMessages(t *testing.T) {
	t.Run("should keep tool results with their call", func(t *testing.T) {
		msgs := []session.Message{
			{Role: session.RoleUser, Content: "go"},
			{Role: session.RoleAssistant, ToolCalls: []tools.Call{{ID: "a", Name: "view"}, {ID: "b", Name: "bash"}}},
			{Role: session.RoleTool, ToolCallID: "a"},
			{Role: session.RoleTool, ToolCallID: "b"},
			{Role: session.RoleAssistant, Content: "done"},
		}

		groups := groupMessages(msgs)
		require.Len(t, groups, 3)
		assert.Len(t, groups[1], 3)
		assert.Equal(t, "b", groups[1][2].ToolCallID)
	})
}

func TestTruncateHistory(t *testing.T) {
	t.Run("should keep the newest group even when it alone is too large", func(t *testing.T) {
		msgs := []session.Message{
			{Role: session.RoleSystem, Content: "sys"},
			{Role: session.RoleUser, Content: "old"},
			{Role: session.RoleUser, Content: strings.Repeat("y", 40000)},
		}

		out, dropped := truncateHistory(msgs, 5000)
		require.Len(t, out, 2)
		assert.Equal(t, session.RoleSystem, out[0].Role)
		assert.Equal(t, msgs[2], out[1])
		assert.Positive(t, dropped)
	})
}

func TestRunner_HistoryBudget(t *testing.T) {
	ctx := context.Background()

	t.Run("should compact old tool turns into a summary", func(t *testing.T) {
		history := []session.Message{{Role: session.RoleSystem, Content: "sys"}}
		for i := 0; i < 6; i++ {
			history = append(history, viewTurn(i)...)
		}
		provider := newScriptedProvider(reply("ok", ""))
		r, _ := setupTestRunner(t, provider)
		q := events.NewQueue("s1")

		result, err := r.Run(ctx, RunParams{
			Prompt:  "next",
			History: history,
			Config:  session.Config{MaxHistoryTokens: 5000},
			Queue:   q,
		})
		require.NoError(t, err)
		assert.Equal(t, OutcomeCompleted, result.Outcome)

		sent := provider.Requests()[0].Messages
		summary := "[Prior context: Files read: f0.go, f1.go, f2.go, f3.go, f4.go]"
		require.Len(t, sent, 8)
		assert.Equal(t, "sys", sent[0].Content)
		assert.Equal(t, session.Message{Role: session.RoleSystem, Content: summary}, sent[1])
		assert.Equal(t, "done4", sent[2].Content)
		require.Len(t, sent[4].ToolCalls, 1)
		assert.Equal(t, "c5", sent[5].ToolCallID)
		assert.Equal(t, "next", sent[7].Content)

		thoughts := payloadsOf[events.ThoughtChunk](q.Drain())
		require.Len(t, thoughts, 1)
		assert.Equal(t, "Compacted history: "+summary, thoughts[0].Text)
		assert.Len(t, result.History, 9)
	})

	t.Run("should drop the oldest turns when compaction is not enough", func(t *testing.T) {
		history := []session.Message{{Role: session.RoleSystem, Content: "sys"}}
		for i := 0; i < 3; i++ {
			history = append(history,
				session.Message{Role: session.RoleUser, Content: strings.Repeat(fmt.Sprint(i), 2000)},
				session.Message{Role: session.RoleAssistant, Content: "ok"},
			)
		}
		provider := newScriptedProvider(reply("fine", ""))
		r, _ := setupTestRunner(t, provider)
		q := events.NewQueue("s1")

		_, err := r.Run(ctx, RunParams{
			Prompt:  "next",
			History: history,
			Config:  session.Config{MaxHistoryTokens: 5000},
			Queue:   q,
		})
		require.NoError(t, err)

		sent := provider.Requests()[0].Messages
		require.Len(t, sent, 5)
		assert.Equal(t, "sys", sent[0].Content)
		assert.Equal(t, session.Message{Role: session.RoleAssistant, Content: "ok"}, sent[1])
		assert.Equal(t, strings.Repeat("2", 2000), sent[2].Content)
		assert.Equal(t, "next", sent[4].Content)

		thoughts := payloadsOf[events.ThoughtChunk](q.Drain())
		require.Len(t, thoughts, 1)
		assert.Equal(t, "Truncated 504 tokens from conversation history", thoughts[0].Text)
	})

	t.Run("should leave a transcript within budget alone", func(t *testing.T) {
		history := []session.Message{{Role: session.RoleSystem, Content: "sys"}}
		for i := 0; i < 6; i++ {
			history = append(history, viewTurn(i)...)
		}
		provider := newScriptedProvider(reply("ok", ""))
		r, _ := setupTestRunner(t, provider)

		_, err := r.Run(ctx, RunParams{Prompt: "next", History: history})
		require.NoError(t, err)
		assert.Len(t, provider.Requests()[0].Messages, len(history)+1)
	})
}
