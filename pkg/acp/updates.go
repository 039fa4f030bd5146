package acp

import (
	"fmt"
	"strings"
	"time"

	"github.com/harun/pilot/pkg/agent"
	"github.com/harun/pilot/pkg/events"
)

// Update variants
const (
	UpdateAgentMessageChunk = "agent_message_chunk"
	UpdateAgentThoughtChunk = "agent_thought_chunk"
	UpdateUserMessageChunk  = "user_message_chunk"
	UpdateToolCall          = "tool_call"
	UpdateToolCallUpdate    = "tool_call_update"
	UpdatePlan              = "plan"
	UpdateAvailableCommands = "available_commands_update"
	UpdateCurrentMode       = "current_mode_update"
	UpdateSessionInfo       = "session_info_update"
	UpdateUsage             = "usage_update"
)

const (
	errorPrefix           = "Error: "
	maxTitleArgumentRunes = 80
)

// Translate maps an event onto the session/update it produces. Events with
// no client-visible form return false. Permission requests are not updates;
// they travel as session/request_permission.
func Translate(ev events.Event) (Update, bool) {
	switch p := ev.Payload.(type) {
	case events.TextChunk:
		return messageChunk(UpdateAgentMessageChunk, p.Text), true
	case events.ThoughtChunk:
		return messageChunk(UpdateAgentThoughtChunk, p.Text), true
	case events.ToolStart:
		u := Update{
			"sessionUpdate": UpdateToolCall,
			"toolCallId":    ev.ToolCallID,
			"title":         toolTitle(p.ToolName, p.Arguments),
			"kind":          p.Kind,
			"status":        events.StatusInProgress,
		}
		if len(p.Arguments) > 0 {
			u["rawInput"] = p.Arguments
		}
		return u, true
	case events.ToolProgress:
		status := p.Status
		if status == "" {
			status = events.StatusInProgress
		}
		return toolUpdate(ev.ToolCallID, status, p.Output), true
	case events.ToolComplete:
		return toolUpdate(ev.ToolCallID, events.StatusCompleted, p.Output), true
	case events.ToolFailed:
		return toolUpdate(ev.ToolCallID, events.StatusFailed, p.Error), true
	case events.PlanUpdate:
		entries := p.Entries
		if entries == nil {
			entries = []events.PlanEntry{}
		}
		return Update{"sessionUpdate": UpdatePlan, "entries": entries}, true
	case events.Error:
		return messageChunk(UpdateAgentMessageChunk, errorPrefix+p.Message), true
	default:
		return nil, false
	}
}

func messageChunk(kind, text string) Update {
	return Update{
		"sessionUpdate": kind,
		"content":       ContentBlock{Type: "text", Text: text},
	}
}

func toolUpdate(toolCallID string, status events.ToolStatus, text string) Update {
	u := Update{
		"sessionUpdate": UpdateToolCallUpdate,
		"toolCallId":    toolCallID,
		"status":        status,
	}
	if text != "" {
		u["content"] = []interface{}{
			map[string]interface{}{
				"type":    "content",
				"content": ContentBlock{Type: "text", Text: text},
			},
		}
	}
	return u
}

// toolTitle labels a tool call with its most telling argument.
func toolTitle(name string, args map[string]interface{}) string {
	for _, key := range []string{"command", "path", "url", "server"} {
		v, ok := args[key].(string)
		if !ok || strings.TrimSpace(v) == "" {
			continue
		}
		v = strings.TrimSpace(v)
		if i := strings.IndexByte(v, '\n'); i >= 0 {
			v = v[:i] + " ..."
		}
		if r := []rune(v); len(r) > maxTitleArgumentRunes {
			v = string(r[:maxTitleArgumentRunes-3]) + "..."
		}
		return fmt.Sprintf("%s: %s", name, v)
	}
	return name
}

func sessionInfoUpdate(title string, updatedAt time.Time) Update {
	return Update{
		"sessionUpdate": UpdateSessionInfo,
		"title":         title,
		"updatedAt":     updatedAt.UTC().Format(time.RFC3339),
	}
}

func usageUpdate(u agent.Usage) Update {
	return Update{
		"sessionUpdate":    UpdateUsage,
		"promptTokens":     u.PromptTokens,
		"completionTokens": u.CompletionTokens,
		"totalTokens":      u.TotalTokens,
	}
}

func currentModeUpdate(modeID string) Update {
	return Update{"sessionUpdate": UpdateCurrentMode, "currentModeId": modeID}
}
