package session

import (
	"strings"
	"time"
	"unicode/utf8"

	"github.com/harun/pilot/pkg/mcp"
	"github.com/harun/pilot/pkg/tools"
)

// Session modes
const (
	ModeDefault = "default"
	ModePlan    = "plan"
)

// Role is the author of a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is one entry of a conversation transcript.
type Message struct {
	Role       Role         `json:"role"`
	Content    string       `json:"content"`
	ToolCalls  []tools.Call `json:"tool_calls,omitempty"`
	ToolCallID string       `json:"tool_call_id,omitempty"`
	// Name is the tool name on tool messages.
	Name string `json:"name,omitempty"`
}

// Config holds per-session agent settings.
type Config struct {
	SystemPrompt       string `json:"system_prompt,omitempty"`
	CustomInstructions string `json:"custom_instructions,omitempty"`
	MaxSteps           int    `json:"max_steps,omitempty"`
	TimeoutMs          int    `json:"timeout_ms,omitempty"`
	Retries            int    `json:"retries,omitempty"`
	RequirePermission  bool   `json:"require_permission"`
	// MaxHistoryTokens is the estimated token budget of the transcript sent
	// to the model. Zero uses the runner default.
	MaxHistoryTokens int `json:"max_history_tokens,omitempty"`
}

// Patch is a sparse update to a session. Nil fields are left unchanged.
type Patch struct {
	Title              *string `json:"title,omitempty"`
	SystemPrompt       *string `json:"system_prompt,omitempty"`
	CustomInstructions *string `json:"custom_instructions,omitempty"`
	MaxSteps           *int    `json:"max_steps,omitempty"`
	TimeoutMs          *int    `json:"timeout_ms,omitempty"`
	Retries            *int    `json:"retries,omitempty"`
	RequirePermission  *bool   `json:"require_permission,omitempty"`
	MaxHistoryTokens   *int    `json:"max_history_tokens,omitempty"`
}

// Empty reports whether the patch changes nothing.
func (p Patch) Empty() bool {
	return p.Title == nil && p.SystemPrompt == nil && p.CustomInstructions == nil &&
		p.MaxSteps == nil && p.TimeoutMs == nil && p.Retries == nil && p.RequirePermission == nil &&
		p.MaxHistoryTokens == nil
}

func (p Patch) apply(s *State) {
	if p.Title != nil {
		s.Title = *p.Title
	}
	if p.SystemPrompt != nil {
		s.Config.SystemPrompt = *p.SystemPrompt
	}
	if p.CustomInstructions != nil {
		s.Config.CustomInstructions = *p.CustomInstructions
	}
	if p.MaxSteps != nil {
		s.Config.MaxSteps = *p.MaxSteps
	}
	if p.TimeoutMs != nil {
		s.Config.TimeoutMs = *p.TimeoutMs
	}
	if p.Retries != nil {
		s.Config.Retries = *p.Retries
	}
	if p.RequirePermission != nil {
		s.Config.RequirePermission = *p.RequirePermission
	}
	if p.MaxHistoryTokens != nil {
		s.Config.MaxHistoryTokens = *p.MaxHistoryTokens
	}
}

// State is a session as stored on disk.
type State struct {
	ID             string           `json:"session_id"`
	CWD            string           `json:"cwd"`
	Title          string           `json:"title,omitempty"`
	UpdatedAt      time.Time        `json:"updated_at"`
	ModeID         string           `json:"mode_id"`
	ModelID        string           `json:"model_id,omitempty"`
	Config         Config           `json:"config"`
	History        []Message        `json:"prompt_history"`
	LastResponseID string           `json:"last_response_id,omitempty"`
	MCPServers     []mcp.ServerSpec `json:"mcp_servers"`
}

// Clone returns a deep copy; mutating it never affects the original.
func (s *State) Clone() *State {
	c := *s
	c.History = CloneMessages(s.History)
	c.MCPServers = mcp.CloneAll(s.MCPServers)
	return &c
}

// Info returns the listing summary of s.
func (s *State) Info() Info {
	return Info{
		ID:        s.ID,
		CWD:       s.CWD,
		Title:     s.Title,
		UpdatedAt: s.UpdatedAt,
		ModeID:    s.ModeID,
		ModelID:   s.ModelID,
		Messages:  len(s.History),
	}
}

// Info summarizes a session for listings.
type Info struct {
	ID        string    `json:"session_id"`
	CWD       string    `json:"cwd"`
	Title     string    `json:"title,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
	ModeID    string    `json:"mode_id"`
	ModelID   string    `json:"model_id,omitempty"`
	Messages  int       `json:"messages"`
	Resident  bool      `json:"resident"`
}

// CloneMessages deep-copies a transcript, including tool call arguments.
func CloneMessages(msgs []Message) []Message {
	if msgs == nil {
		return nil
	}
	out := make([]Message, len(msgs))
	for i, m := range msgs {
		out[i] = m
		if m.ToolCalls != nil {
			calls := make([]tools.Call, len(m.ToolCalls))
			for j, c := range m.ToolCalls {
				calls[j] = c
				calls[j].Arguments = cloneArgs(c.Arguments)
			}
			out[i].ToolCalls = calls
		}
	}
	return out
}

func cloneArgs(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		return cloneArgs(t)
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}

const maxTitleRunes = 60

// TitleFrom derives a session title from the first line of a prompt.
func TitleFrom(prompt string) string {
	line := strings.TrimSpace(prompt)
	if i := strings.IndexByte(line, '\n'); i >= 0 {
		line = strings.TrimSpace(line[:i])
	}
	if utf8.RuneCountInString(line) <= maxTitleRunes {
		return line
	}
	runes := []rune(line)
	return strings.TrimSpace(string(runes[:maxTitleRunes-3])) + "..."
}
