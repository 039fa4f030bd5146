package events

import (
	"time"
)

// Type identifies an event variant.
type Type string

const (
	TypeTextChunk          Type = "text_chunk"
	TypeTextDone           Type = "text_done"
	TypeToolStart          Type = "tool_start"
	TypeToolProgress       Type = "tool_progress"
	TypeToolComplete       Type = "tool_complete"
	TypeToolFailed         Type = "tool_failed"
	TypeThoughtChunk       Type = "thought_chunk"
	TypePlanUpdate         Type = "plan_update"
	TypePermissionRequest  Type = "permission_request"
	TypePermissionResponse Type = "permission_response"
	TypeError              Type = "error"
)

// ToolStatus is the lifecycle status reported for a tool call.
type ToolStatus string

const (
	StatusPending    ToolStatus = "pending"
	StatusInProgress ToolStatus = "in_progress"
	StatusCompleted  ToolStatus = "completed"
	StatusFailed     ToolStatus = "failed"
)

// Event is a single immutable update emitted while a prompt runs.
type Event struct {
	Type       Type
	SessionID  string
	ToolCallID string
	Payload    Payload
	Timestamp  time.Time
}

// Payload is the variant-specific body of an Event. The set of
// implementations is closed to this package.
type Payload interface {
	Type() Type
	sealed()
}

// TextChunk is a piece of streamed assistant text.
type TextChunk struct {
	Text string
}

// TextDone marks the end of streamed assistant text.
type TextDone struct{}

// ToolStart reports that a tool call began.
type ToolStart struct {
	ToolName  string
	Kind      Kind
	Arguments map[string]interface{}
}

// ToolProgress reports intermediate tool status.
type ToolProgress struct {
	ToolName string
	Kind     Kind
	Status   ToolStatus
	Output   string
}

// ToolComplete reports a successful tool call.
type ToolComplete struct {
	ToolName string
	Kind     Kind
	Output   string
}

// ToolFailed reports a failed, denied, cancelled or unknown tool call.
type ToolFailed struct {
	ToolName string
	Kind     Kind
	Error    string
}

// ThoughtChunk is agent reasoning shown alongside tool calls.
type ThoughtChunk struct {
	Text string
}

// PlanEntry is one item of the agent's task plan.
type PlanEntry struct {
	Content  string `json:"content"`
	Status   string `json:"status"`
	Priority string `json:"priority"`
}

// PlanUpdate replaces the plan shown to the user.
type PlanUpdate struct {
	Entries []PlanEntry
}

// PermissionRequest asks the front-end to approve a tool execution.
type PermissionRequest struct {
	RequestID  string
	ToolCallID string
	ToolName   string
	Arguments  map[string]interface{}
	Reason     string
}

// PermissionResponse answers a PermissionRequest.
type PermissionResponse struct {
	RequestID   string
	Approved    bool
	AlwaysAllow bool
}

// Error reports a failure. Fatal errors end the prompt.
type Error struct {
	Message string
	Fatal   bool
}

func (TextChunk) Type() Type          { return TypeTextChunk }
func (TextDone) Type() Type           { return TypeTextDone }
func (ToolStart) Type() Type          { return TypeToolStart }
func (ToolProgress) Type() Type       { return TypeToolProgress }
func (ToolComplete) Type() Type       { return TypeToolComplete }
func (ToolFailed) Type() Type         { return TypeToolFailed }
func (ThoughtChunk) Type() Type       { return TypeThoughtChunk }
func (PlanUpdate) Type() Type         { return TypePlanUpdate }
func (PermissionRequest) Type() Type  { return TypePermissionRequest }
func (PermissionResponse) Type() Type { return TypePermissionResponse }
func (Error) Type() Type              { return TypeError }

func (TextChunk) sealed()          {}
func (TextDone) sealed()           {}
func (ToolStart) sealed()          {}
func (ToolProgress) sealed()       {}
func (ToolComplete) sealed()       {}
func (ToolFailed) sealed()         {}
func (ThoughtChunk) sealed()       {}
func (PlanUpdate) sealed()         {}
func (PermissionRequest) sealed()  {}
func (PermissionResponse) sealed() {}
func (Error) sealed()              {}
