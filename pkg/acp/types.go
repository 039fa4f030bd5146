package acp

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/harun/pilot/pkg/events"
	"github.com/harun/pilot/pkg/mcp"
	"github.com/harun/pilot/pkg/session"
)

// ProtocolVersion is the ACP version this agent speaks.
const ProtocolVersion = 1

// Message represents any JSON-RPC 2.0 message: a request, a notification or
// a response.
type Message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// hasID reports whether the message carries a non-null id.
func (m *Message) hasID() bool {
	id := bytes.TrimSpace(m.ID)
	return len(id) > 0 && !bytes.Equal(id, []byte("null"))
}

// IsRequest reports whether the message expects a response.
func (m *Message) IsRequest() bool {
	return m.Method != "" && m.hasID()
}

// IsNotification reports whether the message is a one-way call.
func (m *Message) IsNotification() bool {
	return m.Method != "" && !m.hasID()
}

// IsResponse reports whether the message answers an outbound request.
func (m *Message) IsResponse() bool {
	return m.Method == "" && m.hasID()
}

// RPCError represents a JSON-RPC 2.0 error
type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// Error implements the error interface
func (e *RPCError) Error() string {
	return e.Message
}

// RPC error codes
const (
	ParseError       = -32700
	InvalidRequest   = -32600
	MethodNotFound   = -32601
	InvalidParams    = -32602
	InternalError    = -32603
	ResourceNotFound = -32002
)

// Method names
const (
	MethodInitialize        = "initialize"
	MethodAuthenticate      = "authenticate"
	MethodSessionNew        = "session/new"
	MethodSessionLoad       = "session/load"
	MethodSessionFork       = "session/fork"
	MethodSessionResume     = "session/resume"
	MethodSessionList       = "session/list"
	MethodSessionSetMode    = "session/set_mode"
	MethodSessionSetModel   = "session/set_model"
	MethodSessionSetConfig  = "session/set_config"
	MethodSessionPrompt     = "session/prompt"
	MethodSessionCancel     = "session/cancel"
	MethodSessionUpdate     = "session/update"
	MethodRequestPermission = "session/request_permission"
)

// Stop reasons
const (
	StopEndTurn   = "end_turn"
	StopCancelled = "cancelled"
)

// Permission option kinds offered to the client.
const (
	OptionAllowOnce   = "allow_once"
	OptionAllowAlways = "allow_always"
	OptionRejectOnce  = "reject_once"
)

// Implementation identifies a client or agent.
type Implementation struct {
	Name    string `json:"name"`
	Title   string `json:"title,omitempty"`
	Version string `json:"version,omitempty"`
}

// InitializeParams is sent by the client once per connection.
type InitializeParams struct {
	ProtocolVersion    int             `json:"protocolVersion"`
	ClientCapabilities json.RawMessage `json:"clientCapabilities,omitempty"`
	ClientInfo         *Implementation `json:"clientInfo,omitempty"`
}

// AgentCapabilities advertises optional agent features.
type AgentCapabilities struct {
	LoadSession        bool               `json:"loadSession"`
	PromptCapabilities PromptCapabilities `json:"promptCapabilities"`
	MCPCapabilities    MCPCapabilities    `json:"mcpCapabilities"`
}

// PromptCapabilities lists the content block types accepted in prompts.
type PromptCapabilities struct {
	Image           bool `json:"image"`
	Audio           bool `json:"audio"`
	EmbeddedContext bool `json:"embeddedContext"`
}

// MCPCapabilities lists the MCP transports the agent can connect to.
type MCPCapabilities struct {
	HTTP bool `json:"http"`
	SSE  bool `json:"sse"`
}

// InitializeResult answers initialize.
type InitializeResult struct {
	ProtocolVersion   int               `json:"protocolVersion"`
	AgentCapabilities AgentCapabilities `json:"agentCapabilities"`
	AuthMethods       []interface{}     `json:"authMethods"`
	AgentInfo         Implementation    `json:"agentInfo"`
}

// SessionParams covers new, load, fork and resume. SessionID is empty for
// session/new.
type SessionParams struct {
	SessionID  string           `json:"sessionId,omitempty"`
	CWD        string           `json:"cwd"`
	MCPServers []mcp.ServerSpec `json:"mcpServers,omitempty"`
}

// SessionMode describes one selectable mode.
type SessionMode struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// SessionModeState is the current mode plus the available ones.
type SessionModeState struct {
	CurrentModeID  string        `json:"currentModeId"`
	AvailableModes []SessionMode `json:"availableModes"`
}

// SessionResult answers new, load, fork and resume.
type SessionResult struct {
	SessionID string            `json:"sessionId,omitempty"`
	Modes     *SessionModeState `json:"modes,omitempty"`
}

// ListParams filters session/list.
type ListParams struct {
	CWD string `json:"cwd,omitempty"`
}

// SessionInfo is one entry of a session listing.
type SessionInfo struct {
	SessionID string    `json:"sessionId"`
	CWD       string    `json:"cwd"`
	Title     string    `json:"title,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
	ModeID    string    `json:"modeId,omitempty"`
	ModelID   string    `json:"modelId,omitempty"`
	Messages  int       `json:"messages"`
}

// ListResult answers session/list.
type ListResult struct {
	Sessions []SessionInfo `json:"sessions"`
}

// SetModeParams is sent by session/set_mode.
type SetModeParams struct {
	SessionID string `json:"sessionId"`
	ModeID    string `json:"modeId"`
}

// SetModelParams is sent by session/set_model.
type SetModelParams struct {
	SessionID string `json:"sessionId"`
	ModelID   string `json:"modelId"`
}

// SetConfigParams is sent by session/set_config.
type SetConfigParams struct {
	SessionID string        `json:"sessionId"`
	Config    session.Patch `json:"config"`
}

// ContentBlock is a prompt or message content block. Only text and embedded
// text resources carry prompt text.
type ContentBlock struct {
	Type     string            `json:"type"`
	Text     string            `json:"text,omitempty"`
	URI      string            `json:"uri,omitempty"`
	Name     string            `json:"name,omitempty"`
	Resource *EmbeddedResource `json:"resource,omitempty"`
}

// EmbeddedResource is the body of a resource content block.
type EmbeddedResource struct {
	URI      string `json:"uri,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
	Text     string `json:"text,omitempty"`
}

// PromptParams is sent by session/prompt.
type PromptParams struct {
	SessionID string         `json:"sessionId"`
	Prompt    []ContentBlock `json:"prompt"`
}

// PromptResult answers session/prompt.
type PromptResult struct {
	StopReason string `json:"stopReason"`
}

// CancelParams is sent by the session/cancel notification.
type CancelParams struct {
	SessionID string `json:"sessionId"`
}

// Update is the body of a session/update notification. The sessionUpdate key
// names the variant.
type Update map[string]interface{}

// UpdateParams wraps an Update with its session.
type UpdateParams struct {
	SessionID string `json:"sessionId"`
	Update    Update `json:"update"`
}

// PermissionOption is one choice offered by session/request_permission.
type PermissionOption struct {
	OptionID string `json:"optionId"`
	Name     string `json:"name"`
	Kind     string `json:"kind"`
}

// PermissionToolCall describes the tool call awaiting approval.
type PermissionToolCall struct {
	ToolCallID string                 `json:"toolCallId"`
	Title      string                 `json:"title"`
	Kind       events.Kind            `json:"kind"`
	Status     events.ToolStatus      `json:"status"`
	RawInput   map[string]interface{} `json:"rawInput,omitempty"`
}

// PermissionParams is sent by the agent as session/request_permission.
type PermissionParams struct {
	SessionID string             `json:"sessionId"`
	ToolCall  PermissionToolCall `json:"toolCall"`
	Options   []PermissionOption `json:"options"`
}

// PermissionOutcome is the client's choice.
type PermissionOutcome struct {
	Outcome  string `json:"outcome"`
	OptionID string `json:"optionId,omitempty"`
}

// PermissionResult answers session/request_permission.
type PermissionResult struct {
	Outcome PermissionOutcome `json:"outcome"`
}
