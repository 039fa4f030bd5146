package agent

import (
	"github.com/harun/pilot/pkg/events"
	"github.com/harun/pilot/pkg/session"
	"github.com/harun/pilot/pkg/tools"
)

// DefaultMaxSteps bounds a run when the session config does not.
const DefaultMaxSteps = 32

// PlanPrefix marks the user message of a plan-mode prompt.
const PlanPrefix = "[[PLAN]] "

// Outcome is how a run ended.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeCancelled Outcome = "cancelled"
	OutcomeMaxSteps  Outcome = "max_steps"
	OutcomeError     Outcome = "error"
)

// Usage tracks token consumption.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
	CachedTokens     int `json:"cached_tokens,omitempty"`
}

// Add accumulates o into u.
func (u *Usage) Add(o Usage) {
	u.PromptTokens += o.PromptTokens
	u.CompletionTokens += o.CompletionTokens
	u.TotalTokens += o.TotalTokens
	u.CachedTokens += o.CachedTokens
}

// GenerateRequest is one model call.
type GenerateRequest struct {
	// Model overrides the provider default when set.
	Model              string
	Messages           []session.Message
	Tools              []tools.Spec
	MaxTokens          int
	PreviousResponseID string
}

// GenerateResponse is the model's answer. Either Content or ToolCalls may be
// empty.
type GenerateResponse struct {
	Content    string
	ToolCalls  []tools.Call
	ResponseID string
	Usage      Usage
}

// RunParams is the input of one prompt run.
type RunParams struct {
	SessionID string
	CWD       string
	Prompt    string
	Mode      string
	Model     string
	Config    session.Config
	// History is the transcript so far. An empty history starts a new
	// conversation with a system prompt.
	History        []session.Message
	LastResponseID string
	// Queue receives progress events and carries the cancellation token. It
	// may be nil for headless runs.
	Queue *events.Queue
}

// RunResult is the output of one prompt run. History always holds the full
// transcript, even when the run did not complete.
type RunResult struct {
	Outcome        Outcome
	Response       string
	History        []session.Message
	LastResponseID string
	Usage          Usage
	Steps          int
	Err            error
}

// EstimateTokens provides a rough token count estimation
func EstimateTokens(messages []session.Message) int {
	totalChars := 0
	for _, msg := range messages {
		totalChars += len(msg.Content)
	}
	// Rough estimation: 1 token ≈ 4 characters
	return (totalChars + 3) / 4
}
