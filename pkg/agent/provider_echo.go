package agent

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/harun/pilot/pkg/session"
)

// EchoProvider answers with the last user message. It needs no credentials.
type EchoProvider struct {
	calls atomic.Int64
}

// NewEchoProvider creates an echo provider
func NewEchoProvider() *EchoProvider {
	return &EchoProvider{}
}

// Name returns the provider name
func (p *EchoProvider) Name() string {
	return ProviderEcho
}

// Generate echoes the most recent user message
func (p *EchoProvider) Generate(ctx context.Context, req GenerateRequest) (*GenerateResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	content := "Echo"
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == session.RoleUser {
			content = "Echo: " + req.Messages[i].Content
			break
		}
	}

	n := p.calls.Add(1)
	prompt := EstimateTokens(req.Messages)
	completion := EstimateTokens([]session.Message{{Content: content}})
	return &GenerateResponse{
		Content:    content,
		ResponseID: fmt.Sprintf("echo-%d", n),
		Usage: Usage{
			PromptTokens:     prompt,
			CompletionTokens: completion,
			TotalTokens:      prompt + completion,
		},
	}, nil
}
