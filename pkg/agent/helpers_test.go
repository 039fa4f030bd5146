package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/harun/pilot/pkg/events"
	"github.com/harun/pilot/pkg/session"
	"github.com/harun/pilot/pkg/tools"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

// scriptedProvider answers each call with the next step of its script. Once
// the script runs out it keeps repeating the last step.
type scriptedProvider struct {
	mu       sync.Mutex
	steps    []func(ctx context.Context, req GenerateRequest) (*GenerateResponse, error)
	requests []GenerateRequest
}

type step = func(ctx context.Context, req GenerateRequest) (*GenerateResponse, error)

func newScriptedProvider(steps ...step) *scriptedProvider {
	return &scriptedProvider{steps: steps}
}

func (p *scriptedProvider) Name() string { return "scripted" }

func (p *scriptedProvider) Generate(ctx context.Context, req GenerateRequest) (*GenerateResponse, error) {
	p.mu.Lock()
	req.Messages = session.CloneMessages(req.Messages)
	p.requests = append(p.requests, req)
	n := len(p.requests)
	var fn step
	if len(p.steps) > 0 {
		idx := n - 1
		if idx >= len(p.steps) {
			idx = len(p.steps) - 1
		}
		fn = p.steps[idx]
	}
	p.mu.Unlock()

	if fn == nil {
		return &GenerateResponse{Content: "ok"}, nil
	}
	return fn(ctx, req)
}

func (p *scriptedProvider) Requests() []GenerateRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]GenerateRequest, len(p.requests))
	copy(out, p.requests)
	return out
}

func reply(content, responseID string) step {
	return func(context.Context, GenerateRequest) (*GenerateResponse, error) {
		return &GenerateResponse{
			Content:    content,
			ResponseID: responseID,
			Usage:      Usage{PromptTokens: 10, CompletionTokens: 2, TotalTokens: 12},
		}, nil
	}
}

func callTools(calls ...tools.Call) step {
	return func(context.Context, GenerateRequest) (*GenerateResponse, error) {
		return &GenerateResponse{ToolCalls: calls, Usage: Usage{PromptTokens: 5, CompletionTokens: 1, TotalTokens: 6}}, nil
	}
}

func fail(msg string) step {
	return func(context.Context, GenerateRequest) (*GenerateResponse, error) {
		return nil, errors.New(msg)
	}
}

func blockUntilDone() step {
	return func(ctx context.Context, _ GenerateRequest) (*GenerateResponse, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
}

type testTools struct {
	mu        sync.Mutex
	bashCalls int
}

func (tt *testTools) BashCalls() int {
	tt.mu.Lock()
	defer tt.mu.Unlock()
	return tt.bashCalls
}

// newTestRegistry registers stand-ins for the builtin tools.
func newTestRegistry(t *testing.T) (*tools.Registry, *testTools) {
	t.Helper()
	reg := tools.NewRegistry()
	tt := &testTools{}

	defs := []tools.Definition{
		{
			Name:        "echo_args",
			Description: "Echo the text argument, optionally after a delay",
			Parameters: []tools.Parameter{
				{Name: "text", Type: "string", Description: "Text", Required: true},
				{Name: "delay_ms", Type: "integer", Description: "Delay"},
			},
			Handler: func(ctx context.Context, args map[string]interface{}) (tools.Result, error) {
				if d, ok := args["delay_ms"].(float64); ok && d > 0 {
					time.Sleep(time.Duration(d) * time.Millisecond)
				}
				return tools.Text(args["text"].(string)), nil
			},
		},
		{
			Name:        "bash",
			Description: "Run a command",
			Parameters: []tools.Parameter{
				{Name: "command", Type: "string", Description: "Command", Required: true},
			},
			Handler: func(ctx context.Context, args map[string]interface{}) (tools.Result, error) {
				tt.mu.Lock()
				tt.bashCalls++
				tt.mu.Unlock()
				return tools.Text("ran " + args["command"].(string)), nil
			},
		},
		{
			Name:        "update_todo",
			Description: "Update the todo list",
			Parameters: []tools.Parameter{
				{Name: "todos", Type: "string", Description: "Checklist", Required: true},
			},
			Handler: func(ctx context.Context, args map[string]interface{}) (tools.Result, error) {
				return tools.Text("TODO list updated\n\n" + args["todos"].(string)), nil
			},
		},
		{
			Name:        "web_fetch",
			Description: "Fetch a page",
			Parameters: []tools.Parameter{
				{Name: "url", Type: "string", Description: "URL", Required: true},
			},
			Handler: func(ctx context.Context, args map[string]interface{}) (tools.Result, error) {
				return tools.Result{
					Output:      "fetched",
					MetaPrompt:  "Summarize " + args["url"].(string),
					MetaContext: "raw page text",
				}, nil
			},
		},
		{
			Name:        "explode",
			Description: "Fail loudly",
			Handler: func(ctx context.Context, args map[string]interface{}) (tools.Result, error) {
				panic("kaboom")
			},
		},
		{
			Name:        "broken",
			Description: "Return an error",
			Handler: func(ctx context.Context, args map[string]interface{}) (tools.Result, error) {
				return tools.Result{}, fmt.Errorf("disk on fire")
			},
		},
	}
	for _, def := range defs {
		require.NoError(t, reg.Register(def))
	}
	return reg, tt
}

// collector reads a queue in the background, answering permission requests
// with answer when it is set.
type collector struct {
	q      *events.Queue
	answer *events.PermissionResponse
	onAsk  func(events.PermissionRequest)
	done   chan struct{}

	mu     sync.Mutex
	events []events.Event
}

func collect(q *events.Queue, answer *events.PermissionResponse) *collector {
	return collectWith(q, answer, nil)
}

func collectWith(q *events.Queue, answer *events.PermissionResponse, onAsk func(events.PermissionRequest)) *collector {
	c := &collector{q: q, answer: answer, onAsk: onAsk, done: make(chan struct{})}
	go func() {
		defer close(c.done)
		for {
			ev, ok := q.Get(context.Background())
			if !ok {
				return
			}
			c.mu.Lock()
			c.events = append(c.events, ev)
			c.mu.Unlock()

			if req, isReq := ev.Payload.(events.PermissionRequest); isReq {
				if c.onAsk != nil {
					c.onAsk(req)
				}
				if c.answer != nil {
					q.ResolvePermission(req.RequestID, *c.answer)
				}
			}
		}
	}()
	return c
}

// finish closes the queue and returns everything seen.
func (c *collector) finish() []events.Event {
	c.q.Close()
	<-c.done
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.events
}

func payloadsOf[T events.Payload](evs []events.Event) []T {
	var out []T
	for _, ev := range evs {
		if p, ok := ev.Payload.(T); ok {
			out = append(out, p)
		}
	}
	return out
}

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}
