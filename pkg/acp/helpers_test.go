package acp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/harun/pilot/pkg/agent"
	"github.com/harun/pilot/pkg/commandqueue"
	"github.com/harun/pilot/pkg/session"
	"github.com/harun/pilot/pkg/tools"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

type step func(req agent.GenerateRequest) (*agent.GenerateResponse, error)

// stubProvider plays its steps in order and repeats the last one.
type stubProvider struct {
	mu       sync.Mutex
	steps    []step
	requests []agent.GenerateRequest
}

func (p *stubProvider) Name() string { return "stub" }

func (p *stubProvider) Generate(ctx context.Context, req agent.GenerateRequest) (*agent.GenerateResponse, error) {
	p.mu.Lock()
	req.Messages = session.CloneMessages(req.Messages)
	p.requests = append(p.requests, req)
	idx := len(p.requests) - 1
	if idx >= len(p.steps) {
		idx = len(p.steps) - 1
	}
	fn := p.steps[idx]
	p.mu.Unlock()
	return fn(req)
}

func (p *stubProvider) Requests() []agent.GenerateRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]agent.GenerateRequest, len(p.requests))
	copy(out, p.requests)
	return out
}

func say(text string) step {
	return func(agent.GenerateRequest) (*agent.GenerateResponse, error) {
		return &agent.GenerateResponse{
			Content:    text,
			ResponseID: "resp-" + text,
			Usage:      agent.Usage{PromptTokens: 10, CompletionTokens: 2, TotalTokens: 12},
		}, nil
	}
}

func useTool(id, name string, args map[string]interface{}) step {
	return func(agent.GenerateRequest) (*agent.GenerateResponse, error) {
		return &agent.GenerateResponse{
			ToolCalls: []tools.Call{{ID: id, Name: name, Arguments: args}},
			Usage:     agent.Usage{PromptTokens: 5, CompletionTokens: 1, TotalTokens: 6},
		}, nil
	}
}

func failWith(msg string) step {
	return func(agent.GenerateRequest) (*agent.GenerateResponse, error) {
		return nil, fmt.Errorf("%s", msg)
	}
}

type testEnv struct {
	server   *Server
	store    *session.Store
	provider *stubProvider
	client   *testClient
	cwd      string
}

func setupTestServer(t *testing.T, provider *stubProvider, configure ...func(*Config)) *testEnv {
	t.Helper()

	store, err := session.NewStore(session.StoreConfig{
		Defaults: session.Config{MaxSteps: 20, RequirePermission: true},
		Logger:   zerolog.Nop(),
	})
	require.NoError(t, err)

	registry := tools.NewRegistry()
	require.NoError(t, registry.Register(tools.Definition{
		Name:        "bash",
		Description: "Run a shell command",
		Parameters: []tools.Parameter{
			{Name: "command", Type: "string", Description: "Command to run", Required: true},
		},
		Handler: func(ctx context.Context, args map[string]interface{}) (tools.Result, error) {
			return tools.Text(fmt.Sprintf("ran %v", args["command"])), nil
		},
	}))

	runner, err := agent.NewRunner(agent.Config{
		Provider: provider,
		Registry: registry,
		Logger:   zerolog.Nop(),
	})
	require.NoError(t, err)

	commands := commandqueue.New(zerolog.Nop())
	cwd := t.TempDir()
	cfg := Config{
		Store:    store,
		Runner:   runner,
		Commands: commands,
		CWD:      cwd,
		Version:  "test",
		Logger:   zerolog.Nop(),
	}
	for _, fn := range configure {
		fn(&cfg)
	}
	server, err := NewServer(cfg)
	require.NoError(t, err)

	clientIn, agentOut := io.Pipe()
	agentIn, clientOut := io.Pipe()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- server.Serve(ctx, NewStreamTransport(agentIn, agentOut))
	}()

	client := newTestClient(t, clientIn, clientOut)
	t.Cleanup(func() {
		clientOut.Close()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("server did not stop")
		}
		cancel()
		agentOut.Close()
		commands.Close()
	})

	return &testEnv{server: server, store: store, provider: provider, client: client, cwd: cwd}
}

// testClient plays the editor side of a connection.
type testClient struct {
	t *testing.T

	wmu sync.Mutex
	w   io.Writer

	mu           sync.Mutex
	nextID       int
	waiting      map[string]chan *Message
	updates      []UpdateParams
	permissions  []PermissionParams
	onPermission func(PermissionParams) (*PermissionResult, error)

	orphans chan *Message
}

func newTestClient(t *testing.T, r io.Reader, w io.Writer) *testClient {
	c := &testClient{
		t:       t,
		w:       w,
		waiting: make(map[string]chan *Message),
		orphans: make(chan *Message, 16),
	}
	go c.readLoop(r)
	return c
}

func (c *testClient) readLoop(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var msg Message
		if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
			continue
		}

		switch {
		case msg.IsResponse():
			c.mu.Lock()
			slot, ok := c.waiting[string(msg.ID)]
			delete(c.waiting, string(msg.ID))
			c.mu.Unlock()
			if ok {
				slot <- &msg
			}
		case msg.Method == MethodSessionUpdate:
			var p UpdateParams
			if err := json.Unmarshal(msg.Params, &p); err == nil {
				c.mu.Lock()
				c.updates = append(c.updates, p)
				c.mu.Unlock()
			}
		case msg.Method == MethodRequestPermission:
			go c.answerPermission(msg)
		default:
			c.orphans <- &msg
		}
	}
}

func (c *testClient) answerPermission(msg Message) {
	var p PermissionParams
	_ = json.Unmarshal(msg.Params, &p)

	c.mu.Lock()
	c.permissions = append(c.permissions, p)
	fn := c.onPermission
	c.mu.Unlock()

	reply := Message{JSONRPC: "2.0", ID: msg.ID}
	if fn == nil {
		reply.Error = &RPCError{Code: MethodNotFound, Message: "no permission handler"}
	} else if res, err := fn(p); err != nil {
		reply.Error = &RPCError{Code: InternalError, Message: err.Error()}
	} else {
		raw, _ := json.Marshal(res)
		reply.Result = raw
	}
	_ = c.write(reply)
}

func (c *testClient) setPermissionHandler(fn func(PermissionParams) (*PermissionResult, error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onPermission = fn
}

func (c *testClient) write(msg interface{}) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return c.writeRaw(data)
}

func (c *testClient) writeRaw(data []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_, err := c.w.Write(append(data, '\n'))
	return err
}

// request sends a request and waits for its response.
func (c *testClient) request(method string, params interface{}) *Message {
	c.t.Helper()

	c.mu.Lock()
	c.nextID++
	id := fmt.Sprintf("%d", c.nextID)
	slot := make(chan *Message, 1)
	c.waiting[id] = slot
	c.mu.Unlock()

	raw, err := json.Marshal(params)
	require.NoError(c.t, err)
	require.NoError(c.t, c.write(Message{JSONRPC: "2.0", ID: json.RawMessage(id), Method: method, Params: raw}))

	select {
	case msg := <-slot:
		return msg
	case <-time.After(5 * time.Second):
		c.t.Fatalf("timed out waiting for %s", method)
		return nil
	}
}

// call sends a request that must succeed and decodes its result.
func (c *testClient) call(method string, params, result interface{}) {
	c.t.Helper()

	msg := c.request(method, params)
	require.Nil(c.t, msg.Error, "%s failed: %v", method, msg.Error)
	if result != nil {
		require.NoError(c.t, json.Unmarshal(msg.Result, result))
	}
}

func (c *testClient) notify(method string, params interface{}) {
	c.t.Helper()

	raw, err := json.Marshal(params)
	require.NoError(c.t, err)
	require.NoError(c.t, c.write(Message{JSONRPC: "2.0", Method: method, Params: raw}))
}

// updatesOf returns the updates of one variant, in arrival order.
func (c *testClient) updatesOf(kind string) []Update {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Update
	for _, p := range c.updates {
		if p.Update["sessionUpdate"] == kind {
			out = append(out, p.Update)
		}
	}
	return out
}

func (c *testClient) permissionRequests() []PermissionParams {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]PermissionParams, len(c.permissions))
	copy(out, c.permissions)
	return out
}

// newSession opens a session and returns its id.
func (c *testClient) newSession(cwd string) string {
	c.t.Helper()

	var res SessionResult
	c.call(MethodSessionNew, SessionParams{CWD: cwd}, &res)
	require.NotEmpty(c.t, res.SessionID)
	return res.SessionID
}

func (c *testClient) prompt(sessionID, text string) string {
	c.t.Helper()

	var res PromptResult
	c.call(MethodSessionPrompt, PromptParams{
		SessionID: sessionID,
		Prompt:    []ContentBlock{{Type: "text", Text: text}},
	}, &res)
	return res.StopReason
}

func chunkText(u Update) string {
	content, _ := u["content"].(map[string]interface{})
	text, _ := content["text"].(string)
	return text
}

func toolContentText(u Update) string {
	items, _ := u["content"].([]interface{})
	if len(items) == 0 {
		return ""
	}
	item, _ := items[0].(map[string]interface{})
	return chunkText(Update(item))
}
