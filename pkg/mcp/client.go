package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/harun/pilot/pkg/errs"
	"github.com/rs/zerolog"
)

const (
	ProtocolVersion = "2024-11-05"

	defaultCallTimeout = 30 * time.Second
	closeGrace         = 3 * time.Second
	maxLineSize        = 4 * 1024 * 1024
)

// ErrServerExited is returned for calls pending when the server process ends.
var ErrServerExited = errors.New("mcp server exited")

type rpcRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
	ID      *int64      `json:"id,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
	ID      *int64          `json:"id"`
}

type rpcError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Tool is a tool advertised by a server's tools/list.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// ClientInfo identifies this process in the initialize handshake.
type ClientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// Client talks line-delimited JSON-RPC 2.0 to one stdio server process.
type Client struct {
	spec        ServerSpec
	info        ClientInfo
	logger      zerolog.Logger
	callTimeout time.Duration

	mu      sync.Mutex
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	nextID  int64
	pending map[int64]chan *rpcResponse
	tools   []Tool
	exited  chan struct{}

	startMu sync.Mutex
	writeMu sync.Mutex
}

// NewClient prepares a client for spec. Nothing is started until the first
// call.
func NewClient(spec ServerSpec, info ClientInfo, logger zerolog.Logger) *Client {
	return &Client{
		spec:        spec,
		info:        info,
		logger:      logger.With().Str("mcp_server", spec.Name).Logger(),
		callTimeout: defaultCallTimeout,
		pending:     make(map[int64]chan *rpcResponse),
	}
}

// SetCallTimeout bounds each request. Zero restores the default.
func (c *Client) SetCallTimeout(d time.Duration) {
	if d <= 0 {
		d = defaultCallTimeout
	}
	c.mu.Lock()
	c.callTimeout = d
	c.mu.Unlock()
}

// Spec returns the server spec the client was built from.
func (c *Client) Spec() ServerSpec {
	return c.spec
}

// Connected reports whether the server process is running and initialized.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.runningLocked()
}

func (c *Client) runningLocked() bool {
	if c.cmd == nil {
		return false
	}
	select {
	case <-c.exited:
		return false
	default:
		return true
	}
}

// CachedTools returns the tool list fetched during the handshake.
func (c *Client) CachedTools() []Tool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Tool(nil), c.tools...)
}

// Start launches the server and performs the initialize handshake. It is a
// no-op while the process is running; a dead process is restarted.
func (c *Client) Start(ctx context.Context) error {
	if c.spec.ServerType != TypeStdio {
		return errs.Newf(errs.CodeUnsupported, "mcp server %s uses %s transport; only stdio servers can be connected", c.spec.Name, c.spec.ServerType)
	}

	c.startMu.Lock()
	defer c.startMu.Unlock()

	c.mu.Lock()
	if c.runningLocked() {
		c.mu.Unlock()
		return nil
	}
	if dead := c.cmd; dead != nil {
		// Reap the previous process; its reader has already finished.
		go func() { _ = dead.Wait() }()
	}

	cmd := exec.Command(c.spec.Command, c.spec.Args...)
	if c.spec.CWD != "" {
		cmd.Dir = c.spec.CWD
	}
	if len(c.spec.Env) > 0 {
		env := os.Environ()
		for k, v := range c.spec.Env {
			env = append(env, k+"="+v)
		}
		cmd.Env = env
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		c.mu.Unlock()
		return err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		c.mu.Unlock()
		return err
	}
	cmd.Stderr = &stderrLogger{logger: c.logger}

	if err := cmd.Start(); err != nil {
		c.mu.Unlock()
		return fmt.Errorf("failed to start mcp server %s: %w", c.spec.Name, err)
	}

	c.cmd = cmd
	c.stdin = stdin
	c.exited = make(chan struct{})
	c.tools = nil
	go c.listen(stdout, c.exited)
	c.mu.Unlock()

	c.logger.Info().Str("command", c.spec.Command).Int("pid", cmd.Process.Pid).Msg("MCP server started")

	if err := c.initialize(ctx); err != nil {
		_ = c.Close()
		return fmt.Errorf("mcp server %s: initialize failed: %w", c.spec.Name, err)
	}
	return nil
}

// listen routes responses to their pending callers until stdout closes.
func (c *Client) listen(stdout io.Reader, exited chan struct{}) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(strings.TrimSpace(string(line))) == 0 {
			continue
		}

		var resp rpcResponse
		if err := json.Unmarshal(line, &resp); err != nil {
			c.logger.Warn().Err(err).Msg("Failed to unmarshal MCP message")
			continue
		}
		if resp.ID == nil {
			// Server notification or request; nothing is subscribed to them.
			continue
		}

		c.mu.Lock()
		ch, ok := c.pending[*resp.ID]
		if ok {
			delete(c.pending, *resp.ID)
		}
		c.mu.Unlock()

		if ok {
			ch <- &resp
		}
	}
	if err := scanner.Err(); err != nil {
		c.logger.Warn().Err(err).Msg("MCP stdout read failed")
	}

	c.mu.Lock()
	close(exited)
	for id, ch := range c.pending {
		delete(c.pending, id)
		close(ch)
	}
	c.mu.Unlock()
}

func (c *Client) initialize(ctx context.Context) error {
	params := map[string]interface{}{
		"protocolVersion": ProtocolVersion,
		"capabilities":    map[string]interface{}{},
		"clientInfo":      c.info,
	}
	if _, err := c.call(ctx, "initialize", params); err != nil {
		return err
	}
	if err := c.notify("notifications/initialized", nil); err != nil {
		return err
	}

	tools, err := c.fetchTools(ctx)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.tools = tools
	c.mu.Unlock()
	return nil
}

func (c *Client) fetchTools(ctx context.Context) ([]Tool, error) {
	raw, err := c.call(ctx, "tools/list", nil)
	if err != nil {
		return nil, err
	}
	var result struct {
		Tools []Tool `json:"tools"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("invalid tools/list result: %w", err)
	}
	return result.Tools, nil
}

func (c *Client) write(msg rpcRequest) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	c.mu.Lock()
	stdin := c.stdin
	c.mu.Unlock()
	if stdin == nil {
		return ErrServerExited
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err = stdin.Write(append(data, '\n'))
	return err
}

func (c *Client) notify(method string, params interface{}) error {
	return c.write(rpcRequest{JSONRPC: "2.0", Method: method, Params: params})
}

func (c *Client) call(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	c.mu.Lock()
	if !c.runningLocked() {
		c.mu.Unlock()
		return nil, ErrServerExited
	}
	c.nextID++
	id := c.nextID
	ch := make(chan *rpcResponse, 1)
	c.pending[id] = ch
	timeout := c.callTimeout
	c.mu.Unlock()

	forget := func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}

	if err := c.write(rpcRequest{JSONRPC: "2.0", Method: method, Params: params, ID: &id}); err != nil {
		forget()
		return nil, fmt.Errorf("failed to send %s: %w", method, err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, ErrServerExited
		}
		if resp.Error != nil {
			return nil, fmt.Errorf("MCP error (%d): %s", resp.Error.Code, resp.Error.Message)
		}
		return resp.Result, nil
	case <-ctx.Done():
		forget()
		return nil, ctx.Err()
	case <-timer.C:
		forget()
		return nil, fmt.Errorf("MCP request %s timed out after %s", method, timeout)
	}
}

// ListTools refreshes and returns the server's tools, starting it if needed.
func (c *Client) ListTools(ctx context.Context) ([]Tool, error) {
	if err := c.Start(ctx); err != nil {
		return nil, err
	}
	tools, err := c.fetchTools(ctx)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.tools = tools
	c.mu.Unlock()
	return tools, nil
}

type callResult struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	IsError bool `json:"isError"`
}

// CallTool invokes a tool and returns its text content joined by newlines.
// A result without text content is returned as raw JSON. A result flagged
// isError comes back as an error carrying the text.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]interface{}) (string, error) {
	if err := c.Start(ctx); err != nil {
		return "", err
	}
	if args == nil {
		args = map[string]interface{}{}
	}

	raw, err := c.call(ctx, "tools/call", map[string]interface{}{
		"name":      name,
		"arguments": args,
	})
	if err != nil {
		return "", err
	}

	text := ExtractText(raw)
	var res callResult
	if json.Unmarshal(raw, &res) == nil && res.IsError {
		return "", errors.New(text)
	}
	return text, nil
}

// ExtractText joins the text items of a tools/call result.
func ExtractText(raw json.RawMessage) string {
	var res callResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return string(raw)
	}
	parts := make([]string, 0, len(res.Content))
	for _, item := range res.Content {
		if item.Type == "text" {
			parts = append(parts, item.Text)
		}
	}
	if len(parts) == 0 {
		return string(raw)
	}
	return strings.Join(parts, "\n")
}

// Close closes stdin, waits briefly for the process to exit and kills it if
// it does not.
func (c *Client) Close() error {
	c.mu.Lock()
	cmd, stdin, exited := c.cmd, c.stdin, c.exited
	c.cmd, c.stdin = nil, nil
	c.mu.Unlock()

	if cmd == nil {
		return nil
	}
	if stdin != nil {
		_ = stdin.Close()
	}

	select {
	case <-exited:
	case <-time.After(closeGrace):
		_ = cmd.Process.Kill()
		<-exited
	}
	err := cmd.Wait()

	c.logger.Debug().Msg("MCP server stopped")

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		// A server killed or exiting non-zero on stdin close is a normal stop.
		return nil
	}
	return err
}

type stderrLogger struct {
	logger zerolog.Logger
}

func (s *stderrLogger) Write(p []byte) (int, error) {
	for _, line := range strings.Split(strings.TrimRight(string(p), "\n"), "\n") {
		if line != "" {
			s.logger.Debug().Str("stream", "stderr").Msg(line)
		}
	}
	return len(p), nil
}
