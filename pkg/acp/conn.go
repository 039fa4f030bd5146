package acp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/harun/pilot/internal/tracing"
	"github.com/harun/pilot/pkg/errs"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

// ErrConnClosed is returned by Call and Notify once the connection stopped
// serving.
var ErrConnClosed = errs.New(errs.CodeCancelled, "connection closed", nil)

// Handler serves one method. Notifications discard the result.
type Handler func(ctx context.Context, params json.RawMessage) (interface{}, error)

// Conn is a bidirectional JSON-RPC 2.0 peer over a Transport. Incoming
// requests are served concurrently; outbound requests are correlated by id.
type Conn struct {
	transport Transport
	logger    zerolog.Logger

	mu      sync.RWMutex
	methods map[string]Handler

	pendingMu sync.Mutex
	pending   map[string]chan *Message
	closed    bool
	done      chan struct{}

	wg sync.WaitGroup
}

// NewConn creates a connection. Methods must be registered before Serve.
func NewConn(transport Transport, logger zerolog.Logger) *Conn {
	return &Conn{
		transport: transport,
		logger:    logger.With().Str("component", "acp").Logger(),
		methods:   make(map[string]Handler),
		pending:   make(map[string]chan *Message),
		done:      make(chan struct{}),
	}
}

// RegisterMethod registers an RPC method handler
func (c *Conn) RegisterMethod(name string, handler Handler) error {
	if handler == nil {
		return fmt.Errorf("handler cannot be nil")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.methods[name] = handler
	return nil
}

// Done is closed when the connection stops serving.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Serve reads messages until the transport ends or ctx is cancelled, then
// cancels in-flight handlers and waits for them. A clean end of input returns
// nil.
func (c *Conn) Serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)

	incoming := make(chan []byte)
	readErr := make(chan error, 1)
	go func() {
		for {
			data, err := c.transport.ReadMessage(ctx)
			if err != nil {
				readErr <- err
				return
			}
			select {
			case incoming <- data:
			case <-ctx.Done():
				return
			}
		}
	}()

	var err error
loop:
	for {
		select {
		case <-ctx.Done():
			err = ctx.Err()
			break loop
		case err = <-readErr:
			break loop
		case data := <-incoming:
			c.handle(ctx, data)
		}
	}

	c.shutdown()
	cancel()
	c.wg.Wait()

	if errors.Is(err, io.EOF) {
		c.logger.Debug().Msg("Peer closed the connection")
		return nil
	}
	return err
}

func (c *Conn) shutdown() {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.done)
}

func (c *Conn) handle(ctx context.Context, data []byte) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		c.reply(ctx, nil, nil, &RPCError{Code: ParseError, Message: "Parse error", Data: err.Error()})
		return
	}

	switch {
	case msg.IsResponse():
		c.deliver(&msg)
	case msg.IsRequest(), msg.IsNotification():
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.serve(ctx, &msg)
		}()
	default:
		c.reply(ctx, msg.ID, nil, &RPCError{Code: InvalidRequest, Message: "Invalid request: missing method field"})
	}
}

// serve routes a request or notification to its handler.
func (c *Conn) serve(ctx context.Context, msg *Message) {
	ctx = tracing.WithRequestID(ctx, string(msg.ID))
	ctx, span := tracing.StartSpan(ctx, "pilot.acp", "acp.request",
		attribute.String("method", msg.Method),
	)
	defer span.End()

	start := time.Now()
	result, err := c.route(ctx, msg)
	if err != nil {
		tracing.RecordError(span, err)
	}

	logger := c.logger.With().Str("method", msg.Method).Dur("duration", time.Since(start)).Logger()
	if msg.IsNotification() {
		if err != nil {
			logger.Warn().Err(err).Msg("Notification failed")
		}
		return
	}

	if err != nil {
		rpcErr := toRPCError(err)
		logger.Debug().Int("code", rpcErr.Code).Str("error", rpcErr.Message).Msg("Request failed")
		c.reply(ctx, msg.ID, nil, rpcErr)
		return
	}
	logger.Debug().Msg("Request served")
	if f, ok := result.(followUp); ok {
		c.reply(ctx, msg.ID, f.result, nil)
		f.then(ctx)
		return
	}
	c.reply(ctx, msg.ID, result, nil)
}

// followUp lets a handler send notifications after its response is written.
type followUp struct {
	result interface{}
	then   func(ctx context.Context)
}

func (c *Conn) route(ctx context.Context, msg *Message) (result interface{}, err error) {
	c.mu.RLock()
	handler, exists := c.methods[msg.Method]
	c.mu.RUnlock()

	if !exists {
		return nil, &RPCError{
			Code:    MethodNotFound,
			Message: fmt.Sprintf("Method not found: %s", msg.Method),
		}
	}

	defer func() {
		if r := recover(); r != nil {
			c.logger.Error().Interface("panic", r).Str("method", msg.Method).Msg("Handler panicked")
			err = &RPCError{Code: InternalError, Message: fmt.Sprintf("Internal error: %v", r)}
		}
	}()
	return handler(ctx, msg.Params)
}

func (c *Conn) reply(ctx context.Context, id json.RawMessage, result interface{}, rpcErr *RPCError) {
	msg := &Message{JSONRPC: "2.0", ID: id, Error: rpcErr}
	if len(msg.ID) == 0 {
		msg.ID = json.RawMessage("null")
	}
	if rpcErr == nil {
		raw, err := json.Marshal(result)
		if err != nil {
			msg.Error = &RPCError{Code: InternalError, Message: "failed to encode result", Data: err.Error()}
		} else {
			msg.Result = raw
		}
	}
	if err := c.write(ctx, msg); err != nil {
		c.logger.Warn().Err(err).Msg("Failed to write response")
	}
}

func (c *Conn) write(ctx context.Context, msg *Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}
	return c.transport.WriteMessage(ctx, data)
}

// deliver hands a response to the outbound call waiting for it.
func (c *Conn) deliver(msg *Message) {
	key := string(msg.ID)

	c.pendingMu.Lock()
	slot, ok := c.pending[key]
	if ok {
		delete(c.pending, key)
	}
	c.pendingMu.Unlock()

	if !ok {
		c.logger.Warn().Str("id", key).Msg("Response for unknown request")
		return
	}
	slot <- msg
}

// Notify sends a one-way message to the client.
func (c *Conn) Notify(ctx context.Context, method string, params interface{}) error {
	select {
	case <-c.done:
		return ErrConnClosed
	default:
	}

	raw, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("failed to encode %s params: %w", method, err)
	}
	return c.write(ctx, &Message{JSONRPC: "2.0", Method: method, Params: raw})
}

// Call sends a request to the client and decodes its result into result,
// which may be nil. An error reply is returned as *RPCError.
func (c *Conn) Call(ctx context.Context, method string, params, result interface{}) error {
	nid, err := gonanoid.New()
	if err != nil {
		return errs.New(errs.CodeInternal, "failed to generate request id", err)
	}
	id, _ := json.Marshal("pilot-" + nid)

	raw, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("failed to encode %s params: %w", method, err)
	}

	slot := make(chan *Message, 1)
	key := string(id)
	c.pendingMu.Lock()
	if c.closed {
		c.pendingMu.Unlock()
		return ErrConnClosed
	}
	c.pending[key] = slot
	c.pendingMu.Unlock()

	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, key)
		c.pendingMu.Unlock()
	}()

	if err := c.write(ctx, &Message{JSONRPC: "2.0", ID: id, Method: method, Params: raw}); err != nil {
		return fmt.Errorf("failed to send %s: %w", method, err)
	}

	select {
	case resp := <-slot:
		if resp.Error != nil {
			return resp.Error
		}
		if result != nil && len(resp.Result) > 0 {
			if err := json.Unmarshal(resp.Result, result); err != nil {
				return fmt.Errorf("failed to decode %s result: %w", method, err)
			}
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrConnClosed
	}
}

// toRPCError maps handler errors onto JSON-RPC error codes.
func toRPCError(err error) *RPCError {
	var rpcErr *RPCError
	if errors.As(err, &rpcErr) {
		return rpcErr
	}

	var appErr *errs.Error
	if errors.As(err, &appErr) {
		switch appErr.Code {
		case errs.CodeNotFound:
			return &RPCError{Code: ResourceNotFound, Message: appErr.Message}
		case errs.CodeInvalidArgument:
			return &RPCError{Code: InvalidParams, Message: appErr.Message}
		}
	}
	return &RPCError{Code: InternalError, Message: err.Error()}
}

// decodeParams unmarshals params into v. Missing params leave v untouched.
func decodeParams(params json.RawMessage, v interface{}) error {
	if len(params) == 0 {
		return nil
	}
	if err := json.Unmarshal(params, v); err != nil {
		return &RPCError{Code: InvalidParams, Message: "Invalid params", Data: err.Error()}
	}
	return nil
}
