package gateway

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harun/pilot/internal/observability"
	"github.com/harun/pilot/pkg/acp"
	"github.com/rs/zerolog"
)

const (
	maxMessageBytes = 4 << 20
	pongWait        = 60 * time.Second
	pingPeriod      = pongWait * 9 / 10
	writeWait       = 10 * time.Second
)

// wsTransport carries one JSON-RPC message per websocket text frame.
type wsTransport struct {
	client   *Client
	registry *ClientRegistry
	logger   zerolog.Logger

	writeMu sync.Mutex
}

var _ acp.Transport = (*wsTransport)(nil)

func newWSTransport(client *Client, registry *ClientRegistry, logger zerolog.Logger) *wsTransport {
	client.Conn.SetReadLimit(maxMessageBytes)
	_ = client.Conn.SetReadDeadline(time.Now().Add(pongWait))
	client.Conn.SetPongHandler(func(string) error {
		return client.Conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	return &wsTransport{
		client:   client,
		registry: registry,
		logger:   logger,
	}
}

// ReadMessage returns the next frame that passes the client's rate limit.
// Requests over the limit are answered here and never reach the agent.
func (t *wsTransport) ReadMessage(ctx context.Context) ([]byte, error) {
	for {
		_, data, err := t.client.Conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil, io.EOF
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				t.logger.Error().Err(err).Str("clientId", t.client.ID).Msg("WebSocket error")
			}
			return nil, err
		}

		t.registry.Touch(t.client.ID)

		if t.limited(data) {
			t.reject(ctx, data)
			continue
		}
		return data, nil
	}
}

// limited applies the rate limit to requests only. Responses to our own
// calls and cancellations always pass.
func (t *wsTransport) limited(data []byte) bool {
	var msg acp.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return false
	}
	if msg.Method == "" || msg.Method == acp.MethodSessionCancel {
		return false
	}
	return !t.client.RateLimiter.Allow()
}

func (t *wsTransport) reject(ctx context.Context, data []byte) {
	observability.RecordGatewayRejected("rate_limit")

	var msg acp.Message
	_ = json.Unmarshal(data, &msg)
	t.logger.Warn().
		Str("clientId", t.client.ID).
		Str("method", msg.Method).
		Msg("Rate limit exceeded")

	if !msg.IsRequest() {
		return
	}
	reply, err := json.Marshal(acp.Message{
		JSONRPC: "2.0",
		ID:      msg.ID,
		Error:   &acp.RPCError{Code: RateLimitExceeded, Message: "rate limit exceeded"},
	})
	if err != nil {
		return
	}
	if err := t.WriteMessage(ctx, reply); err != nil {
		t.logger.Error().Err(err).Str("clientId", t.client.ID).Msg("Failed to send rate limit error")
	}
}

func (t *wsTransport) WriteMessage(ctx context.Context, data []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = t.client.Conn.SetWriteDeadline(deadline)
	return t.client.Conn.WriteMessage(websocket.TextMessage, data)
}

// keepalive pings the peer until done is closed or a ping fails.
func (t *wsTransport) keepalive(done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := t.client.Conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

func (t *wsTransport) Close() error {
	return t.client.Conn.Close()
}
