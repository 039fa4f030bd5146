package gateway

import (
	"time"

	"github.com/gorilla/websocket"
)

// Client is one websocket connection serving an ACP peer.
type Client struct {
	ID           string
	Conn         *websocket.Conn
	ConnectedAt  time.Time
	LastActivity time.Time
	IPAddress    string
	Messages     int64
	RateLimiter  *ClientRateLimiter
}

// ClientInfo is the public view of a connected client.
type ClientInfo struct {
	ID           string    `json:"id"`
	ConnectedAt  time.Time `json:"connectedAt"`
	LastActivity time.Time `json:"lastActivity"`
	IPAddress    string    `json:"ipAddress"`
	Messages     int64     `json:"messages"`
	Idle         bool      `json:"idle"`
}

// Health is served on /healthz.
type Health struct {
	Status           string       `json:"status"`
	Connections      int          `json:"connections"`
	ResidentSessions int          `json:"residentSessions"`
	Clients          []ClientInfo `json:"clients,omitempty"`
}

// Error codes outside the JSON-RPC reserved range.
const (
	RateLimitExceeded = -32005
)
