package gateway

import (
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// A client that has sent nothing for this long is reported idle.
const idleAfter = 5 * time.Minute

// ClientRegistry indexes the open connections by client id.
type ClientRegistry struct {
	mu      sync.RWMutex
	byID    map[string]*Client
	nowFunc func() time.Time
}

func NewClientRegistry() *ClientRegistry {
	return &ClientRegistry{byID: make(map[string]*Client), nowFunc: time.Now}
}

// Add registers client and returns how many are connected.
func (r *ClientRegistry) Add(client *Client) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID[client.ID] = client
	return len(r.byID)
}

// Remove forgets the client and returns how many are left.
func (r *ClientRegistry) Remove(id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byID, id)
	return len(r.byID)
}

// Touch records an inbound frame from the client.
func (r *ClientRegistry) Touch(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.byID[id]; ok {
		c.LastActivity = r.nowFunc()
		c.Messages++
	}
}

func (r *ClientRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

// Sockets returns the underlying connections, for shutdown.
func (r *ClientRegistry) Sockets() []*websocket.Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conns := make([]*websocket.Conn, 0, len(r.byID))
	for _, c := range r.byID {
		if c.Conn != nil {
			conns = append(conns, c.Conn)
		}
	}
	return conns
}

// Snapshot describes every client, longest connected first.
func (r *ClientRegistry) Snapshot() []ClientInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	now := r.nowFunc()
	out := make([]ClientInfo, 0, len(r.byID))
	for _, c := range r.byID {
		out = append(out, ClientInfo{
			ID:           c.ID,
			ConnectedAt:  c.ConnectedAt,
			LastActivity: c.LastActivity,
			IPAddress:    c.IPAddress,
			Messages:     c.Messages,
			Idle:         now.Sub(c.LastActivity) > idleAfter,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ConnectedAt.Before(out[j].ConnectedAt) })
	return out
}
