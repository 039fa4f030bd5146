package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harun/pilot/internal/observability"
	"github.com/harun/pilot/pkg/acp"
	"github.com/harun/pilot/pkg/session"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
)

// Server exposes the ACP agent over websockets, one ACP connection per
// socket, next to /metrics and /healthz.
type Server struct {
	host           string
	port           int
	server         *http.Server
	listener       net.Listener
	upgrader       websocket.Upgrader
	clients        *ClientRegistry
	authHandler    *AuthHandler
	requestsPerMin int
	agent          *acp.Server
	store          *session.Store
	logger         zerolog.Logger

	ctx            context.Context
	cancel         context.CancelFunc
	isShuttingDown bool
	shutdownMu     sync.RWMutex
	connections    sync.WaitGroup
}

// Config holds server configuration
type Config struct {
	Host string
	// Port 0 picks a free port; see Addr.
	Port int
	// Token, when set, must be presented on the upgrade request.
	Token string
	// RequestsPerMinute caps requests per client. Zero means the default
	// and a negative value disables the limit.
	RequestsPerMinute int
	ACP               *acp.Server
	Store             *session.Store
	Logger            zerolog.Logger
}

// NewServer creates a new Gateway Server
func NewServer(cfg Config) (*Server, error) {
	if cfg.Port < 0 || cfg.Port > 65535 {
		return nil, fmt.Errorf("invalid port: %d", cfg.Port)
	}
	if cfg.ACP == nil {
		return nil, fmt.Errorf("acp server is required")
	}
	if cfg.RequestsPerMinute == 0 {
		cfg.RequestsPerMinute = DefaultRequestsPerMinute
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		host:           cfg.Host,
		port:           cfg.Port,
		clients:        NewClientRegistry(),
		authHandler:    NewAuthHandler(cfg.Token),
		requestsPerMin: cfg.RequestsPerMinute,
		agent:          cfg.ACP,
		store:          cfg.Store,
		logger:         cfg.Logger.With().Str("component", "gateway").Logger(),
		ctx:            ctx,
		cancel:         cancel,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
	observability.EnsureRegistered()

	return s, nil
}

// Handler returns the gateway's HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.Handle("/metrics", observability.MetricsHandler())
	mux.HandleFunc("/healthz", s.handleHealth)
	return mux
}

// Start listens and serves in the background.
func (s *Server) Start() error {
	addr := net.JoinHostPort(s.host, strconv.Itoa(s.port))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	s.listener = listener
	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info().Str("addr", listener.Addr().String()).Msg("Starting Gateway Server")

	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("Gateway server error")
		}
	}()

	return nil
}

// Addr returns the address the server listens on, once started.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop refuses new connections, cancels in-flight prompts, closes every
// socket and waits for the connections to finish until ctx ends.
func (s *Server) Stop(ctx context.Context) error {
	s.shutdownMu.Lock()
	s.isShuttingDown = true
	s.shutdownMu.Unlock()

	s.logger.Info().Msg("Shutting down Gateway Server")

	var shutdownErr error
	if s.server != nil {
		if err := s.server.Shutdown(ctx); err != nil {
			shutdownErr = fmt.Errorf("failed to shutdown server: %w", err)
		}
	}

	s.cancel()
	for _, conn := range s.clients.Sockets() {
		_ = conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(writeWait),
		)
		_ = conn.Close()
	}

	done := make(chan struct{})
	go func() {
		s.connections.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info().Msg("All connections closed")
	case <-ctx.Done():
		s.logger.Warn().Msg("Shutdown timeout reached, forcing close")
	}

	s.logger.Info().Msg("Gateway Server stopped")
	return shutdownErr
}

// Clients returns the connected clients.
func (s *Server) Clients() []ClientInfo {
	return s.clients.Snapshot()
}

func (s *Server) shuttingDown() bool {
	s.shutdownMu.RLock()
	defer s.shutdownMu.RUnlock()
	return s.isShuttingDown
}

// handleWebSocket handles WebSocket connections
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.shuttingDown() {
		http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
		return
	}

	if !s.authHandler.Authorize(r) {
		observability.RecordGatewayRejected("unauthorized")
		s.logger.Warn().Str("ip", r.RemoteAddr).Msg("Rejected connection with invalid token")
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to upgrade connection")
		return
	}

	clientID, _ := gonanoid.New()
	now := time.Now()
	client := &Client{
		ID:           clientID,
		Conn:         conn,
		ConnectedAt:  now,
		LastActivity: now,
		IPAddress:    r.RemoteAddr,
		RateLimiter:  NewClientRateLimiterWithLimit(s.requestsPerMin),
	}

	observability.SetGatewayConnections(s.clients.Add(client))
	s.connections.Add(1)

	s.logger.Info().
		Str("clientId", clientID).
		Str("ip", r.RemoteAddr).
		Msg("Client connected")

	go s.handleClient(client)
}

// handleClient serves one ACP connection until the socket closes.
func (s *Server) handleClient(client *Client) {
	transport := newWSTransport(client, s.clients, s.logger)
	done := make(chan struct{})

	defer func() {
		close(done)
		_ = client.Conn.Close()
		observability.SetGatewayConnections(s.clients.Remove(client.ID))
		s.logger.Info().Str("clientId", client.ID).Msg("Client disconnected")
		s.connections.Done()
	}()

	go transport.keepalive(done)

	logger := s.logger.With().Str("clientId", client.ID).Logger()
	if err := s.agent.Serve(logger.WithContext(s.ctx), transport); err != nil && !errors.Is(err, context.Canceled) {
		logger.Debug().Err(err).Msg("ACP connection ended")
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	health := Health{
		Status:      "ok",
		Connections: s.clients.Len(),
		Clients:     s.clients.Snapshot(),
	}
	if s.shuttingDown() {
		health.Status = "shutting_down"
	}
	if s.store != nil {
		health.ResidentSessions = s.store.Resident()
		observability.SetResidentSessions(health.ResidentSessions)
	}

	w.Header().Set("Content-Type", "application/json")
	if health.Status != "ok" {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	_ = json.NewEncoder(w).Encode(health)
}
