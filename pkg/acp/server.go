package acp

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/harun/pilot/internal/observability"
	"github.com/harun/pilot/pkg/agent"
	"github.com/harun/pilot/pkg/commandqueue"
	"github.com/harun/pilot/pkg/events"
	"github.com/harun/pilot/pkg/hooks"
	"github.com/harun/pilot/pkg/mcp"
	"github.com/harun/pilot/pkg/session"
	"github.com/rs/zerolog"
)

// No-responder policies
const (
	NoResponderDeny  = "deny"
	NoResponderAllow = "allow"
)

const laneWarnAfter = 5 * time.Second

var availableModes = []SessionMode{
	{ID: session.ModeDefault, Name: "Default", Description: "Edit files and run commands, asking before risky tools"},
	{ID: session.ModePlan, Name: "Plan", Description: "Investigate and propose a plan before changing anything"},
}

// Config configures a Server.
type Config struct {
	Store  *session.Store
	Runner *agent.Runner
	// Commands serializes prompts per session. A nil queue runs prompts
	// directly.
	Commands *commandqueue.Queue
	MCP      *mcp.Manager
	// Hooks run on session creation and after each turn. May be nil.
	Hooks *hooks.Manager
	// NoResponder decides permission requests the client cannot answer.
	NoResponder string
	Version     string
	// CWD binds sessions that are prompted without being opened first.
	CWD    string
	Logger zerolog.Logger
}

// Server exposes sessions to ACP clients. One Server can serve any number of
// connections; session state is shared through the Store.
type Server struct {
	store       *session.Store
	runner      *agent.Runner
	commands    *commandqueue.Queue
	mcp         *mcp.Manager
	hooks       *hooks.Manager
	noResponder string
	version     string
	cwd         string
	logger      zerolog.Logger
}

// NewServer creates a new ACP server
func NewServer(cfg Config) (*Server, error) {
	observability.EnsureRegistered()

	if cfg.Store == nil {
		return nil, fmt.Errorf("session store is required")
	}
	if cfg.Runner == nil {
		return nil, fmt.Errorf("agent runner is required")
	}
	switch cfg.NoResponder {
	case "":
		cfg.NoResponder = NoResponderDeny
	case NoResponderDeny, NoResponderAllow:
	default:
		return nil, fmt.Errorf("invalid no-responder policy: %s (must be deny or allow)", cfg.NoResponder)
	}
	if cfg.Version == "" {
		cfg.Version = "dev"
	}
	if cfg.CWD == "" {
		if wd, err := os.Getwd(); err == nil {
			cfg.CWD = wd
		}
	}

	return &Server{
		store:       cfg.Store,
		runner:      cfg.Runner,
		commands:    cfg.Commands,
		mcp:         cfg.MCP,
		hooks:       cfg.Hooks,
		noResponder: cfg.NoResponder,
		version:     cfg.Version,
		cwd:         cfg.CWD,
		logger:      cfg.Logger.With().Str("component", "acp").Logger(),
	}, nil
}

// Serve speaks ACP over t until the peer disconnects or ctx ends.
func (s *Server) Serve(ctx context.Context, t Transport) error {
	conn := NewConn(t, s.logger)
	h := &handler{server: s, conn: conn, logger: s.logger}
	if err := h.register(); err != nil {
		return err
	}

	s.logger.Info().Msg("ACP connection opened")
	err := conn.Serve(ctx)
	s.logger.Info().Err(err).Msg("ACP connection closed")
	return err
}

// open resolves a session for a prompt, resuming it when it is not resident.
func (s *Server) open(ctx context.Context, id string) (*session.State, error) {
	if st, ok := s.store.Get(id); ok {
		return st, nil
	}
	return s.store.Resume(ctx, s.cwd, id)
}

// attach merges the session's MCP servers into the shared manager.
func (s *Server) attach(st *session.State) {
	if s.mcp == nil || len(st.MCPServers) == 0 {
		return
	}
	s.mcp.Merge(st.MCPServers)
}

// fallback is the answer used when the client cannot decide.
func (s *Server) fallback() events.PermissionResponse {
	return events.PermissionResponse{Approved: s.noResponder == NoResponderAllow}
}

func modeState(modeID string) *SessionModeState {
	return &SessionModeState{CurrentModeID: modeID, AvailableModes: availableModes}
}

func validMode(id string) bool {
	for _, m := range availableModes {
		if m.ID == id {
			return true
		}
	}
	return false
}

// promptText joins the text of the prompt blocks. Embedded resources
// contribute their text; other blocks are ignored.
func promptText(blocks []ContentBlock) string {
	parts := make([]string, 0, len(blocks))
	for _, b := range blocks {
		text := b.Text
		if text == "" && b.Resource != nil {
			text = b.Resource.Text
		}
		if text != "" {
			parts = append(parts, text)
		}
	}
	return strings.TrimSpace(strings.Join(parts, "\n"))
}

// decide maps the client's choice onto a permission response.
func decide(outcome PermissionOutcome) events.PermissionResponse {
	if outcome.Outcome != "selected" {
		return events.PermissionResponse{}
	}
	switch outcome.OptionID {
	case OptionAllowOnce:
		return events.PermissionResponse{Approved: true}
	case OptionAllowAlways:
		return events.PermissionResponse{Approved: true, AlwaysAllow: true}
	default:
		return events.PermissionResponse{}
	}
}

var permissionOptions = []PermissionOption{
	{OptionID: OptionAllowOnce, Name: "Allow once", Kind: OptionAllowOnce},
	{OptionID: OptionAllowAlways, Name: "Always allow", Kind: OptionAllowAlways},
	{OptionID: OptionRejectOnce, Name: "Reject", Kind: OptionRejectOnce},
}
