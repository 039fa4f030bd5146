package mcp

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/harun/pilot/pkg/errs"
	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"
)

// Source records where a server spec came from.
type Source string

const (
	SourceFile    Source = "file"
	SourceSession Source = "session"
)

// ServerStatus is a row of ListServers.
type ServerStatus struct {
	Name      string     `json:"name"`
	Type      ServerType `json:"server_type"`
	Source    Source     `json:"source"`
	Command   string     `json:"command,omitempty"`
	Args      []string   `json:"args,omitempty"`
	URL       string     `json:"url,omitempty"`
	Connected bool       `json:"connected"`
	ToolCount int        `json:"tool_count"`
}

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	ClientInfo ClientInfo
	Logger     zerolog.Logger
}

// Manager owns the known server specs and a lazily started client per server.
type Manager struct {
	info   ClientInfo
	logger zerolog.Logger

	mu      sync.Mutex
	servers map[string]*server
}

type server struct {
	spec   ServerSpec
	source Source
	client *Client
}

// NewManager creates an empty manager.
func NewManager(cfg ManagerConfig) *Manager {
	if cfg.ClientInfo.Name == "" {
		cfg.ClientInfo = ClientInfo{Name: "pilot", Version: "0.1.0"}
	}
	return &Manager{
		info:    cfg.ClientInfo,
		logger:  cfg.Logger.With().Str("component", "mcp").Logger(),
		servers: make(map[string]*server),
	}
}

// Merge adds or updates servers declared by a session. A spec that changed
// restarts its server on next use.
func (m *Manager) Merge(specs []ServerSpec) {
	normalized, problems := Normalize(specs)
	for _, p := range problems {
		m.logger.Warn().Err(p).Msg("Ignoring MCP server")
	}

	var stale []*Client
	m.mu.Lock()
	for _, spec := range normalized {
		stale = append(stale, m.putLocked(spec, SourceSession)...)
	}
	m.mu.Unlock()

	m.closeAll(stale)
}

// ReplaceFileServers swaps the set of servers that came from the config file.
// Session-declared servers are left alone.
func (m *Manager) ReplaceFileServers(specs []ServerSpec) {
	keep := make(map[string]bool, len(specs))
	for _, s := range specs {
		keep[s.Name] = true
	}

	var stale []*Client
	m.mu.Lock()
	for name, srv := range m.servers {
		if srv.source == SourceFile && !keep[name] {
			if srv.client != nil {
				stale = append(stale, srv.client)
			}
			delete(m.servers, name)
		}
	}
	for _, spec := range specs {
		stale = append(stale, m.putLocked(spec, SourceFile)...)
	}
	m.mu.Unlock()

	m.closeAll(stale)
	m.logger.Info().Int("servers", len(specs)).Msg("MCP config loaded")
}

// LoadFile reads path and replaces the file-sourced servers with its
// contents. A missing file clears them.
func (m *Manager) LoadFile(path string) error {
	specs, err := ReadConfigFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			m.ReplaceFileServers(nil)
			return nil
		}
		return err
	}
	m.ReplaceFileServers(specs)
	return nil
}

// putLocked stores spec and returns a client to close if the spec changed.
func (m *Manager) putLocked(spec ServerSpec, source Source) []*Client {
	existing, ok := m.servers[spec.Name]
	if ok && existing.spec.Equal(spec) {
		existing.source = source
		return nil
	}

	m.servers[spec.Name] = &server{spec: spec.Clone(), source: source}
	if ok && existing.client != nil {
		return []*Client{existing.client}
	}
	return nil
}

func (m *Manager) closeAll(clients []*Client) {
	for _, c := range clients {
		if err := c.Close(); err != nil {
			m.logger.Warn().Err(err).Str("mcp_server", c.Spec().Name).Msg("Failed to stop MCP server")
		}
	}
}

// Names returns the known server names in sorted order.
func (m *Manager) Names() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	names := make([]string, 0, len(m.servers))
	for name := range m.servers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ListServers reports every known server and whether it is connected.
func (m *Manager) ListServers() []ServerStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]ServerStatus, 0, len(m.servers))
	for _, srv := range m.servers {
		st := ServerStatus{
			Name:    srv.spec.Name,
			Type:    srv.spec.ServerType,
			Source:  srv.source,
			Command: srv.spec.Command,
			Args:    append([]string(nil), srv.spec.Args...),
			URL:     srv.spec.URL,
		}
		if srv.client != nil && srv.client.Connected() {
			st.Connected = true
			st.ToolCount = len(srv.client.CachedTools())
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// client returns the client for name, creating it on first use.
func (m *Manager) client(name string) (*Client, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	srv, ok := m.servers[name]
	if !ok {
		available := "(none configured)"
		if len(m.servers) > 0 {
			names := make([]string, 0, len(m.servers))
			for n := range m.servers {
				names = append(names, n)
			}
			sort.Strings(names)
			available = strings.Join(names, ", ")
		}
		return nil, errs.Newf(errs.CodeNotFound, "Unknown server: %s. Available: %s", name, available)
	}
	if srv.client == nil {
		srv.client = NewClient(srv.spec, m.info, m.logger)
	}
	return srv.client, nil
}

// ListTools connects to the server if needed and lists its tools.
func (m *Manager) ListTools(ctx context.Context, name string) ([]Tool, error) {
	c, err := m.client(name)
	if err != nil {
		return nil, err
	}
	tools, err := c.ListTools(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list tools on %s: %w", name, err)
	}
	return tools, nil
}

// CallTool invokes tool on the named server and returns its text output.
func (m *Manager) CallTool(ctx context.Context, name, tool string, args map[string]interface{}) (string, error) {
	c, err := m.client(name)
	if err != nil {
		return "", err
	}
	out, err := c.CallTool(ctx, tool, args)
	if err != nil {
		return "", fmt.Errorf("error calling %s on %s: %w", tool, name, err)
	}
	return out, nil
}

// Close stops every started server and reports all failures together.
func (m *Manager) Close() error {
	m.mu.Lock()
	clients := make([]*Client, 0, len(m.servers))
	for _, srv := range m.servers {
		if srv.client != nil {
			clients = append(clients, srv.client)
			srv.client = nil
		}
	}
	m.mu.Unlock()

	var result *multierror.Error
	for _, c := range clients {
		if err := c.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("%s: %w", c.Spec().Name, err))
		}
	}
	return result.ErrorOrNil()
}
