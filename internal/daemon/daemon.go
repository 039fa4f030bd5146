package daemon

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/harun/pilot/internal/config"
	"github.com/harun/pilot/internal/logger"
	"github.com/harun/pilot/internal/observability"
	"github.com/harun/pilot/internal/tracing"
	"github.com/harun/pilot/pkg/acp"
	"github.com/harun/pilot/pkg/agent"
	"github.com/harun/pilot/pkg/audit"
	"github.com/harun/pilot/pkg/commandqueue"
	"github.com/harun/pilot/pkg/coretools"
	"github.com/harun/pilot/pkg/gateway"
	"github.com/harun/pilot/pkg/hooks"
	"github.com/harun/pilot/pkg/mcp"
	"github.com/harun/pilot/pkg/session"
	"github.com/harun/pilot/pkg/tools"
	"github.com/hashicorp/go-multierror"
)

const (
	retryBackoff    = 500 * time.Millisecond
	gatewayShutdown = 30 * time.Second
)

// Daemon owns every long-lived component of a pilot process and their
// start/stop order. Front-ends (stdio ACP, the websocket gateway, the
// one-shot runner) are thin layers over it.
type Daemon struct {
	config  *config.Config
	logger  *logger.Logger
	version string
	cwd     string

	// Core modules
	queue    *commandqueue.Queue
	hooks    *hooks.Manager
	registry *tools.Registry
	mcp      *mcp.Manager
	store    *session.Store
	trail    *audit.Trail
	runner   *agent.Runner
	acp      *acp.Server

	// Services
	watcher       *mcp.Watcher
	cleanup       *session.Cleanup
	gatewayServer *gateway.Server

	ctx    context.Context
	cancel context.CancelFunc

	startTime time.Time
	running   bool
	mu        sync.RWMutex

	tracingEnabled bool
}

// Options are process settings that do not live in the config file.
type Options struct {
	// CWD is where sessions start when a client names none, and where the
	// MCP config file is searched for.
	CWD     string
	Version string
	// Provider replaces the configured model provider.
	Provider agent.Provider
}

// Status is a point-in-time view of the daemon.
type Status struct {
	Running          bool          `json:"running"`
	StartTime        time.Time     `json:"start_time,omitempty"`
	Uptime           time.Duration `json:"uptime"`
	ResidentSessions int           `json:"resident_sessions"`
	Tools            int           `json:"tools"`
	MCPServers       int           `json:"mcp_servers"`
}

// New creates a daemon with every core module built but nothing started.
func New(cfg *config.Config, log *logger.Logger, opts Options) (*Daemon, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if log == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if opts.CWD == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("failed to resolve working directory: %w", err)
		}
		opts.CWD = wd
	}
	if opts.Version == "" {
		opts.Version = "dev"
	}

	ctx, cancel := context.WithCancel(context.Background())

	observability.EnsureRegistered()

	d := &Daemon{
		config:  cfg,
		logger:  log,
		version: opts.Version,
		cwd:     opts.CWD,
		ctx:     ctx,
		cancel:  cancel,
	}

	if cfg.Telemetry.Tracing {
		if err := tracing.InitOpenTelemetry(tracing.Config{
			ServiceName:    "pilot",
			ServiceVersion: opts.Version,
			Endpoint:       cfg.Telemetry.Endpoint,
			Insecure:       cfg.Telemetry.Insecure,
			SampleRate:     cfg.Telemetry.SampleRate,
		}); err != nil {
			log.Warn().Err(err).Msg("Failed to initialize tracing, continuing without distributed tracing")
		} else {
			d.tracingEnabled = true
			log.Debug().Msg("Tracing initialized")
		}
	}

	if err := d.initializeCoreModules(opts); err != nil {
		cancel()
		_ = d.closeCore()
		return nil, fmt.Errorf("failed to initialize core modules: %w", err)
	}

	if err := d.initializeServices(); err != nil {
		cancel()
		_ = d.closeCore()
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	return d, nil
}

// initializeCoreModules builds the components in dependency order
func (d *Daemon) initializeCoreModules(opts Options) error {
	cfg := d.config

	d.queue = commandqueue.New(d.logger.Component("commandqueue"))

	hookList := make([]hooks.Hook, 0, len(cfg.Hooks))
	for _, h := range cfg.Hooks {
		hookList = append(hookList, hooks.Hook{
			ID:      h.ID,
			Event:   h.Event,
			Script:  h.Script,
			Timeout: time.Duration(h.TimeoutMs) * time.Millisecond,
			Enabled: h.Enabled,
		})
	}
	var err error
	if d.hooks, err = hooks.NewManager(hooks.Config{Hooks: hookList, Logger: d.logger.Zerolog()}); err != nil {
		return fmt.Errorf("failed to create hook manager: %w", err)
	}

	if cfg.Audit.Enabled {
		trail, err := audit.Open(audit.Config{Path: cfg.Audit.Path, Logger: d.logger.Component("audit")})
		if err != nil {
			d.logger.Warn().Err(err).Msg("Failed to open audit trail, continuing without it")
		} else {
			d.trail = trail
		}
	}

	d.mcp = mcp.NewManager(mcp.ManagerConfig{
		ClientInfo: mcp.ClientInfo{Name: "pilot", Version: d.version},
		Logger:     d.logger.Zerolog(),
	})
	if path := d.mcpConfigPath(); path != "" {
		if err := d.mcp.LoadFile(path); err != nil {
			d.logger.Warn().Err(err).Str("path", path).Msg("Failed to load MCP config")
		}
	}

	d.registry = tools.NewRegistry()
	if err := coretools.Register(d.registry, coretools.Options{
		WorkspaceRoot: d.cwd,
		MCP:           d.mcp,
		TodoFile:      coretools.DefaultTodoFile,
		Logger:        d.logger.Zerolog(),
	}); err != nil {
		return fmt.Errorf("failed to register core tools: %w", err)
	}

	store, err := session.NewStore(session.StoreConfig{
		Dir:     cfg.Sessions.Dir,
		Persist: cfg.Sessions.Persist,
		Defaults: session.Config{
			SystemPrompt:       cfg.Agent.SystemPrompt,
			CustomInstructions: cfg.Agent.CustomInstructions,
			MaxSteps:           cfg.Agent.MaxSteps,
			TimeoutMs:          cfg.Agent.TimeoutMs,
			Retries:            cfg.Agent.Retries,
			RequirePermission:  cfg.Agent.RequirePermission,
			MaxHistoryTokens:   cfg.Agent.MaxHistoryTokens,
		},
		DefaultMode: cfg.Agent.DefaultMode,
		Logger:      d.logger.Component("session"),
	})
	if err != nil {
		return fmt.Errorf("failed to create session store: %w", err)
	}
	d.store = store

	provider := opts.Provider
	if provider == nil {
		provider, err = agent.NewProvider(agent.ProviderConfig{
			Provider:  cfg.Model.Provider,
			Model:     cfg.Model.Name,
			APIKey:    cfg.Model.APIKey,
			BaseURL:   cfg.Model.BaseURL,
			MaxTokens: cfg.Model.MaxTokens,
		})
		if err != nil {
			return fmt.Errorf("failed to create model provider: %w", err)
		}
	}

	runnerCfg := agent.Config{
		Provider:     provider,
		Registry:     d.registry,
		Logger:       d.logger.Component("agent"),
		RetryBackoff: retryBackoff,
		MaxTokens:    cfg.Model.MaxTokens,
	}
	if d.trail != nil {
		runnerCfg.Audit = d.trail
	}
	d.runner, err = agent.NewRunner(runnerCfg)
	if err != nil {
		return fmt.Errorf("failed to create agent runner: %w", err)
	}
	d.logger.Info().Str("provider", provider.Name()).Int("tools", d.registry.Len()).Msg("Agent runner initialized")

	d.acp, err = acp.NewServer(acp.Config{
		Store:       d.store,
		Runner:      d.runner,
		Commands:    d.queue,
		MCP:         d.mcp,
		Hooks:       d.hooks,
		NoResponder: cfg.Permissions.NoResponder,
		Version:     d.version,
		CWD:         d.cwd,
		Logger:      d.logger.Zerolog(),
	})
	if err != nil {
		return fmt.Errorf("failed to create ACP server: %w", err)
	}

	return nil
}

// initializeServices builds the background services. They start in Start.
func (d *Daemon) initializeServices() error {
	cfg := d.config

	if cfg.MCP.Watch {
		if path := d.mcpConfigPath(); path != "" {
			watcher, err := mcp.NewWatcher(path, d.mcp, d.logger.Zerolog())
			if err != nil {
				d.logger.Warn().Err(err).Str("path", path).Msg("Failed to watch MCP config")
			} else {
				d.watcher = watcher
			}
		}
	}

	if cfg.Sessions.Persist && cfg.Sessions.CleanupSchedule != "" {
		maxAge, err := cfg.Sessions.MaxAgeDuration()
		if err != nil {
			return err
		}
		d.cleanup, err = session.NewCleanup(d.store, cfg.Sessions.CleanupSchedule, maxAge)
		if err != nil {
			return err
		}
	}

	if cfg.Gateway.Enabled {
		server, err := gateway.NewServer(gateway.Config{
			Host:              cfg.Gateway.Host,
			Port:              cfg.Gateway.Port,
			Token:             cfg.Gateway.Token,
			RequestsPerMinute: cfg.Gateway.RequestsPerMinute,
			ACP:               d.acp,
			Store:             d.store,
			Logger:            d.logger.Zerolog(),
		})
		if err != nil {
			return fmt.Errorf("failed to create gateway server: %w", err)
		}
		d.gatewayServer = server
	}

	return nil
}

func (d *Daemon) mcpConfigPath() string {
	if d.config.MCP.ConfigFile != "" {
		return d.config.MCP.ConfigFile
	}
	return mcp.FindConfigFile(d.cwd)
}

// Start starts the background services and the gateway, if enabled.
func (d *Daemon) Start() error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is already running")
	}
	d.running = true
	d.startTime = time.Now()
	d.mu.Unlock()

	logger := d.logger.With().Str("trace_id", tracing.NewTraceID()).Logger()
	logger.Info().Msg("Starting pilot")

	if d.watcher != nil {
		d.watcher.Start()
	}

	if d.cleanup != nil {
		if err := d.cleanup.Start(); err != nil {
			logger.Warn().Err(err).Msg("Failed to start session cleanup")
		}
	}

	if d.gatewayServer != nil {
		if err := d.gatewayServer.Start(); err != nil {
			return fmt.Errorf("failed to start gateway server: %w", err)
		}
		logger.Info().Str("addr", d.gatewayServer.Addr()).Msg("Gateway server started")
	}

	if err := d.hooks.Trigger(d.ctx, hooks.EventStartup, map[string]interface{}{"cwd": d.cwd, "version": d.version}); err != nil {
		logger.Warn().Err(err).Msg("Startup hooks failed")
	}

	logger.Info().Msg("pilot started")
	return nil
}

// Stop stops services in reverse order and closes the core modules. Every
// failure is reported; none stops the rest of the shutdown.
func (d *Daemon) Stop() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is not running")
	}
	d.running = false
	d.mu.Unlock()

	logger := d.logger.With().Str("trace_id", tracing.NewTraceID()).Logger()
	logger.Info().Msg("Stopping pilot")

	var result *multierror.Error

	if d.gatewayServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), gatewayShutdown)
		if err := d.gatewayServer.Stop(ctx); err != nil {
			logger.Error().Err(err).Msg("Failed to stop gateway server")
			result = multierror.Append(result, err)
		}
		cancel()
	}

	if d.cleanup != nil {
		if err := d.cleanup.Stop(); err != nil {
			logger.Error().Err(err).Msg("Failed to stop session cleanup")
			result = multierror.Append(result, err)
		}
	}

	if err := d.hooks.Trigger(context.Background(), hooks.EventShutdown, map[string]interface{}{"cwd": d.cwd}); err != nil {
		logger.Warn().Err(err).Msg("Shutdown hooks failed")
	}
	d.hooks.Wait()

	d.cancel()

	if err := d.closeCore(); err != nil {
		result = multierror.Append(result, err)
	}

	logger.Info().Msg("pilot stopped")
	return result.ErrorOrNil()
}

// Close releases the daemon whether or not it was started.
func (d *Daemon) Close() error {
	d.mu.Lock()
	running := d.running
	d.mu.Unlock()
	if running {
		return d.Stop()
	}
	d.cancel()
	return d.closeCore()
}

// closeCore releases what New acquired. It is safe on a partially built
// daemon.
func (d *Daemon) closeCore() error {
	var result *multierror.Error

	if d.watcher != nil {
		if err := d.watcher.Stop(); err != nil {
			d.logger.Error().Err(err).Msg("Failed to stop MCP config watcher")
			result = multierror.Append(result, err)
		}
		d.watcher = nil
	}

	if d.queue != nil {
		if err := d.queue.Close(); err != nil {
			d.logger.Error().Err(err).Msg("Failed to close command queue")
			result = multierror.Append(result, err)
		}
		d.queue = nil
	}

	if d.mcp != nil {
		if err := d.mcp.Close(); err != nil {
			d.logger.Error().Err(err).Msg("Failed to close MCP servers")
			result = multierror.Append(result, err)
		}
	}

	if d.trail != nil {
		if err := d.trail.Close(); err != nil {
			d.logger.Error().Err(err).Msg("Failed to close audit trail")
			result = multierror.Append(result, err)
		}
		d.trail = nil
	}

	if d.tracingEnabled {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := tracing.ShutdownOpenTelemetry(ctx); err != nil {
			d.logger.Error().Err(err).Msg("Failed to shutdown tracing")
		}
		cancel()
		d.tracingEnabled = false
	}

	return result.ErrorOrNil()
}

// ServeACP serves one ACP connection until the peer goes away or ctx ends.
func (d *Daemon) ServeACP(ctx context.Context, t acp.Transport) error {
	return d.acp.Serve(ctx, t)
}

// Status returns the daemon status
func (d *Daemon) Status() Status {
	d.mu.RLock()
	defer d.mu.RUnlock()

	status := Status{
		Running:          d.running,
		ResidentSessions: d.store.Resident(),
		Tools:            d.registry.Len(),
		MCPServers:       len(d.mcp.Names()),
	}
	if d.running {
		status.StartTime = d.startTime
		status.Uptime = time.Since(d.startTime)
	}
	return status
}

// Wait blocks until SIGINT or SIGTERM, or until ctx ends, then stops the
// daemon.
func (d *Daemon) Wait(ctx context.Context) error {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case sig := <-sigChan:
		d.logger.Info().Str("signal", sig.String()).Msg("Received signal")
	case <-ctx.Done():
	}

	return d.Stop()
}

// GetConfig returns the daemon configuration
func (d *Daemon) GetConfig() *config.Config {
	return d.config
}

// GetHooks returns the lifecycle hook manager
func (d *Daemon) GetHooks() *hooks.Manager {
	return d.hooks
}

// GetLogger returns the daemon logger
func (d *Daemon) GetLogger() *logger.Logger {
	return d.logger
}

func (d *Daemon) GetQueue() *commandqueue.Queue {
	return d.queue
}

func (d *Daemon) GetSessionStore() *session.Store {
	return d.store
}

func (d *Daemon) GetAgentRunner() *agent.Runner {
	return d.runner
}

func (d *Daemon) GetRegistry() *tools.Registry {
	return d.registry
}

func (d *Daemon) GetMCPManager() *mcp.Manager {
	return d.mcp
}

// GetAuditTrail returns the audit trail, or nil when it is disabled.
func (d *Daemon) GetAuditTrail() *audit.Trail {
	return d.trail
}

func (d *Daemon) GetACPServer() *acp.Server {
	return d.acp
}

// GetGatewayServer returns the gateway, or nil when it is disabled.
func (d *Daemon) GetGatewayServer() *gateway.Server {
	return d.gatewayServer
}

func (d *Daemon) GetCWD() string {
	return d.cwd
}
