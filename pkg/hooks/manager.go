// Package hooks runs user shell scripts on pilot lifecycle events.
package hooks

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"os"
	"os/exec"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"
)

// Lifecycle events
const (
	EventStartup      = "pilot:startup"
	EventShutdown     = "pilot:shutdown"
	EventSessionNew   = "session:new"
	EventTurnFinished = "session:turn"
)

const (
	envEvent  = "PILOT_HOOK_EVENT"
	envData   = "PILOT_HOOK_DATA_"
	shell     = "/bin/sh"
	pipeGrace = 100 * time.Millisecond
	maxLogged = 512
)

// Hook is one script bound to an event.
type Hook struct {
	ID      string
	Event   string
	Script  string
	Timeout time.Duration
	Enabled bool
}

func (h Hook) name() string {
	if id := strings.TrimSpace(h.ID); id != "" {
		return id
	}
	return h.Event
}

type Config struct {
	Hooks  []Hook
	Logger zerolog.Logger
}

// Manager runs the hooks bound to each event. The hook table is fixed at
// construction. A nil Manager is valid and runs nothing.
type Manager struct {
	logger  zerolog.Logger
	byEvent map[string][]Hook
	running sync.WaitGroup
}

// NewManager indexes the enabled hooks by event.
func NewManager(cfg Config) (*Manager, error) {
	byEvent := make(map[string][]Hook)
	for _, h := range cfg.Hooks {
		if !h.Enabled {
			continue
		}
		h.Event = strings.TrimSpace(h.Event)
		switch {
		case h.Event == "":
			return nil, fmt.Errorf("hook %q: event is required", h.ID)
		case strings.TrimSpace(h.Script) == "":
			return nil, fmt.Errorf("hook %q: script is required for event %q", h.ID, h.Event)
		}
		byEvent[h.Event] = append(byEvent[h.Event], h)
	}

	return &Manager{
		logger:  cfg.Logger.With().Str("component", "hooks").Logger(),
		byEvent: byEvent,
	}, nil
}

// Count returns the number of enabled hooks.
func (m *Manager) Count() int {
	if m == nil {
		return 0
	}
	n := 0
	for _, hs := range m.byEvent {
		n += len(hs)
	}
	return n
}

// Trigger runs the event's hooks one after another. Every hook runs even when
// an earlier one fails; the failures are returned together.
func (m *Manager) Trigger(ctx context.Context, event string, data map[string]interface{}) error {
	if m == nil {
		return nil
	}
	var errs *multierror.Error
	for _, h := range m.byEvent[event] {
		if err := m.run(ctx, h, data); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return errs.ErrorOrNil()
}

// Fire triggers the event on a background goroutine. Failures are logged.
func (m *Manager) Fire(event string, data map[string]interface{}) {
	if m == nil || len(m.byEvent[event]) == 0 {
		return
	}
	m.running.Add(1)
	go func() {
		defer m.running.Done()
		if err := m.Trigger(context.Background(), event, data); err != nil {
			m.logger.Warn().Err(err).Str("event", event).Msg("Hook failed")
		}
	}()
}

// Wait blocks until every Fire has finished.
func (m *Manager) Wait() {
	if m != nil {
		m.running.Wait()
	}
}

func (m *Manager) run(ctx context.Context, h Hook, data map[string]interface{}) error {
	if h.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, shell, "-c", h.Script)
	cmd.Env = append(os.Environ(), hookEnv(h.Event, data)...)
	// A killed shell can leave children holding the output pipe.
	cmd.WaitDelay = pipeGrace

	start := time.Now()
	out, err := cmd.CombinedOutput()
	text := strings.TrimSpace(string(out))
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = errors.Join(err, ctxErr)
		}
		if text != "" {
			return fmt.Errorf("hook %s failed: %w: %s", h.name(), err, truncate(text))
		}
		return fmt.Errorf("hook %s failed: %w", h.name(), err)
	}

	m.logger.Debug().
		Str("event", h.Event).
		Str("hook_id", h.name()).
		Dur("duration", time.Since(start)).
		Str("output", truncate(text)).
		Msg("Hook executed")
	return nil
}

// hookEnv renders the event and its data, sorted by key, as environment
// entries.
func hookEnv(event string, data map[string]interface{}) []string {
	env := []string{envEvent + "=" + event}
	for _, key := range slices.Sorted(maps.Keys(data)) {
		env = append(env, fmt.Sprintf("%s%s=%v", envData, envKey(key), data[key]))
	}
	return env
}

// envKey upper-cases key and maps anything outside [A-Z0-9] to '_'.
func envKey(key string) string {
	key = strings.TrimSpace(key)
	if key == "" {
		return "UNKNOWN"
	}
	return strings.Map(func(r rune) rune {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			return r
		}
		return '_'
	}, strings.ToUpper(key))
}

func truncate(s string) string {
	if len(s) <= maxLogged {
		return s
	}
	return s[:maxLogged] + "..."
}
