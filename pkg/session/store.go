package session

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/harun/pilot/internal/observability"
	"github.com/harun/pilot/internal/tracing"
	"github.com/harun/pilot/pkg/errs"
	"github.com/harun/pilot/pkg/events"
	"github.com/harun/pilot/pkg/mcp"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

// ErrSessionNotFound is returned when a session is neither resident nor on disk.
var ErrSessionNotFound = errs.New(errs.CodeNotFound, "session not found", nil)

// ErrPromptInFlight is returned by BeginPrompt while another prompt runs.
var ErrPromptInFlight = errs.New(errs.CodeInvalidArgument, "a prompt is already running on this session", nil)

// StoreConfig configures a Store.
type StoreConfig struct {
	Dir     string
	Persist bool
	// Defaults seeds the Config of every new session.
	Defaults    Config
	DefaultMode string
	Logger      zerolog.Logger
	Now         func() time.Time
}

// Store is the in-memory session table with optional disk snapshots.
type Store struct {
	dir         string
	persist     bool
	defaults    Config
	defaultMode string
	logger      zerolog.Logger
	now         func() time.Time

	mu       sync.RWMutex
	sessions map[string]*State
	active   map[string]*events.Queue
	// rev orders snapshots taken under mu so a slow writer cannot
	// overwrite a newer one.
	rev uint64

	locks writeLocks
}

// NewStore creates a store. With persistence on, Dir is created if missing.
func NewStore(cfg StoreConfig) (*Store, error) {
	observability.EnsureRegistered()

	if cfg.Persist {
		if cfg.Dir == "" {
			return nil, fmt.Errorf("sessions directory is required when persistence is enabled")
		}
		if err := os.MkdirAll(cfg.Dir, 0700); err != nil {
			return nil, fmt.Errorf("failed to create sessions directory: %w", err)
		}
	}
	if cfg.DefaultMode == "" {
		cfg.DefaultMode = ModeDefault
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	s := &Store{
		dir:         cfg.Dir,
		persist:     cfg.Persist,
		defaults:    cfg.Defaults,
		defaultMode: cfg.DefaultMode,
		logger:      cfg.Logger.With().Str("component", "session").Logger(),
		now:         cfg.Now,
		sessions:    make(map[string]*State),
		active:      make(map[string]*events.Queue),
	}
	s.logger.Info().Str("dir", cfg.Dir).Bool("persist", cfg.Persist).Msg("Session store initialized")
	return s, nil
}

func (s *Store) span(ctx context.Context, op, id string) (context.Context, func(error)) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx = tracing.WithSessionID(ctx, id)
	ctx, span := tracing.StartSpan(ctx, "pilot.session", "session."+op, attribute.String("session_id", id))
	return ctx, func(err error) {
		if err != nil {
			tracing.RecordError(span, err)
		}
		span.End()
	}
}

func (s *Store) fresh(id, cwd string, servers []mcp.ServerSpec) *State {
	return &State{
		ID:         id,
		CWD:        cwd,
		UpdatedAt:  s.now(),
		ModeID:     s.defaultMode,
		Config:     s.defaults,
		History:    []Message{},
		MCPServers: s.normalize(id, servers),
	}
}

func (s *Store) normalize(id string, servers []mcp.ServerSpec) []mcp.ServerSpec {
	specs, problems := mcp.Normalize(servers)
	for _, p := range problems {
		s.logger.Warn().Err(p).Str("session_id", id).Msg("Ignoring MCP server")
	}
	return specs
}

// snapshotLocked copies st for saving. Caller holds mu.
func (s *Store) snapshotLocked(st *State) snapshot {
	s.rev++
	return snapshot{state: st.Clone(), rev: s.rev}
}

// residentLocked installs st and updates the resident gauge. Caller holds mu.
func (s *Store) residentLocked(st *State) {
	s.sessions[st.ID] = st
	observability.SetResidentSessions(len(s.sessions))
}

// New creates a session with a fresh id.
func (s *Store) New(ctx context.Context, cwd string, servers []mcp.ServerSpec) (*State, error) {
	id := uuid.NewString()
	_, end := s.span(ctx, "new", id)
	defer end(nil)

	st := s.fresh(id, cwd, servers)

	s.mu.Lock()
	s.residentLocked(st)
	snap := s.snapshotLocked(st)
	s.mu.Unlock()

	s.save(snap)
	out := snap.state
	s.logger.Info().Str("session_id", id).Str("cwd", cwd).Msg("Session created")
	return out, nil
}

// Load makes a session resident. A resident session only has its MCP servers
// refreshed; otherwise it is read from disk, and an unknown id starts a new
// session under that id. Loading does not touch UpdatedAt.
func (s *Store) Load(ctx context.Context, cwd string, servers []mcp.ServerSpec, id string) (*State, error) {
	if err := validateSessionID(id); err != nil {
		return nil, err
	}
	_, end := s.span(ctx, "load", id)
	defer end(nil)

	specs := s.normalize(id, servers)

	s.mu.Lock()
	st, ok := s.sessions[id]
	if !ok {
		s.mu.Unlock()
		loaded, found := s.read(id)
		s.mu.Lock()
		// Another caller may have made it resident meanwhile.
		if st, ok = s.sessions[id]; !ok {
			if found {
				st = loaded
				s.logger.Info().Str("session_id", id).Int("messages", len(st.History)).Msg("Session loaded from disk")
			} else {
				st = s.fresh(id, cwd, nil)
				s.logger.Info().Str("session_id", id).Msg("Session not found, starting fresh")
			}
			s.residentLocked(st)
		}
	}
	st.MCPServers = specs
	snap := s.snapshotLocked(st)
	s.mu.Unlock()

	s.save(snap)
	return snap.state, nil
}

// lookup returns the resident session or loads it from disk. Caller must not
// hold mu.
func (s *Store) lookup(id string) (*State, bool) {
	s.mu.RLock()
	st, ok := s.sessions[id]
	s.mu.RUnlock()
	if ok {
		return st, true
	}

	loaded, found := s.read(id)
	if !found {
		return nil, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.sessions[id]; ok {
		return st, true
	}
	s.residentLocked(loaded)
	return loaded, true
}

// Fork copies history, config, mode and model of a session into a new one
// bound to cwd.
func (s *Store) Fork(ctx context.Context, cwd, id string) (*State, error) {
	if err := validateSessionID(id); err != nil {
		return nil, err
	}
	_, end := s.span(ctx, "fork", id)

	src, ok := s.lookup(id)
	if !ok {
		end(ErrSessionNotFound)
		return nil, ErrSessionNotFound
	}
	defer end(nil)

	s.mu.Lock()
	label := src.Title
	if label == "" {
		label = src.ID
	}
	fork := &State{
		ID:         uuid.NewString(),
		CWD:        cwd,
		Title:      "Fork of " + label,
		UpdatedAt:  s.now(),
		ModeID:     src.ModeID,
		ModelID:    src.ModelID,
		Config:     src.Config,
		History:    CloneMessages(src.History),
		MCPServers: mcp.CloneAll(src.MCPServers),
	}
	if fork.History == nil {
		fork.History = []Message{}
	}
	s.residentLocked(fork)
	snap := s.snapshotLocked(fork)
	s.mu.Unlock()

	s.save(snap)
	out := snap.state
	s.logger.Info().Str("session_id", out.ID).Str("source_id", id).Msg("Session forked")
	return out, nil
}

// Resume returns a resident session untouched, or loads it from disk and
// rebinds it to cwd. An unknown id starts a new session under that id.
func (s *Store) Resume(ctx context.Context, cwd, id string) (*State, error) {
	if err := validateSessionID(id); err != nil {
		return nil, err
	}
	_, end := s.span(ctx, "resume", id)
	defer end(nil)

	s.mu.RLock()
	st, ok := s.sessions[id]
	if ok {
		out := st.Clone()
		s.mu.RUnlock()
		return out, nil
	}
	s.mu.RUnlock()

	loaded, found := s.read(id)

	s.mu.Lock()
	if st, ok := s.sessions[id]; ok {
		out := st.Clone()
		s.mu.Unlock()
		return out, nil
	}
	if found {
		st = loaded
		st.CWD = cwd
		st.UpdatedAt = s.now()
	} else {
		st = s.fresh(id, cwd, nil)
	}
	s.residentLocked(st)
	snap := s.snapshotLocked(st)
	s.mu.Unlock()

	s.save(snap)
	return snap.state, nil
}

// List merges resident sessions with persisted ones, newest first. A non-empty
// cwd filters to sessions bound to it.
func (s *Store) List(ctx context.Context, cwd string) []Info {
	s.mu.RLock()
	seen := make(map[string]bool, len(s.sessions))
	infos := make([]Info, 0, len(s.sessions))
	for _, st := range s.sessions {
		seen[st.ID] = true
		if cwd != "" && st.CWD != cwd {
			continue
		}
		info := st.Info()
		info.Resident = true
		infos = append(infos, info)
	}
	s.mu.RUnlock()

	for _, st := range s.persisted() {
		if seen[st.ID] {
			continue
		}
		if cwd != "" && st.CWD != cwd {
			continue
		}
		infos = append(infos, st.Info())
	}

	sort.SliceStable(infos, func(i, j int) bool {
		if infos[i].UpdatedAt.Equal(infos[j].UpdatedAt) {
			return infos[i].ID < infos[j].ID
		}
		return infos[i].UpdatedAt.After(infos[j].UpdatedAt)
	})
	return infos
}

// mutate applies fn to a session under the store lock and persists the result.
// It reports whether the session existed.
func (s *Store) mutate(id string, fn func(*State)) bool {
	if validateSessionID(id) != nil {
		return false
	}
	if _, ok := s.lookup(id); !ok {
		return false
	}

	s.mu.Lock()
	st, ok := s.sessions[id]
	if !ok {
		s.mu.Unlock()
		return false
	}
	fn(st)
	st.UpdatedAt = s.now()
	snap := s.snapshotLocked(st)
	s.mu.Unlock()

	s.save(snap)
	return true
}

// Configure applies a sparse patch.
func (s *Store) Configure(ctx context.Context, id string, patch Patch) bool {
	return s.mutate(id, patch.apply)
}

// SetMode switches the session mode.
func (s *Store) SetMode(ctx context.Context, id, mode string) bool {
	return s.mutate(id, func(st *State) { st.ModeID = mode })
}

// SetModel records the model the session should use.
func (s *Store) SetModel(ctx context.Context, id, model string) bool {
	return s.mutate(id, func(st *State) { st.ModelID = model })
}

// RecordTurn replaces the transcript after a prompt. An empty lastResponseID
// keeps the previous one.
func (s *Store) RecordTurn(ctx context.Context, id string, history []Message, lastResponseID string) bool {
	copied := CloneMessages(history)
	return s.mutate(id, func(st *State) {
		st.History = copied
		if lastResponseID != "" {
			st.LastResponseID = lastResponseID
		}
	})
}

// Get returns a copy of a resident session.
func (s *Store) Get(id string) (*State, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.sessions[id]
	if !ok {
		return nil, false
	}
	return st.Clone(), true
}

// Resident returns the number of sessions held in memory.
func (s *Store) Resident() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// BeginPrompt installs a fresh event queue for a resident session.
func (s *Store) BeginPrompt(id string, opts ...events.QueueOption) (*events.Queue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[id]; !ok {
		return nil, ErrSessionNotFound
	}
	if q, ok := s.active[id]; ok && !q.IsClosed() {
		return nil, ErrPromptInFlight
	}
	q := events.NewQueue(id, opts...)
	s.active[id] = q
	return q, nil
}

// EndPrompt closes q and removes it if it is still the session's active queue.
func (s *Store) EndPrompt(id string, q *events.Queue) {
	if q == nil {
		return
	}
	q.Close()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active[id] == q {
		delete(s.active, id)
	}
}

// ActivePrompt returns the queue of the running prompt, or nil.
func (s *Store) ActivePrompt(id string) *events.Queue {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active[id]
}

// Cancel cancels the running prompt. It reports whether one was running.
func (s *Store) Cancel(id string) bool {
	q := s.ActivePrompt(id)
	if q == nil {
		return false
	}
	q.Cancel()
	s.logger.Info().Str("session_id", id).Msg("Prompt cancelled")
	return true
}

// Delete drops a session from memory and disk. A running prompt is cancelled.
func (s *Store) Delete(ctx context.Context, id string) error {
	if err := validateSessionID(id); err != nil {
		return err
	}

	s.mu.Lock()
	if q, ok := s.active[id]; ok {
		q.Cancel()
		delete(s.active, id)
	}
	delete(s.sessions, id)
	observability.SetResidentSessions(len(s.sessions))
	s.mu.Unlock()

	if !s.persist {
		return nil
	}
	if err := s.removeSnapshot(id); err != nil {
		return fmt.Errorf("failed to delete session %s: %w", id, err)
	}
	return nil
}

// isResident reports whether id is held in memory.
func (s *Store) isResident(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.sessions[id]
	return ok
}
