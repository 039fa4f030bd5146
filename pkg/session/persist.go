package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/harun/pilot/internal/observability"
	"github.com/harun/pilot/pkg/errs"
)

const snapshotFile = "session.json"

// validateSessionID rejects ids that could escape the sessions directory.
func validateSessionID(id string) error {
	if id == "" {
		return errs.Newf(errs.CodeInvalidArgument, "session id cannot be empty")
	}
	if strings.Contains(id, "..") {
		return errs.Newf(errs.CodeInvalidArgument, "session id cannot contain '..'")
	}
	if strings.ContainsAny(id, "/\\") {
		return errs.Newf(errs.CodeInvalidArgument, "session id cannot contain path separators")
	}
	if strings.Contains(id, "\x00") {
		return errs.Newf(errs.CodeInvalidArgument, "session id cannot contain null bytes")
	}
	return nil
}

// snapshot is a state copy taken under the store lock, tagged with the
// order it was taken in.
type snapshot struct {
	state *State
	rev   uint64
}

// writeLock serializes writes of one session and remembers the newest
// revision on disk.
type writeLock struct {
	sync.Mutex
	written uint64
}

type writeLocks struct {
	mu    sync.Mutex
	locks map[string]*writeLock
}

func (w *writeLocks) get(id string) *writeLock {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.locks == nil {
		w.locks = make(map[string]*writeLock)
	}
	if l, ok := w.locks[id]; ok {
		return l
	}
	l := &writeLock{}
	w.locks[id] = l
	return l
}

func (w *writeLocks) release(id string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.locks, id)
}

func (s *Store) sessionDir(id string) string {
	return filepath.Join(s.dir, id)
}

func (s *Store) snapshotPath(id string) string {
	return filepath.Join(s.dir, id, snapshotFile)
}

// save writes snap to disk unless a newer snapshot of the same session got
// there first. Failures are logged and swallowed.
func (s *Store) save(snap snapshot) {
	if !s.persist {
		return
	}
	start := time.Now()
	defer func() {
		observability.RecordSessionSave(time.Since(start))
	}()

	st := snap.state
	logger := s.logger.With().Str("session_id", st.ID).Uint64("rev", snap.rev).Logger()
	written, err := s.writeSnapshot(snap)
	if err != nil {
		observability.RecordPersistError("save")
		logger.Warn().Err(err).Msg("Failed to persist session")
		return
	}
	if !written {
		logger.Debug().Msg("Skipped stale session snapshot")
		return
	}
	logger.Debug().Int("messages", len(st.History)).Msg("Session persisted")
}

func (s *Store) writeSnapshot(snap snapshot) (bool, error) {
	st := snap.state
	lock := s.locks.get(st.ID)
	lock.Lock()
	defer lock.Unlock()

	if snap.rev <= lock.written {
		return false, nil
	}
	if err := s.writeFile(st); err != nil {
		return false, err
	}
	lock.written = snap.rev
	return true, nil
}

func (s *Store) writeFile(st *State) error {
	dir := s.sessionDir(st.ID)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create session directory: %w", err)
	}

	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode session: %w", err)
	}

	tmp, err := os.CreateTemp(dir, snapshotFile+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, s.snapshotPath(st.ID)); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to replace session file: %w", err)
	}
	return nil
}

// read loads a snapshot. A missing file is reported as absent; a corrupt one
// is logged and also reported as absent.
func (s *Store) read(id string) (*State, bool) {
	if !s.persist || validateSessionID(id) != nil {
		return nil, false
	}
	start := time.Now()
	defer func() {
		observability.RecordSessionLoad(time.Since(start))
	}()

	logger := s.logger.With().Str("session_id", id).Logger()

	data, err := os.ReadFile(s.snapshotPath(id))
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			observability.RecordPersistError("load")
			logger.Warn().Err(err).Msg("Failed to read session snapshot")
		}
		return nil, false
	}

	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		observability.RecordPersistError("load")
		logger.Warn().Err(err).Msg("Corrupt session snapshot, skipping")
		return nil, false
	}
	if st.ID == "" {
		st.ID = id
	}
	if st.ID != id {
		observability.RecordPersistError("load")
		logger.Warn().Str("snapshot_id", st.ID).Msg("Session snapshot id does not match its directory, skipping")
		return nil, false
	}
	if st.ModeID == "" {
		st.ModeID = ModeDefault
	}
	return &st, true
}

// persisted reads every snapshot on disk.
func (s *Store) persisted() []*State {
	if !s.persist {
		return nil
	}
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			s.logger.Warn().Err(err).Str("dir", s.dir).Msg("Failed to list sessions directory")
		}
		return nil
	}

	out := make([]*State, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := os.Stat(s.snapshotPath(e.Name())); err != nil {
			continue
		}
		if st, ok := s.read(e.Name()); ok {
			out = append(out, st)
		}
	}
	return out
}

// removeSnapshot deletes a session directory.
func (s *Store) removeSnapshot(id string) error {
	if err := validateSessionID(id); err != nil {
		return err
	}
	lock := s.locks.get(id)
	lock.Lock()
	err := os.RemoveAll(s.sessionDir(id))
	lock.Unlock()
	s.locks.release(id)
	return err
}
