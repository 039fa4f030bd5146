package audit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
)

// Entry kinds
const (
	KindPermission = "permission"
	KindTool       = "tool"
)

// Recorder receives audit records. Trail implements it.
type Recorder interface {
	RecordPermission(ctx context.Context, p Permission) error
	RecordTool(ctx context.Context, t ToolOutcome) error
}

// Permission is one answered permission request.
type Permission struct {
	SessionID  string
	ToolCallID string
	Tool       string
	Approved   bool
	Always     bool
	// Source is who decided: "user", "cache" or "policy".
	Source string
	At     time.Time
}

// ToolOutcome is the final status of one tool call.
type ToolOutcome struct {
	SessionID  string
	ToolCallID string
	Tool       string
	Status     string
	Duration   time.Duration
	At         time.Time
}

// Entry is one row of the trail.
type Entry struct {
	ID         int64         `json:"id"`
	Kind       string        `json:"kind"`
	SessionID  string        `json:"session_id"`
	ToolCallID string        `json:"tool_call_id,omitempty"`
	Tool       string        `json:"tool"`
	Approved   *bool         `json:"approved,omitempty"`
	Always     bool          `json:"always,omitempty"`
	Source     string        `json:"source,omitempty"`
	Status     string        `json:"status,omitempty"`
	Duration   time.Duration `json:"duration_ns,omitempty"`
	At         time.Time     `json:"at"`
}

// Config configures a Trail.
type Config struct {
	Path   string
	Logger zerolog.Logger
}

// Trail is the SQLite-backed audit log.
type Trail struct {
	db     *sql.DB
	logger zerolog.Logger
}

// Open opens or creates the audit database at cfg.Path.
func Open(cfg Config) (*Trail, error) {
	if cfg.Path == "" {
		return nil, errors.New("audit database path is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create audit directory: %w", err)
	}

	db, err := sql.Open("sqlite3", cfg.Path+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One writer; concurrent prompts queue on the connection.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	t := &Trail{
		db:     db,
		logger: cfg.Logger.With().Str("component", "audit").Logger(),
	}
	if err := t.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	t.logger.Info().Str("path", cfg.Path).Msg("Audit trail opened")
	return t, nil
}

func (t *Trail) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS audit_entries (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			kind TEXT NOT NULL,
			session_id TEXT NOT NULL,
			tool_call_id TEXT,
			tool TEXT NOT NULL,
			approved INTEGER,
			always INTEGER NOT NULL DEFAULT 0,
			source TEXT,
			status TEXT,
			duration_ns INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_audit_session ON audit_entries(session_id, id);
	`
	_, err := t.db.Exec(schema)
	return err
}

// RecordPermission appends a permission decision.
func (t *Trail) RecordPermission(ctx context.Context, p Permission) error {
	if p.At.IsZero() {
		p.At = time.Now()
	}
	_, err := t.db.ExecContext(ctx,
		`INSERT INTO audit_entries (kind, session_id, tool_call_id, tool, approved, always, source, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		KindPermission, p.SessionID, p.ToolCallID, p.Tool, boolInt(p.Approved), boolInt(p.Always), p.Source, p.At.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to record permission: %w", err)
	}
	return nil
}

// RecordTool appends a tool outcome.
func (t *Trail) RecordTool(ctx context.Context, o ToolOutcome) error {
	if o.At.IsZero() {
		o.At = time.Now()
	}
	_, err := t.db.ExecContext(ctx,
		`INSERT INTO audit_entries (kind, session_id, tool_call_id, tool, status, duration_ns, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		KindTool, o.SessionID, o.ToolCallID, o.Tool, o.Status, int64(o.Duration), o.At.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to record tool outcome: %w", err)
	}
	return nil
}

// Recent returns up to limit entries for a session, newest first.
func (t *Trail) Recent(ctx context.Context, sessionID string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := t.db.QueryContext(ctx,
		`SELECT id, kind, session_id, COALESCE(tool_call_id, ''), tool, approved, always,
		        COALESCE(source, ''), COALESCE(status, ''), duration_ns, created_at
		 FROM audit_entries WHERE session_id = ? ORDER BY id DESC LIMIT ?`,
		sessionID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit entries: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e        Entry
			approved sql.NullInt64
			always   int64
			duration int64
			created  int64
		)
		if err := rows.Scan(&e.ID, &e.Kind, &e.SessionID, &e.ToolCallID, &e.Tool, &approved, &always,
			&e.Source, &e.Status, &duration, &created); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		if approved.Valid {
			v := approved.Int64 == 1
			e.Approved = &v
		}
		e.Always = always == 1
		e.Duration = time.Duration(duration)
		e.At = time.Unix(0, created)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Close closes the database.
func (t *Trail) Close() error {
	return t.db.Close()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
