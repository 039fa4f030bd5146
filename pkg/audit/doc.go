// Package audit keeps a SQLite trail of permission decisions and tool outcomes.
//
// Invariants:
// - Records are append-only.
// - Recording never fails a prompt; callers log and continue.
//
// Usage:
//
//	trail, _ := audit.Open(audit.Config{Path: "/tmp/pilot/audit.db", Logger: logger})
//	defer trail.Close()
//	_ = trail.RecordTool(ctx, audit.ToolOutcome{SessionID: id, Tool: "bash", Status: "completed"})
//	entries, _ := trail.Recent(ctx, id, 20)
package audit
