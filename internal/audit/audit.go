// Package audit writes a best-effort session-event log to an embedded
// SQLite database, so an operator can diagnose backchannel failures after
// the fact on an appliance with no centralized log aggregation. Writing
// to this log must never affect the retry state machine or the audio
// path: every error is logged and swallowed.
package audit

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS session_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id TEXT NOT NULL,
	ts INTEGER NOT NULL,
	event TEXT NOT NULL,
	detail TEXT NOT NULL DEFAULT ''
);
`

// Log is the session-event audit store. A nil *Log is valid and silently
// discards every write, so the relay server can run with audit logging
// disabled without special-casing callers.
type Log struct {
	db *sql.DB
}

// Open creates (if needed) and opens the SQLite file at path, running the
// one-table migration once at startup.
func Open(path string) (*Log, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening audit database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("running audit migration: %w", err)
	}
	return &Log{db: db}, nil
}

// Close closes the underlying database handle.
func (l *Log) Close() error {
	if l == nil || l.db == nil {
		return nil
	}
	return l.db.Close()
}

// Record inserts one session lifecycle event. Failures are logged via
// slog and otherwise ignored.
func (l *Log) Record(sessionID, event, detail string) {
	if l == nil || l.db == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := l.db.ExecContext(ctx,
		`INSERT INTO session_events (session_id, ts, event, detail) VALUES (?, ?, ?, ?)`,
		sessionID, time.Now().Unix(), event, detail,
	)
	if err != nil {
		slog.Warn("audit: failed to record session event", "session_id", sessionID, "event", event, "error", err)
	}
}
