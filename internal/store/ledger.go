// Package store keeps an append-only SQLite ledger of session lifecycle
// transitions. It records ids, statuses and reasons; never credentials.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/GriffinCanCode/termrelay/internal/session"
	_ "github.com/mattn/go-sqlite3"
)

// migrations are applied in order; PRAGMA user_version records progress.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS session_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		status TEXT NOT NULL,
		backend_id TEXT NOT NULL DEFAULT '',
		reason TEXT NOT NULL DEFAULT '',
		at_ms INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_session_events_session ON session_events(session_id, id);`,
}

// Ledger is a session.Recorder backed by SQLite.
type Ledger struct {
	db *sql.DB
}

// Open opens or creates the ledger at path.
func Open(path string) (*Ledger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create ledger dir: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	db.SetMaxOpenConns(1) // sqlite
	db.SetConnMaxLifetime(0)

	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Ledger{db: db}, nil
}

func migrate(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	for i := version; i < len(migrations); i++ {
		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("migration %d: %w", i+1, err)
		}
		if _, err := tx.Exec(migrations[i]); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("migration %d: %w", i+1, err)
		}
		// PRAGMA does not take bind parameters
		if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", i+1)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("migration %d: %w", i+1, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("migration %d: %w", i+1, err)
		}
	}
	return nil
}

// Record implements session.Recorder.
func (l *Ledger) Record(ctx context.Context, ev session.Event) error {
	at := ev.At
	if at.IsZero() {
		at = time.Now()
	}
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO session_events (session_id, status, backend_id, reason, at_ms) VALUES (?, ?, ?, ?, ?)`,
		ev.SessionID, string(ev.Status), ev.BackendID, ev.Reason, at.UnixMilli())
	if err != nil {
		return fmt.Errorf("record event: %w", err)
	}
	return nil
}

// History returns up to limit of the most recent events of a session,
// oldest first.
func (l *Ledger) History(ctx context.Context, sessionID string, limit int) ([]session.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := l.db.QueryContext(ctx,
		`SELECT session_id, status, backend_id, reason, at_ms FROM (
			SELECT id, session_id, status, backend_id, reason, at_ms FROM session_events
			WHERE session_id = ? ORDER BY id DESC LIMIT ?
		) ORDER BY id ASC`,
		sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var events []session.Event
	for rows.Next() {
		var (
			ev     session.Event
			status string
			atMS   int64
		)
		if err := rows.Scan(&ev.SessionID, &status, &ev.BackendID, &ev.Reason, &atMS); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.Status = session.Status(status)
		ev.At = time.UnixMilli(atMS).UTC()
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	return events, nil
}

// Close closes the database.
func (l *Ledger) Close() error {
	return l.db.Close()
}
