// Package storage keeps a queryable SQLite copy of the device lifecycle journal.
package storage

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	devicekeeper "github.com/httprunner/DeviceKeeper"
	pkgerrors "github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

const eventsTable = "device_events"

// EventStore implements devicekeeper.EventRecorder on SQLite.
type EventStore struct {
	db     *sql.DB
	insert *sql.Stmt
	path   string

	mu     sync.Mutex
	closed bool
}

// OpenEventStore opens (or creates) the database at path.
func OpenEventStore(path string) (*EventStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, pkgerrors.New("storage: sqlite path is empty")
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, pkgerrors.Wrapf(err, "storage: create dir %s failed", dir)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "storage: open sqlite database failed")
	}
	if err := configureSQLite(db); err != nil {
		db.Close()
		return nil, err
	}
	if err := prepareSchema(db); err != nil {
		db.Close()
		return nil, err
	}
	stmt, err := db.Prepare(`INSERT INTO ` + eventsTable + `
		(device_id, kind, cycle, attempt, state, message, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		db.Close()
		return nil, pkgerrors.Wrap(err, "storage: prepare insert failed")
	}
	log.Debug().Str("path", path).Msg("storage: event store opened")
	return &EventStore{db: db, insert: stmt, path: path}, nil
}

func configureSQLite(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA temp_store=MEMORY;",
		"PRAGMA busy_timeout=60000;",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return pkgerrors.Wrapf(err, "storage: execute %s failed", pragma)
		}
	}
	// One writer; every runner funnels through the same connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	return nil
}

func prepareSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS ` + eventsTable + ` (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			device_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			cycle INTEGER NOT NULL DEFAULT 0,
			attempt INTEGER NOT NULL DEFAULT 0,
			state TEXT,
			message TEXT,
			error TEXT,
			created_at INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_device_events_device ON ` + eventsTable + ` (device_id, id);`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return pkgerrors.Wrap(err, "storage: prepare schema failed")
		}
	}
	return nil
}

// Path returns the database file.
func (s *EventStore) Path() string { return s.path }

// RecordEvent inserts one event. State-change noise is skipped.
func (s *EventStore) RecordEvent(ctx context.Context, ev devicekeeper.Event) error {
	if s == nil {
		return nil
	}
	if ev.Kind == devicekeeper.EventStateChanged {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return pkgerrors.New("storage: event store closed")
	}
	at := ev.At
	if at.IsZero() {
		at = time.Now()
	}
	_, err := s.insert.ExecContext(ctx,
		ev.DeviceID, string(ev.Kind), ev.Cycle, ev.Attempt, ev.State.String(), ev.Message, ev.Err, at.UnixMilli())
	if err != nil {
		return pkgerrors.Wrapf(err, "storage: insert %s event for %s failed", ev.Kind, ev.DeviceID)
	}
	return nil
}

// ListEvents returns the latest events for deviceID (all devices when empty), newest first.
func (s *EventStore) ListEvents(ctx context.Context, deviceID string, limit int) ([]devicekeeper.Event, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT device_id, kind, cycle, attempt, state, message, error, created_at FROM ` + eventsTable
	args := []any{}
	if id := strings.TrimSpace(deviceID); id != "" {
		query += ` WHERE device_id = ?`
		args = append(args, id)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "storage: query events failed")
	}
	defer rows.Close()

	var out []devicekeeper.Event
	for rows.Next() {
		var (
			ev        devicekeeper.Event
			kind      string
			state     sql.NullString
			message   sql.NullString
			errText   sql.NullString
			createdAt int64
		)
		if err := rows.Scan(&ev.DeviceID, &kind, &ev.Cycle, &ev.Attempt, &state, &message, &errText, &createdAt); err != nil {
			return nil, pkgerrors.Wrap(err, "storage: scan event failed")
		}
		ev.Kind = devicekeeper.EventKind(kind)
		ev.State = devicekeeper.ParseState(state.String)
		ev.Message = message.String
		ev.Err = errText.String
		ev.At = time.UnixMilli(createdAt)
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, pkgerrors.Wrap(err, "storage: iterate events failed")
	}
	return out, nil
}

// Close releases the database.
func (s *EventStore) Close() error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.insert != nil {
		s.insert.Close()
	}
	return s.db.Close()
}
