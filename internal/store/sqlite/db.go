// Package sqlite persists entries, icons and batch runs in a SQLite file
// using the pure-Go modernc.org/sqlite driver.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // registers the "sqlite" driver
)

const schema = `
CREATE TABLE IF NOT EXISTS entries (
    id        TEXT PRIMARY KEY,
    title     TEXT NOT NULL DEFAULT '',
    url       TEXT NOT NULL DEFAULT '',
    username  TEXT NOT NULL DEFAULT '',
    notes     TEXT NOT NULL DEFAULT '',
    fields    TEXT NOT NULL DEFAULT '{}',
    icon_hash TEXT NOT NULL DEFAULT '',
    modified  INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS icons (
    hash    TEXT PRIMARY KEY,
    name    TEXT NOT NULL DEFAULT '',
    data    BLOB NOT NULL,
    created INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS batch_runs (
    id            TEXT PRIMARY KEY,
    mode          TEXT NOT NULL DEFAULT '',
    status        TEXT NOT NULL,
    total         INTEGER NOT NULL DEFAULT 0,
    completed     INTEGER NOT NULL DEFAULT 0,
    n_success     INTEGER NOT NULL DEFAULT 0,
    n_not_found   INTEGER NOT NULL DEFAULT 0,
    n_error       INTEGER NOT NULL DEFAULT 0,
    n_skipped     INTEGER NOT NULL DEFAULT 0,
    n_canceled    INTEGER NOT NULL DEFAULT 0,
    created_at    INTEGER NOT NULL,
    started_at    INTEGER,
    finished_at   INTEGER,
    updated_at    INTEGER NOT NULL,
    error_message TEXT
);
CREATE INDEX IF NOT EXISTS idx_batch_runs_status ON batch_runs(status);
`

// DB wraps the connection shared by the entry and run stores.
type DB struct {
	db *sql.DB
}

// Open creates the parent directory and schema when missing.
func Open(ctx context.Context, path string) (*DB, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// SQLite serializes writers; one connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return nil, errors.Join(fmt.Errorf("apply schema: %w", err), db.Close())
	}
	return &DB{db: db}, nil
}

// Close closes the database connection.
func (d *DB) Close() error {
	if err := d.db.Close(); err != nil {
		return fmt.Errorf("close sqlite: %w", err)
	}
	return nil
}

// Entries returns the entry repository backed by d.
func (d *DB) Entries() *EntryStore {
	return &EntryStore{db: d.db, now: func() time.Time { return time.Now().UTC() }}
}

// Runs returns the batch-run repository backed by d.
func (d *DB) Runs() *RunStore {
	return &RunStore{db: d.db}
}

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func fromNullNanos(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := time.Unix(0, n.Int64).UTC()
	return &t
}
