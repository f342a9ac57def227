package store

import (
	"database/sql"
	_ "embed"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

// Store is the SQLite backend for ledger records and one-shot triggers.
// Uses SQLite with WAL mode for concurrent read access.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithClock sets the time source used to stamp created_at/updated_at on
// ledger records. Defaults to time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// Open creates or opens the SQLite database at path (":memory:" for tests),
// applying pragmas and pending migrations. Reopening an existing database is
// safe.
//
// Pragmas: journal_mode=WAL, synchronous=NORMAL, busy_timeout=5000.
func Open(path string, opts ...Option) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite only supports one writer at a time, so limit connections.
	// This also keeps ":memory:" databases on a single shared connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}

	if err := applySchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	s := &Store{db: db, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// applyPragmas sets required SQLite configuration.
func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}

	return nil
}

// migrations[i] moves the schema from user_version i to i+1. Append only.
var migrations = []string{
	// 1: index for the dispatcher's due-trigger scan
	`CREATE INDEX IF NOT EXISTS idx_triggers_due ON triggers(namespace, state, fire_at)`,

	// 2: one trigger per (namespace, subject_id, date, event_id) instead of
	// per (namespace, event_id). SQLite cannot alter a UNIQUE constraint, so
	// the table is rebuilt.
	`CREATE TABLE triggers_v2 (
		id TEXT PRIMARY KEY,
		namespace TEXT NOT NULL,
		event_id TEXT NOT NULL,
		subject_id TEXT NOT NULL,
		date TEXT NOT NULL,
		target TEXT NOT NULL,
		fire_at INTEGER NOT NULL,
		attempt INTEGER NOT NULL DEFAULT 0,
		state TEXT NOT NULL CHECK (state IN ('armed', 'leased')),
		lease_expires_at INTEGER,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		UNIQUE (namespace, subject_id, date, event_id)
	);
	INSERT INTO triggers_v2 (id, namespace, event_id, subject_id, date, target,
		fire_at, attempt, state, lease_expires_at, created_at, updated_at)
	SELECT id, namespace, event_id, subject_id, date, target,
		fire_at, attempt, state, lease_expires_at, created_at, updated_at
	FROM triggers;
	DROP TABLE triggers;
	ALTER TABLE triggers_v2 RENAME TO triggers;
	CREATE INDEX IF NOT EXISTS idx_triggers_due ON triggers(namespace, state, fire_at);`,
}

// applySchema creates missing tables and brings user_version up to
// len(migrations). Safe to run on every Open. Each step commits together
// with its user_version bump.
func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}

	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}
	for v := version; v < len(migrations); v++ {
		if err := migrate(db, v+1, migrations[v]); err != nil {
			return err
		}
	}
	return nil
}

func migrate(db *sql.DB, version int, stmt string) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("migrate to v%d: begin tx: %w", version, err)
	}
	defer tx.Rollback() // No-op if committed

	if _, err := tx.Exec(stmt); err != nil {
		return fmt.Errorf("migrate to v%d: %w", version, err)
	}
	if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", version)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("migrate to v%d: commit: %w", version, err)
	}
	return nil
}

// verifyPragma reports a mismatch between a pragma and expected.
func (s *Store) verifyPragma(name, expected string) error {
	var value string
	query := fmt.Sprintf("PRAGMA %s", name)
	if err := s.db.QueryRow(query).Scan(&value); err != nil {
		return fmt.Errorf("failed to query %s: %w", name, err)
	}
	if value != expected {
		return fmt.Errorf("%s = %q, expected %q", name, value, expected)
	}
	return nil
}

func toMillis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
