package storage

import (
	"database/sql"
	"fmt"
	"net/url"

	_ "github.com/mattn/go-sqlite3"
)

// MemoryPath selects an in-memory database, used by tests
const MemoryPath = ":memory:"

// Store wraps the SQLite handle holding all control-plane state
type Store struct {
	db *sql.DB
}

// Open opens (and if necessary creates) the control-plane database at path.
// Transactions are opened with IMMEDIATE semantics so writers take the
// database lock up front instead of failing on upgrade.
func Open(path string) (*Store, error) {
	dsn := dsnFor(path)

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// A single connection serializes all writers and keeps the in-memory
	// database from evaporating between pool connections.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("opening database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func dsnFor(path string) string {
	params := url.Values{}
	params.Set("_txlock", "immediate")
	params.Set("_busy_timeout", "5000")
	params.Set("_foreign_keys", "on")

	if path == MemoryPath {
		return "file::memory:?" + params.Encode()
	}

	// WAL only makes sense for on-disk databases
	params.Set("_journal_mode", "WAL")
	return "file:" + path + "?" + params.Encode()
}

// DB exposes the underlying handle to the queue layer
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close closes the database
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the schema. Statements are idempotent so reopening an
// existing database is a no-op.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS control_tasks (
		id             TEXT PRIMARY KEY,
		action         TEXT NOT NULL,
		params         TEXT NOT NULL DEFAULT '{}',
		status         TEXT NOT NULL,
		priority       INTEGER NOT NULL DEFAULT 0,
		dependencies   TEXT NOT NULL DEFAULT '[]',
		dependents     TEXT NOT NULL DEFAULT '[]',
		required_files TEXT NOT NULL DEFAULT '[]',
		gateway_id     TEXT NOT NULL DEFAULT '',
		locked_by      TEXT,
		locked_at      TIMESTAMP,
		claim_token    TEXT,
		result         TEXT,
		error          TEXT NOT NULL DEFAULT '',
		created_at     TIMESTAMP NOT NULL,
		updated_at     TIMESTAMP NOT NULL,
		completed_at   TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS control_task_events (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		task_id     TEXT NOT NULL,
		event_type  TEXT NOT NULL,
		from_status TEXT NOT NULL DEFAULT '',
		to_status   TEXT NOT NULL DEFAULT '',
		worker_id   TEXT NOT NULL DEFAULT '',
		claim_token TEXT NOT NULL DEFAULT '',
		message     TEXT NOT NULL DEFAULT '',
		payload     TEXT,
		created_at  TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS control_task_file_ownership (
		file_path   TEXT PRIMARY KEY,
		task_id     TEXT NOT NULL,
		claim_token TEXT NOT NULL,
		claimed_at  TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS workers (
		worker_id      TEXT PRIMARY KEY,
		gateway_id     TEXT NOT NULL DEFAULT '',
		capabilities   TEXT NOT NULL DEFAULT '[]',
		status         TEXT NOT NULL DEFAULT '',
		capacity       TEXT NOT NULL DEFAULT '{}',
		metadata       TEXT NOT NULL DEFAULT '{}',
		registered_at  TIMESTAMP NOT NULL,
		last_heartbeat TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_tasks_status ON control_tasks(status);
	CREATE INDEX IF NOT EXISTS idx_tasks_ready ON control_tasks(status, priority DESC, created_at ASC);
	CREATE INDEX IF NOT EXISTS idx_tasks_locked_by ON control_tasks(locked_by);
	CREATE INDEX IF NOT EXISTS idx_tasks_locked_at ON control_tasks(locked_at);
	CREATE INDEX IF NOT EXISTS idx_events_task ON control_task_events(task_id, id);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("migrating schema: %w", err)
	}
	return nil
}
