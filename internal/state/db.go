// Package state provides the SQLite-backed checkpoint store for Nexus.
// Plans, their tasks, and QA stage snapshots are persisted to a
// project-local database (.nexus/state.db) so that status survives the
// process and interrupted runs can be inspected and resumed.
package state

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// DB wraps an SQLite database connection with checkpoint operations.
type DB struct {
	conn *sql.DB
	path string
	mu   sync.RWMutex
}

// DefaultPath returns the path to the project-local checkpoint database.
func DefaultPath(projectRoot string) string {
	return filepath.Join(projectRoot, ".nexus", "state.db")
}

// pragmas applied to every fresh connection. WAL lets status queries
// run while a worker is writing; the busy timeout covers the brief
// writer overlap between the engine and the CLI.
var openPragmas = []string{
	"PRAGMA journal_mode=WAL",
	"PRAGMA busy_timeout=5000",
	"PRAGMA foreign_keys=ON",
}

// Open opens the checkpoint database at path, creating parent
// directories as needed.
func Open(path string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	for _, p := range openPragmas {
		if _, err := conn.Exec(p); err != nil {
			conn.Close()
			return nil, fmt.Errorf("%s: %w", p, err)
		}
	}

	return &DB{conn: conn, path: path}, nil
}

// OpenProject opens the checkpoint database for a project root.
func OpenProject(projectRoot string) (*DB, error) {
	return Open(DefaultPath(projectRoot))
}

// Close closes the database connection.
func (db *DB) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.conn.Close()
}

// Path returns the path to the database file.
func (db *DB) Path() string {
	return db.path
}

// migrations in application order. Append-only: released versions are
// never edited.
var migrations = []struct {
	version int
	sql     string
}{
	{1, migrationV1Plans},
	{2, migrationV2Tasks},
	{3, migrationV3StageResults},
}

// Migrate brings the schema up to the current version. Each pending
// migration commits atomically together with its version record, so an
// interrupted migration reruns cleanly.
func (db *DB) Migrate() error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if _, err := db.conn.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	var current int
	if err := db.conn.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&current); err != nil {
		return fmt.Errorf("get schema version: %w", err)
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		if err := db.applyMigration(m.version, m.sql); err != nil {
			return err
		}
	}
	return nil
}

func (db *DB) applyMigration(version int, stmt string) error {
	tx, err := db.conn.Begin()
	if err != nil {
		return fmt.Errorf("begin migration v%d: %w", version, err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(stmt); err != nil {
		return fmt.Errorf("apply migration v%d: %w", version, err)
	}
	if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
		return fmt.Errorf("record migration v%d: %w", version, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration v%d: %w", version, err)
	}
	return nil
}

const migrationV1Plans = `
CREATE TABLE IF NOT EXISTS plans (
	id TEXT PRIMARY KEY,
	feature_id TEXT NOT NULL,
	title TEXT NOT NULL,
	description TEXT,
	priority TEXT NOT NULL DEFAULT 'should',
	status TEXT NOT NULL DEFAULT 'planning',
	base_branch TEXT,
	waves TEXT,
	created_at DATETIME NOT NULL,
	finished_at DATETIME
);

CREATE INDEX IF NOT EXISTS idx_plans_status ON plans(status);
`

const migrationV2Tasks = `
CREATE TABLE IF NOT EXISTS tasks (
	id TEXT PRIMARY KEY,
	plan_id TEXT NOT NULL REFERENCES plans(id) ON DELETE CASCADE,
	feature_id TEXT,
	title TEXT NOT NULL,
	description TEXT,
	files TEXT,
	test_selector TEXT,
	estimated_minutes INTEGER NOT NULL DEFAULT 0,
	priority TEXT NOT NULL DEFAULT 'normal',
	depends_on TEXT,
	status TEXT NOT NULL DEFAULT 'pending',
	iterations INTEGER NOT NULL DEFAULT 0,
	worktree_id TEXT,
	agent_id TEXT,
	merge_commit TEXT,
	blocked_reason TEXT,
	created_at DATETIME NOT NULL,
	started_at DATETIME,
	finished_at DATETIME
);

CREATE INDEX IF NOT EXISTS idx_tasks_plan_id ON tasks(plan_id);
CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
`

const migrationV3StageResults = `
CREATE TABLE IF NOT EXISTS stage_results (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	task_id TEXT NOT NULL,
	stage TEXT NOT NULL,
	iteration INTEGER NOT NULL,
	passed INTEGER NOT NULL,
	duration_ms INTEGER NOT NULL DEFAULT 0,
	detail TEXT,
	created_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_stage_results_task_id ON stage_results(task_id);
`

// Exec executes a statement under the writer lock.
func (db *DB) Exec(query string, args ...any) (sql.Result, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.conn.Exec(query, args...)
}

// Query executes a query that returns rows.
func (db *DB) Query(query string, args ...any) (*sql.Rows, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.conn.Query(query, args...)
}

// QueryRow executes a query that returns at most one row.
func (db *DB) QueryRow(query string, args ...any) *sql.Row {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.conn.QueryRow(query, args...)
}

// Transaction runs fn inside a transaction, rolling back when it
// returns an error.
func (db *DB) Transaction(fn func(tx *sql.Tx) error) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	tx, err := db.conn.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// Times are stored as RFC3339 UTC strings so they sort lexically.

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339, s)
}

func parseNullableTime(s sql.NullString) *time.Time {
	if !s.Valid {
		return nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil
	}
	return &t
}

// PurgeOldPlans deletes settled plans older than the cutoff; their
// tasks go with them through the cascade. Returns the plans deleted.
func (db *DB) PurgeOldPlans(olderThan time.Duration) (int64, error) {
	res, err := db.Exec(`
		DELETE FROM plans WHERE created_at < ? AND status IN ('completed', 'failed', 'canceled')
	`, formatTime(time.Now().Add(-olderThan)))
	if err != nil {
		return 0, fmt.Errorf("purge old plans: %w", err)
	}
	return res.RowsAffected()
}