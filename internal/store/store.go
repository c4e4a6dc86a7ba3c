// Package store implements the single embedded relational store (§4.1):
// catalog, signal queue, FSM state and trace, plan registry/instances/runs,
// and the cooperative slice tables. It is the sole owner of persistent
// rows; every mutation goes through a repository method on Store.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const (
	schemaVersion = 1

	defaultBusyRetries = 5
	busyBaseDelay       = 50 * time.Millisecond
	busyMaxDelay        = 500 * time.Millisecond
)

// Store wraps a single-connection SQLite database in WAL mode.
type Store struct {
	db *sql.DB
}

// DefaultDBPath returns the default location for the nerve core database,
// honoring $NERVE_DB_PATH indirectly through the caller (config resolves
// the env var; this is only the fallback when unset).
func DefaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".nervecore", "nerve.db")
}

// Open opens (creating if necessary) the store at path, applying pragmas
// and running schema migrations.
func Open(path string) (*Store, error) {
	if path == "" {
		path = DefaultDBPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db}
	if err := s.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// DB exposes the underlying handle for components that need direct access
// (e.g. the plan executor's schema cache warms from a read-only query).
func (s *Store) DB() *sql.DB { return s.db }

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) configurePragmas(ctx context.Context) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
	}
	for _, p := range pragmas {
		if _, err := s.db.ExecContext(ctx, p); err != nil {
			return fmt.Errorf("set pragma %q: %w", p, err)
		}
	}
	return nil
}

// retryOnBusy retries f while SQLite reports the database as busy or
// locked, using bounded exponential backoff with jitter on top of the
// driver's own busy_timeout.
func retryOnBusy(ctx context.Context, f func() error) error {
	var err error
	for attempt := 0; attempt <= defaultBusyRetries; attempt++ {
		err = f()
		if err == nil {
			return nil
		}
		if !isSQLiteBusy(err) {
			return err
		}
		if attempt == defaultBusyRetries {
			return err
		}
		delay := busyBaseDelay << uint(attempt)
		if delay > busyMaxDelay {
			delay = busyMaxDelay
		}
		jitter := time.Duration(rand.IntN(int(delay/2) + 1))
		delay = delay - delay/4 + jitter

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "(5)") ||
		strings.Contains(msg, "(6)")
}

func (s *Store) migrate(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var maxVersion int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&maxVersion); err != nil {
		return fmt.Errorf("read migration max version: %w", err)
	}
	if maxVersion > schemaVersion {
		return fmt.Errorf("db schema version %d is newer than supported %d", maxVersion, schemaVersion)
	}
	if maxVersion == schemaVersion {
		return tx.Commit()
	}

	statements := []string{
		// Catalog
		`CREATE TABLE IF NOT EXISTS states (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			key TEXT NOT NULL UNIQUE,
			name TEXT NOT NULL DEFAULT '',
			is_terminal INTEGER NOT NULL DEFAULT 0,
			is_enabled INTEGER NOT NULL DEFAULT 1
		);`,
		`CREATE TABLE IF NOT EXISTS signal_types (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			key TEXT NOT NULL UNIQUE
		);`,
		`CREATE TABLE IF NOT EXISTS transitions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			state_id INTEGER REFERENCES states(id),
			signal_id INTEGER NOT NULL REFERENCES signal_types(id),
			next_state_id INTEGER NOT NULL REFERENCES states(id),
			priority INTEGER NOT NULL DEFAULT 100,
			is_enabled INTEGER NOT NULL DEFAULT 1,
			guard_key TEXT NOT NULL DEFAULT '',
			action_key TEXT NOT NULL DEFAULT '',
			match_any_state INTEGER NOT NULL DEFAULT 0
		);`,
		`CREATE INDEX IF NOT EXISTS idx_transitions_lookup ON transitions(signal_id, state_id, is_enabled);`,
		`CREATE INDEX IF NOT EXISTS idx_transitions_wildcard ON transitions(signal_id, match_any_state, is_enabled);`,

		// FSM state marker + trace
		`CREATE TABLE IF NOT EXISTS fsm_marker (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			current_state_key TEXT NOT NULL,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS fsm_trace (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			correlation_id TEXT NOT NULL,
			state_before TEXT NOT NULL,
			signal_type TEXT NOT NULL,
			transition_id INTEGER,
			action_key TEXT NOT NULL DEFAULT '',
			state_after TEXT NOT NULL,
			result TEXT NOT NULL,
			error_summary TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE INDEX IF NOT EXISTS idx_fsm_trace_correlation ON fsm_trace(correlation_id);`,

		// Signal queue
		`CREATE TABLE IF NOT EXISTS signal_queue (
			id TEXT PRIMARY KEY,
			type TEXT NOT NULL,
			source TEXT NOT NULL DEFAULT '',
			payload TEXT NOT NULL DEFAULT '{}',
			correlation_id TEXT NOT NULL,
			status TEXT NOT NULL CHECK(status IN ('queued','processing','done','failed')) DEFAULT 'queued',
			error TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE INDEX IF NOT EXISTS idx_signal_queue_status ON signal_queue(status, created_at);`,

		// Plans
		`CREATE TABLE IF NOT EXISTS plan_kind_versions (
			plan_kind TEXT NOT NULL,
			plan_version INTEGER NOT NULL,
			schema_json TEXT NOT NULL,
			example_json TEXT NOT NULL DEFAULT '{}',
			executor_key TEXT NOT NULL,
			is_deprecated INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (plan_kind, plan_version)
		);`,
		`CREATE TABLE IF NOT EXISTS plan_instances (
			plan_id TEXT PRIMARY KEY,
			plan_kind TEXT NOT NULL,
			plan_version INTEGER NOT NULL,
			correlation_id TEXT NOT NULL,
			status TEXT NOT NULL CHECK(status IN ('queued','running','done','failed','awaiting_user')) DEFAULT 'queued',
			payload TEXT NOT NULL,
			actor TEXT NOT NULL DEFAULT '',
			source_channel TEXT NOT NULL DEFAULT '',
			intent_confidence REAL NOT NULL DEFAULT 0,
			error TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE INDEX IF NOT EXISTS idx_plan_instances_status ON plan_instances(status, created_at);`,
		`CREATE TABLE IF NOT EXISTS plan_runs (
			run_id TEXT PRIMARY KEY,
			plan_id TEXT NOT NULL REFERENCES plan_instances(plan_id),
			status TEXT NOT NULL,
			started_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			ended_at DATETIME,
			state_json TEXT NOT NULL DEFAULT '{}',
			scheduled_json TEXT NOT NULL DEFAULT '{}',
			resolution TEXT NOT NULL DEFAULT ''
		);`,

		// Timed signals
		`CREATE TABLE IF NOT EXISTS timed_signals (
			id TEXT PRIMARY KEY,
			trigger_at DATETIME NOT NULL,
			next_trigger_at DATETIME,
			rrule TEXT NOT NULL DEFAULT '',
			timezone TEXT NOT NULL DEFAULT 'UTC',
			status TEXT NOT NULL CHECK(status IN ('pending','processing','fired','failed','cancelled','skipped','dispatched')) DEFAULT 'pending',
			fired_at DATETIME,
			attempts INTEGER NOT NULL DEFAULT 0,
			last_error TEXT NOT NULL DEFAULT '',
			signal_type TEXT NOT NULL,
			payload TEXT NOT NULL DEFAULT '{}',
			target TEXT NOT NULL DEFAULT '',
			origin TEXT NOT NULL DEFAULT '',
			correlation_id TEXT NOT NULL,
			worker_id TEXT NOT NULL DEFAULT '',
			claimed_at DATETIME,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE INDEX IF NOT EXISTS idx_timed_signals_dispatch ON timed_signals(status, trigger_at);`,

		// Slice executor (PDCA)
		`CREATE TABLE IF NOT EXISTS pdca_tasks (
			task_id TEXT PRIMARY KEY,
			owner_id TEXT NOT NULL,
			conversation_key TEXT NOT NULL DEFAULT '',
			session_id TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL CHECK(status IN ('queued','running','waiting_user','done','failed','paused')) DEFAULT 'queued',
			priority INTEGER NOT NULL DEFAULT 0,
			next_run_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			lease_until DATETIME,
			worker_id TEXT NOT NULL DEFAULT '',
			slice_cycles INTEGER NOT NULL DEFAULT 3,
			max_cycles INTEGER NOT NULL DEFAULT 30,
			cycles_run INTEGER NOT NULL DEFAULT 0,
			max_runtime_seconds INTEGER NOT NULL DEFAULT 60,
			token_budget_remaining INTEGER NOT NULL DEFAULT 0,
			failure_streak INTEGER NOT NULL DEFAULT 0,
			last_error TEXT NOT NULL DEFAULT '',
			correlation_id TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE INDEX IF NOT EXISTS idx_pdca_tasks_runnable ON pdca_tasks(status, priority DESC, next_run_at ASC, updated_at ASC);`,
		`CREATE TABLE IF NOT EXISTS pdca_checkpoints (
			task_id TEXT PRIMARY KEY REFERENCES pdca_tasks(task_id),
			state_json TEXT NOT NULL DEFAULT '{}',
			task_state_json TEXT NOT NULL DEFAULT '{}',
			version INTEGER NOT NULL DEFAULT 0,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS pdca_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			task_id TEXT NOT NULL REFERENCES pdca_tasks(task_id),
			event_type TEXT NOT NULL,
			detail TEXT NOT NULL DEFAULT '{}',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE INDEX IF NOT EXISTS idx_pdca_events_task ON pdca_events(task_id, id);`,

		// Principals / preferences
		`CREATE TABLE IF NOT EXISTS principals (
			user_id TEXT PRIMARY KEY,
			display_name TEXT NOT NULL DEFAULT '',
			channel_bindings TEXT NOT NULL DEFAULT '{}',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS preferences (
			user_id TEXT NOT NULL,
			key TEXT NOT NULL,
			value_json TEXT NOT NULL DEFAULT 'null',
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (user_id, key)
		);`,
	}

	for _, stmt := range statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec migration: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (version) VALUES (?);`, schemaVersion); err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}
	return tx.Commit()
}
