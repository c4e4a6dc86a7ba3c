// Package observability implements the correlation-keyed trace log (§4.11):
// an append-only event table plus a daily (day, event, level) rollup, with
// severity-tiered retention and a hard row cap enforced oldest-first. It is
// deliberately a separate SQLite database from the nerve store so trace
// volume and retention policy never contend with FSM/plan/slice durability.
package observability

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const (
	maxDetailChars             = 4096
	defaultMaxRows             = 1_000_000
	defaultNonErrorTTLDays     = 14
	defaultErrorTTLDays        = 30
	defaultMaintenanceInterval = 6 * time.Hour
	defaultBusyRetries         = 5
	busyBaseDelay              = 50 * time.Millisecond
	busyMaxDelay               = 500 * time.Millisecond
)

// Event is one structured trace row (§4.11).
type Event struct {
	CreatedAt     time.Time
	Level         string
	Event         string
	CorrelationID string
	Channel       string
	UserID        string
	Node          string
	Cycle         *int
	Status        string
	Tool          string
	ErrorCode     string
	LatencyMS     *int
	Payload       map[string]any
}

// Config configures retention and maintenance cadence, sourced from the
// OBSERVABILITY_* environment variables (§6).
type Config struct {
	NonErrorTTLDays     int
	ErrorTTLDays        int
	MaxRows             int
	MaintenanceInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.NonErrorTTLDays <= 0 {
		c.NonErrorTTLDays = defaultNonErrorTTLDays
	}
	if c.ErrorTTLDays <= 0 {
		c.ErrorTTLDays = defaultErrorTTLDays
	}
	if c.MaxRows <= 0 {
		c.MaxRows = defaultMaxRows
	}
	if c.MaintenanceInterval <= 0 {
		c.MaintenanceInterval = defaultMaintenanceInterval
	}
	return c
}

// Store is the observability trace database.
type Store struct {
	db  *sql.DB
	cfg Config

	mu        sync.Mutex
	lastMaint time.Time
}

// DefaultDBPath mirrors store.DefaultDBPath's fallback shape for the
// separate observability database file.
func DefaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".nervecore", "observability.db")
}

// Open opens (creating if necessary) the observability database at path.
func Open(path string, cfg Config) (*Store, error) {
	if path == "" {
		path = DefaultDBPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create observability db directory: %w", err)
	}
	dsn := fmt.Sprintf("%s?_busy_timeout=5000", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open observability sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db, cfg: cfg.withDefaults()}
	if _, err := db.ExecContext(context.Background(), "PRAGMA journal_mode=WAL;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set wal mode: %w", err)
	}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate(ctx context.Context) error {
	const schema = `
CREATE TABLE IF NOT EXISTS trace_events (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  created_at TEXT NOT NULL,
  level TEXT NOT NULL,
  event TEXT NOT NULL,
  correlation_id TEXT,
  channel TEXT,
  user_id TEXT,
  node TEXT,
  cycle INTEGER,
  status TEXT,
  tool TEXT,
  error_code TEXT,
  latency_ms INTEGER,
  detail_json TEXT
);
CREATE INDEX IF NOT EXISTS idx_trace_events_correlation_created ON trace_events (correlation_id, created_at);
CREATE INDEX IF NOT EXISTS idx_trace_events_event_created ON trace_events (event, created_at);
CREATE INDEX IF NOT EXISTS idx_trace_events_level_created ON trace_events (level, created_at);
CREATE INDEX IF NOT EXISTS idx_trace_events_channel_created ON trace_events (channel, created_at);

CREATE TABLE IF NOT EXISTS trace_daily_rollups (
  day TEXT NOT NULL,
  event TEXT NOT NULL,
  level TEXT NOT NULL,
  count INTEGER NOT NULL DEFAULT 0,
  PRIMARY KEY (day, event, level)
);`
	_, err := s.db.ExecContext(ctx, schema)
	if err != nil {
		return fmt.Errorf("migrate observability schema: %w", err)
	}
	return nil
}

// Write appends ev, updates its daily rollup bucket, and opportunistically
// runs retention maintenance if the maintenance interval has elapsed.
func (s *Store) Write(ctx context.Context, ev Event) error {
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	level := strings.ToLower(orDefaultStr(ev.Level, "info"))
	event := orDefaultStr(ev.Event, "unknown_event")
	detail, err := truncateJSON(ev.Payload)
	if err != nil {
		return fmt.Errorf("encode trace event payload: %w", err)
	}
	createdAt := ev.CreatedAt.UTC().Format(time.RFC3339Nano)
	day := createdAt[:10]

	err = retryOnBusy(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO trace_events (
				created_at, level, event, correlation_id, channel, user_id, node,
				cycle, status, tool, error_code, latency_ms, detail_json
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			createdAt, level, event, nullIfEmpty(ev.CorrelationID), nullIfEmpty(ev.Channel),
			nullIfEmpty(ev.UserID), nullIfEmpty(ev.Node), ev.Cycle, nullIfEmpty(ev.Status),
			nullIfEmpty(ev.Tool), nullIfEmpty(ev.ErrorCode), ev.LatencyMS, detail,
		); err != nil {
			return fmt.Errorf("insert trace event: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO trace_daily_rollups (day, event, level, count)
			VALUES (?, ?, ?, 1)
			ON CONFLICT(day, event, level) DO UPDATE SET count = count + 1`,
			day, event, level,
		); err != nil {
			return fmt.Errorf("upsert daily rollup: %w", err)
		}

		return tx.Commit()
	})
	if err != nil {
		return err
	}

	s.maybeRunMaintenance(ctx)
	return nil
}

func (s *Store) maybeRunMaintenance(ctx context.Context) {
	s.mu.Lock()
	due := time.Since(s.lastMaint) >= s.cfg.MaintenanceInterval
	if due {
		s.lastMaint = time.Now()
	}
	s.mu.Unlock()
	if !due {
		return
	}
	if err := s.RunMaintenance(ctx); err != nil {
		// Maintenance is best-effort; a failed prune just means the next
		// write's opportunistic pass tries again.
		_ = err
	}
}

// RunMaintenance prunes rows past their severity-tiered TTL and, if the
// table still exceeds the configured row cap, deletes the oldest overflow
// rows by (created_at, id) order.
func (s *Store) RunMaintenance(ctx context.Context) error {
	now := time.Now().UTC()
	nonErrorCutoff := now.Add(-time.Duration(s.cfg.NonErrorTTLDays) * 24 * time.Hour).Format(time.RFC3339Nano)
	errorCutoff := now.Add(-time.Duration(s.cfg.ErrorTTLDays) * 24 * time.Hour).Format(time.RFC3339Nano)

	return retryOnBusy(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		if _, err := tx.ExecContext(ctx, `
			DELETE FROM trace_events
			WHERE created_at < ? AND lower(coalesce(level, 'info')) NOT IN ('warning', 'error')`,
			nonErrorCutoff,
		); err != nil {
			return fmt.Errorf("prune non-error trace events: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM trace_events
			WHERE created_at < ? AND lower(coalesce(level, 'info')) IN ('warning', 'error')`,
			errorCutoff,
		); err != nil {
			return fmt.Errorf("prune error trace events: %w", err)
		}

		var total int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM trace_events`).Scan(&total); err != nil {
			return fmt.Errorf("count trace events: %w", err)
		}
		if overflow := total - s.cfg.MaxRows; overflow > 0 {
			if _, err := tx.ExecContext(ctx, `
				DELETE FROM trace_events WHERE id IN (
					SELECT id FROM trace_events ORDER BY created_at ASC, id ASC LIMIT ?
				)`, overflow,
			); err != nil {
				return fmt.Errorf("enforce trace event row cap: %w", err)
			}
		}

		return tx.Commit()
	})
}

// ByCorrelationID returns every event recorded under correlationID, oldest
// first — the read path behind the status/trace surface (§4.11).
func (s *Store) ByCorrelationID(ctx context.Context, correlationID string) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT created_at, level, event, correlation_id, channel, user_id, node,
		       cycle, status, tool, error_code, latency_ms, detail_json
		FROM trace_events WHERE correlation_id = ? ORDER BY created_at ASC, id ASC`, correlationID)
	if err != nil {
		return nil, fmt.Errorf("query trace events by correlation id: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var (
			createdAt                                                        string
			level, event                                                     string
			corrID, channel, userID, node, status, tool, errCode, detailJSON sql.NullString
			cycle, latency                                                   sql.NullInt64
		)
		if err := rows.Scan(&createdAt, &level, &event, &corrID, &channel, &userID, &node,
			&cycle, &status, &tool, &errCode, &latency, &detailJSON); err != nil {
			return nil, fmt.Errorf("scan trace event: %w", err)
		}
		ts, _ := time.Parse(time.RFC3339Nano, createdAt)
		ev := Event{
			CreatedAt:     ts,
			Level:         level,
			Event:         event,
			CorrelationID: corrID.String,
			Channel:       channel.String,
			UserID:        userID.String,
			Node:          node.String,
			Status:        status.String,
			Tool:          tool.String,
			ErrorCode:     errCode.String,
		}
		if cycle.Valid {
			c := int(cycle.Int64)
			ev.Cycle = &c
		}
		if latency.Valid {
			l := int(latency.Int64)
			ev.LatencyMS = &l
		}
		if detailJSON.Valid && detailJSON.String != "" {
			_ = json.Unmarshal([]byte(detailJSON.String), &ev.Payload)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func truncateJSON(payload map[string]any) (string, error) {
	if payload == nil {
		payload = map[string]any{}
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	if len(raw) <= maxDetailChars {
		return string(raw), nil
	}
	prefixLen := maxDetailChars - 64
	if prefixLen < 1 {
		prefixLen = 1
	}
	compact, err := json.Marshal(map[string]any{
		"truncated": true,
		"prefix":    string(raw[:prefixLen]),
	})
	if err != nil {
		return "", err
	}
	return string(compact), nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func orDefaultStr(s, def string) string {
	if strings.TrimSpace(s) == "" {
		return def
	}
	return s
}

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
