package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// TimedSignal is a row in timed_signals (§3 Timed Signal, §4.9).
type TimedSignal struct {
	ID            string
	TriggerAt     time.Time
	NextTriggerAt *time.Time
	RRule         string
	Timezone      string
	Status        string
	SignalType    string
	Payload       string
	Target        string
	Origin        string
	CorrelationID string
	Attempts      int
	LastError     string
}

func insertTimedSignalExec(ctx context.Context, e execer, t TimedSignal) error {
	if t.Timezone == "" {
		t.Timezone = "UTC"
	}
	_, err := e.ExecContext(ctx, `
		INSERT INTO timed_signals (id, trigger_at, rrule, timezone, status, signal_type, payload, target, origin, correlation_id)
		VALUES (?, ?, ?, ?, 'pending', ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING;
	`, t.ID, t.TriggerAt, t.RRule, t.Timezone, t.SignalType, t.Payload, t.Target, t.Origin, t.CorrelationID)
	if err != nil {
		return fmt.Errorf("insert timed signal: %w", err)
	}
	return nil
}

// ScheduleTimedSignal is the store-level entry point used outside an FSM
// transaction (e.g. by the plan executor).
func (s *Store) ScheduleTimedSignal(ctx context.Context, t TimedSignal) error {
	return retryOnBusy(ctx, func() error { return insertTimedSignalExec(ctx, s.db, t) })
}

// ClaimDueTimedSignals atomically moves pending rows whose trigger_at has
// passed to processing, tagging them with workerID for lease tracking.
func (s *Store) ClaimDueTimedSignals(ctx context.Context, workerID string, now time.Time, maxN int) ([]TimedSignal, error) {
	var claimed []TimedSignal
	err := retryOnBusy(ctx, func() error {
		claimed = nil
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin timed claim tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		rows, err := tx.QueryContext(ctx, `
			SELECT id, trigger_at, rrule, timezone, status, signal_type, payload, target, origin, correlation_id, attempts, last_error
			FROM timed_signals
			WHERE status = 'pending' AND trigger_at <= ?
			ORDER BY trigger_at ASC
			LIMIT ?;
		`, now, maxN)
		if err != nil {
			return fmt.Errorf("select due timed signals: %w", err)
		}
		var ids []string
		for rows.Next() {
			var t TimedSignal
			if err := rows.Scan(&t.ID, &t.TriggerAt, &t.RRule, &t.Timezone, &t.Status, &t.SignalType, &t.Payload, &t.Target, &t.Origin, &t.CorrelationID, &t.Attempts, &t.LastError); err != nil {
				rows.Close()
				return fmt.Errorf("scan due timed signal: %w", err)
			}
			ids = append(ids, t.ID)
			claimed = append(claimed, t)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return err
		}
		rows.Close()

		for i := range claimed {
			res, err := tx.ExecContext(ctx, `
				UPDATE timed_signals SET status='processing', worker_id=?, claimed_at=CURRENT_TIMESTAMP, attempts=attempts+1
				WHERE id=? AND status='pending';
			`, workerID, ids[i])
			if err != nil {
				return fmt.Errorf("claim timed signal %s: %w", ids[i], err)
			}
			affected, _ := res.RowsAffected()
			if affected != 1 {
				claimed[i].ID = ""
			}
		}
		return tx.Commit()
	})
	if err != nil {
		return nil, err
	}
	out := claimed[:0]
	for _, t := range claimed {
		if t.ID != "" {
			out = append(out, t)
		}
	}
	return out, nil
}

// ReclaimStaleProcessing resets timed rows stuck in 'processing' past the
// lease window back to 'pending' (crash recovery, §4.9 concurrency note).
func (s *Store) ReclaimStaleProcessing(ctx context.Context, lease time.Duration) (int64, error) {
	var affected int64
	err := retryOnBusy(ctx, func() error {
		cutoff := time.Now().Add(-lease)
		res, err := s.db.ExecContext(ctx, `
			UPDATE timed_signals SET status='pending', worker_id='', claimed_at=NULL
			WHERE status='processing' AND claimed_at <= ?;
		`, cutoff)
		if err != nil {
			return fmt.Errorf("reclaim stale timed signals: %w", err)
		}
		affected, _ = res.RowsAffected()
		return nil
	})
	return affected, err
}

// MarkFired transitions a claimed row to fired and, for one-shot rows,
// leaves it terminal.
func (s *Store) MarkFired(ctx context.Context, id string) error {
	return retryOnBusy(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE timed_signals SET status='fired', fired_at=CURRENT_TIMESTAMP WHERE id=?;
		`, id)
		if err != nil {
			return fmt.Errorf("mark timed signal fired: %w", err)
		}
		return nil
	})
}

// MarkTimedFailed marks a one-shot row failed, e.g. missed_dispatch_window.
func (s *Store) MarkTimedFailed(ctx context.Context, id, reason string) error {
	return retryOnBusy(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE timed_signals SET status='failed', last_error=? WHERE id=?;
		`, reason, id)
		if err != nil {
			return fmt.Errorf("mark timed signal failed: %w", err)
		}
		return nil
	})
}

// MarkSkippedAndReschedule marks a recurring occurrence skipped and
// inserts (or updates) the next pending occurrence.
func (s *Store) MarkSkippedAndReschedule(ctx context.Context, id string, next TimedSignal) error {
	return retryOnBusy(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin skip/reschedule tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, `UPDATE timed_signals SET status='skipped' WHERE id=?;`, id); err != nil {
			return fmt.Errorf("mark timed signal skipped: %w", err)
		}
		if err := insertTimedSignalExec(ctx, tx, next); err != nil {
			return err
		}
		return tx.Commit()
	})
}

// TimedSignalByID fetches a single row, mainly for tests and diagnostics.
func (s *Store) TimedSignalByID(ctx context.Context, id string) (*TimedSignal, error) {
	var t TimedSignal
	err := s.db.QueryRowContext(ctx, `
		SELECT id, trigger_at, rrule, timezone, status, signal_type, payload, target, origin, correlation_id, attempts, last_error
		FROM timed_signals WHERE id = ?;
	`, id).Scan(&t.ID, &t.TriggerAt, &t.RRule, &t.Timezone, &t.Status, &t.SignalType, &t.Payload, &t.Target, &t.Origin, &t.CorrelationID, &t.Attempts, &t.LastError)
	if err != nil {
		return nil, fmt.Errorf("lookup timed signal %s: %w", id, err)
	}
	return &t, nil
}
