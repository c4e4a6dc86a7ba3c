package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// PDCATask is a row in pdca_tasks: one cooperative, resumable slice of
// plan/decide/act/check work (§3 Task Slice, §4.10).
type PDCATask struct {
	TaskID               string
	OwnerID              string
	ConversationKey      string
	SessionID            string
	Status               string
	Priority             int
	NextRunAt            time.Time
	LeaseUntil           *time.Time
	WorkerID             string
	SliceCycles          int
	MaxCycles            int
	CyclesRun            int
	MaxRuntimeSeconds    int
	TokenBudgetRemaining int
	FailureStreak        int
	LastError            string
	CorrelationID        string
}

// PDCACheckpoint is the single current checkpoint row for a task, guarded
// by an optimistic-concurrency version column (§8 invariant: checkpoint
// writes are CAS on version).
type PDCACheckpoint struct {
	TaskID        string
	StateJSON     string
	TaskStateJSON string
	Version       int
}

func insertPDCATaskExec(ctx context.Context, e execer, t PDCATask) error {
	if t.SliceCycles == 0 {
		t.SliceCycles = 3
	}
	if t.MaxCycles == 0 {
		t.MaxCycles = 30
	}
	if t.MaxRuntimeSeconds == 0 {
		t.MaxRuntimeSeconds = 60
	}
	_, err := e.ExecContext(ctx, `
		INSERT INTO pdca_tasks (task_id, owner_id, conversation_key, session_id, status, priority, slice_cycles, max_cycles, max_runtime_seconds, token_budget_remaining, correlation_id)
		VALUES (?, ?, ?, ?, 'queued', ?, ?, ?, ?, ?, ?)
		ON CONFLICT(task_id) DO NOTHING;
	`, t.TaskID, t.OwnerID, t.ConversationKey, t.SessionID, t.Priority, t.SliceCycles, t.MaxCycles, t.MaxRuntimeSeconds, t.TokenBudgetRemaining, t.CorrelationID)
	if err != nil {
		return fmt.Errorf("insert pdca task: %w", err)
	}
	return nil
}

// EnqueuePDCATask is the store-level entry point used outside an FSM
// transaction.
func (s *Store) EnqueuePDCATask(ctx context.Context, t PDCATask) error {
	return retryOnBusy(ctx, func() error { return insertPDCATaskExec(ctx, s.db, t) })
}

// ClaimNextRunnableTask leases the highest-priority runnable task, ordered
// per §4.10: priority DESC, next_run_at ASC, updated_at ASC. Returns nil,
// nil when nothing is runnable.
func (s *Store) ClaimNextRunnableTask(ctx context.Context, workerID string, lease time.Duration) (*PDCATask, error) {
	var claimed *PDCATask
	err := retryOnBusy(ctx, func() error {
		claimed = nil
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin pdca claim tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		now := time.Now().UTC()
		var t PDCATask
		var leaseUntil sql.NullTime
		row := tx.QueryRowContext(ctx, `
			SELECT task_id, owner_id, conversation_key, session_id, status, priority, next_run_at, lease_until, worker_id,
			       slice_cycles, max_cycles, cycles_run, max_runtime_seconds, token_budget_remaining, failure_streak, last_error, correlation_id
			FROM pdca_tasks
			WHERE status IN ('queued','running') AND next_run_at <= ? AND (lease_until IS NULL OR lease_until <= ?)
			ORDER BY priority DESC, next_run_at ASC, updated_at ASC
			LIMIT 1;
		`, now, now)
		if err := row.Scan(&t.TaskID, &t.OwnerID, &t.ConversationKey, &t.SessionID, &t.Status, &t.Priority, &t.NextRunAt, &leaseUntil, &t.WorkerID,
			&t.SliceCycles, &t.MaxCycles, &t.CyclesRun, &t.MaxRuntimeSeconds, &t.TokenBudgetRemaining, &t.FailureStreak, &t.LastError, &t.CorrelationID); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return tx.Commit()
			}
			return fmt.Errorf("select runnable pdca task: %w", err)
		}

		newLease := now.Add(lease)
		res, err := tx.ExecContext(ctx, `
			UPDATE pdca_tasks SET status='running', worker_id=?, lease_until=?, updated_at=CURRENT_TIMESTAMP
			WHERE task_id=? AND (lease_until IS NULL OR lease_until <= ?);
		`, workerID, newLease, t.TaskID, now)
		if err != nil {
			return fmt.Errorf("lease pdca task %s: %w", t.TaskID, err)
		}
		affected, _ := res.RowsAffected()
		if affected != 1 {
			return tx.Commit()
		}
		t.WorkerID = workerID
		t.LeaseUntil = &newLease
		t.Status = "running"
		claimed = &t
		return tx.Commit()
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// LatestCheckpoint returns the current checkpoint for a task, or nil if
// none has been written yet.
func (s *Store) LatestCheckpoint(ctx context.Context, taskID string) (*PDCACheckpoint, error) {
	var c PDCACheckpoint
	err := s.db.QueryRowContext(ctx, `
		SELECT task_id, state_json, task_state_json, version FROM pdca_checkpoints WHERE task_id = ?;
	`, taskID).Scan(&c.TaskID, &c.StateJSON, &c.TaskStateJSON, &c.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup checkpoint for %s: %w", taskID, err)
	}
	return &c, nil
}

// ErrCheckpointConflict is returned by WriteCheckpointCAS when the
// expected version does not match the stored version (§8: optimistic
// concurrency on checkpoint writes).
var ErrCheckpointConflict = errors.New("store: checkpoint version conflict")

// WriteCheckpointCAS writes a new checkpoint version, failing with
// ErrCheckpointConflict if expectedVersion is stale.
func (s *Store) WriteCheckpointCAS(ctx context.Context, taskID, stateJSON, taskStateJSON string, expectedVersion int) error {
	return retryOnBusy(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin checkpoint tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if expectedVersion == 0 {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO pdca_checkpoints (task_id, state_json, task_state_json, version)
				VALUES (?, ?, ?, 1)
				ON CONFLICT(task_id) DO NOTHING;
			`, taskID, stateJSON, taskStateJSON)
			if err != nil {
				return fmt.Errorf("insert checkpoint for %s: %w", taskID, err)
			}
			var got int
			if err := tx.QueryRowContext(ctx, `SELECT version FROM pdca_checkpoints WHERE task_id=?;`, taskID).Scan(&got); err != nil {
				return fmt.Errorf("verify checkpoint insert for %s: %w", taskID, err)
			}
			if got != 1 {
				return ErrCheckpointConflict
			}
			return tx.Commit()
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE pdca_checkpoints SET state_json=?, task_state_json=?, version=version+1, updated_at=CURRENT_TIMESTAMP
			WHERE task_id=? AND version=?;
		`, stateJSON, taskStateJSON, taskID, expectedVersion)
		if err != nil {
			return fmt.Errorf("update checkpoint for %s: %w", taskID, err)
		}
		affected, _ := res.RowsAffected()
		if affected != 1 {
			return ErrCheckpointConflict
		}
		return tx.Commit()
	})
}

// ReleaseLeaseAndRequeue clears a task's lease and reschedules its next
// run, incrementing cycles_run and optionally recording a failure.
func (s *Store) ReleaseLeaseAndRequeue(ctx context.Context, taskID string, nextRunAt time.Time, failed bool, errMsg string) error {
	return retryOnBusy(ctx, func() error {
		if failed {
			_, err := s.db.ExecContext(ctx, `
				UPDATE pdca_tasks SET status='queued', worker_id='', lease_until=NULL, next_run_at=?,
					cycles_run=cycles_run+1, failure_streak=failure_streak+1, last_error=?, updated_at=CURRENT_TIMESTAMP
				WHERE task_id=?;
			`, nextRunAt, errMsg, taskID)
			if err != nil {
				return fmt.Errorf("requeue failed pdca task %s: %w", taskID, err)
			}
			return nil
		}
		_, err := s.db.ExecContext(ctx, `
			UPDATE pdca_tasks SET status='queued', worker_id='', lease_until=NULL, next_run_at=?,
				cycles_run=cycles_run+1, failure_streak=0, last_error='', updated_at=CURRENT_TIMESTAMP
			WHERE task_id=?;
		`, nextRunAt, taskID)
		if err != nil {
			return fmt.Errorf("requeue pdca task %s: %w", taskID, err)
		}
		return nil
	})
}

// MarkTerminal moves a task to a status that ends its current lease without
// requeuing it: done, failed, or waiting_user.
func (s *Store) MarkTerminal(ctx context.Context, taskID, status, errMsg string) error {
	return retryOnBusy(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE pdca_tasks SET status=?, worker_id='', lease_until=NULL, last_error=?, updated_at=CURRENT_TIMESTAMP
			WHERE task_id=?;
		`, status, errMsg, taskID)
		if err != nil {
			return fmt.Errorf("mark pdca task %s terminal: %w", taskID, err)
		}
		return nil
	})
}

// AppendPDCAEvent records one plan/decide/act/check event for a task's
// audit trail.
func (s *Store) AppendPDCAEvent(ctx context.Context, taskID, eventType, detail string) error {
	return retryOnBusy(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO pdca_events (task_id, event_type, detail) VALUES (?, ?, ?);
		`, taskID, eventType, detail)
		if err != nil {
			return fmt.Errorf("append pdca event for %s: %w", taskID, err)
		}
		return nil
	})
}

// ReclaimStaleLease resets tasks whose lease expired without being
// released, e.g. after a worker crash.
func (s *Store) ReclaimStaleLease(ctx context.Context) (int64, error) {
	var affected int64
	err := retryOnBusy(ctx, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE pdca_tasks SET status='queued', worker_id='', lease_until=NULL, updated_at=CURRENT_TIMESTAMP
			WHERE status='running' AND lease_until IS NOT NULL AND lease_until <= ?;
		`, time.Now().UTC())
		if err != nil {
			return fmt.Errorf("reclaim stale pdca leases: %w", err)
		}
		affected, _ = res.RowsAffected()
		return nil
	})
	return affected, err
}

// TaskByID fetches a single task, mainly for status queries and tests.
func (s *Store) TaskByID(ctx context.Context, taskID string) (*PDCATask, error) {
	var t PDCATask
	var leaseUntil sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT task_id, owner_id, conversation_key, session_id, status, priority, next_run_at, lease_until, worker_id,
		       slice_cycles, max_cycles, cycles_run, max_runtime_seconds, token_budget_remaining, failure_streak, last_error, correlation_id
		FROM pdca_tasks WHERE task_id = ?;
	`, taskID).Scan(&t.TaskID, &t.OwnerID, &t.ConversationKey, &t.SessionID, &t.Status, &t.Priority, &t.NextRunAt, &leaseUntil, &t.WorkerID,
		&t.SliceCycles, &t.MaxCycles, &t.CyclesRun, &t.MaxRuntimeSeconds, &t.TokenBudgetRemaining, &t.FailureStreak, &t.LastError, &t.CorrelationID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup pdca task %s: %w", taskID, err)
	}
	if leaseUntil.Valid {
		t.LeaseUntil = &leaseUntil.Time
	}
	return &t, nil
}
