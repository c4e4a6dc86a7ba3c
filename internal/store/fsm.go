package store

import (
	"context"
	"database/sql"
	"fmt"
)

// FSMTx wraps a single database transaction spanning one FSM step: state
// advance, trace append, side-effect persistence and signal completion
// are either all committed or none are (§4.6 step 5, §8 invariant 2).
type FSMTx struct {
	tx *sql.Tx
}

// BeginFSMTx opens the transaction for one FSM step.
func (s *Store) BeginFSMTx(ctx context.Context) (*FSMTx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin fsm tx: %w", err)
	}
	return &FSMTx{tx: tx}, nil
}

// Rollback aborts the step. Safe to call after Commit (no-op).
func (f *FSMTx) Rollback() { _ = f.tx.Rollback() }

// Commit finalizes the step.
func (f *FSMTx) Commit() error {
	if err := f.tx.Commit(); err != nil {
		return fmt.Errorf("commit fsm tx: %w", err)
	}
	return nil
}

// SetState advances the process-wide current-state marker.
func (f *FSMTx) SetState(ctx context.Context, key string) error {
	_, err := f.tx.ExecContext(ctx, `
		UPDATE fsm_marker SET current_state_key=?, updated_at=CURRENT_TIMESTAMP WHERE id=1;
	`, key)
	if err != nil {
		return fmt.Errorf("set fsm state: %w", err)
	}
	return nil
}

// TraceEntry is one fsm_trace row (§3 Trace Event, restricted to the FSM
// step fields; the broader observability event stream lives in
// internal/observability).
type TraceEntry struct {
	CorrelationID string
	StateBefore   string
	SignalType    string
	TransitionID  *int64
	ActionKey     string
	StateAfter    string
	Result        string
	ErrorSummary  string
}

// AppendTrace writes one fsm_trace row.
func (f *FSMTx) AppendTrace(ctx context.Context, e TraceEntry) error {
	var transitionID sql.NullInt64
	if e.TransitionID != nil {
		transitionID = sql.NullInt64{Int64: *e.TransitionID, Valid: true}
	}
	_, err := f.tx.ExecContext(ctx, `
		INSERT INTO fsm_trace (correlation_id, state_before, signal_type, transition_id, action_key, state_after, result, error_summary)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?);
	`, e.CorrelationID, e.StateBefore, e.SignalType, transitionID, e.ActionKey, e.StateAfter, e.Result, e.ErrorSummary)
	if err != nil {
		return fmt.Errorf("append fsm trace: %w", err)
	}
	return nil
}

// EnqueueSignal persists a downstream signal produced by an action, inside
// the same transaction as the triggering step.
func (f *FSMTx) EnqueueSignal(ctx context.Context, sig QueuedSignal) error {
	_, err := f.tx.ExecContext(ctx, `
		INSERT INTO signal_queue (id, type, source, payload, correlation_id, status)
		VALUES (?, ?, ?, ?, ?, 'queued')
		ON CONFLICT(id) DO NOTHING;
	`, sig.ID, sig.Type, sig.Source, sig.Payload, sig.CorrelationID)
	if err != nil {
		return fmt.Errorf("enqueue signal in fsm tx: %w", err)
	}
	return nil
}

// CompleteSignal marks the consumed signal terminal within the same
// transaction as the state advance and trace append.
func (f *FSMTx) CompleteSignal(ctx context.Context, id string, ok bool, errMsg string) error {
	status := "done"
	if !ok {
		status = "failed"
	}
	_, err := f.tx.ExecContext(ctx, `
		UPDATE signal_queue SET status=?, error=?, updated_at=CURRENT_TIMESTAMP WHERE id=?;
	`, status, errMsg, id)
	if err != nil {
		return fmt.Errorf("complete signal in fsm tx: %w", err)
	}
	return nil
}

// InsertTimedSignal schedules a timed signal from within the FSM step.
func (f *FSMTx) InsertTimedSignal(ctx context.Context, t TimedSignal) error {
	return insertTimedSignalExec(ctx, f.tx, t)
}

// InsertPlan writes a queued plan instance from within the FSM step.
func (f *FSMTx) InsertPlan(ctx context.Context, p PlanInstance) error {
	return insertPlanExec(ctx, f.tx, p)
}

// EnqueuePDCATask enqueues a cooperative slice task from within the FSM step.
func (f *FSMTx) EnqueuePDCATask(ctx context.Context, t PDCATask) error {
	return insertPDCATaskExec(ctx, f.tx, t)
}
