package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// QueuedSignal is a durable row in signal_queue (§4.5).
type QueuedSignal struct {
	ID            string
	Type          string
	Source        string
	Payload       string
	CorrelationID string
	Status        string
	Error         string
	CreatedAt     time.Time
}

// EnqueueSignal inserts a durable signal, idempotent on id: a duplicate
// enqueue with the same id is a silent no-op (§8 invariant 3).
func (s *Store) EnqueueSignal(ctx context.Context, sig QueuedSignal) error {
	return retryOnBusy(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO signal_queue (id, type, source, payload, correlation_id, status)
			VALUES (?, ?, ?, ?, ?, 'queued')
			ON CONFLICT(id) DO NOTHING;
		`, sig.ID, sig.Type, sig.Source, sig.Payload, sig.CorrelationID)
		if err != nil {
			return fmt.Errorf("enqueue signal: %w", err)
		}
		return nil
	})
}

// ClaimSignals atomically moves up to maxN queued signals to processing
// and returns them, oldest first.
func (s *Store) ClaimSignals(ctx context.Context, maxN int) ([]QueuedSignal, error) {
	var claimed []QueuedSignal
	err := retryOnBusy(ctx, func() error {
		claimed = nil
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin claim tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		rows, err := tx.QueryContext(ctx, `
			SELECT id, type, source, payload, correlation_id, status, error, created_at
			FROM signal_queue
			WHERE status = 'queued'
			ORDER BY created_at ASC
			LIMIT ?;
		`, maxN)
		if err != nil {
			return fmt.Errorf("select claimable signals: %w", err)
		}
		var ids []string
		for rows.Next() {
			var q QueuedSignal
			if err := rows.Scan(&q.ID, &q.Type, &q.Source, &q.Payload, &q.CorrelationID, &q.Status, &q.Error, &q.CreatedAt); err != nil {
				rows.Close()
				return fmt.Errorf("scan claimable signal: %w", err)
			}
			ids = append(ids, q.ID)
			claimed = append(claimed, q)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return err
		}
		rows.Close()

		for i := range claimed {
			res, err := tx.ExecContext(ctx, `UPDATE signal_queue SET status='processing', updated_at=CURRENT_TIMESTAMP WHERE id=? AND status='queued';`, ids[i])
			if err != nil {
				return fmt.Errorf("claim signal %s: %w", ids[i], err)
			}
			affected, _ := res.RowsAffected()
			if affected == 1 {
				claimed[i].Status = "processing"
			}
		}
		return tx.Commit()
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// CompleteSignal marks a claimed signal done or failed.
func (s *Store) CompleteSignal(ctx context.Context, id string, ok bool, errMsg string) error {
	status := "done"
	if !ok {
		status = "failed"
	}
	return retryOnBusy(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE signal_queue SET status=?, error=?, updated_at=CURRENT_TIMESTAMP WHERE id=?;
		`, status, errMsg, id)
		if err != nil {
			return fmt.Errorf("complete signal %s: %w", id, err)
		}
		return nil
	})
}

// SignalByID fetches a single durable signal, e.g. for idempotency checks.
func (s *Store) SignalByID(ctx context.Context, id string) (*QueuedSignal, error) {
	var q QueuedSignal
	err := s.db.QueryRowContext(ctx, `
		SELECT id, type, source, payload, correlation_id, status, error, created_at
		FROM signal_queue WHERE id = ?;
	`, id).Scan(&q.ID, &q.Type, &q.Source, &q.Payload, &q.CorrelationID, &q.Status, &q.Error, &q.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup signal %s: %w", id, err)
	}
	return &q, nil
}
