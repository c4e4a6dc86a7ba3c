package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// PlanKindVersion is a registered, schema-validated plan shape (§3 Plan
// Kind Version, §4.8).
type PlanKindVersion struct {
	PlanKind     string
	PlanVersion  int
	SchemaJSON   string
	ExampleJSON  string
	ExecutorKey  string
	IsDeprecated bool
}

// PlanInstance is a row in plan_instances (§3 Plan Instance).
type PlanInstance struct {
	PlanID           string
	PlanKind         string
	PlanVersion      int
	CorrelationID    string
	Status           string
	Payload          string
	Actor            string
	SourceChannel    string
	IntentConfidence float64
	Error            string
}

// PlanRun is a row in plan_runs, one attempt at executing a plan instance.
type PlanRun struct {
	RunID         string
	PlanID        string
	Status        string
	StateJSON     string
	ScheduledJSON string
	Resolution    string
}

func insertPlanExec(ctx context.Context, e execer, p PlanInstance) error {
	_, err := e.ExecContext(ctx, `
		INSERT INTO plan_instances (plan_id, plan_kind, plan_version, correlation_id, status, payload, actor, source_channel, intent_confidence)
		VALUES (?, ?, ?, ?, 'queued', ?, ?, ?, ?)
		ON CONFLICT(plan_id) DO NOTHING;
	`, p.PlanID, p.PlanKind, p.PlanVersion, p.CorrelationID, p.Payload, p.Actor, p.SourceChannel, p.IntentConfidence)
	if err != nil {
		return fmt.Errorf("insert plan instance: %w", err)
	}
	return nil
}

// InsertPlan is the store-level entry point used outside an FSM transaction.
func (s *Store) InsertPlan(ctx context.Context, p PlanInstance) error {
	return retryOnBusy(ctx, func() error { return insertPlanExec(ctx, s.db, p) })
}

// RegisterPlanKindVersion upserts a plan kind/version's schema and executor
// binding (§4.8: the registry is seeded at boot from bundled definitions).
func (s *Store) RegisterPlanKindVersion(ctx context.Context, v PlanKindVersion) error {
	return retryOnBusy(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO plan_kind_versions (plan_kind, plan_version, schema_json, example_json, executor_key, is_deprecated)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(plan_kind, plan_version) DO UPDATE SET
				schema_json=excluded.schema_json, example_json=excluded.example_json,
				executor_key=excluded.executor_key, is_deprecated=excluded.is_deprecated;
		`, v.PlanKind, v.PlanVersion, v.SchemaJSON, v.ExampleJSON, v.ExecutorKey, v.IsDeprecated)
		if err != nil {
			return fmt.Errorf("register plan kind version %s/%d: %w", v.PlanKind, v.PlanVersion, err)
		}
		return nil
	})
}

// LookupPlanKindVersion resolves the newest non-deprecated version of a
// plan kind, or a specific version when version > 0.
func (s *Store) LookupPlanKindVersion(ctx context.Context, kind string, version int) (*PlanKindVersion, error) {
	var row *sql.Row
	if version > 0 {
		row = s.db.QueryRowContext(ctx, `
			SELECT plan_kind, plan_version, schema_json, example_json, executor_key, is_deprecated
			FROM plan_kind_versions WHERE plan_kind = ? AND plan_version = ?;
		`, kind, version)
	} else {
		row = s.db.QueryRowContext(ctx, `
			SELECT plan_kind, plan_version, schema_json, example_json, executor_key, is_deprecated
			FROM plan_kind_versions WHERE plan_kind = ? AND is_deprecated = 0
			ORDER BY plan_version DESC LIMIT 1;
		`, kind)
	}
	var v PlanKindVersion
	if err := row.Scan(&v.PlanKind, &v.PlanVersion, &v.SchemaJSON, &v.ExampleJSON, &v.ExecutorKey, &v.IsDeprecated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("lookup plan kind version %s: %w", kind, err)
	}
	return &v, nil
}

// ClaimQueuedPlans atomically moves up to maxN queued plan instances to
// running and returns them, oldest first.
func (s *Store) ClaimQueuedPlans(ctx context.Context, maxN int) ([]PlanInstance, error) {
	var claimed []PlanInstance
	err := retryOnBusy(ctx, func() error {
		claimed = nil
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin plan claim tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		rows, err := tx.QueryContext(ctx, `
			SELECT plan_id, plan_kind, plan_version, correlation_id, status, payload, actor, source_channel, intent_confidence, error
			FROM plan_instances WHERE status = 'queued' ORDER BY created_at ASC LIMIT ?;
		`, maxN)
		if err != nil {
			return fmt.Errorf("select queued plans: %w", err)
		}
		var ids []string
		for rows.Next() {
			var p PlanInstance
			if err := rows.Scan(&p.PlanID, &p.PlanKind, &p.PlanVersion, &p.CorrelationID, &p.Status, &p.Payload, &p.Actor, &p.SourceChannel, &p.IntentConfidence, &p.Error); err != nil {
				rows.Close()
				return fmt.Errorf("scan queued plan: %w", err)
			}
			ids = append(ids, p.PlanID)
			claimed = append(claimed, p)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return err
		}
		rows.Close()

		for i := range claimed {
			res, err := tx.ExecContext(ctx, `
				UPDATE plan_instances SET status='running', updated_at=CURRENT_TIMESTAMP WHERE plan_id=? AND status='queued';
			`, ids[i])
			if err != nil {
				return fmt.Errorf("claim plan %s: %w", ids[i], err)
			}
			affected, _ := res.RowsAffected()
			if affected == 1 {
				claimed[i].Status = "running"
			}
		}
		return tx.Commit()
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// TransitionPlanStatus moves a plan instance to a terminal or waiting
// status, optionally recording an error summary.
func (s *Store) TransitionPlanStatus(ctx context.Context, planID, status, errMsg string) error {
	return retryOnBusy(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE plan_instances SET status=?, error=?, updated_at=CURRENT_TIMESTAMP WHERE plan_id=?;
		`, status, errMsg, planID)
		if err != nil {
			return fmt.Errorf("transition plan %s to %s: %w", planID, status, err)
		}
		return nil
	})
}

// InsertPlanRun records one execution attempt of a plan instance.
func (s *Store) InsertPlanRun(ctx context.Context, r PlanRun) error {
	return retryOnBusy(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO plan_runs (run_id, plan_id, status, state_json, scheduled_json, resolution)
			VALUES (?, ?, ?, ?, ?, ?);
		`, r.RunID, r.PlanID, r.Status, r.StateJSON, r.ScheduledJSON, r.Resolution)
		if err != nil {
			return fmt.Errorf("insert plan run %s: %w", r.RunID, err)
		}
		return nil
	})
}

// CompletePlanRun marks a run finished with the given status and resolution.
func (s *Store) CompletePlanRun(ctx context.Context, runID, status, resolution string) error {
	return retryOnBusy(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE plan_runs SET status=?, ended_at=?, resolution=? WHERE run_id=?;
		`, status, time.Now().UTC(), resolution, runID)
		if err != nil {
			return fmt.Errorf("complete plan run %s: %w", runID, err)
		}
		return nil
	})
}

// PlanByID fetches a single plan instance, mainly for status queries.
func (s *Store) PlanByID(ctx context.Context, planID string) (*PlanInstance, error) {
	var p PlanInstance
	err := s.db.QueryRowContext(ctx, `
		SELECT plan_id, plan_kind, plan_version, correlation_id, status, payload, actor, source_channel, intent_confidence, error
		FROM plan_instances WHERE plan_id = ?;
	`, planID).Scan(&p.PlanID, &p.PlanKind, &p.PlanVersion, &p.CorrelationID, &p.Status, &p.Payload, &p.Actor, &p.SourceChannel, &p.IntentConfidence, &p.Error)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup plan %s: %w", planID, err)
	}
	return &p, nil
}
