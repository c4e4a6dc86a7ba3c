package plans

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/basket/nervecore/internal/bus"
	"github.com/basket/nervecore/internal/store"
	"github.com/google/uuid"
)

// Outcome is what an executor reports back after attempting a plan run.
type Outcome struct {
	Status       string // succeeded, failed, waiting_user
	Resolution   string
	StateJSON    string
	ErrorSummary string
}

// ExecutorFunc runs one plan instance to completion or to a waiting point.
type ExecutorFunc func(ctx context.Context, p store.PlanInstance) (Outcome, error)

// Executor claims queued plan instances, validates them against their
// registered schema, and dispatches to the executor bound to their
// plan_kind_version's executor_key.
type Executor struct {
	store     *store.Store
	registry  *Registry
	bus       *bus.Bus
	logger    *slog.Logger
	executors map[string]ExecutorFunc
	batchSize int
}

// NewExecutor builds a plan executor. batchSize bounds how many queued
// plans one poll claims; a value <= 0 defaults to 10.
func NewExecutor(st *store.Store, reg *Registry, b *bus.Bus, logger *slog.Logger, batchSize int) *Executor {
	if batchSize <= 0 {
		batchSize = 10
	}
	return &Executor{
		store:     st,
		registry:  reg,
		bus:       b,
		logger:    logger,
		executors: make(map[string]ExecutorFunc),
		batchSize: batchSize,
	}
}

// Register binds an executor_key to the function that runs it.
func (e *Executor) Register(executorKey string, fn ExecutorFunc) {
	e.executors[executorKey] = fn
}

// Run polls for queued plans every tick until ctx is canceled.
func (e *Executor) Run(ctx context.Context, tick time.Duration) error {
	if tick <= 0 {
		tick = time.Second
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := e.PollOnce(ctx); err != nil {
				e.logger.Error("plan executor poll failed", "error", err)
			}
		}
	}
}

// PollOnce claims and dispatches one batch of queued plans.
func (e *Executor) PollOnce(ctx context.Context) error {
	claimed, err := e.store.ClaimQueuedPlans(ctx, e.batchSize)
	if err != nil {
		return fmt.Errorf("claim queued plans: %w", err)
	}
	for _, p := range claimed {
		e.dispatch(ctx, p)
	}
	return nil
}

func (e *Executor) dispatch(ctx context.Context, p store.PlanInstance) {
	kv, err := e.registry.Lookup(ctx, p.PlanKind, p.PlanVersion)
	if err != nil || kv == nil {
		e.fail(ctx, p, fmt.Sprintf("unknown plan kind version %s/%d", p.PlanKind, p.PlanVersion))
		return
	}
	if kv.IsDeprecated {
		e.fail(ctx, p, fmt.Sprintf("plan kind %s/%d is deprecated and refuses new instances", p.PlanKind, p.PlanVersion))
		return
	}
	if err := e.registry.Validate(p.PlanKind, p.PlanVersion, p.Payload); err != nil {
		e.fail(ctx, p, err.Error())
		return
	}
	fn, ok := e.executors[kv.ExecutorKey]
	if !ok {
		e.fail(ctx, p, fmt.Sprintf("no executor registered for key %q", kv.ExecutorKey))
		return
	}

	runID := uuid.NewString()
	if err := e.store.InsertPlanRun(ctx, store.PlanRun{RunID: runID, PlanID: p.PlanID, Status: "running"}); err != nil {
		e.logger.Error("record plan run start failed", "plan_id", p.PlanID, "error", err)
	}

	outcome, err := fn(ctx, p)
	if err != nil {
		outcome = Outcome{Status: "failed", ErrorSummary: err.Error()}
	}

	if err := e.store.CompletePlanRun(ctx, runID, outcome.Status, outcome.Resolution); err != nil {
		e.logger.Error("record plan run completion failed", "plan_id", p.PlanID, "error", err)
	}
	if err := e.store.TransitionPlanStatus(ctx, p.PlanID, outcome.Status, outcome.ErrorSummary); err != nil {
		e.logger.Error("transition plan status failed", "plan_id", p.PlanID, "error", err)
	}
	if outcome.Status == "failed" {
		_ = e.bus.Publish("action.failed", bus.Signal{
			ID:            uuid.NewString(),
			Source:        "plans",
			Payload:       outcome.ErrorSummary,
			CorrelationID: p.CorrelationID,
			Durable:       true,
		})
	}
}

func (e *Executor) fail(ctx context.Context, p store.PlanInstance, reason string) {
	if err := e.store.TransitionPlanStatus(ctx, p.PlanID, "failed", reason); err != nil {
		e.logger.Error("transition plan status failed", "plan_id", p.PlanID, "error", err)
	}
	e.logger.Warn("plan dispatch failed", "plan_id", p.PlanID, "plan_kind", p.PlanKind, "reason", reason)
	_ = e.bus.Publish("action.failed", bus.Signal{
		ID:            uuid.NewString(),
		Source:        "plans",
		Payload:       reason,
		CorrelationID: p.CorrelationID,
		Durable:       true,
	})
}
