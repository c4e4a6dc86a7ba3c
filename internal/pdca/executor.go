// Package pdca implements the cooperative slice executor (§4.10): a
// worker leases the highest-priority runnable task, rehydrates its last
// checkpoint, runs a bounded slice of plan/decide/act/check cycles, and
// either finishes the task, requeues it for a later slice, or blocks it
// on a safety gate.
package pdca

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/basket/nervecore/internal/bus"
	"github.com/basket/nervecore/internal/fsm"
	"github.com/basket/nervecore/internal/store"
	"github.com/google/uuid"
)

// CycleResult is what one plan/decide/act/check cycle reports back.
type CycleResult struct {
	Progressed    bool
	Done          bool
	WaitingUser   bool
	StateJSON     string
	TaskStateJSON string
	TokensUsed    int
	Err           string
}

// CycleFunc runs a single PDCA cycle given the task and its last
// checkpointed state.
type CycleFunc func(ctx context.Context, task store.PDCATask, stateJSON, taskStateJSON string) (CycleResult, error)

// gateReason names why a slice stopped short of completion.
type gateReason string

const (
	gateNone            gateReason = ""
	gateHardCycleCap    gateReason = "hard_cycle_cap"
	gateWallBudget      gateReason = "wall_budget_exhausted"
	gateTokenBudget     gateReason = "token_budget_exhausted"
	gateFailureStreak   gateReason = "failure_streak_exceeded"
	gateNoProgress      gateReason = "no_progress"
	maxFailureStreak    = 5
	maxNoProgressCycles = 3
)

// Config configures an Executor.
type Config struct {
	Store  *store.Store
	Bus    *bus.Bus
	Logger *slog.Logger
	Cycle  CycleFunc
	Lease  time.Duration // default 30s
}

// Executor runs one worker's claim/execute/release loop.
type Executor struct {
	store    *store.Store
	bus      *bus.Bus
	logger   *slog.Logger
	cycle    CycleFunc
	lease    time.Duration
	workerID string
}

// New builds an Executor identified by workerID (used for lease attribution).
func New(cfg Config, workerID string) *Executor {
	lease := cfg.Lease
	if lease <= 0 {
		lease = 30 * time.Second
	}
	return &Executor{store: cfg.Store, bus: cfg.Bus, logger: cfg.Logger, cycle: cfg.Cycle, lease: lease, workerID: workerID}
}

// Run polls for runnable tasks every tick until ctx is canceled.
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
				e.logger.Error("pdca poll failed", "error", err)
			}
		}
	}
}

// PollOnce reclaims stale leases and, if a task is runnable, executes one
// bounded slice of it.
func (e *Executor) PollOnce(ctx context.Context) error {
	if n, err := e.store.ReclaimStaleLease(ctx); err != nil {
		e.logger.Error("reclaim stale pdca leases failed", "error", err)
	} else if n > 0 {
		e.logger.Warn("reclaimed stale pdca leases", "count", n)
	}

	task, err := e.store.ClaimNextRunnableTask(ctx, e.workerID, e.lease)
	if err != nil {
		return fmt.Errorf("claim runnable pdca task: %w", err)
	}
	if task == nil {
		return nil
	}
	return e.runSlice(ctx, *task)
}

func (e *Executor) runSlice(ctx context.Context, task store.PDCATask) error {
	if err := e.store.AppendPDCAEvent(ctx, task.TaskID, bus.TopicSliceStarted, ""); err != nil {
		e.logger.Error("append pdca event failed", "task_id", task.TaskID, "error", err)
	}

	deadline := time.Now().Add(time.Duration(task.MaxRuntimeSeconds) * time.Second)
	checkpoint, err := e.store.LatestCheckpoint(ctx, task.TaskID)
	if err != nil {
		return fmt.Errorf("load checkpoint for %s: %w", task.TaskID, err)
	}
	stateJSON, taskStateJSON, version := "", "", 0
	if checkpoint != nil {
		stateJSON, taskStateJSON, version = checkpoint.StateJSON, checkpoint.TaskStateJSON, checkpoint.Version
	}

	tokensRemaining := task.TokenBudgetRemaining
	noProgressStreak := 0
	failureStreak := task.FailureStreak

	for cycle := 0; cycle < task.SliceCycles; cycle++ {
		if task.CyclesRun+cycle >= task.MaxCycles {
			return e.terminate(ctx, task, "failed", gateHardCycleCap)
		}
		if time.Now().After(deadline) {
			return e.terminate(ctx, task, "failed", gateWallBudget)
		}
		if tokensRemaining <= 0 && task.TokenBudgetRemaining > 0 {
			return e.terminate(ctx, task, "failed", gateTokenBudget)
		}
		if failureStreak >= maxFailureStreak {
			return e.terminate(ctx, task, "failed", gateFailureStreak)
		}

		result, cycleErr := e.cycle(ctx, task, stateJSON, taskStateJSON)
		if cycleErr != nil {
			result.Err = cycleErr.Error()
		}

		if err := e.store.AppendPDCAEvent(ctx, task.TaskID, "cycle.completed", result.Err); err != nil {
			e.logger.Error("append pdca event failed", "task_id", task.TaskID, "error", err)
		}

		if cycleErr != nil || result.Err != "" {
			failureStreak++
			continue
		}
		failureStreak = 0
		tokensRemaining -= result.TokensUsed

		if result.Progressed {
			noProgressStreak = 0
		} else {
			noProgressStreak++
		}

		stateJSON, taskStateJSON = result.StateJSON, result.TaskStateJSON
		if err := e.store.WriteCheckpointCAS(ctx, task.TaskID, stateJSON, taskStateJSON, version); err != nil {
			if errors.Is(err, store.ErrCheckpointConflict) {
				return fmt.Errorf("checkpoint conflict for %s: stale resume", task.TaskID)
			}
			return fmt.Errorf("write checkpoint for %s: %w", task.TaskID, err)
		}
		version++
		if err := e.store.AppendPDCAEvent(ctx, task.TaskID, bus.TopicSlicePersisted, ""); err != nil {
			e.logger.Error("append pdca event failed", "task_id", task.TaskID, "error", err)
		}

		if result.Done {
			return e.terminate(ctx, task, "done", gateNone)
		}
		if result.WaitingUser {
			return e.terminate(ctx, task, "waiting_user", gateNone)
		}
		if noProgressStreak >= maxNoProgressCycles {
			return e.terminate(ctx, task, "failed", gateNoProgress)
		}
	}

	return e.requeue(ctx, task, failureStreak > task.FailureStreak, "")
}

func (e *Executor) terminate(ctx context.Context, task store.PDCATask, status string, reason gateReason) error {
	errMsg := string(reason)
	if err := e.store.MarkTerminal(ctx, task.TaskID, status, errMsg); err != nil {
		return fmt.Errorf("mark pdca task %s terminal: %w", task.TaskID, err)
	}
	if reason != gateNone {
		if err := e.store.AppendPDCAEvent(ctx, task.TaskID, "slice.blocked."+string(reason), ""); err != nil {
			e.logger.Error("append pdca event failed", "task_id", task.TaskID, "error", err)
		}
		e.logger.Warn("pdca task blocked by safety gate", "task_id", task.TaskID, "reason", reason)
	}

	switch status {
	case "done":
		if err := e.store.AppendPDCAEvent(ctx, task.TaskID, bus.TopicSliceCompleted, ""); err != nil {
			e.logger.Error("append pdca event failed", "task_id", task.TaskID, "error", err)
		}
		e.publishCompletion(bus.TopicSliceCompleted, task)
	case "failed":
		if err := e.store.AppendPDCAEvent(ctx, task.TaskID, bus.TopicSliceFailed, errMsg); err != nil {
			e.logger.Error("append pdca event failed", "task_id", task.TaskID, "error", err)
		}
		e.publishCompletion(bus.TopicSliceFailed, task)
	case "waiting_user":
		e.deliverWaitingUser(ctx, task)
	}
	return nil
}

// publishCompletion emits the slice's terminal outcome onto the bus (§4.10
// step 5: "done/failed: mark terminal, emit completion signal"), so anything
// waiting on the task (a parent plan, a status endpoint) doesn't have to poll
// pdca_tasks.
func (e *Executor) publishCompletion(topic string, task store.PDCATask) {
	if e.bus == nil {
		return
	}
	if err := e.bus.Publish(topic, bus.Signal{
		ID:            uuid.NewString(),
		Type:          topic,
		Source:        "pdca",
		Payload:       task.TaskID,
		CorrelationID: task.CorrelationID,
	}); err != nil {
		e.logger.Warn("pdca completion signal delivery failed", "task_id", task.TaskID, "topic", topic, "error", err)
	}
}

// deliverWaitingUser sends the user-facing nudge required when a task parks
// on waiting_user (§4.10 step 5), routing through the same outbound.<channel>
// convention the FSM engine uses so extremities need no PDCA-specific code.
func (e *Executor) deliverWaitingUser(ctx context.Context, task store.PDCATask) {
	if e.bus == nil {
		return
	}
	channel, target := splitConversationKey(task.ConversationKey)
	if channel == "" {
		e.logger.Warn("pdca task waiting on user but conversation_key has no routable channel", "task_id", task.TaskID, "conversation_key", task.ConversationKey)
		return
	}
	om := fsm.OutboundMessage{
		Channel:       channel,
		Target:        target,
		Text:          fmt.Sprintf("I need more information from you before task %s can continue.", task.TaskID),
		CorrelationID: task.CorrelationID,
	}
	if err := e.bus.Publish("outbound."+om.Channel, bus.Signal{
		ID:            uuid.NewString(),
		Source:        "pdca",
		Payload:       om,
		CorrelationID: om.CorrelationID,
	}); err != nil {
		e.logger.Warn("pdca outbound delivery failed", "task_id", task.TaskID, "channel", om.Channel, "error", err)
	}
}

// splitConversationKey parses a "<channel>:<target>" conversation_key into
// its outbound-routing parts, e.g. "telegram:98765" or "cli:user-1".
func splitConversationKey(key string) (channel, target string) {
	channel, target, ok := strings.Cut(key, ":")
	if !ok {
		return "", ""
	}
	return channel, target
}

func (e *Executor) requeue(ctx context.Context, task store.PDCATask, failed bool, errMsg string) error {
	next := time.Now().UTC().Add(time.Second)
	if err := e.store.ReleaseLeaseAndRequeue(ctx, task.TaskID, next, failed, errMsg); err != nil {
		return fmt.Errorf("requeue pdca task %s: %w", task.TaskID, err)
	}
	return nil
}
