// Package fsm implements the single-threaded engine that consumes signals
// from the bus, resolves catalog transitions, invokes guards and actions,
// and persists the resulting state advance atomically (§4.6).
package fsm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/basket/nervecore/internal/bus"
	nervetel "github.com/basket/nervecore/internal/otel"
	"github.com/basket/nervecore/internal/store"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
)

// Guard is a pure predicate evaluated against a signal before an action
// runs. A guard that returns false skips that candidate and the FSM engine
// tries the next one; if none is left, the step is traced as no_match.
type Guard func(ctx context.Context, sig bus.Signal) (bool, error)

// ActionResult is the declarative outcome of one action invocation
// (§4.7). Actions never touch the bus or the store directly; the engine
// applies every effect inside the same transaction as the state advance.
type ActionResult struct {
	NextSignals      []OutboundSignal
	OutboundMessages []OutboundMessage
	Plans            []store.PlanInstance
	TimedSignals     []store.TimedSignal
	SliceRequests    []store.PDCATask
	ResultCode       ResultCode
	ErrorSummary     string
}

// ResultCode is an action's terminal outcome.
type ResultCode string

const (
	ResultSucceeded   ResultCode = "succeeded"
	ResultFailed      ResultCode = "failed"
	ResultWaitingUser ResultCode = "waiting_user"
)

// OutboundSignal is a new durable signal an action wants enqueued in the
// same transaction as the step that produced it.
type OutboundSignal struct {
	ID            string
	Type          string
	Source        string
	Payload       string
	CorrelationID string
}

// OutboundMessage is published to the bus after the transaction commits
// (§4.6 step 6): delivery failures are traced, never retried by the engine.
type OutboundMessage struct {
	Channel       string
	Target        string
	Text          string
	CorrelationID string
}

// Action is a handler bound to a transition's action_key.
type Action func(ctx context.Context, sig bus.Signal) (ActionResult, error)

// FailedActionSignalType is the synthetic signal an engine step emits when
// a guard or action returns an error, per §4.6 step 4.
const FailedActionSignalType = "action.failed"

// ShutdownSignalType always transitions to ShuttingDownState from any
// state, installed at boot with the lowest priority.
const ShutdownSignalType = "shutdown_requested"

// ShuttingDownState is the terminal state shutdown_requested transitions to.
const ShuttingDownState = "shutting_down"

// ErrorState is the state action.failed transitions to from any state.
const ErrorState = "error"

// Engine consumes signals from a single bus subscription, resolves
// transitions, invokes guards/actions, and persists the step atomically.
type Engine struct {
	store       *store.Store
	bus         *bus.Bus
	guards      map[string]Guard
	actions     map[string]Action
	logger      *slog.Logger
	initState   string
	stepTimeout time.Duration
	tracer      trace.Tracer
}

// New builds an Engine. initState seeds the fsm_marker on first boot.
// stepTimeout bounds a single signal's guard+action invocation (default 60s).
func New(st *store.Store, b *bus.Bus, logger *slog.Logger, initState string, stepTimeout time.Duration) *Engine {
	if stepTimeout <= 0 {
		stepTimeout = 60 * time.Second
	}
	return &Engine{
		store:       st,
		bus:         b,
		guards:      make(map[string]Guard),
		actions:     make(map[string]Action),
		logger:      logger,
		initState:   initState,
		stepTimeout: stepTimeout,
		tracer:      nooptrace.NewTracerProvider().Tracer(nervetel.TracerName),
	}
}

// WithTracer swaps in a real tracer (from an initialized otel.Provider) in
// place of the no-op default; call before Run.
func (e *Engine) WithTracer(t trace.Tracer) *Engine {
	e.tracer = t
	return e
}

// RegisterGuard binds a guard key used by the transition catalog.
func (e *Engine) RegisterGuard(key string, g Guard) {
	e.guards[key] = g
}

// RegisterAction binds an action key used by the transition catalog.
func (e *Engine) RegisterAction(key string, a Action) {
	e.actions[key] = a
}

// Run subscribes to the full signal stream and processes it serially until
// ctx is canceled or a shutdown_requested signal has been fully applied.
func (e *Engine) Run(ctx context.Context) error {
	sub := e.bus.Subscribe("")
	defer e.bus.Unsubscribe(sub)

	if _, err := e.store.CurrentState(ctx, e.initState); err != nil {
		return fmt.Errorf("fsm: seed initial state: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case sig, ok := <-sub.Ch():
			if !ok {
				return nil
			}
			shuttingDown, err := e.Step(ctx, sig)
			if err != nil {
				e.logger.Error("fsm step failed", "signal_type", sig.Type, "correlation_id", sig.CorrelationID, "error", err)
			}
			if shuttingDown {
				return nil
			}
		}
	}
}

// Step processes one signal end to end (§4.6 steps 1-6). It returns true
// once the ShuttingDownState has been committed, signaling Run to stop.
func (e *Engine) Step(ctx context.Context, sig bus.Signal) (bool, error) {
	stepCtx, cancel := context.WithTimeout(ctx, e.stepTimeout)
	defer cancel()

	stepCtx, span := nervetel.StartSpan(stepCtx, e.tracer, "fsm.step",
		nervetel.AttrSignalID.String(sig.ID),
		nervetel.AttrSignalKind.String(sig.Type),
		nervetel.AttrCorrelation.String(sig.CorrelationID),
	)
	defer span.End()

	currentState, err := e.store.CurrentState(stepCtx, e.initState)
	if err != nil {
		return false, fmt.Errorf("read current state: %w", err)
	}

	candidates, err := e.store.ResolveTransitions(stepCtx, currentState, sig.Type)
	if err != nil {
		return false, fmt.Errorf("resolve transitions: %w", err)
	}

	for i := range candidates {
		resolved := &candidates[i]

		if resolved.GuardKey != "" {
			guard, exists := e.guards[resolved.GuardKey]
			if !exists {
				return e.commitGuardOrActionError(stepCtx, sig, currentState, resolved, fmt.Errorf("no guard registered for key %q", resolved.GuardKey))
			}
			passed, err := guard(stepCtx, sig)
			if err != nil {
				return e.commitGuardOrActionError(stepCtx, sig, currentState, resolved, fmt.Errorf("guard %q: %w", resolved.GuardKey, err))
			}
			if !passed {
				// Guard rejected this candidate: try the next one (§4.6 step 3).
				continue
			}
		}

		var result ActionResult
		if resolved.ActionKey != "" {
			action, exists := e.actions[resolved.ActionKey]
			if !exists {
				return e.commitGuardOrActionError(stepCtx, sig, currentState, resolved, fmt.Errorf("no action registered for key %q", resolved.ActionKey))
			}
			result, err = action(stepCtx, sig)
			if err != nil {
				return e.commitGuardOrActionError(stepCtx, sig, currentState, resolved, fmt.Errorf("action %q: %w", resolved.ActionKey, err))
			}
			if result.ResultCode == ResultFailed {
				return e.commitGuardOrActionError(stepCtx, sig, currentState, resolved, errors.New(result.ErrorSummary))
			}
		}

		return e.commitTransition(stepCtx, sig, currentState, resolved, result)
	}

	// No candidate matched, or every guard rejected: trace and drop, state
	// unchanged (§4.6 edge case).
	return e.commitNoMatch(stepCtx, sig, currentState)
}

func (e *Engine) commitNoMatch(ctx context.Context, sig bus.Signal, currentState string) (bool, error) {
	tx, err := e.store.BeginFSMTx(ctx)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	if err := tx.AppendTrace(ctx, store.TraceEntry{
		CorrelationID: sig.CorrelationID,
		StateBefore:   currentState,
		SignalType:    sig.Type,
		StateAfter:    currentState,
		Result:        "no_match",
	}); err != nil {
		return false, err
	}
	if err := tx.CompleteSignal(ctx, sig.ID, true, ""); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	return false, nil
}

func (e *Engine) commitGuardOrActionError(ctx context.Context, sig bus.Signal, currentState string, resolved *store.ResolvedTransition, cause error) (bool, error) {
	tx, err := e.store.BeginFSMTx(ctx)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	transitionID := resolved.ID
	if err := tx.AppendTrace(ctx, store.TraceEntry{
		CorrelationID: sig.CorrelationID,
		StateBefore:   currentState,
		SignalType:    sig.Type,
		TransitionID:  &transitionID,
		ActionKey:     resolved.ActionKey,
		StateAfter:    currentState,
		Result:        "failed",
		ErrorSummary:  cause.Error(),
	}); err != nil {
		return false, err
	}
	if err := tx.CompleteSignal(ctx, sig.ID, false, cause.Error()); err != nil {
		return false, err
	}
	if err := tx.EnqueueSignal(ctx, store.QueuedSignal{
		ID:            uuid.NewString(),
		Type:          FailedActionSignalType,
		Source:        "fsm",
		Payload:       cause.Error(),
		CorrelationID: sig.CorrelationID,
	}); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	e.logger.Warn("fsm action failed", "signal_type", sig.Type, "correlation_id", sig.CorrelationID, "error", cause)
	e.publishFailedSignal(sig.CorrelationID, cause.Error())
	return false, nil
}

func (e *Engine) publishFailedSignal(correlationID, errMsg string) {
	_ = e.bus.Publish(FailedActionSignalType, bus.Signal{
		ID:            uuid.NewString(),
		Source:        "fsm",
		Payload:       errMsg,
		CorrelationID: correlationID,
		Durable:       true,
	})
}

func (e *Engine) commitTransition(ctx context.Context, sig bus.Signal, currentState string, resolved *store.ResolvedTransition, result ActionResult) (bool, error) {
	tx, err := e.store.BeginFSMTx(ctx)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	if err := tx.SetState(ctx, resolved.NextStateKey); err != nil {
		return false, err
	}

	transitionID := resolved.ID
	if err := tx.AppendTrace(ctx, store.TraceEntry{
		CorrelationID: sig.CorrelationID,
		StateBefore:   currentState,
		SignalType:    sig.Type,
		TransitionID:  &transitionID,
		ActionKey:     resolved.ActionKey,
		StateAfter:    resolved.NextStateKey,
		Result:        string(orDefault(result.ResultCode, ResultSucceeded)),
		ErrorSummary:  result.ErrorSummary,
	}); err != nil {
		return false, err
	}

	for _, ns := range result.NextSignals {
		if ns.ID == "" {
			ns.ID = uuid.NewString()
		}
		if ns.CorrelationID == "" {
			ns.CorrelationID = sig.CorrelationID
		}
		if err := tx.EnqueueSignal(ctx, store.QueuedSignal{
			ID:            ns.ID,
			Type:          ns.Type,
			Source:        ns.Source,
			Payload:       ns.Payload,
			CorrelationID: ns.CorrelationID,
		}); err != nil {
			return false, err
		}
	}
	for _, ts := range result.TimedSignals {
		if err := tx.InsertTimedSignal(ctx, ts); err != nil {
			return false, err
		}
	}
	for _, p := range result.Plans {
		if err := tx.InsertPlan(ctx, p); err != nil {
			return false, err
		}
	}
	for _, t := range result.SliceRequests {
		if err := tx.EnqueuePDCATask(ctx, t); err != nil {
			return false, err
		}
	}

	if err := tx.CompleteSignal(ctx, sig.ID, true, ""); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}

	for _, om := range result.OutboundMessages {
		e.deliverOutbound(om)
	}
	for _, ns := range result.NextSignals {
		_ = e.bus.Publish(ns.Type, bus.Signal{
			ID:            ns.ID,
			Source:        ns.Source,
			Payload:       ns.Payload,
			CorrelationID: ns.CorrelationID,
			Durable:       true,
		})
	}

	return resolved.NextStateKey == ShuttingDownState, nil
}

func (e *Engine) deliverOutbound(om OutboundMessage) {
	if err := e.bus.Publish("outbound."+om.Channel, bus.Signal{
		ID:            uuid.NewString(),
		Source:        "fsm",
		Payload:       om,
		CorrelationID: om.CorrelationID,
	}); err != nil {
		e.logger.Warn("outbound delivery failed", "channel", om.Channel, "correlation_id", om.CorrelationID, "error", err)
	}
}

func orDefault(rc ResultCode, def ResultCode) ResultCode {
	if rc == "" {
		return def
	}
	return rc
}
