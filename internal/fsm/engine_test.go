package fsm_test

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/nervecore/internal/bus"
	"github.com/basket/nervecore/internal/fsm"
	"github.com/basket/nervecore/internal/store"
	"github.com/google/uuid"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	dir := t.TempDir()
	s, err := store.Open(filepath.Join(dir, "nerve.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func seedCatalog(t *testing.T, s *store.Store) {
	t.Helper()
	ctx := context.Background()
	must := func(err error) {
		t.Helper()
		if err != nil {
			t.Fatalf("seed catalog: %v", err)
		}
	}
	must(s.UpsertState(ctx, "idle", "Idle", false, true))
	must(s.UpsertState(ctx, "busy", "Busy", false, true))
	must(s.UpsertTransition(ctx, store.Transition{
		SourceStateKey: "idle",
		SignalKey:      "work.requested",
		NextStateKey:   "busy",
		Priority:       10,
		IsEnabled:      true,
		ActionKey:      "do_work",
	}))
	must(fsm.SeedDefaultCatalog(ctx, s, "error"))
}

func TestStep_AppliesTransitionAndPersistsSideEffects(t *testing.T) {
	s := openTestStore(t)
	seedCatalog(t, s)
	b := bus.New()
	e := fsm.New(s, b, testLogger(), "idle", time.Second)

	e.RegisterAction("do_work", func(ctx context.Context, sig bus.Signal) (fsm.ActionResult, error) {
		return fsm.ActionResult{
			ResultCode: fsm.ResultSucceeded,
			OutboundMessages: []fsm.OutboundMessage{
				{Channel: "cli", Target: "user-1", Text: "working on it", CorrelationID: sig.CorrelationID},
			},
		}, nil
	})

	ctx := context.Background()
	sigID := uuid.NewString()
	if err := s.EnqueueSignal(ctx, store.QueuedSignal{ID: sigID, Type: "work.requested", CorrelationID: "corr-1"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	shuttingDown, err := e.Step(ctx, bus.Signal{ID: sigID, Type: "work.requested", CorrelationID: "corr-1"})
	if err != nil {
		t.Fatalf("step: %v", err)
	}
	if shuttingDown {
		t.Fatal("did not expect shutdown")
	}

	state, err := s.CurrentState(ctx, "idle")
	if err != nil {
		t.Fatalf("current state: %v", err)
	}
	if state != "busy" {
		t.Fatalf("expected state busy, got %q", state)
	}

	sig, err := s.SignalByID(ctx, sigID)
	if err != nil {
		t.Fatalf("signal by id: %v", err)
	}
	if sig == nil || sig.Status != "done" {
		t.Fatalf("expected signal done, got %+v", sig)
	}
}

func TestStep_NoMatchingTransitionLeavesStateUnchanged(t *testing.T) {
	s := openTestStore(t)
	seedCatalog(t, s)
	b := bus.New()
	e := fsm.New(s, b, testLogger(), "idle", time.Second)

	ctx := context.Background()
	sigID := uuid.NewString()
	if err := s.EnqueueSignal(ctx, store.QueuedSignal{ID: sigID, Type: "unknown.signal", CorrelationID: "corr-2"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	if _, err := e.Step(ctx, bus.Signal{ID: sigID, Type: "unknown.signal", CorrelationID: "corr-2"}); err != nil {
		t.Fatalf("step: %v", err)
	}

	state, err := s.CurrentState(ctx, "idle")
	if err != nil {
		t.Fatalf("current state: %v", err)
	}
	if state != "idle" {
		t.Fatalf("expected state to remain idle, got %q", state)
	}
}

func TestStep_ActionErrorRoutesToErrorStateViaFailedSignal(t *testing.T) {
	s := openTestStore(t)
	seedCatalog(t, s)
	b := bus.New()
	e := fsm.New(s, b, testLogger(), "idle", time.Second)

	e.RegisterAction("do_work", func(ctx context.Context, sig bus.Signal) (fsm.ActionResult, error) {
		return fsm.ActionResult{}, errUnavailable
	})

	ctx := context.Background()
	sigID := uuid.NewString()
	if err := s.EnqueueSignal(ctx, store.QueuedSignal{ID: sigID, Type: "work.requested", CorrelationID: "corr-3"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := e.Step(ctx, bus.Signal{ID: sigID, Type: "work.requested", CorrelationID: "corr-3"}); err != nil {
		t.Fatalf("step: %v", err)
	}

	state, err := s.CurrentState(ctx, "idle")
	if err != nil {
		t.Fatalf("current state: %v", err)
	}
	if state != "idle" {
		t.Fatalf("failed action must not advance state, got %q", state)
	}

	sig, err := s.SignalByID(ctx, sigID)
	if err != nil {
		t.Fatalf("signal by id: %v", err)
	}
	if sig == nil || sig.Status != "failed" {
		t.Fatalf("expected signal failed, got %+v", sig)
	}

	claimed, err := s.ClaimSignals(ctx, 10)
	if err != nil {
		t.Fatalf("claim signals: %v", err)
	}
	found := false
	for _, c := range claimed {
		if c.Type == fsm.FailedActionSignalType {
			found = true
		}
	}
	if !found {
		t.Fatal("expected a synthetic action.failed signal to be enqueued")
	}
}

func TestStep_ShutdownRequestedTransitionsToShuttingDown(t *testing.T) {
	s := openTestStore(t)
	seedCatalog(t, s)
	b := bus.New()
	e := fsm.New(s, b, testLogger(), "idle", time.Second)

	ctx := context.Background()
	sigID := uuid.NewString()
	if err := s.EnqueueSignal(ctx, store.QueuedSignal{ID: sigID, Type: fsm.ShutdownSignalType, CorrelationID: "corr-4"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	shuttingDown, err := e.Step(ctx, bus.Signal{ID: sigID, Type: fsm.ShutdownSignalType, CorrelationID: "corr-4"})
	if err != nil {
		t.Fatalf("step: %v", err)
	}
	if !shuttingDown {
		t.Fatal("expected shutdown signal")
	}

	state, err := s.CurrentState(ctx, "idle")
	if err != nil {
		t.Fatalf("current state: %v", err)
	}
	if state != fsm.ShuttingDownState {
		t.Fatalf("expected shutting_down, got %q", state)
	}
}

func TestStep_RejectedGuardFallsThroughToNextCandidate(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	must := func(err error) {
		t.Helper()
		if err != nil {
			t.Fatalf("seed catalog: %v", err)
		}
	}
	must(s.UpsertState(ctx, "idle", "Idle", false, true))
	must(s.UpsertState(ctx, "primary", "Primary", false, true))
	must(s.UpsertState(ctx, "fallback", "Fallback", false, true))
	// Lower priority (5) is tried first but its guard always rejects, so the
	// engine must fall through to the higher-priority-number (20) candidate.
	must(s.UpsertTransition(ctx, store.Transition{
		SourceStateKey: "idle",
		SignalKey:      "work.requested",
		NextStateKey:   "primary",
		Priority:       5,
		IsEnabled:      true,
		GuardKey:       "reject_all",
		ActionKey:      "primary_action",
	}))
	must(s.UpsertTransition(ctx, store.Transition{
		SourceStateKey: "idle",
		SignalKey:      "work.requested",
		NextStateKey:   "fallback",
		Priority:       20,
		IsEnabled:      true,
		ActionKey:      "fallback_action",
	}))
	must(fsm.SeedDefaultCatalog(ctx, s, "error"))

	b := bus.New()
	e := fsm.New(s, b, testLogger(), "idle", time.Second)

	primaryCalled := false
	e.RegisterGuard("reject_all", func(ctx context.Context, sig bus.Signal) (bool, error) {
		return false, nil
	})
	e.RegisterAction("primary_action", func(ctx context.Context, sig bus.Signal) (fsm.ActionResult, error) {
		primaryCalled = true
		return fsm.ActionResult{ResultCode: fsm.ResultSucceeded}, nil
	})
	fallbackCalled := false
	e.RegisterAction("fallback_action", func(ctx context.Context, sig bus.Signal) (fsm.ActionResult, error) {
		fallbackCalled = true
		return fsm.ActionResult{ResultCode: fsm.ResultSucceeded}, nil
	})

	sigID := uuid.NewString()
	if err := s.EnqueueSignal(ctx, store.QueuedSignal{ID: sigID, Type: "work.requested", CorrelationID: "corr-5"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := e.Step(ctx, bus.Signal{ID: sigID, Type: "work.requested", CorrelationID: "corr-5"}); err != nil {
		t.Fatalf("step: %v", err)
	}

	if primaryCalled {
		t.Fatal("guarded candidate's action must not run once its guard rejects")
	}
	if !fallbackCalled {
		t.Fatal("expected the engine to fall through to the next candidate")
	}

	state, err := s.CurrentState(ctx, "idle")
	if err != nil {
		t.Fatalf("current state: %v", err)
	}
	if state != "fallback" {
		t.Fatalf("expected state fallback, got %q", state)
	}
}

func TestStep_AllGuardsRejectedLeavesStateUnchanged(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	must := func(err error) {
		t.Helper()
		if err != nil {
			t.Fatalf("seed catalog: %v", err)
		}
	}
	must(s.UpsertState(ctx, "idle", "Idle", false, true))
	must(s.UpsertState(ctx, "primary", "Primary", false, true))
	must(s.UpsertTransition(ctx, store.Transition{
		SourceStateKey: "idle",
		SignalKey:      "work.requested",
		NextStateKey:   "primary",
		Priority:       5,
		IsEnabled:      true,
		GuardKey:       "reject_all",
		ActionKey:      "primary_action",
	}))
	must(fsm.SeedDefaultCatalog(ctx, s, "error"))

	b := bus.New()
	e := fsm.New(s, b, testLogger(), "idle", time.Second)
	e.RegisterGuard("reject_all", func(ctx context.Context, sig bus.Signal) (bool, error) {
		return false, nil
	})

	sigID := uuid.NewString()
	if err := s.EnqueueSignal(ctx, store.QueuedSignal{ID: sigID, Type: "work.requested", CorrelationID: "corr-6"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := e.Step(ctx, bus.Signal{ID: sigID, Type: "work.requested", CorrelationID: "corr-6"}); err != nil {
		t.Fatalf("step: %v", err)
	}

	state, err := s.CurrentState(ctx, "idle")
	if err != nil {
		t.Fatalf("current state: %v", err)
	}
	if state != "idle" {
		t.Fatalf("expected state to remain idle when every guard rejects, got %q", state)
	}
}

func TestStep_DefaultCatalogInvokesActionFailureHandlerOnErrorTransition(t *testing.T) {
	s := openTestStore(t)
	seedCatalog(t, s)
	b := bus.New()
	e := fsm.New(s, b, testLogger(), "idle", time.Second)

	e.RegisterAction("do_work", func(ctx context.Context, sig bus.Signal) (fsm.ActionResult, error) {
		return fsm.ActionResult{}, errUnavailable
	})
	handlerCalled := false
	e.RegisterAction("handle_action_failure", func(ctx context.Context, sig bus.Signal) (fsm.ActionResult, error) {
		handlerCalled = true
		return fsm.ActionResult{ResultCode: fsm.ResultSucceeded}, nil
	})

	ctx := context.Background()
	sigID := uuid.NewString()
	if err := s.EnqueueSignal(ctx, store.QueuedSignal{ID: sigID, Type: "work.requested", CorrelationID: "corr-7"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := e.Step(ctx, bus.Signal{ID: sigID, Type: "work.requested", CorrelationID: "corr-7"}); err != nil {
		t.Fatalf("step: %v", err)
	}

	claimed, err := s.ClaimSignals(ctx, 10)
	if err != nil {
		t.Fatalf("claim signals: %v", err)
	}
	var failedSig *store.QueuedSignal
	for i := range claimed {
		if claimed[i].Type == fsm.FailedActionSignalType {
			failedSig = &claimed[i]
		}
	}
	if failedSig == nil {
		t.Fatal("expected a synthetic action.failed signal to be enqueued")
	}

	if _, err := e.Step(ctx, bus.Signal{ID: failedSig.ID, Type: failedSig.Type, CorrelationID: failedSig.CorrelationID}); err != nil {
		t.Fatalf("step failed signal: %v", err)
	}
	if !handlerCalled {
		t.Fatal("expected the default action.failed -> error transition to invoke handle_action_failure")
	}

	state, err := s.CurrentState(ctx, "idle")
	if err != nil {
		t.Fatalf("current state: %v", err)
	}
	if state != "error" {
		t.Fatalf("expected state error, got %q", state)
	}
}

var errUnavailable = fsmTestError("handler unavailable")

type fsmTestError string

func (e fsmTestError) Error() string { return string(e) }
