package pdca_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/basket/nervecore/internal/bus"
	"github.com/basket/nervecore/internal/fsm"
	"github.com/basket/nervecore/internal/pdca"
	"github.com/basket/nervecore/internal/store"
)

func pdcaEventTypes(t *testing.T, s *store.Store, taskID string) []string {
	t.Helper()
	rows, err := s.DB().Query(`SELECT event_type FROM pdca_events WHERE task_id = ? ORDER BY id;`, taskID)
	if err != nil {
		t.Fatalf("query pdca events: %v", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var eventType string
		if err := rows.Scan(&eventType); err != nil {
			t.Fatalf("scan pdca event: %v", err)
		}
		out = append(out, eventType)
	}
	return out
}

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

func TestPollOnce_CompletesTaskWithinOneSlice(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	if err := s.EnqueuePDCATask(ctx, store.PDCATask{TaskID: "t-1", OwnerID: "user-1", SliceCycles: 3, MaxCycles: 30, MaxRuntimeSeconds: 60}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	calls := 0
	exec := pdca.New(pdca.Config{Store: s, Logger: testLogger(), Cycle: func(ctx context.Context, task store.PDCATask, state, taskState string) (pdca.CycleResult, error) {
		calls++
		return pdca.CycleResult{Progressed: true, Done: true, StateJSON: "{}", TaskStateJSON: "{}"}, nil
	}}, "worker-1")

	if err := exec.PollOnce(ctx); err != nil {
		t.Fatalf("poll: %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected one cycle invocation, got %d", calls)
	}

	got, err := s.TaskByID(ctx, "t-1")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if got.Status != "done" {
		t.Fatalf("expected done, got %q", got.Status)
	}
}

func TestPollOnce_RequeuesWhenSliceExhaustedWithoutCompletion(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	if err := s.EnqueuePDCATask(ctx, store.PDCATask{TaskID: "t-2", OwnerID: "user-1", SliceCycles: 2, MaxCycles: 30, MaxRuntimeSeconds: 60}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	exec := pdca.New(pdca.Config{Store: s, Logger: testLogger(), Cycle: func(ctx context.Context, task store.PDCATask, state, taskState string) (pdca.CycleResult, error) {
		return pdca.CycleResult{Progressed: true, StateJSON: "{\"n\":1}", TaskStateJSON: "{}"}, nil
	}}, "worker-1")

	if err := exec.PollOnce(ctx); err != nil {
		t.Fatalf("poll: %v", err)
	}

	got, err := s.TaskByID(ctx, "t-2")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if got.Status != "queued" {
		t.Fatalf("expected requeued to queued, got %q", got.Status)
	}
	if got.CyclesRun != 1 {
		t.Fatalf("expected cycles_run incremented once per slice, got %d", got.CyclesRun)
	}
}

func TestPollOnce_NoProgressGateBlocksTask(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	if err := s.EnqueuePDCATask(ctx, store.PDCATask{TaskID: "t-3", OwnerID: "user-1", SliceCycles: 5, MaxCycles: 30, MaxRuntimeSeconds: 60}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	exec := pdca.New(pdca.Config{Store: s, Logger: testLogger(), Cycle: func(ctx context.Context, task store.PDCATask, state, taskState string) (pdca.CycleResult, error) {
		return pdca.CycleResult{Progressed: false, StateJSON: "{}", TaskStateJSON: "{}"}, nil
	}}, "worker-1")

	if err := exec.PollOnce(ctx); err != nil {
		t.Fatalf("poll: %v", err)
	}

	got, err := s.TaskByID(ctx, "t-3")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if got.Status != "failed" {
		t.Fatalf("expected failed after no-progress gate, got %q", got.Status)
	}
}

func TestPollOnce_ReturnsNilWhenNothingRunnable(t *testing.T) {
	s := openTestStore(t)
	exec := pdca.New(pdca.Config{Store: s, Logger: testLogger(), Cycle: func(ctx context.Context, task store.PDCATask, state, taskState string) (pdca.CycleResult, error) {
		t.Fatal("cycle should not run with nothing queued")
		return pdca.CycleResult{}, nil
	}}, "worker-1")

	if err := exec.PollOnce(context.Background()); err != nil {
		t.Fatalf("poll: %v", err)
	}
}

func TestPollOnce_CycleErrorRequeuesTask(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	if err := s.EnqueuePDCATask(ctx, store.PDCATask{TaskID: "t-4", OwnerID: "user-1", SliceCycles: 2, MaxCycles: 30, MaxRuntimeSeconds: 60}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	exec := pdca.New(pdca.Config{Store: s, Logger: testLogger(), Cycle: func(ctx context.Context, task store.PDCATask, state, taskState string) (pdca.CycleResult, error) {
		return pdca.CycleResult{}, errors.New("transient tool failure")
	}}, "worker-1")

	if err := exec.PollOnce(ctx); err != nil {
		t.Fatalf("poll: %v", err)
	}

	got, err := s.TaskByID(ctx, "t-4")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if got.Status != "queued" {
		t.Fatalf("expected requeued, got %q", got.Status)
	}
}

func TestPollOnce_WaitingUserSetsDistinctStatusAndDeliversOutbound(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	if err := s.EnqueuePDCATask(ctx, store.PDCATask{TaskID: "t-5", OwnerID: "user-1", ConversationKey: "cli:user-1", SliceCycles: 3, MaxCycles: 30, MaxRuntimeSeconds: 60}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	b := bus.New()
	sub := b.Subscribe("outbound.cli")
	defer b.Unsubscribe(sub)

	exec := pdca.New(pdca.Config{Store: s, Bus: b, Logger: testLogger(), Cycle: func(ctx context.Context, task store.PDCATask, state, taskState string) (pdca.CycleResult, error) {
		return pdca.CycleResult{Progressed: true, WaitingUser: true, StateJSON: "{}", TaskStateJSON: "{}"}, nil
	}}, "worker-1")

	if err := exec.PollOnce(ctx); err != nil {
		t.Fatalf("poll: %v", err)
	}

	got, err := s.TaskByID(ctx, "t-5")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if got.Status != "waiting_user" {
		t.Fatalf("expected waiting_user, got %q", got.Status)
	}

	select {
	case sig := <-sub.Ch():
		om, ok := sig.Payload.(fsm.OutboundMessage)
		if !ok {
			t.Fatalf("expected fsm.OutboundMessage payload, got %T", sig.Payload)
		}
		if om.Target != "user-1" {
			t.Fatalf("expected outbound target user-1, got %q", om.Target)
		}
	default:
		t.Fatal("expected an outbound.cli message on waiting_user")
	}
}

func TestPollOnce_DoneTaskPublishesCompletionSignal(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	if err := s.EnqueuePDCATask(ctx, store.PDCATask{TaskID: "t-6", OwnerID: "user-1", SliceCycles: 3, MaxCycles: 30, MaxRuntimeSeconds: 60}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	b := bus.New()
	sub := b.Subscribe(bus.TopicSliceCompleted)
	defer b.Unsubscribe(sub)

	exec := pdca.New(pdca.Config{Store: s, Bus: b, Logger: testLogger(), Cycle: func(ctx context.Context, task store.PDCATask, state, taskState string) (pdca.CycleResult, error) {
		return pdca.CycleResult{Progressed: true, Done: true, StateJSON: "{}", TaskStateJSON: "{}"}, nil
	}}, "worker-1")

	if err := exec.PollOnce(ctx); err != nil {
		t.Fatalf("poll: %v", err)
	}

	select {
	case sig := <-sub.Ch():
		if sig.Payload != "t-6" {
			t.Fatalf("expected completion signal payload t-6, got %v", sig.Payload)
		}
	default:
		t.Fatal("expected a slice.completed signal on the bus")
	}

	events := pdcaEventTypes(t, s, "t-6")
	wantSeq := []string{bus.TopicSliceStarted, "cycle.completed", bus.TopicSlicePersisted, bus.TopicSliceCompleted}
	if len(events) != len(wantSeq) {
		t.Fatalf("expected event sequence %v, got %v", wantSeq, events)
	}
	for i, want := range wantSeq {
		if events[i] != want {
			t.Fatalf("expected event sequence %v, got %v", wantSeq, events)
		}
	}
}
