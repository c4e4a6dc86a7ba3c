package scheduler_test

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/nervecore/internal/bus"
	"github.com/basket/nervecore/internal/scheduler"
	"github.com/basket/nervecore/internal/store"
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

func TestTick_FiresDueOneShotAndPublishesToBus(t *testing.T) {
	s := openTestStore(t)
	b := bus.New()
	sub := b.Subscribe("timed_signal.fired")
	defer b.Unsubscribe(sub)

	sched := scheduler.New(scheduler.Config{Store: s, Bus: b, Logger: testLogger(), ClaimBatch: 10})

	ctx := context.Background()
	if err := s.ScheduleTimedSignal(ctx, store.TimedSignal{
		ID: "ts-1", TriggerAt: time.Now().Add(-time.Second), SignalType: "reminder", Payload: "{}", CorrelationID: "corr-1",
	}); err != nil {
		t.Fatalf("schedule: %v", err)
	}

	sched.Tick(ctx)

	select {
	case sig := <-sub.Ch():
		if sig.CorrelationID != "corr-1" {
			t.Fatalf("unexpected correlation id: %+v", sig)
		}
	case <-time.After(time.Second):
		t.Fatal("expected timed_signal.fired to be published")
	}
}

func TestTick_MissedOneShotIsMarkedFailed(t *testing.T) {
	s := openTestStore(t)
	b := bus.New()
	sched := scheduler.New(scheduler.Config{Store: s, Bus: b, Logger: testLogger(), ClaimBatch: 10})

	ctx := context.Background()
	if err := s.ScheduleTimedSignal(ctx, store.TimedSignal{
		ID: "ts-2", TriggerAt: time.Now().Add(-time.Hour), SignalType: "reminder", Payload: "{}", CorrelationID: "corr-2",
	}); err != nil {
		t.Fatalf("schedule: %v", err)
	}

	sched.Tick(ctx)

	row, err := s.TimedSignalByID(ctx, "ts-2")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if row == nil || row.Status != "failed" {
		t.Fatalf("expected failed status, got %+v", row)
	}
}

func TestTick_RecurringSignalFiresAndMarksOriginalRowFired(t *testing.T) {
	s := openTestStore(t)
	b := bus.New()
	sub := b.Subscribe("timed_signal.fired")
	defer b.Unsubscribe(sub)
	sched := scheduler.New(scheduler.Config{Store: s, Bus: b, Logger: testLogger(), ClaimBatch: 10})

	ctx := context.Background()
	if err := s.ScheduleTimedSignal(ctx, store.TimedSignal{
		ID: "ts-3", TriggerAt: time.Now().Add(-time.Second), RRule: "* * * * *", SignalType: "daily", Payload: "{}", CorrelationID: "corr-3",
	}); err != nil {
		t.Fatalf("schedule: %v", err)
	}

	sched.Tick(ctx)

	select {
	case <-sub.Ch():
	case <-time.After(time.Second):
		t.Fatal("expected timed_signal.fired to be published")
	}

	fired, err := s.TimedSignalByID(ctx, "ts-3")
	if err != nil {
		t.Fatalf("lookup fired row: %v", err)
	}
	if fired == nil || fired.Status != "fired" {
		t.Fatalf("expected original row fired, got %+v", fired)
	}
}
