package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/basket/nervecore/internal/store"
)

func TestClaimDueTimedSignals_OnlyClaimsPastTriggerAt(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	if err := s.ScheduleTimedSignal(ctx, store.TimedSignal{ID: "due", TriggerAt: now.Add(-time.Minute), SignalType: "timer.fired", CorrelationID: "c1"}); err != nil {
		t.Fatalf("schedule due: %v", err)
	}
	if err := s.ScheduleTimedSignal(ctx, store.TimedSignal{ID: "future", TriggerAt: now.Add(time.Hour), SignalType: "timer.fired", CorrelationID: "c2"}); err != nil {
		t.Fatalf("schedule future: %v", err)
	}

	claimed, err := s.ClaimDueTimedSignals(ctx, "worker-1", now, 10)
	if err != nil {
		t.Fatalf("claim due: %v", err)
	}
	if len(claimed) != 1 || claimed[0].ID != "due" {
		t.Fatalf("expected only 'due' claimed, got %+v", claimed)
	}

	row, err := s.TimedSignalByID(ctx, "due")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if row.Status != "processing" {
		t.Fatalf("expected processing, got %s", row.Status)
	}
}

func TestReclaimStaleProcessing_ResetsExpiredLeases(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	if err := s.ScheduleTimedSignal(ctx, store.TimedSignal{ID: "stuck", TriggerAt: now.Add(-time.Hour), SignalType: "timer.fired", CorrelationID: "c1"}); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if _, err := s.ClaimDueTimedSignals(ctx, "worker-1", now, 10); err != nil {
		t.Fatalf("claim: %v", err)
	}

	affected, err := s.ReclaimStaleProcessing(ctx, -time.Second)
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if affected != 1 {
		t.Fatalf("expected 1 reclaimed, got %d", affected)
	}

	row, err := s.TimedSignalByID(ctx, "stuck")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if row.Status != "pending" {
		t.Fatalf("expected pending after reclaim, got %s", row.Status)
	}
}

func TestMarkSkippedAndReschedule_InsertsNextOccurrence(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	if err := s.ScheduleTimedSignal(ctx, store.TimedSignal{ID: "recur-1", TriggerAt: now.Add(-2 * time.Hour), RRule: "FREQ=DAILY", SignalType: "timer.fired", CorrelationID: "c1"}); err != nil {
		t.Fatalf("schedule: %v", err)
	}

	next := store.TimedSignal{ID: "recur-2", TriggerAt: now.Add(22 * time.Hour), RRule: "FREQ=DAILY", SignalType: "timer.fired", CorrelationID: "c1"}
	if err := s.MarkSkippedAndReschedule(ctx, "recur-1", next); err != nil {
		t.Fatalf("mark skipped and reschedule: %v", err)
	}

	old, err := s.TimedSignalByID(ctx, "recur-1")
	if err != nil {
		t.Fatalf("lookup old: %v", err)
	}
	if old.Status != "skipped" {
		t.Fatalf("expected skipped, got %s", old.Status)
	}

	nextRow, err := s.TimedSignalByID(ctx, "recur-2")
	if err != nil {
		t.Fatalf("lookup next: %v", err)
	}
	if nextRow.Status != "pending" {
		t.Fatalf("expected pending, got %s", nextRow.Status)
	}
}

func TestMarkFired_SetsFiredStatus(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.ScheduleTimedSignal(ctx, store.TimedSignal{ID: "one-shot", TriggerAt: time.Now().UTC(), SignalType: "timer.fired", CorrelationID: "c1"}); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if err := s.MarkFired(ctx, "one-shot"); err != nil {
		t.Fatalf("mark fired: %v", err)
	}
	row, err := s.TimedSignalByID(ctx, "one-shot")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if row.Status != "fired" {
		t.Fatalf("expected fired, got %s", row.Status)
	}
}
