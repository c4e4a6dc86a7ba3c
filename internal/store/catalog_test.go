package store_test

import (
	"context"
	"testing"

	"github.com/basket/nervecore/internal/store"
)

func seedBasicCatalog(t *testing.T, s *store.Store) {
	t.Helper()
	ctx := context.Background()
	if err := s.UpsertState(ctx, "idle", "Idle", false, true); err != nil {
		t.Fatalf("upsert idle: %v", err)
	}
	if err := s.UpsertState(ctx, "busy", "Busy", false, true); err != nil {
		t.Fatalf("upsert busy: %v", err)
	}
	if err := s.UpsertTransition(ctx, store.Transition{
		SourceStateKey: "idle",
		SignalKey:      "telegram.message_received",
		NextStateKey:   "busy",
		Priority:       100,
		IsEnabled:      true,
		ActionKey:      "handle_incoming_message",
	}); err != nil {
		t.Fatalf("upsert transition: %v", err)
	}
}

func TestStates_ReturnsErrEmptyCatalogWhenUnseeded(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.States(context.Background()); err != store.ErrEmptyCatalog {
		t.Fatalf("expected ErrEmptyCatalog, got %v", err)
	}
}

func TestStates_ReturnsSeededStates(t *testing.T) {
	s := openTestStore(t)
	seedBasicCatalog(t, s)

	states, err := s.States(context.Background())
	if err != nil {
		t.Fatalf("states: %v", err)
	}
	if len(states) != 2 {
		t.Fatalf("expected 2 states, got %d", len(states))
	}
}

func TestTransitionCount_ZeroOnEmptyCatalog(t *testing.T) {
	s := openTestStore(t)
	n, err := s.TransitionCount(context.Background())
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected 0 transitions, got %d", n)
	}
}

func TestTransitionCount_ReflectsSeededRows(t *testing.T) {
	s := openTestStore(t)
	seedBasicCatalog(t, s)

	n, err := s.TransitionCount(context.Background())
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 transition, got %d", n)
	}

	if err := s.UpsertTransition(context.Background(), store.Transition{
		SourceStateKey: "busy",
		SignalKey:      "action.failed",
		NextStateKey:   "idle",
		Priority:       1000000,
		IsEnabled:      true,
	}); err != nil {
		t.Fatalf("upsert transition: %v", err)
	}
	n, err = s.TransitionCount(context.Background())
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 transitions after second upsert, got %d", n)
	}
}

func TestResolveTransition_MatchesExplicitSource(t *testing.T) {
	s := openTestStore(t)
	seedBasicCatalog(t, s)

	rt, err := s.ResolveTransition(context.Background(), "idle", "telegram.message_received")
	if err != nil {
		t.Fatalf("resolve transition: %v", err)
	}
	if rt == nil {
		t.Fatal("expected a resolved transition")
	}
	if rt.NextStateKey != "busy" {
		t.Fatalf("expected next state busy, got %s", rt.NextStateKey)
	}
	if rt.ActionKey != "handle_incoming_message" {
		t.Fatalf("expected action handle_incoming_message, got %s", rt.ActionKey)
	}
}

func TestResolveTransition_ReturnsNilWhenNoMatch(t *testing.T) {
	s := openTestStore(t)
	seedBasicCatalog(t, s)

	rt, err := s.ResolveTransition(context.Background(), "busy", "timer.fired")
	if err != nil {
		t.Fatalf("resolve transition: %v", err)
	}
	if rt != nil {
		t.Fatalf("expected no match, got %+v", rt)
	}
}

func TestResolveTransition_ExplicitSourceBeatsWildcardAtEqualPriority(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	seedBasicCatalog(t, s)

	if err := s.UpsertTransition(ctx, store.Transition{
		MatchAnyState: true,
		SignalKey:     "telegram.message_received",
		NextStateKey:  "idle",
		Priority:      100,
		IsEnabled:     true,
		ActionKey:     "wildcard_action",
	}); err != nil {
		t.Fatalf("upsert wildcard transition: %v", err)
	}

	rt, err := s.ResolveTransition(ctx, "idle", "telegram.message_received")
	if err != nil {
		t.Fatalf("resolve transition: %v", err)
	}
	if rt == nil || rt.ActionKey != "handle_incoming_message" {
		t.Fatalf("expected explicit-source transition to win, got %+v", rt)
	}
}

func TestResolveTransition_LowerPriorityNumberWins(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	seedBasicCatalog(t, s)

	if err := s.UpsertTransition(ctx, store.Transition{
		SourceStateKey: "idle",
		SignalKey:      "telegram.message_received",
		NextStateKey:   "idle",
		Priority:       1,
		IsEnabled:      true,
		ActionKey:      "higher_priority_action",
	}); err != nil {
		t.Fatalf("upsert higher priority transition: %v", err)
	}

	rt, err := s.ResolveTransition(ctx, "idle", "telegram.message_received")
	if err != nil {
		t.Fatalf("resolve transition: %v", err)
	}
	if rt == nil || rt.ActionKey != "higher_priority_action" {
		t.Fatalf("expected priority 1 transition to win, got %+v", rt)
	}
}

func TestCurrentState_SeedsMarkerOnFirstRead(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	seedBasicCatalog(t, s)

	key, err := s.CurrentState(ctx, "idle")
	if err != nil {
		t.Fatalf("current state: %v", err)
	}
	if key != "idle" {
		t.Fatalf("expected idle, got %s", key)
	}

	key2, err := s.CurrentState(ctx, "busy")
	if err != nil {
		t.Fatalf("current state second read: %v", err)
	}
	if key2 != "idle" {
		t.Fatalf("expected marker to stick at idle, got %s", key2)
	}
}
