package actions_test

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/basket/nervecore/internal/actions"
	"github.com/basket/nervecore/internal/bus"
	"github.com/basket/nervecore/internal/fsm"
	"github.com/basket/nervecore/internal/policy"
	"github.com/basket/nervecore/internal/renderer"
	"github.com/basket/nervecore/internal/store"
	"github.com/basket/nervecore/internal/tools"
)

type fakePrincipals struct {
	known map[string]*store.Principal
}

func (f *fakePrincipals) PrincipalByID(ctx context.Context, userID string) (*store.Principal, error) {
	return f.known[userID], nil
}

func (f *fakePrincipals) PreferencesForUser(ctx context.Context, userID string) (map[string]string, error) {
	return nil, nil
}

func newTestRuntime() *actions.Runtime {
	return &actions.Runtime{
		Principals: &fakePrincipals{known: map[string]*store.Principal{
			"user-1": {UserID: "user-1", DisplayName: "Ada"},
		}},
		Tools:    tools.NewRegistry(policy.NewLivePolicy(policy.Default(), "")),
		Renderer: renderer.NewStaticRenderer(nil),
	}
}

func encodeSignal(t *testing.T, v any) string {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return string(b)
}

func handlerFor(t *testing.T, reg *actions.Registry, key string) fsm.Action {
	t.Helper()
	h, ok := reg.Handler(key)
	if !ok {
		t.Fatalf("handler %q not registered", key)
	}
	return h
}

func TestHandleIncomingMessage_KnownUserGetsGenericReply(t *testing.T) {
	reg := actions.NewRegistry(newTestRuntime())
	handler := handlerFor(t, reg, "handle_incoming_message")

	payload := encodeSignal(t, actions.InboundMessage{
		Text: "hello", ChannelType: "cli", ChannelTarget: "user-1", UserID: "user-1", CorrelationID: "corr-1",
	})

	result, err := handler(context.Background(), bus.Signal{Payload: payload, CorrelationID: "corr-1"})
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if result.ResultCode != fsm.ResultSucceeded {
		t.Fatalf("expected succeeded, got %v", result.ResultCode)
	}
	if len(result.OutboundMessages) != 1 {
		t.Fatalf("expected one outbound message, got %d", len(result.OutboundMessages))
	}
	if result.OutboundMessages[0].Target != "user-1" {
		t.Fatalf("unexpected target: %+v", result.OutboundMessages[0])
	}
}

func TestHandleIncomingMessage_EmptyTextAsksToClarify(t *testing.T) {
	reg := actions.NewRegistry(newTestRuntime())
	handler := handlerFor(t, reg, "handle_incoming_message")

	payload := encodeSignal(t, actions.InboundMessage{ChannelType: "cli", ChannelTarget: "user-1"})
	result, err := handler(context.Background(), bus.Signal{Payload: payload})
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(result.OutboundMessages) != 1 {
		t.Fatalf("expected one outbound message, got %d", len(result.OutboundMessages))
	}
	if result.OutboundMessages[0].Text == "" {
		t.Fatal("expected clarify prompt")
	}
}

func TestHandleIncomingMessage_ReminderIntentSchedulesTimedSignal(t *testing.T) {
	reg := actions.NewRegistry(newTestRuntime())
	handler := handlerFor(t, reg, "handle_incoming_message")

	payload := encodeSignal(t, actions.InboundMessage{
		Text: "remind me to water the plants in 1 minute", ChannelType: "cli", ChannelTarget: "user-1", UserID: "user-1", CorrelationID: "corr-3",
	})

	before := time.Now().UTC()
	result, err := handler(context.Background(), bus.Signal{Payload: payload, CorrelationID: "corr-3"})
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if result.ResultCode != fsm.ResultSucceeded {
		t.Fatalf("expected succeeded, got %v", result.ResultCode)
	}
	if len(result.TimedSignals) != 1 {
		t.Fatalf("expected one timed signal, got %d", len(result.TimedSignals))
	}
	ts := result.TimedSignals[0]
	if ts.Status != "pending" {
		t.Fatalf("expected pending timed signal, got %q", ts.Status)
	}
	wantTrigger := before.Add(60 * time.Second)
	if diff := ts.TriggerAt.Sub(wantTrigger); diff < -5*time.Second || diff > 5*time.Second {
		t.Fatalf("expected trigger_at ~= now+60s, got %v (now %v)", ts.TriggerAt, before)
	}
	if !strings.Contains(ts.Payload, `"kind":"create_reminder"`) {
		t.Fatalf("expected create_reminder payload marker, got %s", ts.Payload)
	}
	if len(result.OutboundMessages) != 1 {
		t.Fatalf("expected one acknowledging outbound message, got %d", len(result.OutboundMessages))
	}
}

func TestHandleTimedSignals_SchedulesOneTimedSignal(t *testing.T) {
	reg := actions.NewRegistry(newTestRuntime())
	handler := handlerFor(t, reg, "handle_timed_signals")

	payload := encodeSignal(t, map[string]string{
		"channel": "cli", "target": "user-1", "signal_type": "timer.fired", "signal_payload": "{}",
	})
	result, err := handler(context.Background(), bus.Signal{Payload: payload, CorrelationID: "corr-2"})
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(result.TimedSignals) != 1 {
		t.Fatalf("expected one timed signal, got %d", len(result.TimedSignals))
	}
	if result.TimedSignals[0].CorrelationID != "corr-2" {
		t.Fatalf("expected correlation id propagated, got %+v", result.TimedSignals[0])
	}
}

func TestHandleTimerFired_ProducesOutboundReminder(t *testing.T) {
	reg := actions.NewRegistry(newTestRuntime())
	handler := handlerFor(t, reg, "handle_timer_fired")

	payload := encodeSignal(t, map[string]string{"channel": "cli", "target": "user-1", "message": "time's up"})
	result, err := handler(context.Background(), bus.Signal{Payload: payload})
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(result.OutboundMessages) != 1 || result.OutboundMessages[0].Text != "time's up" {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestShutdown_SucceedsWithNoEffects(t *testing.T) {
	reg := actions.NewRegistry(newTestRuntime())
	handler := handlerFor(t, reg, "shutdown")
	result, err := handler(context.Background(), bus.Signal{})
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if result.ResultCode != fsm.ResultSucceeded {
		t.Fatalf("expected succeeded, got %v", result.ResultCode)
	}
}

func TestHandleStatus_ReturnsStatusPayload(t *testing.T) {
	reg := actions.NewRegistry(newTestRuntime())
	handler := handlerFor(t, reg, "handle_status")
	payload := encodeSignal(t, map[string]string{"channel": "cli", "target": "user-1"})
	result, err := handler(context.Background(), bus.Signal{Payload: payload})
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(result.OutboundMessages) != 1 {
		t.Fatalf("expected one outbound message, got %d", len(result.OutboundMessages))
	}
}

func TestHandleActionFailure_SucceedsWithoutOutbound(t *testing.T) {
	reg := actions.NewRegistry(newTestRuntime())
	handler := handlerFor(t, reg, "handle_action_failure")
	result, err := handler(context.Background(), bus.Signal{})
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(result.OutboundMessages) != 0 {
		t.Fatalf("expected no outbound messages, got %d", len(result.OutboundMessages))
	}
}
