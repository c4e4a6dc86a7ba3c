// Package actions implements the action_key -> handler mapping the FSM
// engine invokes on a matched transition (§4.7). Handlers are pure with
// respect to the bus and the store: they read through the Runtime facade
// and return a declarative fsm.ActionResult, letting the FSM transaction
// apply every effect.
package actions

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"

	"time"

	"github.com/basket/nervecore/internal/bus"
	"github.com/basket/nervecore/internal/fsm"
	"github.com/basket/nervecore/internal/renderer"
	"github.com/basket/nervecore/internal/store"
	"github.com/basket/nervecore/internal/tools"
	"github.com/google/uuid"
)

// Runtime is the read-only facade handlers get instead of direct store or
// bus access. Every method here is safe to call from inside a guard or
// action: none of them mutate FSM-owned state.
type Runtime struct {
	Principals PrincipalReader
	Tools      *tools.Registry
	Renderer   renderer.Renderer
}

// PrincipalReader exposes the subset of the principal/preference store
// actions are allowed to read.
type PrincipalReader interface {
	PrincipalByID(ctx context.Context, userID string) (*store.Principal, error)
	PreferencesForUser(ctx context.Context, userID string) (map[string]string, error)
}

// InboundMessage mirrors the Normalized Inbound Message (§3): text,
// channel_type, channel_target, user_id, user_name, timestamp,
// correlation_id, metadata. Unknown fields live in Metadata; handlers
// never branch on it.
type InboundMessage struct {
	Text          string            `json:"text"`
	ChannelType   string            `json:"channel_type"`
	ChannelTarget string            `json:"channel_target"`
	UserID        string            `json:"user_id"`
	UserName      string            `json:"user_name"`
	Timestamp     string            `json:"timestamp"`
	CorrelationID string            `json:"correlation_id"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// Registry binds action_key strings to handler functions and exposes a
// Bind method that wires every handler into an *fsm.Engine.
type Registry struct {
	rt       *Runtime
	handlers map[string]fsm.Action
}

// NewRegistry builds the required handler set (§4.7): shutdown,
// handle_incoming_message, handle_timer_fired, handle_action_failure,
// handle_status, handle_timed_signals.
func NewRegistry(rt *Runtime) *Registry {
	r := &Registry{rt: rt, handlers: make(map[string]fsm.Action)}
	r.handlers["shutdown"] = r.shutdown
	r.handlers["handle_incoming_message"] = r.handleIncomingMessage
	r.handlers["handle_timer_fired"] = r.handleTimerFired
	r.handlers["handle_action_failure"] = r.handleActionFailure
	r.handlers["handle_status"] = r.handleStatus
	r.handlers["handle_timed_signals"] = r.handleTimedSignals
	return r
}

// Register adds or overrides a handler by action_key, for callers that
// extend the built-in set with domain-specific actions.
func (r *Registry) Register(key string, h fsm.Action) {
	r.handlers[key] = h
}

// Bind installs every registered handler into engine.
func (r *Registry) Bind(engine *fsm.Engine) {
	for key, h := range r.handlers {
		engine.RegisterAction(key, h)
	}
}

// Handler returns the action bound to key, for callers (tests, the plan
// executor) that need to invoke a handler without a full engine.
func (r *Registry) Handler(key string) (fsm.Action, bool) {
	h, ok := r.handlers[key]
	return h, ok
}

func (r *Registry) shutdown(ctx context.Context, sig bus.Signal) (fsm.ActionResult, error) {
	return fsm.ActionResult{ResultCode: fsm.ResultSucceeded}, nil
}

func (r *Registry) handleIncomingMessage(ctx context.Context, sig bus.Signal) (fsm.ActionResult, error) {
	msg, err := decodeInbound(sig.Payload)
	if err != nil {
		return fsm.ActionResult{}, fmt.Errorf("decode inbound message: %w", err)
	}

	if msg.Text == "" {
		text, rerr := r.rt.Renderer.Render(renderer.KeyClarifyIntent, nil)
		if rerr != nil {
			return fsm.ActionResult{}, rerr
		}
		return fsm.ActionResult{
			ResultCode: fsm.ResultSucceeded,
			OutboundMessages: []fsm.OutboundMessage{
				{Channel: msg.ChannelType, Target: msg.ChannelTarget, Text: text, CorrelationID: sig.CorrelationID},
			},
		}, nil
	}

	if _, err := r.rt.Principals.PrincipalByID(ctx, msg.UserID); err != nil {
		text, rerr := r.rt.Renderer.Render(renderer.KeySystemUnavailableStorage, nil)
		if rerr != nil {
			return fsm.ActionResult{}, rerr
		}
		return fsm.ActionResult{
			ResultCode: fsm.ResultSucceeded,
			OutboundMessages: []fsm.OutboundMessage{
				{Channel: msg.ChannelType, Target: msg.ChannelTarget, Text: text, CorrelationID: sig.CorrelationID},
			},
		}, nil
	}

	if reminder, delay, ok := parseReminderIntent(msg.Text); ok {
		return r.scheduleReminder(sig, msg, reminder, delay)
	}

	text, err := r.rt.Renderer.Render(renderer.KeyGenericUnknown, map[string]string{"text": msg.Text})
	if err != nil {
		return fsm.ActionResult{}, err
	}
	return fsm.ActionResult{
		ResultCode: fsm.ResultSucceeded,
		OutboundMessages: []fsm.OutboundMessage{
			{Channel: msg.ChannelType, Target: msg.ChannelTarget, Text: text, CorrelationID: sig.CorrelationID},
		},
	}, nil
}

// reminderIntent matches "remind me to <message> in <n> <unit>[s]", the
// literal phrasing spec.md's end-to-end example uses. It is intentionally
// narrow: broader natural-language scheduling belongs behind an LLM
// intent classifier, not a handler-level regex.
var reminderIntent = regexp.MustCompile(`(?i)^remind me to (.+?) in (\d+)\s*(second|minute|hour|day)s?\.?$`)

func parseReminderIntent(text string) (message string, delay time.Duration, ok bool) {
	m := reminderIntent.FindStringSubmatch(text)
	if m == nil {
		return "", 0, false
	}
	n, err := strconv.Atoi(m[2])
	if err != nil || n <= 0 {
		return "", 0, false
	}
	var unit time.Duration
	switch m[3] {
	case "second":
		unit = time.Second
	case "minute":
		unit = time.Minute
	case "hour":
		unit = time.Hour
	case "day":
		unit = 24 * time.Hour
	default:
		return "", 0, false
	}
	return m[1], time.Duration(n) * unit, true
}

// scheduleReminder builds the timed_signals row and acknowledging outbound
// message for a parsed reminder intent, mirroring handleTimedSignals'
// direct-construction pattern rather than routing through the plan
// executor: the whole effect belongs to this one FSM step.
func (r *Registry) scheduleReminder(sig bus.Signal, msg InboundMessage, reminder string, delay time.Duration) (fsm.ActionResult, error) {
	triggerAt := time.Now().UTC().Add(delay)
	payload, err := json.Marshal(map[string]string{
		"kind":    "create_reminder",
		"channel": msg.ChannelType,
		"target":  msg.ChannelTarget,
		"message": "Reminder: " + reminder,
	})
	if err != nil {
		return fsm.ActionResult{}, err
	}

	ack, err := r.rt.Renderer.Render(renderer.KeyReminderScheduled, map[string]string{
		"message": reminder,
		"time":    triggerAt.Format(time.RFC3339),
	})
	if err != nil {
		return fsm.ActionResult{}, err
	}

	return fsm.ActionResult{
		ResultCode: fsm.ResultSucceeded,
		TimedSignals: []store.TimedSignal{{
			ID:            uuid.NewString(),
			TriggerAt:     triggerAt,
			SignalType:    "timer_fired",
			Payload:       string(payload),
			Target:        msg.ChannelTarget,
			Origin:        msg.ChannelType,
			CorrelationID: sig.CorrelationID,
			Status:        "pending",
		}},
		OutboundMessages: []fsm.OutboundMessage{
			{Channel: msg.ChannelType, Target: msg.ChannelTarget, Text: ack, CorrelationID: sig.CorrelationID},
		},
	}, nil
}

func (r *Registry) handleTimerFired(ctx context.Context, sig bus.Signal) (fsm.ActionResult, error) {
	var payload struct {
		Target  string `json:"target"`
		Channel string `json:"channel"`
		Message string `json:"message"`
	}
	if err := decodeJSONPayload(sig.Payload, &payload); err != nil {
		return fsm.ActionResult{}, fmt.Errorf("decode timer payload: %w", err)
	}
	text := payload.Message
	if text == "" {
		var err error
		text, err = r.rt.Renderer.Render(renderer.KeyGenericUnknown, nil)
		if err != nil {
			return fsm.ActionResult{}, err
		}
	}
	return fsm.ActionResult{
		ResultCode: fsm.ResultSucceeded,
		OutboundMessages: []fsm.OutboundMessage{
			{Channel: payload.Channel, Target: payload.Target, Text: text, CorrelationID: sig.CorrelationID},
		},
	}, nil
}

func (r *Registry) handleActionFailure(ctx context.Context, sig bus.Signal) (fsm.ActionResult, error) {
	// No outbound message by default: the failing step already traced its
	// own error_summary. Domain catalogs override this handler when a
	// user-facing apology is warranted.
	return fsm.ActionResult{ResultCode: fsm.ResultSucceeded}, nil
}

func (r *Registry) handleStatus(ctx context.Context, sig bus.Signal) (fsm.ActionResult, error) {
	var payload struct {
		Channel string `json:"channel"`
		Target  string `json:"target"`
	}
	_ = decodeJSONPayload(sig.Payload, &payload)

	body, err := json.Marshal(map[string]string{"status": "running"})
	if err != nil {
		return fsm.ActionResult{}, err
	}
	return fsm.ActionResult{
		ResultCode: fsm.ResultSucceeded,
		OutboundMessages: []fsm.OutboundMessage{
			{Channel: payload.Channel, Target: payload.Target, Text: string(body), CorrelationID: sig.CorrelationID},
		},
	}, nil
}

func (r *Registry) handleTimedSignals(ctx context.Context, sig bus.Signal) (fsm.ActionResult, error) {
	var payload struct {
		Channel       string `json:"channel"`
		Target        string `json:"target"`
		TriggerAt     string `json:"trigger_at"`
		SignalType    string `json:"signal_type"`
		SignalPayload string `json:"signal_payload"`
	}
	if err := decodeJSONPayload(sig.Payload, &payload); err != nil {
		return fsm.ActionResult{}, fmt.Errorf("decode timed signal request: %w", err)
	}
	triggerAt := time.Now().UTC()
	if payload.TriggerAt != "" {
		parsed, err := time.Parse(time.RFC3339, payload.TriggerAt)
		if err != nil {
			return fsm.ActionResult{}, fmt.Errorf("parse trigger_at: %w", err)
		}
		triggerAt = parsed
	}
	timedSignalID := uuid.NewString()
	confirmation, err := json.Marshal(map[string]string{
		"timed_signal_id": timedSignalID,
		"trigger_at":      triggerAt.Format(time.RFC3339),
		"status":          "scheduled",
	})
	if err != nil {
		return fsm.ActionResult{}, err
	}

	return fsm.ActionResult{
		ResultCode: fsm.ResultSucceeded,
		TimedSignals: []store.TimedSignal{{
			ID:            timedSignalID,
			TriggerAt:     triggerAt,
			SignalType:    payload.SignalType,
			Payload:       payload.SignalPayload,
			Target:        payload.Target,
			Origin:        payload.Channel,
			CorrelationID: sig.CorrelationID,
			Status:        "pending",
		}},
		OutboundMessages: []fsm.OutboundMessage{
			{Channel: payload.Channel, Target: payload.Target, Text: string(confirmation), CorrelationID: sig.CorrelationID},
		},
	}, nil
}

func decodeInbound(payload any) (InboundMessage, error) {
	var msg InboundMessage
	err := decodeJSONPayload(payload, &msg)
	return msg, err
}

func decodeJSONPayload(payload any, out any) error {
	switch v := payload.(type) {
	case string:
		if v == "" {
			return nil
		}
		return json.Unmarshal([]byte(v), out)
	case []byte:
		if len(v) == 0 {
			return nil
		}
		return json.Unmarshal(v, out)
	case nil:
		return nil
	default:
		encoded, err := json.Marshal(v)
		if err != nil {
			return err
		}
		return json.Unmarshal(encoded, out)
	}
}
