package observability

import (
	"context"
	"log/slog"
)

// Recorder pairs a structured slog.Logger with the durable trace store: one
// call emits both a human-facing log line and a correlation-keyed trace
// row, mirroring how the FSM engine, actions, and plan executor all need
// the same event surfaced two ways.
type Recorder struct {
	logger *slog.Logger
	store  *Store
}

// NewRecorder builds a Recorder. store may be nil, in which case Emit only
// logs — useful for tests and for the CLI-only smoke-test entrypoint.
func NewRecorder(logger *slog.Logger, store *Store) *Recorder {
	return &Recorder{logger: logger, store: store}
}

// Emit logs ev at a level derived from ev.Level and durably records it.
// Store write failures are logged but never propagated: observability is a
// side channel and must not fail the operation it is describing.
func (r *Recorder) Emit(ctx context.Context, ev Event) {
	attrs := []any{
		"event", ev.Event,
		"correlation_id", ev.CorrelationID,
		"channel", ev.Channel,
		"status", ev.Status,
	}
	switch ev.Level {
	case "debug":
		r.logger.Debug(ev.Event, attrs...)
	case "warning", "warn":
		r.logger.Warn(ev.Event, attrs...)
	case "error":
		r.logger.Error(ev.Event, attrs...)
	default:
		r.logger.Info(ev.Event, attrs...)
	}

	if r.store == nil {
		return
	}
	if err := r.store.Write(ctx, ev); err != nil {
		r.logger.Warn("observability write failed", "event", ev.Event, "error", err)
	}
}

// EmitError is a convenience wrapper for the common "error occurred"
// shape; the error code is always "handler_error".
func (r *Recorder) EmitError(ctx context.Context, event, correlationID string, err error) {
	r.Emit(ctx, Event{
		Level:         "error",
		Event:         event,
		CorrelationID: correlationID,
		ErrorCode:     "handler_error",
		Payload:       map[string]any{"error": err.Error()},
	})
}
