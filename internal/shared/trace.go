// Package shared holds small cross-cutting helpers used by every
// component: correlation-id context propagation and secret redaction.
package shared

import (
	"context"

	"github.com/google/uuid"
)

type correlationKey struct{}

// WithCorrelationID attaches a correlation id to the context. Every
// state-mutating operation downstream reads it back for its trace event.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey{}, id)
}

// CorrelationID extracts the correlation id from context, or "-" if absent.
func CorrelationID(ctx context.Context) string {
	if v, ok := ctx.Value(correlationKey{}).(string); ok && v != "" {
		return v
	}
	return "-"
}

// NewCorrelationID generates a new correlation id.
func NewCorrelationID() string {
	return uuid.NewString()
}

// NewID generates a general-purpose unique identifier (signals, plans,
// timed rows, task ids).
func NewID() string {
	return uuid.NewString()
}
