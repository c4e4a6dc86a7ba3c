package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for nervecore spans.
var (
	AttrSignalID     = attribute.Key("nervecore.signal.id")
	AttrSignalKind   = attribute.Key("nervecore.signal.kind")
	AttrStateFrom    = attribute.Key("nervecore.state.from")
	AttrStateTo      = attribute.Key("nervecore.state.to")
	AttrActionName   = attribute.Key("nervecore.action.name")
	AttrPlanID       = attribute.Key("nervecore.plan.id")
	AttrPlanStep     = attribute.Key("nervecore.plan.step")
	AttrSliceID      = attribute.Key("nervecore.slice.id")
	AttrTimedSignal  = attribute.Key("nervecore.timed_signal.id")
	AttrCorrelation  = attribute.Key("nervecore.correlation.id")
)

// StartSpan is a convenience wrapper that starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartServerSpan starts a span for an inbound request (Gateway).
func StartServerSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}

// StartClientSpan starts a span for an outbound call (extremity delivery, LLM completion).
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}
