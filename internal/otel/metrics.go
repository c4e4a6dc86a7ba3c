package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds the process-wide nervecore metric instruments.
type Metrics struct {
	RequestDuration    metric.Float64Histogram
	SignalQueueDepth   metric.Int64UpDownCounter
	SignalsProcessed   metric.Int64Counter
	TransitionDuration metric.Float64Histogram
	ActionDuration     metric.Float64Histogram
	ActionErrors       metric.Int64Counter
	SliceCycles        metric.Int64Counter
	ActiveSlices       metric.Int64UpDownCounter
	TimedDispatches    metric.Int64Counter
	MissedDispatches   metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.RequestDuration, err = meter.Float64Histogram("nervecore.gateway.request.duration",
		metric.WithDescription("Gateway request duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.SignalQueueDepth, err = meter.Int64UpDownCounter("nervecore.signal_queue.depth",
		metric.WithDescription("Number of signals currently pending or claimed in the queue"),
	)
	if err != nil {
		return nil, err
	}

	m.SignalsProcessed, err = meter.Int64Counter("nervecore.signal_queue.processed",
		metric.WithDescription("Total signals dequeued and completed"),
	)
	if err != nil {
		return nil, err
	}

	m.TransitionDuration, err = meter.Float64Histogram("nervecore.fsm.transition.duration",
		metric.WithDescription("FSM transition resolve-and-apply duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.ActionDuration, err = meter.Float64Histogram("nervecore.action.duration",
		metric.WithDescription("Action handler execution duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.ActionErrors, err = meter.Int64Counter("nervecore.action.errors",
		metric.WithDescription("Action handler error count"),
	)
	if err != nil {
		return nil, err
	}

	m.SliceCycles, err = meter.Int64Counter("nervecore.pdca.cycles",
		metric.WithDescription("Total plan-decide-act-check cycles executed"),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveSlices, err = meter.Int64UpDownCounter("nervecore.pdca.active",
		metric.WithDescription("Number of currently leased pdca slices"),
	)
	if err != nil {
		return nil, err
	}

	m.TimedDispatches, err = meter.Int64Counter("nervecore.scheduler.dispatches",
		metric.WithDescription("Total timed signals dispatched by the scheduler"),
	)
	if err != nil {
		return nil, err
	}

	m.MissedDispatches, err = meter.Int64Counter("nervecore.scheduler.missed",
		metric.WithDescription("Total timed signal occurrences dropped for falling outside the catch-up window"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
