package store

import (
	"context"
	"log/slog"
	"time"
)

// Poller is the signal queue poller (§4.5, §5): one worker feeding the bus
// from durable storage for signals a live publish never reached (e.g. a
// crash between EnqueueSignal and the in-process bus.Publish, or no engine
// running at enqueue time). The FSM engine completes each signal as part
// of its own commit transaction; the poller only ever republishes rows
// still sitting in `queued`.
type Poller struct {
	store  *Store
	logger *slog.Logger
	tick   time.Duration
	batch  int
	notify func(sig QueuedSignal)
}

// NewPoller builds a Poller. tick defaults to 2s, batch to 50 when <= 0.
func NewPoller(st *Store, logger *slog.Logger, tick time.Duration, batch int, notify func(sig QueuedSignal)) *Poller {
	if tick <= 0 {
		tick = 2 * time.Second
	}
	if batch <= 0 {
		batch = 50
	}
	return &Poller{store: st, logger: logger, tick: tick, batch: batch, notify: notify}
}

// Run claims queued signals and republishes them via notify until ctx is
// canceled. A signal claimed here moves to `processing`; if the engine
// never sees it (notify's consumer isn't running), it stays in
// `processing`: nothing moves a `processing` signal_queue row back to
// `queued`, and there is no lease/reclaim cycle for signal_queue rows the
// way there is for timed_signals.
func (p *Poller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			p.Tick(ctx)
		}
	}
}

// Tick claims and republishes one batch of queued signals.
func (p *Poller) Tick(ctx context.Context) {
	claimed, err := p.store.ClaimSignals(ctx, p.batch)
	if err != nil {
		p.logger.Error("signal poller claim failed", "error", err)
		return
	}
	for _, sig := range claimed {
		p.notify(sig)
	}
}
