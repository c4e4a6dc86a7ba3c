// Package scheduler implements the timed-signal ticker (§4.9): it claims
// due timed_signals rows, publishes timed_signal.fired to the bus, and
// reschedules recurring rows using cron/rrule-style recurrence. Actions
// write new rows through the FSM transaction; this package only owns the
// read-tick-fire-reschedule side.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/nervecore/internal/bus"
	"github.com/basket/nervecore/internal/store"
	"github.com/google/uuid"
)

var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// dispatchWindowBaseline is the missed-dispatch grace period for one-shot
// timed signals (§4.9): a row still pending 30 minutes past trigger_at is
// marked missed_dispatch_window instead of fired.
const dispatchWindowBaseline = 30 * time.Minute

// Config configures a Scheduler.
type Config struct {
	Store      *store.Store
	Bus        *bus.Bus
	Logger     *slog.Logger
	Tick       time.Duration // default 1s
	Lease      time.Duration // stale-processing reclaim window, default 30s
	ClaimBatch int           // default 25
}

// Scheduler ticks over timed_signals, firing due rows and rescheduling
// recurring ones.
type Scheduler struct {
	store      *store.Store
	bus        *bus.Bus
	logger     *slog.Logger
	tick       time.Duration
	lease      time.Duration
	claimBatch int
}

// New builds a Scheduler from cfg, applying defaults for zero fields.
func New(cfg Config) *Scheduler {
	tick := cfg.Tick
	if tick <= 0 {
		tick = time.Second
	}
	lease := cfg.Lease
	if lease <= 0 {
		lease = 30 * time.Second
	}
	batch := cfg.ClaimBatch
	if batch <= 0 {
		batch = 25
	}
	return &Scheduler{store: cfg.Store, bus: cfg.Bus, logger: cfg.Logger, tick: tick, lease: lease, claimBatch: batch}
}

// Run ticks until ctx is canceled.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick reclaims stale leases, claims due rows, fires them, and
// reschedules recurring occurrences.
func (s *Scheduler) Tick(ctx context.Context) {
	now := time.Now().UTC()

	if n, err := s.store.ReclaimStaleProcessing(ctx, s.lease); err != nil {
		s.logger.Error("reclaim stale processing failed", "error", err)
	} else if n > 0 {
		s.logger.Warn("reclaimed stale processing timed signals", "count", n)
	}

	due, err := s.store.ClaimDueTimedSignals(ctx, "scheduler", now, s.claimBatch)
	if err != nil {
		s.logger.Error("claim due timed signals failed", "error", err)
		return
	}
	for _, t := range due {
		s.fire(ctx, t, now)
	}
}

func (s *Scheduler) dispatchWindow(t store.TimedSignal) time.Duration {
	if t.RRule == "" {
		return dispatchWindowBaseline
	}
	period := s.estimatePeriod(t)
	fivePercent := time.Duration(float64(period) * 0.05)
	if fivePercent > dispatchWindowBaseline {
		return fivePercent
	}
	return dispatchWindowBaseline
}

// rowLocation resolves a timed signal's stored timezone (§4.9: recurrence is
// computed relative to the row's own timezone, not the scheduler's UTC
// clock), falling back to UTC for an empty or unrecognized zone.
func (s *Scheduler) rowLocation(t store.TimedSignal) *time.Location {
	if t.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(t.Timezone)
	if err != nil {
		s.logger.Warn("unknown timezone on timed signal, falling back to UTC", "timed_signal_id", t.ID, "timezone", t.Timezone, "error", err)
		return time.UTC
	}
	return loc
}

// estimatePeriod approximates a recurring signal's period by measuring the
// gap between the next two computed occurrences.
func (s *Scheduler) estimatePeriod(t store.TimedSignal) time.Duration {
	sched, err := cronParser.Parse(t.RRule)
	if err != nil {
		return dispatchWindowBaseline
	}
	loc := s.rowLocation(t)
	first := sched.Next(t.TriggerAt.In(loc))
	second := sched.Next(first)
	if second.After(first) {
		return second.Sub(first)
	}
	return dispatchWindowBaseline
}

func (s *Scheduler) fire(ctx context.Context, t store.TimedSignal, now time.Time) {
	overdue := now.Sub(t.TriggerAt)
	if overdue > s.dispatchWindow(t) {
		s.handleMissed(ctx, t)
		return
	}

	sig := bus.Signal{
		ID:            uuid.NewString(),
		Type:          "timed_signal.fired",
		Source:        "scheduler",
		Payload:       t.Payload,
		CorrelationID: t.CorrelationID,
		Durable:       true,
	}
	if err := s.bus.Publish(sig.Type, sig); err != nil {
		s.logger.Error("publish timed_signal.fired failed", "timed_signal_id", t.ID, "error", err)
		return
	}
	if err := s.store.MarkFired(ctx, t.ID); err != nil {
		s.logger.Error("mark timed signal fired failed", "timed_signal_id", t.ID, "error", err)
	}

	if t.RRule != "" {
		s.scheduleNextOccurrence(ctx, t, now)
	}
}

func (s *Scheduler) handleMissed(ctx context.Context, t store.TimedSignal) {
	if t.RRule == "" {
		if err := s.store.MarkTimedFailed(ctx, t.ID, "missed_dispatch_window"); err != nil {
			s.logger.Error("mark timed signal missed failed", "timed_signal_id", t.ID, "error", err)
		}
		s.logger.Warn("one-shot timed signal missed its dispatch window", "timed_signal_id", t.ID, "correlation_id", t.CorrelationID)
		return
	}

	next := t
	next.ID = uuid.NewString()
	sched, err := cronParser.Parse(t.RRule)
	if err != nil {
		s.logger.Error("parse rrule failed", "timed_signal_id", t.ID, "rrule", t.RRule, "error", err)
		if err := s.store.MarkTimedFailed(ctx, t.ID, fmt.Sprintf("invalid rrule: %v", err)); err != nil {
			s.logger.Error("mark timed signal failed", "timed_signal_id", t.ID, "error", err)
		}
		return
	}
	next.TriggerAt = sched.Next(time.Now().UTC().In(s.rowLocation(t)))
	if err := s.store.MarkSkippedAndReschedule(ctx, t.ID, next); err != nil {
		s.logger.Error("reschedule skipped occurrence failed", "timed_signal_id", t.ID, "error", err)
		return
	}
	s.logger.Warn("recurring timed signal skipped a missed occurrence", "timed_signal_id", t.ID, "next_trigger_at", next.TriggerAt)
}

func (s *Scheduler) scheduleNextOccurrence(ctx context.Context, t store.TimedSignal, after time.Time) {
	sched, err := cronParser.Parse(t.RRule)
	if err != nil {
		s.logger.Error("parse rrule for reschedule failed", "timed_signal_id", t.ID, "rrule", t.RRule, "error", err)
		return
	}
	next := t
	next.ID = uuid.NewString()
	next.TriggerAt = sched.Next(after.In(s.rowLocation(t)))
	if err := s.store.ScheduleTimedSignal(ctx, next); err != nil {
		s.logger.Error("insert next occurrence failed", "timed_signal_id", t.ID, "error", err)
	}
}
