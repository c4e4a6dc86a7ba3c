// Package bus implements the in-process publish/subscribe fabric that
// carries Signals from senses to the FSM engine and from the FSM engine
// to extremities. Delivery to any one subscriber is ordered per publisher;
// the FSM engine is expected to hold exactly one subscription so that
// signal consumption is serialized (see internal/fsm).
package bus

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"
)

const defaultBufferSize = 256

// ErrClosed is returned by Publish once the bus has begun shutdown.
var ErrClosed = errors.New("bus: closed")

// Signal is a typed event flowing between senses, the FSM engine, plan
// executors, the scheduler, the slice executor and extremities.
type Signal struct {
	ID            string
	Type          string
	Source        string
	Payload       any
	CorrelationID string
	CreatedAt     time.Time
	Durable       bool
}

// Subscription represents an active subscription to a topic prefix.
type Subscription struct {
	id     int
	prefix string
	ch     chan Signal
}

// Ch returns the channel to receive signals on.
func (s *Subscription) Ch() <-chan Signal {
	return s.ch
}

// Mode controls what Publish does when a subscriber's buffer is full.
type Mode int

const (
	// ModeDropSlow drops the signal for a slow subscriber (non-blocking send).
	ModeDropSlow Mode = iota
	// ModeBlock blocks the publisher until the slow subscriber makes room or
	// the context passed to PublishCtx is done.
	ModeBlock
)

// Bus is a bounded-queue, topic-prefixed publish/subscribe fabric.
type Bus struct {
	mu      sync.RWMutex
	subs    map[int]*Subscription
	nextID  int
	closed  bool
	mode    Mode
	buffer  int
}

// Option configures a Bus at construction time.
type Option func(*Bus)

// WithMode sets the backpressure mode. Default is ModeDropSlow.
func WithMode(m Mode) Option { return func(b *Bus) { b.mode = m } }

// WithBufferSize overrides the per-subscriber channel buffer size.
func WithBufferSize(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.buffer = n
		}
	}
}

// New creates a new Bus.
func New(opts ...Option) *Bus {
	b := &Bus{
		subs:   make(map[int]*Subscription),
		mode:   ModeDropSlow,
		buffer: defaultBufferSize,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe creates a subscription for signals whose Type has the given
// prefix. An empty prefix matches every signal.
func (b *Bus) Subscribe(topicPrefix string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{
		id:     b.nextID,
		prefix: topicPrefix,
		ch:     make(chan Signal, b.buffer),
	}
	b.subs[sub.id] = sub
	return sub
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[sub.id]; ok {
		delete(b.subs, sub.id)
		close(sub.ch)
	}
}

// Publish delivers a signal to every matching subscriber. Behavior on a
// full subscriber buffer follows the bus's configured Mode. Returns
// ErrClosed once Shutdown has been called.
func (b *Bus) Publish(topic string, sig Signal) error {
	return b.PublishCtx(context.Background(), topic, sig)
}

// PublishCtx is Publish with a context honored when Mode is ModeBlock.
func (b *Bus) PublishCtx(ctx context.Context, topic string, sig Signal) error {
	sig.Type = topic

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrClosed
	}
	mode := b.mode
	matches := make([]*Subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		if sub.prefix == "" || strings.HasPrefix(topic, sub.prefix) {
			matches = append(matches, sub)
		}
	}
	b.mu.RUnlock()

	for _, sub := range matches {
		switch mode {
		case ModeBlock:
			select {
			case sub.ch <- sig:
			case <-ctx.Done():
				return ctx.Err()
			}
		default:
			select {
			case sub.ch <- sig:
			default:
			}
		}
	}
	return nil
}

// Shutdown marks the bus closed (refusing further publishes) and closes
// every subscriber channel so consumers can drain pending signals and
// exit. It is safe to call once.
func (b *Bus) Shutdown() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		close(sub.ch)
		delete(b.subs, id)
	}
}

// SubscriberCount returns the number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
