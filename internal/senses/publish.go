package senses

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/basket/nervecore/internal/bus"
	"github.com/basket/nervecore/internal/store"
)

// Publisher durably enqueues a signal and then notifies the bus, so a
// running FSM engine picks it up immediately while a crash between the two
// steps still leaves the signal recoverable by a future poll (§4.5).
type Publisher struct {
	Store *store.Store
	Bus   *bus.Bus
}

// InboundMessage mirrors actions.InboundMessage; duplicated here (not
// imported) so senses does not depend on the action registry.
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

// PublishInbound enqueues signalID (idempotent on duplicate) and notifies
// the bus with signalType and the encoded inbound message as payload.
func (p *Publisher) PublishInbound(ctx context.Context, signalID, signalType, source string, msg InboundMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode inbound message: %w", err)
	}
	if err := p.Store.EnqueueSignal(ctx, store.QueuedSignal{
		ID:            signalID,
		Type:          signalType,
		Source:        source,
		Payload:       string(payload),
		CorrelationID: msg.CorrelationID,
	}); err != nil {
		return fmt.Errorf("enqueue inbound signal: %w", err)
	}
	if err := p.Bus.PublishCtx(ctx, signalType, bus.Signal{
		ID:            signalID,
		Type:          signalType,
		Source:        source,
		Payload:       string(payload),
		CorrelationID: msg.CorrelationID,
		Durable:       true,
	}); err != nil {
		return fmt.Errorf("publish inbound signal: %w", err)
	}
	return nil
}
