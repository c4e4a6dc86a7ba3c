package extremities

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/basket/nervecore/internal/bus"
	"github.com/basket/nervecore/internal/fsm"
)

// CLIExtremity writes outbound text to an io.Writer (stdout in production).
type CLIExtremity struct {
	out    io.Writer
	busB   *bus.Bus
	logger *slog.Logger
}

// NewCLIExtremity builds a CLI extremity writing to out.
func NewCLIExtremity(out io.Writer, b *bus.Bus, logger *slog.Logger) *CLIExtremity {
	return &CLIExtremity{out: out, busB: b, logger: logger}
}

func (e *CLIExtremity) Key() string { return "cli" }

func (e *CLIExtremity) Start(ctx context.Context) error {
	sub := e.busB.Subscribe("outbound.cli")
	defer e.busB.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			return nil
		case sig := <-sub.Ch():
			om, ok := sig.Payload.(fsm.OutboundMessage)
			if !ok {
				continue
			}
			if _, err := fmt.Fprintln(e.out, om.Text); err != nil {
				e.logger.Error("cli extremity: write failed", "error", err)
			}
		}
	}
}
