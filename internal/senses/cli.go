package senses

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
)

// CLISense reads newline-delimited operator input from an io.Reader (stdin
// in production) and turns each non-empty line into a cli.message_received
// signal. Intended for local operation and smoke testing without a channel.
type CLISense struct {
	in     io.Reader
	target string
	userID string
	pub    *Publisher
	logger *slog.Logger
}

// NewCLISense builds a CLI sense reading from in, attributing signals to
// userID/target for downstream principal lookups.
func NewCLISense(in io.Reader, userID, target string, pub *Publisher, logger *slog.Logger) *CLISense {
	return &CLISense{in: in, target: target, userID: userID, pub: pub, logger: logger}
}

func (c *CLISense) Key() string { return "cli" }

func (c *CLISense) Start(ctx context.Context) error {
	lines := make(chan string)
	scanErr := make(chan error, 1)

	go func() {
		scanner := bufio.NewScanner(c.in)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		scanErr <- scanner.Err()
		close(lines)
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return <-scanErr
			}
			c.handleLine(ctx, line)
		}
	}
}

func (c *CLISense) handleLine(ctx context.Context, line string) {
	text := strings.TrimSpace(line)
	if text == "" {
		return
	}

	corrID := uuid.NewString()
	inbound := InboundMessage{
		Text:          text,
		ChannelType:   "cli",
		ChannelTarget: c.target,
		UserID:        c.userID,
		UserName:      c.userID,
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		CorrelationID: corrID,
	}

	signalID := fmt.Sprintf("cli-%s", corrID)
	if err := c.pub.PublishInbound(ctx, signalID, "cli.message_received", "cli", inbound); err != nil {
		c.logger.Error("cli sense failed to publish inbound signal", "error", err, "correlation_id", corrID)
	}
}
