package senses

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// TelegramSense is the inbound half of the Telegram channel: it long-polls
// updates and turns each into a durable telegram.message_received signal.
// Outbound delivery lives in the paired extremity, not here. Both halves
// share one authenticated bot client so they poll and post through a
// single Telegram session.
type TelegramSense struct {
	bot        *tgbotapi.BotAPI
	allowedIDs map[int64]struct{}
	pub        *Publisher
	logger     *slog.Logger
}

// NewTelegramSense builds a Telegram sense around an already-authenticated
// bot. allowedIDs restricts which Telegram user IDs are accepted; an empty
// list accepts everyone.
func NewTelegramSense(bot *tgbotapi.BotAPI, allowedIDs []int64, pub *Publisher, logger *slog.Logger) *TelegramSense {
	allowed := make(map[int64]struct{}, len(allowedIDs))
	for _, id := range allowedIDs {
		allowed[id] = struct{}{}
	}
	return &TelegramSense{bot: bot, allowedIDs: allowed, pub: pub, logger: logger}
}

func (t *TelegramSense) Key() string { return "telegram" }

func (t *TelegramSense) Start(ctx context.Context) error {
	t.logger.Info("telegram sense started", "bot_user", t.bot.Self.UserName)

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		if ctx.Err() != nil {
			return nil
		}

		u := tgbotapi.NewUpdate(0)
		u.Timeout = 60
		updates := t.bot.GetUpdatesChan(u)

		pollErr := t.pollUpdates(ctx, updates)
		t.bot.StopReceivingUpdates()

		if pollErr != nil {
			t.logger.Warn("telegram sense disconnected, reconnecting", "error", pollErr, "backoff", backoff)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		return nil
	}
}

// pollUpdates drains updates until ctx is done, the channel closes, or the
// long-poll has stalled for more than 2.5x its own timeout.
func (t *TelegramSense) pollUpdates(ctx context.Context, updates tgbotapi.UpdatesChannel) error {
	const stallTimeout = 150 * time.Second

	timer := time.NewTimer(stallTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-updates:
			if !ok {
				return fmt.Errorf("telegram update channel closed")
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(stallTimeout)

			if update.Message != nil {
				t.handleMessage(ctx, update.Message)
			}
		case <-timer.C:
			return fmt.Errorf("no telegram updates for %v", stallTimeout)
		}
	}
}

func (t *TelegramSense) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	if len(t.allowedIDs) > 0 {
		if _, ok := t.allowedIDs[msg.From.ID]; !ok {
			t.logger.Warn("telegram sense access denied", "user_id", msg.From.ID, "user_name", msg.From.UserName)
			return
		}
	}

	text := strings.TrimSpace(msg.Text)
	corrID := uuid.NewString()
	signalID := fmt.Sprintf("telegram-update-%d", msg.MessageID)

	inbound := InboundMessage{
		Text:          text,
		ChannelType:   "telegram",
		ChannelTarget: fmt.Sprintf("%d", msg.Chat.ID),
		UserID:        fmt.Sprintf("%d", msg.From.ID),
		UserName:      msg.From.UserName,
		Timestamp:     time.Unix(int64(msg.Date), 0).UTC().Format(time.RFC3339),
		CorrelationID: corrID,
	}

	if err := t.pub.PublishInbound(ctx, signalID, "telegram.message_received", "telegram", inbound); err != nil {
		t.logger.Error("telegram sense failed to publish inbound signal", "error", err, "correlation_id", corrID)
	}
}
