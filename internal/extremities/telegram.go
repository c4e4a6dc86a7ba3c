package extremities

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/basket/nervecore/internal/bus"
	"github.com/basket/nervecore/internal/fsm"
)

// streamState tracks progressive editing for a single correlation ID so a
// rapid run of small chunks collapses into edits of one message rather
// than a flood of new ones.
type streamState struct {
	chatID    int64
	messageID int
	text      strings.Builder
	lastEdit  time.Time
}

const streamEditInterval = time.Second

// TelegramExtremity is the outbound half of the Telegram channel: it
// subscribes to "outbound.telegram" and sends or progressively edits
// messages in the target chat.
type TelegramExtremity struct {
	bot    *tgbotapi.BotAPI
	busB   *bus.Bus
	logger *slog.Logger

	streamMu sync.Mutex
	streams  map[string]*streamState // correlation_id -> stream state
}

// NewTelegramExtremity builds an extremity around an already-authenticated
// bot client, shared with the paired sense so both halves poll and post
// through one Telegram session.
func NewTelegramExtremity(bot *tgbotapi.BotAPI, b *bus.Bus, logger *slog.Logger) *TelegramExtremity {
	return &TelegramExtremity{bot: bot, busB: b, logger: logger, streams: make(map[string]*streamState)}
}

func (e *TelegramExtremity) Key() string { return "telegram" }

func (e *TelegramExtremity) Start(ctx context.Context) error {
	sub := e.busB.Subscribe("outbound.telegram")
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
			e.deliver(om)
		}
	}
}

func (e *TelegramExtremity) deliver(om fsm.OutboundMessage) {
	chatID, err := strconv.ParseInt(om.Target, 10, 64)
	if err != nil {
		e.logger.Error("telegram extremity: bad chat target", "target", om.Target, "error", err)
		return
	}

	if om.CorrelationID == "" {
		e.reply(chatID, om.Text)
		return
	}

	e.streamMu.Lock()
	st, streaming := e.streams[om.CorrelationID]
	if !streaming {
		st = &streamState{chatID: chatID}
		e.streams[om.CorrelationID] = st
	}
	st.text.WriteString(om.Text)
	full := st.text.String()
	shouldEdit := streaming && time.Since(st.lastEdit) >= streamEditInterval
	e.streamMu.Unlock()

	if !streaming {
		msgID := e.reply(chatID, full)
		e.streamMu.Lock()
		st.messageID = msgID
		st.lastEdit = time.Now()
		e.streamMu.Unlock()
		return
	}
	if shouldEdit && st.messageID != 0 {
		e.editMessageText(chatID, st.messageID, full)
		e.streamMu.Lock()
		st.lastEdit = time.Now()
		e.streamMu.Unlock()
	}
}

// Finalize flushes and forgets any in-flight stream for a correlation ID,
// performing one last edit with the accumulated text.
func (e *TelegramExtremity) Finalize(correlationID string) {
	e.streamMu.Lock()
	st, ok := e.streams[correlationID]
	if ok {
		delete(e.streams, correlationID)
	}
	e.streamMu.Unlock()
	if !ok || st.messageID == 0 {
		return
	}
	e.editMessageText(st.chatID, st.messageID, st.text.String())
}

func (e *TelegramExtremity) reply(chatID int64, text string) int {
	msg := tgbotapi.NewMessage(chatID, text)
	sent, err := e.bot.Send(msg)
	if err != nil {
		e.logger.Error("telegram extremity: send failed", "error", err)
		return 0
	}
	return sent.MessageID
}

func (e *TelegramExtremity) editMessageText(chatID int64, messageID int, text string) {
	edit := tgbotapi.NewEditMessageText(chatID, messageID, text)
	if _, err := e.bot.Send(edit); err != nil {
		e.logger.Warn("telegram extremity: progressive edit failed", "error", err)
	}
}

// escapeMarkdownV2 escapes Telegram MarkdownV2 special characters.
func escapeMarkdownV2(s string) string {
	const specialChars = "_*[]()~>#+-=|{}.!"
	result := make([]byte, 0, len(s)*2)
	for i := 0; i < len(s); i++ {
		c := s[i]
		if strings.ContainsAny(string(c), specialChars) {
			result = append(result, '\\')
		}
		result = append(result, c)
	}
	return string(result)
}
