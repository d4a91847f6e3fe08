package adapter

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"msghub/internal/domain"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// Telegram is a second pull-model adapter: bot-token session, long-poll
// update cursoring via GetUpdates offsets.
type Telegram struct {
	logger *slog.Logger

	// mu guards the session and the update cursor; a manual sync racing the
	// scheduled one must not double-advance or rewind the offset.
	mu     sync.Mutex
	bot    *tgbotapi.BotAPI
	offset int
}

func NewTelegram(logger *slog.Logger) *Telegram {
	return &Telegram{logger: logger}
}

func (t *Telegram) Platform() domain.Platform { return domain.PlatformTelegram }

func (t *Telegram) Capabilities() domain.Capabilities {
	return domain.Capabilities{
		Send:             true,
		Receive:          true,
		Threads:          true,
		TypingIndicators: true,
		// Updates are delivered reliably but only from the bot's cursor
		// forward; there is no backfill of earlier history.
		MessageHistory:  false,
		ReliableHistory: true,
		Requirements:    []string{"bot token"},
	}
}

func (t *Telegram) Connect(ctx context.Context, creds domain.Credentials) (*domain.ConnectResult, error) {
	if creds.APIToken == "" {
		return nil, fmt.Errorf("telegram: bot token is required")
	}

	bot, err := tgbotapi.NewBotAPI(creds.APIToken)
	if err != nil {
		return nil, fmt.Errorf("telegram bot init: %w", err)
	}

	t.mu.Lock()
	t.bot = bot
	t.offset = 0
	t.mu.Unlock()
	t.logger.Info("telegram bot connected", "username", bot.Self.UserName, "id", bot.Self.ID)

	return &domain.ConnectResult{
		PlatformUserID: strconv.FormatInt(bot.Self.ID, 10),
		DisplayName:    "@" + bot.Self.UserName,
	}, nil
}

func (t *Telegram) Disconnect(ctx context.Context, connectionID string) error {
	t.mu.Lock()
	t.bot = nil
	t.offset = 0
	t.mu.Unlock()
	return nil
}

func (t *Telegram) SendMessage(ctx context.Context, msg domain.OutgoingMessage) (*domain.SendResult, error) {
	t.mu.Lock()
	bot := t.bot
	t.mu.Unlock()
	if bot == nil {
		return nil, fmt.Errorf("telegram: no active session")
	}

	chatID, err := strconv.ParseInt(msg.Recipient, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("telegram: recipient must be a chat id: %w", err)
	}

	sent, err := bot.Send(tgbotapi.NewMessage(chatID, msg.Body))
	if err != nil {
		return nil, fmt.Errorf("telegram send: %w", err)
	}

	return &domain.SendResult{
		ExternalID:       fmt.Sprintf("%d:%d", chatID, sent.MessageID),
		ExternalThreadID: msg.Recipient,
	}, nil
}

// ReceiveMessages drains pending updates past the adapter's offset cursor.
// A repeated call after a crash may re-return updates; dedup is downstream.
// The lock spans the whole pull so a manual sync and a scheduled one cannot
// interleave on the cursor.
func (t *Telegram) ReceiveMessages(ctx context.Context, opts domain.ReceiveOptions) ([]domain.IncomingMessage, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.bot == nil {
		return nil, fmt.Errorf("telegram: no active session")
	}

	cfg := tgbotapi.NewUpdate(t.offset)
	cfg.Timeout = 0 // non-blocking poll; the scheduler supplies the cadence
	if opts.Limit > 0 {
		cfg.Limit = opts.Limit
	}

	updates, err := t.bot.GetUpdates(cfg)
	if err != nil {
		return nil, fmt.Errorf("telegram get updates: %w", err)
	}

	var out []domain.IncomingMessage
	for _, u := range updates {
		if u.UpdateID >= t.offset {
			t.offset = u.UpdateID + 1
		}
		if u.Message == nil || u.Message.Text == "" {
			continue
		}
		m := u.Message
		senderName := ""
		senderID := ""
		if m.From != nil {
			senderID = strconv.FormatInt(m.From.ID, 10)
			senderName = m.From.UserName
			if senderName == "" {
				senderName = m.From.FirstName
			}
		}
		chatID := strconv.FormatInt(m.Chat.ID, 10)
		out = append(out, domain.IncomingMessage{
			ExternalID:       fmt.Sprintf("%d:%d", m.Chat.ID, m.MessageID),
			ExternalThreadID: chatID,
			SenderID:         senderID,
			SenderName:       senderName,
			RecipientID:      chatID,
			Body:             m.Text,
			Type:             domain.TypeText,
			Metadata:         map[string]string{"update_id": strconv.Itoa(u.UpdateID)},
			SentAt:           time.Unix(int64(m.Date), 0),
		})
	}
	return out, nil
}
