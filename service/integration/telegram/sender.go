package telegram

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/mymmrac/telego"

	"pinga/service/delivery"
	"pinga/service/notification"
	"pinga/service/subscription"
)

// Sender delivers notifications to Telegram chats. Channel configs without
// a chat or token fall back to the global bot and chat.
type Sender struct {
	client        *Client
	defaultChatID string
	defaultToken  string
	logger        *slog.Logger
}

func NewSender(client *Client, defaultChatID, defaultToken string, logger *slog.Logger) *Sender {
	return &Sender{
		client:        client,
		defaultChatID: defaultChatID,
		defaultToken:  defaultToken,
		logger:        logger,
	}
}

func (s *Sender) Send(ctx context.Context, cfg subscription.ChannelConfig, p notification.Payload) delivery.Result {
	tg, ok := cfg.(subscription.TelegramConfig)
	if !ok {
		return delivery.Failure(delivery.NewPermanentError(fmt.Errorf("telegram sender got %T config", cfg)))
	}
	tg = tg.WithDefaults(s.defaultChatID, s.defaultToken)

	if tg.ChatID == "" || tg.BotToken == "" {
		s.logger.Warn("Telegram channel missing credentials")
		return delivery.Failure(delivery.NewPermanentError(fmt.Errorf("missing Telegram chatId or botToken")))
	}

	if err := s.client.SendMessage(ctx, tg.BotToken, tg.ChatID, Format(p), telego.ModeMarkdownV2); err != nil {
		s.logger.Error("Failed to send telegram message", "chatID", tg.ChatID, "error", err)
		return delivery.Failure(err)
	}
	return delivery.Success()
}

// Messenger sends conversational replies and task updates through the
// global bot unless a token is given.
type Messenger struct {
	client       *Client
	defaultToken string
}

func NewMessenger(client *Client, defaultToken string) *Messenger {
	return &Messenger{client: client, defaultToken: defaultToken}
}

func (m *Messenger) Markup() notification.Markup {
	return Markdown{}
}

// SendFormatted sends an already escaped MarkdownV2 message.
func (m *Messenger) SendFormatted(ctx context.Context, token, chatID, text string) error {
	if token == "" {
		token = m.defaultToken
	}
	return m.client.SendMessage(ctx, token, chatID, text, telego.ModeMarkdownV2)
}

// Reply sends plain text through the global bot.
func (m *Messenger) Reply(ctx context.Context, chatID, text string) error {
	return m.client.SendMessage(ctx, m.defaultToken, chatID, text, "")
}
