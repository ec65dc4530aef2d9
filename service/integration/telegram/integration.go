package telegram

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"pinga/service/config"
)

type Integration struct {
	cfg       *config.Config
	Client    *Client
	Sender    *Sender
	Messenger *Messenger
	handlers  *Handlers
	logger    *slog.Logger
}

func NewIntegration(cfg *config.Config, users Users, commands Commands, httpClient *http.Client, logger *slog.Logger) *Integration {
	client := NewClient(cfg.TelegramAPIURL, httpClient)
	messenger := NewMessenger(client, cfg.TelegramBotToken)

	handlers := NewHandlers(users, messenger, commands, cfg.TelegramSecretToken, logger)
	handlers.SetBotUsername(cfg.TelegramBotUsername)

	return &Integration{
		cfg:       cfg,
		Client:    client,
		Sender:    NewSender(client, cfg.TelegramChatID, cfg.TelegramBotToken, logger),
		Messenger: messenger,
		handlers:  handlers,
		logger:    logger,
	}
}

func (t *Integration) RegisterRoutes(router chi.Router, auth func(http.Handler) http.Handler) {
	router.Post("/api/webhook/telegram", t.handlers.HandleWebhook)
	router.With(auth).Get("/api/admin/users/{id}/telegram-link", t.handlers.HandleLink)
}

// Start resolves the bot username for deep links when it was not configured.
func (t *Integration) Start(ctx context.Context, logger *slog.Logger) {
	me, err := t.Client.GetMe(ctx, t.cfg.TelegramBotToken)
	if err != nil {
		logger.Warn("Telegram enabled", "status", "unreachable", "error", err)
		return
	}
	if t.handlers.username() == "" {
		t.handlers.SetBotUsername(me.Username)
	}
	logger.Info("Telegram enabled", "bot", "@"+me.Username)
}

func (t *Integration) IsEnabled() bool {
	return t.cfg.IsTelegramEnabled()
}

func (t *Integration) Name() string {
	return "telegram"
}
