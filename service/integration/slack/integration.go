package slack

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"pinga/service/config"
)

type Integration struct {
	cfg       *config.Config
	Sender    *Sender
	Messenger *Messenger
	handlers  *Handlers
}

func NewIntegration(cfg *config.Config, channels Channels, commands Commands, httpClient *http.Client, logger *slog.Logger) *Integration {
	client := NewClient(DefaultAPIURL, httpClient)
	messenger := NewMessenger(client, cfg.SlackBotToken)
	return &Integration{
		cfg:       cfg,
		Sender:    NewSender(client, httpClient, cfg.SlackBotToken, logger),
		Messenger: messenger,
		handlers:  NewHandlers(channels, messenger, commands, cfg.SlackSigningSecret, logger),
	}
}

func (s *Integration) RegisterRoutes(router chi.Router, _ func(http.Handler) http.Handler) {
	router.Post("/api/webhook/slack", s.handlers.HandleEvents)
}

func (s *Integration) Start(_ context.Context, logger *slog.Logger) {
	if s.cfg.SlackSigningSecret == "" {
		logger.Warn("Slack enabled", "status", "events disabled", "action", "set SLACK_SIGNING_SECRET")
		return
	}
	logger.Info("Slack enabled")
}

func (s *Integration) IsEnabled() bool {
	return s.cfg.IsSlackEnabled()
}

func (s *Integration) Name() string {
	return "slack"
}
