package integration

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"pinga/service/config"
	"pinga/service/delivery"
	"pinga/service/devflow"
	"pinga/service/integration/discord"
	"pinga/service/integration/email"
	"pinga/service/integration/slack"
	"pinga/service/integration/telegram"
	"pinga/service/integration/webhook"
	"pinga/service/integration/webpush"
	"pinga/service/relay"
	"pinga/service/subscription"
)

type Integration interface {
	Name() string
	RegisterRoutes(router chi.Router, auth func(http.Handler) http.Handler)
	Start(ctx context.Context, logger *slog.Logger)
	IsEnabled() bool
}

type Integrations struct {
	Dispatcher   *delivery.Dispatcher
	Telegram     *telegram.Integration
	Slack        *slack.Integration
	logger       *slog.Logger
	integrations []Integration
}

// Initialize builds every channel integration, registers their senders with
// a new dispatcher and their messengers with the task relay.
func Initialize(cfg *config.Config, store *subscription.Store, tasks *relay.Relay, intake *devflow.Intake, httpClient *http.Client, logger *slog.Logger) *Integrations {
	tg := telegram.NewIntegration(cfg, store, intake, httpClient, logger)
	sl := slack.NewIntegration(cfg, store, intake, httpClient, logger)
	wp := webpush.NewIntegration(store, httpClient, cfg.PublicURL, logger)

	dispatcher := delivery.NewDispatcher(logger)
	dispatcher.RegisterSender(subscription.ChannelTelegram, tg.Sender)
	dispatcher.RegisterSender(subscription.ChannelSlack, sl.Sender)
	dispatcher.RegisterSender(subscription.ChannelDiscord, discord.NewSender(httpClient, logger))
	dispatcher.RegisterSender(subscription.ChannelWebhook, webhook.NewSender(httpClient, logger))
	dispatcher.RegisterSender(subscription.ChannelWebPush, wp.Sender)

	if cfg.IsEmailEnabled() {
		dispatcher.RegisterSender(subscription.ChannelEmail, email.NewSender(email.SMTPConfig{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			Username: cfg.SMTPUsername,
			Password: cfg.SMTPPassword,
			From:     cfg.SMTPFrom,
		}, logger))
	} else {
		logger.Debug("Email channel disabled", "action", "set SMTP_HOST and SMTP_FROM")
	}

	tasks.RegisterMessenger(relay.ChannelTelegram, tg.Messenger)
	tasks.RegisterMessenger(relay.ChannelSlack, sl.Messenger)

	return &Integrations{
		Dispatcher:   dispatcher,
		Telegram:     tg,
		Slack:        sl,
		logger:       logger,
		integrations: []Integration{tg, sl, wp},
	}
}

// RegisterAll mounts routes of every enabled integration.
func (i *Integrations) RegisterAll(router chi.Router, auth func(http.Handler) http.Handler) {
	for _, integration := range i.integrations {
		if integration.IsEnabled() {
			integration.RegisterRoutes(router, auth)
		}
	}
}

func (i *Integrations) Start(ctx context.Context, logger *slog.Logger) {
	for _, integration := range i.integrations {
		if integration.IsEnabled() {
			integration.Start(ctx, logger)
		}
	}
}

// Status reports which integrations are enabled, keyed by name.
func (i *Integrations) Status() map[string]bool {
	status := make(map[string]bool, len(i.integrations))
	for _, integration := range i.integrations {
		status[integration.Name()] = integration.IsEnabled()
	}
	return status
}
