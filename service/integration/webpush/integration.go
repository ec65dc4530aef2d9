package webpush

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
)

type Integration struct {
	Sender   *Sender
	handlers *Handlers
}

func NewIntegration(channels Channels, httpClient *http.Client, subscriber string, logger *slog.Logger) *Integration {
	return &Integration{
		Sender:   NewSender(httpClient, subscriber, logger),
		handlers: NewHandlers(channels, logger),
	}
}

func (i *Integration) Name() string { return "webpush" }

func (i *Integration) RegisterRoutes(router chi.Router, auth func(http.Handler) http.Handler) {
	router.Group(func(r chi.Router) {
		r.Use(auth)
		r.Post("/api/admin/users/{id}/webpush", i.handlers.HandleRegister)
		r.Delete("/api/admin/webpush/{channelId}", i.handlers.HandleUnregister)
	})
}

func (i *Integration) Start(ctx context.Context, logger *slog.Logger) {}

func (i *Integration) IsEnabled() bool {
	return true
}
