package webpush

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"pinga/service/subscription"
	"pinga/service/util"
)

// Channels is the part of the subscription store push registration needs.
type Channels interface {
	AddChannel(ctx context.Context, ch *subscription.Channel) error
	GetChannel(ctx context.Context, id string) (*subscription.Channel, error)
	DeleteChannel(ctx context.Context, id string) error
}

type Handlers struct {
	channels Channels
	logger   *slog.Logger
}

func NewHandlers(channels Channels, logger *slog.Logger) *Handlers {
	return &Handlers{channels: channels, logger: logger}
}

type registerRequest struct {
	Name            string `json:"name"`
	PushEndpoint    string `json:"pushEndpoint"`
	P256dh          string `json:"p256dh,omitempty"`
	Auth            string `json:"auth,omitempty"`
	VapidPrivateKey string `json:"vapidPrivateKey,omitempty"`
}

type registerResponse struct {
	ChannelID string `json:"channelId"`
	UserID    string `json:"userId"`
	Channel   string `json:"channel"`
	Encrypted bool   `json:"encrypted"`
}

// HandleRegister adds a webpush channel to the user in the path.
func (h *Handlers) HandleRegister(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "id")

	var req registerRequest
	if err := util.DecodeJSON(r, &req); err != nil {
		util.JSONError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.PushEndpoint == "" {
		util.JSONError(w, "pushEndpoint is required", http.StatusBadRequest)
		return
	}

	cfg, err := Normalize(subscription.WebPushConfig{
		Endpoint:        req.PushEndpoint,
		P256dh:          req.P256dh,
		Auth:            req.Auth,
		VapidPrivateKey: req.VapidPrivateKey,
	})
	if err != nil {
		util.JSONError(w, err.Error(), http.StatusBadRequest)
		return
	}

	raw, err := json.Marshal(cfg)
	if err != nil {
		util.LogAndError(w, h.logger, "Internal server error", http.StatusInternalServerError, err)
		return
	}

	ch := &subscription.Channel{
		UserID:  userID,
		Type:    subscription.ChannelWebPush,
		Name:    req.Name,
		Enabled: true,
		Config:  raw,
	}
	if err := h.channels.AddChannel(r.Context(), ch); err != nil {
		if errors.Is(err, subscription.ErrUserNotFound) {
			util.JSONError(w, "User not found", http.StatusNotFound)
			return
		}
		util.LogAndError(w, h.logger, "Failed to add webpush channel", http.StatusInternalServerError, err)
		return
	}

	h.logger.Info("Added webpush channel", "user", userID, "channel", ch.ID, "pushEndpoint", cfg.Endpoint)

	util.WriteJSON(w, http.StatusCreated, registerResponse{
		ChannelID: ch.ID,
		UserID:    userID,
		Channel:   subscription.ChannelWebPush.String(),
		Encrypted: cfg.HasEncryption(),
	})
}

// HandleUnregister removes a webpush channel. Other channel types are left alone.
func (h *Handlers) HandleUnregister(w http.ResponseWriter, r *http.Request) {
	channelID := chi.URLParam(r, "channelId")

	ch, err := h.channels.GetChannel(r.Context(), channelID)
	if errors.Is(err, subscription.ErrChannelNotFound) || (err == nil && ch.Type != subscription.ChannelWebPush) {
		util.JSONError(w, "Channel not found", http.StatusNotFound)
		return
	}
	if err != nil {
		util.LogAndError(w, h.logger, "Failed to load channel", http.StatusInternalServerError, err)
		return
	}

	if err := h.channels.DeleteChannel(r.Context(), channelID); err != nil {
		util.LogAndError(w, h.logger, "Failed to delete webpush channel", http.StatusInternalServerError, err)
		return
	}

	h.logger.Info("Deleted webpush channel", "channel", channelID)

	util.WriteJSON(w, http.StatusOK, map[string]string{
		"status":    "deleted",
		"channelId": channelID,
	})
}
