package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"pinga/service/credentials"
	"pinga/service/events"
	"pinga/service/notification"
	"pinga/service/subscription"
	"pinga/service/util"
)

// writeStoreError maps store sentinel errors onto HTTP statuses.
func (s *Server) writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, subscription.ErrUserNotFound):
		util.JSONError(w, "User not found", http.StatusNotFound)
	case errors.Is(err, subscription.ErrChannelNotFound):
		util.JSONError(w, "Channel not found", http.StatusNotFound)
	case errors.Is(err, subscription.ErrInstallationNotFound):
		util.JSONError(w, "Installation not found", http.StatusNotFound)
	case errors.Is(err, subscription.ErrEmailTaken):
		util.JSONError(w, "Email already registered", http.StatusConflict)
	case errors.Is(err, credentials.ErrReservedPrefix):
		util.JSONError(w, err.Error(), http.StatusBadRequest)
	default:
		util.LogAndError(w, s.logger, "Internal server error", http.StatusInternalServerError, err)
	}
}

func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := s.users.ListUsers(r.Context())
	if err != nil {
		s.writeStoreError(w, err)
		return
	}

	out := make([]subscription.User, len(users))
	for i, u := range users {
		out[i] = u.Redacted()
	}
	util.WriteJSON(w, http.StatusOK, out)
}

type createUserRequest struct {
	Email            string                   `json:"email"`
	TelegramChatID   string                   `json:"telegramChatId"`
	TelegramBotToken string                   `json:"telegramBotToken"`
	Preferences      subscription.Preferences `json:"preferences"`
}

func (s *Server) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req createUserRequest
	if err := util.DecodeJSON(r, &req); err != nil {
		util.JSONError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Email) == "" {
		util.JSONError(w, "email is required", http.StatusBadRequest)
		return
	}

	u := &subscription.User{
		Email:            req.Email,
		TelegramChatID:   req.TelegramChatID,
		TelegramBotToken: req.TelegramBotToken,
		Preferences:      req.Preferences,
		Channels:         []subscription.Channel{},
	}
	if err := s.users.CreateUser(r.Context(), u); err != nil {
		s.writeStoreError(w, err)
		return
	}

	s.logger.Info("User created", "userId", u.ID)
	util.WriteJSON(w, http.StatusCreated, u.Redacted())
}

func (s *Server) handleGetUser(w http.ResponseWriter, r *http.Request) {
	u, err := s.users.GetUser(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	util.WriteJSON(w, http.StatusOK, u.Redacted())
}

func (s *Server) handleDeleteUser(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.users.DeleteUser(r.Context(), id); err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.logger.Info("User deleted", "userId", id)
	util.WriteJSON(w, http.StatusOK, map[string]string{"status": "deleted", "userId": id})
}

func (s *Server) handleUpdatePreferences(w http.ResponseWriter, r *http.Request) {
	var prefs subscription.Preferences
	if err := util.DecodeJSON(r, &prefs); err != nil {
		util.JSONError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	id := chi.URLParam(r, "id")
	if err := s.users.UpdatePreferences(r.Context(), id, prefs); err != nil {
		s.writeStoreError(w, err)
		return
	}
	util.WriteJSON(w, http.StatusOK, prefs)
}

func (s *Server) handleListChannels(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.users.GetUser(r.Context(), id); err != nil {
		s.writeStoreError(w, err)
		return
	}

	channels, err := s.users.ListChannels(r.Context(), id)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}

	out := make([]subscription.Channel, len(channels))
	for i, ch := range channels {
		out[i] = ch.Redacted()
	}
	util.WriteJSON(w, http.StatusOK, out)
}

type channelRequest struct {
	Type    subscription.ChannelType   `json:"type"`
	Name    string                     `json:"name"`
	Enabled *bool                      `json:"enabled"`
	Config  json.RawMessage            `json:"config"`
	Rules   *subscription.WebhookRules `json:"webhookRules"`
}

func (s *Server) handleCreateChannel(w http.ResponseWriter, r *http.Request) {
	var req channelRequest
	if err := util.DecodeJSON(r, &req); err != nil {
		util.JSONError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	ch := &subscription.Channel{
		UserID:  chi.URLParam(r, "id"),
		Type:    req.Type,
		Name:    req.Name,
		Enabled: req.Enabled == nil || *req.Enabled,
		Config:  req.Config,
	}
	if req.Rules != nil {
		ch.Rules = *req.Rules
	}
	if len(ch.Config) == 0 {
		ch.Config = json.RawMessage("{}")
	}

	if _, err := ch.Decode(); err != nil {
		util.JSONError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.users.AddChannel(r.Context(), ch); err != nil {
		s.writeStoreError(w, err)
		return
	}

	s.logger.Info("Channel added", "userId", ch.UserID, "channelId", ch.ID, "type", ch.Type)
	util.WriteJSON(w, http.StatusCreated, ch.Redacted())
}

// handleUpdateChannel applies the fields present in the request. Redacted
// secrets sent back unchanged keep their stored values.
func (s *Server) handleUpdateChannel(w http.ResponseWriter, r *http.Request) {
	var req channelRequest
	if err := util.DecodeJSON(r, &req); err != nil {
		util.JSONError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	ch, err := s.users.GetChannel(r.Context(), chi.URLParam(r, "channelId"))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	if req.Type != "" && req.Type != ch.Type {
		util.JSONError(w, "Channel type cannot be changed", http.StatusBadRequest)
		return
	}

	if req.Name != "" {
		ch.Name = req.Name
	}
	if req.Enabled != nil {
		ch.Enabled = *req.Enabled
	}
	if len(req.Config) > 0 {
		// Unreadable stored secrets cannot be restored and must be sent again.
		prev := ch.Config
		if ch.LoadError() != nil {
			prev = json.RawMessage("{}")
		}
		*ch = ch.WithConfig(subscription.RestoreSecrets(ch.Type, req.Config, prev))
	}
	if req.Rules != nil {
		ch.Rules = *req.Rules
	}

	if ch.LoadError() == nil {
		if _, err := ch.Decode(); err != nil {
			util.JSONError(w, err.Error(), http.StatusBadRequest)
			return
		}
	}
	if err := s.users.UpdateChannel(r.Context(), ch); err != nil {
		s.writeStoreError(w, err)
		return
	}
	util.WriteJSON(w, http.StatusOK, ch.Redacted())
}

func (s *Server) handleDeleteChannel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "channelId")
	if err := s.users.DeleteChannel(r.Context(), id); err != nil {
		s.writeStoreError(w, err)
		return
	}
	util.WriteJSON(w, http.StatusOK, map[string]string{"status": "deleted", "channelId": id})
}

// handleTestChannel sends a fixed notification through one channel,
// ignoring its rules and the owner's source allow-list.
func (s *Server) handleTestChannel(w http.ResponseWriter, r *http.Request) {
	ch, err := s.users.GetChannel(r.Context(), chi.URLParam(r, "channelId"))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}

	ch.Enabled = true
	ch.Rules = subscription.WebhookRules{}

	p := notification.Payload{Title: "Test notification", Emoji: "🔔", Source: "pinga"}
	p.AddField("Channel", ch.DisplayName())
	p.AddLink("Dashboard", s.cfg.PublicURL)

	report := s.integrations.Dispatcher.Send(r.Context(), &subscription.User{ID: ch.UserID, Channels: []subscription.Channel{*ch}}, p)
	util.WriteJSON(w, http.StatusOK, map[string]any{
		"sent":    report.Delivered(),
		"results": report.Results,
	})
}

func (s *Server) handleListInstallations(w http.ResponseWriter, r *http.Request) {
	installs, err := s.users.ListInstallations(r.Context())
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	if installs == nil {
		installs = []subscription.Installation{}
	}
	util.WriteJSON(w, http.StatusOK, installs)
}

type claimRequest struct {
	UserID string `json:"userId"`
}

func (s *Server) handleClaimInstallation(w http.ResponseWriter, r *http.Request) {
	installationID, err := strconv.ParseInt(chi.URLParam(r, "installationId"), 10, 64)
	if err != nil || installationID <= 0 {
		util.JSONError(w, "Invalid installation id", http.StatusBadRequest)
		return
	}

	var req claimRequest
	if err := util.DecodeJSON(r, &req); err != nil || req.UserID == "" {
		util.JSONError(w, "userId is required", http.StatusBadRequest)
		return
	}

	if err := s.users.ClaimInstallation(r.Context(), installationID, req.UserID); err != nil {
		s.writeStoreError(w, err)
		return
	}

	s.logger.Info("Installation claimed", "installationId", installationID, "userId", req.UserID)
	inst, err := s.users.GetInstallation(r.Context(), installationID)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	util.WriteJSON(w, http.StatusOK, inst)
}

func (s *Server) handleGetEvent(w http.ResponseWriter, r *http.Request) {
	ev, err := s.events.Get(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, events.ErrEventNotFound) {
		util.JSONError(w, "Event not found", http.StatusNotFound)
		return
	}
	if err != nil {
		util.LogAndError(w, s.logger, "Internal server error", http.StatusInternalServerError, err)
		return
	}
	util.WriteJSON(w, http.StatusOK, ev)
}

type statsResponse struct {
	subscription.Stats
	Events map[events.Status]int `json:"events"`
	Uptime string                `json:"uptime"`
}

func (s *Server) handleGetStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.users.Stats(r.Context())
	if err != nil {
		util.LogAndError(w, s.logger, "Internal server error", http.StatusInternalServerError, err)
		return
	}
	counts, err := s.events.Counts(r.Context())
	if err != nil {
		util.LogAndError(w, s.logger, "Internal server error", http.StatusInternalServerError, err)
		return
	}
	util.WriteJSON(w, http.StatusOK, statsResponse{Stats: st, Events: counts, Uptime: util.FormatUptime(time.Since(s.startTime))})
}
