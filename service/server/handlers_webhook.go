package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/go-github/v68/github"

	"pinga/service/analyzer"
	"pinga/service/delivery"
	"pinga/service/events"
	"pinga/service/routing"
	"pinga/service/util"
)

const webhookFailed = "Failed to process webhook"

type webhookResponse struct {
	Success    bool              `json:"success"`
	Source     string            `json:"source"`
	SourceHint string            `json:"sourceHint"`
	EventType  string            `json:"eventType"`
	PayloadID  string            `json:"payloadId"`
	PayloadURL string            `json:"payloadUrl"`
	Sent       bool              `json:"sent"`
	RoutedVia  routing.Via       `json:"routedVia,omitempty"`
	Results    []delivery.Result `json:"results"`
}

// handleWebhook accepts an event from any source, stores it, analyzes it
// and fans the notification out to the resolved user's channels.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	source := strings.ToLower(chi.URLParam(r, "source"))

	// Chat platforms have their own routes when enabled.
	if source == "telegram" || source == "slack" {
		util.JSONError(w, "Integration not enabled", http.StatusNotFound)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, util.MaxBodyBytes))
	if err != nil {
		util.JSONError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if s.cfg.GitHubWebhookSecret != "" && (source == analyzer.SourceGitHub || (analyzer.GitHub{}).CanHandle(r.Header)) {
		if err := github.ValidateSignature(r.Header.Get(github.SHA256SignatureHeader), body, []byte(s.cfg.GitHubWebhookSecret)); err != nil {
			s.logger.Warn("Rejected GitHub webhook", "error", err, "ip", util.GetClientIP(r))
			util.JSONError(w, "Invalid signature", http.StatusUnauthorized)
			return
		}
	}

	if !json.Valid(body) {
		s.logger.Warn("Webhook body is not JSON", "source", source)
		util.JSONError(w, webhookFailed, http.StatusInternalServerError)
		return
	}

	ev := &events.Event{Source: source, Payload: body}
	if err := s.events.Save(ctx, ev); err != nil {
		util.LogAndError(w, s.logger, webhookFailed, http.StatusInternalServerError, err)
		return
	}

	res, err := s.analyzers.Analyze(source, body, r.Header)
	if err != nil {
		s.markEvent(r, ev.ID, events.StatusFailed, err)
		util.LogAndError(w, s.logger, webhookFailed, http.StatusInternalServerError, err)
		return
	}

	if err := s.resolver.ApplyInstallation(ctx, res.Installation); err != nil {
		s.logger.Error("Failed to record installation change", "installationId", res.InstallationID, "error", err)
	}

	resp := webhookResponse{
		Success:    true,
		Source:     res.Source,
		SourceHint: source,
		EventType:  res.EventType,
		PayloadID:  ev.ID,
		PayloadURL: s.payloadURL(ev.ID),
		Results:    []delivery.Result{},
	}

	target, err := s.resolver.Resolve(ctx, routing.Inbound{
		InstallationID: res.InstallationID,
		UserID:         r.URL.Query().Get("userId"),
	})
	switch {
	case errors.Is(err, routing.ErrNoRecipient):
		s.logger.Warn("No recipient for webhook, skipping notification", "source", res.Source, "event", res.EventType)
		s.markEvent(r, ev.ID, events.StatusIgnored, err)
		util.WriteJSON(w, http.StatusOK, resp)
		return
	case err != nil:
		s.markEvent(r, ev.ID, events.StatusFailed, err)
		util.LogAndError(w, s.logger, webhookFailed, http.StatusInternalServerError, err)
		return
	}

	p := res.Notification
	p.PayloadURL = resp.PayloadURL
	p.RawPayload = body
	s.resolver.Enrich(ctx, target, &p)

	report := s.integrations.Dispatcher.Send(ctx, target.User, p)
	resp.Sent = report.Delivered()
	resp.RoutedVia = target.Via
	resp.Results = report.Results

	switch {
	case len(report.Results) == 0:
		s.markEvent(r, ev.ID, events.StatusIgnored, nil)
	case resp.Sent:
		s.markEvent(r, ev.ID, events.StatusProcessed, nil)
	default:
		s.markEvent(r, ev.ID, events.StatusFailed, fmt.Errorf("all %d channels failed", len(report.Results)))
	}

	s.logger.Info("Webhook processed",
		"source", res.Source,
		"event", res.EventType,
		"via", target.Via,
		"delivered", report.SuccessCount(),
		"channels", len(report.Results),
	)
	util.WriteJSON(w, http.StatusOK, resp)
}

func (s *Server) markEvent(r *http.Request, id string, status events.Status, cause error) {
	var msg string
	if cause != nil {
		msg = cause.Error()
	}
	if err := s.events.UpdateStatus(r.Context(), id, status, msg); err != nil {
		s.logger.Error("Failed to update event status", "eventId", id, "status", status, "error", err)
	}
}

func (s *Server) payloadURL(id string) string {
	return s.cfg.PublicURL + "/api/payloads/" + id
}

// handleGetPayload serves the raw body of a stored webhook. Event IDs are
// random UUIDs and act as capability links from notifications.
func (s *Server) handleGetPayload(w http.ResponseWriter, r *http.Request) {
	ev, err := s.events.Get(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, events.ErrEventNotFound) {
		util.JSONError(w, "Payload not found", http.StatusNotFound)
		return
	}
	if err != nil {
		util.LogAndError(w, s.logger, "Internal server error", http.StatusInternalServerError, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(ev.Payload) //nolint:errcheck
}
