package server

import (
	"context"
	"net/http"
	"time"

	"pinga/service/util"
)

type healthResponse struct {
	Status       string             `json:"status"`
	Version      string             `json:"version"`
	Uptime       string             `json:"uptime"`
	Integrations map[string]bool    `json:"integrations"`
	Telegram     *integrationHealth `json:"telegram,omitempty"`
	AISummary    bool               `json:"aiSummary"`
	Devflow      bool               `json:"devflow"`
}

type integrationHealth struct {
	Linked  bool   `json:"linked"`
	Account string `json:"account,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:       "ok",
		Version:      s.version,
		Uptime:       util.FormatUptime(time.Since(s.startTime)),
		Integrations: s.integrations.Status(),
		AISummary:    s.cfg.IsSummaryEnabled(),
		Devflow:      s.cfg.IsDevflowEnabled(),
	}

	if tg := s.integrations.Telegram; tg != nil && tg.IsEnabled() {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()

		resp.Telegram = &integrationHealth{}
		if bot, err := tg.Client.GetMe(ctx, s.cfg.TelegramBotToken); err == nil {
			resp.Telegram.Linked = true
			resp.Telegram.Account = "@" + bot.Username
		}
	}

	util.WriteJSON(w, http.StatusOK, resp)
}
