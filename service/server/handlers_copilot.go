package server

import (
	"errors"
	"fmt"
	"net/http"

	"pinga/service/devflow"
	"pinga/service/relay"
	"pinga/service/util"
)

type commandResponse struct {
	OK      bool   `json:"ok"`
	TaskID  string `json:"taskId"`
	Message string `json:"message"`
}

// handleCopilotCommand forwards a structured devflow command to the agent
// host and remembers which chat the task came from.
func (s *Server) handleCopilotCommand(w http.ResponseWriter, r *http.Request) {
	var req devflow.Request
	if err := util.DecodeJSON(r, &req); err != nil {
		util.JSONError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if err := req.Validate(); err != nil {
		util.JSONError(w, err.Error(), http.StatusBadRequest)
		return
	}

	err := s.forwarder.Forward(r.Context(), req)
	if err == nil {
		util.WriteJSON(w, http.StatusOK, commandResponse{
			OK:      true,
			TaskID:  req.TaskID,
			Message: "Command forwarded to Agent Host",
		})
		return
	}

	if errors.Is(err, devflow.ErrAgentNotConfigured) {
		util.JSONError(w, "Agent Host not configured", http.StatusServiceUnavailable)
		return
	}
	if status, ok := devflow.AgentStatus(err); ok {
		s.logger.Warn("Agent host rejected command", "taskID", req.TaskID, "status", status)
		util.JSONError(w, fmt.Sprintf("Agent Host error: %d", status), http.StatusBadGateway)
		return
	}
	util.LogAndError(w, s.logger, "Internal server error", http.StatusInternalServerError, err)
}

type taskUpdateResponse struct {
	OK        bool          `json:"ok"`
	Delivered bool          `json:"delivered"`
	Channel   relay.Channel `json:"channel"`
}

// handleTaskUpdate relays an agent progress update to the originating chat.
func (s *Server) handleTaskUpdate(w http.ResponseWriter, r *http.Request) {
	var u relay.Update
	if err := util.DecodeJSON(r, &u); err != nil {
		util.JSONError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if u.TaskID == "" {
		util.JSONError(w, "taskId is required", http.StatusBadRequest)
		return
	}

	out, err := s.tasks.Receive(r.Context(), u)
	switch {
	case err == nil:
		util.WriteJSON(w, http.StatusOK, taskUpdateResponse{OK: true, Delivered: out.Delivered, Channel: out.Channel})
	case errors.Is(err, relay.ErrTaskNotFound):
		util.JSONError(w, "Task not found", http.StatusNotFound)
	case errors.Is(err, relay.ErrInvalidStatus):
		util.JSONError(w, err.Error(), http.StatusBadRequest)
	default:
		util.LogAndError(w, s.logger, "Internal server error", http.StatusInternalServerError, err)
	}
}
