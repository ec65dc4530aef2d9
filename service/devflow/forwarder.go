package devflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"pinga/service/delivery"
	"pinga/service/relay"
)

var ErrAgentNotConfigured = errors.New("agent host url not configured")

type Source struct {
	Channel   relay.Channel `json:"channel"`
	ChatID    string        `json:"chatId"`
	MessageID string        `json:"messageId"`
}

type Payload struct {
	Intent          Intent         `json:"intent"`
	Repo            string         `json:"repo"`
	Branch          string         `json:"branch,omitempty"`
	NaturalLanguage string         `json:"naturalLanguage"`
	Context         map[string]any `json:"context,omitempty"`
}

// Request is the command body accepted by the agent host.
type Request struct {
	TaskID  string  `json:"taskId"`
	Source  Source  `json:"source"`
	Payload Payload `json:"payload"`
}

func (r Request) Validate() error {
	switch {
	case r.TaskID == "":
		return errors.New("taskId is required")
	case r.Source.ChatID == "":
		return errors.New("source.chatId is required")
	case !r.Source.Channel.Valid():
		return fmt.Errorf("unsupported source channel %q", r.Source.Channel)
	case r.Payload.Intent == "":
		return errors.New("payload.intent is required")
	case r.Payload.Repo == "":
		return errors.New("payload.repo is required")
	}
	return nil
}

// Tracker records where a task's progress updates go.
type Tracker interface {
	Store(ctx context.Context, taskID, chatID string, ch relay.Channel, token string) error
}

// Forwarder hands devflow requests to the agent host.
type Forwarder struct {
	agentURL string
	client   *http.Client
	tracker  Tracker
	logger   *slog.Logger
}

func NewForwarder(agentURL string, client *http.Client, tracker Tracker, logger *slog.Logger) *Forwarder {
	return &Forwarder{agentURL: agentURL, client: client, tracker: tracker, logger: logger}
}

// Forward stores the task mapping and posts req to the agent host. A
// rejected request surfaces as a *delivery.HTTPError.
func (f *Forwarder) Forward(ctx context.Context, req Request) error {
	if f.agentURL == "" {
		return ErrAgentNotConfigured
	}

	f.logger.Info("Forwarding devflow command", "intent", req.Payload.Intent, "repo", req.Payload.Repo, "taskID", req.TaskID)

	if err := f.tracker.Store(ctx, req.TaskID, req.Source.ChatID, req.Source.Channel, ""); err != nil {
		return fmt.Errorf("failed to store task mapping: %w", err)
	}

	if err := delivery.PostJSON(ctx, f.client, "Agent Host", f.agentURL+"/command", req, nil); err != nil {
		return err
	}

	f.logger.Info("Agent host accepted task", "taskID", req.TaskID)
	return nil
}

// AgentStatus returns the agent host's HTTP status when err is a rejection.
func AgentStatus(err error) (int, bool) {
	var httpErr *delivery.HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode, true
	}
	return 0, false
}
