package devflow

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"pinga/service/notification"
)

// Intake turns chat messages into agent tasks and composes the reply the
// chat should see.
type Intake struct {
	forwarder *Forwarder
	logger    *slog.Logger
	newID     func() string
}

func NewIntake(forwarder *Forwarder, logger *slog.Logger) *Intake {
	return &Intake{forwarder: forwarder, logger: logger, newID: uuid.NewString}
}

// Handle reports handled=false when text is not a devflow command. Otherwise
// reply holds the help text, a usage hint, a confirmation or a failure
// notice, formatted with m.
func (in *Intake) Handle(ctx context.Context, src Source, text string, m notification.Markup) (reply string, handled bool) {
	cmd := Parse(text)
	if !cmd.IsDevflow {
		return "", false
	}

	if cmd.Intent == "" {
		return HelpText(m), true
	}

	if cmd.Repo == "" {
		desc := cmd.Description
		if desc == "" {
			desc = "description"
		}
		return "❌ " + m.Escape("Please specify a repository!\n\nExample:\n") +
			m.Code("!devflow "+string(cmd.Intent)+" owner/repo "+desc), true
	}

	req := Request{
		TaskID: in.newID(),
		Source: src,
		Payload: Payload{
			Intent:          cmd.Intent,
			Repo:            cmd.Repo,
			Branch:          cmd.Branch,
			NaturalLanguage: cmd.Description,
		},
	}

	if err := in.forwarder.Forward(ctx, req); err != nil {
		in.logger.Error("Failed to forward devflow command", "taskID", req.TaskID, "channel", src.Channel, "error", err)
		return "❌ " + m.Escape("Failed to process Devflow command. Please try again later."), true
	}

	return Started(req, m), true
}

// Started confirms a forwarded task.
func Started(req Request, m notification.Markup) string {
	body := "Intent: " + string(req.Payload.Intent) + "\n" +
		"Repository: " + req.Payload.Repo + "\n"
	if req.Payload.Branch != "" {
		body += "Branch: " + req.Payload.Branch + "\n"
	}
	body += "Request: " + req.Payload.NaturalLanguage + "\n\n"

	return "🚀 " + m.Bold("Devflow Task Started!") + "\n\n" +
		m.Escape(body) +
		"⏳ " + m.Escape("Processing... You'll receive updates here.") + "\n\n" +
		m.Escape("Task ID: ") + m.Code(req.TaskID)
}
