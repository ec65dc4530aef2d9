package slack

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"pinga/service/devflow"
	"pinga/service/notification"
	"pinga/service/relay"
	"pinga/service/subscription"
	"pinga/service/util"
)

var (
	linkPattern    = regexp.MustCompile(`channel_([a-zA-Z0-9-]+)_(\d+)`)
	mentionPattern = regexp.MustCompile(`^(<@[A-Z0-9]+>\s*)+`)
)

const (
	msgLinkFailed = "❌ Could not find the channel to link.\n\nPlease check your dashboard and try again."
	msgNotLinked  = "👋 I'm here! But I'm not linked to a Pinga channel yet.\n\nTo link me, use the \"Connect with Slack\" button in your dashboard or type \"@Pinga link &lt;your-link-code&gt;\"."
)

// Channels is the part of the subscription store the events handler needs.
type Channels interface {
	GetUser(ctx context.Context, id string) (*subscription.User, error)
	ListChannels(ctx context.Context, userID string) ([]subscription.Channel, error)
	MergeChannelConfig(ctx context.Context, id string, values map[string]string) (*subscription.Channel, error)
	FindSlackChannel(ctx context.Context, slackChannelID string) (*subscription.Channel, error)
}

// Commands handles chat commands such as !devflow.
type Commands interface {
	Handle(ctx context.Context, src devflow.Source, text string, m notification.Markup) (string, bool)
}

type envelope struct {
	Type      string `json:"type"`
	Challenge string `json:"challenge"`
	Event     event  `json:"event"`
}

type event struct {
	Type    string `json:"type"`
	Subtype string `json:"subtype"`
	BotID   string `json:"bot_id"`
	Text    string `json:"text"`
	Channel string `json:"channel"`
	User    string `json:"user"`
	TS      string `json:"ts"`
}

type Handlers struct {
	channels      Channels
	messenger     *Messenger
	commands      Commands
	signingSecret string
	logger        *slog.Logger
	now           func() time.Time
}

func NewHandlers(channels Channels, messenger *Messenger, commands Commands, signingSecret string, logger *slog.Logger) *Handlers {
	return &Handlers{
		channels:      channels,
		messenger:     messenger,
		commands:      commands,
		signingSecret: signingSecret,
		logger:        logger,
		now:           time.Now,
	}
}

// HandleEvents serves the Events API endpoint.
func (h *Handlers) HandleEvents(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, util.MaxBodyBytes))
	if err != nil {
		util.JSONError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if err := VerifyRequest(r.Header, body, h.signingSecret, h.now()); err != nil {
		h.logger.Warn("Slack request rejected", "error", err)
		util.JSONError(w, "Invalid signature", http.StatusUnauthorized)
		return
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		util.LogAndError(w, h.logger, "Internal Server Error", http.StatusInternalServerError, err)
		return
	}

	if env.Type == "url_verification" {
		h.logger.Info("Slack URL verification challenge received")
		util.WriteJSON(w, http.StatusOK, map[string]string{"challenge": env.Challenge})
		return
	}

	if env.Type == "event_callback" {
		if err := h.handleEvent(r.Context(), env.Event); err != nil {
			util.LogAndError(w, h.logger, "Internal Server Error", http.StatusInternalServerError, err)
			return
		}
	}

	util.WriteJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (h *Handlers) handleEvent(ctx context.Context, ev event) error {
	if ev.BotID != "" || ev.Subtype == "bot_message" {
		return nil
	}
	if ev.Type != "message" && ev.Type != "app_mention" {
		return nil
	}

	text := strings.TrimSpace(mentionPattern.ReplaceAllString(ev.Text, ""))
	h.logger.Debug("Slack event received", "type", ev.Type, "channel", ev.Channel, "user", ev.User)

	if h.commands != nil {
		src := devflow.Source{Channel: relay.ChannelSlack, ChatID: ev.Channel, MessageID: ev.TS}
		if reply, handled := h.commands.Handle(ctx, src, text, Mrkdwn{}); handled {
			h.reply(ctx, ev.Channel, reply)
			return nil
		}
	}

	if strings.Contains(strings.ToLower(text), "link channel_") {
		return h.link(ctx, ev, text)
	}

	if _, err := h.channels.FindSlackChannel(ctx, ev.Channel); err != nil {
		if !errors.Is(err, subscription.ErrChannelNotFound) {
			return err
		}
		h.logger.Debug("No linked channel for Slack conversation", "channel", ev.Channel)
		if ev.Type == "app_mention" {
			h.reply(ctx, ev.Channel, msgNotLinked)
		}
	}
	return nil
}

// link attaches this Slack conversation to the index-th channel of a user,
// as written by the dashboard in "link channel_<userId>_<index>".
func (h *Handlers) link(ctx context.Context, ev event, text string) error {
	match := linkPattern.FindStringSubmatch(text)
	if match == nil {
		return nil
	}
	userID := match[1]
	index, err := strconv.Atoi(match[2])
	if err != nil {
		h.reply(ctx, ev.Channel, msgLinkFailed)
		return nil
	}

	if _, err := h.channels.GetUser(ctx, userID); err != nil {
		if errors.Is(err, subscription.ErrUserNotFound) {
			h.reply(ctx, ev.Channel, msgLinkFailed)
			return nil
		}
		return err
	}

	channels, err := h.channels.ListChannels(ctx, userID)
	if err != nil {
		return err
	}
	if index >= len(channels) {
		h.reply(ctx, ev.Channel, msgLinkFailed)
		return nil
	}

	target, err := h.channels.MergeChannelConfig(ctx, channels[index].ID, map[string]string{
		"channelId":   ev.Channel,
		"slackUserId": ev.User,
	})
	if err != nil {
		return err
	}

	name := target.Name
	if name == "" {
		name = "Channel"
	}
	h.logger.Info("Linked Slack conversation", "channelID", target.ID, "slackChannel", ev.Channel)
	h.reply(ctx, ev.Channel, "✅ *Channel Connected Successfully!*\n\n\""+Escape(name)+
		"\" is now linked to this Slack channel.\n\n🔔 You'll receive notifications here. You can also chat with me!")
	return nil
}

func (h *Handlers) reply(ctx context.Context, channel, text string) {
	if err := h.messenger.SendFormatted(ctx, "", channel, text); err != nil {
		h.logger.Error("Failed to send slack message", "channel", channel, "error", err)
	}
}
