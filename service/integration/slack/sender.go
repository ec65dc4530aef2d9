package slack

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"pinga/service/delivery"
	"pinga/service/notification"
	"pinga/service/subscription"
)

type webhookMessage struct {
	Text   string  `json:"text"`
	Blocks []Block `json:"blocks"`
}

// Sender posts notifications to an incoming webhook, or through the bot to a
// linked channel when no webhook is configured.
type Sender struct {
	client       *Client
	httpClient   *http.Client
	defaultToken string
	logger       *slog.Logger
}

func NewSender(client *Client, httpClient *http.Client, defaultToken string, logger *slog.Logger) *Sender {
	return &Sender{client: client, httpClient: httpClient, defaultToken: defaultToken, logger: logger}
}

func (s *Sender) Send(ctx context.Context, cfg subscription.ChannelConfig, p notification.Payload) delivery.Result {
	sc, ok := cfg.(subscription.SlackConfig)
	if !ok {
		return delivery.Failure(delivery.NewPermanentError(fmt.Errorf("slack sender got %T config", cfg)))
	}

	blocks := Blocks(p)

	var err error
	switch {
	case sc.WebhookURL != "":
		err = delivery.PostJSON(ctx, s.httpClient, "Slack API", sc.WebhookURL, webhookMessage{Text: p.Heading(), Blocks: blocks}, nil)
	case sc.ChannelID != "":
		token := sc.BotToken
		if token == "" {
			token = s.defaultToken
		}
		err = s.client.PostMessage(ctx, token, sc.ChannelID, p.Heading(), blocks)
	default:
		err = delivery.NewPermanentError(fmt.Errorf("missing Slack webhook URL"))
	}

	if err != nil {
		s.logger.Error("Failed to send slack message", "error", err)
		return delivery.Failure(err)
	}
	return delivery.Success()
}

// Messenger sends replies and task updates through the bot.
type Messenger struct {
	client       *Client
	defaultToken string
}

func NewMessenger(client *Client, defaultToken string) *Messenger {
	return &Messenger{client: client, defaultToken: defaultToken}
}

func (m *Messenger) Markup() notification.Markup {
	return Mrkdwn{}
}

func (m *Messenger) SendFormatted(ctx context.Context, token, channel, text string) error {
	if token == "" {
		token = m.defaultToken
	}
	return m.client.PostMessage(ctx, token, channel, text, nil)
}
