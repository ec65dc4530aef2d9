package discord

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"pinga/service/delivery"
	"pinga/service/notification"
	"pinga/service/subscription"
)

// Blurple (#5865F2).
const embedColor = 5814783

type EmbedField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline"`
}

type Footer struct {
	Text string `json:"text"`
}

type Embed struct {
	Title       string       `json:"title"`
	Description string       `json:"description,omitempty"`
	URL         string       `json:"url,omitempty"`
	Color       int          `json:"color"`
	Fields      []EmbedField `json:"fields"`
	Footer      Footer       `json:"footer"`
	Timestamp   string       `json:"timestamp"`
}

type message struct {
	Embeds []Embed `json:"embeds"`
}

// BuildEmbed renders a notification as one embed: inline fields, then the
// links as a single full-width field.
func BuildEmbed(p notification.Payload, now time.Time) Embed {
	fields := make([]EmbedField, 0, len(p.Fields)+1)
	for _, f := range p.Fields {
		fields = append(fields, EmbedField{Name: f.Label, Value: f.Value, Inline: true})
	}

	if len(p.Links) > 0 {
		links := make([]string, len(p.Links))
		for i, l := range p.Links {
			links[i] = "[" + l.Label + "](" + l.URL + ")"
		}
		fields = append(fields, EmbedField{Name: "Links", Value: strings.Join(links, "\n")})
	}

	source := p.Source
	if source == "" {
		source = "System"
	}

	return Embed{
		Title:       p.Heading(),
		Description: p.Summary,
		URL:         p.PayloadURL,
		Color:       embedColor,
		Fields:      fields,
		Footer:      Footer{Text: "Source: " + source},
		Timestamp:   now.UTC().Format(time.RFC3339Nano),
	}
}

type Sender struct {
	client *http.Client
	logger *slog.Logger
	now    func() time.Time
}

func NewSender(client *http.Client, logger *slog.Logger) *Sender {
	return &Sender{client: client, logger: logger, now: time.Now}
}

func (s *Sender) Send(ctx context.Context, cfg subscription.ChannelConfig, p notification.Payload) delivery.Result {
	dc, ok := cfg.(subscription.DiscordConfig)
	if !ok {
		return delivery.Failure(delivery.NewPermanentError(fmt.Errorf("discord sender got %T config", cfg)))
	}

	body := message{Embeds: []Embed{BuildEmbed(p, s.now())}}
	if err := delivery.PostJSON(ctx, s.client, "Discord", dc.WebhookURL, body, nil); err != nil {
		s.logger.Error("Discord API error", "error", err)
		return delivery.Failure(err)
	}
	return delivery.Success()
}
