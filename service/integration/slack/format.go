package slack

import (
	"strings"

	"pinga/service/notification"
)

const maxSectionFields = 10

var escaper = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")

// Escape escapes the control characters of Slack mrkdwn.
func Escape(s string) string {
	return escaper.Replace(s)
}

// Mrkdwn renders Slack mrkdwn building blocks for composed messages.
type Mrkdwn struct{}

func (Mrkdwn) Escape(s string) string { return Escape(s) }
func (Mrkdwn) Bold(s string) string   { return "*" + Escape(s) + "*" }
func (Mrkdwn) Code(s string) string   { return "`" + Escape(s) + "`" }

type Text struct {
	Type  string `json:"type"`
	Text  string `json:"text"`
	Emoji bool   `json:"emoji,omitempty"`
}

func plain(s string) *Text  { return &Text{Type: "plain_text", Text: s, Emoji: true} }
func mrkdwn(s string) *Text { return &Text{Type: "mrkdwn", Text: s} }

type Element struct {
	Type string `json:"type"`
	Text any    `json:"text,omitempty"`
	URL  string `json:"url,omitempty"`
}

// Block is the subset of Block Kit used for notifications.
type Block struct {
	Type     string    `json:"type"`
	Text     *Text     `json:"text,omitempty"`
	Fields   []*Text   `json:"fields,omitempty"`
	Elements []Element `json:"elements,omitempty"`
}

// Blocks renders a notification as Block Kit: a header, the summary or up
// to ten fields, a links context and a payload button.
func Blocks(p notification.Payload) []Block {
	emoji := p.Emoji
	if emoji == "" {
		emoji = "🔔"
	}
	blocks := []Block{{Type: "header", Text: plain(emoji + " " + p.Title)}}

	if p.Summary != "" {
		blocks = append(blocks, Block{Type: "section", Text: mrkdwn(Escape(p.Summary))})
	} else if len(p.Fields) > 0 {
		fields := make([]*Text, 0, min(len(p.Fields), maxSectionFields))
		for _, f := range p.Fields[:min(len(p.Fields), maxSectionFields)] {
			fields = append(fields, mrkdwn("*"+Escape(f.Label)+"*\n"+Escape(f.Value)))
		}
		blocks = append(blocks, Block{Type: "section", Fields: fields})
	}

	if len(p.Links) > 0 {
		links := make([]string, len(p.Links))
		for i, l := range p.Links {
			links[i] = "<" + l.URL + "|" + Escape(l.Label) + ">"
		}
		blocks = append(blocks, Block{
			Type:     "context",
			Elements: []Element{{Type: "mrkdwn", Text: "🔗 " + strings.Join(links, "  |  ")}},
		})
	}

	if p.PayloadURL != "" {
		blocks = append(blocks, Block{
			Type:     "actions",
			Elements: []Element{{Type: "button", Text: plain("View Full Payload"), URL: p.PayloadURL}},
		})
	}

	return blocks
}
