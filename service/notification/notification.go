package notification

import (
	"encoding/json"
	"strings"

	"pinga/service/util"
)

// MaxTextLength bounds free text (commit messages, PR titles, descriptions)
// carried in notification fields.
const MaxTextLength = 50

type Field struct {
	Label string `json:"label"`
	Value string `json:"value"`
}

type Link struct {
	Label string `json:"label"`
	URL   string `json:"url"`
}

// Payload is the channel-agnostic notification produced by analyzers and
// rendered by every channel adapter. Field and link order is preserved.
type Payload struct {
	Title      string          `json:"title"`
	Emoji      string          `json:"emoji"`
	Fields     []Field         `json:"fields"`
	Links      []Link          `json:"links"`
	PayloadURL string          `json:"payloadUrl"`
	Source     string          `json:"source,omitempty"`
	EventType  string          `json:"eventType,omitempty"`
	Repository string          `json:"repository,omitempty"`
	Service    string          `json:"service,omitempty"`
	Summary    string          `json:"summary,omitempty"`
	RawPayload json.RawMessage `json:"rawPayload,omitempty"`
}

func (p *Payload) AddField(label, value string) {
	p.Fields = append(p.Fields, Field{Label: label, Value: value})
}

func (p *Payload) AddLink(label, url string) {
	if url == "" {
		return
	}
	p.Links = append(p.Links, Link{Label: label, URL: url})
}

// Heading is the emoji and title joined by a space, or just the title when
// there is no emoji.
func (p Payload) Heading() string {
	if p.Emoji == "" {
		return p.Title
	}
	return p.Emoji + " " + p.Title
}

// Markup is a chat dialect used to compose messages outside Payload
// rendering, such as task updates and bot replies.
type Markup interface {
	Escape(s string) string
	Bold(s string) string
	Code(s string) string
}

func Truncate(s string) string {
	return util.Truncate(s, MaxTextLength)
}

// Humanize turns an event type such as "check_suite" into "Check Suite".
// Underscores become spaces and every ASCII word character that starts a
// word is upper-cased, so "foo-bar.baz" becomes "Foo-Bar.Baz".
func Humanize(eventType string) string {
	b := []byte(strings.ReplaceAll(eventType, "_", " "))
	for i, c := range b {
		if isWordByte(c) && (i == 0 || !isWordByte(b[i-1])) && 'a' <= c && c <= 'z' {
			b[i] = c - 'a' + 'A'
		}
	}
	return string(b)
}

func isWordByte(c byte) bool {
	return c == '_' || '0' <= c && c <= '9' || 'a' <= c && c <= 'z' || 'A' <= c && c <= 'Z'
}
