package telegram

import (
	"strings"

	"pinga/service/notification"
)

var (
	markdownV2Escaper = strings.NewReplacer(
		`\`, `\\`,
		"_", `\_`, "*", `\*`, "[", `\[`, "]", `\]`, "(", `\(`, ")", `\)`,
		"~", `\~`, "`", "\\`", ">", `\>`, "#", `\#`, "+", `\+`, "-", `\-`,
		"=", `\=`, "|", `\|`, "{", `\{`, "}", `\}`, ".", `\.`, "!", `\!`,
	)
	linkTargetEscaper = strings.NewReplacer(`\`, `\\`, ")", `\)`)
	codeEscaper       = strings.NewReplacer(`\`, `\\`, "`", "\\`")
)

// Escape escapes text for Telegram MarkdownV2.
func Escape(s string) string {
	return markdownV2Escaper.Replace(s)
}

// EscapeURL escapes the target part of a MarkdownV2 inline link.
func EscapeURL(s string) string {
	return linkTargetEscaper.Replace(s)
}

// Markdown renders MarkdownV2 building blocks for composed messages.
type Markdown struct{}

func (Markdown) Escape(s string) string { return Escape(s) }
func (Markdown) Bold(s string) string   { return "*" + Escape(s) + "*" }
func (Markdown) Code(s string) string   { return "`" + codeEscaper.Replace(s) + "`" }

// Format renders a notification as a MarkdownV2 message. A summary replaces
// both the title line and the fields.
func Format(p notification.Payload) string {
	var lines []string

	if p.Summary != "" {
		lines = append(lines, Escape(p.Summary), "")
	} else {
		lines = append(lines, p.Emoji+" *"+Escape(p.Title)+"*", "")
		for _, f := range p.Fields {
			lines = append(lines, Escape(f.Label)+": "+Escape(f.Value))
		}
	}

	if len(p.Links) > 0 {
		lines = append(lines, "", "🔗 *Links:*")
		for _, l := range p.Links {
			lines = append(lines, "  • ["+Escape(l.Label)+"]("+EscapeURL(l.URL)+")")
		}
	}

	lines = append(lines, "", "📄 [View Full Payload]("+EscapeURL(p.PayloadURL)+")")

	return strings.Join(lines, "\n")
}
