package email

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"io"
	"log/slog"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"

	"pinga/service/delivery"
	"pinga/service/notification"
	"pinga/service/subscription"
)

type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

func (c SMTPConfig) addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// SendFunc matches smtp.SendMail.
type SendFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

var htmlBody = template.Must(template.New("email").Parse(`<!DOCTYPE html>
<html><body style="font-family:sans-serif">
<h2>{{.Heading}}</h2>
{{if .Summary}}<p>{{.Summary}}</p>{{else}}<table>{{range .Fields}}
<tr><td><strong>{{.Label}}</strong></td><td>{{.Value}}</td></tr>{{end}}
</table>{{end}}
{{if .Links}}<p>{{range .Links}}<a href="{{.URL}}">{{.Label}}</a> {{end}}</p>{{end}}
{{if .PayloadURL}}<p><a href="{{.PayloadURL}}">View Full Payload</a></p>{{end}}
</body></html>`))

type view struct {
	notification.Payload
	Heading string
}

// Sender mails notifications through an SMTP relay.
type Sender struct {
	cfg    SMTPConfig
	send   SendFunc
	now    func() time.Time
	logger *slog.Logger
}

func NewSender(cfg SMTPConfig, logger *slog.Logger) *Sender {
	return &Sender{cfg: cfg, send: smtp.SendMail, now: time.Now, logger: logger}
}

func (s *Sender) Send(ctx context.Context, cfg subscription.ChannelConfig, p notification.Payload) delivery.Result {
	ec, ok := cfg.(subscription.EmailConfig)
	if !ok {
		return delivery.Failure(delivery.NewPermanentError(fmt.Errorf("email sender got %T config", cfg)))
	}

	from, err := mail.ParseAddress(s.cfg.From)
	if err != nil {
		return delivery.Failure(delivery.NewPermanentError(fmt.Errorf("invalid SMTP_FROM: %w", err)))
	}
	to, err := mail.ParseAddressList(ec.To)
	if err != nil {
		return delivery.Failure(delivery.NewPermanentError(fmt.Errorf("invalid email recipient: %w", err)))
	}

	msg, err := Compose(from, to, p, s.now())
	if err != nil {
		return delivery.Failure(err)
	}

	if err := ctx.Err(); err != nil {
		return delivery.Failure(err)
	}

	var auth smtp.Auth
	if s.cfg.Username != "" {
		auth = smtp.PlainAuth("", s.cfg.Username, s.cfg.Password, s.cfg.Host)
	}

	rcpts := make([]string, len(to))
	for i, a := range to {
		rcpts[i] = a.Address
	}

	if err := s.send(s.cfg.addr(), auth, from.Address, rcpts, msg); err != nil {
		s.logger.Error("Failed to send email", "to", ec.To, "error", err)
		return delivery.Failure(fmt.Errorf("email delivery failed: %w", err))
	}
	return delivery.Success()
}

// Compose builds a multipart/alternative message with a plain-text and an
// HTML rendering of p.
func Compose(from *mail.Address, to []*mail.Address, p notification.Payload, now time.Time) ([]byte, error) {
	var h mail.Header
	h.SetDate(now)
	h.SetAddressList("From", []*mail.Address{from})
	h.SetAddressList("To", to)
	h.SetSubject(p.Heading())
	if err := h.GenerateMessageID(); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	mw, err := mail.CreateWriter(&buf, h)
	if err != nil {
		return nil, err
	}
	alt, err := mw.CreateInline()
	if err != nil {
		return nil, err
	}

	var html bytes.Buffer
	if err := htmlBody.Execute(&html, view{Payload: p, Heading: p.Heading()}); err != nil {
		return nil, err
	}

	parts := []struct {
		contentType string
		body        string
	}{
		{"text/plain", PlainText(p)},
		{"text/html", html.String()},
	}
	for _, part := range parts {
		var ph mail.InlineHeader
		ph.SetContentType(part.contentType, map[string]string{"charset": "utf-8"})
		w, err := alt.CreatePart(ph)
		if err != nil {
			return nil, err
		}
		if _, err := io.WriteString(w, part.body); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
	}

	if err := alt.Close(); err != nil {
		return nil, err
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func PlainText(p notification.Payload) string {
	var b strings.Builder
	b.WriteString(p.Heading() + "\n\n")
	if p.Summary != "" {
		b.WriteString(p.Summary + "\n")
	} else {
		for _, f := range p.Fields {
			b.WriteString(f.Label + ": " + f.Value + "\n")
		}
	}
	if len(p.Links) > 0 {
		b.WriteString("\nLinks:\n")
		for _, l := range p.Links {
			b.WriteString("  - " + l.Label + ": " + l.URL + "\n")
		}
	}
	if p.PayloadURL != "" {
		b.WriteString("\nView Full Payload: " + p.PayloadURL + "\n")
	}
	return b.String()
}
