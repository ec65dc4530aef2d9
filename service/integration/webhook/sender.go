package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"pinga/service/delivery"
	"pinga/service/notification"
	"pinga/service/subscription"
)

const SignatureHeader = "X-Pinga-Signature"

// Body is the JSON posted to generic webhooks: the notification plus the
// time it was sent.
type Body struct {
	notification.Payload
	Timestamp string `json:"timestamp"`
}

// Sign returns the header value for body signed with secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
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
	wc, ok := cfg.(subscription.WebhookConfig)
	if !ok {
		return delivery.Failure(delivery.NewPermanentError(fmt.Errorf("webhook sender got %T config", cfg)))
	}

	p.RawPayload = nil
	body, err := json.Marshal(Body{Payload: p, Timestamp: s.now().UTC().Format(time.RFC3339Nano)})
	if err != nil {
		return delivery.Failure(delivery.NewPermanentError(err))
	}

	var headers map[string]string
	if wc.Secret != "" {
		headers = map[string]string{SignatureHeader: Sign(wc.Secret, body)}
	}

	if err := delivery.PostRaw(ctx, s.client, "Webhook", wc.WebhookURL, body, headers); err != nil {
		s.logger.Error("Webhook delivery failed", "error", err)
		return delivery.Failure(err)
	}
	return delivery.Success()
}
