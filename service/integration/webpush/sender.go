package webpush

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	webpush "github.com/SherClockHolmes/webpush-go"

	"pinga/service/delivery"
	"pinga/service/notification"
	"pinga/service/subscription"
)

const ttlSeconds = 86400

type Sender struct {
	client     *http.Client
	subscriber string
	logger     *slog.Logger
}

// NewSender returns a push sender. subscriber is the VAPID contact, a URL
// or an email address.
func NewSender(client *http.Client, subscriber string, logger *slog.Logger) *Sender {
	return &Sender{client: client, subscriber: subscriber, logger: logger}
}

func (s *Sender) Send(ctx context.Context, cfg subscription.ChannelConfig, p notification.Payload) delivery.Result {
	wp, ok := cfg.(subscription.WebPushConfig)
	if !ok {
		return delivery.Failure(delivery.NewPermanentError(fmt.Errorf("webpush sender got %T config", cfg)))
	}

	p.RawPayload = nil
	payload, err := json.Marshal(p)
	if err != nil {
		return delivery.Failure(delivery.NewPermanentError(fmt.Errorf("failed to marshal notification: %w", err)))
	}

	if wp.HasEncryption() {
		err = s.sendEncrypted(ctx, wp, payload)
	} else {
		err = delivery.PostRaw(ctx, s.client, "Push endpoint", wp.Endpoint, payload, nil)
	}
	if err != nil {
		s.logger.Error("Failed to send webpush", "endpoint", wp.Endpoint, "error", err)
		return delivery.Failure(err)
	}

	s.logger.Debug("Sent webpush notification", "endpoint", wp.Endpoint, "encrypted", wp.HasEncryption())
	return delivery.Success()
}

func (s *Sender) sendEncrypted(ctx context.Context, wp subscription.WebPushConfig, payload []byte) error {
	publicKey, err := vapidPublicKey(wp.VapidPrivateKey)
	if err != nil {
		return delivery.NewPermanentError(err)
	}

	sub := &webpush.Subscription{
		Endpoint: wp.Endpoint,
		Keys: webpush.Keys{
			P256dh: wp.P256dh,
			Auth:   wp.Auth,
		},
	}

	resp, err := webpush.SendNotificationWithContext(ctx, payload, sub, &webpush.Options{
		HTTPClient:      s.client,
		Subscriber:      s.subscriber,
		VAPIDPublicKey:  publicKey,
		VAPIDPrivateKey: wp.VapidPrivateKey,
		TTL:             ttlSeconds,
	})
	if err != nil {
		return fmt.Errorf("failed to send webpush: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096)) //nolint:errcheck
		httpErr := &delivery.HTTPError{Service: "Push service", StatusCode: resp.StatusCode, Body: string(raw)}
		if httpErr.Permanent() {
			return delivery.NewPermanentError(httpErr)
		}
		return httpErr
	}
	return nil
}
