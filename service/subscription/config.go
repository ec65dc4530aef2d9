package subscription

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/mail"
	"net/url"
	"strings"
)

var (
	ErrMissingCredentials = errors.New("missing credentials")
	ErrUnsupportedChannel = errors.New("unsupported channel type")
)

// ChannelConfig is a decoded, typed channel configuration.
type ChannelConfig interface {
	Type() ChannelType
	Validate() error
}

type TelegramConfig struct {
	ChatID   string `json:"chatId"`
	BotToken string `json:"botToken,omitempty"`
}

func (TelegramConfig) Type() ChannelType { return ChannelTelegram }

// Validate accepts empty values: the adapter falls back to the global bot
// and chat before giving up.
func (c TelegramConfig) Validate() error {
	return nil
}

// WithDefaults fills empty values from the global Telegram settings.
func (c TelegramConfig) WithDefaults(chatID, botToken string) TelegramConfig {
	if c.ChatID == "" {
		c.ChatID = chatID
	}
	if c.BotToken == "" {
		c.BotToken = botToken
	}
	return c
}

type SlackConfig struct {
	WebhookURL string `json:"webhookUrl,omitempty"`
	ChannelID  string `json:"channelId,omitempty"`
	BotToken   string `json:"botToken,omitempty"`
}

func (SlackConfig) Type() ChannelType { return ChannelSlack }

// Validate requires an incoming webhook or a linked channel, which is posted
// to through the bot.
func (c SlackConfig) Validate() error {
	if c.WebhookURL != "" {
		return validateURL("webhookUrl", c.WebhookURL)
	}
	if c.ChannelID == "" {
		return fmt.Errorf("%w: slack webhookUrl or channelId", ErrMissingCredentials)
	}
	return nil
}

type DiscordConfig struct {
	WebhookURL string `json:"webhookUrl"`
}

func (DiscordConfig) Type() ChannelType { return ChannelDiscord }

func (c DiscordConfig) Validate() error {
	if c.WebhookURL == "" {
		return fmt.Errorf("%w: discord webhookUrl", ErrMissingCredentials)
	}
	return validateURL("webhookUrl", c.WebhookURL)
}

type WebhookConfig struct {
	WebhookURL string `json:"webhookUrl"`
	Secret     string `json:"secret,omitempty"`
}

func (WebhookConfig) Type() ChannelType { return ChannelWebhook }

func (c WebhookConfig) Validate() error {
	if c.WebhookURL == "" {
		return fmt.Errorf("%w: webhookUrl", ErrMissingCredentials)
	}
	return validateURL("webhookUrl", c.WebhookURL)
}

type EmailConfig struct {
	To string `json:"to"`
}

func (EmailConfig) Type() ChannelType { return ChannelEmail }

func (c EmailConfig) Validate() error {
	if c.To == "" {
		return fmt.Errorf("%w: email recipient", ErrMissingCredentials)
	}
	if _, err := mail.ParseAddressList(c.To); err != nil {
		return fmt.Errorf("invalid email recipient: %w", err)
	}
	return nil
}

type WebPushConfig struct {
	Endpoint        string `json:"endpoint"`
	P256dh          string `json:"p256dh,omitempty"`
	Auth            string `json:"auth,omitempty"`
	VapidPrivateKey string `json:"vapidPrivateKey,omitempty"`
}

func (WebPushConfig) Type() ChannelType { return ChannelWebPush }

func (c WebPushConfig) Validate() error {
	if c.Endpoint == "" {
		return fmt.Errorf("%w: push endpoint", ErrMissingCredentials)
	}
	if err := validateURL("endpoint", c.Endpoint); err != nil {
		return err
	}
	hasAny := c.P256dh != "" || c.Auth != "" || c.VapidPrivateKey != ""
	if hasAny && !c.HasEncryption() {
		return errors.New("encryption requires p256dh, auth and vapidPrivateKey")
	}
	return nil
}

func (c WebPushConfig) HasEncryption() bool {
	return c.P256dh != "" && c.Auth != "" && c.VapidPrivateKey != ""
}

type WhatsAppConfig struct {
	Phone string `json:"phone,omitempty"`
}

func (WhatsAppConfig) Type() ChannelType { return ChannelWhatsApp }

func (WhatsAppConfig) Validate() error { return nil }

func validateURL(name, raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", name, err)
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return fmt.Errorf("invalid %s: scheme must be http or https", name)
	}
	if u.Host == "" {
		return fmt.Errorf("invalid %s: missing host", name)
	}
	return nil
}

// DecodeConfig turns raw JSON into the typed config for t. The result is not
// validated; call Validate on it.
func DecodeConfig(t ChannelType, raw json.RawMessage) (ChannelConfig, error) {
	if len(strings.TrimSpace(string(raw))) == 0 {
		raw = json.RawMessage("{}")
	}

	var cfg ChannelConfig
	var err error
	switch t {
	case ChannelTelegram:
		var c TelegramConfig
		err = json.Unmarshal(raw, &c)
		cfg = c
	case ChannelSlack:
		var c SlackConfig
		err = json.Unmarshal(raw, &c)
		cfg = c
	case ChannelDiscord:
		var c DiscordConfig
		err = json.Unmarshal(raw, &c)
		cfg = c
	case ChannelWebhook:
		var c WebhookConfig
		err = json.Unmarshal(raw, &c)
		cfg = c
	case ChannelEmail:
		var c EmailConfig
		err = json.Unmarshal(raw, &c)
		cfg = c
	case ChannelWebPush:
		var c WebPushConfig
		err = json.Unmarshal(raw, &c)
		cfg = c
	case ChannelWhatsApp:
		var c WhatsAppConfig
		err = json.Unmarshal(raw, &c)
		cfg = c
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedChannel, t)
	}
	if err != nil {
		return nil, fmt.Errorf("invalid %s config: %w", t, err)
	}
	return cfg, nil
}

// secretKeys lists config keys sealed at rest, per channel type.
var secretKeys = map[ChannelType][]string{
	ChannelTelegram: {"botToken"},
	ChannelSlack:    {"webhookUrl", "botToken"},
	ChannelDiscord:  {"webhookUrl"},
	ChannelWebhook:  {"secret"},
	ChannelWebPush:  {"vapidPrivateKey"},
}

// RedactedValue replaces secret config values in API responses.
const RedactedValue = "********"

// RedactConfig masks the secret keys of a raw channel config.
func RedactConfig(t ChannelType, raw json.RawMessage) json.RawMessage {
	return rewriteSecrets(t, raw, func(_, _ string) string {
		return RedactedValue
	})
}

// RestoreSecrets puts back secrets from prev wherever next still carries
// the redacted placeholder, so clients can round-trip a redacted config.
func RestoreSecrets(t ChannelType, next, prev json.RawMessage) json.RawMessage {
	var old map[string]any
	if err := json.Unmarshal(prev, &old); err != nil {
		old = map[string]any{}
	}
	return rewriteSecrets(t, next, func(key, value string) string {
		if value != RedactedValue {
			return value
		}
		s, _ := old[key].(string)
		return s
	})
}

func rewriteSecrets(t ChannelType, raw json.RawMessage, fn func(key, value string) string) json.RawMessage {
	keys := secretKeys[t]
	if len(keys) == 0 || len(raw) == 0 {
		return raw
	}

	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return raw
	}

	for _, k := range keys {
		if v, ok := m[k].(string); ok && v != "" {
			m[k] = fn(k, v)
		}
	}

	out, err := json.Marshal(m)
	if err != nil {
		return raw
	}
	return out
}
