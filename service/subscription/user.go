package subscription

import (
	"encoding/json"
	"fmt"
	"time"
)

type Preferences struct {
	AISummary      bool     `json:"aiSummary"`
	AllowedSources []string `json:"allowedSources"`
}

type User struct {
	ID               string      `json:"id"`
	Email            string      `json:"email"`
	TelegramChatID   string      `json:"telegramChatId,omitempty"`
	TelegramBotToken string      `json:"telegramBotToken,omitempty"`
	Preferences      Preferences `json:"preferences"`
	Channels         []Channel   `json:"channels"`
	CreatedAt        time.Time   `json:"createdAt"`
}

// HasLegacyTelegram reports whether the user carries the pre-channel
// Telegram credentials that are always delivered to.
func (u *User) HasLegacyTelegram() bool {
	return u.TelegramChatID != "" && u.TelegramBotToken != ""
}

// Channel is a delivery destination owned by a user.
type Channel struct {
	ID        string          `json:"id"`
	UserID    string          `json:"userId"`
	Type      ChannelType     `json:"type"`
	Name      string          `json:"name,omitempty"`
	Enabled   bool            `json:"enabled"`
	Config    json.RawMessage `json:"config"`
	Rules     WebhookRules    `json:"webhookRules"`
	CreatedAt time.Time       `json:"createdAt"`

	// loadErr is set when the stored config could not be opened.
	loadErr error
}

// DisplayName falls back to the channel type label when no name was given.
func (c Channel) DisplayName() string {
	if c.Name != "" {
		return c.Name
	}
	return c.Type.Label()
}

// Decode returns the typed, validated config of the channel.
func (c Channel) Decode() (ChannelConfig, error) {
	if c.loadErr != nil {
		return nil, fmt.Errorf("channel %q: %w", c.DisplayName(), c.loadErr)
	}
	cfg, err := DecodeConfig(c.Type, c.Config)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("channel %q: %w", c.DisplayName(), err)
	}
	return cfg, nil
}

// LoadError reports why the stored config of the channel is unreadable.
func (c Channel) LoadError() error {
	return c.loadErr
}

// WithConfig returns a copy of the channel carrying raw as its config.
func (c Channel) WithConfig(raw json.RawMessage) Channel {
	c.Config = raw
	c.loadErr = nil
	return c
}

// Installation is a GitHub App installation, unclaimed until linked to a user.
type Installation struct {
	InstallationID      int64     `json:"installationId" db:"installation_id"`
	UserID              string    `json:"userId,omitempty" db:"user_id"`
	AccountLogin        string    `json:"accountLogin" db:"account_login"`
	AccountID           int64     `json:"accountId" db:"account_id"`
	AccountType         string    `json:"accountType" db:"account_type"`
	RepositorySelection string    `json:"repositorySelection" db:"repository_selection"`
	CreatedAt           time.Time `json:"createdAt" db:"created_at"`
}

func (i *Installation) Claimed() bool {
	return i.UserID != ""
}

// Redacted returns a copy of the channel safe to show over the API.
func (c Channel) Redacted() Channel {
	c.Config = RedactConfig(c.Type, c.Config)
	return c
}

// Redacted returns a copy of the user with the bot token and every channel
// secret masked.
func (u User) Redacted() User {
	if u.TelegramBotToken != "" {
		u.TelegramBotToken = RedactedValue
	}
	channels := make([]Channel, len(u.Channels))
	for i, ch := range u.Channels {
		channels[i] = ch.Redacted()
	}
	u.Channels = channels
	return u
}
