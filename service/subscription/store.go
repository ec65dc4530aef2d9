package subscription

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"pinga/service/credentials"
	"pinga/service/database"
)

var (
	ErrUserNotFound         = errors.New("user not found")
	ErrChannelNotFound      = errors.New("channel not found")
	ErrInstallationNotFound = errors.New("installation not found")
	ErrEmailTaken           = errors.New("email already registered")
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		email TEXT NOT NULL UNIQUE,
		telegram_chat_id TEXT NOT NULL DEFAULT '',
		telegram_bot_token TEXT NOT NULL DEFAULT '',
		ai_summary INTEGER NOT NULL DEFAULT 0,
		allowed_sources TEXT NOT NULL DEFAULT '[]',
		created_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS channels (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		type TEXT NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		enabled INTEGER NOT NULL DEFAULT 1,
		config TEXT NOT NULL DEFAULT '{}',
		rules TEXT NOT NULL DEFAULT '{}',
		created_at TIMESTAMP NOT NULL,
		FOREIGN KEY(user_id) REFERENCES users(id) ON DELETE CASCADE
	)`,
	`CREATE INDEX IF NOT EXISTS idx_channels_user_id ON channels(user_id)`,
	`CREATE TABLE IF NOT EXISTS installations (
		installation_id INTEGER PRIMARY KEY,
		user_id TEXT,
		account_login TEXT NOT NULL,
		account_id INTEGER NOT NULL DEFAULT 0,
		account_type TEXT NOT NULL DEFAULT '',
		repository_selection TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL
	)`,
}

type userRow struct {
	ID               string    `db:"id"`
	Email            string    `db:"email"`
	TelegramChatID   string    `db:"telegram_chat_id"`
	TelegramBotToken string    `db:"telegram_bot_token"`
	AISummary        bool      `db:"ai_summary"`
	AllowedSources   string    `db:"allowed_sources"`
	CreatedAt        time.Time `db:"created_at"`
}

type channelRow struct {
	ID        string    `db:"id"`
	UserID    string    `db:"user_id"`
	Type      string    `db:"type"`
	Name      string    `db:"name"`
	Enabled   bool      `db:"enabled"`
	Config    string    `db:"config"`
	Rules     string    `db:"rules"`
	CreatedAt time.Time `db:"created_at"`
}

// Store persists users, their channels and GitHub installations. Secret
// channel config values are sealed when a Sealer is configured.
type Store struct {
	db     *sqlx.DB
	sealer *credentials.Sealer
}

func NewStore(db *sqlx.DB, sealer *credentials.Sealer) (*Store, error) {
	if err := database.Migrate(db, schema); err != nil {
		return nil, err
	}
	return &Store{db: db, sealer: sealer}, nil
}

func (s *Store) CreateUser(ctx context.Context, u *User) error {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	u.Email = strings.TrimSpace(strings.ToLower(u.Email))

	token, err := s.sealer.Seal(u.TelegramBotToken)
	if err != nil {
		return fmt.Errorf("failed to seal bot token: %w", err)
	}
	sources, err := json.Marshal(nonNil(u.Preferences.AllowedSources))
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO users (id, email, telegram_chat_id, telegram_bot_token, ai_summary, allowed_sources, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, u.ID, u.Email, u.TelegramChatID, token, u.Preferences.AISummary, string(sources), u.CreatedAt)
	if err != nil && strings.Contains(err.Error(), "UNIQUE") {
		return ErrEmailTaken
	}
	return err
}

// GetUser loads a user and all of their channels in creation order.
func (s *Store) GetUser(ctx context.Context, id string) (*User, error) {
	var row userRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM users WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}
	return s.hydrate(ctx, row)
}

func (s *Store) GetUserByTelegramChat(ctx context.Context, chatID string) (*User, error) {
	var row userRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM users WHERE telegram_chat_id = ? LIMIT 1`, chatID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}
	return s.hydrate(ctx, row)
}

func (s *Store) ListUsers(ctx context.Context) ([]User, error) {
	var rows []userRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT * FROM users ORDER BY created_at`); err != nil {
		return nil, err
	}
	users := make([]User, 0, len(rows))
	for _, row := range rows {
		u, err := s.hydrate(ctx, row)
		if err != nil {
			return nil, err
		}
		users = append(users, *u)
	}
	return users, nil
}

func (s *Store) DeleteUser(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM users WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return expectOne(res, ErrUserNotFound)
}

func (s *Store) UpdatePreferences(ctx context.Context, userID string, p Preferences) error {
	sources, err := json.Marshal(nonNil(p.AllowedSources))
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `UPDATE users SET ai_summary = ?, allowed_sources = ? WHERE id = ?`,
		p.AISummary, string(sources), userID)
	if err != nil {
		return err
	}
	return expectOne(res, ErrUserNotFound)
}

// LinkTelegram stores the chat a user's bot conversation happens in.
func (s *Store) LinkTelegram(ctx context.Context, userID, chatID string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE users SET telegram_chat_id = ? WHERE id = ?`, chatID, userID)
	if err != nil {
		return err
	}
	return expectOne(res, ErrUserNotFound)
}

func (s *Store) hydrate(ctx context.Context, row userRow) (*User, error) {
	// An unreadable legacy bot token disables the legacy Telegram path only.
	token, err := s.sealer.Open(row.TelegramBotToken)
	if err != nil {
		token = ""
	}

	u := &User{
		ID:               row.ID,
		Email:            row.Email,
		TelegramChatID:   row.TelegramChatID,
		TelegramBotToken: token,
		Preferences:      Preferences{AISummary: row.AISummary},
		CreatedAt:        row.CreatedAt,
	}
	if err := json.Unmarshal([]byte(row.AllowedSources), &u.Preferences.AllowedSources); err != nil {
		return nil, fmt.Errorf("user %s: invalid allowed sources: %w", row.ID, err)
	}

	u.Channels, err = s.ListChannels(ctx, row.ID)
	if err != nil {
		return nil, err
	}
	return u, nil
}

func (s *Store) AddChannel(ctx context.Context, ch *Channel) error {
	if !ch.Type.Valid() {
		return fmt.Errorf("%w: %q", ErrUnsupportedChannel, ch.Type)
	}
	if _, err := DecodeConfig(ch.Type, ch.Config); err != nil {
		return err
	}
	if ch.ID == "" {
		ch.ID = uuid.NewString()
	}
	if ch.CreatedAt.IsZero() {
		ch.CreatedAt = time.Now().UTC()
	}
	if len(ch.Config) == 0 {
		ch.Config = json.RawMessage("{}")
	}

	config, err := s.sealConfig(ch.Type, ch.Config)
	if err != nil {
		return err
	}
	rules, err := json.Marshal(ch.Rules)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO channels (id, user_id, type, name, enabled, config, rules, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, ch.ID, ch.UserID, string(ch.Type), ch.Name, ch.Enabled, config, string(rules), ch.CreatedAt)
	if err != nil && strings.Contains(err.Error(), "FOREIGN KEY") {
		return ErrUserNotFound
	}
	return err
}

func (s *Store) GetChannel(ctx context.Context, id string) (*Channel, error) {
	var row channelRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM channels WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrChannelNotFound
	}
	if err != nil {
		return nil, err
	}
	return s.toChannel(row)
}

func (s *Store) ListChannels(ctx context.Context, userID string) ([]Channel, error) {
	var rows []channelRow
	err := s.db.SelectContext(ctx, &rows, `SELECT * FROM channels WHERE user_id = ? ORDER BY created_at, rowid`, userID)
	if err != nil {
		return nil, err
	}
	channels := make([]Channel, 0, len(rows))
	for _, row := range rows {
		ch, err := s.toChannel(row)
		if err != nil {
			return nil, err
		}
		channels = append(channels, *ch)
	}
	return channels, nil
}

// FindSlackChannel returns the Slack channel linked to a Slack conversation.
func (s *Store) FindSlackChannel(ctx context.Context, slackChannelID string) (*Channel, error) {
	var row channelRow
	err := s.db.GetContext(ctx, &row, `
		SELECT * FROM channels
		WHERE type = ? AND json_extract(config, '$.channelId') = ?
		ORDER BY created_at, rowid LIMIT 1
	`, string(ChannelSlack), slackChannelID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrChannelNotFound
	}
	if err != nil {
		return nil, err
	}
	return s.toChannel(row)
}

// UpdateChannel replaces name, enabled flag, config and rules.
// A channel whose stored config could not be opened keeps it as stored.
func (s *Store) UpdateChannel(ctx context.Context, ch *Channel) error {
	config := string(ch.Config)
	if ch.loadErr == nil {
		if _, err := DecodeConfig(ch.Type, ch.Config); err != nil {
			return err
		}
		sealed, err := s.sealConfig(ch.Type, ch.Config)
		if err != nil {
			return err
		}
		config = sealed
	}
	rules, err := json.Marshal(ch.Rules)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `UPDATE channels SET name = ?, enabled = ?, config = ?, rules = ? WHERE id = ?`,
		ch.Name, ch.Enabled, config, string(rules), ch.ID)
	if err != nil {
		return err
	}
	return expectOne(res, ErrChannelNotFound)
}

// MergeChannelConfig sets keys on an existing channel config, keeping the rest.
func (s *Store) MergeChannelConfig(ctx context.Context, id string, values map[string]string) (*Channel, error) {
	ch, err := s.GetChannel(ctx, id)
	if err != nil {
		return nil, err
	}
	if ch.loadErr != nil {
		return nil, fmt.Errorf("channel %s: %w", id, ch.loadErr)
	}

	merged := map[string]any{}
	if err := json.Unmarshal(ch.Config, &merged); err != nil {
		return nil, fmt.Errorf("channel %s: invalid config: %w", id, err)
	}
	for k, v := range values {
		merged[k] = v
	}
	ch.Config, err = json.Marshal(merged)
	if err != nil {
		return nil, err
	}

	if err := s.UpdateChannel(ctx, ch); err != nil {
		return nil, err
	}
	return ch, nil
}

func (s *Store) DeleteChannel(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM channels WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return expectOne(res, ErrChannelNotFound)
}

func (s *Store) toChannel(row channelRow) (*Channel, error) {
	// An unreadable config fails only this channel at delivery time.
	config, loadErr := s.openConfig(ChannelType(row.Type), row.Config)
	if loadErr != nil {
		config = json.RawMessage(row.Config)
	}
	ch := &Channel{
		ID:        row.ID,
		UserID:    row.UserID,
		Type:      ChannelType(row.Type),
		Name:      row.Name,
		Enabled:   row.Enabled,
		Config:    config,
		CreatedAt: row.CreatedAt,
		loadErr:   loadErr,
	}
	if err := json.Unmarshal([]byte(row.Rules), &ch.Rules); err != nil {
		return nil, fmt.Errorf("channel %s: invalid rules: %w", row.ID, err)
	}
	return ch, nil
}

func (s *Store) sealConfig(t ChannelType, raw json.RawMessage) (string, error) {
	return s.transformSecrets(t, raw, s.sealer.Seal)
}

func (s *Store) openConfig(t ChannelType, raw string) (json.RawMessage, error) {
	out, err := s.transformSecrets(t, json.RawMessage(raw), s.sealer.Open)
	return json.RawMessage(out), err
}

func (s *Store) transformSecrets(t ChannelType, raw json.RawMessage, fn func(string) (string, error)) (string, error) {
	keys := secretKeys[t]
	if len(keys) == 0 {
		return string(raw), nil
	}

	values := map[string]any{}
	if err := json.Unmarshal(raw, &values); err != nil {
		return "", fmt.Errorf("invalid %s config: %w", t, err)
	}
	for _, k := range keys {
		v, ok := values[k].(string)
		if !ok || v == "" {
			continue
		}
		out, err := fn(v)
		if err != nil {
			return "", err
		}
		values[k] = out
	}

	b, err := json.Marshal(values)
	return string(b), err
}

// UpsertInstallation records an installation. An existing claim is kept.
func (s *Store) UpsertInstallation(ctx context.Context, inst *Installation) error {
	if inst.CreatedAt.IsZero() {
		inst.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO installations (installation_id, user_id, account_login, account_id, account_type, repository_selection, created_at)
		VALUES (?, NULLIF(?, ''), ?, ?, ?, ?, ?)
		ON CONFLICT(installation_id) DO UPDATE SET
			account_login = excluded.account_login,
			account_id = excluded.account_id,
			account_type = excluded.account_type,
			repository_selection = excluded.repository_selection,
			user_id = COALESCE(installations.user_id, excluded.user_id)
	`, inst.InstallationID, inst.UserID, inst.AccountLogin, inst.AccountID, inst.AccountType, inst.RepositorySelection, inst.CreatedAt)
	return err
}

const installationColumns = `installation_id, COALESCE(user_id, '') AS user_id, account_login, account_id,
	account_type, repository_selection, created_at`

func (s *Store) GetInstallation(ctx context.Context, installationID int64) (*Installation, error) {
	var inst Installation
	err := s.db.GetContext(ctx, &inst, `SELECT `+installationColumns+` FROM installations WHERE installation_id = ?`, installationID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrInstallationNotFound
	}
	if err != nil {
		return nil, err
	}
	return &inst, nil
}

func (s *Store) ListInstallations(ctx context.Context) ([]Installation, error) {
	installs := []Installation{}
	err := s.db.SelectContext(ctx, &installs, `SELECT `+installationColumns+` FROM installations ORDER BY installation_id`)
	return installs, err
}

// ClaimInstallation links an installation to a user.
func (s *Store) ClaimInstallation(ctx context.Context, installationID int64, userID string) error {
	if _, err := s.GetUser(ctx, userID); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `UPDATE installations SET user_id = ? WHERE installation_id = ?`, userID, installationID)
	if err != nil {
		return err
	}
	return expectOne(res, ErrInstallationNotFound)
}

func (s *Store) DeleteInstallation(ctx context.Context, installationID int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM installations WHERE installation_id = ?`, installationID)
	return err
}

type Stats struct {
	Users                  int `json:"users" db:"users"`
	Channels               int `json:"channels" db:"channels"`
	EnabledChannels        int `json:"enabledChannels" db:"enabled_channels"`
	Installations          int `json:"installations" db:"installations"`
	UnclaimedInstallations int `json:"unclaimedInstallations" db:"unclaimed_installations"`
}

func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := s.db.GetContext(ctx, &st, `
		SELECT
			(SELECT COUNT(*) FROM users) AS users,
			(SELECT COUNT(*) FROM channels) AS channels,
			(SELECT COUNT(*) FROM channels WHERE enabled = 1) AS enabled_channels,
			(SELECT COUNT(*) FROM installations) AS installations,
			(SELECT COUNT(*) FROM installations WHERE user_id IS NULL) AS unclaimed_installations
	`)
	return st, err
}

func expectOne(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound
	}
	return nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
