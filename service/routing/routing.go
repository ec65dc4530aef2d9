package routing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"pinga/service/analyzer"
	"pinga/service/notification"
	"pinga/service/subscription"
	"pinga/service/summary"
)

var ErrNoRecipient = errors.New("no recipient for webhook")

type Via string

const (
	ViaInstallation Via = "installation"
	ViaUser         Via = "user"
	ViaGlobal       Via = "global"
)

// Store is the part of the subscription store routing reads and writes.
type Store interface {
	GetUser(ctx context.Context, id string) (*subscription.User, error)
	GetInstallation(ctx context.Context, installationID int64) (*subscription.Installation, error)
	UpsertInstallation(ctx context.Context, inst *subscription.Installation) error
	DeleteInstallation(ctx context.Context, installationID int64) error
}

type Inbound struct {
	InstallationID int64
	UserID         string
}

type Target struct {
	User *subscription.User
	Via  Via
}

// Fallback is the globally configured Telegram destination.
type Fallback struct {
	ChatID   string
	BotToken string
}

func (f Fallback) configured() bool {
	return f.ChatID != "" && f.BotToken != ""
}

type Resolver struct {
	store      Store
	fallback   Fallback
	summarizer summary.Summarizer
	logger     *slog.Logger
}

// NewResolver returns a resolver. summarizer may be nil.
func NewResolver(store Store, fallback Fallback, summarizer summary.Summarizer, logger *slog.Logger) *Resolver {
	return &Resolver{store: store, fallback: fallback, summarizer: summarizer, logger: logger}
}

// Resolve finds the user an inbound webhook belongs to. The first match of
// installation link, userId and global fallback wins.
func (r *Resolver) Resolve(ctx context.Context, in Inbound) (*Target, error) {
	if in.InstallationID != 0 {
		user, err := r.byInstallation(ctx, in.InstallationID)
		if err != nil {
			return nil, err
		}
		if user != nil {
			return &Target{User: user, Via: ViaInstallation}, nil
		}
	}

	if in.UserID != "" {
		user, err := r.store.GetUser(ctx, in.UserID)
		switch {
		case err == nil:
			return &Target{User: user, Via: ViaUser}, nil
		case errors.Is(err, subscription.ErrUserNotFound):
			r.logger.Warn("Webhook user not found", "userId", in.UserID)
		default:
			return nil, fmt.Errorf("loading user %s: %w", in.UserID, err)
		}
	}

	if r.fallback.configured() {
		return &Target{
			User: &subscription.User{
				TelegramChatID:   r.fallback.ChatID,
				TelegramBotToken: r.fallback.BotToken,
			},
			Via: ViaGlobal,
		}, nil
	}

	return nil, ErrNoRecipient
}

func (r *Resolver) byInstallation(ctx context.Context, id int64) (*subscription.User, error) {
	inst, err := r.store.GetInstallation(ctx, id)
	if errors.Is(err, subscription.ErrInstallationNotFound) {
		r.logger.Warn("No installation found, trying next route", "installationId", id)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading installation %d: %w", id, err)
	}
	if !inst.Claimed() {
		r.logger.Debug("Installation not claimed yet", "installationId", id, "account", inst.AccountLogin)
		return nil, nil
	}

	user, err := r.store.GetUser(ctx, inst.UserID)
	if errors.Is(err, subscription.ErrUserNotFound) {
		r.logger.Warn("Installation owner no longer exists", "installationId", id, "userId", inst.UserID)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading installation owner: %w", err)
	}
	return user, nil
}

// Enrich adds an AI summary of p.RawPayload when the target user asked for
// one. Summarizer failures are logged and leave p unchanged.
func (r *Resolver) Enrich(ctx context.Context, t *Target, p *notification.Payload) {
	if r.summarizer == nil || t == nil || t.User == nil || !t.User.Preferences.AISummary {
		return
	}
	line, err := r.summarizer.Summarize(ctx, summary.Input{Source: p.Source, EventType: p.EventType, Payload: p.RawPayload})
	if err != nil {
		r.logger.Warn("AI summary failed", "source", p.Source, "event", p.EventType, "error", err)
		return
	}
	p.Summary = line
}

// ApplyInstallation keeps stored installations in step with GitHub App
// lifecycle events. New installations stay unclaimed until an admin links
// them to a user.
func (r *Resolver) ApplyInstallation(ctx context.Context, change *analyzer.InstallationChange) error {
	if change == nil || change.InstallationID == 0 {
		return nil
	}
	switch change.Action {
	case "created":
		r.logger.Info("New GitHub App installation", "installationId", change.InstallationID, "account", change.AccountLogin)
		return r.store.UpsertInstallation(ctx, &subscription.Installation{
			InstallationID:      change.InstallationID,
			AccountLogin:        change.AccountLogin,
			AccountID:           change.AccountID,
			AccountType:         change.AccountType,
			RepositorySelection: change.RepositorySelection,
		})
	case "deleted":
		r.logger.Info("GitHub App uninstalled", "installationId", change.InstallationID, "account", change.AccountLogin)
		return r.store.DeleteInstallation(ctx, change.InstallationID)
	}
	return nil
}
