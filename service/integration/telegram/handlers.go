package telegram

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/mymmrac/telego"

	"pinga/service/devflow"
	"pinga/service/notification"
	"pinga/service/relay"
	"pinga/service/subscription"
	"pinga/service/util"
)

const secretTokenHeader = "X-Telegram-Bot-Api-Secret-Token"

const (
	msgLinked       = "✅ Successfully connected your Telegram account to Pinga! You will now receive notifications here."
	msgUserNotFound = "❌ Could not find a user account to link. Please try again from the dashboard."
	msgInvalidCode  = "❌ Invalid link code."
	msgHello        = "👋 Hello! To connect your account, please use the link provided in your Pinga Dashboard."
)

// Users links Telegram chats to user accounts.
type Users interface {
	GetUser(ctx context.Context, id string) (*subscription.User, error)
	LinkTelegram(ctx context.Context, userID, chatID string) error
}

// Commands handles chat commands such as !devflow.
type Commands interface {
	Handle(ctx context.Context, src devflow.Source, text string, m notification.Markup) (string, bool)
}

type Handlers struct {
	users       Users
	messenger   *Messenger
	commands    Commands
	secretToken string
	logger      *slog.Logger

	mu          sync.RWMutex
	botUsername string
}

func NewHandlers(users Users, messenger *Messenger, commands Commands, secretToken string, logger *slog.Logger) *Handlers {
	return &Handlers{
		users:       users,
		messenger:   messenger,
		commands:    commands,
		secretToken: secretToken,
		logger:      logger,
	}
}

// HandleWebhook receives bot updates pushed by Telegram.
func (h *Handlers) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	if h.secretToken != "" && !util.VerifyHeaderSecret(r, secretTokenHeader, h.secretToken) {
		util.JSONError(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var update telego.Update
	if err := util.DecodeJSON(r, &update); err != nil {
		h.logger.Error("Telegram webhook error", "error", err)
		util.WriteJSON(w, http.StatusInternalServerError, map[string]bool{"ok": false})
		return
	}

	if update.Message != nil && update.Message.Text != "" {
		h.handleMessage(r.Context(), update.Message)
	}

	util.WriteJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (h *Handlers) handleMessage(ctx context.Context, msg *telego.Message) {
	chatID := strconv.FormatInt(msg.Chat.ID, 10)
	text := msg.Text

	if strings.HasPrefix(text, "/start") {
		h.reply(ctx, chatID, h.start(ctx, chatID, text))
		return
	}

	if h.commands == nil {
		return
	}

	src := devflow.Source{
		Channel:   relay.ChannelTelegram,
		ChatID:    chatID,
		MessageID: strconv.Itoa(msg.MessageID),
	}
	if reply, handled := h.commands.Handle(ctx, src, text, h.messenger.Markup()); handled {
		if err := h.messenger.SendFormatted(ctx, "", chatID, reply); err != nil {
			h.logger.Error("Failed to send telegram reply", "chatID", chatID, "error", err)
		}
	}
}

func (h *Handlers) start(ctx context.Context, chatID, text string) string {
	parts := strings.Fields(text)
	if len(parts) < 2 {
		return msgHello
	}

	userID := parts[1]
	err := h.users.LinkTelegram(ctx, userID, chatID)
	switch {
	case err == nil:
		h.logger.Info("Linked Telegram chat", "chatID", chatID, "userID", userID)
		return msgLinked
	case errors.Is(err, subscription.ErrUserNotFound):
		return msgUserNotFound
	default:
		h.logger.Error("Error linking user", "userID", userID, "error", err)
		return msgInvalidCode
	}
}

func (h *Handlers) reply(ctx context.Context, chatID, text string) {
	if err := h.messenger.Reply(ctx, chatID, text); err != nil {
		h.logger.Error("Failed to send telegram reply", "chatID", chatID, "error", err)
	}
}

func (h *Handlers) SetBotUsername(name string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.botUsername = strings.TrimPrefix(name, "@")
}

func (h *Handlers) username() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.botUsername
}

type linkResponse struct {
	UserID string `json:"userId"`
	Link   string `json:"link"`
}

// HandleLink returns the deep link that connects a chat to the user, as
// JSON or, with ?format=png, as a QR code.
func (h *Handlers) HandleLink(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "id")

	bot := h.username()
	if bot == "" {
		util.JSONError(w, "Telegram bot username unknown", http.StatusServiceUnavailable)
		return
	}

	if _, err := h.users.GetUser(r.Context(), userID); err != nil {
		if errors.Is(err, subscription.ErrUserNotFound) {
			util.JSONError(w, "User not found", http.StatusNotFound)
			return
		}
		util.LogAndError(w, h.logger, "Failed to load user", http.StatusInternalServerError, err)
		return
	}

	link := DeepLink(bot, userID)
	if r.URL.Query().Get("format") != "png" {
		util.WriteJSON(w, http.StatusOK, linkResponse{UserID: userID, Link: link})
		return
	}

	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	if err := WriteQRCode(w, link); err != nil {
		h.logger.Error("Failed to write QR code", "error", err)
	}
}
