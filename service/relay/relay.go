package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"pinga/service/notification"
)

var (
	ErrTaskNotFound  = errors.New("task not found")
	ErrInvalidStatus = errors.New("invalid task status")
	ErrNoMessenger   = errors.New("no messenger for channel")
)

// Channel is the chat platform a task was started from.
type Channel string

const (
	ChannelTelegram Channel = "telegram"
	ChannelSlack    Channel = "slack"
)

func (c Channel) Valid() bool {
	return c == ChannelTelegram || c == ChannelSlack
}

type Status string

const (
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Update is a progress event sent by the agent host.
type Update struct {
	TaskID    string  `json:"taskId"`
	Status    Status  `json:"status"`
	Step      string  `json:"step"`
	Progress  float64 `json:"progress"`
	Details   string  `json:"details,omitempty"`
	Error     string  `json:"error,omitempty"`
	Timestamp int64   `json:"timestamp,omitempty"`
}

// Mapping remembers where a task's updates go.
type Mapping struct {
	TaskID    string    `json:"taskId" db:"task_id"`
	ChatID    string    `json:"chatId" db:"chat_id"`
	Channel   Channel   `json:"channel" db:"channel"`
	Token     string    `json:"-" db:"token"`
	CreatedAt time.Time `json:"createdAt" db:"created_at"`
}

// Messenger sends a message already formatted in its own Markup dialect.
type Messenger interface {
	Markup() notification.Markup
	SendFormatted(ctx context.Context, token, chatID, text string) error
}

type Outcome struct {
	Channel   Channel `json:"channel"`
	ChatID    string  `json:"chatId"`
	Message   string  `json:"-"`
	Delivered bool    `json:"delivered"`
}

// Relay routes agent progress updates back to the chat a task came from.
type Relay struct {
	store      Store
	mu         sync.RWMutex
	messengers map[Channel]Messenger
	logger     *slog.Logger
}

func New(store Store, logger *slog.Logger) *Relay {
	return &Relay{
		store:      store,
		messengers: make(map[Channel]Messenger),
		logger:     logger,
	}
}

func (r *Relay) RegisterMessenger(ch Channel, m Messenger) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messengers[ch] = m
}

func (r *Relay) messenger(ch Channel) (Messenger, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.messengers[ch]
	return m, ok
}

// Store records or replaces the mapping for taskID.
func (r *Relay) Store(ctx context.Context, taskID, chatID string, ch Channel, token string) error {
	if taskID == "" || chatID == "" {
		return errors.New("taskId and chatId are required")
	}
	if !ch.Valid() {
		return fmt.Errorf("unsupported task channel %q", ch)
	}
	return r.store.Put(ctx, Mapping{
		TaskID:    taskID,
		ChatID:    chatID,
		Channel:   ch,
		Token:     token,
		CreatedAt: time.Now().UTC(),
	})
}

// Receive formats u for the chat its task came from and sends it. A missing
// mapping returns ErrTaskNotFound without sending anything. Delivery
// failures are logged and reported in the Outcome.
func (r *Relay) Receive(ctx context.Context, u Update) (Outcome, error) {
	switch u.Status {
	case StatusInProgress, StatusCompleted, StatusFailed:
	default:
		return Outcome{}, fmt.Errorf("%w: %q", ErrInvalidStatus, u.Status)
	}

	m, err := r.store.Get(ctx, u.TaskID)
	if err != nil {
		if errors.Is(err, ErrTaskNotFound) {
			r.logger.Warn("No mapping found for task", "taskID", u.TaskID)
		}
		return Outcome{}, err
	}

	messenger, ok := r.messenger(m.Channel)
	if !ok {
		return Outcome{}, fmt.Errorf("%w: %s", ErrNoMessenger, m.Channel)
	}

	out := Outcome{Channel: m.Channel, ChatID: m.ChatID, Message: Format(u, messenger.Markup())}
	if err := messenger.SendFormatted(ctx, m.Token, m.ChatID, out.Message); err != nil {
		r.logger.Error("Failed to relay task update", "taskID", u.TaskID, "channel", m.Channel, "error", err)
		return out, nil
	}

	out.Delivered = true
	r.logger.Info("Task update relayed", "taskID", u.TaskID, "status", u.Status, "channel", m.Channel)
	return out, nil
}

// Sweep drops expired mappings.
func (r *Relay) Sweep(ctx context.Context) (int, error) {
	return r.store.Sweep(ctx)
}

func clamp(p float64) float64 {
	if math.IsNaN(p) || p < 0 {
		return 0
	}
	if p > 1 {
		return 1
	}
	return p
}

const progressSegments = 10

// ProgressBar renders p in [0,1] as ten segments, round(p*10) of them filled.
func ProgressBar(p float64) string {
	filled := int(math.Round(clamp(p) * progressSegments))
	return "[" + strings.Repeat("█", filled) + strings.Repeat("░", progressSegments-filled) + "]"
}

// Format renders a task update in the given chat dialect.
func Format(u Update, m notification.Markup) string {
	var b strings.Builder

	switch u.Status {
	case StatusInProgress:
		b.WriteString("⏳ " + m.Bold(u.Step) + "\n\n")
		pct := int(math.Round(clamp(u.Progress) * 100))
		b.WriteString(m.Escape(fmt.Sprintf("%s %d%%", ProgressBar(u.Progress), pct)) + "\n\n")
		if u.Details != "" {
			b.WriteString("📝 " + m.Escape(u.Details) + "\n\n")
		}
	case StatusCompleted:
		b.WriteString("✅ " + m.Bold("Task Completed!") + "\n\n")
		b.WriteString(m.Escape(u.Step) + "\n\n")
		if u.Details != "" {
			b.WriteString("📊 " + m.Escape(u.Details) + "\n\n")
		}
	case StatusFailed:
		b.WriteString("❌ " + m.Bold("Task Failed") + "\n\n")
		b.WriteString(m.Escape(u.Step) + "\n\n")
		errText := u.Error
		if errText == "" {
			errText = "Unknown error"
		}
		b.WriteString(m.Escape("Error: "+errText) + "\n\n")
	}

	b.WriteString(m.Escape("Task ID: ") + m.Code(u.TaskID))
	return b.String()
}
