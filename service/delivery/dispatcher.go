package delivery

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/sourcegraph/conc/iter"

	"pinga/service/notification"
	"pinga/service/subscription"
)

const legacyTelegramName = "Telegram (legacy)"

// Dispatcher fans a payload out to every eligible channel of a user through
// the sender registered for the channel's type.
type Dispatcher struct {
	mu      sync.RWMutex
	senders map[subscription.ChannelType]Sender
	logger  *slog.Logger
}

func NewDispatcher(logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		senders: make(map[subscription.ChannelType]Sender),
		logger:  logger,
	}
}

func (d *Dispatcher) RegisterSender(channel subscription.ChannelType, sender Sender) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.senders[channel] = sender
}

func (d *Dispatcher) DeregisterSender(channel subscription.ChannelType) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.senders, channel)
}

func (d *Dispatcher) HasChannel(channel subscription.ChannelType) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.senders[channel]
	return ok
}

func (d *Dispatcher) sender(channel subscription.ChannelType) (Sender, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	s, ok := d.senders[channel]
	return s, ok
}

type target struct {
	channel subscription.ChannelType
	name    string
	config  subscription.ChannelConfig
	sender  Sender
}

// Send delivers p to the user's channels and reports each attempt. A source
// outside the user's allowed list yields an empty report without any
// delivery.
func (d *Dispatcher) Send(ctx context.Context, user *subscription.User, p notification.Payload) Report {
	if !sourceAllowed(user.Preferences.AllowedSources, p.Source) {
		d.logger.Info("Skipping notification from source not in allowed list", "user", user.ID, "source", p.Source)
		return Report{Results: []Result{}}
	}

	var targets []target
	var failures []Result

	if user.HasLegacyTelegram() {
		if s, ok := d.sender(subscription.ChannelTelegram); ok {
			targets = append(targets, target{
				channel: subscription.ChannelTelegram,
				name:    legacyTelegramName,
				config:  subscription.TelegramConfig{ChatID: user.TelegramChatID, BotToken: user.TelegramBotToken},
				sender:  s,
			})
		} else {
			d.logger.Warn("Telegram sender not registered, skipping legacy Telegram", "user", user.ID)
		}
	}

	for _, ch := range user.Channels {
		if !ch.Enabled {
			continue
		}

		name := ch.DisplayName()

		cfg, err := ch.Decode()
		if err != nil {
			d.logger.Warn("Invalid channel config", "user", user.ID, "channel", name, "type", ch.Type, "error", err)
			failures = append(failures, Result{Channel: ch.Type, Name: name, Error: err.Error()})
			continue
		}

		if !ch.Rules.Allows(p) {
			d.logger.Debug("Channel filtered by webhook rules", "user", user.ID, "channel", name, "source", p.Source, "event", p.EventType)
			continue
		}

		s, ok := d.sender(ch.Type)
		if !ok {
			d.logger.Warn("Unknown channel type", "user", user.ID, "channel", name, "type", ch.Type)
			continue
		}

		targets = append(targets, target{channel: ch.Type, name: name, config: cfg, sender: s})
	}

	results := iter.Map(targets, func(t *target) Result {
		return d.deliver(ctx, *t, p)
	})

	report := Report{Results: append(failures, results...)}
	if report.Results == nil {
		report.Results = []Result{}
	}

	d.logger.Info("Notification dispatched",
		"user", user.ID,
		"source", p.Source,
		"channels", len(report.Results),
		"delivered", report.SuccessCount())

	return report
}

func (d *Dispatcher) deliver(ctx context.Context, t target, p notification.Payload) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("Channel sender panicked", "channel", t.name, "type", t.channel, "panic", r)
			res = Result{Channel: t.channel, Name: t.name, Error: fmt.Sprintf("sender panic: %v", r)}
		}
	}()

	res = t.sender.Send(ctx, t.config, p)
	res.Channel = t.channel
	res.Name = t.name

	if !res.Success {
		d.logger.Warn("Failed to send to channel", "channel", t.name, "type", t.channel, "error", res.Error)
	}
	return res
}

func sourceAllowed(allowed []string, source string) bool {
	return len(allowed) == 0 || source == "" || slices.Contains(allowed, source)
}
