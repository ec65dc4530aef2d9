package telegram

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/mymmrac/telego"
	"github.com/mymmrac/telego/telegoutil"
	"golang.org/x/time/rate"
)

var ErrNotConfigured = errors.New("telegram bot token not configured")

// Telegram allows roughly one message per second per chat and 30 per
// second per bot; the per-bot budget is what we can enforce here.
const (
	messagesPerSecond = 25
	messageBurst      = 5
)

type bot struct {
	api     *telego.Bot
	limiter *rate.Limiter
}

// Client sends messages through any number of bot tokens, keeping one
// telego bot and one rate limiter per token.
type Client struct {
	apiURL     string
	httpClient *http.Client

	mu   sync.Mutex
	bots map[string]*bot
}

func NewClient(apiURL string, httpClient *http.Client) *Client {
	return &Client{
		apiURL:     strings.TrimRight(apiURL, "/"),
		httpClient: httpClient,
		bots:       make(map[string]*bot),
	}
}

func (c *Client) bot(token string) (*bot, error) {
	if token == "" {
		return nil, ErrNotConfigured
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if b, ok := c.bots[token]; ok {
		return b, nil
	}

	opts := []telego.BotOption{telego.WithDiscardLogger()}
	if c.apiURL != "" {
		opts = append(opts, telego.WithAPIServer(c.apiURL))
	}
	if c.httpClient != nil {
		opts = append(opts, telego.WithHTTPClient(c.httpClient))
	}

	api, err := telego.NewBot(token, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create telegram bot: %w", err)
	}

	b := &bot{api: api, limiter: rate.NewLimiter(rate.Limit(messagesPerSecond), messageBurst)}
	c.bots[token] = b
	return b, nil
}

func (c *Client) GetMe(ctx context.Context, token string) (*telego.User, error) {
	b, err := c.bot(token)
	if err != nil {
		return nil, err
	}
	return b.api.GetMe(ctx)
}

// SendMessage sends text to chatID, a numeric chat ID or an @channel name.
// An empty parseMode sends plain text.
func (c *Client) SendMessage(ctx context.Context, token, chatID, text, parseMode string) error {
	b, err := c.bot(token)
	if err != nil {
		return err
	}

	if err := b.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("telegram rate limit wait: %w", err)
	}

	msg := telegoutil.Message(chatRef(chatID), text).
		WithLinkPreviewOptions(&telego.LinkPreviewOptions{IsDisabled: true})
	if parseMode != "" {
		msg = msg.WithParseMode(parseMode)
	}

	if _, err := b.api.SendMessage(ctx, msg); err != nil {
		return fmt.Errorf("telegram sendMessage failed: %w", err)
	}
	return nil
}

func chatRef(chatID string) telego.ChatID {
	if id, err := strconv.ParseInt(chatID, 10, 64); err == nil {
		return telegoutil.ID(id)
	}
	return telegoutil.Username(chatID)
}
