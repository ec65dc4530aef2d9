package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"pinga/service/delivery"
)

const DefaultAPIURL = "https://slack.com/api"

var ErrNotConfigured = errors.New("slack bot token not configured")

// APIError is an ok:false answer from the Web API.
type APIError struct {
	Code string
}

func (e *APIError) Error() string {
	return "Slack API error: " + e.Code
}

// Client calls the Slack Web API with a bot token.
type Client struct {
	apiURL     string
	httpClient *http.Client
}

func NewClient(apiURL string, httpClient *http.Client) *Client {
	if apiURL == "" {
		apiURL = DefaultAPIURL
	}
	return &Client{apiURL: strings.TrimRight(apiURL, "/"), httpClient: httpClient}
}

type postMessageRequest struct {
	Channel string  `json:"channel"`
	Text    string  `json:"text"`
	Blocks  []Block `json:"blocks,omitempty"`
}

type apiResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error"`
}

// PostMessage sends text, and optionally blocks, to a channel. Text is the
// notification fallback when blocks are given.
func (c *Client) PostMessage(ctx context.Context, token, channel, text string, blocks []Block) error {
	if token == "" {
		return delivery.NewPermanentError(ErrNotConfigured)
	}

	body, err := json.Marshal(postMessageRequest{Channel: channel, Text: text, Blocks: blocks})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL+"/chat.postMessage", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("slack request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10)) //nolint:errcheck
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &delivery.HTTPError{Service: "Slack API", StatusCode: resp.StatusCode, Body: string(raw)}
	}

	var out apiResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return fmt.Errorf("invalid slack response: %w", err)
	}
	if !out.OK {
		return &APIError{Code: out.Error}
	}
	return nil
}
