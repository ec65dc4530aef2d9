package summary

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"pinga/service/util"
)

const (
	DefaultBaseURL = "https://api.groq.com/openai/v1"
	DefaultModel   = "llama-3.1-8b-instant"

	// maxPayloadChars bounds the raw event JSON sent to the model.
	maxPayloadChars = 2000
	maxTokens       = 120
)

var ErrEmptySummary = errors.New("model returned an empty summary")

const systemPrompt = `You are a technical assistant for a developer notification tool.
Your job is to summarize a webhook event into a SINGLE, concise line of text.
Start with an appropriate emoji.
Focus on the "what" and "who".
Do not use markdown bold/italic, just plain text with an emoji.

Examples:
- 🚀 Deploy "web-app" successful by @user
- 🐛 Issue #123 "Fix login bug" opened by @user
- ⭐️ Starred by @user

Return ONLY the summary line, nothing else.`

type Input struct {
	Source    string
	EventType string
	Payload   json.RawMessage
}

// Summarizer produces a one-line description of a webhook event.
type Summarizer interface {
	Summarize(ctx context.Context, in Input) (string, error)
}

// OpenAI talks to any OpenAI-compatible chat completions endpoint.
type OpenAI struct {
	apiKey  string
	model   string
	baseURL string
	client  *http.Client
}

func NewOpenAI(baseURL, apiKey, model string, client *http.Client) (*OpenAI, error) {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid AI base URL: %w", err)
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return nil, fmt.Errorf("invalid AI base URL scheme %q", u.Scheme)
	}
	if model == "" {
		model = DefaultModel
	}
	return &OpenAI{
		apiKey:  apiKey,
		model:   model,
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
	}, nil
}

type chatRequest struct {
	Model       string    `json:"model"`
	Messages    []message `json:"messages"`
	Temperature float64   `json:"temperature"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message message `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func (o *OpenAI) Summarize(ctx context.Context, in Input) (string, error) {
	raw := string(in.Payload)
	var indented bytes.Buffer
	if err := json.Indent(&indented, in.Payload, "", "  "); err == nil {
		raw = indented.String()
	}
	if len(raw) > maxPayloadChars {
		raw = raw[:maxPayloadChars]
	}

	payload := chatRequest{
		Model: o.model,
		Messages: []message{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: fmt.Sprintf("Event Source: %s\nEvent Type: %s\nPayload: %s", in.Source, in.EventType, raw)},
		},
		Temperature: 0.3,
		MaxTokens:   maxTokens,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshalling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+o.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(req) // #nosec G107 -- base URL comes from trusted config
	if err != nil {
		return "", fmt.Errorf("calling AI API: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("reading response body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("AI API error %d: %s", resp.StatusCode, util.Truncate(string(respBody), 200))
	}

	var apiResp chatResponse
	if err := json.Unmarshal(respBody, &apiResp); err != nil {
		return "", fmt.Errorf("parsing API response: %w", err)
	}
	if apiResp.Error != nil {
		return "", fmt.Errorf("AI error: %s", apiResp.Error.Message)
	}
	if len(apiResp.Choices) == 0 {
		return "", ErrEmptySummary
	}

	line := strings.TrimSpace(util.FirstLine(strings.TrimSpace(apiResp.Choices[0].Message.Content)))
	if line == "" {
		return "", ErrEmptySummary
	}
	return line, nil
}
