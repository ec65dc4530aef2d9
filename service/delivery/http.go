package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const DefaultTimeout = 10 * time.Second

func NewHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &http.Client{Timeout: timeout}
}

// PostJSON posts body as JSON and returns an *HTTPError for non-2xx answers.
// Extra headers are applied after Content-Type.
func PostJSON(ctx context.Context, client *http.Client, service, url string, body any, headers map[string]string) error {
	b, err := json.Marshal(body)
	if err != nil {
		return NewPermanentError(fmt.Errorf("failed to encode %s payload: %w", service, err))
	}
	return PostRaw(ctx, client, service, url, b, headers)
}

func PostRaw(ctx context.Context, client *http.Client, service, url string, body []byte, headers map[string]string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return NewPermanentError(fmt.Errorf("invalid %s url: %w", service, err))
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req) // #nosec G107 -- URL is a user-configured delivery endpoint
	if err != nil {
		return fmt.Errorf("%s request failed: %w", service, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096)) //nolint:errcheck
		httpErr := &HTTPError{Service: service, StatusCode: resp.StatusCode, Body: string(raw)}
		if httpErr.Permanent() {
			return NewPermanentError(httpErr)
		}
		return httpErr
	}

	_, _ = io.Copy(io.Discard, resp.Body) //nolint:errcheck
	return nil
}
