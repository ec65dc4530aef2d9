package slack

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"strconv"
	"time"
)

const (
	signatureHeader = "X-Slack-Signature"
	timestampHeader = "X-Slack-Request-Timestamp"
	maxRequestAge   = 5 * time.Minute
)

var (
	ErrInvalidSignature = errors.New("invalid slack signature")
	ErrStaleRequest     = errors.New("stale slack request")
)

// Sign computes the v0 signature of body sent at timestamp.
func Sign(secret, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte("v0:" + timestamp + ":"))
	mac.Write(body)
	return "v0=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifyRequest checks the signing secret signature of an events request.
// Requests older than five minutes are rejected to stop replays.
func VerifyRequest(h http.Header, body []byte, secret string, now time.Time) error {
	if secret == "" {
		return ErrInvalidSignature
	}

	ts := h.Get(timestampHeader)
	sig := h.Get(signatureHeader)
	if ts == "" || sig == "" {
		return ErrInvalidSignature
	}

	sec, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return ErrInvalidSignature
	}
	if age := now.Sub(time.Unix(sec, 0)); age > maxRequestAge || age < -maxRequestAge {
		return ErrStaleRequest
	}

	if !hmac.Equal([]byte(sig), []byte(Sign(secret, ts, body))) {
		return ErrInvalidSignature
	}
	return nil
}
