package webpush

import (
	"crypto/ecdh"
	"crypto/elliptic"
	"encoding/base64"
	"fmt"
	"math/big"
	"net/url"
	"strings"

	"pinga/service/subscription"
)

// Normalize validates a push subscription and re-encodes its keys as
// unpadded base64url. Encrypted endpoints must use https.
func Normalize(cfg subscription.WebPushConfig) (subscription.WebPushConfig, error) {
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	if err := validatePushEndpoint(cfg.Endpoint, cfg.HasEncryption()); err != nil {
		return cfg, err
	}
	if !cfg.HasEncryption() {
		return cfg, nil
	}

	var err error
	if cfg.P256dh, err = normalizeP256DH(cfg.P256dh); err != nil {
		return cfg, err
	}
	if cfg.Auth, err = normalizeAuthSecret(cfg.Auth); err != nil {
		return cfg, err
	}
	if cfg.VapidPrivateKey, err = normalizeVAPIDPrivateKey(cfg.VapidPrivateKey); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func validatePushEndpoint(raw string, requireHTTPS bool) error {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u == nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("invalid push endpoint URL")
	}

	if u.Scheme != "https" && u.Scheme != "http" {
		return fmt.Errorf("push endpoint must use http or https")
	}

	if requireHTTPS && u.Scheme != "https" {
		return fmt.Errorf("encrypted webpush endpoint must use https")
	}

	return nil
}

func normalizeVAPIDPrivateKey(raw string) (string, error) {
	decoded, err := decodeBase64URL(raw)
	if err != nil {
		return "", fmt.Errorf("invalid VAPID private key encoding")
	}

	if len(decoded) != 32 {
		return "", fmt.Errorf("invalid VAPID private key length: expected 32 bytes, got %d", len(decoded))
	}

	n := elliptic.P256().Params().N
	d := new(big.Int).SetBytes(decoded)
	if d.Sign() <= 0 || d.Cmp(n) >= 0 {
		return "", fmt.Errorf("invalid VAPID private key scalar")
	}

	return base64.RawURLEncoding.EncodeToString(decoded), nil
}

// vapidPublicKey derives the application server key from the private key.
func vapidPublicKey(privateKey string) (string, error) {
	decoded, err := decodeBase64URL(privateKey)
	if err != nil {
		return "", fmt.Errorf("invalid VAPID private key encoding")
	}
	key, err := ecdh.P256().NewPrivateKey(decoded)
	if err != nil {
		return "", fmt.Errorf("invalid VAPID private key: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(key.PublicKey().Bytes()), nil
}

func normalizeP256DH(raw string) (string, error) {
	decoded, err := decodeBase64URL(raw)
	if err != nil {
		return "", fmt.Errorf("invalid p256dh encoding")
	}

	if len(decoded) != 65 || decoded[0] != 0x04 {
		return "", fmt.Errorf("invalid p256dh key format")
	}

	if _, err := ecdh.P256().NewPublicKey(decoded); err != nil {
		return "", fmt.Errorf("invalid p256dh point")
	}

	return base64.RawURLEncoding.EncodeToString(decoded), nil
}

func normalizeAuthSecret(raw string) (string, error) {
	decoded, err := decodeBase64URL(raw)
	if err != nil {
		return "", fmt.Errorf("invalid auth encoding")
	}

	if len(decoded) != 16 {
		return "", fmt.Errorf("invalid auth length: expected 16 bytes, got %d", len(decoded))
	}

	return base64.RawURLEncoding.EncodeToString(decoded), nil
}

func decodeBase64URL(raw string) ([]byte, error) {
	key := strings.TrimSpace(raw)
	if decoded, err := base64.RawURLEncoding.DecodeString(key); err == nil {
		return decoded, nil
	}
	return base64.URLEncoding.DecodeString(key)
}
