package util

import (
	"crypto/subtle"
	"encoding/base64"
	"net"
	"net/http"
	"strings"
)

// VerifyAPIKey accepts "Bearer <key>" or HTTP Basic with the key as password.
func VerifyAPIKey(r *http.Request, apiKey string) bool {
	auth := r.Header.Get("Authorization")
	if auth == "" || apiKey == "" {
		return false
	}

	var password string

	switch {
	case strings.HasPrefix(auth, "Bearer "):
		password = strings.TrimPrefix(auth, "Bearer ")
	case strings.HasPrefix(auth, "Basic "):
		payload := strings.TrimPrefix(auth, "Basic ")
		decoded, err := base64.StdEncoding.DecodeString(payload)
		if err != nil {
			return false
		}
		_, pass, ok := strings.Cut(string(decoded), ":")
		if !ok {
			return false
		}
		password = pass
	default:
		return false
	}

	return SecretsEqual(password, apiKey)
}

// VerifyHeaderSecret checks a shared secret sent in a plain header, as the
// agent host does with X-API-Secret.
func VerifyHeaderSecret(r *http.Request, header, secret string) bool {
	if secret == "" {
		return false
	}
	return SecretsEqual(r.Header.Get(header), secret)
}

func SecretsEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func GetClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil || host == "" {
		return r.RemoteAddr
	}
	return host
}

func IsLocalhost(ip string) bool {
	parsedIP := net.ParseIP(ip)
	if parsedIP == nil {
		return false
	}
	return parsedIP.IsLoopback()
}
