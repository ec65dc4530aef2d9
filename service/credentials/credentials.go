package credentials

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/scrypt"
)

// sealedPrefix marks values produced by Seal so plaintext values written
// before encryption was configured still read back.
const sealedPrefix = "enc:v1:"

var (
	ErrCorrupted      = errors.New("credential corrupted or key changed")
	ErrReservedPrefix = errors.New("credential must not start with " + sealedPrefix)
)

// Sealer encrypts channel secrets at rest with AES-256-GCM under a key
// derived from CREDENTIAL_ENCRYPTION_KEY. A nil Sealer stores plaintext.
type Sealer struct {
	key []byte
}

func NewSealer(masterPassword string) (*Sealer, error) {
	if masterPassword == "" {
		return nil, nil
	}
	key, err := deriveKey(masterPassword)
	if err != nil {
		return nil, fmt.Errorf("failed to derive encryption key: %w", err)
	}
	return &Sealer{key: key}, nil
}

func deriveKey(password string) ([]byte, error) {
	salt := []byte("pinga-channel-credentials-v1")
	return scrypt.Key([]byte(password), salt, 32768, 8, 1, 32)
}

func (s *Sealer) gcm() (cipher.AEAD, error) {
	block, err := aes.NewCipher(s.key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// Seal encrypts plaintext. Values this Sealer already sealed are returned
// unchanged; any other value carrying the sealed prefix is sealed again, or
// rejected when no key is configured.
func (s *Sealer) Seal(plaintext string) (string, error) {
	if plaintext == "" {
		return plaintext, nil
	}
	if s == nil {
		if IsSealed(plaintext) {
			return "", ErrReservedPrefix
		}
		return plaintext, nil
	}
	if IsSealed(plaintext) {
		if _, err := s.Open(plaintext); err == nil {
			return plaintext, nil
		}
	}

	gcm, err := s.gcm()
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}

	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return sealedPrefix + base64.StdEncoding.EncodeToString(ciphertext), nil
}

func (s *Sealer) Open(value string) (string, error) {
	if !IsSealed(value) {
		return value, nil
	}
	if s == nil {
		return "", fmt.Errorf("%w: no encryption key configured", ErrCorrupted)
	}

	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(value, sealedPrefix))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrCorrupted, err)
	}

	gcm, err := s.gcm()
	if err != nil {
		return "", err
	}

	if len(raw) < gcm.NonceSize() {
		return "", fmt.Errorf("%w: ciphertext too short", ErrCorrupted)
	}

	nonce, ciphertext := raw[:gcm.NonceSize()], raw[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrCorrupted, err)
	}

	return string(plaintext), nil
}

func IsSealed(value string) bool {
	return strings.HasPrefix(value, sealedPrefix)
}
