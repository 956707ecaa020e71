// Package crypto seals OAuth tokens at rest with AES-256-GCM.
//
// Sealed values are base64 text of nonce || ciphertext || tag so they fit the
// existing TEXT columns.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
)

// DefaultKeyID labels values sealed with the key from ENCRYPTION_KEY.
const DefaultKeyID = "default"

// ErrOpen is returned when a sealed value fails authentication.
var ErrOpen = errors.New("crypto: authentication failed")

// Sealer seals and opens token strings.
type Sealer interface {
	Seal(plaintext string) (string, error)
	Open(sealed string) (string, error)
	KeyID() string
}

// AESGCM is a Sealer backed by a 256-bit key.
type AESGCM struct {
	aead  cipher.AEAD
	keyID string
}

var _ Sealer = (*AESGCM)(nil)

// NewAESGCM builds a sealer from a base64-encoded 32-byte key, for example
// the output of `openssl rand -base64 32`.
func NewAESGCM(base64Key, keyID string) (*AESGCM, error) {
	if base64Key == "" {
		return nil, errors.New("encryption key is empty")
	}
	key, err := base64.StdEncoding.DecodeString(base64Key)
	if err != nil {
		return nil, fmt.Errorf("invalid encryption key: base64 decode failed: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("invalid encryption key: must be 32 bytes, got %d", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	if keyID == "" {
		keyID = DefaultKeyID
	}
	return &AESGCM{aead: aead, keyID: keyID}, nil
}

// KeyID names the key, stored next to sealed rows.
func (a *AESGCM) KeyID() string { return a.keyID }

// Seal encrypts plaintext with a fresh random nonce. An empty string stays empty.
func (a *AESGCM) Seal(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	nonce := make([]byte, a.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	out := a.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(out), nil
}

// Open reverses Seal. Tampered or foreign values yield ErrOpen.
func (a *AESGCM) Open(sealed string) (string, error) {
	if sealed == "" {
		return "", nil
	}
	raw, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return "", fmt.Errorf("base64 decode failed: %w", err)
	}
	n := a.aead.NonceSize()
	if len(raw) < n+a.aead.Overhead() {
		return "", fmt.Errorf("sealed value too short: %d bytes", len(raw))
	}
	plain, err := a.aead.Open(nil, raw[:n], raw[n:], nil)
	if err != nil {
		return "", ErrOpen
	}
	return string(plain), nil
}
