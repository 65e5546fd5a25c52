// Package secret provides the symmetric codec used to protect sensitive
// configuration fields at rest. Tokens are AES-256-GCM ciphertexts with the
// 12-byte nonce prepended, encoded as standard base64 so they can live inside
// a YAML document.
package secret

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

const (
	// KeySize is the raw key file size in bytes (AES-256).
	KeySize = 32
	// NonceSize is the GCM nonce length prepended to every token.
	NonceSize = 12
)

// ErrMalformedToken reports a token too short to contain a nonce.
var ErrMalformedToken = errors.New("secret: malformed token")

// Codec encrypts and decrypts UTF-8 strings with a key loaded from disk.
type Codec struct {
	aead cipher.AEAD
}

// Open loads the key file at path, generating and persisting a fresh random
// key (0600, parent directories 0700) when the file does not exist yet.
func Open(path string) (*Codec, error) {
	key, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		key = make([]byte, KeySize)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("secret: generate key: %w", err)
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("secret: create key dir: %w", err)
		}
		if err := os.WriteFile(path, key, 0o600); err != nil {
			return nil, fmt.Errorf("secret: write key file: %w", err)
		}
	} else if err != nil {
		return nil, fmt.Errorf("secret: read key file %s: %w", path, err)
	}
	if len(key) != KeySize {
		return nil, fmt.Errorf("secret: key file %s holds %d bytes, want %d", path, len(key), KeySize)
	}
	return New(key)
}

// New builds a codec from raw key material.
func New(key []byte) (*Codec, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("secret: init cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("secret: init gcm: %w", err)
	}
	return &Codec{aead: aead}, nil
}

// EncryptString seals plaintext into a base64 token. A fresh nonce is drawn
// per call, so encrypting the same input twice yields different tokens.
func (c *Codec) EncryptString(plaintext string) (string, error) {
	nonce := make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("secret: generate nonce: %w", err)
	}
	sealed := c.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// DecryptString opens a token produced by EncryptString.
func (c *Codec) DecryptString(token string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(token)
	if err != nil {
		return "", fmt.Errorf("secret: decode token: %w", err)
	}
	if len(raw) < NonceSize {
		return "", ErrMalformedToken
	}
	plaintext, err := c.aead.Open(nil, raw[:NonceSize], raw[NonceSize:], nil)
	if err != nil {
		return "", fmt.Errorf("secret: open token: %w", err)
	}
	return string(plaintext), nil
}

// DecryptOrEmpty opens a token and degrades to "" on any failure. Sensitive
// fields fall back to unset rather than blocking a document load when the key
// changed or the token was corrupted.
func (c *Codec) DecryptOrEmpty(token string) string {
	if token == "" {
		return ""
	}
	plaintext, err := c.DecryptString(token)
	if err != nil {
		return ""
	}
	return plaintext
}
