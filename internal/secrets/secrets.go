// Package secrets seals and opens provider credentials. The rest of the
// system treats credential material as opaque ciphertext; only this package
// holds the key.
package secrets

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/recoup-ai/recoup/internal/model"
)

// Box encrypts and decrypts small secrets with XChaCha20-Poly1305.
// The nonce is generated per seal and prefixed to the ciphertext.
type Box struct {
	key []byte
}

// NewBox derives a Box from a base64-encoded 32-byte key.
func NewBox(encodedKey string) (*Box, error) {
	if encodedKey == "" {
		return nil, fmt.Errorf("secrets: key is required")
	}
	key, err := base64.StdEncoding.DecodeString(encodedKey)
	if err != nil {
		return nil, fmt.Errorf("secrets: decode key: %w", err)
	}
	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("secrets: key must be %d bytes, got %d", chacha20poly1305.KeySize, len(key))
	}
	return &Box{key: key}, nil
}

// Seal encrypts plaintext.
func (b *Box) Seal(plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(b.key)
	if err != nil {
		return nil, fmt.Errorf("secrets: init cipher: %w", err)
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("secrets: generate nonce: %w", err)
	}
	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Open decrypts ciphertext produced by Seal.
func (b *Box) Open(ciphertext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(b.key)
	if err != nil {
		return nil, fmt.Errorf("secrets: init cipher: %w", err)
	}
	if len(ciphertext) < aead.NonceSize() {
		return nil, fmt.Errorf("secrets: ciphertext too short")
	}
	nonce, sealed := ciphertext[:aead.NonceSize()], ciphertext[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("secrets: open: %w", err)
	}
	return plaintext, nil
}

// SealCredentials serializes and encrypts a credential bundle.
func (b *Box) SealCredentials(creds model.CredentialBundle) ([]byte, error) {
	plaintext, err := json.Marshal(creds)
	if err != nil {
		return nil, fmt.Errorf("secrets: marshal credentials: %w", err)
	}
	return b.Seal(plaintext)
}

// OpenCredentials decrypts and deserializes a credential bundle.
func (b *Box) OpenCredentials(ciphertext []byte) (model.CredentialBundle, error) {
	plaintext, err := b.Open(ciphertext)
	if err != nil {
		return model.CredentialBundle{}, err
	}
	var creds model.CredentialBundle
	if err := json.Unmarshal(plaintext, &creds); err != nil {
		return model.CredentialBundle{}, fmt.Errorf("secrets: unmarshal credentials: %w", err)
	}
	return creds, nil
}

// GenerateKey returns a fresh base64-encoded box key. Used by tooling and
// tests; production keys come from the environment.
func GenerateKey() (string, error) {
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := rand.Read(key); err != nil {
		return "", fmt.Errorf("secrets: generate key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(key), nil
}
