package state

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"strings"
)

const (
	// EncryptionKeyEnvVar is the environment variable holding the state
	// encryption key.
	EncryptionKeyEnvVar = "ANNEAL_STATE_KEY"

	// Header marking a fully encrypted state document.
	sealedHeader = "# ANNEAL_ENCRYPTED_STATE\n"
)

// Sealer encrypts and decrypts state material with AES-256-GCM. It
// seals individual secret values into envelopes and, for the file
// backend, whole state documents. A nil Sealer means no key is
// configured; secrets then cannot be persisted.
type Sealer struct {
	aead cipher.AEAD
}

// NewSealer builds a Sealer from a key. Keys shorter than 32 bytes are
// zero-padded, longer ones truncated.
func NewSealer(key []byte) (*Sealer, error) {
	fixed := make([]byte, 32)
	copy(fixed, key)

	block, err := aes.NewCipher(fixed)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return &Sealer{aead: aead}, nil
}

// SealerFromEnv builds a Sealer from ANNEAL_STATE_KEY, or returns nil
// when the variable is unset.
func SealerFromEnv() (*Sealer, error) {
	key := os.Getenv(EncryptionKeyEnvVar)
	if key == "" {
		return nil, nil
	}
	return NewSealer([]byte(key))
}

// Enabled reports whether encryption is available.
func (s *Sealer) Enabled() bool { return s != nil && s.aead != nil }

// Seal encrypts a value and returns base64(nonce || ciphertext).
func (s *Sealer) Seal(plaintext []byte) (string, error) {
	if !s.Enabled() {
		return "", fmt.Errorf("state encryption key %s is not set", EncryptionKeyEnvVar)
	}
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	sealed := s.aead.Seal(nonce, nonce, plaintext, nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Open decrypts a value produced by Seal.
func (s *Sealer) Open(encoded string) ([]byte, error) {
	if !s.Enabled() {
		return nil, fmt.Errorf("state contains encrypted values but %s is not set", EncryptionKeyEnvVar)
	}
	sealed, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("failed to decode encrypted value: %w", err)
	}
	nonceSize := s.aead.NonceSize()
	if len(sealed) < nonceSize {
		return nil, fmt.Errorf("ciphertext too short")
	}
	nonce, ciphertext := sealed[:nonceSize], sealed[nonceSize:]
	plaintext, err := s.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt value (wrong key?): %w", err)
	}
	return plaintext, nil
}

// SealDocument encrypts a whole state document. With no key configured
// the content passes through unchanged.
func (s *Sealer) SealDocument(content []byte) ([]byte, error) {
	if !s.Enabled() {
		return content, nil
	}
	encoded, err := s.Seal(content)
	if err != nil {
		return nil, err
	}
	return []byte(sealedHeader + encoded + "\n"), nil
}

// OpenDocument decrypts a state document if it carries the sealed
// header, else returns it unchanged.
func (s *Sealer) OpenDocument(content []byte) ([]byte, error) {
	if !IsSealed(content) {
		return content, nil
	}
	encoded := strings.TrimPrefix(string(content), sealedHeader)
	return s.Open(strings.TrimSpace(encoded))
}

// IsSealed checks whether a state document is encrypted.
func IsSealed(content []byte) bool {
	return strings.HasPrefix(string(content), sealedHeader)
}
