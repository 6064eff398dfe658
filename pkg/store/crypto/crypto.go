// Package crypto is the minimal credential-at-rest codec the Store uses
// to seal Connection.APIKey and Connection.WebhookSecret before writing
// them to a bucket, and open them again before returning a Connection to
// a caller. This is explicitly a non-core concern (spec.md §1, §9): no
// key rotation, no KMS integration, a single symmetric key from
// POLLER_ENCRYPTION_KEY for the process lifetime.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
)

// Codec seals and opens credential fields with AES-256-GCM.
type Codec struct {
	gcm cipher.AEAD
}

// NewCodec builds a Codec from a 64-character hex-encoded 32-byte key,
// the format POLLER_ENCRYPTION_KEY is required to be in.
func NewCodec(hexKey string) (*Codec, error) {
	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("decode encryption key: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("encryption key must decode to 32 bytes, got %d", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("new GCM: %w", err)
	}
	return &Codec{gcm: gcm}, nil
}

// Seal encrypts plaintext, returning nonce||ciphertext hex-encoded.
func (c *Codec) Seal(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	nonce := make([]byte, c.gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	sealed := c.gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return hex.EncodeToString(sealed), nil
}

// Open decrypts a value produced by Seal.
func (c *Codec) Open(sealedHex string) (string, error) {
	if sealedHex == "" {
		return "", nil
	}
	sealed, err := hex.DecodeString(sealedHex)
	if err != nil {
		return "", fmt.Errorf("decode sealed value: %w", err)
	}
	nonceSize := c.gcm.NonceSize()
	if len(sealed) < nonceSize {
		return "", errors.New("sealed value shorter than nonce")
	}
	nonce, ciphertext := sealed[:nonceSize], sealed[nonceSize:]
	plaintext, err := c.gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("open sealed value: %w", err)
	}
	return string(plaintext), nil
}
