// Package cipher seals note payloads before they enter the sync pipeline.
// The sync layer only ever handles sealed bytes; plaintext never leaves the
// vault process.
package cipher

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
)

// KeySize is the required key length in bytes (AES-256).
const KeySize = 32

// ErrInvalidCiphertext is returned by Open for truncated or tampered input.
var ErrInvalidCiphertext = errors.New("invalid ciphertext")

// Cipher seals and opens payloads. Implementations must be safe for
// concurrent use.
type Cipher interface {
	// Seal encrypts plaintext. The output is self-contained: Open needs
	// nothing beyond the sealed bytes and the key.
	Seal(plaintext []byte) ([]byte, error)

	// Open decrypts sealed bytes produced by Seal. Tampered or truncated
	// input returns ErrInvalidCiphertext.
	Open(sealed []byte) ([]byte, error)
}

// aesGCM is AES-256-GCM with a random nonce prepended to the ciphertext.
type aesGCM struct {
	aead cipher.AEAD
}

// NewAESGCM builds a Cipher from a 32-byte key.
func NewAESGCM(key []byte) (Cipher, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("key must be %d bytes, got %d", KeySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize GCM: %w", err)
	}
	return &aesGCM{aead: aead}, nil
}

func (c *aesGCM) Seal(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return c.aead.Seal(nonce, nonce, plaintext, nil), nil
}

func (c *aesGCM) Open(sealed []byte) ([]byte, error) {
	if len(sealed) < c.aead.NonceSize() {
		return nil, ErrInvalidCiphertext
	}
	nonce, ciphertext := sealed[:c.aead.NonceSize()], sealed[c.aead.NonceSize():]
	plaintext, err := c.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrInvalidCiphertext
	}
	return plaintext, nil
}
