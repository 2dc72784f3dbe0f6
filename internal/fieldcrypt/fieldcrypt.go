// ABOUTME: Authenticated encryption codec for strict-tier text fields
// ABOUTME: AES-256-GCM with a fresh random 96-bit nonce per encryption

package fieldcrypt

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
)

// KeySize is the required field key length in bytes (AES-256).
const KeySize = 32

// NonceSize is the GCM nonce length in bytes.
const NonceSize = 12

// ErrDecrypt is returned for any authenticated decryption failure: wrong key,
// tampered ciphertext, or a corrupted/truncated nonce. Callers must not
// convert it to an empty string below the presentation boundary.
var ErrDecrypt = errors.New("field decryption failed")

// Codec seals and opens individual text fields with the strict-tier field
// key. It binds no associated data; the stored row format is just
// (ciphertext, nonce).
type Codec struct {
	aead cipher.AEAD
}

// New creates a codec from a 32-byte field key.
func New(key []byte) (*Codec, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("field key must be %d bytes, got %d", KeySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("initializing cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("initializing GCM: %w", err)
	}
	return &Codec{aead: aead}, nil
}

// Encrypt seals plaintext under a fresh random nonce and returns
// (ciphertext, nonce). The ciphertext includes the GCM auth tag.
func (c *Codec) Encrypt(plaintext string) (ciphertext, nonce []byte, err error) {
	nonce = make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, fmt.Errorf("generating nonce: %w", err)
	}
	ciphertext = c.aead.Seal(nil, nonce, []byte(plaintext), nil)
	return ciphertext, nonce, nil
}

// Decrypt opens a sealed field. Any authentication failure surfaces as
// ErrDecrypt; garbage is never returned.
func (c *Codec) Decrypt(ciphertext, nonce []byte) (string, error) {
	if len(nonce) != NonceSize {
		return "", fmt.Errorf("%w: bad nonce length %d", ErrDecrypt, len(nonce))
	}
	plaintext, err := c.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", ErrDecrypt
	}
	return string(plaintext), nil
}
