// Package crypto seals credential blobs at rest with AES-GCM. It backs the
// file-based token store used on systems without a usable OS keyring.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
)

// Cipher seals and opens small secrets with AES-256-GCM. GCM authenticates
// the ciphertext, so a blob tampered with on disk fails to open instead of
// decrypting to garbage.
type Cipher struct {
	aead cipher.AEAD
}

// NewCipher builds a Cipher from a base64-encoded 256-bit key.
func NewCipher(base64Key string) (*Cipher, error) {
	key, err := base64.StdEncoding.DecodeString(base64Key)
	if err != nil {
		return nil, fmt.Errorf("failed to decode encryption key: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("encryption key must be 32 bytes (256 bits), got %d bytes", len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return &Cipher{aead: aead}, nil
}

// Seal encrypts a secret. The sealed layout is [nonce][ciphertext][tag];
// a fresh random nonce per call means equal plaintexts seal differently.
func (c *Cipher) Seal(secret []byte) ([]byte, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return c.aead.Seal(nonce, nonce, secret, nil), nil
}

// Open decrypts a sealed secret. Fails on truncated input, corruption, or a
// blob sealed under a different key.
func (c *Cipher) Open(sealed []byte) ([]byte, error) {
	nonceSize := c.aead.NonceSize()
	if len(sealed) < nonceSize {
		return nil, fmt.Errorf("sealed blob too short")
	}
	nonce, ciphertext := sealed[:nonceSize], sealed[nonceSize:]
	secret, err := c.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt: %w", err)
	}
	return secret, nil
}
