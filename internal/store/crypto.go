package store

import (
	stdcipher "crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
)

// cipher is the authenticated-encryption scheme credentials are sealed
// with at rest: the process-level encryption key is stretched to 32 bytes
// via SHA-256 and used as a ChaCha20-Poly1305 AEAD key. A random nonce is
// generated per encryption and stored alongside the ciphertext, the
// standard "nonce-prefixed ciphertext" construction for this AEAD.
type cipher struct {
	aead stdcipher.AEAD
}

func newCipher(secret string) (*cipher, error) {
	key := sha256.Sum256([]byte(secret))
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, fmt.Errorf("build AEAD cipher: %w", err)
	}
	return &cipher{aead: aead}, nil
}

// encrypt returns a base64-encoded nonce||ciphertext blob. It never
// returns the plaintext unmodified.
func (c *cipher) encrypt(plaintext string) (string, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	sealed := c.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

func (c *cipher) decrypt(blob string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(blob)
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}
	nonceSize := c.aead.NonceSize()
	if len(raw) < nonceSize {
		return "", fmt.Errorf("ciphertext too short")
	}
	nonce, ciphertext := raw[:nonceSize], raw[nonceSize:]
	plaintext, err := c.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("decrypt: %w", err)
	}
	return string(plaintext), nil
}
