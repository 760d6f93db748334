package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
)

const (
	nonceSize = 12
	tagSize   = 16
)

// ErrDecrypt is returned for any blob that fails to authenticate or parse.
var ErrDecrypt = errors.New("decrypt: invalid or tampered ciphertext")

// Cipher is AES-256-GCM keyed by sha256 of the operator secret. Blobs are
// base64(nonce || tag || ciphertext).
type Cipher struct {
	aead cipher.AEAD
}

func NewCipher(secret string) (*Cipher, error) {
	if secret == "" {
		return nil, errors.New("vault secret is empty")
	}
	key := sha256.Sum256([]byte(secret))
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("init aes: %w", err)
	}
	aead, err := cipher.NewGCMWithNonceSize(block, nonceSize)
	if err != nil {
		return nil, fmt.Errorf("init gcm: %w", err)
	}
	return &Cipher{aead: aead}, nil
}

func (c *Cipher) Encrypt(plaintext []byte) (string, error) {
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("read nonce: %w", err)
	}
	sealed := c.aead.Seal(nil, nonce, plaintext, nil)
	ct, tag := sealed[:len(sealed)-tagSize], sealed[len(sealed)-tagSize:]

	blob := make([]byte, 0, nonceSize+tagSize+len(ct))
	blob = append(blob, nonce...)
	blob = append(blob, tag...)
	blob = append(blob, ct...)
	return base64.StdEncoding.EncodeToString(blob), nil
}

// Decrypt fails closed: every failure is ErrDecrypt and no partial
// plaintext is returned.
func (c *Cipher) Decrypt(encoded string) ([]byte, error) {
	blob, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil || len(blob) < nonceSize+tagSize {
		return nil, ErrDecrypt
	}
	nonce := blob[:nonceSize]
	tag := blob[nonceSize : nonceSize+tagSize]
	ct := blob[nonceSize+tagSize:]

	sealed := make([]byte, 0, len(ct)+tagSize)
	sealed = append(sealed, ct...)
	sealed = append(sealed, tag...)
	plain, err := c.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, ErrDecrypt
	}
	return plain, nil
}
