package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
)

// Cipher encrypts channel credentials before they reach the durable store.
// The key is padded/truncated to 32 bytes (AES-256). An empty key disables
// encryption so local development can inspect stored payloads.
type Cipher struct {
	key []byte
}

func NewCipher(secret string) *Cipher {
	if secret == "" {
		return &Cipher{}
	}
	key := make([]byte, 32)
	copy(key, []byte(secret))
	return &Cipher{key: key}
}

// Encrypt seals plaintext with AES-GCM and returns base64. With no key
// configured the input passes through unchanged.
func (c *Cipher) Encrypt(plain []byte) (string, error) {
	if len(c.key) == 0 {
		return string(plain), nil
	}

	block, err := aes.NewCipher(c.key)
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}

	sealed := gcm.Seal(nonce, nonce, plain, nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt reverses Encrypt. Payloads that predate encryption (not base64, or
// shorter than a nonce) are returned as-is so enabling a key later does not
// break existing rows.
func (c *Cipher) Decrypt(stored string) ([]byte, error) {
	if len(c.key) == 0 {
		return []byte(stored), nil
	}

	data, err := base64.StdEncoding.DecodeString(stored)
	if err != nil {
		return []byte(stored), nil
	}

	block, err := aes.NewCipher(c.key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	if len(data) < gcm.NonceSize() {
		return []byte(stored), nil
	}

	nonce, sealed := data[:gcm.NonceSize()], data[gcm.NonceSize():]
	plain, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("credential decrypt failed: %w", err)
	}
	return plain, nil
}
