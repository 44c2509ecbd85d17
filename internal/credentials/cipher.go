package credentials

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
)

// AESCipher seals credential payloads with AES-256-GCM. The random nonce
// is prepended to the ciphertext. The key ID is a fingerprint of the key,
// so a row sealed under a rotated-out key fails loudly instead of
// producing garbage.
type AESCipher struct {
	key   []byte
	keyID string
}

// NewAESCipher builds a cipher from a base64-encoded 32-byte key.
func NewAESCipher(encodedKey string) (*AESCipher, error) {
	if encodedKey == "" {
		return nil, errors.New("encryption key is required")
	}
	key, err := base64.StdEncoding.DecodeString(encodedKey)
	if err != nil {
		return nil, fmt.Errorf("decode encryption key: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("encryption key must be 32 bytes for AES-256, got %d", len(key))
	}
	sum := sha256.Sum256(key)
	return &AESCipher{key: key, keyID: hex.EncodeToString(sum[:4])}, nil
}

// KeyID returns the fingerprint of the active key.
func (c *AESCipher) KeyID() string { return c.keyID }

func (c *AESCipher) Encrypt(plaintext []byte) ([]byte, string, error) {
	block, err := aes.NewCipher(c.key)
	if err != nil {
		return nil, "", fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, "", fmt.Errorf("create GCM: %w", err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, "", fmt.Errorf("generate nonce: %w", err)
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), c.keyID, nil
}

func (c *AESCipher) Decrypt(ciphertext []byte, keyID string) ([]byte, error) {
	if keyID != c.keyID {
		return nil, fmt.Errorf("ciphertext sealed by unknown key %q (active key %q)", keyID, c.keyID)
	}
	block, err := aes.NewCipher(c.key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	if len(ciphertext) < gcm.NonceSize() {
		return nil, errors.New("ciphertext too short")
	}
	nonce, sealed := ciphertext[:gcm.NonceSize()], ciphertext[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypt: %w", err)
	}
	return plaintext, nil
}
