package store

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/argon2"

	"estate-ai/internal/domain"
)

const sealedPrefix = "enc:"

// defaultSalt is used when no salt is configured. Changing it makes existing
// sealed records unreadable.
const defaultSalt = "estate-ai/conversation-store/v1"

// Cipher seals persisted conversation records with AES-256-GCM. The key is
// derived once from a passphrase with Argon2id.
type Cipher struct {
	aead cipher.AEAD
}

// NewCipher derives a sealing key from passphrase and salt. An empty salt
// selects the built-in default.
func NewCipher(passphrase, salt string) (*Cipher, error) {
	if passphrase == "" {
		return nil, fmt.Errorf("store cipher: passphrase must not be empty")
	}
	if salt == "" {
		salt = defaultSalt
	}
	key := argon2.IDKey([]byte(passphrase), []byte(salt), 1, 64*1024, 4, 32)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("store cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("store cipher: %w", err)
	}
	return &Cipher{aead: aead}, nil
}

// Seal returns "enc:" + base64(nonce + ciphertext). A nil cipher returns the
// plaintext unchanged.
func (c *Cipher) Seal(plaintext []byte) (string, error) {
	if c == nil {
		return string(plaintext), nil
	}
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	sealed := c.aead.Seal(nonce, nonce, plaintext, nil)
	return sealedPrefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// Open reverses Seal. Records without the prefix are returned as-is so a store
// can be switched to encryption without migrating old rows.
func (c *Cipher) Open(record string) ([]byte, error) {
	if !strings.HasPrefix(record, sealedPrefix) {
		return []byte(record), nil
	}
	if c == nil {
		return nil, fmt.Errorf("%w: record is sealed but no store key is configured", domain.ErrDecryption)
	}
	data, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(record, sealedPrefix))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrDecryption, err)
	}
	ns := c.aead.NonceSize()
	if len(data) < ns {
		return nil, fmt.Errorf("%w: record too short", domain.ErrDecryption)
	}
	plain, err := c.aead.Open(nil, data[:ns], data[ns:], nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrDecryption, err)
	}
	return plain, nil
}
