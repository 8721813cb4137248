// Package store provides domain.ConversationStore backends: in-memory, JSON
// files, SQLite and Redis. Every backend applies the same tool-call rules via
// domain.Conversation and wraps backend failures with domain.ErrStoreUnavailable.
package store

import (
	"encoding/json"
	"fmt"
	"time"

	"estate-ai/internal/domain"
)

// Backend names accepted by configuration.
const (
	BackendMemory = "memory"
	BackendFile   = "file"
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
)

type options struct {
	now       func() time.Time
	cipher    *Cipher
	ttl       time.Duration
	keyPrefix string
}

// Option configures a store backend.
type Option func(*options)

// WithClock overrides the time source used for timestamps and reaping.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithCipher seals persisted records. Ignored by the memory backend.
func WithCipher(c *Cipher) Option {
	return func(o *options) { o.cipher = c }
}

// WithTTL sets a key expiry refreshed on every write. Redis only.
func WithTTL(ttl time.Duration) Option {
	return func(o *options) { o.ttl = ttl }
}

// WithKeyPrefix namespaces keys. Redis only.
func WithKeyPrefix(prefix string) Option {
	return func(o *options) { o.keyPrefix = prefix }
}

func buildOptions(opts []Option) options {
	o := options{now: time.Now, keyPrefix: "estate-ai:"}
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

// unavailable wraps a backend failure. Domain rule violations pass through.
func unavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", op, domain.ErrStoreUnavailable, err)
}

// stamp fills in fields the store owns before a message is validated.
func stamp(msg domain.Message, now time.Time) domain.Message {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = now
	}
	if msg.ID == "" {
		msg.ID = domain.NewMessageID()
	}
	return msg
}

// sealMessage serializes msg, sealing it when a cipher is configured.
func sealMessage(c *Cipher, msg domain.Message) (string, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("marshal message: %w", err)
	}
	return c.Seal(data)
}

func openMessage(c *Cipher, record string) (domain.Message, error) {
	var msg domain.Message
	data, err := c.Open(record)
	if err != nil {
		return msg, err
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		return msg, fmt.Errorf("unmarshal message: %w", err)
	}
	return msg, nil
}
