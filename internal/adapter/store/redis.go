package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"estate-ai/internal/domain"
)

// maxTxRetries bounds optimistic transaction retries on concurrent writes.
const maxTxRetries = 5

// Redis stores each conversation as a metadata hash plus a message list:
//
//	{prefix}conv:{id}       HASH status, pending, created_at, updated_at
//	{prefix}conv:{id}:msgs  LIST of message records
//
// Writes use WATCH/MULTI so the tool-call rules are checked against the
// state being replaced.
type Redis struct {
	client redis.UniversalClient
	cipher *Cipher
	now    func() time.Time
	ttl    time.Duration
	prefix string
}

// NewRedis wraps an existing client. The caller owns the client unless Close
// is called.
func NewRedis(client redis.UniversalClient, opts ...Option) *Redis {
	o := buildOptions(opts)
	return &Redis{
		client: client,
		cipher: o.cipher,
		now:    o.now,
		ttl:    o.ttl,
		prefix: o.keyPrefix,
	}
}

// OpenRedis parses a redis:// URL, connects and pings the server.
func OpenRedis(ctx context.Context, url string, opts ...Option) (*Redis, error) {
	ropts, err := redis.ParseURL(url)
	if err != nil {
		return nil, unavailable("store.OpenRedis", err)
	}
	client := redis.NewClient(ropts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, unavailable("store.OpenRedis", err)
	}
	return NewRedis(client, opts...), nil
}

func (r *Redis) metaKey(id string) string { return r.prefix + "conv:" + id }
func (r *Redis) msgsKey(id string) string { return r.prefix + "conv:" + id + ":msgs" }

// load reads a conversation through c (the client or a watching tx).
func (r *Redis) load(ctx context.Context, c redis.Cmdable, id string) (*domain.Conversation, bool, error) {
	meta, err := c.HGetAll(ctx, r.metaKey(id)).Result()
	if err != nil {
		return nil, false, err
	}
	if len(meta) == 0 {
		return domain.NewConversation(id, r.now()), false, nil
	}

	conv := &domain.Conversation{
		ID:       id,
		Status:   domain.ConversationStatus(meta["status"]),
		Messages: make([]domain.Message, 0),
	}
	created, _ := strconv.ParseInt(meta["created_at"], 10, 64)
	updated, _ := strconv.ParseInt(meta["updated_at"], 10, 64)
	conv.CreatedAt = time.Unix(0, created)
	conv.UpdatedAt = time.Unix(0, updated)
	if p := meta["pending"]; p != "" {
		if err := json.Unmarshal([]byte(p), &conv.Pending); err != nil {
			return nil, false, fmt.Errorf("decode pending calls: %w", err)
		}
	}

	records, err := c.LRange(ctx, r.msgsKey(id), 0, -1).Result()
	if err != nil {
		return nil, false, err
	}
	for _, rec := range records {
		msg, err := openMessage(r.cipher, rec)
		if err != nil {
			return nil, false, err
		}
		conv.Messages = append(conv.Messages, msg)
	}
	return conv, true, nil
}

func (r *Redis) metaFields(c *domain.Conversation) (map[string]any, error) {
	pending, err := json.Marshal(c.Pending)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"status":     string(c.Status),
		"pending":    string(pending),
		"created_at": strconv.FormatInt(c.CreatedAt.UnixNano(), 10),
		"updated_at": strconv.FormatInt(c.UpdatedAt.UnixNano(), 10),
	}, nil
}

// update runs fn against the watched conversation and queues its writes.
// fn returns the pipeline commands to apply; domain errors abort unchanged.
func (r *Redis) update(ctx context.Context, op, id string, fn func(c *domain.Conversation, exists bool, pipe redis.Pipeliner) error) error {
	if err := domain.ValidateConversationID(id); err != nil {
		return err
	}
	var domainErr error
	txf := func(tx *redis.Tx) error {
		conv, exists, err := r.load(ctx, tx, id)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if err := fn(conv, exists, pipe); err != nil {
				domainErr = err
				return err
			}
			if r.ttl > 0 {
				pipe.Expire(ctx, r.metaKey(id), r.ttl)
				pipe.Expire(ctx, r.msgsKey(id), r.ttl)
			}
			return nil
		})
		return err
	}

	for range maxTxRetries {
		domainErr = nil
		err := r.client.Watch(ctx, txf, r.metaKey(id), r.msgsKey(id))
		if domainErr != nil {
			return domainErr
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return unavailable(op, err)
	}
	return unavailable(op, fmt.Errorf("conversation %s: too many concurrent writers", id))
}

func (r *Redis) Load(ctx context.Context, id string) (*domain.Conversation, error) {
	if err := domain.ValidateConversationID(id); err != nil {
		return nil, err
	}
	conv, _, err := r.load(ctx, r.client, id)
	if err != nil {
		return nil, unavailable("RedisStore.Load", err)
	}
	return conv, nil
}

func (r *Redis) Append(ctx context.Context, id string, msg domain.Message) error {
	msg = stamp(msg, r.now())
	return r.update(ctx, "RedisStore.Append", id, func(c *domain.Conversation, _ bool, pipe redis.Pipeliner) error {
		if err := c.Append(msg); err != nil {
			return err
		}
		record, err := sealMessage(r.cipher, msg)
		if err != nil {
			return err
		}
		fields, err := r.metaFields(c)
		if err != nil {
			return err
		}
		pipe.RPush(ctx, r.msgsKey(id), record)
		pipe.HSet(ctx, r.metaKey(id), fields)
		return nil
	})
}

func (r *Redis) SetStatus(ctx context.Context, id string, status domain.ConversationStatus) error {
	return r.update(ctx, "RedisStore.SetStatus", id, func(c *domain.Conversation, _ bool, pipe redis.Pipeliner) error {
		if err := c.SetStatus(status, r.now()); err != nil {
			return err
		}
		fields, err := r.metaFields(c)
		if err != nil {
			return err
		}
		pipe.HSet(ctx, r.metaKey(id), fields)
		return nil
	})
}

func (r *Redis) Truncate(ctx context.Context, id string, keepLast int) error {
	return r.update(ctx, "RedisStore.Truncate", id, func(c *domain.Conversation, exists bool, pipe redis.Pipeliner) error {
		if !exists {
			return nil
		}
		start := domain.TruncateIndex(c.Messages, keepLast)
		if start == 0 {
			return nil
		}
		if start >= len(c.Messages) {
			pipe.Del(ctx, r.msgsKey(id))
			return nil
		}
		pipe.LTrim(ctx, r.msgsKey(id), int64(start), -1)
		return nil
	})
}

func (r *Redis) Evict(ctx context.Context, id string) error {
	if err := domain.ValidateConversationID(id); err != nil {
		return err
	}
	return unavailable("RedisStore.Evict", r.client.Del(ctx, r.metaKey(id), r.msgsKey(id)).Err())
}

// Reap scans metadata keys and deletes idle conversations. Keys with a TTL
// also expire on their own.
func (r *Redis) Reap(ctx context.Context, maxIdle time.Duration) (int, error) {
	const op = "RedisStore.Reap"
	cutoff := r.now().Add(-maxIdle).UnixNano()
	n := 0

	iter := r.client.Scan(ctx, 0, r.prefix+"conv:*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		if strings.HasSuffix(key, ":msgs") {
			continue
		}
		raw, err := r.client.HGet(ctx, key, "updated_at").Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return n, unavailable(op, err)
		}
		updated, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || updated >= cutoff {
			continue
		}
		id := strings.TrimPrefix(key, r.prefix+"conv:")
		if err := r.client.Del(ctx, key, r.msgsKey(id)).Err(); err != nil {
			return n, unavailable(op, err)
		}
		n++
	}
	if err := iter.Err(); err != nil {
		return n, unavailable(op, err)
	}
	return n, nil
}

// Close closes the underlying client.
func (r *Redis) Close() error {
	return r.client.Close()
}

var _ domain.ConversationStore = (*Redis)(nil)
