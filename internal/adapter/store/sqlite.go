package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"estate-ai/internal/domain"
)

// SQLite stores conversations in a SQLite database. Metadata lives in the
// conversations table and each message is one row of the messages table.
type SQLite struct {
	db     *sql.DB
	cipher *Cipher
	now    func() time.Time
}

// NewSQLite opens (or creates) a SQLite database at dbPath and runs the
// schema migration.
func NewSQLite(dbPath string, opts ...Option) (*SQLite, error) {
	o := buildOptions(opts)
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, unavailable("store.NewSQLite", fmt.Errorf("open conversation db: %w", err))
	}
	// A single connection serializes writers and avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000", "PRAGMA foreign_keys=ON"} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, unavailable("store.NewSQLite", fmt.Errorf("%s: %w", pragma, err))
		}
	}
	if err := migrateSQLite(db); err != nil {
		db.Close()
		return nil, unavailable("store.NewSQLite", fmt.Errorf("migrate conversation db: %w", err))
	}
	return &SQLite{db: db, cipher: o.cipher, now: o.now}, nil
}

func migrateSQLite(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS conversations (
			id         TEXT PRIMARY KEY,
			status     TEXT NOT NULL,
			pending    TEXT NOT NULL DEFAULT '[]',
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);
		CREATE TABLE IF NOT EXISTS messages (
			conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
			seq             INTEGER NOT NULL,
			body            TEXT NOT NULL,
			PRIMARY KEY (conversation_id, seq)
		);
		CREATE INDEX IF NOT EXISTS idx_conversations_updated ON conversations(updated_at);
	`)
	return err
}

// Close closes the underlying database connection.
func (s *SQLite) Close() error {
	return s.db.Close()
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// load reads a conversation and the sequence number of each message.
// A missing conversation is returned new with exists=false.
func (s *SQLite) load(ctx context.Context, q queryer, id string) (c *domain.Conversation, seqs []int64, exists bool, err error) {
	var (
		status             string
		pending            string
		created, updatedAt int64
	)
	err = q.QueryRowContext(ctx,
		"SELECT status, pending, created_at, updated_at FROM conversations WHERE id = ?", id,
	).Scan(&status, &pending, &created, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.NewConversation(id, s.now()), nil, false, nil
	}
	if err != nil {
		return nil, nil, false, err
	}

	c = &domain.Conversation{
		ID:        id,
		Status:    domain.ConversationStatus(status),
		CreatedAt: time.Unix(0, created),
		UpdatedAt: time.Unix(0, updatedAt),
		Messages:  make([]domain.Message, 0),
	}
	if err := json.Unmarshal([]byte(pending), &c.Pending); err != nil {
		return nil, nil, false, fmt.Errorf("decode pending calls: %w", err)
	}

	rows, err := q.QueryContext(ctx,
		"SELECT seq, body FROM messages WHERE conversation_id = ? ORDER BY seq", id)
	if err != nil {
		return nil, nil, false, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			seq  int64
			body string
		)
		if err := rows.Scan(&seq, &body); err != nil {
			return nil, nil, false, err
		}
		msg, err := openMessage(s.cipher, body)
		if err != nil {
			return nil, nil, false, err
		}
		c.Messages = append(c.Messages, msg)
		seqs = append(seqs, seq)
	}
	return c, seqs, true, rows.Err()
}

func (s *SQLite) saveMeta(ctx context.Context, tx *sql.Tx, c *domain.Conversation) error {
	pending, err := json.Marshal(c.Pending)
	if err != nil {
		return err
	}
	if c.Pending == nil {
		pending = []byte("[]")
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO conversations (id, status, pending, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			pending = excluded.pending,
			updated_at = excluded.updated_at`,
		c.ID, string(c.Status), string(pending), c.CreatedAt.UnixNano(), c.UpdatedAt.UnixNano(),
	)
	return err
}

// inTx runs fn in a transaction; domain errors from fn roll back and pass
// through unwrapped.
func (s *SQLite) inTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return unavailable(op, err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return unavailable(op, tx.Commit())
}

func (s *SQLite) Load(ctx context.Context, id string) (*domain.Conversation, error) {
	if err := domain.ValidateConversationID(id); err != nil {
		return nil, err
	}
	c, _, _, err := s.load(ctx, s.db, id)
	if err != nil {
		return nil, unavailable("SQLiteStore.Load", err)
	}
	return c, nil
}

func (s *SQLite) Append(ctx context.Context, id string, msg domain.Message) error {
	const op = "SQLiteStore.Append"
	if err := domain.ValidateConversationID(id); err != nil {
		return err
	}
	msg = stamp(msg, s.now())
	return s.inTx(ctx, op, func(tx *sql.Tx) error {
		c, seqs, _, err := s.load(ctx, tx, id)
		if err != nil {
			return unavailable(op, err)
		}
		if err := c.Append(msg); err != nil {
			return err
		}
		var next int64 = 1
		if len(seqs) > 0 {
			next = seqs[len(seqs)-1] + 1
		}
		body, err := sealMessage(s.cipher, msg)
		if err != nil {
			return unavailable(op, err)
		}
		if err := s.saveMeta(ctx, tx, c); err != nil {
			return unavailable(op, err)
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO messages (conversation_id, seq, body) VALUES (?, ?, ?)", id, next, body,
		); err != nil {
			return unavailable(op, err)
		}
		return nil
	})
}

func (s *SQLite) SetStatus(ctx context.Context, id string, status domain.ConversationStatus) error {
	const op = "SQLiteStore.SetStatus"
	if err := domain.ValidateConversationID(id); err != nil {
		return err
	}
	return s.inTx(ctx, op, func(tx *sql.Tx) error {
		c, _, _, err := s.load(ctx, tx, id)
		if err != nil {
			return unavailable(op, err)
		}
		if err := c.SetStatus(status, s.now()); err != nil {
			return err
		}
		return unavailable(op, s.saveMeta(ctx, tx, c))
	})
}

func (s *SQLite) Truncate(ctx context.Context, id string, keepLast int) error {
	const op = "SQLiteStore.Truncate"
	if err := domain.ValidateConversationID(id); err != nil {
		return err
	}
	return s.inTx(ctx, op, func(tx *sql.Tx) error {
		c, seqs, exists, err := s.load(ctx, tx, id)
		if err != nil {
			return unavailable(op, err)
		}
		if !exists {
			return nil
		}
		start := domain.TruncateIndex(c.Messages, keepLast)
		if start == 0 {
			return nil
		}
		var cut int64 = seqs[len(seqs)-1] + 1
		if start < len(seqs) {
			cut = seqs[start]
		}
		_, err = tx.ExecContext(ctx, "DELETE FROM messages WHERE conversation_id = ? AND seq < ?", id, cut)
		return unavailable(op, err)
	})
}

func (s *SQLite) Evict(ctx context.Context, id string) error {
	const op = "SQLiteStore.Evict"
	if err := domain.ValidateConversationID(id); err != nil {
		return err
	}
	return s.inTx(ctx, op, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, "DELETE FROM messages WHERE conversation_id = ?", id); err != nil {
			return unavailable(op, err)
		}
		_, err := tx.ExecContext(ctx, "DELETE FROM conversations WHERE id = ?", id)
		return unavailable(op, err)
	})
}

func (s *SQLite) Reap(ctx context.Context, maxIdle time.Duration) (int, error) {
	const op = "SQLiteStore.Reap"
	cutoff := s.now().Add(-maxIdle).UnixNano()
	var n int
	err := s.inTx(ctx, op, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM messages WHERE conversation_id IN (
				SELECT id FROM conversations WHERE updated_at < ?
			)`, cutoff); err != nil {
			return unavailable(op, err)
		}
		res, err := tx.ExecContext(ctx, "DELETE FROM conversations WHERE updated_at < ?", cutoff)
		if err != nil {
			return unavailable(op, err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return unavailable(op, err)
		}
		n = int(affected)
		return nil
	})
	return n, err
}

var _ domain.ConversationStore = (*SQLite)(nil)
