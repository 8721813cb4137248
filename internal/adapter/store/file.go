package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"estate-ai/internal/domain"
)

// File persists each conversation as one JSON document in a directory.
// Writes go to a temp file that is renamed over the old one.
type File struct {
	dir    string
	cipher *Cipher
	now    func() time.Time

	// Per-id operations hold the read side; Reap holds the write side.
	mu sync.RWMutex

	locksMu sync.Mutex
	locks   map[string]*idLock
}

// idLock is dropped from File.locks once nobody holds or waits for it.
type idLock struct {
	sync.Mutex
	refs int
}

// NewFile creates a file store rooted at dir, creating it if needed.
func NewFile(dir string, opts ...Option) (*File, error) {
	o := buildOptions(opts)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, unavailable("store.NewFile", err)
	}
	return &File{dir: dir, cipher: o.cipher, now: o.now, locks: make(map[string]*idLock)}, nil
}

func (f *File) lockID(id string) func() {
	f.locksMu.Lock()
	l, ok := f.locks[id]
	if !ok {
		l = &idLock{}
		f.locks[id] = l
	}
	l.refs++
	f.locksMu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		f.locksMu.Lock()
		if l.refs--; l.refs == 0 {
			delete(f.locks, id)
		}
		f.locksMu.Unlock()
	}
}

func (f *File) lockCount() int {
	f.locksMu.Lock()
	defer f.locksMu.Unlock()
	return len(f.locks)
}

func (f *File) path(id string) string {
	return filepath.Join(f.dir, id+".json")
}

func (f *File) read(id string) (*domain.Conversation, error) {
	data, err := os.ReadFile(f.path(id))
	if errors.Is(err, fs.ErrNotExist) {
		return domain.NewConversation(id, f.now()), nil
	}
	if err != nil {
		return nil, err
	}
	plain, err := f.cipher.Open(string(data))
	if err != nil {
		return nil, err
	}
	var c domain.Conversation
	if err := json.Unmarshal(plain, &c); err != nil {
		return nil, fmt.Errorf("decode %s: %w", id, err)
	}
	if c.Messages == nil {
		c.Messages = make([]domain.Message, 0)
	}
	return &c, nil
}

func (f *File) write(c *domain.Conversation) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	record, err := f.cipher.Seal(data)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(f.dir, "."+c.ID+".*.tmp")
	if err != nil {
		return err
	}
	if _, err := tmp.WriteString(record); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Chmod(tmp.Name(), 0600); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), f.path(c.ID))
}

// update loads id, applies fn and writes the result back when fn succeeds.
func (f *File) update(op, id string, fn func(c *domain.Conversation) error) error {
	if err := domain.ValidateConversationID(id); err != nil {
		return err
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	defer f.lockID(id)()

	c, err := f.read(id)
	if err != nil {
		return unavailable(op, err)
	}
	if err := fn(c); err != nil {
		return err
	}
	return unavailable(op, f.write(c))
}

func (f *File) Load(_ context.Context, id string) (*domain.Conversation, error) {
	if err := domain.ValidateConversationID(id); err != nil {
		return nil, err
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	defer f.lockID(id)()
	c, err := f.read(id)
	if err != nil {
		return nil, unavailable("FileStore.Load", err)
	}
	return c, nil
}

func (f *File) Append(_ context.Context, id string, msg domain.Message) error {
	return f.update("FileStore.Append", id, func(c *domain.Conversation) error {
		return c.Append(stamp(msg, f.now()))
	})
}

func (f *File) SetStatus(_ context.Context, id string, status domain.ConversationStatus) error {
	return f.update("FileStore.SetStatus", id, func(c *domain.Conversation) error {
		return c.SetStatus(status, f.now())
	})
}

func (f *File) Truncate(_ context.Context, id string, keepLast int) error {
	return f.update("FileStore.Truncate", id, func(c *domain.Conversation) error {
		c.Truncate(keepLast)
		return nil
	})
}

func (f *File) Evict(_ context.Context, id string) error {
	if err := domain.ValidateConversationID(id); err != nil {
		return err
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	defer f.lockID(id)()
	err := os.Remove(f.path(id))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return unavailable("FileStore.Evict", err)
}

func (f *File) Reap(ctx context.Context, maxIdle time.Duration) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return 0, unavailable("FileStore.Reap", err)
	}
	cutoff := f.now().Add(-maxIdle)
	n := 0
	for _, e := range entries {
		if ctx.Err() != nil {
			return n, ctx.Err()
		}
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, ".json") {
			continue
		}
		id := strings.TrimSuffix(name, ".json")
		if domain.ValidateConversationID(id) != nil {
			continue
		}
		c, err := f.read(id)
		if err != nil {
			// Unreadable documents are left for an operator to inspect.
			continue
		}
		if c.UpdatedAt.Before(cutoff) {
			if err := os.Remove(f.path(id)); err == nil {
				n++
			}
		}
	}
	return n, nil
}

// Close is a no-op.
func (f *File) Close() error { return nil }

var _ domain.ConversationStore = (*File)(nil)
