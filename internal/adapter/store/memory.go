package store

import (
	"context"
	"sync"
	"time"

	"estate-ai/internal/domain"
)

// Memory keeps conversations in process memory. History is lost on restart.
type Memory struct {
	mu    sync.RWMutex
	convs map[string]*domain.Conversation
	now   func() time.Time
}

// NewMemory creates an empty in-memory store.
func NewMemory(opts ...Option) *Memory {
	o := buildOptions(opts)
	return &Memory{
		convs: make(map[string]*domain.Conversation),
		now:   o.now,
	}
}

func (m *Memory) getOrCreate(id string) *domain.Conversation {
	c, ok := m.convs[id]
	if !ok {
		c = domain.NewConversation(id, m.now())
		m.convs[id] = c
	}
	return c
}

func (m *Memory) Load(_ context.Context, id string) (*domain.Conversation, error) {
	if err := domain.ValidateConversationID(id); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.getOrCreate(id).Clone(), nil
}

func (m *Memory) Append(_ context.Context, id string, msg domain.Message) error {
	if err := domain.ValidateConversationID(id); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.getOrCreate(id).Append(stamp(msg, m.now()))
}

func (m *Memory) SetStatus(_ context.Context, id string, status domain.ConversationStatus) error {
	if err := domain.ValidateConversationID(id); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.getOrCreate(id).SetStatus(status, m.now())
}

func (m *Memory) Truncate(_ context.Context, id string, keepLast int) error {
	if err := domain.ValidateConversationID(id); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.convs[id]; ok {
		c.Truncate(keepLast)
	}
	return nil
}

func (m *Memory) Evict(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.convs, id)
	return nil
}

func (m *Memory) Reap(_ context.Context, maxIdle time.Duration) (int, error) {
	cutoff := m.now().Add(-maxIdle)
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, c := range m.convs {
		if c.UpdatedAt.Before(cutoff) {
			delete(m.convs, id)
			n++
		}
	}
	return n, nil
}

// Close is a no-op.
func (m *Memory) Close() error { return nil }

// Len returns the number of stored conversations.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.convs)
}

var _ domain.ConversationStore = (*Memory)(nil)
