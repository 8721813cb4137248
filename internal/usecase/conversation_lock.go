package usecase

import (
	"context"
	"fmt"
	"sync"

	"estate-ai/internal/domain"
)

// ConversationLocker serializes turns per conversation. Different
// conversations never contend with each other.
//
// With supersede enabled, a newer turn cancels the context of the turn
// currently holding the lock (and of any older waiter) with cause
// domain.ErrTurnSuperseded, so stale results are never appended out of order.
type ConversationLocker struct {
	mu    sync.Mutex
	locks map[string]*conversationMutex
}

type conversationMutex struct {
	sem      chan struct{} // capacity 1; holding a token means holding the lock
	refCount int
	latest   uint64                  // generation of the newest superseding waiter
	cancel   context.CancelCauseFunc // cancels the current holder's turn
}

// NewConversationLocker creates a new locker.
func NewConversationLocker() *ConversationLocker {
	return &ConversationLocker{
		locks: make(map[string]*conversationMutex),
	}
}

// Acquire acquires the lock for id and returns a context bound to the turn.
// When supersede is true the in-flight turn for id, if any, is cancelled.
// A waiter that is itself superseded before getting the lock returns
// domain.ErrTurnSuperseded.
func (l *ConversationLocker) Acquire(ctx context.Context, id string, supersede bool) (context.Context, func(), error) {
	return l.acquire(ctx, id, supersede)
}

func (l *ConversationLocker) acquire(ctx context.Context, id string, supersede bool) (context.Context, func(), error) {
	l.mu.Lock()
	cm, ok := l.locks[id]
	if !ok {
		cm = &conversationMutex{sem: make(chan struct{}, 1)}
		l.locks[id] = cm
	}
	cm.refCount++
	var gen uint64
	if supersede {
		cm.latest++
		gen = cm.latest
		if cm.cancel != nil {
			cm.cancel(domain.ErrTurnSuperseded)
		}
	}
	l.mu.Unlock()

	select {
	case cm.sem <- struct{}{}:
	case <-ctx.Done():
		l.release(id, cm)
		return nil, nil, fmt.Errorf("conversation lock: %w", context.Cause(ctx))
	}

	l.mu.Lock()
	if supersede && gen < cm.latest {
		l.mu.Unlock()
		<-cm.sem
		l.release(id, cm)
		return nil, nil, fmt.Errorf("conversation lock: %w", domain.ErrTurnSuperseded)
	}
	turnCtx, cancel := context.WithCancelCause(ctx)
	cm.cancel = cancel
	l.mu.Unlock()

	var once sync.Once
	unlock := func() {
		once.Do(func() {
			l.mu.Lock()
			cm.cancel = nil
			l.mu.Unlock()
			cancel(nil)
			<-cm.sem
			l.release(id, cm)
		})
	}
	return turnCtx, unlock, nil
}

func (l *ConversationLocker) release(id string, cm *conversationMutex) {
	l.mu.Lock()
	defer l.mu.Unlock()
	cm.refCount--
	if cm.refCount == 0 {
		delete(l.locks, id)
	}
}
