package usecase

import "context"

// lock acquires id without superseding anybody.
func (l *ConversationLocker) lock(ctx context.Context, id string) (func(), error) {
	_, unlock, err := l.acquire(ctx, id, false)
	return unlock, err
}

// activeCount returns the number of conversations with held or pending locks.
func (l *ConversationLocker) activeCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
