package lock

import (
	"context"
	"sync"
	"time"

	"commerce-engine/internal/errs"

	"github.com/google/uuid"
)

type memEntry struct {
	value     string
	expiresAt time.Time
}

// MemoryLocker is the single-node Locker. Expired entries are treated as free.
type MemoryLocker struct {
	mu      sync.Mutex
	entries map[string]memEntry
	now     func() time.Time
}

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{entries: make(map[string]memEntry), now: time.Now}
}

func (l *MemoryLocker) Acquire(_ context.Context, key string, ttl time.Duration) (Token, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if e, ok := l.entries[key]; ok && now.Before(e.expiresAt) {
		return Token{}, errs.LockBusy(key)
	}
	token := Token{Key: key, Value: uuid.NewString()}
	l.entries[key] = memEntry{value: token.Value, expiresAt: now.Add(ttl)}
	return token, nil
}

func (l *MemoryLocker) Release(_ context.Context, token Token) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if e, ok := l.entries[token.Key]; ok && e.value == token.Value {
		delete(l.entries, token.Key)
	}
	return nil
}
