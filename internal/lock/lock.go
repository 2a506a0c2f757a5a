// Package lock provides short-TTL mutual exclusion keyed by string.
// A crashed holder never blocks others for longer than the TTL.
package lock

import (
	"context"
	"errors"
	"time"

	"commerce-engine/internal/errs"
	"commerce-engine/internal/util"

	"github.com/ecodeclub/ekit/retry"
	"go.uber.org/zap"
)

// Token identifies one successful acquisition. Only its holder can release it.
type Token struct {
	Key   string
	Value string
}

// Locker is implemented by RedisLocker (multi-node) and MemoryLocker (single node).
type Locker interface {
	// Acquire returns errs.ErrLockBusy when the key is held by someone else.
	Acquire(ctx context.Context, key string, ttl time.Duration) (Token, error)
	Release(ctx context.Context, token Token) error
}

// AcquireWithRetry retries a busy lock with exponential backoff, at most retries extra attempts.
func AcquireWithRetry(ctx context.Context, l Locker, key string, ttl time.Duration, retries int32) (Token, error) {
	strategy, err := retry.NewExponentialBackoffRetryStrategy(50*time.Millisecond, 400*time.Millisecond, retries)
	if err != nil {
		return Token{}, err
	}

	for {
		token, err := l.Acquire(ctx, key, ttl)
		if err == nil {
			return token, nil
		}
		if !errors.Is(err, errs.ErrLockBusy) {
			return Token{}, err
		}

		util.LockContentionTotal.WithLabelValues(keyPrefix(key)).Inc()
		next, ok := strategy.Next()
		if !ok {
			return Token{}, err
		}

		timer := time.NewTimer(next)
		select {
		case <-ctx.Done():
			timer.Stop()
			return Token{}, ctx.Err()
		case <-timer.C:
		}
	}
}

// ReleaseQuietly releases on a fresh context so cancelled requests still free their lock.
func ReleaseQuietly(l Locker, token Token) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := l.Release(ctx, token); err != nil {
		util.GetLogger().Warn("Failed to release lock", zap.String("key", token.Key), zap.Error(err))
	}
}

func keyPrefix(key string) string {
	for i := 0; i < len(key); i++ {
		if key[i] == ':' {
			return key[:i]
		}
	}
	return key
}
