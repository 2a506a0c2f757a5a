package lock

import (
	"context"
	"time"

	"commerce-engine/internal/errs"
	"commerce-engine/internal/redisclient"
	"commerce-engine/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// RedisLocker uses SET NX PX with a random owner token and a compare-and-delete release.
type RedisLocker struct {
	client *redisclient.Client
}

func NewRedisLocker(client *redisclient.Client) *RedisLocker {
	return &RedisLocker{client: client}
}

func (l *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (Token, error) {
	token := Token{Key: key, Value: uuid.NewString()}
	ok, err := l.client.AcquireLock(ctx, key, token.Value, ttl)
	if err != nil {
		return Token{}, err
	}
	if !ok {
		return Token{}, errs.LockBusy(key)
	}
	return token, nil
}

func (l *RedisLocker) Release(ctx context.Context, token Token) error {
	ok, err := l.client.ReleaseLock(ctx, token.Key, token.Value)
	if err != nil {
		return err
	}
	if !ok {
		// expired before we finished; somebody else may hold it now
		util.GetLogger().Warn("Lock lost before release", zap.String("key", token.Key))
	}
	return nil
}
