package lock

import (
	"context"
	"testing"
	"time"

	"commerce-engine/internal/errs"
	"commerce-engine/internal/redisclient"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryLocker(t *testing.T) {
	l := NewMemoryLocker()
	ctx := context.Background()

	tok, err := l.Acquire(ctx, "payment:order:1", time.Second)
	require.NoError(t, err)

	_, err = l.Acquire(ctx, "payment:order:1", time.Second)
	assert.ErrorIs(t, err, errs.ErrLockBusy)

	// other keys are independent
	_, err = l.Acquire(ctx, "payment:order:2", time.Second)
	assert.NoError(t, err)

	// a stale token cannot release a lock it no longer owns
	require.NoError(t, l.Release(ctx, Token{Key: tok.Key, Value: "someone-else"}))
	_, err = l.Acquire(ctx, "payment:order:1", time.Second)
	assert.ErrorIs(t, err, errs.ErrLockBusy)

	require.NoError(t, l.Release(ctx, tok))
	_, err = l.Acquire(ctx, "payment:order:1", time.Second)
	assert.NoError(t, err)
}

func TestMemoryLockerExpires(t *testing.T) {
	l := NewMemoryLocker()
	now := time.Now()
	l.now = func() time.Time { return now }
	ctx := context.Background()

	_, err := l.Acquire(ctx, "k", 15*time.Second)
	require.NoError(t, err)

	now = now.Add(16 * time.Second)
	_, err = l.Acquire(ctx, "k", 15*time.Second)
	assert.NoError(t, err)
}

func TestAcquireWithRetry(t *testing.T) {
	l := NewMemoryLocker()
	ctx := context.Background()

	tok, err := l.Acquire(ctx, "k", time.Minute)
	require.NoError(t, err)

	_, err = AcquireWithRetry(ctx, l, "k", time.Minute, 2)
	assert.ErrorIs(t, err, errs.ErrLockBusy)

	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = l.Release(ctx, tok)
	}()
	_, err = AcquireWithRetry(ctx, l, "k", time.Minute, 5)
	assert.NoError(t, err)
}

func TestRedisLocker(t *testing.T) {
	t.Skip("Integration test - requires redis")

	client, err := redisclient.NewClient("localhost:6379", "", 0)
	require.NoError(t, err)
	defer client.Close()

	l := NewRedisLocker(client)
	ctx := context.Background()

	tok, err := l.Acquire(ctx, "test:lock", time.Second)
	require.NoError(t, err)
	_, err = l.Acquire(ctx, "test:lock", time.Second)
	assert.ErrorIs(t, err, errs.ErrLockBusy)
	require.NoError(t, l.Release(ctx, tok))
	_, err = l.Acquire(ctx, "test:lock", time.Second)
	assert.NoError(t, err)
}
