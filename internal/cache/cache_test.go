package cache

import (
	"context"
	"testing"
	"time"

	"commerce-engine/internal/models"
	"commerce-engine/internal/redisclient"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyPatterns(t *testing.T) {
	assert.Equal(t, "order:42:view", OrderKey(42))
	assert.Equal(t, "order:42:*", OrderPattern(42))
	assert.Equal(t, "user:7:*", UserPattern(7))
	assert.Equal(t, "user:7:wallet", WalletKey(7))
}

func TestNopNeverHits(t *testing.T) {
	var c OrderCache = Nop{}
	c.SetOrder(context.Background(), &models.Order{ID: 1})
	_, ok := c.GetOrder(context.Background(), 1)
	assert.False(t, ok)
}

func TestRedisCacheReadThrough(t *testing.T) {
	t.Skip("Integration test - requires redis")

	client, err := redisclient.NewClient("localhost:6379", "", 0)
	require.NoError(t, err)
	defer client.Close()

	c := NewRedisCache(client, time.Minute)
	ctx := context.Background()

	c.SetOrder(ctx, &models.Order{ID: 99, Total: 5000, Status: models.OrderStatusPending})
	got, ok := c.GetOrder(ctx, 99)
	require.True(t, ok)
	assert.Equal(t, int64(5000), got.Total)

	c.Invalidate(ctx, OrderPattern(99))
	_, ok = c.GetOrder(ctx, 99)
	assert.False(t, ok)
}
