// Package cache is a read-through accelerator for order views. It is never consulted
// for reservation decisions; every mutation invalidates by key pattern.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"commerce-engine/internal/models"
	"commerce-engine/internal/redisclient"
	"commerce-engine/internal/util"

	"go.uber.org/zap"
)

func OrderKey(orderID int64) string {
	return fmt.Sprintf("order:%d:view", orderID)
}

func OrderPattern(orderID int64) string {
	return fmt.Sprintf("order:%d:*", orderID)
}

func UserPattern(userID int64) string {
	return fmt.Sprintf("user:%d:*", userID)
}

func WalletKey(userID int64) string {
	return fmt.Sprintf("user:%d:wallet", userID)
}

func VariantPattern(variantID int64) string {
	return fmt.Sprintf("variant:%d:*", variantID)
}

// Invalidator drops cached entries matching key patterns.
type Invalidator interface {
	Invalidate(ctx context.Context, patterns ...string)
}

// OrderCache is the read-through side used for order views.
type OrderCache interface {
	Invalidator
	GetOrder(ctx context.Context, orderID int64) (*models.Order, bool)
	SetOrder(ctx context.Context, order *models.Order)
}

// RedisCache stores JSON order views in redis with a short TTL.
type RedisCache struct {
	client *redisclient.Client
	ttl    time.Duration
	logger *zap.Logger
}

var _ OrderCache = (*RedisCache)(nil)

func NewRedisCache(client *redisclient.Client, ttl time.Duration) *RedisCache {
	return &RedisCache{client: client, ttl: ttl, logger: util.Named("cache")}
}

func (c *RedisCache) GetOrder(ctx context.Context, orderID int64) (*models.Order, bool) {
	b, ok, err := c.client.Get(ctx, OrderKey(orderID))
	if err != nil {
		c.logger.Warn("Cache read failed", zap.Int64("order_id", orderID), zap.Error(err))
		return nil, false
	}
	if !ok {
		return nil, false
	}
	var order models.Order
	if err := json.Unmarshal(b, &order); err != nil {
		return nil, false
	}
	return &order, true
}

func (c *RedisCache) SetOrder(ctx context.Context, order *models.Order) {
	b, err := json.Marshal(order)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, OrderKey(order.ID), b, c.ttl); err != nil {
		c.logger.Warn("Cache write failed", zap.Int64("order_id", order.ID), zap.Error(err))
	}
}

// Invalidate is best effort: a failed delete only leaves an entry to age out by TTL.
func (c *RedisCache) Invalidate(ctx context.Context, patterns ...string) {
	for _, p := range patterns {
		if _, err := c.client.DeletePattern(ctx, p); err != nil {
			c.logger.Warn("Cache invalidation failed", zap.String("pattern", p), zap.Error(err))
		}
	}
}

// Nop is used when no cache is configured.
type Nop struct{}

func (Nop) GetOrder(context.Context, int64) (*models.Order, bool) { return nil, false }
func (Nop) SetOrder(context.Context, *models.Order)               {}
func (Nop) Invalidate(context.Context, ...string)                 {}
