package config

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()

	assert.Equal(t, 30*time.Minute, cfg.Business.OrderReservationTTL)
	assert.Equal(t, 10*time.Minute, cfg.Business.SessionStaleAfter)
	assert.Equal(t, 15*time.Second, cfg.Business.PaymentLockTTL)
	assert.Equal(t, 72*time.Hour, cfg.Business.WalletHoldTTL)
	assert.Equal(t, "@every 1m", cfg.Business.SweepInterval)
	assert.True(t, cfg.Business.RestockingFeePercent.IsZero())
	assert.Equal(t, "INR", cfg.Business.Currency)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("ORDER_TIMEOUT_SECONDS", "60")
	t.Setenv("LOCK_BACKEND", "memory")
	t.Setenv("RESTOCKING_FEE_PERCENT", "2.5")
	t.Setenv("KAFKA_BROKERS", "a:9092,b:9092")
	t.Setenv("LOCK_RETRIES", "not-a-number")

	cfg := Load()

	assert.Equal(t, time.Minute, cfg.Business.OrderReservationTTL)
	assert.Equal(t, "memory", cfg.Lock.Backend)
	assert.True(t, decimal.RequireFromString("2.5").Equal(cfg.Business.RestockingFeePercent))
	assert.Equal(t, []string{"a:9092", "b:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, int32(3), cfg.Business.LockRetries)
}
