package memstore

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"commerce-engine/internal/models"
	"commerce-engine/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRollbackRestoresSnapshot(t *testing.T) {
	s := New()
	v := s.AddVariant(models.Variant{SKU: "A", Price: 1000, Stock: 3})
	ctx := context.Background()

	boom := errors.New("boom")
	err := store.RunInTx(ctx, s, func(tx store.Tx) error {
		ok, err := tx.DecrementStock(ctx, v.ID, 2)
		require.NoError(t, err)
		require.True(t, ok)
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 3, s.Variant(v.ID).Stock)
}

func TestConditionalPrimitives(t *testing.T) {
	s := New()
	v := s.AddVariant(models.Variant{SKU: "A", Price: 1000, Stock: 1})
	c := s.AddCoupon(models.Coupon{Code: "ONE", MaxUses: 1})
	u := s.AddUser(models.User{WalletBalance: 500})
	ctx := context.Background()

	err := store.RunInTx(ctx, s, func(tx store.Tx) error {
		ok, _ := tx.DecrementStock(ctx, v.ID, 2)
		assert.False(t, ok)
		ok, _ = tx.DecrementStock(ctx, v.ID, 1)
		assert.True(t, ok)

		ok, _ = tx.IncrementCouponUses(ctx, c.ID)
		assert.True(t, ok)
		ok, _ = tx.IncrementCouponUses(ctx, c.ID)
		assert.False(t, ok)
		ok, _ = tx.DecrementCouponUses(ctx, c.ID)
		assert.True(t, ok)
		ok, _ = tx.DecrementCouponUses(ctx, c.ID)
		assert.False(t, ok)

		_, ok, _ = tx.DebitWallet(ctx, u.ID, 501)
		assert.False(t, ok)
		balance, ok, _ := tx.DebitWallet(ctx, u.ID, 500)
		assert.True(t, ok)
		assert.Equal(t, int64(0), balance)
		return nil
	})
	require.NoError(t, err)
}

func TestSingleActiveSession(t *testing.T) {
	s := New()
	ctx := context.Background()
	newSession := func(id string) *models.PaymentSession {
		return &models.PaymentSession{SessionID: id, OrderID: 7, Status: models.SessionStatusActive, ExpiresAt: time.Now()}
	}

	require.NoError(t, store.RunInTx(ctx, s, func(tx store.Tx) error {
		return tx.CreateSession(ctx, newSession("a"))
	}))
	err := store.RunInTx(ctx, s, func(tx store.Tx) error {
		return tx.CreateSession(ctx, newSession("b"))
	})
	assert.ErrorIs(t, err, store.ErrDuplicate)
}

func TestTransactionsSerialize(t *testing.T) {
	s := New()
	v := s.AddVariant(models.Variant{SKU: "A", Stock: 5})
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	won := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = store.RunInTx(ctx, s, func(tx store.Tx) error {
				ok, err := tx.DecrementStock(ctx, v.ID, 1)
				if err != nil || !ok {
					return err
				}
				mu.Lock()
				won++
				mu.Unlock()
				return nil
			})
		}()
	}
	wg.Wait()

	assert.Equal(t, 5, won)
	assert.Equal(t, 0, s.Variant(v.ID).Stock)
}
