package service

import (
	"errors"
	"testing"
	"time"

	"commerce-engine/internal/errs"
	"commerce-engine/internal/models"
	"commerce-engine/internal/store"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWalletHoldRelease(t *testing.T) {
	h := newHarness(t)
	user := h.newUser(10000)

	var hold *models.WalletTransaction
	require.NoError(t, h.inTx(t, func(tx store.Tx) error {
		var err error
		hold, err = h.c.Wallet.Hold(h.ctx, tx, user.ID, 4000, "EX-1", SourceExchangeHold)
		return err
	}))
	assert.Equal(t, models.WalletTxnPending, hold.Status)
	assert.Equal(t, int64(6000), hold.BalanceAfter)
	assert.Equal(t, int64(6000), h.store.User(user.ID).WalletBalance)

	var first, second bool
	require.NoError(t, h.inTx(t, func(tx store.Tx) error {
		var err error
		if first, err = h.c.Wallet.Release(h.ctx, tx, hold.ID); err != nil {
			return err
		}
		second, err = h.c.Wallet.Release(h.ctx, tx, hold.ID)
		return err
	}))
	assert.True(t, first)
	assert.False(t, second)
	assert.Equal(t, int64(10000), h.store.User(user.ID).WalletBalance)

	txns := h.store.WalletTxns(user.ID)
	require.Len(t, txns, 2)
	assert.Equal(t, models.WalletTxnRejected, txns[0].Status)
	assert.Equal(t, models.WalletTxnCredit, txns[1].Type)
	assert.Equal(t, SourceHoldRelease, txns[1].Source)
	assert.Equal(t, &hold.ID, txns[1].HoldID)

	err := h.inTx(t, func(tx store.Tx) error {
		return h.c.Wallet.Finalize(h.ctx, tx, hold.ID)
	})
	assert.Equal(t, errs.KindConflict, errs.KindOf(err))
}

func TestWalletHoldFinalize(t *testing.T) {
	h := newHarness(t)
	user := h.newUser(10000)

	var hold *models.WalletTransaction
	require.NoError(t, h.inTx(t, func(tx store.Tx) error {
		var err error
		if hold, err = h.c.Wallet.Hold(h.ctx, tx, user.ID, 2500, "EX-2", SourceExchangeHold); err != nil {
			return err
		}
		if err := h.c.Wallet.Finalize(h.ctx, tx, hold.ID); err != nil {
			return err
		}
		return h.c.Wallet.Finalize(h.ctx, tx, hold.ID)
	}))
	assert.Equal(t, int64(7500), h.store.User(user.ID).WalletBalance)

	err := h.inTx(t, func(tx store.Tx) error {
		_, err := h.c.Wallet.Release(h.ctx, tx, hold.ID)
		return err
	})
	assert.Equal(t, errs.KindConflict, errs.KindOf(err))
	assert.Equal(t, int64(7500), h.store.User(user.ID).WalletBalance)
}

func TestWalletDebitBeyondBalance(t *testing.T) {
	h := newHarness(t)
	user := h.newUser(1000)

	err := h.inTx(t, func(tx store.Tx) error {
		_, err := h.c.Wallet.Debit(h.ctx, tx, user.ID, 1001, "X", SourceOrderPayment)
		return err
	})
	assert.True(t, errors.Is(err, errs.ErrInsufficientWallet))
	assert.Equal(t, int64(1000), h.store.User(user.ID).WalletBalance)
	assert.Empty(t, h.store.WalletTxns(user.ID))

	err = h.inTx(t, func(tx store.Tx) error {
		_, err := h.c.Wallet.Credit(h.ctx, tx, user.ID, 0, "X", SourceRefund)
		return err
	})
	assert.Equal(t, errs.KindValidation, errs.KindOf(err))
}

func TestWalletBalanceAndTransactions(t *testing.T) {
	h := newHarness(t)
	user := h.newUser(0)
	require.NoError(t, h.inTx(t, func(tx store.Tx) error {
		for i := 0; i < 3; i++ {
			if _, err := h.c.Wallet.Credit(h.ctx, tx, user.ID, 1000, "R", SourceRefund); err != nil {
				return err
			}
		}
		return nil
	}))

	balance, err := h.c.Wallet.Balance(h.ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(3000), balance)

	page, err := h.c.Wallet.Transactions(h.ctx, user.ID, 2, 0)
	require.NoError(t, err)
	assert.Len(t, page, 2)

	_, err = h.c.Wallet.Balance(h.ctx, 9999)
	assert.Equal(t, errs.KindNotFound, errs.KindOf(err))
}

func TestComputeDiscount(t *testing.T) {
	tests := []struct {
		name       string
		coupon     models.Coupon
		applicable int64
		want       int64
	}{
		{"fixed", models.Coupon{DiscountType: models.DiscountTypeFixed, Value: decimal.NewFromInt(10000)}, 50000, 10000},
		{"fixed capped at applicable", models.Coupon{DiscountType: models.DiscountTypeFixed, Value: decimal.NewFromInt(10000)}, 4000, 4000},
		{"percentage", models.Coupon{DiscountType: models.DiscountTypePercentage, Value: decimal.NewFromInt(10)}, 50000, 5000},
		{"percentage capped", models.Coupon{DiscountType: models.DiscountTypePercentage, Value: decimal.NewFromInt(50), MaxDiscountAmount: 10000}, 50000, 10000},
		{"hundred percent", models.Coupon{DiscountType: models.DiscountTypePercentage, Value: decimal.NewFromInt(100)}, 30000, 30000},
		{"nothing applicable", models.Coupon{DiscountType: models.DiscountTypeFixed, Value: decimal.NewFromInt(500)}, 0, 0},
		{"negative value", models.Coupon{DiscountType: models.DiscountTypeFixed, Value: decimal.NewFromInt(-500)}, 1000, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ComputeDiscount(&tt.coupon, tt.applicable))
		})
	}
}

func TestCouponReserveValidation(t *testing.T) {
	h := newHarness(t)
	past := h.clock.Now().Add(-time.Hour)
	future := h.clock.Now().Add(time.Hour)
	h.addCoupon(models.Coupon{Code: "OLD", DiscountType: models.DiscountTypeFixed, Value: decimal.NewFromInt(100), ExpiresAt: &past})
	h.addCoupon(models.Coupon{Code: "SOON", DiscountType: models.DiscountTypeFixed, Value: decimal.NewFromInt(100), StartsAt: &future})
	h.addCoupon(models.Coupon{Code: "JACKETS", DiscountType: models.DiscountTypeFixed, Value: decimal.NewFromInt(100), CategoryIDs: []int64{20}})
	h.addCoupon(models.Coupon{Code: "BIG", DiscountType: models.DiscountTypeFixed, Value: decimal.NewFromInt(100), MinOrderValue: 100000})
	off := h.store.AddCoupon(models.Coupon{Code: "OFF", DiscountType: models.DiscountTypeFixed, Value: decimal.NewFromInt(100)})

	items := []models.OrderItem{{VariantID: h.shirt.ID, ProductID: 100, CategoryID: 10, Quantity: 1, UnitPrice: 50000}}
	for _, code := range []string{"OLD", "SOON", "JACKETS", "BIG", "OFF", "MISSING"} {
		err := h.inTx(t, func(tx store.Tx) error {
			_, err := h.c.Coupons.Reserve(h.ctx, tx, code, h.user.ID, 1, items)
			return err
		})
		assert.Equal(t, errs.KindValidation, errs.KindOf(err), code)
	}
	assert.Equal(t, 0, h.store.Coupon(off.ID).UsesCount)
}

func TestCouponRevertIsIdempotent(t *testing.T) {
	h := newHarness(t)
	coupon := h.addCoupon(models.Coupon{Code: "TWICE", DiscountType: models.DiscountTypePercentage, Value: decimal.NewFromInt(10), MaxUses: 5})
	items := []models.OrderItem{
		{VariantID: h.shirt.ID, ProductID: 100, CategoryID: 10, Quantity: 1, UnitPrice: 50000},
		{VariantID: h.jacket.ID, ProductID: 200, CategoryID: 20, Quantity: 1, UnitPrice: 70000},
	}

	var reserved *CouponReservation
	require.NoError(t, h.inTx(t, func(tx store.Tx) error {
		var err error
		reserved, err = h.c.Coupons.Reserve(h.ctx, tx, " TWICE ", h.user.ID, 77, items)
		return err
	}))
	assert.Equal(t, int64(12000), reserved.Discount)
	assert.Equal(t, []int64{5000, 7000}, reserved.ItemDiscounts)
	assert.Equal(t, 1, h.store.Coupon(coupon.ID).UsesCount)

	err := h.inTx(t, func(tx store.Tx) error {
		_, err := h.c.Coupons.Reserve(h.ctx, tx, "TWICE", h.user.ID, 77, items)
		return err
	})
	assert.Equal(t, errs.KindConflict, errs.KindOf(err), "one usage per order")

	var first, second bool
	require.NoError(t, h.inTx(t, func(tx store.Tx) error {
		var err error
		if first, err = h.c.Coupons.Revert(h.ctx, tx, 77); err != nil {
			return err
		}
		second, err = h.c.Coupons.Revert(h.ctx, tx, 77)
		return err
	}))
	assert.True(t, first)
	assert.False(t, second)
	assert.Equal(t, 0, h.store.Coupon(coupon.ID).UsesCount)
}

func TestCouponApplyAndClear(t *testing.T) {
	svc := NewCouponService(&Ledger{}, time.Now)
	order := &models.Order{Items: []models.OrderItem{
		{UnitPrice: 50000, Quantity: 2},
		{UnitPrice: 30000, Quantity: 1},
	}}
	coupon := &models.Coupon{ID: 3, Code: "SAVE", DiscountType: models.DiscountTypeFixed, Value: decimal.NewFromInt(13000)}

	svc.Apply(order, &CouponReservation{
		Coupon:        coupon,
		Usage:         &models.CouponUsage{ID: 8},
		Discount:      13000,
		ItemDiscounts: []int64{10000, 3000},
	})
	assert.Equal(t, int64(130000), order.Subtotal)
	assert.Equal(t, int64(117000), order.Total)
	assert.Equal(t, int64(90000), order.Items[0].PriceAfterDiscount)
	assert.Equal(t, int64(27000), order.Items[1].PriceAfterDiscount)
	require.NotNil(t, order.Coupon)
	assert.Equal(t, int64(8), order.Coupon.UsageID)

	svc.Clear(order)
	assert.Equal(t, int64(130000), order.Total)
	assert.Nil(t, order.Coupon)
	assert.Nil(t, order.CouponID)
	assert.Equal(t, int64(100000), order.Items[0].PriceAfterDiscount)
}

func TestReservationCompensatesPartialDebit(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.inTx(t, func(tx store.Tx) error {
		_, err := h.c.Reservations.Reserve(h.ctx, tx, ForOrder(5), []models.ReservedItem{
			{VariantID: h.shirt.ID, Quantity: 2},
			{VariantID: h.jacket.ID, Quantity: 6},
		}, time.Minute)
		assert.True(t, errors.Is(err, errs.ErrInsufficientStock))
		return nil
	}))
	assert.Equal(t, 10, h.store.Variant(h.shirt.ID).Stock)
	assert.Equal(t, 5, h.store.Variant(h.jacket.ID).Stock)
	assert.Empty(t, h.store.Reservations())
}

func TestReservationMergesDuplicateLines(t *testing.T) {
	h := newHarness(t)

	var r *models.StockReservation
	require.NoError(t, h.inTx(t, func(tx store.Tx) error {
		var err error
		r, err = h.c.Reservations.Reserve(h.ctx, tx, ForOrder(5), []models.ReservedItem{
			{VariantID: h.socks.ID, Quantity: 2},
			{VariantID: h.socks.ID, Quantity: 3},
		}, time.Minute)
		return err
	}))
	require.Len(t, r.Items, 1)
	assert.Equal(t, 5, r.Items[0].Quantity)
	assert.Equal(t, 0, h.store.Variant(h.socks.ID).Stock)
	assert.True(t, h.clock.Now().Add(time.Minute).Equal(r.ReservedUntil))
}

func TestReservationReleasesExactlyOnce(t *testing.T) {
	h := newHarness(t)
	reserve := func() *models.StockReservation {
		var r *models.StockReservation
		require.NoError(t, h.inTx(t, func(tx store.Tx) error {
			var err error
			r, err = h.c.Reservations.Reserve(h.ctx, tx, ForOrder(5), []models.ReservedItem{{VariantID: h.shirt.ID, Quantity: 3}}, time.Minute)
			return err
		}))
		return r
	}

	released := reserve()
	require.NoError(t, h.inTx(t, func(tx store.Tx) error {
		ok, err := h.c.Reservations.Release(h.ctx, tx, released.ID)
		assert.True(t, ok)
		if err != nil {
			return err
		}
		ok, err = h.c.Reservations.Release(h.ctx, tx, released.ID)
		assert.False(t, ok)
		return err
	}))
	assert.Equal(t, 10, h.store.Variant(h.shirt.ID).Stock)

	err := h.inTx(t, func(tx store.Tx) error {
		return h.c.Reservations.Consume(h.ctx, tx, released.ID, nil)
	})
	assert.Equal(t, errs.KindConflict, errs.KindOf(err))

	consumed := reserve()
	require.NoError(t, h.inTx(t, func(tx store.Tx) error {
		if err := h.c.Reservations.Consume(h.ctx, tx, consumed.ID, nil); err != nil {
			return err
		}
		if err := h.c.Reservations.Consume(h.ctx, tx, consumed.ID, nil); err != nil {
			return err
		}
		ok, err := h.c.Reservations.Release(h.ctx, tx, consumed.ID)
		assert.False(t, ok)
		return err
	}))
	assert.Equal(t, 7, h.store.Variant(h.shirt.ID).Stock)
}

func TestLedgerRejectsNonPositiveQuantities(t *testing.T) {
	h := newHarness(t)
	err := h.inTx(t, func(tx store.Tx) error {
		return h.c.Ledger.DebitStock(h.ctx, tx, h.shirt.ID, 0)
	})
	assert.Equal(t, errs.KindValidation, errs.KindOf(err))

	require.NoError(t, h.inTx(t, func(tx store.Tx) error {
		return h.c.Ledger.CreditStock(h.ctx, tx, h.shirt.ID, 0)
	}))
	assert.Equal(t, 10, h.store.Variant(h.shirt.ID).Stock)
}
