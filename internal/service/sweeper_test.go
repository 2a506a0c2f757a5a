package service

import (
	"testing"
	"time"

	"commerce-engine/internal/models"
	"commerce-engine/internal/store"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSweepExpiresAbandonedGatewayCheckout(t *testing.T) {
	h := newHarness(t)
	h.expectGatewayOrder("order_abandoned")
	res := h.mustCheckout(t, h.user.ID, models.PaymentMethodRazorpay, nil, line(h.shirt, 3))
	require.Equal(t, 7, h.store.Variant(h.shirt.ID).Stock)

	h.clock.Advance(29 * time.Minute)
	assert.Equal(t, SweepResult{}, h.sweeper.RunOnce(h.ctx))

	h.clock.Advance(2 * time.Minute)
	assert.Equal(t, SweepResult{Reservations: 1}, h.sweeper.RunOnce(h.ctx))

	order := h.store.Order(res.Order.ID)
	assert.Equal(t, models.OrderStatusFailed, order.Status)
	failure, ok := order.Meta.LastFailure()
	require.True(t, ok)
	assert.Equal(t, ReasonReservationExpired, failure.Reason)
	assert.Equal(t, res.Session.SessionID, failure.SessionID)
	assert.Equal(t, 10, h.store.Variant(h.shirt.ID).Stock)
	assert.Equal(t, 0, h.activeSessions(order.ID))
	assert.Equal(t, models.SessionStatusExpired, h.store.Sessions(order.ID)[0].Status)
	assert.Equal(t, 1, h.events.countOrderEvents(order.ID, models.EventTypeOrderFailed))

	assert.Equal(t, SweepResult{}, h.sweeper.RunOnce(h.ctx))
	assert.Equal(t, 10, h.store.Variant(h.shirt.ID).Stock)
}

func TestSweepRevertsCouponOfExpiredCheckout(t *testing.T) {
	h := newHarness(t)
	coupon := h.addCoupon(models.Coupon{Code: "ONCE", DiscountType: models.DiscountTypePercentage, Value: decimal.NewFromInt(10), MaxUses: 1})

	h.expectGatewayOrder("order_coupon")
	res := h.mustCheckout(t, h.user.ID, models.PaymentMethodRazorpay, withCoupon("ONCE"), line(h.jacket, 1))
	require.Equal(t, 1, h.store.Coupon(coupon.ID).UsesCount)

	h.clock.Advance(31 * time.Minute)
	h.sweeper.RunOnce(h.ctx)

	assert.Equal(t, models.OrderStatusFailed, h.store.Order(res.Order.ID).Status)
	assert.Equal(t, 0, h.store.Coupon(coupon.ID).UsesCount)
	usages := h.store.CouponUsages(coupon.ID)
	require.Len(t, usages, 1)
	assert.Equal(t, models.CouponUsageReverted, usages[0].Status)

	// the single use is free again
	again := h.mustCheckout(t, h.newUser(0).ID, models.PaymentMethodCOD, withCoupon("ONCE"), line(h.jacket, 1))
	assert.Equal(t, models.OrderStatusConfirmed, again.Order.Status)
}

func TestSweepTimesOutOrderWithoutSession(t *testing.T) {
	h := newHarness(t)
	created, err := h.orders.createOrder(h.ctx, CheckoutRequest{
		UserID:         h.user.ID,
		Items:          []LineRequest{line(h.socks, 1)},
		PaymentMethod:  models.PaymentMethodRazorpay,
		IdempotencyKey: "stuck",
	})
	require.NoError(t, err)

	h.clock.Advance(31 * time.Minute)
	assert.Equal(t, SweepResult{Orders: 1}, h.sweeper.RunOnce(h.ctx))

	order := h.store.Order(created.Order.ID)
	assert.Equal(t, models.OrderStatusFailed, order.Status)
	failure, ok := order.Meta.LastFailure()
	require.True(t, ok)
	assert.Equal(t, ReasonOrderTimeout, failure.Reason)
	assert.Equal(t, 5, h.store.Variant(h.socks.ID).Stock)
}

func TestSweepReleasesStaleExchangeHold(t *testing.T) {
	h := newHarness(t)
	user := h.newUser(0)
	order := h.deliveredCOD(t, user.ID, nil, line(h.shirt, 1))
	require.NoError(t, h.inTx(t, func(tx store.Tx) error {
		_, err := h.c.Wallet.Credit(h.ctx, tx, user.ID, 12000, "gift", SourceRefund)
		return err
	}))
	ex, err := h.postsale.RequestExchange(h.ctx, CreateExchangeRequest{
		UserID: user.ID, OrderID: order.ID, OrderItemID: order.Items[0].ID, Quantity: 1,
		ReplacementVariantID: h.jacket.ID, UseWallet: true,
	})
	require.NoError(t, err)
	require.Equal(t, int64(0), h.store.User(user.ID).WalletBalance)

	h.clock.Advance(73 * time.Hour)
	res := h.sweeper.RunOnce(h.ctx)
	assert.Equal(t, 1, res.WalletHolds)
	assert.Equal(t, 1, res.Reservations)

	assert.Equal(t, int64(12000), h.store.User(user.ID).WalletBalance)
	stored := h.store.Exchange(ex.ID)
	assert.Nil(t, stored.WalletHoldID)
	assert.Zero(t, stored.WalletHoldAmount)
	assert.Equal(t, "wallet hold expired", stored.History[len(stored.History)-1].Note)
	assert.Equal(t, 5, h.store.Variant(h.jacket.ID).Stock)

	assert.Equal(t, SweepResult{}, h.sweeper.RunOnce(h.ctx))
}
