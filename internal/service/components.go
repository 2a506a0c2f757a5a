package service

import (
	"context"
	"time"

	"commerce-engine/internal/cache"
	"commerce-engine/internal/models"
	"commerce-engine/internal/store"
	"commerce-engine/internal/util"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Options are the business knobs loaded from config.
type Options struct {
	OrderReservationTTL    time.Duration
	ExchangeReservationTTL time.Duration
	SessionStaleAfter      time.Duration
	LockTTL                time.Duration
	LockRetries            int32
	WalletHoldTTL          time.Duration
	RestockingFeePercent   decimal.Decimal
	Currency               string
	SweepBatch             int
	MaxPickupAttempts      int
}

func DefaultOptions() Options {
	return Options{
		OrderReservationTTL:    30 * time.Minute,
		ExchangeReservationTTL: 30 * time.Minute,
		SessionStaleAfter:      10 * time.Minute,
		LockTTL:                15 * time.Second,
		LockRetries:            3,
		WalletHoldTTL:          72 * time.Hour,
		RestockingFeePercent:   decimal.Zero,
		Currency:               "INR",
		SweepBatch:             100,
		MaxPickupAttempts:      5,
	}
}

// EventPublisher is the outbound side of the broker.
type EventPublisher interface {
	PublishOrderEvent(ctx context.Context, event *models.OrderEvent) error
	PublishPaymentWebhook(ctx context.Context, event *models.PaymentWebhookEvent) error
	PublishCourierRetry(ctx context.Context, event *models.CourierPickupRetryEvent) error
}

// NopPublisher drops every event.
type NopPublisher struct{}

func (NopPublisher) PublishOrderEvent(context.Context, *models.OrderEvent) error { return nil }
func (NopPublisher) PublishPaymentWebhook(context.Context, *models.PaymentWebhookEvent) error {
	return nil
}
func (NopPublisher) PublishCourierRetry(context.Context, *models.CourierPickupRetryEvent) error {
	return nil
}

// Components bundles the ledger-level services every workflow is built from.
type Components struct {
	UoW          store.UnitOfWork
	Ledger       *Ledger
	Reservations *ReservationManager
	Coupons      *CouponService
	Wallet       *WalletService
	States       *OrderStateMachine
	Inventory    *InventoryClient
	Cache        cache.OrderCache
	Events       EventPublisher
	Options      Options
	Clock        func() time.Time
}

func NewComponents(uow store.UnitOfWork, orderCache cache.OrderCache, events EventPublisher, opts Options) *Components {
	if orderCache == nil {
		orderCache = cache.Nop{}
	}
	if events == nil {
		events = NopPublisher{}
	}
	c := &Components{
		UoW:     uow,
		Ledger:  &Ledger{},
		Cache:   orderCache,
		Events:  events,
		Options: opts,
		Clock:   time.Now,
	}
	now := func() time.Time { return c.Clock().UTC() }
	c.Reservations = NewReservationManager(c.Ledger, now)
	c.Coupons = NewCouponService(c.Ledger, now)
	c.Wallet = NewWalletService(uow, c.Ledger, orderCache)
	c.States = NewOrderStateMachine()
	c.Inventory = NewInventoryClient(c.Ledger)
	return c
}

func (c *Components) now() time.Time {
	return c.Clock().UTC()
}

// invalidateOrder drops cached views touched by a committed order mutation.
func (c *Components) invalidateOrder(ctx context.Context, order *models.Order) {
	if order == nil {
		return
	}
	patterns := []string{cache.OrderPattern(order.ID), cache.UserPattern(order.UserID)}
	for _, it := range order.Items {
		patterns = append(patterns, cache.VariantPattern(it.VariantID))
	}
	c.Cache.Invalidate(ctx, patterns...)
}

func (c *Components) publishOrderEvent(ctx context.Context, order *models.Order, eventType, reason string) {
	if order == nil {
		return
	}
	event := &models.OrderEvent{
		BaseEvent: models.BaseEvent{
			EventID:   uuid.New().String(),
			EventType: eventType,
			Timestamp: c.now(),
		},
		OrderID:  order.ID,
		OrderNo:  order.OrderNo,
		UserID:   order.UserID,
		Status:   order.Status,
		Total:    order.Total,
		Reason:   reason,
		Items:    orderItemData(order.Items),
		Payments: paymentIDs(order.Payments),
	}
	if err := c.Events.PublishOrderEvent(ctx, event); err != nil {
		util.GetLogger().Error("Failed to publish order event",
			zap.String("type", eventType),
			zap.Int64("order_id", order.ID),
			zap.Error(err))
	}
}

// readOrder loads an order in its own unit of work.
func (c *Components) readOrder(ctx context.Context, orderID int64) (*models.Order, error) {
	var order *models.Order
	err := store.RunInTx(ctx, c.UoW, func(tx store.Tx) error {
		var err error
		order, err = tx.GetOrder(ctx, orderID)
		return err
	})
	return order, err
}
