package service

import (
	"context"
	"sync"
	"testing"
	"time"

	couriermocks "commerce-engine/internal/courier/mocks"
	"commerce-engine/internal/gateway"
	gatewaymocks "commerce-engine/internal/gateway/mocks"
	"commerce-engine/internal/lock"
	"commerce-engine/internal/models"
	"commerce-engine/internal/store"
	"commerce-engine/internal/store/memstore"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingPublisher struct {
	mu         sync.Mutex
	orders     []models.OrderEvent
	webhooks   []models.PaymentWebhookEvent
	retries    []models.CourierPickupRetryEvent
	webhookErr error
}

func (p *recordingPublisher) PublishOrderEvent(_ context.Context, e *models.OrderEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.orders = append(p.orders, *e)
	return nil
}

func (p *recordingPublisher) PublishPaymentWebhook(_ context.Context, e *models.PaymentWebhookEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.webhookErr != nil {
		return p.webhookErr
	}
	p.webhooks = append(p.webhooks, *e)
	return nil
}

func (p *recordingPublisher) PublishCourierRetry(_ context.Context, e *models.CourierPickupRetryEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.retries = append(p.retries, *e)
	return nil
}

// countOrderEvents counts events of one type for one order.
func (p *recordingPublisher) countOrderEvents(orderID int64, eventType string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, e := range p.orders {
		if e.OrderID == orderID && e.EventType == eventType {
			n++
		}
	}
	return n
}

func (p *recordingPublisher) pickupRetries() []models.CourierPickupRetryEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]models.CourierPickupRetryEvent(nil), p.retries...)
}

// harness wires every workflow over the in-memory store with a razorpay mock and a courier mock.
type harness struct {
	ctx      context.Context
	store    *memstore.Store
	clock    *fakeClock
	events   *recordingPublisher
	gateway  *gatewaymocks.MockAdapter
	courier  *couriermocks.MockClient
	c        *Components
	saga     *SagaOrchestrator
	payments *PaymentCoordinator
	orders   *OrderService
	postsale *PostSaleService
	sweeper  *Sweeper

	user   models.User
	shirt  models.Variant // 500.00, stock 10
	jacket models.Variant // 700.00, stock 5
	socks  models.Variant // 300.00, stock 5
}

func newHarness(t *testing.T, tweaks ...func(*Options)) *harness {
	t.Helper()
	ctrl := gomock.NewController(t)

	clock := &fakeClock{now: time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)}
	ms := memstore.New()
	ms.SetClock(clock.Now)

	opts := DefaultOptions()
	for _, tw := range tweaks {
		tw(&opts)
	}

	gw := gatewaymocks.NewMockAdapter(ctrl)
	gw.EXPECT().Name().Return(models.PaymentMethodRazorpay).AnyTimes()
	registry := gateway.NewRegistry(gw)
	courierClient := couriermocks.NewMockClient(ctrl)
	locker := lock.NewMemoryLocker()
	events := &recordingPublisher{}

	c := NewComponents(ms, nil, events, opts)
	c.Clock = clock.Now

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	saga := NewSagaOrchestrator(c, registry, locker)
	payments := NewPaymentCoordinator(c, registry, locker, saga)

	h := &harness{
		ctx:      context.Background(),
		store:    ms,
		clock:    clock,
		events:   events,
		gateway:  gw,
		courier:  courierClient,
		c:        c,
		saga:     saga,
		payments: payments,
		orders:   NewOrderService(c, payments, saga, node),
		postsale: NewPostSaleService(c, saga, courierClient, locker, node),
		sweeper:  NewSweeper(c, saga),
	}
	h.user = ms.AddUser(models.User{})
	h.shirt = ms.AddVariant(models.Variant{ProductID: 100, CategoryID: 10, SKU: "SHIRT-M", Name: "Shirt", Price: 50000, Stock: 10, Active: true})
	h.jacket = ms.AddVariant(models.Variant{ProductID: 200, CategoryID: 20, SKU: "JACKET-M", Name: "Jacket", Price: 70000, Stock: 5, Active: true})
	h.socks = ms.AddVariant(models.Variant{ProductID: 300, CategoryID: 10, SKU: "SOCKS-M", Name: "Socks", Price: 30000, Stock: 5, Active: true})
	return h
}

func withRestockingFee(pct int64) func(*Options) {
	return func(o *Options) { o.RestockingFeePercent = decimal.NewFromInt(pct) }
}

func (h *harness) newUser(balance int64) models.User {
	return h.store.AddUser(models.User{WalletBalance: balance})
}

func (h *harness) addCoupon(c models.Coupon) models.Coupon {
	c.Active = true
	return h.store.AddCoupon(c)
}

func line(v models.Variant, qty int) LineRequest {
	return LineRequest{VariantID: v.ID, Quantity: qty}
}

func (h *harness) checkout(userID int64, method models.PaymentMethod, mutate func(*CheckoutRequest), lines ...LineRequest) (*CheckoutResult, error) {
	req := CheckoutRequest{
		UserID:        userID,
		Items:         lines,
		PaymentMethod: method,
		ShippingAddress: models.Address{
			Name: "Asha", Phone: "9999999999", Line1: "12 MG Road", City: "Pune", State: "MH", Pincode: "411001",
		},
	}
	if mutate != nil {
		mutate(&req)
	}
	return h.orders.Checkout(h.ctx, req)
}

func (h *harness) mustCheckout(t *testing.T, userID int64, method models.PaymentMethod, mutate func(*CheckoutRequest), lines ...LineRequest) *CheckoutResult {
	t.Helper()
	res, err := h.checkout(userID, method, mutate, lines...)
	require.NoError(t, err)
	return res
}

func withCoupon(code string) func(*CheckoutRequest) {
	return func(r *CheckoutRequest) { r.CouponCode = code }
}

func withWallet(r *CheckoutRequest) { r.UseWallet = true }

// expectGatewayOrder answers the next provider order creation with the given id.
func (h *harness) expectGatewayOrder(id string) *gomock.Call {
	return h.gateway.EXPECT().CreateOrder(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, req gateway.CreateOrderRequest) (*gateway.Order, error) {
			return &gateway.Order{ID: id, Provider: "razorpay", Amount: req.Amount, Currency: req.Currency}, nil
		})
}

func (h *harness) expectVerify(valid bool, amount int64) *gomock.Call {
	return h.gateway.EXPECT().VerifyPayment(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, req gateway.VerifyRequest) (*gateway.VerifyResult, error) {
			return &gateway.VerifyResult{Valid: valid, Amount: amount, GatewayPaymentID: req.GatewayPaymentID}, nil
		})
}

// paidByGateway checks out through razorpay and verifies the payment.
func (h *harness) paidByGateway(t *testing.T, userID int64, mutate func(*CheckoutRequest), lines ...LineRequest) *models.Order {
	t.Helper()
	h.expectGatewayOrder("order_" + t.Name())
	res := h.mustCheckout(t, userID, models.PaymentMethodRazorpay, mutate, lines...)
	h.expectVerify(true, res.Session.GatewayAmount)
	paid, err := h.payments.Verify(h.ctx, VerifyPaymentRequest{
		UserID:           userID,
		SessionID:        res.Session.SessionID,
		GatewayPaymentID: "pay_" + t.Name(),
		Signature:        "sig",
	})
	require.NoError(t, err)
	require.Equal(t, models.OrderStatusConfirmed, paid.Order.Status)
	return paid.Order
}

// deliver walks a confirmed order through fulfilment.
func (h *harness) deliver(t *testing.T, orderID int64) *models.Order {
	t.Helper()
	var order *models.Order
	for _, s := range []models.OrderStatus{models.OrderStatusProcessing, models.OrderStatusOutForDelivery, models.OrderStatusDelivered} {
		var err error
		order, err = h.orders.AdminUpdateStatus(h.ctx, orderID, s, "ops")
		require.NoError(t, err)
	}
	return order
}

func (h *harness) activeSessions(orderID int64) int {
	n := 0
	for _, s := range h.store.Sessions(orderID) {
		if s.Status == models.SessionStatusActive {
			n++
		}
	}
	return n
}

func (h *harness) inTx(t *testing.T, fn func(tx store.Tx) error) error {
	t.Helper()
	return store.RunInTx(h.ctx, h.store, fn)
}
