package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"commerce-engine/internal/errs"
	"commerce-engine/internal/gateway"
	"commerce-engine/internal/models"
	"commerce-engine/internal/store"
	"commerce-engine/internal/util"

	"github.com/bwmarrin/snowflake"
	"github.com/ecodeclub/ekit/slice"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// OrderService handles order business logic
type OrderService struct {
	*Components
	coordinator *PaymentCoordinator
	saga        *SagaOrchestrator
	node        *snowflake.Node
	logger      *zap.Logger
}

// NewOrderService creates a new order service
func NewOrderService(c *Components, coordinator *PaymentCoordinator, saga *SagaOrchestrator, node *snowflake.Node) *OrderService {
	return &OrderService{
		Components:  c,
		coordinator: coordinator,
		saga:        saga,
		node:        node,
		logger:      util.Named("orders"),
	}
}

// CheckoutRequest represents a request to create an order. No items means the user's cart.
type CheckoutRequest struct {
	UserID          int64                `json:"-"`
	Items           []LineRequest        `json:"items"`
	CouponCode      string               `json:"coupon_code,omitempty"`
	PaymentMethod   models.PaymentMethod `json:"payment_method" binding:"required"`
	UseWallet       bool                 `json:"use_wallet"`
	ShippingAddress models.Address       `json:"shipping_address" binding:"required"`
	IdempotencyKey  string               `json:"idempotency_key,omitempty"`
}

type CheckoutResult struct {
	Order    *models.Order          `json:"order"`
	Session  *models.PaymentSession `json:"session,omitempty"`
	Gateway  *gateway.Order         `json:"gateway,omitempty"`
	Replayed bool                   `json:"replayed"`
}

// Checkout creates a pending order once per idempotency key and starts paying for it.
// Replaying a key returns the stored order and its latest session without side effects.
func (s *OrderService) Checkout(ctx context.Context, req CheckoutRequest) (res *CheckoutResult, err error) {
	ctx, span := util.StartSpan(ctx, "OrderService.Checkout")
	defer func() { util.EndSpan(span, err) }()

	if !req.PaymentMethod.Valid() {
		return nil, errs.Validation("unsupported payment method %q", req.PaymentMethod)
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = uuid.New().String()
	}

	res, err = s.createOrder(ctx, req)
	if errors.Is(err, store.ErrDuplicate) {
		res, err = s.replay(ctx, req.UserID, req.IdempotencyKey)
	}
	if err != nil {
		return nil, err
	}
	if res.Replayed {
		s.logger.Info("Duplicate checkout request detected",
			zap.String("idempotency_key", req.IdempotencyKey),
			zap.Int64("order_id", res.Order.ID))
		return res, nil
	}

	order := res.Order
	util.CheckoutsTotal.WithLabelValues(string(req.PaymentMethod)).Inc()
	s.logger.Info("Order created",
		zap.Int64("order_id", order.ID),
		zap.String("order_no", order.OrderNo),
		zap.Int64("subtotal", order.Subtotal))
	s.publishOrderEvent(ctx, order, models.EventTypeOrderCreated, "")

	paid, err := s.coordinator.Initiate(ctx, InitiateRequest{
		UserID:        req.UserID,
		OrderID:       order.ID,
		PaymentMethod: req.PaymentMethod,
		UseWallet:     req.UseWallet,
		CouponCode:    req.CouponCode,
	})
	if err != nil {
		switch errs.KindOf(err) {
		case errs.KindValidation, errs.KindInsufficientResource:
			if _, ferr := s.saga.FailOrder(ctx, order.ID, ReasonCheckoutRejected); ferr != nil {
				s.logger.Error("Failed to fail rejected checkout",
					zap.Int64("order_id", order.ID),
					zap.Error(ferr))
			}
		}
		return nil, err
	}
	return &CheckoutResult{Order: paid.Order, Session: paid.Session, Gateway: paid.Gateway}, nil
}

func (s *OrderService) createOrder(ctx context.Context, req CheckoutRequest) (*CheckoutResult, error) {
	res := &CheckoutResult{}
	err := store.RunInTx(ctx, s.UoW, func(tx store.Tx) error {
		existing, err := tx.GetOrderByIdempotencyKey(ctx, req.UserID, req.IdempotencyKey)
		if err != nil {
			return fmt.Errorf("failed to check idempotency: %w", err)
		}
		if existing != nil {
			res.Order, res.Replayed = existing, true
			res.Session, err = tx.GetLatestSession(ctx, existing.ID)
			return err
		}

		lines, fromCart := req.Items, false
		if len(lines) == 0 {
			cart, err := tx.GetCart(ctx, req.UserID)
			if err != nil {
				return err
			}
			lines = slice.Map(cart, func(_ int, c models.CartItem) LineRequest {
				return LineRequest{VariantID: c.VariantID, Quantity: c.Quantity}
			})
			fromCart = true
		}
		if len(lines) == 0 {
			return errs.Validation("cart is empty")
		}
		items, err := s.Inventory.BuildItems(ctx, tx, lines)
		if err != nil {
			return err
		}

		order := &models.Order{
			OrderNo:         s.node.Generate().String(),
			UserID:          req.UserID,
			Items:           items,
			CouponCode:      strings.TrimSpace(req.CouponCode),
			Status:          models.OrderStatusPending,
			PaymentMethod:   req.PaymentMethod,
			UseWallet:       req.UseWallet,
			ShippingAddress: req.ShippingAddress,
			IdempotencyKey:  req.IdempotencyKey,
			FromCart:        fromCart,
		}
		order.Recalculate()
		for i := range order.Items {
			order.Items[i].PriceAfterDiscount = order.Items[i].LineTotal
		}
		if err := tx.CreateOrder(ctx, order); err != nil {
			return err
		}
		res.Order = order
		return nil
	})
	return res, err
}

func (s *OrderService) replay(ctx context.Context, userID int64, key string) (*CheckoutResult, error) {
	res := &CheckoutResult{Replayed: true}
	err := store.RunInTx(ctx, s.UoW, func(tx store.Tx) error {
		order, err := tx.GetOrderByIdempotencyKey(ctx, userID, key)
		if err != nil {
			return err
		}
		if order == nil {
			return errs.NotFound("order", key)
		}
		res.Order = order
		res.Session, err = tx.GetLatestSession(ctx, order.ID)
		return err
	})
	return res, err
}

// GetOrder reads an order through the cache. A non-zero userID must own the order.
func (s *OrderService) GetOrder(ctx context.Context, userID, orderID int64) (order *models.Order, err error) {
	ctx, span := util.StartSpan(ctx, "OrderService.GetOrder")
	defer func() { util.EndSpan(span, err) }()

	order, ok := s.Cache.GetOrder(ctx, orderID)
	if !ok {
		if order, err = s.readOrder(ctx, orderID); err != nil {
			return nil, err
		}
		s.Cache.SetOrder(ctx, order)
	}
	if userID != 0 && order.UserID != userID {
		return nil, errs.NotFound("order", orderID)
	}
	return order, nil
}

// Cancel cancels the caller's own order.
func (s *OrderService) Cancel(ctx context.Context, userID, orderID int64, reason string) (*models.Order, error) {
	if reason == "" {
		reason = "customer_request"
	}
	return s.saga.CancelOrder(ctx, CancelRequest{
		OrderID: orderID,
		UserID:  userID,
		Reason:  reason,
		Actor:   "customer",
	})
}

// AdminUpdateStatus drives fulfilment. Cancellation goes through the compensation workflow;
// post-sale statuses are only reachable through returns and exchanges.
func (s *OrderService) AdminUpdateStatus(ctx context.Context, orderID int64, status models.OrderStatus, actor string) (order *models.Order, err error) {
	ctx, span := util.StartSpan(ctx, "OrderService.AdminUpdateStatus")
	defer func() { util.EndSpan(span, err) }()

	if actor == "" {
		actor = "admin"
	}
	switch status {
	case models.OrderStatusCancelled:
		return s.saga.CancelOrder(ctx, CancelRequest{OrderID: orderID, Reason: "admin_cancelled", Actor: actor})
	case models.OrderStatusProcessing, models.OrderStatusOutForDelivery, models.OrderStatusDelivered:
	default:
		return nil, errs.Validation("status %q cannot be set directly", status)
	}

	err = store.RunInTx(ctx, s.UoW, func(tx store.Tx) error {
		order, err = tx.LockOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if err := s.States.Transition(order, status, actor); err != nil {
			return err
		}
		if status == models.OrderStatusDelivered {
			if err := s.collectCOD(ctx, tx, order); err != nil {
				return err
			}
		}
		return tx.UpdateOrder(ctx, order)
	})
	if err != nil {
		return nil, err
	}
	s.invalidateOrder(ctx, order)
	s.logger.Info("Order status updated",
		zap.Int64("order_id", order.ID),
		zap.String("status", string(status)),
		zap.String("actor", actor))
	return order, nil
}

// collectCOD marks cash-on-delivery payments as collected on delivery.
func (s *OrderService) collectCOD(ctx context.Context, tx store.Tx, order *models.Order) error {
	payments, err := tx.ListPaymentsByOrder(ctx, order.ID)
	if err != nil {
		return err
	}
	now := s.now()
	for i := range payments {
		p := &payments[i]
		if p.Status != models.PaymentStatusCODPending {
			continue
		}
		p.Status = models.PaymentStatusSuccess
		if err := tx.UpdatePayment(ctx, p); err != nil {
			return fmt.Errorf("update payment %d: %w", p.ID, err)
		}
		snapshotPayment(order, p, now)
	}
	return nil
}
