package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"commerce-engine/internal/errs"
	"commerce-engine/internal/gateway"
	"commerce-engine/internal/lock"
	"commerce-engine/internal/models"
	"commerce-engine/internal/money"
	"commerce-engine/internal/store"
	"commerce-engine/internal/util"

	"github.com/lithammer/shortuuid/v4"
	"go.uber.org/zap"
)

// Reasons a verified gateway payment cannot settle its order.
const (
	ReasonAmountMismatch  = "payment_amount_mismatch"
	ReasonWalletShortfall = "wallet_insufficient_at_settlement"
)

var errLatePayment = errs.Conflict("payment arrived after the order was closed and has been refunded")

// PaymentCoordinator runs payment sessions: it reserves everything an order needs inside one
// unit of work, talks to gateways after commit, and settles on verification.
type PaymentCoordinator struct {
	*Components
	gateways *gateway.Registry
	locker   lock.Locker
	saga     *SagaOrchestrator
	logger   *zap.Logger
}

func NewPaymentCoordinator(c *Components, gateways *gateway.Registry, locker lock.Locker, saga *SagaOrchestrator) *PaymentCoordinator {
	return &PaymentCoordinator{
		Components: c,
		gateways:   gateways,
		locker:     locker,
		saga:       saga,
		logger:     util.Named("payments"),
	}
}

type InitiateRequest struct {
	UserID        int64                `json:"-"`
	OrderID       int64                `json:"-"`
	PaymentMethod models.PaymentMethod `json:"payment_method" binding:"required"`
	UseWallet     bool                 `json:"use_wallet"`
	CouponCode    string               `json:"coupon_code,omitempty"`
	SessionID     string               `json:"session_id,omitempty"`
}

type PaymentResult struct {
	Order   *models.Order          `json:"order"`
	Session *models.PaymentSession `json:"session,omitempty"`
	Gateway *gateway.Order         `json:"gateway,omitempty"`
}

type initiation struct {
	order     *models.Order
	session   *models.PaymentSession
	confirmed bool
	// settledNow is set when this call confirmed the order.
	settledNow bool
}

// Initiate opens or resumes the order's payment session. COD and fully wallet-paid orders
// are confirmed in the same unit of work; gateway orders get a provider order after commit.
func (pc *PaymentCoordinator) Initiate(ctx context.Context, req InitiateRequest) (res *PaymentResult, err error) {
	ctx, span := util.StartSpan(ctx, "PaymentCoordinator.Initiate")
	defer func() { util.EndSpan(span, err) }()

	if !req.PaymentMethod.Valid() {
		return nil, errs.Validation("unsupported payment method %q", req.PaymentMethod)
	}
	if req.PaymentMethod.IsGateway() {
		if _, err := pc.gateways.Get(req.PaymentMethod); err != nil {
			return nil, err
		}
	}

	token, err := lock.AcquireWithRetry(ctx, pc.locker, paymentLockKey(req.OrderID), pc.Options.LockTTL, pc.Options.LockRetries)
	if err != nil {
		if errors.Is(err, errs.ErrLockBusy) {
			return nil, errs.PaymentInProgress()
		}
		return nil, err
	}
	defer lock.ReleaseQuietly(pc.locker, token)

	var plan initiation
	if err := store.RunInTx(ctx, pc.UoW, func(tx store.Tx) error {
		return pc.prepare(ctx, tx, req, &plan)
	}); err != nil {
		pc.logger.Warn("Payment initiation rejected",
			zap.Int64("order_id", req.OrderID),
			zap.String("method", string(req.PaymentMethod)),
			zap.Error(err))
		return nil, err
	}

	res = &PaymentResult{Order: plan.order, Session: plan.session}
	if plan.settledNow {
		pc.afterConfirmed(ctx, plan.order)
	}
	if plan.confirmed {
		return res, nil
	}

	res.Gateway, err = pc.openGatewayOrder(ctx, plan.order, plan.session)
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (pc *PaymentCoordinator) prepare(ctx context.Context, tx store.Tx, req InitiateRequest, plan *initiation) error {
	order, err := tx.LockOrder(ctx, req.OrderID)
	if err != nil {
		return err
	}
	if order.UserID != req.UserID {
		return errs.NotFound("order", req.OrderID)
	}
	plan.order = order

	switch order.Status {
	case models.OrderStatusConfirmed:
		plan.confirmed = true
		plan.session, err = tx.GetLatestSession(ctx, order.ID)
		return err
	case models.OrderStatusPending:
	default:
		return errs.Validation("order is %s and can no longer be paid", order.Status)
	}

	now := pc.now()
	active, err := tx.GetActiveSession(ctx, order.ID)
	if err != nil {
		return err
	}
	if active != nil {
		if req.SessionID != "" && active.SessionID == req.SessionID {
			active.RetryCount++
			if err := tx.UpdateSession(ctx, active); err != nil {
				return fmt.Errorf("resume session %s: %w", active.SessionID, err)
			}
			plan.session = active
			return nil
		}
		if now.Sub(active.CreatedAt) < pc.Options.SessionStaleAfter {
			return errs.PaymentInProgress()
		}
		if err := pc.expireSession(ctx, tx, order, active); err != nil {
			return err
		}
	}

	// A previous attempt may still hold stock or a coupon slot.
	if _, err := pc.Reservations.ReleaseForOrder(ctx, tx, order.ID); err != nil {
		return err
	}
	if _, err := pc.Coupons.Revert(ctx, tx, order.ID); err != nil {
		return err
	}

	code := strings.TrimSpace(req.CouponCode)
	if code == "" {
		code = order.CouponCode
	}
	if err := pc.Inventory.Reprice(ctx, tx, order); err != nil {
		return err
	}
	pc.Coupons.Clear(order)

	reservation, err := pc.Reservations.Reserve(ctx, tx, ForOrder(order.ID), reservedItemsOf(order.Items), pc.Options.OrderReservationTTL)
	if err != nil {
		return err
	}
	if code != "" {
		cr, err := pc.Coupons.Reserve(ctx, tx, code, order.UserID, order.ID, order.Items)
		if err != nil {
			return err
		}
		pc.Coupons.Apply(order, cr)
	}
	for i := range order.Items {
		if err := tx.UpdateOrderItem(ctx, &order.Items[i]); err != nil {
			return fmt.Errorf("update order item %d: %w", order.Items[i].ID, err)
		}
	}

	method := req.PaymentMethod
	var walletAmount int64
	if req.UseWallet || method == models.PaymentMethodWallet {
		user, err := tx.GetUser(ctx, order.UserID)
		if err != nil {
			return err
		}
		walletAmount = money.Min(money.NonNegative(user.WalletBalance), order.Total)
		if method.IsGateway() && walletAmount == order.Total {
			// the gateway still collects its minimum charge, so the wallet waits for verification
			walletAmount = money.NonNegative(order.Total - gateway.MinimumCharge)
		}
	}
	gatewayAmount := order.Total - walletAmount
	if method == models.PaymentMethodWallet && gatewayAmount > 0 {
		return errs.InsufficientWalletBalance()
	}
	if gatewayAmount == 0 {
		method = models.PaymentMethodWallet
	}

	order.PaymentMethod = method
	order.UseWallet = req.UseWallet
	order.WalletAmount = walletAmount

	session := &models.PaymentSession{
		SessionID:     shortuuid.New(),
		UserID:        order.UserID,
		OrderID:       order.ID,
		WalletAmount:  walletAmount,
		PaymentMethod: method,
		Status:        models.SessionStatusActive,
		ExpiresAt:     reservation.ReservedUntil,
	}
	if method.IsGateway() {
		session.GatewayAmount = gatewayAmount
	}
	if err := tx.CreateSession(ctx, session); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return errs.PaymentInProgress()
		}
		return fmt.Errorf("create payment session: %w", err)
	}
	plan.session = session

	if !method.IsGateway() {
		if err := pc.finalize(ctx, tx, order, session, reservation.ID, nil); err != nil {
			return err
		}
		plan.confirmed = true
		plan.settledNow = true
		return nil
	}

	payment := &models.Payment{
		OrderID:        order.ID,
		UserID:         order.UserID,
		Method:         method,
		Amount:         gatewayAmount,
		Status:         models.PaymentStatusCreated,
		IdempotencyKey: session.SessionID,
		SessionID:      session.SessionID,
	}
	if err := tx.CreatePayment(ctx, payment); err != nil {
		return fmt.Errorf("create payment: %w", err)
	}
	session.PaymentID = &payment.ID
	if err := tx.UpdateSession(ctx, session); err != nil {
		return fmt.Errorf("link payment to session: %w", err)
	}
	if err := tx.UpdateOrder(ctx, order); err != nil {
		return fmt.Errorf("update order %d: %w", order.ID, err)
	}
	return nil
}

// expireSession closes a stale session and everything it holds so a fresh attempt can start.
func (pc *PaymentCoordinator) expireSession(ctx context.Context, tx store.Tx, order *models.Order, session *models.PaymentSession) error {
	session.Status = models.SessionStatusExpired
	if err := tx.UpdateSession(ctx, session); err != nil {
		return fmt.Errorf("expire session %s: %w", session.SessionID, err)
	}
	payments, err := tx.ListPaymentsByOrder(ctx, order.ID)
	if err != nil {
		return err
	}
	for i := range payments {
		p := &payments[i]
		if p.SessionID != session.SessionID {
			continue
		}
		if p.Status == models.PaymentStatusCreated || p.Status == models.PaymentStatusAttempted {
			p.Status = models.PaymentStatusFailed
			if err := tx.UpdatePayment(ctx, p); err != nil {
				return fmt.Errorf("update payment %d: %w", p.ID, err)
			}
		}
	}
	pc.logger.Info("Stale payment session expired",
		zap.Int64("order_id", order.ID),
		zap.String("session_id", session.SessionID))
	return nil
}

// openGatewayOrder creates the provider order once and stores its id on the session and payment.
func (pc *PaymentCoordinator) openGatewayOrder(ctx context.Context, order *models.Order, session *models.PaymentSession) (*gateway.Order, error) {
	if session.GatewayOrderID != "" {
		return &gateway.Order{
			ID:       session.GatewayOrderID,
			Provider: string(session.PaymentMethod),
			Amount:   session.GatewayAmount,
			Currency: pc.Options.Currency,
		}, nil
	}

	adapter, err := pc.gateways.Get(session.PaymentMethod)
	if err != nil {
		return nil, err
	}
	gwOrder, err := adapter.CreateOrder(ctx, gateway.CreateOrderRequest{
		Amount:   session.GatewayAmount,
		Currency: pc.Options.Currency,
		Receipt:  order.OrderNo,
		Notes: map[string]string{
			"order_id":   strconv.FormatInt(order.ID, 10),
			"session_id": session.SessionID,
			"firstname":  order.ShippingAddress.Name,
			"phone":      order.ShippingAddress.Phone,
		},
	})
	if err != nil {
		pc.logger.Error("Gateway order creation failed",
			zap.Int64("order_id", order.ID),
			zap.String("session_id", session.SessionID),
			zap.Error(err))
		return nil, errs.Gateway("create order", err)
	}

	err = store.RunInTx(ctx, pc.UoW, func(tx store.Tx) error {
		s, err := tx.GetSession(ctx, session.SessionID)
		if err != nil {
			return err
		}
		if s.Status != models.SessionStatusActive {
			return errs.Conflict("payment session %s is %s", s.SessionID, s.Status)
		}
		s.GatewayOrderID = gwOrder.ID
		if err := tx.UpdateSession(ctx, s); err != nil {
			return err
		}
		if s.PaymentID != nil {
			p, err := tx.GetPayment(ctx, *s.PaymentID)
			if err != nil {
				return err
			}
			p.GatewayOrderID = gwOrder.ID
			p.Status = models.PaymentStatusAttempted
			if err := tx.UpdatePayment(ctx, p); err != nil {
				return err
			}
		}
		*session = *s
		return nil
	})
	if err != nil {
		return nil, err
	}
	pc.invalidateOrder(ctx, order)
	return gwOrder, nil
}

// finalize confirms a pending order: wallet debit, offline payment rows, reservation and coupon
// consumption, the status change, session completion and cart cleanup.
func (pc *PaymentCoordinator) finalize(ctx context.Context, tx store.Tx, order *models.Order, session *models.PaymentSession,
	reservationID int64, gatewayPayment *models.Payment) error {
	now := pc.now()
	var settledID *int64
	if gatewayPayment != nil {
		snapshotPayment(order, gatewayPayment, now)
		settledID = &gatewayPayment.ID
	}

	if session.WalletAmount > 0 {
		if _, err := pc.Wallet.Debit(ctx, tx, order.UserID, session.WalletAmount, order.OrderNo, SourceOrderPayment); err != nil {
			return err
		}
		wp := &models.Payment{
			OrderID:        order.ID,
			UserID:         order.UserID,
			Method:         models.PaymentMethodWallet,
			Amount:         session.WalletAmount,
			Status:         models.PaymentStatusSuccess,
			IdempotencyKey: session.SessionID + ":wallet",
			SessionID:      session.SessionID,
		}
		if err := tx.CreatePayment(ctx, wp); err != nil {
			return fmt.Errorf("create wallet payment: %w", err)
		}
		snapshotPayment(order, wp, now)
		if settledID == nil {
			settledID = &wp.ID
		}
	}

	if session.PaymentMethod == models.PaymentMethodCOD {
		if due := order.Total - session.WalletAmount; due > 0 {
			cp := &models.Payment{
				OrderID:        order.ID,
				UserID:         order.UserID,
				Method:         models.PaymentMethodCOD,
				Amount:         due,
				Status:         models.PaymentStatusCODPending,
				IdempotencyKey: session.SessionID + ":cod",
				SessionID:      session.SessionID,
			}
			if err := tx.CreatePayment(ctx, cp); err != nil {
				return fmt.Errorf("create cod payment: %w", err)
			}
			snapshotPayment(order, cp, now)
			if settledID == nil {
				settledID = &cp.ID
			}
		}
	}

	if err := pc.Reservations.Consume(ctx, tx, reservationID, settledID); err != nil {
		return err
	}
	if err := pc.Coupons.MarkConsumed(ctx, tx, order.ID); err != nil {
		return err
	}
	if err := pc.States.Transition(order, models.OrderStatusConfirmed, actorSystem); err != nil {
		return err
	}
	session.Status = models.SessionStatusCompleted
	if err := tx.UpdateSession(ctx, session); err != nil {
		return fmt.Errorf("complete session %s: %w", session.SessionID, err)
	}
	if order.FromCart {
		if err := tx.ClearCart(ctx, order.UserID); err != nil {
			return fmt.Errorf("clear cart: %w", err)
		}
	}
	if err := tx.UpdateOrder(ctx, order); err != nil {
		return fmt.Errorf("update order %d: %w", order.ID, err)
	}
	return nil
}

func (pc *PaymentCoordinator) afterConfirmed(ctx context.Context, order *models.Order) {
	util.OrdersConfirmedTotal.WithLabelValues(string(order.PaymentMethod)).Inc()
	pc.invalidateOrder(ctx, order)
	pc.Wallet.Invalidate(ctx, order.UserID)
	pc.publishOrderEvent(ctx, order, models.EventTypeOrderConfirmed, "")
	pc.logger.Info("Order confirmed",
		zap.Int64("order_id", order.ID),
		zap.String("method", string(order.PaymentMethod)),
		zap.Int64("total", order.Total))
}

type VerifyPaymentRequest struct {
	UserID           int64  `json:"-"`
	SessionID        string `json:"session_id" binding:"required"`
	GatewayOrderID   string `json:"gateway_order_id"`
	GatewayPaymentID string `json:"gateway_payment_id" binding:"required"`
	Signature        string `json:"signature"`
}

// Verify checks a client-reported gateway payment and settles the session. The wallet is
// only debited here, after the gateway confirmed the payment.
func (pc *PaymentCoordinator) Verify(ctx context.Context, req VerifyPaymentRequest) (res *PaymentResult, err error) {
	ctx, span := util.StartSpan(ctx, "PaymentCoordinator.Verify")
	defer func() { util.EndSpan(span, err) }()

	var session *models.PaymentSession
	err = store.RunInTx(ctx, pc.UoW, func(tx store.Tx) error {
		session, err = tx.GetSession(ctx, req.SessionID)
		return err
	})
	if err != nil {
		return nil, err
	}
	if session.UserID != req.UserID {
		return nil, errs.NotFound("payment session", req.SessionID)
	}
	if session.Status == models.SessionStatusCompleted {
		order, err := pc.readOrder(ctx, session.OrderID)
		if err != nil {
			return nil, err
		}
		return &PaymentResult{Order: order, Session: session}, nil
	}
	if !session.PaymentMethod.IsGateway() {
		return nil, errs.Validation("payment session %s does not use a payment gateway", session.SessionID)
	}
	if session.GatewayOrderID == "" {
		return nil, errs.Validation("payment session %s has no gateway order", session.SessionID)
	}
	if req.GatewayOrderID != "" && req.GatewayOrderID != session.GatewayOrderID {
		return nil, errs.Validation("gateway order does not match the payment session")
	}

	adapter, err := pc.gateways.Get(session.PaymentMethod)
	if err != nil {
		return nil, err
	}
	result, err := adapter.VerifyPayment(ctx, gateway.VerifyRequest{
		GatewayOrderID:   session.GatewayOrderID,
		GatewayPaymentID: req.GatewayPaymentID,
		Signature:        req.Signature,
	})
	if err != nil {
		return nil, errs.Gateway("verify payment", err)
	}
	if !result.Valid {
		pc.logger.Warn("Payment verification failed",
			zap.Int64("order_id", session.OrderID),
			zap.String("session_id", session.SessionID))
		if err := pc.saga.FailSession(ctx, session.SessionID, ReasonVerificationFailed); err != nil {
			return nil, err
		}
		return nil, errs.Validation("payment verification failed")
	}

	paymentID := result.GatewayPaymentID
	if paymentID == "" {
		paymentID = req.GatewayPaymentID
	}
	return pc.settle(ctx, session.SessionID, paymentID, result.Amount)
}

// settle applies a verified gateway success. A payment that can no longer settle its order is
// refunded. Concurrent callers serialize on the order lock and only one of them confirms.
func (pc *PaymentCoordinator) settle(ctx context.Context, sessionID, gatewayPaymentID string, amount int64) (*PaymentResult, error) {
	var (
		res       PaymentResult
		confirmed bool
		late      *models.Payment
		failed    bool
		lateWhy   string
	)
	err := store.RunInTx(ctx, pc.UoW, func(tx store.Tx) error {
		session, err := tx.GetSession(ctx, sessionID)
		if err != nil {
			return err
		}
		order, err := tx.LockOrder(ctx, session.OrderID)
		if err != nil {
			return err
		}
		if session, err = tx.GetSession(ctx, sessionID); err != nil {
			return err
		}
		res.Order, res.Session = order, session

		if session.PaymentID == nil {
			return errs.Conflict("payment session %s has no gateway payment", sessionID)
		}
		payment, err := tx.GetPayment(ctx, *session.PaymentID)
		if err != nil {
			return err
		}
		if session.Status == models.SessionStatusCompleted {
			return nil
		}
		if payment.Status == models.PaymentStatusSuccess || payment.Status == models.PaymentStatusRefunded {
			return errLatePayment
		}

		payment.GatewayPaymentID = gatewayPaymentID
		payment.Status = models.PaymentStatusSuccess
		if err := tx.UpdatePayment(ctx, payment); err != nil {
			return fmt.Errorf("update payment %d: %w", payment.ID, err)
		}

		reservation, err := tx.GetActiveReservation(ctx, order.ID)
		if err != nil {
			return err
		}
		switch {
		case session.Status != models.SessionStatusActive:
			lateWhy = "session_" + string(session.Status)
		case order.Status != models.OrderStatusPending:
			lateWhy = "order_" + string(order.Status)
		case reservation == nil:
			lateWhy = ReasonReservationExpired
		case amount != 0 && amount != session.GatewayAmount:
			lateWhy = ReasonAmountMismatch
		}
		if lateWhy == "" && session.WalletAmount > 0 {
			user, err := tx.LockUser(ctx, order.UserID)
			if err != nil {
				return err
			}
			if user.WalletBalance < session.WalletAmount {
				lateWhy = ReasonWalletShortfall
			}
		}

		if lateWhy != "" {
			late = payment
			if session.Status == models.SessionStatusActive && order.Status == models.OrderStatusPending {
				failed = true
				return pc.saga.failInTx(ctx, tx, order, session, lateWhy, models.OrderStatusFailed, models.SessionStatusFailed)
			}
			snapshotPayment(order, payment, pc.now())
			return tx.UpdateOrder(ctx, order)
		}

		if err := pc.finalize(ctx, tx, order, session, reservation.ID, payment); err != nil {
			return err
		}
		confirmed = true
		return nil
	})
	if err != nil {
		return nil, err
	}

	if late != nil {
		pc.logger.Warn("Late gateway payment, refunding",
			zap.Int64("order_id", res.Order.ID),
			zap.Int64("payment_id", late.ID),
			zap.String("reason", lateWhy))
		if failed {
			pc.saga.afterTerminal(ctx, res.Order, lateWhy)
		}
		if _, err := pc.saga.RefundLatePayment(ctx, res.Order.ID, late.ID); err != nil {
			pc.logger.Error("Failed to refund late payment",
				zap.Int64("order_id", res.Order.ID),
				zap.Int64("payment_id", late.ID),
				zap.Error(err))
		}
		return nil, errLatePayment
	}
	if confirmed {
		pc.afterConfirmed(ctx, res.Order)
	}
	return &res, nil
}

// HandleWebhook verifies a gateway notification and hands it to the broker. When the broker
// is unavailable the event is applied inline so nothing is lost.
func (pc *PaymentCoordinator) HandleWebhook(ctx context.Context, gatewayName string, payload []byte, signature string) (err error) {
	ctx, span := util.StartSpan(ctx, "PaymentCoordinator.HandleWebhook")
	defer func() { util.EndSpan(span, err) }()

	adapter, err := pc.gateways.Lookup(gatewayName)
	if err != nil {
		return err
	}
	result, err := adapter.VerifyWebhook(ctx, payload, signature)
	if err != nil {
		return errs.Validation("malformed webhook payload")
	}
	if !result.Valid {
		return errs.Validation("invalid webhook signature")
	}

	event := &models.PaymentWebhookEvent{
		BaseEvent: models.BaseEvent{
			EventID:   fmt.Sprintf("%s:%s:%s:%s", adapter.Name(), result.GatewayOrderID, result.GatewayPaymentID, result.Status),
			EventType: models.EventTypePaymentWebhook,
			Timestamp: pc.now(),
		},
		Gateway:          adapter.Name(),
		GatewayOrderID:   result.GatewayOrderID,
		GatewayPaymentID: result.GatewayPaymentID,
		Status:           result.Status,
		Amount:           result.Amount,
	}
	if err := pc.Events.PublishPaymentWebhook(ctx, event); err != nil {
		pc.logger.Warn("Failed to publish webhook, applying inline",
			zap.String("event_id", event.EventID),
			zap.Error(err))
		return pc.ApplyWebhook(ctx, event)
	}
	return nil
}

// ApplyWebhook routes a verified notification to confirm, fail or refund. Replays are no-ops.
func (pc *PaymentCoordinator) ApplyWebhook(ctx context.Context, event *models.PaymentWebhookEvent) (err error) {
	ctx, span := util.StartSpan(ctx, "PaymentCoordinator.ApplyWebhook")
	defer func() { util.EndSpan(span, err) }()

	var (
		processed bool
		session   *models.PaymentSession
	)
	err = store.RunInTx(ctx, pc.UoW, func(tx store.Tx) error {
		if processed, err = tx.IsEventProcessed(ctx, event.EventID); err != nil || processed {
			return err
		}
		session, err = tx.GetSessionByGatewayOrderID(ctx, event.GatewayOrderID)
		if errs.KindOf(err) == errs.KindNotFound {
			session, err = nil, nil
		}
		return err
	})
	if err != nil {
		return err
	}
	if processed {
		pc.logger.Info("Event already processed", zap.String("event_id", event.EventID))
		return nil
	}

	if session == nil {
		pc.logger.Warn("Webhook for unknown gateway order",
			zap.String("gateway_order_id", event.GatewayOrderID),
			zap.String("status", event.Status))
	} else {
		switch event.Status {
		case gateway.StatusSuccess:
			_, err = pc.settle(ctx, session.SessionID, event.GatewayPaymentID, event.Amount)
			if errs.KindOf(err) == errs.KindConflict {
				pc.logger.Info("Webhook success did not settle the order",
					zap.String("session_id", session.SessionID),
					zap.Error(err))
				err = nil
			}
		case gateway.StatusFailed:
			err = pc.saga.FailSession(ctx, session.SessionID, ReasonGatewayFailure)
		case gateway.StatusRefunded:
			err = pc.applyRefunded(ctx, session, event)
		default:
			pc.logger.Info("Ignoring webhook status",
				zap.String("status", event.Status),
				zap.String("session_id", session.SessionID))
		}
		if err != nil {
			return err
		}
	}

	if err := store.RunInTx(ctx, pc.UoW, func(tx store.Tx) error {
		return tx.MarkEventProcessed(ctx, event.EventID, event.EventType)
	}); err != nil {
		return fmt.Errorf("mark event processed: %w", err)
	}
	util.EventsProcessedTotal.WithLabelValues(event.EventType).Inc()
	return nil
}

// applyRefunded records a refund made at the provider. Refunds this service issued itself
// already carry a refunded amount and are skipped.
func (pc *PaymentCoordinator) applyRefunded(ctx context.Context, session *models.PaymentSession, event *models.PaymentWebhookEvent) error {
	if session.PaymentID == nil {
		return nil
	}
	var order *models.Order
	err := store.RunInTx(ctx, pc.UoW, func(tx store.Tx) error {
		var err error
		order, err = tx.LockOrder(ctx, session.OrderID)
		if err != nil {
			return err
		}
		p, err := tx.GetPayment(ctx, *session.PaymentID)
		if err != nil {
			return err
		}
		if p.Status != models.PaymentStatusSuccess || p.RefundedAmount != 0 {
			order = nil
			return nil
		}
		p.RefundedAmount = p.Amount
		p.Status = models.PaymentStatusRefunded
		if err := tx.UpdatePayment(ctx, p); err != nil {
			return err
		}
		snapshotPayment(order, p, pc.now())
		if order.Status == models.OrderStatusConfirmed {
			if err := pc.States.Transition(order, models.OrderStatusRefunded, string(event.Gateway)); err != nil {
				return err
			}
		}
		order.Meta.AddRefund(models.RefundNote{
			Amount:        p.Amount,
			GatewayAmount: p.Amount,
			Outcome:       models.RefundOutcomeGateway,
			Reason:        "gateway_refund",
		})
		return tx.UpdateOrder(ctx, order)
	})
	if err != nil || order == nil {
		return err
	}
	pc.invalidateOrder(ctx, order)
	if order.Status == models.OrderStatusRefunded {
		pc.publishOrderEvent(ctx, order, models.EventTypeOrderRefunded, "gateway_refund")
	}
	return nil
}
