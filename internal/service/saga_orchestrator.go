package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"commerce-engine/internal/errs"
	"commerce-engine/internal/gateway"
	"commerce-engine/internal/lock"
	"commerce-engine/internal/models"
	"commerce-engine/internal/money"
	"commerce-engine/internal/store"
	"commerce-engine/internal/util"

	"go.uber.org/zap"
)

// Failure reasons recorded on orders and in metrics.
const (
	ReasonVerificationFailed = "payment_verification_failed"
	ReasonGatewayFailure     = "gateway_reported_failure"
	ReasonReservationExpired = "reservation_expired"
	ReasonOrderTimeout       = "order_timeout"
	ReasonCheckoutRejected   = "checkout_rejected"
)

const actorSystem = "system"

func paymentLockKey(orderID int64) string { return fmt.Sprintf("payment:order:%d", orderID) }
func refundLockKey(orderID int64) string  { return fmt.Sprintf("refund:order:%d", orderID) }

// SagaOrchestrator owns the compensation path. Verification failures, failure webhooks,
// sweeps and cancellations all end up in failInTx so there is one way an order fails.
type SagaOrchestrator struct {
	*Components
	gateways *gateway.Registry
	locker   lock.Locker
	logger   *zap.Logger
}

func NewSagaOrchestrator(c *Components, gateways *gateway.Registry, locker lock.Locker) *SagaOrchestrator {
	return &SagaOrchestrator{
		Components: c,
		gateways:   gateways,
		locker:     locker,
		logger:     util.Named("saga"),
	}
}

// failInTx moves a pending order to a terminal status and undoes everything it holds:
// wallet debits, the session, the coupon usage, the stock reservation and open gateway payments.
func (so *SagaOrchestrator) failInTx(ctx context.Context, tx store.Tx, order *models.Order, session *models.PaymentSession,
	reason string, terminal models.OrderStatus, sessionStatus models.SessionStatus) error {
	if err := so.States.Transition(order, terminal, actorSystem); err != nil {
		return err
	}

	now := so.now()
	payments, err := tx.ListPaymentsByOrder(ctx, order.ID)
	if err != nil {
		return err
	}
	for i := range payments {
		p := &payments[i]
		switch {
		case p.Method == models.PaymentMethodWallet && p.Status == models.PaymentStatusSuccess:
			if amt := p.Refundable(); amt > 0 {
				if _, err := so.Wallet.Credit(ctx, tx, order.UserID, amt, order.OrderNo, SourcePaymentReversal); err != nil {
					return err
				}
				p.RefundedAmount += amt
			}
			p.Status = models.PaymentStatusRefunded
		case p.Status == models.PaymentStatusCreated,
			p.Status == models.PaymentStatusAttempted,
			p.Status == models.PaymentStatusCODPending:
			p.Status = models.PaymentStatusFailed
		default:
			continue
		}
		if err := tx.UpdatePayment(ctx, p); err != nil {
			return fmt.Errorf("update payment %d: %w", p.ID, err)
		}
		snapshotPayment(order, p, now)
	}

	sessionID := ""
	if session != nil {
		sessionID = session.SessionID
		if session.Status == models.SessionStatusActive {
			session.Status = sessionStatus
			if err := tx.UpdateSession(ctx, session); err != nil {
				return fmt.Errorf("close session %s: %w", session.SessionID, err)
			}
		}
	}
	if other, err := tx.GetActiveSession(ctx, order.ID); err != nil {
		return err
	} else if other != nil {
		other.Status = sessionStatus
		if err := tx.UpdateSession(ctx, other); err != nil {
			return fmt.Errorf("close session %s: %w", other.SessionID, err)
		}
	}

	if _, err := so.Coupons.Revert(ctx, tx, order.ID); err != nil {
		return err
	}
	if _, err := so.Reservations.ReleaseForOrder(ctx, tx, order.ID); err != nil {
		return err
	}

	if terminal == models.OrderStatusFailed {
		order.Meta.AddFailure(reason, sessionID)
		util.OrdersFailedTotal.WithLabelValues(reason).Inc()
	} else {
		util.OrdersCancelledTotal.Inc()
	}
	if err := tx.UpdateOrder(ctx, order); err != nil {
		return fmt.Errorf("update order %d: %w", order.ID, err)
	}

	so.logger.Warn("Order compensated",
		zap.Int64("order_id", order.ID),
		zap.String("status", string(terminal)),
		zap.String("reason", reason))
	return nil
}

func (so *SagaOrchestrator) afterTerminal(ctx context.Context, order *models.Order, reason string) {
	if order == nil {
		return
	}
	so.invalidateOrder(ctx, order)
	so.Wallet.Invalidate(ctx, order.UserID)
	eventType := models.EventTypeOrderFailed
	if order.Status == models.OrderStatusCancelled {
		eventType = models.EventTypeOrderCancelled
	}
	so.publishOrderEvent(ctx, order, eventType, reason)
}

// FailSession fails an active session and its pending order. Closed sessions are left alone.
func (so *SagaOrchestrator) FailSession(ctx context.Context, sessionID, reason string) (err error) {
	ctx, span := util.StartSpan(ctx, "SagaOrchestrator.FailSession")
	defer func() { util.EndSpan(span, err) }()

	var failed *models.Order
	err = store.RunInTx(ctx, so.UoW, func(tx store.Tx) error {
		session, err := tx.GetSession(ctx, sessionID)
		if err != nil {
			return err
		}
		order, err := tx.LockOrder(ctx, session.OrderID)
		if err != nil {
			return err
		}
		// re-read under the order lock
		if session, err = tx.GetSession(ctx, sessionID); err != nil {
			return err
		}
		if session.Status != models.SessionStatusActive {
			return nil
		}
		if order.Status != models.OrderStatusPending {
			session.Status = models.SessionStatusFailed
			return tx.UpdateSession(ctx, session)
		}
		if err := so.failInTx(ctx, tx, order, session, reason, models.OrderStatusFailed, models.SessionStatusFailed); err != nil {
			return err
		}
		failed = order
		return nil
	})
	if err != nil {
		return err
	}
	so.afterTerminal(ctx, failed, reason)
	return nil
}

// FailOrder fails a pending order. Any other status is returned unchanged.
func (so *SagaOrchestrator) FailOrder(ctx context.Context, orderID int64, reason string) (order *models.Order, err error) {
	ctx, span := util.StartSpan(ctx, "SagaOrchestrator.FailOrder")
	defer func() { util.EndSpan(span, err) }()

	changed := false
	err = store.RunInTx(ctx, so.UoW, func(tx store.Tx) error {
		order, err = tx.LockOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if order.Status != models.OrderStatusPending {
			return nil
		}
		session, err := tx.GetActiveSession(ctx, orderID)
		if err != nil {
			return err
		}
		changed = true
		return so.failInTx(ctx, tx, order, session, reason, models.OrderStatusFailed, models.SessionStatusFailed)
	})
	if err != nil {
		return nil, err
	}
	if changed {
		so.afterTerminal(ctx, order, reason)
	}
	return order, nil
}

// ExpireReservation releases one elapsed reservation. An order reservation takes its pending
// order down the failure path; an exchange reservation only gives the stock back.
func (so *SagaOrchestrator) ExpireReservation(ctx context.Context, reservationID int64) (released bool, err error) {
	ctx, span := util.StartSpan(ctx, "SagaOrchestrator.ExpireReservation")
	defer func() { util.EndSpan(span, err) }()

	var failed *models.Order
	err = store.RunInTx(ctx, so.UoW, func(tx store.Tx) error {
		r, err := tx.GetReservation(ctx, reservationID)
		if err != nil {
			return err
		}
		if r.Status != models.ReservationStatusActive {
			return nil
		}
		if r.OrderID == nil {
			released, err = so.Reservations.Release(ctx, tx, r.ID)
			return err
		}

		order, err := tx.LockOrder(ctx, *r.OrderID)
		if err != nil {
			return err
		}
		if order.Status != models.OrderStatusPending {
			released, err = so.Reservations.Release(ctx, tx, r.ID)
			return err
		}
		// the order lock closes the window against a settling webhook
		if r, err = tx.GetReservation(ctx, reservationID); err != nil {
			return err
		}
		if r.Status != models.ReservationStatusActive {
			return nil
		}
		session, err := tx.GetActiveSession(ctx, order.ID)
		if err != nil {
			return err
		}
		if err := so.failInTx(ctx, tx, order, session, ReasonReservationExpired, models.OrderStatusFailed, models.SessionStatusExpired); err != nil {
			return err
		}
		released = true
		failed = order
		return nil
	})
	if err != nil {
		return false, err
	}
	so.afterTerminal(ctx, failed, ReasonReservationExpired)
	return released, nil
}

// CancelRequest cancels an order on behalf of its owner, or of an admin when UserID is zero.
type CancelRequest struct {
	OrderID int64
	UserID  int64
	Reason  string
	Actor   string
}

// CancelOrder cancels a pending or confirmed order. A confirmed order gets its stock back,
// its coupon usage reverted and every settled payment refunded.
func (so *SagaOrchestrator) CancelOrder(ctx context.Context, req CancelRequest) (order *models.Order, err error) {
	ctx, span := util.StartSpan(ctx, "SagaOrchestrator.CancelOrder")
	defer func() { util.EndSpan(span, err) }()

	if req.Actor == "" {
		req.Actor = "customer"
	}
	var gatewayRefund int64
	err = store.RunInTx(ctx, so.UoW, func(tx store.Tx) error {
		order, err = tx.LockOrder(ctx, req.OrderID)
		if err != nil {
			return err
		}
		if req.UserID != 0 && order.UserID != req.UserID {
			return errs.NotFound("order", req.OrderID)
		}

		switch order.Status {
		case models.OrderStatusPending:
			order.Meta.AddCancellation(req.Reason, req.Actor)
			session, err := tx.GetActiveSession(ctx, order.ID)
			if err != nil {
				return err
			}
			return so.failInTx(ctx, tx, order, session, req.Reason, models.OrderStatusCancelled, models.SessionStatusFailed)
		case models.OrderStatusConfirmed:
			gatewayRefund, err = so.cancelConfirmed(ctx, tx, order, req)
			return err
		default:
			return so.States.Transition(order, models.OrderStatusCancelled, req.Actor)
		}
	})
	if err != nil {
		return nil, err
	}
	so.afterTerminal(ctx, order, req.Reason)

	if gatewayRefund > 0 {
		if _, err := so.RefundToSource(ctx, order.ID, gatewayRefund, "order_cancelled", 0); err != nil {
			so.logger.Error("Failed to refund cancelled order",
				zap.Int64("order_id", order.ID),
				zap.Int64("amount", gatewayRefund),
				zap.Error(err))
		}
		if fresh, err := so.readOrder(ctx, order.ID); err == nil {
			order = fresh
		}
	}
	return order, nil
}

// cancelConfirmed returns the amount still to be refunded through gateways.
func (so *SagaOrchestrator) cancelConfirmed(ctx context.Context, tx store.Tx, order *models.Order, req CancelRequest) (int64, error) {
	if err := so.States.Transition(order, models.OrderStatusCancelled, req.Actor); err != nil {
		return 0, err
	}
	for _, it := range order.Items {
		if err := so.Inventory.Restock(ctx, tx, it.VariantID, it.Quantity-it.ReturnedQuantity); err != nil {
			return 0, err
		}
	}
	if _, err := so.Coupons.Revert(ctx, tx, order.ID); err != nil {
		return 0, err
	}

	now := so.now()
	payments, err := tx.ListPaymentsByOrder(ctx, order.ID)
	if err != nil {
		return 0, err
	}
	var gatewayRefund int64
	for i := range payments {
		p := &payments[i]
		switch {
		case p.Method.IsGateway() && p.Status == models.PaymentStatusSuccess:
			gatewayRefund += p.Refundable()
			continue
		case p.Method == models.PaymentMethodWallet && p.Status == models.PaymentStatusSuccess:
			if amt := p.Refundable(); amt > 0 {
				if _, err := so.Wallet.Credit(ctx, tx, order.UserID, amt, order.OrderNo, SourceRefund); err != nil {
					return 0, err
				}
				p.RefundedAmount += amt
			}
			p.Status = models.PaymentStatusRefunded
		case p.Status == models.PaymentStatusCODPending,
			p.Status == models.PaymentStatusCreated,
			p.Status == models.PaymentStatusAttempted:
			p.Status = models.PaymentStatusFailed
		default:
			continue
		}
		if err := tx.UpdatePayment(ctx, p); err != nil {
			return 0, fmt.Errorf("update payment %d: %w", p.ID, err)
		}
		snapshotPayment(order, p, now)
	}

	order.Meta.AddCancellation(req.Reason, req.Actor)
	if err := tx.UpdateOrder(ctx, order); err != nil {
		return 0, fmt.Errorf("update order %d: %w", order.ID, err)
	}
	util.OrdersCancelledTotal.Inc()
	return gatewayRefund, nil
}

type refundLeg struct {
	payment  models.Payment
	amount   int64
	refundID string
	err      error
}

// RefundToSource returns amount to the order's gateway payments up to what each still holds,
// and credits the rest to the wallet. Gateway calls run outside any unit of work; a failed
// gateway refund falls back to the wallet. The routing is recorded on the order.
func (so *SagaOrchestrator) RefundToSource(ctx context.Context, orderID, amount int64, reason string, returnID int64) (note models.RefundNote, err error) {
	ctx, span := util.StartSpan(ctx, "SagaOrchestrator.RefundToSource")
	defer func() { util.EndSpan(span, err) }()

	note = models.RefundNote{Reason: reason, ReturnID: returnID}
	if amount <= 0 {
		return note, nil
	}
	token, err := lock.AcquireWithRetry(ctx, so.locker, refundLockKey(orderID), so.Options.LockTTL, so.Options.LockRetries)
	if err != nil {
		return note, err
	}
	defer lock.ReleaseQuietly(so.locker, token)

	var legs []refundLeg
	err = store.RunInTx(ctx, so.UoW, func(tx store.Tx) error {
		order, err := tx.GetOrder(ctx, orderID)
		if err != nil {
			return err
		}
		payments, err := tx.ListPaymentsByOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if open := unrefunded(order, payments); amount > open {
			so.logger.Warn("Refund capped at unrefunded settlement",
				zap.Int64("order_id", orderID),
				zap.Int64("requested", amount),
				zap.Int64("unrefunded", open))
			amount = open
		}
		remaining := amount
		for _, p := range payments {
			if remaining == 0 {
				break
			}
			if !p.Method.IsGateway() || p.GatewayPaymentID == "" {
				continue
			}
			amt := money.Min(remaining, p.Refundable())
			if amt <= 0 {
				continue
			}
			legs = append(legs, refundLeg{payment: p, amount: amt})
			remaining -= amt
		}
		return nil
	})
	if err != nil || amount <= 0 {
		return note, err
	}
	return so.executeRefund(ctx, orderID, legs, amount, note, SourceRefund)
}

// unrefunded is what the customer has paid on the order and not yet had back, on any instrument.
func unrefunded(order *models.Order, payments []models.Payment) int64 {
	var settled, back int64
	for _, p := range payments {
		if p.Status == models.PaymentStatusSuccess || p.Status == models.PaymentStatusRefunded {
			settled += p.Amount
			back += p.RefundedAmount
		}
	}
	return max(settled-back-order.Meta.WalletRefunded(), 0)
}

// RefundLatePayment sends a payment that settled after its order closed straight back.
func (so *SagaOrchestrator) RefundLatePayment(ctx context.Context, orderID, paymentID int64) (note models.RefundNote, err error) {
	ctx, span := util.StartSpan(ctx, "SagaOrchestrator.RefundLatePayment")
	defer func() { util.EndSpan(span, err) }()

	note = models.RefundNote{Reason: "late_payment"}
	token, err := lock.AcquireWithRetry(ctx, so.locker, refundLockKey(orderID), so.Options.LockTTL, so.Options.LockRetries)
	if err != nil {
		return note, err
	}
	defer lock.ReleaseQuietly(so.locker, token)

	var legs []refundLeg
	var amount int64
	err = store.RunInTx(ctx, so.UoW, func(tx store.Tx) error {
		p, err := tx.GetPayment(ctx, paymentID)
		if err != nil {
			return err
		}
		amount = p.Refundable()
		if amount > 0 {
			legs = append(legs, refundLeg{payment: *p, amount: amount})
		}
		return nil
	})
	if err != nil || amount == 0 {
		return note, err
	}
	return so.executeRefund(ctx, orderID, legs, amount, note, SourceLatePaymentRefund)
}

func (so *SagaOrchestrator) executeRefund(ctx context.Context, orderID int64, legs []refundLeg, total int64, note models.RefundNote, walletSource string) (models.RefundNote, error) {
	for i := range legs {
		legs[i].refundID, legs[i].err = so.callRefund(ctx, &legs[i], note.Reason)
	}

	note.Amount = total
	var order *models.Order
	err := store.RunInTx(ctx, so.UoW, func(tx store.Tx) error {
		var err error
		order, err = tx.LockOrder(ctx, orderID)
		if err != nil {
			return err
		}
		now := so.now()
		fellBack := false
		var refunded int64
		for _, leg := range legs {
			if leg.err != nil {
				fellBack = true
				continue
			}
			p, err := tx.GetPayment(ctx, leg.payment.ID)
			if err != nil {
				return err
			}
			p.RefundedAmount += leg.amount
			if p.RefundedAmount >= p.Amount {
				p.Status = models.PaymentStatusRefunded
			}
			if err := tx.UpdatePayment(ctx, p); err != nil {
				return fmt.Errorf("update payment %d: %w", p.ID, err)
			}
			snapshotPayment(order, p, now)
			refunded += leg.amount
			if note.GatewayRefundID == "" {
				note.GatewayRefundID = leg.refundID
			}
		}

		note.GatewayAmount = refunded
		note.WalletAmount = total - refunded
		if note.WalletAmount > 0 {
			source := walletSource
			if fellBack && source == SourceRefund {
				source = SourceRefundFallback
			}
			if _, err := so.Wallet.Credit(ctx, tx, order.UserID, note.WalletAmount, order.OrderNo, source); err != nil {
				return err
			}
		}
		note.Outcome = refundOutcome(note.GatewayAmount, note.WalletAmount, fellBack)
		order.Meta.AddRefund(note)
		return tx.UpdateOrder(ctx, order)
	})
	if err != nil {
		so.logger.Error("Failed to record refund",
			zap.Int64("order_id", orderID),
			zap.Int64("amount", total),
			zap.String("gateway_refund_id", note.GatewayRefundID),
			zap.Error(err))
		return note, err
	}

	util.RefundsTotal.WithLabelValues(string(note.Outcome)).Inc()
	so.invalidateOrder(ctx, order)
	so.Wallet.Invalidate(ctx, order.UserID)
	so.logger.Info("Refund routed",
		zap.Int64("order_id", orderID),
		zap.Int64("gateway_amount", note.GatewayAmount),
		zap.Int64("wallet_amount", note.WalletAmount),
		zap.String("outcome", string(note.Outcome)))
	return note, nil
}

func (so *SagaOrchestrator) callRefund(ctx context.Context, leg *refundLeg, reason string) (string, error) {
	adapter, err := so.gateways.Get(leg.payment.Method)
	if err != nil {
		return "", err
	}
	res, err := adapter.CreateRefund(ctx, gateway.RefundRequest{
		GatewayPaymentID: leg.payment.GatewayPaymentID,
		Amount:           leg.amount,
		Reason:           reason,
	})
	if err == nil && !res.Success {
		err = errors.New("refund rejected by gateway")
	}
	if err != nil {
		so.logger.Warn("Gateway refund failed, falling back to wallet",
			zap.Int64("payment_id", leg.payment.ID),
			zap.Int64("amount", leg.amount),
			zap.Error(err))
		return "", errs.Gateway("refund", err)
	}
	return res.RefundID, nil
}

func refundOutcome(gatewayAmount, walletAmount int64, fellBack bool) models.RefundOutcome {
	switch {
	case walletAmount == 0:
		return models.RefundOutcomeGateway
	case gatewayAmount == 0 && fellBack:
		return models.RefundOutcomeGatewayFallback
	case gatewayAmount == 0:
		return models.RefundOutcomeWallet
	default:
		return models.RefundOutcomeSplit
	}
}

// snapshotPayment upserts the order's copy of a payment.
func snapshotPayment(order *models.Order, p *models.Payment, at time.Time) {
	snap := models.PaymentSnapshot{
		PaymentID:        p.ID,
		Method:           p.Method,
		Amount:           p.Amount,
		Status:           p.Status,
		GatewayPaymentID: p.GatewayPaymentID,
		At:               at,
	}
	for i := range order.Payments {
		if order.Payments[i].PaymentID == p.ID {
			order.Payments[i] = snap
			return
		}
	}
	order.Payments = append(order.Payments, snap)
}
