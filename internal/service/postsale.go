package service

import (
	"context"
	"fmt"

	"commerce-engine/internal/courier"
	"commerce-engine/internal/errs"
	"commerce-engine/internal/lock"
	"commerce-engine/internal/models"
	"commerce-engine/internal/money"
	"commerce-engine/internal/store"
	"commerce-engine/internal/util"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var returnTransitions = map[models.ReturnStatus][]models.ReturnStatus{
	models.ReturnStatusRequested:       {models.ReturnStatusApproved, models.ReturnStatusRejected},
	models.ReturnStatusApproved:        {models.ReturnStatusPickupScheduled, models.ReturnStatusReceived, models.ReturnStatusRejected},
	models.ReturnStatusPickupScheduled: {models.ReturnStatusReceived, models.ReturnStatusRejected},
	models.ReturnStatusReceived:        {models.ReturnStatusRefunded},
}

var exchangeTransitions = map[models.ExchangeStatus][]models.ExchangeStatus{
	models.ExchangeStatusRequested:       {models.ExchangeStatusApproved, models.ExchangeStatusRejected},
	models.ExchangeStatusApproved:        {models.ExchangeStatusPickupScheduled, models.ExchangeStatusRejected},
	models.ExchangeStatusPickupScheduled: {models.ExchangeStatusPickedUp, models.ExchangeStatusRejected},
	models.ExchangeStatusPickedUp:        {models.ExchangeStatusQCPending, models.ExchangeStatusQCPassed, models.ExchangeStatusQCFailed},
	models.ExchangeStatusQCPending:       {models.ExchangeStatusQCPassed, models.ExchangeStatusQCFailed},
}

// exchangeOrderStatus is the order status that mirrors an exchange status, if any.
var exchangeOrderStatus = map[models.ExchangeStatus]models.OrderStatus{
	models.ExchangeStatusApproved:        models.OrderStatusExchangeApproved,
	models.ExchangeStatusPickupScheduled: models.OrderStatusPickupScheduled,
	models.ExchangeStatusPickedUp:        models.OrderStatusPickedUp,
	models.ExchangeStatusCompleted:       models.OrderStatusExchanged,
	models.ExchangeStatusRejected:        models.OrderStatusExchangeRejected,
	models.ExchangeStatusQCFailed:        models.OrderStatusExchangeRejected,
}

func allowed[S comparable](table map[S][]S, from, to S) bool {
	for _, next := range table[from] {
		if next == to {
			return true
		}
	}
	return false
}

func returnLockKey(returnID int64) string { return fmt.Sprintf("return:%d", returnID) }

// PostSaleService runs returns and exchanges against delivered orders.
type PostSaleService struct {
	*Components
	saga    *SagaOrchestrator
	courier courier.Client
	locker  lock.Locker
	node    *snowflake.Node
	logger  *zap.Logger
}

func NewPostSaleService(c *Components, saga *SagaOrchestrator, courierClient courier.Client, locker lock.Locker, node *snowflake.Node) *PostSaleService {
	return &PostSaleService{
		Components: c,
		saga:       saga,
		courier:    courierClient,
		locker:     locker,
		node:       node,
		logger:     util.Named("postsale"),
	}
}

func (s *PostSaleService) history(h *models.StatusHistory, status, actor, note string) {
	*h = append(*h, models.HistoryEntry{Status: status, At: s.now(), Actor: actor, Note: note})
}

// claimLine checks the order and line and takes qty units of the line's returnable quantity.
func (s *PostSaleService) claimLine(ctx context.Context, tx store.Tx, order *models.Order, userID, itemID int64, qty int, next models.OrderStatus) (*models.OrderItem, error) {
	if order.UserID != userID {
		return nil, errs.NotFound("order", order.ID)
	}
	item, ok := order.Item(itemID)
	if !ok {
		return nil, errs.Validation("order %d has no item %d", order.ID, itemID)
	}
	if qty <= 0 {
		return nil, errs.Validation("quantity must be positive")
	}
	if !s.States.CanTransition(order.Status, next) {
		return nil, errs.Validation("order is %s; a %s request is not possible", order.Status, next)
	}
	if !order.Meta.Delivered() {
		return nil, errs.Validation("order %d was never delivered", order.ID)
	}
	ok, err := tx.AddReturnedQuantity(ctx, item.ID, qty)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errs.Validation("only %d unit(s) of item %d can still be returned", item.Quantity-item.ReturnedQuantity, item.ID)
	}
	item.ReturnedQuantity += qty
	return item, nil
}

type CreateReturnRequest struct {
	UserID      int64  `json:"-"`
	OrderID     int64  `json:"-"`
	OrderItemID int64  `json:"order_item_id" binding:"required"`
	Quantity    int    `json:"quantity" binding:"required,min=1"`
	Reason      string `json:"reason"`
}

// RequestReturn opens a return for part of a delivered line and fixes its refund amount.
func (s *PostSaleService) RequestReturn(ctx context.Context, req CreateReturnRequest) (ret *models.ReturnRequest, err error) {
	ctx, span := util.StartSpan(ctx, "PostSaleService.RequestReturn")
	defer func() { util.EndSpan(span, err) }()

	var order *models.Order
	err = store.RunInTx(ctx, s.UoW, func(tx store.Tx) error {
		order, err = tx.LockOrder(ctx, req.OrderID)
		if err != nil {
			return err
		}
		item, err := s.claimLine(ctx, tx, order, req.UserID, req.OrderItemID, req.Quantity, models.OrderStatusReturnRequested)
		if err != nil {
			return err
		}
		refund, err := s.returnRefund(ctx, tx, order, item, req.Quantity)
		if err != nil {
			return err
		}
		ret = &models.ReturnRequest{
			OrderID:     order.ID,
			OrderItemID: item.ID,
			UserID:      order.UserID,
			Quantity:    req.Quantity,
			Reason:      req.Reason,
			Status:      models.ReturnStatusRequested,
			Refund:      refund,
		}
		s.history(&ret.History, string(ret.Status), "customer", req.Reason)
		if err := tx.CreateReturn(ctx, ret); err != nil {
			return fmt.Errorf("create return: %w", err)
		}
		if err := s.States.Transition(order, models.OrderStatusReturnRequested, "customer"); err != nil {
			return err
		}
		return tx.UpdateOrder(ctx, order)
	})
	if err != nil {
		return nil, err
	}
	s.invalidateOrder(ctx, order)
	s.logger.Info("Return requested",
		zap.Int64("order_id", order.ID),
		zap.Int64("return_id", ret.ID),
		zap.Int64("refund_amount", ret.Refund.Amount))
	return ret, nil
}

// returnRefund prices a return from the discounted line value. When the units kept no longer
// meet the coupon's minimum order value the discount on those kept units is deducted, once per order.
func (s *PostSaleService) returnRefund(ctx context.Context, tx store.Tx, order *models.Order, item *models.OrderItem, qty int) (models.RefundInfo, error) {
	gross := money.Share(item.PriceAfterDiscount, int64(qty), int64(item.Quantity))
	info := models.RefundInfo{Gross: gross}

	if order.CouponID != nil && order.DiscountAmount > 0 {
		coupon, err := tx.GetCoupon(ctx, *order.CouponID)
		if err != nil {
			return info, err
		}
		if coupon.MinOrderValue > 0 {
			var kept, keptDiscount int64
			for _, it := range order.Items {
				left := int64(it.Quantity - it.ReturnedQuantity)
				kept += it.UnitPrice * left
				keptDiscount += money.Share(it.ItemDiscount, left, int64(it.Quantity))
			}
			if kept < coupon.MinOrderValue {
				deducted, err := s.couponShareTaken(ctx, tx, order.ID)
				if err != nil {
					return info, err
				}
				if !deducted {
					info.CouponShare = money.Min(keptDiscount, gross)
				}
			}
		}
	}

	info.RestockingFee = money.Percent(gross, s.Options.RestockingFeePercent)
	info.Amount = money.NonNegative(gross - info.CouponShare - info.RestockingFee)
	return info, nil
}

func (s *PostSaleService) couponShareTaken(ctx context.Context, tx store.Tx, orderID int64) (bool, error) {
	returns, err := tx.ListReturnsByOrder(ctx, orderID)
	if err != nil {
		return false, err
	}
	for _, r := range returns {
		if r.Status != models.ReturnStatusRejected && r.Refund.CouponShare > 0 {
			return true, nil
		}
	}
	return false, nil
}

// UpdateReturnStatus is the admin side of a return. Receiving restocks and refunds.
func (s *PostSaleService) UpdateReturnStatus(ctx context.Context, returnID int64, status models.ReturnStatus, actor, note string) (ret *models.ReturnRequest, err error) {
	ctx, span := util.StartSpan(ctx, "PostSaleService.UpdateReturnStatus")
	defer func() { util.EndSpan(span, err) }()

	if actor == "" {
		actor = "admin"
	}
	if status == models.ReturnStatusRefunded {
		return s.refundReturn(ctx, returnID)
	}

	var order *models.Order
	err = store.RunInTx(ctx, s.UoW, func(tx store.Tx) error {
		ret, err = tx.LockReturn(ctx, returnID)
		if err != nil {
			return err
		}
		if !allowed(returnTransitions, ret.Status, status) {
			return errs.Validation("return %d cannot move from %s to %s", ret.ID, ret.Status, status)
		}
		order, err = tx.LockOrder(ctx, ret.OrderID)
		if err != nil {
			return err
		}
		item, ok := order.Item(ret.OrderItemID)
		if !ok {
			return errs.NotFound("order item", ret.OrderItemID)
		}

		switch status {
		case models.ReturnStatusReceived:
			if err := s.Inventory.Restock(ctx, tx, item.VariantID, ret.Quantity); err != nil {
				return err
			}
			if err := s.States.Transition(order, models.OrderStatusReturned, actor); err != nil {
				return err
			}
		case models.ReturnStatusRejected:
			ok, err := tx.AddReturnedQuantity(ctx, item.ID, -ret.Quantity)
			if err != nil {
				return err
			}
			if !ok {
				return errs.Conflict("returned quantity of item %d is inconsistent", item.ID)
			}
			if err := s.States.Transition(order, models.OrderStatusDelivered, actor); err != nil {
				return err
			}
		}

		ret.Status = status
		s.history(&ret.History, string(status), actor, note)
		if err := tx.UpdateReturn(ctx, ret); err != nil {
			return err
		}
		return tx.UpdateOrder(ctx, order)
	})
	if err != nil {
		return nil, err
	}
	s.invalidateOrder(ctx, order)

	switch status {
	case models.ReturnStatusApproved:
		s.schedulePickup(ctx, models.PickupForReturn, ret.ID, 1)
	case models.ReturnStatusReceived:
		return s.refundReturn(ctx, ret.ID)
	default:
		return ret, nil
	}
	return s.loadReturn(ctx, ret.ID)
}

func (s *PostSaleService) loadReturn(ctx context.Context, returnID int64) (ret *models.ReturnRequest, err error) {
	err = store.RunInTx(ctx, s.UoW, func(tx store.Tx) error {
		ret, err = tx.LockReturn(ctx, returnID)
		return err
	})
	return ret, err
}

// refundReturn pays out a received return exactly once.
func (s *PostSaleService) refundReturn(ctx context.Context, returnID int64) (*models.ReturnRequest, error) {
	token, err := lock.AcquireWithRetry(ctx, s.locker, returnLockKey(returnID), s.Options.LockTTL, s.Options.LockRetries)
	if err != nil {
		return nil, err
	}
	defer lock.ReleaseQuietly(s.locker, token)

	var (
		ret      *models.ReturnRequest
		recorded *models.RefundNote
	)
	err = store.RunInTx(ctx, s.UoW, func(tx store.Tx) error {
		var err error
		if ret, err = tx.LockReturn(ctx, returnID); err != nil {
			return err
		}
		if ret.Status != models.ReturnStatusReceived {
			return nil
		}
		order, err := tx.GetOrder(ctx, ret.OrderID)
		if err != nil {
			return err
		}
		// a crash after routing but before this return was marked leaves the note behind
		for _, a := range order.Meta.Of(models.AnnotationRefund) {
			if a.Refund.ReturnID == ret.ID {
				note := *a.Refund
				recorded = &note
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if ret.Status != models.ReturnStatusReceived {
		if ret.Status == models.ReturnStatusRefunded {
			return ret, nil
		}
		return nil, errs.Validation("return %d is %s and cannot be refunded", ret.ID, ret.Status)
	}

	note := recorded
	if note == nil {
		routed, err := s.saga.RefundToSource(ctx, ret.OrderID, ret.Refund.Amount, "return", ret.ID)
		if err != nil {
			return nil, err
		}
		note = &routed
	}

	var order *models.Order
	err = store.RunInTx(ctx, s.UoW, func(tx store.Tx) error {
		var err error
		if ret, err = tx.LockReturn(ctx, returnID); err != nil {
			return err
		}
		if order, err = tx.LockOrder(ctx, ret.OrderID); err != nil {
			return err
		}
		if ret.Status != models.ReturnStatusReceived {
			return nil
		}
		ret.Refund.GatewayAmount = note.GatewayAmount
		ret.Refund.WalletAmount = note.WalletAmount
		ret.Refund.GatewayRefundID = note.GatewayRefundID
		ret.Refund.Outcome = note.Outcome
		ret.Status = models.ReturnStatusRefunded
		s.history(&ret.History, string(ret.Status), actorSystem, string(note.Outcome))
		if err := tx.UpdateReturn(ctx, ret); err != nil {
			return err
		}
		if order.Status == models.OrderStatusReturned {
			if err := s.States.Transition(order, models.OrderStatusRefunded, actorSystem); err != nil {
				return err
			}
			return tx.UpdateOrder(ctx, order)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.invalidateOrder(ctx, order)
	s.Wallet.Invalidate(ctx, order.UserID)
	s.publishOrderEvent(ctx, order, models.EventTypeOrderRefunded, "return")
	return ret, nil
}

type CreateExchangeRequest struct {
	UserID               int64                `json:"-"`
	OrderID              int64                `json:"-"`
	OrderItemID          int64                `json:"order_item_id" binding:"required"`
	Quantity             int                  `json:"quantity" binding:"required,min=1"`
	ReplacementVariantID int64                `json:"replacement_variant_id" binding:"required"`
	SelectionType        models.SelectionType `json:"selection_type"`
	UseWallet            bool                 `json:"use_wallet"`
	Reason               string               `json:"reason"`
}

// RequestExchange opens an exchange, reserves the replacement and optionally holds wallet
// funds for a positive differential.
func (s *PostSaleService) RequestExchange(ctx context.Context, req CreateExchangeRequest) (ex *models.ExchangeRequest, err error) {
	ctx, span := util.StartSpan(ctx, "PostSaleService.RequestExchange")
	defer func() { util.EndSpan(span, err) }()

	switch req.SelectionType {
	case "":
		req.SelectionType = models.SelectionAutoPlace
	case models.SelectionAutoPlace, models.SelectionManual:
	default:
		return nil, errs.Validation("unknown selection type %q", req.SelectionType)
	}

	var order *models.Order
	err = store.RunInTx(ctx, s.UoW, func(tx store.Tx) error {
		order, err = tx.LockOrder(ctx, req.OrderID)
		if err != nil {
			return err
		}
		variant, err := tx.GetVariant(ctx, req.ReplacementVariantID)
		if err != nil {
			if errs.KindOf(err) == errs.KindNotFound {
				return errs.Validation("replacement variant %d does not exist", req.ReplacementVariantID)
			}
			return err
		}
		if !variant.Active {
			return errs.Validation("replacement variant %d is not available", variant.ID)
		}
		item, err := s.claimLine(ctx, tx, order, req.UserID, req.OrderItemID, req.Quantity, models.OrderStatusExchangeRequested)
		if err != nil {
			return err
		}

		ex = &models.ExchangeRequest{
			OrderID:              order.ID,
			OrderItemID:          item.ID,
			UserID:               order.UserID,
			Quantity:             req.Quantity,
			ReplacementVariantID: variant.ID,
			SelectionType:        req.SelectionType,
			OriginalPrice:        money.Share(item.PriceAfterDiscount, int64(req.Quantity), int64(item.Quantity)),
			ReplacementPrice:     variant.Price * int64(req.Quantity),
			Status:               models.ExchangeStatusRequested,
			Reason:               req.Reason,
		}
		if ex.SelectionType == models.SelectionManual {
			ex.EstimatedCredit = ex.OriginalPrice
		} else {
			ex.EstimatedCredit = money.NonNegative(-ex.Differential())
		}
		s.history(&ex.History, string(ex.Status), "customer", req.Reason)
		if err := tx.CreateExchange(ctx, ex); err != nil {
			return fmt.Errorf("create exchange: %w", err)
		}

		r, err := s.Reservations.Reserve(ctx, tx, ForExchange(ex.ID),
			[]models.ReservedItem{{VariantID: variant.ID, Quantity: req.Quantity}}, s.Options.ExchangeReservationTTL)
		if err != nil {
			return err
		}
		ex.ReservationID = &r.ID

		if diff := ex.Differential(); req.UseWallet && ex.SelectionType == models.SelectionAutoPlace && diff > 0 {
			user, err := tx.GetUser(ctx, order.UserID)
			if err != nil {
				return err
			}
			if amt := money.Min(user.WalletBalance, diff); amt > 0 {
				hold, err := s.Wallet.Hold(ctx, tx, order.UserID, amt, exchangeRef(ex.ID), SourceExchangeHold)
				if err != nil {
					return err
				}
				ex.WalletHoldID = &hold.ID
				ex.WalletHoldAmount = amt
			}
		}
		if err := tx.UpdateExchange(ctx, ex); err != nil {
			return err
		}

		if err := s.States.Transition(order, models.OrderStatusExchangeRequested, "customer"); err != nil {
			return err
		}
		order.Meta.AddExchange(models.ExchangeNote{ExchangeID: ex.ID, Status: ex.Status})
		return tx.UpdateOrder(ctx, order)
	})
	if err != nil {
		return nil, err
	}
	s.invalidateOrder(ctx, order)
	s.Wallet.Invalidate(ctx, order.UserID)
	s.logger.Info("Exchange requested",
		zap.Int64("order_id", order.ID),
		zap.Int64("exchange_id", ex.ID),
		zap.Int64("differential", ex.Differential()))
	return ex, nil
}

func exchangeRef(exchangeID int64) string { return fmt.Sprintf("exchange:%d", exchangeID) }

// UpdateExchangeStatus is the admin side of an exchange. QC pass settles the value difference.
func (s *PostSaleService) UpdateExchangeStatus(ctx context.Context, exchangeID int64, status models.ExchangeStatus, actor, note string) (ex *models.ExchangeRequest, err error) {
	ctx, span := util.StartSpan(ctx, "PostSaleService.UpdateExchangeStatus")
	defer func() { util.EndSpan(span, err) }()

	if actor == "" {
		actor = "admin"
	}
	var (
		order    *models.Order
		newOrder *models.Order
	)
	err = store.RunInTx(ctx, s.UoW, func(tx store.Tx) error {
		ex, err = tx.LockExchange(ctx, exchangeID)
		if err != nil {
			return err
		}
		if !allowed(exchangeTransitions, ex.Status, status) {
			return errs.Validation("exchange %d cannot move from %s to %s", ex.ID, ex.Status, status)
		}
		order, err = tx.LockOrder(ctx, ex.OrderID)
		if err != nil {
			return err
		}

		switch status {
		case models.ExchangeStatusQCPassed:
			newOrder, err = s.qcPassed(ctx, tx, order, ex, actor)
			if err != nil {
				return err
			}
		case models.ExchangeStatusQCFailed, models.ExchangeStatusRejected:
			if err := s.unwindExchange(ctx, tx, order, ex); err != nil {
				return err
			}
			fallthrough
		default:
			if err := s.moveExchange(order, ex, status, actor, note); err != nil {
				return err
			}
		}
		if err := tx.UpdateExchange(ctx, ex); err != nil {
			return err
		}
		return tx.UpdateOrder(ctx, order)
	})
	if err != nil {
		return nil, err
	}
	s.afterExchange(ctx, order, newOrder)

	if status == models.ExchangeStatusApproved {
		s.schedulePickup(ctx, models.PickupForExchange, ex.ID, 1)
		return s.loadExchange(ctx, ex.ID)
	}
	return ex, nil
}

// moveExchange sets the exchange status and mirrors it onto the order.
func (s *PostSaleService) moveExchange(order *models.Order, ex *models.ExchangeRequest, status models.ExchangeStatus, actor, note string) error {
	if next, ok := exchangeOrderStatus[status]; ok && order.Status != next {
		if err := s.States.Transition(order, next, actor); err != nil {
			return err
		}
	}
	ex.Status = status
	s.history(&ex.History, string(status), actor, note)
	order.Meta.AddExchange(models.ExchangeNote{ExchangeID: ex.ID, Status: status, Note: note})
	return nil
}

func (s *PostSaleService) afterExchange(ctx context.Context, order, newOrder *models.Order) {
	s.invalidateOrder(ctx, order)
	s.Wallet.Invalidate(ctx, order.UserID)
	if newOrder != nil {
		s.invalidateOrder(ctx, newOrder)
		s.publishOrderEvent(ctx, newOrder, models.EventTypeOrderConfirmed, "exchange")
	}
}

func (s *PostSaleService) loadExchange(ctx context.Context, exchangeID int64) (ex *models.ExchangeRequest, err error) {
	err = store.RunInTx(ctx, s.UoW, func(tx store.Tx) error {
		ex, err = tx.LockExchange(ctx, exchangeID)
		return err
	})
	return ex, err
}

// qcPassed puts the returned units back and settles the exchange value. A replacement that
// can no longer be reserved turns the exchange into a wallet credit.
func (s *PostSaleService) qcPassed(ctx context.Context, tx store.Tx, order *models.Order, ex *models.ExchangeRequest, actor string) (*models.Order, error) {
	item, ok := order.Item(ex.OrderItemID)
	if !ok {
		return nil, errs.NotFound("order item", ex.OrderItemID)
	}
	if err := s.Inventory.Restock(ctx, tx, item.VariantID, ex.Quantity); err != nil {
		return nil, err
	}
	ex.Status = models.ExchangeStatusQCPassed
	s.history(&ex.History, string(ex.Status), actor, "")

	if ex.SelectionType == models.SelectionAutoPlace {
		if err := s.ensureReplacement(ctx, tx, ex); err != nil {
			if errs.KindOf(err) != errs.KindInsufficientResource {
				return nil, err
			}
			s.logger.Warn("Replacement out of stock, crediting exchange value",
				zap.Int64("exchange_id", ex.ID),
				zap.Int64("variant_id", ex.ReplacementVariantID))
			ex.SelectionType = models.SelectionManual
			s.history(&ex.History, string(ex.Status), actorSystem, "replacement unavailable")
		}
	}

	if ex.SelectionType == models.SelectionManual {
		if err := s.creditExchange(ctx, tx, order, ex, ex.OriginalPrice); err != nil {
			return nil, err
		}
		if err := s.releaseHeld(ctx, tx, ex); err != nil {
			return nil, err
		}
		return nil, s.moveExchange(order, ex, models.ExchangeStatusCompleted, actorSystem, "credited to wallet")
	}

	diff := ex.Differential()
	if diff <= 0 {
		if err := s.creditExchange(ctx, tx, order, ex, -diff); err != nil {
			return nil, err
		}
		if _, err := s.releaseHold(ctx, tx, ex); err != nil {
			return nil, err
		}
		return s.completeExchange(ctx, tx, order, ex, 0, 0)
	}

	if ex.WalletHoldID != nil && ex.WalletHoldAmount >= diff {
		if err := s.Wallet.Finalize(ctx, tx, *ex.WalletHoldID); err != nil {
			return nil, err
		}
		return s.completeExchange(ctx, tx, order, ex, ex.WalletHoldAmount, 0)
	}

	ex.Status = models.ExchangeStatusWaitingForPayment
	s.history(&ex.History, string(ex.Status), actorSystem, money.Format(diff-ex.WalletHoldAmount))
	order.Meta.AddExchange(models.ExchangeNote{ExchangeID: ex.ID, Status: ex.Status})
	return nil, nil
}

// ensureReplacement re-reserves the replacement when the original reservation lapsed.
func (s *PostSaleService) ensureReplacement(ctx context.Context, tx store.Tx, ex *models.ExchangeRequest) error {
	if ex.ReservationID != nil {
		r, err := tx.GetReservation(ctx, *ex.ReservationID)
		if err != nil {
			return err
		}
		if r.Status == models.ReservationStatusActive {
			return nil
		}
	}
	r, err := s.Reservations.Reserve(ctx, tx, ForExchange(ex.ID),
		[]models.ReservedItem{{VariantID: ex.ReplacementVariantID, Quantity: ex.Quantity}}, s.Options.ExchangeReservationTTL)
	if err != nil {
		return err
	}
	ex.ReservationID = &r.ID
	return nil
}

func (s *PostSaleService) creditExchange(ctx context.Context, tx store.Tx, order *models.Order, ex *models.ExchangeRequest, amount int64) error {
	if amount <= 0 {
		return nil
	}
	txn, err := s.Wallet.Credit(ctx, tx, order.UserID, amount, exchangeRef(ex.ID), SourceExchangeCredit)
	if err != nil {
		return err
	}
	ex.CreditTxnID = &txn.ID
	ex.EstimatedCredit = amount
	return nil
}

// releaseHeld gives back both the replacement stock and any wallet hold.
func (s *PostSaleService) releaseHeld(ctx context.Context, tx store.Tx, ex *models.ExchangeRequest) error {
	if ex.ReservationID != nil {
		if _, err := s.Reservations.Release(ctx, tx, *ex.ReservationID); err != nil {
			return err
		}
	}
	_, err := s.releaseHold(ctx, tx, ex)
	return err
}

func (s *PostSaleService) releaseHold(ctx context.Context, tx store.Tx, ex *models.ExchangeRequest) (bool, error) {
	if ex.WalletHoldID == nil {
		return false, nil
	}
	hold, err := tx.GetWalletTxn(ctx, *ex.WalletHoldID)
	if err != nil {
		return false, err
	}
	if hold.Status != models.WalletTxnPending {
		return false, nil
	}
	return s.Wallet.Release(ctx, tx, hold.ID)
}

// unwindExchange gives back everything a rejected exchange held and reopens the line.
func (s *PostSaleService) unwindExchange(ctx context.Context, tx store.Tx, order *models.Order, ex *models.ExchangeRequest) error {
	if err := s.releaseHeld(ctx, tx, ex); err != nil {
		return err
	}
	ok, err := tx.AddReturnedQuantity(ctx, ex.OrderItemID, -ex.Quantity)
	if err != nil {
		return err
	}
	if !ok {
		return errs.Conflict("returned quantity of item %d is inconsistent", ex.OrderItemID)
	}
	return nil
}

// completeExchange places the replacement order and closes the exchange.
func (s *PostSaleService) completeExchange(ctx context.Context, tx store.Tx, order *models.Order, ex *models.ExchangeRequest, walletPaid, codDue int64) (*models.Order, error) {
	newOrder, err := s.placeReplacementOrder(ctx, tx, order, ex, walletPaid, codDue)
	if err != nil {
		return nil, err
	}
	return newOrder, s.moveExchange(order, ex, models.ExchangeStatusCompleted, actorSystem, newOrder.OrderNo)
}

// placeReplacementOrder creates the confirmed replacement order, paid by the returned value
// plus any wallet or cash-on-delivery top-up. It is keyed on the exchange so it happens once.
func (s *PostSaleService) placeReplacementOrder(ctx context.Context, tx store.Tx, order *models.Order, ex *models.ExchangeRequest, walletPaid, codDue int64) (*models.Order, error) {
	key := exchangeRef(ex.ID)
	existing, err := tx.GetOrderByIdempotencyKey(ctx, order.UserID, key)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		ex.NewOrderID = &existing.ID
		return existing, nil
	}
	if ex.ReservationID == nil {
		return nil, errs.Conflict("exchange %d has no replacement reservation", ex.ID)
	}

	variant, err := tx.GetVariant(ctx, ex.ReplacementVariantID)
	if err != nil {
		return nil, err
	}
	newOrder := &models.Order{
		OrderNo: s.node.Generate().String(),
		UserID:  order.UserID,
		Items: []models.OrderItem{{
			ProductID:  variant.ProductID,
			VariantID:  variant.ID,
			CategoryID: variant.CategoryID,
			Quantity:   ex.Quantity,
			UnitPrice:  ex.ReplacementPrice / int64(ex.Quantity),
		}},
		Status:          models.OrderStatusPending,
		PaymentMethod:   models.PaymentMethodExchange,
		WalletAmount:    walletPaid,
		UseWallet:       walletPaid > 0,
		ShippingAddress: order.ShippingAddress,
		IdempotencyKey:  key,
	}
	newOrder.Recalculate()
	newOrder.Items[0].PriceAfterDiscount = newOrder.Items[0].LineTotal
	if err := tx.CreateOrder(ctx, newOrder); err != nil {
		return nil, fmt.Errorf("create replacement order: %w", err)
	}

	now := s.now()
	carried := &models.Payment{
		OrderID:        newOrder.ID,
		UserID:         order.UserID,
		Method:         models.PaymentMethodExchange,
		Amount:         money.Min(ex.OriginalPrice, ex.ReplacementPrice),
		Status:         models.PaymentStatusSuccess,
		IdempotencyKey: key,
	}
	payments := []*models.Payment{carried}
	if walletPaid > 0 {
		payments = append(payments, &models.Payment{
			OrderID: newOrder.ID, UserID: order.UserID, Method: models.PaymentMethodWallet,
			Amount: walletPaid, Status: models.PaymentStatusSuccess, IdempotencyKey: key + ":wallet",
		})
	}
	if codDue > 0 {
		payments = append(payments, &models.Payment{
			OrderID: newOrder.ID, UserID: order.UserID, Method: models.PaymentMethodCOD,
			Amount: codDue, Status: models.PaymentStatusCODPending, IdempotencyKey: key + ":cod",
		})
	}
	for _, p := range payments {
		if err := tx.CreatePayment(ctx, p); err != nil {
			return nil, fmt.Errorf("create replacement payment: %w", err)
		}
		snapshotPayment(newOrder, p, now)
	}

	if err := s.Reservations.Consume(ctx, tx, *ex.ReservationID, &carried.ID); err != nil {
		return nil, err
	}
	if err := s.States.Transition(newOrder, models.OrderStatusConfirmed, actorSystem); err != nil {
		return nil, err
	}
	newOrder.Meta.AddExchange(models.ExchangeNote{ExchangeID: ex.ID, Status: models.ExchangeStatusCompleted, Note: order.OrderNo})
	if err := tx.UpdateOrder(ctx, newOrder); err != nil {
		return nil, err
	}
	ex.NewOrderID = &newOrder.ID
	util.OrdersConfirmedTotal.WithLabelValues(string(models.PaymentMethodExchange)).Inc()
	return newOrder, nil
}

// PayExchangeDifferential settles what the customer still owes on an exchange waiting for
// payment, by wallet or cash on delivery of the replacement.
func (s *PostSaleService) PayExchangeDifferential(ctx context.Context, userID, exchangeID int64, method models.PaymentMethod) (ex *models.ExchangeRequest, err error) {
	ctx, span := util.StartSpan(ctx, "PostSaleService.PayExchangeDifferential")
	defer func() { util.EndSpan(span, err) }()

	if method != models.PaymentMethodWallet && method != models.PaymentMethodCOD {
		return nil, errs.Validation("exchange differential can be paid by wallet or cod, not %q", method)
	}
	var order, newOrder *models.Order
	err = store.RunInTx(ctx, s.UoW, func(tx store.Tx) error {
		ex, err = tx.LockExchange(ctx, exchangeID)
		if err != nil {
			return err
		}
		if ex.UserID != userID {
			return errs.NotFound("exchange request", exchangeID)
		}
		if ex.Status != models.ExchangeStatusWaitingForPayment {
			return errs.Validation("exchange %d is %s and is not awaiting payment", ex.ID, ex.Status)
		}
		order, err = tx.LockOrder(ctx, ex.OrderID)
		if err != nil {
			return err
		}
		if err := s.ensureReplacement(ctx, tx, ex); err != nil {
			return err
		}

		var held int64
		if ex.WalletHoldID != nil {
			hold, err := tx.GetWalletTxn(ctx, *ex.WalletHoldID)
			if err != nil {
				return err
			}
			if hold.Status == models.WalletTxnPending {
				if err := s.Wallet.Finalize(ctx, tx, hold.ID); err != nil {
					return err
				}
				held = hold.Amount
			}
		}

		due := money.NonNegative(ex.Differential() - held)
		walletPaid, codDue := held, int64(0)
		if method == models.PaymentMethodWallet {
			if due > 0 {
				if _, err := s.Wallet.Debit(ctx, tx, userID, due, exchangeRef(ex.ID), SourceExchangeHold); err != nil {
					return err
				}
			}
			walletPaid += due
		} else {
			codDue = due
		}

		newOrder, err = s.completeExchange(ctx, tx, order, ex, walletPaid, codDue)
		if err != nil {
			return err
		}
		if err := tx.UpdateExchange(ctx, ex); err != nil {
			return err
		}
		return tx.UpdateOrder(ctx, order)
	})
	if err != nil {
		return nil, err
	}
	s.afterExchange(ctx, order, newOrder)
	return ex, nil
}

// schedulePickup books a courier pickup for an approved return or exchange. Failures are
// published for a retry worker and never fail the caller.
func (s *PostSaleService) schedulePickup(ctx context.Context, kind string, targetID int64, attempt int) {
	var (
		req     courier.PickupRequest
		orderID int64
		ready   bool
	)
	err := store.RunInTx(ctx, s.UoW, func(tx store.Tx) error {
		var itemID int64
		switch kind {
		case models.PickupForReturn:
			r, err := tx.LockReturn(ctx, targetID)
			if err != nil {
				return err
			}
			if r.Status != models.ReturnStatusApproved {
				return nil
			}
			orderID, itemID, req.Quantity = r.OrderID, r.OrderItemID, r.Quantity
		case models.PickupForExchange:
			e, err := tx.LockExchange(ctx, targetID)
			if err != nil {
				return err
			}
			if e.Status != models.ExchangeStatusApproved {
				return nil
			}
			orderID, itemID, req.Quantity = e.OrderID, e.OrderItemID, e.Quantity
		default:
			return errs.Validation("unknown pickup kind %q", kind)
		}
		order, err := tx.GetOrder(ctx, orderID)
		if err != nil {
			return err
		}
		item, ok := order.Item(itemID)
		if !ok {
			return errs.NotFound("order item", itemID)
		}
		req.Kind = kind
		req.Reference = fmt.Sprintf("%s:%d", kind, targetID)
		req.OrderNo = order.OrderNo
		req.Address = order.ShippingAddress
		req.VariantID = item.VariantID
		ready = true
		return nil
	})
	if err != nil || !ready {
		if err != nil {
			s.logger.Error("Failed to load pickup target", zap.String("kind", kind), zap.Int64("target_id", targetID), zap.Error(err))
		}
		return
	}

	pickup, err := s.courier.SchedulePickup(ctx, req)
	if err != nil {
		s.retryPickupLater(ctx, kind, targetID, orderID, attempt, err)
		return
	}

	var order *models.Order
	err = store.RunInTx(ctx, s.UoW, func(tx store.Tx) error {
		switch kind {
		case models.PickupForReturn:
			r, err := tx.LockReturn(ctx, targetID)
			if err != nil || r.Status != models.ReturnStatusApproved {
				return err
			}
			r.PickupID = pickup.PickupID
			r.Status = models.ReturnStatusPickupScheduled
			s.history(&r.History, string(r.Status), "courier", pickup.PickupID)
			return tx.UpdateReturn(ctx, r)
		default:
			e, err := tx.LockExchange(ctx, targetID)
			if err != nil || e.Status != models.ExchangeStatusApproved {
				return err
			}
			if order, err = tx.LockOrder(ctx, e.OrderID); err != nil {
				return err
			}
			e.PickupID = pickup.PickupID
			if err := s.moveExchange(order, e, models.ExchangeStatusPickupScheduled, "courier", pickup.PickupID); err != nil {
				return err
			}
			if err := tx.UpdateExchange(ctx, e); err != nil {
				return err
			}
			return tx.UpdateOrder(ctx, order)
		}
	})
	if err != nil {
		s.logger.Error("Failed to record pickup",
			zap.String("kind", kind),
			zap.Int64("target_id", targetID),
			zap.String("pickup_id", pickup.PickupID),
			zap.Error(err))
		return
	}
	s.invalidateOrder(ctx, order)
	s.logger.Info("Pickup scheduled",
		zap.String("kind", kind),
		zap.Int64("target_id", targetID),
		zap.String("pickup_id", pickup.PickupID),
		zap.Time("scheduled_at", pickup.ScheduledAt))
}

func (s *PostSaleService) retryPickupLater(ctx context.Context, kind string, targetID, orderID int64, attempt int, cause error) {
	if attempt >= s.Options.MaxPickupAttempts {
		s.logger.Error("Giving up on courier pickup",
			zap.String("kind", kind),
			zap.Int64("target_id", targetID),
			zap.Int("attempts", attempt),
			zap.Error(cause))
		return
	}
	s.logger.Warn("Courier pickup failed, scheduling retry",
		zap.String("kind", kind),
		zap.Int64("target_id", targetID),
		zap.Int("attempt", attempt),
		zap.Error(cause))
	event := &models.CourierPickupRetryEvent{
		BaseEvent: models.BaseEvent{
			EventID:   uuid.New().String(),
			EventType: models.EventTypeCourierPickupRetry,
			Timestamp: s.now(),
		},
		Kind:     kind,
		TargetID: targetID,
		OrderID:  orderID,
		Attempt:  attempt + 1,
		LastErr:  cause.Error(),
	}
	if err := s.Events.PublishCourierRetry(ctx, event); err != nil {
		s.logger.Error("Failed to publish pickup retry", zap.Int64("target_id", targetID), zap.Error(err))
	}
}

// RetryPickup is driven by the courier retry worker.
func (s *PostSaleService) RetryPickup(ctx context.Context, event *models.CourierPickupRetryEvent) error {
	ctx, span := util.StartSpan(ctx, "PostSaleService.RetryPickup")
	defer span.End()

	s.schedulePickup(ctx, event.Kind, event.TargetID, event.Attempt)
	return nil
}
