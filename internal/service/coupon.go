package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"commerce-engine/internal/errs"
	"commerce-engine/internal/models"
	"commerce-engine/internal/money"
	"commerce-engine/internal/store"
	"commerce-engine/internal/util"

	"go.uber.org/zap"
)

// CouponReservation is the outcome of a successful coupon reserve.
type CouponReservation struct {
	Coupon   *models.Coupon
	Usage    *models.CouponUsage
	Discount int64
	// ItemDiscounts is parallel to the items passed to Reserve.
	ItemDiscounts []int64
}

// CouponService validates coupons and owns the usage counter through per-order usage markers.
// Every increment creates exactly one live marker and a revert consumes that marker, so a
// revert triggered from several failure paths still decrements at most once.
type CouponService struct {
	ledger *Ledger
	now    func() time.Time
	logger *zap.Logger
}

func NewCouponService(ledger *Ledger, now func() time.Time) *CouponService {
	return &CouponService{ledger: ledger, now: now, logger: util.Named("coupons")}
}

// Reserve validates the code against the order lines and takes one usage slot.
func (s *CouponService) Reserve(ctx context.Context, tx store.Tx, code string, userID, orderID int64, items []models.OrderItem) (*CouponReservation, error) {
	code = strings.TrimSpace(code)
	coupon, err := tx.GetCouponByCode(ctx, code)
	if err != nil {
		if errs.KindOf(err) == errs.KindNotFound {
			return nil, errs.Validation("coupon %s is not valid", code)
		}
		return nil, err
	}

	now := s.now()
	switch {
	case !coupon.Active:
		return nil, errs.Validation("coupon %s is not active", code)
	case coupon.StartsAt != nil && now.Before(*coupon.StartsAt):
		return nil, errs.Validation("coupon %s is not active yet", code)
	case coupon.ExpiresAt != nil && !now.Before(*coupon.ExpiresAt):
		return nil, errs.Validation("coupon %s has expired", code)
	}

	var subtotal, applicable int64
	weights := make([]int64, len(items))
	for i := range items {
		line := items[i].UnitPrice * int64(items[i].Quantity)
		subtotal += line
		if coupon.AppliesTo(&items[i]) {
			weights[i] = line
			applicable += line
		}
	}
	if applicable <= 0 {
		return nil, errs.Validation("coupon %s does not apply to any item", code)
	}
	if subtotal < coupon.MinOrderValue {
		return nil, errs.Validation("coupon %s requires a minimum order of %s", code, money.Format(coupon.MinOrderValue))
	}
	if coupon.MaxUses > 0 && coupon.UsesCount >= coupon.MaxUses {
		util.CouponReservationsTotal.WithLabelValues("exhausted").Inc()
		return nil, errs.CouponExhausted(code)
	}

	if coupon.MaxUsesPerUser > 0 {
		// The user row lock serializes concurrent checkouts of one user on the count below.
		if _, err := tx.LockUser(ctx, userID); err != nil {
			return nil, err
		}
		used, err := tx.CountLiveCouponUsages(ctx, coupon.ID, userID)
		if err != nil {
			return nil, err
		}
		if used >= coupon.MaxUsesPerUser {
			util.CouponReservationsTotal.WithLabelValues("per_user_limit").Inc()
			return nil, errs.Validation("coupon %s usage limit reached for this account", code)
		}
	}

	if err := s.ledger.ClaimCouponUse(ctx, tx, coupon); err != nil {
		return nil, err
	}

	discount := ComputeDiscount(coupon, applicable)
	usage := &models.CouponUsage{
		CouponID: coupon.ID,
		OrderID:  orderID,
		UserID:   userID,
		Discount: discount,
		Status:   models.CouponUsageActive,
	}
	if err := tx.CreateCouponUsage(ctx, usage); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return nil, errs.Conflict("order %d already holds a coupon", orderID)
		}
		return nil, fmt.Errorf("create coupon usage: %w", err)
	}

	util.CouponReservationsTotal.WithLabelValues("reserved").Inc()
	return &CouponReservation{
		Coupon:        coupon,
		Usage:         usage,
		Discount:      discount,
		ItemDiscounts: money.Split(discount, weights),
	}, nil
}

// ComputeDiscount applies the coupon to the applicable subtotal.
func ComputeDiscount(c *models.Coupon, applicable int64) int64 {
	if applicable <= 0 {
		return 0
	}
	var d int64
	switch c.DiscountType {
	case models.DiscountTypeFixed:
		d = money.Min(c.Value.Round(0).IntPart(), applicable)
	case models.DiscountTypePercentage:
		d = money.Percent(applicable, c.Value)
		if c.MaxDiscountAmount > 0 {
			d = money.Min(d, c.MaxDiscountAmount)
		}
	}
	return money.Min(money.NonNegative(d), applicable)
}

// Apply writes the reservation onto the order: per-line discounts, snapshot and totals.
func (s *CouponService) Apply(order *models.Order, r *CouponReservation) {
	order.Recalculate()
	for i := range order.Items {
		it := &order.Items[i]
		it.ItemDiscount = 0
		if i < len(r.ItemDiscounts) {
			it.ItemDiscount = r.ItemDiscounts[i]
		}
		it.PriceAfterDiscount = it.LineTotal - it.ItemDiscount
	}
	couponID := r.Coupon.ID
	order.CouponID = &couponID
	order.CouponCode = r.Coupon.Code
	order.Coupon = &models.CouponSnapshot{
		CouponID:      r.Coupon.ID,
		Code:          r.Coupon.Code,
		DiscountType:  r.Coupon.DiscountType,
		DiscountValue: r.Coupon.Value.String(),
		Discount:      r.Discount,
		UsageID:       r.Usage.ID,
	}
	order.DiscountAmount = r.Discount
	order.Recalculate()
}

// Clear removes any discount from the order.
func (s *CouponService) Clear(order *models.Order) {
	order.DiscountAmount = 0
	order.CouponID = nil
	order.CouponCode = ""
	order.Coupon = nil
	order.Recalculate()
	for i := range order.Items {
		order.Items[i].ItemDiscount = 0
		order.Items[i].PriceAfterDiscount = order.Items[i].LineTotal
	}
}

// Revert gives the order's usage slot back. It reports whether a slot was returned;
// repeated calls for the same order return false.
func (s *CouponService) Revert(ctx context.Context, tx store.Tx, orderID int64) (bool, error) {
	usage, err := tx.GetLiveCouponUsage(ctx, orderID)
	if err != nil {
		return false, err
	}
	if usage == nil {
		return false, nil
	}
	won, err := tx.SetCouponUsageStatus(ctx, usage.ID,
		[]models.CouponUsageStatus{models.CouponUsageActive, models.CouponUsageConsumed},
		models.CouponUsageReverted)
	if err != nil {
		return false, fmt.Errorf("revert coupon usage %d: %w", usage.ID, err)
	}
	if !won {
		return false, nil
	}
	ok, err := s.ledger.ReleaseCouponUse(ctx, tx, usage.CouponID)
	if err != nil {
		return false, err
	}
	if !ok {
		s.logger.Error("Coupon uses_count already zero on revert",
			zap.Int64("coupon_id", usage.CouponID),
			zap.Int64("order_id", orderID))
	}
	util.CouponReservationsTotal.WithLabelValues("reverted").Inc()
	return true, nil
}

// MarkConsumed settles the order's usage once the order is confirmed.
func (s *CouponService) MarkConsumed(ctx context.Context, tx store.Tx, orderID int64) error {
	usage, err := tx.GetLiveCouponUsage(ctx, orderID)
	if err != nil || usage == nil {
		return err
	}
	if usage.Status == models.CouponUsageConsumed {
		return nil
	}
	if _, err := tx.SetCouponUsageStatus(ctx, usage.ID,
		[]models.CouponUsageStatus{models.CouponUsageActive},
		models.CouponUsageConsumed); err != nil {
		return fmt.Errorf("consume coupon usage %d: %w", usage.ID, err)
	}
	return nil
}
