package service

import (
	"context"
	"fmt"

	"commerce-engine/internal/errs"
	"commerce-engine/internal/models"
	"commerce-engine/internal/store"
	"commerce-engine/internal/util"
)

// Ledger wraps the three conditional counters. A condition that does not hold is
// always surfaced as an InsufficientResource error; nothing reads then writes.
type Ledger struct{}

func (Ledger) DebitStock(ctx context.Context, repo store.VariantRepo, variantID int64, qty int) error {
	if qty <= 0 {
		return errs.Validation("quantity must be positive")
	}
	ok, err := repo.DecrementStock(ctx, variantID, qty)
	if err != nil {
		return fmt.Errorf("decrement stock of variant %d: %w", variantID, err)
	}
	if !ok {
		util.ReservationsFailed.WithLabelValues("insufficient_stock").Inc()
		return errs.InsufficientStock(variantID)
	}
	return nil
}

func (Ledger) CreditStock(ctx context.Context, repo store.VariantRepo, variantID int64, qty int) error {
	if qty <= 0 {
		return nil
	}
	if err := repo.IncrementStock(ctx, variantID, qty); err != nil {
		return fmt.Errorf("increment stock of variant %d: %w", variantID, err)
	}
	return nil
}

func (Ledger) ClaimCouponUse(ctx context.Context, repo store.CouponRepo, coupon *models.Coupon) error {
	ok, err := repo.IncrementCouponUses(ctx, coupon.ID)
	if err != nil {
		return fmt.Errorf("increment coupon %d uses: %w", coupon.ID, err)
	}
	if !ok {
		util.CouponReservationsTotal.WithLabelValues("exhausted").Inc()
		return errs.CouponExhausted(coupon.Code)
	}
	return nil
}

// ReleaseCouponUse reports false when uses_count was already zero.
func (Ledger) ReleaseCouponUse(ctx context.Context, repo store.CouponRepo, couponID int64) (bool, error) {
	ok, err := repo.DecrementCouponUses(ctx, couponID)
	if err != nil {
		return false, fmt.Errorf("decrement coupon %d uses: %w", couponID, err)
	}
	return ok, nil
}

// DebitWallet returns the balance after the debit.
func (Ledger) DebitWallet(ctx context.Context, repo store.WalletRepo, userID, amount int64) (int64, error) {
	if amount <= 0 {
		return 0, errs.Validation("wallet amount must be positive")
	}
	balance, ok, err := repo.DebitWallet(ctx, userID, amount)
	if err != nil {
		return 0, fmt.Errorf("debit wallet of user %d: %w", userID, err)
	}
	if !ok {
		return 0, errs.InsufficientWalletBalance()
	}
	return balance, nil
}

func (Ledger) CreditWallet(ctx context.Context, repo store.WalletRepo, userID, amount int64) (int64, error) {
	if amount <= 0 {
		return 0, errs.Validation("wallet amount must be positive")
	}
	balance, err := repo.CreditWallet(ctx, userID, amount)
	if err != nil {
		return 0, fmt.Errorf("credit wallet of user %d: %w", userID, err)
	}
	return balance, nil
}
