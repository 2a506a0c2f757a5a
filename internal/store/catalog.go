package store

import (
	"context"
	"database/sql"
	"errors"

	"commerce-engine/internal/models"

	"github.com/lib/pq"
)

// GetVariant retrieves a variant by ID
func (t *pgTx) GetVariant(ctx context.Context, id int64) (*models.Variant, error) {
	var v models.Variant
	if err := t.get(ctx, &v, "variant", id, "SELECT * FROM variants WHERE id = $1", id); err != nil {
		return nil, err
	}
	return &v, nil
}

// DecrementStock is the only path that takes stock away.
func (t *pgTx) DecrementStock(ctx context.Context, variantID int64, qty int) (bool, error) {
	return affected(t.tx.ExecContext(ctx,
		"UPDATE variants SET stock = stock - $1, updated_at = NOW() WHERE id = $2 AND stock >= $1",
		qty, variantID))
}

func (t *pgTx) IncrementStock(ctx context.Context, variantID int64, qty int) error {
	_, err := t.tx.ExecContext(ctx,
		"UPDATE variants SET stock = stock + $1, updated_at = NOW() WHERE id = $2",
		qty, variantID)
	return err
}

func (t *pgTx) GetCart(ctx context.Context, userID int64) ([]models.CartItem, error) {
	var items []models.CartItem
	err := t.tx.SelectContext(ctx, &items,
		"SELECT * FROM cart_items WHERE user_id = $1 ORDER BY variant_id", userID)
	return items, err
}

func (t *pgTx) ClearCart(ctx context.Context, userID int64) error {
	_, err := t.tx.ExecContext(ctx, "DELETE FROM cart_items WHERE user_id = $1", userID)
	return err
}

// GetCouponByCode retrieves a coupon by its code
func (t *pgTx) GetCouponByCode(ctx context.Context, code string) (*models.Coupon, error) {
	var c models.Coupon
	if err := t.get(ctx, &c, "coupon", code, "SELECT * FROM coupons WHERE code = $1", code); err != nil {
		return nil, err
	}
	return &c, nil
}

func (t *pgTx) GetCoupon(ctx context.Context, id int64) (*models.Coupon, error) {
	var c models.Coupon
	if err := t.get(ctx, &c, "coupon", id, "SELECT * FROM coupons WHERE id = $1", id); err != nil {
		return nil, err
	}
	return &c, nil
}

func (t *pgTx) IncrementCouponUses(ctx context.Context, couponID int64) (bool, error) {
	return affected(t.tx.ExecContext(ctx,
		"UPDATE coupons SET uses_count = uses_count + 1 WHERE id = $1 AND (max_uses = 0 OR uses_count < max_uses)",
		couponID))
}

func (t *pgTx) DecrementCouponUses(ctx context.Context, couponID int64) (bool, error) {
	return affected(t.tx.ExecContext(ctx,
		"UPDATE coupons SET uses_count = uses_count - 1 WHERE id = $1 AND uses_count > 0",
		couponID))
}

func (t *pgTx) CreateCouponUsage(ctx context.Context, usage *models.CouponUsage) error {
	query := `
		INSERT INTO coupon_usages (coupon_id, order_id, user_id, discount, status)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at, updated_at`

	err := t.tx.QueryRowxContext(ctx, query,
		usage.CouponID, usage.OrderID, usage.UserID, usage.Discount, usage.Status).
		Scan(&usage.ID, &usage.CreatedAt, &usage.UpdatedAt)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

func (t *pgTx) GetLiveCouponUsage(ctx context.Context, orderID int64) (*models.CouponUsage, error) {
	var u models.CouponUsage
	err := t.tx.GetContext(ctx, &u,
		"SELECT * FROM coupon_usages WHERE order_id = $1 AND status IN ('active', 'consumed') FOR UPDATE",
		orderID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (t *pgTx) SetCouponUsageStatus(ctx context.Context, usageID int64, from []models.CouponUsageStatus, to models.CouponUsageStatus) (bool, error) {
	fromStr := make([]string, len(from))
	for i, s := range from {
		fromStr[i] = string(s)
	}
	return affected(t.tx.ExecContext(ctx,
		"UPDATE coupon_usages SET status = $1, updated_at = NOW() WHERE id = $2 AND status = ANY($3)",
		to, usageID, pq.Array(fromStr)))
}

func (t *pgTx) CountLiveCouponUsages(ctx context.Context, couponID, userID int64) (int, error) {
	var n int
	err := t.tx.GetContext(ctx, &n,
		"SELECT COUNT(*) FROM coupon_usages WHERE coupon_id = $1 AND user_id = $2 AND status IN ('active', 'consumed')",
		couponID, userID)
	return n, err
}
