package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"commerce-engine/internal/models"
)

// CreateOrder inserts the order and its items. A reused idempotency key yields ErrDuplicate.
func (t *pgTx) CreateOrder(ctx context.Context, order *models.Order) error {
	query := `
		INSERT INTO orders (order_no, user_id, subtotal, discount_amount, total, coupon_id, coupon_code,
			coupon_snapshot, status, payment_method, use_wallet, wallet_amount, payments, shipping_address,
			idempotency_key, from_cart, meta)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		RETURNING id, created_at, updated_at`

	err := t.tx.QueryRowxContext(ctx, query,
		order.OrderNo, order.UserID, order.Subtotal, order.DiscountAmount, order.Total, order.CouponID,
		order.CouponCode, order.Coupon, order.Status, order.PaymentMethod, order.UseWallet, order.WalletAmount,
		order.Payments, order.ShippingAddress, order.IdempotencyKey, order.FromCart, order.Meta).
		Scan(&order.ID, &order.CreatedAt, &order.UpdatedAt)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	if err != nil {
		return err
	}

	for i := range order.Items {
		item := &order.Items[i]
		item.OrderID = order.ID
		err := t.tx.GetContext(ctx, &item.ID, `
			INSERT INTO order_items (order_id, product_id, variant_id, category_id, quantity, unit_price,
				line_total, item_discount, price_after_discount, returned_quantity)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			RETURNING id`,
			item.OrderID, item.ProductID, item.VariantID, item.CategoryID, item.Quantity, item.UnitPrice,
			item.LineTotal, item.ItemDiscount, item.PriceAfterDiscount, item.ReturnedQuantity)
		if err != nil {
			return err
		}
	}
	return nil
}

// GetOrder retrieves an order with its items
func (t *pgTx) GetOrder(ctx context.Context, id int64) (*models.Order, error) {
	return t.loadOrder(ctx, id, "SELECT * FROM orders WHERE id = $1")
}

// LockOrder retrieves an order and holds its row lock until the transaction ends.
func (t *pgTx) LockOrder(ctx context.Context, id int64) (*models.Order, error) {
	return t.loadOrder(ctx, id, "SELECT * FROM orders WHERE id = $1 FOR UPDATE")
}

func (t *pgTx) loadOrder(ctx context.Context, id int64, query string) (*models.Order, error) {
	var order models.Order
	if err := t.get(ctx, &order, "order", id, query, id); err != nil {
		return nil, err
	}
	if err := t.tx.SelectContext(ctx, &order.Items,
		"SELECT * FROM order_items WHERE order_id = $1 ORDER BY id", id); err != nil {
		return nil, err
	}
	return &order, nil
}

func (t *pgTx) GetOrderByIdempotencyKey(ctx context.Context, userID int64, key string) (*models.Order, error) {
	var id int64
	err := t.tx.GetContext(ctx, &id,
		"SELECT id FROM orders WHERE user_id = $1 AND idempotency_key = $2", userID, key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return t.GetOrder(ctx, id)
}

func (t *pgTx) UpdateOrder(ctx context.Context, order *models.Order) error {
	query := `
		UPDATE orders SET subtotal = $1, discount_amount = $2, total = $3, coupon_id = $4, coupon_snapshot = $5,
			status = $6, payment_method = $7, use_wallet = $8, wallet_amount = $9, payments = $10, meta = $11,
			updated_at = NOW()
		WHERE id = $12
		RETURNING updated_at`

	return t.tx.GetContext(ctx, &order.UpdatedAt, query,
		order.Subtotal, order.DiscountAmount, order.Total, order.CouponID, order.Coupon,
		order.Status, order.PaymentMethod, order.UseWallet, order.WalletAmount, order.Payments, order.Meta,
		order.ID)
}

func (t *pgTx) UpdateOrderItem(ctx context.Context, item *models.OrderItem) error {
	_, err := t.tx.ExecContext(ctx, `
		UPDATE order_items SET product_id = $1, category_id = $2, unit_price = $3, line_total = $4,
			item_discount = $5, price_after_discount = $6
		WHERE id = $7`,
		item.ProductID, item.CategoryID, item.UnitPrice, item.LineTotal, item.ItemDiscount,
		item.PriceAfterDiscount, item.ID)
	return err
}

func (t *pgTx) AddReturnedQuantity(ctx context.Context, itemID int64, qty int) (bool, error) {
	return affected(t.tx.ExecContext(ctx, `
		UPDATE order_items SET returned_quantity = returned_quantity + $1
		WHERE id = $2 AND returned_quantity + $1 BETWEEN 0 AND quantity`,
		qty, itemID))
}

// ListStalePendingOrders finds pending orders past the timeout that no active session is paying for.
func (t *pgTx) ListStalePendingOrders(ctx context.Context, before time.Time, limit int) ([]int64, error) {
	var ids []int64
	err := t.tx.SelectContext(ctx, &ids, `
		SELECT o.id FROM orders o
		WHERE o.status = 'pending' AND o.created_at < $1
		  AND NOT EXISTS (SELECT 1 FROM payment_sessions s WHERE s.order_id = o.id AND s.status = 'active')
		ORDER BY o.id
		LIMIT $2`,
		before, limit)
	return ids, err
}

// CreatePayment creates a new payment record
func (t *pgTx) CreatePayment(ctx context.Context, p *models.Payment) error {
	query := `
		INSERT INTO payments (order_id, user_id, method, amount, refunded_amount, gateway_order_id,
			gateway_payment_id, status, idempotency_key, session_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id, created_at, updated_at`

	return t.tx.QueryRowxContext(ctx, query,
		p.OrderID, p.UserID, p.Method, p.Amount, p.RefundedAmount, p.GatewayOrderID,
		p.GatewayPaymentID, p.Status, p.IdempotencyKey, p.SessionID).
		Scan(&p.ID, &p.CreatedAt, &p.UpdatedAt)
}

func (t *pgTx) GetPayment(ctx context.Context, id int64) (*models.Payment, error) {
	var p models.Payment
	if err := t.get(ctx, &p, "payment", id, "SELECT * FROM payments WHERE id = $1", id); err != nil {
		return nil, err
	}
	return &p, nil
}

func (t *pgTx) ListPaymentsByOrder(ctx context.Context, orderID int64) ([]models.Payment, error) {
	var payments []models.Payment
	err := t.tx.SelectContext(ctx, &payments,
		"SELECT * FROM payments WHERE order_id = $1 ORDER BY id", orderID)
	return payments, err
}

func (t *pgTx) UpdatePayment(ctx context.Context, p *models.Payment) error {
	return t.tx.GetContext(ctx, &p.UpdatedAt, `
		UPDATE payments SET status = $1, refunded_amount = $2, gateway_order_id = $3, gateway_payment_id = $4,
			updated_at = NOW()
		WHERE id = $5
		RETURNING updated_at`,
		p.Status, p.RefundedAmount, p.GatewayOrderID, p.GatewayPaymentID, p.ID)
}

func (t *pgTx) CreateSession(ctx context.Context, s *models.PaymentSession) error {
	query := `
		INSERT INTO payment_sessions (session_id, user_id, order_id, wallet_amount, gateway_amount,
			payment_method, gateway_order_id, payment_id, status, retry_count, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id, created_at, updated_at`

	err := t.tx.QueryRowxContext(ctx, query,
		s.SessionID, s.UserID, s.OrderID, s.WalletAmount, s.GatewayAmount, s.PaymentMethod,
		s.GatewayOrderID, s.PaymentID, s.Status, s.RetryCount, s.ExpiresAt).
		Scan(&s.ID, &s.CreatedAt, &s.UpdatedAt)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

func (t *pgTx) GetSession(ctx context.Context, sessionID string) (*models.PaymentSession, error) {
	var s models.PaymentSession
	if err := t.get(ctx, &s, "payment session", sessionID,
		"SELECT * FROM payment_sessions WHERE session_id = $1", sessionID); err != nil {
		return nil, err
	}
	return &s, nil
}

func (t *pgTx) GetSessionByGatewayOrderID(ctx context.Context, gatewayOrderID string) (*models.PaymentSession, error) {
	var s models.PaymentSession
	if err := t.get(ctx, &s, "payment session", gatewayOrderID,
		"SELECT * FROM payment_sessions WHERE gateway_order_id = $1 ORDER BY id DESC LIMIT 1", gatewayOrderID); err != nil {
		return nil, err
	}
	return &s, nil
}

func (t *pgTx) GetActiveSession(ctx context.Context, orderID int64) (*models.PaymentSession, error) {
	return t.optionalSession(ctx,
		"SELECT * FROM payment_sessions WHERE order_id = $1 AND status = 'active'", orderID)
}

func (t *pgTx) GetLatestSession(ctx context.Context, orderID int64) (*models.PaymentSession, error) {
	return t.optionalSession(ctx,
		"SELECT * FROM payment_sessions WHERE order_id = $1 ORDER BY id DESC LIMIT 1", orderID)
}

func (t *pgTx) optionalSession(ctx context.Context, query string, args ...interface{}) (*models.PaymentSession, error) {
	var s models.PaymentSession
	err := t.tx.GetContext(ctx, &s, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (t *pgTx) UpdateSession(ctx context.Context, s *models.PaymentSession) error {
	return t.tx.GetContext(ctx, &s.UpdatedAt, `
		UPDATE payment_sessions SET wallet_amount = $1, gateway_amount = $2, payment_method = $3,
			gateway_order_id = $4, payment_id = $5, status = $6, retry_count = $7, expires_at = $8,
			updated_at = NOW()
		WHERE id = $9
		RETURNING updated_at`,
		s.WalletAmount, s.GatewayAmount, s.PaymentMethod, s.GatewayOrderID, s.PaymentID, s.Status,
		s.RetryCount, s.ExpiresAt, s.ID)
}
