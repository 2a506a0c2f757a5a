package store

import (
	"context"

	"commerce-engine/internal/models"
)

func (t *pgTx) CreateReturn(ctx context.Context, r *models.ReturnRequest) error {
	query := `
		INSERT INTO return_requests (order_id, order_item_id, user_id, quantity, reason, status, refund,
			pickup_id, history)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id, created_at, updated_at`

	return t.tx.QueryRowxContext(ctx, query,
		r.OrderID, r.OrderItemID, r.UserID, r.Quantity, r.Reason, r.Status, r.Refund, r.PickupID, r.History).
		Scan(&r.ID, &r.CreatedAt, &r.UpdatedAt)
}

func (t *pgTx) LockReturn(ctx context.Context, id int64) (*models.ReturnRequest, error) {
	var r models.ReturnRequest
	if err := t.get(ctx, &r, "return request", id,
		"SELECT * FROM return_requests WHERE id = $1 FOR UPDATE", id); err != nil {
		return nil, err
	}
	return &r, nil
}

func (t *pgTx) ListReturnsByOrder(ctx context.Context, orderID int64) ([]models.ReturnRequest, error) {
	var rs []models.ReturnRequest
	err := t.tx.SelectContext(ctx, &rs,
		"SELECT * FROM return_requests WHERE order_id = $1 ORDER BY id", orderID)
	return rs, err
}

func (t *pgTx) UpdateReturn(ctx context.Context, r *models.ReturnRequest) error {
	return t.tx.GetContext(ctx, &r.UpdatedAt, `
		UPDATE return_requests SET status = $1, refund = $2, pickup_id = $3, history = $4, updated_at = NOW()
		WHERE id = $5
		RETURNING updated_at`,
		r.Status, r.Refund, r.PickupID, r.History, r.ID)
}

func (t *pgTx) CreateExchange(ctx context.Context, e *models.ExchangeRequest) error {
	query := `
		INSERT INTO exchange_requests (order_id, order_item_id, user_id, quantity, replacement_variant_id,
			selection_type, original_price, replacement_price, estimated_credit, status, reason,
			reservation_id, wallet_hold_id, wallet_hold_amount, pickup_id, history)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		RETURNING id, created_at, updated_at`

	return t.tx.QueryRowxContext(ctx, query,
		e.OrderID, e.OrderItemID, e.UserID, e.Quantity, e.ReplacementVariantID, e.SelectionType,
		e.OriginalPrice, e.ReplacementPrice, e.EstimatedCredit, e.Status, e.Reason, e.ReservationID,
		e.WalletHoldID, e.WalletHoldAmount, e.PickupID, e.History).
		Scan(&e.ID, &e.CreatedAt, &e.UpdatedAt)
}

func (t *pgTx) LockExchange(ctx context.Context, id int64) (*models.ExchangeRequest, error) {
	var e models.ExchangeRequest
	if err := t.get(ctx, &e, "exchange request", id,
		"SELECT * FROM exchange_requests WHERE id = $1 FOR UPDATE", id); err != nil {
		return nil, err
	}
	return &e, nil
}

func (t *pgTx) GetExchangeByHold(ctx context.Context, holdTxnID int64) (*models.ExchangeRequest, error) {
	var e models.ExchangeRequest
	if err := t.get(ctx, &e, "exchange request", holdTxnID,
		"SELECT * FROM exchange_requests WHERE wallet_hold_id = $1 FOR UPDATE", holdTxnID); err != nil {
		return nil, err
	}
	return &e, nil
}

func (t *pgTx) UpdateExchange(ctx context.Context, e *models.ExchangeRequest) error {
	return t.tx.GetContext(ctx, &e.UpdatedAt, `
		UPDATE exchange_requests SET status = $1, replacement_price = $2, estimated_credit = $3,
			reservation_id = $4, wallet_hold_id = $5, wallet_hold_amount = $6, credit_txn_id = $7,
			new_order_id = $8, pickup_id = $9, history = $10, updated_at = NOW()
		WHERE id = $11
		RETURNING updated_at`,
		e.Status, e.ReplacementPrice, e.EstimatedCredit, e.ReservationID, e.WalletHoldID, e.WalletHoldAmount,
		e.CreditTxnID, e.NewOrderID, e.PickupID, e.History, e.ID)
}
