package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"commerce-engine/internal/models"
)

func (t *pgTx) CreateReservation(ctx context.Context, r *models.StockReservation) error {
	query := `
		INSERT INTO stock_reservations (order_id, exchange_id, items, status, reserved_until, payment_id)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at, updated_at`

	return t.tx.QueryRowxContext(ctx, query,
		r.OrderID, r.ExchangeID, r.Items, r.Status, r.ReservedUntil, r.PaymentID).
		Scan(&r.ID, &r.CreatedAt, &r.UpdatedAt)
}

func (t *pgTx) GetReservation(ctx context.Context, id int64) (*models.StockReservation, error) {
	var r models.StockReservation
	if err := t.get(ctx, &r, "reservation", id, "SELECT * FROM stock_reservations WHERE id = $1", id); err != nil {
		return nil, err
	}
	return &r, nil
}

func (t *pgTx) GetActiveReservation(ctx context.Context, orderID int64) (*models.StockReservation, error) {
	var r models.StockReservation
	err := t.tx.GetContext(ctx, &r,
		"SELECT * FROM stock_reservations WHERE order_id = $1 AND status = 'active' ORDER BY id DESC LIMIT 1",
		orderID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// TransitionReservation moves a reservation out of `from` exactly once. Concurrent callers
// (sweep vs. late webhook) block on the row and the loser sees zero rows affected.
func (t *pgTx) TransitionReservation(ctx context.Context, id int64, from, to models.ReservationStatus, paymentID *int64) (bool, error) {
	return affected(t.tx.ExecContext(ctx, `
		UPDATE stock_reservations SET status = $1, payment_id = COALESCE($2, payment_id), updated_at = NOW()
		WHERE id = $3 AND status = $4`,
		to, paymentID, id, from))
}

func (t *pgTx) ListExpiredReservations(ctx context.Context, now time.Time, limit int) ([]models.StockReservation, error) {
	var rs []models.StockReservation
	err := t.tx.SelectContext(ctx, &rs, `
		SELECT * FROM stock_reservations
		WHERE status = 'active' AND reserved_until < $1
		ORDER BY reserved_until
		LIMIT $2`,
		now, limit)
	return rs, err
}
