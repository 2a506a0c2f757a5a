package store

import (
	"context"
	"time"

	"commerce-engine/internal/models"
)

func (t *pgTx) GetUser(ctx context.Context, id int64) (*models.User, error) {
	var u models.User
	if err := t.get(ctx, &u, "user", id, "SELECT * FROM users WHERE id = $1", id); err != nil {
		return nil, err
	}
	return &u, nil
}

// LockUser serializes per-user work such as per-user coupon limits.
func (t *pgTx) LockUser(ctx context.Context, id int64) (*models.User, error) {
	var u models.User
	if err := t.get(ctx, &u, "user", id, "SELECT * FROM users WHERE id = $1 FOR UPDATE", id); err != nil {
		return nil, err
	}
	return &u, nil
}

func (t *pgTx) DebitWallet(ctx context.Context, userID, amount int64) (int64, bool, error) {
	rows, err := t.tx.QueryxContext(ctx, `
		UPDATE users SET wallet_balance = wallet_balance - $1, updated_at = NOW()
		WHERE id = $2 AND wallet_balance >= $1
		RETURNING wallet_balance`,
		amount, userID)
	if err != nil {
		return 0, false, err
	}
	defer rows.Close()

	if !rows.Next() {
		return 0, false, rows.Err()
	}
	var balance int64
	if err := rows.Scan(&balance); err != nil {
		return 0, false, err
	}
	return balance, true, nil
}

func (t *pgTx) CreditWallet(ctx context.Context, userID, amount int64) (int64, error) {
	var balance int64
	err := t.get(ctx, &balance, "user", userID, `
		UPDATE users SET wallet_balance = wallet_balance + $1, updated_at = NOW()
		WHERE id = $2
		RETURNING wallet_balance`,
		amount, userID)
	return balance, err
}

func (t *pgTx) CreateWalletTxn(ctx context.Context, txn *models.WalletTransaction) error {
	query := `
		INSERT INTO wallet_transactions (user_id, type, amount, status, source, ref_id, balance_after, hold_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, created_at, updated_at`

	return t.tx.QueryRowxContext(ctx, query,
		txn.UserID, txn.Type, txn.Amount, txn.Status, txn.Source, txn.RefID, txn.BalanceAfter, txn.HoldID).
		Scan(&txn.ID, &txn.CreatedAt, &txn.UpdatedAt)
}

func (t *pgTx) GetWalletTxn(ctx context.Context, id int64) (*models.WalletTransaction, error) {
	var txn models.WalletTransaction
	if err := t.get(ctx, &txn, "wallet transaction", id,
		"SELECT * FROM wallet_transactions WHERE id = $1 FOR UPDATE", id); err != nil {
		return nil, err
	}
	return &txn, nil
}

func (t *pgTx) SetWalletTxnStatus(ctx context.Context, id int64, from, to models.WalletTxnStatus) (bool, error) {
	return affected(t.tx.ExecContext(ctx,
		"UPDATE wallet_transactions SET status = $1, updated_at = NOW() WHERE id = $2 AND status = $3",
		to, id, from))
}

func (t *pgTx) ListWalletTxns(ctx context.Context, userID int64, limit, offset int) ([]models.WalletTransaction, error) {
	var txns []models.WalletTransaction
	err := t.tx.SelectContext(ctx, &txns,
		"SELECT * FROM wallet_transactions WHERE user_id = $1 ORDER BY id DESC LIMIT $2 OFFSET $3",
		userID, limit, offset)
	return txns, err
}

func (t *pgTx) ListStaleHolds(ctx context.Context, before time.Time, limit int) ([]models.WalletTransaction, error) {
	var txns []models.WalletTransaction
	err := t.tx.SelectContext(ctx, &txns, `
		SELECT * FROM wallet_transactions
		WHERE status = 'pending' AND type = 'debit' AND created_at < $1
		ORDER BY id
		LIMIT $2`,
		before, limit)
	return txns, err
}
