package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"commerce-engine/internal/models"
)

// ErrDuplicate is returned when an insert hits a uniqueness constraint
// (idempotency key, active payment session, live coupon usage).
var ErrDuplicate = errors.New("store: duplicate key")

// UnitOfWork opens atomic units. Every business operation runs all of its
// Order/Reservation/Coupon/Wallet/Session mutations inside one Tx.
type UnitOfWork interface {
	Begin(ctx context.Context) (Tx, error)
}

// Tx is one open unit of work. Lock* methods take row locks held until Commit/Rollback.
type Tx interface {
	Commit() error
	Rollback() error

	VariantRepo
	CartRepo
	CouponRepo
	WalletRepo
	OrderRepo
	PaymentRepo
	SessionRepo
	ReservationRepo
	ReturnRepo
	ExchangeRepo
	EventRepo
}

// VariantRepo holds the stock ledger primitives. Stock is only ever changed through them.
type VariantRepo interface {
	GetVariant(ctx context.Context, id int64) (*models.Variant, error)
	DecrementStock(ctx context.Context, variantID int64, qty int) (bool, error)
	IncrementStock(ctx context.Context, variantID int64, qty int) error
}

type CartRepo interface {
	GetCart(ctx context.Context, userID int64) ([]models.CartItem, error)
	ClearCart(ctx context.Context, userID int64) error
}

type CouponRepo interface {
	GetCouponByCode(ctx context.Context, code string) (*models.Coupon, error)
	GetCoupon(ctx context.Context, id int64) (*models.Coupon, error)
	// IncrementCouponUses succeeds only while uses_count < max_uses (max_uses = 0 is unlimited).
	IncrementCouponUses(ctx context.Context, couponID int64) (bool, error)
	// DecrementCouponUses succeeds only while uses_count > 0.
	DecrementCouponUses(ctx context.Context, couponID int64) (bool, error)
	CreateCouponUsage(ctx context.Context, usage *models.CouponUsage) error
	// GetLiveCouponUsage returns the active or consumed usage of an order, nil if none.
	GetLiveCouponUsage(ctx context.Context, orderID int64) (*models.CouponUsage, error)
	SetCouponUsageStatus(ctx context.Context, usageID int64, from []models.CouponUsageStatus, to models.CouponUsageStatus) (bool, error)
	CountLiveCouponUsages(ctx context.Context, couponID, userID int64) (int, error)
}

type WalletRepo interface {
	GetUser(ctx context.Context, id int64) (*models.User, error)
	LockUser(ctx context.Context, id int64) (*models.User, error)
	// DebitWallet succeeds only while balance >= amount and returns the new balance.
	DebitWallet(ctx context.Context, userID, amount int64) (int64, bool, error)
	CreditWallet(ctx context.Context, userID, amount int64) (int64, error)
	CreateWalletTxn(ctx context.Context, txn *models.WalletTransaction) error
	GetWalletTxn(ctx context.Context, id int64) (*models.WalletTransaction, error)
	SetWalletTxnStatus(ctx context.Context, id int64, from, to models.WalletTxnStatus) (bool, error)
	ListWalletTxns(ctx context.Context, userID int64, limit, offset int) ([]models.WalletTransaction, error)
	ListStaleHolds(ctx context.Context, before time.Time, limit int) ([]models.WalletTransaction, error)
}

type OrderRepo interface {
	CreateOrder(ctx context.Context, order *models.Order) error
	GetOrder(ctx context.Context, id int64) (*models.Order, error)
	LockOrder(ctx context.Context, id int64) (*models.Order, error)
	// GetOrderByIdempotencyKey returns nil when no order carries the key.
	GetOrderByIdempotencyKey(ctx context.Context, userID int64, key string) (*models.Order, error)
	UpdateOrder(ctx context.Context, order *models.Order) error
	UpdateOrderItem(ctx context.Context, item *models.OrderItem) error
	// AddReturnedQuantity succeeds only while returned_quantity + qty stays within [0, quantity].
	AddReturnedQuantity(ctx context.Context, itemID int64, qty int) (bool, error)
	ListStalePendingOrders(ctx context.Context, before time.Time, limit int) ([]int64, error)
}

type PaymentRepo interface {
	CreatePayment(ctx context.Context, payment *models.Payment) error
	GetPayment(ctx context.Context, id int64) (*models.Payment, error)
	ListPaymentsByOrder(ctx context.Context, orderID int64) ([]models.Payment, error)
	UpdatePayment(ctx context.Context, payment *models.Payment) error
}

type SessionRepo interface {
	// CreateSession returns ErrDuplicate if the order already has an active session.
	CreateSession(ctx context.Context, session *models.PaymentSession) error
	GetSession(ctx context.Context, sessionID string) (*models.PaymentSession, error)
	GetSessionByGatewayOrderID(ctx context.Context, gatewayOrderID string) (*models.PaymentSession, error)
	// GetActiveSession returns nil when the order has no active session.
	GetActiveSession(ctx context.Context, orderID int64) (*models.PaymentSession, error)
	GetLatestSession(ctx context.Context, orderID int64) (*models.PaymentSession, error)
	UpdateSession(ctx context.Context, session *models.PaymentSession) error
}

type ReservationRepo interface {
	CreateReservation(ctx context.Context, r *models.StockReservation) error
	GetReservation(ctx context.Context, id int64) (*models.StockReservation, error)
	// GetActiveReservation returns nil when the order has no active reservation.
	GetActiveReservation(ctx context.Context, orderID int64) (*models.StockReservation, error)
	// TransitionReservation is a compare-and-set on status; it reports whether this caller won.
	TransitionReservation(ctx context.Context, id int64, from, to models.ReservationStatus, paymentID *int64) (bool, error)
	ListExpiredReservations(ctx context.Context, now time.Time, limit int) ([]models.StockReservation, error)
}

type ReturnRepo interface {
	CreateReturn(ctx context.Context, r *models.ReturnRequest) error
	LockReturn(ctx context.Context, id int64) (*models.ReturnRequest, error)
	ListReturnsByOrder(ctx context.Context, orderID int64) ([]models.ReturnRequest, error)
	UpdateReturn(ctx context.Context, r *models.ReturnRequest) error
}

type ExchangeRepo interface {
	CreateExchange(ctx context.Context, e *models.ExchangeRequest) error
	LockExchange(ctx context.Context, id int64) (*models.ExchangeRequest, error)
	GetExchangeByHold(ctx context.Context, holdTxnID int64) (*models.ExchangeRequest, error)
	UpdateExchange(ctx context.Context, e *models.ExchangeRequest) error
}

type EventRepo interface {
	IsEventProcessed(ctx context.Context, eventID string) (bool, error)
	MarkEventProcessed(ctx context.Context, eventID, eventType string) error
}

// RunInTx commits when fn returns nil and rolls back on error or panic.
func RunInTx(ctx context.Context, uow UnitOfWork, fn func(tx Tx) error) (err error) {
	tx, err := uow.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err = fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("%w (rollback failed: %v)", err, rbErr)
		}
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}
