package service

import (
	"context"
	"fmt"

	"commerce-engine/internal/cache"
	"commerce-engine/internal/errs"
	"commerce-engine/internal/models"
	"commerce-engine/internal/store"
	"commerce-engine/internal/util"

	"go.uber.org/zap"
)

// Wallet transaction sources.
const (
	SourceOrderPayment      = "order_payment"
	SourcePaymentReversal   = "payment_reversal"
	SourceRefund            = "refund"
	SourceRefundFallback    = "refund_fallback"
	SourceLatePaymentRefund = "late_payment_refund"
	SourceExchangeCredit    = "exchange_credit"
	SourceExchangeHold      = "exchange_differential"
	SourceHoldRelease       = "hold_release"
)

// WalletService moves wallet funds. Every balance change writes exactly one ledger row
// in the same unit of work as the balance update.
type WalletService struct {
	uow    store.UnitOfWork
	ledger *Ledger
	cache  cache.Invalidator
	logger *zap.Logger
}

func NewWalletService(uow store.UnitOfWork, ledger *Ledger, invalidator cache.Invalidator) *WalletService {
	if invalidator == nil {
		invalidator = cache.Nop{}
	}
	return &WalletService{uow: uow, ledger: ledger, cache: invalidator, logger: util.Named("wallet")}
}

func (s *WalletService) record(ctx context.Context, tx store.Tx, txn *models.WalletTransaction) (*models.WalletTransaction, error) {
	if err := tx.CreateWalletTxn(ctx, txn); err != nil {
		return nil, fmt.Errorf("create wallet transaction: %w", err)
	}
	util.WalletMovementsTotal.WithLabelValues(string(txn.Type), string(txn.Status)).Inc()
	return txn, nil
}

// Hold takes funds now and leaves the ledger row pending until Finalize or Release.
func (s *WalletService) Hold(ctx context.Context, tx store.Tx, userID, amount int64, refID, source string) (*models.WalletTransaction, error) {
	balance, err := s.ledger.DebitWallet(ctx, tx, userID, amount)
	if err != nil {
		return nil, err
	}
	return s.record(ctx, tx, &models.WalletTransaction{
		UserID:       userID,
		Type:         models.WalletTxnDebit,
		Amount:       amount,
		Status:       models.WalletTxnPending,
		Source:       source,
		RefID:        refID,
		BalanceAfter: balance,
	})
}

// Finalize settles a hold. Finalizing a settled hold is a no-op; a released hold cannot be settled.
func (s *WalletService) Finalize(ctx context.Context, tx store.Tx, holdID int64) error {
	ok, err := tx.SetWalletTxnStatus(ctx, holdID, models.WalletTxnPending, models.WalletTxnAvailable)
	if err != nil {
		return fmt.Errorf("finalize hold %d: %w", holdID, err)
	}
	if ok {
		util.WalletMovementsTotal.WithLabelValues(string(models.WalletTxnDebit), string(models.WalletTxnAvailable)).Inc()
		return nil
	}
	hold, err := tx.GetWalletTxn(ctx, holdID)
	if err != nil {
		return err
	}
	if hold.Status == models.WalletTxnAvailable {
		return nil
	}
	return errs.Conflict("wallet hold %d is %s", holdID, hold.Status)
}

// Release cancels a hold and credits its amount back. It reports whether this call released it.
func (s *WalletService) Release(ctx context.Context, tx store.Tx, holdID int64) (bool, error) {
	hold, err := tx.GetWalletTxn(ctx, holdID)
	if err != nil {
		return false, err
	}
	if hold.Type != models.WalletTxnDebit {
		return false, errs.Validation("wallet transaction %d is not a hold", holdID)
	}
	ok, err := tx.SetWalletTxnStatus(ctx, holdID, models.WalletTxnPending, models.WalletTxnRejected)
	if err != nil {
		return false, fmt.Errorf("release hold %d: %w", holdID, err)
	}
	if !ok {
		if hold.Status == models.WalletTxnAvailable {
			return false, errs.Conflict("wallet hold %d is already settled", holdID)
		}
		return false, nil
	}

	balance, err := s.ledger.CreditWallet(ctx, tx, hold.UserID, hold.Amount)
	if err != nil {
		return false, err
	}
	if _, err := s.record(ctx, tx, &models.WalletTransaction{
		UserID:       hold.UserID,
		Type:         models.WalletTxnCredit,
		Amount:       hold.Amount,
		Status:       models.WalletTxnAvailable,
		Source:       SourceHoldRelease,
		RefID:        hold.RefID,
		BalanceAfter: balance,
		HoldID:       &holdID,
	}); err != nil {
		return false, err
	}
	return true, nil
}

func (s *WalletService) Debit(ctx context.Context, tx store.Tx, userID, amount int64, refID, source string) (*models.WalletTransaction, error) {
	balance, err := s.ledger.DebitWallet(ctx, tx, userID, amount)
	if err != nil {
		return nil, err
	}
	return s.record(ctx, tx, &models.WalletTransaction{
		UserID:       userID,
		Type:         models.WalletTxnDebit,
		Amount:       amount,
		Status:       models.WalletTxnAvailable,
		Source:       source,
		RefID:        refID,
		BalanceAfter: balance,
	})
}

func (s *WalletService) Credit(ctx context.Context, tx store.Tx, userID, amount int64, refID, source string) (*models.WalletTransaction, error) {
	balance, err := s.ledger.CreditWallet(ctx, tx, userID, amount)
	if err != nil {
		return nil, err
	}
	return s.record(ctx, tx, &models.WalletTransaction{
		UserID:       userID,
		Type:         models.WalletTxnCredit,
		Amount:       amount,
		Status:       models.WalletTxnAvailable,
		Source:       source,
		RefID:        refID,
		BalanceAfter: balance,
	})
}

func (s *WalletService) Balance(ctx context.Context, userID int64) (int64, error) {
	ctx, span := util.StartSpan(ctx, "WalletService.Balance")
	defer span.End()

	var balance int64
	err := store.RunInTx(ctx, s.uow, func(tx store.Tx) error {
		u, err := tx.GetUser(ctx, userID)
		if err != nil {
			return err
		}
		balance = u.WalletBalance
		return nil
	})
	return balance, err
}

func (s *WalletService) Transactions(ctx context.Context, userID int64, limit, offset int) ([]models.WalletTransaction, error) {
	ctx, span := util.StartSpan(ctx, "WalletService.Transactions")
	defer span.End()

	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	var txns []models.WalletTransaction
	err := store.RunInTx(ctx, s.uow, func(tx store.Tx) error {
		var err error
		txns, err = tx.ListWalletTxns(ctx, userID, limit, offset)
		return err
	})
	return txns, err
}

// Invalidate drops cached wallet views after a committed movement.
func (s *WalletService) Invalidate(ctx context.Context, userID int64) {
	s.cache.Invalidate(ctx, cache.WalletKey(userID))
}
