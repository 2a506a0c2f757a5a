package service

import (
	"context"

	"commerce-engine/internal/errs"
	"commerce-engine/internal/models"
	"commerce-engine/internal/store"
	"commerce-engine/internal/util"

	"go.uber.org/zap"
)

// Sweeper reclaims stock, orders and wallet holds whose time ran out. Each item is handled in
// its own transaction so one bad row does not stall the batch.
type Sweeper struct {
	*Components
	saga   *SagaOrchestrator
	logger *zap.Logger
}

func NewSweeper(c *Components, saga *SagaOrchestrator) *Sweeper {
	return &Sweeper{Components: c, saga: saga, logger: util.Named("sweeper")}
}

// SweepResult counts what one pass reclaimed.
type SweepResult struct {
	Reservations int `json:"reservations"`
	Orders       int `json:"orders"`
	WalletHolds  int `json:"wallet_holds"`
}

// RunOnce runs every sweep once. Errors are logged per sweep.
func (s *Sweeper) RunOnce(ctx context.Context) SweepResult {
	var res SweepResult
	var err error
	if res.Reservations, err = s.SweepExpiredReservations(ctx); err != nil {
		s.logger.Error("Reservation sweep failed", zap.Error(err))
	}
	if res.Orders, err = s.SweepStalePendingOrders(ctx); err != nil {
		s.logger.Error("Pending order sweep failed", zap.Error(err))
	}
	if res.WalletHolds, err = s.ExpireWalletHolds(ctx); err != nil {
		s.logger.Error("Wallet hold sweep failed", zap.Error(err))
	}
	if res != (SweepResult{}) {
		s.logger.Info("Sweep finished",
			zap.Int("reservations", res.Reservations),
			zap.Int("orders", res.Orders),
			zap.Int("wallet_holds", res.WalletHolds))
	}
	return res
}

// SweepExpiredReservations releases reservations past their deadline.
func (s *Sweeper) SweepExpiredReservations(ctx context.Context) (n int, err error) {
	ctx, span := util.StartSpan(ctx, "Sweeper.SweepExpiredReservations")
	defer func() { util.EndSpan(span, err) }()

	var expired []models.StockReservation
	err = store.RunInTx(ctx, s.UoW, func(tx store.Tx) error {
		expired, err = tx.ListExpiredReservations(ctx, s.now(), s.Options.SweepBatch)
		return err
	})
	if err != nil {
		return 0, err
	}
	for _, r := range expired {
		released, err := s.saga.ExpireReservation(ctx, r.ID)
		if err != nil {
			s.logger.Error("Failed to expire reservation", zap.Int64("reservation_id", r.ID), zap.Error(err))
			continue
		}
		if released {
			n++
		}
	}
	util.SweepReleasedTotal.WithLabelValues("reservations").Add(float64(n))
	return n, nil
}

// SweepStalePendingOrders fails pending orders nobody is paying for anymore.
func (s *Sweeper) SweepStalePendingOrders(ctx context.Context) (n int, err error) {
	ctx, span := util.StartSpan(ctx, "Sweeper.SweepStalePendingOrders")
	defer func() { util.EndSpan(span, err) }()

	var ids []int64
	cutoff := s.now().Add(-s.Options.OrderReservationTTL)
	err = store.RunInTx(ctx, s.UoW, func(tx store.Tx) error {
		ids, err = tx.ListStalePendingOrders(ctx, cutoff, s.Options.SweepBatch)
		return err
	})
	if err != nil {
		return 0, err
	}
	for _, id := range ids {
		order, err := s.saga.FailOrder(ctx, id, ReasonOrderTimeout)
		if err != nil {
			s.logger.Error("Failed to time out order", zap.Int64("order_id", id), zap.Error(err))
			continue
		}
		if order.Status == models.OrderStatusFailed {
			n++
		}
	}
	util.SweepReleasedTotal.WithLabelValues("orders").Add(float64(n))
	return n, nil
}

// ExpireWalletHolds returns funds held longer than the hold TTL and detaches them from their exchange.
func (s *Sweeper) ExpireWalletHolds(ctx context.Context) (n int, err error) {
	ctx, span := util.StartSpan(ctx, "Sweeper.ExpireWalletHolds")
	defer func() { util.EndSpan(span, err) }()

	var holds []models.WalletTransaction
	cutoff := s.now().Add(-s.Options.WalletHoldTTL)
	err = store.RunInTx(ctx, s.UoW, func(tx store.Tx) error {
		holds, err = tx.ListStaleHolds(ctx, cutoff, s.Options.SweepBatch)
		return err
	})
	if err != nil {
		return 0, err
	}

	for _, hold := range holds {
		released, err := s.expireHold(ctx, hold.ID)
		if err != nil {
			s.logger.Error("Failed to release wallet hold", zap.Int64("hold_id", hold.ID), zap.Error(err))
			continue
		}
		if released {
			n++
			s.Wallet.Invalidate(ctx, hold.UserID)
		}
	}
	util.SweepReleasedTotal.WithLabelValues("wallet_holds").Add(float64(n))
	return n, nil
}

func (s *Sweeper) expireHold(ctx context.Context, holdID int64) (released bool, err error) {
	err = store.RunInTx(ctx, s.UoW, func(tx store.Tx) error {
		ex, err := tx.GetExchangeByHold(ctx, holdID)
		if err != nil && errs.KindOf(err) != errs.KindNotFound {
			return err
		}
		if ex != nil {
			// exchange first so the lock order matches the exchange workflow
			if ex, err = tx.LockExchange(ctx, ex.ID); err != nil {
				return err
			}
		}
		if released, err = s.Wallet.Release(ctx, tx, holdID); err != nil || !released || ex == nil {
			return err
		}
		ex.WalletHoldID = nil
		ex.WalletHoldAmount = 0
		ex.History = append(ex.History, models.HistoryEntry{
			Status: string(ex.Status),
			At:     s.now(),
			Actor:  actorSystem,
			Note:   "wallet hold expired",
		})
		return tx.UpdateExchange(ctx, ex)
	})
	return released, err
}
