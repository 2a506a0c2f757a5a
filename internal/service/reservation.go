package service

import (
	"context"
	"fmt"
	"sort"
	"time"

	"commerce-engine/internal/errs"
	"commerce-engine/internal/models"
	"commerce-engine/internal/store"
	"commerce-engine/internal/util"

	"github.com/ecodeclub/ekit/slice"
	"go.uber.org/zap"
)

// ReservationOwner links a stock reservation to exactly one of an order or an exchange.
type ReservationOwner struct {
	OrderID    *int64
	ExchangeID *int64
}

func ForOrder(orderID int64) ReservationOwner {
	return ReservationOwner{OrderID: &orderID}
}

func ForExchange(exchangeID int64) ReservationOwner {
	return ReservationOwner{ExchangeID: &exchangeID}
}

// ReservationManager holds stock for an order or exchange until it is consumed or released.
type ReservationManager struct {
	ledger *Ledger
	now    func() time.Time
	logger *zap.Logger
}

func NewReservationManager(ledger *Ledger, now func() time.Time) *ReservationManager {
	return &ReservationManager{ledger: ledger, now: now, logger: util.Named("reservations")}
}

// Reserve debits stock for every item and records an active reservation. Variants are
// debited in id order so concurrent reservations over the same set lock rows consistently.
// On the first shortfall the debits already taken in this call are credited back.
func (m *ReservationManager) Reserve(ctx context.Context, tx store.Tx, owner ReservationOwner, items []models.ReservedItem, ttl time.Duration) (*models.StockReservation, error) {
	start := time.Now()
	defer func() { util.ReservationLatency.Observe(time.Since(start).Seconds()) }()

	merged := mergeItems(items)
	if len(merged) == 0 {
		return nil, errs.Validation("nothing to reserve")
	}

	for i, it := range merged {
		if err := m.ledger.DebitStock(ctx, tx, it.VariantID, it.Quantity); err != nil {
			m.compensate(ctx, tx, merged[:i])
			m.logger.Warn("Stock reservation failed",
				zap.Int64("variant_id", it.VariantID),
				zap.Int("quantity", it.Quantity),
				zap.Error(err))
			return nil, err
		}
	}

	r := &models.StockReservation{
		OrderID:       owner.OrderID,
		ExchangeID:    owner.ExchangeID,
		Items:         merged,
		Status:        models.ReservationStatusActive,
		ReservedUntil: m.now().Add(ttl),
	}
	if err := tx.CreateReservation(ctx, r); err != nil {
		return nil, fmt.Errorf("create reservation: %w", err)
	}
	return r, nil
}

func (m *ReservationManager) compensate(ctx context.Context, tx store.Tx, taken []models.ReservedItem) {
	for _, it := range taken {
		if err := m.ledger.CreditStock(ctx, tx, it.VariantID, it.Quantity); err != nil {
			m.logger.Error("Failed to compensate stock debit",
				zap.Int64("variant_id", it.VariantID),
				zap.Error(err))
		}
	}
}

// Consume makes the reservation's debit permanent. Consuming twice is a no-op.
func (m *ReservationManager) Consume(ctx context.Context, tx store.Tx, reservationID int64, paymentID *int64) error {
	ok, err := tx.TransitionReservation(ctx, reservationID, models.ReservationStatusActive, models.ReservationStatusConsumed, paymentID)
	if err != nil {
		return fmt.Errorf("consume reservation %d: %w", reservationID, err)
	}
	if ok {
		return nil
	}
	r, err := tx.GetReservation(ctx, reservationID)
	if err != nil {
		return err
	}
	if r.Status == models.ReservationStatusConsumed {
		return nil
	}
	return errs.Conflict("reservation %d is %s", reservationID, r.Status)
}

// Release credits the stock back exactly once. It reports whether this call did the release.
func (m *ReservationManager) Release(ctx context.Context, tx store.Tx, reservationID int64) (bool, error) {
	ok, err := tx.TransitionReservation(ctx, reservationID, models.ReservationStatusActive, models.ReservationStatusExpired, nil)
	if err != nil {
		return false, fmt.Errorf("release reservation %d: %w", reservationID, err)
	}
	if !ok {
		return false, nil
	}
	r, err := tx.GetReservation(ctx, reservationID)
	if err != nil {
		return false, err
	}
	for _, it := range r.Items {
		if err := m.ledger.CreditStock(ctx, tx, it.VariantID, it.Quantity); err != nil {
			return false, err
		}
	}
	return true, nil
}

// ReleaseForOrder releases the order's active reservation, if it has one.
func (m *ReservationManager) ReleaseForOrder(ctx context.Context, tx store.Tx, orderID int64) (bool, error) {
	r, err := tx.GetActiveReservation(ctx, orderID)
	if err != nil {
		return false, err
	}
	if r == nil {
		return false, nil
	}
	return m.Release(ctx, tx, r.ID)
}

// mergeItems sums duplicate variants and sorts by variant id.
func mergeItems(items []models.ReservedItem) models.ReservedItems {
	qty := make(map[int64]int, len(items))
	for _, it := range items {
		qty[it.VariantID] += it.Quantity
	}
	out := make(models.ReservedItems, 0, len(qty))
	for id, q := range qty {
		out = append(out, models.ReservedItem{VariantID: id, Quantity: q})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].VariantID < out[j].VariantID })
	return out
}

func reservedItemsOf(items []models.OrderItem) []models.ReservedItem {
	return slice.Map(items, func(_ int, it models.OrderItem) models.ReservedItem {
		return models.ReservedItem{VariantID: it.VariantID, Quantity: it.Quantity}
	})
}

func orderItemData(items []models.OrderItem) []models.OrderItemData {
	return slice.Map(items, func(_ int, it models.OrderItem) models.OrderItemData {
		return models.OrderItemData{VariantID: it.VariantID, Quantity: it.Quantity, UnitPrice: it.UnitPrice}
	})
}

func paymentIDs(payments models.PaymentSnapshots) []int64 {
	return slice.Map([]models.PaymentSnapshot(payments), func(_ int, p models.PaymentSnapshot) int64 { return p.PaymentID })
}
