package service

import (
	"context"

	"commerce-engine/internal/errs"
	"commerce-engine/internal/models"
	"commerce-engine/internal/store"
	"commerce-engine/internal/util"

	"go.uber.org/zap"
)

// InventoryClient is the catalog side of checkout: it prices lines from the current
// variant rows and puts returned units back on the shelf.
type InventoryClient struct {
	ledger *Ledger
	logger *zap.Logger
}

func NewInventoryClient(ledger *Ledger) *InventoryClient {
	return &InventoryClient{ledger: ledger, logger: util.Named("inventory")}
}

// LineRequest is one requested line before pricing.
type LineRequest struct {
	VariantID int64 `json:"variant_id" binding:"required"`
	Quantity  int   `json:"quantity" binding:"required,min=1"`
}

// BuildItems prices the requested lines from the catalog.
func (ic *InventoryClient) BuildItems(ctx context.Context, tx store.Tx, lines []LineRequest) ([]models.OrderItem, error) {
	items := make([]models.OrderItem, 0, len(lines))
	for _, l := range lines {
		if l.Quantity <= 0 {
			return nil, errs.Validation("quantity for variant %d must be positive", l.VariantID)
		}
		v, err := ic.activeVariant(ctx, tx, l.VariantID)
		if err != nil {
			return nil, err
		}
		items = append(items, models.OrderItem{
			ProductID:  v.ProductID,
			VariantID:  v.ID,
			CategoryID: v.CategoryID,
			Quantity:   l.Quantity,
			UnitPrice:  v.Price,
		})
	}
	return items, nil
}

// Reprice refreshes every line from the catalog and drops any previous discount.
// A client-submitted or stale price never reaches a reservation.
func (ic *InventoryClient) Reprice(ctx context.Context, tx store.Tx, order *models.Order) error {
	for i := range order.Items {
		it := &order.Items[i]
		v, err := ic.activeVariant(ctx, tx, it.VariantID)
		if err != nil {
			return err
		}
		if v.Price != it.UnitPrice {
			ic.logger.Info("Line repriced",
				zap.Int64("order_id", order.ID),
				zap.Int64("variant_id", v.ID),
				zap.Int64("old_price", it.UnitPrice),
				zap.Int64("new_price", v.Price))
		}
		it.UnitPrice = v.Price
		it.ProductID = v.ProductID
		it.CategoryID = v.CategoryID
	}
	order.Recalculate()
	return nil
}

// Restock puts returned or cancelled units back.
func (ic *InventoryClient) Restock(ctx context.Context, tx store.Tx, variantID int64, qty int) error {
	return ic.ledger.CreditStock(ctx, tx, variantID, qty)
}

func (ic *InventoryClient) activeVariant(ctx context.Context, tx store.Tx, variantID int64) (*models.Variant, error) {
	v, err := tx.GetVariant(ctx, variantID)
	if err != nil {
		if errs.KindOf(err) == errs.KindNotFound {
			return nil, errs.Validation("variant %d does not exist", variantID)
		}
		return nil, err
	}
	if !v.Active {
		return nil, errs.Validation("variant %d is no longer available", variantID)
	}
	return v, nil
}
