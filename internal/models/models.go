package models

import (
	"time"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"
)

// Variant is a purchasable product variant; Stock is the ledger-guarded counter.
type Variant struct {
	ID         int64     `db:"id" json:"id"`
	ProductID  int64     `db:"product_id" json:"product_id"`
	CategoryID int64     `db:"category_id" json:"category_id"`
	SKU        string    `db:"sku" json:"sku"`
	Name       string    `db:"name" json:"name"`
	Price      int64     `db:"price" json:"price"`
	Stock      int       `db:"stock" json:"stock"`
	Active     bool      `db:"active" json:"active"`
	UpdatedAt  time.Time `db:"updated_at" json:"updated_at"`
}

// User carries the wallet running balance. Every balance change has a WalletTransaction row.
type User struct {
	ID            int64     `db:"id" json:"id"`
	WalletBalance int64     `db:"wallet_balance" json:"wallet_balance"`
	UpdatedAt     time.Time `db:"updated_at" json:"updated_at"`
}

type CartItem struct {
	UserID    int64 `db:"user_id" json:"user_id"`
	VariantID int64 `db:"variant_id" json:"variant_id"`
	Quantity  int   `db:"quantity" json:"quantity"`
}

type Address struct {
	Name    string `json:"name"`
	Phone   string `json:"phone"`
	Line1   string `json:"line1"`
	Line2   string `json:"line2,omitempty"`
	City    string `json:"city"`
	State   string `json:"state"`
	Pincode string `json:"pincode"`
}

// Order is created pending at checkout and only ever moves forward through the lifecycle table.
type Order struct {
	ID              int64            `db:"id" json:"id"`
	OrderNo         string           `db:"order_no" json:"order_no"`
	UserID          int64            `db:"user_id" json:"user_id"`
	Items           []OrderItem      `db:"-" json:"items"`
	Subtotal        int64            `db:"subtotal" json:"subtotal"`
	DiscountAmount  int64            `db:"discount_amount" json:"discount_amount"`
	Total           int64            `db:"total" json:"total"`
	CouponID        *int64           `db:"coupon_id" json:"coupon_id,omitempty"`
	CouponCode      string           `db:"coupon_code" json:"coupon_code,omitempty"`
	Coupon          *CouponSnapshot  `db:"coupon_snapshot" json:"coupon,omitempty"`
	Status          OrderStatus      `db:"status" json:"status"`
	PaymentMethod   PaymentMethod    `db:"payment_method" json:"payment_method"`
	UseWallet       bool             `db:"use_wallet" json:"use_wallet"`
	WalletAmount    int64            `db:"wallet_amount" json:"wallet_amount"`
	Payments        PaymentSnapshots `db:"payments" json:"payments"`
	ShippingAddress Address          `db:"shipping_address" json:"shipping_address"`
	IdempotencyKey  string           `db:"idempotency_key" json:"idempotency_key,omitempty"`
	FromCart        bool             `db:"from_cart" json:"from_cart"`
	Meta            OrderMeta        `db:"meta" json:"meta"`
	CreatedAt       time.Time        `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time        `db:"updated_at" json:"updated_at"`
}

// Recalculate derives subtotal and total from the items and the current discount.
func (o *Order) Recalculate() {
	var subtotal int64
	for i := range o.Items {
		it := &o.Items[i]
		it.LineTotal = it.UnitPrice * int64(it.Quantity)
		subtotal += it.LineTotal
	}
	o.Subtotal = subtotal
	o.Total = o.Subtotal - o.DiscountAmount
	if o.Total < 0 {
		o.Total = 0
	}
}

// Item returns the line with the given id.
func (o *Order) Item(itemID int64) (*OrderItem, bool) {
	for i := range o.Items {
		if o.Items[i].ID == itemID {
			return &o.Items[i], true
		}
	}
	return nil, false
}

// OrderItem is one order line. PriceAfterDiscount is the basis of every refund and credit.
type OrderItem struct {
	ID                 int64 `db:"id" json:"id"`
	OrderID            int64 `db:"order_id" json:"order_id"`
	ProductID          int64 `db:"product_id" json:"product_id"`
	VariantID          int64 `db:"variant_id" json:"variant_id"`
	CategoryID         int64 `db:"category_id" json:"category_id"`
	Quantity           int   `db:"quantity" json:"quantity"`
	UnitPrice          int64 `db:"unit_price" json:"unit_price"`
	LineTotal          int64 `db:"line_total" json:"line_total"`
	ItemDiscount       int64 `db:"item_discount" json:"item_discount"`
	PriceAfterDiscount int64 `db:"price_after_discount" json:"price_after_discount"`
	ReturnedQuantity   int   `db:"returned_quantity" json:"returned_quantity"`
}

// Payment is one attempt or chunk; the wallet and gateway portions are separate rows.
type Payment struct {
	ID               int64         `db:"id" json:"id"`
	OrderID          int64         `db:"order_id" json:"order_id"`
	UserID           int64         `db:"user_id" json:"user_id"`
	Method           PaymentMethod `db:"method" json:"method"`
	Amount           int64         `db:"amount" json:"amount"`
	RefundedAmount   int64         `db:"refunded_amount" json:"refunded_amount"`
	GatewayOrderID   string        `db:"gateway_order_id" json:"gateway_order_id,omitempty"`
	GatewayPaymentID string        `db:"gateway_payment_id" json:"gateway_payment_id,omitempty"`
	Status           PaymentStatus `db:"status" json:"status"`
	IdempotencyKey   string        `db:"idempotency_key" json:"-"`
	SessionID        string        `db:"session_id" json:"session_id,omitempty"`
	CreatedAt        time.Time     `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time     `db:"updated_at" json:"updated_at"`
}

// Refundable is what can still be returned to this payment's instrument.
func (p *Payment) Refundable() int64 {
	if p.Status != PaymentStatusSuccess && p.Status != PaymentStatusRefunded {
		return 0
	}
	return p.Amount - p.RefundedAmount
}

// PaymentSnapshot is the copy of a settled payment kept on the order.
type PaymentSnapshot struct {
	PaymentID        int64         `json:"payment_id"`
	Method           PaymentMethod `json:"method"`
	Amount           int64         `json:"amount"`
	Status           PaymentStatus `json:"status"`
	GatewayPaymentID string        `json:"gateway_payment_id,omitempty"`
	At               time.Time     `json:"at"`
}

type PaymentSnapshots []PaymentSnapshot

// PaymentSession is one logical "pay for this order" interaction that survives retries.
// At most one active session exists per order.
type PaymentSession struct {
	ID             int64         `db:"id" json:"-"`
	SessionID      string        `db:"session_id" json:"session_id"`
	UserID         int64         `db:"user_id" json:"user_id"`
	OrderID        int64         `db:"order_id" json:"order_id"`
	WalletAmount   int64         `db:"wallet_amount" json:"wallet_amount"`
	GatewayAmount  int64         `db:"gateway_amount" json:"gateway_amount"`
	PaymentMethod  PaymentMethod `db:"payment_method" json:"payment_method"`
	GatewayOrderID string        `db:"gateway_order_id" json:"gateway_order_id,omitempty"`
	PaymentID      *int64        `db:"payment_id" json:"payment_id,omitempty"`
	Status         SessionStatus `db:"status" json:"status"`
	RetryCount     int           `db:"retry_count" json:"retry_count"`
	CreatedAt      time.Time     `db:"created_at" json:"created_at"`
	ExpiresAt      time.Time     `db:"expires_at" json:"expires_at"`
	UpdatedAt      time.Time     `db:"updated_at" json:"updated_at"`
}

type ReservedItem struct {
	VariantID int64 `json:"variant_id"`
	Quantity  int   `json:"quantity"`
}

type ReservedItems []ReservedItem

// StockReservation holds stock debited at creation; consumed makes the debit permanent,
// expired credits it back exactly once.
type StockReservation struct {
	ID            int64             `db:"id" json:"id"`
	OrderID       *int64            `db:"order_id" json:"order_id,omitempty"`
	ExchangeID    *int64            `db:"exchange_id" json:"exchange_id,omitempty"`
	Items         ReservedItems     `db:"items" json:"items"`
	Status        ReservationStatus `db:"status" json:"status"`
	ReservedUntil time.Time         `db:"reserved_until" json:"reserved_until"`
	PaymentID     *int64            `db:"payment_id" json:"payment_id,omitempty"`
	CreatedAt     time.Time         `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time         `db:"updated_at" json:"updated_at"`
}

// Coupon values: for fixed coupons Value is in minor units, for percentage coupons it is a percent.
// Zero MaxUses / MaxUsesPerUser / MaxDiscountAmount mean "no limit".
type Coupon struct {
	ID                int64           `db:"id" json:"id"`
	Code              string          `db:"code" json:"code"`
	DiscountType      DiscountType    `db:"discount_type" json:"discount_type"`
	Value             decimal.Decimal `db:"value" json:"value"`
	MaxDiscountAmount int64           `db:"max_discount_amount" json:"max_discount_amount"`
	MinOrderValue     int64           `db:"min_order_value" json:"min_order_value"`
	MaxUses           int             `db:"max_uses" json:"max_uses"`
	MaxUsesPerUser    int             `db:"max_uses_per_user" json:"max_uses_per_user"`
	UsesCount         int             `db:"uses_count" json:"uses_count"`
	ProductIDs        pq.Int64Array   `db:"product_ids" json:"product_ids"`
	CategoryIDs       pq.Int64Array   `db:"category_ids" json:"category_ids"`
	Active            bool            `db:"active" json:"active"`
	StartsAt          *time.Time      `db:"starts_at" json:"starts_at,omitempty"`
	ExpiresAt         *time.Time      `db:"expires_at" json:"expires_at,omitempty"`
}

// AppliesTo reports whether an order line is eligible. No filters means every line is eligible.
func (c *Coupon) AppliesTo(item *OrderItem) bool {
	if len(c.ProductIDs) == 0 && len(c.CategoryIDs) == 0 {
		return true
	}
	for _, id := range c.ProductIDs {
		if id == item.ProductID {
			return true
		}
	}
	for _, id := range c.CategoryIDs {
		if id == item.CategoryID {
			return true
		}
	}
	return false
}

// CouponUsage is the durable per-order marker pairing one usesCount increment with at most one revert.
type CouponUsage struct {
	ID        int64             `db:"id" json:"id"`
	CouponID  int64             `db:"coupon_id" json:"coupon_id"`
	OrderID   int64             `db:"order_id" json:"order_id"`
	UserID    int64             `db:"user_id" json:"user_id"`
	Discount  int64             `db:"discount" json:"discount"`
	Status    CouponUsageStatus `db:"status" json:"status"`
	CreatedAt time.Time         `db:"created_at" json:"created_at"`
	UpdatedAt time.Time         `db:"updated_at" json:"updated_at"`
}

type CouponSnapshot struct {
	CouponID      int64        `json:"coupon_id"`
	Code          string       `json:"code"`
	DiscountType  DiscountType `json:"discount_type"`
	DiscountValue string       `json:"value"`
	Discount      int64        `json:"discount"`
	UsageID       int64        `json:"usage_id"`
}

// WalletTransaction is an append-only ledger row.
type WalletTransaction struct {
	ID           int64           `db:"id" json:"id"`
	UserID       int64           `db:"user_id" json:"user_id"`
	Type         WalletTxnType   `db:"type" json:"type"`
	Amount       int64           `db:"amount" json:"amount"`
	Status       WalletTxnStatus `db:"status" json:"status"`
	Source       string          `db:"source" json:"source"`
	RefID        string          `db:"ref_id" json:"ref_id"`
	BalanceAfter int64           `db:"balance_after" json:"balance_after"`
	HoldID       *int64          `db:"hold_id" json:"hold_id,omitempty"`
	CreatedAt    time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time       `db:"updated_at" json:"updated_at"`
}

type HistoryEntry struct {
	Status string    `json:"status"`
	At     time.Time `json:"at"`
	Actor  string    `json:"actor,omitempty"`
	Note   string    `json:"note,omitempty"`
}

type StatusHistory []HistoryEntry

// RefundInfo records how a return refund was computed and routed.
type RefundInfo struct {
	Gross           int64         `json:"gross"`
	CouponShare     int64         `json:"coupon_share"`
	RestockingFee   int64         `json:"restocking_fee"`
	Amount          int64         `json:"amount"`
	GatewayAmount   int64         `json:"gateway_amount"`
	WalletAmount    int64         `json:"wallet_amount"`
	GatewayRefundID string        `json:"gateway_refund_id,omitempty"`
	Outcome         RefundOutcome `json:"outcome,omitempty"`
}

type ReturnRequest struct {
	ID          int64         `db:"id" json:"id"`
	OrderID     int64         `db:"order_id" json:"order_id"`
	OrderItemID int64         `db:"order_item_id" json:"order_item_id"`
	UserID      int64         `db:"user_id" json:"user_id"`
	Quantity    int           `db:"quantity" json:"quantity"`
	Reason      string        `db:"reason" json:"reason"`
	Status      ReturnStatus  `db:"status" json:"status"`
	Refund      RefundInfo    `db:"refund" json:"refund"`
	PickupID    string        `db:"pickup_id" json:"pickup_id,omitempty"`
	History     StatusHistory `db:"history" json:"history"`
	CreatedAt   time.Time     `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time     `db:"updated_at" json:"updated_at"`
}

type ExchangeRequest struct {
	ID                   int64          `db:"id" json:"id"`
	OrderID              int64          `db:"order_id" json:"order_id"`
	OrderItemID          int64          `db:"order_item_id" json:"order_item_id"`
	UserID               int64          `db:"user_id" json:"user_id"`
	Quantity             int            `db:"quantity" json:"quantity"`
	ReplacementVariantID int64          `db:"replacement_variant_id" json:"replacement_variant_id"`
	SelectionType        SelectionType  `db:"selection_type" json:"selection_type"`
	OriginalPrice        int64          `db:"original_price" json:"original_price"`
	ReplacementPrice     int64          `db:"replacement_price" json:"replacement_price"`
	EstimatedCredit      int64          `db:"estimated_credit" json:"estimated_credit"`
	Status               ExchangeStatus `db:"status" json:"status"`
	Reason               string         `db:"reason" json:"reason"`
	ReservationID        *int64         `db:"reservation_id" json:"reservation_id,omitempty"`
	WalletHoldID         *int64         `db:"wallet_hold_id" json:"wallet_hold_id,omitempty"`
	WalletHoldAmount     int64          `db:"wallet_hold_amount" json:"wallet_hold_amount"`
	CreditTxnID          *int64         `db:"credit_txn_id" json:"credit_txn_id,omitempty"`
	NewOrderID           *int64         `db:"new_order_id" json:"new_order_id,omitempty"`
	PickupID             string         `db:"pickup_id" json:"pickup_id,omitempty"`
	History              StatusHistory  `db:"history" json:"history"`
	CreatedAt            time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt            time.Time      `db:"updated_at" json:"updated_at"`
}

// Differential is what the customer still owes (positive) or is owed (negative).
func (e *ExchangeRequest) Differential() int64 {
	return e.ReplacementPrice - e.OriginalPrice
}

// ProcessedEvent for idempotency
type ProcessedEvent struct {
	EventID     string    `db:"event_id"`
	EventType   string    `db:"event_type"`
	ProcessedAt time.Time `db:"processed_at"`
}
