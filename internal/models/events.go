package models

import "time"

// Event types
const (
	EventTypeOrderCreated       = "ORDER_CREATED"
	EventTypeOrderConfirmed     = "ORDER_CONFIRMED"
	EventTypeOrderFailed        = "ORDER_FAILED"
	EventTypeOrderCancelled     = "ORDER_CANCELLED"
	EventTypeOrderRefunded      = "ORDER_REFUNDED"
	EventTypePaymentWebhook     = "PAYMENT_WEBHOOK"
	EventTypeCourierPickupRetry = "COURIER_PICKUP_RETRY"
)

// BaseEvent contains common fields for all events
type BaseEvent struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
}

// OrderEvent is published on every order lifecycle milestone.
type OrderEvent struct {
	BaseEvent
	OrderID  int64           `json:"order_id"`
	OrderNo  string          `json:"order_no"`
	UserID   int64           `json:"user_id"`
	Status   OrderStatus     `json:"status"`
	Total    int64           `json:"total"`
	Reason   string          `json:"reason,omitempty"`
	Items    []OrderItemData `json:"items,omitempty"`
	Payments []int64         `json:"payment_ids,omitempty"`
}

// PaymentWebhookEvent carries an already signature-verified gateway notification.
type PaymentWebhookEvent struct {
	BaseEvent
	Gateway          PaymentMethod `json:"gateway"`
	GatewayOrderID   string        `json:"gateway_order_id"`
	GatewayPaymentID string        `json:"gateway_payment_id"`
	Status           string        `json:"status"`
	Amount           int64         `json:"amount"`
}

// Pickup target kinds for courier retries.
const (
	PickupForReturn   = "return"
	PickupForExchange = "exchange"
)

// CourierPickupRetryEvent is published when scheduling a pickup failed and must be retried out-of-band.
type CourierPickupRetryEvent struct {
	BaseEvent
	Kind     string `json:"kind"`
	TargetID int64  `json:"target_id"`
	OrderID  int64  `json:"order_id"`
	Attempt  int    `json:"attempt"`
	LastErr  string `json:"last_error"`
}

// OrderItemData represents item data in events
type OrderItemData struct {
	VariantID int64 `json:"variant_id"`
	Quantity  int   `json:"quantity"`
	UnitPrice int64 `json:"unit_price"`
}
