package models

// OrderStatus is the order lifecycle state.
type OrderStatus string

const (
	OrderStatusPending           OrderStatus = "pending"
	OrderStatusConfirmed         OrderStatus = "confirmed"
	OrderStatusFailed            OrderStatus = "failed"
	OrderStatusCancelled         OrderStatus = "cancelled"
	OrderStatusProcessing        OrderStatus = "processing"
	OrderStatusOutForDelivery    OrderStatus = "out-for-delivery"
	OrderStatusDelivered         OrderStatus = "delivered"
	OrderStatusReturnRequested   OrderStatus = "return-requested"
	OrderStatusReturned          OrderStatus = "returned"
	OrderStatusRefunded          OrderStatus = "refunded"
	OrderStatusExchangeRequested OrderStatus = "exchange-requested"
	OrderStatusExchangeApproved  OrderStatus = "exchange-approved"
	OrderStatusPickupScheduled   OrderStatus = "pickup-scheduled"
	OrderStatusPickedUp          OrderStatus = "picked-up"
	OrderStatusExchanged         OrderStatus = "exchanged"
	OrderStatusExchangeRejected  OrderStatus = "exchange-rejected"
)

// PaymentMethod is how an order (or a chunk of it) is paid.
type PaymentMethod string

const (
	PaymentMethodCOD      PaymentMethod = "cod"
	PaymentMethodWallet   PaymentMethod = "wallet"
	PaymentMethodRazorpay PaymentMethod = "razorpay"
	PaymentMethodPayU     PaymentMethod = "payu"
	// PaymentMethodExchange is value carried over from an exchanged item.
	PaymentMethodExchange PaymentMethod = "exchange"
)

// IsGateway reports whether the method settles through an online gateway.
func (m PaymentMethod) IsGateway() bool {
	return m == PaymentMethodRazorpay || m == PaymentMethodPayU
}

func (m PaymentMethod) Valid() bool {
	switch m {
	case PaymentMethodCOD, PaymentMethodWallet, PaymentMethodRazorpay, PaymentMethodPayU:
		return true
	}
	return false
}

type PaymentStatus string

const (
	PaymentStatusCreated    PaymentStatus = "created"
	PaymentStatusAttempted  PaymentStatus = "attempted"
	PaymentStatusSuccess    PaymentStatus = "success"
	PaymentStatusFailed     PaymentStatus = "failed"
	PaymentStatusCODPending PaymentStatus = "cod_pending"
	PaymentStatusRefunded   PaymentStatus = "refunded"
)

type SessionStatus string

const (
	SessionStatusActive    SessionStatus = "active"
	SessionStatusCompleted SessionStatus = "completed"
	SessionStatusFailed    SessionStatus = "failed"
	SessionStatusExpired   SessionStatus = "expired"
)

type ReservationStatus string

const (
	ReservationStatusActive   ReservationStatus = "active"
	ReservationStatusConsumed ReservationStatus = "consumed"
	ReservationStatusExpired  ReservationStatus = "expired"
)

type DiscountType string

const (
	DiscountTypeFixed      DiscountType = "fixed"
	DiscountTypePercentage DiscountType = "percentage"
)

// CouponUsageStatus tracks the per-order usage marker that pairs an increment with its revert.
type CouponUsageStatus string

const (
	CouponUsageActive   CouponUsageStatus = "active"
	CouponUsageConsumed CouponUsageStatus = "consumed"
	CouponUsageReverted CouponUsageStatus = "reverted"
)

type WalletTxnType string

const (
	WalletTxnCredit WalletTxnType = "credit"
	WalletTxnDebit  WalletTxnType = "debit"
)

type WalletTxnStatus string

const (
	WalletTxnPending   WalletTxnStatus = "pending"
	WalletTxnAvailable WalletTxnStatus = "available"
	WalletTxnRejected  WalletTxnStatus = "rejected"
)

type ReturnStatus string

const (
	ReturnStatusRequested       ReturnStatus = "requested"
	ReturnStatusApproved        ReturnStatus = "approved"
	ReturnStatusPickupScheduled ReturnStatus = "pickup_scheduled"
	ReturnStatusReceived        ReturnStatus = "received"
	ReturnStatusRefunded        ReturnStatus = "refunded"
	ReturnStatusRejected        ReturnStatus = "rejected"
)

type ExchangeStatus string

const (
	ExchangeStatusRequested         ExchangeStatus = "REQUESTED"
	ExchangeStatusApproved          ExchangeStatus = "APPROVED"
	ExchangeStatusPickupScheduled   ExchangeStatus = "PICKUP_SCHEDULED"
	ExchangeStatusPickedUp          ExchangeStatus = "PICKED_UP"
	ExchangeStatusQCPending         ExchangeStatus = "QC_PENDING"
	ExchangeStatusQCPassed          ExchangeStatus = "QC_PASSED"
	ExchangeStatusQCFailed          ExchangeStatus = "QC_FAILED"
	ExchangeStatusWaitingForPayment ExchangeStatus = "WAITING_FOR_PAYMENT"
	ExchangeStatusCompleted         ExchangeStatus = "COMPLETED"
	ExchangeStatusRejected          ExchangeStatus = "REJECTED"
)

// SelectionType decides what happens with exchange value once QC passes.
type SelectionType string

const (
	SelectionAutoPlace SelectionType = "auto_place"
	SelectionManual    SelectionType = "manual"
)
