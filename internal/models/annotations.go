package models

import "time"

// AnnotationKind tags one entry of an order's side-channel record.
type AnnotationKind string

const (
	AnnotationStatusChange AnnotationKind = "status_change"
	AnnotationCancellation AnnotationKind = "cancellation"
	AnnotationFailure      AnnotationKind = "failure"
	AnnotationRefund       AnnotationKind = "refund"
	AnnotationExchange     AnnotationKind = "exchange"
)

// RefundOutcome records how a refund attempt ended on the instrument it was routed to.
type RefundOutcome string

const (
	RefundOutcomeGateway         RefundOutcome = "gateway"
	RefundOutcomeWallet          RefundOutcome = "wallet"
	RefundOutcomeSplit           RefundOutcome = "gateway_and_wallet"
	RefundOutcomeGatewayFallback RefundOutcome = "wallet_fallback"
)

type StatusChange struct {
	From  OrderStatus `json:"from"`
	To    OrderStatus `json:"to"`
	Actor string      `json:"actor,omitempty"`
}

type Cancellation struct {
	Reason string `json:"reason"`
	By     string `json:"by"`
}

type Failure struct {
	Reason    string `json:"reason"`
	SessionID string `json:"session_id,omitempty"`
}

type RefundNote struct {
	Amount          int64         `json:"amount"`
	GatewayAmount   int64         `json:"gateway_amount"`
	WalletAmount    int64         `json:"wallet_amount"`
	GatewayRefundID string        `json:"gateway_refund_id,omitempty"`
	Outcome         RefundOutcome `json:"outcome"`
	Reason          string        `json:"reason"`
	ReturnID        int64         `json:"return_id,omitempty"`
}

type ExchangeNote struct {
	ExchangeID int64          `json:"exchange_id"`
	Status     ExchangeStatus `json:"status"`
	Note       string         `json:"note,omitempty"`
}

// Annotation is a tagged union: exactly the field matching Kind is set.
type Annotation struct {
	Kind         AnnotationKind `json:"kind"`
	At           time.Time      `json:"at"`
	StatusChange *StatusChange  `json:"status_change,omitempty"`
	Cancellation *Cancellation  `json:"cancellation,omitempty"`
	Failure      *Failure       `json:"failure,omitempty"`
	Refund       *RefundNote    `json:"refund,omitempty"`
	Exchange     *ExchangeNote  `json:"exchange,omitempty"`
}

// OrderMeta replaces a free-form map with the known annotation kinds.
type OrderMeta struct {
	Annotations []Annotation `json:"annotations"`
}

func (m *OrderMeta) add(a Annotation) {
	if a.At.IsZero() {
		a.At = time.Now().UTC()
	}
	m.Annotations = append(m.Annotations, a)
}

func (m *OrderMeta) AddStatusChange(from, to OrderStatus, actor string) {
	m.add(Annotation{Kind: AnnotationStatusChange, StatusChange: &StatusChange{From: from, To: to, Actor: actor}})
}

func (m *OrderMeta) AddCancellation(reason, by string) {
	m.add(Annotation{Kind: AnnotationCancellation, Cancellation: &Cancellation{Reason: reason, By: by}})
}

func (m *OrderMeta) AddFailure(reason, sessionID string) {
	m.add(Annotation{Kind: AnnotationFailure, Failure: &Failure{Reason: reason, SessionID: sessionID}})
}

func (m *OrderMeta) AddRefund(note RefundNote) {
	m.add(Annotation{Kind: AnnotationRefund, Refund: &note})
}

func (m *OrderMeta) AddExchange(note ExchangeNote) {
	m.add(Annotation{Kind: AnnotationExchange, Exchange: &note})
}

// Of returns the annotations of one kind in insertion order.
func (m OrderMeta) Of(kind AnnotationKind) []Annotation {
	var out []Annotation
	for _, a := range m.Annotations {
		if a.Kind == kind {
			out = append(out, a)
		}
	}
	return out
}

// LastFailure returns the most recent failure reason, if any.
func (m OrderMeta) LastFailure() (Failure, bool) {
	f := m.Of(AnnotationFailure)
	if len(f) == 0 {
		return Failure{}, false
	}
	return *f[len(f)-1].Failure, true
}

// Delivered reports whether the order has ever been handed to the customer.
func (m OrderMeta) Delivered() bool {
	for _, a := range m.Of(AnnotationStatusChange) {
		if a.StatusChange.To == OrderStatusDelivered {
			return true
		}
	}
	return false
}

// WalletRefunded sums the refund amounts that were credited to the wallet.
func (m OrderMeta) WalletRefunded() int64 {
	var n int64
	for _, a := range m.Of(AnnotationRefund) {
		n += a.Refund.WalletAmount
	}
	return n
}
