// Package gateway holds the payment gateway contract and its provider adapters.
// The core only ever sees these types, never a provider's wire format.
package gateway

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"strings"
	"time"

	"commerce-engine/internal/errs"
	"commerce-engine/internal/models"
	"commerce-engine/internal/util"
)

//go:generate mockgen -source=./gateway.go -package=gatewaymocks -destination=./mocks/adapter.mock.go Adapter

// Normalized webhook statuses.
const (
	StatusSuccess  = "success"
	StatusFailed   = "failed"
	StatusRefunded = "refunded"
)

// MinimumCharge is the smallest amount, in minor units, a provider order may carry.
const MinimumCharge int64 = 100

type CreateOrderRequest struct {
	Amount   int64
	Currency string
	Receipt  string
	Notes    map[string]string
}

// Order is the provider-side order the client completes payment against.
// Params carries whatever the client SDK needs (key id, hash, ...).
type Order struct {
	ID       string            `json:"id"`
	Provider string            `json:"provider"`
	Amount   int64             `json:"amount"`
	Currency string            `json:"currency"`
	Params   map[string]string `json:"params,omitempty"`
}

type VerifyRequest struct {
	GatewayOrderID   string
	GatewayPaymentID string
	Signature        string
}

type VerifyResult struct {
	Valid            bool
	Amount           int64
	GatewayPaymentID string
}

type WebhookResult struct {
	Valid            bool
	GatewayOrderID   string
	GatewayPaymentID string
	Status           string
	Amount           int64
}

type RefundRequest struct {
	GatewayPaymentID string
	Amount           int64
	Reason           string
}

type RefundResult struct {
	Success  bool
	RefundID string
}

// Adapter is implemented once per provider.
type Adapter interface {
	Name() models.PaymentMethod
	CreateOrder(ctx context.Context, req CreateOrderRequest) (*Order, error)
	VerifyPayment(ctx context.Context, req VerifyRequest) (*VerifyResult, error)
	VerifyWebhook(ctx context.Context, payload []byte, signature string) (*WebhookResult, error)
	CreateRefund(ctx context.Context, req RefundRequest) (*RefundResult, error)
}

// Registry resolves the adapter configured for a payment method.
type Registry struct {
	adapters map[models.PaymentMethod]Adapter
}

func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[models.PaymentMethod]Adapter, len(adapters))}
	for _, a := range adapters {
		r.adapters[a.Name()] = a
	}
	return r
}

func (r *Registry) Get(method models.PaymentMethod) (Adapter, error) {
	a, ok := r.adapters[method]
	if !ok {
		return nil, errs.Validation("payment method %s is not available", method)
	}
	return a, nil
}

// Lookup resolves an adapter from a URL path segment such as "razorpay".
func (r *Registry) Lookup(name string) (Adapter, error) {
	return r.Get(models.PaymentMethod(strings.ToLower(name)))
}

func observe(gateway models.PaymentMethod, op string, start time.Time, err error) {
	util.GatewayLatency.WithLabelValues(string(gateway), op).Observe(time.Since(start).Seconds())
	if err != nil {
		util.GatewayErrorsTotal.WithLabelValues(string(gateway), op).Inc()
	}
}

func hmacSHA256Hex(secret string, parts ...string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	for _, p := range parts {
		mac.Write([]byte(p))
	}
	return hex.EncodeToString(mac.Sum(nil))
}

func sha512Hex(fields ...string) string {
	sum := sha512.Sum512([]byte(strings.Join(fields, "|")))
	return hex.EncodeToString(sum[:])
}

// equalHex compares signatures in constant time.
func equalHex(a, b string) bool {
	return hmac.Equal([]byte(strings.ToLower(a)), []byte(strings.ToLower(b)))
}
