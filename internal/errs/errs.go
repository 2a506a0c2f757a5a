package errs

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for propagation and HTTP mapping.
type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindInsufficientResource
	KindConflict
	KindGateway
	KindInvalidTransition
	KindNotFound
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindInsufficientResource:
		return "insufficient_resource"
	case KindConflict:
		return "conflict"
	case KindGateway:
		return "gateway"
	case KindInvalidTransition:
		return "invalid_state_transition"
	case KindNotFound:
		return "not_found"
	default:
		return "internal"
	}
}

// Error is the domain error carried across service boundaries.
// Message is safe to show to clients; Err is kept for logs only.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches on Kind and Code so sentinel-style comparisons work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind && e.Code == t.Code
}

func newError(kind Kind, code, msg string) *Error {
	return &Error{Kind: kind, Code: code, Message: msg}
}

// Sentinels usable with errors.Is.
var (
	ErrInsufficientStock  = newError(KindInsufficientResource, "insufficient_stock", "insufficient stock")
	ErrCouponExhausted    = newError(KindInsufficientResource, "coupon_exhausted", "coupon usage limit reached")
	ErrInsufficientWallet = newError(KindInsufficientResource, "insufficient_wallet_balance", "insufficient wallet balance")
	ErrPaymentInProgress  = newError(KindConflict, "payment_in_progress", "a payment for this order is already in progress")
	ErrLockBusy           = newError(KindConflict, "lock_busy", "resource is busy, try again")
	ErrInvalidTransition  = newError(KindInvalidTransition, "invalid_state_transition", "invalid state transition")
)

func Validation(format string, args ...any) *Error {
	return newError(KindValidation, "validation_error", fmt.Sprintf(format, args...))
}

func NotFound(what string, id any) *Error {
	return newError(KindNotFound, "not_found", fmt.Sprintf("%s %v not found", what, id))
}

func InsufficientStock(variantID int64) *Error {
	e := *ErrInsufficientStock
	e.Message = fmt.Sprintf("insufficient stock for variant %d", variantID)
	return &e
}

func CouponExhausted(code string) *Error {
	e := *ErrCouponExhausted
	e.Message = fmt.Sprintf("coupon %s is no longer available", code)
	return &e
}

func InsufficientWalletBalance() *Error {
	e := *ErrInsufficientWallet
	return &e
}

func PaymentInProgress() *Error {
	e := *ErrPaymentInProgress
	return &e
}

func LockBusy(key string) *Error {
	e := *ErrLockBusy
	e.Err = fmt.Errorf("lock %s held", key)
	return &e
}

func Conflict(format string, args ...any) *Error {
	return newError(KindConflict, "conflict", fmt.Sprintf(format, args...))
}

// Gateway wraps a payment gateway failure. The underlying error is never shown to clients.
func Gateway(op string, err error) *Error {
	return &Error{Kind: KindGateway, Code: "gateway_error", Message: "payment gateway error during " + op, Err: err}
}

func InvalidStateTransition(from, to string) *Error {
	e := *ErrInvalidTransition
	e.Message = fmt.Sprintf("cannot move from %q to %q", from, to)
	return &e
}

// KindOf returns the kind of the first *Error in the chain, KindInternal otherwise.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// HTTPStatus maps an error to the status code returned to clients.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindValidation, KindInsufficientResource, KindInvalidTransition:
		return http.StatusBadRequest
	case KindConflict:
		return http.StatusConflict
	case KindGateway:
		return http.StatusBadGateway
	case KindNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// PublicMessage returns the client-safe message for err.
func PublicMessage(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	return "internal server error"
}
