package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"commerce-engine/internal/models"

	"github.com/go-resty/resty/v2"
)

const razorpayBaseURL = "https://api.razorpay.com/v1"

type RazorpayConfig struct {
	KeyID         string
	KeySecret     string
	WebhookSecret string
	BaseURL       string
	Timeout       time.Duration
}

// Razorpay talks to the Razorpay Orders/Payments/Refunds API. Amounts are already in paise.
type Razorpay struct {
	cfg    RazorpayConfig
	client *resty.Client
}

var _ Adapter = (*Razorpay)(nil)

func NewRazorpay(cfg RazorpayConfig) *Razorpay {
	if cfg.BaseURL == "" {
		cfg.BaseURL = razorpayBaseURL
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	client := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetBasicAuth(cfg.KeyID, cfg.KeySecret).
		SetTimeout(cfg.Timeout).
		SetHeader("Content-Type", "application/json")
	return &Razorpay{cfg: cfg, client: client}
}

func (r *Razorpay) Name() models.PaymentMethod { return models.PaymentMethodRazorpay }

type razorpayOrder struct {
	ID       string `json:"id"`
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
	Status   string `json:"status"`
}

type razorpayPayment struct {
	ID      string `json:"id"`
	OrderID string `json:"order_id"`
	Amount  int64  `json:"amount"`
	Status  string `json:"status"`
}

type razorpayRefund struct {
	ID        string `json:"id"`
	PaymentID string `json:"payment_id"`
	Amount    int64  `json:"amount"`
	Status    string `json:"status"`
}

type razorpayError struct {
	Error struct {
		Code        string `json:"code"`
		Description string `json:"description"`
	} `json:"error"`
}

func (r *Razorpay) CreateOrder(ctx context.Context, req CreateOrderRequest) (o *Order, err error) {
	defer func(start time.Time) { observe(r.Name(), "create_order", start, err) }(time.Now())

	var out razorpayOrder
	var apiErr razorpayError
	resp, err := r.client.R().
		SetContext(ctx).
		SetBody(map[string]interface{}{
			"amount":   req.Amount,
			"currency": req.Currency,
			"receipt":  req.Receipt,
			"notes":    req.Notes,
		}).
		SetResult(&out).
		SetError(&apiErr).
		Post("/orders")
	if err != nil {
		return nil, fmt.Errorf("razorpay create order: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("razorpay create order: status %d: %s", resp.StatusCode(), apiErr.Error.Code)
	}

	return &Order{
		ID:       out.ID,
		Provider: string(r.Name()),
		Amount:   out.Amount,
		Currency: out.Currency,
		Params:   map[string]string{"key_id": r.cfg.KeyID},
	}, nil
}

// VerifyPayment checks the checkout signature, then confirms the payment state with the API.
func (r *Razorpay) VerifyPayment(ctx context.Context, req VerifyRequest) (res *VerifyResult, err error) {
	defer func(start time.Time) { observe(r.Name(), "verify", start, err) }(time.Now())

	expected := hmacSHA256Hex(r.cfg.KeySecret, req.GatewayOrderID, "|", req.GatewayPaymentID)
	if !equalHex(expected, req.Signature) {
		return &VerifyResult{Valid: false}, nil
	}

	var p razorpayPayment
	resp, err := r.client.R().
		SetContext(ctx).
		SetPathParam("id", req.GatewayPaymentID).
		SetResult(&p).
		Get("/payments/{id}")
	if err != nil {
		return nil, fmt.Errorf("razorpay fetch payment: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("razorpay fetch payment: status %d", resp.StatusCode())
	}

	valid := p.OrderID == req.GatewayOrderID && (p.Status == "captured" || p.Status == "authorized")
	return &VerifyResult{Valid: valid, Amount: p.Amount, GatewayPaymentID: p.ID}, nil
}

type razorpayWebhook struct {
	Event   string `json:"event"`
	Payload struct {
		Payment struct {
			Entity razorpayPayment `json:"entity"`
		} `json:"payment"`
		Refund struct {
			Entity razorpayRefund `json:"entity"`
		} `json:"refund"`
	} `json:"payload"`
}

var razorpayEvents = map[string]string{
	"payment.captured": StatusSuccess,
	"order.paid":       StatusSuccess,
	"payment.failed":   StatusFailed,
	"refund.processed": StatusRefunded,
	"payment.refunded": StatusRefunded,
}

// VerifyWebhook checks the X-Razorpay-Signature over the raw body.
func (r *Razorpay) VerifyWebhook(_ context.Context, payload []byte, signature string) (*WebhookResult, error) {
	if !equalHex(hmacSHA256Hex(r.cfg.WebhookSecret, string(payload)), signature) {
		return &WebhookResult{Valid: false}, nil
	}

	var wh razorpayWebhook
	if err := json.Unmarshal(payload, &wh); err != nil {
		return nil, fmt.Errorf("razorpay webhook: %w", err)
	}
	status, ok := razorpayEvents[wh.Event]
	if !ok {
		return nil, fmt.Errorf("razorpay webhook: unsupported event %q", wh.Event)
	}

	p := wh.Payload.Payment.Entity
	amount := p.Amount
	if status == StatusRefunded && wh.Payload.Refund.Entity.Amount > 0 {
		amount = wh.Payload.Refund.Entity.Amount
	}
	return &WebhookResult{
		Valid:            true,
		GatewayOrderID:   p.OrderID,
		GatewayPaymentID: p.ID,
		Status:           status,
		Amount:           amount,
	}, nil
}

func (r *Razorpay) CreateRefund(ctx context.Context, req RefundRequest) (res *RefundResult, err error) {
	defer func(start time.Time) { observe(r.Name(), "refund", start, err) }(time.Now())

	var out razorpayRefund
	var apiErr razorpayError
	resp, err := r.client.R().
		SetContext(ctx).
		SetPathParam("id", req.GatewayPaymentID).
		SetBody(map[string]interface{}{
			"amount": req.Amount,
			"notes":  map[string]string{"reason": req.Reason},
		}).
		SetResult(&out).
		SetError(&apiErr).
		Post("/payments/{id}/refund")
	if err != nil {
		return nil, fmt.Errorf("razorpay refund: %w", err)
	}
	if resp.IsError() {
		return &RefundResult{Success: false}, fmt.Errorf("razorpay refund: status %d: %s", resp.StatusCode(), apiErr.Error.Code)
	}
	return &RefundResult{Success: out.Status != "failed", RefundID: out.ID}, nil
}
