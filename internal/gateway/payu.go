package gateway

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"commerce-engine/internal/models"
	"commerce-engine/internal/money"

	"github.com/go-resty/resty/v2"
	"github.com/lithammer/shortuuid/v4"
)

const payuInfoURL = "https://info.payu.in"

type PayUConfig struct {
	Key         string
	Salt        string
	BaseURL     string
	ProductInfo string
	Timeout     time.Duration
}

// PayU uses hosted checkout: CreateOrder only computes the request hash, while
// verification, refunds and webhooks go through the merchant postservice API.
type PayU struct {
	cfg    PayUConfig
	client *resty.Client
}

var _ Adapter = (*PayU)(nil)

func NewPayU(cfg PayUConfig) *PayU {
	if cfg.BaseURL == "" {
		cfg.BaseURL = payuInfoURL
	}
	if cfg.ProductInfo == "" {
		cfg.ProductInfo = "order"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	client := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout)
	return &PayU{cfg: cfg, client: client}
}

func (p *PayU) Name() models.PaymentMethod { return models.PaymentMethodPayU }

// requestHash is sha512(key|txnid|amount|productinfo|firstname|email|udf1..udf5||||||salt).
func (p *PayU) requestHash(txnID, amount, firstName, email string) string {
	return sha512Hex(p.cfg.Key, txnID, amount, p.cfg.ProductInfo, firstName, email,
		"", "", "", "", "", "", "", "", "", "", p.cfg.Salt)
}

// responseHash is the reverse sequence PayU signs callbacks with.
func (p *PayU) responseHash(status, txnID, amount, firstName, email string) string {
	return sha512Hex(p.cfg.Salt, status, "", "", "", "", "", "", "", "", "", "",
		email, firstName, p.cfg.ProductInfo, amount, txnID, p.cfg.Key)
}

func (p *PayU) commandHash(command, var1 string) string {
	return sha512Hex(p.cfg.Key, command, var1, p.cfg.Salt)
}

func (p *PayU) CreateOrder(_ context.Context, req CreateOrderRequest) (*Order, error) {
	txnID := fmt.Sprintf("%s-%s", req.Receipt, shortuuid.New()[:8])
	amount := money.Format(req.Amount)
	firstName := req.Notes["firstname"]
	email := req.Notes["email"]

	return &Order{
		ID:       txnID,
		Provider: string(p.Name()),
		Amount:   req.Amount,
		Currency: req.Currency,
		Params: map[string]string{
			"key":         p.cfg.Key,
			"txnid":       txnID,
			"amount":      amount,
			"productinfo": p.cfg.ProductInfo,
			"firstname":   firstName,
			"email":       email,
			"hash":        p.requestHash(txnID, amount, firstName, email),
		},
	}, nil
}

type payuVerifyResponse struct {
	Status             int `json:"status"`
	TransactionDetails map[string]struct {
		MihPayID string `json:"mihpayid"`
		Status   string `json:"status"`
		Amount   string `json:"amt"`
	} `json:"transaction_details"`
}

// VerifyPayment asks PayU for the transaction state; the browser-side hash alone is not trusted.
func (p *PayU) VerifyPayment(ctx context.Context, req VerifyRequest) (res *VerifyResult, err error) {
	defer func(start time.Time) { observe(p.Name(), "verify", start, err) }(time.Now())

	const command = "verify_payment"
	var out payuVerifyResponse
	resp, err := p.client.R().
		SetContext(ctx).
		SetQueryParam("form", "2").
		SetFormData(map[string]string{
			"key":     p.cfg.Key,
			"command": command,
			"var1":    req.GatewayOrderID,
			"hash":    p.commandHash(command, req.GatewayOrderID),
		}).
		SetResult(&out).
		ForceContentType("application/json").
		Post("/merchant/postservice.php")
	if err != nil {
		return nil, fmt.Errorf("payu verify: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("payu verify: status %d", resp.StatusCode())
	}

	txn, ok := out.TransactionDetails[req.GatewayOrderID]
	if out.Status != 1 || !ok || txn.Status != "success" {
		return &VerifyResult{Valid: false}, nil
	}
	if req.GatewayPaymentID != "" && txn.MihPayID != req.GatewayPaymentID {
		return &VerifyResult{Valid: false}, nil
	}
	amount, err := money.ParseMajor(txn.Amount)
	if err != nil {
		return nil, fmt.Errorf("payu verify: bad amount %q: %w", txn.Amount, err)
	}
	return &VerifyResult{Valid: true, Amount: amount, GatewayPaymentID: txn.MihPayID}, nil
}

var payuStatuses = map[string]string{
	"success":  StatusSuccess,
	"failure":  StatusFailed,
	"failed":   StatusFailed,
	"refund":   StatusRefunded,
	"refunded": StatusRefunded,
}

// VerifyWebhook validates a form-encoded PayU notification. PayU signs the body
// itself (the hash field), so the header signature is ignored.
func (p *PayU) VerifyWebhook(_ context.Context, payload []byte, _ string) (*WebhookResult, error) {
	form, err := url.ParseQuery(string(payload))
	if err != nil {
		return nil, fmt.Errorf("payu webhook: %w", err)
	}

	status := form.Get("status")
	expected := p.responseHash(status, form.Get("txnid"), form.Get("amount"), form.Get("firstname"), form.Get("email"))
	if form.Get("key") != p.cfg.Key || !equalHex(expected, form.Get("hash")) {
		return &WebhookResult{Valid: false}, nil
	}

	normalized, ok := payuStatuses[status]
	if !ok {
		return nil, fmt.Errorf("payu webhook: unsupported status %q", status)
	}
	amount, err := money.ParseMajor(form.Get("amount"))
	if err != nil {
		return nil, fmt.Errorf("payu webhook: bad amount: %w", err)
	}
	return &WebhookResult{
		Valid:            true,
		GatewayOrderID:   form.Get("txnid"),
		GatewayPaymentID: form.Get("mihpayid"),
		Status:           normalized,
		Amount:           amount,
	}, nil
}

type payuRefundResponse struct {
	Status    int    `json:"status"`
	Message   string `json:"msg"`
	RequestID string `json:"request_id"`
}

func (p *PayU) CreateRefund(ctx context.Context, req RefundRequest) (res *RefundResult, err error) {
	defer func(start time.Time) { observe(p.Name(), "refund", start, err) }(time.Now())

	const command = "cancel_refund_transaction"
	var out payuRefundResponse
	resp, err := p.client.R().
		SetContext(ctx).
		SetQueryParam("form", "2").
		SetFormData(map[string]string{
			"key":     p.cfg.Key,
			"command": command,
			"var1":    req.GatewayPaymentID,
			"var2":    shortuuid.New(),
			"var3":    money.Format(req.Amount),
			"hash":    p.commandHash(command, req.GatewayPaymentID),
		}).
		SetResult(&out).
		ForceContentType("application/json").
		Post("/merchant/postservice.php")
	if err != nil {
		return nil, fmt.Errorf("payu refund: %w", err)
	}
	if resp.IsError() {
		return &RefundResult{Success: false}, fmt.Errorf("payu refund: status %d", resp.StatusCode())
	}
	return &RefundResult{Success: out.Status == 1, RefundID: out.RequestID}, nil
}
