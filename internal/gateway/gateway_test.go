package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"commerce-engine/internal/errs"
	"commerce-engine/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry(t *testing.T) {
	r := NewRegistry(NewRazorpay(RazorpayConfig{}), NewPayU(PayUConfig{}))

	a, err := r.Get(models.PaymentMethodRazorpay)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentMethodRazorpay, a.Name())

	a, err = r.Lookup("PayU")
	require.NoError(t, err)
	assert.Equal(t, models.PaymentMethodPayU, a.Name())

	_, err = r.Get(models.PaymentMethodCOD)
	assert.Equal(t, errs.KindValidation, errs.KindOf(err))
}

func newRazorpayServer(t *testing.T) *httptest.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/orders", func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "key", user)
		assert.Equal(t, "secret", pass)

		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.EqualValues(t, 45000, body["amount"])
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"order_1","amount":45000,"currency":"INR","status":"created"}`))
	})
	mux.HandleFunc("/payments/pay_1", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"pay_1","order_id":"order_1","amount":45000,"status":"captured"}`))
	})
	mux.HandleFunc("/payments/pay_1/refund", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"rfnd_1","payment_id":"pay_1","amount":10000,"status":"processed"}`))
	})
	return httptest.NewServer(mux)
}

func TestRazorpayRoundTrip(t *testing.T) {
	srv := newRazorpayServer(t)
	defer srv.Close()

	rp := NewRazorpay(RazorpayConfig{KeyID: "key", KeySecret: "secret", WebhookSecret: "whsec", BaseURL: srv.URL})
	ctx := context.Background()

	order, err := rp.CreateOrder(ctx, CreateOrderRequest{Amount: 45000, Currency: "INR", Receipt: "R1"})
	require.NoError(t, err)
	assert.Equal(t, "order_1", order.ID)
	assert.Equal(t, "key", order.Params["key_id"])

	sig := hmacSHA256Hex("secret", "order_1|pay_1")
	res, err := rp.VerifyPayment(ctx, VerifyRequest{GatewayOrderID: "order_1", GatewayPaymentID: "pay_1", Signature: sig})
	require.NoError(t, err)
	assert.True(t, res.Valid)
	assert.Equal(t, int64(45000), res.Amount)

	res, err = rp.VerifyPayment(ctx, VerifyRequest{GatewayOrderID: "order_1", GatewayPaymentID: "pay_1", Signature: "bad"})
	require.NoError(t, err)
	assert.False(t, res.Valid)

	refund, err := rp.CreateRefund(ctx, RefundRequest{GatewayPaymentID: "pay_1", Amount: 10000, Reason: "return"})
	require.NoError(t, err)
	assert.True(t, refund.Success)
	assert.Equal(t, "rfnd_1", refund.RefundID)
}

func TestRazorpayWebhook(t *testing.T) {
	rp := NewRazorpay(RazorpayConfig{WebhookSecret: "whsec"})
	payload := []byte(`{"event":"payment.captured","payload":{"payment":{"entity":{"id":"pay_1","order_id":"order_1","amount":45000,"status":"captured"}}}}`)

	res, err := rp.VerifyWebhook(context.Background(), payload, hmacSHA256Hex("whsec", string(payload)))
	require.NoError(t, err)
	assert.Equal(t, &WebhookResult{
		Valid:            true,
		GatewayOrderID:   "order_1",
		GatewayPaymentID: "pay_1",
		Status:           StatusSuccess,
		Amount:           45000,
	}, res)

	res, err = rp.VerifyWebhook(context.Background(), payload, "forged")
	require.NoError(t, err)
	assert.False(t, res.Valid)
}

func TestPayUWebhook(t *testing.T) {
	p := NewPayU(PayUConfig{Key: "k", Salt: "s", ProductInfo: "order"})
	form := url.Values{
		"key":       {"k"},
		"txnid":     {"T1-abc"},
		"mihpayid":  {"403993715"},
		"status":    {"success"},
		"amount":    {"450.00"},
		"firstname": {"Asha"},
		"email":     {"asha@example.com"},
	}
	form.Set("hash", p.responseHash("success", "T1-abc", "450.00", "Asha", "asha@example.com"))

	res, err := p.VerifyWebhook(context.Background(), []byte(form.Encode()), "")
	require.NoError(t, err)
	assert.True(t, res.Valid)
	assert.Equal(t, StatusSuccess, res.Status)
	assert.Equal(t, int64(45000), res.Amount)
	assert.Equal(t, "T1-abc", res.GatewayOrderID)

	form.Set("amount", "1.00")
	res, err = p.VerifyWebhook(context.Background(), []byte(form.Encode()), "")
	require.NoError(t, err)
	assert.False(t, res.Valid)
}

func TestPayUVerifyPayment(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "verify_payment", r.PostForm.Get("command"))
		assert.Equal(t, "T1-abc", r.PostForm.Get("var1"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":1,"transaction_details":{"T1-abc":{"mihpayid":"403993715","status":"success","amt":"450.00"}}}`))
	}))
	defer srv.Close()

	p := NewPayU(PayUConfig{Key: "k", Salt: "s", BaseURL: srv.URL})
	res, err := p.VerifyPayment(context.Background(), VerifyRequest{GatewayOrderID: "T1-abc", GatewayPaymentID: "403993715"})
	require.NoError(t, err)
	assert.True(t, res.Valid)
	assert.Equal(t, int64(45000), res.Amount)

	order, err := p.CreateOrder(context.Background(), CreateOrderRequest{Amount: 45000, Receipt: "T1"})
	require.NoError(t, err)
	assert.Equal(t, "450.00", order.Params["amount"])
	assert.Equal(t, p.requestHash(order.ID, "450.00", "", ""), order.Params["hash"])
}
