package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	couriermocks "commerce-engine/internal/courier/mocks"
	"commerce-engine/internal/gateway"
	gatewaymocks "commerce-engine/internal/gateway/mocks"
	"commerce-engine/internal/lock"
	"commerce-engine/internal/models"
	"commerce-engine/internal/service"
	"commerce-engine/internal/store/memstore"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

type pingerFunc func(ctx context.Context) error

func (f pingerFunc) Ping(ctx context.Context) error { return f(ctx) }

type testServer struct {
	router *gin.Engine
	store  *memstore.Store
	user   models.User
	shirt  models.Variant
}

func newTestServer(t *testing.T, limiter *RateLimiter, checks map[string]Pinger) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)
	ctrl := gomock.NewController(t)

	ms := memstore.New()
	gw := gatewaymocks.NewMockAdapter(ctrl)
	gw.EXPECT().Name().Return(models.PaymentMethodRazorpay).AnyTimes()
	registry := gateway.NewRegistry(gw)
	locker := lock.NewMemoryLocker()
	node, err := snowflake.NewNode(2)
	require.NoError(t, err)

	c := service.NewComponents(ms, nil, nil, service.DefaultOptions())
	saga := service.NewSagaOrchestrator(c, registry, locker)
	payments := service.NewPaymentCoordinator(c, registry, locker, saga)
	h := NewHandler(Services{
		Orders:   service.NewOrderService(c, payments, saga, node),
		Payments: payments,
		PostSale: service.NewPostSaleService(c, saga, couriermocks.NewMockClient(ctrl), locker, node),
		Wallet:   c.Wallet,
	}, limiter, checks)

	router := gin.New()
	h.SetupRoutes(router)
	return &testServer{
		router: router,
		store:  ms,
		user:   ms.AddUser(models.User{WalletBalance: 5000}),
		shirt:  ms.AddVariant(models.Variant{ProductID: 1, CategoryID: 1, SKU: "SHIRT", Name: "Shirt", Price: 50000, Stock: 3, Active: true}),
	}
}

func (s *testServer) do(method, path string, userID int64, body any) *httptest.ResponseRecorder {
	return s.send(method, path, body, func(req *http.Request) {
		if userID != 0 {
			req.Header.Set(userIDHeader, strconv.FormatInt(userID, 10))
		}
	})
}

func (s *testServer) doAdmin(method, path string, body any) *httptest.ResponseRecorder {
	return s.send(method, path, body, func(req *http.Request) {
		req.Header.Set(roleHeader, roleAdmin)
		req.Header.Set(actorHeader, "ops")
	})
}

func (s *testServer) send(method, path string, body any, withHeaders func(*http.Request)) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case string:
		buf.WriteString(b)
	default:
		_ = json.NewEncoder(&buf).Encode(b)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	withHeaders(req)
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func (s *testServer) checkoutBody(qty int, key string) gin.H {
	return gin.H{
		"items":           []gin.H{{"variant_id": s.shirt.ID, "quantity": qty}},
		"payment_method":  "cod",
		"idempotency_key": key,
		"shipping_address": gin.H{
			"name": "Asha", "phone": "9999999999", "line1": "12 MG Road", "city": "Pune", "state": "MH", "pincode": "411001",
		},
	}
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func TestRequiresUserHeader(t *testing.T) {
	s := newTestServer(t, nil, nil)

	w := s.do(http.MethodPost, "/api/v1/checkout", 0, s.checkoutBody(1, "k1"))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = s.do(http.MethodGet, "/api/v1/wallet", 0, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestCheckoutAndReadOrder(t *testing.T) {
	s := newTestServer(t, nil, nil)

	w := s.do(http.MethodPost, "/api/v1/checkout", s.user.ID, s.checkoutBody(1, "k1"))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	res := decode[service.CheckoutResult](t, w)
	require.NotNil(t, res.Order)
	assert.Equal(t, models.OrderStatusConfirmed, res.Order.Status)
	assert.False(t, res.Replayed)

	w = s.do(http.MethodPost, "/api/v1/checkout", s.user.ID, s.checkoutBody(1, "k1"))
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, decode[service.CheckoutResult](t, w).Replayed)
	assert.Equal(t, 2, s.store.Variant(s.shirt.ID).Stock)

	path := "/api/v1/orders/" + strconv.FormatInt(res.Order.ID, 10)
	w = s.do(http.MethodGet, path, s.user.ID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, res.Order.OrderNo, decode[models.Order](t, w).OrderNo)

	other := s.store.AddUser(models.User{})
	w = s.do(http.MethodGet, path, other.ID, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = s.do(http.MethodGet, "/api/v1/orders/abc", s.user.ID, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCheckoutRejections(t *testing.T) {
	s := newTestServer(t, nil, nil)

	w := s.do(http.MethodPost, "/api/v1/checkout", s.user.ID, s.checkoutBody(4, "too-many"))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, 3, s.store.Variant(s.shirt.ID).Stock)

	w = s.do(http.MethodPost, "/api/v1/checkout", s.user.ID, "{not json")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "invalid request body", decode[map[string]string](t, w)["message"])

	body := s.checkoutBody(1, "bad-method")
	body["payment_method"] = "cheque"
	w = s.do(http.MethodPost, "/api/v1/checkout", s.user.ID, body)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCheckoutIsRateLimited(t *testing.T) {
	s := newTestServer(t, NewRateLimiter(0.001, 1), nil)

	w := s.do(http.MethodPost, "/api/v1/checkout", s.user.ID, s.checkoutBody(1, "a"))
	require.Equal(t, http.StatusCreated, w.Code)
	w = s.do(http.MethodPost, "/api/v1/checkout", s.user.ID, s.checkoutBody(1, "b"))
	assert.Equal(t, http.StatusTooManyRequests, w.Code)

	// reads are not limited
	w = s.do(http.MethodGet, "/api/v1/wallet", s.user.ID, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestReadiness(t *testing.T) {
	s := newTestServer(t, nil, map[string]Pinger{
		"postgres": pingerFunc(func(context.Context) error { return nil }),
		"redis":    pingerFunc(func(context.Context) error { return errors.New("connection refused") }),
	})

	w := s.do(http.MethodGet, "/ready", 0, nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	deps := decode[struct {
		Dependencies map[string]string `json:"dependencies"`
	}](t, w).Dependencies
	assert.Equal(t, map[string]string{"redis": "unavailable"}, deps)

	w = s.do(http.MethodGet, "/health", 0, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestWebhookForUnknownGateway(t *testing.T) {
	s := newTestServer(t, nil, nil)
	w := s.do(http.MethodPost, "/api/v1/payments/webhook/paypal", 0, `{"event":"payment.captured"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestWalletBalance(t *testing.T) {
	s := newTestServer(t, nil, nil)
	w := s.do(http.MethodGet, "/api/v1/wallet", s.user.ID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, int64(5000), decode[struct {
		Balance int64 `json:"balance"`
	}](t, w).Balance)
}

func TestAdminOrderStatus(t *testing.T) {
	s := newTestServer(t, nil, nil)
	w := s.do(http.MethodPost, "/api/v1/checkout", s.user.ID, s.checkoutBody(1, "k1"))
	require.Equal(t, http.StatusCreated, w.Code)
	id := decode[service.CheckoutResult](t, w).Order.ID
	path := "/api/v1/admin/orders/" + strconv.FormatInt(id, 10) + "/status"

	w = s.doAdmin(http.MethodPatch, path, gin.H{"status": "delivered"})
	assert.Equal(t, http.StatusBadRequest, w.Code, "invalid transitions are rejected")

	w = s.doAdmin(http.MethodPatch, path, gin.H{"status": "processing"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, models.OrderStatusProcessing, decode[models.Order](t, w).Status)

	w = s.doAdmin(http.MethodPatch, path, gin.H{"status": "refunded"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.doAdmin(http.MethodPatch, path, gin.H{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAdminRoutesRequireAdminRole(t *testing.T) {
	s := newTestServer(t, nil, nil)
	w := s.do(http.MethodPost, "/api/v1/checkout", s.user.ID, s.checkoutBody(1, "k1"))
	require.Equal(t, http.StatusCreated, w.Code)
	orderID := decode[service.CheckoutResult](t, w).Order.ID
	id := strconv.FormatInt(orderID, 10)

	for _, path := range []string{
		"/api/v1/admin/orders/" + id + "/status",
		"/api/v1/admin/returns/1/status",
		"/api/v1/admin/exchanges/1/status",
	} {
		w = s.do(http.MethodPatch, path, s.user.ID, gin.H{"status": "processing"})
		assert.Equal(t, http.StatusForbidden, w.Code, path)
	}
	assert.Equal(t, models.OrderStatusConfirmed, s.store.Order(orderID).Status)
}
