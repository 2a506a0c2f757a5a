package api

import (
	"context"
	"io"
	"net/http"
	"strconv"
	"time"

	"commerce-engine/internal/errs"
	"commerce-engine/internal/models"
	"commerce-engine/internal/service"
	"commerce-engine/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Pinger is a dependency checked by /ready.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Services are the use cases the HTTP surface exposes.
type Services struct {
	Orders   *service.OrderService
	Payments *service.PaymentCoordinator
	PostSale *service.PostSaleService
	Wallet   *service.WalletService
}

// Handler contains HTTP handlers
type Handler struct {
	svc     Services
	limiter *RateLimiter
	checks  map[string]Pinger
	logger  *zap.Logger
}

// NewHandler creates a new HTTP handler. A nil limiter disables rate limiting.
func NewHandler(svc Services, limiter *RateLimiter, checks map[string]Pinger) *Handler {
	return &Handler{
		svc:     svc,
		limiter: limiter,
		checks:  checks,
		logger:  util.Named("api"),
	}
}

// SetupRoutes sets up HTTP routes
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.Use(gin.Recovery())
	router.Use(prometheusMiddleware())

	router.GET("/health", h.healthCheck)
	router.GET("/ready", h.readinessCheck)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	v1.POST("/payments/webhook/:gateway", h.paymentWebhook)

	user := v1.Group("", requireUser())
	limited := []gin.HandlerFunc{}
	if h.limiter != nil {
		limited = append(limited, h.limiter.Middleware())
	}
	{
		user.POST("/checkout", append(limited, h.checkout)...)
		user.GET("/orders/:id", h.getOrder)
		user.POST("/orders/:id/cancel", h.cancelOrder)
		user.POST("/orders/:id/payments", append(limited, h.initiatePayment)...)
		user.POST("/payments/verify", append(limited, h.verifyPayment)...)
		user.GET("/wallet", h.walletBalance)
		user.GET("/wallet/transactions", h.walletTransactions)
		user.POST("/orders/:id/returns", h.createReturn)
		user.POST("/orders/:id/exchanges", h.createExchange)
		user.POST("/exchanges/:id/payment", h.payExchange)
	}

	admin := v1.Group("/admin", requireAdmin())
	{
		admin.PATCH("/orders/:id/status", h.adminOrderStatus)
		admin.PATCH("/returns/:id/status", h.adminReturnStatus)
		admin.PATCH("/exchanges/:id/status", h.adminExchangeStatus)
	}
}

// respondError maps the error taxonomy onto a status and a message safe to show callers.
func (h *Handler) respondError(c *gin.Context, err error) {
	status := errs.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("Request failed",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Error(err))
	}
	c.JSON(status, gin.H{"message": errs.PublicMessage(err)})
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{"message": msg})
}

func pathID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		badRequest(c, "invalid id")
		return 0, false
	}
	return id, true
}

// healthCheck handles health check requests
func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// readinessCheck pings every dependency.
func (h *Handler) readinessCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	failed := gin.H{}
	for name, p := range h.checks {
		if err := p.Ping(ctx); err != nil {
			h.logger.Warn("Readiness check failed", zap.String("dependency", name), zap.Error(err))
			failed[name] = "unavailable"
		}
	}
	if len(failed) > 0 {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not ready", "dependencies": failed})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status": "ready",
		"time":   time.Now().Unix(),
	})
}

func (h *Handler) checkout(c *gin.Context) {
	var req service.CheckoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body")
		return
	}
	req.UserID = userID(c)
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = c.GetHeader("Idempotency-Key")
	}

	res, err := h.svc.Orders.Checkout(c.Request.Context(), req)
	if err != nil {
		h.respondError(c, err)
		return
	}
	status := http.StatusCreated
	if res.Replayed {
		status = http.StatusOK
	}
	c.JSON(status, res)
}

func (h *Handler) getOrder(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	order, err := h.svc.Orders.GetOrder(c.Request.Context(), userID(c), id)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

type cancelBody struct {
	Reason string `json:"reason"`
}

func (h *Handler) cancelOrder(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var body cancelBody
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&body); err != nil {
			badRequest(c, "invalid request body")
			return
		}
	}
	order, err := h.svc.Orders.Cancel(c.Request.Context(), userID(c), id, body.Reason)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

func (h *Handler) initiatePayment(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req service.InitiateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body")
		return
	}
	req.UserID, req.OrderID = userID(c), id

	res, err := h.svc.Payments.Initiate(c.Request.Context(), req)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handler) verifyPayment(c *gin.Context) {
	var req service.VerifyPaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body")
		return
	}
	req.UserID = userID(c)

	res, err := h.svc.Payments.Verify(c.Request.Context(), req)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// paymentWebhook acknowledges a signed gateway notification. Applying it happens asynchronously.
func (h *Handler) paymentWebhook(c *gin.Context) {
	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, 1<<20))
	if err != nil {
		badRequest(c, "unreadable body")
		return
	}
	signature := c.GetHeader("X-Razorpay-Signature")
	if signature == "" {
		signature = c.GetHeader("X-Webhook-Signature")
	}

	if err := h.svc.Payments.HandleWebhook(c.Request.Context(), c.Param("gateway"), payload, signature); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "accepted"})
}

func (h *Handler) walletBalance(c *gin.Context) {
	uid := userID(c)
	balance, err := h.svc.Wallet.Balance(c.Request.Context(), uid)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"user_id": uid, "balance": balance})
}

func (h *Handler) walletTransactions(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))

	txns, err := h.svc.Wallet.Transactions(c.Request.Context(), userID(c), limit, offset)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transactions": txns})
}

func (h *Handler) createReturn(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req service.CreateReturnRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body")
		return
	}
	req.UserID, req.OrderID = userID(c), id

	ret, err := h.svc.PostSale.RequestReturn(c.Request.Context(), req)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, ret)
}

func (h *Handler) createExchange(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req service.CreateExchangeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body")
		return
	}
	req.UserID, req.OrderID = userID(c), id

	ex, err := h.svc.PostSale.RequestExchange(c.Request.Context(), req)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, ex)
}

type exchangePaymentBody struct {
	PaymentMethod models.PaymentMethod `json:"payment_method" binding:"required"`
}

func (h *Handler) payExchange(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var body exchangePaymentBody
	if err := c.ShouldBindJSON(&body); err != nil {
		badRequest(c, "invalid request body")
		return
	}
	ex, err := h.svc.PostSale.PayExchangeDifferential(c.Request.Context(), userID(c), id, body.PaymentMethod)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, ex)
}

type statusBody struct {
	Status string `json:"status" binding:"required"`
	Note   string `json:"note"`
}

func (h *Handler) adminOrderStatus(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var body statusBody
	if err := c.ShouldBindJSON(&body); err != nil {
		badRequest(c, "invalid request body")
		return
	}
	order, err := h.svc.Orders.AdminUpdateStatus(c.Request.Context(), id, models.OrderStatus(body.Status), actor(c, "admin"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

func (h *Handler) adminReturnStatus(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var body statusBody
	if err := c.ShouldBindJSON(&body); err != nil {
		badRequest(c, "invalid request body")
		return
	}
	ret, err := h.svc.PostSale.UpdateReturnStatus(c.Request.Context(), id, models.ReturnStatus(body.Status), actor(c, "admin"), body.Note)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, ret)
}

func (h *Handler) adminExchangeStatus(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var body statusBody
	if err := c.ShouldBindJSON(&body); err != nil {
		badRequest(c, "invalid request body")
		return
	}
	ex, err := h.svc.PostSale.UpdateExchangeStatus(c.Request.Context(), id, models.ExchangeStatus(body.Status), actor(c, "admin"), body.Note)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, ex)
}
