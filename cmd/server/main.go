package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"commerce-engine/config"
	"commerce-engine/internal/api"
	"commerce-engine/internal/broker"
	"commerce-engine/internal/cache"
	"commerce-engine/internal/courier"
	"commerce-engine/internal/gateway"
	"commerce-engine/internal/lock"
	"commerce-engine/internal/models"
	"commerce-engine/internal/redisclient"
	"commerce-engine/internal/service"
	"commerce-engine/internal/store"
	"commerce-engine/internal/store/memstore"
	"commerce-engine/internal/util"
	"commerce-engine/internal/worker"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var errBrokerDisabled = errors.New("broker disabled")

// directEvents stands in for kafka when it is turned off. Order events are dropped and the
// other publishers fail so callers take their inline path.
type directEvents struct{}

func (directEvents) PublishOrderEvent(context.Context, *models.OrderEvent) error { return nil }

func (directEvents) PublishPaymentWebhook(context.Context, *models.PaymentWebhookEvent) error {
	return errBrokerDisabled
}

func (directEvents) PublishCourierRetry(context.Context, *models.CourierPickupRetryEvent) error {
	return errBrokerDisabled
}

func main() {
	cfg := config.Load()

	if err := util.InitLogger(cfg.Server.Env); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer util.SyncLogger()

	logger := util.GetLogger()
	logger.Info("Starting commerce engine")

	tp, err := util.InitTracer(cfg.Observ.ServiceName, cfg.Observ.JaegerEndpoint)
	if err != nil {
		log.Fatalf("Failed to initialize tracer: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			logger.Warn("Error shutting down tracer", zap.Error(err))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	checks := map[string]api.Pinger{}

	var uow store.UnitOfWork
	switch cfg.Database.Backend {
	case "memory":
		uow = memstore.New()
		logger.Warn("Using in-memory store; data is lost on restart")
	default:
		db, err := store.NewStore(cfg.Database.URL)
		if err != nil {
			log.Fatalf("Failed to connect to database: %v", err)
		}
		defer db.Close()
		if err := db.Migrate(ctx); err != nil {
			log.Fatalf("Failed to migrate database: %v", err)
		}
		uow = db
		checks["postgres"] = db
		logger.Info("Database connected")
	}

	var (
		orderCache cache.OrderCache = cache.Nop{}
		locker     lock.Locker
	)
	redisClient, err := redisclient.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	switch {
	case err == nil:
		defer redisClient.Close()
		orderCache = cache.NewRedisCache(redisClient, cfg.Redis.CacheTTL)
		checks["redis"] = redisClient
		logger.Info("Redis connected")
	case cfg.Lock.Backend == "redis":
		log.Fatalf("Failed to connect to Redis: %v", err)
	default:
		logger.Warn("Redis unavailable, running without cache", zap.Error(err))
	}
	if cfg.Lock.Backend == "redis" {
		locker = lock.NewRedisLocker(redisClient)
	} else {
		locker = lock.NewMemoryLocker()
	}

	var events service.EventPublisher = directEvents{}
	if cfg.Kafka.Enabled {
		orders := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicOrder)
		defer orders.Close()
		webhooks := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicWebhooks)
		defer webhooks.Close()
		courierRetries := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicCourier)
		defer courierRetries.Close()
		events = broker.NewEventPublisher(orders, webhooks, courierRetries)
		logger.Info("Kafka producers initialized")
	}

	gateways := gateway.NewRegistry(
		gateway.NewRazorpay(gateway.RazorpayConfig{
			KeyID:         cfg.Gateways.RazorpayKeyID,
			KeySecret:     cfg.Gateways.RazorpayKeySecret,
			WebhookSecret: cfg.Gateways.RazorpayWebhookSecret,
			Timeout:       cfg.Gateways.Timeout,
		}),
		gateway.NewPayU(gateway.PayUConfig{
			Key:     cfg.Gateways.PayUKey,
			Salt:    cfg.Gateways.PayUSalt,
			BaseURL: cfg.Gateways.PayUBaseURL,
			Timeout: cfg.Gateways.Timeout,
		}),
	)
	node, err := snowflake.NewNode(cfg.Server.NodeID)
	if err != nil {
		log.Fatalf("Invalid node id %d: %v", cfg.Server.NodeID, err)
	}

	c := service.NewComponents(uow, orderCache, events, service.Options{
		OrderReservationTTL:    cfg.Business.OrderReservationTTL,
		ExchangeReservationTTL: cfg.Business.ExchangeReservationTTL,
		SessionStaleAfter:      cfg.Business.SessionStaleAfter,
		LockTTL:                cfg.Business.PaymentLockTTL,
		LockRetries:            cfg.Business.LockRetries,
		WalletHoldTTL:          cfg.Business.WalletHoldTTL,
		RestockingFeePercent:   cfg.Business.RestockingFeePercent,
		Currency:               cfg.Business.Currency,
		SweepBatch:             cfg.Business.SweepBatch,
		MaxPickupAttempts:      cfg.Business.MaxPickupAttempts,
	})
	saga := service.NewSagaOrchestrator(c, gateways, locker)
	payments := service.NewPaymentCoordinator(c, gateways, locker, saga)
	orders := service.NewOrderService(c, payments, saga, node)
	postSale := service.NewPostSaleService(c, saga, courier.NewHTTPClient(cfg.Courier.BaseURL, cfg.Courier.Timeout), locker, node)
	sweeper := service.NewSweeper(c, saga)

	g, gctx := errgroup.WithContext(ctx)

	sweepWorker, err := worker.NewSweepWorker(cfg.Business.SweepInterval, sweeper)
	if err != nil {
		log.Fatalf("Invalid sweep schedule %q: %v", cfg.Business.SweepInterval, err)
	}
	g.Go(func() error { return sweepWorker.Start(gctx) })

	if cfg.Kafka.Enabled {
		policy := worker.RetryPolicy{Attempts: int32(cfg.Kafka.HandleAttempts), MaxDelay: cfg.Kafka.MaxRetryDelay}
		orderWorker := worker.NewOrderWorker(
			broker.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicWebhooks, cfg.Kafka.ConsumerGroup), payments, policy)
		courierWorker := worker.NewCourierWorker(
			broker.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicCourier, cfg.Kafka.CourierGroup), postSale, cfg.Kafka.MaxRetryDelay)

		g.Go(func() error { return orderWorker.Start(gctx) })
		g.Go(func() error { return courierWorker.Start(gctx) })
		g.Go(func() error {
			<-gctx.Done()
			return errors.Join(orderWorker.Stop(), courierWorker.Stop())
		})
	}

	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	var limiter *api.RateLimiter
	if cfg.Server.RateLimit > 0 {
		limiter = api.NewRateLimiter(cfg.Server.RateLimit, cfg.Server.RateBurst)
	}
	handler := api.NewHandler(api.Services{
		Orders:   orders,
		Payments: payments,
		PostSale: postSale,
		Wallet:   c.Wallet,
	}, limiter, checks)
	handler.SetupRoutes(router)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	g.Go(func() error {
		logger.Info("Starting HTTP server", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("Server exited with error", zap.Error(err))
		return
	}
	logger.Info("Server exited")
}
