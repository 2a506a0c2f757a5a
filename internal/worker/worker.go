package worker

import (
	"context"
	"time"

	"commerce-engine/internal/broker"
	"commerce-engine/internal/errs"
	"commerce-engine/internal/models"
	"commerce-engine/internal/service"
	"commerce-engine/internal/util"

	"github.com/ecodeclub/ekit/retry"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

type WebhookApplier interface {
	ApplyWebhook(ctx context.Context, event *models.PaymentWebhookEvent) error
}

type PickupRetrier interface {
	RetryPickup(ctx context.Context, event *models.CourierPickupRetryEvent) error
}

type SweepRunner interface {
	RunOnce(ctx context.Context) service.SweepResult
}

// RetryPolicy bounds how a worker retries one message.
type RetryPolicy struct {
	Attempts int32
	MaxDelay time.Duration
}

// transient reports whether retrying could change the outcome.
func transient(err error) bool {
	switch errs.KindOf(err) {
	case errs.KindInternal, errs.KindGateway:
		return true
	}
	return false
}

// withRetry runs fn until it succeeds, fails permanently or runs out of attempts.
func withRetry(ctx context.Context, policy RetryPolicy, fn func() error) error {
	initial := time.Second
	if policy.MaxDelay < initial {
		initial = policy.MaxDelay
	}
	// zero retries means unlimited to the strategy
	if policy.Attempts < 1 {
		policy.Attempts = 1
	}
	strategy, err := retry.NewExponentialBackoffRetryStrategy(initial, policy.MaxDelay, policy.Attempts)
	if err != nil {
		return err
	}
	for {
		err := fn()
		if err == nil || !transient(err) {
			return err
		}
		next, ok := strategy.Next()
		if !ok {
			return err
		}
		if err := sleep(ctx, next); err != nil {
			return err
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// OrderWorker applies payment webhooks acknowledged by the API.
type OrderWorker struct {
	consumer     *broker.Consumer
	eventHandler *broker.EventHandler
	applier      WebhookApplier
	policy       RetryPolicy
	logger       *zap.Logger
}

// NewOrderWorker creates a new order worker
func NewOrderWorker(consumer *broker.Consumer, applier WebhookApplier, policy RetryPolicy) *OrderWorker {
	w := &OrderWorker{
		consumer:     consumer,
		eventHandler: broker.NewEventHandler(),
		applier:      applier,
		policy:       policy,
		logger:       util.Named("worker.orders"),
	}
	w.eventHandler.OnPaymentWebhook(w.handleWebhook)
	return w
}

func (w *OrderWorker) handleWebhook(ctx context.Context, event *models.PaymentWebhookEvent) error {
	err := withRetry(ctx, w.policy, func() error {
		return w.applier.ApplyWebhook(ctx, event)
	})
	if err != nil {
		w.logger.Error("Dropping payment webhook",
			zap.String("event_id", event.EventID),
			zap.String("gateway_order_id", event.GatewayOrderID),
			zap.Error(err))
	}
	return err
}

// Start starts the worker
func (w *OrderWorker) Start(ctx context.Context) error {
	w.logger.Info("Starting order worker")
	return w.consumer.StartConsuming(ctx, w.eventHandler.HandleMessage)
}

// Stop stops the worker
func (w *OrderWorker) Stop() error {
	w.logger.Info("Stopping order worker")
	return w.consumer.Close()
}

// CourierWorker re-attempts failed pickups, waiting longer after every failure.
type CourierWorker struct {
	consumer     *broker.Consumer
	eventHandler *broker.EventHandler
	retrier      PickupRetrier
	maxDelay     time.Duration
	logger       *zap.Logger
}

func NewCourierWorker(consumer *broker.Consumer, retrier PickupRetrier, maxDelay time.Duration) *CourierWorker {
	w := &CourierWorker{
		consumer:     consumer,
		eventHandler: broker.NewEventHandler(),
		retrier:      retrier,
		maxDelay:     maxDelay,
		logger:       util.Named("worker.courier"),
	}
	w.eventHandler.OnCourierRetry(w.handleRetry)
	return w
}

// pickupBackoff is 2^attempt seconds, capped.
func pickupBackoff(attempt int, max time.Duration) time.Duration {
	if attempt > 20 {
		return max
	}
	d := time.Duration(1<<uint(attempt)) * time.Second
	if d > max {
		return max
	}
	return d
}

func (w *CourierWorker) handleRetry(ctx context.Context, event *models.CourierPickupRetryEvent) error {
	wait := pickupBackoff(event.Attempt, w.maxDelay)
	w.logger.Info("Retrying courier pickup",
		zap.String("kind", event.Kind),
		zap.Int64("target_id", event.TargetID),
		zap.Int("attempt", event.Attempt),
		zap.Duration("after", wait))
	if err := sleep(ctx, wait); err != nil {
		return err
	}
	return w.retrier.RetryPickup(ctx, event)
}

func (w *CourierWorker) Start(ctx context.Context) error {
	w.logger.Info("Starting courier worker")
	return w.consumer.StartConsuming(ctx, w.eventHandler.HandleMessage)
}

func (w *CourierWorker) Stop() error {
	w.logger.Info("Stopping courier worker")
	return w.consumer.Close()
}

// SweepWorker runs the expiry sweeps on a cron schedule. Overlapping runs are skipped.
type SweepWorker struct {
	cron   *cron.Cron
	runner SweepRunner
	logger *zap.Logger
}

func NewSweepWorker(spec string, runner SweepRunner) (*SweepWorker, error) {
	w := &SweepWorker{
		cron:   cron.New(cron.WithChain(cron.Recover(cron.DefaultLogger), cron.SkipIfStillRunning(cron.DefaultLogger))),
		runner: runner,
		logger: util.Named("worker.sweep"),
	}
	if _, err := w.cron.AddFunc(spec, w.tick); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *SweepWorker) tick() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	w.runner.RunOnce(ctx)
}

// Start runs the schedule until ctx is done, then waits for a running sweep to finish.
func (w *SweepWorker) Start(ctx context.Context) error {
	w.logger.Info("Starting sweep worker")
	w.cron.Start()
	<-ctx.Done()
	<-w.cron.Stop().Done()
	w.logger.Info("Sweep worker stopped")
	return nil
}
