package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"commerce-engine/internal/errs"
	"commerce-engine/internal/models"
	"commerce-engine/internal/service"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPickupBackoff(t *testing.T) {
	assert.Equal(t, 2*time.Second, pickupBackoff(1, time.Minute))
	assert.Equal(t, 16*time.Second, pickupBackoff(4, time.Minute))
	assert.Equal(t, time.Minute, pickupBackoff(6, time.Minute))
	assert.Equal(t, time.Minute, pickupBackoff(64, time.Minute))
}

func TestWithRetryStopsOnPermanentError(t *testing.T) {
	calls := 0
	err := withRetry(context.Background(), RetryPolicy{Attempts: 5, MaxDelay: time.Millisecond}, func() error {
		calls++
		return errs.Validation("bad payload")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestWithRetryGivesUpAfterAttempts(t *testing.T) {
	calls := 0
	boom := errors.New("db down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := withRetry(ctx, RetryPolicy{Attempts: 2, MaxDelay: time.Second}, func() error {
		calls++
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 3, calls)
}

func TestWithRetryHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := withRetry(ctx, RetryPolicy{Attempts: 3, MaxDelay: time.Second}, func() error {
		return errs.Gateway("refund", errors.New("timeout"))
	})
	assert.ErrorIs(t, err, context.Canceled)
}

type applierFunc func(ctx context.Context, event *models.PaymentWebhookEvent) error

func (f applierFunc) ApplyWebhook(ctx context.Context, event *models.PaymentWebhookEvent) error {
	return f(ctx, event)
}

func TestOrderWorkerAppliesWebhook(t *testing.T) {
	var applied atomic.Int32
	w := NewOrderWorker(nil, applierFunc(func(context.Context, *models.PaymentWebhookEvent) error {
		applied.Add(1)
		return nil
	}), RetryPolicy{Attempts: 1, MaxDelay: time.Second})

	require.NoError(t, w.handleWebhook(context.Background(), &models.PaymentWebhookEvent{GatewayOrderID: "order_1"}))
	assert.Equal(t, int32(1), applied.Load())
}

type countingRunner struct{ runs atomic.Int32 }

func (r *countingRunner) RunOnce(context.Context) service.SweepResult {
	r.runs.Add(1)
	return service.SweepResult{}
}

func TestSweepWorkerRunsOnSchedule(t *testing.T) {
	runner := &countingRunner{}
	w, err := NewSweepWorker("@every 1s", runner)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = w.Start(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool { return runner.runs.Load() > 0 }, 3*time.Second, 50*time.Millisecond)
	cancel()
	<-done
}

func TestSweepWorkerRejectsBadSpec(t *testing.T) {
	_, err := NewSweepWorker("every so often", &countingRunner{})
	assert.Error(t, err)
}
