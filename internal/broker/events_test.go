package broker

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"commerce-engine/internal/models"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordedMessage struct {
	key   string
	event interface{}
}

type recordingWriter struct {
	sent []recordedMessage
	err  error
}

func (w *recordingWriter) PublishEvent(_ context.Context, key string, event interface{}) error {
	if w.err != nil {
		return w.err
	}
	w.sent = append(w.sent, recordedMessage{key: key, event: event})
	return nil
}

func TestEventPublisherRoutesByTopic(t *testing.T) {
	orders, webhooks, courier := &recordingWriter{}, &recordingWriter{}, &recordingWriter{}
	pub := NewEventPublisher(orders, webhooks, courier)
	ctx := context.Background()

	require.NoError(t, pub.PublishOrderEvent(ctx, &models.OrderEvent{OrderID: 42}))
	require.NoError(t, pub.PublishPaymentWebhook(ctx, &models.PaymentWebhookEvent{
		Gateway: models.PaymentMethodRazorpay, GatewayOrderID: "order_abc",
	}))
	require.NoError(t, pub.PublishCourierRetry(ctx, &models.CourierPickupRetryEvent{
		Kind: models.PickupForReturn, TargetID: 7,
	}))

	require.Len(t, orders.sent, 1)
	assert.Equal(t, "order-42", orders.sent[0].key)
	require.Len(t, webhooks.sent, 1)
	assert.Equal(t, "razorpay-order_abc", webhooks.sent[0].key)
	require.Len(t, courier.sent, 1)
	assert.Equal(t, "return-7", courier.sent[0].key)
}

func TestEventPublisherPropagatesWriteErrors(t *testing.T) {
	boom := errors.New("broker down")
	pub := NewEventPublisher(&recordingWriter{err: boom}, &recordingWriter{}, &recordingWriter{})

	err := pub.PublishOrderEvent(context.Background(), &models.OrderEvent{OrderID: 1})
	assert.ErrorIs(t, err, boom)
}

func message(t *testing.T, event interface{}) kafka.Message {
	t.Helper()
	b, err := json.Marshal(event)
	require.NoError(t, err)
	return kafka.Message{Value: b}
}

func TestEventHandlerDispatches(t *testing.T) {
	h := NewEventHandler()
	var gotWebhook *models.PaymentWebhookEvent
	var gotRetry *models.CourierPickupRetryEvent
	h.OnPaymentWebhook(func(_ context.Context, e *models.PaymentWebhookEvent) error {
		gotWebhook = e
		return nil
	})
	h.OnCourierRetry(func(_ context.Context, e *models.CourierPickupRetryEvent) error {
		gotRetry = e
		return nil
	})
	ctx := context.Background()

	require.NoError(t, h.HandleMessage(ctx, message(t, &models.PaymentWebhookEvent{
		BaseEvent:        models.BaseEvent{EventID: "e1", EventType: models.EventTypePaymentWebhook},
		GatewayPaymentID: "pay_1",
		Amount:           5000,
	})))
	require.NotNil(t, gotWebhook)
	assert.Equal(t, "pay_1", gotWebhook.GatewayPaymentID)
	assert.Equal(t, int64(5000), gotWebhook.Amount)

	require.NoError(t, h.HandleMessage(ctx, message(t, &models.CourierPickupRetryEvent{
		BaseEvent: models.BaseEvent{EventID: "e2", EventType: models.EventTypeCourierPickupRetry},
		TargetID:  9,
		Attempt:   2,
	})))
	require.NotNil(t, gotRetry)
	assert.Equal(t, 2, gotRetry.Attempt)
}

func TestEventHandlerIgnoresUnknownAndRejectsGarbage(t *testing.T) {
	h := NewEventHandler()
	ctx := context.Background()

	assert.NoError(t, h.HandleMessage(ctx, message(t, &models.OrderEvent{
		BaseEvent: models.BaseEvent{EventType: models.EventTypeOrderCreated},
	})))
	assert.Error(t, h.HandleMessage(ctx, kafka.Message{Value: []byte("{not json")}))
}
