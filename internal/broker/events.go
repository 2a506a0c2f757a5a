package broker

import (
	"context"
	"encoding/json"
	"fmt"

	"commerce-engine/internal/models"
	"commerce-engine/internal/service"
	"commerce-engine/internal/util"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// EventPublisher routes domain events to their topics.
type EventPublisher struct {
	orders   EventWriter
	webhooks EventWriter
	courier  EventWriter
}

var _ service.EventPublisher = (*EventPublisher)(nil)

// NewEventPublisher creates a new event publisher
func NewEventPublisher(orders, webhooks, courier EventWriter) *EventPublisher {
	return &EventPublisher{orders: orders, webhooks: webhooks, courier: courier}
}

// PublishOrderEvent publishes an order lifecycle event keyed by order so consumers see it in order.
func (ep *EventPublisher) PublishOrderEvent(ctx context.Context, event *models.OrderEvent) error {
	key := fmt.Sprintf("order-%d", event.OrderID)
	return ep.orders.PublishEvent(ctx, key, event)
}

// PublishPaymentWebhook publishes a verified gateway notification keyed by gateway order.
func (ep *EventPublisher) PublishPaymentWebhook(ctx context.Context, event *models.PaymentWebhookEvent) error {
	key := fmt.Sprintf("%s-%s", event.Gateway, event.GatewayOrderID)
	return ep.webhooks.PublishEvent(ctx, key, event)
}

func (ep *EventPublisher) PublishCourierRetry(ctx context.Context, event *models.CourierPickupRetryEvent) error {
	key := fmt.Sprintf("%s-%d", event.Kind, event.TargetID)
	return ep.courier.PublishEvent(ctx, key, event)
}

// EventHandler handles incoming events
type EventHandler struct {
	onPaymentWebhook func(context.Context, *models.PaymentWebhookEvent) error
	onCourierRetry   func(context.Context, *models.CourierPickupRetryEvent) error
	logger           *zap.Logger
}

// NewEventHandler creates a new event handler
func NewEventHandler() *EventHandler {
	return &EventHandler{logger: util.Named("events")}
}

// OnPaymentWebhook registers a handler for PAYMENT_WEBHOOK events
func (eh *EventHandler) OnPaymentWebhook(handler func(context.Context, *models.PaymentWebhookEvent) error) {
	eh.onPaymentWebhook = handler
}

// OnCourierRetry registers a handler for COURIER_PICKUP_RETRY events
func (eh *EventHandler) OnCourierRetry(handler func(context.Context, *models.CourierPickupRetryEvent) error) {
	eh.onCourierRetry = handler
}

// HandleMessage routes messages to appropriate handlers
func (eh *EventHandler) HandleMessage(ctx context.Context, msg kafka.Message) error {
	var baseEvent models.BaseEvent
	if err := json.Unmarshal(msg.Value, &baseEvent); err != nil {
		return fmt.Errorf("failed to unmarshal base event: %w", err)
	}

	eh.logger.Debug("Handling event",
		zap.String("event_type", baseEvent.EventType),
		zap.String("event_id", baseEvent.EventID))

	switch baseEvent.EventType {
	case models.EventTypePaymentWebhook:
		if eh.onPaymentWebhook != nil {
			var event models.PaymentWebhookEvent
			if err := json.Unmarshal(msg.Value, &event); err != nil {
				return fmt.Errorf("failed to unmarshal PaymentWebhook event: %w", err)
			}
			return eh.onPaymentWebhook(ctx, &event)
		}

	case models.EventTypeCourierPickupRetry:
		if eh.onCourierRetry != nil {
			var event models.CourierPickupRetryEvent
			if err := json.Unmarshal(msg.Value, &event); err != nil {
				return fmt.Errorf("failed to unmarshal CourierPickupRetry event: %w", err)
			}
			return eh.onCourierRetry(ctx, &event)
		}

	default:
		eh.logger.Debug("Unhandled event type", zap.String("event_type", baseEvent.EventType))
	}

	return nil
}
