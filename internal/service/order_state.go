package service

import (
	"commerce-engine/internal/errs"
	"commerce-engine/internal/models"
	"commerce-engine/internal/util"

	"go.uber.org/zap"
)

var orderTransitions = map[models.OrderStatus][]models.OrderStatus{
	models.OrderStatusPending: {
		models.OrderStatusConfirmed,
		models.OrderStatusFailed,
		models.OrderStatusCancelled,
	},
	models.OrderStatusConfirmed: {
		models.OrderStatusProcessing,
		models.OrderStatusCancelled,
		models.OrderStatusRefunded,
	},
	models.OrderStatusProcessing:     {models.OrderStatusOutForDelivery},
	models.OrderStatusOutForDelivery: {models.OrderStatusDelivered},
	models.OrderStatusDelivered: {
		models.OrderStatusReturnRequested,
		models.OrderStatusExchangeRequested,
	},
	models.OrderStatusReturnRequested: {
		models.OrderStatusReturned,
		models.OrderStatusDelivered,
	},
	models.OrderStatusReturned: {
		models.OrderStatusRefunded,
		models.OrderStatusReturnRequested,
		models.OrderStatusExchangeRequested,
	},
	models.OrderStatusRefunded: {
		models.OrderStatusReturnRequested,
		models.OrderStatusExchangeRequested,
	},
	models.OrderStatusExchangeRequested: {
		models.OrderStatusExchangeApproved,
		models.OrderStatusExchangeRejected,
	},
	models.OrderStatusExchangeApproved: {
		models.OrderStatusPickupScheduled,
		models.OrderStatusExchangeRejected,
	},
	models.OrderStatusPickupScheduled: {
		models.OrderStatusPickedUp,
		models.OrderStatusExchangeRejected,
	},
	models.OrderStatusPickedUp: {
		models.OrderStatusExchanged,
		models.OrderStatusExchangeRejected,
	},
	models.OrderStatusExchanged: {
		models.OrderStatusReturnRequested,
		models.OrderStatusExchangeRequested,
	},
	models.OrderStatusExchangeRejected: {
		models.OrderStatusReturnRequested,
		models.OrderStatusExchangeRequested,
	},
}

// OrderStateMachine validates every order status change against the transition table.
type OrderStateMachine struct {
	logger *zap.Logger
}

func NewOrderStateMachine() *OrderStateMachine {
	return &OrderStateMachine{logger: util.Named("order_state")}
}

func (m *OrderStateMachine) CanTransition(from, to models.OrderStatus) bool {
	for _, next := range orderTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Transition moves the order and records the change. The caller persists the order in the
// same unit of work; an error leaves the order untouched.
func (m *OrderStateMachine) Transition(order *models.Order, to models.OrderStatus, actor string) error {
	from := order.Status
	if !m.CanTransition(from, to) {
		util.InvalidTransitionsTotal.WithLabelValues(string(from), string(to)).Inc()
		m.logger.Error("Invalid order state transition",
			zap.Int64("order_id", order.ID),
			zap.String("from", string(from)),
			zap.String("to", string(to)),
			zap.String("actor", actor))
		return errs.InvalidStateTransition(string(from), string(to))
	}
	order.Status = to
	order.Meta.AddStatusChange(from, to, actor)
	return nil
}

// Allowed lists the statuses reachable from the given one.
func (m *OrderStateMachine) Allowed(from models.OrderStatus) []models.OrderStatus {
	return append([]models.OrderStatus(nil), orderTransitions[from]...)
}
