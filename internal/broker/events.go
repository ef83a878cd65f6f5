package broker

import (
	"context"
	"encoding/json"
	"fmt"

	"inventory-ledger/internal/ledger"
	"inventory-ledger/internal/models"
	"inventory-ledger/internal/util"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// EventPublisher publishes ledger and workflow events
type EventPublisher struct {
	producer *Producer
}

// NewEventPublisher creates a new event publisher
func NewEventPublisher(producer *Producer) *EventPublisher {
	return &EventPublisher{producer: producer}
}

// PublishStockChanged publishes StockChanged event keyed by stock record
func (ep *EventPublisher) PublishStockChanged(ctx context.Context, event *models.StockChangedEvent) error {
	key := ledger.Key(event.Record.ProductID, event.Record.WarehouseID)
	return ep.producer.PublishEvent(ctx, key, event)
}

// PublishReservationChanged publishes ReservationChanged event keyed by stock record
func (ep *EventPublisher) PublishReservationChanged(ctx context.Context, event *models.ReservationChangedEvent) error {
	key := ledger.Key(event.Reservation.ProductID, event.Reservation.WarehouseID)
	return ep.producer.PublishEvent(ctx, key, event)
}

// PublishOrderStatusChanged publishes OrderStatusChanged event
func (ep *EventPublisher) PublishOrderStatusChanged(ctx context.Context, event *models.OrderStatusChangedEvent) error {
	key := fmt.Sprintf("order-%s", event.Transition.OrderID)
	return ep.producer.PublishEvent(ctx, key, event)
}

// EventHandler handles incoming commands
type EventHandler struct {
	onTransitionRequested func(context.Context, *models.OrderTransitionRequestedEvent) error
	logger                *zap.Logger
}

// NewEventHandler creates a new event handler
func NewEventHandler() *EventHandler {
	return &EventHandler{logger: util.GetLogger()}
}

// OnOrderTransitionRequested registers a handler for OrderTransitionRequested commands
func (eh *EventHandler) OnOrderTransitionRequested(handler func(context.Context, *models.OrderTransitionRequestedEvent) error) {
	eh.onTransitionRequested = handler
}

// HandleMessage routes messages to appropriate handlers. A payload that
// cannot be decoded is logged and skipped, since redelivering it cannot help.
func (eh *EventHandler) HandleMessage(ctx context.Context, msg kafka.Message) error {
	var baseEvent models.BaseEvent
	if err := json.Unmarshal(msg.Value, &baseEvent); err != nil {
		eh.logger.Error("Skipping undecodable message",
			zap.Int64("offset", msg.Offset),
			zap.Error(err))
		return nil
	}

	eh.logger.Debug("Handling event",
		zap.String("event_type", baseEvent.EventType),
		zap.String("event_id", baseEvent.EventID))

	switch baseEvent.EventType {
	case models.EventTypeOrderTransitionRequested:
		if eh.onTransitionRequested != nil {
			var event models.OrderTransitionRequestedEvent
			if err := json.Unmarshal(msg.Value, &event); err != nil {
				eh.logger.Error("Skipping undecodable OrderTransitionRequested event",
					zap.String("event_id", baseEvent.EventID),
					zap.Error(err))
				return nil
			}
			return eh.onTransitionRequested(ctx, &event)
		}

	default:
		eh.logger.Warn("Unhandled event type", zap.String("event_type", baseEvent.EventType))
	}

	return nil
}
