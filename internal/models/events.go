package models

import "time"

// Event types
const (
	EventTypeStockChanged             = "STOCK_CHANGED"
	EventTypeReservationChanged       = "RESERVATION_CHANGED"
	EventTypeOrderStatusChanged       = "ORDER_STATUS_CHANGED"
	EventTypeOrderTransitionRequested = "ORDER_TRANSITION_REQUESTED"
)

// BaseEvent contains common fields for all events
type BaseEvent struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
}

// StockChangedEvent published after a journal row is committed
type StockChangedEvent struct {
	BaseEvent
	Transaction Transaction `json:"transaction"`
	Record      StockRecord `json:"record"`
}

// ReservationChangedEvent published when a reservation is created, released or consumed
type ReservationChangedEvent struct {
	BaseEvent
	Reservation Reservation `json:"reservation"`
	Record      StockRecord `json:"record"`
}

// OrderStatusChangedEvent published after a workflow transition
type OrderStatusChangedEvent struct {
	BaseEvent
	Transition OrderTransition `json:"transition"`
}

// OrderTransitionRequestedEvent is a command sent by the document collaborator
// once the evidence for a transition has been stored.
type OrderTransitionRequestedEvent struct {
	BaseEvent
	OrderID     string      `json:"order_id"`
	Target      OrderStatus `json:"target_status"`
	Actor       string      `json:"actor"`
	Reason      string      `json:"reason,omitempty"`
	DocumentRef string      `json:"evidence_doc_id,omitempty"`
}
