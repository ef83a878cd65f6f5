package service

import (
	"context"
	"time"

	"inventory-ledger/internal/models"
)

// Journal is the append-only log of stock movements.
type Journal interface {
	Append(ctx context.Context, tx *models.Transaction) error
	List(ctx context.Context, filter models.TransactionFilter) ([]models.Transaction, error)
}

// ReservationStore persists reservations. Status changes only go from ACTIVE
// to a terminal status, through Settle.
type ReservationStore interface {
	Create(ctx context.Context, r *models.Reservation) error
	Get(ctx context.Context, id string) (*models.Reservation, error)
	// Settle moves an ACTIVE reservation to status and reports whether it did.
	Settle(ctx context.Context, id string, status models.ReservationStatus) (bool, error)
	ListByOwner(ctx context.Context, ownerID string) ([]models.Reservation, error)
	ListActiveBefore(ctx context.Context, cutoff time.Time) ([]models.Reservation, error)
	// Reassign moves the ACTIVE reservations of one owner to another.
	Reassign(ctx context.Context, fromOwnerID, toOwnerID string) (int, error)
}

// OrderStore persists orders and their transition history.
type OrderStore interface {
	Create(ctx context.Context, order *models.Order, initial *models.OrderTransition) error
	Get(ctx context.Context, orderID string) (*models.OrderStatusRecord, error)
	// AppendTransition records t and moves the order to t.To, provided the
	// order is still in t.From. Otherwise it returns a ConcurrentConflict.
	AppendTransition(ctx context.Context, t *models.OrderTransition) error
}

// ProcessedEvents de-duplicates consumed commands.
type ProcessedEvents interface {
	IsEventProcessed(ctx context.Context, eventID string) (bool, error)
	MarkEventProcessed(ctx context.Context, eventID, eventType string) error
}

// EventPublisher publishes domain events after state has been committed.
type EventPublisher interface {
	PublishStockChanged(ctx context.Context, event *models.StockChangedEvent) error
	PublishReservationChanged(ctx context.Context, event *models.ReservationChangedEvent) error
	PublishOrderStatusChanged(ctx context.Context, event *models.OrderStatusChangedEvent) error
}

// NopPublisher discards every event
type NopPublisher struct{}

func (NopPublisher) PublishStockChanged(context.Context, *models.StockChangedEvent) error {
	return nil
}

func (NopPublisher) PublishReservationChanged(context.Context, *models.ReservationChangedEvent) error {
	return nil
}

func (NopPublisher) PublishOrderStatusChanged(context.Context, *models.OrderStatusChangedEvent) error {
	return nil
}
