package store

import (
	"context"
	"fmt"

	"inventory-ledger/internal/models"

	"github.com/jmoiron/sqlx"
)

// Orders is the Postgres order repository
type Orders struct {
	store *Store
}

// NewOrders creates an order repository backed by s
func NewOrders(s *Store) *Orders {
	return &Orders{store: s}
}

// Create inserts a new order together with its initial history entry
func (o *Orders) Create(ctx context.Context, order *models.Order, initial *models.OrderTransition) error {
	return o.store.inTx(ctx, func(ctx context.Context, tx *sqlx.Tx) error {
		_, err := sqlx.NamedExecContext(ctx, tx, `
			INSERT INTO orders (id, quote_id, status, created_at, updated_at)
			VALUES (:id, :quote_id, :status, :created_at, :updated_at)`,
			order)
		if pqCode(err) == codeUniqueViolation {
			return &models.ValidationError{Field: "order_id", Message: "order already exists: " + order.ID}
		}
		if err != nil {
			return fmt.Errorf("failed to create order: %w", err)
		}
		return insertTransition(ctx, tx, initial)
	})
}

// Get retrieves an order and its history
func (o *Orders) Get(ctx context.Context, orderID string) (*models.OrderStatusRecord, error) {
	q := o.store.conn(ctx)

	var order models.Order
	err := q.GetContext(ctx, &order, "SELECT * FROM orders WHERE id = $1", orderID)
	if isNoRows(err) {
		return nil, &models.NotFoundError{Kind: "order", ID: orderID}
	}
	if err != nil {
		return nil, err
	}

	history := []models.OrderTransition{}
	err = q.SelectContext(ctx, &history,
		"SELECT * FROM order_transitions WHERE order_id = $1 ORDER BY id", orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to get order history: %w", err)
	}
	return &models.OrderStatusRecord{Order: order, History: history}, nil
}

// AppendTransition moves the order from t.From to t.To and records t.
// The status update is conditional on t.From so a concurrent writer loses.
func (o *Orders) AppendTransition(ctx context.Context, t *models.OrderTransition) error {
	return o.store.inTx(ctx, func(ctx context.Context, tx *sqlx.Tx) error {
		result, err := tx.ExecContext(ctx,
			"UPDATE orders SET status = $1, updated_at = $2 WHERE id = $3 AND status = $4",
			t.To, t.CreatedAt, t.OrderID, t.From)
		if err != nil {
			return fmt.Errorf("failed to update order status: %w", err)
		}
		n, err := result.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			var exists bool
			if err := tx.GetContext(ctx, &exists, "SELECT EXISTS(SELECT 1 FROM orders WHERE id = $1)", t.OrderID); err != nil {
				return err
			}
			if !exists {
				return &models.NotFoundError{Kind: "order", ID: t.OrderID}
			}
			return &models.ConcurrentConflict{Key: "order:" + t.OrderID, Attempts: 1}
		}
		return insertTransition(ctx, tx, t)
	})
}

func insertTransition(ctx context.Context, tx *sqlx.Tx, t *models.OrderTransition) error {
	err := tx.GetContext(ctx, &t.ID, `
		INSERT INTO order_transitions (order_id, from_status, to_status, actor, reason, document_ref, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id`,
		t.OrderID, t.From, t.To, t.Actor, t.Reason, t.DocumentRef, t.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert order transition: %w", err)
	}
	return nil
}

// IsEventProcessed checks if an event has been processed
func (s *Store) IsEventProcessed(ctx context.Context, eventID string) (bool, error) {
	var exists bool
	err := s.db.GetContext(ctx, &exists,
		"SELECT EXISTS(SELECT 1 FROM processed_events WHERE event_id = $1)", eventID)
	return exists, err
}

// MarkEventProcessed marks an event as processed
func (s *Store) MarkEventProcessed(ctx context.Context, eventID, eventType string) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO processed_events (event_id, event_type) VALUES ($1, $2) ON CONFLICT (event_id) DO NOTHING",
		eventID, eventType)
	return err
}
