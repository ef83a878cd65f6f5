package store

import (
	"context"
	"fmt"
	"time"

	"inventory-ledger/internal/models"

	"github.com/jmoiron/sqlx"
)

// Reservations is the Postgres reservation repository
type Reservations struct {
	store *Store
}

// NewReservations creates a reservation repository backed by s
func NewReservations(s *Store) *Reservations {
	return &Reservations{store: s}
}

// Create inserts r
func (r *Reservations) Create(ctx context.Context, res *models.Reservation) error {
	_, err := sqlx.NamedExecContext(ctx, r.store.conn(ctx), `
		INSERT INTO reservations (id, owner_id, product_id, warehouse_id, quantity, status, created_at, updated_at)
		VALUES (:id, :owner_id, :product_id, :warehouse_id, :quantity, :status, :created_at, :updated_at)`,
		res)
	if err != nil {
		return fmt.Errorf("failed to insert reservation: %w", err)
	}
	return nil
}

// Get retrieves a reservation by ID
func (r *Reservations) Get(ctx context.Context, id string) (*models.Reservation, error) {
	var res models.Reservation
	err := r.store.conn(ctx).GetContext(ctx, &res, "SELECT * FROM reservations WHERE id = $1", id)
	if isNoRows(err) {
		return nil, &models.NotFoundError{Kind: "reservation", ID: id}
	}
	if err != nil {
		return nil, err
	}
	return &res, nil
}

// Settle moves an ACTIVE reservation to status. It reports false when the
// reservation was already settled.
func (r *Reservations) Settle(ctx context.Context, id string, status models.ReservationStatus) (bool, error) {
	result, err := r.store.conn(ctx).ExecContext(ctx,
		"UPDATE reservations SET status = $1, updated_at = NOW() WHERE id = $2 AND status = $3",
		status, id, models.ReservationActive)
	if err != nil {
		return false, fmt.Errorf("failed to settle reservation: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 1 {
		return true, nil
	}

	if _, err := r.Get(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

// ListByOwner retrieves the reservations of a quote or order
func (r *Reservations) ListByOwner(ctx context.Context, ownerID string) ([]models.Reservation, error) {
	res := []models.Reservation{}
	err := r.store.conn(ctx).SelectContext(ctx, &res,
		"SELECT * FROM reservations WHERE owner_id = $1 ORDER BY created_at, id", ownerID)
	return res, err
}

// ListActiveBefore retrieves ACTIVE reservations created before cutoff
func (r *Reservations) ListActiveBefore(ctx context.Context, cutoff time.Time) ([]models.Reservation, error) {
	res := []models.Reservation{}
	err := r.store.conn(ctx).SelectContext(ctx, &res,
		"SELECT * FROM reservations WHERE status = $1 AND created_at < $2 ORDER BY created_at, id",
		models.ReservationActive, cutoff)
	return res, err
}

// Reassign moves ACTIVE reservations from one owner to another
func (r *Reservations) Reassign(ctx context.Context, fromOwnerID, toOwnerID string) (int, error) {
	result, err := r.store.conn(ctx).ExecContext(ctx,
		"UPDATE reservations SET owner_id = $1, updated_at = NOW() WHERE owner_id = $2 AND status = $3",
		toOwnerID, fromOwnerID, models.ReservationActive)
	if err != nil {
		return 0, err
	}
	n, err := result.RowsAffected()
	return int(n), err
}
