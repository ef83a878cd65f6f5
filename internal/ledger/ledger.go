// Package ledger holds the authoritative per-(product, warehouse) quantity
// store contract and its in-memory implementation.
//
// Every mutation goes through ApplyDelta, which is linearizable per key.
// Callers that need to persist something together with the delta (a journal
// row, a reservation status change) pass a CommitFunc: it runs inside the
// critical section, after the new record has been validated and before it
// becomes visible. If a CommitFunc fails the delta is discarded.
package ledger

import (
	"context"
	"errors"
	"time"

	"inventory-ledger/internal/models"
)

// ErrSkip may be returned by a CommitFunc to discard the delta without
// reporting a failure. ApplyDelta then returns the unchanged record and ErrSkip.
var ErrSkip = errors.New("ledger: delta skipped")

// Delta is a signed change to the actual and reserved quantities.
type Delta struct {
	Actual   int64
	Reserved int64
}

// CheckFunc inspects the current record before the delta is computed.
type CheckFunc func(current models.StockRecord) error

// CommitFunc runs inside the critical section with the record about to be committed.
type CommitFunc func(ctx context.Context, next models.StockRecord) error

// Ledger is the authoritative quantity store.
type Ledger interface {
	// Get returns the record for the key, creating a zero record if absent.
	Get(ctx context.Context, productID, warehouseID string) (models.StockRecord, error)

	// ApplyDelta atomically applies d to the record for the key.
	ApplyDelta(ctx context.Context, productID, warehouseID string, d Delta, opts ...ApplyOption) (models.StockRecord, error)

	// List returns the records matching filter ordered by product then warehouse.
	List(ctx context.Context, filter models.StockFilter) ([]models.StockRecord, error)
}

// ApplyOption configures a single ApplyDelta call.
type ApplyOption func(*Options)

// WithCheck adds a precondition evaluated against the current record.
func WithCheck(fn CheckFunc) ApplyOption {
	return func(o *Options) { o.checks = append(o.checks, fn) }
}

// WithCommit adds a function that persists alongside the delta.
func WithCommit(fn CommitFunc) ApplyOption {
	return func(o *Options) { o.commits = append(o.commits, fn) }
}

// Options is the resolved set of ApplyOptions. Backends use it to run the
// shared validation and commit sequence inside their own critical section.
type Options struct {
	checks  []CheckFunc
	commits []CommitFunc
}

// NewOptions resolves opts.
func NewOptions(opts ...ApplyOption) Options {
	var o Options
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Resolve runs the checks, computes the next record and runs the commit
// functions. It must be called while the key is held.
func (o Options) Resolve(ctx context.Context, current models.StockRecord, d Delta, now time.Time) (models.StockRecord, error) {
	for _, check := range o.checks {
		if err := check(current); err != nil {
			return current, err
		}
	}

	next, err := Next(current, d)
	if err != nil {
		return current, err
	}
	next.Version = current.Version + 1
	next.UpdatedAt = now

	for _, commit := range o.commits {
		if err := commit(ctx, next); err != nil {
			return current, err
		}
	}
	return next, nil
}

// Next returns the record after applying d, or an InvariantViolation if the
// result would have a negative quantity or more reserved than actual.
func Next(current models.StockRecord, d Delta) (models.StockRecord, error) {
	next := current
	next.ActualQty = current.ActualQty + d.Actual
	next.ReservedQty = current.ReservedQty + d.Reserved
	next.AvailableQty = next.ActualQty - next.ReservedQty

	if next.ActualQty < 0 || next.ReservedQty < 0 || next.AvailableQty < 0 {
		return current, &models.InvariantViolation{
			ProductID:   current.ProductID,
			WarehouseID: current.WarehouseID,
			ActualQty:   next.ActualQty,
			ReservedQty: next.ReservedQty,
		}
	}
	return next, nil
}

// Zero returns the initial record for a key.
func Zero(productID, warehouseID string) models.StockRecord {
	return models.StockRecord{ProductID: productID, WarehouseID: warehouseID}
}

// Key renders the per-record lock key.
func Key(productID, warehouseID string) string {
	return productID + "@" + warehouseID
}
