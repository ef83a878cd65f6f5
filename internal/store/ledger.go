package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"inventory-ledger/internal/ledger"
	"inventory-ledger/internal/models"
	"inventory-ledger/internal/util"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

// Ledger is the Postgres stock ledger. Each ApplyDelta is one SQL transaction
// holding the record's row lock, so commit functions that write through the
// context join it.
type Ledger struct {
	store      *Store
	maxRetries int
	logger     *zap.Logger
	now        func() time.Time
}

// NewLedger creates a Postgres ledger retrying lock conflicts up to maxRetries times
func NewLedger(s *Store, maxRetries int) *Ledger {
	if maxRetries < 1 {
		maxRetries = 1
	}
	return &Ledger{
		store:      s,
		maxRetries: maxRetries,
		logger:     util.GetLogger(),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

const selectStockRecord = `
	SELECT product_id, warehouse_id, actual_qty, reserved_qty, available_qty, version, updated_at
	FROM stock_records`

// ensureRecord creates the zero record for a key if it does not exist yet
func ensureRecord(ctx context.Context, q queryer, productID, warehouseID string) error {
	_, err := q.ExecContext(ctx,
		`INSERT INTO stock_records (product_id, warehouse_id) VALUES ($1, $2)
		 ON CONFLICT (product_id, warehouse_id) DO NOTHING`,
		productID, warehouseID)
	if err != nil {
		return fmt.Errorf("failed to create stock record: %w", err)
	}
	return nil
}

// Get retrieves the record for a key, creating a zero record if absent
func (l *Ledger) Get(ctx context.Context, productID, warehouseID string) (models.StockRecord, error) {
	q := l.store.conn(ctx)
	if err := ensureRecord(ctx, q, productID, warehouseID); err != nil {
		return models.StockRecord{}, err
	}

	var rec models.StockRecord
	err := q.GetContext(ctx, &rec, selectStockRecord+" WHERE product_id = $1 AND warehouse_id = $2", productID, warehouseID)
	if err != nil {
		return models.StockRecord{}, fmt.Errorf("failed to get stock record: %w", err)
	}
	return rec, nil
}

// ApplyDelta locks the row FOR UPDATE, applies d and commits. Lock timeouts,
// deadlocks and serialization failures are retried, then surface as a
// ConcurrentConflict.
func (l *Ledger) ApplyDelta(ctx context.Context, productID, warehouseID string, d ledger.Delta, opts ...ledger.ApplyOption) (models.StockRecord, error) {
	start := time.Now()
	defer func() {
		util.LedgerApplyLatency.Observe(time.Since(start).Seconds())
	}()

	o := ledger.NewOptions(opts...)
	for attempt := 1; attempt <= l.maxRetries; attempt++ {
		rec, err := l.applyOnce(ctx, productID, warehouseID, d, o)
		if err == nil {
			util.LedgerDeltasApplied.Inc()
			return rec, nil
		}
		if !isRetryable(err) {
			return rec, err
		}

		util.LedgerConflictRetries.Inc()
		l.logger.Warn("Stock record conflict, retrying",
			zap.String("product_id", productID),
			zap.String("warehouse_id", warehouseID),
			zap.Int("attempt", attempt),
			zap.Error(err))

		select {
		case <-ctx.Done():
			return models.StockRecord{}, ctx.Err()
		case <-time.After(time.Duration(attempt) * 20 * time.Millisecond):
		}
	}

	return models.StockRecord{}, &models.ConcurrentConflict{Key: ledger.Key(productID, warehouseID), Attempts: l.maxRetries}
}

func (l *Ledger) applyOnce(ctx context.Context, productID, warehouseID string, d ledger.Delta, o ledger.Options) (models.StockRecord, error) {
	var result models.StockRecord
	err := l.store.inTx(ctx, func(ctx context.Context, tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, "SET LOCAL lock_timeout = '2s'"); err != nil {
			return fmt.Errorf("failed to set lock timeout: %w", err)
		}
		if err := ensureRecord(ctx, tx, productID, warehouseID); err != nil {
			return err
		}

		var current models.StockRecord
		err := tx.GetContext(ctx, &current,
			selectStockRecord+" WHERE product_id = $1 AND warehouse_id = $2 FOR UPDATE",
			productID, warehouseID)
		if err != nil {
			return fmt.Errorf("failed to lock stock record: %w", err)
		}

		next, err := o.Resolve(ctx, current, d, l.now())
		if err != nil {
			result = current
			return err
		}

		_, err = tx.ExecContext(ctx,
			`UPDATE stock_records
			 SET actual_qty = $1, reserved_qty = $2, available_qty = $3, version = $4, updated_at = $5
			 WHERE product_id = $6 AND warehouse_id = $7`,
			next.ActualQty, next.ReservedQty, next.AvailableQty, next.Version, next.UpdatedAt,
			productID, warehouseID)
		if err != nil {
			return fmt.Errorf("failed to update stock record: %w", err)
		}
		result = next
		return nil
	})
	if errors.Is(err, ledger.ErrSkip) {
		return result, err
	}
	if err != nil {
		return models.StockRecord{}, err
	}
	return result, nil
}

// List retrieves the records matching filter
func (l *Ledger) List(ctx context.Context, filter models.StockFilter) ([]models.StockRecord, error) {
	query := selectStockRecord + " WHERE TRUE"
	var args []interface{}
	if filter.ProductID != "" {
		query += " AND product_id = ?"
		args = append(args, filter.ProductID)
	}
	if len(filter.WarehouseIDs) > 0 {
		query += " AND warehouse_id IN (?)"
		args = append(args, filter.WarehouseIDs)
	}
	query += " ORDER BY product_id, warehouse_id"

	query, args, err := sqlx.In(query, args...)
	if err != nil {
		return nil, err
	}
	query = l.store.db.Rebind(query)

	records := []models.StockRecord{}
	if err := l.store.conn(ctx).SelectContext(ctx, &records, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list stock records: %w", err)
	}
	return records, nil
}
