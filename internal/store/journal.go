package store

import (
	"context"
	"fmt"

	"inventory-ledger/internal/models"

	"github.com/jmoiron/sqlx"
)

// Journal is the Postgres append-only transaction log
type Journal struct {
	store *Store
}

// NewJournal creates a journal backed by s
func NewJournal(s *Store) *Journal {
	return &Journal{store: s}
}

// Append inserts tx, joining the ledger transaction carried by ctx
func (j *Journal) Append(ctx context.Context, tx *models.Transaction) error {
	_, err := sqlx.NamedExecContext(ctx, j.store.conn(ctx), `
		INSERT INTO stock_transactions
			(id, type, product_id, warehouse_id, quantity, delta, operator, note, pair_id, reservation_id, created_at)
		VALUES
			(:id, :type, :product_id, :warehouse_id, :quantity, :delta, :operator, :note, :pair_id, :reservation_id, :created_at)`,
		tx)
	if err != nil {
		return fmt.Errorf("failed to insert transaction: %w", err)
	}
	return nil
}

// List retrieves matching transactions, newest first
func (j *Journal) List(ctx context.Context, filter models.TransactionFilter) ([]models.Transaction, error) {
	query := "SELECT * FROM stock_transactions WHERE TRUE"
	var args []interface{}
	add := func(clause string, arg interface{}) {
		query += clause
		args = append(args, arg)
	}

	if filter.ProductID != "" {
		add(" AND product_id = ?", filter.ProductID)
	}
	if filter.WarehouseID != "" {
		add(" AND warehouse_id = ?", filter.WarehouseID)
	}
	if filter.Type != "" {
		add(" AND type = ?", filter.Type)
	}
	if filter.Operator != "" {
		add(" AND operator = ?", filter.Operator)
	}
	if filter.PairID != "" {
		add(" AND pair_id = ?", filter.PairID)
	}
	if !filter.Since.IsZero() {
		add(" AND created_at >= ?", filter.Since)
	}
	if !filter.Until.IsZero() {
		add(" AND created_at < ?", filter.Until)
	}
	query += " ORDER BY created_at DESC, id DESC"
	if filter.Limit > 0 {
		add(" LIMIT ?", filter.Limit)
	}

	txs := []models.Transaction{}
	if err := j.store.conn(ctx).SelectContext(ctx, &txs, j.store.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	return txs, nil
}
