package service

import (
	"context"
	"fmt"
	"time"

	"inventory-ledger/internal/catalog"
	"inventory-ledger/internal/ledger"
	"inventory-ledger/internal/models"
	"inventory-ledger/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// TransactionProcessor validates and records single-sided stock movements
type TransactionProcessor struct {
	ledger         ledger.Ledger
	journal        Journal
	catalog        catalog.Catalog
	eventPublisher EventPublisher
	logger         *zap.Logger
	now            func() time.Time
}

// NewTransactionProcessor creates a new transaction processor.
// A nil catalog disables reference checks.
func NewTransactionProcessor(
	l ledger.Ledger,
	journal Journal,
	cat catalog.Catalog,
	eventPublisher EventPublisher,
) *TransactionProcessor {
	if eventPublisher == nil {
		eventPublisher = NopPublisher{}
	}
	return &TransactionProcessor{
		ledger:         l,
		journal:        journal,
		catalog:        cat,
		eventPublisher: eventPublisher,
		logger:         util.GetLogger(),
		now:            time.Now,
	}
}

// RecordRequest describes a single-sided movement.
// Quantity is used by IN and OUT; Delta is the signed correction used by ADJUST.
type RecordRequest struct {
	Type        models.TransactionType `json:"type"`
	ProductID   string                 `json:"product_id" binding:"required"`
	WarehouseID string                 `json:"warehouse_id" binding:"required"`
	Quantity    int64                  `json:"quantity"`
	Delta       int64                  `json:"delta"`
	Operator    string                 `json:"operator"`
	Note        string                 `json:"note"`
}

// RecordResult is the committed journal row and the resulting stock record
type RecordResult struct {
	Transaction *models.Transaction `json:"transaction"`
	Record      models.StockRecord  `json:"record"`
}

// Record applies one movement and appends exactly one journal row
func (tp *TransactionProcessor) Record(ctx context.Context, req RecordRequest) (*RecordResult, error) {
	ctx, span := util.StartStockSpan(ctx, "TransactionProcessor.Record", req.ProductID, req.WarehouseID, req.Quantity)
	var err error
	defer func() { util.EndSpan(span, err) }()

	var res *RecordResult
	switch req.Type {
	case models.TransactionIn:
		res, err = tp.inbound(ctx, req)
	case models.TransactionOut:
		res, err = tp.outbound(ctx, req)
	case models.TransactionAdjust:
		res, err = tp.adjust(ctx, req)
	default:
		err = &models.ValidationError{Field: "type", Message: fmt.Sprintf("unsupported movement type %q", req.Type)}
	}

	if err != nil {
		util.StockOperationsRejected.WithLabelValues(string(req.Type), models.ErrorKind(err)).Inc()
		tp.logger.Warn("Stock movement rejected",
			append(util.StockFields(req.ProductID, req.WarehouseID, req.Quantity),
				zap.String("type", string(req.Type)),
				zap.String("kind", models.ErrorKind(err)),
				zap.Error(err))...)
		return nil, err
	}
	return res, nil
}

func (tp *TransactionProcessor) inbound(ctx context.Context, req RecordRequest) (*RecordResult, error) {
	if err := tp.validateMovement(ctx, req.ProductID, req.WarehouseID, req.Quantity); err != nil {
		return nil, err
	}
	tx := tp.newTransaction(models.TransactionIn, req.ProductID, req.WarehouseID, req.Quantity, req.Quantity, req.Operator, req.Note)
	return tp.apply(ctx, tx, ledger.Delta{Actual: req.Quantity})
}

func (tp *TransactionProcessor) outbound(ctx context.Context, req RecordRequest) (*RecordResult, error) {
	if err := tp.validateMovement(ctx, req.ProductID, req.WarehouseID, req.Quantity); err != nil {
		return nil, err
	}
	tx := tp.newTransaction(models.TransactionOut, req.ProductID, req.WarehouseID, req.Quantity, -req.Quantity, req.Operator, req.Note)
	return tp.apply(ctx, tx, ledger.Delta{Actual: -req.Quantity}, ledger.WithCheck(requireAvailable(req.Quantity)))
}

func (tp *TransactionProcessor) adjust(ctx context.Context, req RecordRequest) (*RecordResult, error) {
	if req.Delta == 0 {
		return nil, &models.ValidationError{Field: "delta", Message: "must be non-zero"}
	}
	if req.Note == "" {
		return nil, &models.ValidationError{Field: "note", Message: "required for adjustments"}
	}
	if err := tp.validateReferences(ctx, req.ProductID, req.WarehouseID); err != nil {
		return nil, err
	}
	qty := req.Delta
	if qty < 0 {
		qty = -qty
	}
	tx := tp.newTransaction(models.TransactionAdjust, req.ProductID, req.WarehouseID, qty, req.Delta, req.Operator, req.Note)
	return tp.apply(ctx, tx, ledger.Delta{Actual: req.Delta})
}

// apply commits the delta and the journal row as one unit, then publishes the change.
// Extra options run before the journal append.
func (tp *TransactionProcessor) apply(ctx context.Context, tx *models.Transaction, d ledger.Delta, opts ...ledger.ApplyOption) (*RecordResult, error) {
	opts = append(opts, ledger.WithCommit(func(ctx context.Context, next models.StockRecord) error {
		tx.CreatedAt = next.UpdatedAt
		if err := tp.journal.Append(ctx, tx); err != nil {
			return fmt.Errorf("failed to append transaction: %w", err)
		}
		return nil
	}))

	rec, err := tp.ledger.ApplyDelta(ctx, tx.ProductID, tx.WarehouseID, d, opts...)
	if err != nil {
		return nil, err
	}

	util.TransactionsRecorded.WithLabelValues(string(tx.Type)).Inc()
	tp.logger.Info("Stock movement recorded",
		append(util.StockFields(tx.ProductID, tx.WarehouseID, tx.Quantity),
			zap.String("transaction_id", tx.ID),
			zap.String("type", string(tx.Type)),
			zap.Int64("actual_qty", rec.ActualQty),
			zap.Int64("available_qty", rec.AvailableQty))...)

	tp.publish(ctx, tx, rec)
	return &RecordResult{Transaction: tx, Record: rec}, nil
}

func (tp *TransactionProcessor) publish(ctx context.Context, tx *models.Transaction, rec models.StockRecord) {
	event := &models.StockChangedEvent{
		BaseEvent: models.BaseEvent{
			EventID:   uuid.New().String(),
			EventType: models.EventTypeStockChanged,
			Timestamp: tp.now(),
		},
		Transaction: *tx,
		Record:      rec,
	}
	if err := tp.eventPublisher.PublishStockChanged(ctx, event); err != nil {
		tp.logger.Error("Failed to publish StockChanged event",
			zap.String("transaction_id", tx.ID),
			zap.Error(err))
	}
}

func (tp *TransactionProcessor) newTransaction(typ models.TransactionType, productID, warehouseID string, qty, delta int64, operator, note string) *models.Transaction {
	return &models.Transaction{
		ID:          uuid.New().String(),
		Type:        typ,
		ProductID:   productID,
		WarehouseID: warehouseID,
		Quantity:    qty,
		Delta:       delta,
		Operator:    operator,
		Note:        note,
	}
}

func (tp *TransactionProcessor) validateMovement(ctx context.Context, productID, warehouseID string, qty int64) error {
	if qty <= 0 {
		return &models.ValidationError{Field: "quantity", Message: "must be positive"}
	}
	return tp.validateReferences(ctx, productID, warehouseID)
}

// validateReferences resolves the product and warehouse before any lock is taken
func (tp *TransactionProcessor) validateReferences(ctx context.Context, productID, warehouseID string) error {
	if productID == "" {
		return &models.ValidationError{Field: "product_id", Message: "required"}
	}
	if warehouseID == "" {
		return &models.ValidationError{Field: "warehouse_id", Message: "required"}
	}
	if tp.catalog == nil {
		return nil
	}
	if _, err := tp.catalog.Product(ctx, productID); err != nil {
		return err
	}
	if _, err := tp.catalog.Warehouse(ctx, warehouseID); err != nil {
		return err
	}
	return nil
}

// GetStock returns the record for a (product, warehouse) pair
func (tp *TransactionProcessor) GetStock(ctx context.Context, productID, warehouseID string) (models.StockRecord, error) {
	if err := tp.validateReferences(ctx, productID, warehouseID); err != nil {
		return models.StockRecord{}, err
	}
	return tp.ledger.Get(ctx, productID, warehouseID)
}

// ListStock returns the records matching filter
func (tp *TransactionProcessor) ListStock(ctx context.Context, filter models.StockFilter) ([]models.StockRecord, error) {
	if filter.Region != "" && tp.catalog != nil {
		warehouses, err := tp.catalog.Warehouses(ctx, filter.Region)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve region: %w", err)
		}
		if len(warehouses) == 0 {
			return []models.StockRecord{}, nil
		}
		ids := filter.WarehouseIDs
		filter.WarehouseIDs = nil
		for _, w := range warehouses {
			if len(ids) == 0 || contains(ids, w.ID) {
				filter.WarehouseIDs = append(filter.WarehouseIDs, w.ID)
			}
		}
		if len(filter.WarehouseIDs) == 0 {
			return []models.StockRecord{}, nil
		}
	}
	return tp.ledger.List(ctx, filter)
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

// ListTransactions returns journal rows matching filter, newest first
func (tp *TransactionProcessor) ListTransactions(ctx context.Context, filter models.TransactionFilter) ([]models.Transaction, error) {
	return tp.journal.List(ctx, filter)
}

// requireAvailable rejects a delta that needs more than the available quantity
func requireAvailable(qty int64) ledger.CheckFunc {
	return func(cur models.StockRecord) error {
		if cur.AvailableQty < qty {
			return &models.InsufficientStockError{
				ProductID:   cur.ProductID,
				WarehouseID: cur.WarehouseID,
				Requested:   qty,
				Available:   cur.AvailableQty,
			}
		}
		return nil
	}
}
