package service

import (
	"context"
	"errors"
	"fmt"

	"inventory-ledger/internal/ledger"
	"inventory-ledger/internal/models"
	"inventory-ledger/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// TransferCoordinator moves stock between two warehouses as one unit.
// There is no cross-record transaction, so a failed destination step is
// undone with a compensating inbound at the source.
type TransferCoordinator struct {
	processor *TransactionProcessor
	logger    *zap.Logger
}

// NewTransferCoordinator creates a new transfer coordinator
func NewTransferCoordinator(processor *TransactionProcessor) *TransferCoordinator {
	return &TransferCoordinator{
		processor: processor,
		logger:    util.GetLogger(),
	}
}

// TransferRequest describes an intra-company movement
type TransferRequest struct {
	ProductID         string `json:"product_id" binding:"required"`
	SourceWarehouseID string `json:"source_warehouse_id" binding:"required"`
	DestWarehouseID   string `json:"dest_warehouse_id" binding:"required"`
	Quantity          int64  `json:"quantity" binding:"required,gt=0"`
	Operator          string `json:"operator"`
	Note              string `json:"note"`
}

// TransferResult carries both halves of a completed transfer
type TransferResult struct {
	PairID      string              `json:"pair_id"`
	Out         *models.Transaction `json:"out_transaction"`
	In          *models.Transaction `json:"in_transaction"`
	Source      models.StockRecord  `json:"source"`
	Destination models.StockRecord  `json:"destination"`
}

// Transfer performs source OUT then destination IN, compensating the source
// if the destination step fails
func (tc *TransferCoordinator) Transfer(ctx context.Context, req TransferRequest) (*TransferResult, error) {
	ctx, span := util.StartStockSpan(ctx, "TransferCoordinator.Transfer", req.ProductID, req.SourceWarehouseID, req.Quantity)
	var err error
	defer func() { util.EndSpan(span, err) }()

	var res *TransferResult
	res, err = tc.transfer(ctx, req)
	if err != nil {
		util.StockOperationsRejected.WithLabelValues("TRANSFER", models.ErrorKind(err)).Inc()
		tc.logger.Warn("Transfer rejected",
			append(util.StockFields(req.ProductID, req.SourceWarehouseID, req.Quantity),
				zap.String("dest_warehouse_id", req.DestWarehouseID),
				zap.String("kind", models.ErrorKind(err)),
				zap.Error(err))...)
		return nil, err
	}
	return res, nil
}

func (tc *TransferCoordinator) transfer(ctx context.Context, req TransferRequest) (*TransferResult, error) {
	if req.SourceWarehouseID == req.DestWarehouseID {
		return nil, &models.ValidationError{Field: "dest_warehouse_id", Message: "must differ from source warehouse"}
	}
	if err := tc.processor.validateMovement(ctx, req.ProductID, req.SourceWarehouseID, req.Quantity); err != nil {
		return nil, err
	}
	if err := tc.processor.validateReferences(ctx, req.ProductID, req.DestWarehouseID); err != nil {
		return nil, err
	}

	pairID := uuid.New().String()
	p := tc.processor

	out := p.newTransaction(models.TransactionTransferOut, req.ProductID, req.SourceWarehouseID, req.Quantity, -req.Quantity, req.Operator, req.Note)
	out.PairID = pairID
	src, err := p.apply(ctx, out, ledger.Delta{Actual: -req.Quantity}, ledger.WithCheck(requireAvailable(req.Quantity)))
	if err != nil {
		return nil, err
	}

	in := p.newTransaction(models.TransactionTransferIn, req.ProductID, req.DestWarehouseID, req.Quantity, req.Quantity, req.Operator, req.Note)
	in.PairID = pairID
	dst, err := p.apply(ctx, in, ledger.Delta{Actual: req.Quantity})
	if err != nil {
		return nil, tc.compensate(ctx, req, pairID, err)
	}

	tc.logger.Info("Transfer completed",
		append(util.StockFields(req.ProductID, req.SourceWarehouseID, req.Quantity),
			zap.String("dest_warehouse_id", req.DestWarehouseID),
			zap.String("pair_id", pairID))...)

	return &TransferResult{
		PairID:      pairID,
		Out:         out,
		In:          in,
		Source:      src.Record,
		Destination: dst.Record,
	}, nil
}

// compensate returns the quantity to the source. The reversal is journaled
// as an IN sharing the transfer's pair id.
func (tc *TransferCoordinator) compensate(ctx context.Context, req TransferRequest, pairID string, cause error) error {
	p := tc.processor
	reversal := p.newTransaction(models.TransactionIn, req.ProductID, req.SourceWarehouseID, req.Quantity, req.Quantity,
		req.Operator, fmt.Sprintf("reversal of transfer %s", pairID))
	reversal.PairID = pairID

	// the caller's context may already be cancelled; the reversal must still land
	compCtx := context.WithoutCancel(ctx)
	if _, err := p.apply(compCtx, reversal, ledger.Delta{Actual: req.Quantity}); err != nil {
		util.TransferCompensations.WithLabelValues("failed").Inc()
		tc.logger.Error("Failed to compensate transfer",
			append(util.StockFields(req.ProductID, req.SourceWarehouseID, req.Quantity),
				zap.String("pair_id", pairID),
				zap.NamedError("cause", cause),
				zap.Error(err))...)
		return errors.Join(cause, fmt.Errorf("failed to compensate transfer %s: %w", pairID, err))
	}

	util.TransferCompensations.WithLabelValues("compensated").Inc()
	tc.logger.Warn("Transfer compensated",
		append(util.StockFields(req.ProductID, req.SourceWarehouseID, req.Quantity),
			zap.String("pair_id", pairID),
			zap.Error(cause))...)
	return cause
}
