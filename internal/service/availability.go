package service

import (
	"context"
	"errors"
	"fmt"

	"inventory-ledger/internal/catalog"
	"inventory-ledger/internal/ledger"
	"inventory-ledger/internal/models"
	"inventory-ledger/internal/util"

	"go.uber.org/zap"
)

// AvailabilityStatus classifies how well stock covers a requested quantity
type AvailabilityStatus string

const (
	AvailabilityAvailable   AvailabilityStatus = "available"
	AvailabilityPartial     AvailabilityStatus = "partial"
	AvailabilityUnavailable AvailabilityStatus = "unavailable"
	AvailabilityUnknown     AvailabilityStatus = "unknown"
)

// rank orders statuses so the overall status is the minimum across lines
func (s AvailabilityStatus) rank() int {
	switch s {
	case AvailabilityAvailable:
		return 3
	case AvailabilityPartial:
		return 2
	case AvailabilityUnavailable:
		return 1
	default:
		return 0
	}
}

// AvailabilityLine is one requested item
type AvailabilityLine struct {
	ProductID             string   `json:"product_id" binding:"required"`
	Quantity              int64    `json:"quantity" binding:"required,gt=0"`
	PreferredWarehouseIDs []string `json:"preferred_warehouse_ids,omitempty"`
}

// AvailabilityRequest lists the items to check. Region scopes the default
// warehouse set of lines without preferred warehouses.
type AvailabilityRequest struct {
	Region string             `json:"region"`
	Lines  []AvailabilityLine `json:"lines" binding:"required,min=1,dive"`
}

// LineAvailability is the result for one line
type LineAvailability struct {
	ProductID  string               `json:"product_id"`
	Requested  int64                `json:"requested"`
	Available  int64                `json:"available"`
	Status     AvailabilityStatus   `json:"status"`
	Warehouses []models.StockRecord `json:"warehouses"`
	Unresolved string               `json:"unresolved,omitempty"`
}

// AvailabilityResult is the point-in-time estimate for a whole request
type AvailabilityResult struct {
	OverallStatus AvailabilityStatus `json:"overall_status"`
	Lines         []LineAvailability `json:"lines"`
}

// StockAvailabilityAggregator answers read-only sufficiency questions.
// It never creates or mutates stock records.
type StockAvailabilityAggregator struct {
	ledger  ledger.Ledger
	catalog catalog.Catalog
	logger  *zap.Logger
}

// NewStockAvailabilityAggregator creates a new aggregator. Without a catalog,
// lines without preferred warehouses are checked against every warehouse the
// ledger holds stock records for.
func NewStockAvailabilityAggregator(l ledger.Ledger, cat catalog.Catalog) *StockAvailabilityAggregator {
	return &StockAvailabilityAggregator{
		ledger:  l,
		catalog: cat,
		logger:  util.GetLogger(),
	}
}

// CheckAvailability classifies every line and the request as a whole
func (a *StockAvailabilityAggregator) CheckAvailability(ctx context.Context, req AvailabilityRequest) (*AvailabilityResult, error) {
	ctx, span := util.StartSpan(ctx, "StockAvailabilityAggregator.CheckAvailability")
	var err error
	defer func() { util.EndSpan(span, err) }()

	if len(req.Lines) == 0 {
		err = &models.ValidationError{Field: "lines", Message: "at least one line is required"}
		return nil, err
	}

	result := &AvailabilityResult{
		OverallStatus: AvailabilityAvailable,
		Lines:         make([]LineAvailability, 0, len(req.Lines)),
	}
	for _, line := range req.Lines {
		if line.Quantity <= 0 {
			err = &models.ValidationError{Field: "quantity", Message: "must be positive"}
			return nil, err
		}
		var la LineAvailability
		la, err = a.checkLine(ctx, req.Region, line)
		if err != nil {
			return nil, err
		}
		if la.Status.rank() < result.OverallStatus.rank() {
			result.OverallStatus = la.Status
		}
		result.Lines = append(result.Lines, la)
	}

	util.AvailabilityChecks.WithLabelValues(string(result.OverallStatus)).Inc()
	a.logger.Debug("Availability checked",
		zap.String("region", req.Region),
		zap.Int("lines", len(req.Lines)),
		zap.String("overall_status", string(result.OverallStatus)))
	return result, nil
}

func (a *StockAvailabilityAggregator) checkLine(ctx context.Context, region string, line AvailabilityLine) (LineAvailability, error) {
	la := LineAvailability{
		ProductID:  line.ProductID,
		Requested:  line.Quantity,
		Warehouses: []models.StockRecord{},
	}

	warehouseIDs, unresolved, err := a.candidates(ctx, region, line)
	if err != nil {
		return la, err
	}
	if unresolved != "" {
		la.Status = AvailabilityUnknown
		la.Unresolved = unresolved
		return la, nil
	}

	if warehouseIDs != nil && len(warehouseIDs) == 0 {
		// region without warehouses
		la.Status = AvailabilityUnavailable
		return la, nil
	}
	records, err := a.ledger.List(ctx, models.StockFilter{ProductID: line.ProductID, WarehouseIDs: warehouseIDs})
	if err != nil {
		return la, fmt.Errorf("failed to list stock: %w", err)
	}

	for _, rec := range records {
		la.Available += rec.AvailableQty
		la.Warehouses = append(la.Warehouses, rec)
	}
	la.Status = classify(la.Available, line.Quantity)
	return la, nil
}

// candidates resolves the warehouse set for a line. A nil slice with no
// unresolved reference means every warehouse.
func (a *StockAvailabilityAggregator) candidates(ctx context.Context, region string, line AvailabilityLine) ([]string, string, error) {
	if a.catalog == nil {
		return line.PreferredWarehouseIDs, "", nil
	}

	if _, err := a.catalog.Product(ctx, line.ProductID); err != nil {
		if isNotFound(err) {
			return nil, "product " + line.ProductID, nil
		}
		return nil, "", fmt.Errorf("failed to resolve product: %w", err)
	}

	if len(line.PreferredWarehouseIDs) > 0 {
		for _, id := range line.PreferredWarehouseIDs {
			if _, err := a.catalog.Warehouse(ctx, id); err != nil {
				if isNotFound(err) {
					return nil, "warehouse " + id, nil
				}
				return nil, "", fmt.Errorf("failed to resolve warehouse: %w", err)
			}
		}
		return line.PreferredWarehouseIDs, "", nil
	}

	warehouses, err := a.catalog.Warehouses(ctx, region)
	if err != nil {
		return nil, "", fmt.Errorf("failed to resolve region warehouses: %w", err)
	}
	ids := make([]string, 0, len(warehouses))
	for _, w := range warehouses {
		ids = append(ids, w.ID)
	}
	return ids, "", nil
}

func classify(available, requested int64) AvailabilityStatus {
	switch {
	case available >= requested:
		return AvailabilityAvailable
	case available > 0:
		return AvailabilityPartial
	default:
		return AvailabilityUnavailable
	}
}

func isNotFound(err error) bool {
	var nf *models.NotFoundError
	return errors.As(err, &nf)
}
