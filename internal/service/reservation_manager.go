package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"inventory-ledger/internal/ledger"
	"inventory-ledger/internal/models"
	"inventory-ledger/internal/util"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ReservationManager holds provisional claims on available stock for quotes and orders
type ReservationManager struct {
	processor    *TransactionProcessor
	reservations ReservationStore
	logger       *zap.Logger
}

// NewReservationManager creates a new reservation manager
func NewReservationManager(processor *TransactionProcessor, reservations ReservationStore) *ReservationManager {
	return &ReservationManager{
		processor:    processor,
		reservations: reservations,
		logger:       util.GetLogger(),
	}
}

// ReserveRequest is one reservation line
type ReserveRequest struct {
	OwnerID     string `json:"owner_id"`
	ProductID   string `json:"product_id" binding:"required"`
	WarehouseID string `json:"warehouse_id" binding:"required"`
	Quantity    int64  `json:"quantity" binding:"required,gt=0"`
}

// Reserve claims quantity from the available stock of one (product, warehouse).
// It is all-or-nothing for the line.
func (rm *ReservationManager) Reserve(ctx context.Context, req ReserveRequest) (*models.Reservation, error) {
	ctx, span := util.StartStockSpan(ctx, "ReservationManager.Reserve", req.ProductID, req.WarehouseID, req.Quantity)
	var err error
	defer func() { util.EndSpan(span, err) }()

	var r *models.Reservation
	r, err = rm.reserve(ctx, req)
	if err != nil {
		util.StockOperationsRejected.WithLabelValues("RESERVE", models.ErrorKind(err)).Inc()
		rm.logger.Warn("Reservation rejected",
			append(util.StockFields(req.ProductID, req.WarehouseID, req.Quantity),
				zap.String("owner_id", req.OwnerID),
				zap.String("kind", models.ErrorKind(err)),
				zap.Error(err))...)
		return nil, err
	}
	return r, nil
}

func (rm *ReservationManager) reserve(ctx context.Context, req ReserveRequest) (*models.Reservation, error) {
	if req.OwnerID == "" {
		return nil, &models.ValidationError{Field: "owner_id", Message: "required"}
	}
	if err := rm.processor.validateMovement(ctx, req.ProductID, req.WarehouseID, req.Quantity); err != nil {
		return nil, err
	}

	r := &models.Reservation{
		ID:          uuid.New().String(),
		OwnerID:     req.OwnerID,
		ProductID:   req.ProductID,
		WarehouseID: req.WarehouseID,
		Quantity:    req.Quantity,
		Status:      models.ReservationActive,
	}

	rec, err := rm.processor.ledger.ApplyDelta(ctx, req.ProductID, req.WarehouseID,
		ledger.Delta{Reserved: req.Quantity},
		ledger.WithCheck(requireAvailable(req.Quantity)),
		ledger.WithCommit(func(ctx context.Context, next models.StockRecord) error {
			r.CreatedAt = next.UpdatedAt
			r.UpdatedAt = next.UpdatedAt
			if err := rm.reservations.Create(ctx, r); err != nil {
				return fmt.Errorf("failed to create reservation: %w", err)
			}
			return nil
		}),
	)
	if err != nil {
		return nil, err
	}

	util.ReservationsTotal.WithLabelValues(string(models.ReservationActive)).Inc()
	rm.logger.Info("Stock reserved",
		append(util.StockFields(r.ProductID, r.WarehouseID, r.Quantity),
			zap.String("reservation_id", r.ID),
			zap.String("owner_id", r.OwnerID),
			zap.Int64("available_qty", rec.AvailableQty))...)
	rm.publish(ctx, r, rec)
	return r, nil
}

// Release returns an ACTIVE reservation's quantity to available stock.
// Releasing a reservation that is already RELEASED or CONSUMED is a no-op.
func (rm *ReservationManager) Release(ctx context.Context, reservationID string) (*models.Reservation, error) {
	ctx, span := util.StartSpan(ctx, "ReservationManager.Release")
	var err error
	defer func() { util.EndSpan(span, err) }()

	var r *models.Reservation
	r, err = rm.reservations.Get(ctx, reservationID)
	if err != nil {
		return nil, err
	}
	if r.Status != models.ReservationActive {
		return r, nil
	}

	var rec models.StockRecord
	rec, err = rm.processor.ledger.ApplyDelta(ctx, r.ProductID, r.WarehouseID,
		ledger.Delta{Reserved: -r.Quantity},
		ledger.WithCommit(rm.settle(r.ID, models.ReservationReleased)),
	)
	if errors.Is(err, ledger.ErrSkip) {
		// settled concurrently; report the state that won
		err = nil
		return rm.reservations.Get(ctx, reservationID)
	}
	if err != nil {
		rm.logger.Error("Failed to release reservation",
			zap.String("reservation_id", r.ID),
			zap.Error(err))
		return nil, err
	}

	r.Status = models.ReservationReleased
	r.UpdatedAt = rec.UpdatedAt
	util.ReservationsTotal.WithLabelValues(string(models.ReservationReleased)).Inc()
	rm.logger.Info("Reservation released",
		append(util.StockFields(r.ProductID, r.WarehouseID, r.Quantity),
			zap.String("reservation_id", r.ID),
			zap.String("owner_id", r.OwnerID))...)
	rm.publish(ctx, r, rec)
	return r, nil
}

// Consume ships an ACTIVE reservation: an OUT row is journaled for the reserved
// quantity and both actual and reserved drop by it. The available-quantity check
// is skipped because the quantity is already segregated.
func (rm *ReservationManager) Consume(ctx context.Context, reservationID, operator string) (*models.Reservation, *models.Transaction, error) {
	ctx, span := util.StartSpan(ctx, "ReservationManager.Consume")
	var err error
	defer func() { util.EndSpan(span, err) }()

	var r *models.Reservation
	r, err = rm.reservations.Get(ctx, reservationID)
	if err != nil {
		return nil, nil, err
	}
	if r.Status != models.ReservationActive {
		err = notActive(r)
		return nil, nil, err
	}

	p := rm.processor
	tx := p.newTransaction(models.TransactionOut, r.ProductID, r.WarehouseID, r.Quantity, -r.Quantity,
		operator, fmt.Sprintf("consume reservation %s", r.ID))
	tx.ReservationID = r.ID

	var res *RecordResult
	res, err = p.apply(ctx, tx, ledger.Delta{Actual: -r.Quantity, Reserved: -r.Quantity},
		ledger.WithCommit(rm.settle(r.ID, models.ReservationConsumed)))
	if errors.Is(err, ledger.ErrSkip) {
		current, getErr := rm.reservations.Get(ctx, reservationID)
		if getErr != nil {
			err = getErr
			return nil, nil, err
		}
		err = notActive(current)
		return nil, nil, err
	}
	if err != nil {
		return nil, nil, err
	}

	r.Status = models.ReservationConsumed
	r.UpdatedAt = res.Record.UpdatedAt
	util.ReservationsTotal.WithLabelValues(string(models.ReservationConsumed)).Inc()
	rm.logger.Info("Reservation consumed",
		append(util.StockFields(r.ProductID, r.WarehouseID, r.Quantity),
			zap.String("reservation_id", r.ID),
			zap.String("transaction_id", tx.ID))...)
	rm.publish(ctx, r, res.Record)
	return r, tx, nil
}

// settle marks the reservation inside the ledger critical section, skipping
// the delta when another caller already settled it
func (rm *ReservationManager) settle(id string, status models.ReservationStatus) ledger.CommitFunc {
	return func(ctx context.Context, _ models.StockRecord) error {
		ok, err := rm.reservations.Settle(ctx, id, status)
		if err != nil {
			return fmt.Errorf("failed to settle reservation: %w", err)
		}
		if !ok {
			return ledger.ErrSkip
		}
		return nil
	}
}

func notActive(r *models.Reservation) error {
	return &models.ValidationError{
		Field:   "reservation",
		Message: fmt.Sprintf("reservation %s is %s, not %s", r.ID, r.Status, models.ReservationActive),
	}
}

// QuoteLine is one line of a quote reservation
type QuoteLine struct {
	ProductID   string `json:"product_id" binding:"required"`
	WarehouseID string `json:"warehouse_id" binding:"required"`
	Quantity    int64  `json:"quantity" binding:"required,gt=0"`
}

// QuoteReservation is the result of reserving every line of a quote
type QuoteReservation struct {
	QuoteID      string                     `json:"quote_id"`
	Reservations []models.Reservation       `json:"reservations"`
	Totals       map[string]decimal.Decimal `json:"totals"`
}

// ReserveForQuote reserves every line or none: when a line fails, the lines
// already reserved are released before the error is returned
func (rm *ReservationManager) ReserveForQuote(ctx context.Context, quoteID string, lines []QuoteLine) (*QuoteReservation, error) {
	ctx, span := util.StartSpan(ctx, "ReservationManager.ReserveForQuote")
	var err error
	defer func() { util.EndSpan(span, err) }()

	if len(lines) == 0 {
		err = &models.ValidationError{Field: "lines", Message: "at least one line is required"}
		return nil, err
	}

	// price lookups happen before any ledger lock is taken
	var totals map[string]decimal.Decimal
	totals, err = rm.valuate(ctx, lines)
	if err != nil {
		return nil, err
	}

	reserved := make([]models.Reservation, 0, len(lines))
	for _, line := range lines {
		var r *models.Reservation
		r, err = rm.Reserve(ctx, ReserveRequest{
			OwnerID:     quoteID,
			ProductID:   line.ProductID,
			WarehouseID: line.WarehouseID,
			Quantity:    line.Quantity,
		})
		if err != nil {
			rm.rollback(ctx, quoteID, reserved)
			return nil, err
		}
		reserved = append(reserved, *r)
	}

	return &QuoteReservation{QuoteID: quoteID, Reservations: reserved, Totals: totals}, nil
}

func (rm *ReservationManager) valuate(ctx context.Context, lines []QuoteLine) (map[string]decimal.Decimal, error) {
	totals := make(map[string]decimal.Decimal)
	cat := rm.processor.catalog
	if cat == nil {
		return totals, nil
	}
	for _, line := range lines {
		product, err := cat.Product(ctx, line.ProductID)
		if err != nil {
			return nil, err
		}
		amount := product.UnitPrice.Mul(decimal.NewFromInt(line.Quantity))
		totals[product.Currency] = totals[product.Currency].Add(amount)
	}
	return totals, nil
}

// rollback releases reservations made earlier in a failed multi-line request
func (rm *ReservationManager) rollback(ctx context.Context, ownerID string, reserved []models.Reservation) {
	ctx = context.WithoutCancel(ctx)
	for _, r := range reserved {
		if _, err := rm.Release(ctx, r.ID); err != nil {
			rm.logger.Error("Failed to roll back reservation",
				zap.String("owner_id", ownerID),
				zap.String("reservation_id", r.ID),
				zap.Error(err))
		}
	}
}

// ReleaseOwner releases every ACTIVE reservation of a quote or order
func (rm *ReservationManager) ReleaseOwner(ctx context.Context, ownerID string) ([]models.Reservation, error) {
	ctx, span := util.StartSpan(ctx, "ReservationManager.ReleaseOwner")
	var err error
	defer func() { util.EndSpan(span, err) }()

	var owned []models.Reservation
	owned, err = rm.reservations.ListByOwner(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list reservations: %w", err)
	}

	out := make([]models.Reservation, 0, len(owned))
	var errs []error
	for _, r := range owned {
		if r.Status != models.ReservationActive {
			out = append(out, r)
			continue
		}
		released, relErr := rm.Release(ctx, r.ID)
		if relErr != nil {
			errs = append(errs, relErr)
			out = append(out, r)
			continue
		}
		out = append(out, *released)
	}
	err = errors.Join(errs...)
	return out, err
}

// ConsumeOwner consumes every ACTIVE reservation of an order
func (rm *ReservationManager) ConsumeOwner(ctx context.Context, ownerID, operator string) ([]models.Transaction, error) {
	owned, err := rm.reservations.ListByOwner(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list reservations: %w", err)
	}

	txs := make([]models.Transaction, 0, len(owned))
	for _, r := range owned {
		if r.Status != models.ReservationActive {
			continue
		}
		_, tx, err := rm.Consume(ctx, r.ID, operator)
		if err != nil {
			return txs, err
		}
		txs = append(txs, *tx)
	}
	return txs, nil
}

// List returns the reservations held by a quote or order
func (rm *ReservationManager) List(ctx context.Context, ownerID string) ([]models.Reservation, error) {
	return rm.reservations.ListByOwner(ctx, ownerID)
}

// Get returns one reservation
func (rm *ReservationManager) Get(ctx context.Context, reservationID string) (*models.Reservation, error) {
	return rm.reservations.Get(ctx, reservationID)
}

// Reassign hands a quote's ACTIVE reservations over to the order created from it
func (rm *ReservationManager) Reassign(ctx context.Context, quoteID, orderID string) (int, error) {
	n, err := rm.reservations.Reassign(ctx, quoteID, orderID)
	if err != nil {
		return 0, fmt.Errorf("failed to reassign reservations: %w", err)
	}
	if n > 0 {
		rm.logger.Info("Reservations reassigned",
			zap.String("quote_id", quoteID),
			zap.String("order_id", orderID),
			zap.Int("count", n))
	}
	return n, nil
}

// ReleaseExpired releases ACTIVE reservations created before cutoff
func (rm *ReservationManager) ReleaseExpired(ctx context.Context, cutoff time.Time) (int, error) {
	return rm.ReleaseExpiredExcept(ctx, cutoff, nil)
}

// HeldFunc reports whether a stale reservation must survive an expiry sweep
type HeldFunc func(ctx context.Context, r models.Reservation) (bool, error)

// ReleaseExpiredExcept releases ACTIVE reservations created before cutoff,
// skipping those held reports as still in use.
func (rm *ReservationManager) ReleaseExpiredExcept(ctx context.Context, cutoff time.Time, held HeldFunc) (int, error) {
	stale, err := rm.reservations.ListActiveBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to list stale reservations: %w", err)
	}

	released := 0
	for _, r := range stale {
		if held != nil {
			keep, err := held(ctx, r)
			if err != nil {
				rm.logger.Error("Failed to check expired reservation owner",
					zap.String("reservation_id", r.ID),
					zap.Error(err))
				continue
			}
			if keep {
				continue
			}
		}
		if _, err := rm.Release(ctx, r.ID); err != nil {
			rm.logger.Error("Failed to release expired reservation",
				zap.String("reservation_id", r.ID),
				zap.Error(err))
			continue
		}
		released++
		util.ReservationsExpired.Inc()
	}
	return released, nil
}

func (rm *ReservationManager) publish(ctx context.Context, r *models.Reservation, rec models.StockRecord) {
	event := &models.ReservationChangedEvent{
		BaseEvent: models.BaseEvent{
			EventID:   uuid.New().String(),
			EventType: models.EventTypeReservationChanged,
			Timestamp: rm.processor.now(),
		},
		Reservation: *r,
		Record:      rec,
	}
	if err := rm.processor.eventPublisher.PublishReservationChanged(ctx, event); err != nil {
		rm.logger.Error("Failed to publish ReservationChanged event",
			zap.String("reservation_id", r.ID),
			zap.Error(err))
	}
}
