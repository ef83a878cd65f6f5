package models

import (
	"errors"
	"fmt"
)

// InsufficientStockError is returned when an outbound movement or a
// reservation asks for more than the available quantity.
type InsufficientStockError struct {
	ProductID   string
	WarehouseID string
	Requested   int64
	Available   int64
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for product %s in warehouse %s: requested=%d, available=%d",
		e.ProductID, e.WarehouseID, e.Requested, e.Available)
}

// InvariantViolation is returned when a delta would break
// actual = reserved + available or drive a quantity negative.
type InvariantViolation struct {
	ProductID   string
	WarehouseID string
	ActualQty   int64
	ReservedQty int64
}

func (e *InvariantViolation) Error() string {
	return fmt.Sprintf("stock invariant violated for product %s in warehouse %s: actual=%d, reserved=%d",
		e.ProductID, e.WarehouseID, e.ActualQty, e.ReservedQty)
}

// InvalidTransitionError is returned when the workflow rejects a status change.
type InvalidTransitionError struct {
	OrderID string
	From    OrderStatus
	To      OrderStatus
	Reason  string
}

func (e *InvalidTransitionError) Error() string {
	msg := fmt.Sprintf("invalid transition for order %s: %s -> %s", e.OrderID, e.From, e.To)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

// NotFoundError is returned for unknown products, warehouses, reservations and orders.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Kind, e.ID)
}

// ConcurrentConflict is returned once the bounded conflict retries are exhausted.
type ConcurrentConflict struct {
	Key      string
	Attempts int
}

func (e *ConcurrentConflict) Error() string {
	return fmt.Sprintf("concurrent update conflict on %s after %d attempts", e.Key, e.Attempts)
}

// ValidationError reports malformed input.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

// ErrorKind names the error class for transport mapping, metrics labels and logs.
func ErrorKind(err error) string {
	var (
		insufficient *InsufficientStockError
		invariant    *InvariantViolation
		transition   *InvalidTransitionError
		notFound     *NotFoundError
		conflict     *ConcurrentConflict
		validation   *ValidationError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &insufficient):
		return "insufficient_stock"
	case errors.As(err, &invariant):
		return "invariant_violation"
	case errors.As(err, &transition):
		return "invalid_transition"
	case errors.As(err, &notFound):
		return "not_found"
	case errors.As(err, &conflict):
		return "concurrent_conflict"
	case errors.As(err, &validation):
		return "validation"
	default:
		return "internal"
	}
}
