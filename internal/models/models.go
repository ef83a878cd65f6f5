package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Product is catalog reference data. The ledger only stores its id.
type Product struct {
	ID        string          `db:"id" json:"id"`
	Code      string          `db:"code" json:"code"`
	Name      string          `db:"name" json:"name"`
	Category  string          `db:"category" json:"category"`
	UnitPrice decimal.Decimal `db:"unit_price" json:"unit_price"`
	Currency  string          `db:"currency" json:"currency"`
}

// Warehouse is organisation reference data.
type Warehouse struct {
	ID     string `db:"id" json:"id"`
	Region string `db:"region" json:"region"`
	Name   string `db:"name" json:"name"`
}

// StockRecord is the quantity state of one (product, warehouse) pair.
// AvailableQty is always ActualQty - ReservedQty.
type StockRecord struct {
	ProductID    string    `db:"product_id" json:"product_id"`
	WarehouseID  string    `db:"warehouse_id" json:"warehouse_id"`
	ActualQty    int64     `db:"actual_qty" json:"actual_qty"`
	ReservedQty  int64     `db:"reserved_qty" json:"reserved_qty"`
	AvailableQty int64     `db:"available_qty" json:"available_qty"`
	Version      int64     `db:"version" json:"version"`
	UpdatedAt    time.Time `db:"updated_at" json:"updated_at"`
}

// Valid reports whether the record satisfies the quantity invariant.
func (r StockRecord) Valid() bool {
	return r.ActualQty >= 0 &&
		r.ReservedQty >= 0 &&
		r.AvailableQty >= 0 &&
		r.ReservedQty <= r.ActualQty &&
		r.ActualQty == r.ReservedQty+r.AvailableQty
}

// TransactionType classifies a journal row
type TransactionType string

const (
	TransactionIn          TransactionType = "IN"
	TransactionOut         TransactionType = "OUT"
	TransactionTransferOut TransactionType = "TRANSFER_OUT"
	TransactionTransferIn  TransactionType = "TRANSFER_IN"
	TransactionAdjust      TransactionType = "ADJUST"
)

// Transaction is an immutable journal row. Quantity is always positive;
// Delta carries the signed effect on ActualQty.
type Transaction struct {
	ID            string          `db:"id" json:"id"`
	Type          TransactionType `db:"type" json:"type"`
	ProductID     string          `db:"product_id" json:"product_id"`
	WarehouseID   string          `db:"warehouse_id" json:"warehouse_id"`
	Quantity      int64           `db:"quantity" json:"quantity"`
	Delta         int64           `db:"delta" json:"delta"`
	Operator      string          `db:"operator" json:"operator"`
	Note          string          `db:"note" json:"note"`
	PairID        string          `db:"pair_id" json:"pair_id,omitempty"`
	ReservationID string          `db:"reservation_id" json:"reservation_id,omitempty"`
	CreatedAt     time.Time       `db:"created_at" json:"created_at"`
}

// TransactionFilter narrows journal listings. Zero values match everything.
type TransactionFilter struct {
	ProductID   string
	WarehouseID string
	Type        TransactionType
	Operator    string
	PairID      string
	Since       time.Time
	Until       time.Time
	Limit       int
}

// Matches reports whether tx passes the filter.
func (f TransactionFilter) Matches(tx *Transaction) bool {
	if f.ProductID != "" && tx.ProductID != f.ProductID {
		return false
	}
	if f.WarehouseID != "" && tx.WarehouseID != f.WarehouseID {
		return false
	}
	if f.Type != "" && tx.Type != f.Type {
		return false
	}
	if f.Operator != "" && tx.Operator != f.Operator {
		return false
	}
	if f.PairID != "" && tx.PairID != f.PairID {
		return false
	}
	if !f.Since.IsZero() && tx.CreatedAt.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && !tx.CreatedAt.Before(f.Until) {
		return false
	}
	return true
}

// StockFilter narrows stock listings. Region is resolved to WarehouseIDs
// by the caller before the ledger sees it.
type StockFilter struct {
	ProductID    string
	WarehouseIDs []string
	Region       string
}

// ReservationStatus is the lifecycle state of a reservation
type ReservationStatus string

const (
	ReservationActive   ReservationStatus = "ACTIVE"
	ReservationConsumed ReservationStatus = "CONSUMED"
	ReservationReleased ReservationStatus = "RELEASED"
)

// Reservation is a provisional claim on available stock held by a quote or order.
type Reservation struct {
	ID          string            `db:"id" json:"id"`
	OwnerID     string            `db:"owner_id" json:"owner_id"`
	ProductID   string            `db:"product_id" json:"product_id"`
	WarehouseID string            `db:"warehouse_id" json:"warehouse_id"`
	Quantity    int64             `db:"quantity" json:"quantity"`
	Status      ReservationStatus `db:"status" json:"status"`
	CreatedAt   time.Time         `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time         `db:"updated_at" json:"updated_at"`
}

// OrderStatus is a state of the approval workflow
type OrderStatus string

const (
	OrderPending         OrderStatus = "pending"
	OrderApproved        OrderStatus = "approved"
	OrderDepositPending  OrderStatus = "deposit_pending"
	OrderDepositReceived OrderStatus = "deposit_received"
	OrderInspection      OrderStatus = "inspection"
	OrderShipped         OrderStatus = "shipped"
	OrderDelivered       OrderStatus = "delivered"
	OrderClosed          OrderStatus = "closed"
	OrderRejected        OrderStatus = "rejected"
	OrderCancelled       OrderStatus = "cancelled"
)

// Known reports whether s is one of the workflow states
func (s OrderStatus) Known() bool {
	switch s {
	case OrderPending, OrderApproved, OrderDepositPending, OrderDepositReceived, OrderInspection,
		OrderShipped, OrderDelivered, OrderClosed, OrderRejected, OrderCancelled:
		return true
	}
	return false
}

// Order is the current workflow state of an order.
type Order struct {
	ID        string      `db:"id" json:"id"`
	QuoteID   string      `db:"quote_id" json:"quote_id,omitempty"`
	Status    OrderStatus `db:"status" json:"status"`
	CreatedAt time.Time   `db:"created_at" json:"created_at"`
	UpdatedAt time.Time   `db:"updated_at" json:"updated_at"`
}

// OrderTransition is one append-only history entry.
type OrderTransition struct {
	ID          int64       `db:"id" json:"id"`
	OrderID     string      `db:"order_id" json:"order_id"`
	From        OrderStatus `db:"from_status" json:"from"`
	To          OrderStatus `db:"to_status" json:"to"`
	Actor       string      `db:"actor" json:"actor"`
	Reason      string      `db:"reason" json:"reason,omitempty"`
	DocumentRef string      `db:"document_ref" json:"document_ref,omitempty"`
	CreatedAt   time.Time   `db:"created_at" json:"created_at"`
}

// OrderStatusRecord is an order together with its transition history.
type OrderStatusRecord struct {
	Order   Order             `json:"order"`
	History []OrderTransition `json:"history"`
}

// ProcessedEvent for idempotency
type ProcessedEvent struct {
	EventID     string    `db:"event_id"`
	EventType   string    `db:"event_type"`
	ProcessedAt time.Time `db:"processed_at"`
}
