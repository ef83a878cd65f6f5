// Package memstore provides in-process implementations of the journal,
// reservation, order and processed-event repositories.
package memstore

import (
	"context"
	"sync"
	"time"

	"inventory-ledger/internal/models"
)

// Journal is an append-only in-memory transaction log
type Journal struct {
	mu   sync.RWMutex
	rows []models.Transaction
}

// NewJournal creates an empty journal
func NewJournal() *Journal {
	return &Journal{}
}

// Append stores a copy of tx
func (j *Journal) Append(ctx context.Context, tx *models.Transaction) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.rows = append(j.rows, *tx)
	return nil
}

// List returns matching rows, newest first
func (j *Journal) List(ctx context.Context, filter models.TransactionFilter) ([]models.Transaction, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()

	out := make([]models.Transaction, 0)
	for i := len(j.rows) - 1; i >= 0; i-- {
		if !filter.Matches(&j.rows[i]) {
			continue
		}
		out = append(out, j.rows[i])
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out, nil
}

// Reservations is an in-memory reservation repository
type Reservations struct {
	mu    sync.RWMutex
	byID  map[string]*models.Reservation
	order []string
	now   func() time.Time
}

// NewReservations creates an empty repository
func NewReservations() *Reservations {
	return &Reservations{
		byID: make(map[string]*models.Reservation),
		now:  time.Now,
	}
}

// Create stores r
func (s *Reservations) Create(ctx context.Context, r *models.Reservation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *r
	s.byID[r.ID] = &cp
	s.order = append(s.order, r.ID)
	return nil
}

// Get returns a copy of the reservation
func (s *Reservations) Get(ctx context.Context, id string) (*models.Reservation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.byID[id]
	if !ok {
		return nil, &models.NotFoundError{Kind: "reservation", ID: id}
	}
	cp := *r
	return &cp, nil
}

// Settle moves an ACTIVE reservation to status
func (s *Reservations) Settle(ctx context.Context, id string, status models.ReservationStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.byID[id]
	if !ok {
		return false, &models.NotFoundError{Kind: "reservation", ID: id}
	}
	if r.Status != models.ReservationActive {
		return false, nil
	}
	r.Status = status
	r.UpdatedAt = s.now()
	return true, nil
}

// ListByOwner returns the owner's reservations in creation order
func (s *Reservations) ListByOwner(ctx context.Context, ownerID string) ([]models.Reservation, error) {
	return s.collect(func(r *models.Reservation) bool { return r.OwnerID == ownerID }), nil
}

// ListActiveBefore returns ACTIVE reservations created before cutoff
func (s *Reservations) ListActiveBefore(ctx context.Context, cutoff time.Time) ([]models.Reservation, error) {
	return s.collect(func(r *models.Reservation) bool {
		return r.Status == models.ReservationActive && r.CreatedAt.Before(cutoff)
	}), nil
}

// Reassign moves ACTIVE reservations between owners
func (s *Reservations) Reassign(ctx context.Context, fromOwnerID, toOwnerID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, r := range s.byID {
		if r.OwnerID == fromOwnerID && r.Status == models.ReservationActive {
			r.OwnerID = toOwnerID
			r.UpdatedAt = s.now()
			n++
		}
	}
	return n, nil
}

func (s *Reservations) collect(match func(*models.Reservation) bool) []models.Reservation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Reservation, 0)
	for _, id := range s.order {
		if r := s.byID[id]; match(r) {
			out = append(out, *r)
		}
	}
	return out
}

// Orders is an in-memory order repository
type Orders struct {
	mu      sync.RWMutex
	orders  map[string]*models.Order
	history map[string][]models.OrderTransition
	nextID  int64
}

// NewOrders creates an empty repository
func NewOrders() *Orders {
	return &Orders{
		orders:  make(map[string]*models.Order),
		history: make(map[string][]models.OrderTransition),
	}
}

// Create stores a new order with its initial history entry
func (s *Orders) Create(ctx context.Context, order *models.Order, initial *models.OrderTransition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.orders[order.ID]; exists {
		return &models.ValidationError{Field: "order_id", Message: "order already exists: " + order.ID}
	}
	cp := *order
	s.orders[order.ID] = &cp
	s.nextID++
	initial.ID = s.nextID
	s.history[order.ID] = []models.OrderTransition{*initial}
	return nil
}

// Get returns the order and a copy of its history
func (s *Orders) Get(ctx context.Context, orderID string) (*models.OrderStatusRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.orders[orderID]
	if !ok {
		return nil, &models.NotFoundError{Kind: "order", ID: orderID}
	}
	h := make([]models.OrderTransition, len(s.history[orderID]))
	copy(h, s.history[orderID])
	return &models.OrderStatusRecord{Order: *o, History: h}, nil
}

// AppendTransition records t if the order is still in t.From
func (s *Orders) AppendTransition(ctx context.Context, t *models.OrderTransition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[t.OrderID]
	if !ok {
		return &models.NotFoundError{Kind: "order", ID: t.OrderID}
	}
	if o.Status != t.From {
		return &models.ConcurrentConflict{Key: "order:" + t.OrderID, Attempts: 1}
	}
	s.nextID++
	t.ID = s.nextID
	o.Status = t.To
	o.UpdatedAt = t.CreatedAt
	s.history[t.OrderID] = append(s.history[t.OrderID], *t)
	return nil
}

// ProcessedEvents remembers consumed event ids
type ProcessedEvents struct {
	mu   sync.Mutex
	seen map[string]models.ProcessedEvent
}

// NewProcessedEvents creates an empty set
func NewProcessedEvents() *ProcessedEvents {
	return &ProcessedEvents{seen: make(map[string]models.ProcessedEvent)}
}

// IsEventProcessed checks if an event has been processed
func (p *ProcessedEvents) IsEventProcessed(ctx context.Context, eventID string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.seen[eventID]
	return ok, nil
}

// MarkEventProcessed marks an event as processed
func (p *ProcessedEvents) MarkEventProcessed(ctx context.Context, eventID, eventType string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.seen[eventID]; !ok {
		p.seen[eventID] = models.ProcessedEvent{EventID: eventID, EventType: eventType, ProcessedAt: time.Now()}
	}
	return nil
}
