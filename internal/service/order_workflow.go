package service

import (
	"context"
	"fmt"
	"time"

	"inventory-ledger/internal/models"
	"inventory-ledger/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// transitionRule describes one permitted edge of the order state machine
type transitionRule struct {
	needsReason   bool
	needsEvidence bool
}

// preShipped are the states from which an order may still be rejected or cancelled
var preShipped = []models.OrderStatus{
	models.OrderPending,
	models.OrderApproved,
	models.OrderDepositPending,
	models.OrderDepositReceived,
	models.OrderInspection,
}

var transitions = buildTransitions()

func buildTransitions() map[models.OrderStatus]map[models.OrderStatus]transitionRule {
	t := map[models.OrderStatus]map[models.OrderStatus]transitionRule{
		models.OrderPending:         {models.OrderApproved: {needsReason: true}},
		models.OrderApproved:        {models.OrderDepositPending: {}},
		models.OrderDepositPending:  {models.OrderDepositReceived: {needsEvidence: true}},
		models.OrderDepositReceived: {models.OrderInspection: {}},
		models.OrderInspection:      {models.OrderShipped: {needsEvidence: true}},
		models.OrderShipped:         {models.OrderDelivered: {needsEvidence: true}},
		models.OrderDelivered:       {models.OrderClosed: {needsEvidence: true}},
	}
	for _, from := range preShipped {
		t[from][models.OrderRejected] = transitionRule{needsReason: from == models.OrderPending || from == models.OrderApproved}
		t[from][models.OrderCancelled] = transitionRule{}
	}
	return t
}

// TransitionRequest asks to move an order to Target
type TransitionRequest struct {
	OrderID     string             `json:"-"`
	Target      models.OrderStatus `json:"target_status" binding:"required,order_status"`
	Actor       string             `json:"actor" binding:"required"`
	Reason      string             `json:"reason"`
	DocumentRef string             `json:"evidence_doc_id"`
}

// OpenOrderRequest creates an order, optionally from a quote
type OpenOrderRequest struct {
	OrderID string `json:"order_id" binding:"required"`
	QuoteID string `json:"quote_id"`
	Actor   string `json:"actor" binding:"required"`
}

// OrderApprovalWorkflow governs order status transitions and their stock effects
type OrderApprovalWorkflow struct {
	orders          OrderStore
	reservations    *ReservationManager
	processedEvents ProcessedEvents
	eventPublisher  EventPublisher
	locks           *util.KeyedMutex
	logger          *zap.Logger
	now             func() time.Time
}

// NewOrderApprovalWorkflow creates a new workflow
func NewOrderApprovalWorkflow(
	orders OrderStore,
	reservations *ReservationManager,
	processedEvents ProcessedEvents,
	eventPublisher EventPublisher,
) *OrderApprovalWorkflow {
	if eventPublisher == nil {
		eventPublisher = NopPublisher{}
	}
	return &OrderApprovalWorkflow{
		orders:          orders,
		reservations:    reservations,
		processedEvents: processedEvents,
		eventPublisher:  eventPublisher,
		locks:           util.NewKeyedMutex(),
		logger:          util.GetLogger(),
		now:             time.Now,
	}
}

// Open creates a pending order. When QuoteID is set the quote's ACTIVE
// reservations become the order's. Repeating the same Open on a pending order
// completes an interrupted reassignment and returns the existing record.
func (w *OrderApprovalWorkflow) Open(ctx context.Context, req OpenOrderRequest) (*models.OrderStatusRecord, error) {
	ctx, span := util.StartSpan(ctx, "OrderApprovalWorkflow.Open")
	var err error
	defer func() { util.EndSpan(span, err) }()

	if req.OrderID == "" {
		err = &models.ValidationError{Field: "order_id", Message: "required"}
		return nil, err
	}
	if req.Actor == "" {
		err = &models.ValidationError{Field: "actor", Message: "required"}
		return nil, err
	}

	unlock := w.locks.Lock(req.OrderID)
	defer unlock()

	existing, getErr := w.orders.Get(ctx, req.OrderID)
	switch {
	case getErr == nil:
		var rec *models.OrderStatusRecord
		rec, err = w.resumeOpen(ctx, req, existing)
		return rec, err
	case models.ErrorKind(getErr) != "not_found":
		err = getErr
		return nil, err
	}

	now := w.now()
	order := &models.Order{
		ID:        req.OrderID,
		QuoteID:   req.QuoteID,
		Status:    models.OrderPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	initial := &models.OrderTransition{
		OrderID:   req.OrderID,
		To:        models.OrderPending,
		Actor:     req.Actor,
		CreatedAt: now,
	}

	if err = w.orders.Create(ctx, order, initial); err != nil {
		return nil, err
	}

	if req.QuoteID != "" {
		if _, err = w.reservations.Reassign(ctx, req.QuoteID, req.OrderID); err != nil {
			return nil, err
		}
	}

	util.OrderTransitionsTotal.WithLabelValues(string(models.OrderPending)).Inc()
	w.logger.Info("Order opened",
		zap.String("order_id", req.OrderID),
		zap.String("quote_id", req.QuoteID),
		zap.String("actor", req.Actor))
	w.publish(ctx, initial)

	return w.orders.Get(ctx, req.OrderID)
}

// resumeOpen finishes an Open whose order was created but whose quote
// reservations were not yet moved over. Reassign only moves what the quote
// still holds, so repeating it is harmless.
func (w *OrderApprovalWorkflow) resumeOpen(ctx context.Context, req OpenOrderRequest, existing *models.OrderStatusRecord) (*models.OrderStatusRecord, error) {
	if existing.Order.QuoteID != req.QuoteID || existing.Order.Status != models.OrderPending {
		return nil, &models.ValidationError{Field: "order_id", Message: "order already exists: " + req.OrderID}
	}
	if req.QuoteID == "" {
		return existing, nil
	}

	n, err := w.reservations.Reassign(ctx, req.QuoteID, req.OrderID)
	if err != nil {
		return nil, err
	}
	w.logger.Info("Order open resumed",
		zap.String("order_id", req.OrderID),
		zap.String("quote_id", req.QuoteID),
		zap.Int("reassigned", n))
	return existing, nil
}

// Transition validates and applies one status change. Rejected and cancelled
// orders release their reservations; shipped orders consume them. An invalid
// request leaves all state untouched.
func (w *OrderApprovalWorkflow) Transition(ctx context.Context, req TransitionRequest) (*models.OrderStatusRecord, error) {
	ctx, span := util.StartSpan(ctx, "OrderApprovalWorkflow.Transition")
	var err error
	defer func() { util.EndSpan(span, err) }()

	unlock := w.locks.Lock(req.OrderID)
	defer unlock()

	var current *models.OrderStatusRecord
	current, err = w.orders.Get(ctx, req.OrderID)
	if err != nil {
		return nil, err
	}

	from := current.Order.Status
	if err = validateTransition(req, from); err != nil {
		util.OrderTransitionsRejected.WithLabelValues(string(req.Target)).Inc()
		w.logger.Warn("Order transition rejected",
			zap.String("order_id", req.OrderID),
			zap.String("from", string(from)),
			zap.String("to", string(req.Target)),
			zap.Error(err))
		return nil, err
	}

	if err = w.applyStockEffects(ctx, req, current.Order); err != nil {
		w.logger.Error("Failed to apply stock effects of transition",
			zap.String("order_id", req.OrderID),
			zap.String("to", string(req.Target)),
			zap.Error(err))
		return nil, err
	}

	t := &models.OrderTransition{
		OrderID:     req.OrderID,
		From:        from,
		To:          req.Target,
		Actor:       req.Actor,
		Reason:      req.Reason,
		DocumentRef: req.DocumentRef,
		CreatedAt:   w.now(),
	}
	if err = w.orders.AppendTransition(ctx, t); err != nil {
		return nil, fmt.Errorf("failed to append transition: %w", err)
	}

	util.OrderTransitionsTotal.WithLabelValues(string(req.Target)).Inc()
	w.logger.Info("Order transitioned",
		zap.String("order_id", req.OrderID),
		zap.String("from", string(from)),
		zap.String("to", string(req.Target)),
		zap.String("actor", req.Actor),
		zap.String("document_ref", req.DocumentRef))
	w.publish(ctx, t)

	return w.orders.Get(ctx, req.OrderID)
}

func validateTransition(req TransitionRequest, from models.OrderStatus) error {
	invalid := func(reason string) error {
		return &models.InvalidTransitionError{OrderID: req.OrderID, From: from, To: req.Target, Reason: reason}
	}

	rule, ok := transitions[from][req.Target]
	if !ok {
		return invalid("")
	}
	if req.Actor == "" {
		return invalid("actor is required")
	}
	if rule.needsReason && req.Reason == "" {
		return invalid("reason is required")
	}
	if rule.needsEvidence && req.DocumentRef == "" {
		return invalid("evidence document is required")
	}
	return nil
}

// applyStockEffects settles the order's reservations for terminal and shipping transitions
func (w *OrderApprovalWorkflow) applyStockEffects(ctx context.Context, req TransitionRequest, order models.Order) error {
	switch req.Target {
	case models.OrderRejected, models.OrderCancelled:
		if _, err := w.reservations.ReleaseOwner(ctx, req.OrderID); err != nil {
			return fmt.Errorf("failed to release reservations: %w", err)
		}
	case models.OrderShipped:
		if err := w.checkShippable(ctx, req, order); err != nil {
			return err
		}
		if _, err := w.reservations.ConsumeOwner(ctx, req.OrderID, req.Actor); err != nil {
			return fmt.Errorf("failed to consume reservations: %w", err)
		}
	}
	return nil
}

// checkShippable refuses to ship an order whose stock claim is gone. An
// order that held reservations, or was opened from a quote, must still have
// an ACTIVE or CONSUMED one, otherwise shipping would journal no OUT.
func (w *OrderApprovalWorkflow) checkShippable(ctx context.Context, req TransitionRequest, order models.Order) error {
	owned, err := w.reservations.List(ctx, req.OrderID)
	if err != nil {
		return fmt.Errorf("failed to list reservations: %w", err)
	}
	if len(owned) == 0 && order.QuoteID == "" {
		return nil
	}
	for _, r := range owned {
		if r.Status == models.ReservationActive || r.Status == models.ReservationConsumed {
			return nil
		}
	}
	return &models.InvalidTransitionError{
		OrderID: req.OrderID,
		From:    order.Status,
		To:      req.Target,
		Reason:  "order holds no reservations to ship",
	}
}

// ReleaseExpired releases stale ACTIVE reservations that still belong to a
// quote. Reservations owned by an order are settled by its transitions.
func (w *OrderApprovalWorkflow) ReleaseExpired(ctx context.Context, cutoff time.Time) (int, error) {
	return w.reservations.ReleaseExpiredExcept(ctx, cutoff, w.ownedByOrder)
}

// ownedByOrder re-reads the reservation so one reassigned after the sweep
// listed it is still recognised.
func (w *OrderApprovalWorkflow) ownedByOrder(ctx context.Context, r models.Reservation) (bool, error) {
	cur, err := w.reservations.Get(ctx, r.ID)
	if err != nil {
		return false, err
	}
	_, err = w.orders.Get(ctx, cur.OwnerID)
	switch models.ErrorKind(err) {
	case "":
		return true, nil
	case "not_found":
		return false, nil
	default:
		return false, err
	}
}

// Get returns the order with its full history
func (w *OrderApprovalWorkflow) Get(ctx context.Context, orderID string) (*models.OrderStatusRecord, error) {
	return w.orders.Get(ctx, orderID)
}

// HandleTransitionRequested applies a transition command from the document
// collaborator. Commands the workflow rejects are logged and marked processed
// so they are not redelivered.
func (w *OrderApprovalWorkflow) HandleTransitionRequested(ctx context.Context, event *models.OrderTransitionRequestedEvent) error {
	ctx, span := util.StartSpan(ctx, "OrderApprovalWorkflow.HandleTransitionRequested")
	defer span.End()

	processed, err := w.processedEvents.IsEventProcessed(ctx, event.EventID)
	if err != nil {
		return fmt.Errorf("failed to check event processed: %w", err)
	}
	if processed {
		w.logger.Info("Event already processed", zap.String("event_id", event.EventID))
		return nil
	}

	_, err = w.Transition(ctx, TransitionRequest{
		OrderID:     event.OrderID,
		Target:      event.Target,
		Actor:       event.Actor,
		Reason:      event.Reason,
		DocumentRef: event.DocumentRef,
	})
	switch models.ErrorKind(err) {
	case "":
	case "invalid_transition", "not_found", "validation":
		w.logger.Warn("Dropping transition command",
			zap.String("event_id", event.EventID),
			zap.String("order_id", event.OrderID),
			zap.Error(err))
	default:
		return err
	}

	if err := w.processedEvents.MarkEventProcessed(ctx, event.EventID, event.EventType); err != nil {
		w.logger.Error("Failed to mark event processed", zap.Error(err))
	}
	return nil
}

func (w *OrderApprovalWorkflow) publish(ctx context.Context, t *models.OrderTransition) {
	event := &models.OrderStatusChangedEvent{
		BaseEvent: models.BaseEvent{
			EventID:   uuid.New().String(),
			EventType: models.EventTypeOrderStatusChanged,
			Timestamp: w.now(),
		},
		Transition: *t,
	}
	if err := w.eventPublisher.PublishOrderStatusChanged(ctx, event); err != nil {
		w.logger.Error("Failed to publish OrderStatusChanged event",
			zap.String("order_id", t.OrderID),
			zap.Error(err))
	}
}
