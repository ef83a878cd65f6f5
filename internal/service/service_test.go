package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"inventory-ledger/internal/catalog"
	"inventory-ledger/internal/ledger"
	"inventory-ledger/internal/memstore"
	"inventory-ledger/internal/models"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	ledger       ledger.Ledger
	journal      *memstore.Journal
	reservations *memstore.Reservations
	orders       *memstore.Orders
	catalog      *catalog.Memory
	publisher    *recordingPublisher
	processor    *TransactionProcessor
	transfers    *TransferCoordinator
	manager      *ReservationManager
	aggregator   *StockAvailabilityAggregator
	workflow     *OrderApprovalWorkflow
}

func newFixture(t *testing.T, l ledger.Ledger) *fixture {
	t.Helper()
	if l == nil {
		l = ledger.NewMemoryLedger()
	}
	f := &fixture{
		ledger:       l,
		journal:      memstore.NewJournal(),
		reservations: memstore.NewReservations(),
		orders:       memstore.NewOrders(),
		publisher:    &recordingPublisher{},
		catalog: catalog.NewMemory(
			[]models.Product{
				{ID: "SKU-1", Code: "S1", Name: "Pump", UnitPrice: decimal.RequireFromString("12.50"), Currency: "USD"},
				{ID: "SKU-2", Code: "S2", Name: "Valve", UnitPrice: decimal.RequireFromString("3.20"), Currency: "USD"},
				{ID: "SKU-3", Code: "S3", Name: "Seal", UnitPrice: decimal.RequireFromString("0.75"), Currency: "EUR"},
			},
			[]models.Warehouse{
				{ID: "WH-A", Region: "north", Name: "North A"},
				{ID: "WH-B", Region: "north", Name: "North B"},
				{ID: "WH-C", Region: "south", Name: "South C"},
			},
		),
	}
	f.processor = NewTransactionProcessor(l, f.journal, f.catalog, f.publisher)
	f.transfers = NewTransferCoordinator(f.processor)
	f.manager = NewReservationManager(f.processor, f.reservations)
	f.aggregator = NewStockAvailabilityAggregator(l, f.catalog)
	f.workflow = NewOrderApprovalWorkflow(f.orders, f.manager, memstore.NewProcessedEvents(), f.publisher)
	return f
}

func (f *fixture) inbound(t *testing.T, productID, warehouseID string, qty int64) {
	t.Helper()
	_, err := f.processor.Record(context.Background(), RecordRequest{
		Type: models.TransactionIn, ProductID: productID, WarehouseID: warehouseID, Quantity: qty, Operator: "test",
	})
	require.NoError(t, err)
}

func (f *fixture) stock(t *testing.T, productID, warehouseID string) models.StockRecord {
	t.Helper()
	rec, err := f.ledger.Get(context.Background(), productID, warehouseID)
	require.NoError(t, err)
	require.True(t, rec.Valid(), "invariant broken: %+v", rec)
	return rec
}

type recordingPublisher struct {
	mu          sync.Mutex
	stock       []*models.StockChangedEvent
	reservation []*models.ReservationChangedEvent
	order       []*models.OrderStatusChangedEvent
}

func (p *recordingPublisher) PublishStockChanged(_ context.Context, e *models.StockChangedEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stock = append(p.stock, e)
	return nil
}

func (p *recordingPublisher) PublishReservationChanged(_ context.Context, e *models.ReservationChangedEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reservation = append(p.reservation, e)
	return nil
}

func (p *recordingPublisher) PublishOrderStatusChanged(_ context.Context, e *models.OrderStatusChangedEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.order = append(p.order, e)
	return nil
}

// failingLedger fails every delta applied to one warehouse
type failingLedger struct {
	ledger.Ledger
	warehouseID string
}

func (l *failingLedger) ApplyDelta(ctx context.Context, productID, warehouseID string, d ledger.Delta, opts ...ledger.ApplyOption) (models.StockRecord, error) {
	if warehouseID == l.warehouseID {
		return models.StockRecord{}, &models.InvariantViolation{ProductID: productID, WarehouseID: warehouseID}
	}
	return l.Ledger.ApplyDelta(ctx, productID, warehouseID, d, opts...)
}

func TestRecordInboundOutbound(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.inbound(t, "SKU-1", "WH-A", 10)

	res, err := f.processor.Record(ctx, RecordRequest{
		Type: models.TransactionOut, ProductID: "SKU-1", WarehouseID: "WH-A", Quantity: 4, Operator: "alice",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(6), res.Record.ActualQty)
	assert.Equal(t, int64(-4), res.Transaction.Delta)
	assert.Equal(t, res.Record.UpdatedAt, res.Transaction.CreatedAt)

	_, err = f.processor.Record(ctx, RecordRequest{
		Type: models.TransactionOut, ProductID: "SKU-1", WarehouseID: "WH-A", Quantity: 7,
	})
	var insufficient *models.InsufficientStockError
	require.ErrorAs(t, err, &insufficient)
	assert.Equal(t, int64(7), insufficient.Requested)
	assert.Equal(t, int64(6), insufficient.Available)

	rows, err := f.journal.List(ctx, models.TransactionFilter{ProductID: "SKU-1"})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, models.TransactionOut, rows[0].Type)
	assert.Len(t, f.publisher.stock, 2)
}

func TestRecordValidation(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	tests := []struct {
		name string
		req  RecordRequest
		kind string
	}{
		{"zero quantity", RecordRequest{Type: models.TransactionIn, ProductID: "SKU-1", WarehouseID: "WH-A"}, "validation"},
		{"unknown product", RecordRequest{Type: models.TransactionIn, ProductID: "SKU-X", WarehouseID: "WH-A", Quantity: 1}, "not_found"},
		{"unknown warehouse", RecordRequest{Type: models.TransactionIn, ProductID: "SKU-1", WarehouseID: "WH-X", Quantity: 1}, "not_found"},
		{"adjust without note", RecordRequest{Type: models.TransactionAdjust, ProductID: "SKU-1", WarehouseID: "WH-A", Delta: 3}, "validation"},
		{"adjust zero", RecordRequest{Type: models.TransactionAdjust, ProductID: "SKU-1", WarehouseID: "WH-A", Note: "count"}, "validation"},
		{"adjust below zero", RecordRequest{Type: models.TransactionAdjust, ProductID: "SKU-1", WarehouseID: "WH-A", Delta: -1, Note: "count"}, "invariant_violation"},
		{"unsupported type", RecordRequest{Type: models.TransactionTransferIn, ProductID: "SKU-1", WarehouseID: "WH-A", Quantity: 1}, "validation"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.processor.Record(ctx, tt.req)
			require.Error(t, err)
			assert.Equal(t, tt.kind, models.ErrorKind(err))
		})
	}

	rows, _ := f.journal.List(ctx, models.TransactionFilter{})
	assert.Empty(t, rows)
}

func TestAdjustRecordsSignedDelta(t *testing.T) {
	f := newFixture(t, nil)
	f.inbound(t, "SKU-1", "WH-A", 10)

	res, err := f.processor.Record(context.Background(), RecordRequest{
		Type: models.TransactionAdjust, ProductID: "SKU-1", WarehouseID: "WH-A", Delta: -3, Note: "stocktake",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(7), res.Record.ActualQty)
	assert.Equal(t, int64(3), res.Transaction.Quantity)
	assert.Equal(t, int64(-3), res.Transaction.Delta)
}

func TestConcurrentOutboundNeverOversells(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.inbound(t, "SKU-1", "WH-A", 50)

	var ok, insufficient atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.processor.Record(ctx, RecordRequest{
				Type: models.TransactionOut, ProductID: "SKU-1", WarehouseID: "WH-A", Quantity: 3,
			})
			var target *models.InsufficientStockError
			switch {
			case err == nil:
				ok.Add(1)
			case errors.As(err, &target):
				insufficient.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(16), ok.Load())
	assert.Equal(t, int64(24), insufficient.Load())
	rec := f.stock(t, "SKU-1", "WH-A")
	assert.Equal(t, int64(2), rec.AvailableQty)
}

func TestTransferMovesStockWithPairID(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.inbound(t, "SKU-1", "WH-A", 20)

	res, err := f.transfers.Transfer(ctx, TransferRequest{
		ProductID: "SKU-1", SourceWarehouseID: "WH-A", DestWarehouseID: "WH-B", Quantity: 8, Operator: "bob",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(12), res.Source.ActualQty)
	assert.Equal(t, int64(8), res.Destination.ActualQty)
	assert.Equal(t, models.TransactionTransferOut, res.Out.Type)
	assert.Equal(t, models.TransactionTransferIn, res.In.Type)
	assert.Equal(t, res.PairID, res.Out.PairID)
	assert.Equal(t, res.PairID, res.In.PairID)

	rows, _ := f.journal.List(ctx, models.TransactionFilter{PairID: res.PairID})
	assert.Len(t, rows, 2)
}

func TestTransferRejections(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.inbound(t, "SKU-1", "WH-A", 5)

	_, err := f.transfers.Transfer(ctx, TransferRequest{ProductID: "SKU-1", SourceWarehouseID: "WH-A", DestWarehouseID: "WH-A", Quantity: 1})
	assert.Equal(t, "validation", models.ErrorKind(err))

	_, err = f.transfers.Transfer(ctx, TransferRequest{ProductID: "SKU-1", SourceWarehouseID: "WH-A", DestWarehouseID: "WH-B", Quantity: 6})
	assert.Equal(t, "insufficient_stock", models.ErrorKind(err))

	_, err = f.transfers.Transfer(ctx, TransferRequest{ProductID: "SKU-1", SourceWarehouseID: "WH-A", DestWarehouseID: "WH-Z", Quantity: 1})
	assert.Equal(t, "not_found", models.ErrorKind(err))

	assert.Equal(t, int64(5), f.stock(t, "SKU-1", "WH-A").ActualQty)
	rows, _ := f.journal.List(ctx, models.TransactionFilter{})
	assert.Len(t, rows, 1)
}

func TestTransferCompensatesFailedDestination(t *testing.T) {
	base := ledger.NewMemoryLedger()
	f := newFixture(t, &failingLedger{Ledger: base, warehouseID: "WH-B"})
	ctx := context.Background()
	f.inbound(t, "SKU-1", "WH-A", 30)

	_, err := f.transfers.Transfer(ctx, TransferRequest{
		ProductID: "SKU-1", SourceWarehouseID: "WH-A", DestWarehouseID: "WH-B", Quantity: 10,
	})
	var violation *models.InvariantViolation
	require.ErrorAs(t, err, &violation)

	rec := f.stock(t, "SKU-1", "WH-A")
	assert.Equal(t, int64(30), rec.ActualQty)
	assert.Equal(t, int64(30), rec.AvailableQty)

	rows, _ := f.journal.List(ctx, models.TransactionFilter{WarehouseID: "WH-A"})
	require.Len(t, rows, 3)
	reversal := rows[0]
	assert.Equal(t, models.TransactionIn, reversal.Type)
	assert.Equal(t, rows[1].PairID, reversal.PairID)
	assert.Contains(t, reversal.Note, "reversal of transfer")
}

func TestReservationScenario(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.inbound(t, "SKU-1", "WH-A", 100)

	r, err := f.manager.Reserve(ctx, ReserveRequest{OwnerID: "quote-7", ProductID: "SKU-1", WarehouseID: "WH-A", Quantity: 30})
	require.NoError(t, err)
	assert.Equal(t, models.ReservationActive, r.Status)
	rec := f.stock(t, "SKU-1", "WH-A")
	assert.Equal(t, int64(30), rec.ReservedQty)
	assert.Equal(t, int64(70), rec.AvailableQty)

	_, err = f.processor.Record(ctx, RecordRequest{Type: models.TransactionOut, ProductID: "SKU-1", WarehouseID: "WH-A", Quantity: 80})
	var insufficient *models.InsufficientStockError
	require.ErrorAs(t, err, &insufficient)
	assert.Equal(t, int64(70), insufficient.Available)

	consumed, tx, err := f.manager.Consume(ctx, r.ID, "carol")
	require.NoError(t, err)
	assert.Equal(t, models.ReservationConsumed, consumed.Status)
	assert.Equal(t, models.TransactionOut, tx.Type)
	assert.Equal(t, r.ID, tx.ReservationID)

	rec = f.stock(t, "SKU-1", "WH-A")
	assert.Equal(t, int64(70), rec.ActualQty)
	assert.Zero(t, rec.ReservedQty)
	assert.Equal(t, int64(70), rec.AvailableQty)

	_, _, err = f.manager.Consume(ctx, r.ID, "carol")
	assert.Equal(t, "validation", models.ErrorKind(err))
}

func TestReserveInsufficient(t *testing.T) {
	f := newFixture(t, nil)
	f.inbound(t, "SKU-1", "WH-A", 5)

	_, err := f.manager.Reserve(context.Background(), ReserveRequest{OwnerID: "q", ProductID: "SKU-1", WarehouseID: "WH-A", Quantity: 6})
	assert.Equal(t, "insufficient_stock", models.ErrorKind(err))
	assert.Zero(t, f.stock(t, "SKU-1", "WH-A").ReservedQty)

	owned, _ := f.manager.List(context.Background(), "q")
	assert.Empty(t, owned)
}

func TestReleaseIsIdempotent(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.inbound(t, "SKU-1", "WH-A", 10)

	r, err := f.manager.Reserve(ctx, ReserveRequest{OwnerID: "q-1", ProductID: "SKU-1", WarehouseID: "WH-A", Quantity: 4})
	require.NoError(t, err)

	first, err := f.manager.Release(ctx, r.ID)
	require.NoError(t, err)
	afterFirst := f.stock(t, "SKU-1", "WH-A")

	second, err := f.manager.Release(ctx, r.ID)
	require.NoError(t, err)
	afterSecond := f.stock(t, "SKU-1", "WH-A")

	assert.Equal(t, models.ReservationReleased, first.Status)
	assert.Equal(t, models.ReservationReleased, second.Status)
	assert.Equal(t, afterFirst, afterSecond)
	assert.Equal(t, int64(10), afterSecond.AvailableQty)
}

func TestConcurrentReleaseAppliesOnce(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.inbound(t, "SKU-1", "WH-A", 10)
	r, err := f.manager.Reserve(ctx, ReserveRequest{OwnerID: "q-1", ProductID: "SKU-1", WarehouseID: "WH-A", Quantity: 4})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.manager.Release(ctx, r.ID)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	rec := f.stock(t, "SKU-1", "WH-A")
	assert.Zero(t, rec.ReservedQty)
	assert.Equal(t, int64(10), rec.AvailableQty)
}

func TestReserveForQuoteRollsBack(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.inbound(t, "SKU-1", "WH-A", 10)
	f.inbound(t, "SKU-2", "WH-A", 1)

	_, err := f.manager.ReserveForQuote(ctx, "quote-9", []QuoteLine{
		{ProductID: "SKU-1", WarehouseID: "WH-A", Quantity: 5},
		{ProductID: "SKU-2", WarehouseID: "WH-A", Quantity: 2},
	})
	assert.Equal(t, "insufficient_stock", models.ErrorKind(err))
	assert.Zero(t, f.stock(t, "SKU-1", "WH-A").ReservedQty)

	owned, _ := f.manager.List(ctx, "quote-9")
	require.Len(t, owned, 1)
	assert.Equal(t, models.ReservationReleased, owned[0].Status)
}

func TestReserveForQuoteValuation(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.inbound(t, "SKU-1", "WH-A", 10)
	f.inbound(t, "SKU-2", "WH-B", 10)
	f.inbound(t, "SKU-3", "WH-C", 10)

	res, err := f.manager.ReserveForQuote(ctx, "quote-1", []QuoteLine{
		{ProductID: "SKU-1", WarehouseID: "WH-A", Quantity: 2},
		{ProductID: "SKU-2", WarehouseID: "WH-B", Quantity: 5},
		{ProductID: "SKU-3", WarehouseID: "WH-C", Quantity: 4},
	})
	require.NoError(t, err)
	assert.Len(t, res.Reservations, 3)
	assert.True(t, decimal.RequireFromString("41").Equal(res.Totals["USD"]), res.Totals["USD"].String())
	assert.True(t, decimal.RequireFromString("3").Equal(res.Totals["EUR"]), res.Totals["EUR"].String())
}

func TestReleaseExpired(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.inbound(t, "SKU-1", "WH-A", 10)
	r, err := f.manager.Reserve(ctx, ReserveRequest{OwnerID: "q", ProductID: "SKU-1", WarehouseID: "WH-A", Quantity: 3})
	require.NoError(t, err)

	n, err := f.manager.ReleaseExpired(ctx, r.CreatedAt)
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = f.manager.ReleaseExpired(ctx, r.CreatedAt.Add(1))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Zero(t, f.stock(t, "SKU-1", "WH-A").ReservedQty)
}

func TestCheckAvailability(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.inbound(t, "SKU-2", "WH-A", 2)
	f.inbound(t, "SKU-2", "WH-B", 1)

	res, err := f.aggregator.CheckAvailability(ctx, AvailabilityRequest{
		Lines: []AvailabilityLine{{ProductID: "SKU-2", Quantity: 5}},
	})
	require.NoError(t, err)
	require.Len(t, res.Lines, 1)
	assert.Equal(t, int64(3), res.Lines[0].Available)
	assert.Equal(t, AvailabilityPartial, res.Lines[0].Status)
	assert.Equal(t, AvailabilityPartial, res.OverallStatus)

	all, _ := f.ledger.List(ctx, models.StockFilter{})
	assert.Len(t, all, 2, "availability checks must not create records")
}

func TestCheckAvailabilityOverallIsMinimum(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.inbound(t, "SKU-1", "WH-A", 10)
	f.inbound(t, "SKU-2", "WH-C", 4)

	tests := []struct {
		name    string
		req     AvailabilityRequest
		overall AvailabilityStatus
		lines   []AvailabilityStatus
	}{
		{
			name:    "all available",
			req:     AvailabilityRequest{Lines: []AvailabilityLine{{ProductID: "SKU-1", Quantity: 10}}},
			overall: AvailabilityAvailable,
			lines:   []AvailabilityStatus{AvailabilityAvailable},
		},
		{
			name: "region excludes stock",
			req: AvailabilityRequest{Region: "north", Lines: []AvailabilityLine{
				{ProductID: "SKU-1", Quantity: 1},
				{ProductID: "SKU-2", Quantity: 1},
			}},
			overall: AvailabilityUnavailable,
			lines:   []AvailabilityStatus{AvailabilityAvailable, AvailabilityUnavailable},
		},
		{
			name: "preferred warehouses",
			req: AvailabilityRequest{Lines: []AvailabilityLine{
				{ProductID: "SKU-2", Quantity: 5, PreferredWarehouseIDs: []string{"WH-C"}},
			}},
			overall: AvailabilityPartial,
			lines:   []AvailabilityStatus{AvailabilityPartial},
		},
		{
			name: "unknown product",
			req: AvailabilityRequest{Lines: []AvailabilityLine{
				{ProductID: "SKU-1", Quantity: 1},
				{ProductID: "SKU-404", Quantity: 1},
			}},
			overall: AvailabilityUnknown,
			lines:   []AvailabilityStatus{AvailabilityAvailable, AvailabilityUnknown},
		},
		{
			name: "unknown warehouse",
			req: AvailabilityRequest{Lines: []AvailabilityLine{
				{ProductID: "SKU-1", Quantity: 1, PreferredWarehouseIDs: []string{"WH-404"}},
			}},
			overall: AvailabilityUnknown,
			lines:   []AvailabilityStatus{AvailabilityUnknown},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := f.aggregator.CheckAvailability(ctx, tt.req)
			require.NoError(t, err)
			assert.Equal(t, tt.overall, res.OverallStatus)
			require.Len(t, res.Lines, len(tt.lines))
			for i, want := range tt.lines {
				assert.Equal(t, want, res.Lines[i].Status)
			}
		})
	}
}

func TestWorkflowRejectsSkippingStates(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	_, err := f.workflow.Open(ctx, OpenOrderRequest{OrderID: "order-1", Actor: "sales"})
	require.NoError(t, err)

	_, err = f.workflow.Transition(ctx, TransitionRequest{
		OrderID: "order-1", Target: models.OrderShipped, Actor: "ops", DocumentRef: "doc-1",
	})
	var invalid *models.InvalidTransitionError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, models.OrderPending, invalid.From)

	rec, err := f.workflow.Get(ctx, "order-1")
	require.NoError(t, err)
	assert.Equal(t, models.OrderPending, rec.Order.Status)
	assert.Len(t, rec.History, 1)
}

func TestWorkflowRequirements(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	_, err := f.workflow.Open(ctx, OpenOrderRequest{OrderID: "order-1", Actor: "sales"})
	require.NoError(t, err)

	_, err = f.workflow.Transition(ctx, TransitionRequest{OrderID: "order-1", Target: models.OrderApproved, Actor: "boss"})
	assert.Equal(t, "invalid_transition", models.ErrorKind(err))

	_, err = f.workflow.Transition(ctx, TransitionRequest{OrderID: "order-1", Target: models.OrderApproved, Reason: "ok"})
	assert.Equal(t, "invalid_transition", models.ErrorKind(err))

	_, err = f.workflow.Transition(ctx, TransitionRequest{OrderID: "order-1", Target: models.OrderApproved, Actor: "boss", Reason: "margin ok"})
	require.NoError(t, err)
	_, err = f.workflow.Transition(ctx, TransitionRequest{OrderID: "order-1", Target: models.OrderDepositPending, Actor: "finance"})
	require.NoError(t, err)

	_, err = f.workflow.Transition(ctx, TransitionRequest{OrderID: "order-1", Target: models.OrderDepositReceived, Actor: "finance"})
	assert.Equal(t, "invalid_transition", models.ErrorKind(err))

	rec, err := f.workflow.Transition(ctx, TransitionRequest{
		OrderID: "order-1", Target: models.OrderDepositReceived, Actor: "finance", DocumentRef: "receipt-42",
	})
	require.NoError(t, err)
	assert.Equal(t, models.OrderDepositReceived, rec.Order.Status)
	require.Len(t, rec.History, 4)
	assert.Equal(t, "receipt-42", rec.History[3].DocumentRef)
	assert.Equal(t, models.OrderDepositPending, rec.History[3].From)

	_, err = f.workflow.Transition(ctx, TransitionRequest{OrderID: "order-404", Target: models.OrderApproved, Actor: "a", Reason: "r"})
	assert.Equal(t, "not_found", models.ErrorKind(err))
}

func TestWorkflowFullLifecycleConsumesReservations(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.inbound(t, "SKU-1", "WH-A", 100)

	_, err := f.manager.ReserveForQuote(ctx, "quote-7", []QuoteLine{{ProductID: "SKU-1", WarehouseID: "WH-A", Quantity: 30}})
	require.NoError(t, err)

	_, err = f.workflow.Open(ctx, OpenOrderRequest{OrderID: "order-7", QuoteID: "quote-7", Actor: "sales"})
	require.NoError(t, err)
	owned, _ := f.manager.List(ctx, "order-7")
	require.Len(t, owned, 1)

	steps := []TransitionRequest{
		{Target: models.OrderApproved, Reason: "approved"},
		{Target: models.OrderDepositPending},
		{Target: models.OrderDepositReceived, DocumentRef: "doc-deposit"},
		{Target: models.OrderInspection},
		{Target: models.OrderShipped, DocumentRef: "doc-pd"},
		{Target: models.OrderDelivered, DocumentRef: "doc-pod"},
		{Target: models.OrderClosed, DocumentRef: "doc-close"},
	}
	for _, step := range steps {
		step.OrderID = "order-7"
		step.Actor = "ops"
		_, err := f.workflow.Transition(ctx, step)
		require.NoError(t, err, step.Target)
	}

	rec := f.stock(t, "SKU-1", "WH-A")
	assert.Equal(t, int64(70), rec.ActualQty)
	assert.Zero(t, rec.ReservedQty)

	order, _ := f.workflow.Get(ctx, "order-7")
	assert.Equal(t, models.OrderClosed, order.Order.Status)
	assert.Len(t, order.History, 8)
	assert.Len(t, f.publisher.order, 8)

	_, err = f.workflow.Transition(ctx, TransitionRequest{OrderID: "order-7", Target: models.OrderCancelled, Actor: "ops"})
	assert.Equal(t, "invalid_transition", models.ErrorKind(err))
}

func TestWorkflowCancelReleasesReservations(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.inbound(t, "SKU-1", "WH-A", 10)

	_, err := f.workflow.Open(ctx, OpenOrderRequest{OrderID: "order-2", Actor: "sales"})
	require.NoError(t, err)
	_, err = f.manager.Reserve(ctx, ReserveRequest{OwnerID: "order-2", ProductID: "SKU-1", WarehouseID: "WH-A", Quantity: 6})
	require.NoError(t, err)
	_, err = f.workflow.Transition(ctx, TransitionRequest{OrderID: "order-2", Target: models.OrderApproved, Actor: "boss", Reason: "ok"})
	require.NoError(t, err)

	rec, err := f.workflow.Transition(ctx, TransitionRequest{OrderID: "order-2", Target: models.OrderCancelled, Actor: "customer"})
	require.NoError(t, err)
	assert.Equal(t, models.OrderCancelled, rec.Order.Status)

	stock := f.stock(t, "SKU-1", "WH-A")
	assert.Zero(t, stock.ReservedQty)
	assert.Equal(t, int64(10), stock.AvailableQty)

	_, err = f.workflow.Transition(ctx, TransitionRequest{OrderID: "order-2", Target: models.OrderApproved, Actor: "boss", Reason: "again"})
	assert.Equal(t, "invalid_transition", models.ErrorKind(err))
}

func TestHandleTransitionRequestedDeduplicates(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	_, err := f.workflow.Open(ctx, OpenOrderRequest{OrderID: "order-3", Actor: "sales"})
	require.NoError(t, err)

	event := &models.OrderTransitionRequestedEvent{
		BaseEvent: models.BaseEvent{EventID: "evt-1", EventType: models.EventTypeOrderTransitionRequested},
		OrderID:   "order-3",
		Target:    models.OrderApproved,
		Actor:     "boss",
		Reason:    "ok",
	}
	require.NoError(t, f.workflow.HandleTransitionRequested(ctx, event))
	require.NoError(t, f.workflow.HandleTransitionRequested(ctx, event))

	rec, _ := f.workflow.Get(ctx, "order-3")
	assert.Len(t, rec.History, 2)

	invalid := &models.OrderTransitionRequestedEvent{
		BaseEvent: models.BaseEvent{EventID: "evt-2", EventType: models.EventTypeOrderTransitionRequested},
		OrderID:   "order-3",
		Target:    models.OrderClosed,
		Actor:     "ops",
	}
	assert.NoError(t, f.workflow.HandleTransitionRequested(ctx, invalid))
	rec, _ = f.workflow.Get(ctx, "order-3")
	assert.Equal(t, models.OrderApproved, rec.Order.Status)
}

func shipOrder(t *testing.T, f *fixture, orderID string) error {
	t.Helper()
	steps := []TransitionRequest{
		{Target: models.OrderApproved, Reason: "approved"},
		{Target: models.OrderDepositPending},
		{Target: models.OrderDepositReceived, DocumentRef: "doc-deposit"},
		{Target: models.OrderInspection},
	}
	for _, step := range steps {
		step.OrderID = orderID
		step.Actor = "ops"
		_, err := f.workflow.Transition(context.Background(), step)
		require.NoError(t, err, step.Target)
	}
	_, err := f.workflow.Transition(context.Background(), TransitionRequest{
		OrderID: orderID, Target: models.OrderShipped, Actor: "ops", DocumentRef: "doc-pd",
	})
	return err
}

func TestSweepKeepsReservationsOfOpenOrders(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.inbound(t, "SKU-1", "WH-A", 100)

	_, err := f.manager.ReserveForQuote(ctx, "quote-7", []QuoteLine{{ProductID: "SKU-1", WarehouseID: "WH-A", Quantity: 30}})
	require.NoError(t, err)
	_, err = f.manager.ReserveForQuote(ctx, "quote-8", []QuoteLine{{ProductID: "SKU-1", WarehouseID: "WH-A", Quantity: 5}})
	require.NoError(t, err)
	_, err = f.workflow.Open(ctx, OpenOrderRequest{OrderID: "order-7", QuoteID: "quote-7", Actor: "sales"})
	require.NoError(t, err)

	n, err := f.workflow.ReleaseExpired(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n, "only the quote hold expires")
	assert.Equal(t, int64(30), f.stock(t, "SKU-1", "WH-A").ReservedQty)

	require.NoError(t, shipOrder(t, f, "order-7"))

	rec := f.stock(t, "SKU-1", "WH-A")
	assert.Equal(t, int64(70), rec.ActualQty)
	assert.Zero(t, rec.ReservedQty)
	assert.Equal(t, int64(70), rec.AvailableQty)
}

func TestShipRejectedWhenReservationsWereReleased(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.inbound(t, "SKU-1", "WH-A", 100)

	_, err := f.manager.ReserveForQuote(ctx, "quote-7", []QuoteLine{{ProductID: "SKU-1", WarehouseID: "WH-A", Quantity: 30}})
	require.NoError(t, err)
	_, err = f.workflow.Open(ctx, OpenOrderRequest{OrderID: "order-7", QuoteID: "quote-7", Actor: "sales"})
	require.NoError(t, err)

	n, err := f.manager.ReleaseExpired(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	require.Equal(t, 1, n)

	err = shipOrder(t, f, "order-7")
	var invalid *models.InvalidTransitionError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, models.OrderInspection, invalid.From)

	order, err := f.workflow.Get(ctx, "order-7")
	require.NoError(t, err)
	assert.Equal(t, models.OrderInspection, order.Order.Status)
	assert.Equal(t, int64(100), f.stock(t, "SKU-1", "WH-A").ActualQty)

	_, err = f.workflow.Transition(ctx, TransitionRequest{OrderID: "order-7", Target: models.OrderCancelled, Actor: "ops"})
	assert.NoError(t, err)
}

// flakyReservations fails the first n reassignments
type flakyReservations struct {
	ReservationStore
	failures int
}

func (r *flakyReservations) Reassign(ctx context.Context, fromOwnerID, toOwnerID string) (int, error) {
	if r.failures > 0 {
		r.failures--
		return 0, errors.New("connection reset")
	}
	return r.ReservationStore.Reassign(ctx, fromOwnerID, toOwnerID)
}

func TestOpenResumesAfterFailedReassign(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.inbound(t, "SKU-1", "WH-A", 100)

	manager := NewReservationManager(f.processor, &flakyReservations{ReservationStore: f.reservations, failures: 1})
	workflow := NewOrderApprovalWorkflow(f.orders, manager, memstore.NewProcessedEvents(), f.publisher)

	_, err := manager.ReserveForQuote(ctx, "quote-9", []QuoteLine{{ProductID: "SKU-1", WarehouseID: "WH-A", Quantity: 12}})
	require.NoError(t, err)

	req := OpenOrderRequest{OrderID: "order-9", QuoteID: "quote-9", Actor: "sales"}
	_, err = workflow.Open(ctx, req)
	require.Error(t, err)

	rec, err := workflow.Open(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, models.OrderPending, rec.Order.Status)
	assert.Len(t, rec.History, 1)

	owned, err := manager.List(ctx, "order-9")
	require.NoError(t, err)
	require.Len(t, owned, 1)
	assert.Equal(t, models.ReservationActive, owned[0].Status)
	left, err := manager.List(ctx, "quote-9")
	require.NoError(t, err)
	assert.Empty(t, left)

	_, err = workflow.Open(ctx, OpenOrderRequest{OrderID: "order-9", QuoteID: "quote-other", Actor: "sales"})
	assert.Equal(t, "validation", models.ErrorKind(err))
}
