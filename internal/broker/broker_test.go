package broker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"inventory-ledger/internal/models"
	"inventory-ledger/internal/util"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

type fakeWriter struct {
	messages []kafka.Message
	err      error
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.messages = append(w.messages, msgs...)
	return nil
}

func (w *fakeWriter) Close() error { return nil }

func TestPublishKeysByRecordAndOrder(t *testing.T) {
	w := &fakeWriter{}
	ep := NewEventPublisher(&Producer{writer: w, logger: util.GetLogger()})
	ctx := context.Background()

	require.NoError(t, ep.PublishStockChanged(ctx, &models.StockChangedEvent{
		BaseEvent: models.BaseEvent{EventID: "e1", EventType: models.EventTypeStockChanged},
		Record:    models.StockRecord{ProductID: "SKU-1", WarehouseID: "WH-A", ActualQty: 5, AvailableQty: 5},
	}))
	require.NoError(t, ep.PublishReservationChanged(ctx, &models.ReservationChangedEvent{
		Reservation: models.Reservation{ID: "r1", ProductID: "SKU-1", WarehouseID: "WH-A"},
	}))
	require.NoError(t, ep.PublishOrderStatusChanged(ctx, &models.OrderStatusChangedEvent{
		Transition: models.OrderTransition{OrderID: "o-1", To: models.OrderApproved},
	}))

	require.Len(t, w.messages, 3)
	assert.Equal(t, "SKU-1@WH-A", string(w.messages[0].Key))
	assert.Equal(t, "SKU-1@WH-A", string(w.messages[1].Key))
	assert.Equal(t, "order-o-1", string(w.messages[2].Key))

	var decoded models.StockChangedEvent
	require.NoError(t, json.Unmarshal(w.messages[0].Value, &decoded))
	assert.Equal(t, models.EventTypeStockChanged, decoded.EventType)
	assert.Equal(t, int64(5), decoded.Record.AvailableQty)
}

func TestPublishWrapsWriterError(t *testing.T) {
	boom := errors.New("broker down")
	p := &Producer{writer: &fakeWriter{err: boom}, logger: util.GetLogger()}

	err := p.PublishEvent(context.Background(), "k", map[string]string{"a": "b"})
	assert.ErrorIs(t, err, boom)
}

func TestHandleMessageRoutesTransitionRequested(t *testing.T) {
	h := NewEventHandler()
	var got *models.OrderTransitionRequestedEvent
	h.OnOrderTransitionRequested(func(_ context.Context, e *models.OrderTransitionRequestedEvent) error {
		got = e
		return nil
	})

	payload := []byte(`{"event_id":"evt-1","event_type":"ORDER_TRANSITION_REQUESTED","order_id":"o-9",` +
		`"target_status":"deposit_received","actor":"finance","evidence_doc_id":"doc-7"}`)
	require.NoError(t, h.HandleMessage(context.Background(), kafka.Message{Value: payload}))

	require.NotNil(t, got)
	assert.Equal(t, "o-9", got.OrderID)
	assert.Equal(t, models.OrderDepositReceived, got.Target)
	assert.Equal(t, "doc-7", got.DocumentRef)
}

func TestHandleMessageIgnoresUnknownTypes(t *testing.T) {
	h := NewEventHandler()
	called := false
	h.OnOrderTransitionRequested(func(context.Context, *models.OrderTransitionRequestedEvent) error {
		called = true
		return nil
	})

	assert.NoError(t, h.HandleMessage(context.Background(), kafka.Message{Value: []byte(`{"event_type":"STOCK_CHANGED"}`)}))
	assert.False(t, called)

	assert.NoError(t, h.HandleMessage(context.Background(), kafka.Message{Value: []byte(`not json`)}))
	assert.False(t, called)
}

func TestTraceContextTravelsInHeaders(t *testing.T) {
	otel.SetTextMapPropagator(propagation.TraceContext{})

	traceID, err := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	require.NoError(t, err)
	spanID, err := trace.SpanIDFromHex("00f067aa0ba902b7")
	require.NoError(t, err)
	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
	})

	w := &fakeWriter{}
	p := &Producer{writer: w, logger: util.GetLogger()}
	ctx := trace.ContextWithSpanContext(context.Background(), sc)
	require.NoError(t, p.PublishEvent(ctx, "order-1", map[string]string{"hello": "world"}))
	require.Len(t, w.messages, 1)

	got := trace.SpanContextFromContext(extractTrace(context.Background(), w.messages[0]))
	assert.Equal(t, traceID, got.TraceID())
	assert.True(t, got.IsRemote())
}

// fakeReader serves a fixed list of messages, then blocks until ctx is done
type fakeReader struct {
	mu        sync.Mutex
	messages  []kafka.Message
	committed []kafka.Message
	drained   chan struct{}
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	if len(r.messages) > 0 {
		msg := r.messages[0]
		r.messages = r.messages[1:]
		r.mu.Unlock()
		return msg, nil
	}
	r.mu.Unlock()
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.committed = append(r.committed, msgs...)
	if len(r.messages) == 0 && r.drained != nil {
		close(r.drained)
		r.drained = nil
	}
	return nil
}

func (r *fakeReader) Config() kafka.ReaderConfig { return kafka.ReaderConfig{Topic: "order-commands"} }

func (r *fakeReader) Close() error { return nil }

func TestConsumerRetriesFailedMessageBeforeNext(t *testing.T) {
	drained := make(chan struct{})
	r := &fakeReader{
		messages: []kafka.Message{{Offset: 1, Value: []byte("m1")}, {Offset: 2, Value: []byte("m2")}},
		drained:  drained,
	}
	c := &Consumer{reader: r, retryBackoff: time.Millisecond, logger: util.GetLogger()}

	var handled []int64
	failures := 2
	handler := func(_ context.Context, msg kafka.Message) error {
		handled = append(handled, msg.Offset)
		if msg.Offset == 1 && failures > 0 {
			failures--
			return errors.New("database unavailable")
		}
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.StartConsuming(ctx, handler) }()

	select {
	case <-drained:
	case <-time.After(5 * time.Second):
		t.Fatal("consumer did not commit both messages")
	}
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	assert.Equal(t, []int64{1, 1, 1, 2}, handled)
	r.mu.Lock()
	defer r.mu.Unlock()
	require.Len(t, r.committed, 2)
	assert.Equal(t, int64(1), r.committed[0].Offset)
	assert.Equal(t, int64(2), r.committed[1].Offset)
}

func TestConsumerStopsRetryingOnCancel(t *testing.T) {
	r := &fakeReader{messages: []kafka.Message{{Offset: 7}}}
	c := &Consumer{reader: r, retryBackoff: time.Hour, logger: util.GetLogger()}

	ctx, cancel := context.WithCancel(context.Background())
	attempts := 0
	err := c.StartConsuming(ctx, func(context.Context, kafka.Message) error {
		attempts++
		cancel()
		return errors.New("database unavailable")
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, attempts)
	assert.Empty(t, r.committed)
}
