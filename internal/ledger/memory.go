package ledger

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"inventory-ledger/internal/models"
	"inventory-ledger/internal/util"
)

// MemoryLedger keeps records in process. Each key owns its own mutex, so
// deltas on different keys never contend.
type MemoryLedger struct {
	records sync.Map // Key -> *memoryEntry
	now     func() time.Time
}

type memoryEntry struct {
	mu     sync.Mutex
	record models.StockRecord
}

// NewMemoryLedger creates an empty in-memory ledger
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{now: time.Now}
}

func (l *MemoryLedger) entry(productID, warehouseID string) *memoryEntry {
	key := Key(productID, warehouseID)
	if e, ok := l.records.Load(key); ok {
		return e.(*memoryEntry)
	}
	e, _ := l.records.LoadOrStore(key, &memoryEntry{record: Zero(productID, warehouseID)})
	return e.(*memoryEntry)
}

// Get returns the record for the key, creating a zero record if absent
func (l *MemoryLedger) Get(ctx context.Context, productID, warehouseID string) (models.StockRecord, error) {
	e := l.entry(productID, warehouseID)
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.record, nil
}

// ApplyDelta atomically applies d under the key's mutex
func (l *MemoryLedger) ApplyDelta(ctx context.Context, productID, warehouseID string, d Delta, opts ...ApplyOption) (models.StockRecord, error) {
	start := time.Now()
	defer func() {
		util.LedgerApplyLatency.Observe(time.Since(start).Seconds())
	}()

	if err := ctx.Err(); err != nil {
		return models.StockRecord{}, err
	}

	e := l.entry(productID, warehouseID)
	e.mu.Lock()
	defer e.mu.Unlock()

	next, err := NewOptions(opts...).Resolve(ctx, e.record, d, l.now())
	if err != nil {
		if errors.Is(err, ErrSkip) {
			return e.record, err
		}
		return models.StockRecord{}, err
	}

	e.record = next
	util.LedgerDeltasApplied.Inc()
	return next, nil
}

// List returns matching records ordered by product then warehouse
func (l *MemoryLedger) List(ctx context.Context, filter models.StockFilter) ([]models.StockRecord, error) {
	warehouses := make(map[string]bool, len(filter.WarehouseIDs))
	for _, id := range filter.WarehouseIDs {
		warehouses[id] = true
	}

	var out []models.StockRecord
	l.records.Range(func(_, value any) bool {
		e := value.(*memoryEntry)
		e.mu.Lock()
		rec := e.record
		e.mu.Unlock()

		if filter.ProductID != "" && rec.ProductID != filter.ProductID {
			return true
		}
		if len(warehouses) > 0 && !warehouses[rec.WarehouseID] {
			return true
		}
		out = append(out, rec)
		return true
	})

	sort.Slice(out, func(i, j int) bool {
		if out[i].ProductID != out[j].ProductID {
			return out[i].ProductID < out[j].ProductID
		}
		return out[i].WarehouseID < out[j].WarehouseID
	})
	return out, nil
}
