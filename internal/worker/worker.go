package worker

import (
	"context"
	"time"

	"inventory-ledger/internal/broker"
	"inventory-ledger/internal/service"
	"inventory-ledger/internal/util"

	"go.uber.org/zap"
)

// OrderCommandWorker applies order transition commands from Kafka
type OrderCommandWorker struct {
	consumer     *broker.Consumer
	eventHandler *broker.EventHandler
	logger       *zap.Logger
}

// NewOrderCommandWorker creates a new order command worker
func NewOrderCommandWorker(
	consumer *broker.Consumer,
	workflow *service.OrderApprovalWorkflow,
) *OrderCommandWorker {
	eventHandler := broker.NewEventHandler()

	eventHandler.OnOrderTransitionRequested(workflow.HandleTransitionRequested)

	return &OrderCommandWorker{
		consumer:     consumer,
		eventHandler: eventHandler,
		logger:       util.GetLogger(),
	}
}

// Start starts the worker
func (w *OrderCommandWorker) Start(ctx context.Context) error {
	w.logger.Info("Starting order command worker")
	return w.consumer.StartConsuming(ctx, w.eventHandler.HandleMessage)
}

// Stop stops the worker
func (w *OrderCommandWorker) Stop() error {
	w.logger.Info("Stopping order command worker")
	return w.consumer.Close()
}

// Expirer releases reservations created before a cutoff
type Expirer interface {
	ReleaseExpired(ctx context.Context, cutoff time.Time) (int, error)
}

// Locker hands out a lease to one replica at a time
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (func(context.Context) error, bool, error)
}

const sweepLockKey = "reservation-sweep"

// ReservationSweeper periodically releases ACTIVE reservations older than a TTL
type ReservationSweeper struct {
	expirer  Expirer
	locker   Locker
	ttl      time.Duration
	interval time.Duration
	logger   *zap.Logger
	now      func() time.Time
}

// NewReservationSweeper creates a sweeper. A nil locker lets every replica sweep.
func NewReservationSweeper(expirer Expirer, locker Locker, ttl, interval time.Duration) *ReservationSweeper {
	return &ReservationSweeper{
		expirer:  expirer,
		locker:   locker,
		ttl:      ttl,
		interval: interval,
		logger:   util.GetLogger(),
		now:      time.Now,
	}
}

// Start sweeps every interval until ctx is cancelled
func (s *ReservationSweeper) Start(ctx context.Context) error {
	s.logger.Info("Starting reservation sweeper",
		zap.Duration("ttl", s.ttl),
		zap.Duration("interval", s.interval))

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Stopping reservation sweeper")
			return ctx.Err()
		case <-ticker.C:
			if _, err := s.SweepOnce(ctx); err != nil {
				s.logger.Error("Reservation sweep failed", zap.Error(err))
			}
		}
	}
}

// SweepOnce releases expired reservations if this replica holds the lease.
// The lease is left to expire so other replicas skip the rest of the interval.
func (s *ReservationSweeper) SweepOnce(ctx context.Context) (int, error) {
	if s.locker != nil {
		lease := s.interval * 9 / 10
		if lease <= 0 {
			lease = time.Second
		}
		_, ok, err := s.locker.TryLock(ctx, sweepLockKey, lease)
		if err != nil {
			return 0, err
		}
		if !ok {
			s.logger.Debug("Reservation sweep held by another replica")
			return 0, nil
		}
	}

	released, err := s.expirer.ReleaseExpired(ctx, s.now().Add(-s.ttl))
	if err != nil {
		return released, err
	}
	if released > 0 {
		s.logger.Info("Released expired reservations", zap.Int("count", released))
	}
	return released, nil
}
