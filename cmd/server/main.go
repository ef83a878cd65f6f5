package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"inventory-ledger/config"
	"inventory-ledger/internal/api"
	"inventory-ledger/internal/broker"
	"inventory-ledger/internal/catalog"
	"inventory-ledger/internal/ledger"
	"inventory-ledger/internal/memstore"
	"inventory-ledger/internal/redisclient"
	"inventory-ledger/internal/service"
	"inventory-ledger/internal/store"
	"inventory-ledger/internal/util"
	"inventory-ledger/internal/worker"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// backend bundles the repositories of one storage mode
type backend struct {
	ledger          ledger.Ledger
	journal         service.Journal
	reservations    service.ReservationStore
	orders          service.OrderStore
	processedEvents service.ProcessedEvents
	catalog         catalog.Catalog
	pinger          api.Pinger
	close           func() error
}

func main() {
	cfg := config.Load()

	if err := util.InitLogger(cfg.Server.Env); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer util.SyncLogger()

	logger := util.GetLogger()
	logger.Info("Starting inventory ledger",
		zap.String("env", cfg.Server.Env),
		zap.String("backend", cfg.Ledger.Backend))

	if cfg.Observ.JaegerEndpoint != "" {
		tp, err := util.InitTracer(util.ServiceName, cfg.Observ.JaegerEndpoint)
		if err != nil {
			logger.Fatal("Failed to initialize tracer", zap.Error(err))
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := tp.Shutdown(ctx); err != nil {
				logger.Error("Error shutting down tracer", zap.Error(err))
			}
		}()
	}

	ctx := context.Background()

	be, err := openBackend(ctx, cfg)
	if err != nil {
		logger.Fatal("Failed to open storage backend", zap.Error(err))
	}
	defer be.close()

	handlerOpts := []api.Option{}
	if be.pinger != nil {
		handlerOpts = append(handlerOpts, api.WithBackend("postgres", be.pinger))
	}

	var redisClient *redisclient.Client
	if cfg.Redis.Addr != "" {
		redisClient, err = redisclient.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			logger.Fatal("Failed to connect to Redis", zap.Error(err))
		}
		defer redisClient.Close()
		logger.Info("Redis connected", zap.String("addr", cfg.Redis.Addr))

		handlerOpts = append(handlerOpts,
			api.WithIdempotency(redisClient, cfg.Business.IdempotencyTTL),
			api.WithBackend("redis", redisClient))
	}

	var eventPublisher service.EventPublisher = service.NopPublisher{}
	if len(cfg.Kafka.Brokers) > 0 {
		producer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicLedgerEvents)
		defer producer.Close()
		eventPublisher = broker.NewEventPublisher(producer)
		logger.Info("Kafka producer initialized", zap.Strings("brokers", cfg.Kafka.Brokers))
	}

	processor := service.NewTransactionProcessor(be.ledger, be.journal, be.catalog, eventPublisher)
	transfers := service.NewTransferCoordinator(processor)
	reservations := service.NewReservationManager(processor, be.reservations)
	aggregator := service.NewStockAvailabilityAggregator(be.ledger, be.catalog)
	workflow := service.NewOrderApprovalWorkflow(be.orders, reservations, be.processedEvents, eventPublisher)

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	var commandWorker *worker.OrderCommandWorker
	if len(cfg.Kafka.Brokers) > 0 {
		consumer := broker.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicOrderCommands, cfg.Kafka.ConsumerGroup)
		commandWorker = worker.NewOrderCommandWorker(consumer, workflow)
		go func() {
			if err := commandWorker.Start(workerCtx); err != nil && workerCtx.Err() == nil {
				logger.Error("Order command worker error", zap.Error(err))
			}
		}()
	}

	if cfg.Business.ReservationTTL > 0 && cfg.Business.SweepInterval > 0 {
		var locker worker.Locker
		if redisClient != nil {
			locker = redisClient
		}
		sweeper := worker.NewReservationSweeper(workflow, locker, cfg.Business.ReservationTTL, cfg.Business.SweepInterval)
		go func() {
			if err := sweeper.Start(workerCtx); err != nil && workerCtx.Err() == nil {
				logger.Error("Reservation sweeper error", zap.Error(err))
			}
		}()
	}

	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	handler := api.NewHandler(processor, transfers, reservations, aggregator, workflow, handlerOpts...)
	handler.SetupRoutes(router)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: router,
	}

	go func() {
		logger.Info("Starting HTTP server", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	workerCancel()
	if commandWorker != nil {
		if err := commandWorker.Stop(); err != nil {
			logger.Error("Failed to stop order command worker", zap.Error(err))
		}
	}

	logger.Info("Server exited")
}

func openBackend(ctx context.Context, cfg *config.Config) (*backend, error) {
	switch cfg.Ledger.Backend {
	case config.BackendMemory:
		return openMemory(cfg)
	case config.BackendPostgres:
		return openPostgres(ctx, cfg)
	default:
		return nil, fmt.Errorf("unknown ledger backend %q", cfg.Ledger.Backend)
	}
}

func openMemory(cfg *config.Config) (*backend, error) {
	be := &backend{
		ledger:          ledger.NewMemoryLedger(),
		journal:         memstore.NewJournal(),
		reservations:    memstore.NewReservations(),
		orders:          memstore.NewOrders(),
		processedEvents: memstore.NewProcessedEvents(),
		close:           func() error { return nil },
	}
	// without a catalog file, reference checks are off
	if cfg.Ledger.CatalogFile != "" {
		cat, err := catalog.LoadFile(cfg.Ledger.CatalogFile)
		if err != nil {
			return nil, err
		}
		be.catalog = cat
	}
	return be, nil
}

func openPostgres(ctx context.Context, cfg *config.Config) (*backend, error) {
	logger := util.GetLogger()

	db, err := store.NewStore(cfg.Database.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	logger.Info("Database connected")

	if err := db.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}

	cat := store.NewCatalog(db)
	if cfg.Ledger.CatalogFile != "" {
		products, warehouses, err := catalog.ReadFile(cfg.Ledger.CatalogFile)
		if err != nil {
			db.Close()
			return nil, err
		}
		if err := cat.Seed(ctx, products, warehouses); err != nil {
			db.Close()
			return nil, err
		}
		logger.Info("Catalog seeded",
			zap.Int("products", len(products)),
			zap.Int("warehouses", len(warehouses)))
	}

	return &backend{
		ledger:          store.NewLedger(db, cfg.Ledger.MaxRetries),
		journal:         store.NewJournal(db),
		reservations:    store.NewReservations(db),
		orders:          store.NewOrders(db),
		processedEvents: db,
		catalog:         cat,
		pinger:          db,
		close:           db.Close,
	}, nil
}
