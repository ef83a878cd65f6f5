package api

import (
	"context"
	"net/http"
	"time"

	"inventory-ledger/internal/models"
	"inventory-ledger/internal/service"
	"inventory-ledger/internal/util"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Pinger is a backend checked by the readiness probe
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler contains HTTP handlers
type Handler struct {
	processor    *service.TransactionProcessor
	transfers    *service.TransferCoordinator
	reservations *service.ReservationManager
	aggregator   *service.StockAvailabilityAggregator
	workflow     *service.OrderApprovalWorkflow

	idempotency    IdempotencyStore
	idempotencyTTL time.Duration
	backends       map[string]Pinger
	logger         *zap.Logger
}

// Option configures optional collaborators of the handler
type Option func(*Handler)

// WithIdempotency replays the first successful response of a mutation for
// requests repeating its Idempotency-Key
func WithIdempotency(store IdempotencyStore, ttl time.Duration) Option {
	return func(h *Handler) {
		h.idempotency = store
		h.idempotencyTTL = ttl
	}
}

// WithBackend adds a dependency to the readiness probe
func WithBackend(name string, p Pinger) Option {
	return func(h *Handler) {
		h.backends[name] = p
	}
}

// NewHandler creates a new HTTP handler
func NewHandler(
	processor *service.TransactionProcessor,
	transfers *service.TransferCoordinator,
	reservations *service.ReservationManager,
	aggregator *service.StockAvailabilityAggregator,
	workflow *service.OrderApprovalWorkflow,
	opts ...Option,
) *Handler {
	h := &Handler{
		processor:    processor,
		transfers:    transfers,
		reservations: reservations,
		aggregator:   aggregator,
		workflow:     workflow,
		backends:     make(map[string]Pinger),
		logger:       util.GetLogger(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// SetupRoutes sets up HTTP routes
func (h *Handler) SetupRoutes(router *gin.Engine) {
	registerValidators()

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowAllOrigins = true
	corsConfig.AddAllowHeaders(IdempotencyHeader)
	corsConfig.AddExposeHeaders(ReplayedHeader)

	router.Use(gin.Recovery())
	router.Use(prometheusMiddleware())
	router.Use(cors.New(corsConfig))

	router.GET("/health", h.healthCheck)
	router.GET("/ready", h.readinessCheck)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	v1.Use(idempotencyMiddleware(h.idempotency, h.idempotencyTTL))
	{
		v1.POST("/stock/inbound", h.recordMovement(models.TransactionIn))
		v1.POST("/stock/outbound", h.recordMovement(models.TransactionOut))
		v1.POST("/stock/adjust", h.recordMovement(models.TransactionAdjust))
		v1.POST("/stock/transfer", h.transfer)
		v1.GET("/stock", h.listStock)
		v1.GET("/stock/:productId/:warehouseId", h.getStock)

		v1.GET("/transactions", h.listTransactions)
		v1.GET("/transactions/export", h.exportTransactions)

		v1.POST("/availability", h.checkAvailability)

		v1.POST("/quotes/:quoteId/reservations", h.reserveForQuote)
		v1.POST("/reservations", h.reserve)
		v1.POST("/reservations/:id/release", h.releaseReservation)
		v1.POST("/reservations/:id/consume", h.consumeReservation)
		v1.GET("/reservations/owner/:ownerId", h.listReservations)
		v1.DELETE("/reservations/owner/:ownerId", h.releaseOwner)

		v1.POST("/orders", h.openOrder)
		v1.GET("/orders/:orderId", h.getOrder)
		v1.POST("/orders/:orderId/transitions", h.transitionOrder)
	}
}

// healthCheck handles health check requests
func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// readinessCheck pings every configured backend
func (h *Handler) readinessCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	checks := make(map[string]string, len(h.backends))
	ready := true
	for name, backend := range h.backends {
		if err := backend.Ping(ctx); err != nil {
			h.logger.Warn("Readiness check failed", zap.String("backend", name), zap.Error(err))
			checks[name] = err.Error()
			ready = false
			continue
		}
		checks[name] = "ok"
	}

	status, code := "ready", http.StatusOK
	if !ready {
		status, code = "not_ready", http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{
		"status": status,
		"checks": checks,
		"time":   time.Now().Unix(),
	})
}

// statusFor maps an error kind to its HTTP status
func statusFor(err error) int {
	switch models.ErrorKind(err) {
	case "insufficient_stock", "invalid_transition", "concurrent_conflict":
		return http.StatusConflict
	case "invariant_violation", "validation":
		return http.StatusUnprocessableEntity
	case "not_found":
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) fail(c *gin.Context, message string, err error) {
	code := statusFor(err)
	if code == http.StatusInternalServerError {
		h.logger.Error(message,
			zap.String("path", c.FullPath()),
			zap.Error(err))
	}
	c.JSON(code, gin.H{
		"error":   message,
		"kind":    models.ErrorKind(err),
		"details": err.Error(),
	})
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{
		"error":   "Invalid request",
		"details": err.Error(),
	})
}
