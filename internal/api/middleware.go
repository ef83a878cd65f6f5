package api

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"inventory-ledger/internal/models"
	"inventory-ledger/internal/redisclient"
	"inventory-ledger/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
)

const (
	// IdempotencyHeader carries the client-chosen key of a mutation
	IdempotencyHeader = "Idempotency-Key"
	// ReplayedHeader marks a response served from the idempotency store
	ReplayedHeader = "Idempotent-Replayed"

	inFlightTTL = 30 * time.Second
)

// IdempotencyStore keeps the first successful response per key
type IdempotencyStore interface {
	Recall(ctx context.Context, key string) (*redisclient.StoredResponse, bool, error)
	Remember(ctx context.Context, key string, resp *redisclient.StoredResponse, ttl time.Duration) error
	TryLock(ctx context.Context, key string, ttl time.Duration) (func(context.Context) error, bool, error)
}

// registerValidators adds the custom binding rules used by request bodies.
// A rule that fails to register is a programming error and panics at setup.
func registerValidators() {
	v, ok := binding.Validator.Engine().(*validator.Validate)
	if !ok {
		panic(fmt.Sprintf("unexpected binding validator engine %T", binding.Validator.Engine()))
	}
	if err := v.RegisterValidation("order_status", validOrderStatus); err != nil {
		panic(fmt.Errorf("failed to register order_status validator: %w", err))
	}
}

func validOrderStatus(fl validator.FieldLevel) bool {
	return models.OrderStatus(fl.Field().String()).Known()
}

// prometheusMiddleware collects HTTP metrics
func prometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())

		util.HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Observe(duration)

		util.HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Inc()
	}
}

// responseRecorder copies the response body while it is written
type responseRecorder struct {
	gin.ResponseWriter
	body bytes.Buffer
}

func (w *responseRecorder) Write(b []byte) (int, error) {
	w.body.Write(b)
	return w.ResponseWriter.Write(b)
}

func (w *responseRecorder) WriteString(s string) (int, error) {
	w.body.WriteString(s)
	return w.ResponseWriter.WriteString(s)
}

// idempotencyMiddleware replays the stored response of a mutation whose
// Idempotency-Key was already answered successfully. Only 2xx responses are
// stored so a rejected command can be retried with the same key.
func idempotencyMiddleware(store IdempotencyStore, ttl time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.GetHeader(IdempotencyHeader)
		if store == nil || key == "" || (c.Request.Method != http.MethodPost && c.Request.Method != http.MethodDelete) {
			c.Next()
			return
		}

		logger := util.GetLogger()
		ctx := c.Request.Context()
		scoped := c.Request.Method + " " + c.Request.URL.Path + " " + key

		stored, found, err := store.Recall(ctx, scoped)
		if err != nil {
			logger.Warn("Idempotency lookup failed", zap.String("key", key), zap.Error(err))
			c.Next()
			return
		}
		if found {
			c.Header(ReplayedHeader, "true")
			c.Data(stored.Status, stored.ContentType, stored.Body)
			c.Abort()
			return
		}

		release, ok, err := store.TryLock(ctx, scoped, inFlightTTL)
		if err != nil {
			logger.Warn("Idempotency lock failed", zap.String("key", key), zap.Error(err))
			c.Next()
			return
		}
		if !ok {
			c.AbortWithStatusJSON(http.StatusConflict, gin.H{
				"error": "A request with this Idempotency-Key is still in progress",
			})
			return
		}
		defer func() {
			if err := release(context.WithoutCancel(ctx)); err != nil {
				logger.Warn("Failed to release idempotency lock", zap.String("key", key), zap.Error(err))
			}
		}()

		// the previous holder of the lock may have finished between the
		// first lookup and TryLock, so look again before running the mutation
		stored, found, err = store.Recall(ctx, scoped)
		if err != nil {
			logger.Warn("Idempotency lookup failed", zap.String("key", key), zap.Error(err))
		} else if found {
			c.Header(ReplayedHeader, "true")
			c.Data(stored.Status, stored.ContentType, stored.Body)
			c.Abort()
			return
		}

		recorder := &responseRecorder{ResponseWriter: c.Writer}
		c.Writer = recorder

		c.Next()

		status := recorder.Status()
		if status < 200 || status >= 300 {
			return
		}
		resp := &redisclient.StoredResponse{
			Status:      status,
			ContentType: recorder.Header().Get("Content-Type"),
			Body:        recorder.body.Bytes(),
		}
		if err := store.Remember(context.WithoutCancel(ctx), scoped, resp, ttl); err != nil {
			logger.Warn("Failed to store idempotent response", zap.String("key", key), zap.Error(err))
		}
	}
}
