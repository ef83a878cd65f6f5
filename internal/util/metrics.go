package util

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	LedgerDeltasApplied = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledger_deltas_applied_total",
		Help: "Total number of stock deltas committed to the ledger",
	})

	LedgerConflictRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledger_conflict_retries_total",
		Help: "Total number of ledger critical sections retried after a conflict",
	})

	LedgerApplyLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "ledger_apply_latency_seconds",
		Help:    "Latency of ledger delta application",
		Buckets: prometheus.DefBuckets,
	})

	TransactionsRecorded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stock_transactions_recorded_total",
		Help: "Total number of journal rows recorded",
	}, []string{"type"})

	StockOperationsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stock_operations_rejected_total",
		Help: "Total number of rejected stock operations",
	}, []string{"operation", "reason"})

	TransferCompensations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stock_transfer_compensations_total",
		Help: "Total number of transfers rolled back after the destination step failed",
	}, []string{"outcome"})

	ReservationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stock_reservations_total",
		Help: "Total number of reservation state changes",
	}, []string{"status"})

	ReservationsExpired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stock_reservations_expired_total",
		Help: "Total number of reservations released by the expiry sweep",
	})

	OrderTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "order_transitions_total",
		Help: "Total number of order status transitions",
	}, []string{"to"})

	OrderTransitionsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "order_transitions_rejected_total",
		Help: "Total number of rejected order status transitions",
	}, []string{"to"})

	AvailabilityChecks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "availability_checks_total",
		Help: "Total number of availability checks by overall status",
	}, []string{"status"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})
)
