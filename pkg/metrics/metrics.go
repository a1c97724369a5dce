package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Transaction metrics
	TransactionsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fate_transactions_total",
			Help: "Total number of transactions by status",
		},
		[]string{"status"},
	)

	TransactionsSubmitted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fate_transactions_submitted_total",
			Help: "Total number of transactions submitted",
		},
	)

	TransactionsSucceeded = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fate_transactions_succeeded_total",
			Help: "Total number of transactions that reached SUCCESSFUL",
		},
	)

	TransactionsFailed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fate_transactions_failed_total",
			Help: "Total number of transactions that reached FAILED",
		},
	)

	TransactionLifetime = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fate_transaction_lifetime_seconds",
			Help:    "Time from SUBMITTED to a terminal status",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Step execution metrics
	StepCallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fate_step_call_duration_seconds",
			Help:    "Time taken by a step's call() invocation",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"step"},
	)

	StepCallFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fate_step_call_failures_total",
			Help: "Total number of step call() failures",
		},
		[]string{"step"},
	)

	StepUndoFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fate_step_undo_failures_total",
			Help: "Total number of step undo() failures (logged, non-fatal)",
		},
		[]string{"step"},
	)

	// Executor / scheduler metrics
	ExecutorPollLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fate_executor_poll_latency_seconds",
			Help:    "Time taken to complete one worker poll pass",
			Buckets: prometheus.DefBuckets,
		},
	)

	ReservationConflicts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fate_reservation_conflicts_total",
			Help: "Total number of tryReserve calls that lost the race to another worker",
		},
	)

	DeferredMapSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "fate_deferred_map_size",
			Help: "Current number of transactions in the in-memory deferred map",
		},
	)

	DeferredOverflow = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "fate_deferred_overflow",
			Help: "Whether the deferred-map overflow flag is currently set (1) or not (0)",
		},
	)

	WorkerPoolSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "fate_worker_pool_size",
			Help: "Configured number of executor worker goroutines",
		},
	)

	// Lock service metrics
	LockServiceHeld = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "fate_lockservice_lease_held",
			Help: "Whether this process currently holds the cluster lock-id lease (1 = held, 0 = lost)",
		},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fate_api_requests_total",
			Help: "Total number of admin API requests by method and status",
		},
		[]string{"method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fate_api_request_duration_seconds",
			Help:    "Admin API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)
)

func init() {
	prometheus.MustRegister(TransactionsTotal)
	prometheus.MustRegister(TransactionsSubmitted)
	prometheus.MustRegister(TransactionsSucceeded)
	prometheus.MustRegister(TransactionsFailed)
	prometheus.MustRegister(TransactionLifetime)

	prometheus.MustRegister(StepCallDuration)
	prometheus.MustRegister(StepCallFailures)
	prometheus.MustRegister(StepUndoFailures)

	prometheus.MustRegister(ExecutorPollLatency)
	prometheus.MustRegister(ReservationConflicts)
	prometheus.MustRegister(DeferredMapSize)
	prometheus.MustRegister(DeferredOverflow)
	prometheus.MustRegister(WorkerPoolSize)

	prometheus.MustRegister(LockServiceHeld)

	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
