/*
Package metrics registers FATE's Prometheus metrics and exposes them via an
HTTP handler, plus a tiny HTTP health/readiness/liveness surface used by the
daemon's probes.

# Metrics

Transaction metrics: fate_transactions_succeeded_total and
fate_transactions_failed_total are incremented by the executor when a
transaction reaches SUCCESSFUL or FAILED. fate_transactions_total,
fate_transactions_submitted_total and fate_transaction_lifetime_seconds are
registered but not updated by any code in this module.

Step metrics are recorded by the executor: fate_step_call_duration_seconds
around each call invocation, fate_step_call_failures_total on a failed call,
and fate_step_undo_failures_total on a failed undo.

Executor metrics (fate_executor_poll_latency_seconds,
fate_reservation_conflicts_total, fate_deferred_map_size,
fate_deferred_overflow, fate_worker_pool_size) expose the executor's internal
bookkeeping.

# Usage

	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/health", metrics.HealthHandler())
	mux.HandleFunc("/ready", metrics.ReadyHandler())
*/
package metrics
