// Package metrics exposes the Prometheus registry shared by the collector and
// the API. All metrics are defined in their respective packages (client,
// batch, collector, store, ratelimit, api) to maintain modularity and avoid
// circular dependencies.
//
// This package provides the scrape handler and a reference for all metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the default Prometheus registry used by healthd.
// All metrics are automatically registered via promauto in their respective packages.
var Registry = prometheus.DefaultRegisterer

// Handler serves every registered metric in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Metrics Documentation
//
// Upstream Metrics (pkg/client, pkg/ratelimit):
//   - healthd_upstream_requests_total{authority, status} (Counter): Upstream requests by HTTP status
//   - healthd_upstream_request_duration_seconds{authority} (Histogram): Upstream request duration
//   - healthd_upstream_errors_total{authority, kind} (Counter): Classified upstream errors
//   - healthd_upstream_breaker_open{authority} (Gauge): 1 while the circuit breaker is open
//   - healthd_upstream_pauses_total{authority} (Counter): Retry-After pauses recorded
//   - healthd_upstream_pause_wait_seconds{authority} (Histogram): Time spent waiting on a pause
//   - healthd_upstream_pause_rejects_total{authority} (Counter): Calls rejected by a long pause
//
// Retry Metrics (pkg/retry):
//   - healthd_retries_total{layer, kind} (Counter): Retry attempts by layer (request, batch)
//   - healthd_retry_backoff_seconds{layer} (Histogram): Backoff duration by layer
//   - healthd_retry_exhausted_total{layer, kind} (Counter): Operations that exhausted retries
//
// Collection Metrics (pkg/batch, pkg/collector):
//   - healthd_batch_chunks_total{outcome} (Counter): Batch chunks by outcome
//   - healthd_batch_failed_identifiers_total{kind} (Counter): Identifiers left unresolved
//   - healthd_collector_units_total{outcome} (Counter): Units completed, failed or skipped
//   - healthd_collector_units_in_flight (Gauge): Units currently running
//   - healthd_collector_unit_duration_seconds (Histogram): Per-unit duration
//   - healthd_collector_run_duration_seconds (Histogram): Whole-run duration
//   - healthd_collector_last_run_timestamp_seconds{status} (Gauge): Unix time of the last run
//
// Serving Metrics (pkg/store, pkg/ratelimit, pkg/api):
//   - healthd_store_operations_total{backend, operation, result} (Counter): Store calls
//   - healthd_store_errors_total{backend, operation} (Counter): Store failures
//   - healthd_ingress_ratelimit_decisions_total{outcome} (Counter): Allowed and rejected API calls
//   - healthd_ingress_ratelimit_tracked_keys (Gauge): Clients tracked by the in-memory limiter
//   - healthd_http_requests_total{method, route, status} (Counter): API requests
//   - healthd_http_request_duration_seconds{route} (Histogram): API latency
//
// Example Prometheus Queries:
//
//   # Failed units in the last day
//   increase(healthd_collector_units_total{outcome="failed"}[1d])
//
//   # Hours since the last successful run
//   (time() - healthd_collector_last_run_timestamp_seconds{status="success"}) / 3600
//
//   # Upstream error rate by kind
//   sum by (kind) (rate(healthd_upstream_errors_total[5m]))
//
//   # P95 API latency
//   histogram_quantile(0.95, rate(healthd_http_request_duration_seconds_bucket[5m]))
