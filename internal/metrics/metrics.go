// Package metrics provides Prometheus metrics for the migrator.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the migrator.
type Metrics struct {
	// Table outcomes
	TablesSucceeded *prometheus.CounterVec
	TablesFailed    *prometheus.CounterVec

	// Data volume
	RowsTransferred *prometheus.CounterVec

	// Timing
	StageDuration *prometheus.HistogramVec
	TableDuration *prometheus.HistogramVec

	// Collaborator calls
	TransferPolls      *prometheus.CounterVec
	WarehouseQueries   *prometheus.CounterVec
	WarehouseErrors    *prometheus.CounterVec
	ValidationFailures *prometheus.CounterVec

	// Batch state
	TablesInFlight prometheus.Gauge
}

var defaultMetrics *Metrics

// Init initializes the metrics package with global metrics.
// Call this once at startup.
func Init(namespace string) *Metrics {
	if namespace == "" {
		namespace = "biglake_migrator"
	}

	m := &Metrics{
		TablesSucceeded: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tables_succeeded_total",
				Help:      "Total number of table migrations that succeeded",
			},
			[]string{"table"},
		),
		TablesFailed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tables_failed_total",
				Help:      "Total number of table migrations that failed",
			},
			[]string{"table", "stage"},
		),
		RowsTransferred: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rows_transferred_total",
				Help:      "Total rows landed in managed tables",
			},
			[]string{"table"},
		),
		StageDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "stage_duration_seconds",
				Help:      "Time spent per migration stage",
				Buckets:   prometheus.ExponentialBuckets(0.1, 2, 16), // 0.1s to ~1.8h
			},
			[]string{"table", "stage"},
		),
		TableDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "table_duration_seconds",
				Help:      "End-to-end time per table migration",
				Buckets:   prometheus.ExponentialBuckets(1, 2, 16), // 1s to ~18h
			},
			[]string{"table"},
		),
		TransferPolls: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "transfer_polls_total",
				Help:      "Total transfer-job status polls",
			},
			[]string{"job"},
		),
		WarehouseQueries: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "warehouse_queries_total",
				Help:      "Total warehouse query jobs submitted",
			},
			[]string{"table"},
		),
		WarehouseErrors: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "warehouse_errors_total",
				Help:      "Total warehouse jobs that reported an error",
			},
			[]string{"table"},
		),
		ValidationFailures: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "validation_failures_total",
				Help:      "Total validations that produced an invalid result",
			},
			[]string{"table"},
		),
		TablesInFlight: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "tables_in_flight",
				Help:      "Number of table migrations currently running",
			},
		),
	}

	defaultMetrics = m
	return m
}

// Get returns the global metrics instance.
// Returns nil if Init has not been called.
func Get() *Metrics {
	return defaultMetrics
}

// StartServer starts an HTTP server for Prometheus metrics scraping.
// Blocks until the server exits.
func StartServer(address string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	return http.ListenAndServe(address, mux)
}

// IncTablesSucceeded increments the succeeded counter.
func (m *Metrics) IncTablesSucceeded(table string) {
	m.TablesSucceeded.WithLabelValues(table).Inc()
}

// IncTablesFailed increments the failed counter for the stage that failed.
func (m *Metrics) IncTablesFailed(table, stage string) {
	m.TablesFailed.WithLabelValues(table, stage).Inc()
}

// AddRowsTransferred adds to the transferred-rows counter.
func (m *Metrics) AddRowsTransferred(table string, rows float64) {
	m.RowsTransferred.WithLabelValues(table).Add(rows)
}

// ObserveStageDuration records one stage's elapsed time.
func (m *Metrics) ObserveStageDuration(table, stage string, seconds float64) {
	m.StageDuration.WithLabelValues(table, stage).Observe(seconds)
}

// ObserveTableDuration records a table migration's total elapsed time.
func (m *Metrics) ObserveTableDuration(table string, seconds float64) {
	m.TableDuration.WithLabelValues(table).Observe(seconds)
}

// IncTransferPolls increments the transfer poll counter.
func (m *Metrics) IncTransferPolls(job string) {
	m.TransferPolls.WithLabelValues(job).Inc()
}

// IncWarehouseQueries increments the query counter.
func (m *Metrics) IncWarehouseQueries(table string) {
	m.WarehouseQueries.WithLabelValues(table).Inc()
}

// IncWarehouseErrors increments the warehouse error counter.
func (m *Metrics) IncWarehouseErrors(table string) {
	m.WarehouseErrors.WithLabelValues(table).Inc()
}

// IncValidationFailures increments the validation failure counter.
func (m *Metrics) IncValidationFailures(table string) {
	m.ValidationFailures.WithLabelValues(table).Inc()
}
