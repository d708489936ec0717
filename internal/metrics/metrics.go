package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all the application metrics
type Metrics struct {
	// HTTP request metrics
	HTTPRequestTotal    *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Ledger RPC metrics
	LedgerCallTotal    *prometheus.CounterVec
	LedgerCallDuration *prometheus.HistogramVec

	// Content store metrics
	StoreOperationTotal    *prometheus.CounterVec
	StoreOperationDuration *prometheus.HistogramVec

	// Publish pipeline metrics
	PublishStageDuration *prometheus.HistogramVec
	PublishTotal         *prometheus.CounterVec

	// Purchase metrics
	PurchaseTotal *prometheus.CounterVec

	// Activity journal metrics
	JournalOperationTotal    *prometheus.CounterVec
	JournalOperationDuration *prometheus.HistogramVec

	// Event publishing metrics
	EventPublishTotal    *prometheus.CounterVec
	EventPublishDuration *prometheus.HistogramVec

	// Schema validation metrics
	SchemaValidationTotal    *prometheus.CounterVec
	SchemaValidationDuration *prometheus.HistogramVec
}

// Global metrics instance with mutex for thread safety
var (
	globalMetrics *Metrics
	metricsMutex  sync.Mutex
)

// NewMetrics creates a new Metrics instance with all required metrics
func NewMetrics() *Metrics {
	metricsMutex.Lock()
	defer metricsMutex.Unlock()

	// Return existing instance if already created
	if globalMetrics != nil {
		return globalMetrics
	}

	m := &Metrics{
		HTTPRequestTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "path", "status"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path", "status"}),

		LedgerCallTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_rpc_calls_total",
			Help: "Total number of ledger JSON-RPC calls",
		}, []string{"method", "status"}),

		LedgerCallDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ledger_rpc_call_duration_seconds",
			Help:    "Ledger JSON-RPC call duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "status"}),

		StoreOperationTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "content_store_operations_total",
			Help: "Total number of content store operations",
		}, []string{"backend", "operation", "status"}),

		StoreOperationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "content_store_operation_duration_seconds",
			Help:    "Content store operation duration in seconds",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"backend", "operation", "status"}),

		PublishStageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "publish_stage_duration_seconds",
			Help:    "Publish pipeline stage duration in seconds",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"stage", "status"}),

		PublishTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "publish_runs_total",
			Help: "Total number of publish pipeline runs by final stage",
		}, []string{"outcome", "failed_stage"}),

		PurchaseTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "purchases_total",
			Help: "Total number of purchase attempts by outcome",
		}, []string{"outcome"}),

		JournalOperationTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "journal_operations_total",
			Help: "Total number of activity journal operations",
		}, []string{"operation", "status"}),

		JournalOperationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "journal_operation_duration_seconds",
			Help:    "Activity journal operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation", "status"}),

		EventPublishTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "event_publish_total",
			Help: "Total number of event publish operations",
		}, []string{"event_type", "status"}),

		EventPublishDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "event_publish_duration_seconds",
			Help:    "Event publish duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"event_type", "status"}),

		SchemaValidationTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "schema_validation_total",
			Help: "Total number of schema validation operations",
		}, []string{"schema", "status"}),

		SchemaValidationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "schema_validation_duration_seconds",
			Help:    "Schema validation duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"schema", "status"}),
	}

	registerMetrics(m)
	globalMetrics = m
	return m
}

// Status returns the status label for an operation outcome.
func Status(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

// ObserveLedgerCall records one ledger RPC call.
func (m *Metrics) ObserveLedgerCall(method string, started time.Time, err error) {
	status := Status(err)
	m.LedgerCallTotal.WithLabelValues(method, status).Inc()
	m.LedgerCallDuration.WithLabelValues(method, status).Observe(time.Since(started).Seconds())
}

// ObserveStoreOperation records one content store operation.
func (m *Metrics) ObserveStoreOperation(backend, op string, started time.Time, err error) {
	status := Status(err)
	m.StoreOperationTotal.WithLabelValues(backend, op, status).Inc()
	m.StoreOperationDuration.WithLabelValues(backend, op, status).Observe(time.Since(started).Seconds())
}

// ObserveJournalOperation records one activity journal operation.
func (m *Metrics) ObserveJournalOperation(op string, started time.Time, err error) {
	status := Status(err)
	m.JournalOperationTotal.WithLabelValues(op, status).Inc()
	m.JournalOperationDuration.WithLabelValues(op, status).Observe(time.Since(started).Seconds())
}

// registerMetrics registers all metrics with the default registry
func registerMetrics(m *Metrics) {
	registerOrGet(m.HTTPRequestTotal)
	registerOrGet(m.HTTPRequestDuration)
	registerOrGet(m.LedgerCallTotal)
	registerOrGet(m.LedgerCallDuration)
	registerOrGet(m.StoreOperationTotal)
	registerOrGet(m.StoreOperationDuration)
	registerOrGet(m.PublishStageDuration)
	registerOrGet(m.PublishTotal)
	registerOrGet(m.PurchaseTotal)
	registerOrGet(m.JournalOperationTotal)
	registerOrGet(m.JournalOperationDuration)
	registerOrGet(m.EventPublishTotal)
	registerOrGet(m.EventPublishDuration)
	registerOrGet(m.SchemaValidationTotal)
	registerOrGet(m.SchemaValidationDuration)
}

// registerOrGet tries to register a metric, returns the existing one if already registered
func registerOrGet(c prometheus.Collector) prometheus.Collector {
	if err := prometheus.Register(c); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			return are.ExistingCollector
		}
	}
	return c
}
