package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	globalMetrics *Metrics
	globalMu      sync.RWMutex
)

// Metrics holds all Prometheus metrics for basket
type Metrics struct {
	// Reconciliation counters
	UpsertsTotal          *prometheus.CounterVec
	UpsertErrorsTotal     *prometheus.CounterVec
	UpsertDurationSeconds *prometheus.HistogramVec
	UnknownSlugsTotal     prometheus.Counter
	LockContentionTotal   prometheus.Counter

	// Confirmation counters
	ConfirmationsQueuedTotal    *prometheus.CounterVec
	ConfirmationsSentTotal      *prometheus.CounterVec
	ConfirmationsFailedTotal    *prometheus.CounterVec
	ConfirmationsDeferredTotal  *prometheus.CounterVec
	ConfirmationsThrottledTotal *prometheus.CounterVec

	// Queue gauges
	QueueSize     prometheus.Gauge
	QueueActive   prometheus.Gauge
	QueueDeferred prometheus.Gauge
	QueueFailed   prometheus.Gauge

	// Contact gauges
	Contacts              prometheus.Gauge
	NewsletterSubscribers *prometheus.GaugeVec

	// HTTP metrics of the metrics server itself
	HTTPRequestsTotal *prometheus.CounterVec

	// System metrics
	UptimeSeconds    prometheus.Gauge
	Goroutines       prometheus.Gauge
	StorageUsedBytes prometheus.Gauge

	registry *prometheus.Registry
}

// New creates a new Metrics instance with all metrics registered
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		UpsertsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "basket_upserts_total",
				Help: "Total number of reconciled subscription requests",
			},
			[]string{"kind", "action"},
		),
		UpsertErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "basket_upsert_errors_total",
				Help: "Total number of failed subscription requests",
			},
			[]string{"kind", "error_type"},
		),
		UpsertDurationSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "basket_upsert_duration_seconds",
				Help:    "Subscription request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
			},
			[]string{"kind"},
		),
		UnknownSlugsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "basket_unknown_slugs_total",
				Help: "Total number of requested newsletter slugs missing from the catalog",
			},
		),
		LockContentionTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "basket_lock_contention_total",
				Help: "Total number of requests rejected because the user was locked",
			},
		),

		ConfirmationsQueuedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "basket_confirmations_queued_total",
				Help: "Total number of confirmation emails submitted to the queue",
			},
			[]string{"variant"},
		),
		ConfirmationsSentTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "basket_confirmations_sent_total",
				Help: "Total number of confirmation emails delivered to the relay",
			},
			[]string{"variant"},
		),
		ConfirmationsFailedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "basket_confirmations_failed_total",
				Help: "Total number of permanently failed confirmation emails",
			},
			[]string{"variant", "error_type"},
		),
		ConfirmationsDeferredTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "basket_confirmations_deferred_total",
				Help: "Total number of confirmation emails deferred for retry",
			},
			[]string{"variant"},
		),
		ConfirmationsThrottledTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "basket_confirmations_throttled_total",
				Help: "Total number of confirmation emails dropped by rate limits",
			},
			[]string{"level"},
		),

		QueueSize: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "basket_queue_size",
				Help: "Number of pending and deferred confirmation emails",
			},
		),
		QueueActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "basket_queue_active",
				Help: "Number of confirmation emails currently being sent",
			},
		),
		QueueDeferred: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "basket_queue_deferred",
				Help: "Number of confirmation emails awaiting retry",
			},
		),
		QueueFailed: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "basket_queue_failed",
				Help: "Number of confirmation emails in the dead letter queue",
			},
		),

		Contacts: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "basket_contacts",
				Help: "Number of stored contacts",
			},
		),
		NewsletterSubscribers: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "basket_newsletter_subscribers",
				Help: "Number of contacts subscribed to a newsletter",
			},
			[]string{"newsletter"},
		),

		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "basket_http_requests_total",
				Help: "Total number of HTTP requests to the metrics server",
			},
			[]string{"method", "path", "status"},
		),

		UptimeSeconds: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "basket_uptime_seconds",
				Help: "Process uptime in seconds",
			},
		),
		Goroutines: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "basket_goroutines",
				Help: "Number of active goroutines",
			},
		),
		StorageUsedBytes: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "basket_storage_used_bytes",
				Help: "BoltDB file size in bytes",
			},
		),

		registry: reg,
	}

	reg.MustRegister(
		m.UpsertsTotal,
		m.UpsertErrorsTotal,
		m.UpsertDurationSeconds,
		m.UnknownSlugsTotal,
		m.LockContentionTotal,
		m.ConfirmationsQueuedTotal,
		m.ConfirmationsSentTotal,
		m.ConfirmationsFailedTotal,
		m.ConfirmationsDeferredTotal,
		m.ConfirmationsThrottledTotal,
		m.QueueSize,
		m.QueueActive,
		m.QueueDeferred,
		m.QueueFailed,
		m.Contacts,
		m.NewsletterSubscribers,
		m.HTTPRequestsTotal,
		m.UptimeSeconds,
		m.Goroutines,
		m.StorageUsedBytes,
	)

	return m
}

// Registry returns the Prometheus registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// SetGlobal sets the global metrics instance
func SetGlobal(m *Metrics) {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalMetrics = m
}

// Global returns the global metrics instance
func Global() *Metrics {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return globalMetrics
}

// IncUpserts increments the reconciliation counter.
// action is created, updated or noop.
func IncUpserts(kind, action string) {
	if m := Global(); m != nil {
		m.UpsertsTotal.WithLabelValues(kind, action).Inc()
	}
}

// IncUpsertErrors increments the failed reconciliation counter
func IncUpsertErrors(kind, errorType string) {
	if m := Global(); m != nil {
		m.UpsertErrorsTotal.WithLabelValues(kind, errorType).Inc()
	}
}

// ObserveUpsertDuration records the duration of a reconciliation
func ObserveUpsertDuration(kind string, seconds float64) {
	if m := Global(); m != nil {
		m.UpsertDurationSeconds.WithLabelValues(kind).Observe(seconds)
	}
}

// AddUnknownSlugs adds n to the unknown slug counter
func AddUnknownSlugs(n int) {
	if m := Global(); m != nil && n > 0 {
		m.UnknownSlugsTotal.Add(float64(n))
	}
}

// IncLockContention increments the lock contention counter
func IncLockContention() {
	if m := Global(); m != nil {
		m.LockContentionTotal.Inc()
	}
}

// IncConfirmationsQueued increments the queued confirmation counter
func IncConfirmationsQueued(variant string) {
	if m := Global(); m != nil {
		m.ConfirmationsQueuedTotal.WithLabelValues(variant).Inc()
	}
}

// IncConfirmationsSent increments the delivered confirmation counter
func IncConfirmationsSent(variant string) {
	if m := Global(); m != nil {
		m.ConfirmationsSentTotal.WithLabelValues(variant).Inc()
	}
}

// IncConfirmationsFailed increments the failed confirmation counter
func IncConfirmationsFailed(variant, errorType string) {
	if m := Global(); m != nil {
		m.ConfirmationsFailedTotal.WithLabelValues(variant, errorType).Inc()
	}
}

// IncConfirmationsDeferred increments the deferred confirmation counter
func IncConfirmationsDeferred(variant string) {
	if m := Global(); m != nil {
		m.ConfirmationsDeferredTotal.WithLabelValues(variant).Inc()
	}
}

// IncConfirmationsThrottled increments the rate limited confirmation counter
func IncConfirmationsThrottled(level string) {
	if m := Global(); m != nil {
		m.ConfirmationsThrottledTotal.WithLabelValues(level).Inc()
	}
}
