// Package metrics provides Prometheus metrics for the rewards service.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	defaultRefreshInterval = 10 * time.Second
)

// Manager owns every collector of the service.
type Manager struct {
	namespace         string
	subsystem         string
	histogramBuckets  []float64
	settlementBuckets []float64
	refreshInterval   time.Duration
	customLabels      map[string]string
	metricPrefix      string
	registry          prometheus.Registerer

	// Ledger
	completions   *prometheus.CounterVec
	webhookReplay prometheus.Counter
	usersTotal    prometheus.Gauge

	// Authorization and settlement
	authorizations     *prometheus.CounterVec
	claims             *prometheus.CounterVec
	settlementDuration *prometheus.HistogramVec
	settledAmount      prometheus.Counter
	attribution        *prometheus.CounterVec

	// HTTP
	httpRequests        *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	// Queue and workers (attribution reports)
	queueSize          prometheus.Gauge
	queueCapacity      prometheus.Gauge
	queueEnqueued      prometheus.Counter
	queueDequeued      prometheus.Counter
	queueEnqueueErrors prometheus.Counter
	workerActive       prometheus.Gauge
	workerLatency      prometheus.Histogram
	workerErrors       prometheus.Counter

	// Errors
	errorsByComponent *prometheus.CounterVec

	// System
	systemMemoryUsage    prometheus.Gauge
	systemGoroutineCount prometheus.Gauge
}

// Global metrics manager instance.
var globalManager *Manager //nolint:gochecknoglobals // singleton metrics manager

// Custom registry to avoid default Go metrics.
var customRegistry = prometheus.NewRegistry() //nolint:gochecknoglobals // metrics registry

func init() { //nolint:gochecknoinits // global metrics setup
	globalManager = NewManager(WithPrometheusRegistry(customRegistry))
}

// NewManager creates a new metrics manager with default configuration.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		namespace:         "rewards",
		subsystem:         "ledger",
		histogramBuckets:  prometheus.DefBuckets,
		settlementBuckets: []float64{0.1, 0.5, 1, 2, 5, 10, 20, 30, 60, 90, 120, 180},
		refreshInterval:   defaultRefreshInterval,
		customLabels:      make(map[string]string),
		registry:          prometheus.DefaultRegisterer,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.initializeMetrics()
	return m
}

func (m *Manager) name(n string) string {
	return m.metricPrefix + n
}

func (m *Manager) counterVec(name, help string, labels ...string) *prometheus.CounterVec {
	return promauto.With(m.registry).NewCounterVec(prometheus.CounterOpts{
		Namespace:   m.namespace,
		Subsystem:   m.subsystem,
		Name:        m.name(name),
		Help:        help,
		ConstLabels: m.customLabels,
	}, labels)
}

func (m *Manager) counter(name, help string) prometheus.Counter {
	return promauto.With(m.registry).NewCounter(prometheus.CounterOpts{
		Namespace:   m.namespace,
		Subsystem:   m.subsystem,
		Name:        m.name(name),
		Help:        help,
		ConstLabels: m.customLabels,
	})
}

func (m *Manager) gauge(name, help string) prometheus.Gauge {
	return promauto.With(m.registry).NewGauge(prometheus.GaugeOpts{
		Namespace:   m.namespace,
		Subsystem:   m.subsystem,
		Name:        m.name(name),
		Help:        help,
		ConstLabels: m.customLabels,
	})
}

func (m *Manager) initializeMetrics() {
	auto := promauto.With(m.registry)

	m.completions = m.counterVec("completions_total",
		"Completion events by outcome: applied, recorded, duplicate, rejected", "outcome")
	m.webhookReplay = m.counter("webhook_replays_total",
		"Webhook deliveries answered from the replay cache")
	m.usersTotal = m.gauge("users_total", "Users known to the ledger")

	m.authorizations = m.counterVec("authorizations_total",
		"Claim authorizations by result: issued, invalid, misconfigured", "result")
	m.claims = m.counterVec("claims_total",
		"Claims by outcome: settled, already_settled, pending, failed, rejected, expired", "outcome")
	m.settlementDuration = auto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace:   m.namespace,
		Subsystem:   m.subsystem,
		Name:        m.name("settlement_duration_seconds"),
		Help:        "Time from claim request to final outcome",
		Buckets:     m.settlementBuckets,
		ConstLabels: m.customLabels,
	}, []string{"outcome"})
	m.settledAmount = m.counter("settled_amount_total",
		"Sum of authoritative settled amounts in token units")
	m.attribution = m.counterVec("attribution_total",
		"Attribution tag and report attempts by stage and result", "stage", "result")

	m.httpRequests = m.counterVec("http_requests_total",
		"Total number of HTTP requests", "endpoint", "method", "status_code")
	m.httpRequestDuration = auto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace:   m.namespace,
		Subsystem:   m.subsystem,
		Name:        m.name("http_request_duration_seconds"),
		Help:        "HTTP request duration in seconds",
		Buckets:     m.histogramBuckets,
		ConstLabels: m.customLabels,
	}, []string{"endpoint", "method", "status_code"})

	m.queueSize = m.gauge("queue_size", "Attribution reports waiting in the queue")
	m.queueCapacity = m.gauge("queue_capacity", "Attribution queue capacity")
	m.queueEnqueued = m.counter("queue_enqueued_total", "Reports enqueued")
	m.queueDequeued = m.counter("queue_dequeued_total", "Reports dequeued")
	m.queueEnqueueErrors = m.counter("queue_enqueue_errors_total", "Reports dropped because the queue was full or closed")
	m.workerActive = m.gauge("worker_active_count", "Workers currently handling a report")
	m.workerLatency = auto.NewHistogram(prometheus.HistogramOpts{
		Namespace:   m.namespace,
		Subsystem:   m.subsystem,
		Name:        m.name("worker_processing_latency_milliseconds"),
		Help:        "Report handling latency in milliseconds",
		Buckets:     []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
		ConstLabels: m.customLabels,
	})
	m.workerErrors = m.counter("worker_errors_total", "Reports whose handler returned an error")

	m.errorsByComponent = m.counterVec("errors_total",
		"Errors by component and kind", "component", "kind")

	m.systemMemoryUsage = m.gauge("system_memory_usage_bytes", "Heap in use in bytes")
	m.systemGoroutineCount = m.gauge("system_goroutine_count", "Number of goroutines")
}

// RecordCompletion counts a RecordCompletion outcome.
func RecordCompletion(outcome string) {
	globalManager.completions.WithLabelValues(outcome).Inc()
}

// RecordWebhookReplay counts a delivery answered from the replay cache.
func RecordWebhookReplay() {
	globalManager.webhookReplay.Inc()
}

// UpdateUsersTotal sets the number of users.
func UpdateUsersTotal(count int) {
	globalManager.usersTotal.Set(float64(count))
}

// RecordAuthorization counts an authorization request.
func RecordAuthorization(result string) {
	globalManager.authorizations.WithLabelValues(result).Inc()
}

// RecordClaim counts a claim outcome and its duration.
func RecordClaim(outcome string, d time.Duration) {
	globalManager.claims.WithLabelValues(outcome).Inc()
	globalManager.settlementDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

// RecordSettledAmount adds an authoritative settled amount.
func RecordSettledAmount(amount float64) {
	if amount > 0 {
		globalManager.settledAmount.Add(amount)
	}
}

// RecordAttribution counts an attribution attempt. stage is "tag" or "report".
func RecordAttribution(stage, result string) {
	globalManager.attribution.WithLabelValues(stage, result).Inc()
}

// RecordHTTPRequest records an HTTP request.
func RecordHTTPRequest(endpoint, method, statusCode string) {
	globalManager.httpRequests.WithLabelValues(endpoint, method, statusCode).Inc()
}

// RecordHTTPRequestDuration records HTTP request duration in seconds.
func RecordHTTPRequestDuration(endpoint, method, statusCode string, duration float64) {
	globalManager.httpRequestDuration.WithLabelValues(endpoint, method, statusCode).Observe(duration)
}

// UpdateQueueSize sets the current queue size.
func UpdateQueueSize(size int) {
	globalManager.queueSize.Set(float64(size))
}

// UpdateQueueCapacity sets the maximum queue capacity.
func UpdateQueueCapacity(capacity int) {
	globalManager.queueCapacity.Set(float64(capacity))
}

// RecordQueueEnqueue increments the enqueue counter.
func RecordQueueEnqueue() {
	globalManager.queueEnqueued.Inc()
}

// RecordQueueDequeue increments the dequeue counter.
func RecordQueueDequeue() {
	globalManager.queueDequeued.Inc()
}

// RecordQueueEnqueueError increments the enqueue error counter.
func RecordQueueEnqueueError() {
	globalManager.queueEnqueueErrors.Inc()
}

// UpdateWorkerActiveCount sets the number of busy workers.
func UpdateWorkerActiveCount(count int) {
	globalManager.workerActive.Set(float64(count))
}

// RecordWorkerProcessingLatency records worker processing latency.
func RecordWorkerProcessingLatency(latencyMs float64) {
	globalManager.workerLatency.Observe(latencyMs)
}

// RecordWorkerError increments the worker error counter.
func RecordWorkerError() {
	globalManager.workerErrors.Inc()
}

// RecordErrorByComponent records an error with component and kind labels.
func RecordErrorByComponent(component, kind string) {
	globalManager.errorsByComponent.WithLabelValues(component, kind).Inc()
}

// UpdateSystemMemoryUsage sets the heap in use in bytes.
func UpdateSystemMemoryUsage(bytes uint64) {
	globalManager.systemMemoryUsage.Set(float64(bytes))
}

// UpdateSystemGoroutineCount sets the number of goroutines.
func UpdateSystemGoroutineCount(count int) {
	globalManager.systemGoroutineCount.Set(float64(count))
}

// RefreshInterval is how often gauge updaters should run.
func RefreshInterval() time.Duration {
	return globalManager.refreshInterval
}

// GetRegistry returns the custom Prometheus registry used by our metrics.
func GetRegistry() *prometheus.Registry {
	return customRegistry
}
