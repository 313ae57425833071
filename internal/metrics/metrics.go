package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	globalMetrics *Metrics
	globalMu      sync.RWMutex
)

// RunStatuses lists the run states exported by the run status gauge
var RunStatuses = []string{"idle", "running", "paused", "done"}

// Metrics holds all Prometheus metrics for pushline
type Metrics struct {
	// Send counters
	SendsTotal        *prometheus.CounterVec
	SendFailuresTotal *prometheus.CounterVec
	WavesTotal        *prometheus.CounterVec
	CooldownsTotal    prometheus.Counter

	// Run gauges
	QueueSize prometheus.Gauge
	RunStatus *prometheus.GaugeVec

	// API metrics
	APIRequestsTotal          *prometheus.CounterVec
	APIRequestDurationSeconds *prometheus.HistogramVec
	APIErrorsTotal            *prometheus.CounterVec

	// Send quota
	RateLimitExceededTotal *prometheus.CounterVec

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
		SendsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pushline_sends_total",
				Help: "Total number of messages accepted by the delivery bot",
			},
			[]string{"path"},
		),
		SendFailuresTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pushline_send_failures_total",
				Help: "Total number of failed send attempts",
			},
			[]string{"path", "kind"},
		),
		WavesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pushline_waves_total",
				Help: "Total number of completed waves",
			},
			[]string{"trigger"},
		),
		CooldownsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "pushline_cooldowns_total",
				Help: "Total number of inter-wave cooldowns started",
			},
		),

		QueueSize: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "pushline_queue_size",
				Help: "Number of contacts waiting in the queue",
			},
		),
		RunStatus: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "pushline_run_status",
				Help: "Current broadcast run status (1 for the active status)",
			},
			[]string{"status"},
		),

		APIRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pushline_api_requests_total",
				Help: "Total number of API requests",
			},
			[]string{"method", "path", "status"},
		),
		APIRequestDurationSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pushline_api_request_duration_seconds",
				Help:    "API request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "path"},
		),
		APIErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pushline_api_errors_total",
				Help: "Total number of API errors",
			},
			[]string{"error_type"},
		),

		RateLimitExceededTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pushline_ratelimit_exceeded_total",
				Help: "Total number of sends held back by a send quota",
			},
			[]string{"level"},
		),

		UptimeSeconds: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "pushline_uptime_seconds",
				Help: "Server uptime in seconds",
			},
		),
		Goroutines: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "pushline_goroutines",
				Help: "Number of active goroutines",
			},
		),
		StorageUsedBytes: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "pushline_storage_used_bytes",
				Help: "BoltDB file size in bytes",
			},
		),

		registry: reg,
	}

	reg.MustRegister(
		m.SendsTotal,
		m.SendFailuresTotal,
		m.WavesTotal,
		m.CooldownsTotal,
		m.QueueSize,
		m.RunStatus,
		m.APIRequestsTotal,
		m.APIRequestDurationSeconds,
		m.APIErrorsTotal,
		m.RateLimitExceededTotal,
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

// IncSends increments the successful send counter
func IncSends(path string) {
	m := Global()
	if m != nil {
		m.SendsTotal.WithLabelValues(path).Inc()
	}
}

// IncSendFailures increments the failed send counter.
// kind is "fail" for a negative reply and "exception" for no reply.
func IncSendFailures(path, kind string) {
	m := Global()
	if m != nil {
		m.SendFailuresTotal.WithLabelValues(path, kind).Inc()
	}
}

// IncWaves increments the completed wave counter
func IncWaves(trigger string) {
	m := Global()
	if m != nil {
		m.WavesTotal.WithLabelValues(trigger).Inc()
	}
}

// IncCooldowns increments the cooldown counter
func IncCooldowns() {
	m := Global()
	if m != nil {
		m.CooldownsTotal.Inc()
	}
}

// SetQueueSize sets the queue size gauge
func SetQueueSize(n int) {
	m := Global()
	if m != nil {
		m.QueueSize.Set(float64(n))
	}
}

// SetRunStatus marks status as the active run status
func SetRunStatus(status string) {
	m := Global()
	if m == nil {
		return
	}
	for _, s := range RunStatuses {
		v := 0.0
		if s == status {
			v = 1
		}
		m.RunStatus.WithLabelValues(s).Set(v)
	}
}

// IncRateLimitExceeded increments the send quota counter
func IncRateLimitExceeded(level string) {
	m := Global()
	if m != nil {
		m.RateLimitExceededTotal.WithLabelValues(level).Inc()
	}
}
