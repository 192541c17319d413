package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Metrics provides Prometheus metrics for the synchronization engine.
// A nil *Metrics and a disabled one are both valid no-op recorders.
type Metrics struct {
	config MetricsConfig

	// Scanner metrics
	scans        *prometheus.CounterVec
	scanDuration *prometheus.HistogramVec
	changes      *prometheus.CounterVec

	// Queue metrics
	commandsApplied *prometheus.CounterVec
	commandDuration *prometheus.HistogramVec
	queueDepth      prometheus.Gauge

	// Pipeline metrics
	adapterFailures *prometheus.CounterVec
	policyDenials   *prometheus.CounterVec

	// Error metrics
	errorsByClass *prometheus.CounterVec
	errorsByCode  *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		scans: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "scans_total",
				Help:      "Total number of source scan ticks",
			},
			[]string{"source", "status"},
		),
		scanDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "scan_duration_seconds",
				Help:      "Duration of source scan ticks in seconds",
				Buckets:   buckets,
			},
			[]string{"source"},
		),
		changes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "changes_total",
				Help:      "Total number of detected configuration changes",
			},
			[]string{"source", "kind"},
		),

		commandsApplied: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "commands_applied_total",
				Help:      "Total number of store commands applied",
			},
			[]string{"operation", "status"},
		),
		commandDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "command_duration_seconds",
				Help:      "Duration of store command applies in seconds",
				Buckets:   buckets,
			},
			[]string{"operation"},
		),
		queueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "queue_depth",
				Help:      "Current number of pending store commands",
			},
		),

		adapterFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "adapter_failures_total",
				Help:      "Total number of source objects that could not be adapted",
			},
			[]string{"reason"},
		),
		policyDenials: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "policy_denials_total",
				Help:      "Total number of updates denied by admission policies",
			},
			[]string{"policy"},
		),

		errorsByClass: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_class_total",
				Help:      "Total number of errors by error class",
			},
			[]string{"class"},
		),
		errorsByCode: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_code_total",
				Help:      "Total number of errors by error code",
			},
			[]string{"code"},
		),
	}

	registry.MustRegister(
		m.scans,
		m.scanDuration,
		m.changes,
		m.commandsApplied,
		m.commandDuration,
		m.queueDepth,
		m.adapterFailures,
		m.policyDenials,
		m.errorsByClass,
		m.errorsByCode,
	)

	return m, nil
}

// Scanner Metrics

// RecordScan records one scan tick of a source.
func (m *Metrics) RecordScan(source, status string, duration time.Duration) {
	if m == nil || m.scans == nil {
		return
	}
	m.scans.WithLabelValues(source, status).Inc()
	m.scanDuration.WithLabelValues(source).Observe(duration.Seconds())
}

// RecordChanges records the size of a change set.
func (m *Metrics) RecordChanges(source string, added, updated, deleted int) {
	if m == nil || m.changes == nil {
		return
	}
	m.changes.WithLabelValues(source, "added").Add(float64(added))
	m.changes.WithLabelValues(source, "updated").Add(float64(updated))
	m.changes.WithLabelValues(source, "deleted").Add(float64(deleted))
}

// Queue Metrics

// RecordCommandApplied records a command apply with its outcome and duration.
func (m *Metrics) RecordCommandApplied(operation, status string, duration time.Duration) {
	if m == nil || m.commandsApplied == nil {
		return
	}
	m.commandsApplied.WithLabelValues(operation, status).Inc()
	m.commandDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// SetQueueDepth sets the current number of pending commands.
func (m *Metrics) SetQueueDepth(depth int) {
	if m == nil || m.queueDepth == nil {
		return
	}
	m.queueDepth.Set(float64(depth))
}

// Pipeline Metrics

// RecordAdapterFailure records an update dropped by the adapter chain.
func (m *Metrics) RecordAdapterFailure(reason string) {
	if m == nil || m.adapterFailures == nil {
		return
	}
	m.adapterFailures.WithLabelValues(reason).Inc()
}

// RecordPolicyDenial records an update dropped by an admission policy.
func (m *Metrics) RecordPolicyDenial(policy string) {
	if m == nil || m.policyDenials == nil {
		return
	}
	m.policyDenials.WithLabelValues(policy).Inc()
}

// Error Metrics

// RecordError records an error by class and optionally by code.
func (m *Metrics) RecordError(errorClass, errorCode string) {
	if m == nil || m.errorsByClass == nil {
		return
	}
	m.errorsByClass.WithLabelValues(errorClass).Inc()
	if errorCode != "" {
		m.errorsByCode.WithLabelValues(errorCode).Inc()
	}
}

// Timer provides a convenient way to time operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer was created.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// Registry returns the private registry, or nil when metrics are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer starts an HTTP server to expose metrics.
// The returned server is nil when metrics are disabled.
func (m *Metrics) StartMetricsServer() (*http.Server, error) {
	if m == nil || !m.config.Enabled {
		return nil, nil
	}

	path := m.config.Path
	if path == "" {
		path = "/metrics"
	}

	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Str("address", m.config.ListenAddress).Msg("metrics server error")
		}
	}()

	return server, nil
}
