package telemetry

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Metrics provides Prometheus metrics for stagehand.
// All recording methods are safe to call on a nil or disabled instance.
type Metrics struct {
	config MetricsConfig

	// Run metrics
	runsStarted   *prometheus.CounterVec
	runsCompleted *prometheus.CounterVec
	runDuration   *prometheus.HistogramVec

	// Stage metrics
	stagesExecuted *prometheus.CounterVec
	stageDuration  *prometheus.HistogramVec

	// Remote backend metrics
	remoteOperations *prometheus.CounterVec
	remoteDuration   *prometheus.HistogramVec
	remoteFailures   *prometheus.CounterVec
	rereads          prometheus.Counter

	// Error metrics
	errorsByClass *prometheus.CounterVec
	errorsByCode  *prometheus.CounterVec

	// Ledger metrics
	ledgerWrites  *prometheus.CounterVec
	entitiesReady *prometheus.GaugeVec

	activeRuns prometheus.Gauge

	registry *prometheus.Registry
	server   *http.Server
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		// Return a no-op metrics instance
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

		runsStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_started_total",
				Help:      "Total number of pipeline and upgrade runs started",
			},
			[]string{"env", "kind"},
		),
		runsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_completed_total",
				Help:      "Total number of runs completed",
			},
			[]string{"env", "status"},
		),
		runDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "run_duration_seconds",
				Help:      "Duration of runs in seconds",
				Buckets:   buckets,
			},
			[]string{"env", "status"},
		),

		stagesExecuted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "stages_total",
				Help:      "Total number of stage checks by stage and outcome",
			},
			[]string{"stage", "outcome"},
		),
		stageDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "stage_duration_seconds",
				Help:      "Duration of executed stages in seconds",
				Buckets:   buckets,
			},
			[]string{"stage"},
		),

		remoteOperations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "remote_operations_total",
				Help:      "Total number of backend calls by kind",
			},
			[]string{"kind"},
		),
		remoteDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "remote_operation_duration_seconds",
				Help:      "Duration of backend calls in seconds",
				Buckets:   buckets,
			},
			[]string{"kind"},
		),
		remoteFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "remote_failures_total",
				Help:      "Total number of classified backend failures",
			},
			[]string{"kind"},
		),
		rereads: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rereads_total",
				Help:      "Total number of waits before rereading unfinalized state",
			},
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

		ledgerWrites: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ledger_writes_total",
				Help:      "Total number of full ledger rewrites",
			},
			[]string{"env", "transition"},
		),
		entitiesReady: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "entities_ready",
				Help:      "Number of entities with every stage done after the last run",
			},
			[]string{"env"},
		),

		activeRuns: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_runs",
				Help:      "Current number of active runs",
			},
		),
	}

	registry.MustRegister(
		m.runsStarted,
		m.runsCompleted,
		m.runDuration,
		m.stagesExecuted,
		m.stageDuration,
		m.remoteOperations,
		m.remoteDuration,
		m.remoteFailures,
		m.rereads,
		m.errorsByClass,
		m.errorsByCode,
		m.ledgerWrites,
		m.entitiesReady,
		m.activeRuns,
	)

	return m, nil
}

func (m *Metrics) enabled() bool {
	return m != nil && m.registry != nil
}

// Run Metrics

// RecordRunStarted increments the counter for started runs.
func (m *Metrics) RecordRunStarted(env, kind string) {
	if !m.enabled() {
		return
	}
	m.runsStarted.WithLabelValues(env, kind).Inc()
	m.activeRuns.Inc()
}

// RecordRunCompleted records a completed run with its status and duration.
func (m *Metrics) RecordRunCompleted(env, status string, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.runsCompleted.WithLabelValues(env, status).Inc()
	m.runDuration.WithLabelValues(env, status).Observe(duration.Seconds())
	m.activeRuns.Dec()
}

// Stage Metrics

// RecordStage records a stage check and, for executed stages, its duration.
func (m *Metrics) RecordStage(stage, outcome string, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.stagesExecuted.WithLabelValues(stage, outcome).Inc()
	if outcome != "skipped" {
		m.stageDuration.WithLabelValues(stage).Observe(duration.Seconds())
	}
}

// Remote Metrics

// RecordRemoteOperation records a backend call with its duration.
func (m *Metrics) RecordRemoteOperation(kind string, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.remoteOperations.WithLabelValues(kind).Inc()
	m.remoteDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

// RecordRemoteFailure records a classified backend failure.
func (m *Metrics) RecordRemoteFailure(kind string) {
	if !m.enabled() {
		return
	}
	m.remoteFailures.WithLabelValues(kind).Inc()
}

// RecordReread records one wait before rereading unfinalized state.
func (m *Metrics) RecordReread() {
	if !m.enabled() {
		return
	}
	m.rereads.Inc()
}

// Error Metrics

// RecordError records an error by class and optionally by code.
func (m *Metrics) RecordError(errorClass, errorCode string) {
	if !m.enabled() {
		return
	}
	m.errorsByClass.WithLabelValues(errorClass).Inc()
	if errorCode != "" {
		m.errorsByCode.WithLabelValues(errorCode).Inc()
	}
}

// Ledger Metrics

// RecordLedgerWrite records a full ledger rewrite.
func (m *Metrics) RecordLedgerWrite(env, transition string) {
	if !m.enabled() {
		return
	}
	m.ledgerWrites.WithLabelValues(env, transition).Inc()
}

// SetEntitiesReady sets the number of fully deployed entities.
func (m *Metrics) SetEntitiesReady(env string, count float64) {
	if !m.enabled() {
		return
	}
	m.entitiesReady.WithLabelValues(env).Set(count)
}

// Registry returns the underlying Prometheus registry, or nil if disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
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

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if !m.enabled() {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer starts an HTTP server to expose metrics.
func (m *Metrics) StartMetricsServer() error {
	if !m.enabled() || m.config.ListenAddress == "" {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(m.config.Path, m.Handler())

	m.server = &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := m.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Str("addr", m.config.ListenAddress).Msg("metrics server error")
		}
	}()

	return nil
}

// Shutdown stops the metrics server if it was started.
func (m *Metrics) Shutdown(ctx context.Context) error {
	if m == nil || m.server == nil {
		return nil
	}
	return m.server.Shutdown(ctx)
}
