package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for the workflow engine.
type Metrics struct {
	config MetricsConfig

	// Execution metrics
	executionsStarted   *prometheus.CounterVec
	executionsCompleted *prometheus.CounterVec
	executionDuration   *prometheus.HistogramVec

	// Task attempt metrics
	taskAttempts        *prometheus.CounterVec
	taskAttemptDuration *prometheus.HistogramVec
	taskRetries         *prometheus.CounterVec

	// Error metrics
	errorsByCode *prometheus.CounterVec

	// System metrics
	activeExecutions prometheus.Gauge
	dispatchedTasks  prometheus.Gauge

	registry *prometheus.Registry
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

		executionsStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "executions_started_total",
				Help:      "Total number of workflow executions started",
			},
			[]string{"workflow"},
		),
		executionsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "executions_completed_total",
				Help:      "Total number of workflow executions reaching a terminal status",
			},
			[]string{"workflow", "status"},
		),
		executionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "execution_duration_seconds",
				Help:      "Duration of workflow executions in seconds",
				Buckets:   buckets,
			},
			[]string{"workflow", "status"},
		),

		taskAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "task_attempts_total",
				Help:      "Total number of task attempts by outcome",
			},
			[]string{"workflow", "outcome"},
		),
		taskAttemptDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "task_attempt_duration_seconds",
				Help:      "Duration of task attempts in seconds",
				Buckets:   buckets,
			},
			[]string{"workflow"},
		),
		taskRetries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "task_retries_total",
				Help:      "Total number of task retries",
			},
			[]string{"workflow"},
		),

		errorsByCode: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_code_total",
				Help:      "Total number of errors by error code",
			},
			[]string{"code"},
		),

		activeExecutions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_executions",
				Help:      "Current number of active executions",
			},
		),
		dispatchedTasks: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "dispatched_tasks",
				Help:      "Current number of dispatched task attempts",
			},
		),
	}

	registry.MustRegister(
		m.executionsStarted,
		m.executionsCompleted,
		m.executionDuration,
		m.taskAttempts,
		m.taskAttemptDuration,
		m.taskRetries,
		m.errorsByCode,
		m.activeExecutions,
		m.dispatchedTasks,
	)

	return m, nil
}

// RecordExecutionStarted increments the counter for started executions.
func (m *Metrics) RecordExecutionStarted(workflow string) {
	if m.executionsStarted == nil {
		return
	}
	m.executionsStarted.WithLabelValues(workflow).Inc()
	m.activeExecutions.Inc()
}

// RecordExecutionCompleted records a terminal execution with its status.
func (m *Metrics) RecordExecutionCompleted(workflow, status string, duration time.Duration) {
	if m.executionsCompleted == nil {
		return
	}
	m.executionsCompleted.WithLabelValues(workflow, status).Inc()
	m.executionDuration.WithLabelValues(workflow, status).Observe(duration.Seconds())
	m.activeExecutions.Dec()
}

// RecordTaskAttempt records one task attempt with its outcome.
func (m *Metrics) RecordTaskAttempt(workflow, outcome string, duration time.Duration) {
	if m.taskAttempts == nil {
		return
	}
	m.taskAttempts.WithLabelValues(workflow, outcome).Inc()
	m.taskAttemptDuration.WithLabelValues(workflow).Observe(duration.Seconds())
}

// RecordTaskRetry records a task re-enqueued after a failed attempt.
func (m *Metrics) RecordTaskRetry(workflow string) {
	if m.taskRetries == nil {
		return
	}
	m.taskRetries.WithLabelValues(workflow).Inc()
}

// RecordError records an error by code.
func (m *Metrics) RecordError(code string) {
	if m.errorsByCode == nil {
		return
	}
	m.errorsByCode.WithLabelValues(code).Inc()
}

// TaskDispatched increments the dispatched task gauge.
func (m *Metrics) TaskDispatched() {
	if m.dispatchedTasks == nil {
		return
	}
	m.dispatchedTasks.Inc()
}

// TaskSettled decrements the dispatched task gauge.
func (m *Metrics) TaskSettled() {
	if m.dispatchedTasks == nil {
		return
	}
	m.dispatchedTasks.Dec()
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer starts an HTTP server to expose metrics.
func (m *Metrics) StartMetricsServer(logger *Logger) error {
	if !m.config.Enabled {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(m.config.Path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			if logger != nil {
				logger.WithError(err).Error("metrics server failed")
			}
		}
	}()

	return nil
}
