package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Metrics provides Prometheus metrics for executions. A Metrics created
// from a disabled config records nothing.
type Metrics struct {
	config MetricsConfig

	executionsStarted  *prometheus.CounterVec
	executionsFinished *prometheus.CounterVec
	executionDuration  *prometheus.HistogramVec
	activeExecutions   *prometheus.GaugeVec
	policyViolations   *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with its own registry.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	if cfg.Path == "" {
		cfg.Path = "/metrics"
	}
	buckets := cfg.Buckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}
	namespace := cfg.Namespace

	m := &Metrics{
		config:   cfg,
		registry: prometheus.NewRegistry(),

		executionsStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "executions_started_total",
				Help:      "Total number of executions started",
			},
			[]string{"kind"},
		),
		executionsFinished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "executions_finished_total",
				Help:      "Total number of executions finished, by terminal status",
			},
			[]string{"kind", "status"},
		),
		executionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "execution_duration_seconds",
				Help:      "Duration of executions in seconds",
				Buckets:   buckets,
			},
			[]string{"kind", "status"},
		),
		activeExecutions: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_executions",
				Help:      "Current number of running executions",
			},
			[]string{"kind"},
		),
		policyViolations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "policy_violations_total",
				Help:      "Total number of policy violations",
			},
			[]string{"policy", "severity"},
		),
	}

	collectorsToRegister := []prometheus.Collector{
		m.executionsStarted,
		m.executionsFinished,
		m.executionDuration,
		m.activeExecutions,
		m.policyViolations,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	}
	for _, c := range collectorsToRegister {
		if err := m.registry.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register collector: %w", err)
		}
	}

	return m, nil
}

func (m *Metrics) enabled() bool {
	return m != nil && m.registry != nil
}

// ExecutionStarted counts a started execution of the given kind.
func (m *Metrics) ExecutionStarted(kind string) {
	if !m.enabled() {
		return
	}
	m.executionsStarted.WithLabelValues(kind).Inc()
	m.activeExecutions.WithLabelValues(kind).Inc()
}

// ExecutionFinished records the outcome and duration of an execution.
func (m *Metrics) ExecutionFinished(kind, status string, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.activeExecutions.WithLabelValues(kind).Dec()
	m.executionsFinished.WithLabelValues(kind, status).Inc()
	m.executionDuration.WithLabelValues(kind, status).Observe(duration.Seconds())
}

// PolicyViolation counts one policy violation.
func (m *Metrics) PolicyViolation(policy, severity string) {
	if !m.enabled() {
		return
	}
	m.policyViolations.WithLabelValues(policy, severity).Inc()
}

// Registry returns the registry metrics are collected in, nil when disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
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

// Serve exposes the metrics on the configured listen address until ctx is
// done. It returns immediately, with the bound address, once the listener
// is open. Nothing is served when metrics are disabled or no address is set.
func (m *Metrics) Serve(ctx context.Context, logger zerolog.Logger) (string, error) {
	if !m.enabled() || m.config.ListenAddress == "" {
		return "", nil
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", m.config.ListenAddress)
	if err != nil {
		return "", fmt.Errorf("failed to listen on %s: %w", m.config.ListenAddress, err)
	}

	mux := http.NewServeMux()
	mux.Handle(m.config.Path, m.Handler())
	server := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("Metrics server failed")
		}
	}()
	context.AfterFunc(ctx, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	})

	addr := ln.Addr().String()
	logger.Info().
		Str("address", addr).
		Str("path", m.config.Path).
		Msg("Serving metrics")

	return addr, nil
}
