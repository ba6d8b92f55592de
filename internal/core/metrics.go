package core

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"erpcore/pkg/domain"
)

// MetricsRecorder receives per-operation outcomes and guardrail findings.
type MetricsRecorder interface {
	Observe(ctx context.Context, operation string, success bool, duration time.Duration)
	Violation(code string, severity domain.Severity)
}

type noopMetrics struct{}

func (noopMetrics) Observe(context.Context, string, bool, time.Duration) {}
func (noopMetrics) Violation(string, domain.Severity)                    {}

// PrometheusMetrics publishes operation latency, outcome counts and guardrail
// violations as Prometheus collectors.
type PrometheusMetrics struct {
	durations  *prometheus.HistogramVec
	results    *prometheus.CounterVec
	violations *prometheus.CounterVec
}

// NewPrometheusMetrics registers the engine collectors on reg. A nil reg uses
// the default registerer.
func NewPrometheusMetrics(reg prometheus.Registerer) (*PrometheusMetrics, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &PrometheusMetrics{
		durations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "erpcore",
			Name:      "operation_duration_seconds",
			Help:      "Latency of engine operations.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
		results: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "erpcore",
			Name:      "operations_total",
			Help:      "Engine operations by outcome.",
		}, []string{"operation", "status"}),
		violations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "erpcore",
			Name:      "guardrail_violations_total",
			Help:      "Guardrail violations by code and severity.",
		}, []string{"code", "severity"}),
	}
	for _, c := range []prometheus.Collector{m.durations, m.results, m.violations} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Observe records a service operation outcome.
func (m *PrometheusMetrics) Observe(_ context.Context, operation string, success bool, duration time.Duration) {
	if operation == "" {
		return
	}
	status := "error"
	if success {
		status = "success"
	}
	m.durations.WithLabelValues(operation).Observe(duration.Seconds())
	m.results.WithLabelValues(operation, status).Inc()
}

// Violation counts a guardrail finding.
func (m *PrometheusMetrics) Violation(code string, severity domain.Severity) {
	m.violations.WithLabelValues(code, string(severity)).Inc()
}
