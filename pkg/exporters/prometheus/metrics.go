package prometheus

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics contains all the Prometheus metrics recorded by the SSH monitor
type Metrics struct {
	// Counter metrics
	LivenessChecksTotal *prometheus.CounterVec
	RestartsTotal       *prometheus.CounterVec
	ConnectionsTotal    *prometheus.CounterVec

	// Gauge metrics
	TargetUp         *prometheus.GaugeVec
	Info             *prometheus.GaugeVec
	StartTimeSeconds prometheus.Gauge

	// Histogram metrics
	CommandDuration    *prometheus.HistogramVec
	PreTestWaitSeconds *prometheus.HistogramVec
	PreTestAttempts    *prometheus.HistogramVec
}

// NewMetrics creates a new Metrics instance with all metric definitions
func NewMetrics(namespace string, constLabels prometheus.Labels) (*Metrics, error) {
	if namespace == "" {
		namespace = "ssh_monitor"
	}
	if !isValidMetricName(namespace) {
		return nil, fmt.Errorf("invalid namespace: %s", namespace)
	}

	labels := make(prometheus.Labels)
	for k, v := range constLabels {
		labels[k] = v
	}

	m := &Metrics{
		LivenessChecksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace:   namespace,
				Name:        "liveness_checks_total",
				Help:        "Total number of liveness status commands run against targets",
				ConstLabels: labels,
			},
			[]string{"monitor", "command", "result"},
		),

		RestartsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace:   namespace,
				Name:        "restarts_total",
				Help:        "Total number of restart commands issued to targets",
				ConstLabels: labels,
			},
			[]string{"monitor", "result"},
		),

		ConnectionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace:   namespace,
				Name:        "connections_total",
				Help:        "Total number of SSH connection attempts",
				ConstLabels: labels,
			},
			[]string{"monitor", "result"},
		),

		TargetUp: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace:   namespace,
				Name:        "target_up",
				Help:        "Whether the latest liveness check succeeded (1 = up, 0 = down)",
				ConstLabels: labels,
			},
			[]string{"monitor"},
		),

		Info: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace:   namespace,
				Name:        "info",
				Help:        "SSH monitor version and build information",
				ConstLabels: labels,
			},
			[]string{"version", "go_version"},
		),

		StartTimeSeconds: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace:   namespace,
				Name:        "start_time_seconds",
				Help:        "Unix timestamp when the SSH monitor was started",
				ConstLabels: labels,
			},
		),

		CommandDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace:   namespace,
				Name:        "command_duration_seconds",
				Help:        "Duration of remote commands including connection setup, in seconds",
				ConstLabels: labels,
				Buckets:     []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 15.0, 60.0},
			},
			[]string{"monitor", "command"},
		),

		PreTestWaitSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace:   namespace,
				Name:        "pretest_wait_seconds",
				Help:        "Time spent waiting for the target to come up before a test, in seconds",
				ConstLabels: labels,
				Buckets:     []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
			},
			[]string{"monitor"},
		),

		PreTestAttempts: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace:   namespace,
				Name:        "pretest_attempts",
				Help:        "Number of status commands needed before the target came up",
				ConstLabels: labels,
				Buckets:     []float64{1, 2, 3, 5, 10, 30, 60, 120},
			},
			[]string{"monitor"},
		),
	}

	return m, nil
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.LivenessChecksTotal,
		m.RestartsTotal,
		m.ConnectionsTotal,
		m.TargetUp,
		m.Info,
		m.StartTimeSeconds,
		m.CommandDuration,
		m.PreTestWaitSeconds,
		m.PreTestAttempts,
	}
}

// Register registers all metrics with the provided registry
func (m *Metrics) Register(registry *prometheus.Registry) error {
	for _, collector := range m.collectors() {
		if err := registry.Register(collector); err != nil {
			return fmt.Errorf("failed to register metric: %w", err)
		}
	}
	return nil
}

// Unregister removes all metrics from the provided registry
func (m *Metrics) Unregister(registry *prometheus.Registry) {
	for _, collector := range m.collectors() {
		registry.Unregister(collector)
	}
}

// isValidMetricName checks if a string is a valid Prometheus metric name component
func isValidMetricName(name string) bool {
	if len(name) == 0 {
		return false
	}

	for i, r := range name {
		if i == 0 {
			if !((r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || r == '_' || r == ':') {
				return false
			}
		} else {
			if !((r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_' || r == ':') {
				return false
			}
		}
	}

	return true
}
