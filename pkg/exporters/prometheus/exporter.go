// Package prometheus records SSH monitor measurements as Prometheus metrics
// and optionally serves them over HTTP.
package prometheus

import (
	"fmt"
	"net"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/supporttools/ssh-monitor/pkg/monitors"
	"github.com/supporttools/ssh-monitor/pkg/types"
)

// Exporter implements monitors.Recorder on a private registry.
type Exporter struct {
	config    *types.PrometheusExporterConfig
	registry  *prometheus.Registry
	metrics   *Metrics
	startTime time.Time

	mu      sync.Mutex
	server  *http.Server
	addr    net.Addr
	started bool
}

var _ monitors.Recorder = (*Exporter)(nil)

// NewExporter creates an exporter. The HTTP endpoint is not started until
// Start is called, so an exporter can also be used purely as a Recorder.
func NewExporter(config *types.PrometheusExporterConfig, version string) (*Exporter, error) {
	if config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}

	cfg := *config
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	registry := NewRegistry()
	metrics, err := NewMetrics(cfg.Namespace, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics: %w", err)
	}
	if err := metrics.Register(registry); err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}

	e := &Exporter{
		config:    &cfg,
		registry:  registry,
		metrics:   metrics,
		startTime: time.Now(),
	}

	if version == "" {
		version = "unknown"
	}
	metrics.Info.WithLabelValues(version, runtime.Version()).Set(1)
	metrics.StartTimeSeconds.Set(float64(e.startTime.Unix()))

	return e, nil
}

// Registry returns the registry holding the exporter's metrics.
func (e *Exporter) Registry() *prometheus.Registry {
	return e.registry
}

// Metrics returns the metric vectors.
func (e *Exporter) Metrics() *Metrics {
	return e.metrics
}

// Handler returns an http.Handler serving the metrics path and /health.
func (e *Exporter) Handler() http.Handler {
	return newHandler(e.config.Path, e.registry)
}

// Start serves the metrics endpoint on the configured address.
func (e *Exporter) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.started {
		return fmt.Errorf("prometheus exporter already started")
	}

	server, addr, err := startHTTPServer(e.config.Address, e.config.Path, e.registry)
	if err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}

	e.server = server
	e.addr = addr
	e.started = true
	return nil
}

// Addr returns the bound address, or nil when not started.
func (e *Exporter) Addr() net.Addr {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.addr
}

// Stop shuts the HTTP server down. It is a no-op when not started.
func (e *Exporter) Stop() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.started {
		return nil
	}

	err := shutdownServer(e.server, 30*time.Second)
	e.server = nil
	e.addr = nil
	e.started = false
	return err
}

// ObserveCommand implements monitors.Recorder.
func (e *Exporter) ObserveCommand(monitor, kind, result string, duration time.Duration) {
	e.metrics.CommandDuration.WithLabelValues(monitor, kind).Observe(duration.Seconds())

	if kind == "restart" {
		e.metrics.RestartsTotal.WithLabelValues(monitor, result).Inc()
		return
	}
	e.metrics.LivenessChecksTotal.WithLabelValues(monitor, kind, result).Inc()
}

// ObserveConnect implements monitors.Recorder.
func (e *Exporter) ObserveConnect(monitor string, ok bool) {
	result := "success"
	if !ok {
		result = "error"
	}
	e.metrics.ConnectionsTotal.WithLabelValues(monitor, result).Inc()
}

// SetTargetUp implements monitors.Recorder.
func (e *Exporter) SetTargetUp(monitor string, up bool) {
	v := 0.0
	if up {
		v = 1
	}
	e.metrics.TargetUp.WithLabelValues(monitor).Set(v)
}

// ObservePreTestWait implements monitors.Recorder.
func (e *Exporter) ObservePreTestWait(monitor string, duration time.Duration, attempts int) {
	e.metrics.PreTestWaitSeconds.WithLabelValues(monitor).Observe(duration.Seconds())
	e.metrics.PreTestAttempts.WithLabelValues(monitor).Observe(float64(attempts))
}
