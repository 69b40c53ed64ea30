package prometheus

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/supporttools/ssh-monitor/pkg/logger"
)

// newHandler builds the mux serving path and /health
func newHandler(path string, registry *prometheus.Registry) http.Handler {
	handler := promhttp.HandlerFor(registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		ErrorLog:          logger.WithField("component", "prometheus"),
		ErrorHandling:     promhttp.ContinueOnError,
	})

	mux := http.NewServeMux()
	mux.Handle(path, handler)

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy","service":"ssh-monitor"}`))
	})

	return mux
}

// startHTTPServer listens on addr and serves the metrics endpoint in the
// background. The listener is bound before returning so the actual address
// is known even for ":0".
func startHTTPServer(addr, path string, registry *prometheus.Registry) (*http.Server, net.Addr, error) {
	if registry == nil {
		return nil, nil, fmt.Errorf("registry cannot be nil")
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, nil, fmt.Errorf("listen on %s: %w", addr, err)
	}

	server := &http.Server{
		Handler:      newHandler(path, registry),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	log := logger.WithFields(logrus.Fields{"component": "prometheus", "address": ln.Addr().String()})
	go func() {
		log.Infof("Starting Prometheus metrics server on %s%s", ln.Addr(), path)
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Error("Prometheus metrics server error")
		}
	}()

	return server, ln.Addr(), nil
}

// shutdownServer gracefully shuts down the HTTP server
func shutdownServer(server *http.Server, timeout time.Duration) error {
	if server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Warnf("Prometheus server shutdown error: %v", err)
		return err
	}

	logger.Infof("Prometheus metrics server shut down")
	return nil
}
