package observability

import (
	"context"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// MetricsServer exposes the Prometheus scrape endpoint alongside liveness
// and readiness probes.
type MetricsServer struct {
	logger *zap.Logger
	server *http.Server
	ready  atomic.Bool
}

// NewMetricsServer wires /metrics, /health and /ready on addr.
func NewMetricsServer(addr string, logger *zap.Logger) *MetricsServer {
	ms := &MetricsServer{logger: logger}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	mux.HandleFunc("/ready", ms.handleReady)

	ms.server = &http.Server{Addr: addr, Handler: mux}
	return ms
}

// Start begins serving in the background. A clean shutdown through Stop is
// not reported as an error.
func (ms *MetricsServer) Start() error {
	ms.logger.Info("Starting metrics server", zap.String("address", ms.server.Addr))

	go func() {
		if err := ms.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			ms.logger.Error("Metrics server error", zap.Error(err))
		}
	}()
	return nil
}

// Stop drains in-flight scrapes and closes the listener. The readiness
// probe reports unavailable as soon as shutdown begins.
func (ms *MetricsServer) Stop(ctx context.Context) error {
	ms.logger.Info("Stopping metrics server")
	ms.ready.Store(false)

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := ms.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown metrics server: %w", err)
	}
	return nil
}

// SetReady flips the /ready probe. The orchestrator marks the process
// ready once storage is migrated and every component is running.
func (ms *MetricsServer) SetReady(ready bool) {
	ms.ready.Store(ready)
}

func (ms *MetricsServer) handleReady(w http.ResponseWriter, _ *http.Request) {
	if !ms.ready.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("NOT READY"))
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("READY"))
}
