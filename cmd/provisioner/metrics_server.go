package main

import (
	"context"
	"net/http"
	"time"

	"github.com/cmux/provisioner/internal/logging"
	"github.com/cmux/provisioner/internal/metrics"
)

// metricsHandle wraps the optional Prometheus scrape endpoint a run
// exposes for its duration, grounded in cmd/nova/main.go daemon.go's
// startHTTPServer/graceful-shutdown pattern, scaled down to the one
// /metrics route this CLI needs.
type metricsHandle struct {
	server *http.Server
}

func startMetricsServer(addr string) *metricsHandle {
	if addr == "" {
		return &metricsHandle{}
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.PrometheusHandler())

	server := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Op().Warn("metrics server stopped", "error", err)
		}
	}()
	logging.Op().Info("provisioner: metrics server started", "addr", addr)

	return &metricsHandle{server: server}
}

func (h *metricsHandle) Shutdown(ctx context.Context) {
	if h.server == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	_ = h.server.Shutdown(ctx)
}
