package commands

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/luciancaetano/relaynet/internal/broker"
	"github.com/luciancaetano/relaynet/internal/websocket"
)

// newMetrics registers broker collectors on a fresh registry.
func newMetrics() (*prometheus.Registry, *broker.Metrics, error) {
	reg := prometheus.NewRegistry()
	metrics := broker.NewMetrics(reg)
	if err := metrics.Register(); err != nil {
		return nil, nil, fmt.Errorf("register metrics: %w", err)
	}
	return reg, metrics, nil
}

// startMetrics serves /metrics on addr until ctx is done. An empty addr
// disables it.
func startMetrics(ctx context.Context, addr string, reg *prometheus.Registry, logger zerolog.Logger) (*websocket.Server, error) {
	if addr == "" {
		return nil, nil
	}

	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))

	srv := websocket.NewServer(addr, mux, logger)
	if err := srv.Start(ctx); err != nil {
		return nil, fmt.Errorf("start metrics server: %w", err)
	}
	return srv, nil
}
