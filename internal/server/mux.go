// Package server provides HTTP server construction for chat-sync.
package server

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/alexjbarnes/chat-sync/internal/auth"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Health is the status reported on /healthz.
type Health struct {
	State string `json:"state"`
	Ready bool   `json:"ready"`
}

// MuxConfig holds dependencies for building the HTTP mux.
type MuxConfig struct {
	Store      *auth.Store
	MCPHandler http.Handler
	Gatherer   prometheus.Gatherer
	Health     func() Health
	Logger     *slog.Logger
}

// NewMux builds the HTTP mux with the MCP, metrics and health endpoints.
// Only the MCP endpoint is protected by API key middleware.
func NewMux(cfg MuxConfig) *http.ServeMux {
	mux := http.NewServeMux()

	authMiddleware := auth.Middleware(cfg.Store, cfg.Logger)
	mux.Handle("/mcp", authMiddleware(cfg.MCPHandler))

	mux.Handle("GET /metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("GET /healthz", healthHandler(cfg.Health))

	return mux
}

// healthHandler answers 200 while the session is ready for commands and
// 503 otherwise, with the state in the body either way.
func healthHandler(health func() Health) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		h := health()

		w.Header().Set("Content-Type", "application/json")

		if !h.Ready {
			w.WriteHeader(http.StatusServiceUnavailable)
		}

		_ = json.NewEncoder(w).Encode(h)
	}
}
