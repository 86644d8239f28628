package bootstrap

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/target/jobcoord/internal/observability/prom"
)

// HealthCheck reports whether one dependency is reachable.
type HealthCheck func(ctx context.Context) error

// OpsServerConfig contains configuration for the operations server.
type OpsServerConfig struct {
	Addr     string
	Registry *prometheus.Registry // nil serves the default gatherer
	Checks   map[string]HealthCheck
	Logger   *slog.Logger
}

type healthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// NewOpsHandler serves /metrics and /healthz.
func NewOpsHandler(cfg *OpsServerConfig) http.Handler {
	mux := http.NewServeMux()
	if cfg.Registry != nil {
		mux.Handle("GET /metrics", prom.HandlerFor(cfg.Registry))
	} else {
		mux.Handle("GET /metrics", prom.Handler())
	}
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		resp := healthResponse{Status: "ok", Checks: make(map[string]string, len(cfg.Checks))}
		names := make([]string, 0, len(cfg.Checks))
		for name := range cfg.Checks {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			if err := cfg.Checks[name](ctx); err != nil {
				resp.Status = "degraded"
				resp.Checks[name] = err.Error()
				continue
			}
			resp.Checks[name] = "ok"
		}

		w.Header().Set("Content-Type", "application/json")
		if resp.Status != "ok" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(resp)
	})
	return mux
}

// StartOpsServer starts the operations server in the background.
// Returns the server instance for graceful shutdown.
func StartOpsServer(cfg *OpsServerConfig) *http.Server {
	if cfg == nil {
		return nil
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	addr := cfg.Addr
	// Guard against empty addr to avoid listening on Go default
	if addr == "" {
		addr = ":9102"
	}

	server := &http.Server{
		Addr:         addr,
		Handler:      NewOpsHandler(cfg),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("starting ops server", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("ops server failed", "error", err)
		}
	}()

	return server
}

// ShutdownOpsServer gracefully shuts down the operations server.
func ShutdownOpsServer(ctx context.Context, server *http.Server, logger *slog.Logger) error {
	if server == nil {
		return nil
	}
	if logger != nil {
		logger.Info("shutting down ops server")
	}
	if err := server.Shutdown(ctx); err != nil {
		return err
	}
	if logger != nil {
		logger.Info("ops server stopped")
	}
	return nil
}
