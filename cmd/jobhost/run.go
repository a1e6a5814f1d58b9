package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/oriys/jobhost/internal/host"
	"github.com/oriys/jobhost/internal/logging"
	"github.com/oriys/jobhost/internal/metrics"
	"github.com/oriys/jobhost/internal/observability"
	"github.com/spf13/cobra"
)

func runCmd() *cobra.Command {
	var httpAddr string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start listeners for every triggered function",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if httpAddr != "" {
				cfg.Daemon.HTTPAddr = httpAddr
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if err := observability.Init(ctx, cfg.Observability); err != nil {
				return err
			}
			if cfg.Metrics.Enabled {
				metrics.InitPrometheus(cfg.Metrics.Namespace, cfg.Metrics.Buckets)
			}

			h, err := newHost(cfg)
			if err != nil {
				return err
			}
			for _, err := range h.IndexErrors() {
				logging.Op().Error("function not hosted", "error", err)
			}
			if err := h.Start(ctx); err != nil {
				return err
			}

			var httpServer *http.Server
			if cfg.Daemon.HTTPAddr != "" {
				httpServer = &http.Server{
					Addr:              cfg.Daemon.HTTPAddr,
					Handler:           observability.HTTPMiddleware(adminMux(h)),
					ReadHeaderTimeout: 10 * time.Second,
				}
				go func() {
					logging.Op().Info("admin endpoint listening", "addr", cfg.Daemon.HTTPAddr)
					if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
						logging.Op().Error("admin endpoint failed", "error", err)
					}
				}()
			}

			<-ctx.Done()
			logging.Op().Info("shutting down")

			shutdownCtx, cancel := context.WithTimeout(context.Background(), h.ShutdownTimeout())
			defer cancel()
			if httpServer != nil {
				httpServer.Shutdown(shutdownCtx)
			}
			if err := h.Stop(shutdownCtx); err != nil {
				logging.Op().Warn("host stop", "error", err)
			}
			return observability.Shutdown(shutdownCtx)
		},
	}

	cmd.Flags().StringVar(&httpAddr, "http", "", "Admin HTTP address (overrides config)")
	return cmd
}

// adminMux serves /metrics, /healthz, /stats, /functions and /instances.
func adminMux(h *host.JobHost) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", metrics.PrometheusHandler())
	mux.Handle("GET /stats", metrics.Global().JSONHandler())
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		status := http.StatusOK
		if !h.Healthy() {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, map[string]any{"healthy": status == http.StatusOK, "listeners": h.Listeners()})
	})
	mux.HandleFunc("GET /functions", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, h.Functions())
	})
	mux.HandleFunc("GET /instances", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, h.Instances().Recent(r.URL.Query().Get("function"), 50))
	})
	mux.HandleFunc("POST /instances/{id}/replay", func(w http.ResponseWriter, r *http.Request) {
		inst, err := h.ReplayByID(r.Context(), r.PathValue("id"))
		if inst == nil && err != nil {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, inst)
	})
	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		logging.Op().Warn("write response", "error", err)
	}
}
