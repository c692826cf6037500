package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/brunobiangulo/docgraph"
	"github.com/brunobiangulo/docgraph/metrics"
)

func main() {
	configPath := flag.String("config", "", "Path to config file (YAML)")
	addr := flag.String("addr", ":8080", "Listen address")
	flag.Parse()

	cfg, err := docgraph.LoadConfig(*configPath)
	if err != nil {
		slog.Error("loading config", "error", err)
		os.Exit(1)
	}

	// Structured JSON logging.
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel(cfg.LogLevel),
	})))

	apiKey := os.Getenv("DOCGRAPH_SERVER_API_KEY")
	corsOrigins := os.Getenv("DOCGRAPH_CORS_ORIGINS")

	collector := metrics.NewCollector()

	ctx := context.Background()
	p, err := docgraph.New(ctx, cfg, docgraph.WithMetrics(collector))
	if err != nil {
		slog.Error("creating pipeline", "error", err)
		os.Exit(1)
	}
	defer p.Close(ctx)

	var runs runLog
	if j := p.Journal(); j != nil {
		runs = j
	}

	srv := &http.Server{
		Addr:         *addr,
		Handler:      newRouter(newHandler(p, runs), apiKey, corsOrigins, collector),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // ingest can take minutes
		IdleTimeout:  120 * time.Second,
	}

	// Graceful shutdown on SIGTERM/SIGINT.
	done := make(chan os.Signal, 1)
	signal.Notify(done, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		slog.Info("server starting", "addr", *addr, "mode", cfg.Mode, "dry_run", cfg.DryRun)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-done
	slog.Info("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}

	slog.Info("server stopped")
}

// newRouter wires the routes behind the middleware chain
// recovery -> cors -> request id -> auth -> metrics -> logging.
func newRouter(h *handler, apiKey, corsOrigins string, m *metrics.Collector) http.Handler {
	r := chi.NewRouter()
	r.Use(recoveryMiddleware)
	r.Use(corsMiddleware(corsOrigins))
	r.Use(middleware.RequestID)
	r.Use(authMiddleware(apiKey))
	r.Use(metricsMiddleware(m))
	r.Use(logMiddleware)

	r.Post("/ingest", h.handleIngest)
	r.Post("/apply", h.handleApply)
	r.Get("/runs", h.handleRuns)
	r.Get("/runs/{id}", h.handleRun)
	r.Get("/runs/{id}/rejected", h.handleRejected)
	r.Get("/report", h.handleReport)
	r.Get("/health", h.handleHealth)
	if m != nil {
		r.Method(http.MethodGet, "/metrics", m.Handler())
	}
	return r
}

func logLevel(s string) slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return l
}
