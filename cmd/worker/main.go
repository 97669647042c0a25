// Package main runs the pipeline on a fixed schedule with an optional
// Prometheus /metrics endpoint. This is the long-running deployment shape;
// the pipeline binary runs a single pass instead.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5"
	pgxvector "github.com/pgvector/pgvector-go/pgx"

	"github.com/trendscope/trendscope/internal/config"
	"github.com/trendscope/trendscope/internal/observability"
	"github.com/trendscope/trendscope/internal/repository"
	"github.com/trendscope/trendscope/internal/worker"
	"github.com/trendscope/trendscope/pkg/database"
)

func main() {
	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	observability.SetupLogging(cfg.LogLevel)

	// Schema bootstrap runs on a plain connection: the typed pool registers
	// pgvector types on connect, which needs the extension to exist already.
	boot, err := pgx.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	if err := repository.EnsureSchema(ctx, boot, cfg.EmbeddingDimensions); err != nil {
		slog.Error("Failed to ensure schema", "error", err)
		os.Exit(1)
	}
	if err := boot.Close(ctx); err != nil {
		slog.Warn("Failed to close bootstrap connection", "error", err)
	}

	db, err := database.NewPostgresPool(ctx, cfg.DatabaseURL,
		database.WithMaxConns(int32(cfg.DatabaseMaxConns)),
		database.WithMinConns(int32(cfg.DatabaseMinConns)),
		database.WithAfterConnect(func(ctx context.Context, conn *pgx.Conn) error {
			return pgxvector.RegisterTypes(ctx, conn)
		}))
	if err != nil {
		slog.Error("Failed to create connection pool", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	// Metrics are optional; METRICS_ADDR unset runs without the endpoint.
	var (
		metrics       observability.PipelineMetrics
		meterProvider observability.MeterProviderShutdown
		metricsServer *http.Server
	)
	if cfg.MetricsAddr != "" {
		var handler http.Handler
		meterProvider, handler, metrics, err = observability.NewMeterProvider("")
		if err != nil {
			slog.Error("Failed to initialize metrics", "error", err)
			os.Exit(1)
		}

		mux := http.NewServeMux()
		mux.Handle("GET /metrics", handler)
		mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
		})

		metricsServer = &http.Server{
			Addr:         cfg.MetricsAddr,
			Handler:      mux,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
		}

		go func() {
			slog.Info("Starting metrics server", "addr", cfg.MetricsAddr)
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				slog.Error("Metrics server error", "error", err)
				os.Exit(1)
			}
		}()
	}

	pipeline := buildPipeline(cfg, db, metrics)

	workerCtx, workerCancel := context.WithCancel(ctx)
	defer workerCancel()

	scheduler := worker.NewScheduler(pipeline, cfg.SchedulerInterval)
	go scheduler.Start(workerCtx)

	// Wait for interrupt signal to gracefully shut down
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("Shutting down...")
	workerCancel()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("Metrics server forced to shutdown", "error", err)
		}
	}
	if meterProvider != nil {
		if err := meterProvider.Shutdown(shutdownCtx); err != nil {
			slog.Error("Meter provider forced to shutdown", "error", err)
		}
	}

	slog.Info("Worker exited")
}
