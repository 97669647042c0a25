// Package main runs one pipeline pass over the current video snapshot and
// exits. Intended for cron-style operation and local debugging; the worker
// binary runs the same pipeline on a schedule.
//
// Environment variables:
//   - DATABASE_URL: PostgreSQL connection string (required)
//   - OPENAI_API_KEY: OpenAI API key (deterministic mock embeddings when unset)
package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/jackc/pgx/v5"
	pgxvector "github.com/pgvector/pgvector-go/pgx"

	"github.com/trendscope/trendscope/internal/config"
	"github.com/trendscope/trendscope/internal/observability"
	"github.com/trendscope/trendscope/internal/repository"
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

	pipeline := buildPipeline(cfg, db, nil)

	run, err := pipeline.Run(ctx)
	if err != nil {
		// Already logged with reason; signal failure to the invoking cron.
		os.Exit(1)
	}

	slog.Info("run complete",
		"run_id", run.ID,
		"status", run.Status,
		"reason", run.Reason,
		"records", run.Report.Records,
		"clusters", run.Report.Clusters,
	)
}
