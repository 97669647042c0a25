// Package main loads video records from a JSON file into the videos table.
// The file holds an array of video records in the wire format of the models
// package; existing rows are updated in place.
//
// Usage:
//
//	go run cmd/ingest/main.go -file videos.json
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log/slog"
	"os"
	"time"

	"github.com/trendscope/trendscope/internal/config"
	"github.com/trendscope/trendscope/internal/models"
	"github.com/trendscope/trendscope/internal/observability"
	"github.com/trendscope/trendscope/internal/repository"
	"github.com/trendscope/trendscope/pkg/database"
)

func main() {
	file := flag.String("file", "", "path to a JSON array of video records")
	flag.Parse()

	if *file == "" {
		slog.Error("-file is required")
		os.Exit(1)
	}

	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	observability.SetupLogging(cfg.LogLevel)

	data, err := os.ReadFile(*file)
	if err != nil {
		slog.Error("Failed to read input file", "error", err)
		os.Exit(1)
	}

	var records []models.VideoRecord
	if err := json.Unmarshal(data, &records); err != nil {
		slog.Error("Failed to parse input file", "error", err)
		os.Exit(1)
	}

	now := time.Now().UTC()
	for i := range records {
		if records[i].IngestedAt.IsZero() {
			records[i].IngestedAt = now
		}
	}

	db, err := database.NewPostgresPool(ctx, cfg.DatabaseURL,
		database.WithMaxConns(int32(cfg.DatabaseMaxConns)))
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	if err := repository.EnsureSchema(ctx, db, cfg.EmbeddingDimensions); err != nil {
		slog.Error("Failed to ensure schema", "error", err)
		os.Exit(1)
	}

	if err := repository.NewVideosRepository(db).UpsertBatch(ctx, records); err != nil {
		slog.Error("Failed to upsert video records", "error", err)
		os.Exit(1)
	}

	slog.Info("Ingest complete", "records", len(records))
}
