package main

import (
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	openai "github.com/sashabaranov/go-openai"

	"github.com/trendscope/trendscope/internal/config"
	"github.com/trendscope/trendscope/internal/embeddings"
	"github.com/trendscope/trendscope/internal/features"
	"github.com/trendscope/trendscope/internal/observability"
	"github.com/trendscope/trendscope/internal/repository"
	"github.com/trendscope/trendscope/internal/service"
)

// buildPipeline wires the pipeline stages against the database and the
// embedding model host. Without an API key a deterministic mock client is
// used so local runs work end to end.
func buildPipeline(cfg *config.Config, db *pgxpool.Pool, metrics observability.PipelineMetrics) *service.Pipeline {
	var client embeddings.Client
	if cfg.OpenAIAPIKey != "" {
		client = embeddings.NewOpenAIClientWithModel(cfg.OpenAIAPIKey, openai.EmbeddingModel(cfg.EmbeddingModel))
		slog.Info("embedding client configured", "model", cfg.EmbeddingModel)
	} else {
		client = embeddings.NewMockClientWithDimensions(cfg.EmbeddingDimensions)
		slog.Warn("OPENAI_API_KEY not set, using deterministic mock embeddings")
	}

	embedder := service.NewEmbedStage(service.EmbedStageParams{
		Client:         client,
		Model:          cfg.EmbeddingModel,
		Workers:        cfg.EmbeddingWorkers,
		BatchSize:      cfg.EmbeddingBatchSize,
		RateLimit:      cfg.EmbeddingRateLimit,
		RequestTimeout: cfg.EmbeddingRequestTimeout,
		TextBudget:     cfg.EmbeddingTextBudget,
		CacheSize:      cfg.EmbeddingCacheSize,
		Metrics:        metrics,
	})

	return service.NewPipeline(service.PipelineParams{
		Source:       repository.NewVideosRepository(db),
		Store:        repository.NewStateRepository(db),
		Calculator:   features.NewCalculator(cfg),
		Embedder:     embedder,
		Deduplicator: service.NewDeduplicator(cfg.DedupThreshold),
		Clusterer:    service.NewClusterer(cfg.ClusterEps, cfg.ClusterMinSamples),
		MinSamples:   cfg.ClusterMinSamples,
		BatchTimeout: cfg.BatchTimeout,
		Metrics:      metrics,
	})
}
