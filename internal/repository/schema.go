// Package repository provides Postgres data access for video records and the
// derived state produced by pipeline runs.
package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
)

// Execer is the common statement surface of pgx connections and pools. Schema
// bootstrap runs on a plain connection before the typed pool exists, since
// pgvector type registration requires the extension to be in place first.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// schemaTemplate is the full schema. The embedding column dimension is bound
// at bootstrap from EMBEDDING_DIMENSIONS; changing the model dimension
// requires a new table.
const schemaTemplate = `
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS videos (
    id            TEXT PRIMARY KEY,
    title         TEXT NOT NULL,
    description   TEXT,
    category      TEXT NOT NULL,
    channel_id    TEXT NOT NULL,
    published_at  TIMESTAMPTZ NOT NULL,
    view_count    BIGINT,
    like_count    BIGINT,
    comment_count BIGINT,
    ingested_at   TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_videos_category_published ON videos(category, published_at);

CREATE TABLE IF NOT EXISTS video_metrics (
    video_id            TEXT PRIMARY KEY REFERENCES videos(id) ON DELETE CASCADE,
    views_per_hour      DOUBLE PRECISION NOT NULL,
    engagement_rate     DOUBLE PRECISION NOT NULL,
    freshness_score     DOUBLE PRECISION NOT NULL,
    peer_group          TEXT NOT NULL,
    peer_avg_velocity   DOUBLE PRECISION NOT NULL,
    peer_std_velocity   DOUBLE PRECISION NOT NULL,
    normalized_velocity DOUBLE PRECISION NOT NULL,
    trend_score         DOUBLE PRECISION NOT NULL,
    degraded            BOOLEAN NOT NULL DEFAULT FALSE,
    computed_at         TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_video_metrics_trend ON video_metrics(trend_score DESC);

CREATE TABLE IF NOT EXISTS video_embeddings (
    video_id   TEXT PRIMARY KEY REFERENCES videos(id) ON DELETE CASCADE,
    embedding  vector(%d) NOT NULL,
    model      TEXT NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS duplicate_groups (
    primary_video_id TEXT PRIMARY KEY REFERENCES videos(id) ON DELETE CASCADE,
    member_ids       TEXT[] NOT NULL,
    max_similarity   DOUBLE PRECISION NOT NULL
);

CREATE TABLE IF NOT EXISTS clusters (
    id                      UUID PRIMARY KEY,
    label                   TEXT NOT NULL,
    keywords                TEXT[] NOT NULL DEFAULT '{}',
    member_ids              TEXT[] NOT NULL,
    size                    INT NOT NULL,
    avg_trend_score         DOUBLE PRECISION NOT NULL,
    representative_video_id TEXT NOT NULL REFERENCES videos(id)
);

CREATE INDEX IF NOT EXISTS idx_clusters_avg_trend ON clusters(avg_trend_score DESC);

CREATE TABLE IF NOT EXISTS cluster_memberships (
    video_id   TEXT PRIMARY KEY REFERENCES videos(id) ON DELETE CASCADE,
    cluster_id UUID NOT NULL REFERENCES clusters(id) ON DELETE CASCADE,
    distance   DOUBLE PRECISION NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_cluster_memberships_cluster ON cluster_memberships(cluster_id);

CREATE TABLE IF NOT EXISTS pipeline_runs (
    id          UUID PRIMARY KEY,
    started_at  TIMESTAMPTZ NOT NULL,
    finished_at TIMESTAMPTZ NOT NULL,
    status      TEXT NOT NULL,
    reason      TEXT NOT NULL,
    report      JSONB NOT NULL DEFAULT '{}'
);

CREATE INDEX IF NOT EXISTS idx_pipeline_runs_started ON pipeline_runs(started_at DESC);
`

// EnsureSchema creates the extension, tables, and indexes if they do not
// exist. embeddingDimensions fixes the pgvector column width.
func EnsureSchema(ctx context.Context, db Execer, embeddingDimensions int) error {
	if embeddingDimensions <= 0 {
		return fmt.Errorf("invalid embedding dimensions: %d", embeddingDimensions)
	}

	if _, err := db.Exec(ctx, fmt.Sprintf(schemaTemplate, embeddingDimensions)); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}

	return nil
}
