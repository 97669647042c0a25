package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"github.com/trendscope/trendscope/internal/models"
)

// derivedStateLockID is the advisory lock key serializing derived-state
// replacement. Concurrent Replace calls queue on it instead of deadlocking on
// row locks.
const derivedStateLockID int64 = 874_201_553

// ErrNoRuns is returned when no pipeline run has been recorded yet.
var ErrNoRuns = errors.New("no pipeline runs recorded")

// StateRepository commits and reads the derived state of pipeline runs.
type StateRepository struct {
	db *pgxpool.Pool
}

// NewStateRepository creates a new derived-state repository.
func NewStateRepository(db *pgxpool.Pool) *StateRepository {
	return &StateRepository{db: db}
}

// Replace swaps the previous run's derived state for the given one in a single
// transaction: metrics, embeddings, duplicate groups, clusters, memberships,
// and the run bookkeeping row. Readers never observe a partially replaced
// state; on error the transaction rolls back and the prior state stays
// authoritative.
func (r *StateRepository) Replace(ctx context.Context, state *models.DerivedState) error {
	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("begin replace tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, derivedStateLockID); err != nil {
		return fmt.Errorf("acquire state lock: %w", err)
	}

	// Memberships reference clusters, so deletion order is the reverse of
	// insertion order.
	for _, table := range []string{
		"cluster_memberships", "clusters", "duplicate_groups", "video_embeddings", "video_metrics",
	} {
		if _, err := tx.Exec(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("clear %s: %w", table, err)
		}
	}

	batch := &pgx.Batch{}
	queueDerivedInserts(batch, state)

	report, err := json.Marshal(state.Run.Report)
	if err != nil {
		return fmt.Errorf("marshal run report: %w", err)
	}
	batch.Queue(`
		INSERT INTO pipeline_runs (id, started_at, finished_at, status, reason, report)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		state.Run.ID, state.Run.StartedAt, state.Run.FinishedAt,
		string(state.Run.Status), string(state.Run.Reason), report,
	)

	br := tx.SendBatch(ctx, batch)
	for i := 0; i < batch.Len(); i++ {
		if _, err := br.Exec(); err != nil {
			br.Close()
			return fmt.Errorf("insert derived state: %w", err)
		}
	}
	if err := br.Close(); err != nil {
		return fmt.Errorf("close insert batch: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit derived state: %w", err)
	}

	return nil
}

func queueDerivedInserts(batch *pgx.Batch, state *models.DerivedState) {
	for i := range state.Metrics {
		m := &state.Metrics[i]
		batch.Queue(`
			INSERT INTO video_metrics (video_id, views_per_hour, engagement_rate, freshness_score,
				peer_group, peer_avg_velocity, peer_std_velocity, normalized_velocity,
				trend_score, degraded, computed_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
			m.VideoID, m.ViewsPerHour, m.EngagementRate, m.FreshnessScore,
			m.PeerGroup.String(), m.PeerAvgVelocity, m.PeerStdVelocity, m.NormalizedVelocity,
			m.TrendScore, m.Degraded, m.ComputedAt,
		)
	}

	for i := range state.Embeddings {
		e := &state.Embeddings[i]
		batch.Queue(`
			INSERT INTO video_embeddings (video_id, embedding, model)
			VALUES ($1, $2, $3)`,
			e.VideoID, pgvector.NewVector(e.Vector), e.Model,
		)
	}

	for i := range state.DuplicateGroups {
		g := &state.DuplicateGroups[i]
		batch.Queue(`
			INSERT INTO duplicate_groups (primary_video_id, member_ids, max_similarity)
			VALUES ($1, $2, $3)`,
			g.PrimaryVideoID, g.MemberIDs, g.MaxSimilarity,
		)
	}

	for i := range state.Clusters {
		c := &state.Clusters[i]
		batch.Queue(`
			INSERT INTO clusters (id, label, keywords, member_ids, size, avg_trend_score, representative_video_id)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			c.ID, c.Label, c.Keywords, c.MemberIDs, c.Size, c.AvgTrendScore, c.RepresentativeVideoID,
		)
	}

	for i := range state.Memberships {
		m := &state.Memberships[i]
		batch.Queue(`
			INSERT INTO cluster_memberships (video_id, cluster_id, distance)
			VALUES ($1, $2, $3)`,
			m.VideoID, m.ClusterID, m.Distance,
		)
	}
}

// LatestRun returns the most recent pipeline run, including failed ones, so
// consumers can distinguish "empty because nothing trends" from "empty because
// the last run failed".
func (r *StateRepository) LatestRun(ctx context.Context) (*models.PipelineRun, error) {
	var (
		run    models.PipelineRun
		status string
		reason string
		report []byte
	)

	err := r.db.QueryRow(ctx, `
		SELECT id, started_at, finished_at, status, reason, report
		FROM pipeline_runs
		ORDER BY started_at DESC
		LIMIT 1`,
	).Scan(&run.ID, &run.StartedAt, &run.FinishedAt, &status, &reason, &report)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNoRuns
		}
		return nil, fmt.Errorf("latest run: %w", err)
	}

	run.Status = models.RunStatus(status)
	run.Reason = models.ReasonCode(reason)
	if err := json.Unmarshal(report, &run.Report); err != nil {
		return nil, fmt.Errorf("unmarshal run report: %w", err)
	}

	return &run, nil
}
