package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/trendscope/trendscope/internal/models"
)

// ErrVideoNotFound is returned when no video row exists for the given id.
var ErrVideoNotFound = errors.New("video not found")

// VideosRepository handles data access for the videos table. Video rows are
// written by ingestion and read as an immutable snapshot by the pipeline.
type VideosRepository struct {
	db *pgxpool.Pool
}

// NewVideosRepository creates a new videos repository.
func NewVideosRepository(db *pgxpool.Pool) *VideosRepository {
	return &VideosRepository{db: db}
}

const videoColumns = `id, title, description, category, channel_id, published_at,
	view_count, like_count, comment_count, ingested_at`

// UpsertBatch inserts or updates ingested video rows. On conflict the counters
// and ingested_at are refreshed; identity fields keep the latest values too
// since sources may correct titles after first publish.
func (r *VideosRepository) UpsertBatch(ctx context.Context, records []models.VideoRecord) error {
	if len(records) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for i := range records {
		v := &records[i]
		batch.Queue(`
			INSERT INTO videos (`+videoColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			ON CONFLICT (id) DO UPDATE SET
				title = EXCLUDED.title,
				description = EXCLUDED.description,
				category = EXCLUDED.category,
				channel_id = EXCLUDED.channel_id,
				published_at = EXCLUDED.published_at,
				view_count = EXCLUDED.view_count,
				like_count = EXCLUDED.like_count,
				comment_count = EXCLUDED.comment_count,
				ingested_at = EXCLUDED.ingested_at`,
			v.ID, v.Title, v.Description, v.Category, v.ChannelID, v.PublishedAt,
			v.ViewCount, v.LikeCount, v.CommentCount, v.IngestedAt,
		)
	}

	br := r.db.SendBatch(ctx, batch)
	defer br.Close()

	for range records {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("videos upsert: %w", err)
		}
	}

	return nil
}

// Snapshot returns all ingested videos ordered by id. The pipeline treats the
// result as the frozen input for one run.
func (r *VideosRepository) Snapshot(ctx context.Context) ([]models.VideoRecord, error) {
	rows, err := r.db.Query(ctx, `SELECT `+videoColumns+` FROM videos ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("snapshot videos: %w", err)
	}
	defer rows.Close()

	var records []models.VideoRecord

	for rows.Next() {
		var v models.VideoRecord
		if err := rows.Scan(
			&v.ID, &v.Title, &v.Description, &v.Category, &v.ChannelID, &v.PublishedAt,
			&v.ViewCount, &v.LikeCount, &v.CommentCount, &v.IngestedAt,
		); err != nil {
			return nil, fmt.Errorf("scan video: %w", err)
		}
		records = append(records, v)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating videos: %w", err)
	}

	return records, nil
}

// GetByID retrieves a single video record.
func (r *VideosRepository) GetByID(ctx context.Context, id string) (*models.VideoRecord, error) {
	var v models.VideoRecord

	err := r.db.QueryRow(ctx, `SELECT `+videoColumns+` FROM videos WHERE id = $1`, id).Scan(
		&v.ID, &v.Title, &v.Description, &v.Category, &v.ChannelID, &v.PublishedAt,
		&v.ViewCount, &v.LikeCount, &v.CommentCount, &v.IngestedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrVideoNotFound
		}
		return nil, fmt.Errorf("get video: %w", err)
	}

	return &v, nil
}
