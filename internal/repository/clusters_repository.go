package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/trendscope/trendscope/internal/models"
)

// ErrClusterNotFound is returned when no cluster row exists for the given id.
var ErrClusterNotFound = errors.New("cluster not found")

// ClustersRepository reads the cluster view of the latest committed run.
type ClustersRepository struct {
	db *pgxpool.Pool
}

// NewClustersRepository creates a new clusters repository.
func NewClustersRepository(db *pgxpool.Pool) *ClustersRepository {
	return &ClustersRepository{db: db}
}

const clusterColumns = `id, label, keywords, member_ids, size, avg_trend_score, representative_video_id`

// List returns all clusters from the latest committed run, most trending first.
func (r *ClustersRepository) List(ctx context.Context) ([]models.Cluster, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+clusterColumns+` FROM clusters ORDER BY avg_trend_score DESC, id`)
	if err != nil {
		return nil, fmt.Errorf("list clusters: %w", err)
	}
	defer rows.Close()

	clusters := []models.Cluster{}
	for rows.Next() {
		var c models.Cluster
		if err := rows.Scan(
			&c.ID, &c.Label, &c.Keywords, &c.MemberIDs, &c.Size,
			&c.AvgTrendScore, &c.RepresentativeVideoID,
		); err != nil {
			return nil, fmt.Errorf("scan cluster: %w", err)
		}
		clusters = append(clusters, c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating clusters: %w", err)
	}

	return clusters, nil
}

// GetDetail returns one cluster with its full member list, highest trend score
// first.
func (r *ClustersRepository) GetDetail(ctx context.Context, id uuid.UUID) (*models.ClusterDetail, error) {
	var detail models.ClusterDetail

	err := r.db.QueryRow(ctx,
		`SELECT `+clusterColumns+` FROM clusters WHERE id = $1`, id).Scan(
		&detail.Cluster.ID, &detail.Cluster.Label, &detail.Cluster.Keywords,
		&detail.Cluster.MemberIDs, &detail.Cluster.Size,
		&detail.Cluster.AvgTrendScore, &detail.Cluster.RepresentativeVideoID,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrClusterNotFound
		}
		return nil, fmt.Errorf("get cluster: %w", err)
	}

	rows, err := r.db.Query(ctx, `
		SELECT `+prefixedVideoMetricsColumns+`
		FROM cluster_memberships cm
		INNER JOIN videos v ON v.id = cm.video_id
		LEFT JOIN video_metrics vm ON vm.video_id = cm.video_id
		WHERE cm.cluster_id = $1
		ORDER BY vm.trend_score DESC NULLS LAST, v.id`, id)
	if err != nil {
		return nil, fmt.Errorf("list cluster members: %w", err)
	}
	defer rows.Close()

	clusterID := detail.Cluster.ID
	for rows.Next() {
		member, err := scanVideoWithMetrics(rows)
		if err != nil {
			return nil, err
		}
		member.Assignment = models.VideoAssignment{
			Kind:      models.AssignmentClustered,
			ClusterID: &clusterID,
		}
		detail.Members = append(detail.Members, *member)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating cluster members: %w", err)
	}

	return &detail, nil
}

// GetVideoDetail returns one video with its metrics and cluster assignment:
// a cluster id, a duplicate-of reference, or unclustered.
func (r *ClustersRepository) GetVideoDetail(ctx context.Context, videoID string) (*models.VideoDetail, error) {
	row := r.db.QueryRow(ctx, `
		SELECT `+prefixedVideoMetricsColumns+`
		FROM videos v
		LEFT JOIN video_metrics vm ON vm.video_id = v.id
		WHERE v.id = $1`, videoID)

	detail, err := scanVideoWithMetrics(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrVideoNotFound
		}
		return nil, err
	}

	var clusterID uuid.UUID
	err = r.db.QueryRow(ctx,
		`SELECT cluster_id FROM cluster_memberships WHERE video_id = $1`, videoID).Scan(&clusterID)
	if err == nil {
		detail.Assignment = models.VideoAssignment{
			Kind:      models.AssignmentClustered,
			ClusterID: &clusterID,
		}
		return detail, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("get cluster membership: %w", err)
	}

	var primaryID string
	err = r.db.QueryRow(ctx, `
		SELECT primary_video_id FROM duplicate_groups
		WHERE $1 = ANY(member_ids) AND primary_video_id != $1`, videoID).Scan(&primaryID)
	if err == nil {
		detail.Assignment = models.VideoAssignment{
			Kind:           models.AssignmentDuplicate,
			PrimaryVideoID: &primaryID,
		}
		return detail, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("get duplicate group: %w", err)
	}

	detail.Assignment = models.VideoAssignment{Kind: models.AssignmentUnclustered}

	return detail, nil
}

const prefixedVideoMetricsColumns = `
	v.id, v.title, v.description, v.category, v.channel_id, v.published_at,
	v.view_count, v.like_count, v.comment_count, v.ingested_at,
	vm.views_per_hour, vm.engagement_rate, vm.freshness_score, vm.peer_group,
	vm.peer_avg_velocity, vm.peer_std_velocity, vm.normalized_velocity,
	vm.trend_score, vm.degraded, vm.computed_at`

// scanVideoWithMetrics scans a videos row left-joined with video_metrics.
// The metrics side is nil when the video has not been through a run yet.
func scanVideoWithMetrics(row pgx.Row) (*models.VideoDetail, error) {
	var (
		detail       models.VideoDetail
		viewsPerHour *float64
		engagement   *float64
		freshness    *float64
		peerGroup    *string
		peerAvg      *float64
		peerStd      *float64
		normVelocity *float64
		trendScore   *float64
		degraded     *bool
		computedAt   *time.Time
	)

	v := &detail.Record
	err := row.Scan(
		&v.ID, &v.Title, &v.Description, &v.Category, &v.ChannelID, &v.PublishedAt,
		&v.ViewCount, &v.LikeCount, &v.CommentCount, &v.IngestedAt,
		&viewsPerHour, &engagement, &freshness, &peerGroup,
		&peerAvg, &peerStd, &normVelocity, &trendScore, &degraded, &computedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan video detail: %w", err)
	}

	if trendScore == nil {
		return &detail, nil
	}

	key, err := models.ParsePeerGroupKey(*peerGroup)
	if err != nil {
		return nil, fmt.Errorf("parse peer group: %w", err)
	}

	metrics := models.VideoMetrics{
		VideoID:            v.ID,
		ViewsPerHour:       *viewsPerHour,
		EngagementRate:     *engagement,
		FreshnessScore:     *freshness,
		PeerGroup:          key,
		PeerAvgVelocity:    *peerAvg,
		PeerStdVelocity:    *peerStd,
		NormalizedVelocity: *normVelocity,
		TrendScore:         *trendScore,
		Degraded:           *degraded,
		ComputedAt:         *computedAt,
	}
	detail.Metrics = &metrics

	return &detail, nil
}
