package repository

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgxvector "github.com/pgvector/pgvector-go/pgx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/trendscope/trendscope/internal/models"
	"github.com/trendscope/trendscope/pkg/database"
)

const testEmbeddingDims = 4

var (
	testDBOnce sync.Once
	testDB     *pgxpool.Pool
	testDBErr  error
)

// testPool starts one pgvector-enabled Postgres container for the package and
// returns a pooled connection with the schema applied. The container is
// reaped by the testcontainers sidecar after the run.
func testPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping repository tests in short mode (requires docker)")
	}

	testDBOnce.Do(func() {
		ctx := context.Background()

		ctr, err := tcpostgres.Run(ctx, "pgvector/pgvector:pg17",
			tcpostgres.WithDatabase("trendscope_test"),
			tcpostgres.WithUsername("trendscope"),
			tcpostgres.WithPassword("trendscope"),
			tcpostgres.BasicWaitStrategies(),
		)
		if err != nil {
			testDBErr = err
			return
		}

		url, err := ctr.ConnectionString(ctx, "sslmode=disable")
		if err != nil {
			testDBErr = err
			return
		}

		// Bootstrap on a plain connection; the typed pool below needs the
		// vector extension to exist before it can register pgvector types.
		boot, err := pgx.Connect(ctx, url)
		if err != nil {
			testDBErr = err
			return
		}
		if err := EnsureSchema(ctx, boot, testEmbeddingDims); err != nil {
			testDBErr = err
			return
		}
		if err := boot.Close(ctx); err != nil {
			testDBErr = err
			return
		}

		testDB, testDBErr = database.NewPostgresPool(ctx, url,
			database.WithMaxConns(4),
			database.WithAfterConnect(func(ctx context.Context, conn *pgx.Conn) error {
				return pgxvector.RegisterTypes(ctx, conn)
			}))
	})
	require.NoError(t, testDBErr)
	return testDB
}

func truncateAll(t *testing.T, db *pgxpool.Pool) {
	t.Helper()
	_, err := db.Exec(context.Background(), `
		TRUNCATE cluster_memberships, clusters, duplicate_groups,
			video_embeddings, video_metrics, pipeline_runs, videos CASCADE`)
	require.NoError(t, err)
}

var repoNow = time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)

func repoVideo(id string, views int64) models.VideoRecord {
	return models.VideoRecord{
		ID:           id,
		Title:        "Video " + id,
		Category:     "Tech",
		ChannelID:    "ch-" + id,
		PublishedAt:  repoNow.Add(-10 * time.Hour),
		ViewCount:    &views,
		LikeCount:    &views,
		CommentCount: &views,
		IngestedAt:   repoNow,
	}
}

func repoMetrics(videoID string, trend float64) models.VideoMetrics {
	return models.VideoMetrics{
		VideoID:            videoID,
		ViewsPerHour:       100,
		EngagementRate:     0.05,
		FreshnessScore:     0.8,
		PeerGroup:          models.PeerGroupKey{Category: "Tech", TimeBucket: time.Date(2026, 8, 20, 0, 0, 0, 0, time.UTC)},
		PeerAvgVelocity:    90,
		PeerStdVelocity:    10,
		NormalizedVelocity: 0.6,
		TrendScore:         trend,
		ComputedAt:         repoNow,
	}
}

func repoRun(startedAt time.Time, reason models.ReasonCode, report models.RunReport) models.PipelineRun {
	return models.PipelineRun{
		ID:         uuid.New(),
		StartedAt:  startedAt,
		FinishedAt: startedAt.Add(time.Minute),
		Status:     models.RunStatusSucceeded,
		Reason:     reason,
		Report:     report,
	}
}

func TestVideosRepository_UpsertAndSnapshot(t *testing.T) {
	db := testPool(t)
	truncateAll(t, db)
	ctx := context.Background()
	videos := NewVideosRepository(db)

	require.NoError(t, videos.UpsertBatch(ctx, []models.VideoRecord{
		repoVideo("v2", 200), repoVideo("v1", 100),
	}))

	snap, err := videos.Snapshot(ctx)
	require.NoError(t, err)
	require.Len(t, snap, 2)
	assert.Equal(t, "v1", snap[0].ID, "snapshot is id-ordered")
	assert.Equal(t, "v2", snap[1].ID)

	// Re-ingesting updates in place: sources correct titles and counters.
	updated := repoVideo("v1", 500)
	updated.Title = "Corrected Title"
	require.NoError(t, videos.UpsertBatch(ctx, []models.VideoRecord{updated}))

	got, err := videos.GetByID(ctx, "v1")
	require.NoError(t, err)
	assert.Equal(t, "Corrected Title", got.Title)
	assert.Equal(t, int64(500), *got.ViewCount)

	snap, err = videos.Snapshot(ctx)
	require.NoError(t, err)
	assert.Len(t, snap, 2, "upsert must not duplicate rows")

	_, err = videos.GetByID(ctx, "missing")
	assert.ErrorIs(t, err, ErrVideoNotFound)
}

func derivedStateFixture(runStart time.Time, clusterMember, noiseMember string) *models.DerivedState {
	cluster := models.Cluster{
		ID:                    uuid.New(),
		Label:                 "robot",
		Keywords:              []string{"robot", "arm"},
		MemberIDs:             []string{clusterMember},
		Size:                  1,
		AvgTrendScore:         0.7,
		RepresentativeVideoID: clusterMember,
	}

	return &models.DerivedState{
		Run: repoRun(runStart, models.ReasonOK, models.RunReport{Records: 2, Embedded: 2, Clusters: 1}),
		Metrics: []models.VideoMetrics{
			repoMetrics(clusterMember, 0.7),
			repoMetrics(noiseMember, 0.4),
		},
		Embeddings: []models.Embedding{
			{VideoID: clusterMember, Vector: []float32{1, 0, 0, 0}, Model: "test-model"},
			{VideoID: noiseMember, Vector: []float32{0, 1, 0, 0}, Model: "test-model"},
		},
		Clusters: []models.Cluster{cluster},
		Memberships: []models.ClusterMembership{
			{VideoID: clusterMember, ClusterID: cluster.ID, Distance: 0},
		},
		NoiseVideoIDs: []string{noiseMember},
	}
}

func TestStateRepository_ReplaceSwapsDerivedState(t *testing.T) {
	db := testPool(t)
	truncateAll(t, db)
	ctx := context.Background()

	require.NoError(t, NewVideosRepository(db).UpsertBatch(ctx, []models.VideoRecord{
		repoVideo("v1", 100), repoVideo("v2", 200),
	}))

	state := NewStateRepository(db)
	clusters := NewClustersRepository(db)

	first := derivedStateFixture(repoNow, "v1", "v2")
	require.NoError(t, state.Replace(ctx, first))

	listed, err := clusters.List(ctx)
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, first.Clusters[0].ID, listed[0].ID)
	assert.Equal(t, []string{"robot", "arm"}, listed[0].Keywords)

	run, err := state.LatestRun(ctx)
	require.NoError(t, err)
	assert.Equal(t, first.Run.ID, run.ID)
	assert.Equal(t, models.RunStatusSucceeded, run.Status)
	assert.Equal(t, models.ReasonOK, run.Reason)
	assert.Equal(t, first.Run.Report, run.Report, "the report survives the JSONB round trip")

	// The next run inverts the roles; none of the first run's state survives.
	second := derivedStateFixture(repoNow.Add(time.Hour), "v2", "v1")
	require.NoError(t, state.Replace(ctx, second))

	listed, err = clusters.List(ctx)
	require.NoError(t, err)
	require.Len(t, listed, 1, "previous clusters are fully replaced")
	assert.Equal(t, second.Clusters[0].ID, listed[0].ID)

	detail, err := clusters.GetVideoDetail(ctx, "v1")
	require.NoError(t, err)
	assert.Equal(t, models.AssignmentUnclustered, detail.Assignment.Kind,
		"v1's membership from the first run must be gone")

	run, err = state.LatestRun(ctx)
	require.NoError(t, err)
	assert.Equal(t, second.Run.ID, run.ID)
}

func TestStateRepository_ReplaceFailureKeepsPriorState(t *testing.T) {
	db := testPool(t)
	truncateAll(t, db)
	ctx := context.Background()

	require.NoError(t, NewVideosRepository(db).UpsertBatch(ctx, []models.VideoRecord{
		repoVideo("v1", 100), repoVideo("v2", 200),
	}))

	state := NewStateRepository(db)
	clusters := NewClustersRepository(db)

	committed := derivedStateFixture(repoNow, "v1", "v2")
	require.NoError(t, state.Replace(ctx, committed))

	// A membership pointing at a cluster that is not part of the state
	// violates the foreign key mid-batch; the whole replace must roll back.
	broken := derivedStateFixture(repoNow.Add(time.Hour), "v2", "v1")
	broken.Memberships = append(broken.Memberships, models.ClusterMembership{
		VideoID: "v1", ClusterID: uuid.New(), Distance: 0.1,
	})
	require.Error(t, state.Replace(ctx, broken))

	listed, err := clusters.List(ctx)
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, committed.Clusters[0].ID, listed[0].ID,
		"the committed state stays authoritative after a failed replace")

	run, err := state.LatestRun(ctx)
	require.NoError(t, err)
	assert.Equal(t, committed.Run.ID, run.ID, "the failed run's bookkeeping row must not persist")
}

func TestStateRepository_LatestRun_NoRuns(t *testing.T) {
	db := testPool(t)
	truncateAll(t, db)

	_, err := NewStateRepository(db).LatestRun(context.Background())
	assert.ErrorIs(t, err, ErrNoRuns)
}

func TestClustersRepository_VideoAssignments(t *testing.T) {
	db := testPool(t)
	truncateAll(t, db)
	ctx := context.Background()

	// a is clustered, p is a duplicate-group primary left as noise, b is p's
	// duplicate, n is plain noise.
	require.NoError(t, NewVideosRepository(db).UpsertBatch(ctx, []models.VideoRecord{
		repoVideo("a", 100), repoVideo("b", 50), repoVideo("p", 200), repoVideo("n", 10),
	}))

	cluster := models.Cluster{
		ID:                    uuid.New(),
		Label:                 "robot",
		Keywords:              []string{"robot"},
		MemberIDs:             []string{"a"},
		Size:                  1,
		AvgTrendScore:         0.7,
		RepresentativeVideoID: "a",
	}
	require.NoError(t, NewStateRepository(db).Replace(ctx, &models.DerivedState{
		Run: repoRun(repoNow, models.ReasonOK, models.RunReport{Records: 4}),
		Metrics: []models.VideoMetrics{
			repoMetrics("a", 0.7), repoMetrics("b", 0.3), repoMetrics("p", 0.8), repoMetrics("n", 0.1),
		},
		Embeddings: []models.Embedding{
			{VideoID: "a", Vector: []float32{1, 0, 0, 0}, Model: "test-model"},
		},
		DuplicateGroups: []models.DuplicateGroup{
			{PrimaryVideoID: "p", MemberIDs: []string{"b", "p"}, MaxSimilarity: 0.99},
		},
		Clusters: []models.Cluster{cluster},
		Memberships: []models.ClusterMembership{
			{VideoID: "a", ClusterID: cluster.ID, Distance: 0},
		},
		NoiseVideoIDs: []string{"n", "p"},
	}))

	repo := NewClustersRepository(db)

	clustered, err := repo.GetVideoDetail(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, models.AssignmentClustered, clustered.Assignment.Kind)
	require.NotNil(t, clustered.Assignment.ClusterID)
	assert.Equal(t, cluster.ID, *clustered.Assignment.ClusterID)
	require.NotNil(t, clustered.Metrics)
	assert.InDelta(t, 0.7, clustered.Metrics.TrendScore, 1e-9)
	assert.Equal(t, "Tech", clustered.Metrics.PeerGroup.Category, "the peer group key round-trips")

	dup, err := repo.GetVideoDetail(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, models.AssignmentDuplicate, dup.Assignment.Kind)
	require.NotNil(t, dup.Assignment.PrimaryVideoID)
	assert.Equal(t, "p", *dup.Assignment.PrimaryVideoID)

	primary, err := repo.GetVideoDetail(ctx, "p")
	require.NoError(t, err)
	assert.Equal(t, models.AssignmentUnclustered, primary.Assignment.Kind,
		"a group's primary is not a duplicate of itself")

	noise, err := repo.GetVideoDetail(ctx, "n")
	require.NoError(t, err)
	assert.Equal(t, models.AssignmentUnclustered, noise.Assignment.Kind)

	_, err = repo.GetVideoDetail(ctx, "missing")
	assert.ErrorIs(t, err, ErrVideoNotFound)

	detail, err := repo.GetDetail(ctx, cluster.ID)
	require.NoError(t, err)
	assert.Equal(t, cluster.ID, detail.Cluster.ID)
	require.Len(t, detail.Members, 1)
	assert.Equal(t, "a", detail.Members[0].Record.ID)
	assert.Equal(t, models.AssignmentClustered, detail.Members[0].Assignment.Kind)

	_, err = repo.GetDetail(ctx, uuid.New())
	assert.ErrorIs(t, err, ErrClusterNotFound)
}
