package service

import (
	"context"
	"errors"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trendscope/trendscope/internal/models"
	"github.com/trendscope/trendscope/internal/trenderrors"
)

// fakeEmbeddingClient returns fixed vectors and fails requests whose text
// contains a marker substring. Calls are counted per text; per-text vectors
// can be pinned through the vectors map.
type fakeEmbeddingClient struct {
	mu         sync.Mutex
	calls      map[string]int
	batchCalls int
	failWhen   string
	vector     []float32
	vectors    map[string][]float32
}

func newFakeEmbeddingClient() *fakeEmbeddingClient {
	return &fakeEmbeddingClient{
		calls:  make(map[string]int),
		vector: []float32{3, 4}, // deliberately not unit length
	}
}

func (f *fakeEmbeddingClient) GetEmbedding(ctx context.Context, text string) ([]float32, error) {
	f.mu.Lock()
	f.calls[text]++
	f.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if f.failWhen != "" && strings.Contains(text, f.failWhen) {
		return nil, errors.New("upstream 503")
	}

	src := f.vector
	if pinned, ok := f.vectors[text]; ok {
		src = pinned
	}

	out := make([]float32, len(src))
	copy(out, src)
	return out, nil
}

func (f *fakeEmbeddingClient) GetEmbeddings(ctx context.Context, texts []string) ([][]float32, error) {
	f.mu.Lock()
	f.batchCalls++
	f.mu.Unlock()

	out := make([][]float32, len(texts))
	for i, text := range texts {
		vec, err := f.GetEmbedding(ctx, text)
		if err != nil {
			return nil, err
		}
		out[i] = vec
	}
	return out, nil
}

func (f *fakeEmbeddingClient) totalCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		n += c
	}
	return n
}

func (f *fakeEmbeddingClient) totalBatchCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.batchCalls
}

func embedBatch(ids ...string) []models.VideoRecord {
	batch := make([]models.VideoRecord, 0, len(ids))
	for _, id := range ids {
		batch = append(batch, models.VideoRecord{ID: id, Title: "title " + id})
	}
	return batch
}

func newTestEmbedStage(client *fakeEmbeddingClient, workers int) *EmbedStage {
	return NewEmbedStage(EmbedStageParams{
		Client:         client,
		Model:          "text-embedding-3-small",
		Workers:        workers,
		RequestTimeout: time.Second,
		TextBudget:     500,
	})
}

func TestEmbedStage_EmbedsBatchAndNormalizes(t *testing.T) {
	client := newFakeEmbeddingClient()
	stage := newTestEmbedStage(client, 4)

	res, err := stage.Embed(context.Background(), embedBatch("a", "b", "c"))
	require.NoError(t, err)

	require.Len(t, res.Embeddings, 3)
	assert.Empty(t, res.SkippedIDs)

	// Output is id-ordered regardless of worker completion order.
	assert.Equal(t, "a", res.Embeddings[0].VideoID)
	assert.Equal(t, "b", res.Embeddings[1].VideoID)
	assert.Equal(t, "c", res.Embeddings[2].VideoID)

	for _, e := range res.Embeddings {
		var norm float64
		for _, v := range e.Vector {
			norm += float64(v) * float64(v)
		}
		assert.InDelta(t, 1.0, math.Sqrt(norm), 1e-6, "vectors must be unit length")
		assert.Equal(t, "text-embedding-3-small", e.Model)
	}
}

func TestEmbedStage_DuplicateIDs_SingleRequest(t *testing.T) {
	client := newFakeEmbeddingClient()
	stage := newTestEmbedStage(client, 4)

	batch := embedBatch("a", "b")
	batch = append(batch, batch[0], batch[1], batch[0])

	res, err := stage.Embed(context.Background(), batch)
	require.NoError(t, err)

	assert.Len(t, res.Embeddings, 2)
	assert.Equal(t, 2, client.totalCalls(), "one embedding per distinct video id")
}

func TestEmbedStage_ChunksBatchRequests(t *testing.T) {
	client := newFakeEmbeddingClient()
	stage := NewEmbedStage(EmbedStageParams{
		Client:         client,
		Model:          "text-embedding-3-small",
		Workers:        2,
		BatchSize:      2,
		RequestTimeout: time.Second,
		TextBudget:     500,
	})

	res, err := stage.Embed(context.Background(), embedBatch("a", "b", "c", "d", "e"))
	require.NoError(t, err)

	assert.Len(t, res.Embeddings, 5)
	assert.Equal(t, 5, client.totalCalls())
	assert.Equal(t, 3, client.totalBatchCalls(), "five texts at batch size two is three model requests")
}

func TestEmbedStage_PartialFailure_SkipsVideo(t *testing.T) {
	client := newFakeEmbeddingClient()
	client.failWhen = "title b"
	stage := newTestEmbedStage(client, 2)

	res, err := stage.Embed(context.Background(), embedBatch("a", "b", "c"))
	require.NoError(t, err, "a single failed video is a skip, not a run failure")

	assert.Equal(t, []string{"b"}, res.SkippedIDs)
	require.Len(t, res.Embeddings, 2)
	assert.Equal(t, "a", res.Embeddings[0].VideoID)
	assert.Equal(t, "c", res.Embeddings[1].VideoID)
}

func TestEmbedStage_TotalOutage_Fatal(t *testing.T) {
	client := newFakeEmbeddingClient()
	client.failWhen = "title"
	stage := newTestEmbedStage(client, 2)

	res, err := stage.Embed(context.Background(), embedBatch("a", "b", "c"))

	require.Error(t, err)
	assert.Nil(t, res)
	assert.ErrorIs(t, err, trenderrors.ErrEmbeddingServiceUnavailable)
	assert.Equal(t, models.ReasonEmbeddingServiceUnavailable, trenderrors.ReasonOf(err))
}

func TestEmbedStage_EmptyBatch(t *testing.T) {
	client := newFakeEmbeddingClient()
	stage := newTestEmbedStage(client, 2)

	res, err := stage.Embed(context.Background(), nil)
	require.NoError(t, err)

	assert.Empty(t, res.Embeddings)
	assert.Empty(t, res.SkippedIDs)
	assert.Zero(t, client.totalCalls())
}

func TestEmbedStage_CacheSpansRuns(t *testing.T) {
	client := newFakeEmbeddingClient()
	stage := newTestEmbedStage(client, 4)

	_, err := stage.Embed(context.Background(), embedBatch("a", "b"))
	require.NoError(t, err)
	require.Equal(t, 2, client.totalCalls())

	// Unchanged snapshot: served entirely from the cache.
	res, err := stage.Embed(context.Background(), embedBatch("a", "b"))
	require.NoError(t, err)
	assert.Len(t, res.Embeddings, 2)
	assert.Equal(t, 2, client.totalCalls(), "no new model calls for unchanged videos")

	// An edited title invalidates only that video's entry.
	batch := embedBatch("a", "b")
	batch[0].Title = "brand new title a"
	_, err = stage.Embed(context.Background(), batch)
	require.NoError(t, err)
	assert.Equal(t, 3, client.totalCalls())
}

func TestEmbedStage_ExpiredDeadline_BatchTimeout(t *testing.T) {
	client := newFakeEmbeddingClient()
	stage := newTestEmbedStage(client, 1)

	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()

	_, err := stage.Embed(ctx, embedBatch("a", "b"))

	require.Error(t, err)
	assert.ErrorIs(t, err, trenderrors.ErrBatchTimeout)
}

func TestEmbedStage_CancelledContext_RunCancelled(t *testing.T) {
	client := newFakeEmbeddingClient()
	stage := newTestEmbedStage(client, 1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := stage.Embed(ctx, embedBatch("a", "b"))

	require.Error(t, err)
	assert.ErrorIs(t, err, trenderrors.ErrRunCancelled)
	assert.NotErrorIs(t, err, trenderrors.ErrBatchTimeout)
}
