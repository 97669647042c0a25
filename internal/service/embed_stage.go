package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/trendscope/trendscope/internal/embeddings"
	"github.com/trendscope/trendscope/internal/models"
	"github.com/trendscope/trendscope/internal/observability"
	"github.com/trendscope/trendscope/internal/trenderrors"
	"github.com/trendscope/trendscope/pkg/vecmath"
)

// defaultCacheSize bounds the cross-run embedding cache when no size is
// configured.
const defaultCacheSize = 4096

// defaultBatchSize is the number of texts sent per model request when no size
// is configured.
const defaultBatchSize = 32

// EmbedStage turns video text into dense vectors through the external
// embedding model. Cache misses are grouped into multi-text requests and
// dispatched to a bounded worker pool; a failed group request is retried one
// text at a time so a single bad input only skips its own video. The stage
// returns only after every request has completed or been marked failed, so
// later stages always see the full embedding set. Vectors are cached across
// runs keyed by video id and text content, so scheduled runs over overlapping
// snapshots only embed what changed.
type EmbedStage struct {
	client         embeddings.Client
	cache          *embeddings.Cache
	model          string
	workers        int
	batchSize      int
	limiter        *rate.Limiter // nil disables rate limiting
	requestTimeout time.Duration
	textBudget     int
	metrics        observability.PipelineMetrics // may be nil
}

// EmbedStageParams configures an EmbedStage. RateLimit 0 disables limiting;
// CacheSize and BatchSize 0 use the defaults; Metrics may be nil.
type EmbedStageParams struct {
	Client         embeddings.Client
	Model          string
	Workers        int
	BatchSize      int
	RateLimit      float64
	RequestTimeout time.Duration
	TextBudget     int
	CacheSize      int
	Metrics        observability.PipelineMetrics
}

// NewEmbedStage creates the embedding stage.
func NewEmbedStage(p EmbedStageParams) *EmbedStage {
	workers := p.Workers
	if workers <= 0 {
		workers = 1
	}

	batchSize := p.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}

	var limiter *rate.Limiter
	if p.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(p.RateLimit), 1)
	}

	cacheSize := p.CacheSize
	if cacheSize <= 0 {
		cacheSize = defaultCacheSize
	}
	cache, err := embeddings.NewCache(cacheSize)
	if err != nil {
		// lru.New fails only on a non-positive size.
		panic(err)
	}

	return &EmbedStage{
		client:         p.Client,
		cache:          cache,
		model:          p.Model,
		workers:        workers,
		batchSize:      batchSize,
		limiter:        limiter,
		requestTimeout: p.RequestTimeout,
		textBudget:     p.TextBudget,
		metrics:        p.Metrics,
	}
}

// EmbedResult is the output of the embedding stage: one embedding per video
// that succeeded, plus the ids of videos whose request failed. Skipped videos
// are excluded from dedup and clustering for this run, not silently merged.
type EmbedResult struct {
	Embeddings []models.Embedding
	SkippedIDs []string
}

// embedWork is one pending model input: a video id and its assembled text.
type embedWork struct {
	id   string
	text string
}

// Embed generates embeddings for the batch. Per-video failures are recovered
// by skipping the video; when every request in a non-empty batch fails the
// outage is treated as total and the error is fatal for the run.
func (s *EmbedStage) Embed(ctx context.Context, batch []models.VideoRecord) (*EmbedResult, error) {
	if len(batch) == 0 {
		return &EmbedResult{}, nil
	}

	// One embedding per distinct video id.
	seen := make(map[string]struct{}, len(batch))
	work := make([]models.VideoRecord, 0, len(batch))
	for i := range batch {
		if _, dup := seen[batch[i].ID]; dup {
			continue
		}
		seen[batch[i].ID] = struct{}{}
		work = append(work, batch[i])
	}
	sort.Slice(work, func(i, j int) bool { return work[i].ID < work[j].ID })

	var (
		mu      sync.Mutex
		vectors = make(map[string][]float32, len(work))
		skipped []string
		lastErr error
	)

	// Resolve the cache up front; only misses go to the model.
	var pending []embedWork
	for i := range work {
		r := &work[i]
		desc := ""
		if r.Description != nil {
			desc = *r.Description
		}
		text := embeddings.BuildText(r.Title, desc, s.textBudget)
		if text == "" {
			skipped = append(skipped, r.ID)
			lastErr = errors.New("no embeddable text")
			continue
		}
		if vec, ok := s.cache.Peek(r.ID, text); ok {
			vectors[r.ID] = vec
			continue
		}
		pending = append(pending, embedWork{id: r.ID, text: text})
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers)

	for start := 0; start < len(pending); start += s.batchSize {
		chunk := pending[start:min(start+s.batchSize, len(pending))]

		g.Go(func() error {
			vecs, err := s.embedChunk(gctx, chunk)
			if err == nil {
				mu.Lock()
				for i := range chunk {
					vectors[chunk[i].id] = vecs[i]
				}
				mu.Unlock()
				return nil
			}
			if gctx.Err() != nil {
				return runAbort(gctx.Err())
			}

			// The grouped request failed as a whole; retry its texts one at a
			// time so only the bad ones are skipped.
			for i := range chunk {
				w := &chunk[i]
				vec, itemErr := s.embedOne(gctx, w.id, w.text)
				if itemErr != nil {
					if gctx.Err() != nil {
						return runAbort(gctx.Err())
					}

					slog.Warn("embedding request failed, skipping video", "video_id", w.id, "error", itemErr)

					mu.Lock()
					skipped = append(skipped, w.id)
					lastErr = itemErr
					mu.Unlock()
					continue
				}

				mu.Lock()
				vectors[w.id] = vec
				mu.Unlock()
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	result := EmbedResult{SkippedIDs: skipped}
	for i := range work {
		if vec, ok := vectors[work[i].ID]; ok {
			result.Embeddings = append(result.Embeddings, models.Embedding{
				VideoID: work[i].ID,
				Vector:  vec,
				Model:   s.model,
			})
		}
	}

	if len(result.Embeddings) == 0 {
		return nil, trenderrors.NewEmbeddingServiceUnavailable(lastErr)
	}

	sort.Strings(result.SkippedIDs)

	return &result, nil
}

// embedChunk sends one rate-limited, per-request-timeout model call for a
// group of texts and caches the normalized vectors.
func (s *EmbedStage) embedChunk(ctx context.Context, chunk []embedWork) ([][]float32, error) {
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	reqCtx := ctx
	if s.requestTimeout > 0 {
		var cancel context.CancelFunc
		reqCtx, cancel = context.WithTimeout(ctx, s.requestTimeout)
		defer cancel()
	}

	texts := make([]string, len(chunk))
	for i := range chunk {
		texts[i] = chunk[i].text
	}

	start := time.Now()
	vecs, err := s.client.GetEmbeddings(reqCtx, texts)
	if s.metrics != nil {
		s.metrics.RecordEmbeddingRequest(ctx, err == nil, time.Since(start))
	}
	if err != nil {
		return nil, err
	}
	if len(vecs) != len(chunk) {
		return nil, fmt.Errorf("embedding count mismatch: got %d for %d texts", len(vecs), len(chunk))
	}

	for i := range vecs {
		vecmath.NormalizeL2(vecs[i])
		s.cache.Add(chunk[i].id, chunk[i].text, vecs[i])
	}

	return vecs, nil
}

// embedOne resolves one video's embedding through the cross-run cache; the
// loader performs the rate-limited, per-request-timeout model call and
// normalizes the vector so downstream cosine math is uniform.
func (s *EmbedStage) embedOne(ctx context.Context, id, text string) ([]float32, error) {
	return s.cache.Get(ctx, id, text, func(ctx context.Context, text string) ([]float32, error) {
		if s.limiter != nil {
			if err := s.limiter.Wait(ctx); err != nil {
				return nil, err
			}
		}

		reqCtx := ctx
		if s.requestTimeout > 0 {
			var cancel context.CancelFunc
			reqCtx, cancel = context.WithTimeout(ctx, s.requestTimeout)
			defer cancel()
		}

		start := time.Now()
		vec, err := s.client.GetEmbedding(reqCtx, text)
		if s.metrics != nil {
			s.metrics.RecordEmbeddingRequest(ctx, err == nil, time.Since(start))
		}
		if err != nil {
			return nil, err
		}

		vecmath.NormalizeL2(vec)

		return vec, nil
	})
}

// runAbort maps a context expiration to the matching fatal run error: an
// elapsed deadline is the batch timeout, anything else is caller cancellation.
func runAbort(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return trenderrors.NewBatchTimeout(err)
	}
	return trenderrors.NewRunCancelled(err)
}
