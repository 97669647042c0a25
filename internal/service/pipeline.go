package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/trendscope/trendscope/internal/features"
	"github.com/trendscope/trendscope/internal/models"
	"github.com/trendscope/trendscope/internal/observability"
	"github.com/trendscope/trendscope/internal/trenderrors"
)

// BatchSource supplies the immutable VideoRecord snapshot for one run. The
// ingestion layer owns the records; the pipeline never mutates them.
type BatchSource interface {
	Snapshot(ctx context.Context) ([]models.VideoRecord, error)
}

// StateStore commits the derived state of one run as a unit, replacing the
// previous run's derived state. On error nothing may be partially written.
type StateStore interface {
	Replace(ctx context.Context, state *models.DerivedState) error
}

// Pipeline runs the four stages over one batch snapshot:
// features -> embeddings -> dedup -> clustering, then commits atomically.
// A run either completes (commit) or aborts (no commit, prior state stays
// authoritative). Runs against the same store must be serialized by the caller
// (the scheduler does this; the store additionally takes a run-level lock).
type Pipeline struct {
	source       BatchSource
	store        StateStore
	calculator   *features.Calculator
	embedder     *EmbedStage
	deduplicator *Deduplicator
	clusterer    *Clusterer
	minSamples   int
	batchTimeout time.Duration
	metrics      observability.PipelineMetrics // may be nil
	now          func() time.Time
}

// PipelineParams configures a Pipeline. Now defaults to time.Now and is
// injectable for tests; Metrics may be nil.
type PipelineParams struct {
	Source       BatchSource
	Store        StateStore
	Calculator   *features.Calculator
	Embedder     *EmbedStage
	Deduplicator *Deduplicator
	Clusterer    *Clusterer
	MinSamples   int
	BatchTimeout time.Duration
	Metrics      observability.PipelineMetrics
	Now          func() time.Time
}

// NewPipeline creates a pipeline orchestrator.
func NewPipeline(p PipelineParams) *Pipeline {
	now := p.Now
	if now == nil {
		now = time.Now
	}

	return &Pipeline{
		source:       p.Source,
		store:        p.Store,
		calculator:   p.Calculator,
		embedder:     p.Embedder,
		deduplicator: p.Deduplicator,
		clusterer:    p.Clusterer,
		minSamples:   p.MinSamples,
		batchTimeout: p.BatchTimeout,
		metrics:      p.Metrics,
		now:          now,
	}
}

// Run executes one pipeline run. The returned PipelineRun always describes the
// outcome, including failures; the error is non-nil only when the run aborted
// without commit.
func (p *Pipeline) Run(ctx context.Context) (*models.PipelineRun, error) {
	if p.batchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.batchTimeout)
		defer cancel()
	}

	started := p.now()
	run := &models.PipelineRun{
		ID:        uuid.New(),
		StartedAt: started,
		Status:    models.RunStatusRunning,
		Reason:    models.ReasonOK,
	}
	logger := slog.With("run_id", run.ID)

	state, err := p.execute(ctx, run, started, logger)
	run.FinishedAt = p.now()

	if err != nil {
		run.Status = models.RunStatusFailed
		run.Reason = p.classify(ctx, err)
		logger.Error("pipeline run failed", "reason", run.Reason, "error", err)
		p.recordRun(ctx, run, started)
		return run, err
	}

	run.Status = models.RunStatusSucceeded
	state.Run = *run
	if err := p.store.Replace(ctx, state); err != nil {
		run.Status = models.RunStatusFailed
		run.Reason = models.ReasonPersistFailed
		logger.Error("pipeline commit failed", "error", err)
		p.recordRun(ctx, run, started)
		return run, trenderrors.NewPersistFailed(err)
	}

	logger.Info("pipeline run committed",
		"reason", run.Reason,
		"records", run.Report.Records,
		"embedded", run.Report.Embedded,
		"embedding_skipped", run.Report.EmbeddingSkipped,
		"duplicate_groups", run.Report.DuplicateGroups,
		"clusters", run.Report.Clusters,
		"noise", run.Report.Noise,
	)
	p.recordRun(ctx, run, started)

	return run, nil
}

// execute runs the stages up to (not including) the commit and assembles the
// derived state. Stage boundaries are synchronization points; each stage
// consumes the full output of the previous one.
func (p *Pipeline) execute(
	ctx context.Context, run *models.PipelineRun, now time.Time, logger *slog.Logger,
) (*models.DerivedState, error) {
	stageStart := p.now()

	batch, err := p.source.Snapshot(ctx)
	if err != nil {
		return nil, trenderrors.NewSnapshotFailed(err)
	}
	run.Report.Records = len(batch)
	p.stageDone(ctx, logger, models.StageIngested, &stageStart, "records", len(batch))

	if len(batch) == 0 {
		run.Reason = models.ReasonInsufficientBatch
		return &models.DerivedState{}, nil
	}

	metrics := p.calculator.Compute(batch, now)
	metricsByID := make(map[string]models.VideoMetrics, len(metrics))
	for _, m := range metrics {
		metricsByID[m.VideoID] = m
		if m.Degraded {
			run.Report.DegradedRecords++
		}
	}
	p.stageDone(ctx, logger, models.StageFeaturesComputed, &stageStart, "degraded", run.Report.DegradedRecords)

	embedRes, err := p.embedder.Embed(ctx, batch)
	if err != nil {
		return nil, err
	}
	run.Report.Embedded = len(embedRes.Embeddings)
	run.Report.EmbeddingSkipped = len(embedRes.SkippedIDs)
	p.stageDone(ctx, logger, models.StageEmbedded, &stageStart,
		"embedded", run.Report.Embedded, "skipped", run.Report.EmbeddingSkipped)

	recordsByID := make(map[string]models.VideoRecord, len(batch))
	for i := range batch {
		recordsByID[batch[i].ID] = batch[i]
	}

	groups := p.deduplicator.Detect(recordsByID, metricsByID, embedRes.Embeddings)
	duplicateOf := make(map[string]string)
	for _, g := range groups {
		run.Report.DuplicateGroups++
		for _, id := range g.MemberIDs {
			if id != g.PrimaryVideoID {
				duplicateOf[id] = g.PrimaryVideoID
				run.Report.Duplicates++
			}
		}
	}
	p.stageDone(ctx, logger, models.StageDeduplicated, &stageStart,
		"groups", run.Report.DuplicateGroups, "duplicates", run.Report.Duplicates)

	// Non-primary duplicates are excluded from clustering but stay in the
	// persisted state with a reference to their primary.
	candidates := make([]models.Embedding, 0, len(embedRes.Embeddings))
	for _, e := range embedRes.Embeddings {
		if _, isDup := duplicateOf[e.VideoID]; !isDup {
			candidates = append(candidates, e)
		}
	}

	if len(candidates) < p.minSamples {
		// Not enough data yet is expected during early operation, not an error.
		run.Reason = models.ReasonInsufficientBatch
	}

	outcome := p.clusterer.Cluster(candidates, recordsByID, metricsByID)
	run.Report.Clusters = len(outcome.Clusters)
	run.Report.Noise = len(outcome.NoiseIDs)
	for _, c := range outcome.Clusters {
		run.Report.Clustered += c.Size
	}
	p.stageDone(ctx, logger, models.StageClustered, &stageStart,
		"clusters", run.Report.Clusters, "noise", run.Report.Noise)

	return &models.DerivedState{
		Metrics:         metrics,
		Embeddings:      embedRes.Embeddings,
		DuplicateGroups: groups,
		Clusters:        outcome.Clusters,
		Memberships:     outcome.Memberships,
		NoiseVideoIDs:   outcome.NoiseIDs,
	}, nil
}

// classify maps a stage error to the run reason code. An expired deadline is
// the batch timeout; caller cancellation (e.g. a shutdown signal) is its own
// code so operators don't read a shutdown as a slow run.
func (p *Pipeline) classify(ctx context.Context, err error) models.ReasonCode {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return models.ReasonBatchTimeout
	}
	if errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled) {
		return models.ReasonRunCancelled
	}
	if reason := trenderrors.ReasonOf(err); reason != "" {
		return reason
	}
	return models.ReasonPersistFailed
}

func (p *Pipeline) stageDone(
	ctx context.Context, logger *slog.Logger, stage models.RunStage, stageStart *time.Time, args ...any,
) {
	end := time.Now()
	logger.Info(fmt.Sprintf("stage %s complete", stage), args...)
	if p.metrics != nil {
		p.metrics.RecordStageDuration(ctx, string(stage), end.Sub(*stageStart))
	}
	*stageStart = end
}

func (p *Pipeline) recordRun(ctx context.Context, run *models.PipelineRun, started time.Time) {
	if p.metrics == nil {
		return
	}
	p.metrics.RecordRunOutcome(ctx, string(run.Status), string(run.Reason), run.FinishedAt.Sub(started))
	p.metrics.RecordRunCounts(ctx, run.Report)
}
