package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	prometheusexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"

	"github.com/trendscope/trendscope/internal/models"
)

const (
	meterScope         = "github.com/trendscope/trendscope/internal/observability"
	defaultServiceName = "trendscope-pipeline"
)

// stageHistogramBoundaries are Prometheus-style buckets (seconds) for stage
// and run duration histograms; the embedding stage dominates so buckets reach
// into minutes.
var stageHistogramBoundaries = []float64{0.01, 0.05, 0.25, 1, 5, 15, 60, 300, 900}

// PipelineMetrics is the metrics interface for pipeline runs. Callers hold a
// nil PipelineMetrics when metrics are disabled.
type PipelineMetrics interface {
	RecordStageDuration(ctx context.Context, stage string, duration time.Duration)
	RecordRunOutcome(ctx context.Context, status, reason string, duration time.Duration)
	RecordRunCounts(ctx context.Context, report models.RunReport)
	RecordEmbeddingRequest(ctx context.Context, ok bool, duration time.Duration)
}

// MeterProviderShutdown is the subset of the SDK MeterProvider needed for shutdown.
type MeterProviderShutdown interface {
	Shutdown(ctx context.Context) error
}

// NewMeterProvider creates a MeterProvider with Prometheus exporter and returns
// the provider, an HTTP handler for /metrics, and PipelineMetrics that use the
// provider's Meter. Caller must call provider.Shutdown on exit.
func NewMeterProvider(serviceName string) (MeterProviderShutdown, http.Handler, PipelineMetrics, error) {
	if serviceName == "" {
		serviceName = defaultServiceName
	}

	res := resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(serviceName),
	)

	reg := prometheus.NewRegistry()

	exporter, err := prometheusexporter.New(
		prometheusexporter.WithRegisterer(reg),
	)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("create prometheus exporter: %w", err)
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(exporter),
		sdkmetric.WithView(
			sdkmetric.NewView(
				sdkmetric.Instrument{Name: "pipeline_stage_duration_seconds"},
				sdkmetric.Stream{Aggregation: sdkmetric.AggregationExplicitBucketHistogram{Boundaries: stageHistogramBoundaries}},
			),
			sdkmetric.NewView(
				sdkmetric.Instrument{Name: "pipeline_run_duration_seconds"},
				sdkmetric.Stream{Aggregation: sdkmetric.AggregationExplicitBucketHistogram{Boundaries: stageHistogramBoundaries}},
			),
		),
	)
	meter := mp.Meter(meterScope)

	metrics, err := newMetricsFromMeter(meter)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("create metrics instruments: %w", err)
	}

	return mp, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}), metrics, nil
}

func newMetricsFromMeter(meter metric.Meter) (*pipelineMetricsImpl, error) {
	stageDuration, err := meter.Float64Histogram(
		"pipeline_stage_duration_seconds",
		metric.WithDescription("Pipeline stage duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("pipeline_stage_duration_seconds: %w", err)
	}

	runDuration, err := meter.Float64Histogram(
		"pipeline_run_duration_seconds",
		metric.WithDescription("Full pipeline run duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("pipeline_run_duration_seconds: %w", err)
	}

	runsTotal, err := meter.Int64Counter(
		"pipeline_runs_total",
		metric.WithDescription("Pipeline run outcomes by status and reason"),
	)
	if err != nil {
		return nil, fmt.Errorf("pipeline_runs_total: %w", err)
	}

	recordsProcessed, err := meter.Int64Counter(
		"pipeline_records_processed_total",
		metric.WithDescription("Video records processed per run stage outcome"),
	)
	if err != nil {
		return nil, fmt.Errorf("pipeline_records_processed_total: %w", err)
	}

	embeddingRequests, err := meter.Int64Counter(
		"embedding_requests_total",
		metric.WithDescription("Embedding requests by outcome"),
	)
	if err != nil {
		return nil, fmt.Errorf("embedding_requests_total: %w", err)
	}

	embeddingDuration, err := meter.Float64Histogram(
		"embedding_request_duration_seconds",
		metric.WithDescription("Embedding request duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("embedding_request_duration_seconds: %w", err)
	}

	return &pipelineMetricsImpl{
		stageDuration:     stageDuration,
		runDuration:       runDuration,
		runsTotal:         runsTotal,
		recordsProcessed:  recordsProcessed,
		embeddingRequests: embeddingRequests,
		embeddingDuration: embeddingDuration,
	}, nil
}

type pipelineMetricsImpl struct {
	stageDuration     metric.Float64Histogram
	runDuration       metric.Float64Histogram
	runsTotal         metric.Int64Counter
	recordsProcessed  metric.Int64Counter
	embeddingRequests metric.Int64Counter
	embeddingDuration metric.Float64Histogram
}

func (m *pipelineMetricsImpl) RecordStageDuration(ctx context.Context, stage string, duration time.Duration) {
	m.stageDuration.Record(ctx, duration.Seconds(),
		metric.WithAttributeSet(attribute.NewSet(attribute.String("stage", stage))))
}

func (m *pipelineMetricsImpl) RecordRunOutcome(ctx context.Context, status, reason string, duration time.Duration) {
	attrs := attribute.NewSet(
		attribute.String("status", status),
		attribute.String("reason", reason),
	)
	m.runsTotal.Add(ctx, 1, metric.WithAttributeSet(attrs))
	m.runDuration.Record(ctx, duration.Seconds(), metric.WithAttributeSet(attrs))
}

func (m *pipelineMetricsImpl) RecordRunCounts(ctx context.Context, report models.RunReport) {
	counts := map[string]int{
		"ingested":          report.Records,
		"degraded":          report.DegradedRecords,
		"embedded":          report.Embedded,
		"embedding_skipped": report.EmbeddingSkipped,
		"duplicate":         report.Duplicates,
		"clustered":         report.Clustered,
		"noise":             report.Noise,
	}
	for outcome, n := range counts {
		if n == 0 {
			continue
		}
		m.recordsProcessed.Add(ctx, int64(n),
			metric.WithAttributeSet(attribute.NewSet(attribute.String("outcome", outcome))))
	}
}

func (m *pipelineMetricsImpl) RecordEmbeddingRequest(ctx context.Context, ok bool, duration time.Duration) {
	outcome := "success"
	if !ok {
		outcome = "failure"
	}
	set := attribute.NewSet(attribute.String("outcome", outcome))
	m.embeddingRequests.Add(ctx, 1, metric.WithAttributeSet(set))
	m.embeddingDuration.Record(ctx, duration.Seconds(), metric.WithAttributeSet(set))
}
