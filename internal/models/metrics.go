package models

import (
	"fmt"
	"strings"
	"time"
)

// PeerGroupKey identifies the comparison baseline for velocity normalization:
// videos in the same category published in the same time bucket. It is a pure
// function of VideoRecord fields so membership is testable in isolation.
type PeerGroupKey struct {
	Category   string    `json:"category"`
	TimeBucket time.Time `json:"time_bucket"`
}

// String renders the key in the persisted form, e.g. "cat_Music_2026-08-23".
func (k PeerGroupKey) String() string {
	return fmt.Sprintf("cat_%s_%s", k.Category, k.TimeBucket.UTC().Format("2006-01-02"))
}

// ParsePeerGroupKey parses the persisted form back into a key. The category
// may itself contain underscores, so the date is taken from the tail.
func ParsePeerGroupKey(s string) (PeerGroupKey, error) {
	rest, ok := strings.CutPrefix(s, "cat_")
	if !ok {
		return PeerGroupKey{}, fmt.Errorf("malformed peer group key %q", s)
	}

	i := strings.LastIndex(rest, "_")
	if i < 0 {
		return PeerGroupKey{}, fmt.Errorf("malformed peer group key %q", s)
	}

	bucket, err := time.Parse("2006-01-02", rest[i+1:])
	if err != nil {
		return PeerGroupKey{}, fmt.Errorf("malformed peer group key %q: %w", s, err)
	}

	return PeerGroupKey{Category: rest[:i], TimeBucket: bucket}, nil
}

// VideoMetrics holds the derived features for one video. Metrics are recomputed
// in full on every pipeline run; rows are never mutated incrementally.
type VideoMetrics struct {
	VideoID            string       `json:"video_id"`
	ViewsPerHour       float64      `json:"views_per_hour"`
	EngagementRate     float64      `json:"engagement_rate"`
	FreshnessScore     float64      `json:"freshness_score"`
	PeerGroup          PeerGroupKey `json:"peer_group"`
	PeerAvgVelocity    float64      `json:"peer_avg_velocity"`
	PeerStdVelocity    float64      `json:"peer_std_velocity"`
	NormalizedVelocity float64      `json:"normalized_velocity"`
	TrendScore         float64      `json:"trend_score"`

	// Degraded marks a record missing counters: its row is computed from the
	// terms that remain computable and it contributes nothing to peer statistics.
	Degraded bool `json:"degraded"`

	ComputedAt time.Time `json:"computed_at"`
}
