// Package features computes derived per-video metrics: velocity, engagement,
// freshness, and the peer-normalized trend score.
package features

import (
	"math"
	"sort"
	"time"

	"github.com/trendscope/trendscope/internal/config"
	"github.com/trendscope/trendscope/internal/models"
)

// minElapsedHours floors the velocity denominator so a video published in the
// future or at ingestion time never divides by zero.
const minElapsedHours = 0.1

// stdTolerance treats a peer group with variance below this as zero-variance.
const stdTolerance = 1e-9

// Trend score term weights: velocity dominates, engagement second, freshness last.
const (
	velocityWeight   = 0.5
	engagementWeight = 0.3
	freshnessWeight  = 0.2
)

// neutralVelocity is the normalized-velocity fallback when peer statistics are
// degenerate (fewer than 2 peers, or zero variance).
const neutralVelocity = 0.5

// Calculator derives VideoMetrics for a batch.
type Calculator struct {
	likeWeight        float64
	commentWeight     float64
	engagementCap     float64
	freshnessHalfLife float64
	peerWindow        time.Duration
}

// NewCalculator creates a calculator with the configured weights and windows.
func NewCalculator(cfg *config.Config) *Calculator {
	return &Calculator{
		likeWeight:        cfg.LikeWeight,
		commentWeight:     cfg.CommentWeight,
		engagementCap:     cfg.EngagementCap,
		freshnessHalfLife: cfg.FreshnessHalfLife,
		peerWindow:        time.Duration(cfg.PeerWindowHours * float64(time.Hour)),
	}
}

// Compute derives one VideoMetrics per record. The reference time now is
// captured once per run so repeated runs over an unchanged snapshot produce
// identical output. Records missing counters get a degraded row computed from
// the remaining terms and contribute nothing to peer statistics.
func (c *Calculator) Compute(batch []models.VideoRecord, now time.Time) []models.VideoMetrics {
	peers := buildPeerIndex(batch, now, c.peerWindow)

	metrics := make([]models.VideoMetrics, 0, len(batch))
	for i := range batch {
		metrics = append(metrics, c.computeOne(&batch[i], peers, now))
	}

	return metrics
}

func (c *Calculator) computeOne(r *models.VideoRecord, peers *peerIndex, now time.Time) models.VideoMetrics {
	elapsed := now.Sub(r.PublishedAt).Hours()

	m := models.VideoMetrics{
		VideoID:        r.ID,
		FreshnessScore: c.freshness(elapsed),
		PeerGroup: models.PeerGroupKey{
			Category:   r.Category,
			TimeBucket: r.PublishedAt.UTC().Truncate(24 * time.Hour),
		},
		Degraded:   !r.HasCounters(),
		ComputedAt: now,
	}

	if r.ViewCount != nil {
		m.ViewsPerHour = float64(*r.ViewCount) / math.Max(elapsed, minElapsedHours)
		m.EngagementRate = c.engagementRate(r)
	}

	avg, std, n := peers.stats(r)
	m.PeerAvgVelocity = avg
	m.PeerStdVelocity = std

	switch {
	case r.ViewCount == nil:
		// Velocity term not computable; it contributes zero to the score.
		m.NormalizedVelocity = 0
	case n < 2 || std < stdTolerance:
		m.NormalizedVelocity = neutralVelocity
	default:
		z := (m.ViewsPerHour - avg) / std
		m.NormalizedVelocity = clamp01((z + 3) / 6)
	}

	m.TrendScore = clamp01(
		velocityWeight*m.NormalizedVelocity +
			engagementWeight*c.engagementNormalized(m.EngagementRate) +
			freshnessWeight*m.FreshnessScore,
	)

	return m
}

// freshness decays exponentially with age and stays strictly within (0, 1].
func (c *Calculator) freshness(elapsedHours float64) float64 {
	if elapsedHours < 0 {
		elapsedHours = 0
	}
	return math.Exp(-elapsedHours / c.freshnessHalfLife)
}

// engagementRate weights comments above likes (they signal deeper engagement).
// Zero views yields 0, not an error. Missing like or comment counts contribute 0.
func (c *Calculator) engagementRate(r *models.VideoRecord) float64 {
	views := *r.ViewCount
	if views <= 0 {
		return 0
	}

	var weighted float64
	if r.LikeCount != nil {
		weighted += float64(*r.LikeCount) * c.likeWeight
	}
	if r.CommentCount != nil {
		weighted += float64(*r.CommentCount) * c.commentWeight
	}

	return weighted / float64(views)
}

// engagementNormalized caps the raw rate and maps it onto [0, 1]:
// min(rate, cap) / cap. The cap bounds pathological outliers (a raw rate can
// exceed 1 for heavily engaged videos).
func (c *Calculator) engagementNormalized(rate float64) float64 {
	if rate <= 0 {
		return 0
	}
	return math.Min(rate, c.engagementCap) / c.engagementCap
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}

// peerIndex answers peer-group velocity statistics: for a video, its peers are
// every other non-degraded video in the same category published within the
// peer window of it. Population statistics over the peers' own velocities.
type peerIndex struct {
	window     time.Duration
	byCategory map[string][]peerEntry
}

type peerEntry struct {
	videoID   string
	published time.Time
	velocity  float64
}

func buildPeerIndex(batch []models.VideoRecord, now time.Time, window time.Duration) *peerIndex {
	idx := &peerIndex{window: window, byCategory: make(map[string][]peerEntry)}

	for i := range batch {
		r := &batch[i]
		if !r.HasCounters() {
			continue
		}

		elapsed := math.Max(now.Sub(r.PublishedAt).Hours(), minElapsedHours)
		idx.byCategory[r.Category] = append(idx.byCategory[r.Category], peerEntry{
			videoID:   r.ID,
			published: r.PublishedAt,
			velocity:  float64(*r.ViewCount) / elapsed,
		})
	}

	for cat := range idx.byCategory {
		entries := idx.byCategory[cat]
		sort.Slice(entries, func(i, j int) bool {
			return entries[i].published.Before(entries[j].published)
		})
	}

	return idx
}

// stats returns population mean and standard deviation of views_per_hour over
// the record's peers (excluding the record itself), and the peer count.
func (p *peerIndex) stats(r *models.VideoRecord) (avg, std float64, n int) {
	entries := p.byCategory[r.Category]
	if len(entries) == 0 {
		return 0, 0, 0
	}

	lo := r.PublishedAt.Add(-p.window)
	hi := r.PublishedAt.Add(p.window)

	start := sort.Search(len(entries), func(i int) bool {
		return !entries[i].published.Before(lo)
	})
	end := sort.Search(len(entries), func(i int) bool {
		return entries[i].published.After(hi)
	})

	var sum, sumSq float64
	for i := start; i < end; i++ {
		if entries[i].videoID == r.ID {
			continue
		}
		sum += entries[i].velocity
		sumSq += entries[i].velocity * entries[i].velocity
		n++
	}

	if n == 0 {
		return 0, 0, 0
	}

	avg = sum / float64(n)
	variance := sumSq/float64(n) - avg*avg
	if variance < 0 {
		variance = 0 // floating-point cancellation
	}

	return avg, math.Sqrt(variance), n
}
