package service

import (
	"sort"

	"github.com/trendscope/trendscope/internal/models"
	"github.com/trendscope/trendscope/pkg/vecmath"
)

// Deduplicator finds near-identical videos by cosine similarity over their
// embeddings and collapses each linked set to one primary.
type Deduplicator struct {
	threshold float64
}

// NewDeduplicator creates a deduplicator with the given similarity threshold.
func NewDeduplicator(threshold float64) *Deduplicator {
	return &Deduplicator{threshold: threshold}
}

// Detect groups videos whose pairwise similarity reaches the threshold.
// Links are closed transitively via union-find, so groups are symmetric and
// partition a subset of the batch. Pairwise comparison is restricted to
// candidates in the same category: full-batch comparison is O(n^2) and the
// category pre-filter keeps large batches tractable (near-duplicates across
// categories are not expected from the sources we ingest).
//
// Within a group the primary is the member with the highest trend score, ties
// broken by earliest published timestamp, then by id.
func (d *Deduplicator) Detect(
	records map[string]models.VideoRecord,
	metrics map[string]models.VideoMetrics,
	embs []models.Embedding,
) []models.DuplicateGroup {
	if len(embs) < 2 {
		return nil
	}

	// Stable input order so group contents never depend on map iteration.
	sorted := make([]models.Embedding, len(embs))
	copy(sorted, embs)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].VideoID < sorted[j].VideoID })

	byCategory := make(map[string][]int)
	for i := range sorted {
		cat := records[sorted[i].VideoID].Category
		byCategory[cat] = append(byCategory[cat], i)
	}

	uf := newUnionFind(len(sorted))
	pairSim := make(map[[2]int]float64)

	for _, idxs := range byCategory {
		for a := 0; a < len(idxs); a++ {
			for b := a + 1; b < len(idxs); b++ {
				i, j := idxs[a], idxs[b]
				sim := vecmath.CosineSimilarity(sorted[i].Vector, sorted[j].Vector)
				if sim >= d.threshold {
					uf.union(i, j)
					pairSim[[2]int{i, j}] = sim
				}
			}
		}
	}

	// Collect members per root.
	groups := make(map[int][]int)
	for i := range sorted {
		root := uf.find(i)
		groups[root] = append(groups[root], i)
	}

	var out []models.DuplicateGroup
	for _, members := range groups {
		if len(members) < 2 {
			continue
		}
		out = append(out, d.buildGroup(sorted, members, records, metrics, pairSim, uf))
	}

	sort.Slice(out, func(i, j int) bool { return out[i].PrimaryVideoID < out[j].PrimaryVideoID })

	return out
}

func (d *Deduplicator) buildGroup(
	embs []models.Embedding,
	members []int,
	records map[string]models.VideoRecord,
	metrics map[string]models.VideoMetrics,
	pairSim map[[2]int]float64,
	uf *unionFind,
) models.DuplicateGroup {
	ids := make([]string, 0, len(members))
	for _, i := range members {
		ids = append(ids, embs[i].VideoID)
	}
	sort.Strings(ids)

	primary := ids[0]
	for _, id := range ids[1:] {
		if betterPrimary(id, primary, records, metrics) {
			primary = id
		}
	}

	root := uf.find(members[0])
	maxSim := 0.0
	for pair, sim := range pairSim {
		if uf.find(pair[0]) == root && sim > maxSim {
			maxSim = sim
		}
	}

	return models.DuplicateGroup{
		PrimaryVideoID: primary,
		MemberIDs:      ids,
		MaxSimilarity:  maxSim,
	}
}

// betterPrimary reports whether candidate should replace current as the group
// primary: higher trend score, then earlier published, then smaller id.
func betterPrimary(candidate, current string, records map[string]models.VideoRecord, metrics map[string]models.VideoMetrics) bool {
	cm, okC := metrics[candidate]
	pm, okP := metrics[current]

	switch {
	case okC && okP && cm.TrendScore != pm.TrendScore:
		return cm.TrendScore > pm.TrendScore
	case okC != okP:
		return okC
	}

	cr, pr := records[candidate], records[current]
	if !cr.PublishedAt.Equal(pr.PublishedAt) {
		return cr.PublishedAt.Before(pr.PublishedAt)
	}

	return candidate < current
}

// unionFind is a disjoint-set structure with path compression and union by size.
type unionFind struct {
	parent []int
	size   []int
}

func newUnionFind(n int) *unionFind {
	uf := &unionFind{parent: make([]int, n), size: make([]int, n)}
	for i := range uf.parent {
		uf.parent[i] = i
		uf.size[i] = 1
	}
	return uf
}

func (u *unionFind) find(x int) int {
	for u.parent[x] != x {
		u.parent[x] = u.parent[u.parent[x]]
		x = u.parent[x]
	}
	return x
}

func (u *unionFind) union(a, b int) {
	ra, rb := u.find(a), u.find(b)
	if ra == rb {
		return
	}
	if u.size[ra] < u.size[rb] {
		ra, rb = rb, ra
	}
	u.parent[rb] = ra
	u.size[ra] += u.size[rb]
}
