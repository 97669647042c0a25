package service

import (
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/trendscope/trendscope/internal/models"
	"github.com/trendscope/trendscope/pkg/vecmath"
)

// clusterIDNamespace is the fixed namespace for deriving cluster IDs from the
// sorted member list, so an unchanged batch yields identical cluster IDs.
var clusterIDNamespace = uuid.MustParse("7a1d2c5e-4b8f-49a3-9c37-f21d80be6a15")

// noiseLabel marks points that do not satisfy the density criterion.
const noiseLabel = -1

// maxKeywords is how many label terms are kept per cluster.
const maxKeywords = 5

// Clusterer groups non-duplicate videos into topic clusters with DBSCAN over
// cosine distance.
type Clusterer struct {
	eps        float64
	minSamples int
}

// NewClusterer creates a clusterer with the given density parameters: eps is
// the neighborhood radius in cosine distance, minSamples the minimum
// neighborhood size (the point itself included) to form a cluster.
func NewClusterer(eps float64, minSamples int) *Clusterer {
	return &Clusterer{eps: eps, minSamples: minSamples}
}

// ClusterOutcome is the result of one clustering pass.
type ClusterOutcome struct {
	Clusters    []models.Cluster
	Memberships []models.ClusterMembership
	NoiseIDs    []string
}

// Cluster runs DBSCAN over the embeddings and derives a label, keywords,
// representative, and average trend score per cluster. Inputs are sorted by
// video id before the algorithm runs so assignment never depends on iteration
// order. A batch smaller than minSamples yields zero clusters, not an error.
func (c *Clusterer) Cluster(
	embs []models.Embedding,
	records map[string]models.VideoRecord,
	metrics map[string]models.VideoMetrics,
) *ClusterOutcome {
	sorted := make([]models.Embedding, len(embs))
	copy(sorted, embs)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].VideoID < sorted[j].VideoID })

	if len(sorted) < c.minSamples {
		out := &ClusterOutcome{}
		for _, e := range sorted {
			out.NoiseIDs = append(out.NoiseIDs, e.VideoID)
		}
		return out
	}

	labels := c.dbscan(sorted)

	byLabel := make(map[int][]int)
	for i, label := range labels {
		byLabel[label] = append(byLabel[label], i)
	}

	out := &ClusterOutcome{}
	for _, i := range byLabel[noiseLabel] {
		out.NoiseIDs = append(out.NoiseIDs, sorted[i].VideoID)
	}

	labelIDs := make([]int, 0, len(byLabel))
	for label := range byLabel {
		if label != noiseLabel {
			labelIDs = append(labelIDs, label)
		}
	}
	sort.Ints(labelIDs)

	for _, label := range labelIDs {
		cluster, memberships := c.buildCluster(sorted, byLabel[label], records, metrics)
		out.Clusters = append(out.Clusters, cluster)
		out.Memberships = append(out.Memberships, memberships...)
	}

	return out
}

// dbscan assigns a cluster label per point, or noiseLabel. Points are visited
// in input (id-sorted) order, which fixes the assignment of border points
// reachable from more than one cluster.
func (c *Clusterer) dbscan(embs []models.Embedding) []int {
	n := len(embs)

	neighbors := make([][]int, n)
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			if vecmath.CosineDistance(embs[i].Vector, embs[j].Vector) <= c.eps {
				neighbors[i] = append(neighbors[i], j)
				neighbors[j] = append(neighbors[j], i)
			}
		}
	}

	const unvisited = -2
	labels := make([]int, n)
	for i := range labels {
		labels[i] = unvisited
	}

	next := 0
	for i := 0; i < n; i++ {
		if labels[i] != unvisited {
			continue
		}
		if len(neighbors[i])+1 < c.minSamples {
			labels[i] = noiseLabel
			continue
		}

		labels[i] = next
		queue := append([]int(nil), neighbors[i]...)
		for qi := 0; qi < len(queue); qi++ {
			j := queue[qi]
			if labels[j] == noiseLabel {
				labels[j] = next // border point
			}
			if labels[j] != unvisited {
				continue
			}
			labels[j] = next
			if len(neighbors[j])+1 >= c.minSamples {
				queue = append(queue, neighbors[j]...)
			}
		}
		next++
	}

	return labels
}

func (c *Clusterer) buildCluster(
	embs []models.Embedding,
	members []int,
	records map[string]models.VideoRecord,
	metrics map[string]models.VideoMetrics,
) (models.Cluster, []models.ClusterMembership) {
	ids := make([]string, 0, len(members))
	for _, i := range members {
		ids = append(ids, embs[i].VideoID)
	}
	sort.Strings(ids)

	representative := ids[0]
	var trendSum float64
	for _, id := range ids {
		m := metrics[id]
		trendSum += m.TrendScore
		if m.TrendScore > metrics[representative].TrendScore {
			representative = id
		}
	}

	keywords := topTitleTerms(ids, records)
	label := deriveLabel(keywords, records[representative].Title)

	cluster := models.Cluster{
		ID:                    uuid.NewSHA1(clusterIDNamespace, []byte(strings.Join(ids, "\n"))),
		Label:                 label,
		Keywords:              keywords,
		MemberIDs:             ids,
		Size:                  len(ids),
		AvgTrendScore:         trendSum / float64(len(ids)),
		RepresentativeVideoID: representative,
	}

	repVector := vectorFor(embs, representative)
	memberships := make([]models.ClusterMembership, 0, len(ids))
	for _, id := range ids {
		memberships = append(memberships, models.ClusterMembership{
			VideoID:   id,
			ClusterID: cluster.ID,
			Distance:  vecmath.CosineDistance(vectorFor(embs, id), repVector),
		})
	}

	return cluster, memberships
}

func vectorFor(embs []models.Embedding, id string) []float32 {
	idx := sort.Search(len(embs), func(i int) bool { return embs[i].VideoID >= id })
	if idx < len(embs) && embs[idx].VideoID == id {
		return embs[idx].Vector
	}
	return nil
}

// topTitleTerms returns the most frequent non-stopword terms across member
// titles, most frequent first, ties broken lexicographically.
func topTitleTerms(ids []string, records map[string]models.VideoRecord) []string {
	counts := make(map[string]int)
	for _, id := range ids {
		for _, term := range titleTerms(records[id].Title) {
			counts[term]++
		}
	}

	terms := make([]string, 0, len(counts))
	for term := range counts {
		terms = append(terms, term)
	}
	sort.Slice(terms, func(i, j int) bool {
		if counts[terms[i]] != counts[terms[j]] {
			return counts[terms[i]] > counts[terms[j]]
		}
		return terms[i] < terms[j]
	})

	if len(terms) > maxKeywords {
		terms = terms[:maxKeywords]
	}
	return terms
}

// deriveLabel prefers the most frequent term; when term extraction yields
// nothing it falls back to the first three words of the representative title.
func deriveLabel(keywords []string, representativeTitle string) string {
	if len(keywords) > 0 {
		return keywords[0]
	}

	words := strings.Fields(representativeTitle)
	if len(words) > 3 {
		words = words[:3]
	}
	if label := strings.Join(words, " "); label != "" {
		return label
	}
	return "Unlabeled Cluster"
}

// titleTerms tokenizes a title: lowercase, strip non-alphanumeric runes,
// drop stopwords and terms shorter than 3 characters.
func titleTerms(title string) []string {
	fields := strings.FieldsFunc(strings.ToLower(title), func(r rune) bool {
		return !('a' <= r && r <= 'z' || '0' <= r && r <= '9')
	})

	var terms []string
	for _, f := range fields {
		if len(f) < 3 || stopwords[f] {
			continue
		}
		terms = append(terms, f)
	}
	return terms
}

// stopwords is a small English stopword list for title term extraction.
var stopwords = map[string]bool{
	"the": true, "and": true, "for": true, "are": true, "but": true,
	"not": true, "you": true, "your": true, "all": true, "any": true,
	"can": true, "had": true, "her": true, "was": true, "one": true,
	"our": true, "out": true, "has": true, "him": true, "his": true,
	"how": true, "its": true, "new": true, "now": true, "old": true,
	"see": true, "two": true, "way": true, "who": true, "why": true,
	"did": true, "get": true, "got": true, "let": true, "say": true,
	"she": true, "too": true, "use": true, "that": true, "this": true,
	"with": true, "they": true, "them": true, "then": true, "than": true,
	"what": true, "when": true, "will": true, "would": true, "there": true,
	"their": true, "these": true, "those": true, "from": true, "have": true,
	"here": true, "just": true, "like": true, "more": true, "most": true,
	"only": true, "over": true, "some": true, "such": true, "very": true,
	"into": true, "about": true, "after": true, "before": true, "being": true,
	"while": true, "where": true, "which": true, "yours": true, "every": true,
	"video": true, "watch": true, "official": true, "shorts": true,
}
