package models

// DuplicateGroup is a set of near-identical videos collapsed to one primary.
// Groups partition a subset of the batch: no video appears in two groups, and
// membership is the transitive closure of pairwise similarity links.
type DuplicateGroup struct {
	PrimaryVideoID string   `json:"primary_video_id"`
	MemberIDs      []string `json:"member_ids"` // includes the primary, sorted by id
	MaxSimilarity  float64  `json:"max_similarity"`
}
