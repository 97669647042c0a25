package models

import "github.com/google/uuid"

// Cluster is one topic group produced by density-based clustering. The cluster
// set is fully replaced each run; IDs are derived from the sorted member list
// so an unchanged batch yields identical clusters.
type Cluster struct {
	ID                    uuid.UUID `json:"id"`
	Label                 string    `json:"label"`
	Keywords              []string  `json:"keywords,omitempty"`
	MemberIDs             []string  `json:"member_ids"`
	Size                  int       `json:"size"`
	AvgTrendScore         float64   `json:"avg_trend_score"`
	RepresentativeVideoID string    `json:"representative_video_id"`
}

// ClusterMembership links a video to its cluster with the cosine distance to
// the cluster representative's embedding. Rebuilt from scratch each run.
type ClusterMembership struct {
	VideoID   string    `json:"video_id"`
	ClusterID uuid.UUID `json:"cluster_id"`
	Distance  float64   `json:"distance"`
}

// AssignmentKind says how a video relates to the cluster set.
type AssignmentKind string

const (
	AssignmentClustered   AssignmentKind = "clustered"
	AssignmentDuplicate   AssignmentKind = "duplicate"
	AssignmentUnclustered AssignmentKind = "unclustered"
)

// VideoAssignment is the per-video cluster assignment exposed to the query
// layer: a cluster id, a "duplicate-of-X" reference, or unclustered (noise).
type VideoAssignment struct {
	Kind           AssignmentKind `json:"kind"`
	ClusterID      *uuid.UUID     `json:"cluster_id,omitempty"`
	PrimaryVideoID *string        `json:"primary_video_id,omitempty"`
}

// VideoDetail is the full per-video view: record, metrics, and assignment.
type VideoDetail struct {
	Record     VideoRecord     `json:"record"`
	Metrics    *VideoMetrics   `json:"metrics,omitempty"`
	Assignment VideoAssignment `json:"assignment"`
}

// ClusterDetail is a cluster plus its full member list.
type ClusterDetail struct {
	Cluster Cluster       `json:"cluster"`
	Members []VideoDetail `json:"members"`
}
