// Package models defines the data types shared across the pipeline:
// video records, derived metrics, embeddings, duplicate groups, and clusters.
package models

import "time"

// VideoRecord is one ingested video. It is owned by the ingestion layer and
// treated as read-only input for a pipeline run; counters are pointers because
// some sources omit them.
type VideoRecord struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	Description  *string   `json:"description,omitempty"`
	Category     string    `json:"category"`
	ChannelID    string    `json:"channel_id"`
	PublishedAt  time.Time `json:"published_at"`
	ViewCount    *int64    `json:"view_count,omitempty"`
	LikeCount    *int64    `json:"like_count,omitempty"`
	CommentCount *int64    `json:"comment_count,omitempty"`
	IngestedAt   time.Time `json:"ingested_at"`
}

// HasCounters reports whether all engagement counters are present.
// Records missing any counter are excluded from peer-group statistics.
func (v *VideoRecord) HasCounters() bool {
	return v.ViewCount != nil && v.LikeCount != nil && v.CommentCount != nil
}
