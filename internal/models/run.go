package models

import (
	"time"

	"github.com/google/uuid"
)

// RunStage names the pipeline stages in execution order.
type RunStage string

const (
	StageIngested         RunStage = "ingested"
	StageFeaturesComputed RunStage = "features_computed"
	StageEmbedded         RunStage = "embedded"
	StageDeduplicated     RunStage = "deduplicated"
	StageClustered        RunStage = "clustered"
	StagePersisted        RunStage = "persisted"
)

// RunStatus is the terminal state of a pipeline run.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusFailed    RunStatus = "failed"
)

// ReasonCode tells consumers why a run ended the way it did. An empty batch or
// too few videos to cluster is a successful run with a non-ok reason, not a
// failure; the query layer must be able to tell the two apart.
type ReasonCode string

const (
	ReasonOK                          ReasonCode = "ok"
	ReasonInsufficientBatch           ReasonCode = "insufficient_batch"
	ReasonEmbeddingServiceUnavailable ReasonCode = "embedding_service_unavailable"
	ReasonBatchTimeout                ReasonCode = "batch_timeout"
	ReasonRunCancelled                ReasonCode = "run_cancelled"
	ReasonSnapshotFailed              ReasonCode = "snapshot_failed"
	ReasonPersistFailed               ReasonCode = "persist_failed"
)

// RunReport carries per-stage counts for one run.
type RunReport struct {
	Records          int `json:"records"`
	DegradedRecords  int `json:"degraded_records"`
	Embedded         int `json:"embedded"`
	EmbeddingSkipped int `json:"embedding_skipped"`
	DuplicateGroups  int `json:"duplicate_groups"`
	Duplicates       int `json:"duplicates"`
	Clusters         int `json:"clusters"`
	Clustered        int `json:"clustered"`
	Noise            int `json:"noise"`
}

// PipelineRun is the bookkeeping row for one batch run.
type PipelineRun struct {
	ID         uuid.UUID  `json:"id"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt time.Time  `json:"finished_at"`
	Status     RunStatus  `json:"status"`
	Reason     ReasonCode `json:"reason"`
	Report     RunReport  `json:"report"`
}

// DerivedState is everything one run produces. It is committed as a unit,
// replacing the previous run's derived state; on failure nothing is written.
type DerivedState struct {
	Run             PipelineRun         `json:"run"`
	Metrics         []VideoMetrics      `json:"metrics"`
	Embeddings      []Embedding         `json:"embeddings"`
	DuplicateGroups []DuplicateGroup    `json:"duplicate_groups"`
	Clusters        []Cluster           `json:"clusters"`
	Memberships     []ClusterMembership `json:"memberships"`
	NoiseVideoIDs   []string            `json:"noise_video_ids"`
}
