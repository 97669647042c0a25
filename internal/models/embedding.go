package models

// Embedding is one dense vector per video per run, produced by the external
// text-embedding model. Never mutated after creation.
type Embedding struct {
	VideoID string    `json:"video_id"`
	Vector  []float32 `json:"vector"`
	Model   string    `json:"model"`
}
