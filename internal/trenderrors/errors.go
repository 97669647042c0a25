// Package trenderrors provides the error taxonomy for pipeline runs.
//
// Per-item conditions (a video missing counters, a degenerate peer group, a
// single failed embedding request) are recovered locally and never surface as
// errors; they are reflected in RunReport counts. Only run-fatal conditions
// become errors, and each carries a ReasonCode so the query layer can tell a
// failed run from an empty-but-successful one.
package trenderrors

import (
	"errors"
	"fmt"

	"github.com/trendscope/trendscope/internal/models"
)

// RunError is a fatal pipeline run failure. The run aborts before commit and
// prior persisted state remains authoritative.
type RunError struct {
	Reason  models.ReasonCode
	Message string
	Err     error
}

// Error implements the error interface.
func (e *RunError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap returns the wrapped cause.
func (e *RunError) Unwrap() error {
	return e.Err
}

// Is matches any RunError with the same reason code.
func (e *RunError) Is(target error) bool {
	t, ok := target.(*RunError)
	if !ok {
		return false
	}
	return t.Reason == "" || t.Reason == e.Reason
}

// ErrEmbeddingServiceUnavailable matches a total embedding outage for the batch.
var ErrEmbeddingServiceUnavailable = &RunError{Reason: models.ReasonEmbeddingServiceUnavailable}

// ErrBatchTimeout matches a run aborted by the batch-level timeout.
var ErrBatchTimeout = &RunError{Reason: models.ReasonBatchTimeout}

// ErrRunCancelled matches a run aborted by caller cancellation, e.g. a
// shutdown signal while the worker is mid-run.
var ErrRunCancelled = &RunError{Reason: models.ReasonRunCancelled}

// NewEmbeddingServiceUnavailable reports that every embedding request in the
// batch failed, which is fatal (a partial outage is a skip count instead).
func NewEmbeddingServiceUnavailable(err error) *RunError {
	return &RunError{
		Reason:  models.ReasonEmbeddingServiceUnavailable,
		Message: "embedding service unavailable for the whole batch",
		Err:     err,
	}
}

// NewBatchTimeout reports that the batch-level timeout elapsed mid-run.
func NewBatchTimeout(err error) *RunError {
	return &RunError{
		Reason:  models.ReasonBatchTimeout,
		Message: "batch timeout elapsed before the run completed",
		Err:     err,
	}
}

// NewRunCancelled reports that the run's context was cancelled mid-run. This
// is distinct from the batch timeout: nothing was slow, the caller asked the
// run to stop.
func NewRunCancelled(err error) *RunError {
	return &RunError{
		Reason:  models.ReasonRunCancelled,
		Message: "run cancelled before completion",
		Err:     err,
	}
}

// NewSnapshotFailed reports that the batch snapshot could not be loaded.
func NewSnapshotFailed(err error) *RunError {
	return &RunError{
		Reason:  models.ReasonSnapshotFailed,
		Message: "loading batch snapshot failed",
		Err:     err,
	}
}

// NewPersistFailed reports that committing derived state failed.
func NewPersistFailed(err error) *RunError {
	return &RunError{
		Reason:  models.ReasonPersistFailed,
		Message: "committing derived state failed",
		Err:     err,
	}
}

// ReasonOf extracts the reason code from an error chain. Errors that are not
// RunErrors map to ReasonPersistFailed only when wrapped as such; anything
// unclassified reports an empty code.
func ReasonOf(err error) models.ReasonCode {
	var re *RunError
	if errors.As(err, &re) {
		return re.Reason
	}
	return ""
}
