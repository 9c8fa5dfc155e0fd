package analyses

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrRetryRequired = errors.New("retry required")
	// ErrSizeExceeded means the combined content bytes crossed the hard
	// ceiling. Raised before any token estimate or provider call.
	ErrSizeExceeded = errors.New("content size exceeds limit")
	// ErrEmptyContent means no item survived validation.
	ErrEmptyContent          = errors.New("no non-empty content items")
	ErrJobQueueNotConfigured = errors.New("job queue not configured")
)

// Stable error codes carried on failed analysis records.
const (
	ErrorCodeSizeExceeded        = "SIZE_EXCEEDED"
	ErrorCodeQuotaExceeded       = "QUOTA_EXCEEDED"
	ErrorCodeTransient           = "TRANSIENT_ERROR"
	ErrorCodeValidationFailed    = "VALIDATION_FAILED"
	ErrorCodeUnknownProvider     = "UNKNOWN_PROVIDER"
	ErrorCodePartialChunkFailure = "PARTIAL_CHUNK_FAILURE"
	ErrorCodeTimeout             = "TIMEOUT"
	ErrorCodeStorage             = "STORAGE_ERROR"
	ErrorCodeInternal            = "INTERNAL_ERROR"
)

// StageError ties a pipeline failure to the stage (and chunk) it
// happened in.
type StageError struct {
	Stage string
	// Chunk is the failing chunk index for map-phase errors, -1 otherwise.
	Chunk int
	Err   error
}

// Error implements error.
func (e *StageError) Error() string {
	if e.Chunk >= 0 {
		return fmt.Sprintf("stage %s chunk %d: %v", e.Stage, e.Chunk, e.Err)
	}
	return fmt.Sprintf("stage %s: %v", e.Stage, e.Err)
}

// Unwrap exposes the underlying cause.
func (e *StageError) Unwrap() error { return e.Err }

func stageErr(stage string, err error) error {
	return &StageError{Stage: stage, Chunk: -1, Err: err}
}

func chunkErr(stage string, chunk int, err error) error {
	return &StageError{Stage: stage, Chunk: chunk, Err: err}
}
