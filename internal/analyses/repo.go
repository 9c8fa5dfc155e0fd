package analyses

import (
	"context"
	"time"
)

// Repo defines persistence for analysis job records.
type Repo interface {
	Create(ctx context.Context, analysis Analysis) error
	GetByID(ctx context.Context, analysisID string) (Analysis, error)
	// GetOrCreateForProject reuses the latest analysis for the
	// (project, persona, content type) key when it is still queued,
	// processing or completed; failed records are reused only when
	// allowRetry is false, otherwise a new record is created.
	GetOrCreateForProject(ctx context.Context, analysis Analysis, allowRetry bool) (Analysis, bool, error)
	ListByProject(ctx context.Context, projectID string, limit, offset int) ([]Analysis, error)
	UpdateStatus(ctx context.Context, analysisID, status string, startedAt *time.Time) error
	UpdateResult(ctx context.Context, analysisID string, result *MergedResult, completedAt time.Time) error
	UpdateFailure(ctx context.Context, analysisID, code, message string, retryable bool, completedAt time.Time) error
}

// ResultRepo persists the versioned latest result per
// (project, persona, content type) key.
type ResultRepo interface {
	Latest(ctx context.Context, projectID string, persona Persona, contentType string) (StoredResult, error)
	// Upsert stores the result, incrementing Version and preserving
	// CreatedAt when a previous version exists.
	Upsert(ctx context.Context, projectID string, persona Persona, contentType string, result MergedResult) (StoredResult, error)
}
