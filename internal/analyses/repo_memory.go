package analyses

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryRepo is an in-memory Repo for tests and local development.
type MemoryRepo struct {
	mu       sync.RWMutex
	byID     map[string]Analysis
	byScopeK map[string][]string // scope key -> analysis ids, append order
}

// NewMemoryRepo constructs an empty MemoryRepo.
func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{
		byID:     make(map[string]Analysis),
		byScopeK: make(map[string][]string),
	}
}

func scopeKey(projectID string, persona Persona, contentType string) string {
	return projectID + "|" + string(persona) + "|" + contentType
}

// Create inserts a new analysis.
func (r *MemoryRepo) Create(ctx context.Context, analysis Analysis) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.insertLocked(analysis)
	return nil
}

func (r *MemoryRepo) insertLocked(analysis Analysis) {
	r.byID[analysis.ID] = analysis
	key := scopeKey(analysis.ProjectID, analysis.Persona, analysis.ContentType)
	r.byScopeK[key] = append(r.byScopeK[key], analysis.ID)
}

// GetByID returns an analysis by ID.
func (r *MemoryRepo) GetByID(ctx context.Context, analysisID string) (Analysis, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.byID[analysisID]
	if !ok {
		return Analysis{}, ErrNotFound
	}
	return a, nil
}

// GetOrCreateForProject implements the reuse semantics of Repo.
func (r *MemoryRepo) GetOrCreateForProject(ctx context.Context, analysis Analysis, allowRetry bool) (Analysis, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := scopeKey(analysis.ProjectID, analysis.Persona, analysis.ContentType)
	ids := r.byScopeK[key]
	if len(ids) > 0 {
		latest := r.byID[ids[len(ids)-1]]
		switch latest.Status {
		case StatusQueued, StatusProcessing, StatusCompleted:
			return latest, false, nil
		case StatusFailed:
			if !allowRetry {
				return latest, false, ErrRetryRequired
			}
		}
	}
	r.insertLocked(analysis)
	return analysis, true, nil
}

// ListByProject lists analyses newest-first.
func (r *MemoryRepo) ListByProject(ctx context.Context, projectID string, limit, offset int) ([]Analysis, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Analysis
	for _, a := range r.byID {
		if a.ProjectID == projectID {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

// UpdateStatus moves an analysis to status, recording startedAt when given.
func (r *MemoryRepo) UpdateStatus(ctx context.Context, analysisID, status string, startedAt *time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.byID[analysisID]
	if !ok {
		return ErrNotFound
	}
	a.Status = status
	if startedAt != nil {
		a.StartedAt = startedAt
	}
	a.UpdatedAt = time.Now().UTC()
	r.byID[analysisID] = a
	return nil
}

// UpdateResult records a completed result.
func (r *MemoryRepo) UpdateResult(ctx context.Context, analysisID string, result *MergedResult, completedAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.byID[analysisID]
	if !ok {
		return ErrNotFound
	}
	a.Status = StatusCompleted
	a.Result = result
	a.CompletedAt = &completedAt
	a.UpdatedAt = time.Now().UTC()
	r.byID[analysisID] = a
	return nil
}

// UpdateFailure records a failed run.
func (r *MemoryRepo) UpdateFailure(ctx context.Context, analysisID, code, message string, retryable bool, completedAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.byID[analysisID]
	if !ok {
		return ErrNotFound
	}
	a.Status = StatusFailed
	a.ErrorCode = code
	a.ErrorMessage = &message
	a.ErrorRetryable = retryable
	a.CompletedAt = &completedAt
	a.UpdatedAt = time.Now().UTC()
	r.byID[analysisID] = a
	return nil
}

var _ Repo = (*MemoryRepo)(nil)

// MemoryResultRepo is an in-memory ResultRepo.
type MemoryResultRepo struct {
	mu      sync.RWMutex
	results map[string]StoredResult
}

// NewMemoryResultRepo constructs an empty MemoryResultRepo.
func NewMemoryResultRepo() *MemoryResultRepo {
	return &MemoryResultRepo{results: make(map[string]StoredResult)}
}

// Latest returns the stored result for the key.
func (r *MemoryResultRepo) Latest(ctx context.Context, projectID string, persona Persona, contentType string) (StoredResult, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	res, ok := r.results[scopeKey(projectID, persona, contentType)]
	if !ok {
		return StoredResult{}, ErrNotFound
	}
	return res, nil
}

// Upsert stores the result, bumping Version and keeping CreatedAt.
func (r *MemoryResultRepo) Upsert(ctx context.Context, projectID string, persona Persona, contentType string, result MergedResult) (StoredResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := scopeKey(projectID, persona, contentType)
	now := time.Now().UTC()
	stored := StoredResult{
		ProjectID:   projectID,
		Persona:     persona,
		ContentType: contentType,
		Version:     1,
		Result:      result,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if prev, ok := r.results[key]; ok {
		stored.Version = prev.Version + 1
		stored.CreatedAt = prev.CreatedAt
	}
	r.results[key] = stored
	return stored, nil
}

var _ ResultRepo = (*MemoryResultRepo)(nil)
