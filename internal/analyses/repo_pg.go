package analyses

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"
)

// PGRepo implements Repo using Postgres.
type PGRepo struct {
	DB *sql.DB
}

const analysisColumns = `
id, project_id, persona, content_type, provider, status, request, result,
error_code, error_message, error_retryable, started_at, completed_at, created_at, updated_at`

// Create inserts a new analysis.
func (r *PGRepo) Create(ctx context.Context, analysis Analysis) error {
	const query = `
INSERT INTO analyses (
	id, project_id, persona, content_type, provider, status, request, created_at
)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	reqPayload, err := json.Marshal(analysis.Request)
	if err != nil {
		return err
	}
	_, err = r.DB.ExecContext(ctx, query,
		analysis.ID,
		analysis.ProjectID,
		string(analysis.Persona),
		analysis.ContentType,
		analysis.Provider,
		analysis.Status,
		reqPayload,
		analysis.CreatedAt,
	)
	return err
}

// GetByID returns an analysis by ID.
func (r *PGRepo) GetByID(ctx context.Context, analysisID string) (Analysis, error) {
	const query = `
SELECT ` + analysisColumns + `
FROM analyses
WHERE id = $1
LIMIT 1`
	return scanAnalysis(r.DB.QueryRowContext(ctx, query, analysisID))
}

// GetOrCreateForProject reuses the latest analysis for the scope or
// creates a new one, serialized per scope with an advisory-style row
// ordering on created_at.
func (r *PGRepo) GetOrCreateForProject(ctx context.Context, analysis Analysis, allowRetry bool) (Analysis, bool, error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return Analysis{}, false, err
	}
	defer tx.Rollback()

	const latestQuery = `
SELECT ` + analysisColumns + `
FROM analyses
WHERE project_id = $1 AND persona = $2 AND content_type = $3
ORDER BY created_at DESC
LIMIT 1
FOR UPDATE`
	latest, err := scanAnalysis(tx.QueryRowContext(ctx, latestQuery,
		analysis.ProjectID, string(analysis.Persona), analysis.ContentType))
	if err == nil {
		switch latest.Status {
		case StatusQueued, StatusProcessing, StatusCompleted:
			if err := tx.Commit(); err != nil {
				return Analysis{}, false, err
			}
			return latest, false, nil
		case StatusFailed:
			if !allowRetry {
				if err := tx.Commit(); err != nil {
					return Analysis{}, false, err
				}
				return latest, false, ErrRetryRequired
			}
		}
	} else if !errors.Is(err, ErrNotFound) {
		return Analysis{}, false, err
	}

	reqPayload, err := json.Marshal(analysis.Request)
	if err != nil {
		return Analysis{}, false, err
	}
	const insertQuery = `
INSERT INTO analyses (
	id, project_id, persona, content_type, provider, status, request, created_at
)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	if _, err := tx.ExecContext(ctx, insertQuery,
		analysis.ID,
		analysis.ProjectID,
		string(analysis.Persona),
		analysis.ContentType,
		analysis.Provider,
		analysis.Status,
		reqPayload,
		analysis.CreatedAt,
	); err != nil {
		return Analysis{}, false, err
	}
	if err := tx.Commit(); err != nil {
		return Analysis{}, false, err
	}
	return analysis, true, nil
}

// ListByProject lists analyses newest-first.
func (r *PGRepo) ListByProject(ctx context.Context, projectID string, limit, offset int) ([]Analysis, error) {
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	const query = `
SELECT ` + analysisColumns + `
FROM analyses
WHERE project_id = $1
ORDER BY created_at DESC
LIMIT $2 OFFSET $3`
	rows, err := r.DB.QueryContext(ctx, query, projectID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Analysis
	for rows.Next() {
		a, err := scanAnalysis(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// UpdateStatus updates status, recording started_at on first processing.
func (r *PGRepo) UpdateStatus(ctx context.Context, analysisID, status string, startedAt *time.Time) error {
	const query = `
UPDATE analyses
SET status = $1,
    started_at = CASE
        WHEN $2::timestamptz IS NOT NULL THEN $2::timestamptz
        WHEN $1 = 'processing' AND started_at IS NULL THEN now()
        ELSE started_at
    END,
    updated_at = now()
WHERE id = $3::uuid`
	res, err := r.DB.ExecContext(ctx, query, status, startedAt, analysisID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateResult stores a completed result.
func (r *PGRepo) UpdateResult(ctx context.Context, analysisID string, result *MergedResult, completedAt time.Time) error {
	payload, err := json.Marshal(result)
	if err != nil {
		return err
	}
	const query = `
UPDATE analyses
SET status = 'completed',
    result = $1::jsonb,
    completed_at = $2::timestamptz,
    updated_at = now()
WHERE id = $3::uuid`
	res, err := r.DB.ExecContext(ctx, query, payload, completedAt, analysisID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateFailure stores failure metadata.
func (r *PGRepo) UpdateFailure(ctx context.Context, analysisID, code, message string, retryable bool, completedAt time.Time) error {
	const query = `
UPDATE analyses
SET status = 'failed',
    error_code = $1,
    error_message = $2,
    error_retryable = $3,
    completed_at = $4::timestamptz,
    updated_at = now()
WHERE id = $5::uuid`
	res, err := r.DB.ExecContext(ctx, query, code, message, retryable, completedAt, analysisID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

var _ Repo = (*PGRepo)(nil)

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAnalysis(row rowScanner) (Analysis, error) {
	var a Analysis
	var persona string
	var request sql.NullString
	var result sql.NullString
	var errorCode sql.NullString
	var errorMessage sql.NullString
	var errorRetryable sql.NullBool
	var startedAt sql.NullTime
	var completedAt sql.NullTime
	err := row.Scan(
		&a.ID,
		&a.ProjectID,
		&persona,
		&a.ContentType,
		&a.Provider,
		&a.Status,
		&request,
		&result,
		&errorCode,
		&errorMessage,
		&errorRetryable,
		&startedAt,
		&completedAt,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Analysis{}, ErrNotFound
		}
		return Analysis{}, err
	}
	a.Persona = Persona(persona)
	if request.Valid {
		_ = json.Unmarshal([]byte(request.String), &a.Request)
	}
	if result.Valid {
		var merged MergedResult
		if err := json.Unmarshal([]byte(result.String), &merged); err == nil {
			a.Result = &merged
		}
	}
	if errorCode.Valid {
		a.ErrorCode = errorCode.String
	}
	if errorMessage.Valid {
		a.ErrorMessage = &errorMessage.String
	}
	if errorRetryable.Valid {
		a.ErrorRetryable = errorRetryable.Bool
	}
	if startedAt.Valid {
		a.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		a.CompletedAt = &completedAt.Time
	}
	return a, nil
}

// PGResultRepo implements ResultRepo using Postgres. Versions increment
// in place; created_at survives re-analysis.
type PGResultRepo struct {
	DB *sql.DB
}

// Latest returns the stored result for the key.
func (r *PGResultRepo) Latest(ctx context.Context, projectID string, persona Persona, contentType string) (StoredResult, error) {
	const query = `
SELECT project_id, persona, content_type, version, result, created_at, updated_at
FROM analysis_results
WHERE project_id = $1 AND persona = $2 AND content_type = $3
LIMIT 1`
	var out StoredResult
	var personaRaw string
	var payload []byte
	err := r.DB.QueryRowContext(ctx, query, projectID, string(persona), contentType).Scan(
		&out.ProjectID,
		&personaRaw,
		&out.ContentType,
		&out.Version,
		&payload,
		&out.CreatedAt,
		&out.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return StoredResult{}, ErrNotFound
		}
		return StoredResult{}, err
	}
	out.Persona = Persona(personaRaw)
	if err := json.Unmarshal(payload, &out.Result); err != nil {
		return StoredResult{}, err
	}
	return out, nil
}

// Upsert stores the result for the key.
func (r *PGResultRepo) Upsert(ctx context.Context, projectID string, persona Persona, contentType string, result MergedResult) (StoredResult, error) {
	payload, err := json.Marshal(result)
	if err != nil {
		return StoredResult{}, err
	}
	const query = `
INSERT INTO analysis_results (project_id, persona, content_type, version, result, created_at, updated_at)
VALUES ($1, $2, $3, 1, $4::jsonb, now(), now())
ON CONFLICT (project_id, persona, content_type) DO UPDATE
SET version = analysis_results.version + 1,
    result = EXCLUDED.result,
    updated_at = now()
RETURNING version, created_at, updated_at`
	out := StoredResult{
		ProjectID:   projectID,
		Persona:     persona,
		ContentType: contentType,
		Result:      result,
	}
	if err := r.DB.QueryRowContext(ctx, query, projectID, string(persona), contentType, payload).
		Scan(&out.Version, &out.CreatedAt, &out.UpdatedAt); err != nil {
		return StoredResult{}, err
	}
	return out, nil
}

var _ ResultRepo = (*PGResultRepo)(nil)
