package analyses

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"insight-backend/internal/contents"
	"insight-backend/internal/llm"
	"insight-backend/internal/queue"
	"insight-backend/internal/shared/metrics"
	"insight-backend/internal/shared/telemetry"
)

const (
	StatusQueued     = "queued"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// Service contains business logic for analyses.
type Service struct {
	Repo         Repo
	Results      ResultRepo
	Loader       *contents.Loader
	Orchestrator *Orchestrator
	// Queue, when set, hands jobs to the worker instead of running them
	// in-process.
	Queue queue.Client
	// MaxResultAge bounds how old a stored result may be and still
	// short-circuit a non-forced request. Zero means never stale.
	MaxResultAge time.Duration
	Provider     string
}

// StartOutcome is what one start request resolved to.
type StartOutcome struct {
	Analysis Analysis
	// Created reports whether a new job record was created.
	Created bool
	// Stored is set when a fresh stored result answered the request
	// without any provider call.
	Stored *StoredResult
}

// Start begins (or reuses) an analysis for a project scope.
func (s *Service) Start(ctx context.Context, req AnalysisRequest) (StartOutcome, error) {
	if strings.TrimSpace(req.ProjectID) == "" {
		return StartOutcome{}, errors.New("projectId is required")
	}
	if len(req.Items) == 0 && len(req.Sources) == 0 {
		return StartOutcome{}, ErrEmptyContent
	}

	if !req.ForceRefresh && s.Results != nil {
		stored, err := s.Results.Latest(ctx, req.ProjectID, req.Persona, req.ContentType)
		if err == nil && s.fresh(stored) {
			return StartOutcome{Stored: &stored}, nil
		}
		if err != nil && !errors.Is(err, ErrNotFound) {
			return StartOutcome{}, err
		}
	}

	analysis := Analysis{
		ID:          uuid.NewString(),
		ProjectID:   req.ProjectID,
		Persona:     req.Persona,
		ContentType: req.ContentType,
		Provider:    s.Provider,
		Status:      StatusQueued,
		Request:     req,
		CreatedAt:   time.Now().UTC(),
	}

	var created bool
	if req.ForceRefresh {
		if err := s.Repo.Create(ctx, analysis); err != nil {
			return StartOutcome{}, err
		}
		created = true
	} else {
		// A failed run for this scope is only retried through forceRefresh;
		// a plain start surfaces ErrRetryRequired instead.
		var err error
		analysis, created, err = s.Repo.GetOrCreateForProject(ctx, analysis, false)
		if err != nil {
			return StartOutcome{Analysis: analysis}, err
		}
	}
	if created {
		if err := s.dispatch(ctx, analysis.ID); err != nil {
			return StartOutcome{Analysis: analysis, Created: true}, err
		}
	}
	return StartOutcome{Analysis: analysis, Created: created}, nil
}

func (s *Service) fresh(stored StoredResult) bool {
	if s.MaxResultAge <= 0 {
		return true
	}
	return time.Since(stored.UpdatedAt) <= s.MaxResultAge
}

func (s *Service) dispatch(ctx context.Context, analysisID string) error {
	if s.Queue != nil {
		return s.Queue.Send(ctx, queue.Message{
			AnalysisID: analysisID,
			RequestID:  requestIDFromContext(ctx),
			EnqueuedAt: time.Now().UTC().Format(time.RFC3339),
			Version:    1,
		})
	}
	go s.completeAsync(backgroundWithRequestID(ctx), analysisID)
	return nil
}

// Get returns an analysis by ID.
func (s *Service) Get(ctx context.Context, analysisID string) (Analysis, error) {
	if analysisID == "" {
		return Analysis{}, errors.New("analysisID is required")
	}
	return s.Repo.GetByID(ctx, analysisID)
}

// List returns a project's analyses ordered newest-first.
func (s *Service) List(ctx context.Context, projectID string, limit, offset int) ([]Analysis, error) {
	if projectID == "" {
		return nil, errors.New("projectID is required")
	}
	return s.Repo.ListByProject(ctx, projectID, limit, offset)
}

// LatestResult returns the stored versioned result for a scope.
func (s *Service) LatestResult(ctx context.Context, projectID string, persona Persona, contentType string) (StoredResult, error) {
	if projectID == "" {
		return StoredResult{}, errors.New("projectID is required")
	}
	if s.Results == nil {
		return StoredResult{}, ErrNotFound
	}
	return s.Results.Latest(ctx, projectID, persona, contentType)
}

// ValidateSources runs the per-source size check without starting a run.
func (s *Service) ValidateSources(ctx context.Context, keys []string) ([]contents.ValidationResult, error) {
	if s.Loader == nil {
		return nil, errors.New("content loader not configured")
	}
	return s.Loader.Validate(ctx, keys)
}

func (s *Service) completeAsync(ctx context.Context, analysisID string) {
	defer func() {
		if r := recover(); r != nil {
			s.failAnalysis(ctx, Analysis{ID: analysisID}, fmt.Errorf("panic: %v", r), nil)
		}
	}()
	_ = s.ProcessJob(ctx, analysisID)
}

// ProcessJob runs one queued analysis to completion. It is called by the
// in-process goroutine path and by the queue worker.
func (s *Service) ProcessJob(ctx context.Context, analysisID string) error {
	startedAt := time.Now().UTC()
	if err := s.Repo.UpdateStatus(ctx, analysisID, StatusProcessing, &startedAt); err != nil {
		s.failAnalysis(ctx, Analysis{ID: analysisID}, fmt.Errorf("set processing failed: %w", err), &startedAt)
		return err
	}
	analysis, err := s.Repo.GetByID(ctx, analysisID)
	if err != nil {
		s.failAnalysis(ctx, Analysis{ID: analysisID}, fmt.Errorf("analysis lookup: %w", err), &startedAt)
		return err
	}
	metrics.IncAnalysisStarted()
	s.logStatus(ctx, analysis, StatusProcessing, "queued->processing", nil)

	req := analysis.Request
	if len(req.Sources) > 0 {
		if s.Loader == nil {
			err := errors.New("content loader not configured")
			s.failAnalysis(ctx, analysis, err, &startedAt)
			return err
		}
		loaded, err := s.Loader.Load(ctx, req.Sources)
		if err != nil {
			s.failAnalysis(ctx, analysis, fmt.Errorf("load sources: %w", err), &startedAt)
			return err
		}
		for _, item := range loaded {
			req.Items = append(req.Items, ContentItem{ID: item.ID, Text: item.Text})
		}
	}

	result, err := s.Orchestrator.Run(ctx, req)
	if err != nil {
		s.failAnalysis(ctx, analysis, err, &startedAt)
		return err
	}

	completedAt := time.Now().UTC()
	if err := s.Repo.UpdateResult(ctx, analysisID, result, completedAt); err != nil {
		s.failAnalysis(ctx, analysis, fmt.Errorf("set analysis result failed: %w", err), &startedAt)
		return err
	}
	if s.Results != nil {
		// The job record is the source of truth; a failed result upsert is
		// logged and the run still counts as completed.
		if stored, err := s.Results.Upsert(ctx, analysis.ProjectID, analysis.Persona, analysis.ContentType, *result); err != nil {
			telemetry.Error("analysis.result_store", map[string]any{
				"request_id":  requestIDFromContext(ctx),
				"analysis_id": analysisID,
				"error":       sanitizeError(err),
			})
		} else {
			telemetry.Info("analysis.result_store", map[string]any{
				"request_id":  requestIDFromContext(ctx),
				"analysis_id": analysisID,
				"version":     stored.Version,
			})
		}
	}
	metrics.IncAnalysisCompleted()
	metrics.ObserveAnalysisDurationMs(durationMs(&startedAt, &completedAt))
	s.logStatus(ctx, analysis, StatusCompleted, "processing->completed", map[string]any{
		"route":       string(result.Route),
		"chunks":      result.Chunks,
		"duration_ms": durationMs(&startedAt, &completedAt),
	})
	return nil
}

func (s *Service) failAnalysis(ctx context.Context, analysis Analysis, err error, startedAt *time.Time) {
	code, retryable := classifyFailure(err)
	msg := sanitizeError(err)
	completedAt := time.Now().UTC()
	if updateErr := s.Repo.UpdateFailure(context.Background(), analysis.ID, code, msg, retryable, completedAt); updateErr != nil {
		fmt.Printf("failAnalysis: update failed id=%s err=%v orig=%v\n", analysis.ID, updateErr, err)
	}
	metrics.IncAnalysisFailed()
	if startedAt != nil {
		metrics.ObserveAnalysisDurationMs(durationMs(startedAt, &completedAt))
	}
	s.logStatus(ctx, analysis, StatusFailed, "processing->failed", map[string]any{
		"error_code":  code,
		"duration_ms": durationMs(startedAt, &completedAt),
	})
}

func (s *Service) logStatus(ctx context.Context, analysis Analysis, status, transition string, extra map[string]any) {
	fields := map[string]any{
		"request_id":        requestIDFromContext(ctx),
		"project_id":        analysis.ProjectID,
		"analysis_id":       analysis.ID,
		"persona":           string(analysis.Persona),
		"status":            status,
		"status_transition": transition,
	}
	for k, v := range extra {
		fields[k] = v
	}
	telemetry.Info("analysis.status", fields)
}

func durationMs(startedAt, completedAt *time.Time) float64 {
	if startedAt == nil || completedAt == nil {
		return 0
	}
	return float64(completedAt.Sub(*startedAt).Microseconds()) / 1000.0
}

// classifyFailure maps a pipeline error to its stable code and whether a
// later retry could succeed.
func classifyFailure(err error) (string, bool) {
	if err == nil {
		return ErrorCodeInternal, false
	}
	switch {
	case errors.Is(err, ErrSizeExceeded), errors.Is(err, contents.ErrSizeExceeded):
		return ErrorCodeSizeExceeded, false
	case errors.Is(err, ErrEmptyContent):
		return ErrorCodeValidationFailed, false
	case errors.Is(err, llm.ErrUnknownProvider):
		return ErrorCodeUnknownProvider, false
	case errors.Is(err, context.DeadlineExceeded):
		return ErrorCodeTimeout, true
	}

	code, retryable := codeForClass(llm.RootClass(err))

	var stage *StageError
	if errors.As(err, &stage) && stage.Stage == StageMap && stage.Chunk >= 0 {
		// A chunk failure aborts the whole map phase; the chunk-level
		// cause decides retryability.
		return ErrorCodePartialChunkFailure, retryable
	}
	if code == ErrorCodeInternal {
		msg := strings.ToLower(err.Error())
		if strings.Contains(msg, "storage") || strings.Contains(msg, "analysis result") || strings.Contains(msg, "set processing") || strings.Contains(msg, "load source") {
			return ErrorCodeStorage, true
		}
	}
	return code, retryable
}

func codeForClass(class llm.Class) (string, bool) {
	switch class {
	case llm.ClassQuotaExceeded:
		return ErrorCodeQuotaExceeded, true
	case llm.ClassTransient:
		return ErrorCodeTransient, true
	case llm.ClassValidationFailed:
		return ErrorCodeValidationFailed, false
	default:
		return ErrorCodeInternal, false
	}
}

func sanitizeError(err error) string {
	if err == nil {
		return ""
	}
	msg := strings.ReplaceAll(err.Error(), "\n", " ")
	msg = strings.ReplaceAll(msg, "\r", " ")
	msg = strings.TrimSpace(msg)
	const maxLen = 500
	if len(msg) > maxLen {
		msg = msg[:maxLen]
	}
	return msg
}
