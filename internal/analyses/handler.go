package analyses

import (
	"errors"
	"log"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"insight-backend/internal/shared/server/respond"
)

// Handler wires HTTP handlers to the analyses service.
type Handler struct {
	Svc *Service
}

// NewHandler constructs a Handler.
func NewHandler(svc *Service) *Handler {
	return &Handler{Svc: svc}
}

// RegisterRoutes attaches analysis routes to the router group.
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("/projects/:id/analyses", h.startAnalysis)
	rg.GET("/projects/:id/analyses", h.listAnalyses)
	rg.GET("/projects/:id/analyses/latest", h.latestResult)
	rg.GET("/analyses/:id", h.getAnalysis)
	rg.POST("/contents/validate", h.validateContents)
}

type startAnalysisBody struct {
	Persona      string        `json:"persona"`
	ContentType  string        `json:"contentType"`
	Items        []ContentItem `json:"items"`
	Sources      []string      `json:"sources"`
	ForceRefresh bool          `json:"forceRefresh"`
}

func (h *Handler) startAnalysis(c *gin.Context) {
	projectID := c.Param("id")
	if projectID == "" {
		respond.Error(c, http.StatusBadRequest, "validation_error", "project id is required", nil)
		return
	}
	var body startAnalysisBody
	if err := c.ShouldBindJSON(&body); err != nil {
		respond.Error(c, http.StatusBadRequest, "validation_error", "invalid request body", nil)
		return
	}
	persona, err := ParsePersona(body.Persona)
	if err != nil {
		respond.Error(c, http.StatusBadRequest, "validation_error", err.Error(), nil)
		return
	}
	log.Printf("Starting analysis for project %s persona %s", projectID, persona)

	ctx := WithRequestID(c.Request.Context(), c.GetString("requestId"))
	outcome, err := h.Svc.Start(ctx, AnalysisRequest{
		ProjectID:    projectID,
		Persona:      persona,
		ContentType:  body.ContentType,
		Items:        body.Items,
		Sources:      body.Sources,
		ForceRefresh: body.ForceRefresh,
	})
	if err != nil {
		switch {
		case errors.Is(err, ErrEmptyContent):
			respond.Error(c, http.StatusBadRequest, "validation_error", "items or sources are required", nil)
		case errors.Is(err, ErrRetryRequired):
			respond.Error(c, http.StatusConflict, "retry_required", "previous analysis failed; set forceRefresh to retry", nil)
		default:
			respond.Error(c, http.StatusInternalServerError, "internal_error", "failed to start analysis", nil)
		}
		return
	}

	if outcome.Stored != nil {
		respond.JSON(c, http.StatusOK, gin.H{
			"status":  StatusCompleted,
			"version": outcome.Stored.Version,
			"result":  outcome.Stored.Result,
			"reused":  true,
		})
		return
	}
	respond.JSON(c, http.StatusAccepted, gin.H{
		"analysisId": outcome.Analysis.ID,
		"status":     outcome.Analysis.Status,
		"created":    outcome.Created,
	})
}

func (h *Handler) getAnalysis(c *gin.Context) {
	analysisID := c.Param("id")
	if analysisID == "" {
		respond.Error(c, http.StatusBadRequest, "validation_error", "analysis id is required", nil)
		return
	}
	analysis, err := h.Svc.Get(c.Request.Context(), analysisID)
	if err != nil {
		switch {
		case errors.Is(err, ErrNotFound):
			respond.Error(c, http.StatusNotFound, "not_found", "analysis not found", nil)
		default:
			respond.Error(c, http.StatusInternalServerError, "internal_error", "failed to fetch analysis", nil)
		}
		return
	}

	resp := gin.H{
		"id":        analysis.ID,
		"projectId": analysis.ProjectID,
		"persona":   analysis.Persona,
		"status":    analysis.Status,
		"createdAt": analysis.CreatedAt,
	}
	if analysis.Status == StatusCompleted && analysis.Result != nil {
		resp["result"] = analysis.Result
	}
	if analysis.Status == StatusFailed {
		resp["errorCode"] = analysis.ErrorCode
		if analysis.ErrorMessage != nil {
			resp["errorMessage"] = *analysis.ErrorMessage
		}
		resp["retryable"] = analysis.ErrorRetryable
	}
	respond.JSON(c, http.StatusOK, resp)
}

func (h *Handler) listAnalyses(c *gin.Context) {
	projectID := c.Param("id")
	if projectID == "" {
		respond.Error(c, http.StatusBadRequest, "validation_error", "project id is required", nil)
		return
	}

	limit := 20
	offset := 0
	if v := c.Query("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed >= 0 {
			limit = parsed
		}
	}
	if v := c.Query("offset"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed >= 0 {
			offset = parsed
		}
	}

	list, err := h.Svc.List(c.Request.Context(), projectID, limit, offset)
	if err != nil {
		respond.Error(c, http.StatusInternalServerError, "internal_error", "failed to list analyses", nil)
		return
	}
	resp := make([]gin.H, 0, len(list))
	for _, a := range list {
		item := gin.H{
			"analysisId": a.ID,
			"persona":    a.Persona,
			"status":     a.Status,
			"createdAt":  a.CreatedAt,
		}
		if a.Status == StatusCompleted && a.Result != nil {
			item["route"] = a.Result.Route
			item["summary"] = a.Result.Refined.OverallSummary
		}
		if a.Status == StatusFailed {
			item["errorCode"] = a.ErrorCode
		}
		resp = append(resp, item)
	}
	respond.JSON(c, http.StatusOK, resp)
}

func (h *Handler) latestResult(c *gin.Context) {
	projectID := c.Param("id")
	persona, err := ParsePersona(c.Query("persona"))
	if err != nil {
		respond.Error(c, http.StatusBadRequest, "validation_error", err.Error(), nil)
		return
	}
	stored, err := h.Svc.LatestResult(c.Request.Context(), projectID, persona, c.Query("contentType"))
	if err != nil {
		switch {
		case errors.Is(err, ErrNotFound):
			respond.Error(c, http.StatusNotFound, "not_found", "no stored result for scope", nil)
		default:
			respond.Error(c, http.StatusInternalServerError, "internal_error", "failed to fetch result", nil)
		}
		return
	}
	respond.JSON(c, http.StatusOK, stored)
}

type validateContentsBody struct {
	Sources []string `json:"sources"`
}

func (h *Handler) validateContents(c *gin.Context) {
	var body validateContentsBody
	if err := c.ShouldBindJSON(&body); err != nil || len(body.Sources) == 0 {
		respond.Error(c, http.StatusBadRequest, "validation_error", "sources are required", nil)
		return
	}
	results, err := h.Svc.ValidateSources(c.Request.Context(), body.Sources)
	if err != nil {
		respond.Error(c, http.StatusInternalServerError, "internal_error", "failed to validate sources", nil)
		return
	}
	ok := true
	for _, r := range results {
		if !r.OK {
			ok = false
			break
		}
	}
	respond.JSON(c, http.StatusOK, gin.H{"ok": ok, "sources": results})
}
