package analyses

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"insight-backend/internal/contents"
)

func setupHandlerRouter(t *testing.T, svc *Service) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	router := gin.New()
	NewHandler(svc).RegisterRoutes(router.Group("/api/v1"))
	return router
}

func postJSON(t *testing.T, router *gin.Engine, path string, payload any) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)
	return resp
}

func TestStartAnalysisAccepted(t *testing.T) {
	q := &fakeQueue{}
	svc := newTestService(&fakeBackend{}, q)
	router := setupHandlerRouter(t, svc)

	resp := postJSON(t, router, "/api/v1/projects/p1/analyses", map[string]any{
		"persona":     "customer_facing_smart_bot",
		"contentType": "reviews",
		"items":       []map[string]string{{"id": "c1", "text": "solid build"}},
	})
	if resp.Code != http.StatusAccepted {
		t.Fatalf("expected status 202, got %d: %s", resp.Code, resp.Body.String())
	}

	var created struct {
		AnalysisID string `json:"analysisId"`
		Status     string `json:"status"`
		Created    bool   `json:"created"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if created.AnalysisID == "" || created.Status != StatusQueued || !created.Created {
		t.Fatalf("unexpected response: %+v", created)
	}

	analysis, err := svc.Repo.GetByID(context.Background(), created.AnalysisID)
	if err != nil {
		t.Fatalf("get analysis: %v", err)
	}
	if analysis.ProjectID != "p1" || analysis.Persona != PersonaSmartBot {
		t.Fatalf("unexpected record: %+v", analysis)
	}
	if len(q.sent()) != 1 {
		t.Fatalf("expected 1 queued message, got %d", len(q.sent()))
	}
}

func TestStartAnalysisReturnsStoredResult(t *testing.T) {
	svc := newTestService(&fakeBackend{}, &fakeQueue{})
	if _, err := svc.Results.Upsert(context.Background(), "p1", PersonaSmartBot, "reviews", MergedResult{Route: RouteSinglePass}); err != nil {
		t.Fatalf("seed upsert: %v", err)
	}
	router := setupHandlerRouter(t, svc)

	resp := postJSON(t, router, "/api/v1/projects/p1/analyses", map[string]any{
		"persona":     "customer_facing_smart_bot",
		"contentType": "reviews",
		"items":       []map[string]string{{"id": "c1", "text": "solid build"}},
	})
	if resp.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.Code)
	}

	var body struct {
		Status  string `json:"status"`
		Version int    `json:"version"`
		Reused  bool   `json:"reused"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if body.Status != StatusCompleted || body.Version != 1 || !body.Reused {
		t.Fatalf("unexpected response: %+v", body)
	}
}

func TestStartAnalysisRejectsUnknownPersona(t *testing.T) {
	router := setupHandlerRouter(t, newTestService(&fakeBackend{}, &fakeQueue{}))
	resp := postJSON(t, router, "/api/v1/projects/p1/analyses", map[string]any{
		"persona": "wizard",
		"items":   []map[string]string{{"id": "c1", "text": "hi"}},
	})
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", resp.Code)
	}
}

func TestStartAnalysisRequiresContent(t *testing.T) {
	router := setupHandlerRouter(t, newTestService(&fakeBackend{}, &fakeQueue{}))
	resp := postJSON(t, router, "/api/v1/projects/p1/analyses", map[string]any{
		"persona": "customer_facing_smart_bot",
	})
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", resp.Code)
	}
}

func TestStartAnalysisConflictAfterFailure(t *testing.T) {
	svc := newTestService(&fakeBackend{}, &fakeQueue{})
	if err := svc.Repo.Create(context.Background(), queuedAnalysis("a1", "p1")); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := svc.Repo.UpdateFailure(context.Background(), "a1", ErrorCodeQuotaExceeded, "quota", true, time.Now().UTC()); err != nil {
		t.Fatalf("update failure: %v", err)
	}
	router := setupHandlerRouter(t, svc)

	resp := postJSON(t, router, "/api/v1/projects/p1/analyses", map[string]any{
		"persona":     "customer_facing_smart_bot",
		"contentType": "reviews",
		"items":       []map[string]string{{"id": "c1", "text": "solid build"}},
	})
	if resp.Code != http.StatusConflict {
		t.Fatalf("expected status 409, got %d: %s", resp.Code, resp.Body.String())
	}

	var body struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if body.Error.Code != "retry_required" {
		t.Fatalf("unexpected error code: %q", body.Error.Code)
	}
}

func TestGetAnalysisNotFound(t *testing.T) {
	router := setupHandlerRouter(t, newTestService(&fakeBackend{}, &fakeQueue{}))
	req := httptest.NewRequest(http.MethodGet, "/api/v1/analyses/missing", nil)
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)
	if resp.Code != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d", resp.Code)
	}
}

func TestGetAnalysisExposesFailure(t *testing.T) {
	svc := newTestService(&fakeBackend{}, &fakeQueue{})
	if err := svc.Repo.Create(context.Background(), queuedAnalysis("a1", "p1")); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := svc.Repo.UpdateFailure(context.Background(), "a1", ErrorCodeQuotaExceeded, "quota exhausted", true, time.Now().UTC()); err != nil {
		t.Fatalf("update failure: %v", err)
	}
	router := setupHandlerRouter(t, svc)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/analyses/a1", nil)
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.Code)
	}

	var body struct {
		Status       string `json:"status"`
		ErrorCode    string `json:"errorCode"`
		ErrorMessage string `json:"errorMessage"`
		Retryable    bool   `json:"retryable"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if body.Status != StatusFailed || body.ErrorCode != ErrorCodeQuotaExceeded || !body.Retryable {
		t.Fatalf("unexpected response: %+v", body)
	}
	if body.ErrorMessage != "quota exhausted" {
		t.Fatalf("unexpected error message: %q", body.ErrorMessage)
	}
}

func TestListAnalyses(t *testing.T) {
	svc := newTestService(&fakeBackend{}, &fakeQueue{})
	a := queuedAnalysis("a1", "p1")
	if err := svc.Repo.Create(context.Background(), a); err != nil {
		t.Fatalf("create: %v", err)
	}
	router := setupHandlerRouter(t, svc)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/projects/p1/analyses?limit=10", nil)
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.Code)
	}

	var list []struct {
		AnalysisID string `json:"analysisId"`
		Status     string `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(list) != 1 || list[0].AnalysisID != "a1" || list[0].Status != StatusQueued {
		t.Fatalf("unexpected list: %+v", list)
	}
}

func TestLatestResultEndpoint(t *testing.T) {
	svc := newTestService(&fakeBackend{}, &fakeQueue{})
	router := setupHandlerRouter(t, svc)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/projects/p1/analyses/latest?persona=customer_facing_smart_bot&contentType=reviews", nil)
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)
	if resp.Code != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d", resp.Code)
	}

	if _, err := svc.Results.Upsert(context.Background(), "p1", PersonaSmartBot, "reviews", MergedResult{Route: RouteSinglePass}); err != nil {
		t.Fatalf("seed upsert: %v", err)
	}
	resp = httptest.NewRecorder()
	router.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/api/v1/projects/p1/analyses/latest?persona=customer_facing_smart_bot&contentType=reviews", nil))
	if resp.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.Code)
	}

	var stored StoredResult
	if err := json.NewDecoder(resp.Body).Decode(&stored); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if stored.Version != 1 || stored.Result.Route != RouteSinglePass {
		t.Fatalf("unexpected stored result: %+v", stored)
	}
}

func TestValidateContents(t *testing.T) {
	svc := newTestService(&fakeBackend{}, &fakeQueue{})
	svc.Loader = &contents.Loader{Store: &fakeStore{objects: map[string][]byte{
		"good.txt": []byte("fine"),
	}}}
	router := setupHandlerRouter(t, svc)

	resp := postJSON(t, router, "/api/v1/contents/validate", map[string]any{
		"sources": []string{"good.txt", "missing.txt"},
	})
	if resp.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.Code)
	}

	var body struct {
		OK      bool `json:"ok"`
		Sources []struct {
			Key string `json:"key"`
			OK  bool   `json:"ok"`
		} `json:"sources"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if body.OK {
		t.Fatal("a missing source must fail the overall check")
	}
	if len(body.Sources) != 2 || !body.Sources[0].OK || body.Sources[1].OK {
		t.Fatalf("unexpected per-source results: %+v", body.Sources)
	}
}
