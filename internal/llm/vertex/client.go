package vertex

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"insight-backend/internal/llm"
)

const (
	defaultTimeout = 120 * time.Second
	cloudScope     = "https://www.googleapis.com/auth/cloud-platform"
)

// Factory opens Gemini sessions against the Vertex AI REST API.
type Factory struct {
	projectID string
	location  string
	baseURL   string
	client    *http.Client
}

// NewFactory builds a factory with application-default credentials.
func NewFactory(ctx context.Context, projectID, location string) (*Factory, error) {
	if strings.TrimSpace(projectID) == "" {
		return nil, fmt.Errorf("VERTEX_PROJECT_ID is required")
	}
	if strings.TrimSpace(location) == "" {
		location = "us-central1"
	}
	ts, err := google.DefaultTokenSource(ctx, cloudScope)
	if err != nil {
		return nil, fmt.Errorf("vertex credentials: %w", err)
	}
	hc := oauth2.NewClient(ctx, ts)
	hc.Timeout = defaultTimeout
	return &Factory{
		projectID: projectID,
		location:  location,
		baseURL:   fmt.Sprintf("https://%s-aiplatform.googleapis.com", location),
		client:    hc,
	}, nil
}

// NewFactoryWithClient wires an explicit endpoint and HTTP client, used
// against httptest servers.
func NewFactoryWithClient(projectID, location, baseURL string, client *http.Client) *Factory {
	return &Factory{projectID: projectID, location: location, baseURL: baseURL, client: client}
}

// NewSession implements llm.Factory.
func (f *Factory) NewSession(cfg llm.SessionConfig) (llm.Session, error) {
	if strings.TrimSpace(cfg.Model) == "" {
		return nil, fmt.Errorf("vertex session requires a model")
	}
	url := fmt.Sprintf("%s/v1/projects/%s/locations/%s/publishers/google/models/%s:generateContent",
		strings.TrimRight(f.baseURL, "/"), f.projectID, f.location, cfg.Model)
	return &session{client: f.client, cfg: cfg, url: url}, nil
}

// session issues stateless generateContent calls. The REST surface keeps
// no server-side conversation, so corrective retries go through a fresh
// Generate with the corrective instruction prepended by the caller.
type session struct {
	client *http.Client
	cfg    llm.SessionConfig
	url    string
}

func (s *session) SupportsContinuation() bool { return false }

func (s *session) Continue(ctx context.Context, message string) (llm.Response, error) {
	return llm.Response{}, llm.FatalError(string(llm.ProviderVertex), "continuation not supported", nil)
}

type genPart struct {
	Text string `json:"text"`
}

type genContent struct {
	Role  string    `json:"role,omitempty"`
	Parts []genPart `json:"parts"`
}

type generationConfig struct {
	Temperature      float32         `json:"temperature"`
	MaxOutputTokens  int             `json:"maxOutputTokens,omitempty"`
	ResponseMIMEType string          `json:"responseMimeType,omitempty"`
	ResponseSchema   json.RawMessage `json:"responseSchema,omitempty"`
}

type generateRequest struct {
	Contents          []genContent      `json:"contents"`
	SystemInstruction *genContent       `json:"systemInstruction,omitempty"`
	GenerationConfig  *generationConfig `json:"generationConfig,omitempty"`
}

type generateResponse struct {
	Candidates []struct {
		Content struct {
			Parts []genPart `json:"parts"`
		} `json:"content"`
		FinishReason string `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata *struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
		TotalTokenCount      int `json:"totalTokenCount"`
	} `json:"usageMetadata"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

// Generate implements llm.Session.
func (s *session) Generate(ctx context.Context, p llm.Prompt) (llm.Response, error) {
	provider := string(llm.ProviderVertex)

	genCfg := &generationConfig{
		Temperature:      s.cfg.Temperature,
		MaxOutputTokens:  s.cfg.MaxOutputTokens,
		ResponseMIMEType: "application/json",
	}
	if len(p.Schema) > 0 {
		genCfg.ResponseSchema = p.Schema
	}
	body, err := json.Marshal(generateRequest{
		Contents: []genContent{
			{Role: "user", Parts: []genPart{{Text: p.Content}}},
		},
		SystemInstruction: &genContent{Parts: []genPart{{Text: p.Instruction}}},
		GenerationConfig:  genCfg,
	})
	if err != nil {
		return llm.Response{}, llm.FatalError(provider, "marshal request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return llm.Response{}, llm.FatalError(provider, "build request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return llm.Response{}, llm.FatalError(provider, "cancelled", err)
		}
		return llm.Response{}, llm.TransientError(provider, err)
	}
	defer resp.Body.Close()
	payload, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return llm.Response{}, llm.TransientError(provider, err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return llm.Response{}, llm.QuotaError(provider, statusError(resp.StatusCode, payload))
	case resp.StatusCode >= http.StatusInternalServerError:
		return llm.Response{}, llm.TransientError(provider, statusError(resp.StatusCode, payload))
	case resp.StatusCode != http.StatusOK:
		return llm.Response{}, llm.FatalError(provider, "", statusError(resp.StatusCode, payload))
	}

	var out generateResponse
	if err := json.Unmarshal(payload, &out); err != nil {
		return llm.Response{}, llm.TransientError(provider, fmt.Errorf("decode response: %w", err))
	}
	if out.Error != nil {
		return llm.Response{}, llm.FatalError(provider, out.Error.Status, fmt.Errorf("%s", out.Error.Message))
	}
	if len(out.Candidates) == 0 {
		return llm.Response{}, llm.TransientError(provider, fmt.Errorf("no candidates in response"))
	}

	cand := out.Candidates[0]
	switch cand.FinishReason {
	case "", "STOP":
	case "MAX_TOKENS":
		return llm.Response{}, llm.FatalError(provider, "response truncated at max output tokens", nil)
	case "SAFETY", "PROHIBITED_CONTENT", "BLOCKLIST":
		return llm.Response{}, llm.FatalError(provider, "response blocked: "+cand.FinishReason, nil)
	default:
		return llm.Response{}, llm.FatalError(provider, "unexpected finish reason "+cand.FinishReason, nil)
	}

	var text strings.Builder
	for _, part := range cand.Content.Parts {
		text.WriteString(part.Text)
	}
	r := llm.Response{
		Text:  llm.CleanJSONText(text.String()),
		Model: s.cfg.Model,
	}
	if out.UsageMetadata != nil {
		r.Usage = llm.TokenUsage{
			PromptTokens:     out.UsageMetadata.PromptTokenCount,
			CompletionTokens: out.UsageMetadata.CandidatesTokenCount,
			TotalTokens:      out.UsageMetadata.TotalTokenCount,
		}
	}
	return r, nil
}

func statusError(code int, body []byte) error {
	msg := string(body)
	if len(msg) > 300 {
		msg = msg[:300]
	}
	return fmt.Errorf("vertex status %d: %s", code, msg)
}
