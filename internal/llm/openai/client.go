package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	goopenai "github.com/sashabaranov/go-openai"

	"insight-backend/internal/llm"
)

const defaultTimeout = 120 * time.Second

// chatCompleter is the slice of the OpenAI client the session needs.
// *goopenai.Client implements this implicitly; tests substitute a mock.
type chatCompleter interface {
	CreateChatCompletion(ctx context.Context, req goopenai.ChatCompletionRequest) (goopenai.ChatCompletionResponse, error)
}

// Factory opens OpenAI chat sessions.
type Factory struct {
	client chatCompleter
}

// NewFactory constructs a factory from an API key. baseURL overrides the
// endpoint when non-empty (used against test servers).
func NewFactory(apiKey, baseURL string) (*Factory, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY is required")
	}
	cfg := goopenai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	cfg.HTTPClient = &http.Client{Timeout: defaultTimeout}
	return &Factory{client: goopenai.NewClientWithConfig(cfg)}, nil
}

// NewFactoryWithClient wires an existing completer, for tests.
func NewFactoryWithClient(c chatCompleter) *Factory {
	return &Factory{client: c}
}

// NewSession implements llm.Factory.
func (f *Factory) NewSession(cfg llm.SessionConfig) (llm.Session, error) {
	if strings.TrimSpace(cfg.Model) == "" {
		return nil, fmt.Errorf("openai session requires a model")
	}
	return &session{client: f.client, cfg: cfg}, nil
}

// session keeps the running message history so corrective follow-ups see
// the model's previous answer.
type session struct {
	client  chatCompleter
	cfg     llm.SessionConfig
	history []goopenai.ChatCompletionMessage
}

func (s *session) SupportsContinuation() bool { return true }

// Generate starts a fresh exchange, replacing any prior history.
func (s *session) Generate(ctx context.Context, p llm.Prompt) (llm.Response, error) {
	instruction := p.Instruction
	if len(p.Schema) > 0 {
		// Chat completions take the schema as instruction text; the
		// json_object response format only guarantees well-formed JSON.
		instruction += "\n\nThe response must be a JSON document matching this schema:\n" + string(p.Schema)
	}
	s.history = []goopenai.ChatCompletionMessage{
		{Role: goopenai.ChatMessageRoleSystem, Content: instruction},
		{Role: goopenai.ChatMessageRoleUser, Content: p.Content},
	}
	return s.complete(ctx)
}

// Continue appends a corrective user message to the same conversation.
func (s *session) Continue(ctx context.Context, message string) (llm.Response, error) {
	if len(s.history) == 0 {
		return llm.Response{}, llm.FatalError(string(llm.ProviderOpenAI), "continue before generate", nil)
	}
	s.history = append(s.history, goopenai.ChatCompletionMessage{
		Role:    goopenai.ChatMessageRoleUser,
		Content: message,
	})
	return s.complete(ctx)
}

func (s *session) complete(ctx context.Context) (llm.Response, error) {
	req := goopenai.ChatCompletionRequest{
		Model:       s.cfg.Model,
		Messages:    s.history,
		Temperature: s.cfg.Temperature,
		ResponseFormat: &goopenai.ChatCompletionResponseFormat{
			Type: goopenai.ChatCompletionResponseFormatTypeJSONObject,
		},
	}
	if s.cfg.MaxOutputTokens > 0 {
		req.MaxTokens = s.cfg.MaxOutputTokens
	}

	resp, err := s.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return llm.Response{}, classifyError(err)
	}
	if len(resp.Choices) == 0 {
		return llm.Response{}, llm.TransientError(string(llm.ProviderOpenAI), fmt.Errorf("empty choices in response"))
	}
	text := resp.Choices[0].Message.Content
	s.history = append(s.history, goopenai.ChatCompletionMessage{
		Role:    goopenai.ChatMessageRoleAssistant,
		Content: text,
	})
	return llm.Response{
		Text:  llm.CleanJSONText(text),
		Model: resp.Model,
		Usage: llm.TokenUsage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}, nil
}

// classifyError maps OpenAI API errors onto the retry taxonomy.
// 429 counts as a quota rejection whether it is a burst rate limit or a
// billing cap; both back off the same way.
func classifyError(err error) error {
	provider := string(llm.ProviderOpenAI)
	var apiErr *goopenai.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.HTTPStatusCode == http.StatusTooManyRequests:
			return llm.QuotaError(provider, err)
		case apiErr.HTTPStatusCode == http.StatusRequestTimeout,
			apiErr.HTTPStatusCode >= http.StatusInternalServerError:
			return llm.TransientError(provider, err)
		default:
			return llm.FatalError(provider, "", err)
		}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return llm.FatalError(provider, "cancelled", err)
	}
	// Connection-level failures surface as plain errors from the client.
	return llm.TransientError(provider, err)
}
