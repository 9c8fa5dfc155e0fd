package openai

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"

	goopenai "github.com/sashabaranov/go-openai"

	"insight-backend/internal/llm"
)

type mockCompleter struct {
	requests  []goopenai.ChatCompletionRequest
	responses []goopenai.ChatCompletionResponse
	errs      []error
}

func (m *mockCompleter) CreateChatCompletion(ctx context.Context, req goopenai.ChatCompletionRequest) (goopenai.ChatCompletionResponse, error) {
	_ = ctx
	m.requests = append(m.requests, req)
	idx := len(m.requests) - 1
	var err error
	if idx < len(m.errs) {
		err = m.errs[idx]
	}
	var resp goopenai.ChatCompletionResponse
	if idx < len(m.responses) {
		resp = m.responses[idx]
	}
	return resp, err
}

func chatResponse(text string) goopenai.ChatCompletionResponse {
	return goopenai.ChatCompletionResponse{
		Model: "gpt-4o",
		Choices: []goopenai.ChatCompletionChoice{
			{Message: goopenai.ChatCompletionMessage{Role: goopenai.ChatMessageRoleAssistant, Content: text}},
		},
		Usage: goopenai.Usage{PromptTokens: 12, CompletionTokens: 4, TotalTokens: 16},
	}
}

func TestNewFactoryRequiresAPIKey(t *testing.T) {
	if _, err := NewFactory("", ""); err == nil {
		t.Fatal("expected error for empty api key")
	}
	if _, err := NewFactory("sk-test", ""); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestSessionRequiresModel(t *testing.T) {
	f := NewFactoryWithClient(&mockCompleter{})
	if _, err := f.NewSession(llm.SessionConfig{}); err == nil {
		t.Fatal("expected error for empty model")
	}
}

func TestGenerateBuildsMessagesAndParsesUsage(t *testing.T) {
	mock := &mockCompleter{responses: []goopenai.ChatCompletionResponse{chatResponse("```json\n{\"ok\":true}\n```")}}
	f := NewFactoryWithClient(mock)
	sess, err := f.NewSession(llm.SessionConfig{Model: "gpt-4o", Temperature: 0.1, MaxOutputTokens: 2048})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	resp, err := sess.Generate(context.Background(), llm.Prompt{
		Instruction: "Summarize feedback.",
		Content:     "item one",
		Schema:      []byte(`{"type":"object"}`),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Text != `{"ok":true}` {
		t.Fatalf("fences should be stripped, got %q", resp.Text)
	}
	if resp.Usage.TotalTokens != 16 {
		t.Fatalf("unexpected usage: %+v", resp.Usage)
	}

	req := mock.requests[0]
	if req.Model != "gpt-4o" || req.MaxTokens != 2048 {
		t.Fatalf("unexpected request: %+v", req)
	}
	if req.ResponseFormat == nil || req.ResponseFormat.Type != goopenai.ChatCompletionResponseFormatTypeJSONObject {
		t.Fatalf("expected json_object response format")
	}
	if len(req.Messages) != 2 {
		t.Fatalf("expected system+user messages, got %d", len(req.Messages))
	}
	if req.Messages[0].Role != goopenai.ChatMessageRoleSystem {
		t.Fatalf("first message should be system")
	}
	if !strings.Contains(req.Messages[0].Content, `{"type":"object"}`) {
		t.Fatalf("schema should be inlined into the instruction")
	}
}

func TestContinueKeepsHistory(t *testing.T) {
	mock := &mockCompleter{responses: []goopenai.ChatCompletionResponse{
		chatResponse(`{"bad":1}`),
		chatResponse(`{"good":1}`),
	}}
	f := NewFactoryWithClient(mock)
	sess, _ := f.NewSession(llm.SessionConfig{Model: "gpt-4o"})

	if !sess.SupportsContinuation() {
		t.Fatal("openai sessions support continuation")
	}
	if _, err := sess.Generate(context.Background(), llm.Prompt{Instruction: "analyze", Content: "body"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := sess.Continue(context.Background(), "fix the schema violation"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	second := mock.requests[1].Messages
	// system, user, assistant answer, corrective user message
	if len(second) != 4 {
		t.Fatalf("expected 4 messages on continuation, got %d", len(second))
	}
	if second[2].Role != goopenai.ChatMessageRoleAssistant || second[2].Content != `{"bad":1}` {
		t.Fatalf("assistant turn missing from history: %+v", second[2])
	}
	if second[3].Content != "fix the schema violation" {
		t.Fatalf("unexpected corrective message: %q", second[3].Content)
	}
}

func TestContinueBeforeGenerateIsFatal(t *testing.T) {
	f := NewFactoryWithClient(&mockCompleter{})
	sess, _ := f.NewSession(llm.SessionConfig{Model: "gpt-4o"})
	_, err := sess.Continue(context.Background(), "fix")
	if llm.Classify(err) != llm.ClassFatal {
		t.Fatalf("expected fatal, got %v", err)
	}
}

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want llm.Class
	}{
		{"429", &goopenai.APIError{HTTPStatusCode: http.StatusTooManyRequests}, llm.ClassQuotaExceeded},
		{"500", &goopenai.APIError{HTTPStatusCode: http.StatusInternalServerError}, llm.ClassTransient},
		{"503", &goopenai.APIError{HTTPStatusCode: http.StatusServiceUnavailable}, llm.ClassTransient},
		{"408", &goopenai.APIError{HTTPStatusCode: http.StatusRequestTimeout}, llm.ClassTransient},
		{"400", &goopenai.APIError{HTTPStatusCode: http.StatusBadRequest}, llm.ClassFatal},
		{"401", &goopenai.APIError{HTTPStatusCode: http.StatusUnauthorized}, llm.ClassFatal},
		{"cancelled", context.Canceled, llm.ClassFatal},
		{"connection", errors.New("dial tcp: connection refused"), llm.ClassTransient},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := llm.Classify(classifyError(tt.err)); got != tt.want {
				t.Fatalf("expected %s, got %s", tt.want, got)
			}
		})
	}
}

func TestEmptyChoicesIsTransient(t *testing.T) {
	mock := &mockCompleter{responses: []goopenai.ChatCompletionResponse{{Model: "gpt-4o"}}}
	f := NewFactoryWithClient(mock)
	sess, _ := f.NewSession(llm.SessionConfig{Model: "gpt-4o"})

	_, err := sess.Generate(context.Background(), llm.Prompt{})
	if llm.Classify(err) != llm.ClassTransient {
		t.Fatalf("expected transient, got %v", err)
	}
}
