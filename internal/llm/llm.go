package llm

import (
	"context"
	"encoding/json"
	"strings"
)

// Prompt is the payload for one structured-output generation call.
type Prompt struct {
	// Instruction is the rendered system/persona instruction.
	Instruction string
	// Content is the user-facing input body (content items, chunk text,
	// or intermediate summaries, depending on the stage).
	Content string
	// Schema describes the required JSON response shape. Providers that
	// support native schema constraints pass it through; others inline it
	// into the instruction.
	Schema json.RawMessage
}

// TokenUsage captures per-call token counts reported by the provider.
type TokenUsage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Add accumulates another call's usage, used when retries stack up.
func (u *TokenUsage) Add(other TokenUsage) {
	u.PromptTokens += other.PromptTokens
	u.CompletionTokens += other.CompletionTokens
	u.TotalTokens += other.TotalTokens
}

// Response is the provider-neutral result of a generation call.
type Response struct {
	Text  string
	Model string
	Usage TokenUsage
}

// SessionConfig carries the per-persona generation knobs. Backend limits
// (context window, max output tokens) are enforced here by the caller's
// configuration, never inside the session.
type SessionConfig struct {
	Model           string
	Temperature     float32
	MaxOutputTokens int
}

// Session is a stateful handle to one logical provider conversation.
// Sessions are created per orchestrator invocation and never pooled.
type Session interface {
	// Generate issues one structured-output call.
	Generate(ctx context.Context, p Prompt) (Response, error)
	// Continue sends a corrective follow-up in the same conversation.
	// Only valid when SupportsContinuation reports true.
	Continue(ctx context.Context, message string) (Response, error)
	// SupportsContinuation reports whether the backend keeps conversation
	// state for self-correction.
	SupportsContinuation() bool
}

// Factory constructs sessions for one configured backend.
type Factory interface {
	NewSession(cfg SessionConfig) (Session, error)
}

// Estimator estimates the token cost of text for routing decisions.
type Estimator interface {
	EstimateTokens(text string) int
}

// HeuristicEstimator approximates token counts without a provider round
// trip. Two bytes per token tracks CJK-heavy content closely enough for
// routing.
type HeuristicEstimator struct {
	BytesPerToken int
}

// EstimateTokens returns the estimated token count for text.
func (e HeuristicEstimator) EstimateTokens(text string) int {
	per := e.BytesPerToken
	if per <= 0 {
		per = 2
	}
	if text == "" {
		return 0
	}
	n := len(text) / per
	if n == 0 {
		n = 1
	}
	return n
}

// CleanJSONText strips markdown code fences models occasionally wrap
// around JSON output.
func CleanJSONText(raw string) string {
	cleaned := strings.TrimSpace(raw)
	cleaned = strings.ReplaceAll(cleaned, "```json", "")
	cleaned = strings.ReplaceAll(cleaned, "```", "")
	return strings.TrimSpace(cleaned)
}
