package analyses

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"insight-backend/internal/llm"
)

// fakeBackend scripts provider behavior per pipeline stage. Responses
// are derived from the instruction so one backend serves all stages.
type fakeBackend struct {
	mu      sync.Mutex
	prompts []llm.Prompt
	configs []llm.SessionConfig

	// failOn makes structure calls whose content contains the substring
	// fail with failErr.
	failOn  string
	failErr error
}

func (f *fakeBackend) NewSession(cfg llm.SessionConfig) (llm.Session, error) {
	f.mu.Lock()
	f.configs = append(f.configs, cfg)
	f.mu.Unlock()
	return &fakeBackendSession{f: f}, nil
}

type fakeBackendSession struct {
	f *fakeBackend
}

func (s *fakeBackendSession) SupportsContinuation() bool { return false }

func (s *fakeBackendSession) Continue(ctx context.Context, message string) (llm.Response, error) {
	return llm.Response{}, llm.FatalError("fake", "continuation not supported", nil)
}

func (s *fakeBackendSession) Generate(ctx context.Context, p llm.Prompt) (llm.Response, error) {
	f := s.f
	f.mu.Lock()
	f.prompts = append(f.prompts, p)
	f.mu.Unlock()

	if f.failErr != nil && f.failOn != "" && strings.Contains(p.Content, f.failOn) {
		return llm.Response{}, f.failErr
	}

	usage := llm.TokenUsage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15}
	switch {
	case p.Instruction == reduceInstruction:
		return llm.Response{Text: structuredPayload("combined"), Usage: usage}, nil
	case p.Instruction == structureInstruction:
		return llm.Response{Text: structuredPayload("structured"), Usage: usage}, nil
	default:
		return llm.Response{Text: `{"overallSummary":"refined overall","categories":[{"name":"Quality","summary":"refined quality"}]}`, Usage: usage}, nil
	}
}

func structuredPayload(summary string) string {
	return `{"overallSummary":"` + summary + `","sentimentScore":0.7,"categories":[{"name":"Quality","summary":"base quality","sentimentScore":0.8,"highlights":[{"contentId":"c1","quote":"solid","sentimentScore":0.9}]}]}`
}

func newTestOrchestrator(f *fakeBackend) *Orchestrator {
	reg := llm.NewRegistry()
	reg.Register(llm.ProviderOpenAI, f)
	return &Orchestrator{
		Registry:  reg,
		Provider:  llm.ProviderOpenAI,
		Estimator: oneByteEstimator,
		Retryer: llm.NewRetryer(llm.RetryConfig{
			Quota:              llm.BackoffConfig{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond},
			Transient:          llm.BackoffConfig{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond},
			ValidationAttempts: 2,
		}),
		ProModel:   "pro-model",
		FlashModel: "flash-model",
	}
}

func (f *fakeBackend) stageCounts() (structure, reduce, refine int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range f.prompts {
		switch p.Instruction {
		case structureInstruction:
			structure++
		case reduceInstruction:
			reduce++
		default:
			refine++
		}
	}
	return
}

func TestRunSinglePassWithRefinement(t *testing.T) {
	f := &fakeBackend{}
	o := newTestOrchestrator(f)

	var transitions []State
	o.OnTransition = func(from, to State) { transitions = append(transitions, to) }

	result, err := o.Run(context.Background(), AnalysisRequest{
		Persona: PersonaSmartBot,
		Items:   []ContentItem{{ID: "c1", Text: "solid build quality"}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if result.Route != RouteSinglePass || result.Chunks != 1 {
		t.Fatalf("expected single-pass run, got route=%s chunks=%d", result.Route, result.Chunks)
	}
	structure, reduce, refine := f.stageCounts()
	if structure != 1 || reduce != 0 || refine != 1 {
		t.Fatalf("unexpected call mix: structure=%d reduce=%d refine=%d", structure, reduce, refine)
	}
	if result.Meta.OverallSummary != "structured" {
		t.Fatalf("meta view should keep the analyst output: %q", result.Meta.OverallSummary)
	}
	if result.Refined.OverallSummary != "refined overall" {
		t.Fatalf("refined view should carry the persona rewrite: %q", result.Refined.OverallSummary)
	}
	if result.Refined.Categories[0].Summary != "refined quality" {
		t.Fatalf("category summary not overlaid: %q", result.Refined.Categories[0].Summary)
	}
	if result.Refined.Categories[0].SentimentScore != 0.8 {
		t.Fatal("scores must come from the structured base")
	}
	if result.Meta.Categories[0].Sentiment != SentimentPositive {
		t.Fatal("meta view must be finalized")
	}

	want := []State{StateRouting, StateStructuring, StateRefining, StateMerged}
	if len(transitions) != len(want) {
		t.Fatalf("unexpected transitions: %v", transitions)
	}
	for i, s := range want {
		if transitions[i] != s {
			t.Fatalf("transition %d: expected %s, got %s", i, s, transitions[i])
		}
	}

	if len(result.Usage) != 2 {
		t.Fatalf("expected usage for 2 calls, got %d", len(result.Usage))
	}
	if result.Usage[0].Stage != StageSummarize || result.Usage[1].Stage != StageRefine {
		t.Fatalf("unexpected usage stages: %+v", result.Usage)
	}
	if result.Usage[0].TotalTokens != 15 {
		t.Fatalf("unexpected usage tokens: %+v", result.Usage[0])
	}
}

func TestRunDataAnalystSkipsRefinement(t *testing.T) {
	f := &fakeBackend{}
	o := newTestOrchestrator(f)

	result, err := o.Run(context.Background(), AnalysisRequest{
		Persona: PersonaDataAnalyst,
		Items:   []ContentItem{{ID: "c1", Text: "solid build quality"}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	structure, reduce, refine := f.stageCounts()
	if structure != 1 || reduce != 0 || refine != 0 {
		t.Fatalf("data analyst must not refine: structure=%d reduce=%d refine=%d", structure, reduce, refine)
	}
	if result.Refined.OverallSummary != result.Meta.OverallSummary {
		t.Fatal("refined view should equal the structured view")
	}
}

func TestChunkBudgetFollowsThreshold(t *testing.T) {
	tests := []struct {
		name        string
		chunkTokens int
		threshold   int
		want        int
	}{
		{"all defaults", 0, 0, DefaultTokenThreshold},
		{"threshold only", 0, 1000, 1000},
		{"smaller override wins", 200, 1000, 200},
		{"override never exceeds threshold", 5000, 1000, 1000},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := &Orchestrator{ChunkTokens: tt.chunkTokens, TokenThreshold: tt.threshold}
			if got := o.chunkBudget(); got != tt.want {
				t.Fatalf("expected budget %d, got %d", tt.want, got)
			}
		})
	}
}

func TestRunMapReduceOrdersPartialsByChunkIndex(t *testing.T) {
	f := &fakeBackend{}
	o := newTestOrchestrator(f)
	o.TokenThreshold = 10
	o.ChunkTokens = 12
	o.MapConcurrency = 3

	items := []ContentItem{
		{ID: "a", Text: "aaaaaa"},
		{ID: "b", Text: "bbbbbb"},
		{ID: "c", Text: "cccccc"},
	}

	result, err := o.Run(context.Background(), AnalysisRequest{Persona: PersonaDataAnalyst, Items: items})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Route != RouteMapReduce {
		t.Fatalf("expected map_reduce, got %s", result.Route)
	}
	if result.Chunks != 3 {
		t.Fatalf("expected 3 chunks, got %d", result.Chunks)
	}
	structure, reduce, _ := f.stageCounts()
	if structure != 3 || reduce != 1 {
		t.Fatalf("unexpected call mix: structure=%d reduce=%d", structure, reduce)
	}
	if result.Meta.OverallSummary != "combined" {
		t.Fatalf("final result should come from the reduce call: %q", result.Meta.OverallSummary)
	}

	var reducePrompt llm.Prompt
	for _, p := range f.prompts {
		if p.Instruction == reduceInstruction {
			reducePrompt = p
		}
	}
	i0 := strings.Index(reducePrompt.Content, "--- partial 0 ---")
	i1 := strings.Index(reducePrompt.Content, "--- partial 1 ---")
	i2 := strings.Index(reducePrompt.Content, "--- partial 2 ---")
	if i0 < 0 || i1 < 0 || i2 < 0 || !(i0 < i1 && i1 < i2) {
		t.Fatalf("reduce input not in chunk order:\n%s", reducePrompt.Content)
	}

	// Map calls run on the flash model, reduce on the pro model.
	var flash, pro int
	for _, cfg := range f.configs {
		switch cfg.Model {
		case "flash-model":
			flash++
		case "pro-model":
			pro++
		}
	}
	if flash != 3 || pro != 1 {
		t.Fatalf("unexpected model mix: flash=%d pro=%d", flash, pro)
	}
}

func TestRunMapReduceFailFastOnChunkFailure(t *testing.T) {
	f := &fakeBackend{
		failOn:  "[b]",
		failErr: llm.FatalError("fake", "boom", nil),
	}
	o := newTestOrchestrator(f)
	o.TokenThreshold = 10
	o.ChunkTokens = 12

	_, err := o.Run(context.Background(), AnalysisRequest{
		Persona: PersonaDataAnalyst,
		Items: []ContentItem{
			{ID: "a", Text: "aaaaaa"},
			{ID: "b", Text: "bbbbbb"},
			{ID: "c", Text: "cccccc"},
		},
	})
	if err == nil {
		t.Fatal("expected error")
	}
	var stageError *StageError
	if !errors.As(err, &stageError) {
		t.Fatalf("expected StageError, got %T", err)
	}
	if stageError.Stage != StageMap || stageError.Chunk != 1 {
		t.Fatalf("expected map failure on chunk 1, got stage=%s chunk=%d", stageError.Stage, stageError.Chunk)
	}
	_, reduce, _ := f.stageCounts()
	if reduce != 0 {
		t.Fatal("reduce must not run after a chunk failure")
	}
}

func TestRunSizeExceededBeforeAnyCall(t *testing.T) {
	f := &fakeBackend{}
	o := newTestOrchestrator(f)
	o.MaxContentBytes = 10

	_, err := o.Run(context.Background(), AnalysisRequest{
		Persona: PersonaSmartBot,
		Items:   []ContentItem{{ID: "c1", Text: strings.Repeat("x", 50)}},
	})
	if !errors.Is(err, ErrSizeExceeded) {
		t.Fatalf("expected ErrSizeExceeded, got %v", err)
	}
	var stageError *StageError
	if !errors.As(err, &stageError) || stageError.Stage != StageValidate {
		t.Fatalf("expected validate-stage error, got %v", err)
	}
	if len(f.prompts) != 0 {
		t.Fatalf("no provider call may happen after a size rejection, got %d", len(f.prompts))
	}
}

func TestRunEmptyContent(t *testing.T) {
	f := &fakeBackend{}
	o := newTestOrchestrator(f)

	_, err := o.Run(context.Background(), AnalysisRequest{
		Persona: PersonaSmartBot,
		Items:   []ContentItem{{ID: "c1", Text: "   "}, {ID: "c2", Text: ""}},
	})
	if !errors.Is(err, ErrEmptyContent) {
		t.Fatalf("expected ErrEmptyContent, got %v", err)
	}
	if len(f.prompts) != 0 {
		t.Fatal("no provider call may happen for empty content")
	}
}

func TestRunDropsBlankItemsButKeepsRest(t *testing.T) {
	f := &fakeBackend{}
	o := newTestOrchestrator(f)

	_, err := o.Run(context.Background(), AnalysisRequest{
		Persona: PersonaDataAnalyst,
		Items:   []ContentItem{{ID: "c1", Text: " "}, {ID: "c2", Text: "useful feedback"}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(f.prompts[0].Content, "[c2] useful feedback") {
		t.Fatalf("surviving item missing from prompt: %q", f.prompts[0].Content)
	}
	if strings.Contains(f.prompts[0].Content, "[c1]") {
		t.Fatalf("blank item must be dropped: %q", f.prompts[0].Content)
	}
}

func TestRunUnknownProviderFails(t *testing.T) {
	f := &fakeBackend{}
	o := newTestOrchestrator(f)
	o.Provider = llm.Provider("unregistered")

	_, err := o.Run(context.Background(), AnalysisRequest{
		Persona: PersonaSmartBot,
		Items:   []ContentItem{{ID: "c1", Text: "text"}},
	})
	if !errors.Is(err, llm.ErrUnknownProvider) {
		t.Fatalf("expected ErrUnknownProvider, got %v", err)
	}
}
