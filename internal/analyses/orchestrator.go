package analyses

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"insight-backend/internal/llm"
	"insight-backend/internal/shared/metrics"
)

// Pipeline states, in order of a successful run.
type State string

const (
	StateValidating  State = "validating"
	StateRouting     State = "routing"
	StateStructuring State = "structuring"
	StateRefining    State = "refining"
	StateMerged      State = "merged"
	StateFailed      State = "failed"
)

// Stage names carried on StageError and usage records.
const (
	StageValidate  = "validate"
	StageSummarize = "summarize"
	StageMap       = "map"
	StageReduce    = "reduce"
	StageRefine    = "refine"
)

// MaxContentBytes is the hard ceiling on combined content size,
// enforced before any token estimate or provider call.
const MaxContentBytes = 10 * 1024 * 1024

const defaultMapConcurrency = 4

// Orchestrator drives one analysis run through the two-stage pipeline.
// Sessions are opened per run through the registry and never pooled.
type Orchestrator struct {
	Registry  *llm.Registry
	Provider  llm.Provider
	Estimator llm.Estimator
	Retryer   *llm.Retryer

	// ProModel runs single-pass, reduce and pro-tier refinement;
	// FlashModel runs map calls and flash-tier refinement.
	ProModel   string
	FlashModel string

	TokenThreshold  int
	ChunkTokens     int
	MapConcurrency  int
	MaxContentBytes int64
	MaxOutputTokens int

	// OnTransition observes state changes, for telemetry. Optional.
	OnTransition func(from, to State)
}

// run carries the mutable state of one invocation.
type run struct {
	o       *Orchestrator
	persona Persona
	state   State
	step    int
	mu      sync.Mutex
	usage   []CallUsage
}

// Run executes the full pipeline for one request and returns the merged
// result. The returned error is always a *StageError.
func (o *Orchestrator) Run(ctx context.Context, req AnalysisRequest) (*MergedResult, error) {
	r := &run{o: o, persona: req.Persona, state: StateValidating}

	items, err := r.validate(req.Items)
	if err != nil {
		r.transition(StateFailed)
		return nil, stageErr(StageValidate, err)
	}

	r.transition(StateRouting)
	rendered := RenderItems(items)
	estimated := o.estimator().EstimateTokens(rendered)
	route := DecideRoute(estimated, o.TokenThreshold)
	log.Printf("analysis route=%s estimated_tokens=%d items=%d", route, estimated, len(items))

	r.transition(StateStructuring)
	var structured StructuredResult
	var chunkCount int
	switch route {
	case RouteSinglePass:
		structured, err = r.singlePass(ctx, rendered)
		chunkCount = 1
	default:
		chunks := PlanChunks(items, o.estimator(), o.chunkBudget())
		chunkCount = len(chunks)
		structured, err = r.mapReduce(ctx, chunks)
	}
	if err != nil {
		r.transition(StateFailed)
		return nil, err
	}
	structured = finalizeStructured(structured)

	r.transition(StateRefining)
	refined := structured
	if r.persona != PersonaDataAnalyst {
		refinedSummary, err := r.refine(ctx, structured)
		if err != nil {
			r.transition(StateFailed)
			return nil, err
		}
		refined = mergeRefined(structured, refinedSummary)
	}

	r.transition(StateMerged)
	return &MergedResult{
		Meta:            structured,
		Refined:         refined,
		Persona:         r.persona,
		Route:           route,
		Chunks:          chunkCount,
		EstimatedTokens: estimated,
		Usage:           r.usage,
	}, nil
}

func (r *run) transition(to State) {
	from := r.state
	r.state = to
	if r.o.OnTransition != nil {
		r.o.OnTransition(from, to)
	}
}

// validate drops empty items and enforces the byte ceiling.
func (r *run) validate(items []ContentItem) ([]ContentItem, error) {
	kept := make([]ContentItem, 0, len(items))
	var total int64
	for _, item := range items {
		if strings.TrimSpace(item.Text) == "" {
			continue
		}
		total += int64(len(item.Text))
		kept = append(kept, item)
	}
	if len(kept) == 0 {
		return nil, ErrEmptyContent
	}
	limit := r.o.MaxContentBytes
	if limit <= 0 {
		limit = MaxContentBytes
	}
	if total > limit {
		return nil, fmt.Errorf("%w: %d bytes over %d", ErrSizeExceeded, total, limit)
	}
	return kept, nil
}

func (r *run) singlePass(ctx context.Context, rendered string) (StructuredResult, error) {
	text, err := r.call(ctx, StageSummarize, -1, r.structuringSession, llm.Prompt{
		Instruction: structureInstruction,
		Content:     rendered,
		Schema:      structuredSchema,
	}, validateStructured)
	if err != nil {
		return StructuredResult{}, stageErr(StageSummarize, err)
	}
	return ParseStructured(text)
}

// mapReduce fans chunks out over a bounded worker group and combines the
// partials in ascending chunk index order. The first chunk failure
// cancels the remaining work.
func (r *run) mapReduce(ctx context.Context, chunks []ContentChunk) (StructuredResult, error) {
	partials := make([]StructuredResult, len(chunks))
	g, gctx := errgroup.WithContext(ctx)
	limit := r.o.MapConcurrency
	if limit <= 0 {
		limit = defaultMapConcurrency
	}
	g.SetLimit(limit)

	for _, chunk := range chunks {
		g.Go(func() error {
			if chunk.Oversized {
				log.Printf("analysis chunk=%d oversized estimated_tokens=%d", chunk.Index, chunk.EstimatedTokens)
			}
			text, err := r.call(gctx, StageMap, chunk.Index, r.mapSession, llm.Prompt{
				Instruction: structureInstruction,
				Content:     RenderItems(chunk.Items),
				Schema:      structuredSchema,
			}, validateStructured)
			if err != nil {
				return chunkErr(StageMap, chunk.Index, err)
			}
			partial, err := ParseStructured(text)
			if err != nil {
				return chunkErr(StageMap, chunk.Index, err)
			}
			partials[chunk.Index] = partial
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return StructuredResult{}, err
	}

	// partials is indexed by chunk index, so the reduce input is already
	// in ascending chunk order regardless of completion order.
	content, err := RenderPartials(partials)
	if err != nil {
		return StructuredResult{}, stageErr(StageReduce, err)
	}
	text, err := r.call(ctx, StageReduce, -1, r.structuringSession, llm.Prompt{
		Instruction: reduceInstruction,
		Content:     content,
		Schema:      structuredSchema,
	}, validateStructured)
	if err != nil {
		return StructuredResult{}, stageErr(StageReduce, err)
	}
	combined, err := ParseStructured(text)
	if err != nil {
		return StructuredResult{}, stageErr(StageReduce, err)
	}
	return combined, nil
}

func (r *run) refine(ctx context.Context, structured StructuredResult) (RefinedSummary, error) {
	raw, err := marshalStructured(structured)
	if err != nil {
		return RefinedSummary{}, stageErr(StageRefine, err)
	}
	text, err := r.call(ctx, StageRefine, -1, r.refinementSession, llm.Prompt{
		Instruction: RefineInstruction(r.persona),
		Content:     string(raw),
		Schema:      refinedSchema,
	}, validateRefined)
	if err != nil {
		return RefinedSummary{}, stageErr(StageRefine, err)
	}
	refined, err := ParseRefined(text)
	if err != nil {
		return RefinedSummary{}, stageErr(StageRefine, err)
	}
	return refined, nil
}

// call opens a fresh session, runs it through the retry policy and
// records usage for the run.
func (r *run) call(ctx context.Context, stage string, chunk int, open func() (llm.Session, string, error), p llm.Prompt, validate llm.ValidateFunc) (string, error) {
	sess, model, err := open()
	if err != nil {
		return "", err
	}
	started := time.Now()
	resp, stats, err := r.o.Retryer.Do(ctx, sess, p, validate)
	r.record(stage, chunk, model, stats, time.Since(started))
	if err != nil {
		return "", err
	}
	return resp.Text, nil
}

func (r *run) record(stage string, chunk int, model string, stats llm.CallStats, elapsed time.Duration) {
	metrics.IncLLMCalls()
	metrics.AddLLMCallAttempts(stats.Attempts)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.step++
	r.usage = append(r.usage, CallUsage{
		Step:             r.step,
		Stage:            stage,
		Model:            model,
		Chunk:            chunk,
		Attempts:         stats.Attempts,
		PromptTokens:     stats.Usage.PromptTokens,
		CompletionTokens: stats.Usage.CompletionTokens,
		TotalTokens:      stats.Usage.TotalTokens,
		DurationMs:       float64(elapsed.Microseconds()) / 1000.0,
	})
}

// Structuring runs on the pro model with the analyst temperature.
func (r *run) structuringSession() (llm.Session, string, error) {
	return r.session(r.o.ProModel, PersonaDataAnalyst.Config().Temperature)
}

// Map calls run on the flash model; chunk partials feed the pro reduce.
func (r *run) mapSession() (llm.Session, string, error) {
	return r.session(r.o.model(TierFlash), PersonaDataAnalyst.Config().Temperature)
}

func (r *run) refinementSession() (llm.Session, string, error) {
	cfg := r.persona.Config()
	return r.session(r.o.model(cfg.Tier), cfg.Temperature)
}

func (r *run) session(model string, temperature float32) (llm.Session, string, error) {
	sess, err := r.o.Registry.NewSession(r.o.Provider, llm.SessionConfig{
		Model:           model,
		Temperature:     temperature,
		MaxOutputTokens: r.o.MaxOutputTokens,
	})
	if err != nil {
		return nil, "", err
	}
	return sess, model, nil
}

func (o *Orchestrator) model(tier ModelTier) string {
	if tier == TierFlash && o.FlashModel != "" {
		return o.FlashModel
	}
	return o.ProModel
}

// chunkBudget is the per-chunk token ceiling for map-reduce planning.
// It is the routing threshold unless ChunkTokens sets a smaller override;
// a chunk may never be allowed more tokens than would route single-pass.
func (o *Orchestrator) chunkBudget() int {
	threshold := o.TokenThreshold
	if threshold <= 0 {
		threshold = DefaultTokenThreshold
	}
	if o.ChunkTokens > 0 && o.ChunkTokens < threshold {
		return o.ChunkTokens
	}
	return threshold
}

func (o *Orchestrator) estimator() llm.Estimator {
	if o.Estimator != nil {
		return o.Estimator
	}
	return llm.HeuristicEstimator{}
}
