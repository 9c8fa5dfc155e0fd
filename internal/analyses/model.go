package analyses

import "time"

// ContentItem is one unit of raw input text (a review, a comment, a
// support message).
type ContentItem struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

// AnalysisRequest describes what one analysis run works on. Items are
// inline content; Sources are object-store keys resolved by the content
// loader before the pipeline starts.
type AnalysisRequest struct {
	ProjectID    string        `json:"projectId"`
	Persona      Persona       `json:"persona"`
	ContentType  string        `json:"contentType"`
	Items        []ContentItem `json:"items,omitempty"`
	Sources      []string      `json:"sources,omitempty"`
	ForceRefresh bool          `json:"forceRefresh"`
}

// ContentChunk is one planned unit of map-phase work. Index is the
// chunk's position in input order and drives the reduce ordering.
type ContentChunk struct {
	Index           int           `json:"index"`
	Items           []ContentItem `json:"items"`
	EstimatedTokens int           `json:"estimatedTokens"`
	// Oversized marks a chunk holding a single item whose estimate alone
	// exceeds the chunk budget. It is passed through whole, never split.
	Oversized bool `json:"oversized,omitempty"`
}

// SentimentType buckets an average sentiment score.
type SentimentType string

const (
	SentimentNegative SentimentType = "negative"
	SentimentNeutral  SentimentType = "neutral"
	SentimentPositive SentimentType = "positive"
)

// SentimentFromScore maps a [0,1] score to its bucket.
func SentimentFromScore(score float64) SentimentType {
	switch {
	case score < 0.4:
		return SentimentNegative
	case score >= 0.6:
		return SentimentPositive
	default:
		return SentimentNeutral
	}
}

// Highlight is a representative quote backed by a source content item.
type Highlight struct {
	ContentID      string  `json:"contentId"`
	Quote          string  `json:"quote"`
	SentimentScore float64 `json:"sentimentScore"`
}

// Category is one thematic grouping in a structured result.
type Category struct {
	Name           string        `json:"name"`
	Summary        string        `json:"summary"`
	SentimentScore float64       `json:"sentimentScore"`
	Sentiment      SentimentType `json:"sentiment,omitempty"`
	PositiveCount  int           `json:"positiveCount"`
	NegativeCount  int           `json:"negativeCount"`
	Highlights     []Highlight   `json:"highlights,omitempty"`
}

// StructuredResult is the canonical analyst-view output of the
// structuring stage.
type StructuredResult struct {
	OverallSummary string     `json:"overallSummary"`
	SentimentScore float64    `json:"sentimentScore"`
	Categories     []Category `json:"categories"`
}

// RefinedCategory carries the persona rewrite of one category summary.
type RefinedCategory struct {
	Name    string `json:"name"`
	Summary string `json:"summary"`
}

// RefinedSummary is the refinement-stage output before merging.
type RefinedSummary struct {
	OverallSummary string            `json:"overallSummary"`
	Categories     []RefinedCategory `json:"categories"`
}

// CallUsage records what one logical LLM call cost, retries included.
type CallUsage struct {
	Step             int     `json:"step"`
	Stage            string  `json:"stage"`
	Model            string  `json:"model"`
	Chunk            int     `json:"chunk"`
	Attempts         int     `json:"attempts"`
	PromptTokens     int     `json:"promptTokens"`
	CompletionTokens int     `json:"completionTokens"`
	TotalTokens      int     `json:"totalTokens"`
	DurationMs       float64 `json:"durationMs"`
}

// MergedResult is the final output: the canonical structured view plus
// the persona-refined view, with routing and usage metadata.
type MergedResult struct {
	Meta            StructuredResult `json:"meta"`
	Refined         StructuredResult `json:"refined"`
	Persona         Persona          `json:"persona"`
	Route           Route            `json:"route"`
	Chunks          int              `json:"chunks"`
	EstimatedTokens int              `json:"estimatedTokens"`
	Usage           []CallUsage      `json:"usage,omitempty"`
}

// Analysis is one analysis job record.
type Analysis struct {
	ID             string          `json:"id"`
	ProjectID      string          `json:"projectId"`
	Persona        Persona         `json:"persona"`
	ContentType    string          `json:"contentType"`
	Provider       string          `json:"provider"`
	Status         string          `json:"status"`
	Request        AnalysisRequest `json:"-"`
	Result         *MergedResult   `json:"result,omitempty"`
	ErrorCode      string          `json:"errorCode,omitempty"`
	ErrorMessage   *string         `json:"errorMessage,omitempty"`
	ErrorRetryable bool            `json:"errorRetryable,omitempty"`
	StartedAt      *time.Time      `json:"startedAt,omitempty"`
	CompletedAt    *time.Time      `json:"completedAt,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
	UpdatedAt      time.Time       `json:"updatedAt"`
}

// StoredResult is the versioned latest result for a
// (project, persona, content type) key. CreatedAt survives re-analysis;
// only Version, Result and UpdatedAt move.
type StoredResult struct {
	ProjectID   string       `json:"projectId"`
	Persona     Persona      `json:"persona"`
	ContentType string       `json:"contentType"`
	Version     int          `json:"version"`
	Result      MergedResult `json:"result"`
	CreatedAt   time.Time    `json:"createdAt"`
	UpdatedAt   time.Time    `json:"updatedAt"`
}
