package analyses

import "insight-backend/internal/llm"

// PlanChunks splits items into ordered chunks whose estimates stay under
// budget. Items are never split: an item that alone exceeds the budget
// becomes its own chunk, flagged Oversized and passed through whole.
// Input order is preserved across chunk boundaries. A non-positive budget
// falls back to the routing threshold, so by default Oversized marks only
// items that could never have routed single-pass on their own.
func PlanChunks(items []ContentItem, est llm.Estimator, budget int) []ContentChunk {
	if budget <= 0 {
		budget = DefaultTokenThreshold
	}
	var chunks []ContentChunk
	var cur []ContentItem
	curTokens := 0

	flush := func() {
		if len(cur) == 0 {
			return
		}
		chunks = append(chunks, ContentChunk{
			Index:           len(chunks),
			Items:           cur,
			EstimatedTokens: curTokens,
		})
		cur = nil
		curTokens = 0
	}

	for _, item := range items {
		t := est.EstimateTokens(RenderItem(item))
		if t > budget {
			flush()
			chunks = append(chunks, ContentChunk{
				Index:           len(chunks),
				Items:           []ContentItem{item},
				EstimatedTokens: t,
				Oversized:       true,
			})
			continue
		}
		if curTokens+t > budget {
			flush()
		}
		cur = append(cur, item)
		curTokens += t
	}
	flush()
	return chunks
}
