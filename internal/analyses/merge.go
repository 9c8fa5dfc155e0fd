package analyses

import "strings"

// finalizeStructured fills the derived fields of a structured result:
// sentiment buckets and per-category positive/negative highlight counts.
func finalizeStructured(r StructuredResult) StructuredResult {
	for i := range r.Categories {
		cat := &r.Categories[i]
		cat.Sentiment = SentimentFromScore(cat.SentimentScore)
		cat.PositiveCount = 0
		cat.NegativeCount = 0
		for _, h := range cat.Highlights {
			switch SentimentFromScore(h.SentimentScore) {
			case SentimentPositive:
				cat.PositiveCount++
			case SentimentNegative:
				cat.NegativeCount++
			}
		}
	}
	return r
}

// mergeRefined overlays the persona rewrite onto the structured base,
// category by category. The base is canonical: categories only present
// in the refined payload are dropped, scores and highlights always come
// from the base. Category matching is case-insensitive on name.
func mergeRefined(base StructuredResult, refined RefinedSummary) StructuredResult {
	byName := make(map[string]string, len(refined.Categories))
	for _, rc := range refined.Categories {
		byName[strings.ToLower(strings.TrimSpace(rc.Name))] = rc.Summary
	}

	out := base
	out.Categories = make([]Category, len(base.Categories))
	copy(out.Categories, base.Categories)
	if strings.TrimSpace(refined.OverallSummary) != "" {
		out.OverallSummary = refined.OverallSummary
	}
	for i := range out.Categories {
		if summary, ok := byName[strings.ToLower(strings.TrimSpace(out.Categories[i].Name))]; ok && strings.TrimSpace(summary) != "" {
			out.Categories[i].Summary = summary
		}
	}
	return finalizeStructured(out)
}
