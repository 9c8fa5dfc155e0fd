package analyses

import (
	"fmt"
	"strings"
)

// Prompt instructions for the two pipeline stages. The structuring
// instruction is shared by single-pass and map calls; reduce and refine
// have their own.

const structureInstruction = `You are a professional data analyst. Analyze the customer content below.

Group the content into thematic categories. For each category write a factual
summary, an average sentiment score between 0.0 (very negative) and 1.0 (very
positive), and up to 5 representative highlights. Every highlight must quote
the source text verbatim and reference the contentId it came from. Do not
invent content ids. Also produce an overall summary and an overall sentiment
score across all content.

Respond with JSON only.`

const reduceInstruction = `You are a professional data analyst. The JSON documents below are partial
analyses of consecutive slices of one content set, in original order.

Combine them into a single analysis: merge categories with the same theme,
recompute sentiment scores weighted by how much content each partial covered,
keep the strongest highlights (at most 5 per category), and write one overall
summary spanning all slices. Never drop a category that appears in any
partial.

Respond with JSON only.`

const refineInstructionTemplate = `%s

Rewrite the category summaries and the overall summary of the analysis below
in your voice. Keep every category name exactly as given. Do not add or remove
categories, and do not change any numbers.

Respond with JSON only.`

var personaVoices = map[Persona]string{
	PersonaSmartBot: `You are a friendly assistant talking to the business owner. Be short,
warm and concrete. Avoid analyst jargon.`,
	PersonaAnalyst: `You are a customer-facing analyst. Write polished, professional
commentary a client report could quote directly.`,
}

// RefineInstruction renders the refinement instruction for a persona.
func RefineInstruction(p Persona) string {
	voice, ok := personaVoices[p]
	if !ok {
		voice = personaVoices[PersonaSmartBot]
	}
	return fmt.Sprintf(refineInstructionTemplate, voice)
}

// RenderItem renders one content item for prompt inclusion.
func RenderItem(item ContentItem) string {
	return fmt.Sprintf("[%s] %s", item.ID, item.Text)
}

// RenderItems renders items one per line, preserving input order.
func RenderItems(items []ContentItem) string {
	var b strings.Builder
	for i, item := range items {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(RenderItem(item))
	}
	return b.String()
}

// RenderPartials renders chunk outputs for the reduce call, in ascending
// chunk index order.
func RenderPartials(partials []StructuredResult) (string, error) {
	var b strings.Builder
	for i, p := range partials {
		raw, err := marshalStructured(p)
		if err != nil {
			return "", fmt.Errorf("marshal partial %d: %w", i, err)
		}
		fmt.Fprintf(&b, "--- partial %d ---\n%s\n", i, raw)
	}
	return b.String(), nil
}
