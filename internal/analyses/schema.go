package analyses

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"insight-backend/internal/llm"
)

// Response schemas passed to providers that enforce them natively and
// inlined into the instruction for those that do not.

var structuredSchema = json.RawMessage(`{
  "type": "object",
  "required": ["overallSummary", "sentimentScore", "categories"],
  "properties": {
    "overallSummary": {"type": "string"},
    "sentimentScore": {"type": "number", "minimum": 0, "maximum": 1},
    "categories": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["name", "summary", "sentimentScore"],
        "properties": {
          "name": {"type": "string"},
          "summary": {"type": "string"},
          "sentimentScore": {"type": "number", "minimum": 0, "maximum": 1},
          "highlights": {
            "type": "array",
            "items": {
              "type": "object",
              "required": ["contentId", "quote", "sentimentScore"],
              "properties": {
                "contentId": {"type": "string"},
                "quote": {"type": "string"},
                "sentimentScore": {"type": "number", "minimum": 0, "maximum": 1}
              }
            }
          }
        }
      }
    }
  }
}`)

var refinedSchema = json.RawMessage(`{
  "type": "object",
  "required": ["overallSummary", "categories"],
  "properties": {
    "overallSummary": {"type": "string"},
    "categories": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["name", "summary"],
        "properties": {
          "name": {"type": "string"},
          "summary": {"type": "string"}
        }
      }
    }
  }
}`)

var trailingCommaRe = regexp.MustCompile(`,\s*([}\]])`)

// repairJSON strips code fences and trailing commas, the two malformed
// shapes models actually produce.
func repairJSON(raw string) string {
	cleaned := llm.CleanJSONText(raw)
	return trailingCommaRe.ReplaceAllString(cleaned, "$1")
}

// ParseStructured decodes and validates a structuring-stage payload.
func ParseStructured(raw string) (StructuredResult, error) {
	var out StructuredResult
	dec := json.NewDecoder(strings.NewReader(repairJSON(raw)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&out); err != nil {
		// Unknown fields are tolerated on a second pass; broken JSON is not.
		if uerr := json.Unmarshal([]byte(repairJSON(raw)), &out); uerr != nil {
			return StructuredResult{}, fmt.Errorf("decode structured result: %w", uerr)
		}
	}
	if strings.TrimSpace(out.OverallSummary) == "" {
		return StructuredResult{}, fmt.Errorf("structured result: overallSummary is empty")
	}
	if out.SentimentScore < 0 || out.SentimentScore > 1 {
		return StructuredResult{}, fmt.Errorf("structured result: sentimentScore %v out of [0,1]", out.SentimentScore)
	}
	if len(out.Categories) == 0 {
		return StructuredResult{}, fmt.Errorf("structured result: no categories")
	}
	for i, cat := range out.Categories {
		if strings.TrimSpace(cat.Name) == "" {
			return StructuredResult{}, fmt.Errorf("structured result: category %d has no name", i)
		}
		if cat.SentimentScore < 0 || cat.SentimentScore > 1 {
			return StructuredResult{}, fmt.Errorf("structured result: category %q sentimentScore %v out of [0,1]", cat.Name, cat.SentimentScore)
		}
		for j, h := range cat.Highlights {
			if strings.TrimSpace(h.ContentID) == "" {
				return StructuredResult{}, fmt.Errorf("structured result: category %q highlight %d has no contentId", cat.Name, j)
			}
		}
	}
	return out, nil
}

// ParseRefined decodes and validates a refinement-stage payload.
func ParseRefined(raw string) (RefinedSummary, error) {
	var out RefinedSummary
	if err := json.Unmarshal([]byte(repairJSON(raw)), &out); err != nil {
		return RefinedSummary{}, fmt.Errorf("decode refined result: %w", err)
	}
	if strings.TrimSpace(out.OverallSummary) == "" {
		return RefinedSummary{}, fmt.Errorf("refined result: overallSummary is empty")
	}
	for i, cat := range out.Categories {
		if strings.TrimSpace(cat.Name) == "" {
			return RefinedSummary{}, fmt.Errorf("refined result: category %d has no name", i)
		}
	}
	return out, nil
}

// validateStructured adapts ParseStructured for the retry loop.
func validateStructured(text string) error {
	_, err := ParseStructured(text)
	return err
}

// validateRefined adapts ParseRefined for the retry loop.
func validateRefined(text string) error {
	_, err := ParseRefined(text)
	return err
}

func marshalStructured(r StructuredResult) ([]byte, error) {
	return json.Marshal(r)
}
