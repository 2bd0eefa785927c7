package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"unicode"

	"github.com/inquest-ai/inquest/pkg/llm"
	"github.com/inquest-ai/inquest/pkg/models"
)

// extraction is the structured output of entity/relation extraction.
type extraction struct {
	Entities  []string          `json:"entities"`
	Relations []models.Relation `json:"relations"`
}

const extractPrompt = `Extract the key entities and factual relations from the text below.
Respond with ONLY a JSON object of the form:
{"entities": ["..."], "relations": [{"src": "...", "rel": "...", "dst": "...", "confidence": 0.0}]}
Confidence is your 0-1 belief that the relation is stated or strongly implied.
Limit to at most 12 entities and 12 relations.

Text:
`

// extractWithModel asks a cheap model for entities and relations. Malformed
// output falls back to the heuristic extractor.
func extractWithModel(ctx context.Context, client llm.ModelClient, model, text string) (*extraction, error) {
	if len(text) > 6000 {
		text = text[:6000]
	}
	comp, err := client.Complete(ctx, model, []llm.Message{
		{Role: llm.RoleUser, Content: extractPrompt + text},
	}, llm.Options{Temperature: 0, MaxTokens: 1024})
	if err != nil {
		return nil, err
	}

	var ex extraction
	if err := json.Unmarshal([]byte(extractJSONObject(comp.Content)), &ex); err != nil {
		return nil, fmt.Errorf("parsing extraction: %w", err)
	}
	ex.clamp()
	return &ex, nil
}

// extractHeuristic is the offline fallback: capitalized multi-word spans
// become entities, with no relations. Good enough to keep memory growing when
// no model is reachable.
func extractHeuristic(text string) *extraction {
	seen := map[string]bool{}
	var entities []string
	var span []string

	emit := func() {
		if len(span) == 0 {
			return
		}
		ent := strings.Join(span, " ")
		span = nil
		if len(ent) < 3 || seen[strings.ToLower(ent)] {
			return
		}
		seen[strings.ToLower(ent)] = true
		entities = append(entities, ent)
	}

	for _, tok := range strings.Fields(text) {
		trimmed := strings.TrimFunc(tok, func(r rune) bool {
			return !unicode.IsLetter(r) && !unicode.IsDigit(r)
		})
		if trimmed != "" && unicode.IsUpper([]rune(trimmed)[0]) {
			span = append(span, trimmed)
			// Trailing punctuation ends the span.
			if !strings.HasSuffix(tok, trimmed) || len(tok) > len(trimmed) {
				emit()
			}
			continue
		}
		emit()
		if len(entities) >= 12 {
			break
		}
	}
	emit()
	if len(entities) > 12 {
		entities = entities[:12]
	}
	return &extraction{Entities: entities}
}

func (ex *extraction) clamp() {
	if len(ex.Entities) > 12 {
		ex.Entities = ex.Entities[:12]
	}
	if len(ex.Relations) > 12 {
		ex.Relations = ex.Relations[:12]
	}
	for i := range ex.Relations {
		c := ex.Relations[i].Confidence
		if c < 0 {
			c = 0
		}
		if c > 1 {
			c = 1
		}
		ex.Relations[i].Confidence = c
	}
}

// extractJSONObject pulls the first {...} span out of model output that may be
// wrapped in prose or fences.
func extractJSONObject(s string) string {
	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start < 0 || end <= start {
		return s
	}
	return s[start : end+1]
}
