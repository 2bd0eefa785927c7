package models

import "time"

// Source is a cited origin for report content: a research task's finding or
// an external URL.
type Source struct {
	ID         string   `json:"id,omitempty"` // task id for [T:...] citations
	URL        string   `json:"url,omitempty"`
	Title      string   `json:"title,omitempty"`
	Models     []string `json:"models,omitempty"`
	Confidence float64  `json:"confidence,omitempty"`
}

// Report is a persisted research result. Immutable after creation except for
// the rating; deleted only via explicit operator call.
type Report struct {
	ID        int64     `json:"id"`
	Query     string    `json:"query"`
	Params    Params    `json:"parameters"`
	Content   string    `json:"content"`
	Sources   []Source  `json:"sources,omitempty"`
	Embedding []float32 `json:"-"`
	// EmbeddingPending is set when the report was stored before its embedding
	// could be computed. The index job clears it.
	EmbeddingPending bool      `json:"embedding_pending,omitempty"`
	ContentHash      string    `json:"content_hash"`
	Rating           *int      `json:"rating,omitempty"` // 0–5
	CreatedAt        time.Time `json:"created_at"`
}

// Params captures the request parameters a report was produced under.
type Params struct {
	Policy        string `json:"policy,omitempty"`
	CostTier      string `json:"cost_tier,omitempty"`
	AudienceLevel string `json:"audience_level,omitempty"`
	OutputFormat  string `json:"output_format,omitempty"`
}
