package models

import "time"

// Relation is a (src, rel, dst) assertion with a confidence weight.
type Relation struct {
	Src        string  `json:"src"`
	Rel        string  `json:"rel"`
	Dst        string  `json:"dst"`
	Confidence float64 `json:"confidence"`
}

// MemoryNode is one unit of living memory: entities and relations extracted
// from a report, with a Bayesian-updated confidence. Never deleted by normal
// operation.
type MemoryNode struct {
	ID            string     `json:"id"`
	Embedding     []float32  `json:"-"`
	Entities      []string   `json:"entities"`
	Relations     []Relation `json:"relations,omitempty"`
	Sources       []string   `json:"sources,omitempty"`
	UserSignature string     `json:"user_signature,omitempty"`
	Resonance     float64    `json:"resonance"` // co-retrieval boost, 0–1
	AccessCount   int64      `json:"access_count"`
	LastAccessAt  time.Time  `json:"last_access_at"`
	Confidence    float64    `json:"confidence"` // 0–1
	CreatedAt     time.Time  `json:"created_at"`
}

// Conflict pairs a stored relation with an incoming assertion that
// contradicts it.
type Conflict struct {
	NodeID   string   `json:"node_id"`
	Existing Relation `json:"existing"`
	Incoming Relation `json:"incoming"`
}

// IndexScope selects which corpus an index operation targets.
type IndexScope string

const (
	ScopeReports IndexScope = "reports"
	ScopeDocs    IndexScope = "docs"
	ScopeBoth    IndexScope = "both"
)

// IndexEntry is a fragment of indexed text. The embedding dimension is fixed
// and consistent across the corpus.
type IndexEntry struct {
	DocID       string     `json:"doc_id"`
	Scope       IndexScope `json:"scope"`
	Fragment    string     `json:"fragment"`
	Embedding   []float32  `json:"-"`
	ContentHash string     `json:"content_hash"`
	CreatedAt   time.Time  `json:"created_at"`
}

// SearchHit is one ranked result from the hybrid index.
type SearchHit struct {
	ID      string  `json:"id"`
	Score   float64 `json:"score"`
	Snippet string  `json:"snippet,omitempty"`
}
