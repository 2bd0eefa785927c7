// Package cache provides the two-tier response cache: an exact-key layer for
// full model completions and a semantic-similarity layer for report bodies.
// Neither layer is authoritative; both are TTL-bound and LRU-evicted.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/inquest-ai/inquest/pkg/config"
	"github.com/inquest-ai/inquest/pkg/embed"
	"github.com/inquest-ai/inquest/pkg/llm"
	"github.com/inquest-ai/inquest/pkg/metrics"
)

// ExactEntry is a cached full completion result.
type ExactEntry struct {
	Completion llm.Completion
	// Tier is the cost tier of the model that produced the entry. A hit whose
	// tier is below the caller's requested tier must be treated as a miss.
	Tier     llm.Tier
	CostUSD  float64
	StoredAt time.Time
}

// SemanticEntry is a cached report body keyed by query embedding.
type SemanticEntry struct {
	Query     string
	Body      string
	ReportID  int64
	Tier      llm.Tier
	CostUSD   float64
	StoredAt  time.Time
	expiresAt time.Time
	embedding []float32
}

// Stats summarizes cache effectiveness for the status surface.
type Stats struct {
	ExactEntries    int     `json:"exact_entries"`
	SemanticEntries int     `json:"semantic_entries"`
	ExactHits       uint64  `json:"exact_hits"`
	ExactMisses     uint64  `json:"exact_misses"`
	SemanticHits    uint64  `json:"semantic_hits"`
	SemanticMisses  uint64  `json:"semantic_misses"`
	SpentUSD        float64 `json:"spent_usd"`
}

// Cache is the in-process, concurrent-safe two-tier cache.
type Cache struct {
	exact *expirable.LRU[string, ExactEntry]

	semantic *shardedSemantic
	tau      float64
	semTTL   time.Duration

	counters counters
}

// New builds a cache from configuration.
func New(cfg config.CacheConfig) *Cache {
	return &Cache{
		exact:    expirable.NewLRU[string, ExactEntry](cfg.MaxKeys, nil, cfg.ExactTTL),
		semantic: newShardedSemantic(cfg.MaxKeys),
		tau:      cfg.SimilarityTau,
		semTTL:   cfg.SemanticTTL,
	}
}

// ExactKey derives the exact-layer key from the full call signature.
func ExactKey(model string, msgs []llm.Message, opts llm.Options) string {
	h := sha256.New()
	h.Write([]byte(model))
	enc := json.NewEncoder(h)
	_ = enc.Encode(msgs)
	_ = enc.Encode(opts)
	return hex.EncodeToString(h.Sum(nil))
}

// GetExact looks up a completion by exact key. Entries from a tier below
// minTier are misses.
func (c *Cache) GetExact(key string, minTier llm.Tier) (ExactEntry, bool) {
	entry, ok := c.exact.Get(key)
	if ok && entry.Tier.AtLeast(minTier) {
		c.counters.exactHit()
		metrics.CacheEvents.WithLabelValues("exact", "hit").Inc()
		return entry, true
	}
	c.counters.exactMiss()
	metrics.CacheEvents.WithLabelValues("exact", "miss").Inc()
	return ExactEntry{}, false
}

// PutExact stores a completion, recording its cost.
func (c *Cache) PutExact(key string, entry ExactEntry) {
	entry.StoredAt = time.Now()
	c.exact.Add(key, entry)
	c.counters.addSpend(entry.CostUSD)
}

// NormalizeQuery produces the canonical form embedded for semantic lookups.
func NormalizeQuery(q string) string {
	return strings.Join(strings.Fields(strings.ToLower(strings.TrimSpace(q))), " ")
}

// GetSemantic returns the best semantic match with cosine >= tau, skipping
// expired entries and entries below minTier.
func (c *Cache) GetSemantic(queryVec []float32, minTier llm.Tier) (SemanticEntry, bool) {
	best, bestSim := c.semantic.bestMatch(queryVec, time.Now())
	if best == nil || bestSim < c.tau || !best.Tier.AtLeast(minTier) {
		c.counters.semMiss()
		metrics.CacheEvents.WithLabelValues("semantic", "miss").Inc()
		return SemanticEntry{}, false
	}
	c.counters.semHit()
	metrics.CacheEvents.WithLabelValues("semantic", "hit").Inc()
	return *best, true
}

// PutSemantic stores a report body under its normalized-query embedding.
func (c *Cache) PutSemantic(queryVec []float32, entry SemanticEntry) {
	entry.StoredAt = time.Now()
	entry.expiresAt = entry.StoredAt.Add(c.semTTL)
	entry.embedding = queryVec
	c.semantic.add(entry)
	c.counters.addSpend(entry.CostUSD)
}

// Similarity exposes the cosine helper for callers computing consensus.
func Similarity(a, b []float32) float64 { return embed.Cosine(a, b) }

// Stats snapshots counters and sizes.
func (c *Cache) Stats() Stats {
	s := c.counters.snapshot()
	s.ExactEntries = c.exact.Len()
	s.SemanticEntries = c.semantic.len()
	return s
}
