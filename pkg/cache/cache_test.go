package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inquest-ai/inquest/pkg/config"
	"github.com/inquest-ai/inquest/pkg/llm"
)

func testConfig() config.CacheConfig {
	return config.CacheConfig{
		ExactTTL:      time.Minute,
		SemanticTTL:   time.Minute,
		MaxKeys:       128,
		SimilarityTau: 0.85,
	}
}

func TestExactKeyDeterministic(t *testing.T) {
	msgs := []llm.Message{{Role: llm.RoleUser, Content: "hello"}}
	opts := llm.Options{Temperature: 0.4, MaxTokens: 100}
	assert.Equal(t, ExactKey("gpt-4o", msgs, opts), ExactKey("gpt-4o", msgs, opts))
	assert.NotEqual(t, ExactKey("gpt-4o", msgs, opts), ExactKey("gpt-4o-mini", msgs, opts))
	assert.NotEqual(t, ExactKey("gpt-4o", msgs, opts),
		ExactKey("gpt-4o", msgs, llm.Options{Temperature: 0.5, MaxTokens: 100}))
}

func TestExactHitAndTierGate(t *testing.T) {
	c := New(testConfig())
	key := ExactKey("m", nil, llm.Options{})

	_, ok := c.GetExact(key, llm.TierVeryLow)
	require.False(t, ok)

	c.PutExact(key, ExactEntry{
		Completion: llm.Completion{Content: "answer"},
		Tier:       llm.TierLow,
		CostUSD:    0.01,
	})

	entry, ok := c.GetExact(key, llm.TierVeryLow)
	require.True(t, ok)
	assert.Equal(t, "answer", entry.Completion.Content)

	// An entry produced at a lower tier than requested is a miss.
	_, ok = c.GetExact(key, llm.TierHigh)
	assert.False(t, ok)

	stats := c.Stats()
	assert.Equal(t, uint64(1), stats.ExactHits)
	assert.Equal(t, uint64(2), stats.ExactMisses)
	assert.InDelta(t, 0.01, stats.SpentUSD, 1e-9)
}

func TestNormalizeQuery(t *testing.T) {
	assert.Equal(t, "what is rust", NormalizeQuery("  What   IS\tRust  "))
	assert.Equal(t, NormalizeQuery("A  B"), NormalizeQuery("a b"))
}

func TestSemanticSimilarityThreshold(t *testing.T) {
	c := New(testConfig())

	stored := []float32{1, 0, 0, 0}
	c.PutSemantic(stored, SemanticEntry{Query: "q", Body: "cached report", ReportID: 7, Tier: llm.TierLow})

	// Identical vector: similarity 1 >= tau.
	entry, ok := c.GetSemantic([]float32{1, 0, 0, 0}, llm.TierVeryLow)
	require.True(t, ok)
	assert.Equal(t, int64(7), entry.ReportID)

	// Orthogonal vector: similarity 0 < tau.
	_, ok = c.GetSemantic([]float32{0, 1, 0, 0}, llm.TierVeryLow)
	assert.False(t, ok)

	// Tier gate applies to semantic entries too.
	_, ok = c.GetSemantic([]float32{1, 0, 0, 0}, llm.TierHigh)
	assert.False(t, ok)
}

func TestSemanticExpiry(t *testing.T) {
	cfg := testConfig()
	cfg.SemanticTTL = -time.Second // already expired on insert
	c := New(cfg)

	c.PutSemantic([]float32{1, 0}, SemanticEntry{Body: "old", Tier: llm.TierHigh})
	_, ok := c.GetSemantic([]float32{1, 0}, llm.TierVeryLow)
	assert.False(t, ok)
}

func TestSemanticEviction(t *testing.T) {
	cfg := testConfig()
	cfg.MaxKeys = 8 // one slot per shard
	c := New(cfg)

	for i := 0; i < 100; i++ {
		c.PutSemantic([]float32{float32(i), 1}, SemanticEntry{Body: "b", Tier: llm.TierLow})
	}
	assert.LessOrEqual(t, c.Stats().SemanticEntries, 64)
}

func TestSemanticLookupDuringEviction(t *testing.T) {
	cfg := testConfig()
	cfg.MaxKeys = 8 // one slot per shard, so every add evicts
	c := New(cfg)
	queryVec := []float32{1, 0}
	c.PutSemantic(queryVec, SemanticEntry{Query: "q", Body: "stable", ReportID: 1, Tier: llm.TierHigh})

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 2000; i++ {
			c.PutSemantic([]float32{0, 1}, SemanticEntry{Query: "filler", Body: "b", Tier: llm.TierLow})
		}
	}()
	for i := 0; i < 2000; i++ {
		if entry, ok := c.GetSemantic(queryVec, llm.TierVeryLow); ok {
			// The returned entry is a snapshot; eviction churn must not be
			// able to rewrite it after the lookup.
			assert.Equal(t, "stable", entry.Body)
			assert.Equal(t, int64(1), entry.ReportID)
		}
	}
	<-done
}

func TestSimilarityHelper(t *testing.T) {
	assert.InDelta(t, 1.0, Similarity([]float32{1, 2}, []float32{1, 2}), 1e-6)
	assert.InDelta(t, 0.0, Similarity([]float32{1, 0}, []float32{0, 1}), 1e-6)
	assert.Equal(t, 0.0, Similarity([]float32{1}, []float32{1, 2}))
}
