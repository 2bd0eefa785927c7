package agent

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inquest-ai/inquest/pkg/cache"
	"github.com/inquest-ai/inquest/pkg/config"
	"github.com/inquest-ai/inquest/pkg/embed"
	"github.com/inquest-ai/inquest/pkg/llm"
	"github.com/inquest-ai/inquest/pkg/models"
	"github.com/inquest-ai/inquest/pkg/policy"
)

func TestSplitConfidence(t *testing.T) {
	tests := []struct {
		name     string
		in       string
		wantText string
		wantConf float64
	}{
		{
			name:     "trailing confidence line",
			in:       "The answer is 42.\nCONFIDENCE: 0.85",
			wantText: "The answer is 42.",
			wantConf: 0.85,
		},
		{
			name:     "case insensitive with padding",
			in:       "Body text.\n  confidence: 0.3  ",
			wantText: "Body text.",
			wantConf: 0.3,
		},
		{
			name:     "missing defaults to half",
			in:       "No self-assessment here.",
			wantText: "No self-assessment here.",
			wantConf: 0.5,
		},
		{
			name:     "out of range clamped",
			in:       "Overconfident.\nCONFIDENCE: 7.5",
			wantText: "Overconfident.",
			wantConf: 1.0,
		},
		{
			name:     "malformed value defaults",
			in:       "Body.\nCONFIDENCE: very high",
			wantText: "Body.\nCONFIDENCE: very high",
			wantConf: 0.5,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			text, conf := splitConfidence(tt.in)
			assert.Equal(t, tt.wantText, text)
			assert.InDelta(t, tt.wantConf, conf, 1e-9)
		})
	}
}

func TestRunEnsembleReusesCachedCompletions(t *testing.T) {
	catalog, err := llm.LoadCatalog("")
	require.NoError(t, err)
	mock := llm.NewMockModelClient("Raft elects a leader by majority vote.\nCONFIDENCE: 0.9")
	registry := llm.NewRegistry()
	registry.Register("openai", mock)
	registry.Register("anthropic", mock)

	respCache := cache.New(config.CacheConfig{
		ExactTTL: time.Minute, SemanticTTL: time.Minute, MaxKeys: 64, SimilarityTau: 0.9,
	})
	r := NewResearcher(catalog, registry, embed.NewHashEmbedder(64),
		NewBoundedExecutor(2), nil, respCache, slog.Default())

	task := PlanTask{ID: "t1", Description: "how does raft elect a leader"}
	params := models.ResearchParams{Query: "how does raft elect a leader"}
	pol := policy.Policy{ResearchTier: llm.TierLow, EnsembleSize: 1}

	first, err := r.runEnsemble(context.Background(), "job-1", task, params, llm.TierLow, pol, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, mock.CallCount())

	// An identical call signature is served from the cache.
	second, err := r.runEnsemble(context.Background(), "job-1", task, params, llm.TierLow, pol, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, mock.CallCount())
	assert.Equal(t, first.Content, second.Content)
	assert.InDelta(t, first.Confidence, second.Confidence, 1e-9)

	// A different task misses and calls the model again.
	other := PlanTask{ID: "t2", Description: "how does paxos reach consensus"}
	_, err = r.runEnsemble(context.Background(), "job-1", other, params, llm.TierLow, pol, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, mock.CallCount())
}

func TestDependencyFindings(t *testing.T) {
	prior := []TaskFinding{
		{TaskID: "a", Content: "finding a"},
		{TaskID: "b", Content: "finding b"},
		{TaskID: "c", Content: "finding c"},
	}

	assert.Nil(t, dependencyFindings(PlanTask{ID: "d"}, prior))

	got := dependencyFindings(PlanTask{ID: "d", DependsOn: []string{"a", "c"}}, prior)
	assert.Len(t, got, 2)
	assert.Equal(t, "a", got[0].TaskID)
	assert.Equal(t, "c", got[1].TaskID)
}
