package policy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inquest-ai/inquest/pkg/llm"
	"github.com/inquest-ai/inquest/pkg/models"
)

func TestSelectByComplexityAndNovelty(t *testing.T) {
	tests := []struct {
		name    string
		query   string
		novelty float64
		want    Kind
	}{
		{
			name:    "short covered query stays quick",
			query:   "capital of France",
			novelty: 0.0,
			want:    QuickAnswer,
		},
		{
			name:    "moderately novel short query interpolates to quick",
			query:   "capital of France",
			novelty: 0.6,
			want:    QuickAnswer,
		},
		{
			name:    "short but very novel query needs deep research",
			query:   "capital of France",
			novelty: 1.0,
			want:    DeepResearch,
		},
		{
			name:    "comparison query with novelty goes deep",
			query:   "compare the trade-offs of event sourcing versus CRUD for a payments ledger and evaluate operational costs",
			novelty: 0.8,
			want:    DeepResearch,
		},
		{
			name:    "long multi-part analysis goes exhaustive",
			query:   "provide a comprehensive in-depth analysis of the history of container orchestration; compare Kubernetes and Nomad and Mesos; evaluate the trade-offs for a regulated bank and the implications for compliance? what migration path would you recommend and why?",
			novelty: 0.65,
			want:    Exhaustive,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &Selector{NoveltyProbe: func(string) float64 { return tt.novelty }}
			pol := s.Select(models.ResearchParams{Query: tt.query})
			assert.Equal(t, tt.want, pol.Kind)
		})
	}
}

func TestSelectHighNoveltySimpleQueryGoesDeep(t *testing.T) {
	// High novelty outranks surface simplicity: a trivial-looking query about
	// something the knowledge base has never seen still gets deep research.
	s := &Selector{NoveltyProbe: func(string) float64 { return 0.9 }}
	pol := s.Select(models.ResearchParams{Query: "what is foo"})
	assert.Equal(t, DeepResearch, pol.Kind)
}

func TestSelectShortTimeBudget(t *testing.T) {
	s := &Selector{NoveltyProbe: func(string) float64 { return 0.9 }}

	// Under a minute of budget the run is kept standard even at high novelty.
	pol := s.Select(models.ResearchParams{Query: "what is foo", TimeBudgetSec: 50})
	assert.Equal(t, StandardResearch, pol.Kind)
	assert.Equal(t, 50*time.Second, pol.TimeBudget)

	// A budget below even the standard latency estimate drops one more tier.
	pol = s.Select(models.ResearchParams{Query: "what is foo", TimeBudgetSec: 30})
	assert.Equal(t, QuickAnswer, pol.Kind)
}

func TestSelectThresholdOverrides(t *testing.T) {
	s := &Selector{
		NoveltyProbe: func(string) float64 { return 0.9 },
		Thresholds:   Thresholds{DeepNovelty: 0.95},
	}
	// With the deep-novelty cutoff raised, 0.9 falls through to the blended
	// interpolation instead of forcing deep research.
	pol := s.Select(models.ResearchParams{Query: "what is foo"})
	assert.Equal(t, StandardResearch, pol.Kind)
}

func TestSelectPrivacyLocalFirst(t *testing.T) {
	s := &Selector{NoveltyProbe: func(string) float64 { return 1.0 }}
	pol := s.Select(models.ResearchParams{
		Query:   "compare comprehensive in-depth analysis of everything and anything and more?",
		Privacy: "local-first",
	})
	require.Equal(t, LocalOnly, pol.Kind)
	assert.True(t, pol.LocalOnly)
	assert.Equal(t, llm.TierVeryLow, pol.ResearchTier)
}

func TestSelectCostPreferenceCeiling(t *testing.T) {
	s := &Selector{NoveltyProbe: func(string) float64 { return 0.65 }}
	params := models.ResearchParams{
		Query:          "provide a comprehensive in-depth comparative analysis of the history and implications of quantum error correction versus classical redundancy; evaluate the trade-offs? and the landscape?",
		CostPreference: "very-low",
	}
	pol := s.Select(params)
	assert.Equal(t, QuickAnswer, pol.Kind)

	params.CostPreference = "low"
	pol = s.Select(params)
	assert.Equal(t, StandardResearch, pol.Kind)

	params.CostPreference = "high"
	pol = s.Select(params)
	assert.Equal(t, Exhaustive, pol.Kind)
}

func TestSelectMoneyBudgetDowngrades(t *testing.T) {
	s := &Selector{NoveltyProbe: func(string) float64 { return 0.65 }}
	params := models.ResearchParams{
		Query:          "provide a comprehensive in-depth comparative analysis of the history and implications of quantum error correction versus classical redundancy; evaluate the trade-offs? and the landscape?",
		MoneyBudgetUSD: 0.05,
	}
	pol := s.Select(params)
	// Exhaustive and deep both cost more than five cents.
	assert.Equal(t, QuickAnswer, pol.Kind)

	params.MoneyBudgetUSD = 100
	pol = s.Select(params)
	assert.Equal(t, Exhaustive, pol.Kind)
}

func TestSelectTimeBudgetOverride(t *testing.T) {
	s := &Selector{NoveltyProbe: func(string) float64 { return 0 }}
	pol := s.Select(models.ResearchParams{Query: "hi", TimeBudgetSec: 30})
	assert.Equal(t, 30*time.Second, pol.TimeBudget)
}

func TestComplexityBounds(t *testing.T) {
	assert.Equal(t, 0.0, Complexity(""))
	assert.LessOrEqual(t, Complexity("compare and contrast and analyze and evaluate the comprehensive in-depth landscape and history of everything; and more; and more?"), 1.0)
	assert.Greater(t,
		Complexity("compare the pros and cons of X versus Y"),
		Complexity("what is X"))
}

func TestPolicyParallelismBounds(t *testing.T) {
	assert.Equal(t, DefaultMaxParallelism, policyTable[StandardResearch].MaxParallelism)
	for kind, pol := range policyTable {
		assert.GreaterOrEqual(t, pol.MaxParallelism, 1, "policy %s", kind)
	}
}

func TestApproxCostOrdering(t *testing.T) {
	// Stronger policies must never estimate cheaper than weaker ones, or the
	// budget walk would oscillate.
	last := 0.0
	for i := len(downgradeOrder) - 1; i >= 0; i-- {
		cost := approxCostUSD(policyTable[downgradeOrder[i]])
		require.Greater(t, cost, last, "policy %s", downgradeOrder[i])
		last = cost
	}
}
