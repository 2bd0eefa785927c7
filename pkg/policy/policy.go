// Package policy selects the research strategy for a query: how many
// planner/researcher/synthesizer models to engage, at what cost tier, and
// within what time budget. Selection is deterministic given the query
// features and constraints.
package policy

import (
	"strings"
	"time"

	"github.com/inquest-ai/inquest/pkg/llm"
	"github.com/inquest-ai/inquest/pkg/models"
)

// Kind names a research policy.
type Kind string

const (
	QuickAnswer      Kind = "quick_answer"
	StandardResearch Kind = "standard_research"
	DeepResearch     Kind = "deep_research"
	Exhaustive       Kind = "exhaustive"
	LocalOnly        Kind = "local_only"
)

// Policy is the resolved execution plan shape for one research run.
type Policy struct {
	Kind Kind `json:"kind"`
	// PlannerTier/ResearchTier/SynthesisTier pick model cost tiers per phase.
	PlannerTier   llm.Tier `json:"planner_tier"`
	ResearchTier  llm.Tier `json:"research_tier"`
	SynthesisTier llm.Tier `json:"synthesis_tier"`
	// EnsembleSize is the number of models consulted per research task.
	EnsembleSize int `json:"ensemble_size"`
	// MaxTasks caps the planner's task count.
	MaxTasks int `json:"max_tasks"`
	// RefinementRounds is how many synthesize-critique-revise passes run.
	RefinementRounds int `json:"refinement_rounds"`
	// TimeBudget bounds the whole run; also becomes the job deadline.
	TimeBudget time.Duration `json:"time_budget"`
	// MaxParallelism caps concurrent research tasks within this run, on top
	// of the executor's global limit.
	MaxParallelism int `json:"max_parallelism"`
	// LocalOnly restricts model selection to local capabilities.
	LocalOnly bool `json:"local_only"`
}

// DefaultMaxParallelism applies when a policy carries no per-run cap.
const DefaultMaxParallelism = 4

// policyTable maps kinds to their base shapes, strongest first for the
// budget downgrade walk.
var policyTable = map[Kind]Policy{
	QuickAnswer: {
		Kind: QuickAnswer, PlannerTier: llm.TierVeryLow, ResearchTier: llm.TierVeryLow,
		SynthesisTier: llm.TierVeryLow, EnsembleSize: 1, MaxTasks: 1,
		RefinementRounds: 0, TimeBudget: 45 * time.Second, MaxParallelism: 2,
	},
	StandardResearch: {
		Kind: StandardResearch, PlannerTier: llm.TierLow, ResearchTier: llm.TierLow,
		SynthesisTier: llm.TierLow, EnsembleSize: 2, MaxTasks: 4,
		RefinementRounds: 1, TimeBudget: 4 * time.Minute, MaxParallelism: DefaultMaxParallelism,
	},
	DeepResearch: {
		Kind: DeepResearch, PlannerTier: llm.TierLow, ResearchTier: llm.TierHigh,
		SynthesisTier: llm.TierHigh, EnsembleSize: 3, MaxTasks: 8,
		RefinementRounds: 2, TimeBudget: 10 * time.Minute, MaxParallelism: DefaultMaxParallelism,
	},
	Exhaustive: {
		Kind: Exhaustive, PlannerTier: llm.TierHigh, ResearchTier: llm.TierHigh,
		SynthesisTier: llm.TierHigh, EnsembleSize: 4, MaxTasks: 12,
		RefinementRounds: 3, TimeBudget: 20 * time.Minute, MaxParallelism: 6,
	},
	LocalOnly: {
		Kind: LocalOnly, PlannerTier: llm.TierVeryLow, ResearchTier: llm.TierVeryLow,
		SynthesisTier: llm.TierVeryLow, EnsembleSize: 1, MaxTasks: 3,
		RefinementRounds: 0, TimeBudget: 3 * time.Minute, MaxParallelism: 2, LocalOnly: true,
	},
}

// latencyEstimates are typical wall-clock completions per kind, used to fit
// the selection to a caller's time budget. Distinct from TimeBudget, which is
// the hard ceiling a run of that kind is given.
var latencyEstimates = map[Kind]time.Duration{
	QuickAnswer:      10 * time.Second,
	StandardResearch: 45 * time.Second,
	DeepResearch:     3 * time.Minute,
	Exhaustive:       8 * time.Minute,
	LocalOnly:        30 * time.Second,
}

// downgradeOrder walks from strongest to weakest for budget fitting.
var downgradeOrder = []Kind{Exhaustive, DeepResearch, StandardResearch, QuickAnswer}

// approxCostUSD estimates the model spend of one run under a policy.
func approxCostUSD(p Policy) float64 {
	tierCost := map[llm.Tier]float64{llm.TierVeryLow: 0.002, llm.TierLow: 0.02, llm.TierHigh: 0.15}
	perTask := tierCost[p.ResearchTier] * float64(p.EnsembleSize)
	return tierCost[p.PlannerTier] +
		perTask*float64(p.MaxTasks) +
		tierCost[p.SynthesisTier]*float64(1+p.RefinementRounds)
}

// Thresholds tune the selection matrix. Zero values fall back to the
// defaults, so a zero Thresholds is usable as-is.
type Thresholds struct {
	// QuickComplexity and QuickNovelty: a query below both is a quick answer.
	QuickComplexity float64
	QuickNovelty    float64
	// DeepNovelty: a query above it needs deep research regardless of length.
	DeepNovelty float64
	// ShortTimeBudget: a caller budget below it keeps the run standard.
	ShortTimeBudget time.Duration
}

func (t Thresholds) withDefaults() Thresholds {
	if t.QuickComplexity == 0 {
		t.QuickComplexity = 0.3
	}
	if t.QuickNovelty == 0 {
		t.QuickNovelty = 0.3
	}
	if t.DeepNovelty == 0 {
		t.DeepNovelty = 0.7
	}
	if t.ShortTimeBudget == 0 {
		t.ShortTimeBudget = time.Minute
	}
	return t
}

// Selector scores queries and picks policies.
type Selector struct {
	// NoveltyProbe reports how novel a query is against the knowledge base,
	// 0 (well covered) to 1 (nothing similar stored). Nil defaults to 1.
	NoveltyProbe func(query string) float64
	// Thresholds override the selection matrix cutoffs.
	Thresholds Thresholds
}

// Select resolves the policy for a research request. The matrix rules run in
// order: simple well-covered queries stay quick, a tight time budget keeps
// the run standard, high novelty forces deep research, and everything else
// interpolates over a blended complexity/novelty score. Explicit privacy and
// cost preferences constrain the choice; the money budget walks toward
// cheaper policies until the estimate fits; a selection whose typical
// latency exceeds the time budget is downgraded one tier.
func (s *Selector) Select(params models.ResearchParams) Policy {
	if params.Privacy == "local-first" {
		return applyOverrides(policyTable[LocalOnly], params)
	}
	th := s.Thresholds.withDefaults()

	complexity := Complexity(params.Query)
	novelty := 1.0
	if s.NoveltyProbe != nil {
		novelty = clamp01(s.NoveltyProbe(params.Query))
	}
	timeBudget := time.Duration(params.TimeBudgetSec) * time.Second

	var kind Kind
	switch {
	case complexity < th.QuickComplexity && novelty < th.QuickNovelty:
		kind = QuickAnswer
	case timeBudget > 0 && timeBudget < th.ShortTimeBudget:
		kind = StandardResearch
	case novelty > th.DeepNovelty:
		kind = DeepResearch
	default:
		score := 0.6*complexity + 0.4*novelty
		switch {
		case score < 0.25:
			kind = QuickAnswer
		case score < 0.55:
			kind = StandardResearch
		case score < 0.8:
			kind = DeepResearch
		default:
			kind = Exhaustive
		}
	}

	kind = capByCostPreference(kind, params.CostPreference)

	// Money budget: walk toward cheaper policies until the estimate fits.
	if params.MoneyBudgetUSD > 0 {
		idx := indexOf(downgradeOrder, kind)
		for idx < len(downgradeOrder)-1 && approxCostUSD(policyTable[downgradeOrder[idx]]) > params.MoneyBudgetUSD {
			idx++
		}
		kind = downgradeOrder[idx]
	}

	// Time budget: a kind expected to run past the budget drops one tier.
	if timeBudget > 0 && latencyEstimates[kind] > timeBudget {
		if idx := indexOf(downgradeOrder, kind); idx < len(downgradeOrder)-1 {
			kind = downgradeOrder[idx+1]
		}
	}

	return applyOverrides(policyTable[kind], params)
}

// capByCostPreference keeps the policy at or below the caller's cost ceiling.
func capByCostPreference(kind Kind, pref string) Kind {
	ceiling := map[string]Kind{
		"very-low": QuickAnswer,
		"low":      StandardResearch,
		"high":     Exhaustive,
	}[pref]
	if ceiling == "" {
		return kind
	}
	if rankOf(kind) > rankOf(ceiling) {
		return ceiling
	}
	return kind
}

func rankOf(k Kind) int {
	switch k {
	case QuickAnswer, LocalOnly:
		return 0
	case StandardResearch:
		return 1
	case DeepResearch:
		return 2
	default:
		return 3
	}
}

func applyOverrides(p Policy, params models.ResearchParams) Policy {
	if params.TimeBudgetSec > 0 {
		p.TimeBudget = time.Duration(params.TimeBudgetSec) * time.Second
	}
	return p
}

// Complexity scores a query 0–1 from surface features: length, question
// structure, comparison/analysis markers, and multi-part phrasing.
func Complexity(query string) float64 {
	q := strings.ToLower(strings.TrimSpace(query))
	words := strings.Fields(q)

	score := 0.0
	switch {
	case len(words) > 40:
		score += 0.4
	case len(words) > 15:
		score += 0.25
	case len(words) > 6:
		score += 0.1
	}

	markers := []string{
		"compare", "contrast", "versus", " vs ", "trade-off", "tradeoff",
		"analyze", "analysis", "evaluate", "comprehensive", "in depth",
		"in-depth", "survey", "landscape", "history of", "implications",
		"pros and cons",
	}
	for _, m := range markers {
		if strings.Contains(q, m) {
			score += 0.15
		}
	}

	// Multi-part questions.
	if strings.Count(q, "?") > 1 {
		score += 0.15
	}
	score += 0.1 * float64(strings.Count(q, " and ")+strings.Count(q, ";"))

	return clamp01(score)
}

func clamp01(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}

func indexOf(order []Kind, k Kind) int {
	for i, o := range order {
		if o == k {
			return i
		}
	}
	return len(order) - 1
}
