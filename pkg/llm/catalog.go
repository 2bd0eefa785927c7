package llm

import (
	"fmt"
	"os"
	"sort"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// Tier buckets models by cost.
type Tier string

const (
	TierVeryLow Tier = "very-low"
	TierLow     Tier = "low"
	TierHigh    Tier = "high"
)

// tierRank orders tiers from cheapest to most capable.
func tierRank(t Tier) int {
	switch t {
	case TierVeryLow:
		return 0
	case TierLow:
		return 1
	case TierHigh:
		return 2
	default:
		return -1
	}
}

// Higher reports whether a ranks above b.
func (t Tier) Higher(other Tier) bool { return tierRank(t) > tierRank(other) }

// AtLeast reports whether t satisfies a request for the given tier.
func (t Tier) AtLeast(other Tier) bool { return tierRank(t) >= tierRank(other) }

// Domain tags describe what a model is good at.
const (
	DomainGeneral   = "general"
	DomainReasoning = "reasoning"
	DomainSearch    = "search"
	DomainCoding    = "coding"
	DomainVision    = "vision"
)

// Modality values.
const (
	ModalityText   = "text"
	ModalityVision = "vision"
)

// ModelInfo describes one catalog entry.
type ModelInfo struct {
	ID         string   `yaml:"id" json:"id"`
	Provider   string   `yaml:"provider" json:"provider"`
	Tiers      []Tier   `yaml:"tiers" json:"tiers"`
	Domains    []string `yaml:"domains" json:"domains"`
	ContextLen int      `yaml:"context_len" json:"context_len"`
	Modalities []string `yaml:"modalities" json:"modalities"`
	// CostPer1KIn/Out are USD per 1000 tokens.
	CostPer1KIn  float64 `yaml:"cost_per_1k_in" json:"cost_per_1k_in"`
	CostPer1KOut float64 `yaml:"cost_per_1k_out" json:"cost_per_1k_out"`
	// LatencyMs is the typical time-to-last-token for a short completion.
	LatencyMs int `yaml:"latency_ms" json:"latency_ms"`
	// Local marks models served by the LocalModel capability.
	Local bool `yaml:"local" json:"local,omitempty"`
}

// HasTier reports tier membership.
func (m ModelInfo) HasTier(t Tier) bool {
	for _, mt := range m.Tiers {
		if mt == t {
			return true
		}
	}
	return false
}

// HasDomain reports domain membership.
func (m ModelInfo) HasDomain(d string) bool {
	for _, md := range m.Domains {
		if md == d {
			return true
		}
	}
	return false
}

// SupportsVision reports whether the model accepts image inputs.
func (m ModelInfo) SupportsVision() bool {
	for _, mod := range m.Modalities {
		if mod == ModalityVision {
			return true
		}
	}
	return false
}

// Catalog enumerates available models. Derived from the builtin table merged
// with an optional models.yaml overlay.
type Catalog struct {
	models []ModelInfo
}

type catalogYAML struct {
	Models []ModelInfo `yaml:"models"`
	// Replace, when true, drops the builtin table instead of overlaying it.
	Replace bool `yaml:"replace"`
}

// LoadCatalog builds the catalog from builtins plus an optional YAML overlay.
// Overlay entries with an ID matching a builtin are merged field-by-field
// (non-zero overlay fields win).
func LoadCatalog(path string) (*Catalog, error) {
	models := builtinModels()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading model catalog %s: %w", path, err)
		}
		var overlay catalogYAML
		if err := yaml.Unmarshal(raw, &overlay); err != nil {
			return nil, fmt.Errorf("parsing model catalog %s: %w", path, err)
		}
		if overlay.Replace {
			models = nil
		}
		models = mergeModels(models, overlay.Models)
	}

	cat := &Catalog{models: models}
	if err := cat.validate(); err != nil {
		return nil, err
	}
	return cat, nil
}

func mergeModels(base, overlay []ModelInfo) []ModelInfo {
	byID := make(map[string]int, len(base))
	for i, m := range base {
		byID[m.ID] = i
	}
	for _, om := range overlay {
		if i, ok := byID[om.ID]; ok {
			merged := base[i]
			if err := mergo.Merge(&merged, om, mergo.WithOverride); err == nil {
				base[i] = merged
			}
			continue
		}
		base = append(base, om)
	}
	return base
}

func (c *Catalog) validate() error {
	if len(c.models) == 0 {
		return fmt.Errorf("model catalog is empty")
	}
	for _, tier := range []Tier{TierVeryLow, TierLow, TierHigh} {
		found := false
		for _, m := range c.models {
			if m.HasTier(tier) {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("model catalog has no model in tier %q", tier)
		}
	}
	return nil
}

// List returns all catalog entries.
func (c *Catalog) List() []ModelInfo {
	out := make([]ModelInfo, len(c.models))
	copy(out, c.models)
	return out
}

// Get looks up a model by ID.
func (c *Catalog) Get(id string) (ModelInfo, bool) {
	for _, m := range c.models {
		if m.ID == id {
			return m, true
		}
	}
	return ModelInfo{}, false
}

// SelectOpts filters and orders a model selection.
type SelectOpts struct {
	Tier         Tier
	Domain       string
	NeedsVision  bool
	LocalOnly    bool
	ExcludeLocal bool
	// K caps the number of returned models (0 = no cap).
	K int
}

// Select returns up to K distinct models matching the filter, ordered by cost
// ascending then latency ascending. When vision is required and no model in
// the requested tier supports it, selection falls back to the nearest higher
// tier.
func (c *Catalog) Select(opts SelectOpts) []ModelInfo {
	tier := opts.Tier
	for {
		matched := c.selectAtTier(tier, opts)
		if len(matched) > 0 || tier == TierHigh {
			if opts.K > 0 && len(matched) > opts.K {
				matched = matched[:opts.K]
			}
			return matched
		}
		// Nearest higher tier fallback.
		switch tier {
		case TierVeryLow:
			tier = TierLow
		case TierLow:
			tier = TierHigh
		}
	}
}

func (c *Catalog) selectAtTier(tier Tier, opts SelectOpts) []ModelInfo {
	var matched []ModelInfo
	for _, m := range c.models {
		if tier != "" && !m.HasTier(tier) {
			continue
		}
		if opts.Domain != "" && !m.HasDomain(opts.Domain) && !m.HasDomain(DomainGeneral) {
			continue
		}
		if opts.NeedsVision && !m.SupportsVision() {
			continue
		}
		if opts.LocalOnly && !m.Local {
			continue
		}
		if opts.ExcludeLocal && m.Local {
			continue
		}
		matched = append(matched, m)
	}
	sort.SliceStable(matched, func(i, j int) bool {
		ci := matched[i].CostPer1KIn + matched[i].CostPer1KOut
		cj := matched[j].CostPer1KIn + matched[j].CostPer1KOut
		if ci != cj {
			return ci < cj
		}
		return matched[i].LatencyMs < matched[j].LatencyMs
	})
	return matched
}

// EstimateCost approximates the USD cost of a call with the given token counts.
func (m ModelInfo) EstimateCost(promptTokens, completionTokens int) float64 {
	return float64(promptTokens)/1000*m.CostPer1KIn +
		float64(completionTokens)/1000*m.CostPer1KOut
}

// builtinModels is the static default table. An overlay file can extend or
// replace it.
func builtinModels() []ModelInfo {
	return []ModelInfo{
		{
			ID: "gpt-4o-mini", Provider: "openai",
			Tiers:   []Tier{TierVeryLow, TierLow},
			Domains: []string{DomainGeneral, DomainSearch, DomainVision},
			ContextLen: 128000, Modalities: []string{ModalityText, ModalityVision},
			CostPer1KIn: 0.00015, CostPer1KOut: 0.0006, LatencyMs: 900,
		},
		{
			ID: "gpt-4o", Provider: "openai",
			Tiers:   []Tier{TierLow, TierHigh},
			Domains: []string{DomainGeneral, DomainReasoning, DomainVision, DomainCoding},
			ContextLen: 128000, Modalities: []string{ModalityText, ModalityVision},
			CostPer1KIn: 0.0025, CostPer1KOut: 0.01, LatencyMs: 1600,
		},
		{
			ID: "o4-mini", Provider: "openai",
			Tiers:   []Tier{TierLow, TierHigh},
			Domains: []string{DomainReasoning, DomainCoding},
			ContextLen: 200000, Modalities: []string{ModalityText},
			CostPer1KIn: 0.0011, CostPer1KOut: 0.0044, LatencyMs: 3200,
		},
		{
			ID: "claude-haiku-4-5", Provider: "anthropic",
			Tiers:   []Tier{TierVeryLow, TierLow},
			Domains: []string{DomainGeneral, DomainSearch},
			ContextLen: 200000, Modalities: []string{ModalityText, ModalityVision},
			CostPer1KIn: 0.001, CostPer1KOut: 0.005, LatencyMs: 800,
		},
		{
			ID: "claude-sonnet-4-5", Provider: "anthropic",
			Tiers:   []Tier{TierHigh},
			Domains: []string{DomainGeneral, DomainReasoning, DomainCoding, DomainVision},
			ContextLen: 200000, Modalities: []string{ModalityText, ModalityVision},
			CostPer1KIn: 0.003, CostPer1KOut: 0.015, LatencyMs: 2000,
		},
	}
}
