package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/inquest-ai/inquest/pkg/apperr"
	"github.com/inquest-ai/inquest/pkg/llm"
	"github.com/inquest-ai/inquest/pkg/models"
	"github.com/inquest-ai/inquest/pkg/policy"
)

// PlanTask is one node of a research plan.
type PlanTask struct {
	ID          string   `json:"id"`
	Description string   `json:"description"`
	DependsOn   []string `json:"depends_on,omitempty"`
}

// Plan is a validated, acyclic task graph.
type Plan struct {
	Tasks []PlanTask `json:"tasks"`
}

// Waves orders tasks into dependency layers: every task in wave n depends
// only on tasks in waves < n. Tasks within a wave run in parallel.
func (p *Plan) Waves() [][]PlanTask {
	done := map[string]bool{}
	remaining := append([]PlanTask(nil), p.Tasks...)
	var waves [][]PlanTask

	for len(remaining) > 0 {
		var wave []PlanTask
		var next []PlanTask
		for _, t := range remaining {
			ready := true
			for _, dep := range t.DependsOn {
				if !done[dep] {
					ready = false
					break
				}
			}
			if ready {
				wave = append(wave, t)
			} else {
				next = append(next, t)
			}
		}
		if len(wave) == 0 {
			// Unsatisfiable dependencies; validation should have caught this.
			wave = next
			next = nil
		}
		for _, t := range wave {
			done[t.ID] = true
		}
		waves = append(waves, wave)
		remaining = next
	}
	return waves
}

// Planner turns a query into a plan using a catalog-selected model, with one
// re-plan on poor coverage and a single-task fallback when the model cannot
// produce a usable plan at all.
type Planner struct {
	catalog  *llm.Catalog
	registry *llm.Registry
	logger   *slog.Logger
}

// NewPlanner builds a planner.
func NewPlanner(catalog *llm.Catalog, registry *llm.Registry, logger *slog.Logger) *Planner {
	return &Planner{catalog: catalog, registry: registry, logger: logger.With("component", "planner")}
}

// Plan produces a validated plan for the query under the policy.
func (p *Planner) Plan(ctx context.Context, params models.ResearchParams, pol policy.Policy, memoryContext string) (*Plan, error) {
	model, client, err := p.pickModel(pol)
	if err != nil {
		return nil, err
	}

	system, user := plannerPrompt(params, pol.MaxTasks, memoryContext)
	msgs := []llm.Message{
		{Role: llm.RoleSystem, Content: system},
		{Role: llm.RoleUser, Content: user},
	}

	plan, planErr := p.requestPlan(ctx, client, model.ID, msgs, pol.MaxTasks)
	if planErr == nil {
		gaps := coverageGaps(params.Query, plan)
		if gaps == "" {
			return plan, nil
		}
		p.logger.Info("plan coverage weak, re-planning once", "gaps", gaps)
		raw, _ := json.Marshal(plan)
		msgs = append(msgs,
			llm.Message{Role: llm.RoleAssistant, Content: string(raw)},
			llm.Message{Role: llm.RoleUser, Content: fmt.Sprintf(replanNudge, string(raw), gaps)},
		)
		replanned, err := p.requestPlan(ctx, client, model.ID, msgs, pol.MaxTasks)
		if err == nil && coverageGaps(params.Query, replanned) == "" {
			return replanned, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		// Still not covering the ask after one retry: collapse to a single
		// task spanning the whole query rather than researching a partial
		// decomposition.
		p.logger.Warn("re-plan still misses parts of the query, collapsing to one task")
		return &Plan{Tasks: []PlanTask{{ID: "t1", Description: params.Query}}}, nil
	}
	if ctx.Err() != nil {
		return nil, planErr
	}

	// Fallback: one task covering the whole query. Degraded but serviceable.
	p.logger.Warn("planning failed, using single-task fallback", "error", planErr)
	return &Plan{Tasks: []PlanTask{{ID: "t1", Description: params.Query}}}, nil
}

func (p *Planner) pickModel(pol policy.Policy) (llm.ModelInfo, llm.ModelClient, error) {
	candidates := p.catalog.Select(llm.SelectOpts{
		Tier: pol.PlannerTier, Domain: llm.DomainReasoning, LocalOnly: pol.LocalOnly, K: 1,
	})
	if len(candidates) == 0 {
		return llm.ModelInfo{}, nil, apperr.E(apperr.KindInternal, "no planner model available")
	}
	model := candidates[0]
	client, ok := p.registry.For(model.Provider)
	if !ok {
		return llm.ModelInfo{}, nil, apperr.Ef(apperr.KindInternal, "no client for provider %s", model.Provider)
	}
	return model, client, nil
}

func (p *Planner) requestPlan(ctx context.Context, client llm.ModelClient, model string, msgs []llm.Message, maxTasks int) (*Plan, error) {
	comp, err := client.Complete(ctx, model, msgs, llm.Options{Temperature: 0.2, MaxTokens: 1500})
	if err != nil {
		return nil, err
	}
	var plan Plan
	if err := json.Unmarshal([]byte(extractJSONObject(comp.Content)), &plan); err != nil {
		return nil, fmt.Errorf("parsing plan: %w", err)
	}
	if err := validatePlan(&plan, maxTasks); err != nil {
		return nil, err
	}
	return &plan, nil
}

// validatePlan checks ids, bounds, dependency references, and acyclicity.
func validatePlan(plan *Plan, maxTasks int) error {
	if len(plan.Tasks) == 0 {
		return fmt.Errorf("plan has no tasks")
	}
	if len(plan.Tasks) > maxTasks {
		plan.Tasks = plan.Tasks[:maxTasks]
	}

	ids := map[string]bool{}
	for i := range plan.Tasks {
		t := &plan.Tasks[i]
		if t.ID == "" {
			t.ID = fmt.Sprintf("t%d", i+1)
		}
		if strings.TrimSpace(t.Description) == "" {
			return fmt.Errorf("task %s has an empty description", t.ID)
		}
		if ids[t.ID] {
			return fmt.Errorf("duplicate task id %s", t.ID)
		}
		ids[t.ID] = true
	}

	// Drop references to unknown tasks, then reject cycles.
	for i := range plan.Tasks {
		var deps []string
		for _, dep := range plan.Tasks[i].DependsOn {
			if ids[dep] && dep != plan.Tasks[i].ID {
				deps = append(deps, dep)
			}
		}
		plan.Tasks[i].DependsOn = deps
	}
	if hasCycle(plan.Tasks) {
		return fmt.Errorf("plan dependency graph has a cycle")
	}
	return nil
}

func hasCycle(tasks []PlanTask) bool {
	deps := map[string][]string{}
	for _, t := range tasks {
		deps[t.ID] = t.DependsOn
	}
	const (
		unvisited = 0
		inStack   = 1
		done      = 2
	)
	state := map[string]int{}
	var visit func(id string) bool
	visit = func(id string) bool {
		switch state[id] {
		case inStack:
			return true
		case done:
			return false
		}
		state[id] = inStack
		for _, dep := range deps[id] {
			if visit(dep) {
				return true
			}
		}
		state[id] = done
		return false
	}
	for _, t := range tasks {
		if visit(t.ID) {
			return true
		}
	}
	return false
}

// coverageGaps is a cheap heuristic: content words of the query that appear
// in no task description suggest the plan missed part of the ask. Returns ""
// when coverage looks fine.
func coverageGaps(query string, plan *Plan) string {
	var all strings.Builder
	for _, t := range plan.Tasks {
		all.WriteString(strings.ToLower(t.Description))
		all.WriteByte(' ')
	}
	planText := all.String()

	var missing []string
	for _, w := range strings.Fields(strings.ToLower(query)) {
		w = strings.Trim(w, ".,;:!?\"'()")
		if len(w) < 5 || stopword(w) {
			continue
		}
		if !strings.Contains(planText, w) {
			missing = append(missing, w)
		}
	}
	// A couple of missing words is noise; a cluster is a real gap.
	if len(missing) < 3 {
		return ""
	}
	return strings.Join(missing, ", ")
}

func stopword(w string) bool {
	switch w {
	case "about", "which", "their", "there", "these", "those", "would",
		"could", "should", "between", "please", "explain", "describe":
		return true
	}
	return false
}

// extractJSONObject pulls the first {...} span out of model output that may
// be wrapped in prose or fences.
func extractJSONObject(s string) string {
	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start < 0 || end <= start {
		return s
	}
	return s[start : end+1]
}
