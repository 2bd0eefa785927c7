package agent

import (
	"context"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/inquest-ai/inquest/pkg/apperr"
	"github.com/inquest-ai/inquest/pkg/cache"
	"github.com/inquest-ai/inquest/pkg/embed"
	"github.com/inquest-ai/inquest/pkg/events"
	"github.com/inquest-ai/inquest/pkg/llm"
	"github.com/inquest-ai/inquest/pkg/metrics"
	"github.com/inquest-ai/inquest/pkg/models"
	"github.com/inquest-ai/inquest/pkg/policy"
)

// TaskFinding is the consolidated result of one research task.
type TaskFinding struct {
	TaskID  string `json:"task_id"`
	Content string `json:"content"`
	// Confidence is the winning model's self-reported 0–1 confidence.
	Confidence float64 `json:"confidence"`
	// Consensus is the highest pairwise answer similarity across the
	// ensemble; 1 when only one model answered.
	Consensus float64  `json:"consensus"`
	Models    []string `json:"models"`
}

// lowConsensus triggers an escalation retry when time allows.
const lowConsensus = 0.55

// escalationHeadroom is the minimum remaining budget worth spending on an
// escalated retry.
const escalationHeadroom = 45 * time.Second

// Researcher runs one task against an ensemble of models and consolidates
// the answers.
type Researcher struct {
	catalog  *llm.Catalog
	registry *llm.Registry
	embedder embed.Embedder
	exec     *BoundedExecutor
	pub      *events.Publisher
	cache    *cache.Cache
	logger   *slog.Logger
}

// NewResearcher builds a researcher. The cache may be nil, which disables
// completion reuse.
func NewResearcher(catalog *llm.Catalog, registry *llm.Registry, embedder embed.Embedder,
	exec *BoundedExecutor, pub *events.Publisher, respCache *cache.Cache, logger *slog.Logger) *Researcher {
	return &Researcher{
		catalog: catalog, registry: registry, embedder: embedder,
		exec: exec, pub: pub, cache: respCache, logger: logger.With("component", "researcher"),
	}
}

// complete runs one model call through the exact-key cache. An identical
// call signature served by a model of at least the same tier reuses the
// cached completion instead of spending another upstream call.
func (r *Researcher) complete(ctx context.Context, client llm.ModelClient, modelID string,
	tier llm.Tier, msgs []llm.Message, opts llm.Options) (*llm.Completion, error) {

	if r.cache == nil {
		return client.Complete(ctx, modelID, msgs, opts)
	}
	key := cache.ExactKey(modelID, msgs, opts)
	if entry, ok := r.cache.GetExact(key, tier); ok {
		comp := entry.Completion
		return &comp, nil
	}
	comp, err := client.Complete(ctx, modelID, msgs, opts)
	if err != nil {
		return nil, err
	}
	r.cache.PutExact(key, cache.ExactEntry{Completion: *comp, Tier: tier})
	return comp, nil
}

type ensembleAnswer struct {
	model      string
	content    string
	confidence float64
}

// Research executes one task: the ensemble runs in parallel, answers are
// scored for confidence and cross-model consensus, and a low-consensus
// result escalates once to a higher tier when the deadline allows.
func (r *Researcher) Research(ctx context.Context, jobID string, task PlanTask,
	params models.ResearchParams, pol policy.Policy, prior []TaskFinding) (*TaskFinding, error) {

	r.pub.TryPublish(ctx, jobID, events.TypeTaskStarted, map[string]string{
		"task_id": task.ID, "description": task.Description,
	})

	finding, err := r.runEnsemble(ctx, jobID, task, params, pol.ResearchTier, pol, prior)
	if err != nil {
		return nil, err
	}

	if finding.Consensus < lowConsensus && pol.ResearchTier != llm.TierHigh {
		if deadline, ok := ctx.Deadline(); !ok || time.Until(deadline) > escalationHeadroom {
			r.logger.Info("low consensus, escalating tier",
				"task_id", task.ID, "consensus", finding.Consensus)
			r.pub.TryPublish(ctx, jobID, events.TypeAgentProgress, map[string]any{
				"task_id": task.ID, "stage": "escalation", "consensus": finding.Consensus,
			})
			if escalated, err := r.runEnsemble(ctx, jobID, task, params, llm.TierHigh, pol, prior); err == nil &&
				escalated.Confidence >= finding.Confidence {
				finding = escalated
			}
		}
	}

	r.pub.TryPublish(ctx, jobID, events.TypeTaskCompleted, map[string]any{
		"task_id": task.ID, "confidence": finding.Confidence,
		"consensus": finding.Consensus, "models": finding.Models,
	})
	return finding, nil
}

func (r *Researcher) runEnsemble(ctx context.Context, jobID string, task PlanTask,
	params models.ResearchParams, tier llm.Tier, pol policy.Policy, prior []TaskFinding) (*TaskFinding, error) {

	needsVision := len(params.Images) > 0
	candidates := r.catalog.Select(llm.SelectOpts{
		Tier: tier, Domain: llm.DomainSearch, NeedsVision: needsVision,
		LocalOnly: pol.LocalOnly, K: pol.EnsembleSize,
	})
	if len(candidates) == 0 {
		return nil, apperr.E(apperr.KindInternal, "no research model available")
	}

	prompt := researcherPrompt(task, params, dependencyFindings(task, prior))
	msgs := []llm.Message{
		{Role: llm.RoleSystem, Content: researcherSystem},
		{Role: llm.RoleUser, Content: prompt, ImageURLs: params.Images},
	}
	opts := llm.Options{Temperature: 0.4, MaxTokens: 2000, BudgetHint: params.MoneyBudgetUSD}

	var (
		mu      sync.Mutex
		answers []ensembleAnswer
		wg      sync.WaitGroup
	)
	for _, model := range candidates {
		client, ok := r.registry.For(model.Provider)
		if !ok {
			continue
		}
		wg.Add(1)
		go func(model llm.ModelInfo, client llm.ModelClient) {
			defer wg.Done()
			err := r.exec.Do(ctx, func(ctx context.Context) error {
				comp, err := r.complete(ctx, client, model.ID, tier, msgs, opts)
				if err != nil {
					return err
				}
				content, conf := splitConfidence(comp.Content)
				mu.Lock()
				answers = append(answers, ensembleAnswer{model: model.ID, content: content, confidence: conf})
				mu.Unlock()
				return nil
			})
			if err != nil {
				metrics.ModelCalls.WithLabelValues(model.ID, "error").Inc()
				r.logger.Warn("ensemble member failed", "task_id", task.ID, "model", model.ID, "error", err)
				return
			}
			metrics.ModelCalls.WithLabelValues(model.ID, "ok").Inc()
		}(model, client)
	}
	wg.Wait()

	if len(answers) == 0 {
		if ctx.Err() != nil {
			return nil, apperr.Wrap(apperr.KindCancelled, "research task cancelled", ctx.Err())
		}
		return nil, apperr.Ef(apperr.KindUpstream, "all %d ensemble members failed for task %s",
			len(candidates), task.ID)
	}

	consensus := r.consensus(ctx, answers)
	best := answers[0]
	for _, a := range answers[1:] {
		if a.confidence > best.confidence {
			best = a
		}
	}

	names := make([]string, len(answers))
	for i, a := range answers {
		names[i] = a.model
	}
	return &TaskFinding{
		TaskID: task.ID, Content: best.content,
		Confidence: best.confidence, Consensus: consensus, Models: names,
	}, nil
}

// consensus embeds every answer and returns the highest pairwise cosine
// similarity. Embedding failure degrades to neutral consensus rather than
// failing the task.
func (r *Researcher) consensus(ctx context.Context, answers []ensembleAnswer) float64 {
	if len(answers) < 2 {
		return 1
	}
	texts := make([]string, len(answers))
	for i, a := range answers {
		texts[i] = truncate(a.content, 2000)
	}
	vecs, err := r.embedder.Embed(ctx, texts)
	if err != nil {
		r.logger.Warn("consensus embedding failed", "error", err)
		return lowConsensus
	}
	best := 0.0
	for i := 0; i < len(vecs); i++ {
		for j := i + 1; j < len(vecs); j++ {
			if sim := embed.Cosine(vecs[i], vecs[j]); sim > best {
				best = sim
			}
		}
	}
	return best
}

func dependencyFindings(task PlanTask, prior []TaskFinding) []TaskFinding {
	if len(task.DependsOn) == 0 {
		return nil
	}
	want := map[string]bool{}
	for _, dep := range task.DependsOn {
		want[dep] = true
	}
	var out []TaskFinding
	for _, f := range prior {
		if want[f.TaskID] {
			out = append(out, f)
		}
	}
	return out
}

var confidenceRe = regexp.MustCompile(`(?mi)^\s*CONFIDENCE:\s*([0-9.]+)\s*$`)

// splitConfidence strips the trailing CONFIDENCE line and parses its value.
// Missing or malformed confidence defaults to 0.5.
func splitConfidence(content string) (string, float64) {
	conf := 0.5
	if m := confidenceRe.FindStringSubmatch(content); m != nil {
		if v, err := strconv.ParseFloat(m[1], 64); err == nil {
			if v < 0 {
				v = 0
			}
			if v > 1 {
				v = 1
			}
			conf = v
		}
		content = confidenceRe.ReplaceAllString(content, "")
	}
	return strings.TrimSpace(content), conf
}
