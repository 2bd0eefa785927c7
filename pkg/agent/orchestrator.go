// Package agent contains the research pipeline: policy-shaped planning,
// parallel researcher ensembles, synthesis with refinement, and the
// orchestrator that runs a research job end to end.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/inquest-ai/inquest/pkg/apperr"
	"github.com/inquest-ai/inquest/pkg/cache"
	"github.com/inquest-ai/inquest/pkg/embed"
	"github.com/inquest-ai/inquest/pkg/events"
	"github.com/inquest-ai/inquest/pkg/index"
	"github.com/inquest-ai/inquest/pkg/llm"
	"github.com/inquest-ai/inquest/pkg/memory"
	"github.com/inquest-ai/inquest/pkg/models"
	"github.com/inquest-ai/inquest/pkg/policy"
	"github.com/inquest-ai/inquest/pkg/queue"
	"github.com/inquest-ai/inquest/pkg/services"
)

// Orchestrator executes research jobs and the follow-up index/memory jobs.
type Orchestrator struct {
	queue    *queue.Queue
	reports  *services.ReportService
	sessions *services.SessionService
	index    *index.Service
	memory   *memory.Service
	cache    *cache.Cache
	embedder embed.Embedder
	pub      *events.Publisher

	selector    *policy.Selector
	planner     *Planner
	researcher  *Researcher
	synthesizer *Synthesizer

	logger *slog.Logger
}

// OrchestratorDeps carries the orchestrator's collaborators.
type OrchestratorDeps struct {
	Queue    *queue.Queue
	Reports  *services.ReportService
	Sessions *services.SessionService
	Index    *index.Service
	Memory   *memory.Service
	Cache    *cache.Cache
	Embedder embed.Embedder
	Events   *events.Publisher
	Catalog  *llm.Catalog
	Registry *llm.Registry
	Executor *BoundedExecutor
	Logger   *slog.Logger
}

// NewOrchestrator wires the research pipeline.
func NewOrchestrator(d OrchestratorDeps) *Orchestrator {
	o := &Orchestrator{
		queue:       d.Queue,
		reports:     d.Reports,
		sessions:    d.Sessions,
		index:       d.Index,
		memory:      d.Memory,
		cache:       d.Cache,
		embedder:    d.Embedder,
		pub:         d.Events,
		planner:     NewPlanner(d.Catalog, d.Registry, d.Logger),
		researcher:  NewResearcher(d.Catalog, d.Registry, d.Embedder, d.Executor, d.Events, d.Cache, d.Logger),
		synthesizer: NewSynthesizer(d.Catalog, d.Registry, d.Events, d.Logger),
		logger:      d.Logger.With("component", "orchestrator"),
	}
	o.selector = &policy.Selector{NoveltyProbe: o.noveltyProbe}
	return o
}

// Register installs the orchestrator's job handlers on a worker pool.
func (o *Orchestrator) Register(pool *queue.Pool) {
	pool.Register(models.JobTypeResearch, o.HandleResearch)
	pool.Register(models.JobTypeAgent, o.HandleResearch)
	pool.Register(models.JobTypeIndex, o.HandleIndex)
	pool.Register(models.JobTypeMemoryLearn, o.HandleMemoryLearn)
}

// HandleResearch runs one research job end to end: cache probe, policy
// selection, planning, wave-parallel research, synthesis, persistence, and
// follow-up job dispatch.
func (o *Orchestrator) HandleResearch(ctx context.Context, job *models.Job) (json.RawMessage, error) {
	var params models.ResearchParams
	if err := json.Unmarshal(job.Params, &params); err != nil {
		return nil, apperr.Wrap(apperr.KindValidation, "decoding research params", err)
	}
	if strings.TrimSpace(params.Query) == "" {
		return nil, apperr.E(apperr.KindValidation, "query must not be empty")
	}
	logger := o.logger.With("job_id", job.ID)

	o.pub.TryPublish(ctx, job.ID, events.TypeRunStarted, map[string]string{"query": params.Query})

	// Semantic cache: a sufficiently similar prior report answers immediately.
	pol := o.selector.Select(params)
	if report, ok := o.probeSemanticCache(ctx, params, pol); ok {
		logger.Info("semantic cache hit", "report_id", report)
		o.pub.TryPublish(ctx, job.ID, events.TypeRunCompleted, map[string]any{
			"report_id": report, "cached": true,
		})
		return resultRef(report, true), nil
	}

	o.pub.TryPublish(ctx, job.ID, events.TypePolicySelected, pol)

	memoryContext := o.memoryContext(ctx, params.Query)

	plan, err := o.planner.Plan(ctx, params, pol, memoryContext)
	if err != nil {
		o.pub.TryPublish(ctx, job.ID, events.TypeRunFailed, map[string]string{"error": err.Error()})
		return nil, err
	}
	o.pub.TryPublish(ctx, job.ID, events.TypePlanCreated, plan)

	findings, err := o.executePlan(ctx, job.ID, plan, params, pol)
	if err != nil {
		o.pub.TryPublish(ctx, job.ID, events.TypeRunFailed, map[string]string{"error": err.Error()})
		return nil, err
	}

	content, err := o.synthesizer.Synthesize(ctx, job.ID, params, pol, findings)
	if err != nil {
		o.pub.TryPublish(ctx, job.ID, events.TypeRunFailed, map[string]string{"error": err.Error()})
		return nil, err
	}

	report, err := o.persist(ctx, job, params, pol, content, findings)
	if err != nil {
		o.pub.TryPublish(ctx, job.ID, events.TypeRunFailed, map[string]string{"error": err.Error()})
		return nil, err
	}

	o.dispatchFollowups(ctx, job, report)
	o.pub.TryPublish(ctx, job.ID, events.TypeRunCompleted, map[string]any{"report_id": report.ID})
	return resultRef(report.ID, false), nil
}

// executePlan runs the plan's dependency waves, tasks within a wave in
// parallel up to the policy's per-run cap. A failed task fails the run;
// cancellation propagates.
func (o *Orchestrator) executePlan(ctx context.Context, jobID string, plan *Plan,
	params models.ResearchParams, pol policy.Policy) ([]TaskFinding, error) {

	var findings []TaskFinding
	for _, wave := range plan.Waves() {
		results, err := runWave(ctx, pol.MaxParallelism, wave, func(ctx context.Context, task PlanTask) (*TaskFinding, error) {
			return o.researcher.Research(ctx, jobID, task, params, pol, findings)
		})
		if err != nil {
			return nil, err
		}
		findings = append(findings, results...)
	}
	return findings, nil
}

// runWave executes one wave's tasks with at most limit in flight. A limit
// below one falls back to the default per-run parallelism.
func runWave(ctx context.Context, limit int, wave []PlanTask,
	run func(ctx context.Context, task PlanTask) (*TaskFinding, error)) ([]TaskFinding, error) {

	if limit < 1 {
		limit = policy.DefaultMaxParallelism
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)

	var mu sync.Mutex
	var results []TaskFinding
	for _, task := range wave {
		task := task
		g.Go(func() error {
			f, err := run(gctx, task)
			if err != nil {
				return fmt.Errorf("task %s: %w", task.ID, err)
			}
			mu.Lock()
			results = append(results, *f)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// persist stores the report with its embedding and records session events.
func (o *Orchestrator) persist(ctx context.Context, job *models.Job,
	params models.ResearchParams, pol policy.Policy, content string, findings []TaskFinding) (*models.Report, error) {

	var embedding []float32
	if vecs, err := o.embedder.Embed(ctx, []string{cache.NormalizeQuery(params.Query)}); err == nil {
		embedding = vecs[0]
	} else {
		o.logger.Warn("report embedding failed, deferring to index job", "error", err)
	}

	sources := make([]models.Source, 0, len(findings))
	for _, f := range findings {
		sources = append(sources, models.Source{
			ID:         f.TaskID,
			Title:      truncate(f.Content, 120),
			Models:     f.Models,
			Confidence: f.Confidence,
		})
	}
	if !params.IncludeSources {
		sources = nil
	}

	report, err := o.reports.Create(ctx, services.CreateReportRequest{
		Query:     params.Query,
		Params:    models.Params{Policy: string(pol.Kind), OutputFormat: params.OutputFormat, AudienceLevel: params.AudienceLevel},
		Content:   content,
		Sources:   sources,
		Embedding: embedding,
	})
	if err != nil {
		return nil, fmt.Errorf("persisting report: %w", err)
	}

	o.pub.TryPublish(ctx, job.ID, events.TypeReportSaved, map[string]any{"report_id": report.ID})
	if job.SessionID != "" {
		payload, _ := json.Marshal(map[string]any{"report_id": report.ID, "job_id": job.ID})
		if _, err := o.sessions.Append(ctx, job.SessionID, models.EventReportSaved, payload, false); err != nil {
			o.logger.Warn("session event append failed", "error", err)
		}
	}

	if embedding != nil {
		tier := llm.Tier(params.CostPreference)
		if tier == "" {
			tier = pol.SynthesisTier
		}
		o.cache.PutSemantic(embedding, cache.SemanticEntry{
			Query: params.Query, Body: content, ReportID: report.ID, Tier: tier,
		})
	}
	return report, nil
}

// dispatchFollowups enqueues the index and memory-learn jobs for a new
// report. Failures are logged; the report itself is already durable.
func (o *Orchestrator) dispatchFollowups(ctx context.Context, job *models.Job, report *models.Report) {
	var jobIDs []string
	for _, t := range []struct {
		typ models.JobType
		key string
	}{
		{models.JobTypeIndex, fmt.Sprintf("index:report:%d:%s", report.ID, report.ContentHash)},
		{models.JobTypeMemoryLearn, fmt.Sprintf("learn:report:%d:%s", report.ID, report.ContentHash)},
	} {
		params, _ := json.Marshal(models.IndexParams{ReportID: report.ID})
		child, _, err := o.queue.Submit(ctx, queue.SubmitRequest{
			Type:           t.typ,
			Params:         params,
			IdempotencyKey: t.key,
			ParentJobID:    &job.ID,
			SessionID:      job.SessionID,
		})
		if err != nil {
			o.logger.Warn("follow-up dispatch failed", "type", t.typ, "error", err)
			continue
		}
		jobIDs = append(jobIDs, child.ID)
	}

	if job.SessionID != "" && len(jobIDs) > 0 {
		payload, _ := json.Marshal(map[string]any{"job_ids": jobIDs})
		if _, err := o.sessions.Append(ctx, job.SessionID, models.EventJobsDispatched, payload, true); err != nil {
			o.logger.Warn("session event append failed", "error", err)
		}
	}
}

// HandleIndex indexes a report's content and fills a pending embedding.
func (o *Orchestrator) HandleIndex(ctx context.Context, job *models.Job) (json.RawMessage, error) {
	var params models.IndexParams
	if err := json.Unmarshal(job.Params, &params); err != nil {
		return nil, apperr.Wrap(apperr.KindValidation, "decoding index params", err)
	}
	report, err := o.reports.Get(ctx, params.ReportID)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindNotFound, "loading report to index", err)
	}

	fragments, err := o.index.Upsert(ctx, index.ReportDocID(report.ID), models.ScopeReports,
		report.Query+"\n\n"+report.Content, report.ContentHash)
	if err != nil {
		return nil, err
	}

	if report.EmbeddingPending {
		if vecs, err := o.embedder.Embed(ctx, []string{cache.NormalizeQuery(report.Query)}); err == nil {
			if err := o.reports.SetEmbedding(ctx, report.ID, vecs[0]); err != nil {
				o.logger.Warn("setting deferred embedding failed", "error", err)
			}
		}
	}
	return json.RawMessage(fmt.Sprintf(`{"fragments":%d}`, fragments)), nil
}

// HandleMemoryLearn folds a report into living memory.
func (o *Orchestrator) HandleMemoryLearn(ctx context.Context, job *models.Job) (json.RawMessage, error) {
	var params models.MemoryLearnParams
	if err := json.Unmarshal(job.Params, &params); err != nil {
		return nil, apperr.Wrap(apperr.KindValidation, "decoding memory params", err)
	}
	report, err := o.reports.Get(ctx, params.ReportID)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindNotFound, "loading report to learn", err)
	}

	// Synthesized reports are mid-reliability evidence: better than a raw
	// model answer, below a vetted source.
	res, err := o.memory.Learn(ctx, report.Content, index.ReportDocID(report.ID), job.SessionID, 0.6)
	if err != nil {
		return nil, err
	}
	out, _ := json.Marshal(res)
	return out, nil
}

// probeSemanticCache answers from a cached report when similarity clears the
// threshold at an acceptable tier.
func (o *Orchestrator) probeSemanticCache(ctx context.Context, params models.ResearchParams, pol policy.Policy) (int64, bool) {
	vecs, err := o.embedder.Embed(ctx, []string{cache.NormalizeQuery(params.Query)})
	if err != nil {
		return 0, false
	}
	entry, ok := o.cache.GetSemantic(vecs[0], pol.SynthesisTier)
	if !ok {
		return 0, false
	}
	return entry.ReportID, true
}

// noveltyProbe reports 1 - best similarity against stored report embeddings.
func (o *Orchestrator) noveltyProbe(query string) float64 {
	ctx := context.Background()
	vecs, err := o.embedder.Embed(ctx, []string{cache.NormalizeQuery(query)})
	if err != nil {
		return 1
	}
	if entry, ok := o.cache.GetSemantic(vecs[0], llm.TierVeryLow); ok && entry.ReportID != 0 {
		return 0.1
	}
	hits, err := o.index.Search(ctx, query, 1, models.ScopeReports, false)
	if err != nil || len(hits) == 0 {
		return 1
	}
	n := 1 - hits[0].Score
	if n < 0 {
		n = 0
	}
	return n
}

// memoryContext renders retrieved memory nodes as planner background.
func (o *Orchestrator) memoryContext(ctx context.Context, query string) string {
	nodes, err := o.memory.Query(ctx, query, 5)
	if err != nil {
		o.logger.Warn("memory query failed", "error", err)
		return ""
	}
	var sb strings.Builder
	for _, n := range nodes {
		if len(n.Entities) == 0 || n.Confidence < 0.3 {
			continue
		}
		fmt.Fprintf(&sb, "- %s (confidence %.2f)\n", strings.Join(n.Entities, ", "), n.Confidence)
		for _, r := range n.Relations {
			if r.Confidence >= 0.5 {
				fmt.Fprintf(&sb, "  %s %s %s\n", r.Src, r.Rel, r.Dst)
			}
		}
	}
	return sb.String()
}

func resultRef(reportID int64, cached bool) json.RawMessage {
	raw, _ := json.Marshal(map[string]any{"report_id": reportID, "cached": cached})
	return raw
}
