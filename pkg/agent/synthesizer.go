package agent

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/inquest-ai/inquest/pkg/apperr"
	"github.com/inquest-ai/inquest/pkg/events"
	"github.com/inquest-ai/inquest/pkg/llm"
	"github.com/inquest-ai/inquest/pkg/metrics"
	"github.com/inquest-ai/inquest/pkg/models"
	"github.com/inquest-ai/inquest/pkg/policy"
)

// Synthesizer folds task findings into the final cited document, streaming
// deltas as progress events and running critique/revise refinement rounds.
type Synthesizer struct {
	catalog  *llm.Catalog
	registry *llm.Registry
	pub      *events.Publisher
	logger   *slog.Logger
}

// NewSynthesizer builds a synthesizer.
func NewSynthesizer(catalog *llm.Catalog, registry *llm.Registry, pub *events.Publisher, logger *slog.Logger) *Synthesizer {
	return &Synthesizer{catalog: catalog, registry: registry, pub: pub, logger: logger.With("component", "synthesizer")}
}

// Synthesize produces the final document. The first draft streams; revision
// rounds run non-streaming since their deltas would interleave confusingly.
func (s *Synthesizer) Synthesize(ctx context.Context, jobID string,
	params models.ResearchParams, pol policy.Policy, findings []TaskFinding) (string, error) {

	model, client, err := s.pickModel(pol, len(params.Images) > 0)
	if err != nil {
		return "", err
	}

	system, user := synthesizerPrompt(params, findings)
	msgs := []llm.Message{
		{Role: llm.RoleSystem, Content: system},
		{Role: llm.RoleUser, Content: user, ImageURLs: params.Images},
	}

	s.pub.TryPublish(ctx, jobID, events.TypeSynthesisStarted, map[string]any{
		"model": model.ID, "findings": len(findings),
	})

	draft, err := s.streamDraft(ctx, jobID, client, model.ID, msgs, params)
	if err != nil {
		metrics.ModelCalls.WithLabelValues(model.ID, "error").Inc()
		return "", err
	}
	metrics.ModelCalls.WithLabelValues(model.ID, "ok").Inc()

	for round := 1; round <= pol.RefinementRounds; round++ {
		revised, changed, err := s.refine(ctx, client, model.ID, params, draft, round)
		if err != nil {
			s.logger.Warn("refinement round failed, keeping current draft", "round", round, "error", err)
			break
		}
		s.pub.TryPublish(ctx, jobID, events.TypeRefinementRound, map[string]any{
			"round": round, "changed": changed,
		})
		if !changed {
			break
		}
		draft = revised
	}

	draft = enforceCitations(draft, findings)
	s.pub.TryPublish(ctx, jobID, events.TypeSynthesisCompleted, map[string]any{
		"length": len(draft),
	})
	return draft, nil
}

func (s *Synthesizer) pickModel(pol policy.Policy, needsVision bool) (llm.ModelInfo, llm.ModelClient, error) {
	candidates := s.catalog.Select(llm.SelectOpts{
		Tier: pol.SynthesisTier, Domain: llm.DomainGeneral,
		NeedsVision: needsVision, LocalOnly: pol.LocalOnly, K: 1,
	})
	if len(candidates) == 0 {
		return llm.ModelInfo{}, nil, apperr.E(apperr.KindInternal, "no synthesis model available")
	}
	model := candidates[0]
	client, ok := s.registry.For(model.Provider)
	if !ok {
		return llm.ModelInfo{}, nil, apperr.Ef(apperr.KindInternal, "no client for provider %s", model.Provider)
	}
	return model, client, nil
}

// streamDraft consumes the model stream, forwarding coalesced deltas as
// events so subscribers see the document forming.
func (s *Synthesizer) streamDraft(ctx context.Context, jobID string,
	client llm.ModelClient, model string, msgs []llm.Message, params models.ResearchParams) (string, error) {

	opts := llm.Options{Temperature: 0.3, MaxTokens: maxTokensFor(params), BudgetHint: params.MoneyBudgetUSD}
	stream, err := client.Stream(ctx, model, msgs, opts)
	if err != nil {
		return "", err
	}

	var doc strings.Builder
	var pending strings.Builder
	for chunk := range stream {
		if chunk.Err != nil {
			return "", chunk.Err
		}
		if chunk.ContentDelta != "" {
			doc.WriteString(chunk.ContentDelta)
			pending.WriteString(chunk.ContentDelta)
			// Coalesce to keep event volume reasonable on fast streams.
			if pending.Len() >= 256 {
				s.pub.TryPublish(ctx, jobID, events.TypeSynthesisDelta, map[string]string{"delta": pending.String()})
				pending.Reset()
			}
		}
		if chunk.Usage != nil {
			metrics.TokensUsed.WithLabelValues(model, "in").Add(float64(chunk.Usage.PromptTokens))
			metrics.TokensUsed.WithLabelValues(model, "out").Add(float64(chunk.Usage.CompletionTokens))
		}
	}
	if pending.Len() > 0 {
		s.pub.TryPublish(ctx, jobID, events.TypeSynthesisDelta, map[string]string{"delta": pending.String()})
	}
	if ctx.Err() != nil {
		return "", apperr.Wrap(apperr.KindCancelled, "synthesis cancelled", ctx.Err())
	}
	if doc.Len() == 0 {
		return "", apperr.E(apperr.KindUpstream, "synthesis produced no content")
	}
	return doc.String(), nil
}

// refine runs one critique-then-revise pass. Returns changed=false when the
// critic accepts the draft as-is.
func (s *Synthesizer) refine(ctx context.Context, client llm.ModelClient, model string,
	params models.ResearchParams, draft string, round int) (string, bool, error) {

	critique, err := client.Complete(ctx, model, []llm.Message{
		{Role: llm.RoleUser, Content: fmt.Sprintf(critiquePrompt, params.Query, draft)},
	}, llm.Options{Temperature: 0.2, MaxTokens: 800})
	if err != nil {
		return "", false, err
	}
	verdict := strings.TrimSpace(critique.Content)
	if verdict == "OK" || verdict == `"OK"` {
		return draft, false, nil
	}

	revised, err := client.Complete(ctx, model, []llm.Message{
		{Role: llm.RoleUser, Content: fmt.Sprintf(revisePrompt, verdict, draft)},
	}, llm.Options{Temperature: 0.3, MaxTokens: maxTokensFor(params)})
	if err != nil {
		return "", false, err
	}
	if strings.TrimSpace(revised.Content) == "" {
		return draft, false, nil
	}
	s.logger.Debug("draft revised", "round", round)
	return strings.TrimSpace(revised.Content), true, nil
}

var citationRe = regexp.MustCompile(`\[T:([A-Za-z0-9_-]+)\]`)

// enforceCitations rewrites citations that reference no known task as
// [Unverified]. The synthesizer is told to cite findings only; anything else
// must be visibly flagged rather than silently passed through.
func enforceCitations(doc string, findings []TaskFinding) string {
	known := make(map[string]bool, len(findings))
	for _, f := range findings {
		known[f.TaskID] = true
	}
	return citationRe.ReplaceAllStringFunc(doc, func(m string) string {
		id := citationRe.FindStringSubmatch(m)[1]
		if known[id] {
			return m
		}
		return "[Unverified]"
	})
}

func maxTokensFor(params models.ResearchParams) int {
	if params.MaxLength > 0 {
		// Rough words-to-tokens conversion with headroom for structure.
		t := params.MaxLength*2 + 500
		if t > 8000 {
			t = 8000
		}
		return t
	}
	return 4000
}
