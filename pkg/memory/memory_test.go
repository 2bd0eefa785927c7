package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inquest-ai/inquest/pkg/config"
	"github.com/inquest-ai/inquest/pkg/llm"
	"github.com/inquest-ai/inquest/pkg/models"
)

func testService() *Service {
	return &Service{cfg: config.MemoryConfig{KappaMin: 0.05, KappaMax: 0.3, ExpandHops: 2}}
}

func TestBayesUpdateMovesTowardEvidence(t *testing.T) {
	s := testService()

	// Confirmation raises confidence; refutation lowers it.
	up := s.BayesUpdate(0.5, 1, 1)
	assert.InDelta(t, 0.5+0.3*0.5, up, 1e-9)

	down := s.BayesUpdate(0.5, 0, 1)
	assert.InDelta(t, 0.5-0.3*0.5, down, 1e-9)
}

func TestBayesUpdateReliabilityScalesKappa(t *testing.T) {
	s := testService()

	weak := s.BayesUpdate(0.5, 1, 0)
	strong := s.BayesUpdate(0.5, 1, 1)
	assert.InDelta(t, 0.5+0.05*0.5, weak, 1e-9)
	assert.Greater(t, strong, weak)

	// Reliability outside [0,1] is clamped, not amplified.
	assert.Equal(t, strong, s.BayesUpdate(0.5, 1, 5))
	assert.Equal(t, weak, s.BayesUpdate(0.5, 1, -1))
}

func TestBayesUpdateBounded(t *testing.T) {
	s := testService()
	c := 0.5
	for i := 0; i < 200; i++ {
		c = s.BayesUpdate(c, 1, 1)
	}
	assert.LessOrEqual(t, c, 1.0)
	assert.Greater(t, c, 0.99)

	c = 0.5
	for i := 0; i < 200; i++ {
		c = s.BayesUpdate(c, 0, 1)
	}
	assert.GreaterOrEqual(t, c, 0.0)
	assert.Less(t, c, 0.01)
}

func TestDetectConflicts(t *testing.T) {
	existing := []models.Relation{
		{Src: "Go", Rel: "created_by", Dst: "Google"},
		{Src: "Go", Rel: "first_released", Dst: "2009"},
	}
	incoming := []models.Relation{
		{Src: "go", Rel: "created_by", Dst: "Microsoft"}, // same (src, rel), different dst
		{Src: "Go", Rel: "first_released", Dst: "2009"},  // agreement, not a conflict
		{Src: "Rust", Rel: "created_by", Dst: "Mozilla"}, // unknown key, not a conflict
	}

	conflicts := DetectConflicts(existing, incoming)
	require.Len(t, conflicts, 1)
	assert.Equal(t, "Google", conflicts[0].Existing.Dst)
	assert.Equal(t, "Microsoft", conflicts[0].Incoming.Dst)
}

func TestDetectConflictsCaseInsensitiveDst(t *testing.T) {
	existing := []models.Relation{{Src: "A", Rel: "is", Dst: "Thing"}}
	incoming := []models.Relation{{Src: "a", Rel: "IS", Dst: "thing"}}
	assert.Empty(t, DetectConflicts(existing, incoming))
}

func TestInitialConfidence(t *testing.T) {
	assert.InDelta(t, 0.4, initialConfidence(0), 1e-9)
	assert.InDelta(t, 0.7, initialConfidence(1), 1e-9)
}

func TestUnionStrings(t *testing.T) {
	got := unionStrings([]string{"Go", "Rust"}, []string{"go", "Zig"})
	assert.Equal(t, []string{"Go", "Rust", "Zig"}, got)
}

func TestUnionRelations(t *testing.T) {
	base := []models.Relation{{Src: "a", Rel: "r", Dst: "b"}}
	got := unionRelations(base, []models.Relation{
		{Src: "A", Rel: "R", Dst: "B"}, // duplicate modulo case
		{Src: "a", Rel: "r", Dst: "c"},
	})
	assert.Len(t, got, 2)
}

func TestExtractHeuristic(t *testing.T) {
	ex := extractHeuristic("The Raft Consensus algorithm was described by Diego Ongaro at Stanford University in a famous paper.")
	require.NotEmpty(t, ex.Entities)
	assert.Contains(t, ex.Entities, "Diego Ongaro")
	assert.Contains(t, ex.Entities, "Stanford University")
	assert.Empty(t, ex.Relations)
	assert.LessOrEqual(t, len(ex.Entities), 12)
}

func TestExtractHeuristicEmpty(t *testing.T) {
	assert.Empty(t, extractHeuristic("all lowercase text without names").Entities)
}

func TestExtractWithModel(t *testing.T) {
	mock := llm.NewMockModelClient(`Here you go:
{"entities": ["Kubernetes", "CNCF"], "relations": [{"src": "Kubernetes", "rel": "governed_by", "dst": "CNCF", "confidence": 1.7}]}`)

	ex, err := extractWithModel(context.Background(), mock, "cheap-model", "some text")
	require.NoError(t, err)
	assert.Equal(t, []string{"Kubernetes", "CNCF"}, ex.Entities)
	require.Len(t, ex.Relations, 1)
	// Out-of-range confidence is clamped.
	assert.Equal(t, 1.0, ex.Relations[0].Confidence)
}

func TestExtractWithModelMalformed(t *testing.T) {
	mock := llm.NewMockModelClient("I could not find any entities, sorry!")
	_, err := extractWithModel(context.Background(), mock, "cheap-model", "text")
	require.Error(t, err)
}
