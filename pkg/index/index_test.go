package index

import (
	"context"
	"log/slog"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inquest-ai/inquest/pkg/config"
	"github.com/inquest-ai/inquest/pkg/embed"
	"github.com/inquest-ai/inquest/pkg/llm"
	"github.com/inquest-ai/inquest/pkg/models"
	"github.com/inquest-ai/inquest/test/util"
)

func testIndex(t *testing.T) *Service {
	t.Helper()
	db := util.SetupTestDatabase(t)
	return NewService(db, embed.NewHashEmbedder(64), config.IndexConfig{
		Alpha:        0.5,
		RerankTopMul: 2,
	}, slog.Default())
}

func countEntries(t *testing.T, s *Service, docID string) int {
	t.Helper()
	var n int
	require.NoError(t, s.db.Pool().QueryRow(context.Background(),
		`SELECT COUNT(*) FROM index_entries WHERE doc_id = $1`, docID).Scan(&n))
	return n
}

func TestUpsertIdempotent(t *testing.T) {
	s := testIndex(t)
	ctx := context.Background()

	n, err := s.Upsert(ctx, "report:1", models.ScopeReports, "Raft elects a leader by majority vote.", "hash-a")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, countEntries(t, s, "report:1"))

	// Same hash: nothing rewritten.
	n, err = s.Upsert(ctx, "report:1", models.ScopeReports, "Raft elects a leader by majority vote.", "hash-a")
	require.NoError(t, err)
	assert.Zero(t, n)

	// Changed hash replaces the document's fragments.
	n, err = s.Upsert(ctx, "report:1", models.ScopeReports, "Paxos reaches consensus through proposers and acceptors.", "hash-b")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, countEntries(t, s, "report:1"))
}

func TestUpsertValidation(t *testing.T) {
	s := testIndex(t)
	ctx := context.Background()

	_, err := s.Upsert(ctx, "", models.ScopeReports, "x", "h")
	assert.Error(t, err)
	_, err = s.Upsert(ctx, "doc:1", models.ScopeBoth, "x", "h")
	assert.Error(t, err)
}

func TestSearchHybrid(t *testing.T) {
	s := testIndex(t)
	ctx := context.Background()

	_, err := s.Upsert(ctx, "report:1", models.ScopeReports,
		"PostgreSQL streaming replication ships WAL records to standby servers.", "h1")
	require.NoError(t, err)
	_, err = s.Upsert(ctx, "report:2", models.ScopeReports,
		"Sourdough bread needs a mature starter and a long cold proof.", "h2")
	require.NoError(t, err)
	_, err = s.Upsert(ctx, "doc:3", models.ScopeDocs,
		"WAL archiving complements streaming replication for point-in-time recovery.", "h3")
	require.NoError(t, err)

	hits, err := s.Search(ctx, "postgresql streaming replication", 10, models.ScopeBoth, false)
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	assert.Equal(t, "report:1", hits[0].ID)

	// One hit per document, scores descending.
	seen := map[string]bool{}
	for i, h := range hits {
		assert.False(t, seen[h.ID])
		seen[h.ID] = true
		if i > 0 {
			assert.LessOrEqual(t, h.Score, hits[i-1].Score)
		}
	}

	// Scope narrows the candidate set.
	hits, err = s.Search(ctx, "streaming replication", 10, models.ScopeDocs, false)
	require.NoError(t, err)
	for _, h := range hits {
		assert.Equal(t, "doc:3", h.ID)
	}

	_, err = s.Search(ctx, "   ", 10, models.ScopeBoth, false)
	assert.Error(t, err)
}

func TestSearchRerank(t *testing.T) {
	s := testIndex(t)
	ctx := context.Background()

	_, err := s.Upsert(ctx, "report:1", models.ScopeReports, "Go channels synchronize goroutines.", "h1")
	require.NoError(t, err)
	_, err = s.Upsert(ctx, "report:2", models.ScopeReports, "Go channels and select statements.", "h2")
	require.NoError(t, err)

	// The model reverses the blended order.
	mock := llm.NewMockModelClient("[1, 0]")
	s.EnableRerank(mock, "cheap-model")

	hits, err := s.Search(ctx, "go channels", 2, models.ScopeReports, true)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.NotEmpty(t, mock.Calls)

	blended, err := s.Search(ctx, "go channels", 2, models.ScopeReports, false)
	require.NoError(t, err)
	require.Len(t, blended, 2)
	assert.Equal(t, blended[0].ID, hits[1].ID)
	assert.Equal(t, blended[1].ID, hits[0].ID)
}

func TestDeleteScopes(t *testing.T) {
	s := testIndex(t)
	ctx := context.Background()

	_, err := s.Upsert(ctx, "report:1", models.ScopeReports, "alpha", "h1")
	require.NoError(t, err)
	_, err = s.Upsert(ctx, "report:1", models.ScopeDocs, "alpha", "h1")
	require.NoError(t, err)
	require.Equal(t, 2, countEntries(t, s, "report:1"))

	require.NoError(t, s.Delete(ctx, "report:1", models.ScopeDocs))
	assert.Equal(t, 1, countEntries(t, s, "report:1"))

	require.NoError(t, s.Delete(ctx, "report:1", models.ScopeBoth))
	assert.Zero(t, countEntries(t, s, "report:1"))
}

func TestTruncateSnippetsKeepsRunesIntact(t *testing.T) {
	hits := []models.SearchHit{
		{ID: "short", Snippet: "fits as is"},
		// The odd leading byte makes a two-byte rune straddle the cutoff.
		{ID: "multibyte", Snippet: "a" + strings.Repeat("é", 300)},
		{ID: "ascii", Snippet: strings.Repeat("a", 500)},
	}
	truncateSnippets(hits)

	assert.Equal(t, "fits as is", hits[0].Snippet)
	for _, h := range hits[1:] {
		assert.True(t, utf8.ValidString(h.Snippet), "snippet %s", h.ID)
		assert.True(t, strings.HasSuffix(h.Snippet, "…"), "snippet %s", h.ID)
		assert.LessOrEqual(t, len(h.Snippet), maxSnippetBytes+len("…"))
	}
}

func TestReportDocID(t *testing.T) {
	assert.Equal(t, "report:42", ReportDocID(42))

	id, ok := ParseReportDocID("report:42")
	require.True(t, ok)
	assert.Equal(t, int64(42), id)

	_, ok = ParseReportDocID("doc:42")
	assert.False(t, ok)
	_, ok = ParseReportDocID("report:abc")
	assert.False(t, ok)
}
