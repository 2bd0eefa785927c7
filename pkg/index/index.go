// Package index implements hybrid retrieval over the knowledge base: a
// lexical full-text score and a vector-similarity score blended with a
// configurable alpha, with an optional model-based rerank of the head.
package index

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"

	"github.com/inquest-ai/inquest/pkg/config"
	"github.com/inquest-ai/inquest/pkg/database"
	"github.com/inquest-ai/inquest/pkg/embed"
	"github.com/inquest-ai/inquest/pkg/llm"
	"github.com/inquest-ai/inquest/pkg/models"
)

// Service is the hybrid index over index_entries.
type Service struct {
	db       *database.Client
	embedder embed.Embedder
	cfg      config.IndexConfig

	// reranker is optional; nil disables model-based reranking.
	reranker    llm.ModelClient
	rerankModel string

	logger *slog.Logger
}

// NewService builds the index service.
func NewService(db *database.Client, embedder embed.Embedder, cfg config.IndexConfig, logger *slog.Logger) *Service {
	return &Service{db: db, embedder: embedder, cfg: cfg, logger: logger.With("component", "index")}
}

// EnableRerank wires a model client used for LLM reranking of candidate hits.
func (s *Service) EnableRerank(client llm.ModelClient, model string) {
	s.reranker = client
	s.rerankModel = model
}

// Upsert writes fragments for one document. An existing entry with the same
// content hash is left untouched, making re-index jobs idempotent; a changed
// hash replaces all of the document's fragments in one transaction.
func (s *Service) Upsert(ctx context.Context, docID string, scope models.IndexScope, content, contentHash string) (int, error) {
	if docID == "" {
		return 0, fmt.Errorf("doc id must not be empty")
	}
	if scope != models.ScopeReports && scope != models.ScopeDocs {
		return 0, fmt.Errorf("upsert scope must be reports or docs, got %q", scope)
	}

	var existing string
	err := s.db.Pool().QueryRow(ctx, `
		SELECT content_hash FROM index_entries
		WHERE doc_id = $1 AND scope = $2
		ORDER BY fragment_no LIMIT 1`, docID, string(scope)).Scan(&existing)
	if err == nil && existing == contentHash {
		return 0, nil
	}

	fragments := ChunkText(content)
	if len(fragments) == 0 {
		return 0, nil
	}
	vecs, err := s.embedder.Embed(ctx, fragments)
	if err != nil {
		return 0, fmt.Errorf("embedding fragments: %w", err)
	}

	err = s.db.InTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			DELETE FROM index_entries WHERE doc_id = $1 AND scope = $2`,
			docID, string(scope)); err != nil {
			return fmt.Errorf("clearing stale fragments: %w", err)
		}
		for i, frag := range fragments {
			if _, err := tx.Exec(ctx, `
				INSERT INTO index_entries (doc_id, scope, fragment_no, fragment, embedding, content_hash)
				VALUES ($1, $2, $3, $4, $5, $6)`,
				docID, string(scope), i, frag, pgvector.NewVector(vecs[i]), contentHash); err != nil {
				return fmt.Errorf("inserting fragment %d: %w", i, err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	s.logger.Debug("document indexed", "doc_id", docID, "scope", scope, "fragments", len(fragments))
	return len(fragments), nil
}

// Delete removes a document's fragments from a scope.
func (s *Service) Delete(ctx context.Context, docID string, scope models.IndexScope) error {
	_, err := s.db.Pool().Exec(ctx, `
		DELETE FROM index_entries WHERE doc_id = $1 AND ($2 = 'both' OR scope = $2)`,
		docID, string(scope))
	if err != nil {
		return fmt.Errorf("deleting index entries: %w", err)
	}
	return nil
}

// Search runs hybrid retrieval: candidates are scored in SQL as
// alpha*lexical + (1-alpha)*cosine, then optionally reranked by a model over
// the top rerankMul*k candidates. Results are the best fragment per document.
func (s *Service) Search(ctx context.Context, query string, k int, scope models.IndexScope, rerank bool) ([]models.SearchHit, error) {
	if strings.TrimSpace(query) == "" {
		return nil, fmt.Errorf("query must not be empty")
	}
	if k <= 0 {
		k = 10
	}
	if scope == "" {
		scope = models.ScopeBoth
	}

	vecs, err := s.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}

	candidates := k
	if rerank && s.reranker != nil {
		candidates = k * max(s.cfg.RerankTopMul, 1)
	}

	// ts_rank normalization 32 maps the lexical score into [0,1); cosine
	// distance is flipped into similarity so both terms share a direction.
	rows, err := s.db.Pool().Query(ctx, `
		SELECT DISTINCT ON (doc_id) doc_id, fragment,
		       $4::float8 * ts_rank(to_tsvector('english', fragment), plainto_tsquery('english', $1), 32)
		       + (1 - $4::float8) * (1 - (embedding <=> $2)) AS score
		FROM index_entries
		WHERE ($3 = 'both' OR scope = $3)
		ORDER BY doc_id, score DESC`,
		query, pgvector.NewVector(vecs[0]), string(scope), s.cfg.Alpha)
	if err != nil {
		return nil, fmt.Errorf("hybrid search: %w", err)
	}
	defer rows.Close()

	var hits []models.SearchHit
	for rows.Next() {
		var h models.SearchHit
		if err := rows.Scan(&h.ID, &h.Snippet, &h.Score); err != nil {
			return nil, fmt.Errorf("scanning search hit: %w", err)
		}
		hits = append(hits, h)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sortHits(hits)
	if len(hits) > candidates {
		hits = hits[:candidates]
	}

	if rerank && s.reranker != nil && len(hits) > 1 {
		if reranked, err := s.rerankHits(ctx, query, hits); err != nil {
			s.logger.Warn("rerank failed, keeping blended order", "error", err)
		} else {
			hits = reranked
		}
	}

	if len(hits) > k {
		hits = hits[:k]
	}
	truncateSnippets(hits)
	return hits, nil
}

// rerankHits asks a cheap model to reorder candidates by relevance. Any
// malformed response keeps the original order.
func (s *Service) rerankHits(ctx context.Context, query string, hits []models.SearchHit) ([]models.SearchHit, error) {
	var sb strings.Builder
	sb.WriteString("Rank the following passages by relevance to the query. ")
	sb.WriteString("Respond with ONLY a JSON array of passage numbers, most relevant first.\n\n")
	sb.WriteString("Query: " + query + "\n\n")
	for i, h := range hits {
		snippet := h.Snippet
		if len(snippet) > 500 {
			snippet = snippet[:500]
		}
		fmt.Fprintf(&sb, "[%d] %s\n\n", i, snippet)
	}

	comp, err := s.reranker.Complete(ctx, s.rerankModel, []llm.Message{
		{Role: llm.RoleUser, Content: sb.String()},
	}, llm.Options{Temperature: 0, MaxTokens: 256})
	if err != nil {
		return nil, err
	}

	var order []int
	if err := json.Unmarshal([]byte(extractJSONArray(comp.Content)), &order); err != nil {
		return nil, fmt.Errorf("parsing rerank order: %w", err)
	}

	seen := make(map[int]bool, len(order))
	out := make([]models.SearchHit, 0, len(hits))
	for _, idx := range order {
		if idx < 0 || idx >= len(hits) || seen[idx] {
			continue
		}
		seen[idx] = true
		out = append(out, hits[idx])
	}
	// Anything the model dropped keeps its blended position at the tail.
	for i, h := range hits {
		if !seen[i] {
			out = append(out, h)
		}
	}
	return out, nil
}

// extractJSONArray pulls the first [...] span out of model output that may be
// wrapped in prose or fences.
func extractJSONArray(s string) string {
	start := strings.IndexByte(s, '[')
	end := strings.LastIndexByte(s, ']')
	if start < 0 || end <= start {
		return s
	}
	return s[start : end+1]
}

func sortHits(hits []models.SearchHit) {
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
}

const maxSnippetBytes = 400

func truncateSnippets(hits []models.SearchHit) {
	for i := range hits {
		s := hits[i].Snippet
		if len(s) <= maxSnippetBytes {
			continue
		}
		// Back up to a rune boundary so the cut never splits a multibyte
		// character.
		cut := maxSnippetBytes
		for cut > 0 && !utf8.RuneStart(s[cut]) {
			cut--
		}
		hits[i].Snippet = s[:cut] + "…"
	}
}

// ParseReportDocID recovers a report id from its doc id ("report:123").
func ParseReportDocID(docID string) (int64, bool) {
	rest, ok := strings.CutPrefix(docID, "report:")
	if !ok {
		return 0, false
	}
	id, err := strconv.ParseInt(rest, 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

// ReportDocID formats the doc id for a report.
func ReportDocID(reportID int64) string {
	return "report:" + strconv.FormatInt(reportID, 10)
}
