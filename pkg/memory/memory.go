// Package memory implements the living-memory layer: entity/relation nodes
// extracted from reports, retrieved by vector similarity plus graph
// expansion, with confidence maintained by a bounded Bayesian update.
// Nodes are never deleted by normal operation; disbelief is expressed by
// driving confidence toward zero.
package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"

	"github.com/inquest-ai/inquest/pkg/config"
	"github.com/inquest-ai/inquest/pkg/database"
	"github.com/inquest-ai/inquest/pkg/embed"
	"github.com/inquest-ai/inquest/pkg/llm"
	"github.com/inquest-ai/inquest/pkg/models"
)

// mergeSimilarity is the cosine threshold above which an extraction folds
// into an existing node instead of creating a new one.
const mergeSimilarity = 0.92

// resonanceBump is added on each co-retrieval, decaying nothing; resonance
// saturates at 1.
const resonanceBump = 0.05

// fingerprintBeta is the EMA weight of the previous user fingerprint.
const fingerprintBeta = 0.9

// Service is the living-memory store and updater.
type Service struct {
	db       *database.Client
	embedder embed.Embedder
	cfg      config.MemoryConfig

	// extractor is optional; nil falls back to heuristic extraction.
	extractor    llm.ModelClient
	extractModel string

	logger *slog.Logger
}

// NewService builds the memory service.
func NewService(db *database.Client, embedder embed.Embedder, cfg config.MemoryConfig, logger *slog.Logger) *Service {
	return &Service{db: db, embedder: embedder, cfg: cfg, logger: logger.With("component", "memory")}
}

// EnableExtraction wires a model used for entity/relation extraction.
func (s *Service) EnableExtraction(client llm.ModelClient, model string) {
	s.extractor = client
	s.extractModel = model
}

// Query retrieves nodes near the query embedding, expands the hit set by up
// to cfg.ExpandHops hops of shared entities, and bumps resonance and access
// counts on everything returned.
func (s *Service) Query(ctx context.Context, query string, limit int) ([]models.MemoryNode, error) {
	if limit <= 0 {
		limit = 8
	}
	vecs, err := s.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("embedding memory query: %w", err)
	}

	rows, err := s.db.Pool().Query(ctx, `
		SELECT id, embedding, entities, relations, sources, user_signature,
		       resonance, access_count, last_access_at, confidence, created_at
		FROM memory_nodes
		WHERE embedding IS NOT NULL
		ORDER BY embedding <=> $1
		LIMIT $2`, pgvector.NewVector(vecs[0]), limit)
	if err != nil {
		return nil, fmt.Errorf("memory ANN query: %w", err)
	}
	nodes, err := scanNodes(rows)
	if err != nil {
		return nil, err
	}

	nodes, err = s.expand(ctx, nodes, s.cfg.ExpandHops, limit*2)
	if err != nil {
		return nil, err
	}

	if err := s.touch(ctx, nodeIDs(nodes)); err != nil {
		s.logger.Warn("resonance bump failed", "error", err)
	}
	return nodes, nil
}

// expand pulls in nodes sharing entities with the seed set, hop by hop.
func (s *Service) expand(ctx context.Context, seed []models.MemoryNode, hops, maxNodes int) ([]models.MemoryNode, error) {
	have := map[string]bool{}
	for _, n := range seed {
		have[n.ID] = true
	}
	frontier := seed
	out := seed

	for hop := 0; hop < hops && len(out) < maxNodes && len(frontier) > 0; hop++ {
		entitySet := map[string]bool{}
		for _, n := range frontier {
			for _, e := range n.Entities {
				entitySet[strings.ToLower(e)] = true
			}
		}
		if len(entitySet) == 0 {
			break
		}
		ents := make([]string, 0, len(entitySet))
		for e := range entitySet {
			ents = append(ents, e)
		}

		rows, err := s.db.Pool().Query(ctx, `
			SELECT id, embedding, entities, relations, sources, user_signature,
			       resonance, access_count, last_access_at, confidence, created_at
			FROM memory_nodes
			WHERE EXISTS (
				SELECT 1 FROM jsonb_array_elements_text(entities) ent
				WHERE lower(ent) = ANY($1)
			)
			ORDER BY confidence DESC
			LIMIT $2`, ents, maxNodes)
		if err != nil {
			return nil, fmt.Errorf("memory graph expansion: %w", err)
		}
		hopNodes, err := scanNodes(rows)
		if err != nil {
			return nil, err
		}

		frontier = nil
		for _, n := range hopNodes {
			if have[n.ID] || len(out) >= maxNodes {
				continue
			}
			have[n.ID] = true
			out = append(out, n)
			frontier = append(frontier, n)
		}
	}
	return out, nil
}

// touch records co-retrieval: access count, timestamp, resonance.
func (s *Service) touch(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.db.Pool().Exec(ctx, `
		UPDATE memory_nodes
		SET access_count = access_count + 1,
		    last_access_at = now(),
		    resonance = LEAST(1, resonance + $2)
		WHERE id = ANY($1)`, ids, resonanceBump)
	return err
}

// LearnResult reports what a Learn pass did.
type LearnResult struct {
	NodeID    string            `json:"node_id"`
	Merged    bool              `json:"merged"`
	Entities  int               `json:"entities"`
	Relations int               `json:"relations"`
	Conflicts []models.Conflict `json:"conflicts,omitempty"`
}

// Learn extracts entities and relations from content and folds them into
// memory: merged into the nearest node when similarity clears the merge
// threshold, otherwise stored as a new node. Detected conflicts are reported,
// not resolved; both assertions survive with adjusted confidence.
func (s *Service) Learn(ctx context.Context, content, source, userSignature string, reliability float64) (*LearnResult, error) {
	ex := s.extract(ctx, content)
	if len(ex.Entities) == 0 && len(ex.Relations) == 0 {
		return &LearnResult{}, nil
	}

	summary := strings.Join(ex.Entities, "; ")
	if summary == "" {
		summary = content
		if len(summary) > 500 {
			summary = summary[:500]
		}
	}
	vecs, err := s.embedder.Embed(ctx, []string{summary})
	if err != nil {
		return nil, fmt.Errorf("embedding memory summary: %w", err)
	}
	vec := vecs[0]

	nearest, sim, err := s.nearest(ctx, vec)
	if err != nil {
		return nil, err
	}

	res := &LearnResult{Entities: len(ex.Entities), Relations: len(ex.Relations)}
	if nearest != nil && sim >= mergeSimilarity {
		res.NodeID = nearest.ID
		res.Merged = true
		res.Conflicts = DetectConflicts(nearest.Relations, ex.Relations)
		for i := range res.Conflicts {
			res.Conflicts[i].NodeID = nearest.ID
		}
		if err := s.merge(ctx, nearest, ex, vec, source, reliability); err != nil {
			return nil, err
		}
	} else {
		node := &models.MemoryNode{
			ID:            uuid.NewString(),
			Embedding:     vec,
			Entities:      ex.Entities,
			Relations:     ex.Relations,
			UserSignature: userSignature,
			Confidence:    initialConfidence(reliability),
		}
		if source != "" {
			node.Sources = []string{source}
		}
		if err := s.insert(ctx, node); err != nil {
			return nil, err
		}
		res.NodeID = node.ID
	}

	if userSignature != "" {
		if err := s.TouchFingerprint(ctx, userSignature, vec); err != nil {
			s.logger.Warn("fingerprint update failed", "error", err)
		}
	}
	return res, nil
}

func (s *Service) extract(ctx context.Context, content string) *extraction {
	if s.extractor != nil {
		ex, err := extractWithModel(ctx, s.extractor, s.extractModel, content)
		if err == nil {
			return ex
		}
		s.logger.Warn("model extraction failed, using heuristic", "error", err)
	}
	return extractHeuristic(content)
}

func (s *Service) nearest(ctx context.Context, vec []float32) (*models.MemoryNode, float64, error) {
	rows, err := s.db.Pool().Query(ctx, `
		SELECT id, embedding, entities, relations, sources, user_signature,
		       resonance, access_count, last_access_at, confidence, created_at
		FROM memory_nodes
		WHERE embedding IS NOT NULL AND id NOT LIKE 'user:%'
		ORDER BY embedding <=> $1
		LIMIT 1`, pgvector.NewVector(vec))
	if err != nil {
		return nil, 0, fmt.Errorf("nearest memory node: %w", err)
	}
	nodes, err := scanNodes(rows)
	if err != nil || len(nodes) == 0 {
		return nil, 0, err
	}
	return &nodes[0], embed.Cosine(vec, nodes[0].Embedding), nil
}

// merge unions entities/relations into an existing node and applies the
// Bayesian confidence update with positive evidence.
func (s *Service) merge(ctx context.Context, node *models.MemoryNode, ex *extraction, vec []float32, source string, reliability float64) error {
	node.Entities = unionStrings(node.Entities, ex.Entities)
	node.Relations = unionRelations(node.Relations, ex.Relations)
	if source != "" {
		node.Sources = unionStrings(node.Sources, []string{source})
	}
	node.Confidence = s.BayesUpdate(node.Confidence, 1, reliability)

	entities, _ := json.Marshal(node.Entities)
	relations, _ := json.Marshal(node.Relations)
	sources, _ := json.Marshal(node.Sources)
	_, err := s.db.Pool().Exec(ctx, `
		UPDATE memory_nodes
		SET entities = $2, relations = $3, sources = $4, confidence = $5,
		    embedding = $6, last_access_at = now()
		WHERE id = $1`,
		node.ID, entities, relations, sources, node.Confidence, pgvector.NewVector(vec))
	if err != nil {
		return fmt.Errorf("merging memory node: %w", err)
	}
	return nil
}

func (s *Service) insert(ctx context.Context, node *models.MemoryNode) error {
	entities, _ := json.Marshal(node.Entities)
	relations, _ := json.Marshal(node.Relations)
	sources, _ := json.Marshal(node.Sources)
	if node.Sources == nil {
		sources = []byte("[]")
	}
	_, err := s.db.Pool().Exec(ctx, `
		INSERT INTO memory_nodes (id, embedding, entities, relations, sources, user_signature, confidence)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7)`,
		node.ID, pgvector.NewVector(node.Embedding), entities, relations, sources,
		node.UserSignature, node.Confidence)
	if err != nil {
		return fmt.Errorf("inserting memory node: %w", err)
	}
	return nil
}

// BayesUpdate moves confidence toward evidence at a rate kappa scaled by
// source reliability: c' = clamp01(c + kappa*(e - c)), kappa in
// [KappaMin, KappaMax]. Evidence e is 1 for confirmation, 0 for refutation.
func (s *Service) BayesUpdate(confidence, evidence, reliability float64) float64 {
	if reliability < 0 {
		reliability = 0
	}
	if reliability > 1 {
		reliability = 1
	}
	kappa := s.cfg.KappaMin + (s.cfg.KappaMax-s.cfg.KappaMin)*reliability
	c := confidence + kappa*(evidence-confidence)
	if c < 0 {
		c = 0
	}
	if c > 1 {
		c = 1
	}
	return c
}

// UpdateConfidence applies one evidence observation to a stored node.
func (s *Service) UpdateConfidence(ctx context.Context, nodeID string, evidence, reliability float64) (float64, error) {
	var updated float64
	err := s.db.InTx(ctx, func(tx pgx.Tx) error {
		var current float64
		err := tx.QueryRow(ctx, `
			SELECT confidence FROM memory_nodes WHERE id = $1 FOR UPDATE`, nodeID).Scan(&current)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("memory node %s not found", nodeID)
		}
		if err != nil {
			return err
		}
		updated = s.BayesUpdate(current, evidence, reliability)
		_, err = tx.Exec(ctx, `UPDATE memory_nodes SET confidence = $2 WHERE id = $1`, nodeID, updated)
		return err
	})
	return updated, err
}

// DetectConflicts reports incoming relations that contradict stored ones:
// same (src, rel) pair, different dst.
func DetectConflicts(existing, incoming []models.Relation) []models.Conflict {
	byKey := map[string]models.Relation{}
	for _, r := range existing {
		byKey[relKey(r.Src, r.Rel)] = r
	}
	var out []models.Conflict
	for _, in := range incoming {
		if ex, ok := byKey[relKey(in.Src, in.Rel)]; ok && !strings.EqualFold(ex.Dst, in.Dst) {
			out = append(out, models.Conflict{Existing: ex, Incoming: in})
		}
	}
	return out
}

// TouchFingerprint maintains the per-user interest fingerprint as an EMA of
// query/learn embeddings, stored as a reserved "user:" node.
func (s *Service) TouchFingerprint(ctx context.Context, userSignature string, vec []float32) error {
	id := "user:" + userSignature
	return s.db.InTx(ctx, func(tx pgx.Tx) error {
		var existing pgvector.Vector
		err := tx.QueryRow(ctx, `
			SELECT embedding FROM memory_nodes WHERE id = $1 FOR UPDATE`, id).Scan(&existing)
		if errors.Is(err, pgx.ErrNoRows) {
			_, err = tx.Exec(ctx, `
				INSERT INTO memory_nodes (id, embedding, user_signature, confidence)
				VALUES ($1, $2, $3, 1)`, id, pgvector.NewVector(vec), userSignature)
			return err
		}
		if err != nil {
			return err
		}

		prev := existing.Slice()
		mixed := make([]float32, len(vec))
		for i := range mixed {
			var p float32
			if i < len(prev) {
				p = prev[i]
			}
			mixed[i] = float32(fingerprintBeta)*p + float32(1-fingerprintBeta)*vec[i]
		}
		_, err = tx.Exec(ctx, `
			UPDATE memory_nodes
			SET embedding = $2, access_count = access_count + 1, last_access_at = now()
			WHERE id = $1`, id, pgvector.NewVector(mixed))
		return err
	})
}

// Fingerprint returns a user's EMA embedding, or nil when none exists yet.
func (s *Service) Fingerprint(ctx context.Context, userSignature string) ([]float32, error) {
	var v pgvector.Vector
	err := s.db.Pool().QueryRow(ctx, `
		SELECT embedding FROM memory_nodes WHERE id = $1`, "user:"+userSignature).Scan(&v)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return v.Slice(), nil
}

func initialConfidence(reliability float64) float64 {
	c := 0.4 + 0.3*reliability
	if c > 1 {
		c = 1
	}
	return c
}

func relKey(src, rel string) string {
	return strings.ToLower(src) + "\x00" + strings.ToLower(rel)
}

func unionStrings(base, add []string) []string {
	seen := make(map[string]bool, len(base))
	for _, s := range base {
		seen[strings.ToLower(s)] = true
	}
	for _, s := range add {
		if !seen[strings.ToLower(s)] {
			seen[strings.ToLower(s)] = true
			base = append(base, s)
		}
	}
	return base
}

func unionRelations(base, add []models.Relation) []models.Relation {
	seen := make(map[string]bool, len(base))
	key := func(r models.Relation) string {
		return relKey(r.Src, r.Rel) + "\x00" + strings.ToLower(r.Dst)
	}
	for _, r := range base {
		seen[key(r)] = true
	}
	for _, r := range add {
		if !seen[key(r)] {
			seen[key(r)] = true
			base = append(base, r)
		}
	}
	return base
}

func nodeIDs(nodes []models.MemoryNode) []string {
	out := make([]string, len(nodes))
	for i, n := range nodes {
		out[i] = n.ID
	}
	return out
}

func scanNodes(rows pgx.Rows) ([]models.MemoryNode, error) {
	defer rows.Close()
	var out []models.MemoryNode
	for rows.Next() {
		var (
			n         models.MemoryNode
			embedding *pgvector.Vector
			entities  []byte
			relations []byte
			sources   []byte
			userSig   *string
		)
		if err := rows.Scan(&n.ID, &embedding, &entities, &relations, &sources,
			&userSig, &n.Resonance, &n.AccessCount, &n.LastAccessAt,
			&n.Confidence, &n.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning memory node: %w", err)
		}
		if embedding != nil {
			n.Embedding = embedding.Slice()
		}
		if userSig != nil {
			n.UserSignature = *userSig
		}
		if err := json.Unmarshal(entities, &n.Entities); err != nil {
			return nil, fmt.Errorf("decoding entities: %w", err)
		}
		if err := json.Unmarshal(relations, &n.Relations); err != nil {
			return nil, fmt.Errorf("decoding relations: %w", err)
		}
		if err := json.Unmarshal(sources, &n.Sources); err != nil {
			return nil, fmt.Errorf("decoding sources: %w", err)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}
