package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"

	"github.com/inquest-ai/inquest/pkg/database"
	"github.com/inquest-ai/inquest/pkg/models"
)

// ReportService owns report persistence. Reports are immutable after
// creation except for their rating.
type ReportService struct {
	db *database.Client
}

// NewReportService creates a report service.
func NewReportService(db *database.Client) *ReportService {
	return &ReportService{db: db}
}

// ContentHash returns the hash used to keep index entries consistent with
// report content.
func ContentHash(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// CreateReportRequest carries the fields of a new report.
type CreateReportRequest struct {
	Query     string
	Params    models.Params
	Content   string
	Sources   []models.Source
	Embedding []float32 // nil marks the embedding as pending
}

// Create inserts a report. When Embedding is nil the row is created with
// embedding_pending set, to be cleared by the index job.
func (s *ReportService) Create(ctx context.Context, req CreateReportRequest) (*models.Report, error) {
	if req.Query == "" {
		return nil, Validf("query", "must not be empty")
	}
	if req.Content == "" {
		return nil, Validf("content", "must not be empty")
	}

	paramsJSON, err := json.Marshal(req.Params)
	if err != nil {
		return nil, fmt.Errorf("marshaling report params: %w", err)
	}
	sourcesJSON, err := json.Marshal(req.Sources)
	if err != nil {
		return nil, fmt.Errorf("marshaling report sources: %w", err)
	}

	hash := ContentHash(req.Content)
	report := &models.Report{
		Query:            req.Query,
		Params:           req.Params,
		Content:          req.Content,
		Sources:          req.Sources,
		Embedding:        req.Embedding,
		EmbeddingPending: req.Embedding == nil,
		ContentHash:      hash,
	}

	var embedding any
	if req.Embedding != nil {
		embedding = pgvector.NewVector(req.Embedding)
	}

	err = database.WithRetry(ctx, "report insert", func(ctx context.Context) error {
		return s.db.Pool().QueryRow(ctx, `
			INSERT INTO reports (query, parameters, content, sources, embedding, embedding_pending, content_hash)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			RETURNING id, created_at`,
			req.Query, paramsJSON, req.Content, sourcesJSON, embedding, report.EmbeddingPending, hash,
		).Scan(&report.ID, &report.CreatedAt)
	})
	if err != nil {
		return nil, fmt.Errorf("inserting report: %w", err)
	}
	return report, nil
}

// Get loads a report by id.
func (s *ReportService) Get(ctx context.Context, id int64) (*models.Report, error) {
	row := s.db.Pool().QueryRow(ctx, `
		SELECT id, query, parameters, content, sources, embedding, embedding_pending,
		       content_hash, rating, created_at
		FROM reports WHERE id = $1`, id)
	return scanReport(row)
}

// List returns the most recent reports, optionally filtered by a substring of
// the query text.
func (s *ReportService) List(ctx context.Context, limit int, queryFilter string) ([]*models.Report, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := s.db.Pool().Query(ctx, `
		SELECT id, query, parameters, content, sources, embedding, embedding_pending,
		       content_hash, rating, created_at
		FROM reports
		WHERE ($1 = '' OR query ILIKE '%' || $1 || '%')
		ORDER BY id DESC
		LIMIT $2`, queryFilter, limit)
	if err != nil {
		return nil, fmt.Errorf("listing reports: %w", err)
	}
	defer rows.Close()

	var out []*models.Report
	for rows.Next() {
		r, err := scanReport(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Rate sets the 0–5 rating, the only mutable report field.
func (s *ReportService) Rate(ctx context.Context, id int64, rating int) error {
	if rating < 0 || rating > 5 {
		return Validf("rating", "must be in [0,5], got %d", rating)
	}
	tag, err := s.db.Pool().Exec(ctx, `UPDATE reports SET rating = $2 WHERE id = $1`, id, rating)
	if err != nil {
		return fmt.Errorf("rating report: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SetEmbedding fills a pending embedding. Called by the index job.
func (s *ReportService) SetEmbedding(ctx context.Context, id int64, vec []float32) error {
	tag, err := s.db.Pool().Exec(ctx, `
		UPDATE reports SET embedding = $2, embedding_pending = FALSE WHERE id = $1`,
		id, pgvector.NewVector(vec))
	if err != nil {
		return fmt.Errorf("setting report embedding: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes a report. Operator-only path.
func (s *ReportService) Delete(ctx context.Context, id int64) error {
	tag, err := s.db.Pool().Exec(ctx, `DELETE FROM reports WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("deleting report: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanReport(row pgx.Row) (*models.Report, error) {
	var (
		r           models.Report
		paramsJSON  []byte
		sourcesJSON []byte
		embedding   *pgvector.Vector
	)
	err := row.Scan(&r.ID, &r.Query, &paramsJSON, &r.Content, &sourcesJSON,
		&embedding, &r.EmbeddingPending, &r.ContentHash, &r.Rating, &r.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scanning report: %w", err)
	}
	if err := json.Unmarshal(paramsJSON, &r.Params); err != nil {
		return nil, fmt.Errorf("decoding report params: %w", err)
	}
	if err := json.Unmarshal(sourcesJSON, &r.Sources); err != nil {
		return nil, fmt.Errorf("decoding report sources: %w", err)
	}
	if embedding != nil {
		r.Embedding = embedding.Slice()
	}
	return &r, nil
}
