// Package cleanup runs the scheduled retention pass: terminal jobs past
// their TTL, expired idempotency records, and transient session events.
package cleanup

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"

	"github.com/inquest-ai/inquest/pkg/config"
	"github.com/inquest-ai/inquest/pkg/database"
)

// Service owns the cron schedule and the deletion statements.
type Service struct {
	db     *database.Client
	cfg    config.RetentionConfig
	cron   *cron.Cron
	logger *slog.Logger
}

// NewService builds the cleanup service.
func NewService(db *database.Client, cfg config.RetentionConfig, logger *slog.Logger) *Service {
	return &Service{db: db, cfg: cfg, logger: logger.With("component", "cleanup")}
}

// Start registers the schedule and begins running passes.
func (s *Service) Start(ctx context.Context) error {
	s.cron = cron.New()
	_, err := s.cron.AddFunc(s.cfg.Schedule, func() {
		if err := s.RunOnce(ctx); err != nil {
			s.logger.Error("cleanup pass failed", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("invalid cleanup schedule %q: %w", s.cfg.Schedule, err)
	}
	s.cron.Start()
	s.logger.Info("cleanup scheduled", "schedule", s.cfg.Schedule)
	return nil
}

// Stop halts the schedule, waiting for a running pass.
func (s *Service) Stop() {
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
}

// RunOnce performs one retention pass. Each deletion is independent; a
// failure in one does not skip the others.
func (s *Service) RunOnce(ctx context.Context) error {
	var firstErr error

	jobs, err := s.deleteCount(ctx, `
		DELETE FROM jobs
		WHERE status IN ('succeeded', 'failed', 'canceled') AND updated_at < now() - $1`,
		s.cfg.TerminalJobTTL)
	if err != nil {
		firstErr = err
	}

	// Run events of deleted jobs go with them.
	runEvents, err := s.deleteCount(ctx, `
		DELETE FROM run_events WHERE NOT EXISTS (
			SELECT 1 FROM jobs WHERE jobs.id = run_events.job_id
		)`)
	if err != nil && firstErr == nil {
		firstErr = err
	}

	keys, err := s.deleteCount(ctx, `DELETE FROM idempotency WHERE expires_at < now()`)
	if err != nil && firstErr == nil {
		firstErr = err
	}

	// Transient session events are progress noise; durable events stay for
	// time travel.
	transients, err := s.deleteCount(ctx, `
		DELETE FROM session_events WHERE transient AND created_at < now() - $1`,
		s.cfg.TransientEventTTL)
	if err != nil && firstErr == nil {
		firstErr = err
	}

	if jobs+runEvents+keys+transients > 0 {
		s.logger.Info("cleanup pass done",
			"jobs", jobs, "run_events", runEvents, "idempotency_keys", keys, "transient_events", transients)
	}
	return firstErr
}

func (s *Service) deleteCount(ctx context.Context, sql string, args ...any) (int64, error) {
	tag, err := s.db.Pool().Exec(ctx, sql, args...)
	if err != nil {
		return 0, fmt.Errorf("cleanup delete: %w", err)
	}
	return tag.RowsAffected(), nil
}
