package events

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"log/slog"

	"github.com/jackc/pgx/v5"

	"github.com/inquest-ai/inquest/pkg/database"
	"github.com/inquest-ai/inquest/pkg/metrics"
)

// Publisher persists run events and signals listeners. Publish failures are
// surfaced to the caller; progress events are advisory, so most callers log
// and continue.
type Publisher struct {
	db     *database.Client
	logger *slog.Logger
}

// NewPublisher creates a publisher.
func NewPublisher(db *database.Client, logger *slog.Logger) *Publisher {
	return &Publisher{db: db, logger: logger.With("component", "events")}
}

// runLockKey serializes sequence allocation per run.
func runLockKey(jobID string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte("run:"))
	_, _ = h.Write([]byte(jobID))
	return int64(h.Sum64())
}

// Publish appends an event at the run's next sequence and NOTIFYs in the
// same transaction, so a received notification always finds the row.
func (p *Publisher) Publish(ctx context.Context, jobID, eventType string, payload any) (*RunEvent, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshaling event payload: %w", err)
	}

	ev := &RunEvent{JobID: jobID, Type: eventType, Payload: raw}
	err = p.db.InTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, runLockKey(jobID)); err != nil {
			return fmt.Errorf("acquiring run lock: %w", err)
		}
		if err := tx.QueryRow(ctx, `
			INSERT INTO run_events (job_id, seq, type, payload)
			SELECT $1, COALESCE(MAX(seq), 0) + 1, $2, $3 FROM run_events WHERE job_id = $1
			RETURNING seq, created_at`,
			jobID, eventType, raw,
		).Scan(&ev.Seq, &ev.Timestamp); err != nil {
			return fmt.Errorf("inserting run event: %w", err)
		}

		env, _ := json.Marshal(envelope{JobID: jobID, Seq: ev.Seq})
		if _, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`, notifyChannel, string(env)); err != nil {
			return fmt.Errorf("notifying: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.EventsPublished.WithLabelValues(eventType).Inc()
	return ev, nil
}

// TryPublish publishes and logs on failure instead of returning an error.
// Used on progress paths where event loss must not fail the run.
func (p *Publisher) TryPublish(ctx context.Context, jobID, eventType string, payload any) {
	if _, err := p.Publish(ctx, jobID, eventType, payload); err != nil {
		p.logger.Warn("event publish failed", "job_id", jobID, "type", eventType, "error", err)
	}
}

// EventsAfter loads a run's events with seq > after, in order. Used for
// subscriber catchup and for the resumable SSE stream.
func (p *Publisher) EventsAfter(ctx context.Context, jobID string, after int64, limit int) ([]RunEvent, error) {
	if limit <= 0 || limit > 1000 {
		limit = 500
	}
	rows, err := p.db.Pool().Query(ctx, `
		SELECT job_id, seq, type, payload, created_at
		FROM run_events
		WHERE job_id = $1 AND seq > $2
		ORDER BY seq
		LIMIT $3`, jobID, after, limit)
	if err != nil {
		return nil, fmt.Errorf("loading run events: %w", err)
	}
	defer rows.Close()

	var out []RunEvent
	for rows.Next() {
		var ev RunEvent
		if err := rows.Scan(&ev.JobID, &ev.Seq, &ev.Type, &ev.Payload, &ev.Timestamp); err != nil {
			return nil, fmt.Errorf("scanning run event: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// Get loads one event by (job, seq).
func (p *Publisher) Get(ctx context.Context, jobID string, seq int64) (*RunEvent, error) {
	var ev RunEvent
	err := p.db.Pool().QueryRow(ctx, `
		SELECT job_id, seq, type, payload, created_at
		FROM run_events WHERE job_id = $1 AND seq = $2`, jobID, seq,
	).Scan(&ev.JobID, &ev.Seq, &ev.Type, &ev.Payload, &ev.Timestamp)
	if err != nil {
		return nil, fmt.Errorf("loading run event %s/%d: %w", jobID, seq, err)
	}
	return &ev, nil
}
