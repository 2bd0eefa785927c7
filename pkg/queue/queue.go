// Package queue implements the durable job queue: idempotent submission,
// lease-based claims with heartbeats, bounded attempts, and orphan recovery.
// Every transition goes through PostgreSQL so any replica can pick up where
// a crashed one left off.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/inquest-ai/inquest/pkg/apperr"
	"github.com/inquest-ai/inquest/pkg/config"
	"github.com/inquest-ai/inquest/pkg/database"
	"github.com/inquest-ai/inquest/pkg/metrics"
	"github.com/inquest-ai/inquest/pkg/models"
)

// Sentinel errors of the queue.
var (
	// ErrJobNotFound indicates an unknown job id.
	ErrJobNotFound = errors.New("job not found")
	// ErrLeaseLost indicates a worker's claim is no longer valid: the lease
	// expired, was re-granted, or the job reached a terminal state first.
	ErrLeaseLost = errors.New("lease lost")
	// ErrTerminal indicates a transition was requested on a job already in a
	// terminal state. Terminal states are sticky.
	ErrTerminal = errors.New("job already terminal")
)

// Queue is the store-backed job queue.
type Queue struct {
	db  *database.Client
	cfg config.QueueConfig
}

// New builds a queue over the database client.
func New(db *database.Client, cfg config.QueueConfig) *Queue {
	return &Queue{db: db, cfg: cfg}
}

// SubmitOutcome reports how a Submit resolved.
type SubmitOutcome string

const (
	// SubmitCreated means a fresh job row was inserted.
	SubmitCreated SubmitOutcome = "created"
	// SubmitExisting means the idempotency key mapped to a live prior job.
	SubmitExisting SubmitOutcome = "existing"
)

// SubmitRequest carries a new job.
type SubmitRequest struct {
	Type   models.JobType
	Params json.RawMessage
	// IdempotencyKey deduplicates submissions within the idempotency TTL.
	// Empty disables deduplication.
	IdempotencyKey string
	// ForceNew bypasses idempotency and always creates a fresh job.
	ForceNew    bool
	Deadline    *time.Time
	ParentJobID *string
	SessionID   string
}

// Submit enqueues a job. With an idempotency key, the first submission wins:
// concurrent duplicates all observe the same job id.
func (q *Queue) Submit(ctx context.Context, req SubmitRequest) (*models.Job, SubmitOutcome, error) {
	if req.Type == "" {
		return nil, "", apperr.E(apperr.KindValidation, "job type must not be empty")
	}

	if req.IdempotencyKey != "" && !req.ForceNew {
		if job, err := q.lookupIdempotent(ctx, req.IdempotencyKey); err != nil {
			return nil, "", err
		} else if job != nil {
			return job, SubmitExisting, nil
		}
	}

	job := &models.Job{
		ID:             uuid.NewString(),
		Type:           req.Type,
		Params:         req.Params,
		Status:         models.JobStatusQueued,
		Deadline:       req.Deadline,
		IdempotencyKey: req.IdempotencyKey,
		ParentJobID:    req.ParentJobID,
		SessionID:      req.SessionID,
	}
	if job.Params == nil {
		job.Params = json.RawMessage("{}")
	}

	err := database.WithRetry(ctx, "job submit", func(ctx context.Context) error {
		return q.db.InTx(ctx, func(tx pgx.Tx) error {
			if req.IdempotencyKey != "" && !req.ForceNew {
				outcome, err := database.InsertIfAbsent(ctx, tx, `
					INSERT INTO idempotency (key, job_id, expires_at)
					VALUES ($1, $2, now() + $3)
					ON CONFLICT (key) DO NOTHING`,
					req.IdempotencyKey, job.ID, q.cfg.IdempotencyTTL)
				if err != nil {
					return fmt.Errorf("claiming idempotency key: %w", err)
				}
				if outcome == database.Existing {
					// Lost the race; the winner's job id is authoritative.
					return errIdempotencyRace
				}
			}
			return tx.QueryRow(ctx, `
				INSERT INTO jobs (id, type, params, status, deadline, idempotency_key, parent_job_id, session_id)
				VALUES ($1, $2, $3, 'queued', $4, NULLIF($5, ''), $6, NULLIF($7, ''))
				RETURNING created_at, updated_at`,
				job.ID, string(job.Type), []byte(job.Params), job.Deadline,
				job.IdempotencyKey, job.ParentJobID, job.SessionID,
			).Scan(&job.CreatedAt, &job.UpdatedAt)
		})
	})
	if errors.Is(err, errIdempotencyRace) {
		existing, lerr := q.lookupIdempotent(ctx, req.IdempotencyKey)
		if lerr != nil {
			return nil, "", lerr
		}
		if existing != nil {
			return existing, SubmitExisting, nil
		}
		// Winner's row expired between the conflict and our lookup; retry once.
		req.ForceNew = true
		return q.Submit(ctx, req)
	}
	if err != nil {
		return nil, "", err
	}

	metrics.JobsTotal.WithLabelValues(string(job.Type), "submitted").Inc()
	return job, SubmitCreated, nil
}

var errIdempotencyRace = errors.New("idempotency key already claimed")

// lookupIdempotent resolves an unexpired idempotency key to its job.
func (q *Queue) lookupIdempotent(ctx context.Context, key string) (*models.Job, error) {
	var jobID string
	err := q.db.Pool().QueryRow(ctx, `
		SELECT job_id FROM idempotency WHERE key = $1 AND expires_at > now()`, key).Scan(&jobID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("idempotency lookup: %w", err)
	}
	job, err := q.Get(ctx, jobID)
	if errors.Is(err, ErrJobNotFound) {
		return nil, nil
	}
	return job, err
}

const jobColumns = `id, type, params, status, created_at, updated_at, deadline,
	lease_owner, lease_expiry, heartbeat_at, attempt,
	COALESCE(idempotency_key, ''), parent_job_id, COALESCE(session_id, ''),
	result_ref, COALESCE(error, ''), COALESCE(error_kind, '')`

// Get loads a job by id.
func (q *Queue) Get(ctx context.Context, id string) (*models.Job, error) {
	row := q.db.Pool().QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	return scanJob(row)
}

// List returns jobs filtered by status (empty = all), newest first.
func (q *Queue) List(ctx context.Context, status models.JobStatus, limit int) ([]*models.Job, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := q.db.Pool().Query(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE ($1 = '' OR status = $1)
		ORDER BY created_at DESC
		LIMIT $2`, string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("listing jobs: %w", err)
	}
	defer rows.Close()

	var out []*models.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// Lease claims the oldest eligible job for a worker: queued jobs, plus
// running jobs whose lease has expired (orphans). Passing types restricts the
// claim to those job types, so a worker never leases a job it has no handler
// for. The claim bumps attempt and is valid until lease_expiry unless
// refreshed by Heartbeat. Returns nil when nothing is eligible.
func (q *Queue) Lease(ctx context.Context, owner string, types ...models.JobType) (*models.Job, error) {
	typeFilter := make([]string, len(types))
	for i, jt := range types {
		typeFilter[i] = string(jt)
	}
	row := q.db.Pool().QueryRow(ctx, `
		UPDATE jobs SET
			status = 'running',
			lease_owner = $1,
			lease_expiry = now() + $2,
			heartbeat_at = now(),
			attempt = attempt + 1,
			updated_at = now()
		WHERE id = (
			SELECT id FROM jobs
			WHERE (status = 'queued' OR (status = 'running' AND lease_expiry < now()))
			  AND attempt < $3
			  AND (cardinality($4::text[]) = 0 OR type = ANY($4::text[]))
			ORDER BY created_at
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING `+jobColumns,
		owner, q.cfg.LeaseTTL, q.cfg.MaxAttempts, typeFilter)

	job, err := scanJob(row)
	if errors.Is(err, ErrJobNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("leasing job: %w", err)
	}
	metrics.JobsTotal.WithLabelValues(string(job.Type), "leased").Inc()
	return job, nil
}

// Heartbeat refreshes a worker's lease. It returns ErrLeaseLost when the
// claim is no longer valid; the worker must abandon the job immediately.
func (q *Queue) Heartbeat(ctx context.Context, id, owner string) error {
	tag, err := q.db.Pool().Exec(ctx, `
		UPDATE jobs SET heartbeat_at = now(), lease_expiry = now() + $3, updated_at = now()
		WHERE id = $1 AND lease_owner = $2 AND status = 'running'`,
		id, owner, q.cfg.LeaseTTL)
	if err != nil {
		return fmt.Errorf("heartbeat: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrLeaseLost
	}
	return nil
}

// Complete marks a job succeeded with its result reference. First terminal
// state wins; completing an already-terminal job is a lost lease unless the
// job already succeeded, which is treated as an idempotent replay.
func (q *Queue) Complete(ctx context.Context, id, owner string, resultRef json.RawMessage) error {
	tag, err := q.db.Pool().Exec(ctx, `
		UPDATE jobs SET status = 'succeeded', result_ref = $3, lease_owner = NULL,
		       lease_expiry = NULL, updated_at = now()
		WHERE id = $1 AND lease_owner = $2 AND status = 'running'`,
		id, owner, []byte(resultRef))
	if err != nil {
		return fmt.Errorf("completing job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return q.explainLostTransition(ctx, id, models.JobStatusSucceeded)
	}
	q.countTerminal(ctx, id, "succeeded")
	return nil
}

// Fail records a job failure. Transient failures with attempts remaining go
// back to queued for another lease; otherwise the job fails terminally.
func (q *Queue) Fail(ctx context.Context, id, owner string, jobErr error) error {
	kind := apperr.KindOf(jobErr)
	retry := apperr.Retryable(jobErr)

	var tag interface{ RowsAffected() int64 }
	var err error
	if retry {
		tag, err = q.db.Pool().Exec(ctx, `
			UPDATE jobs SET status = CASE WHEN attempt < $4 THEN 'queued' ELSE 'failed' END,
			       error = $3, error_kind = $5, lease_owner = NULL, lease_expiry = NULL,
			       updated_at = now()
			WHERE id = $1 AND lease_owner = $2 AND status = 'running'`,
			id, owner, jobErr.Error(), q.cfg.MaxAttempts, string(kind))
	} else {
		tag, err = q.db.Pool().Exec(ctx, `
			UPDATE jobs SET status = 'failed', error = $3, error_kind = $4,
			       lease_owner = NULL, lease_expiry = NULL, updated_at = now()
			WHERE id = $1 AND lease_owner = $2 AND status = 'running'`,
			id, owner, jobErr.Error(), string(kind))
	}
	if err != nil {
		return fmt.Errorf("failing job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return q.explainLostTransition(ctx, id, models.JobStatusFailed)
	}
	q.countTerminal(ctx, id, "failed")
	return nil
}

// Cancel requests cancellation. Queued jobs cancel immediately; running jobs
// are marked canceled and the worker observes the loss on its next heartbeat.
// Canceling an already-canceled job is a no-op; canceling a job that already
// succeeded or failed returns ErrTerminal.
func (q *Queue) Cancel(ctx context.Context, id string) (*models.Job, error) {
	tag, err := q.db.Pool().Exec(ctx, `
		UPDATE jobs SET status = 'canceled', lease_owner = NULL, lease_expiry = NULL,
		       updated_at = now()
		WHERE id = $1 AND status IN ('queued', 'running')`, id)
	if err != nil {
		return nil, fmt.Errorf("canceling job: %w", err)
	}

	job, gerr := q.Get(ctx, id)
	if gerr != nil {
		return nil, gerr
	}
	if tag.RowsAffected() == 0 {
		if job.Status == models.JobStatusCanceled {
			return job, nil
		}
		return job, ErrTerminal
	}
	metrics.JobsTotal.WithLabelValues(string(job.Type), "canceled").Inc()
	return job, nil
}

// Recover fails running jobs whose lease expired after exhausting attempts.
// Expired jobs with attempts remaining need no action here; Lease picks them
// up directly. Returns the number of jobs failed.
func (q *Queue) Recover(ctx context.Context) (int, error) {
	tag, err := q.db.Pool().Exec(ctx, `
		UPDATE jobs SET status = 'failed',
		       error = 'lease expired with no attempts remaining',
		       error_kind = 'transient',
		       lease_owner = NULL, lease_expiry = NULL, updated_at = now()
		WHERE status = 'running' AND lease_expiry < now() AND attempt >= $1`,
		q.cfg.MaxAttempts)
	if err != nil {
		return 0, fmt.Errorf("recovering orphaned jobs: %w", err)
	}
	n := int(tag.RowsAffected())
	if n > 0 {
		metrics.LeaseRecoveries.Add(float64(n))
	}
	return n, nil
}

// Depth returns the number of non-terminal jobs, for the status surface.
func (q *Queue) Depth(ctx context.Context) (int, error) {
	var n int
	err := q.db.Pool().QueryRow(ctx, `
		SELECT COUNT(*) FROM jobs WHERE status IN ('queued', 'running')`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("queue depth: %w", err)
	}
	metrics.QueueDepth.Set(float64(n))
	return n, nil
}

// explainLostTransition distinguishes "job gone", "someone else finished
// first", and "lease stolen" after a guarded UPDATE matched no rows.
func (q *Queue) explainLostTransition(ctx context.Context, id string, attempted models.JobStatus) error {
	job, err := q.Get(ctx, id)
	if err != nil {
		return err
	}
	if job.Status == attempted {
		return nil
	}
	if job.Status.Terminal() {
		return fmt.Errorf("%w: job is %s", ErrLeaseLost, job.Status)
	}
	return ErrLeaseLost
}

func (q *Queue) countTerminal(ctx context.Context, id, outcome string) {
	if job, err := q.Get(ctx, id); err == nil {
		metrics.JobsTotal.WithLabelValues(string(job.Type), outcome).Inc()
	}
}

func scanJob(row pgx.Row) (*models.Job, error) {
	var (
		j      models.Job
		params []byte
		result []byte
		owner  *string
	)
	err := row.Scan(&j.ID, &j.Type, &params, &j.Status, &j.CreatedAt, &j.UpdatedAt,
		&j.Deadline, &owner, &j.LeaseExpiry, &j.HeartbeatAt, &j.Attempt,
		&j.IdempotencyKey, &j.ParentJobID, &j.SessionID, &result, &j.ErrorMsg, &j.ErrorKind)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrJobNotFound
		}
		return nil, fmt.Errorf("scanning job: %w", err)
	}
	j.Params = params
	j.ResultRef = result
	if owner != nil {
		j.LeaseOwner = *owner
	}
	return &j, nil
}
