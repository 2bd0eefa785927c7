package queue

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inquest-ai/inquest/pkg/apperr"
	"github.com/inquest-ai/inquest/pkg/config"
	"github.com/inquest-ai/inquest/pkg/database"
	"github.com/inquest-ai/inquest/pkg/models"
	"github.com/inquest-ai/inquest/test/util"
)

func testQueue(t *testing.T, maxAttempts int) (*Queue, *database.Client) {
	t.Helper()
	db := util.SetupTestDatabase(t)
	q := New(db, config.QueueConfig{
		LeaseTTL:       time.Minute,
		MaxAttempts:    maxAttempts,
		IdempotencyTTL: time.Hour,
	})
	return q, db
}

func TestLeaseFiltersByType(t *testing.T) {
	q, _ := testQueue(t, 3)
	ctx := context.Background()

	research, _, err := q.Submit(ctx, SubmitRequest{Type: models.JobTypeResearch})
	require.NoError(t, err)
	idx, _, err := q.Submit(ctx, SubmitRequest{Type: models.JobTypeIndex})
	require.NoError(t, err)

	// A worker asking only for index jobs skips the older research job.
	leased, err := q.Lease(ctx, "indexer-1", models.JobTypeIndex)
	require.NoError(t, err)
	require.NotNil(t, leased)
	assert.Equal(t, idx.ID, leased.ID)

	leased, err = q.Lease(ctx, "indexer-1", models.JobTypeIndex)
	require.NoError(t, err)
	assert.Nil(t, leased)

	// No filter claims the oldest job regardless of type.
	leased, err = q.Lease(ctx, "worker-1")
	require.NoError(t, err)
	require.NotNil(t, leased)
	assert.Equal(t, research.ID, leased.ID)
}

// expireLease backdates a running job's lease so expiry paths are testable
// without sleeping.
func expireLease(t *testing.T, db *database.Client, jobID string) {
	t.Helper()
	_, err := db.Pool().Exec(context.Background(),
		`UPDATE jobs SET lease_expiry = now() - interval '1 second' WHERE id = $1`, jobID)
	require.NoError(t, err)
}

func TestSubmitValidation(t *testing.T) {
	q, _ := testQueue(t, 3)
	_, _, err := q.Submit(context.Background(), SubmitRequest{})
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindValidation))
}

func TestSubmitIdempotency(t *testing.T) {
	q, _ := testQueue(t, 3)
	ctx := context.Background()

	first, outcome, err := q.Submit(ctx, SubmitRequest{
		Type:           models.JobTypeResearch,
		Params:         json.RawMessage(`{"query":"what is raft"}`),
		IdempotencyKey: "key-1",
	})
	require.NoError(t, err)
	assert.Equal(t, SubmitCreated, outcome)
	assert.Equal(t, models.JobStatusQueued, first.Status)

	// Same key resolves to the same job, regardless of params.
	dup, outcome, err := q.Submit(ctx, SubmitRequest{
		Type:           models.JobTypeResearch,
		Params:         json.RawMessage(`{"query":"something else"}`),
		IdempotencyKey: "key-1",
	})
	require.NoError(t, err)
	assert.Equal(t, SubmitExisting, outcome)
	assert.Equal(t, first.ID, dup.ID)

	// ForceNew bypasses the key.
	fresh, outcome, err := q.Submit(ctx, SubmitRequest{
		Type:           models.JobTypeResearch,
		IdempotencyKey: "key-1",
		ForceNew:       true,
	})
	require.NoError(t, err)
	assert.Equal(t, SubmitCreated, outcome)
	assert.NotEqual(t, first.ID, fresh.ID)

	// No key means no deduplication.
	a, _, err := q.Submit(ctx, SubmitRequest{Type: models.JobTypeIndex})
	require.NoError(t, err)
	b, _, err := q.Submit(ctx, SubmitRequest{Type: models.JobTypeIndex})
	require.NoError(t, err)
	assert.NotEqual(t, a.ID, b.ID)
}

func TestLeaseLifecycle(t *testing.T) {
	q, _ := testQueue(t, 3)
	ctx := context.Background()

	submitted, _, err := q.Submit(ctx, SubmitRequest{Type: models.JobTypeResearch})
	require.NoError(t, err)

	leased, err := q.Lease(ctx, "worker-1")
	require.NoError(t, err)
	require.NotNil(t, leased)
	assert.Equal(t, submitted.ID, leased.ID)
	assert.Equal(t, models.JobStatusRunning, leased.Status)
	assert.Equal(t, 1, leased.Attempt)
	assert.Equal(t, "worker-1", leased.LeaseOwner)

	// Nothing else is eligible.
	none, err := q.Lease(ctx, "worker-2")
	require.NoError(t, err)
	assert.Nil(t, none)

	require.NoError(t, q.Heartbeat(ctx, leased.ID, "worker-1"))

	require.NoError(t, q.Complete(ctx, leased.ID, "worker-1", json.RawMessage(`{"report_id":7}`)))
	done, err := q.Get(ctx, leased.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusSucceeded, done.Status)
	assert.JSONEq(t, `{"report_id":7}`, string(done.ResultRef))
	assert.Empty(t, done.LeaseOwner)

	// Replaying the completion is idempotent.
	assert.NoError(t, q.Complete(ctx, leased.ID, "worker-1", json.RawMessage(`{"report_id":7}`)))
}

func TestLeaseOldestFirst(t *testing.T) {
	q, _ := testQueue(t, 3)
	ctx := context.Background()

	first, _, err := q.Submit(ctx, SubmitRequest{Type: models.JobTypeResearch})
	require.NoError(t, err)
	_, _, err = q.Submit(ctx, SubmitRequest{Type: models.JobTypeResearch})
	require.NoError(t, err)

	leased, err := q.Lease(ctx, "worker-1")
	require.NoError(t, err)
	assert.Equal(t, first.ID, leased.ID)
}

func TestHeartbeatLostAfterCancel(t *testing.T) {
	q, _ := testQueue(t, 3)
	ctx := context.Background()

	job, _, err := q.Submit(ctx, SubmitRequest{Type: models.JobTypeResearch})
	require.NoError(t, err)
	_, err = q.Lease(ctx, "worker-1")
	require.NoError(t, err)

	_, err = q.Cancel(ctx, job.ID)
	require.NoError(t, err)

	err = q.Heartbeat(ctx, job.ID, "worker-1")
	assert.ErrorIs(t, err, ErrLeaseLost)
}

func TestFailRetryableRequeuesUntilAttemptsExhausted(t *testing.T) {
	q, _ := testQueue(t, 2)
	ctx := context.Background()

	job, _, err := q.Submit(ctx, SubmitRequest{Type: models.JobTypeResearch})
	require.NoError(t, err)

	leased, err := q.Lease(ctx, "worker-1")
	require.NoError(t, err)
	require.Equal(t, 1, leased.Attempt)

	require.NoError(t, q.Fail(ctx, job.ID, "worker-1", apperr.E(apperr.KindTransient, "provider timeout")))
	got, err := q.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusQueued, got.Status)
	assert.Equal(t, "transient", got.ErrorKind)

	// Second attempt is the last; a retryable failure now lands terminally.
	leased, err = q.Lease(ctx, "worker-1")
	require.NoError(t, err)
	require.Equal(t, 2, leased.Attempt)

	require.NoError(t, q.Fail(ctx, job.ID, "worker-1", apperr.E(apperr.KindTransient, "provider timeout")))
	got, err = q.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, got.Status)
}

func TestFailNonRetryableIsTerminal(t *testing.T) {
	q, _ := testQueue(t, 3)
	ctx := context.Background()

	job, _, err := q.Submit(ctx, SubmitRequest{Type: models.JobTypeResearch})
	require.NoError(t, err)
	_, err = q.Lease(ctx, "worker-1")
	require.NoError(t, err)

	require.NoError(t, q.Fail(ctx, job.ID, "worker-1", apperr.E(apperr.KindValidation, "bad params")))
	got, err := q.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, got.Status)
	assert.Equal(t, "validation", got.ErrorKind)
	assert.Contains(t, got.ErrorMsg, "bad params")
}

func TestCancel(t *testing.T) {
	q, _ := testQueue(t, 3)
	ctx := context.Background()

	t.Run("queued cancels immediately", func(t *testing.T) {
		job, _, err := q.Submit(ctx, SubmitRequest{Type: models.JobTypeResearch})
		require.NoError(t, err)

		canceled, err := q.Cancel(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, models.JobStatusCanceled, canceled.Status)

		// Repeat cancel is a no-op.
		again, err := q.Cancel(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, models.JobStatusCanceled, again.Status)
	})

	t.Run("succeeded job cannot be canceled", func(t *testing.T) {
		job, _, err := q.Submit(ctx, SubmitRequest{Type: models.JobTypeIndex})
		require.NoError(t, err)
		leased, err := q.Lease(ctx, "worker-1")
		require.NoError(t, err)
		require.Equal(t, job.ID, leased.ID)
		require.NoError(t, q.Complete(ctx, job.ID, "worker-1", nil))

		_, err = q.Cancel(ctx, job.ID)
		assert.ErrorIs(t, err, ErrTerminal)
	})

	t.Run("unknown job", func(t *testing.T) {
		_, err := q.Cancel(ctx, "no-such-job")
		assert.ErrorIs(t, err, ErrJobNotFound)
	})
}

func TestExpiredLeaseIsReleasable(t *testing.T) {
	q, db := testQueue(t, 3)
	ctx := context.Background()

	job, _, err := q.Submit(ctx, SubmitRequest{Type: models.JobTypeResearch})
	require.NoError(t, err)
	_, err = q.Lease(ctx, "worker-1")
	require.NoError(t, err)
	expireLease(t, db, job.ID)

	// The orphan goes straight to the next worker; attempt advances.
	leased, err := q.Lease(ctx, "worker-2")
	require.NoError(t, err)
	require.NotNil(t, leased)
	assert.Equal(t, job.ID, leased.ID)
	assert.Equal(t, 2, leased.Attempt)
	assert.Equal(t, "worker-2", leased.LeaseOwner)

	// The original owner's claim is gone.
	err = q.Heartbeat(ctx, job.ID, "worker-1")
	assert.ErrorIs(t, err, ErrLeaseLost)
}

func TestRecoverFailsExhaustedOrphans(t *testing.T) {
	q, db := testQueue(t, 1)
	ctx := context.Background()

	job, _, err := q.Submit(ctx, SubmitRequest{Type: models.JobTypeResearch})
	require.NoError(t, err)
	_, err = q.Lease(ctx, "worker-1")
	require.NoError(t, err)
	expireLease(t, db, job.ID)

	n, err := q.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := q.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, got.Status)
	assert.Contains(t, got.ErrorMsg, "lease expired")

	// Idempotent: nothing left to recover.
	n, err = q.Recover(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestListAndDepth(t *testing.T) {
	q, _ := testQueue(t, 3)
	ctx := context.Background()

	for range 3 {
		_, _, err := q.Submit(ctx, SubmitRequest{Type: models.JobTypeResearch})
		require.NoError(t, err)
	}
	leased, err := q.Lease(ctx, "worker-1")
	require.NoError(t, err)
	require.NoError(t, q.Complete(ctx, leased.ID, "worker-1", nil))

	depth, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, depth)

	queued, err := q.List(ctx, models.JobStatusQueued, 10)
	require.NoError(t, err)
	assert.Len(t, queued, 2)

	all, err := q.List(ctx, "", 10)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestGetNotFound(t *testing.T) {
	q, _ := testQueue(t, 3)
	_, err := q.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrJobNotFound)
}
