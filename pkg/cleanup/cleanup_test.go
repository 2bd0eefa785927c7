package cleanup

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inquest-ai/inquest/pkg/config"
	"github.com/inquest-ai/inquest/pkg/database"
	"github.com/inquest-ai/inquest/test/util"
)

func exec(t *testing.T, db *database.Client, sql string, args ...any) {
	t.Helper()
	_, err := db.Pool().Exec(context.Background(), sql, args...)
	require.NoError(t, err)
}

func count(t *testing.T, db *database.Client, sql string) int {
	t.Helper()
	var n int
	require.NoError(t, db.Pool().QueryRow(context.Background(), sql).Scan(&n))
	return n
}

func TestRunOnce(t *testing.T) {
	db := util.SetupTestDatabase(t)
	svc := NewService(db, config.RetentionConfig{
		TerminalJobTTL:    time.Hour,
		TransientEventTTL: time.Hour,
		Schedule:          "@every 10m",
	}, slog.Default())
	ctx := context.Background()

	// A stale terminal job with its run events, and a live one that must stay.
	exec(t, db, `INSERT INTO jobs (id, type, status, updated_at) VALUES
		('old-done', 'research', 'succeeded', now() - interval '2 hours'),
		('fresh-done', 'research', 'succeeded', now()),
		('still-running', 'research', 'running', now() - interval '2 hours')`)
	exec(t, db, `INSERT INTO run_events (job_id, seq, type) VALUES
		('old-done', 1, 'run_started'),
		('still-running', 1, 'run_started')`)

	exec(t, db, `INSERT INTO idempotency (key, job_id, expires_at) VALUES
		('stale-key', 'old-done', now() - interval '1 minute'),
		('live-key', 'fresh-done', now() + interval '1 hour')`)

	exec(t, db, `INSERT INTO sessions (id) VALUES ('s1')`)
	exec(t, db, `INSERT INTO session_events (session_id, idx, type, transient, created_at) VALUES
		('s1', 0, 'QUERY_SUBMITTED', FALSE, now() - interval '2 hours'),
		('s1', 1, 'SEARCH_PERFORMED', TRUE, now() - interval '2 hours'),
		('s1', 2, 'SEARCH_PERFORMED', TRUE, now())`)

	require.NoError(t, svc.RunOnce(ctx))

	assert.Equal(t, 2, count(t, db, `SELECT COUNT(*) FROM jobs`))
	assert.Zero(t, count(t, db, `SELECT COUNT(*) FROM jobs WHERE id = 'old-done'`))

	// Run events follow their job; live jobs keep theirs.
	assert.Equal(t, 1, count(t, db, `SELECT COUNT(*) FROM run_events`))
	assert.Equal(t, 1, count(t, db, `SELECT COUNT(*) FROM run_events WHERE job_id = 'still-running'`))

	assert.Equal(t, 1, count(t, db, `SELECT COUNT(*) FROM idempotency`))

	// Durable events survive regardless of age; only old transients go.
	assert.Equal(t, 2, count(t, db, `SELECT COUNT(*) FROM session_events`))
	assert.Zero(t, count(t, db, `SELECT COUNT(*) FROM session_events WHERE idx = 1`))

	// A second pass finds nothing.
	require.NoError(t, svc.RunOnce(ctx))
	assert.Equal(t, 2, count(t, db, `SELECT COUNT(*) FROM jobs`))
}

func TestStartRejectsBadSchedule(t *testing.T) {
	db := util.SetupTestDatabase(t)
	svc := NewService(db, config.RetentionConfig{Schedule: "not a schedule"}, slog.Default())
	assert.Error(t, svc.Start(context.Background()))
}
