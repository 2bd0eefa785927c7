package services

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inquest-ai/inquest/pkg/models"
	"github.com/inquest-ai/inquest/test/util"
)

func submitQuery(t *testing.T, svc *SessionService, sessionID, query string) *models.SessionEvent {
	t.Helper()
	payload, err := json.Marshal(map[string]string{"query": query})
	require.NoError(t, err)
	ev, err := svc.Append(context.Background(), sessionID, models.EventQuerySubmitted, payload, false)
	require.NoError(t, err)
	return ev
}

func TestSessionCreateAndGet(t *testing.T) {
	svc := NewSessionService(util.SetupTestDatabase(t))
	ctx := context.Background()

	sess, err := svc.Create(ctx, "", json.RawMessage(`{"client":"cli"}`))
	require.NoError(t, err)
	require.NotEmpty(t, sess.ID)
	assert.Equal(t, int64(-1), sess.Cursor)

	got, err := svc.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, sess.ID, got.ID)
	assert.Nil(t, got.ParentSessionID)

	// Re-creating an existing id is a touch, not a reset.
	again, err := svc.Create(ctx, sess.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, sess.ID, again.ID)

	_, err = svc.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSessionAppendAssignsGapFreeIndexes(t *testing.T) {
	svc := NewSessionService(util.SetupTestDatabase(t))
	ctx := context.Background()

	sess, err := svc.Create(ctx, "", nil)
	require.NoError(t, err)

	for i := range 3 {
		ev := submitQuery(t, svc, sess.ID, "q")
		assert.Equal(t, int64(i), ev.Index)
	}

	got, err := svc.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.Cursor)

	_, err = svc.Append(ctx, "missing", models.EventQuerySubmitted, nil, false)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSessionUndoSkipsCheckpoints(t *testing.T) {
	svc := NewSessionService(util.SetupTestDatabase(t))
	ctx := context.Background()

	sess, err := svc.Create(ctx, "", nil)
	require.NoError(t, err)
	submitQuery(t, svc, sess.ID, "first") // idx 0
	_, err = svc.Checkpoint(ctx, sess.ID, "after-first") // idx 1
	require.NoError(t, err)
	submitQuery(t, svc, sess.ID, "second") // idx 2

	// One undo reverts "second"; the cursor rests on the checkpoint marker.
	state, err := svc.Undo(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), state.Cursor)
	assert.Equal(t, []string{"first"}, state.Queries)

	// The next undo skips over the checkpoint and reverts "first" in one
	// step rather than spending a step on the marker.
	state, err = svc.Undo(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(-1), state.Cursor)
	assert.Empty(t, state.Queries)

	// Redo lands on the next real event, absorbing the marker.
	state, err = svc.Redo(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), state.Cursor)
	assert.Equal(t, []string{"first"}, state.Queries)

	state, err = svc.Redo(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), state.Cursor)
	assert.Equal(t, []string{"first", "second"}, state.Queries)
}

func TestSessionUndoRedo(t *testing.T) {
	svc := NewSessionService(util.SetupTestDatabase(t))
	ctx := context.Background()

	sess, err := svc.Create(ctx, "", nil)
	require.NoError(t, err)
	submitQuery(t, svc, sess.ID, "first")
	submitQuery(t, svc, sess.ID, "second")

	state, err := svc.Undo(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), state.Cursor)
	assert.Equal(t, []string{"first"}, state.Queries)

	state, err = svc.Redo(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), state.Cursor)
	assert.Equal(t, []string{"first", "second"}, state.Queries)

	// Redo at the log's end stays put.
	state, err = svc.Redo(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), state.Cursor)

	// Undo past the beginning bottoms out at -1.
	for range 4 {
		state, err = svc.Undo(ctx, sess.ID)
		require.NoError(t, err)
	}
	assert.Equal(t, int64(-1), state.Cursor)
	assert.Empty(t, state.Queries)
}

func TestSessionAppendAfterUndoLandsAtEnd(t *testing.T) {
	svc := NewSessionService(util.SetupTestDatabase(t))
	ctx := context.Background()

	sess, err := svc.Create(ctx, "", nil)
	require.NoError(t, err)
	submitQuery(t, svc, sess.ID, "first")
	submitQuery(t, svc, sess.ID, "second")

	_, err = svc.Undo(ctx, sess.ID)
	require.NoError(t, err)

	// The undone suffix stays in the log; the new event appends after it.
	ev := submitQuery(t, svc, sess.ID, "third")
	assert.Equal(t, int64(2), ev.Index)

	state, err := svc.State(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), state.Cursor)
	// The fold replays everything up to the cursor, undone suffix included.
	assert.Equal(t, []string{"first", "second", "third"}, state.Queries)
}

func TestSessionStateFold(t *testing.T) {
	svc := NewSessionService(util.SetupTestDatabase(t))
	ctx := context.Background()

	sess, err := svc.Create(ctx, "", nil)
	require.NoError(t, err)

	submitQuery(t, svc, sess.ID, "q1")
	_, err = svc.Append(ctx, sess.ID, models.EventReportSaved, json.RawMessage(`{"report_id":11}`), false)
	require.NoError(t, err)
	_, err = svc.Append(ctx, sess.ID, models.EventSearchPerformed, nil, true)
	require.NoError(t, err)
	_, err = svc.Append(ctx, sess.ID, models.EventJobsDispatched, json.RawMessage(`{"job_ids":["j1","j2"]}`), false)
	require.NoError(t, err)
	_, err = svc.Append(ctx, sess.ID, models.EventJobsCompleted, json.RawMessage(`{"job_ids":["j1"]}`), false)
	require.NoError(t, err)
	_, err = svc.Checkpoint(ctx, sess.ID, "before-deep-dive")
	require.NoError(t, err)

	state, err := svc.State(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"q1"}, state.Queries)
	assert.Equal(t, []int64{11}, state.ReportIDs)
	assert.EqualValues(t, 1, state.SearchCount)
	assert.Equal(t, []string{"j2"}, state.PendingJobIDs)
	assert.Equal(t, []string{"before-deep-dive"}, state.Checkpoints)
	assert.EqualValues(t, 6, state.EventCount)
}

func TestSessionStateAtTimeTravel(t *testing.T) {
	svc := NewSessionService(util.SetupTestDatabase(t))
	ctx := context.Background()

	sess, err := svc.Create(ctx, "", nil)
	require.NoError(t, err)

	submitQuery(t, svc, sess.ID, "first")
	time.Sleep(20 * time.Millisecond)
	second := submitQuery(t, svc, sess.ID, "second")
	time.Sleep(20 * time.Millisecond)
	submitQuery(t, svc, sess.ID, "third")

	// Reading at the second event's own timestamp includes it, not the third.
	state, err := svc.StateAt(ctx, sess.ID, second.Timestamp)
	require.NoError(t, err)
	assert.Equal(t, int64(1), state.Cursor)
	assert.Equal(t, []string{"first", "second"}, state.Queries)

	// Time travel never moves the cursor.
	sessAfter, err := svc.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), sessAfter.Cursor)

	// Before any event, the projection is empty.
	state, err = svc.StateAt(ctx, sess.ID, sess.CreatedAt.Add(-time.Second))
	require.NoError(t, err)
	assert.Equal(t, int64(-1), state.Cursor)
	assert.Empty(t, state.Queries)
}

func TestSessionFork(t *testing.T) {
	svc := NewSessionService(util.SetupTestDatabase(t))
	ctx := context.Background()

	src, err := svc.Create(ctx, "", nil)
	require.NoError(t, err)
	submitQuery(t, svc, src.ID, "first")
	submitQuery(t, svc, src.ID, "second")

	// Rewind before forking; only the prefix up to the cursor is copied.
	_, err = svc.Undo(ctx, src.ID)
	require.NoError(t, err)

	fork, err := svc.Fork(ctx, src.ID, json.RawMessage(`{"label":"alt"}`))
	require.NoError(t, err)
	require.NotNil(t, fork.ParentSessionID)
	assert.Equal(t, src.ID, *fork.ParentSessionID)
	assert.Equal(t, int64(0), fork.Cursor)

	forkState, err := svc.State(ctx, fork.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"first"}, forkState.Queries)

	// The parent records the fork as an event of its own.
	srcEvents, err := svc.Events(ctx, src.ID, -1)
	require.NoError(t, err)
	last := srcEvents[len(srcEvents)-1]
	assert.Equal(t, models.EventSessionForked, last.Type)

	// Diverging the fork leaves the parent untouched.
	submitQuery(t, svc, fork.ID, "fork-only")
	srcAfter, err := svc.Events(ctx, src.ID, -1)
	require.NoError(t, err)
	assert.Len(t, srcAfter, len(srcEvents))

	forkState, err = svc.State(ctx, fork.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"first", "fork-only"}, forkState.Queries)
}
