package events

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inquest-ai/inquest/test/util"
)

func TestPublishAssignsGapFreeSequence(t *testing.T) {
	db := util.SetupTestDatabase(t)
	pub := NewPublisher(db, slog.Default())
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		ev, err := pub.Publish(ctx, "job-1", TypeAgentProgress, map[string]int{"step": i})
		require.NoError(t, err)
		assert.Equal(t, int64(i), ev.Seq)
	}

	// Sequences are per run.
	ev, err := pub.Publish(ctx, "job-2", TypeRunStarted, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), ev.Seq)

	evs, err := pub.EventsAfter(ctx, "job-1", 1, 100)
	require.NoError(t, err)
	require.Len(t, evs, 2)
	assert.Equal(t, int64(2), evs[0].Seq)
	assert.Equal(t, int64(3), evs[1].Seq)

	got, err := pub.Get(ctx, "job-1", 3)
	require.NoError(t, err)
	assert.JSONEq(t, `{"step":3}`, string(got.Payload))
}

func TestSubscribeCatchupAndDispatch(t *testing.T) {
	db := util.SetupTestDatabase(t)
	pub := NewPublisher(db, slog.Default())
	mgr := NewManager(pub, slog.Default())
	ctx := context.Background()

	_, err := pub.Publish(ctx, "job-1", TypeRunStarted, nil)
	require.NoError(t, err)
	_, err = pub.Publish(ctx, "job-1", TypePlanCreated, nil)
	require.NoError(t, err)

	// Subscribing replays persisted history first.
	sub, err := mgr.Subscribe(ctx, "job-1", 0)
	require.NoError(t, err)
	defer sub.Close()
	assert.Equal(t, 1, mgr.SubscriberCount())

	first := <-sub.C
	assert.Equal(t, TypeRunStarted, first.Type)
	second := <-sub.C
	assert.Equal(t, TypePlanCreated, second.Type)

	// A later publish reaches the subscriber through Dispatch.
	published, err := pub.Publish(ctx, "job-1", TypeRunCompleted, nil)
	require.NoError(t, err)
	mgr.Dispatch(ctx, "job-1", published.Seq)

	third := <-sub.C
	assert.Equal(t, int64(3), third.Seq)
	assert.Equal(t, TypeRunCompleted, third.Type)

	// Resuming from a cursor skips what was already seen.
	resumed, err := mgr.Subscribe(ctx, "job-1", 2)
	require.NoError(t, err)
	defer resumed.Close()
	ev := <-resumed.C
	assert.Equal(t, int64(3), ev.Seq)
}

func TestSlowSubscriberIsDisconnected(t *testing.T) {
	db := util.SetupTestDatabase(t)
	pub := NewPublisher(db, slog.Default())
	mgr := NewManager(pub, slog.Default())
	ctx := context.Background()

	// More history than the subscriber buffer holds.
	for i := 0; i < subscriberBuffer+8; i++ {
		_, err := pub.Publish(ctx, "job-1", TypeSynthesisDelta, map[string]string{"text": fmt.Sprintf("chunk %d", i)})
		require.NoError(t, err)
	}

	sub, err := mgr.Subscribe(ctx, "job-1", 0)
	require.NoError(t, err)

	// Catchup fills the buffer, then drops the subscriber instead of blocking.
	received := 0
	for range sub.C {
		received++
	}
	assert.Equal(t, subscriberBuffer, received)
	assert.Zero(t, mgr.SubscriberCount())
}

func TestBackpressureDisconnectDuringConcurrentDispatch(t *testing.T) {
	db := util.SetupTestDatabase(t)
	pub := NewPublisher(db, slog.Default())
	mgr := NewManager(pub, slog.Default())
	ctx := context.Background()

	sub, err := mgr.Subscribe(ctx, "job-1", 0)
	require.NoError(t, err)

	// Enough events to overflow the unread buffer on the next catchup.
	for i := 0; i < subscriberBuffer+8; i++ {
		_, err := pub.Publish(ctx, "job-1", TypeSynthesisDelta, map[string]string{"text": fmt.Sprintf("chunk %d", i)})
		require.NoError(t, err)
	}

	// Coalesced notifications fan out as overlapping dispatches. One of them
	// disconnects the subscriber for falling behind; the rest must observe
	// the closed subscription instead of sending into it.
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			mgr.Dispatch(ctx, "job-1", 0)
		}()
	}
	wg.Wait()

	received := 0
	for range sub.C {
		received++
	}
	assert.Equal(t, subscriberBuffer, received)
	assert.Zero(t, mgr.SubscriberCount())

	// Closing after a backpressure disconnect stays a no-op.
	sub.Close()
}

func TestNotifyListenerDelivery(t *testing.T) {
	db := util.SetupTestDatabase(t)
	pub := NewPublisher(db, slog.Default())
	mgr := NewManager(pub, slog.Default())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	listener := NewNotifyListener(db.DSN(), mgr, slog.Default())
	go listener.Run(ctx)

	sub, err := mgr.Subscribe(ctx, "job-1", 0)
	require.NoError(t, err)
	defer sub.Close()

	_, err = pub.Publish(ctx, "job-1", TypeRunStarted, nil)
	require.NoError(t, err)

	// Either the live notification or the listener's post-connect resync
	// delivers the event; both paths read from the store.
	select {
	case ev := <-sub.C:
		assert.Equal(t, int64(1), ev.Seq)
		assert.Equal(t, TypeRunStarted, ev.Type)
	case <-time.After(10 * time.Second):
		t.Fatal("event was not delivered through the notify listener")
	}
}
