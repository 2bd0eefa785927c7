package events

import (
	"context"
	"log/slog"
	"sync"
)

// subscriberBuffer is the per-subscriber channel depth. A subscriber that
// falls this far behind is disconnected rather than allowed to stall the
// fan-out; it can reconnect and resume from its last seen sequence.
const subscriberBuffer = 64

// Subscription is one consumer of a run's event stream.
type Subscription struct {
	// C delivers events in sequence order. Closed when the subscription ends,
	// including on backpressure disconnect.
	C <-chan RunEvent

	manager *Manager
	jobID   string
	id      int64
}

// Close detaches the subscription. Safe to call more than once.
func (s *Subscription) Close() {
	s.manager.unsubscribe(s.jobID, s.id)
}

type subscriber struct {
	id int64
	ch chan RunEvent

	// mu serializes catchup passes so sequence order holds even when a live
	// dispatch and a resync overlap. It also guards closed: ch is only ever
	// closed and sent to under mu, so a disconnect racing a concurrent
	// catchup can never send on a closed channel.
	mu     sync.Mutex
	last   int64 // last sequence delivered
	closed bool
}

// closeLocked closes the channel exactly once. Callers hold sub.mu.
func (sub *subscriber) closeLocked() {
	if !sub.closed {
		sub.closed = true
		close(sub.ch)
	}
}

// Manager fans events out to in-process subscribers. Cross-replica delivery
// arrives through the NotifyListener; catchup reads come from the store, so
// a subscriber never misses a persisted event regardless of when it attached.
type Manager struct {
	pub    *Publisher
	logger *slog.Logger

	mu     sync.Mutex
	nextID int64
	byJob  map[string]map[int64]*subscriber
}

// NewManager creates a connection manager over the publisher's store.
func NewManager(pub *Publisher, logger *slog.Logger) *Manager {
	return &Manager{
		pub:    pub,
		logger: logger.With("component", "event-manager"),
		byJob:  make(map[string]map[int64]*subscriber),
	}
}

// Subscribe attaches to a run's stream, replaying persisted events with
// seq > after before going live.
func (m *Manager) Subscribe(ctx context.Context, jobID string, after int64) (*Subscription, error) {
	m.mu.Lock()
	m.nextID++
	sub := &subscriber{id: m.nextID, ch: make(chan RunEvent, subscriberBuffer), last: after}
	if m.byJob[jobID] == nil {
		m.byJob[jobID] = make(map[int64]*subscriber)
	}
	m.byJob[jobID][sub.id] = sub
	m.mu.Unlock()

	s := &Subscription{C: sub.ch, manager: m, jobID: jobID, id: sub.id}
	if err := m.catchup(ctx, jobID, sub); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func (m *Manager) unsubscribe(jobID string, id int64) {
	sub := m.detach(jobID, id)
	if sub == nil {
		return
	}
	sub.mu.Lock()
	sub.closeLocked()
	sub.mu.Unlock()
}

// detach removes a subscriber from the fan-out map without touching its
// channel. Catchup uses it directly since it already holds sub.mu.
func (m *Manager) detach(jobID string, id int64) *subscriber {
	m.mu.Lock()
	defer m.mu.Unlock()
	subs := m.byJob[jobID]
	sub, ok := subs[id]
	if ok {
		delete(subs, id)
	}
	if len(subs) == 0 {
		delete(m.byJob, jobID)
	}
	return sub
}

// Dispatch reacts to a notification: every subscriber of the run is caught
// up to the announced sequence. Reading from the store rather than trusting
// the payload keeps delivery gap-free even when notifications coalesce.
func (m *Manager) Dispatch(ctx context.Context, jobID string, seq int64) {
	_ = seq // the store is authoritative; catchup reads past it if more landed
	m.mu.Lock()
	subs := make([]*subscriber, 0, len(m.byJob[jobID]))
	for _, s := range m.byJob[jobID] {
		subs = append(subs, s)
	}
	m.mu.Unlock()

	for _, sub := range subs {
		if err := m.catchup(ctx, jobID, sub); err != nil {
			m.logger.Warn("subscriber catchup failed", "job_id", jobID, "error", err)
		}
	}
}

// ResyncAll re-runs catchup for every subscriber, used after the listener
// reconnects.
func (m *Manager) ResyncAll(ctx context.Context) {
	m.mu.Lock()
	type pair struct {
		jobID string
		sub   *subscriber
	}
	var all []pair
	for jobID, subs := range m.byJob {
		for _, s := range subs {
			all = append(all, pair{jobID, s})
		}
	}
	m.mu.Unlock()

	for _, p := range all {
		if err := m.catchup(ctx, p.jobID, p.sub); err != nil {
			m.logger.Warn("resync failed", "job_id", p.jobID, "error", err)
		}
	}
}

// catchup streams persisted events after the subscriber's cursor into its
// channel. A full channel disconnects the subscriber.
func (m *Manager) catchup(ctx context.Context, jobID string, sub *subscriber) error {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if sub.closed {
		return nil
	}
	for {
		evs, err := m.pub.EventsAfter(ctx, jobID, sub.last, subscriberBuffer)
		if err != nil {
			return err
		}
		if len(evs) == 0 {
			return nil
		}
		for _, ev := range evs {
			select {
			case sub.ch <- ev:
				sub.last = ev.Seq
			default:
				m.logger.Warn("subscriber too slow, disconnecting", "job_id", jobID)
				m.detach(jobID, sub.id)
				sub.closeLocked()
				return nil
			}
		}
		if len(evs) < subscriberBuffer {
			return nil
		}
	}
}

// SubscriberCount reports current attachment, for the status surface.
func (m *Manager) SubscriberCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, subs := range m.byJob {
		n += len(subs)
	}
	return n
}
