package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/inquest-ai/inquest/pkg/database"
	"github.com/inquest-ai/inquest/pkg/models"
)

// SessionService owns the per-session event log: append-only, gap-free
// (session_id, index) pairs, with a cursor supporting undo/redo, forking,
// and time travel. State is never stored; it is always a fold of events.
type SessionService struct {
	db *database.Client
}

// NewSessionService creates a session service.
func NewSessionService(db *database.Client) *SessionService {
	return &SessionService{db: db}
}

// Create inserts a new session. An empty id generates one.
func (s *SessionService) Create(ctx context.Context, id string, metadata json.RawMessage) (*models.Session, error) {
	if id == "" {
		id = uuid.NewString()
	}
	sess := &models.Session{ID: id, Metadata: metadata, Cursor: -1}
	err := s.db.Pool().QueryRow(ctx, `
		INSERT INTO sessions (id, metadata)
		VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE SET last_activity_at = now()
		RETURNING created_at, last_activity_at, cursor`,
		id, nullableJSON(metadata),
	).Scan(&sess.CreatedAt, &sess.LastActivityAt, &sess.Cursor)
	if err != nil {
		return nil, fmt.Errorf("creating session: %w", err)
	}
	return sess, nil
}

// Get loads a session by id.
func (s *SessionService) Get(ctx context.Context, id string) (*models.Session, error) {
	var sess models.Session
	err := s.db.Pool().QueryRow(ctx, `
		SELECT id, parent_session_id, created_at, last_activity_at, metadata, cursor
		FROM sessions WHERE id = $1`, id,
	).Scan(&sess.ID, &sess.ParentSessionID, &sess.CreatedAt, &sess.LastActivityAt,
		&sess.Metadata, &sess.Cursor)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("loading session: %w", err)
	}
	return &sess, nil
}

// sessionLockKey derives the advisory lock key serializing appends for one
// session, so indexes stay gap-free under concurrent writers.
func sessionLockKey(sessionID string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte("session:"))
	_, _ = h.Write([]byte(sessionID))
	return int64(h.Sum64())
}

// Append writes an event at the next index and moves the cursor to it.
// Appending always lands at the end of the log; an undone suffix stays in
// place and remains reachable through redo history until a fork diverges.
func (s *SessionService) Append(ctx context.Context, sessionID string, typ models.SessionEventType, payload json.RawMessage, transient bool) (*models.SessionEvent, error) {
	if sessionID == "" {
		return nil, Validf("session_id", "must not be empty")
	}
	ev := &models.SessionEvent{SessionID: sessionID, Type: typ, Payload: payload}

	err := database.WithRetry(ctx, "session append", func(ctx context.Context) error {
		return s.db.InTx(ctx, func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, sessionLockKey(sessionID)); err != nil {
				return fmt.Errorf("acquiring session lock: %w", err)
			}

			var exists bool
			if err := tx.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM sessions WHERE id = $1)`, sessionID).Scan(&exists); err != nil {
				return fmt.Errorf("checking session: %w", err)
			}
			if !exists {
				return ErrNotFound
			}

			if err := tx.QueryRow(ctx, `
				SELECT COALESCE(MAX(idx), -1) + 1 FROM session_events WHERE session_id = $1`,
				sessionID).Scan(&ev.Index); err != nil {
				return fmt.Errorf("allocating event index: %w", err)
			}

			if err := tx.QueryRow(ctx, `
				INSERT INTO session_events (session_id, idx, type, payload, transient)
				VALUES ($1, $2, $3, $4, $5)
				RETURNING created_at`,
				sessionID, ev.Index, string(typ), nullableJSON(payload), transient,
			).Scan(&ev.Timestamp); err != nil {
				return fmt.Errorf("inserting event: %w", err)
			}

			if _, err := tx.Exec(ctx, `
				UPDATE sessions SET cursor = $2, last_activity_at = now() WHERE id = $1`,
				sessionID, ev.Index); err != nil {
				return fmt.Errorf("advancing cursor: %w", err)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return ev, nil
}

// Events returns events in index order. A negative maxIndex returns the full
// log; otherwise only events with index <= maxIndex.
func (s *SessionService) Events(ctx context.Context, sessionID string, maxIndex int64) ([]models.SessionEvent, error) {
	rows, err := s.db.Pool().Query(ctx, `
		SELECT session_id, idx, type, payload, created_at
		FROM session_events
		WHERE session_id = $1 AND ($2 < 0 OR idx <= $2)
		ORDER BY idx`, sessionID, maxIndex)
	if err != nil {
		return nil, fmt.Errorf("loading session events: %w", err)
	}
	defer rows.Close()

	var out []models.SessionEvent
	for rows.Next() {
		var ev models.SessionEvent
		if err := rows.Scan(&ev.SessionID, &ev.Index, &ev.Type, &ev.Payload, &ev.Timestamp); err != nil {
			return nil, fmt.Errorf("scanning session event: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// State folds the session's events up to its cursor into a projection.
func (s *SessionService) State(ctx context.Context, sessionID string) (*models.SessionState, error) {
	sess, err := s.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	events, err := s.Events(ctx, sessionID, sess.Cursor)
	if err != nil {
		return nil, err
	}
	return foldEvents(sessionID, sess.Cursor, events), nil
}

// StateAt folds events with timestamps at or before t, ignoring the cursor.
// This is the time-travel read; it never mutates the session.
func (s *SessionService) StateAt(ctx context.Context, sessionID string, t time.Time) (*models.SessionState, error) {
	if _, err := s.Get(ctx, sessionID); err != nil {
		return nil, err
	}
	events, err := s.Events(ctx, sessionID, -1)
	if err != nil {
		return nil, err
	}
	var kept []models.SessionEvent
	cursor := int64(-1)
	for _, ev := range events {
		if ev.Timestamp.After(t) {
			break
		}
		kept = append(kept, ev)
		cursor = ev.Index
	}
	return foldEvents(sessionID, cursor, kept), nil
}

// Undo moves the cursor back past one non-checkpoint event. Checkpoint
// markers carry no state and are skipped over. At -1 it is a no-op.
func (s *SessionService) Undo(ctx context.Context, sessionID string) (*models.SessionState, error) {
	return s.moveCursor(ctx, sessionID, -1)
}

// Redo moves the cursor forward onto the next non-checkpoint event, up to
// the log's end.
func (s *SessionService) Redo(ctx context.Context, sessionID string) (*models.SessionState, error) {
	return s.moveCursor(ctx, sessionID, +1)
}

func (s *SessionService) moveCursor(ctx context.Context, sessionID string, delta int64) (*models.SessionState, error) {
	checkpoint := string(models.EventCheckpointCreated)
	err := s.db.InTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, sessionLockKey(sessionID)); err != nil {
			return fmt.Errorf("acquiring session lock: %w", err)
		}

		var cursor int64
		err := tx.QueryRow(ctx, `SELECT cursor FROM sessions WHERE id = $1`, sessionID).Scan(&cursor)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("loading cursor: %w", err)
		}

		var next int64
		if delta < 0 {
			// The newest non-checkpoint event at or before the cursor is the
			// one being undone; the cursor lands just before it.
			var target int64
			if err := tx.QueryRow(ctx, `
				SELECT COALESCE(MAX(idx), -1) FROM session_events
				WHERE session_id = $1 AND idx <= $2 AND type <> $3`,
				sessionID, cursor, checkpoint).Scan(&target); err != nil {
				return fmt.Errorf("finding undo target: %w", err)
			}
			next = target - 1
			if next < -1 {
				next = -1
			}
		} else {
			// Redo lands on the next non-checkpoint event; when only
			// checkpoints remain, it absorbs them by moving to the log's end.
			var target *int64
			if err := tx.QueryRow(ctx, `
				SELECT MIN(idx) FROM session_events
				WHERE session_id = $1 AND idx > $2 AND type <> $3`,
				sessionID, cursor, checkpoint).Scan(&target); err != nil {
				return fmt.Errorf("finding redo target: %w", err)
			}
			if target != nil {
				next = *target
			} else {
				if err := tx.QueryRow(ctx, `
					SELECT COALESCE(MAX(idx), -1) FROM session_events WHERE session_id = $1`,
					sessionID).Scan(&next); err != nil {
					return fmt.Errorf("loading max index: %w", err)
				}
				if next < cursor {
					next = cursor
				}
			}
		}

		if next == cursor {
			return nil
		}
		_, err = tx.Exec(ctx, `
			UPDATE sessions SET cursor = $2, last_activity_at = now() WHERE id = $1`,
			sessionID, next)
		if err != nil {
			return fmt.Errorf("moving cursor: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.State(ctx, sessionID)
}

// Checkpoint appends a named CHECKPOINT_CREATED marker.
func (s *SessionService) Checkpoint(ctx context.Context, sessionID, name string) (*models.SessionEvent, error) {
	if name == "" {
		return nil, Validf("name", "must not be empty")
	}
	payload, _ := json.Marshal(map[string]string{"name": name})
	return s.Append(ctx, sessionID, models.EventCheckpointCreated, payload, false)
}

// Fork creates a new session seeded with the source's event prefix up to its
// cursor. The fork records its parent and starts with the copied history
// re-indexed from zero; the source is untouched.
func (s *SessionService) Fork(ctx context.Context, sourceID string, metadata json.RawMessage) (*models.Session, error) {
	src, err := s.Get(ctx, sourceID)
	if err != nil {
		return nil, err
	}
	forkID := uuid.NewString()
	fork := &models.Session{
		ID:              forkID,
		ParentSessionID: &sourceID,
		Metadata:        metadata,
		Cursor:          src.Cursor,
	}

	err = s.db.InTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, sessionLockKey(sourceID)); err != nil {
			return fmt.Errorf("acquiring session lock: %w", err)
		}

		if err := tx.QueryRow(ctx, `
			INSERT INTO sessions (id, parent_session_id, metadata, cursor)
			VALUES ($1, $2, $3, $4)
			RETURNING created_at, last_activity_at`,
			forkID, sourceID, nullableJSON(metadata), src.Cursor,
		).Scan(&fork.CreatedAt, &fork.LastActivityAt); err != nil {
			return fmt.Errorf("inserting fork: %w", err)
		}

		// Prefix copy keeps original timestamps so time travel in the fork
		// matches the parent's timeline.
		if _, err := tx.Exec(ctx, `
			INSERT INTO session_events (session_id, idx, type, payload, transient, created_at)
			SELECT $2, idx, type, payload, transient, created_at
			FROM session_events
			WHERE session_id = $1 AND idx <= $3`,
			sourceID, forkID, src.Cursor); err != nil {
			return fmt.Errorf("copying event prefix: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	payload, _ := json.Marshal(map[string]any{"fork_session_id": forkID, "at_index": src.Cursor})
	if _, err := s.Append(ctx, sourceID, models.EventSessionForked, payload, false); err != nil {
		return nil, fmt.Errorf("recording fork on parent: %w", err)
	}
	return fork, nil
}

// foldEvents replays events into a SessionState projection.
func foldEvents(sessionID string, cursor int64, events []models.SessionEvent) *models.SessionState {
	state := &models.SessionState{
		SessionID:  sessionID,
		Cursor:     cursor,
		EventCount: int64(len(events)),
	}
	pending := map[string]bool{}
	for _, ev := range events {
		switch ev.Type {
		case models.EventQuerySubmitted:
			var p struct {
				Query string `json:"query"`
			}
			if json.Unmarshal(ev.Payload, &p) == nil && p.Query != "" {
				state.Queries = append(state.Queries, p.Query)
			}
		case models.EventReportSaved:
			var p struct {
				ReportID int64 `json:"report_id"`
			}
			if json.Unmarshal(ev.Payload, &p) == nil && p.ReportID != 0 {
				state.ReportIDs = append(state.ReportIDs, p.ReportID)
			}
		case models.EventSearchPerformed:
			state.SearchCount++
		case models.EventToolExecuted:
			state.ToolCount++
		case models.EventCheckpointCreated:
			var p struct {
				Name string `json:"name"`
			}
			if json.Unmarshal(ev.Payload, &p) == nil && p.Name != "" {
				state.Checkpoints = append(state.Checkpoints, p.Name)
			}
		case models.EventJobsDispatched:
			var p struct {
				JobIDs []string `json:"job_ids"`
			}
			if json.Unmarshal(ev.Payload, &p) == nil {
				for _, id := range p.JobIDs {
					pending[id] = true
				}
			}
		case models.EventJobsCompleted:
			var p struct {
				JobIDs []string `json:"job_ids"`
			}
			if json.Unmarshal(ev.Payload, &p) == nil {
				for _, id := range p.JobIDs {
					delete(pending, id)
				}
			}
		}
	}
	for id := range pending {
		state.PendingJobIDs = append(state.PendingJobIDs, id)
	}
	return state
}

func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}
