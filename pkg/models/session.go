package models

import (
	"encoding/json"
	"time"
)

// Session is a client-identified event log supporting time travel and forking.
type Session struct {
	ID              string          `json:"id"`
	ParentSessionID *string         `json:"parent_session_id,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	LastActivityAt  time.Time       `json:"last_activity_at"`
	Metadata        json.RawMessage `json:"metadata,omitempty"`
	// Cursor is the undo/redo position: the index of the last applied event.
	// -1 means no events applied; equal to the max index when fully replayed.
	Cursor int64 `json:"cursor"`
}

// SessionEventType enumerates the session event vocabulary.
type SessionEventType string

const (
	EventQuerySubmitted    SessionEventType = "QUERY_SUBMITTED"
	EventReportSaved       SessionEventType = "REPORT_SAVED"
	EventReportRated       SessionEventType = "REPORT_RATED"
	EventSearchPerformed   SessionEventType = "SEARCH_PERFORMED"
	EventToolExecuted      SessionEventType = "TOOL_EXECUTED"
	EventCheckpointCreated SessionEventType = "CHECKPOINT_CREATED"
	EventJobsDispatched    SessionEventType = "JOBS_DISPATCHED"
	EventJobsCompleted     SessionEventType = "JOBS_COMPLETED"
	EventSessionForked     SessionEventType = "SESSION_FORKED"
)

// SessionEvent is one entry of a session's append-only log.
// (SessionID, Index) is unique and gap-free; a session's state at time T is
// the fold of all its events with Timestamp <= T.
type SessionEvent struct {
	SessionID string           `json:"session_id"`
	Index     int64            `json:"index"`
	Type      SessionEventType `json:"type"`
	Payload   json.RawMessage  `json:"payload,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
}

// SessionState is the projection produced by folding a session's events.
type SessionState struct {
	SessionID     string   `json:"session_id"`
	Cursor        int64    `json:"cursor"`
	EventCount    int64    `json:"event_count"`
	Queries       []string `json:"queries,omitempty"`
	ReportIDs     []int64  `json:"report_ids,omitempty"`
	SearchCount   int      `json:"search_count"`
	ToolCount     int      `json:"tool_count"`
	PendingJobIDs []string `json:"pending_job_ids,omitempty"`
	Checkpoints   []string `json:"checkpoints,omitempty"`
}
