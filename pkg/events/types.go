// Package events publishes and fans out run-progress events. Events are
// persisted per run with a gap-free sequence, broadcast across replicas via
// PostgreSQL NOTIFY, and delivered to WebSocket and SSE subscribers with
// catchup from any sequence number.
package events

import (
	"encoding/json"
	"time"
)

// notifyChannel is the PostgreSQL NOTIFY channel carrying event envelopes.
const notifyChannel = "run_events"

// Run event types, in rough lifecycle order.
const (
	TypeRunStarted         = "run_started"
	TypePolicySelected     = "policy_selected"
	TypePlanCreated        = "plan_created"
	TypeTaskStarted        = "task_started"
	TypeAgentProgress      = "agent_progress"
	TypeTaskCompleted      = "task_completed"
	TypeSynthesisStarted   = "synthesis_started"
	TypeSynthesisDelta     = "synthesis_delta"
	TypeSynthesisCompleted = "synthesis_completed"
	TypeRefinementRound    = "refinement_round"
	TypeReportSaved        = "report_saved"
	TypeRunCompleted       = "run_completed"
	TypeRunFailed          = "run_failed"
	TypeRunCanceled        = "run_canceled"
)

// RunEvent is one persisted progress event. (JobID, Seq) is unique and
// gap-free per run; Seq starts at 1.
type RunEvent struct {
	JobID     string          `json:"job_id"`
	Seq       int64           `json:"seq"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// envelope is what travels over NOTIFY: enough to route without re-reading
// the row on the publishing side.
type envelope struct {
	JobID string `json:"job_id"`
	Seq   int64  `json:"seq"`
}
