package models

import (
	"encoding/json"
	"time"
)

// JobStatus is the lifecycle state of a queued job.
type JobStatus string

// Job status values. Terminal states are sticky: once a job reaches
// succeeded/failed/canceled it never transitions again.
const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusSucceeded JobStatus = "succeeded"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCanceled  JobStatus = "canceled"
)

// Terminal reports whether the status is a terminal state.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusSucceeded, JobStatusFailed, JobStatusCanceled:
		return true
	default:
		return false
	}
}

// JobType identifies what a worker should do with a job.
type JobType string

const (
	JobTypeResearch    JobType = "research"
	JobTypeAgent       JobType = "agent" // alias of research, kept for tool compat
	JobTypeIndex       JobType = "index"
	JobTypeMemoryLearn JobType = "memory_learn"
)

// Job is a durable unit of work. Owned exclusively by the store; all
// references between components are by ID.
type Job struct {
	ID             string          `json:"id"`
	Type           JobType         `json:"type"`
	Params         json.RawMessage `json:"params"`
	Status         JobStatus       `json:"status"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
	Deadline       *time.Time      `json:"deadline,omitempty"`
	LeaseOwner     string          `json:"lease_owner,omitempty"`
	LeaseExpiry    *time.Time      `json:"lease_expiry,omitempty"`
	HeartbeatAt    *time.Time      `json:"heartbeat_at,omitempty"`
	Attempt        int             `json:"attempt"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	ParentJobID    *string         `json:"parent_job_id,omitempty"`
	SessionID      string          `json:"session_id,omitempty"`
	// ResultRef is either a report ID ("report:<id>") or inline JSON.
	ResultRef json.RawMessage `json:"result_ref,omitempty"`
	ErrorMsg  string          `json:"error,omitempty"`
	ErrorKind string          `json:"error_kind,omitempty"`
}

// ResearchParams is the payload of a research/agent job.
type ResearchParams struct {
	Query          string   `json:"query"`
	CostPreference string   `json:"cost_preference,omitempty"` // very-low | low | high
	AudienceLevel  string   `json:"audience_level,omitempty"`
	OutputFormat   string   `json:"output_format,omitempty"` // report | briefing | bullet_points
	IncludeSources bool     `json:"include_sources,omitempty"`
	MaxLength      int      `json:"max_length,omitempty"`
	Images         []string `json:"images,omitempty"`
	TextDocuments  []string `json:"text_documents,omitempty"`
	StructuredData string   `json:"structured_data,omitempty"`
	TimeBudgetSec  int      `json:"time_budget_sec,omitempty"`
	MoneyBudgetUSD float64  `json:"money_budget_usd,omitempty"`
	Privacy        string   `json:"privacy,omitempty"` // local-first | hybrid | cloud-preferred
	SessionID      string   `json:"session_id,omitempty"`
}

// IndexParams is the payload of an index job (incremental index update).
type IndexParams struct {
	ReportID int64 `json:"report_id"`
}

// MemoryLearnParams is the payload of a memory_learn job.
type MemoryLearnParams struct {
	ReportID int64 `json:"report_id"`
}
