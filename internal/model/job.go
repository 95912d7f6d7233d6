package model

import (
	"time"

	"github.com/google/uuid"
)

// JobKind names a queue topic.
type JobKind string

const (
	// JobFullSync downloads every report window in the seller's horizon.
	JobFullSync JobKind = "full_sync"
	// JobMatching runs a full candidate-to-document matching pass.
	JobMatching JobKind = "matching"
	// JobDocumentIngest pulls new documents from a provider and submits
	// them for parsing.
	JobDocumentIngest JobKind = "document_ingest"
)

// Valid reports whether k is a known job kind.
func (k JobKind) Valid() bool {
	switch k {
	case JobFullSync, JobMatching, JobDocumentIngest:
		return true
	}
	return false
}

// JobState is the sync job state machine:
// queued → running → (completed | failed | cancelled).
type JobState string

const (
	JobQueued    JobState = "queued"
	JobRunning   JobState = "running"
	JobCompleted JobState = "completed"
	JobFailed    JobState = "failed"
	JobCancelled JobState = "cancelled"
)

// Terminal reports whether the state admits no further transitions.
func (s JobState) Terminal() bool {
	switch s {
	case JobCompleted, JobFailed, JobCancelled:
		return true
	}
	return false
}

// SyncJob is a durable queue entry. At most one non-terminal job exists per
// (seller, kind); the partial unique index in storage enforces it.
type SyncJob struct {
	ID               uuid.UUID    `json:"id"`
	SellerID         uuid.UUID    `json:"seller_id"`
	Kind             JobKind      `json:"job_kind"`
	Priority         int          `json:"priority"`
	State            JobState     `json:"state"`
	WindowStart      *time.Time   `json:"window_start,omitempty"`
	WindowEnd        *time.Time   `json:"window_end,omitempty"`
	ReportTypes      []ReportType `json:"report_types"`
	ProgressCurrent  int          `json:"progress_current"`
	ProgressTotal    int          `json:"progress_total"`
	CheckpointWindow int          `json:"checkpoint_window"`
	CheckpointReport int          `json:"checkpoint_report"`
	Attempts         int          `json:"attempts"`
	CancelRequested  bool         `json:"cancel_requested"`
	LockedUntil      *time.Time   `json:"-"`
	LockedBy         *string      `json:"-"`
	LastError        *string      `json:"last_error,omitempty"`
	CreatedAt        time.Time    `json:"created_at"`
	UpdatedAt        time.Time    `json:"updated_at"`
}

// Window is a half-open day range [Start, End). Windows tile the seller's
// sync horizon in newest-first order.
type Window struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Contains reports whether t falls inside the window.
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.Start) && t.Before(w.End)
}

func (w Window) String() string {
	return w.Start.Format("2006-01-02") + ".." + w.End.Format("2006-01-02")
}
