package model

import (
	"time"

	"github.com/google/uuid"
)

// EventType categorizes progress stream events.
type EventType string

const (
	// EventProgress reports task completion counts during a job.
	EventProgress EventType = "progress"
	// EventLog carries a leveled, human-readable line.
	EventLog EventType = "log"
	// EventCompleted marks a job's terminal success.
	EventCompleted EventType = "completed"
	// EventFailed marks a job's terminal failure.
	EventFailed EventType = "failed"
	// EventNotification announces a domain occurrence, e.g. a new
	// evidence match.
	EventNotification EventType = "notification"
)

// LogLevel grades EventLog lines.
type LogLevel string

const (
	LevelInfo    LogLevel = "info"
	LevelSuccess LogLevel = "success"
	LevelWarn    LogLevel = "warn"
	LevelError   LogLevel = "error"
)

// TaskStatus is the per-task outcome inside a progress event.
type TaskStatus string

const (
	TaskProcessing TaskStatus = "processing"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
)

// Notification kinds.
const (
	NotifyEvidenceMatched = "EvidenceMatched"
)

// Event is one entry in a job's progress stream. Events are ordered FIFO
// per (seller, job); cross-job ordering is not guaranteed.
type Event struct {
	SellerID   uuid.UUID  `json:"seller_id"`
	JobID      uuid.UUID  `json:"job_id"`
	Type       EventType  `json:"type"`
	Current    int        `json:"current,omitempty"`
	Total      int        `json:"total,omitempty"`
	ReportType ReportType `json:"report_type,omitempty"`
	Status     TaskStatus `json:"status,omitempty"`
	Level      LogLevel   `json:"level,omitempty"`
	Message    string     `json:"message,omitempty"`
	Kind       string     `json:"kind,omitempty"`
	ClaimID    *uuid.UUID `json:"claim_id,omitempty"`
	DocumentID *uuid.UUID `json:"document_id,omitempty"`
	At         time.Time  `json:"at"`
}
