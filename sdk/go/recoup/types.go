package recoup

import (
	"time"

	"github.com/google/uuid"
)

// Monetary amounts are decimal strings (e.g. "12.50") to avoid float
// rounding; parse with a decimal library if arithmetic is needed.

// Connection is a seller's link to a marketplace provider, credentials
// masked.
type Connection struct {
	ID        uuid.UUID  `json:"id"`
	Provider  string     `json:"provider"`
	Scopes    []string   `json:"scopes"`
	Status    string     `json:"status"`
	LastOKAt  *time.Time `json:"last_ok_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// Credentials is the bundle sent when creating a connection.
type Credentials struct {
	AccessToken  string            `json:"access_token"`
	RefreshToken string            `json:"refresh_token,omitempty"`
	ExpiresAt    *time.Time        `json:"expires_at,omitempty"`
	Extra        map[string]string `json:"extra,omitempty"`
}

// CreateConnectionRequest is the body for CreateConnection.
type CreateConnectionRequest struct {
	Provider    string      `json:"provider"`
	Credentials Credentials `json:"credentials"`
	Scopes      []string    `json:"scopes,omitempty"`
}

// Job states.
const (
	JobQueued    = "queued"
	JobRunning   = "running"
	JobCompleted = "completed"
	JobFailed    = "failed"
	JobCancelled = "cancelled"
)

// Job is a background sync, matching or document ingest job.
type Job struct {
	ID              uuid.UUID  `json:"id"`
	SellerID        uuid.UUID  `json:"seller_id"`
	Kind            string     `json:"job_kind"`
	Priority        int        `json:"priority"`
	State           string     `json:"state"`
	WindowStart     *time.Time `json:"window_start,omitempty"`
	WindowEnd       *time.Time `json:"window_end,omitempty"`
	ReportTypes     []string   `json:"report_types"`
	ProgressCurrent int        `json:"progress_current"`
	ProgressTotal   int        `json:"progress_total"`
	Attempts        int        `json:"attempts"`
	LastError       *string    `json:"last_error,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// Enqueued acknowledges an accepted background job.
type Enqueued struct {
	JobID uuid.UUID `json:"job_id"`
	State string    `json:"state"`
}

// StartSyncRequest is the body for StartSync. Nil fields fall back to
// server-side defaults.
type StartSyncRequest struct {
	Priority     *int     `json:"priority,omitempty"`
	WindowMonths *int     `json:"window_months,omitempty"`
	ReportTypes  []string `json:"report_types,omitempty"`
}

// SyncStatus summarizes the latest sync of one report type.
type SyncStatus struct {
	ReportType       string     `json:"report_type"`
	State            string     `json:"state"`
	RecordsProcessed int        `json:"records_processed"`
	RecordsTotal     int        `json:"records_total"`
	WindowStart      *time.Time `json:"window_start,omitempty"`
	WindowEnd        *time.Time `json:"window_end,omitempty"`
	LastError        *string    `json:"last_error,omitempty"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// Record is one canonical ledger row.
type Record struct {
	ID          uuid.UUID      `json:"id"`
	ReportType  string         `json:"report_type"`
	RecordType  string         `json:"record_type"`
	Amount      string         `json:"amount"`
	Currency    string         `json:"currency"`
	RecordDate  time.Time      `json:"record_date"`
	SKU         *string        `json:"sku,omitempty"`
	OrderID     *string        `json:"order_id,omitempty"`
	Description *string        `json:"description,omitempty"`
	Source      string         `json:"source"`
	ExternalID  *string        `json:"external_id,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// Claim states.
const (
	ClaimPending  = "pending"
	ClaimReviewed = "reviewed"
	ClaimDisputed = "disputed"
	ClaimResolved = "resolved"
)

// Claim is a recoverable revenue-loss candidate.
type Claim struct {
	ID             uuid.UUID         `json:"id"`
	State          string            `json:"state"`
	Category       string            `json:"category"`
	Subcategory    string            `json:"subcategory"`
	ReasonCode     string            `json:"reason_code"`
	Amount         string            `json:"amount"`
	Currency       string            `json:"currency"`
	Identifiers    map[string]string `json:"identifiers"`
	ConfidenceSeed float64           `json:"confidence_seed"`
	Evidence       map[string]any    `json:"evidence,omitempty"`
	Rule           string            `json:"rule"`
	DiscoveryDate  time.Time         `json:"discovery_date"`
	DeadlineDate   time.Time         `json:"deadline_date"`
}

// ClaimDetail is a claim with its match results and evidence links.
type ClaimDetail struct {
	Claim         Claim          `json:"claim"`
	DaysRemaining int            `json:"days_remaining"`
	Matches       []Match        `json:"matches,omitempty"`
	Links         []EvidenceLink `json:"links,omitempty"`
}

// Match is one scored claim/document pair with its routed action.
type Match struct {
	ClaimID         uuid.UUID `json:"claim_id"`
	DocumentID      uuid.UUID `json:"document_id"`
	MatchType       string    `json:"match_type"`
	MatchedFields   []string  `json:"matched_fields"`
	RuleScore       float64   `json:"rule_score"`
	MLScore         *float64  `json:"ml_score,omitempty"`
	FinalConfidence float64   `json:"final_confidence"`
	Reasoning       string    `json:"reasoning"`
	Action          string    `json:"action"`
	CreatedAt       time.Time `json:"created_at"`
}

// EvidenceLink ties a document to a claim with a provenance kind.
type EvidenceLink struct {
	ClaimID    uuid.UUID `json:"claim_id"`
	DocumentID uuid.UUID `json:"document_id"`
	LinkKind   string    `json:"link_kind"`
	CreatedAt  time.Time `json:"created_at"`
}

// Document is an ingested evidence document.
type Document struct {
	ID               uuid.UUID `json:"id"`
	Provider         string    `json:"provider"`
	Filename         string    `json:"filename"`
	DocType          string    `json:"doc_type"`
	ParserStatus     string    `json:"parser_status"`
	ParserConfidence *float64  `json:"parser_confidence,omitempty"`
	ContentSize      int       `json:"content_size"`
	ExternalRef      *string   `json:"external_ref,omitempty"`
	IngestedAt       time.Time `json:"ingested_at"`
}

// Prompt answer options.
const (
	AnswerYes    = "yes"
	AnswerNo     = "no"
	AnswerReview = "review"
)

// Prompt is a yes/no/review question asking the seller to confirm a
// mid-confidence evidence match.
type Prompt struct {
	ID         uuid.UUID `json:"id"`
	ClaimID    uuid.UUID `json:"claim_id"`
	DocumentID uuid.UUID `json:"document_id"`
	Question   string    `json:"question"`
	Options    []string  `json:"options"`
	Status     string    `json:"status"`
	Answer     *string   `json:"answer,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// Dispute is an auto-submitted (or confirmed) claim case tracked against the
// provider.
type Dispute struct {
	ID            uuid.UUID `json:"id"`
	ClaimID       uuid.UUID `json:"claim_id"`
	FilingStatus  string    `json:"filing_status"`
	SubmissionRef *string   `json:"submission_ref,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// Event is one entry in a job's progress stream.
type Event struct {
	JobID      uuid.UUID  `json:"job_id"`
	Type       string     `json:"type"`
	Current    int        `json:"current,omitempty"`
	Total      int        `json:"total,omitempty"`
	ReportType string     `json:"report_type,omitempty"`
	Status     string     `json:"status,omitempty"`
	Level      string     `json:"level,omitempty"`
	Message    string     `json:"message,omitempty"`
	Kind       string     `json:"kind,omitempty"`
	ClaimID    *uuid.UUID `json:"claim_id,omitempty"`
	At         time.Time  `json:"at"`
}

// Health is the server's health status.
type Health struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Uptime  string `json:"uptime"`
}
