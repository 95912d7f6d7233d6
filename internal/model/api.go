package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Field length limits on caller-controlled input. These keep a single
// oversized field from filling Postgres TEXT columns with garbage.
const (
	MaxProviderLen = 64
	MaxNameLen     = 200
	MaxQuestionLen = 2 * 1024
)

// APIResponse is the standard response envelope for all HTTP API responses.
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
}

// ListResponse is the standard envelope for paginated list endpoints.
type ListResponse struct {
	Data    any          `json:"data"`
	Total   *int         `json:"total,omitempty"`
	HasMore bool         `json:"has_more"`
	Limit   int          `json:"limit"`
	Offset  int          `json:"offset"`
	Meta    ResponseMeta `json:"meta"`
}

// APIError is the standard error response envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ResponseMeta contains request metadata included in every response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorDetail describes an API error.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// ErrorCode constants for standard API error codes.
const (
	ErrCodeInvalidInput  = "INVALID_INPUT"
	ErrCodeUnauthorized  = "UNAUTHORIZED"
	ErrCodeForbidden     = "FORBIDDEN"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeConflict      = "CONFLICT"
	ErrCodeInternalError = "INTERNAL_ERROR"
	ErrCodeRateLimited   = "RATE_LIMITED"
	ErrCodeUnavailable   = "UNAVAILABLE"
)

// AuthTokenRequest is the body for POST /auth/token.
type AuthTokenRequest struct {
	SellerID string `json:"seller_id"`
	APIKey   string `json:"api_key"`
}

// AuthTokenResponse is the response for POST /auth/token.
type AuthTokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// CreateConnectionRequest is the body for POST /v1/connections.
type CreateConnectionRequest struct {
	Provider    string           `json:"provider"`
	Credentials CredentialBundle `json:"credentials"`
	Scopes      []string         `json:"scopes,omitempty"`
}

// Validate checks required fields and length limits.
func (r CreateConnectionRequest) Validate() error {
	if r.Provider == "" {
		return fmt.Errorf("provider is required")
	}
	if len(r.Provider) > MaxProviderLen {
		return fmt.Errorf("provider exceeds maximum length of %d characters", MaxProviderLen)
	}
	if r.Credentials.AccessToken == "" {
		return fmt.Errorf("credentials.access_token is required")
	}
	return nil
}

// StartSyncRequest is the body for POST /v1/sync/jobs.
type StartSyncRequest struct {
	Priority     *int         `json:"priority,omitempty"`
	WindowMonths *int         `json:"window_months,omitempty"`
	ReportTypes  []ReportType `json:"report_types,omitempty"`
}

// Validate checks bounds; zero values fall back to configured defaults.
func (r StartSyncRequest) Validate() error {
	if r.Priority != nil && (*r.Priority < 0 || *r.Priority > 100) {
		return fmt.Errorf("priority must be between 0 and 100")
	}
	if r.WindowMonths != nil && (*r.WindowMonths < 1 || *r.WindowMonths > 60) {
		return fmt.Errorf("window_months must be between 1 and 60")
	}
	for _, rt := range r.ReportTypes {
		if !rt.Valid() {
			return fmt.Errorf("unknown report type %q", rt)
		}
	}
	return nil
}

// AnswerPromptRequest is the body for POST /v1/prompts/{id}/answer.
type AnswerPromptRequest struct {
	Answer string `json:"answer"`
}

// Validate requires one of the three fixed options.
func (r AnswerPromptRequest) Validate() error {
	switch r.Answer {
	case PromptAnswerYes, PromptAnswerNo, PromptAnswerReview:
		return nil
	}
	return fmt.Errorf("answer must be one of yes, no, review")
}

// UpdateFilingRequest is the body for POST /v1/disputes/{id}/filing.
type UpdateFilingRequest struct {
	Status        FilingStatus `json:"status"`
	SubmissionRef *string      `json:"submission_ref,omitempty"`
}

// Validate requires a known filing status.
func (r UpdateFilingRequest) Validate() error {
	switch r.Status {
	case FilingPending, FilingSubmitted, FilingAccepted, FilingRejected:
		return nil
	}
	return fmt.Errorf("status must be one of pending, submitted, accepted, rejected")
}

// EnqueuedResponse acknowledges an accepted background job.
type EnqueuedResponse struct {
	JobID uuid.UUID `json:"job_id"`
	State JobState  `json:"state"`
}

// ConnectionResponse is a SourceConnection with credentials masked.
type ConnectionResponse struct {
	ID        uuid.UUID        `json:"id"`
	Provider  string           `json:"provider"`
	Scopes    []string         `json:"scopes"`
	Status    ConnectionStatus `json:"status"`
	LastOKAt  *time.Time       `json:"last_ok_at,omitempty"`
	CreatedAt time.Time        `json:"created_at"`
}

// MaskConnection strips credential material for API responses.
func MaskConnection(c SourceConnection) ConnectionResponse {
	return ConnectionResponse{
		ID:        c.ID,
		Provider:  c.Provider,
		Scopes:    c.Scopes,
		Status:    c.Status,
		LastOKAt:  c.LastOKAt,
		CreatedAt: c.CreatedAt,
	}
}

// ClaimDetail is a candidate plus its matching output.
type ClaimDetail struct {
	Claim         ClaimCandidate `json:"claim"`
	DaysRemaining int            `json:"days_remaining"`
	Matches       []MatchResult  `json:"matches,omitempty"`
	Links         []EvidenceLink `json:"links,omitempty"`
}

// HealthResponse is the GET /health body.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Uptime  string `json:"uptime"`
}
