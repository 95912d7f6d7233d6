package model

import (
	"time"

	"github.com/google/uuid"
)

// Action is the router's verdict on one match.
type Action string

const (
	ActionAutoSubmit  Action = "auto_submit"
	ActionSmartPrompt Action = "smart_prompt"
	ActionHold        Action = "hold"
)

// LinkKind classifies a persisted evidence link.
type LinkKind string

const (
	LinkAutoMatch    LinkKind = "auto_match"
	LinkMLSuggested  LinkKind = "ml_suggested"
	LinkManualReview LinkKind = "manual_review"
)

// MatchResult records the matcher's best document for one claim candidate.
// Uniqueness is (claim_id, document_id); re-running the matcher upserts.
type MatchResult struct {
	ClaimID         uuid.UUID  `json:"claim_id"`
	DocumentID      uuid.UUID  `json:"document_id"`
	MatchType       MatchType  `json:"match_type"`
	MatchedFields   []string   `json:"matched_fields"`
	RuleScore       float64    `json:"rule_score"`
	MLScore         *float64   `json:"ml_score,omitempty"`
	FinalConfidence float64    `json:"final_confidence"`
	Reasoning       string     `json:"reasoning"`
	Action          Action     `json:"action"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// EvidenceLink is the durable record that a document supports a claim.
type EvidenceLink struct {
	ClaimID    uuid.UUID `json:"claim_id"`
	DocumentID uuid.UUID `json:"document_id"`
	LinkKind   LinkKind  `json:"link_kind"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// PromptStatus is the smart prompt lifecycle.
type PromptStatus string

const (
	PromptPending   PromptStatus = "pending"
	PromptAnswered  PromptStatus = "answered"
	PromptDismissed PromptStatus = "dismissed"
)

// Smart prompt answers.
const (
	PromptAnswerYes    = "yes"
	PromptAnswerNo     = "no"
	PromptAnswerReview = "review"
)

// DefaultPromptOptions are the three fixed choices every smart prompt offers.
func DefaultPromptOptions() []string {
	return []string{PromptAnswerYes, PromptAnswerNo, PromptAnswerReview}
}

// SmartPrompt asks the seller to confirm a mid-confidence match.
type SmartPrompt struct {
	ID         uuid.UUID    `json:"id"`
	SellerID   uuid.UUID    `json:"seller_id"`
	ClaimID    uuid.UUID    `json:"claim_id"`
	DocumentID uuid.UUID    `json:"document_id"`
	Question   string       `json:"question"`
	Options    []string     `json:"options"`
	Status     PromptStatus `json:"status"`
	Answer     *string      `json:"answer,omitempty"`
	CreatedAt  time.Time    `json:"created_at"`
	UpdatedAt  time.Time    `json:"updated_at"`
}

// FilingStatus is the dispute case lifecycle. The external filer moves cases
// past pending.
type FilingStatus string

const (
	FilingPending   FilingStatus = "pending"
	FilingSubmitted FilingStatus = "submitted"
	FilingAccepted  FilingStatus = "accepted"
	FilingRejected  FilingStatus = "rejected"
)

// DisputeCase is a claim queued for submission to the provider.
type DisputeCase struct {
	ID            uuid.UUID    `json:"id"`
	SellerID      uuid.UUID    `json:"seller_id"`
	ClaimID       uuid.UUID    `json:"claim_id"`
	FilingStatus  FilingStatus `json:"filing_status"`
	SubmissionRef *string      `json:"submission_ref,omitempty"`
	CreatedAt     time.Time    `json:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
}
