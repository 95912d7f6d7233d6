package model

import (
	"time"

	"github.com/google/uuid"
)

// ParserStatus is the remote parser lifecycle for one document.
type ParserStatus string

const (
	ParsePending    ParserStatus = "pending"
	ParseProcessing ParserStatus = "processing"
	ParseCompleted  ParserStatus = "completed"
	ParseFailed     ParserStatus = "failed"
)

// EvidenceDocument is an ingested document plus whatever the parser
// extracted from it. Parser fields are populated asynchronously.
type EvidenceDocument struct {
	ID               uuid.UUID    `json:"id"`
	SellerID         uuid.UUID    `json:"seller_id"`
	Provider         string       `json:"provider"`
	Filename         string       `json:"filename"`
	DocType          string       `json:"doc_type"`
	ParserStatus     ParserStatus `json:"parser_status"`
	ParserConfidence *float64     `json:"parser_confidence,omitempty"`
	ParseJobID       *string      `json:"parse_job_id,omitempty"`
	Extracted        Extraction   `json:"extracted"`
	RawText          *string      `json:"raw_text,omitempty"`
	ContentSize      int          `json:"content_size"`
	ExternalRef      *string      `json:"external_ref,omitempty"`
	IngestedAt       time.Time    `json:"ingested_at"`
	UpdatedAt        time.Time    `json:"updated_at"`
}
