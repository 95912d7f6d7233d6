package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ClaimState is the claim lifecycle the confidence router drives:
// pending → reviewed (smart prompt) or disputed (auto submit).
type ClaimState string

const (
	ClaimPending  ClaimState = "pending"
	ClaimReviewed ClaimState = "reviewed"
	ClaimDisputed ClaimState = "disputed"
	ClaimResolved ClaimState = "resolved"
)

// ClaimCategory is the top-level claim classification.
type ClaimCategory string

const (
	CategoryFeeError          ClaimCategory = "fee_error"
	CategoryInventoryLoss     ClaimCategory = "inventory_loss"
	CategoryReturnDiscrepancy ClaimCategory = "return_discrepancy"
)

// Claim subcategories.
const (
	SubcategoryOrderFee       = "order_fee"
	SubcategorySettlementFee  = "settlement_fee"
	SubcategoryLostShipment   = "lost_shipment"
	SubcategoryDamagedGoods   = "damaged_goods"
	SubcategoryRefundMismatch = "refund_mismatch"
)

// Reason codes attached to generated candidates.
const (
	ReasonFeeOvercharge     = "POTENTIAL_FEE_OVERCHARGE"
	ReasonRefundDiscrepancy = "POTENTIAL_REFUND_DISCREPANCY"
	ReasonInventoryLoss     = "POTENTIAL_INVENTORY_LOSS"
	ReasonSettlementFee     = "POTENTIAL_SETTLEMENT_FEE_ERROR"
)

// ClaimDeadline is how long after discovery a claim may still be filed.
const ClaimDeadline = 60 * 24 * time.Hour

// ClaimCandidate is a derived claim awaiting evidence and submission.
// Candidates are keyed by (seller, rule, source_record_id); regenerating
// them is idempotent.
type ClaimCandidate struct {
	ID             uuid.UUID       `json:"id"`
	SellerID       uuid.UUID       `json:"seller_id"`
	Category       ClaimCategory   `json:"category"`
	Subcategory    string          `json:"subcategory"`
	ReasonCode     string          `json:"reason_code"`
	State          ClaimState      `json:"state"`
	Identifiers    Identifiers     `json:"identifiers"`
	Amount         decimal.Decimal `json:"amount"`
	Currency       string          `json:"currency"`
	DiscoveryDate  time.Time       `json:"discovery_date"`
	DeadlineDate   time.Time       `json:"deadline_date"`
	ConfidenceSeed float64         `json:"confidence_seed"`
	Evidence       map[string]any  `json:"evidence,omitempty"`
	Rule           string          `json:"rule"`
	SourceRecordID uuid.UUID       `json:"source_record_id"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// DaysRemaining returns the whole days until the filing deadline, floored
// at zero.
func (c ClaimCandidate) DaysRemaining(now time.Time) int {
	d := c.DeadlineDate.Sub(now)
	if d <= 0 {
		return 0
	}
	return int(d.Hours() / 24)
}
