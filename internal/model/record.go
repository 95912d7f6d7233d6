package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ReportType names one of the provider report feeds a sync job downloads.
type ReportType string

const (
	ReportOrders               ReportType = "orders"
	ReportReturns              ReportType = "returns"
	ReportSettlements          ReportType = "settlements"
	ReportFeePreview           ReportType = "fee_preview"
	ReportShipments            ReportType = "shipments"
	ReportInventoryAdjustments ReportType = "inventory_adjustments"
	ReportReimbursements       ReportType = "reimbursements"
)

// AllReportTypes returns the full report set in sync order.
func AllReportTypes() []ReportType {
	return []ReportType{
		ReportOrders,
		ReportReturns,
		ReportSettlements,
		ReportFeePreview,
		ReportShipments,
		ReportInventoryAdjustments,
		ReportReimbursements,
	}
}

// Valid reports whether r is a known report type.
func (r ReportType) Valid() bool {
	for _, t := range AllReportTypes() {
		if r == t {
			return true
		}
	}
	return false
}

// RecordType classifies a canonical ledger row.
type RecordType string

const (
	RecordOrder         RecordType = "order"
	RecordReturn        RecordType = "return"
	RecordSettlement    RecordType = "settlement"
	RecordFee           RecordType = "fee"
	RecordShipment      RecordType = "shipment"
	RecordAdjustment    RecordType = "adjustment"
	RecordReimbursement RecordType = "reimbursement"
)

// LedgerRecord is one canonical row in the unified ledger. Uniqueness is
// (seller, report_type, external_id) when an external id is present.
type LedgerRecord struct {
	ID          uuid.UUID       `json:"id"`
	SellerID    uuid.UUID       `json:"seller_id"`
	ReportType  ReportType      `json:"report_type"`
	RecordType  RecordType      `json:"record_type"`
	Amount      decimal.Decimal `json:"amount"`
	Currency    string          `json:"currency"`
	RecordDate  time.Time       `json:"record_date"`
	SKU         *string         `json:"sku,omitempty"`
	OrderID     *string         `json:"order_id,omitempty"`
	Description *string         `json:"description,omitempty"`
	Source      string          `json:"source"`
	ExternalID  *string         `json:"external_id,omitempty"`
	Metadata    map[string]any  `json:"metadata,omitempty"`
	WindowStart *time.Time      `json:"window_start,omitempty"`
	WindowEnd   *time.Time      `json:"window_end,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// SyncState is the per-(seller, report_type) sync lifecycle.
type SyncState string

const (
	SyncPending    SyncState = "pending"
	SyncInProgress SyncState = "in_progress"
	SyncCompleted  SyncState = "completed"
	SyncFailed     SyncState = "failed"
)

// SyncStatus summarizes the latest sync of one report type for one seller.
// It is written in the same transaction as the records it describes, so a
// reader never sees completed without the records being queryable.
type SyncStatus struct {
	SellerID         uuid.UUID  `json:"seller_id"`
	ReportType       ReportType `json:"report_type"`
	State            SyncState  `json:"state"`
	RecordsProcessed int        `json:"records_processed"`
	RecordsTotal     int        `json:"records_total"`
	WindowStart      *time.Time `json:"window_start,omitempty"`
	WindowEnd        *time.Time `json:"window_end,omitempty"`
	LastError        *string    `json:"last_error,omitempty"`
	UpdatedAt        time.Time  `json:"updated_at"`
}
