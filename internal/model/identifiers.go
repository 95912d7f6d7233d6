package model

// MatchType names one of the seventeen identifier families the matcher uses.
type MatchType string

const (
	MatchOrderID           MatchType = "order_id"
	MatchTransactionID     MatchType = "transaction_id"
	MatchReimbursementID   MatchType = "reimbursement_id"
	MatchCaseID            MatchType = "case_id"
	MatchTrackingNumber    MatchType = "tracking_number"
	MatchShipmentID        MatchType = "shipment_id"
	MatchRemovalOrderID    MatchType = "removal_order_id"
	MatchAmazonReferenceID MatchType = "amazon_reference_id"
	MatchRMANumber         MatchType = "rma_number"
	MatchLPN               MatchType = "lpn"
	MatchFNSKU             MatchType = "fnsku"
	MatchASIN              MatchType = "asin"
	MatchSKU               MatchType = "sku"
	MatchUPC               MatchType = "upc"
	MatchBOLNumber         MatchType = "bol_number"
	MatchInvoiceNumber     MatchType = "invoice_number"
	MatchPONumber          MatchType = "po_number"
)

// MatchPriority is the matcher's tier order: the first family where a
// candidate has a value and the index has documents wins.
var MatchPriority = []MatchType{
	MatchOrderID,
	MatchTransactionID,
	MatchReimbursementID,
	MatchCaseID,
	MatchTrackingNumber,
	MatchShipmentID,
	MatchRemovalOrderID,
	MatchAmazonReferenceID,
	MatchRMANumber,
	MatchLPN,
	MatchFNSKU,
	MatchASIN,
	MatchSKU,
	MatchUPC,
	MatchBOLNumber,
	MatchInvoiceNumber,
	MatchPONumber,
}

// baselineConfidence assigns the rule score for a match on each family.
var baselineConfidence = map[MatchType]float64{
	MatchOrderID:           0.95,
	MatchTransactionID:     0.92,
	MatchReimbursementID:   0.92,
	MatchCaseID:            0.90,
	MatchTrackingNumber:    0.90,
	MatchShipmentID:        0.90,
	MatchRemovalOrderID:    0.90,
	MatchAmazonReferenceID: 0.88,
	MatchRMANumber:         0.88,
	MatchLPN:               0.85,
	MatchFNSKU:             0.85,
	MatchASIN:              0.85,
	MatchSKU:               0.85,
	MatchUPC:               0.85,
	MatchBOLNumber:         0.82,
	MatchInvoiceNumber:     0.80,
	MatchPONumber:          0.80,
}

// BaselineConfidence returns the rule score for a family, or 0 for an
// unknown one.
func BaselineConfidence(mt MatchType) float64 {
	return baselineConfidence[mt]
}

// Identifiers holds every strong identifier a claim candidate carries. All
// fields are optional; the candidate generator copies whichever the source
// row had.
type Identifiers struct {
	OrderID           *string `json:"order_id,omitempty"`
	TransactionID     *string `json:"transaction_id,omitempty"`
	ReimbursementID   *string `json:"reimbursement_id,omitempty"`
	CaseID            *string `json:"case_id,omitempty"`
	TrackingNumber    *string `json:"tracking_number,omitempty"`
	ShipmentID        *string `json:"shipment_id,omitempty"`
	RemovalOrderID    *string `json:"removal_order_id,omitempty"`
	AmazonReferenceID *string `json:"amazon_reference_id,omitempty"`
	RMANumber         *string `json:"rma_number,omitempty"`
	LPN               *string `json:"lpn,omitempty"`
	FNSKU             *string `json:"fnsku,omitempty"`
	ASIN              *string `json:"asin,omitempty"`
	SKU               *string `json:"sku,omitempty"`
	UPC               *string `json:"upc,omitempty"`
	BOLNumber         *string `json:"bol_number,omitempty"`
	InvoiceNumber     *string `json:"invoice_number,omitempty"`
	PONumber          *string `json:"po_number,omitempty"`
}

// Value returns the candidate's identifier for a family, if set and non-empty.
func (i Identifiers) Value(mt MatchType) (string, bool) {
	var p *string
	switch mt {
	case MatchOrderID:
		p = i.OrderID
	case MatchTransactionID:
		p = i.TransactionID
	case MatchReimbursementID:
		p = i.ReimbursementID
	case MatchCaseID:
		p = i.CaseID
	case MatchTrackingNumber:
		p = i.TrackingNumber
	case MatchShipmentID:
		p = i.ShipmentID
	case MatchRemovalOrderID:
		p = i.RemovalOrderID
	case MatchAmazonReferenceID:
		p = i.AmazonReferenceID
	case MatchRMANumber:
		p = i.RMANumber
	case MatchLPN:
		p = i.LPN
	case MatchFNSKU:
		p = i.FNSKU
	case MatchASIN:
		p = i.ASIN
	case MatchSKU:
		p = i.SKU
	case MatchUPC:
		p = i.UPC
	case MatchBOLNumber:
		p = i.BOLNumber
	case MatchInvoiceNumber:
		p = i.InvoiceNumber
	case MatchPONumber:
		p = i.PONumber
	}
	if p == nil || *p == "" {
		return "", false
	}
	return *p, true
}

// Present lists the families this candidate carries, in priority order.
func (i Identifiers) Present() []MatchType {
	var out []MatchType
	for _, mt := range MatchPriority {
		if _, ok := i.Value(mt); ok {
			out = append(out, mt)
		}
	}
	return out
}

// Set assigns a family value. Unknown families are ignored.
func (i *Identifiers) Set(mt MatchType, value string) {
	if value == "" {
		return
	}
	v := value
	switch mt {
	case MatchOrderID:
		i.OrderID = &v
	case MatchTransactionID:
		i.TransactionID = &v
	case MatchReimbursementID:
		i.ReimbursementID = &v
	case MatchCaseID:
		i.CaseID = &v
	case MatchTrackingNumber:
		i.TrackingNumber = &v
	case MatchShipmentID:
		i.ShipmentID = &v
	case MatchRemovalOrderID:
		i.RemovalOrderID = &v
	case MatchAmazonReferenceID:
		i.AmazonReferenceID = &v
	case MatchRMANumber:
		i.RMANumber = &v
	case MatchLPN:
		i.LPN = &v
	case MatchFNSKU:
		i.FNSKU = &v
	case MatchASIN:
		i.ASIN = &v
	case MatchSKU:
		i.SKU = &v
	case MatchUPC:
		i.UPC = &v
	case MatchBOLNumber:
		i.BOLNumber = &v
	case MatchInvoiceNumber:
		i.InvoiceNumber = &v
	case MatchPONumber:
		i.PONumber = &v
	}
}
