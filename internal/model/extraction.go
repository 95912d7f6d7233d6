package model

import "encoding/json"

// Extraction is the identifier set the parser service pulled out of one
// document. Parsers emit singular and plural key forms interchangeably
// ("order_id" vs "order_ids"); decoding merges both into the plural slices.
type Extraction struct {
	OrderIDs           []string `json:"order_ids,omitempty"`
	TransactionIDs     []string `json:"transaction_ids,omitempty"`
	ReimbursementIDs   []string `json:"reimbursement_ids,omitempty"`
	CaseIDs            []string `json:"case_ids,omitempty"`
	TrackingNumbers    []string `json:"tracking_numbers,omitempty"`
	ShipmentIDs        []string `json:"shipment_ids,omitempty"`
	RemovalOrderIDs    []string `json:"removal_order_ids,omitempty"`
	AmazonReferenceIDs []string `json:"amazon_reference_ids,omitempty"`
	RMANumbers         []string `json:"rma_numbers,omitempty"`
	LPNs               []string `json:"lpns,omitempty"`
	FNSKUs             []string `json:"fnskus,omitempty"`
	ASINs              []string `json:"asins,omitempty"`
	SKUs               []string `json:"skus,omitempty"`
	UPCs               []string `json:"upcs,omitempty"`
	BOLNumbers         []string `json:"bol_numbers,omitempty"`
	InvoiceNumbers     []string `json:"invoice_numbers,omitempty"`
	PONumbers          []string `json:"po_numbers,omitempty"`

	// RelatedEventIDs are order ids of events the document references
	// indirectly. They feed the order_id family in the index.
	RelatedEventIDs []string `json:"related_event_ids,omitempty"`
}

// extractionKeys maps each family to the singular and plural JSON keys the
// parser may use for it.
var extractionKeys = map[MatchType][2]string{
	MatchOrderID:           {"order_id", "order_ids"},
	MatchTransactionID:     {"transaction_id", "transaction_ids"},
	MatchReimbursementID:   {"reimbursement_id", "reimbursement_ids"},
	MatchCaseID:            {"case_id", "case_ids"},
	MatchTrackingNumber:    {"tracking_number", "tracking_numbers"},
	MatchShipmentID:        {"shipment_id", "shipment_ids"},
	MatchRemovalOrderID:    {"removal_order_id", "removal_order_ids"},
	MatchAmazonReferenceID: {"amazon_reference_id", "amazon_reference_ids"},
	MatchRMANumber:         {"rma_number", "rma_numbers"},
	MatchLPN:               {"lpn", "lpns"},
	MatchFNSKU:             {"fnsku", "fnskus"},
	MatchASIN:              {"asin", "asins"},
	MatchSKU:               {"sku", "skus"},
	MatchUPC:               {"upc", "upcs"},
	MatchBOLNumber:         {"bol_number", "bol_numbers"},
	MatchInvoiceNumber:     {"invoice_number", "invoice_numbers"},
	MatchPONumber:          {"po_number", "po_numbers"},
}

// UnmarshalJSON accepts singular string fields, plural array fields, or both,
// merging everything into the plural slices.
func (e *Extraction) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	for mt, keys := range extractionKeys {
		vals := append(decodeStrings(raw[keys[0]]), decodeStrings(raw[keys[1]])...)
		if len(vals) > 0 {
			e.setValues(mt, vals)
		}
	}
	if vals := decodeStrings(raw["related_event_ids"]); len(vals) > 0 {
		e.RelatedEventIDs = vals
	}
	return nil
}

// decodeStrings interprets a raw JSON value as either a string or an array
// of strings. Anything else is skipped; parser output is best-effort.
func decodeStrings(raw json.RawMessage) []string {
	if len(raw) == 0 {
		return nil
	}
	var one string
	if err := json.Unmarshal(raw, &one); err == nil {
		if one == "" {
			return nil
		}
		return []string{one}
	}
	var many []string
	if err := json.Unmarshal(raw, &many); err == nil {
		out := many[:0]
		for _, v := range many {
			if v != "" {
				out = append(out, v)
			}
		}
		return out
	}
	return nil
}

// Values returns the extracted values for a family.
func (e Extraction) Values(mt MatchType) []string {
	switch mt {
	case MatchOrderID:
		return e.OrderIDs
	case MatchTransactionID:
		return e.TransactionIDs
	case MatchReimbursementID:
		return e.ReimbursementIDs
	case MatchCaseID:
		return e.CaseIDs
	case MatchTrackingNumber:
		return e.TrackingNumbers
	case MatchShipmentID:
		return e.ShipmentIDs
	case MatchRemovalOrderID:
		return e.RemovalOrderIDs
	case MatchAmazonReferenceID:
		return e.AmazonReferenceIDs
	case MatchRMANumber:
		return e.RMANumbers
	case MatchLPN:
		return e.LPNs
	case MatchFNSKU:
		return e.FNSKUs
	case MatchASIN:
		return e.ASINs
	case MatchSKU:
		return e.SKUs
	case MatchUPC:
		return e.UPCs
	case MatchBOLNumber:
		return e.BOLNumbers
	case MatchInvoiceNumber:
		return e.InvoiceNumbers
	case MatchPONumber:
		return e.PONumbers
	}
	return nil
}

func (e *Extraction) setValues(mt MatchType, vals []string) {
	switch mt {
	case MatchOrderID:
		e.OrderIDs = vals
	case MatchTransactionID:
		e.TransactionIDs = vals
	case MatchReimbursementID:
		e.ReimbursementIDs = vals
	case MatchCaseID:
		e.CaseIDs = vals
	case MatchTrackingNumber:
		e.TrackingNumbers = vals
	case MatchShipmentID:
		e.ShipmentIDs = vals
	case MatchRemovalOrderID:
		e.RemovalOrderIDs = vals
	case MatchAmazonReferenceID:
		e.AmazonReferenceIDs = vals
	case MatchRMANumber:
		e.RMANumbers = vals
	case MatchLPN:
		e.LPNs = vals
	case MatchFNSKU:
		e.FNSKUs = vals
	case MatchASIN:
		e.ASINs = vals
	case MatchSKU:
		e.SKUs = vals
	case MatchUPC:
		e.UPCs = vals
	case MatchBOLNumber:
		e.BOLNumbers = vals
	case MatchInvoiceNumber:
		e.InvoiceNumbers = vals
	case MatchPONumber:
		e.PONumbers = vals
	}
}

// Merge returns a copy of e with vals appended to the given family,
// preserving order and dropping duplicates.
func (e Extraction) Merge(mt MatchType, vals []string) Extraction {
	if len(vals) == 0 {
		return e
	}
	existing := e.Values(mt)
	seen := make(map[string]bool, len(existing))
	merged := make([]string, 0, len(existing)+len(vals))
	for _, v := range existing {
		if !seen[v] {
			seen[v] = true
			merged = append(merged, v)
		}
	}
	for _, v := range vals {
		if v != "" && !seen[v] {
			seen[v] = true
			merged = append(merged, v)
		}
	}
	e.setValues(mt, merged)
	return e
}

// Empty reports whether no family has any value.
func (e Extraction) Empty() bool {
	for _, mt := range MatchPriority {
		if len(e.Values(mt)) > 0 {
			return false
		}
	}
	return len(e.RelatedEventIDs) == 0
}
