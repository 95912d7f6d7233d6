// Package normalize converts raw provider report rows into canonical ledger
// records. Keys are lowercased and trimmed, amounts parsed into decimals,
// dates coerced to UTC, and every cleaned source field is preserved in the
// record metadata so downstream rules can read provider-specific columns.
package normalize

import (
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/recoup-ai/recoup/internal/fault"
	"github.com/recoup-ai/recoup/internal/model"
)

// Reasons attached to row errors.
const (
	ReasonInvalidField    = "InvalidField"
	ReasonMissingCurrency = "MissingCurrency"
)

// RowError reports one rejected input row. The row is dropped; the rest of
// the batch proceeds.
type RowError struct {
	Index  int
	Field  string
	Reason string
	Err    error
}

func (e RowError) Error() string {
	return e.Err.Error()
}

func (e RowError) Unwrap() error { return e.Err }

// dateLayouts are the accepted input date formats, tried in order.
var dateLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
	"01/02/2006",
	"Jan 2, 2006",
}

// mapping describes how one report type's rows become ledger records.
type mapping struct {
	recordType   model.RecordType
	amountKeys   []string
	dateKeys     []string
	externalKeys []string
	// usdScoped report feeds carry implicit USD amounts; everything else
	// must state its currency.
	usdScoped bool
}

var mappings = map[model.ReportType]mapping{
	model.ReportOrders: {
		recordType:   model.RecordOrder,
		amountKeys:   []string{"item_price", "amount", "total"},
		dateKeys:     []string{"purchase_date", "order_date", "date"},
		externalKeys: []string{"order_id", "amazon_order_id", "external_id"},
		usdScoped:    true,
	},
	model.ReportReturns: {
		recordType:   model.RecordReturn,
		amountKeys:   []string{"refund_amount", "amount"},
		dateKeys:     []string{"return_date", "date"},
		externalKeys: []string{"return_id", "order_id", "external_id"},
	},
	model.ReportSettlements: {
		recordType:   model.RecordSettlement,
		amountKeys:   []string{"amount", "total_amount"},
		dateKeys:     []string{"posted_date", "settlement_date", "date"},
		externalKeys: []string{"settlement_id", "transaction_id", "external_id"},
	},
	model.ReportFeePreview: {
		recordType:   model.RecordFee,
		amountKeys:   []string{"estimated_fee_total", "fee_amount", "amount"},
		dateKeys:     []string{"date"},
		externalKeys: []string{"fee_id", "sku", "external_id"},
		usdScoped:    true,
	},
	model.ReportShipments: {
		recordType:   model.RecordShipment,
		amountKeys:   []string{"amount"},
		dateKeys:     []string{"shipment_date", "created_date", "date"},
		externalKeys: []string{"shipment_id", "external_id"},
		usdScoped:    true,
	},
	model.ReportInventoryAdjustments: {
		recordType:   model.RecordAdjustment,
		amountKeys:   []string{"amount"},
		dateKeys:     []string{"adjusted_date", "date"},
		externalKeys: []string{"adjustment_id", "transaction_item_id", "external_id"},
		usdScoped:    true,
	},
	model.ReportReimbursements: {
		recordType:   model.RecordReimbursement,
		amountKeys:   []string{"amount_total", "amount"},
		dateKeys:     []string{"approval_date", "date"},
		externalKeys: []string{"reimbursement_id", "external_id"},
		usdScoped:    true,
	},
}

// numericKeys are metadata fields the claim rules read; when present they are
// validated the same way amounts are so a garbage row fails loudly instead of
// producing a silent zero downstream.
var numericKeys = []string{
	"total_fees", "fees", "refund_amount", "missing_quantity", "unit_price",
	"quantity", "quantity_shipped", "quantity_received",
}

// identifierKeys are source columns copied into metadata verbatim for the
// candidate generator's identifier passthrough.
var identifierKeys = []string{
	"order_id", "transaction_id", "reimbursement_id", "case_id",
	"tracking_number", "shipment_id", "removal_order_id",
	"amazon_reference_id", "rma_number", "lpn", "fnsku", "asin", "sku", "upc",
	"bol_number", "invoice_number", "po_number",
}

// Normalize converts one report download into ledger records. Rows that fail
// validation are dropped and reported; the returned records are sorted by
// (record_date, external_id) so downstream processing is deterministic.
// Cross-window dedup happens at the ledger upsert; Normalize only dedups
// within the batch (last occurrence of an external id wins).
func Normalize(sellerID uuid.UUID, source string, reportType model.ReportType, rows []map[string]string, window model.Window, now time.Time) ([]model.LedgerRecord, []RowError) {
	m, ok := mappings[reportType]
	if !ok {
		return nil, []RowError{{
			Index:  -1,
			Reason: ReasonInvalidField,
			Err:    fault.Newf(fault.Validation, "normalize: unknown report type %q", reportType),
		}}
	}

	now = now.UTC()
	var (
		records []model.LedgerRecord
		errs    []RowError
		byExt   = make(map[string]int)
	)

	for i, raw := range rows {
		row := cleanRow(raw)
		if len(row) == 0 {
			continue
		}

		rec := model.LedgerRecord{
			ID:          uuid.New(),
			SellerID:    sellerID,
			ReportType:  reportType,
			RecordType:  m.recordType,
			Source:      source,
			WindowStart: &window.Start,
			WindowEnd:   &window.End,
			Metadata:    map[string]any{},
		}

		amount, field, err := pickAmount(row, m.amountKeys)
		if err != nil {
			errs = append(errs, RowError{Index: i, Field: field, Reason: ReasonInvalidField, Err: err})
			continue
		}
		rec.Amount = amount

		if err := coerceNumerics(row, rec.Metadata); err != nil {
			field, _ := fault.Field(err, "field").(string)
			errs = append(errs, RowError{Index: i, Field: field, Reason: ReasonInvalidField, Err: err})
			continue
		}

		currency := row["currency"]
		if currency == "" {
			if !m.usdScoped {
				errs = append(errs, RowError{
					Index:  i,
					Field:  "currency",
					Reason: ReasonMissingCurrency,
					Err:    fault.Newf(fault.Validation, "normalize: %s row %d: missing currency", reportType, i),
				})
				continue
			}
			currency = "USD"
		}
		rec.Currency = strings.ToUpper(currency)

		if date, ok := pickDate(row, m.dateKeys); ok {
			rec.RecordDate = date
		} else {
			rec.RecordDate = now
			rec.Metadata["degraded_date"] = true
		}

		if v := firstValue(row, m.externalKeys); v != "" {
			rec.ExternalID = &v
		}
		if v := row["sku"]; v != "" {
			rec.SKU = &v
		}
		if v := firstValue(row, []string{"order_id", "amazon_order_id"}); v != "" {
			rec.OrderID = &v
		}
		if v := firstValue(row, []string{"description", "reason", "detailed_disposition"}); v != "" {
			rec.Description = &v
		}

		for _, key := range identifierKeys {
			if v := row[key]; v != "" {
				rec.Metadata[key] = v
			}
		}
		for key, v := range row {
			if _, taken := rec.Metadata[key]; !taken && v != "" {
				rec.Metadata[key] = v
			}
		}

		if rec.ExternalID != nil {
			if prev, dup := byExt[*rec.ExternalID]; dup {
				records[prev] = rec
				continue
			}
			byExt[*rec.ExternalID] = len(records)
		}
		records = append(records, rec)
	}

	sort.SliceStable(records, func(a, b int) bool {
		ra, rb := records[a], records[b]
		if !ra.RecordDate.Equal(rb.RecordDate) {
			return ra.RecordDate.Before(rb.RecordDate)
		}
		// Keyed records sort before unkeyed ones on equal dates.
		switch {
		case ra.ExternalID == nil && rb.ExternalID == nil:
			return false
		case ra.ExternalID == nil:
			return false
		case rb.ExternalID == nil:
			return true
		}
		return *ra.ExternalID < *rb.ExternalID
	})
	return records, errs
}

// cleanRow lowercases and trims keys, trims values, and folds hyphenated
// provider headers ("amazon-order-id") into snake_case.
func cleanRow(raw map[string]string) map[string]string {
	row := make(map[string]string, len(raw))
	for k, v := range raw {
		k = strings.ToLower(strings.TrimSpace(k))
		k = strings.ReplaceAll(k, "-", "_")
		k = strings.ReplaceAll(k, " ", "_")
		if k == "" {
			continue
		}
		row[k] = strings.TrimSpace(v)
	}
	return row
}

func firstValue(row map[string]string, keys []string) string {
	for _, k := range keys {
		if v := row[k]; v != "" {
			return v
		}
	}
	return ""
}

func pickAmount(row map[string]string, keys []string) (decimal.Decimal, string, error) {
	for _, k := range keys {
		v, present := row[k]
		if !present || v == "" {
			continue
		}
		d, err := parseDecimal(k, v)
		if err != nil {
			return decimal.Zero, k, err
		}
		return d, k, nil
	}
	// A row without an amount column is a zero-amount record, not an error;
	// shipment and adjustment feeds are quantity-only.
	return decimal.Zero, "", nil
}

// parseDecimal accepts plain decimal notation with an optional currency
// symbol and thousands separators stripped.
func parseDecimal(field, value string) (decimal.Decimal, error) {
	cleaned := strings.TrimPrefix(value, "$")
	cleaned = strings.ReplaceAll(cleaned, ",", "")
	d, err := decimal.NewFromString(cleaned)
	if err != nil {
		return decimal.Zero, fault.Wrap(fault.Validation, "normalize: non-numeric value in "+field, err).
			With("field", field)
	}
	return d, nil
}

// coerceNumerics validates the numeric metadata fields the claim rules
// depend on and stores them as decimals.
func coerceNumerics(row map[string]string, meta map[string]any) error {
	for _, k := range numericKeys {
		v, present := row[k]
		if !present || v == "" {
			continue
		}
		d, err := parseDecimal(k, v)
		if err != nil {
			return err
		}
		meta[k] = d.String()
	}
	return nil
}

func pickDate(row map[string]string, keys []string) (time.Time, bool) {
	v := firstValue(row, keys)
	if v == "" {
		return time.Time{}, false
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, v); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}
