package normalize

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/recoup-ai/recoup/internal/fault"
	"github.com/recoup-ai/recoup/internal/model"
)

var (
	testSeller = uuid.MustParse("11111111-1111-1111-1111-111111111111")
	testWindow = model.Window{
		Start: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC),
	}
	testNow = time.Date(2024, 4, 15, 12, 0, 0, 0, time.UTC)
)

func TestNormalizeOrders(t *testing.T) {
	rows := []map[string]string{
		{
			"Amazon-Order-ID": " 111-2222222-3333333 ",
			"Purchase-Date":   "2024-02-10",
			"Item-Price":      "$1,234.56",
			"SKU":             "WIDGET-1",
			"total-fees":      "12.50",
		},
	}
	records, errs := Normalize(testSeller, "amazon", model.ReportOrders, rows, testWindow, testNow)
	if len(errs) != 0 {
		t.Fatalf("unexpected row errors: %v", errs)
	}
	if len(records) != 1 {
		t.Fatalf("got %d records, want 1", len(records))
	}

	r := records[0]
	if r.RecordType != model.RecordOrder {
		t.Errorf("record type = %s", r.RecordType)
	}
	if !r.Amount.Equal(decimal.RequireFromString("1234.56")) {
		t.Errorf("amount = %s", r.Amount)
	}
	if r.Currency != "USD" {
		t.Errorf("currency = %s, want implicit USD", r.Currency)
	}
	if r.ExternalID == nil || *r.ExternalID != "111-2222222-3333333" {
		t.Errorf("external id = %v", r.ExternalID)
	}
	if r.SKU == nil || *r.SKU != "WIDGET-1" {
		t.Errorf("sku = %v", r.SKU)
	}
	if want := time.Date(2024, 2, 10, 0, 0, 0, 0, time.UTC); !r.RecordDate.Equal(want) {
		t.Errorf("record date = %s", r.RecordDate)
	}
	if got := r.Metadata["total_fees"]; got != "12.5" {
		t.Errorf("metadata total_fees = %v", got)
	}
	if _, degraded := r.Metadata["degraded_date"]; degraded {
		t.Error("date should not be degraded")
	}
}

func TestNormalizeBadAmount(t *testing.T) {
	rows := []map[string]string{
		{"order_id": "A", "purchase_date": "2024-02-10", "item_price": "not-a-number"},
		{"order_id": "B", "purchase_date": "2024-02-11", "item_price": "5.00"},
	}
	records, errs := Normalize(testSeller, "amazon", model.ReportOrders, rows, testWindow, testNow)
	if len(records) != 1 {
		t.Fatalf("got %d records, want 1 surviving row", len(records))
	}
	if len(errs) != 1 {
		t.Fatalf("got %d errors, want 1", len(errs))
	}
	if errs[0].Reason != ReasonInvalidField || errs[0].Index != 0 {
		t.Errorf("error = %+v", errs[0])
	}
	if !fault.IsKind(errs[0].Err, fault.Validation) {
		t.Errorf("error kind = %v", fault.KindOf(errs[0].Err))
	}
}

func TestNormalizeDegradedDate(t *testing.T) {
	rows := []map[string]string{
		{"order_id": "A", "purchase_date": "sometime last spring", "item_price": "1.00"},
	}
	records, errs := Normalize(testSeller, "amazon", model.ReportOrders, rows, testWindow, testNow)
	if len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	r := records[0]
	if !r.RecordDate.Equal(testNow) {
		t.Errorf("record date = %s, want ingestion time", r.RecordDate)
	}
	if r.Metadata["degraded_date"] != true {
		t.Error("degraded_date flag missing")
	}
}

func TestNormalizeMissingCurrency(t *testing.T) {
	// Settlements are not USD-scoped; a row without currency is rejected.
	rows := []map[string]string{
		{"settlement_id": "S-1", "posted_date": "2024-02-01", "amount": "10.00"},
		{"settlement_id": "S-2", "posted_date": "2024-02-01", "amount": "10.00", "currency": "eur"},
	}
	records, errs := Normalize(testSeller, "amazon", model.ReportSettlements, rows, testWindow, testNow)
	if len(records) != 1 {
		t.Fatalf("got %d records, want 1", len(records))
	}
	if len(errs) != 1 || errs[0].Reason != ReasonMissingCurrency {
		t.Fatalf("errors = %+v", errs)
	}
	if records[0].Currency != "EUR" {
		t.Errorf("currency = %s", records[0].Currency)
	}
}

func TestNormalizeBatchDedup(t *testing.T) {
	rows := []map[string]string{
		{"order_id": "DUP-1", "purchase_date": "2024-02-10", "item_price": "1.00"},
		{"order_id": "DUP-1", "purchase_date": "2024-02-10", "item_price": "2.00"},
	}
	records, errs := Normalize(testSeller, "amazon", model.ReportOrders, rows, testWindow, testNow)
	if len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	if len(records) != 1 {
		t.Fatalf("got %d records, want dedup to 1", len(records))
	}
	if !records[0].Amount.Equal(decimal.RequireFromString("2.00")) {
		t.Errorf("amount = %s, want last occurrence to win", records[0].Amount)
	}
}

func TestNormalizeStableOrder(t *testing.T) {
	rows := []map[string]string{
		{"order_id": "C", "purchase_date": "2024-02-12", "item_price": "1"},
		{"order_id": "A", "purchase_date": "2024-02-10", "item_price": "1"},
		{"order_id": "B", "purchase_date": "2024-02-10", "item_price": "1"},
	}
	records, _ := Normalize(testSeller, "amazon", model.ReportOrders, rows, testWindow, testNow)
	var got []string
	for _, r := range records {
		got = append(got, *r.ExternalID)
	}
	want := []string{"A", "B", "C"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order = %v, want %v", got, want)
		}
	}
}

func TestNormalizeUnknownReportType(t *testing.T) {
	_, errs := Normalize(testSeller, "amazon", model.ReportType("bogus"), nil, testWindow, testNow)
	if len(errs) != 1 || errs[0].Index != -1 {
		t.Fatalf("errors = %+v", errs)
	}
}
