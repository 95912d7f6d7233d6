package candidates

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/recoup-ai/recoup/internal/model"
)

func record(rt model.RecordType, meta map[string]any) model.LedgerRecord {
	return model.LedgerRecord{
		ID:         uuid.New(),
		SellerID:   uuid.New(),
		RecordType: rt,
		Currency:   "USD",
		RecordDate: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
		Metadata:   meta,
	}
}

func TestFeeAnomaly(t *testing.T) {
	rec := record(model.RecordOrder, map[string]any{"total_fees": "4.20", "order_id": "111-2222222-3333333"})
	rec.ReportType = model.ReportOrders

	out := FromRecord(rec)
	if len(out) != 1 {
		t.Fatalf("got %d candidates, want 1", len(out))
	}
	c := out[0]
	if c.Rule != RuleFeeAnomaly {
		t.Errorf("rule = %s", c.Rule)
	}
	if c.Category != model.CategoryFeeError || c.Subcategory != model.SubcategoryOrderFee {
		t.Errorf("classification = %s/%s", c.Category, c.Subcategory)
	}
	if c.ReasonCode != model.ReasonFeeOvercharge {
		t.Errorf("reason = %s", c.ReasonCode)
	}
	if !c.Amount.Equal(decimal.RequireFromString("4.20")) {
		t.Errorf("amount = %s", c.Amount)
	}
	if c.Identifiers.OrderID == nil || *c.Identifiers.OrderID != "111-2222222-3333333" {
		t.Errorf("identifiers = %+v", c.Identifiers)
	}
	if c.SourceRecordID != rec.ID {
		t.Error("source record id not carried")
	}
	if want := rec.RecordDate.Add(model.ClaimDeadline); !c.DeadlineDate.Equal(want) {
		t.Errorf("deadline = %s, want %s", c.DeadlineDate, want)
	}
}

func TestFeeAnomalyZeroFees(t *testing.T) {
	rec := record(model.RecordOrder, map[string]any{"total_fees": "0"})
	if out := FromRecord(rec); len(out) != 0 {
		t.Fatalf("zero fees emitted %d candidates", len(out))
	}
}

func TestInventoryLossEstimatedPrice(t *testing.T) {
	rec := record(model.RecordShipment, map[string]any{
		"missing_quantity": "3",
		"shipment_id":      "FBA12345678",
	})
	out := FromRecord(rec)
	if len(out) != 1 {
		t.Fatalf("got %d candidates, want 1", len(out))
	}
	c := out[0]
	if c.Subcategory != model.SubcategoryLostShipment {
		t.Errorf("subcategory = %s", c.Subcategory)
	}
	if !c.Amount.Equal(decimal.NewFromInt(30)) {
		t.Errorf("amount = %s, want 3 x default price 10", c.Amount)
	}
	if c.Evidence["price_estimated"] != true {
		t.Error("price_estimated flag missing")
	}
}

func TestInventoryLossDamaged(t *testing.T) {
	rec := record(model.RecordShipment, map[string]any{
		"missing_quantity": "2",
		"unit_price":       "7.50",
		"status":           "DAMAGED_AT_FC",
	})
	out := FromRecord(rec)
	if len(out) != 1 {
		t.Fatalf("got %d candidates, want 1", len(out))
	}
	c := out[0]
	if c.Subcategory != model.SubcategoryDamagedGoods {
		t.Errorf("subcategory = %s", c.Subcategory)
	}
	if !c.Amount.Equal(decimal.NewFromInt(15)) {
		t.Errorf("amount = %s", c.Amount)
	}
	if _, estimated := c.Evidence["price_estimated"]; estimated {
		t.Error("real unit price flagged as estimated")
	}
}

func TestReturnDiscrepancy(t *testing.T) {
	rec := record(model.RecordReturn, map[string]any{"refund_amount": "9.99", "rma_number": "RMA-1"})
	out := FromRecord(rec)
	if len(out) != 1 {
		t.Fatalf("got %d candidates, want 1", len(out))
	}
	c := out[0]
	if c.ReasonCode != model.ReasonRefundDiscrepancy {
		t.Errorf("reason = %s", c.ReasonCode)
	}
	if c.Identifiers.RMANumber == nil || *c.Identifiers.RMANumber != "RMA-1" {
		t.Errorf("identifiers = %+v", c.Identifiers)
	}
}

func TestSettlementFee(t *testing.T) {
	rec := record(model.RecordSettlement, map[string]any{"fees": "1.25"})
	out := FromRecord(rec)
	if len(out) != 1 {
		t.Fatalf("got %d candidates, want 1", len(out))
	}
	if out[0].Subcategory != model.SubcategorySettlementFee {
		t.Errorf("subcategory = %s", out[0].Subcategory)
	}
	if out[0].ReasonCode != model.ReasonSettlementFee {
		t.Errorf("reason = %s", out[0].ReasonCode)
	}
}

func TestAtMostOnePerRule(t *testing.T) {
	// An order row that also carries return-ish fields still yields only the
	// order rule; rules key off the record type.
	rec := record(model.RecordOrder, map[string]any{
		"total_fees":    "1.00",
		"refund_amount": "2.00",
		"fees":          "3.00",
	})
	out := FromRecord(rec)
	if len(out) != 1 || out[0].Rule != RuleFeeAnomaly {
		t.Fatalf("candidates = %+v", out)
	}
}
