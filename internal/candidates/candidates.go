// Package candidates derives claim candidates from the unified ledger. Four
// deterministic rules run in a fixed order; a ledger record produces at most
// one candidate per rule, keyed (seller, rule, source_record_id), so a
// regeneration pass converges without duplicates.
package candidates

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/metric"

	"github.com/recoup-ai/recoup/internal/model"
	"github.com/recoup-ai/recoup/internal/storage"
	"github.com/recoup-ai/recoup/internal/telemetry"
)

// Rule names; part of the candidate uniqueness key, so renames are breaking.
const (
	RuleFeeAnomaly        = "fee_anomaly_order"
	RuleInventoryLoss     = "inventory_loss"
	RuleReturnDiscrepancy = "return_discrepancy"
	RuleSettlementFee     = "settlement_fee_anomaly"
)

// defaultUnitPrice fills in for inventory rows that carry no unit price. The
// estimate is flagged in the candidate evidence so a reviewer can correct it.
var defaultUnitPrice = decimal.NewFromInt(10)

// Per-rule confidence seeds carried onto candidates.
var confidenceSeeds = map[string]float64{
	RuleFeeAnomaly:        0.60,
	RuleInventoryLoss:     0.70,
	RuleReturnDiscrepancy: 0.65,
	RuleSettlementFee:     0.55,
}

// Stats summarizes one generation pass.
type Stats struct {
	Scanned int `json:"scanned"`
	Emitted int `json:"emitted"`
	Created int `json:"created"`
	Skipped int `json:"skipped"`
}

// Generator streams a seller's ledger and upserts derived claim candidates.
type Generator struct {
	db       *storage.DB
	logger   *slog.Logger
	pageSize int
	created  metric.Int64Counter
}

// NewGenerator creates a generator. A nil logger falls back to slog.Default.
func NewGenerator(db *storage.DB, logger *slog.Logger) *Generator {
	if logger == nil {
		logger = slog.Default()
	}
	meter := telemetry.Meter("recoup/candidates")
	created, _ := meter.Int64Counter("recoup.candidates.created",
		metric.WithDescription("New claim candidates emitted by ledger scans"),
	)
	return &Generator{db: db, logger: logger, pageSize: 1000, created: created}
}

// Run scans the seller's ledger (optionally restricted to one window) and
// upserts every candidate the rules emit. Existing candidates are left
// untouched and counted as skipped.
func (g *Generator) Run(ctx context.Context, sellerID uuid.UUID, window *model.Window) (Stats, error) {
	var stats Stats
	filter := storage.RecordFilter{Limit: g.pageSize}
	if window != nil {
		filter.From = &window.Start
		filter.To = &window.End
	}

	for {
		records, err := g.db.QueryRecords(ctx, sellerID, filter)
		if err != nil {
			return stats, fmt.Errorf("candidates: query ledger: %w", err)
		}
		if len(records) == 0 {
			break
		}
		stats.Scanned += len(records)

		var batch []model.ClaimCandidate
		for _, rec := range records {
			batch = append(batch, FromRecord(rec)...)
		}
		stats.Emitted += len(batch)

		if len(batch) > 0 {
			created, err := g.db.UpsertCandidates(ctx, batch)
			if err != nil {
				return stats, fmt.Errorf("candidates: upsert: %w", err)
			}
			stats.Created += created
			stats.Skipped += len(batch) - created
		}

		if len(records) < g.pageSize {
			break
		}
		filter.Offset += g.pageSize
	}

	if g.created != nil && stats.Created > 0 {
		g.created.Add(ctx, int64(stats.Created))
	}
	g.logger.Info("candidate generation finished",
		"seller_id", sellerID,
		"scanned", stats.Scanned,
		"emitted", stats.Emitted,
		"created", stats.Created,
		"skipped", stats.Skipped,
	)
	return stats, nil
}

// FromRecord applies every rule to one ledger record, in rule order.
func FromRecord(rec model.LedgerRecord) []model.ClaimCandidate {
	var out []model.ClaimCandidate
	if c, ok := feeAnomaly(rec); ok {
		out = append(out, c)
	}
	if c, ok := inventoryLoss(rec); ok {
		out = append(out, c)
	}
	if c, ok := returnDiscrepancy(rec); ok {
		out = append(out, c)
	}
	if c, ok := settlementFee(rec); ok {
		out = append(out, c)
	}
	return out
}

// feeAnomaly flags order rows whose total fees are positive.
func feeAnomaly(rec model.LedgerRecord) (model.ClaimCandidate, bool) {
	if rec.RecordType != model.RecordOrder {
		return model.ClaimCandidate{}, false
	}
	fees, ok := metaDecimal(rec.Metadata, "total_fees")
	if !ok || !fees.IsPositive() {
		return model.ClaimCandidate{}, false
	}
	c := base(rec, RuleFeeAnomaly)
	c.Category = model.CategoryFeeError
	c.Subcategory = model.SubcategoryOrderFee
	c.ReasonCode = model.ReasonFeeOvercharge
	c.Amount = fees
	return c, true
}

// inventoryLoss flags shipment rows with missing units. The subcategory
// follows the shipment status; amount is missing quantity times unit price.
func inventoryLoss(rec model.LedgerRecord) (model.ClaimCandidate, bool) {
	if rec.RecordType != model.RecordShipment {
		return model.ClaimCandidate{}, false
	}
	missing, ok := metaDecimal(rec.Metadata, "missing_quantity")
	if !ok || !missing.IsPositive() {
		return model.ClaimCandidate{}, false
	}

	c := base(rec, RuleInventoryLoss)
	c.Category = model.CategoryInventoryLoss
	c.ReasonCode = model.ReasonInventoryLoss
	c.Subcategory = model.SubcategoryLostShipment
	if status := metaString(rec.Metadata, "status", "shipment_status"); strings.Contains(strings.ToLower(status), "damag") {
		c.Subcategory = model.SubcategoryDamagedGoods
	}

	price, havePrice := metaDecimal(rec.Metadata, "unit_price")
	if !havePrice || !price.IsPositive() {
		price = defaultUnitPrice
		c.Evidence["price_estimated"] = true
	}
	c.Amount = missing.Mul(price)
	c.Evidence["missing_quantity"] = missing.String()
	c.Evidence["unit_price"] = price.String()
	return c, true
}

// returnDiscrepancy flags return rows carrying a positive refund amount.
func returnDiscrepancy(rec model.LedgerRecord) (model.ClaimCandidate, bool) {
	if rec.RecordType != model.RecordReturn {
		return model.ClaimCandidate{}, false
	}
	refund, ok := metaDecimal(rec.Metadata, "refund_amount")
	if !ok {
		refund = rec.Amount
	}
	if !refund.IsPositive() {
		return model.ClaimCandidate{}, false
	}
	c := base(rec, RuleReturnDiscrepancy)
	c.Category = model.CategoryReturnDiscrepancy
	c.Subcategory = model.SubcategoryRefundMismatch
	c.ReasonCode = model.ReasonRefundDiscrepancy
	c.Amount = refund
	return c, true
}

// settlementFee flags settlement rows with positive fees.
func settlementFee(rec model.LedgerRecord) (model.ClaimCandidate, bool) {
	if rec.RecordType != model.RecordSettlement {
		return model.ClaimCandidate{}, false
	}
	fees, ok := metaDecimal(rec.Metadata, "fees")
	if !ok || !fees.IsPositive() {
		return model.ClaimCandidate{}, false
	}
	c := base(rec, RuleSettlementFee)
	c.Category = model.CategoryFeeError
	c.Subcategory = model.SubcategorySettlementFee
	c.ReasonCode = model.ReasonSettlementFee
	c.Amount = fees
	return c, true
}

// base fills in everything rule-independent: identifiers copied from the
// source row, discovery at the record date, and the sixty-day deadline.
func base(rec model.LedgerRecord, rule string) model.ClaimCandidate {
	c := model.ClaimCandidate{
		ID:             uuid.New(),
		SellerID:       rec.SellerID,
		State:          model.ClaimPending,
		Currency:       rec.Currency,
		DiscoveryDate:  rec.RecordDate,
		DeadlineDate:   rec.RecordDate.Add(model.ClaimDeadline),
		ConfidenceSeed: confidenceSeeds[rule],
		Evidence: map[string]any{
			"report_type": string(rec.ReportType),
		},
		Rule:           rule,
		SourceRecordID: rec.ID,
	}

	for _, mt := range model.MatchPriority {
		if v := metaString(rec.Metadata, string(mt)); v != "" {
			c.Identifiers.Set(mt, v)
		}
	}
	if rec.OrderID != nil {
		c.Identifiers.Set(model.MatchOrderID, *rec.OrderID)
	}
	if rec.SKU != nil {
		c.Identifiers.Set(model.MatchSKU, *rec.SKU)
	}
	return c
}

func metaString(meta map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := meta[k].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

// metaDecimal reads a numeric metadata value; jsonb round-trips may hand back
// strings or float64s depending on the writer.
func metaDecimal(meta map[string]any, key string) (decimal.Decimal, bool) {
	switch v := meta[key].(type) {
	case string:
		d, err := decimal.NewFromString(v)
		if err != nil {
			return decimal.Zero, false
		}
		return d, true
	case float64:
		return decimal.NewFromFloat(v), true
	case int:
		return decimal.NewFromInt(int64(v)), true
	}
	return decimal.Zero, false
}
