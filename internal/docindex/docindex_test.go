package docindex

import (
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/recoup-ai/recoup/internal/model"
)

func completedDoc(extracted model.Extraction) model.EvidenceDocument {
	return model.EvidenceDocument{
		ID:           uuid.New(),
		SellerID:     uuid.New(),
		Filename:     "invoice.pdf",
		ParserStatus: model.ParseCompleted,
		Extracted:    extracted,
		IngestedAt:   time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestBuildStructuredExtraction(t *testing.T) {
	doc := completedDoc(model.Extraction{
		OrderIDs: []string{" 111-2222222-3333333 "},
		SKUs:     []string{"widget-1"},
	})
	idx := Build([]model.EvidenceDocument{doc})

	if idx.Documents() != 1 {
		t.Fatalf("documents = %d", idx.Documents())
	}
	refs := idx.Lookup(model.MatchOrderID, "111-2222222-3333333")
	if len(refs) != 1 || refs[0].ID != doc.ID {
		t.Fatalf("order lookup = %+v", refs)
	}
	// Values are canonicalized on both sides.
	if refs := idx.Lookup(model.MatchSKU, "WIDGET-1"); len(refs) != 1 {
		t.Fatalf("sku lookup = %+v", refs)
	}
}

func TestBuildRelatedEventIDsFeedOrderFamily(t *testing.T) {
	doc := completedDoc(model.Extraction{RelatedEventIDs: []string{"444-5555555-6666666"}})
	idx := Build([]model.EvidenceDocument{doc})
	if refs := idx.Lookup(model.MatchOrderID, "444-5555555-6666666"); len(refs) != 1 {
		t.Fatalf("related event lookup = %+v", refs)
	}
}

func TestBuildRawTextSalvage(t *testing.T) {
	text := "Shipment fba1234567 lost. Tracking 1Zabc4567890123456, order 111-2222222-3333333. Ref lpnaa11bb22."
	doc := model.EvidenceDocument{
		ID:           uuid.New(),
		Filename:     "scan.txt",
		ParserStatus: model.ParseFailed,
		RawText:      &text,
		IngestedAt:   time.Now(),
	}
	idx := Build([]model.EvidenceDocument{doc})

	if idx.Documents() != 1 {
		t.Fatalf("failed doc with salvageable text should participate")
	}
	for mt, value := range map[model.MatchType]string{
		model.MatchOrderID:        "111-2222222-3333333",
		model.MatchTrackingNumber: "1ZABC4567890123456",
		model.MatchShipmentID:     "FBA1234567",
		model.MatchLPN:            "LPNAA11BB22",
	} {
		if refs := idx.Lookup(mt, value); len(refs) != 1 {
			t.Errorf("%s lookup %q = %+v", mt, value, refs)
		}
	}
}

func TestBuildSkipsUnparsedWithoutSalvage(t *testing.T) {
	text := "nothing identifying in here"
	docs := []model.EvidenceDocument{
		{ID: uuid.New(), ParserStatus: model.ParsePending},
		{ID: uuid.New(), ParserStatus: model.ParseFailed, RawText: &text},
	}
	idx := Build(docs)
	if idx.Documents() != 0 {
		t.Fatalf("documents = %d, want 0", idx.Documents())
	}
}

func TestSalvagePatternsAreConservative(t *testing.T) {
	// Loose families never come from raw text.
	e := Salvage("case 12345 invoice INV-9 sku ABC-123 upc 012345678905")
	if len(e.CaseIDs) != 0 || len(e.InvoiceNumbers) != 0 || len(e.SKUs) != 0 || len(e.UPCs) != 0 {
		t.Fatalf("salvage leaked loose families: %+v", e)
	}
	// Digit runs only count as tracking numbers at 20-22 digits.
	if e := Salvage("12345678901234567890"); len(e.TrackingNumbers) != 1 {
		t.Fatalf("20-digit tracking not salvaged: %+v", e)
	}
	if e := Salvage("1234567890123456789"); len(e.TrackingNumbers) != 0 {
		t.Fatalf("19 digits wrongly salvaged: %+v", e)
	}
}

func TestDocumentValuesDedup(t *testing.T) {
	text := "order 111-2222222-3333333 again 111-2222222-3333333"
	doc := completedDoc(model.Extraction{OrderIDs: []string{"111-2222222-3333333"}})
	doc.RawText = &text
	vals := DocumentValues(doc, model.MatchOrderID)
	if len(vals) != 1 {
		t.Fatalf("values = %v, want dedup to 1", vals)
	}
}
