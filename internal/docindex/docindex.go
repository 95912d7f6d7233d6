// Package docindex builds the in-memory identifier index the matcher reads.
// One index covers one seller's documents for one matching run; it is
// immutable after Build and safe for any number of concurrent readers.
package docindex

import (
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/recoup-ai/recoup/internal/model"
)

// DocRef is the slice of a document the matcher needs for scoring and
// tie-breaking.
type DocRef struct {
	ID               uuid.UUID
	Filename         string
	ParserConfidence *float64
	IngestedAt       time.Time
}

// Index maps identifier values to documents, one map per identifier family.
type Index struct {
	families map[model.MatchType]map[string][]DocRef
	docs     int
}

// Salvage regexes run against raw text for families whose format is specific
// enough that free text cannot produce false positives. Loosely formatted
// families (case ids, invoice numbers, SKUs) index structured extractions
// only.
var salvagePatterns = map[model.MatchType]*regexp.Regexp{
	model.MatchOrderID:        regexp.MustCompile(`\b\d{3}-\d{7}-\d{7}\b`),
	model.MatchTrackingNumber: regexp.MustCompile(`\b(?:1Z[A-Z0-9]{16}|\d{20,22}|[A-Z]{2}\d{9}[A-Z]{2})\b`),
	model.MatchShipmentID:     regexp.MustCompile(`\bFBA[A-Z0-9]{6,12}\b`),
	model.MatchFNSKU:          regexp.MustCompile(`\bX[0-9A-Z]{9}\b`),
	model.MatchLPN:            regexp.MustCompile(`\bLPN[A-Z0-9]{6,12}\b`),
}

// Build indexes the given documents. A document participates when the parser
// completed on it or when its raw text salvages at least one identifier;
// everything else is skipped.
func Build(docs []model.EvidenceDocument) *Index {
	idx := &Index{families: make(map[model.MatchType]map[string][]DocRef, len(model.MatchPriority))}
	for _, mt := range model.MatchPriority {
		idx.families[mt] = make(map[string][]DocRef)
	}

	for _, doc := range docs {
		ref := DocRef{
			ID:               doc.ID,
			Filename:         doc.Filename,
			ParserConfidence: doc.ParserConfidence,
			IngestedAt:       doc.IngestedAt,
		}

		indexed := false
		for _, mt := range model.MatchPriority {
			for _, value := range DocumentValues(doc, mt) {
				idx.families[mt][value] = append(idx.families[mt][value], ref)
				indexed = true
			}
		}
		if indexed {
			idx.docs++
		}
	}
	return idx
}

// Lookup returns the documents indexed under one identifier value. The value
// is canonicalized before lookup; callers may pass raw candidate fields.
func (x *Index) Lookup(mt model.MatchType, value string) []DocRef {
	return x.families[mt][Canon(value)]
}

// Documents reports how many documents made it into the index.
func (x *Index) Documents() int { return x.docs }

// DocumentValues returns the canonical identifier values one document
// contributes to a family: structured extraction, related event ids for the
// order family, and raw-text salvage, de-duplicated.
func DocumentValues(doc model.EvidenceDocument, mt model.MatchType) []string {
	var raw []string
	if doc.ParserStatus == model.ParseCompleted {
		raw = append(raw, doc.Extracted.Values(mt)...)
		if mt == model.MatchOrderID {
			raw = append(raw, doc.Extracted.RelatedEventIDs...)
		}
	}
	if doc.RawText != nil {
		raw = append(raw, salvageFamily(*doc.RawText, mt)...)
	}
	if len(raw) == 0 {
		return nil
	}

	seen := make(map[string]bool, len(raw))
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		v = Canon(v)
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}

// Salvage extracts identifiers from raw document text using the
// family-specific patterns. It backs both Build and the reindex repair pass.
func Salvage(rawText string) model.Extraction {
	var e model.Extraction
	for mt := range salvagePatterns {
		if vals := salvageFamily(rawText, mt); len(vals) > 0 {
			e = e.Merge(mt, vals)
		}
	}
	return e
}

func salvageFamily(rawText string, mt model.MatchType) []string {
	re, ok := salvagePatterns[mt]
	if !ok {
		return nil
	}
	matches := re.FindAllString(strings.ToUpper(rawText), -1)
	if len(matches) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(matches))
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		if !seen[m] {
			seen[m] = true
			out = append(out, m)
		}
	}
	return out
}

// Canon is the canonical identifier form: upper-cased and trimmed.
func Canon(v string) string {
	return strings.ToUpper(strings.TrimSpace(v))
}
