// Package match pairs claim candidates with evidence documents. The engine
// is pure CPU: no I/O, no cross-batch state, deterministic output for a given
// candidate batch and index.
package match

import (
	"fmt"

	"github.com/recoup-ai/recoup/internal/docindex"
	"github.com/recoup-ai/recoup/internal/model"
)

// Parser confidence is clipped into [0.5, 1.0] before scaling the baseline;
// a missing confidence counts as full.
const (
	confidenceFloor   = 0.5
	confidenceCeiling = 1.0
)

// Observer is invoked once per produced match result.
type Observer func(model.MatchResult)

// Engine scores candidate/document pairs. Safe for concurrent use.
type Engine struct {
	observer Observer
}

// NewEngine creates an engine. The observer may be nil.
func NewEngine(observer Observer) *Engine {
	return &Engine{observer: observer}
}

// MatchBatch finds the best evidence document for each candidate. Candidates
// with no identifier, or whose identifiers hit nothing in the index, produce
// no result. Output order follows input order.
func (e *Engine) MatchBatch(batch []model.ClaimCandidate, idx *docindex.Index) []model.MatchResult {
	results := make([]model.MatchResult, 0, len(batch))
	for _, c := range batch {
		m, ok := e.matchOne(c, idx)
		if !ok {
			continue
		}
		if e.observer != nil {
			e.observer(m)
		}
		results = append(results, m)
	}
	return results
}

// matchOne walks the family priority list; the first family where the
// candidate carries a value and the index holds documents wins.
func (e *Engine) matchOne(c model.ClaimCandidate, idx *docindex.Index) (model.MatchResult, bool) {
	for _, mt := range model.MatchPriority {
		value, ok := c.Identifiers.Value(mt)
		if !ok {
			continue
		}
		refs := idx.Lookup(mt, value)
		if len(refs) == 0 {
			continue
		}

		best := pickBest(refs)
		baseline := model.BaselineConfidence(mt)
		conf := clip(best.ParserConfidence)

		return model.MatchResult{
			ClaimID:         c.ID,
			DocumentID:      best.ID,
			MatchType:       mt,
			MatchedFields:   []string{string(mt) + ":" + docindex.Canon(value)},
			RuleScore:       baseline,
			FinalConfidence: baseline * conf,
			Reasoning: fmt.Sprintf("document %q matched on %s %q (parser confidence %.2f)",
				best.Filename, mt, docindex.Canon(value), conf),
		}, true
	}
	return model.MatchResult{}, false
}

// pickBest applies the tie-break: parser confidence desc, then ingestion
// time desc, then document id asc. The raw confidence decides here — the
// clip floor applies only when scaling the score — so two documents below
// the floor still rank by their actual confidence.
func pickBest(refs []docindex.DocRef) docindex.DocRef {
	best := refs[0]
	for _, ref := range refs[1:] {
		if better(ref, best) {
			best = ref
		}
	}
	return best
}

func better(a, b docindex.DocRef) bool {
	ca, cb := rawConfidence(a.ParserConfidence), rawConfidence(b.ParserConfidence)
	if ca != cb {
		return ca > cb
	}
	if !a.IngestedAt.Equal(b.IngestedAt) {
		return a.IngestedAt.After(b.IngestedAt)
	}
	return a.ID.String() < b.ID.String()
}

func rawConfidence(confidence *float64) float64 {
	if confidence == nil {
		return confidenceCeiling
	}
	return *confidence
}

func clip(confidence *float64) float64 {
	if confidence == nil {
		return confidenceCeiling
	}
	switch {
	case *confidence < confidenceFloor:
		return confidenceFloor
	case *confidence > confidenceCeiling:
		return confidenceCeiling
	}
	return *confidence
}
