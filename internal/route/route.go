// Package route turns match results into persisted outcomes. Final
// confidence picks one of three paths: auto-submit a dispute, ask the seller
// through a smart prompt, or hold for manual review. Every write is an
// upsert, so re-routing the same match converges.
package route

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/recoup-ai/recoup/internal/model"
	"github.com/recoup-ai/recoup/internal/storage"
	"github.com/recoup-ai/recoup/internal/telemetry"
)

// EventSink receives routing events for the progress stream. Publishing is
// best-effort; sink failures never abort a routing decision.
type EventSink interface {
	Publish(ctx context.Context, ev model.Event) error
}

// Router applies threshold-based routing to match results.
type Router struct {
	db              *storage.DB
	sink            EventSink
	autoThreshold   float64
	promptThreshold float64
	logger          *slog.Logger

	routed metric.Int64Counter
}

// NewRouter creates a router. The sink may be nil; a nil logger falls back
// to slog.Default.
func NewRouter(db *storage.DB, sink EventSink, autoThreshold, promptThreshold float64, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	meter := telemetry.Meter("recoup/route")
	routed, _ := meter.Int64Counter("recoup.matches.routed",
		metric.WithDescription("Match results routed by action"),
	)
	return &Router{
		db:              db,
		sink:            sink,
		autoThreshold:   autoThreshold,
		promptThreshold: promptThreshold,
		logger:          logger,
		routed:          routed,
	}
}

// Decide maps a final confidence to an action given the two thresholds.
func Decide(confidence, autoThreshold, promptThreshold float64) model.Action {
	switch {
	case confidence >= autoThreshold:
		return model.ActionAutoSubmit
	case confidence >= promptThreshold:
		return model.ActionSmartPrompt
	default:
		return model.ActionHold
	}
}

// Route persists one match outcome and emits its events. The returned action
// is what was applied.
func (r *Router) Route(ctx context.Context, jobID uuid.UUID, claim model.ClaimCandidate, m model.MatchResult) (model.Action, error) {
	m.ClaimID = claim.ID
	m.Action = Decide(m.FinalConfidence, r.autoThreshold, r.promptThreshold)

	switch m.Action {
	case model.ActionAutoSubmit:
		if err := r.db.ApplyAutoMatch(ctx, claim.SellerID, m); err != nil {
			return m.Action, fmt.Errorf("route: apply auto match: %w", err)
		}
		r.notify(ctx, model.Event{
			SellerID:   claim.SellerID,
			JobID:      jobID,
			Type:       model.EventNotification,
			Kind:       model.NotifyEvidenceMatched,
			ClaimID:    &claim.ID,
			DocumentID: &m.DocumentID,
			Message:    fmt.Sprintf("evidence matched with confidence %.2f; dispute queued", m.FinalConfidence),
			At:         time.Now().UTC(),
		})
		r.log(ctx, jobID, claim, m, model.LevelSuccess, "auto-submitted")

	case model.ActionSmartPrompt:
		created, err := r.db.ApplyPromptMatch(ctx, claim.SellerID, m, Question(claim, m))
		if err != nil {
			return m.Action, fmt.Errorf("route: apply prompt match: %w", err)
		}
		msg := "smart prompt pending"
		if created {
			msg = "smart prompt created"
		}
		r.log(ctx, jobID, claim, m, model.LevelInfo, msg)

	case model.ActionHold:
		if err := r.db.ApplyHoldMatch(ctx, m); err != nil {
			return m.Action, fmt.Errorf("route: apply hold match: %w", err)
		}
		r.log(ctx, jobID, claim, m, model.LevelInfo, "held for manual review")
	}

	if r.routed != nil {
		r.routed.Add(ctx, 1, metric.WithAttributes(
			attribute.String("action", string(m.Action)),
		))
	}
	return m.Action, nil
}

// Question phrases the smart prompt for one suggested match.
func Question(claim model.ClaimCandidate, m model.MatchResult) string {
	return fmt.Sprintf("Does this document support your %s claim for %s %s? (matched on %s, confidence %.0f%%)",
		claim.Category, claim.Amount.StringFixed(2), claim.Currency, m.MatchType, m.FinalConfidence*100)
}

func (r *Router) log(ctx context.Context, jobID uuid.UUID, claim model.ClaimCandidate, m model.MatchResult, level model.LogLevel, outcome string) {
	r.notify(ctx, model.Event{
		SellerID:   claim.SellerID,
		JobID:      jobID,
		Type:       model.EventLog,
		Level:      level,
		ClaimID:    &claim.ID,
		DocumentID: &m.DocumentID,
		Message:    fmt.Sprintf("claim %s: %s (%s, confidence %.2f)", claim.ID, outcome, m.MatchType, m.FinalConfidence),
		At:         time.Now().UTC(),
	})
}

func (r *Router) notify(ctx context.Context, ev model.Event) {
	if r.sink == nil {
		return
	}
	if err := r.sink.Publish(ctx, ev); err != nil {
		r.logger.Warn("route: publish event", "error", err, "seller_id", ev.SellerID, "job_id", ev.JobID)
	}
}
