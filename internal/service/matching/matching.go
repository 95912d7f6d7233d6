// Package matching runs full candidate-to-evidence passes: index the
// seller's ready documents, score every open claim against the index, and
// route each result by confidence. A pass is idempotent; every routing write
// is an upsert.
package matching

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/recoup-ai/recoup/internal/docindex"
	"github.com/recoup-ai/recoup/internal/match"
	"github.com/recoup-ai/recoup/internal/model"
	"github.com/recoup-ai/recoup/internal/progress"
	"github.com/recoup-ai/recoup/internal/route"
	"github.com/recoup-ai/recoup/internal/storage"
)

const defaultBatchSize = 50

// Stats summarizes one matching pass.
type Stats struct {
	Documents     int
	Claims        int
	Matched       int
	AutoSubmitted int
	Prompted      int
	Held          int
}

// Service executes matching jobs.
type Service struct {
	db        *storage.DB
	engine    *match.Engine
	router    *route.Router
	pub       *progress.Publisher
	batchSize int
	logger    *slog.Logger
}

// New wires a matching service. batchSize <= 0 uses the default; the
// publisher may be nil.
func New(db *storage.DB, engine *match.Engine, router *route.Router, pub *progress.Publisher, batchSize int, logger *slog.Logger) *Service {
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		db:        db,
		engine:    engine,
		router:    router,
		pub:       pub,
		batchSize: batchSize,
		logger:    logger,
	}
}

// Run executes one matching job to its terminal state; the queue contract
// from the sync runner applies (nil means the job row was finalized).
func (s *Service) Run(ctx context.Context, job model.SyncJob) error {
	stats, cancelled, err := s.pass(ctx, job)
	if err != nil {
		s.publish(ctx, model.Event{
			SellerID: job.SellerID, JobID: job.ID,
			Type: model.EventFailed, Level: model.LevelError,
			Message: err.Error(),
			At:      time.Now().UTC(),
		})
		return err
	}

	if cancelled {
		if err := s.db.MarkJobCancelled(context.WithoutCancel(ctx), job.ID); err != nil {
			return fmt.Errorf("matching: mark cancelled: %w", err)
		}
		s.logger.Info("matching cancelled", "job_id", job.ID, "seller_id", job.SellerID)
		return nil
	}

	if err := s.db.CompleteJob(ctx, job.ID); err != nil {
		return fmt.Errorf("matching: complete job: %w", err)
	}
	s.publish(ctx, model.Event{
		SellerID: job.SellerID, JobID: job.ID,
		Type: model.EventCompleted, Current: stats.Claims, Total: stats.Claims,
		Message: fmt.Sprintf("matching completed: %d of %d claims matched (%d auto, %d prompted, %d held) across %d documents",
			stats.Matched, stats.Claims, stats.AutoSubmitted, stats.Prompted, stats.Held, stats.Documents),
		At: time.Now().UTC(),
	})
	s.logger.Info("matching completed",
		"job_id", job.ID,
		"seller_id", job.SellerID,
		"claims", stats.Claims,
		"matched", stats.Matched,
		"auto", stats.AutoSubmitted,
		"prompted", stats.Prompted,
		"held", stats.Held,
	)
	return nil
}

// pass runs the index-score-route loop over every open claim.
func (s *Service) pass(ctx context.Context, job model.SyncJob) (Stats, bool, error) {
	var stats Stats

	docs, err := s.db.ListDocumentsForMatching(ctx, job.SellerID)
	if err != nil {
		return stats, false, fmt.Errorf("matching: list documents: %w", err)
	}
	idx := docindex.Build(docs)
	stats.Documents = idx.Documents()

	claims, err := s.db.ListClaimsForMatching(ctx, job.SellerID)
	if err != nil {
		return stats, false, fmt.Errorf("matching: list claims: %w", err)
	}
	stats.Claims = len(claims)

	for start := 0; start < len(claims); start += s.batchSize {
		if ctx.Err() != nil {
			return stats, false, ctx.Err()
		}
		stop, cerr := s.db.CancelRequested(ctx, job.ID)
		if cerr != nil {
			s.logger.Warn("cancel check failed", "error", cerr)
		} else if stop {
			return stats, true, nil
		}

		end := min(start+s.batchSize, len(claims))
		batch := claims[start:end]

		byID := make(map[uuid.UUID]model.ClaimCandidate, len(batch))
		for _, c := range batch {
			byID[c.ID] = c
		}

		for _, m := range s.engine.MatchBatch(batch, idx) {
			action, err := s.router.Route(ctx, job.ID, byID[m.ClaimID], m)
			if err != nil {
				return stats, false, err
			}
			stats.Matched++
			switch action {
			case model.ActionAutoSubmit:
				stats.AutoSubmitted++
			case model.ActionSmartPrompt:
				stats.Prompted++
			case model.ActionHold:
				stats.Held++
			}
		}

		s.publish(ctx, model.Event{
			SellerID: job.SellerID, JobID: job.ID,
			Type: model.EventProgress, Current: end, Total: len(claims),
			Message: fmt.Sprintf("matched %d of %d claims", end, len(claims)),
			At:      time.Now().UTC(),
		})
	}

	return stats, false, nil
}

// Reindex merges raw-text salvage into the stored extraction of every ready
// document. It repairs documents whose parser output missed identifiers the
// raw text plainly contains, including failed parses. Returns how many
// documents changed.
func (s *Service) Reindex(ctx context.Context, sellerID uuid.UUID) (int, error) {
	docs, err := s.db.ListDocumentsForMatching(ctx, sellerID)
	if err != nil {
		return 0, fmt.Errorf("matching: list documents: %w", err)
	}

	var changed int
	for _, doc := range docs {
		if doc.RawText == nil || *doc.RawText == "" {
			continue
		}
		salvaged := docindex.Salvage(*doc.RawText)
		if salvaged.Empty() {
			continue
		}

		merged := doc.Extracted
		grew := false
		for _, mt := range model.MatchPriority {
			vals := salvaged.Values(mt)
			if len(vals) == 0 {
				continue
			}
			next := merged.Merge(mt, vals)
			if len(next.Values(mt)) != len(merged.Values(mt)) {
				grew = true
			}
			merged = next
		}
		if !grew {
			continue
		}

		if err := s.db.SetDocumentExtraction(ctx, sellerID, doc.ID, merged); err != nil {
			return changed, err
		}
		changed++
	}

	if changed > 0 {
		s.logger.Info("reindex merged salvage", "seller_id", sellerID, "documents", changed)
	}
	return changed, nil
}

func (s *Service) publish(ctx context.Context, ev model.Event) {
	if s.pub == nil {
		return
	}
	if err := s.pub.Publish(context.WithoutCancel(ctx), ev); err != nil {
		s.logger.Warn("publish event failed", "error", err, "job_id", ev.JobID)
	}
}
