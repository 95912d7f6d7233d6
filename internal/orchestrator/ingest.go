package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/recoup-ai/recoup/internal/fault"
	"github.com/recoup-ai/recoup/internal/model"
	"github.com/recoup-ai/recoup/internal/parser"
	"github.com/recoup-ai/recoup/internal/provider"
)

const (
	parsePollInterval = 3 * time.Second
	parseBudget       = 90 * time.Second
)

// RunDocumentIngest executes one document_ingest job: list new provider
// documents since the connection's last sync, fetch and store each one, and
// drive it through the parser. Per-document failures are absorbed; the job
// fails only when the provider listing itself does.
func (r *Runner) RunDocumentIngest(ctx context.Context, job model.SyncJob) error {
	logger := r.logger.With("job_id", job.ID, "seller_id", job.SellerID)

	conn, adapter, creds, err := r.connection(ctx, job.SellerID)
	if err != nil {
		r.publish(ctx, failEvent(job, err))
		return err
	}

	var since time.Time
	if conn.LastOKAt != nil {
		since = *conn.LastOKAt
	}

	refs, err := adapter.ListDocuments(ctx, job.SellerID, creds, since)
	if err != nil {
		err = fmt.Errorf("orchestrator: list documents: %w", err)
		r.publish(ctx, failEvent(job, err))
		return err
	}

	total := len(refs)
	var ingested, parsed, failed int
	for i, ref := range refs {
		if ctx.Err() != nil {
			// Released on shutdown; the lease expires and the job reruns.
			return ctx.Err()
		}
		stop, cerr := r.db.CancelRequested(ctx, job.ID)
		if cerr != nil {
			logger.Warn("cancel check failed", "error", cerr)
		} else if stop {
			if err := r.db.MarkJobCancelled(context.WithoutCancel(ctx), job.ID); err != nil {
				return fmt.Errorf("orchestrator: mark cancelled: %w", err)
			}
			logger.Info("document ingest cancelled", "current", i, "total", total)
			return nil
		}

		ok, fresh, err := r.ingestOne(ctx, job, conn, adapter, creds, ref)
		if err != nil {
			failed++
			logger.Warn("document ingest failed", "filename", ref.Filename, "error", err)
		} else {
			if fresh {
				ingested++
			}
			if ok {
				parsed++
			}
		}

		r.publish(ctx, model.Event{
			SellerID: job.SellerID, JobID: job.ID,
			Type: model.EventProgress, Current: i + 1, Total: total,
			Message: fmt.Sprintf("processed %s", ref.Filename),
			At:      time.Now().UTC(),
		})
	}

	if err := r.db.CompleteJob(ctx, job.ID); err != nil {
		return fmt.Errorf("orchestrator: complete job: %w", err)
	}
	if err := r.db.TouchConnection(ctx, conn.ID); err != nil {
		logger.Warn("touch connection failed", "error", err)
	}

	r.publish(ctx, model.Event{
		SellerID: job.SellerID, JobID: job.ID,
		Type: model.EventCompleted, Current: total, Total: total,
		Message: fmt.Sprintf("document ingest completed: %d new, %d parsed, %d failed of %d", ingested, parsed, failed, total),
		At:      time.Now().UTC(),
	})
	logger.Info("document ingest completed", "new", ingested, "parsed", parsed, "failed", failed, "total", total)
	return nil
}

// ingestOne stores one document and runs it through the parser. Returns
// (parsed, freshlyStored, err); a document whose previous parse completed is
// skipped rather than re-submitted.
func (r *Runner) ingestOne(ctx context.Context, job model.SyncJob, conn model.SourceConnection, adapter provider.Adapter, creds model.CredentialBundle, ref provider.DocumentRef) (bool, bool, error) {
	content, err := adapter.FetchDocument(ctx, job.SellerID, creds, ref)
	if err != nil {
		return false, false, fmt.Errorf("fetch %s: %w", ref.ExternalRef, err)
	}

	externalRef := ref.ExternalRef
	doc, created, err := r.db.UpsertDocument(ctx, model.EvidenceDocument{
		SellerID:     job.SellerID,
		Provider:     conn.Provider,
		Filename:     ref.Filename,
		ParserStatus: model.ParsePending,
		ContentSize:  len(content.Content),
		ExternalRef:  &externalRef,
	})
	if err != nil {
		return false, false, fmt.Errorf("store %s: %w", ref.Filename, err)
	}
	if !created && doc.ParserStatus == model.ParseCompleted {
		return false, false, nil
	}

	if r.parse == nil {
		return false, created, nil
	}
	if err := r.parseDocument(ctx, job.SellerID, doc, ref.Filename, content.MIMEType, content.Content); err != nil {
		return false, created, err
	}
	return true, created, nil
}

// parseDocument submits one document and polls the parse job to completion
// within the ML budget.
func (r *Runner) parseDocument(ctx context.Context, sellerID uuid.UUID, doc model.EvidenceDocument, filename, mimeType string, content []byte) error {
	jobID, err := r.parse.Parse(ctx, sellerID, doc.ID, filename, mimeType, content)
	if err != nil {
		if ferr := r.db.FailDocumentParse(context.WithoutCancel(ctx), doc.ID); ferr != nil {
			r.logger.Warn("fail document parse", "error", ferr, "document_id", doc.ID)
		}
		return fmt.Errorf("submit parse %s: %w", filename, err)
	}
	if err := r.db.MarkDocumentSubmitted(ctx, doc.ID, jobID); err != nil {
		return fmt.Errorf("mark submitted %s: %w", doc.ID, err)
	}

	pollCtx, cancel := context.WithTimeout(ctx, parseBudget)
	defer cancel()
	for {
		status, err := r.parse.GetJob(pollCtx, sellerID, jobID)
		if err == nil {
			switch status.Status {
			case parser.JobCompleted:
				return r.storeParsed(ctx, sellerID, doc)
			case parser.JobFailed:
				if ferr := r.db.FailDocumentParse(context.WithoutCancel(ctx), doc.ID); ferr != nil {
					r.logger.Warn("fail document parse", "error", ferr, "document_id", doc.ID)
				}
				msg := "parser reported failure"
				if status.Error != nil {
					msg = *status.Error
				}
				return fault.Newf(fault.Transient, "parse %s: %s", filename, msg)
			}
		} else if !fault.Retryable(err) {
			return fmt.Errorf("poll parse job %s: %w", jobID, err)
		}

		if !sleep(pollCtx, parsePollInterval) {
			// Budget exhausted; the document stays processing and reparse
			// picks it up later.
			return fault.Newf(fault.Transient, "parse %s: budget exhausted after %s", filename, parseBudget)
		}
	}
}

func (r *Runner) storeParsed(ctx context.Context, sellerID uuid.UUID, doc model.EvidenceDocument) error {
	parsed, err := r.parse.GetParsed(ctx, sellerID, doc.ID)
	if err != nil {
		return fmt.Errorf("fetch parsed %s: %w", doc.ID, err)
	}
	if err := r.db.CompleteDocumentParse(ctx, doc.ID, parsed.DocType, parsed.Confidence, parsed.Extracted, parsed.RawText); err != nil {
		return fmt.Errorf("complete parse %s: %w", doc.ID, err)
	}
	return nil
}
