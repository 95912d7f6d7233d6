package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/recoup-ai/recoup/internal/model"
)

const docColumns = `id, seller_id, provider, filename, doc_type, parser_status, parser_confidence,
	 parse_job_id, extracted, raw_text, content_size, external_ref, ingested_at, updated_at`

// UpsertDocument inserts an ingested document. When the document carries an
// external_ref and the seller already ingested it from the same provider, the
// existing row is returned untouched instead; ingest is idempotent against
// provider listings that overlap. Returns created=false in that case.
func (db *DB) UpsertDocument(ctx context.Context, doc model.EvidenceDocument) (model.EvidenceDocument, bool, error) {
	if doc.ID == uuid.Nil {
		doc.ID = uuid.New()
	}
	if doc.ParserStatus == "" {
		doc.ParserStatus = model.ParsePending
	}
	if doc.DocType == "" {
		doc.DocType = "unknown"
	}
	now := time.Now().UTC()
	if doc.IngestedAt.IsZero() {
		doc.IngestedAt = now
	}
	doc.UpdatedAt = now

	// The no-op DO UPDATE lets RETURNING hand back the surviving row either
	// way; xmax = 0 only for a fresh insert.
	row := db.pool.QueryRow(ctx,
		`INSERT INTO evidence_documents (id, seller_id, provider, filename, doc_type, parser_status,
		 parser_confidence, parse_job_id, extracted, raw_text, content_size, external_ref, ingested_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		 ON CONFLICT (seller_id, provider, external_ref) WHERE external_ref IS NOT NULL
		 DO UPDATE SET updated_at = evidence_documents.updated_at
		 RETURNING `+docColumns+`, (xmax = 0)`,
		doc.ID, doc.SellerID, doc.Provider, doc.Filename, doc.DocType, string(doc.ParserStatus),
		doc.ParserConfidence, doc.ParseJobID, doc.Extracted, doc.RawText, doc.ContentSize,
		doc.ExternalRef, doc.IngestedAt, doc.UpdatedAt,
	)

	var out model.EvidenceDocument
	var created bool
	err := row.Scan(
		&out.ID, &out.SellerID, &out.Provider, &out.Filename, &out.DocType, &out.ParserStatus,
		&out.ParserConfidence, &out.ParseJobID, &out.Extracted, &out.RawText, &out.ContentSize,
		&out.ExternalRef, &out.IngestedAt, &out.UpdatedAt, &created,
	)
	if err != nil {
		return model.EvidenceDocument{}, false, fmt.Errorf("storage: upsert document: %w", err)
	}
	return out, created, nil
}

// GetDocument retrieves a document by ID, scoped by seller.
func (db *DB) GetDocument(ctx context.Context, sellerID, id uuid.UUID) (model.EvidenceDocument, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT `+docColumns+` FROM evidence_documents WHERE id = $1 AND seller_id = $2`, id, sellerID,
	)
	doc, err := scanDocument(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return model.EvidenceDocument{}, fmt.Errorf("storage: document %s: %w", id, ErrNotFound)
		}
		return model.EvidenceDocument{}, fmt.Errorf("storage: get document: %w", err)
	}
	return doc, nil
}

// DocumentFilter narrows ListDocuments. Zero fields mean no constraint.
type DocumentFilter struct {
	ParserStatus *model.ParserStatus
	Limit        int
	Offset       int
}

// ListDocuments returns a seller's documents, newest first. Limit defaults to
// 100 when unset.
func (db *DB) ListDocuments(ctx context.Context, sellerID uuid.UUID, filter DocumentFilter) ([]model.EvidenceDocument, error) {
	if filter.Limit <= 0 {
		filter.Limit = 100
	}
	query := `SELECT ` + docColumns + ` FROM evidence_documents WHERE seller_id = $1`
	args := []any{sellerID}
	if filter.ParserStatus != nil {
		args = append(args, string(*filter.ParserStatus))
		query += fmt.Sprintf(` AND parser_status = $%d`, len(args))
	}
	query += fmt.Sprintf(` ORDER BY ingested_at DESC, id LIMIT $%d OFFSET $%d`, len(args)+1, len(args)+2)
	args = append(args, filter.Limit, filter.Offset)

	rows, err := db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: list documents: %w", err)
	}
	defer rows.Close()
	return collectDocuments(rows)
}

// CountDocuments returns how many documents match the filter.
func (db *DB) CountDocuments(ctx context.Context, sellerID uuid.UUID, filter DocumentFilter) (int64, error) {
	query := `SELECT count(*) FROM evidence_documents WHERE seller_id = $1`
	args := []any{sellerID}
	if filter.ParserStatus != nil {
		args = append(args, string(*filter.ParserStatus))
		query += ` AND parser_status = $2`
	}
	var count int64
	if err := db.pool.QueryRow(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("storage: count documents: %w", err)
	}
	return count, nil
}

// ListDocumentsForMatching returns the documents a matching run indexes:
// parse completed (extracted identifiers) or parse failed (raw text salvage).
// Documents still pending or processing are not ready.
func (db *DB) ListDocumentsForMatching(ctx context.Context, sellerID uuid.UUID) ([]model.EvidenceDocument, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+docColumns+` FROM evidence_documents
		 WHERE seller_id = $1 AND parser_status IN ('completed', 'failed')
		 ORDER BY ingested_at DESC, id`, sellerID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list documents for matching: %w", err)
	}
	defer rows.Close()
	return collectDocuments(rows)
}

// MarkDocumentSubmitted records that a document went to the parser and is
// awaiting results.
func (db *DB) MarkDocumentSubmitted(ctx context.Context, id uuid.UUID, parseJobID string) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE evidence_documents
		 SET parser_status = 'processing', parse_job_id = $2, updated_at = now()
		 WHERE id = $1`,
		id, parseJobID,
	)
	if err != nil {
		return fmt.Errorf("storage: mark document submitted: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: document %s: %w", id, ErrNotFound)
	}
	return nil
}

// CompleteDocumentParse stores parser output: the extracted identifiers, the
// parser's own confidence, recognized document type, and raw text when the
// parser returned one.
func (db *DB) CompleteDocumentParse(ctx context.Context, id uuid.UUID, docType string, confidence *float64, extracted model.Extraction, rawText *string) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE evidence_documents
		 SET parser_status = 'completed', doc_type = COALESCE(NULLIF($2, ''), doc_type),
		     parser_confidence = $3, extracted = $4, raw_text = COALESCE($5, raw_text),
		     updated_at = now()
		 WHERE id = $1`,
		id, docType, confidence, extracted, rawText,
	)
	if err != nil {
		return fmt.Errorf("storage: complete document parse: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: document %s: %w", id, ErrNotFound)
	}
	return nil
}

// FailDocumentParse marks a document's parse as failed. The document still
// participates in matching through raw text salvage.
func (db *DB) FailDocumentParse(ctx context.Context, id uuid.UUID) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE evidence_documents SET parser_status = 'failed', updated_at = now() WHERE id = $1`, id,
	)
	if err != nil {
		return fmt.Errorf("storage: fail document parse: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: document %s: %w", id, ErrNotFound)
	}
	return nil
}

// SetDocumentExtraction replaces a document's extracted identifiers. The
// reindex repair pass uses it after merging raw text salvage into the parser
// output.
func (db *DB) SetDocumentExtraction(ctx context.Context, sellerID, id uuid.UUID, extracted model.Extraction) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE evidence_documents SET extracted = $3, updated_at = now()
		 WHERE id = $1 AND seller_id = $2`,
		id, sellerID, extracted,
	)
	if err != nil {
		return fmt.Errorf("storage: set document extraction: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: document %s: %w", id, ErrNotFound)
	}
	return nil
}

// ResetDocumentParse queues a document for another parser pass. Used by the
// reparse endpoint on failed documents.
func (db *DB) ResetDocumentParse(ctx context.Context, sellerID, id uuid.UUID) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE evidence_documents
		 SET parser_status = 'pending', parse_job_id = NULL, updated_at = now()
		 WHERE id = $1 AND seller_id = $2`,
		id, sellerID,
	)
	if err != nil {
		return fmt.Errorf("storage: reset document parse: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: document %s: %w", id, ErrNotFound)
	}
	return nil
}

func scanDocument(row pgx.Row) (model.EvidenceDocument, error) {
	var d model.EvidenceDocument
	err := row.Scan(
		&d.ID, &d.SellerID, &d.Provider, &d.Filename, &d.DocType, &d.ParserStatus,
		&d.ParserConfidence, &d.ParseJobID, &d.Extracted, &d.RawText, &d.ContentSize,
		&d.ExternalRef, &d.IngestedAt, &d.UpdatedAt,
	)
	if err != nil {
		return model.EvidenceDocument{}, err
	}
	return d, nil
}

func collectDocuments(rows pgx.Rows) ([]model.EvidenceDocument, error) {
	var docs []model.EvidenceDocument
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan document: %w", err)
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}
