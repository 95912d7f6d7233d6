package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/recoup-ai/recoup/internal/model"
)

// StoreResult summarizes one StoreRecords call.
type StoreResult struct {
	Inserted int
	Updated  int
	Skipped  int // duplicate external_ids within the batch, last occurrence wins
}

const upsertRecordSQL = `
	INSERT INTO ledger_records (id, seller_id, report_type, record_type, amount, currency,
	 record_date, sku, order_id, description, source, external_id, metadata,
	 window_start, window_end, created_at, updated_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
	ON CONFLICT (seller_id, report_type, external_id) WHERE external_id IS NOT NULL
	DO UPDATE SET
	 record_type = EXCLUDED.record_type,
	 amount      = EXCLUDED.amount,
	 currency    = EXCLUDED.currency,
	 record_date = EXCLUDED.record_date,
	 sku         = COALESCE(EXCLUDED.sku, ledger_records.sku),
	 order_id    = COALESCE(EXCLUDED.order_id, ledger_records.order_id),
	 description = COALESCE(EXCLUDED.description, ledger_records.description),
	 source      = EXCLUDED.source,
	 metadata    = ledger_records.metadata || EXCLUDED.metadata,
	 window_start = COALESCE(EXCLUDED.window_start, ledger_records.window_start),
	 window_end   = COALESCE(EXCLUDED.window_end, ledger_records.window_end),
	 updated_at  = now()
	RETURNING (xmax = 0)`

// StoreRecords upserts a downloaded batch into the ledger and folds the
// outcome into sync_status, all in one transaction: a reader who sees the
// status row never sees it ahead of the records it describes.
//
// Records carrying an external_id are idempotent on
// (seller_id, report_type, external_id): re-syncing a window updates rather
// than duplicates, with non-null incoming fields overwriting and null ones
// preserving what is already stored. Records without an external_id insert
// unconditionally. Duplicate external_ids within the batch are collapsed to
// the last occurrence and counted as skipped.
//
// The batch is sent in chunks of batchSize statements; any failure rolls back
// the entire call.
func (db *DB) StoreRecords(ctx context.Context, sellerID uuid.UUID, reportType model.ReportType, records []model.LedgerRecord, window *model.Window, batchSize int) (StoreResult, error) {
	if batchSize <= 0 {
		batchSize = 1000
	}

	records, skipped := dedupeByExternalID(records)
	res := StoreResult{Skipped: skipped}

	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return StoreResult{}, fmt.Errorf("storage: begin store tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	now := time.Now().UTC()
	for start := 0; start < len(records); start += batchSize {
		end := min(start+batchSize, len(records))
		chunk := records[start:end]

		batch := &pgx.Batch{}
		for _, r := range chunk {
			id := r.ID
			if id == uuid.Nil {
				id = uuid.New()
			}
			metadata := r.Metadata
			if metadata == nil {
				metadata = map[string]any{}
			}
			batch.Queue(upsertRecordSQL,
				id, sellerID, string(reportType), string(r.RecordType), r.Amount, r.Currency,
				r.RecordDate, r.SKU, r.OrderID, r.Description, r.Source, r.ExternalID, metadata,
				r.WindowStart, r.WindowEnd, now, now,
			)
		}

		br := tx.SendBatch(ctx, batch)
		for range chunk {
			var inserted bool
			if err := br.QueryRow().Scan(&inserted); err != nil {
				_ = br.Close()
				return StoreResult{}, fmt.Errorf("storage: upsert record: %w", err)
			}
			if inserted {
				res.Inserted++
			} else {
				res.Updated++
			}
		}
		if err := br.Close(); err != nil {
			return StoreResult{}, fmt.Errorf("storage: close record batch: %w", err)
		}
	}

	if err := upsertSyncStatusTx(ctx, tx, sellerID, reportType, res.Inserted+res.Updated, len(records)+skipped, window); err != nil {
		return StoreResult{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return StoreResult{}, fmt.Errorf("storage: commit store: %w", err)
	}
	return res, nil
}

// upsertSyncStatusTx accumulates counts into the (seller, report_type) status
// row and marks it completed. Window bounds expand to cover every synced
// window; LEAST/GREATEST ignore nulls.
func upsertSyncStatusTx(ctx context.Context, tx pgx.Tx, sellerID uuid.UUID, reportType model.ReportType, processed, total int, window *model.Window) error {
	var winStart, winEnd *time.Time
	if window != nil {
		winStart, winEnd = &window.Start, &window.End
	}
	_, err := tx.Exec(ctx,
		`INSERT INTO sync_status (seller_id, report_type, state, records_processed, records_total, window_start, window_end, updated_at)
		 VALUES ($1, $2, 'completed', $3, $4, $5, $6, now())
		 ON CONFLICT (seller_id, report_type) DO UPDATE SET
		  state = 'completed',
		  records_processed = sync_status.records_processed + EXCLUDED.records_processed,
		  records_total = sync_status.records_total + EXCLUDED.records_total,
		  window_start = LEAST(sync_status.window_start, EXCLUDED.window_start),
		  window_end = GREATEST(sync_status.window_end, EXCLUDED.window_end),
		  last_error = NULL,
		  updated_at = now()`,
		sellerID, string(reportType), processed, total, winStart, winEnd,
	)
	if err != nil {
		return fmt.Errorf("storage: upsert sync status: %w", err)
	}
	return nil
}

// dedupeByExternalID collapses duplicate external_ids to the last occurrence.
// Postgres rejects an upsert batch that touches the same row twice, and the
// last row is the newest data. Rows without an external_id are never collapsed.
func dedupeByExternalID(records []model.LedgerRecord) ([]model.LedgerRecord, int) {
	last := make(map[string]int, len(records))
	dup := false
	for i, r := range records {
		if r.ExternalID == nil {
			continue
		}
		if _, ok := last[*r.ExternalID]; ok {
			dup = true
		}
		last[*r.ExternalID] = i
	}
	if !dup {
		return records, 0
	}
	out := make([]model.LedgerRecord, 0, len(records))
	for i, r := range records {
		if r.ExternalID != nil && last[*r.ExternalID] != i {
			continue
		}
		out = append(out, r)
	}
	return out, len(records) - len(out)
}

// BeginSyncStatus resets a (seller, report_type) status row to in_progress
// with zeroed counters. Runners call it when a fresh sync starts; a resumed
// job keeps accumulating instead.
func (db *DB) BeginSyncStatus(ctx context.Context, sellerID uuid.UUID, reportType model.ReportType) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO sync_status (seller_id, report_type, state, records_processed, records_total, updated_at)
		 VALUES ($1, $2, 'in_progress', 0, 0, now())
		 ON CONFLICT (seller_id, report_type) DO UPDATE SET
		  state = 'in_progress', records_processed = 0, records_total = 0,
		  window_start = NULL, window_end = NULL, last_error = NULL, updated_at = now()`,
		sellerID, string(reportType),
	)
	if err != nil {
		return fmt.Errorf("storage: begin sync status: %w", err)
	}
	return nil
}

// SetSyncFailed records a failed sync for one report type, keeping whatever
// counts accumulated before the failure.
func (db *DB) SetSyncFailed(ctx context.Context, sellerID uuid.UUID, reportType model.ReportType, errMsg string) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO sync_status (seller_id, report_type, state, last_error, updated_at)
		 VALUES ($1, $2, 'failed', $3, now())
		 ON CONFLICT (seller_id, report_type) DO UPDATE SET
		  state = 'failed', last_error = EXCLUDED.last_error, updated_at = now()`,
		sellerID, string(reportType), errMsg,
	)
	if err != nil {
		return fmt.Errorf("storage: set sync failed: %w", err)
	}
	return nil
}

// GetSyncStatus returns status rows for a seller, one per synced report type,
// optionally narrowed to a single report type.
func (db *DB) GetSyncStatus(ctx context.Context, sellerID uuid.UUID, reportType *model.ReportType) ([]model.SyncStatus, error) {
	query := `SELECT seller_id, report_type, state, records_processed, records_total,
	 window_start, window_end, last_error, updated_at
	 FROM sync_status WHERE seller_id = $1`
	args := []any{sellerID}
	if reportType != nil {
		query += ` AND report_type = $2`
		args = append(args, string(*reportType))
	}
	query += ` ORDER BY report_type`

	rows, err := db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: get sync status: %w", err)
	}
	defer rows.Close()

	var statuses []model.SyncStatus
	for rows.Next() {
		var s model.SyncStatus
		if err := rows.Scan(
			&s.SellerID, &s.ReportType, &s.State, &s.RecordsProcessed, &s.RecordsTotal,
			&s.WindowStart, &s.WindowEnd, &s.LastError, &s.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("storage: scan sync status: %w", err)
		}
		statuses = append(statuses, s)
	}
	return statuses, rows.Err()
}

// RecordFilter narrows QueryRecords. Zero fields mean no constraint.
type RecordFilter struct {
	ReportType *model.ReportType
	RecordType *model.RecordType
	From       *time.Time
	To         *time.Time
	Limit      int
	Offset     int
}

const recordColumns = `id, seller_id, report_type, record_type, amount, currency, record_date,
	 sku, order_id, description, source, external_id, metadata, window_start, window_end,
	 created_at, updated_at`

// QueryRecords lists ledger records for a seller, newest record_date first
// with id as the tiebreaker for a stable page order. Limit defaults to 100
// when unset.
func (db *DB) QueryRecords(ctx context.Context, sellerID uuid.UUID, filter RecordFilter) ([]model.LedgerRecord, error) {
	if filter.Limit <= 0 {
		filter.Limit = 100
	}
	query, args := recordFilterSQL(`SELECT `+recordColumns+` FROM ledger_records`, sellerID, filter)
	query += fmt.Sprintf(` ORDER BY record_date DESC, id LIMIT $%d OFFSET $%d`, len(args)+1, len(args)+2)
	args = append(args, filter.Limit, filter.Offset)

	rows, err := db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: query records: %w", err)
	}
	defer rows.Close()

	var records []model.LedgerRecord
	for rows.Next() {
		var r model.LedgerRecord
		if err := rows.Scan(
			&r.ID, &r.SellerID, &r.ReportType, &r.RecordType, &r.Amount, &r.Currency, &r.RecordDate,
			&r.SKU, &r.OrderID, &r.Description, &r.Source, &r.ExternalID, &r.Metadata,
			&r.WindowStart, &r.WindowEnd, &r.CreatedAt, &r.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("storage: scan record: %w", err)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// CountRecords returns how many ledger records match the filter.
func (db *DB) CountRecords(ctx context.Context, sellerID uuid.UUID, filter RecordFilter) (int64, error) {
	query, args := recordFilterSQL(`SELECT count(*) FROM ledger_records`, sellerID, filter)
	var count int64
	if err := db.pool.QueryRow(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("storage: count records: %w", err)
	}
	return count, nil
}

// GetRecord retrieves one ledger record, scoped by seller.
func (db *DB) GetRecord(ctx context.Context, sellerID, id uuid.UUID) (model.LedgerRecord, error) {
	var r model.LedgerRecord
	err := db.pool.QueryRow(ctx,
		`SELECT `+recordColumns+` FROM ledger_records WHERE id = $1 AND seller_id = $2`, id, sellerID,
	).Scan(
		&r.ID, &r.SellerID, &r.ReportType, &r.RecordType, &r.Amount, &r.Currency, &r.RecordDate,
		&r.SKU, &r.OrderID, &r.Description, &r.Source, &r.ExternalID, &r.Metadata,
		&r.WindowStart, &r.WindowEnd, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return model.LedgerRecord{}, fmt.Errorf("storage: record %s: %w", id, ErrNotFound)
		}
		return model.LedgerRecord{}, fmt.Errorf("storage: get record: %w", err)
	}
	return r, nil
}

func recordFilterSQL(prefix string, sellerID uuid.UUID, filter RecordFilter) (string, []any) {
	query := prefix + ` WHERE seller_id = $1`
	args := []any{sellerID}
	if filter.ReportType != nil {
		args = append(args, string(*filter.ReportType))
		query += fmt.Sprintf(` AND report_type = $%d`, len(args))
	}
	if filter.RecordType != nil {
		args = append(args, string(*filter.RecordType))
		query += fmt.Sprintf(` AND record_type = $%d`, len(args))
	}
	if filter.From != nil {
		args = append(args, *filter.From)
		query += fmt.Sprintf(` AND record_date >= $%d`, len(args))
	}
	if filter.To != nil {
		args = append(args, *filter.To)
		query += fmt.Sprintf(` AND record_date <= $%d`, len(args))
	}
	return query, args
}
