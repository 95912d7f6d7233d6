package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/recoup-ai/recoup/internal/model"
)

// ErrNoJobs is returned by ClaimJob when nothing is claimable.
var ErrNoJobs = errors.New("storage: no jobs available")

const jobColumns = `id, seller_id, job_kind, priority, state, window_start, window_end,
	 report_types, progress_current, progress_total, checkpoint_window, checkpoint_report,
	 attempts, cancel_requested, locked_until, locked_by, last_error, created_at, updated_at`

// EnqueueJob inserts a queued job. The partial unique index on
// (seller_id, job_kind) WHERE state IN ('queued','running') rejects a second
// active job of the same kind; that collision surfaces as ErrConflict.
func (db *DB) EnqueueJob(ctx context.Context, job model.SyncJob) (model.SyncJob, error) {
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	if job.ReportTypes == nil {
		job.ReportTypes = []model.ReportType{}
	}
	job.State = model.JobQueued
	now := time.Now().UTC()
	job.CreatedAt = now
	job.UpdatedAt = now

	_, err := db.pool.Exec(ctx,
		`INSERT INTO sync_jobs (id, seller_id, job_kind, priority, state, window_start, window_end, report_types, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		job.ID, job.SellerID, string(job.Kind), job.Priority, string(job.State),
		job.WindowStart, job.WindowEnd, reportTypeStrings(job.ReportTypes),
		job.CreatedAt, job.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return model.SyncJob{}, fmt.Errorf("storage: active %s job already exists for seller %s: %w",
				job.Kind, job.SellerID, ErrConflict)
		}
		return model.SyncJob{}, fmt.Errorf("storage: enqueue job: %w", err)
	}

	// Wake idle workers. Workers also poll on an interval, so a lost
	// notification only delays pickup.
	_ = db.Notify(ctx, ChannelJobs, job.ID.String())

	return job, nil
}

// ClaimJob atomically claims the next runnable job of one of the given kinds:
// lowest priority number first, then oldest. A job is runnable when it is queued (or
// running with an expired lease, meaning its worker died) and its attempt
// budget is not exhausted. The claim moves it to running, increments attempts,
// and takes a lease. Returns ErrNoJobs when the queue is empty.
func (db *DB) ClaimJob(ctx context.Context, kinds []model.JobKind, workerID string, lease time.Duration, maxAttempts int) (model.SyncJob, error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return model.SyncJob{}, fmt.Errorf("storage: begin claim tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	kindStrs := make([]string, len(kinds))
	for i, k := range kinds {
		kindStrs[i] = string(k)
	}

	var id uuid.UUID
	err = tx.QueryRow(ctx,
		`SELECT id FROM sync_jobs
		 WHERE job_kind = ANY($1)
		   AND state IN ('queued', 'running')
		   AND (locked_until IS NULL OR locked_until < now())
		   AND attempts < $2
		   AND NOT cancel_requested
		 ORDER BY priority ASC, created_at ASC
		 LIMIT 1
		 FOR UPDATE SKIP LOCKED`,
		kindStrs, maxAttempts,
	).Scan(&id)
	if err != nil {
		if err == pgx.ErrNoRows {
			return model.SyncJob{}, ErrNoJobs
		}
		return model.SyncJob{}, fmt.Errorf("storage: select claimable job: %w", err)
	}

	lockedUntil := time.Now().UTC().Add(lease)
	row := tx.QueryRow(ctx,
		`UPDATE sync_jobs
		 SET state = 'running', attempts = attempts + 1, locked_until = $2, locked_by = $3, updated_at = now()
		 WHERE id = $1
		 RETURNING `+jobColumns,
		id, lockedUntil, workerID,
	)
	job, err := scanSyncJob(row)
	if err != nil {
		return model.SyncJob{}, fmt.Errorf("storage: claim job: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return model.SyncJob{}, fmt.Errorf("storage: commit claim: %w", err)
	}
	return job, nil
}

// ExtendLease pushes a running job's lease out to the given time. Fails with
// ErrNotFound if the caller no longer holds the job (lease expired and another
// worker claimed it, or the job left the running state).
func (db *DB) ExtendLease(ctx context.Context, id uuid.UUID, workerID string, until time.Time) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE sync_jobs SET locked_until = $3, updated_at = now()
		 WHERE id = $1 AND locked_by = $2 AND state = 'running'`,
		id, workerID, until,
	)
	if err != nil {
		return fmt.Errorf("storage: extend lease: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: lease lost on job %s: %w", id, ErrNotFound)
	}
	return nil
}

// CheckpointJob persists resume position and progress counters for a running
// job. A restarted job continues from the last checkpoint rather than from
// the beginning.
func (db *DB) CheckpointJob(ctx context.Context, id uuid.UUID, windowIdx, reportIdx, current, total int) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE sync_jobs
		 SET checkpoint_window = $2, checkpoint_report = $3, progress_current = $4, progress_total = $5, updated_at = now()
		 WHERE id = $1 AND state = 'running'`,
		id, windowIdx, reportIdx, current, total,
	)
	if err != nil {
		return fmt.Errorf("storage: checkpoint job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: checkpoint job %s: %w", id, ErrNotFound)
	}
	return nil
}

// CompleteJob moves a running job to completed and releases its lease.
func (db *DB) CompleteJob(ctx context.Context, id uuid.UUID) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE sync_jobs
		 SET state = 'completed', locked_until = NULL, locked_by = NULL, last_error = NULL, updated_at = now()
		 WHERE id = $1 AND state = 'running'`,
		id,
	)
	if err != nil {
		return fmt.Errorf("storage: complete job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: complete job %s: %w", id, ErrNotFound)
	}
	return nil
}

// FailJob records a job failure. While attempts remain the job goes back to
// queued with locked_until doubling as a not-before backoff
// (baseDelay * 2^attempts); once the budget is spent it becomes failed.
// Returns the resulting state.
func (db *DB) FailJob(ctx context.Context, id uuid.UUID, errMsg string, maxAttempts int, baseDelay time.Duration) (model.JobState, error) {
	var state string
	err := db.pool.QueryRow(ctx,
		`UPDATE sync_jobs
		 SET state = CASE WHEN attempts >= $2 THEN 'failed' ELSE 'queued' END,
		     locked_until = CASE WHEN attempts >= $2 THEN NULL
		                         ELSE now() + ($3 * power(2, attempts) * interval '1 second') END,
		     locked_by = NULL,
		     last_error = $4,
		     updated_at = now()
		 WHERE id = $1 AND state = 'running'
		 RETURNING state`,
		id, maxAttempts, baseDelay.Seconds(), errMsg,
	).Scan(&state)
	if err != nil {
		if err == pgx.ErrNoRows {
			return "", fmt.Errorf("storage: fail job %s: %w", id, ErrNotFound)
		}
		return "", fmt.Errorf("storage: fail job: %w", err)
	}
	return model.JobState(state), nil
}

// CancelJob cancels a job on behalf of its seller. Queued jobs cancel
// immediately; running jobs get cancel_requested set and the runner stops at
// the next task boundary. Cancelling a terminal job returns ErrConflict.
func (db *DB) CancelJob(ctx context.Context, sellerID, id uuid.UUID) (model.JobState, error) {
	var state string
	err := db.pool.QueryRow(ctx,
		`UPDATE sync_jobs
		 SET state = CASE WHEN state = 'queued' THEN 'cancelled' ELSE state END,
		     cancel_requested = CASE WHEN state = 'running' THEN true ELSE cancel_requested END,
		     locked_until = CASE WHEN state = 'queued' THEN NULL ELSE locked_until END,
		     updated_at = now()
		 WHERE id = $1 AND seller_id = $2 AND state IN ('queued', 'running')
		 RETURNING state`,
		id, sellerID,
	).Scan(&state)
	if err == nil {
		return model.JobState(state), nil
	}
	if err != pgx.ErrNoRows {
		return "", fmt.Errorf("storage: cancel job: %w", err)
	}

	// Nothing updated: distinguish missing from already terminal.
	job, getErr := db.GetJob(ctx, sellerID, id)
	if getErr != nil {
		return "", getErr
	}
	return job.State, fmt.Errorf("storage: job %s is %s: %w", id, job.State, ErrConflict)
}

// CancelRequested reports whether a cancel has been requested for the job.
// Runners poll this between tasks.
func (db *DB) CancelRequested(ctx context.Context, id uuid.UUID) (bool, error) {
	var requested bool
	err := db.pool.QueryRow(ctx,
		`SELECT cancel_requested FROM sync_jobs WHERE id = $1`, id,
	).Scan(&requested)
	if err != nil {
		if err == pgx.ErrNoRows {
			return false, fmt.Errorf("storage: job %s: %w", id, ErrNotFound)
		}
		return false, fmt.Errorf("storage: cancel requested: %w", err)
	}
	return requested, nil
}

// MarkJobCancelled acknowledges a cancel request: the runner observed it and
// stopped, so the job moves from running to cancelled.
func (db *DB) MarkJobCancelled(ctx context.Context, id uuid.UUID) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE sync_jobs
		 SET state = 'cancelled', locked_until = NULL, locked_by = NULL, updated_at = now()
		 WHERE id = $1 AND state = 'running'`,
		id,
	)
	if err != nil {
		return fmt.Errorf("storage: mark job cancelled: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: mark job cancelled %s: %w", id, ErrNotFound)
	}
	return nil
}

// ReapStuckJobs finalizes running jobs whose lease expired and that cannot be
// retried: jobs over the attempt budget become failed, jobs with a pending
// cancel become cancelled. Returns the number of jobs reaped. Expired jobs
// with attempts remaining are left alone; ClaimJob picks those up directly.
func (db *DB) ReapStuckJobs(ctx context.Context, maxAttempts int) (int64, error) {
	tag, err := db.pool.Exec(ctx,
		`UPDATE sync_jobs
		 SET state = CASE WHEN cancel_requested THEN 'cancelled' ELSE 'failed' END,
		     last_error = CASE WHEN cancel_requested THEN last_error ELSE 'worker lease expired' END,
		     locked_until = NULL, locked_by = NULL, updated_at = now()
		 WHERE state = 'running'
		   AND locked_until IS NOT NULL AND locked_until < now()
		   AND (attempts >= $1 OR cancel_requested)`,
		maxAttempts,
	)
	if err != nil {
		return 0, fmt.Errorf("storage: reap stuck jobs: %w", err)
	}
	return tag.RowsAffected(), nil
}

// GetJob retrieves a job by ID, scoped by seller.
func (db *DB) GetJob(ctx context.Context, sellerID, id uuid.UUID) (model.SyncJob, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM sync_jobs WHERE id = $1 AND seller_id = $2`, id, sellerID,
	)
	job, err := scanSyncJob(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return model.SyncJob{}, fmt.Errorf("storage: job %s: %w", id, ErrNotFound)
		}
		return model.SyncJob{}, fmt.Errorf("storage: get job: %w", err)
	}
	return job, nil
}

// ListJobs returns a seller's jobs, newest first, optionally filtered by state.
// The limit caps rows returned; if limit <= 0 it defaults to 100.
func (db *DB) ListJobs(ctx context.Context, sellerID uuid.UUID, state *model.JobState, limit int) ([]model.SyncJob, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + jobColumns + ` FROM sync_jobs WHERE seller_id = $1`
	args := []any{sellerID}
	if state != nil {
		query += ` AND state = $2`
		args = append(args, string(*state))
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d`, len(args)+1)
	args = append(args, limit)

	rows, err := db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []model.SyncJob
	for rows.Next() {
		job, err := scanSyncJob(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func scanSyncJob(row pgx.Row) (model.SyncJob, error) {
	var j model.SyncJob
	var types []string
	err := row.Scan(
		&j.ID, &j.SellerID, &j.Kind, &j.Priority, &j.State, &j.WindowStart, &j.WindowEnd,
		&types, &j.ProgressCurrent, &j.ProgressTotal, &j.CheckpointWindow, &j.CheckpointReport,
		&j.Attempts, &j.CancelRequested, &j.LockedUntil, &j.LockedBy, &j.LastError,
		&j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		return model.SyncJob{}, err
	}
	j.ReportTypes = toReportTypes(types)
	return j, nil
}

func reportTypeStrings(types []model.ReportType) []string {
	out := make([]string, len(types))
	for i, t := range types {
		out[i] = string(t)
	}
	return out
}

func toReportTypes(ss []string) []model.ReportType {
	out := make([]model.ReportType, len(ss))
	for i, s := range ss {
		out[i] = model.ReportType(s)
	}
	return out
}
