package storage

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/recoup-ai/recoup/internal/model"
)

const disputeColumns = `id, seller_id, claim_id, filing_status, submission_ref, created_at, updated_at`

// GetDispute retrieves a dispute case by ID, scoped by seller.
func (db *DB) GetDispute(ctx context.Context, sellerID, id uuid.UUID) (model.DisputeCase, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT `+disputeColumns+` FROM dispute_cases WHERE id = $1 AND seller_id = $2`, id, sellerID,
	)
	dispute, err := scanDispute(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return model.DisputeCase{}, fmt.Errorf("storage: dispute %s: %w", id, ErrNotFound)
		}
		return model.DisputeCase{}, fmt.Errorf("storage: get dispute: %w", err)
	}
	return dispute, nil
}

// GetDisputeByClaim retrieves the dispute case for a claim, if any.
func (db *DB) GetDisputeByClaim(ctx context.Context, sellerID, claimID uuid.UUID) (model.DisputeCase, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT `+disputeColumns+` FROM dispute_cases WHERE claim_id = $1 AND seller_id = $2`, claimID, sellerID,
	)
	dispute, err := scanDispute(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return model.DisputeCase{}, fmt.Errorf("storage: dispute for claim %s: %w", claimID, ErrNotFound)
		}
		return model.DisputeCase{}, fmt.Errorf("storage: get dispute by claim: %w", err)
	}
	return dispute, nil
}

// ListDisputes returns a seller's dispute cases, newest first, optionally
// filtered by filing status. Limit defaults to 100 when unset.
func (db *DB) ListDisputes(ctx context.Context, sellerID uuid.UUID, status *model.FilingStatus, limit, offset int) ([]model.DisputeCase, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + disputeColumns + ` FROM dispute_cases WHERE seller_id = $1`
	args := []any{sellerID}
	if status != nil {
		args = append(args, string(*status))
		query += fmt.Sprintf(` AND filing_status = $%d`, len(args))
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC, id LIMIT $%d OFFSET $%d`, len(args)+1, len(args)+2)
	args = append(args, limit, offset)

	rows, err := db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: list disputes: %w", err)
	}
	defer rows.Close()

	var disputes []model.DisputeCase
	for rows.Next() {
		dispute, err := scanDispute(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan dispute: %w", err)
		}
		disputes = append(disputes, dispute)
	}
	return disputes, rows.Err()
}

// UpdateDisputeFiling advances a dispute through the external filing
// lifecycle and records the provider's submission reference when one exists.
func (db *DB) UpdateDisputeFiling(ctx context.Context, sellerID, id uuid.UUID, status model.FilingStatus, submissionRef *string) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE dispute_cases
		 SET filing_status = $3, submission_ref = COALESCE($4, submission_ref), updated_at = now()
		 WHERE id = $1 AND seller_id = $2`,
		id, sellerID, string(status), submissionRef,
	)
	if err != nil {
		return fmt.Errorf("storage: update dispute filing: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: dispute %s: %w", id, ErrNotFound)
	}
	return nil
}

func scanDispute(row pgx.Row) (model.DisputeCase, error) {
	var d model.DisputeCase
	err := row.Scan(&d.ID, &d.SellerID, &d.ClaimID, &d.FilingStatus, &d.SubmissionRef, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return model.DisputeCase{}, err
	}
	return d, nil
}
