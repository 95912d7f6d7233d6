package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/recoup-ai/recoup/internal/model"
)

const claimColumns = `id, seller_id, category, subcategory, reason_code, state, identifiers,
	 amount, currency, discovery_date, deadline_date, confidence_seed, evidence, rule,
	 source_record_id, created_at, updated_at`

// UpsertCandidates inserts generated claim candidates, skipping any that
// already exist on (seller_id, rule, source_record_id). Existing rows are
// left untouched so regeneration never clobbers a claim the seller has
// already reviewed or disputed. Returns the number actually created.
func (db *DB) UpsertCandidates(ctx context.Context, candidates []model.ClaimCandidate) (int, error) {
	if len(candidates) == 0 {
		return 0, nil
	}

	batch := &pgx.Batch{}
	now := time.Now().UTC()
	for _, c := range candidates {
		id := c.ID
		if id == uuid.Nil {
			id = uuid.New()
		}
		evidence := c.Evidence
		if evidence == nil {
			evidence = map[string]any{}
		}
		batch.Queue(
			`INSERT INTO claim_candidates (id, seller_id, category, subcategory, reason_code, state,
			 identifiers, amount, currency, discovery_date, deadline_date, confidence_seed, evidence,
			 rule, source_record_id, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
			 ON CONFLICT (seller_id, rule, source_record_id) DO NOTHING`,
			id, c.SellerID, string(c.Category), c.Subcategory, c.ReasonCode, string(model.ClaimPending),
			c.Identifiers, c.Amount, c.Currency, c.DiscoveryDate, c.DeadlineDate, c.ConfidenceSeed,
			evidence, c.Rule, c.SourceRecordID, now, now,
		)
	}

	br := db.pool.SendBatch(ctx, batch)
	created := 0
	for range candidates {
		tag, err := br.Exec()
		if err != nil {
			_ = br.Close()
			return 0, fmt.Errorf("storage: upsert candidate: %w", err)
		}
		created += int(tag.RowsAffected())
	}
	if err := br.Close(); err != nil {
		return 0, fmt.Errorf("storage: close candidate batch: %w", err)
	}
	return created, nil
}

// GetClaim retrieves a claim candidate by ID, scoped by seller.
func (db *DB) GetClaim(ctx context.Context, sellerID, id uuid.UUID) (model.ClaimCandidate, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT `+claimColumns+` FROM claim_candidates WHERE id = $1 AND seller_id = $2`, id, sellerID,
	)
	claim, err := scanClaim(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return model.ClaimCandidate{}, fmt.Errorf("storage: claim %s: %w", id, ErrNotFound)
		}
		return model.ClaimCandidate{}, fmt.Errorf("storage: get claim: %w", err)
	}
	return claim, nil
}

// ClaimFilter narrows ListClaims. Zero fields mean no constraint.
type ClaimFilter struct {
	State    *model.ClaimState
	Category *model.ClaimCategory
	Limit    int
	Offset   int
}

// ListClaims returns a seller's claim candidates ordered by nearest filing
// deadline first. Limit defaults to 100 when unset.
func (db *DB) ListClaims(ctx context.Context, sellerID uuid.UUID, filter ClaimFilter) ([]model.ClaimCandidate, error) {
	if filter.Limit <= 0 {
		filter.Limit = 100
	}
	query, args := claimFilterSQL(`SELECT `+claimColumns+` FROM claim_candidates`, sellerID, filter)
	query += fmt.Sprintf(` ORDER BY deadline_date ASC, id LIMIT $%d OFFSET $%d`, len(args)+1, len(args)+2)
	args = append(args, filter.Limit, filter.Offset)

	rows, err := db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: list claims: %w", err)
	}
	defer rows.Close()

	var claims []model.ClaimCandidate
	for rows.Next() {
		claim, err := scanClaim(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan claim: %w", err)
		}
		claims = append(claims, claim)
	}
	return claims, rows.Err()
}

// CountClaims returns how many claim candidates match the filter.
func (db *DB) CountClaims(ctx context.Context, sellerID uuid.UUID, filter ClaimFilter) (int64, error) {
	query, args := claimFilterSQL(`SELECT count(*) FROM claim_candidates`, sellerID, filter)
	var count int64
	if err := db.pool.QueryRow(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("storage: count claims: %w", err)
	}
	return count, nil
}

// ListClaimsForMatching returns the claims a matching run should consider:
// those not yet disputed or resolved.
func (db *DB) ListClaimsForMatching(ctx context.Context, sellerID uuid.UUID) ([]model.ClaimCandidate, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+claimColumns+` FROM claim_candidates
		 WHERE seller_id = $1 AND state IN ('pending', 'reviewed')
		 ORDER BY deadline_date ASC, id`, sellerID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list claims for matching: %w", err)
	}
	defer rows.Close()

	var claims []model.ClaimCandidate
	for rows.Next() {
		claim, err := scanClaim(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan claim: %w", err)
		}
		claims = append(claims, claim)
	}
	return claims, rows.Err()
}

// UpdateClaimState transitions a claim, scoped by seller.
func (db *DB) UpdateClaimState(ctx context.Context, sellerID, id uuid.UUID, state model.ClaimState) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE claim_candidates SET state = $1, updated_at = now() WHERE id = $2 AND seller_id = $3`,
		string(state), id, sellerID,
	)
	if err != nil {
		return fmt.Errorf("storage: update claim state: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: claim %s: %w", id, ErrNotFound)
	}
	return nil
}

func scanClaim(row pgx.Row) (model.ClaimCandidate, error) {
	var c model.ClaimCandidate
	err := row.Scan(
		&c.ID, &c.SellerID, &c.Category, &c.Subcategory, &c.ReasonCode, &c.State, &c.Identifiers,
		&c.Amount, &c.Currency, &c.DiscoveryDate, &c.DeadlineDate, &c.ConfidenceSeed, &c.Evidence,
		&c.Rule, &c.SourceRecordID, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return model.ClaimCandidate{}, err
	}
	return c, nil
}

func claimFilterSQL(prefix string, sellerID uuid.UUID, filter ClaimFilter) (string, []any) {
	query := prefix + ` WHERE seller_id = $1`
	args := []any{sellerID}
	if filter.State != nil {
		args = append(args, string(*filter.State))
		query += fmt.Sprintf(` AND state = $%d`, len(args))
	}
	if filter.Category != nil {
		args = append(args, string(*filter.Category))
		query += fmt.Sprintf(` AND category = $%d`, len(args))
	}
	return query, args
}
