package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/recoup-ai/recoup/internal/model"
)

const matchColumns = `m.claim_id, m.document_id, m.match_type, m.matched_fields, m.rule_score,
	 m.ml_score, m.final_confidence, m.reasoning, m.action, m.created_at, m.updated_at`

// ApplyAutoMatch persists a high-confidence routing outcome in one
// transaction: the match result, an auto_match evidence link, the claim
// moving to disputed, and a pending dispute case. Every write is an upsert on
// (claim_id, document_id) or (claim_id), so re-running a matcher converges
// without duplicates.
func (db *DB) ApplyAutoMatch(ctx context.Context, sellerID uuid.UUID, m model.MatchResult) error {
	// Concurrent match workers touching the same claim can deadlock; retry.
	return WithRetry(ctx, 3, 10*time.Millisecond, func() error {
		tx, err := db.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("storage: begin auto match tx: %w", err)
		}
		defer func() { _ = tx.Rollback(ctx) }()

		if err := upsertMatchResultTx(ctx, tx, m); err != nil {
			return err
		}
		if err := upsertLinkTx(ctx, tx, m.ClaimID, m.DocumentID, model.LinkAutoMatch); err != nil {
			return err
		}
		if err := setClaimStateTx(ctx, tx, sellerID, m.ClaimID, model.ClaimDisputed); err != nil {
			return err
		}
		if _, err := insertDisputeTx(ctx, tx, sellerID, m.ClaimID); err != nil {
			return err
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("storage: commit auto match: %w", err)
		}
		return nil
	})
}

// ApplyPromptMatch persists a mid-confidence routing outcome: the match
// result, an ml_suggested link, a pending smart prompt (skipped if one
// already exists for the pair), and the claim moving to reviewed. Returns
// whether a new prompt was created.
func (db *DB) ApplyPromptMatch(ctx context.Context, sellerID uuid.UUID, m model.MatchResult, question string) (bool, error) {
	var created bool
	err := WithRetry(ctx, 3, 10*time.Millisecond, func() error {
		tx, err := db.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("storage: begin prompt match tx: %w", err)
		}
		defer func() { _ = tx.Rollback(ctx) }()

		if err := upsertMatchResultTx(ctx, tx, m); err != nil {
			return err
		}
		if err := upsertLinkTx(ctx, tx, m.ClaimID, m.DocumentID, model.LinkMLSuggested); err != nil {
			return err
		}

		tag, err := tx.Exec(ctx,
			`INSERT INTO smart_prompts (id, seller_id, claim_id, document_id, question, options, status, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, 'pending', now(), now())
			 ON CONFLICT (claim_id, document_id) DO NOTHING`,
			uuid.New(), sellerID, m.ClaimID, m.DocumentID, question, model.DefaultPromptOptions(),
		)
		if err != nil {
			return fmt.Errorf("storage: insert prompt: %w", err)
		}
		created = tag.RowsAffected() == 1

		if err := setClaimStateTx(ctx, tx, sellerID, m.ClaimID, model.ClaimReviewed); err != nil {
			return err
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("storage: commit prompt match: %w", err)
		}
		return nil
	})
	return created, err
}

// ApplyHoldMatch persists a low-confidence routing outcome: the match result
// and a manual_review link. The claim stays where it is.
func (db *DB) ApplyHoldMatch(ctx context.Context, m model.MatchResult) error {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("storage: begin hold match tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := upsertMatchResultTx(ctx, tx, m); err != nil {
		return err
	}
	if err := upsertLinkTx(ctx, tx, m.ClaimID, m.DocumentID, model.LinkManualReview); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("storage: commit hold match: %w", err)
	}
	return nil
}

// MatchFilter narrows ListMatches. Zero fields mean no constraint.
type MatchFilter struct {
	ClaimID *uuid.UUID
	Action  *model.Action
	Limit   int
	Offset  int
}

// ListMatches returns match results for a seller, most recently updated
// first. Seller scoping goes through the owning claim. Limit defaults to 100
// when unset.
func (db *DB) ListMatches(ctx context.Context, sellerID uuid.UUID, filter MatchFilter) ([]model.MatchResult, error) {
	if filter.Limit <= 0 {
		filter.Limit = 100
	}
	query := `SELECT ` + matchColumns + `
	 FROM match_results m
	 JOIN claim_candidates c ON c.id = m.claim_id
	 WHERE c.seller_id = $1`
	args := []any{sellerID}
	if filter.ClaimID != nil {
		args = append(args, *filter.ClaimID)
		query += fmt.Sprintf(` AND m.claim_id = $%d`, len(args))
	}
	if filter.Action != nil {
		args = append(args, string(*filter.Action))
		query += fmt.Sprintf(` AND m.action = $%d`, len(args))
	}
	query += fmt.Sprintf(` ORDER BY m.updated_at DESC, m.claim_id, m.document_id LIMIT $%d OFFSET $%d`,
		len(args)+1, len(args)+2)
	args = append(args, filter.Limit, filter.Offset)

	rows, err := db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: list matches: %w", err)
	}
	defer rows.Close()

	var matches []model.MatchResult
	for rows.Next() {
		m, err := scanMatch(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan match: %w", err)
		}
		matches = append(matches, m)
	}
	return matches, rows.Err()
}

// ListLinksForClaim returns the evidence links attached to a claim.
func (db *DB) ListLinksForClaim(ctx context.Context, sellerID, claimID uuid.UUID) ([]model.EvidenceLink, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT l.claim_id, l.document_id, l.link_kind, l.created_at, l.updated_at
		 FROM evidence_links l
		 JOIN claim_candidates c ON c.id = l.claim_id
		 WHERE c.seller_id = $1 AND l.claim_id = $2
		 ORDER BY l.created_at, l.document_id`, sellerID, claimID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list links: %w", err)
	}
	defer rows.Close()

	var links []model.EvidenceLink
	for rows.Next() {
		var l model.EvidenceLink
		if err := rows.Scan(&l.ClaimID, &l.DocumentID, &l.LinkKind, &l.CreatedAt, &l.UpdatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan link: %w", err)
		}
		links = append(links, l)
	}
	return links, rows.Err()
}

func upsertMatchResultTx(ctx context.Context, tx pgx.Tx, m model.MatchResult) error {
	fields := m.MatchedFields
	if fields == nil {
		fields = []string{}
	}
	_, err := tx.Exec(ctx,
		`INSERT INTO match_results (claim_id, document_id, match_type, matched_fields, rule_score,
		 ml_score, final_confidence, reasoning, action, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, now(), now())
		 ON CONFLICT (claim_id, document_id) DO UPDATE SET
		  match_type = EXCLUDED.match_type,
		  matched_fields = EXCLUDED.matched_fields,
		  rule_score = EXCLUDED.rule_score,
		  ml_score = EXCLUDED.ml_score,
		  final_confidence = EXCLUDED.final_confidence,
		  reasoning = EXCLUDED.reasoning,
		  action = EXCLUDED.action,
		  updated_at = now()`,
		m.ClaimID, m.DocumentID, string(m.MatchType), fields, m.RuleScore,
		m.MLScore, m.FinalConfidence, m.Reasoning, string(m.Action),
	)
	if err != nil {
		return fmt.Errorf("storage: upsert match result: %w", err)
	}
	return nil
}

func upsertLinkTx(ctx context.Context, tx pgx.Tx, claimID, documentID uuid.UUID, kind model.LinkKind) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO evidence_links (claim_id, document_id, link_kind, created_at, updated_at)
		 VALUES ($1, $2, $3, now(), now())
		 ON CONFLICT (claim_id, document_id) DO UPDATE SET
		  link_kind = EXCLUDED.link_kind, updated_at = now()`,
		claimID, documentID, string(kind),
	)
	if err != nil {
		return fmt.Errorf("storage: upsert evidence link: %w", err)
	}
	return nil
}

// setClaimStateTx transitions a claim unless it already reached a later
// state; a disputed or resolved claim is never demoted by a matcher re-run.
func setClaimStateTx(ctx context.Context, tx pgx.Tx, sellerID, claimID uuid.UUID, state model.ClaimState) error {
	_, err := tx.Exec(ctx,
		`UPDATE claim_candidates SET state = $1, updated_at = now()
		 WHERE id = $2 AND seller_id = $3 AND state IN ('pending', 'reviewed')`,
		string(state), claimID, sellerID,
	)
	if err != nil {
		return fmt.Errorf("storage: set claim state: %w", err)
	}
	return nil
}

func insertDisputeTx(ctx context.Context, tx pgx.Tx, sellerID, claimID uuid.UUID) (bool, error) {
	tag, err := tx.Exec(ctx,
		`INSERT INTO dispute_cases (id, seller_id, claim_id, filing_status, created_at, updated_at)
		 VALUES ($1, $2, $3, 'pending', now(), now())
		 ON CONFLICT (claim_id) DO NOTHING`,
		uuid.New(), sellerID, claimID,
	)
	if err != nil {
		return false, fmt.Errorf("storage: insert dispute: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func scanMatch(row pgx.Row) (model.MatchResult, error) {
	var m model.MatchResult
	err := row.Scan(
		&m.ClaimID, &m.DocumentID, &m.MatchType, &m.MatchedFields, &m.RuleScore,
		&m.MLScore, &m.FinalConfidence, &m.Reasoning, &m.Action, &m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		return model.MatchResult{}, err
	}
	return m, nil
}
