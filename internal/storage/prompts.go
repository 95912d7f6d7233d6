package storage

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/recoup-ai/recoup/internal/model"
)

const promptColumns = `id, seller_id, claim_id, document_id, question, options, status, answer,
	 created_at, updated_at`

// GetPrompt retrieves a smart prompt by ID, scoped by seller.
func (db *DB) GetPrompt(ctx context.Context, sellerID, id uuid.UUID) (model.SmartPrompt, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT `+promptColumns+` FROM smart_prompts WHERE id = $1 AND seller_id = $2`, id, sellerID,
	)
	prompt, err := scanPrompt(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return model.SmartPrompt{}, fmt.Errorf("storage: prompt %s: %w", id, ErrNotFound)
		}
		return model.SmartPrompt{}, fmt.Errorf("storage: get prompt: %w", err)
	}
	return prompt, nil
}

// ListPrompts returns a seller's smart prompts, newest first, optionally
// filtered by status. Limit defaults to 100 when unset.
func (db *DB) ListPrompts(ctx context.Context, sellerID uuid.UUID, status *model.PromptStatus, limit, offset int) ([]model.SmartPrompt, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + promptColumns + ` FROM smart_prompts WHERE seller_id = $1`
	args := []any{sellerID}
	if status != nil {
		args = append(args, string(*status))
		query += fmt.Sprintf(` AND status = $%d`, len(args))
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC, id LIMIT $%d OFFSET $%d`, len(args)+1, len(args)+2)
	args = append(args, limit, offset)

	rows, err := db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: list prompts: %w", err)
	}
	defer rows.Close()

	var prompts []model.SmartPrompt
	for rows.Next() {
		prompt, err := scanPrompt(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan prompt: %w", err)
		}
		prompts = append(prompts, prompt)
	}
	return prompts, rows.Err()
}

// CountPrompts returns how many prompts a seller has, optionally by status.
func (db *DB) CountPrompts(ctx context.Context, sellerID uuid.UUID, status *model.PromptStatus) (int64, error) {
	query := `SELECT count(*) FROM smart_prompts WHERE seller_id = $1`
	args := []any{sellerID}
	if status != nil {
		args = append(args, string(*status))
		query += ` AND status = $2`
	}
	var count int64
	if err := db.pool.QueryRow(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("storage: count prompts: %w", err)
	}
	return count, nil
}

// AnswerPrompt applies a seller's answer to a pending prompt in one
// transaction:
//
//	yes    — prompt answered; evidence link upgraded to auto_match; claim
//	         disputed with a pending dispute case.
//	no     — prompt dismissed; the suggested link is removed; the claim drops
//	         back to pending.
//	review — prompt answered; link set to manual_review; the claim drops back
//	         to pending for manual handling.
//
// Answering a prompt that is not pending returns ErrConflict. Returns the
// updated prompt.
func (db *DB) AnswerPrompt(ctx context.Context, sellerID, id uuid.UUID, answer string) (model.SmartPrompt, error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return model.SmartPrompt{}, fmt.Errorf("storage: begin answer tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	row := tx.QueryRow(ctx,
		`SELECT `+promptColumns+` FROM smart_prompts WHERE id = $1 AND seller_id = $2 FOR UPDATE`,
		id, sellerID,
	)
	prompt, err := scanPrompt(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return model.SmartPrompt{}, fmt.Errorf("storage: prompt %s: %w", id, ErrNotFound)
		}
		return model.SmartPrompt{}, fmt.Errorf("storage: lock prompt: %w", err)
	}
	if prompt.Status != model.PromptPending {
		return model.SmartPrompt{}, fmt.Errorf("storage: prompt %s already %s: %w", id, prompt.Status, ErrConflict)
	}

	status := model.PromptAnswered
	switch answer {
	case model.PromptAnswerYes:
		if err := upsertLinkTx(ctx, tx, prompt.ClaimID, prompt.DocumentID, model.LinkAutoMatch); err != nil {
			return model.SmartPrompt{}, err
		}
		if err := setClaimStateTx(ctx, tx, sellerID, prompt.ClaimID, model.ClaimDisputed); err != nil {
			return model.SmartPrompt{}, err
		}
		if _, err := insertDisputeTx(ctx, tx, sellerID, prompt.ClaimID); err != nil {
			return model.SmartPrompt{}, err
		}

	case model.PromptAnswerNo:
		status = model.PromptDismissed
		if _, err := tx.Exec(ctx,
			`DELETE FROM evidence_links WHERE claim_id = $1 AND document_id = $2`,
			prompt.ClaimID, prompt.DocumentID,
		); err != nil {
			return model.SmartPrompt{}, fmt.Errorf("storage: delete evidence link: %w", err)
		}
		if err := setClaimStateTx(ctx, tx, sellerID, prompt.ClaimID, model.ClaimPending); err != nil {
			return model.SmartPrompt{}, err
		}

	case model.PromptAnswerReview:
		if err := upsertLinkTx(ctx, tx, prompt.ClaimID, prompt.DocumentID, model.LinkManualReview); err != nil {
			return model.SmartPrompt{}, err
		}
		if err := setClaimStateTx(ctx, tx, sellerID, prompt.ClaimID, model.ClaimPending); err != nil {
			return model.SmartPrompt{}, err
		}

	default:
		return model.SmartPrompt{}, fmt.Errorf("storage: unknown prompt answer %q", answer)
	}

	row = tx.QueryRow(ctx,
		`UPDATE smart_prompts SET status = $2, answer = $3, updated_at = now()
		 WHERE id = $1
		 RETURNING `+promptColumns,
		id, string(status), answer,
	)
	updated, err := scanPrompt(row)
	if err != nil {
		return model.SmartPrompt{}, fmt.Errorf("storage: update prompt: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return model.SmartPrompt{}, fmt.Errorf("storage: commit answer: %w", err)
	}
	return updated, nil
}

func scanPrompt(row pgx.Row) (model.SmartPrompt, error) {
	var p model.SmartPrompt
	err := row.Scan(
		&p.ID, &p.SellerID, &p.ClaimID, &p.DocumentID, &p.Question, &p.Options, &p.Status, &p.Answer,
		&p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return model.SmartPrompt{}, err
	}
	return p, nil
}
