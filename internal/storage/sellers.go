package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/recoup-ai/recoup/internal/model"
)

// CreateSeller inserts a new seller.
func (db *DB) CreateSeller(ctx context.Context, seller model.Seller) (model.Seller, error) {
	if seller.ID == uuid.Nil {
		seller.ID = uuid.New()
	}
	if seller.TenantID == uuid.Nil {
		seller.TenantID = seller.ID
	}
	if seller.Role == "" {
		seller.Role = "seller"
	}
	now := time.Now().UTC()
	if seller.CreatedAt.IsZero() {
		seller.CreatedAt = now
	}
	seller.UpdatedAt = now

	_, err := db.pool.Exec(ctx,
		`INSERT INTO sellers (id, tenant_id, name, api_key_hash, role, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		seller.ID, seller.TenantID, seller.Name, seller.APIKeyHash, seller.Role,
		seller.CreatedAt, seller.UpdatedAt,
	)
	if err != nil {
		return model.Seller{}, fmt.Errorf("storage: create seller: %w", err)
	}
	return seller, nil
}

// GetSeller retrieves a seller by ID.
func (db *DB) GetSeller(ctx context.Context, id uuid.UUID) (model.Seller, error) {
	var s model.Seller
	err := db.pool.QueryRow(ctx,
		`SELECT id, tenant_id, name, api_key_hash, role, created_at, updated_at
		 FROM sellers WHERE id = $1`, id,
	).Scan(&s.ID, &s.TenantID, &s.Name, &s.APIKeyHash, &s.Role, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return model.Seller{}, fmt.Errorf("storage: seller %s: %w", id, ErrNotFound)
		}
		return model.Seller{}, fmt.Errorf("storage: get seller: %w", err)
	}
	return s, nil
}

// ListSellers returns all sellers in a tenant, newest first.
func (db *DB) ListSellers(ctx context.Context, tenantID uuid.UUID) ([]model.Seller, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, tenant_id, name, api_key_hash, role, created_at, updated_at
		 FROM sellers WHERE tenant_id = $1 ORDER BY created_at DESC`, tenantID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list sellers: %w", err)
	}
	defer rows.Close()

	var sellers []model.Seller
	for rows.Next() {
		var s model.Seller
		if err := rows.Scan(&s.ID, &s.TenantID, &s.Name, &s.APIKeyHash, &s.Role, &s.CreatedAt, &s.UpdatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan seller: %w", err)
		}
		sellers = append(sellers, s)
	}
	return sellers, rows.Err()
}

// GetSellerByName looks a seller up by exact name. Names are not unique;
// the oldest match wins. Used by the startup seed.
func (db *DB) GetSellerByName(ctx context.Context, name string) (model.Seller, error) {
	var s model.Seller
	err := db.pool.QueryRow(ctx,
		`SELECT id, tenant_id, name, api_key_hash, role, created_at, updated_at
		 FROM sellers WHERE name = $1 ORDER BY created_at ASC LIMIT 1`, name,
	).Scan(&s.ID, &s.TenantID, &s.Name, &s.APIKeyHash, &s.Role, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return model.Seller{}, fmt.Errorf("storage: seller %q: %w", name, ErrNotFound)
		}
		return model.Seller{}, fmt.Errorf("storage: get seller by name: %w", err)
	}
	return s, nil
}

// UpdateSellerAPIKeyHash rotates the stored API key hash for a seller.
func (db *DB) UpdateSellerAPIKeyHash(ctx context.Context, id uuid.UUID, hash string) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE sellers SET api_key_hash = $1, updated_at = now() WHERE id = $2`,
		hash, id,
	)
	if err != nil {
		return fmt.Errorf("storage: update seller api key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: seller %s: %w", id, ErrNotFound)
	}
	return nil
}
