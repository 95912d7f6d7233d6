package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/recoup-ai/recoup/internal/model"
)

// CreateConnection inserts a source connection. Credentials must already be
// sealed. Returns ErrConflict if the seller already has a connection for the
// provider.
func (db *DB) CreateConnection(ctx context.Context, conn model.SourceConnection) (model.SourceConnection, error) {
	if conn.ID == uuid.Nil {
		conn.ID = uuid.New()
	}
	if conn.Status == "" {
		conn.Status = model.ConnectionActive
	}
	if conn.Scopes == nil {
		conn.Scopes = []string{}
	}
	now := time.Now().UTC()
	if conn.CreatedAt.IsZero() {
		conn.CreatedAt = now
	}
	conn.UpdatedAt = now

	_, err := db.pool.Exec(ctx,
		`INSERT INTO source_connections (id, seller_id, provider, credentials, scopes, status, last_ok_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		conn.ID, conn.SellerID, conn.Provider, conn.Credentials, conn.Scopes,
		string(conn.Status), conn.LastOKAt, conn.CreatedAt, conn.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return model.SourceConnection{}, fmt.Errorf("storage: connection for %s/%s already exists: %w",
				conn.SellerID, conn.Provider, ErrConflict)
		}
		return model.SourceConnection{}, fmt.Errorf("storage: create connection: %w", err)
	}
	return conn, nil
}

// GetConnection retrieves a connection by ID, scoped by seller.
func (db *DB) GetConnection(ctx context.Context, sellerID, id uuid.UUID) (model.SourceConnection, error) {
	var c model.SourceConnection
	err := db.pool.QueryRow(ctx,
		`SELECT id, seller_id, provider, credentials, scopes, status, last_ok_at, created_at, updated_at
		 FROM source_connections WHERE id = $1 AND seller_id = $2`, id, sellerID,
	).Scan(&c.ID, &c.SellerID, &c.Provider, &c.Credentials, &c.Scopes, &c.Status, &c.LastOKAt, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return model.SourceConnection{}, fmt.Errorf("storage: connection %s: %w", id, ErrNotFound)
		}
		return model.SourceConnection{}, fmt.Errorf("storage: get connection: %w", err)
	}
	return c, nil
}

// GetConnectionByProvider retrieves a seller's connection to the named provider.
func (db *DB) GetConnectionByProvider(ctx context.Context, sellerID uuid.UUID, provider string) (model.SourceConnection, error) {
	var c model.SourceConnection
	err := db.pool.QueryRow(ctx,
		`SELECT id, seller_id, provider, credentials, scopes, status, last_ok_at, created_at, updated_at
		 FROM source_connections WHERE seller_id = $1 AND provider = $2`, sellerID, provider,
	).Scan(&c.ID, &c.SellerID, &c.Provider, &c.Credentials, &c.Scopes, &c.Status, &c.LastOKAt, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return model.SourceConnection{}, fmt.Errorf("storage: connection %s/%s: %w", sellerID, provider, ErrNotFound)
		}
		return model.SourceConnection{}, fmt.Errorf("storage: get connection by provider: %w", err)
	}
	return c, nil
}

// ListConnections returns a seller's connections, newest first.
func (db *DB) ListConnections(ctx context.Context, sellerID uuid.UUID) ([]model.SourceConnection, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, seller_id, provider, credentials, scopes, status, last_ok_at, created_at, updated_at
		 FROM source_connections WHERE seller_id = $1 ORDER BY created_at DESC`, sellerID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list connections: %w", err)
	}
	defer rows.Close()

	var conns []model.SourceConnection
	for rows.Next() {
		var c model.SourceConnection
		if err := rows.Scan(&c.ID, &c.SellerID, &c.Provider, &c.Credentials, &c.Scopes, &c.Status, &c.LastOKAt, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan connection: %w", err)
		}
		conns = append(conns, c)
	}
	return conns, rows.Err()
}

// UpdateConnectionCredentials replaces the sealed credential blob after a
// token refresh and records the successful exchange.
func (db *DB) UpdateConnectionCredentials(ctx context.Context, id uuid.UUID, credentials []byte) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE source_connections
		 SET credentials = $1, status = 'active', last_ok_at = now(), updated_at = now()
		 WHERE id = $2`,
		credentials, id,
	)
	if err != nil {
		return fmt.Errorf("storage: update connection credentials: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: connection %s: %w", id, ErrNotFound)
	}
	return nil
}

// UpdateConnectionStatus moves a connection through its lifecycle
// (active, expired, revoked).
func (db *DB) UpdateConnectionStatus(ctx context.Context, id uuid.UUID, status model.ConnectionStatus) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE source_connections SET status = $1, updated_at = now() WHERE id = $2`,
		string(status), id,
	)
	if err != nil {
		return fmt.Errorf("storage: update connection status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: connection %s: %w", id, ErrNotFound)
	}
	return nil
}

// TouchConnection records a successful provider exchange on an active connection.
func (db *DB) TouchConnection(ctx context.Context, id uuid.UUID) error {
	_, err := db.pool.Exec(ctx,
		`UPDATE source_connections SET last_ok_at = now(), updated_at = now() WHERE id = $1`, id,
	)
	if err != nil {
		return fmt.Errorf("storage: touch connection: %w", err)
	}
	return nil
}

// DeleteConnection removes a connection, scoped by seller.
func (db *DB) DeleteConnection(ctx context.Context, sellerID, id uuid.UUID) error {
	tag, err := db.pool.Exec(ctx,
		`DELETE FROM source_connections WHERE id = $1 AND seller_id = $2`, id, sellerID,
	)
	if err != nil {
		return fmt.Errorf("storage: delete connection: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: connection %s: %w", id, ErrNotFound)
	}
	return nil
}
