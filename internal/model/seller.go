// Package model defines the domain entities shared across the pipeline:
// sellers, connections, sync jobs, ledger records, claim candidates, evidence
// documents, and matching output. Entities are plain structs with no behavior
// beyond validation and derived-field helpers; persistence lives in storage.
package model

import (
	"time"

	"github.com/google/uuid"
)

// Seller is the unit of tenancy. Every downstream record carries the seller
// identity; cross-seller reads are forbidden.
type Seller struct {
	ID         uuid.UUID `json:"id"`
	TenantID   uuid.UUID `json:"tenant_id"`
	Name       string    `json:"name"`
	APIKeyHash *string   `json:"-"`
	Role       string    `json:"role"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// ConnectionStatus is the lifecycle state of a source connection.
type ConnectionStatus string

const (
	ConnectionActive  ConnectionStatus = "active"
	ConnectionExpired ConnectionStatus = "expired"
	ConnectionRevoked ConnectionStatus = "revoked"
)

// SourceConnection ties a seller to an external provider. Credentials are
// opaque ciphertext; only the secrets box can open them.
type SourceConnection struct {
	ID          uuid.UUID        `json:"id"`
	SellerID    uuid.UUID        `json:"seller_id"`
	Provider    string           `json:"provider"`
	Credentials []byte           `json:"-"`
	Scopes      []string         `json:"scopes"`
	Status      ConnectionStatus `json:"status"`
	LastOKAt    *time.Time       `json:"last_ok_at,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
	UpdatedAt   time.Time        `json:"updated_at"`
}

// CredentialBundle is the plaintext form of provider credentials. It is
// serialized to JSON and sealed before it ever reaches storage.
type CredentialBundle struct {
	AccessToken  string            `json:"access_token"`
	RefreshToken string            `json:"refresh_token,omitempty"`
	ExpiresAt    *time.Time        `json:"expires_at,omitempty"`
	Extra        map[string]string `json:"extra,omitempty"`
}
