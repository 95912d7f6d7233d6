// Package auth provides JWT-based authentication for seller-scoped API access.
//
// Uses Ed25519 (EdDSA) for JWT signing. Keys are supplied as base64-encoded
// raw key material, or auto-generated for development.
package auth

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/recoup-ai/recoup/internal/model"
)

// Claims extends jwt.RegisteredClaims with seller identity. Every
// seller-scoped operation consults these before touching storage.
type Claims struct {
	jwt.RegisteredClaims
	SellerID uuid.UUID `json:"seller_id"`
	TenantID uuid.UUID `json:"tenant_id"`
	Role     string    `json:"role"`
}

// JWTManager handles JWT creation and validation using Ed25519.
type JWTManager struct {
	privateKey ed25519.PrivateKey
	publicKey  ed25519.PublicKey
	expiration time.Duration
}

// NewJWTManager creates a JWTManager from base64-encoded raw Ed25519 keys.
// If either key is empty, an ephemeral pair is generated (for development).
func NewJWTManager(privateKeyB64, publicKeyB64 string, expiration time.Duration) (*JWTManager, error) {
	if privateKeyB64 == "" || publicKeyB64 == "" {
		slog.Warn("auth: no JWT keys configured, generating ephemeral key pair (not for production)")
		pub, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("auth: generate key pair: %w", err)
		}
		return &JWTManager{privateKey: priv, publicKey: pub, expiration: expiration}, nil
	}

	privRaw, err := base64.StdEncoding.DecodeString(privateKeyB64)
	if err != nil {
		return nil, fmt.Errorf("auth: decode private key: %w", err)
	}
	var edPriv ed25519.PrivateKey
	switch len(privRaw) {
	case ed25519.PrivateKeySize:
		edPriv = ed25519.PrivateKey(privRaw)
	case ed25519.SeedSize:
		edPriv = ed25519.NewKeyFromSeed(privRaw)
	default:
		return nil, fmt.Errorf("auth: private key must be %d or %d bytes, got %d",
			ed25519.PrivateKeySize, ed25519.SeedSize, len(privRaw))
	}

	pubRaw, err := base64.StdEncoding.DecodeString(publicKeyB64)
	if err != nil {
		return nil, fmt.Errorf("auth: decode public key: %w", err)
	}
	if len(pubRaw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("auth: public key must be %d bytes, got %d", ed25519.PublicKeySize, len(pubRaw))
	}
	edPub := ed25519.PublicKey(pubRaw)

	// Verify the public key matches the private key to catch misconfiguration
	// (e.g., deploying a private key from one environment with a public key from another).
	derivedPub := edPriv.Public().(ed25519.PublicKey)
	if !bytes.Equal(derivedPub, edPub) {
		return nil, fmt.Errorf("auth: public key does not match private key")
	}

	return &JWTManager{privateKey: edPriv, publicKey: edPub, expiration: expiration}, nil
}

// IssueToken creates a signed JWT for the given seller.
func (m *JWTManager) IssueToken(seller model.Seller) (string, time.Time, error) {
	now := time.Now().UTC()
	exp := now.Add(m.expiration)

	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   seller.ID.String(),
			Issuer:    "recoup",
			Audience:  jwt.ClaimStrings{"recoup"},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        uuid.New().String(),
		},
		SellerID: seller.ID,
		TenantID: seller.TenantID,
		Role:     seller.Role,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	signed, err := token.SignedString(m.privateKey)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("auth: sign token: %w", err)
	}
	return signed, exp, nil
}

// ValidateToken parses and validates a JWT, returning the claims.
func (m *JWTManager) ValidateToken(tokenStr string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(
		tokenStr,
		&Claims{},
		func(token *jwt.Token) (any, error) {
			if _, ok := token.Method.(*jwt.SigningMethodEd25519); !ok {
				return nil, fmt.Errorf("auth: unexpected signing method: %v", token.Header["alg"])
			}
			return m.publicKey, nil
		},
		jwt.WithAudience("recoup"),
	)
	if err != nil {
		return nil, fmt.Errorf("auth: validate token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("auth: invalid token claims")
	}

	if claims.Issuer != "recoup" {
		return nil, fmt.Errorf("auth: invalid issuer: %s", claims.Issuer)
	}

	if claims.SellerID == uuid.Nil {
		return nil, fmt.Errorf("auth: token missing seller identity")
	}

	return claims, nil
}
