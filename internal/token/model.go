package token

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// RefreshToken is the persisted record of an opaque refresh secret. Only the
// irreversible digest of the secret is stored; the bearer secret is returned
// to the client once and never persisted in cleartext.
type RefreshToken struct {
	ID         uuid.UUID
	EmployeeID string
	SessionID  string
	TokenHash  []byte
	ClientInfo string
	IPAddress  string
	IssuedAt   time.Time
	ExpiresAt  time.Time
	RevokedAt  *time.Time
}

func (t RefreshToken) Revoked() bool {
	return t.RevokedAt != nil
}

func (t RefreshToken) Expired(now time.Time) bool {
	return now.After(t.ExpiresAt)
}

// AccessClaims is the payload of a signed access token. The nonce proves the
// token was issued through this service, not merely well-signed.
type AccessClaims struct {
	jwt.RegisteredClaims

	Email     string   `json:"email,omitempty"`
	Roles     []string `json:"roles,omitempty"`
	SessionID string   `json:"sid"`
	Nonce     string   `json:"nonce"`
}

// blacklistMarker is the typed cache record written on revocation, keyed by
// jti and kept only until the token's natural expiry.
type blacklistMarker struct {
	RevokedAt time.Time `json:"revoked_at"`
}

// nonceRecord is the typed cache record proving issuance, keyed by jti.
type nonceRecord struct {
	Nonce string `json:"nonce"`
}
