package token

import (
	"time"

	"authgrid.org/internal/auth"
)

// Type discriminates the token families this service issues. Refresh tokens
// are signed with their own secret; all other types share the access secret.
type Type string

const (
	TypeAccess        Type = "access"
	TypeRefresh       Type = "refresh"
	TypeVerification  Type = "verification"
	TypePasswordReset Type = "password_reset"
	TypeInvitation    Type = "invitation"
)

// Valid reports whether t is a known token type.
func (t Type) Valid() bool {
	switch t {
	case TypeAccess, TypeRefresh, TypeVerification, TypePasswordReset, TypeInvitation:
		return true
	}
	return false
}

// Version is the claims schema version embedded in every token. A parsed
// token whose version differs is rejected outright, never coerced.
const Version = 1

// Claims is the payload carried by every signed token.
type Claims struct {
	UserID    string
	Email     string
	Role      string
	OrgID     string
	TokenID   string
	TokenType Type
	Version   int
	IssuedAt  time.Time
	ExpiresAt time.Time

	// Family chains refresh tokens produced by successive rotations.
	Family string
	// PreviousTokenID records the rotated-out predecessor, for audit.
	PreviousTokenID string

	Scope       string
	SessionID   string
	Fingerprint string
}

// Principal converts verified claims into a request principal.
func (c *Claims) Principal() auth.Principal {
	return auth.Principal{
		UserID:    c.UserID,
		Email:     c.Email,
		Role:      c.Role,
		OrgID:     c.OrgID,
		SessionID: c.SessionID,
	}
}

// Issued is returned after a token is minted.
type Issued struct {
	Token     string
	TokenID   string
	Family    string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Pair bundles a freshly issued access and refresh token.
type Pair struct {
	Access  Issued
	Refresh Issued
}
