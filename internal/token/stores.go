package token

import (
	"context"
	"time"
)

// RevocationStore records revocation markers in a shared, TTL-capable store.
// Every marker expires once the underlying token(s) would have expired
// anyway, so the store never grows without bound.
//
// Calls block on network I/O; the service wraps each one in a short timeout
// and treats any failure as revoked (fail closed).
type RevocationStore interface {
	RevokeToken(ctx context.Context, tokenID string, ttl time.Duration) error
	RevokeFamily(ctx context.Context, family string, ttl time.Duration) error
	RevokeUser(ctx context.Context, userID string, ttl time.Duration) error

	IsTokenRevoked(ctx context.Context, tokenID string) (bool, error)
	IsFamilyRevoked(ctx context.Context, family string) (bool, error)
	IsUserRevoked(ctx context.Context, userID string) (bool, error)
}

// FamilyTracker tracks, per refresh-token family, the identifier of the
// currently-valid token. At any instant exactly one token id is current;
// presenting any other member of the family is evidence of theft.
type FamilyTracker interface {
	// RecordIssued marks tokenID as the current member of family,
	// overwriting any prior marker. Used on first issuance.
	RecordIssued(ctx context.Context, family, tokenID string, ttl time.Duration) error

	// Current returns the family's current token id, if the family is known.
	Current(ctx context.Context, family string) (string, bool, error)

	// Advance atomically moves the current marker from fromID to toID.
	// It reports false when the marker is not fromID at the time of the
	// write; concurrent rotations of the same family can therefore never
	// both succeed. Implementations must use the store's conditional
	// write, not a read-then-write sequence.
	Advance(ctx context.Context, family, fromID, toID string, ttl time.Duration) (bool, error)
}
