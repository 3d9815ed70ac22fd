package token

import "errors"

// Verification failures are always classified; callers map each class to a
// distinct HTTP outcome and the core never collapses them into one generic
// error.
var (
	// ErrExpired means the token's expiry instant has passed. Clients
	// holding a refresh token should attempt a silent refresh.
	ErrExpired = errors.New("token: expired")

	// ErrInvalidSignature means the signature did not verify under the
	// secret for the expected token type.
	ErrInvalidSignature = errors.New("token: invalid signature")

	// ErrInvalidType means the token parsed but its type or claims
	// schema version does not match what the caller expected.
	ErrInvalidType = errors.New("token: invalid type")

	// ErrRevoked means the token, its family, or its user has a
	// revocation marker. Also returned when a revocation check cannot be
	// completed: the store being unavailable fails closed, never open.
	ErrRevoked = errors.New("token: revoked")

	// ErrSuperseded means a refresh token that is not the current member
	// of its family was presented. The whole family is revoked as a
	// theft response and the client must fully re-authenticate.
	ErrSuperseded = errors.New("token: superseded")

	// ErrMalformed means the string is not a structurally valid token.
	ErrMalformed = errors.New("token: malformed")
)
