package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const minSecretLen = 32

// clock skew tolerated when validating issued-at.
const iatSkew = 5 * time.Second

// Codec signs and parses claims as HS256 JWTs. Two symmetric secrets are
// held: refresh tokens use their own secret, every other type uses the
// access secret, so a refresh token can never be replayed as an access
// token even though the claim shapes overlap.
//
// The codec is pure computation: no I/O, safe for concurrent use.
type Codec struct {
	method        jwt.SigningMethod
	accessSecret  []byte
	refreshSecret []byte
	now           func() time.Time
}

// NewCodec constructs a Codec. Both secrets must be at least 32 bytes and
// must differ from each other.
func NewCodec(accessSecret, refreshSecret []byte) (*Codec, error) {
	if len(accessSecret) < minSecretLen {
		return nil, fmt.Errorf("access secret must be at least %d bytes", minSecretLen)
	}
	if len(refreshSecret) < minSecretLen {
		return nil, fmt.Errorf("refresh secret must be at least %d bytes", minSecretLen)
	}
	if string(accessSecret) == string(refreshSecret) {
		return nil, errors.New("access and refresh secrets must differ")
	}
	return &Codec{
		method:        jwt.SigningMethodHS256,
		accessSecret:  accessSecret,
		refreshSecret: refreshSecret,
		now:           time.Now,
	}, nil
}

func (c *Codec) secretFor(t Type) []byte {
	if t == TypeRefresh {
		return c.refreshSecret
	}
	return c.accessSecret
}

// Sign encodes and signs claims. Errors here indicate programmer error
// (missing required claim fields), never bad caller input.
func (c *Codec) Sign(claims Claims) (string, error) {
	if claims.UserID == "" {
		return "", errors.New("codec: missing user id")
	}
	if claims.TokenID == "" {
		return "", errors.New("codec: missing token id")
	}
	if !claims.TokenType.Valid() {
		return "", fmt.Errorf("codec: unknown token type %q", claims.TokenType)
	}
	if claims.TokenType == TypeRefresh && claims.Family == "" {
		return "", errors.New("codec: refresh token requires a family")
	}
	if !claims.ExpiresAt.After(claims.IssuedAt) {
		return "", errors.New("codec: expiry does not follow issuance")
	}
	if claims.Version == 0 {
		claims.Version = Version
	}

	tok := jwt.NewWithClaims(c.method, toMapClaims(claims))
	signed, err := tok.SignedString(c.secretFor(claims.TokenType))
	if err != nil {
		return "", fmt.Errorf("codec: sign: %w", err)
	}
	return signed, nil
}

// Parse verifies the signature under the secret belonging to the expected
// type, then validates the claim set. Failures are classified: ErrMalformed
// for structural problems, ErrInvalidSignature for signature mismatch,
// ErrInvalidType for a type or schema version mismatch, ErrExpired when the
// expiry instant has been reached (the boundary is inclusive: a token
// checked at exactly exp is already expired).
func (c *Codec) Parse(raw string, expected Type) (*Claims, error) {
	if !expected.Valid() {
		return nil, fmt.Errorf("codec: unknown token type %q", expected)
	}

	// The library's claim validation is disabled so that expiry,
	// issued-at and type checks below are deterministic and classified.
	parsed, err := jwt.Parse(raw, func(t *jwt.Token) (any, error) {
		if t.Method.Alg() != c.method.Alg() {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return c.secretFor(expected), nil
	}, jwt.WithoutClaimsValidation())
	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenSignatureInvalid):
			return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
		case errors.Is(err, jwt.ErrTokenMalformed):
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		default:
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
	}

	mapClaims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok || !parsed.Valid {
		return nil, fmt.Errorf("%w: unusable claim set", ErrMalformed)
	}

	claims, err := fromMapClaims(mapClaims)
	if err != nil {
		return nil, err
	}
	if claims.Version != Version {
		return nil, fmt.Errorf("%w: claims version %d", ErrInvalidType, claims.Version)
	}
	if claims.TokenType != expected {
		return nil, fmt.Errorf("%w: got %s, want %s", ErrInvalidType, claims.TokenType, expected)
	}

	now := c.now()
	if !now.Before(claims.ExpiresAt) {
		return nil, fmt.Errorf("%w: at %s", ErrExpired, claims.ExpiresAt.UTC().Format(time.RFC3339))
	}
	if claims.IssuedAt.After(now.Add(iatSkew)) {
		return nil, fmt.Errorf("%w: issued in the future", ErrMalformed)
	}
	return claims, nil
}

func toMapClaims(c Claims) jwt.MapClaims {
	m := jwt.MapClaims{
		"jti": c.TokenID,
		"sub": c.UserID,
		"typ": string(c.TokenType),
		"ver": c.Version,
		"iat": c.IssuedAt.Unix(),
		"exp": c.ExpiresAt.Unix(),
	}
	if c.Email != "" {
		m["eml"] = c.Email
	}
	if c.Role != "" {
		m["rol"] = c.Role
	}
	if c.OrgID != "" {
		m["org"] = c.OrgID
	}
	if c.Family != "" {
		m["fam"] = c.Family
	}
	if c.PreviousTokenID != "" {
		m["prv"] = c.PreviousTokenID
	}
	if c.Scope != "" {
		m["scp"] = c.Scope
	}
	if c.SessionID != "" {
		m["sid"] = c.SessionID
	}
	if c.Fingerprint != "" {
		m["fpt"] = c.Fingerprint
	}
	return m
}

func fromMapClaims(m jwt.MapClaims) (*Claims, error) {
	sub, _ := m["sub"].(string)
	if sub == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrMalformed)
	}
	jti, _ := m["jti"].(string)
	if jti == "" {
		return nil, fmt.Errorf("%w: missing token id", ErrMalformed)
	}
	typ, _ := m["typ"].(string)
	if !Type(typ).Valid() {
		return nil, fmt.Errorf("%w: missing or unknown typ claim", ErrInvalidType)
	}
	ver, ok := claimInt(m["ver"])
	if !ok {
		return nil, fmt.Errorf("%w: missing ver claim", ErrInvalidType)
	}
	iat, ok := claimInt(m["iat"])
	if !ok {
		return nil, fmt.Errorf("%w: missing iat claim", ErrMalformed)
	}
	exp, ok := claimInt(m["exp"])
	if !ok {
		return nil, fmt.Errorf("%w: missing exp claim", ErrMalformed)
	}

	c := &Claims{
		UserID:    sub,
		TokenID:   jti,
		TokenType: Type(typ),
		Version:   int(ver),
		IssuedAt:  time.Unix(iat, 0),
		ExpiresAt: time.Unix(exp, 0),
	}
	c.Email, _ = m["eml"].(string)
	c.Role, _ = m["rol"].(string)
	c.OrgID, _ = m["org"].(string)
	c.Family, _ = m["fam"].(string)
	c.PreviousTokenID, _ = m["prv"].(string)
	c.Scope, _ = m["scp"].(string)
	c.SessionID, _ = m["sid"].(string)
	c.Fingerprint, _ = m["fpt"].(string)

	if c.TokenType == TypeRefresh && c.Family == "" {
		return nil, fmt.Errorf("%w: refresh token without family", ErrMalformed)
	}
	return c, nil
}

func claimInt(v any) (int64, bool) {
	switch t := v.(type) {
	case float64:
		return int64(t), true
	case int64:
		return t, true
	case int:
		return int64(t), true
	default:
		return 0, false
	}
}
