package token

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"authgrid.org/internal/auth"
	"authgrid.org/internal/ids"
	"authgrid.org/internal/obs"
)

// Config defaults.
const (
	defaultAccessTTL          = 15 * time.Minute
	defaultRefreshTTL         = 7 * 24 * time.Hour
	defaultRefreshMaxLifetime = 30 * 24 * time.Hour
	defaultScopedTTL          = 24 * time.Hour
	defaultStoreTimeout       = 2500 * time.Millisecond
)

// Config holds token lifetimes and store behavior.
type Config struct {
	AccessTTL  time.Duration
	RefreshTTL time.Duration
	// RefreshMaxLifetime caps how long a revoke-all-for-user marker must
	// outlive the newest refresh token.
	RefreshMaxLifetime time.Duration
	// ScopedTTL is the default lifetime of verification, password reset
	// and invitation tokens.
	ScopedTTL time.Duration
	// StoreTimeout bounds every external store call. On timeout the
	// verification fails closed.
	StoreTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.AccessTTL <= 0 {
		c.AccessTTL = defaultAccessTTL
	}
	if c.RefreshTTL <= 0 {
		c.RefreshTTL = defaultRefreshTTL
	}
	if c.RefreshMaxLifetime <= 0 {
		c.RefreshMaxLifetime = defaultRefreshMaxLifetime
	}
	if c.ScopedTTL <= 0 {
		c.ScopedTTL = defaultScopedTTL
	}
	if c.StoreTimeout <= 0 {
		c.StoreTimeout = defaultStoreTimeout
	}
	return c
}

// Service is the only entry point callers outside the auth subsystem use
// for token work: issuance, verification, rotation and revocation.
type Service struct {
	codec       *Codec
	quick       *QuickValidator
	revocations RevocationStore
	families    FamilyTracker
	cfg         Config
	now         func() time.Time
}

// Option configures Service behavior.
type Option func(*Service)

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(s *Service) {
		if fn != nil {
			s.now = fn
			s.codec.now = fn
			if s.quick != nil {
				s.quick.now = fn
			}
		}
	}
}

// WithQuickValidator replaces the default quick validator.
func WithQuickValidator(qv *QuickValidator) Option {
	return func(s *Service) {
		if qv != nil {
			if s.quick != nil {
				s.quick.Close()
			}
			s.quick = qv
		}
	}
}

// NewService constructs a Service. All collaborators are required.
func NewService(codec *Codec, revocations RevocationStore, families FamilyTracker, cfg Config, opts ...Option) (*Service, error) {
	if codec == nil {
		return nil, errors.New("token: codec is required")
	}
	if revocations == nil {
		return nil, errors.New("token: revocation store is required")
	}
	if families == nil {
		return nil, errors.New("token: family tracker is required")
	}
	s := &Service{
		codec:       codec,
		quick:       NewQuickValidator(0, 0),
		revocations: revocations,
		families:    families,
		cfg:         cfg.withDefaults(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Close releases background resources (the quick validator sweeper).
func (s *Service) Close() {
	if s.quick != nil {
		s.quick.Close()
	}
}

// IssueAccessToken mints a short-lived access token for the principal.
func (s *Service) IssueAccessToken(ctx context.Context, principal auth.Principal) (*Issued, error) {
	now := s.now()
	claims := Claims{
		UserID:    principal.UserID,
		Email:     principal.Email,
		Role:      principal.Role,
		OrgID:     principal.OrgID,
		SessionID: principal.SessionID,
		TokenID:   uuid.NewString(),
		TokenType: TypeAccess,
		Version:   Version,
		IssuedAt:  now,
		ExpiresAt: now.Add(s.cfg.AccessTTL),
	}
	signed, err := s.codec.Sign(claims)
	if err != nil {
		return nil, fmt.Errorf("issue access token: %w", err)
	}
	return &Issued{
		Token:     signed,
		TokenID:   claims.TokenID,
		IssuedAt:  claims.IssuedAt,
		ExpiresAt: claims.ExpiresAt,
	}, nil
}

// IssueRefreshToken mints a refresh token. An empty family starts a new
// rotation chain; the family pointer is recorded so later rotations can
// detect reuse.
func (s *Service) IssueRefreshToken(ctx context.Context, principal auth.Principal, family, previousTokenID string) (*Issued, error) {
	if family == "" {
		family = ids.New()
	}
	issued, err := s.signRefresh(principal, family, previousTokenID, uuid.NewString())
	if err != nil {
		return nil, err
	}

	sctx, cancel := s.storeCtx(ctx)
	defer cancel()
	if err := s.families.RecordIssued(sctx, family, issued.TokenID, s.cfg.RefreshTTL); err != nil {
		return nil, fmt.Errorf("record refresh family: %w", err)
	}
	return issued, nil
}

// IssueTokenPair mints an access token and a refresh token in a new family.
func (s *Service) IssueTokenPair(ctx context.Context, principal auth.Principal) (*Pair, error) {
	access, err := s.IssueAccessToken(ctx, principal)
	if err != nil {
		return nil, err
	}
	refresh, err := s.IssueRefreshToken(ctx, principal, "", "")
	if err != nil {
		return nil, err
	}
	return &Pair{Access: *access, Refresh: *refresh}, nil
}

// IssueScopedToken mints a verification, password reset or invitation token
// bound to an opaque scope value (e.g. the email being verified).
func (s *Service) IssueScopedToken(ctx context.Context, principal auth.Principal, typ Type, scope string, ttl time.Duration) (*Issued, error) {
	switch typ {
	case TypeVerification, TypePasswordReset, TypeInvitation:
	default:
		return nil, fmt.Errorf("issue scoped token: type %q is not a scoped type", typ)
	}
	if ttl <= 0 {
		ttl = s.cfg.ScopedTTL
	}
	now := s.now()
	claims := Claims{
		UserID:    principal.UserID,
		Email:     principal.Email,
		Role:      principal.Role,
		OrgID:     principal.OrgID,
		TokenID:   uuid.NewString(),
		TokenType: typ,
		Version:   Version,
		IssuedAt:  now,
		ExpiresAt: now.Add(ttl),
		Scope:     scope,
	}
	signed, err := s.codec.Sign(claims)
	if err != nil {
		return nil, fmt.Errorf("issue scoped token: %w", err)
	}
	return &Issued{
		Token:     signed,
		TokenID:   claims.TokenID,
		IssuedAt:  claims.IssuedAt,
		ExpiresAt: claims.ExpiresAt,
	}, nil
}

// VerifyAccessToken runs the full verification pipeline for access tokens.
func (s *Service) VerifyAccessToken(ctx context.Context, raw string) (*Claims, error) {
	claims, err := s.verify(ctx, raw, TypeAccess)
	obs.ObserveTokenVerification(string(TypeAccess), outcomeLabel(err))
	return claims, err
}

// VerifyScopedToken verifies a verification/password_reset/invitation token
// and, when scope is non-empty, requires an exact scope match.
func (s *Service) VerifyScopedToken(ctx context.Context, raw string, typ Type, scope string) (*Claims, error) {
	claims, err := s.verify(ctx, raw, typ)
	if err == nil && scope != "" && claims.Scope != scope {
		claims, err = nil, fmt.Errorf("%w: scope mismatch", ErrInvalidType)
	}
	obs.ObserveTokenVerification(string(typ), outcomeLabel(err))
	return claims, err
}

// VerifyRefreshToken runs the refresh pipeline, including the family
// currency check. Presenting a superseded family member revokes the entire
// family before the distinct ErrSuperseded is returned, so the caller can
// force a full re-login instead of silently retrying.
func (s *Service) VerifyRefreshToken(ctx context.Context, raw string) (*Claims, error) {
	claims, err := s.verifyRefresh(ctx, raw)
	obs.ObserveTokenVerification(string(TypeRefresh), outcomeLabel(err))
	return claims, err
}

func (s *Service) verifyRefresh(ctx context.Context, raw string) (*Claims, error) {
	claims, err := s.verify(ctx, raw, TypeRefresh)
	if err != nil {
		return nil, err
	}

	sctx, cancel := s.storeCtx(ctx)
	defer cancel()
	current, known, err := s.families.Current(sctx, claims.Family)
	if err != nil {
		return nil, failClosed(err)
	}
	if !known {
		return nil, fmt.Errorf("%w: unknown family", ErrRevoked)
	}
	if current != claims.TokenID {
		s.revokeFamily(ctx, claims.Family)
		return nil, fmt.Errorf("%w: family %s", ErrSuperseded, claims.Family)
	}
	return claims, nil
}

// RotateRefreshToken exchanges a valid refresh token for a new access +
// refresh pair in the same family. The family pointer is advanced with an
// atomic compare-and-set; of two concurrent rotations exactly one wins, the
// loser is treated as reuse and the family is revoked.
func (s *Service) RotateRefreshToken(ctx context.Context, raw string) (*Pair, error) {
	claims, err := s.VerifyRefreshToken(ctx, raw)
	if err != nil {
		return nil, err
	}

	newTokenID := uuid.NewString()
	sctx, cancel := s.storeCtx(ctx)
	defer cancel()
	advanced, err := s.families.Advance(sctx, claims.Family, claims.TokenID, newTokenID, s.cfg.RefreshTTL)
	if err != nil {
		return nil, failClosed(err)
	}
	if !advanced {
		s.revokeFamily(ctx, claims.Family)
		return nil, fmt.Errorf("%w: concurrent rotation of family %s", ErrSuperseded, claims.Family)
	}

	principal := claims.Principal()
	access, err := s.IssueAccessToken(ctx, principal)
	if err != nil {
		return nil, err
	}
	refresh, err := s.signRefresh(principal, claims.Family, claims.TokenID, newTokenID)
	if err != nil {
		return nil, err
	}
	return &Pair{Access: *access, Refresh: *refresh}, nil
}

// Revoke invalidates a single token ahead of its natural expiry. Revoking a
// refresh token also revokes its family, ending the rotation chain. Expired
// tokens are a no-op.
func (s *Service) Revoke(ctx context.Context, raw string) error {
	claims, err := s.parseAny(raw)
	if err != nil {
		if errors.Is(err, ErrExpired) {
			return nil
		}
		return err
	}
	remaining := claims.ExpiresAt.Sub(s.now())
	if remaining <= 0 {
		return nil
	}

	sctx, cancel := s.storeCtx(ctx)
	defer cancel()
	if err := s.revocations.RevokeToken(sctx, claims.TokenID, remaining); err != nil {
		return fmt.Errorf("revoke token: %w", err)
	}
	if claims.TokenType == TypeRefresh {
		if err := s.revocations.RevokeFamily(sctx, claims.Family, s.cfg.RefreshTTL); err != nil {
			return fmt.Errorf("revoke family: %w", err)
		}
	}
	return nil
}

// RevokeAllForUser invalidates every outstanding token for the user. The
// marker lives as long as the longest-lived refresh token could.
func (s *Service) RevokeAllForUser(ctx context.Context, userID string) error {
	if userID == "" {
		return errors.New("user id is required")
	}
	sctx, cancel := s.storeCtx(ctx)
	defer cancel()
	if err := s.revocations.RevokeUser(sctx, userID, s.cfg.RefreshMaxLifetime); err != nil {
		return fmt.Errorf("revoke all for user: %w", err)
	}
	return nil
}

// verify is the shared pipeline: quick pre-check, cached or cryptographic
// parse, then revocation checks. A quick-cache hit only skips the signature
// work; revocation is always consulted.
func (s *Service) verify(ctx context.Context, raw string, typ Type) (*Claims, error) {
	if qr := s.quick.QuickCheck(raw); !qr.Valid {
		obs.ObserveQuickCache("reject")
		if qr.Reason == "expired" {
			return nil, fmt.Errorf("%w: at %s", ErrExpired, qr.ExpiresAt.UTC().Format(time.RFC3339))
		}
		return nil, fmt.Errorf("%w: %s", ErrMalformed, qr.Reason)
	}

	claims, cached := s.quick.Cached(raw)
	if !cached {
		var err error
		claims, err = s.codec.Parse(raw, typ)
		if err != nil {
			return nil, err
		}
		s.quick.Remember(raw, claims)
	} else if claims.TokenType != typ {
		return nil, fmt.Errorf("%w: got %s, want %s", ErrInvalidType, claims.TokenType, typ)
	}

	sctx, cancel := s.storeCtx(ctx)
	defer cancel()
	if revoked, err := s.revocations.IsTokenRevoked(sctx, claims.TokenID); err != nil {
		return nil, failClosed(err)
	} else if revoked {
		return nil, fmt.Errorf("%w: token %s", ErrRevoked, claims.TokenID)
	}
	if revoked, err := s.revocations.IsUserRevoked(sctx, claims.UserID); err != nil {
		return nil, failClosed(err)
	} else if revoked {
		return nil, fmt.Errorf("%w: all sessions for user", ErrRevoked)
	}
	if typ == TypeRefresh {
		if revoked, err := s.revocations.IsFamilyRevoked(sctx, claims.Family); err != nil {
			return nil, failClosed(err)
		} else if revoked {
			return nil, fmt.Errorf("%w: family %s", ErrRevoked, claims.Family)
		}
	}
	return claims, nil
}

func (s *Service) signRefresh(principal auth.Principal, family, previousTokenID, tokenID string) (*Issued, error) {
	now := s.now()
	claims := Claims{
		UserID:          principal.UserID,
		Email:           principal.Email,
		Role:            principal.Role,
		OrgID:           principal.OrgID,
		SessionID:       principal.SessionID,
		TokenID:         tokenID,
		TokenType:       TypeRefresh,
		Version:         Version,
		IssuedAt:        now,
		ExpiresAt:       now.Add(s.cfg.RefreshTTL),
		Family:          family,
		PreviousTokenID: previousTokenID,
	}
	signed, err := s.codec.Sign(claims)
	if err != nil {
		return nil, fmt.Errorf("issue refresh token: %w", err)
	}
	return &Issued{
		Token:     signed,
		TokenID:   claims.TokenID,
		Family:    family,
		IssuedAt:  claims.IssuedAt,
		ExpiresAt: claims.ExpiresAt,
	}, nil
}

// parseAny tries every token type until one secret verifies the signature.
func (s *Service) parseAny(raw string) (*Claims, error) {
	var lastErr error
	for _, typ := range []Type{TypeAccess, TypeRefresh, TypeVerification, TypePasswordReset, TypeInvitation} {
		claims, err := s.codec.Parse(raw, typ)
		if err == nil {
			return claims, nil
		}
		lastErr = err
		if errors.Is(err, ErrExpired) || errors.Is(err, ErrMalformed) {
			return nil, err
		}
	}
	return nil, lastErr
}

// revokeFamily is the theft response; best effort, detection still fails
// the request even if the marker write does not land.
func (s *Service) revokeFamily(ctx context.Context, family string) {
	sctx, cancel := s.storeCtx(ctx)
	defer cancel()
	if err := s.revocations.RevokeFamily(sctx, family, s.cfg.RefreshTTL); err != nil {
		obs.LogEvent(map[string]any{
			"level":  "error",
			"msg":    "family revocation failed",
			"family": family,
			"error":  err.Error(),
		})
	}
}

func (s *Service) storeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, s.cfg.StoreTimeout)
}

func failClosed(err error) error {
	return fmt.Errorf("%w: revocation check unavailable: %v", ErrRevoked, err)
}

func outcomeLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrExpired):
		return "expired"
	case errors.Is(err, ErrSuperseded):
		return "superseded"
	case errors.Is(err, ErrRevoked):
		return "revoked"
	case errors.Is(err, ErrInvalidSignature):
		return "invalid_signature"
	case errors.Is(err, ErrInvalidType):
		return "invalid_type"
	default:
		return "malformed"
	}
}
