package token

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"authgrid.org/internal/auth"
)

func testPrincipal() auth.Principal {
	return auth.Principal{
		UserID: "user-1",
		Email:  "user@example.com",
		Role:   "USER",
		OrgID:  "org-1",
	}
}

func newTestService(t *testing.T, opts ...Option) (*Service, *MemoryStore) {
	t.Helper()
	codec, err := NewCodec(testAccessSecret, testRefreshSecret)
	require.NoError(t, err)
	store := NewMemoryStore(time.Minute)
	t.Cleanup(store.Close)
	svc, err := NewService(codec, store, store, Config{}, opts...)
	require.NoError(t, err)
	t.Cleanup(svc.Close)
	return svc, store
}

func TestServicePairRoundTrip(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	pair, err := svc.IssueTokenPair(ctx, testPrincipal())
	require.NoError(t, err)
	require.NotEmpty(t, pair.Access.Token)
	require.NotEmpty(t, pair.Refresh.Token)
	require.NotEmpty(t, pair.Refresh.Family)
	require.NotEqual(t, pair.Access.TokenID, pair.Refresh.TokenID)

	claims, err := svc.VerifyAccessToken(ctx, pair.Access.Token)
	require.NoError(t, err)
	require.Equal(t, "user-1", claims.UserID)
	require.Equal(t, "USER", claims.Role)
	require.Equal(t, "org-1", claims.OrgID)

	rclaims, err := svc.VerifyRefreshToken(ctx, pair.Refresh.Token)
	require.NoError(t, err)
	require.Equal(t, pair.Refresh.Family, rclaims.Family)
}

func TestServiceVerifyRepeatedUsesCache(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	pair, err := svc.IssueTokenPair(ctx, testPrincipal())
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		claims, err := svc.VerifyAccessToken(ctx, pair.Access.Token)
		require.NoError(t, err)
		require.Equal(t, pair.Access.TokenID, claims.TokenID)
	}
	require.Equal(t, 1, svc.quick.Len())
}

func TestServiceRevokeAccessToken(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	pair, err := svc.IssueTokenPair(ctx, testPrincipal())
	require.NoError(t, err)

	_, err = svc.VerifyAccessToken(ctx, pair.Access.Token)
	require.NoError(t, err)

	require.NoError(t, svc.Revoke(ctx, pair.Access.Token))

	// Revocation wins even though the claims are still in the quick cache.
	_, err = svc.VerifyAccessToken(ctx, pair.Access.Token)
	require.ErrorIs(t, err, ErrRevoked)
}

func TestServiceRevokeRefreshEndsFamily(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	pair, err := svc.IssueTokenPair(ctx, testPrincipal())
	require.NoError(t, err)

	require.NoError(t, svc.Revoke(ctx, pair.Refresh.Token))

	_, err = svc.VerifyRefreshToken(ctx, pair.Refresh.Token)
	require.ErrorIs(t, err, ErrRevoked)

	_, err = svc.RotateRefreshToken(ctx, pair.Refresh.Token)
	require.ErrorIs(t, err, ErrRevoked)
}

func TestServiceRevokeAllForUser(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	first, err := svc.IssueTokenPair(ctx, testPrincipal())
	require.NoError(t, err)
	second, err := svc.IssueTokenPair(ctx, testPrincipal())
	require.NoError(t, err)

	require.NoError(t, svc.RevokeAllForUser(ctx, "user-1"))

	_, err = svc.VerifyAccessToken(ctx, first.Access.Token)
	require.ErrorIs(t, err, ErrRevoked)
	_, err = svc.VerifyAccessToken(ctx, second.Access.Token)
	require.ErrorIs(t, err, ErrRevoked)
	_, err = svc.VerifyRefreshToken(ctx, first.Refresh.Token)
	require.ErrorIs(t, err, ErrRevoked)

	// Other users are untouched.
	other := testPrincipal()
	other.UserID = "user-2"
	pair, err := svc.IssueTokenPair(ctx, other)
	require.NoError(t, err)
	_, err = svc.VerifyAccessToken(ctx, pair.Access.Token)
	require.NoError(t, err)
}

func TestServiceRotation(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	pair, err := svc.IssueTokenPair(ctx, testPrincipal())
	require.NoError(t, err)

	rotated, err := svc.RotateRefreshToken(ctx, pair.Refresh.Token)
	require.NoError(t, err)
	require.Equal(t, pair.Refresh.Family, rotated.Refresh.Family)
	require.NotEqual(t, pair.Refresh.TokenID, rotated.Refresh.TokenID)

	// The successor records its predecessor for the audit chain.
	rclaims, err := svc.VerifyRefreshToken(ctx, rotated.Refresh.Token)
	require.NoError(t, err)
	require.Equal(t, pair.Refresh.TokenID, rclaims.PreviousTokenID)

	// The chain keeps working.
	again, err := svc.RotateRefreshToken(ctx, rotated.Refresh.Token)
	require.NoError(t, err)
	require.Equal(t, pair.Refresh.Family, again.Refresh.Family)
}

func TestServiceRotationReuseRevokesFamily(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	pair, err := svc.IssueTokenPair(ctx, testPrincipal())
	require.NoError(t, err)

	rotated, err := svc.RotateRefreshToken(ctx, pair.Refresh.Token)
	require.NoError(t, err)

	// Presenting the superseded predecessor is treated as theft.
	_, err = svc.VerifyRefreshToken(ctx, pair.Refresh.Token)
	require.ErrorIs(t, err, ErrSuperseded)

	// The whole family died with it, current member included.
	_, err = svc.VerifyRefreshToken(ctx, rotated.Refresh.Token)
	require.ErrorIs(t, err, ErrRevoked)
}

func TestServiceConcurrentRotationSingleWinner(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	pair, err := svc.IssueTokenPair(ctx, testPrincipal())
	require.NoError(t, err)

	const workers = 16
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
	)
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			_, err := svc.RotateRefreshToken(ctx, pair.Refresh.Token)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				successes++
				return
			}
			if !errors.Is(err, ErrSuperseded) && !errors.Is(err, ErrRevoked) {
				t.Errorf("unexpected rotation error: %v", err)
			}
		}()
	}
	wg.Wait()
	require.Equal(t, 1, successes)
}

func TestServiceScopedTokens(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	issued, err := svc.IssueScopedToken(ctx, testPrincipal(), TypeVerification, "user@example.com", 0)
	require.NoError(t, err)

	claims, err := svc.VerifyScopedToken(ctx, issued.Token, TypeVerification, "user@example.com")
	require.NoError(t, err)
	require.Equal(t, "user-1", claims.UserID)

	_, err = svc.VerifyScopedToken(ctx, issued.Token, TypeVerification, "attacker@example.com")
	require.ErrorIs(t, err, ErrInvalidType)

	_, err = svc.VerifyScopedToken(ctx, issued.Token, TypePasswordReset, "")
	require.ErrorIs(t, err, ErrInvalidType)

	_, err = svc.IssueScopedToken(ctx, testPrincipal(), TypeAccess, "", 0)
	require.Error(t, err)
}

func TestServiceExpiredTokens(t *testing.T) {
	base := time.Unix(time.Now().Unix(), 0)
	clock := base
	svc, _ := newTestService(t, WithClock(func() time.Time { return clock }))
	ctx := context.Background()

	pair, err := svc.IssueTokenPair(ctx, testPrincipal())
	require.NoError(t, err)

	clock = base.Add(16 * time.Minute)
	_, err = svc.VerifyAccessToken(ctx, pair.Access.Token)
	require.ErrorIs(t, err, ErrExpired)

	// Revoking an already-expired token is a no-op.
	require.NoError(t, svc.Revoke(ctx, pair.Access.Token))

	clock = base.Add(8 * 24 * time.Hour)
	_, err = svc.VerifyRefreshToken(ctx, pair.Refresh.Token)
	require.ErrorIs(t, err, ErrExpired)
}

func TestServiceUnknownFamilyFailsClosed(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	// A refresh token whose family was never recorded (e.g. state lost)
	// is treated as revoked.
	claims := baseClaims(TypeRefresh, time.Hour)
	claims.Family = "fam-unknown"
	signed, err := svc.codec.Sign(claims)
	require.NoError(t, err)

	_, err = svc.VerifyRefreshToken(ctx, signed)
	require.ErrorIs(t, err, ErrRevoked)
}

// failingStore errors on every call, standing in for an unreachable Redis.
type failingStore struct{}

func (failingStore) RevokeToken(context.Context, string, time.Duration) error {
	return errStoreDown
}
func (failingStore) RevokeFamily(context.Context, string, time.Duration) error {
	return errStoreDown
}
func (failingStore) RevokeUser(context.Context, string, time.Duration) error {
	return errStoreDown
}
func (failingStore) IsTokenRevoked(context.Context, string) (bool, error) {
	return false, errStoreDown
}
func (failingStore) IsFamilyRevoked(context.Context, string) (bool, error) {
	return false, errStoreDown
}
func (failingStore) IsUserRevoked(context.Context, string) (bool, error) {
	return false, errStoreDown
}
func (failingStore) RecordIssued(context.Context, string, string, time.Duration) error {
	return errStoreDown
}
func (failingStore) Current(context.Context, string) (string, bool, error) {
	return "", false, errStoreDown
}
func (failingStore) Advance(context.Context, string, string, string, time.Duration) (bool, error) {
	return false, errStoreDown
}

var errStoreDown = errors.New("store down")

func TestServiceStoreOutageFailsClosed(t *testing.T) {
	codec, err := NewCodec(testAccessSecret, testRefreshSecret)
	require.NoError(t, err)
	svc, err := NewService(codec, failingStore{}, failingStore{}, Config{})
	require.NoError(t, err)
	defer svc.Close()

	signed, err := codec.Sign(baseClaims(TypeAccess, time.Hour))
	require.NoError(t, err)

	_, err = svc.VerifyAccessToken(context.Background(), signed)
	require.ErrorIs(t, err, ErrRevoked)
}
