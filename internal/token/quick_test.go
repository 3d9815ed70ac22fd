package token

import (
	"encoding/base64"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeToken builds a structurally valid (but unsigned-garbage) JWT for the
// pre-check, which never looks at the signature.
func fakeToken(t *testing.T, payload map[string]any) string {
	t.Helper()
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"HS256","typ":"JWT"}`))
	body, err := json.Marshal(payload)
	require.NoError(t, err)
	return header + "." + base64.RawURLEncoding.EncodeToString(body) + ".sig"
}

func TestQuickCheckShape(t *testing.T) {
	qv := NewQuickValidator(time.Minute, 16)
	defer qv.Close()

	cases := []struct {
		name   string
		raw    string
		reason string
	}{
		{"empty", "", "malformed"},
		{"two segments", "a.b", "malformed"},
		{"four segments", "a.b.c.d", "malformed"},
		{"empty segment", "a..c", "malformed"},
		{"bad base64", "a.!!!.c", "malformed"},
		{"not json", "a." + base64.RawURLEncoding.EncodeToString([]byte("nope")) + ".c", "malformed"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res := qv.QuickCheck(tc.raw)
			require.False(t, res.Valid)
			require.Equal(t, tc.reason, res.Reason)
		})
	}
}

func TestQuickCheckClaims(t *testing.T) {
	qv := NewQuickValidator(time.Minute, 16)
	defer qv.Close()

	missingSub := fakeToken(t, map[string]any{"exp": time.Now().Add(time.Hour).Unix()})
	res := qv.QuickCheck(missingSub)
	require.False(t, res.Valid)
	require.Equal(t, "missing subject", res.Reason)

	expired := fakeToken(t, map[string]any{"sub": "u1", "exp": time.Now().Add(-time.Hour).Unix()})
	res = qv.QuickCheck(expired)
	require.False(t, res.Valid)
	require.Equal(t, "expired", res.Reason)
	require.False(t, res.ExpiresAt.IsZero())

	valid := fakeToken(t, map[string]any{"sub": "u1", "exp": time.Now().Add(time.Hour).Unix()})
	res = qv.QuickCheck(valid)
	require.True(t, res.Valid)
}

func TestQuickCheckExpiryBoundary(t *testing.T) {
	qv := NewQuickValidator(time.Minute, 16)
	defer qv.Close()

	at := time.Now()
	raw := fakeToken(t, map[string]any{"sub": "u1", "exp": at.Unix()})

	qv.now = func() time.Time { return time.Unix(at.Unix(), 0) }
	require.False(t, qv.QuickCheck(raw).Valid)

	qv.now = func() time.Time { return time.Unix(at.Unix(), 0).Add(-time.Second) }
	require.True(t, qv.QuickCheck(raw).Valid)
}

func TestQuickCacheRememberAndLookup(t *testing.T) {
	qv := NewQuickValidator(time.Minute, 16)
	defer qv.Close()

	claims := &Claims{
		UserID:    "u1",
		TokenID:   "tok-1",
		TokenType: TypeAccess,
		ExpiresAt: time.Now().Add(time.Hour),
	}

	_, ok := qv.Cached("raw-token")
	require.False(t, ok)

	qv.Remember("raw-token", claims)
	got, ok := qv.Cached("raw-token")
	require.True(t, ok)
	require.Equal(t, "tok-1", got.TokenID)

	// A different raw token never hits another token's entry.
	_, ok = qv.Cached("other-token")
	require.False(t, ok)
}

func TestQuickCacheTTLEviction(t *testing.T) {
	qv := NewQuickValidator(time.Minute, 16)
	defer qv.Close()

	base := time.Now()
	qv.now = func() time.Time { return base }

	claims := &Claims{UserID: "u1", TokenID: "tok-1", ExpiresAt: base.Add(time.Hour)}
	qv.Remember("raw-token", claims)

	_, ok := qv.Cached("raw-token")
	require.True(t, ok)

	qv.now = func() time.Time { return base.Add(time.Minute) }
	_, ok = qv.Cached("raw-token")
	require.False(t, ok)
	require.Zero(t, qv.Len())
}

func TestQuickCacheDropsExpiredClaims(t *testing.T) {
	qv := NewQuickValidator(time.Hour, 16)
	defer qv.Close()

	base := time.Now()
	qv.now = func() time.Time { return base }

	claims := &Claims{UserID: "u1", TokenID: "tok-1", ExpiresAt: base.Add(time.Second)}
	qv.Remember("raw-token", claims)

	// Cache TTL has not elapsed, but the token itself has expired.
	qv.now = func() time.Time { return base.Add(2 * time.Second) }
	_, ok := qv.Cached("raw-token")
	require.False(t, ok)
}

func TestQuickCacheBounded(t *testing.T) {
	qv := NewQuickValidator(time.Minute, 4)
	defer qv.Close()

	for i := 0; i < 10; i++ {
		claims := &Claims{UserID: "u1", TokenID: "tok", ExpiresAt: time.Now().Add(time.Hour)}
		qv.Remember(string(rune('a'+i)), claims)
	}
	require.LessOrEqual(t, qv.Len(), 4)
}

func TestQuickSweep(t *testing.T) {
	qv := NewQuickValidator(time.Minute, 16)
	defer qv.Close()

	base := time.Now()
	qv.now = func() time.Time { return base }
	qv.Remember("raw-token", &Claims{UserID: "u1", ExpiresAt: base.Add(time.Hour)})
	require.Equal(t, 1, qv.Len())

	qv.now = func() time.Time { return base.Add(2 * time.Minute) }
	qv.sweep()
	require.Zero(t, qv.Len())
}

func TestQuickCloseIdempotent(t *testing.T) {
	qv := NewQuickValidator(time.Minute, 16)
	qv.Close()
	qv.Close()
}
