package token

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"authgrid.org/internal/obs"
)

const (
	defaultQuickTTL      = 5 * time.Minute
	defaultQuickMaxSize  = 1024
	defaultSweepInterval = time.Minute
)

// QuickResult is the verdict of a cheap, non-cryptographic pre-check.
type QuickResult struct {
	Valid     bool
	Reason    string
	ExpiresAt time.Time
}

type quickEntry struct {
	claims   *Claims
	storedAt time.Time
}

// QuickValidator rejects obviously-bad tokens without touching cryptography
// or any store, and memoizes the claims of recently fully-verified tokens so
// bursts of repeated calls with the same token skip re-verification of the
// signature. A negative QuickCheck is authoritative; a cache hit is advisory
// and only ever skips the cryptographic parse — revocation checks still run.
type QuickValidator struct {
	ttl   time.Duration
	cache *lru.Cache[string, quickEntry]

	sweepEvery time.Duration
	stop       chan struct{}
	stopOnce   sync.Once
	now        func() time.Time
}

// NewQuickValidator builds a validator with a bounded LRU cache (oldest
// evicted first) and starts the background sweeper. Close releases it.
func NewQuickValidator(ttl time.Duration, maxSize int) *QuickValidator {
	if ttl <= 0 {
		ttl = defaultQuickTTL
	}
	if maxSize <= 0 {
		maxSize = defaultQuickMaxSize
	}
	cache, err := lru.New[string, quickEntry](maxSize)
	if err != nil {
		// lru.New only fails on a non-positive size.
		panic(err)
	}
	qv := &QuickValidator{
		ttl:        ttl,
		cache:      cache,
		sweepEvery: defaultSweepInterval,
		stop:       make(chan struct{}),
		now:        time.Now,
	}
	go qv.sweepLoop()
	return qv
}

// Close stops the background sweeper.
func (qv *QuickValidator) Close() {
	qv.stopOnce.Do(func() { close(qv.stop) })
}

// quickPayload is the subset of claims needed for the unauthenticated check.
type quickPayload struct {
	Subject string `json:"sub"`
	Expires int64  `json:"exp"`
}

// QuickCheck inspects token shape, expiry and subject presence without
// verifying the signature. A failed check short-circuits verification.
func (qv *QuickValidator) QuickCheck(raw string) QuickResult {
	segments := strings.Split(raw, ".")
	if len(segments) != 3 || segments[0] == "" || segments[1] == "" || segments[2] == "" {
		return QuickResult{Reason: "malformed"}
	}

	payloadJSON, err := base64.RawURLEncoding.DecodeString(segments[1])
	if err != nil {
		return QuickResult{Reason: "malformed"}
	}
	var payload quickPayload
	if err := json.Unmarshal(payloadJSON, &payload); err != nil {
		return QuickResult{Reason: "malformed"}
	}
	if payload.Subject == "" {
		return QuickResult{Reason: "missing subject"}
	}
	if payload.Expires <= 0 {
		return QuickResult{Reason: "malformed"}
	}

	expiresAt := time.Unix(payload.Expires, 0)
	if !qv.now().Before(expiresAt) {
		return QuickResult{Reason: "expired", ExpiresAt: expiresAt}
	}
	return QuickResult{Valid: true, ExpiresAt: expiresAt}
}

// Remember memoizes claims obtained from a full cryptographic verification.
func (qv *QuickValidator) Remember(raw string, claims *Claims) {
	if claims == nil {
		return
	}
	qv.cache.Add(cacheKey(raw), quickEntry{claims: claims, storedAt: qv.now()})
}

// Cached returns memoized claims for the exact token if a full verification
// happened within the cache TTL and the token has not expired meanwhile.
func (qv *QuickValidator) Cached(raw string) (*Claims, bool) {
	key := cacheKey(raw)
	entry, ok := qv.cache.Get(key)
	if !ok {
		obs.ObserveQuickCache("miss")
		return nil, false
	}
	now := qv.now()
	if now.Sub(entry.storedAt) >= qv.ttl || !now.Before(entry.claims.ExpiresAt) {
		qv.cache.Remove(key)
		obs.ObserveQuickCache("miss")
		return nil, false
	}
	obs.ObserveQuickCache("hit")
	return entry.claims, true
}

// Len reports current cache occupancy.
func (qv *QuickValidator) Len() int {
	return qv.cache.Len()
}

func (qv *QuickValidator) sweepLoop() {
	ticker := time.NewTicker(qv.sweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			qv.sweep()
		case <-qv.stop:
			return
		}
	}
}

// sweep removes stale entries in one pass. Entries that expire between
// sweeps are still rejected on lookup; the sweep only bounds occupancy.
func (qv *QuickValidator) sweep() {
	now := qv.now()
	for _, key := range qv.cache.Keys() {
		entry, ok := qv.cache.Peek(key)
		if !ok {
			continue
		}
		if now.Sub(entry.storedAt) >= qv.ttl || !now.Before(entry.claims.ExpiresAt) {
			qv.cache.Remove(key)
		}
	}
}

// cacheKey hashes the raw token so the cache never holds usable credentials.
func cacheKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}
