// Package redisstore backs the token revocation and family state with
// Redis. Every marker carries a TTL, so the keyspace cleans itself up as
// the underlying tokens expire.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"authgrid.org/internal/token"
)

const (
	revokedTokenPrefix  = "revoked:token:"
	revokedFamilyPrefix = "revoked:family:"
	revokedUserPrefix   = "revoked:user:"
	familyPrefix        = "family:"
)

// advanceScript performs the compare-and-set on a family pointer in a
// single atomic step. Returns 1 when the pointer moved, 0 when the stored
// value did not match (or the key is gone).
var advanceScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	redis.call("SET", KEYS[1], ARGV[2], "PX", ARGV[3])
	return 1
end
return 0
`)

// Store implements token.RevocationStore and token.FamilyTracker on a
// shared Redis client.
type Store struct {
	client *redis.Client
}

// New verifies connectivity and wraps the client.
func New(client *redis.Client) (*Store, error) {
	if client == nil {
		return nil, errors.New("redis client cannot be nil")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := client.Ping(ctx).Result(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return &Store{client: client}, nil
}

var (
	_ token.RevocationStore = (*Store)(nil)
	_ token.FamilyTracker   = (*Store)(nil)
)

func (s *Store) RevokeToken(ctx context.Context, tokenID string, ttl time.Duration) error {
	return s.mark(ctx, revokedTokenPrefix+tokenID, ttl)
}

func (s *Store) RevokeFamily(ctx context.Context, family string, ttl time.Duration) error {
	return s.mark(ctx, revokedFamilyPrefix+family, ttl)
}

func (s *Store) RevokeUser(ctx context.Context, userID string, ttl time.Duration) error {
	return s.mark(ctx, revokedUserPrefix+userID, ttl)
}

func (s *Store) IsTokenRevoked(ctx context.Context, tokenID string) (bool, error) {
	return s.exists(ctx, revokedTokenPrefix+tokenID)
}

func (s *Store) IsFamilyRevoked(ctx context.Context, family string) (bool, error) {
	return s.exists(ctx, revokedFamilyPrefix+family)
}

func (s *Store) IsUserRevoked(ctx context.Context, userID string) (bool, error) {
	return s.exists(ctx, revokedUserPrefix+userID)
}

// RecordIssued points the family at its newest member.
func (s *Store) RecordIssued(ctx context.Context, family, tokenID string, ttl time.Duration) error {
	if family == "" || tokenID == "" {
		return errors.New("family and token id cannot be empty")
	}
	if ttl <= 0 {
		return errors.New("ttl must be positive")
	}
	if err := s.client.Set(ctx, familyPrefix+family, tokenID, ttl).Err(); err != nil {
		return fmt.Errorf("redis error: %w", err)
	}
	return nil
}

// Current returns the family's current token id, and whether the family
// is known at all.
func (s *Store) Current(ctx context.Context, family string) (string, bool, error) {
	if family == "" {
		return "", false, errors.New("family cannot be empty")
	}
	val, err := s.client.Get(ctx, familyPrefix+family).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("redis error: %w", err)
	}
	return val, true, nil
}

// Advance moves the family pointer from fromID to toID atomically. The
// Lua script guarantees that of two concurrent calls with the same fromID
// exactly one observes true.
func (s *Store) Advance(ctx context.Context, family, fromID, toID string, ttl time.Duration) (bool, error) {
	if family == "" || fromID == "" || toID == "" {
		return false, errors.New("family and token ids cannot be empty")
	}
	if ttl <= 0 {
		return false, errors.New("ttl must be positive")
	}
	res, err := advanceScript.Run(ctx, s.client,
		[]string{familyPrefix + family},
		fromID, toID, ttl.Milliseconds(),
	).Int()
	if err != nil {
		return false, fmt.Errorf("redis error: %w", err)
	}
	return res == 1, nil
}

func (s *Store) mark(ctx context.Context, key string, ttl time.Duration) error {
	if ttl <= 0 {
		return errors.New("ttl must be positive")
	}
	if err := s.client.Set(ctx, key, "1", ttl).Err(); err != nil {
		return fmt.Errorf("redis error: %w", err)
	}
	return nil
}

func (s *Store) exists(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("redis error: %w", err)
	}
	return n > 0, nil
}
