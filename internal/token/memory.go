package token

import (
	"context"
	"errors"
	"sync"
	"time"
)

type memoryEntry struct {
	value     string
	expiresAt time.Time
}

// MemoryStore is an in-process implementation of RevocationStore and
// FamilyTracker. Suitable for tests and single-instance deployments;
// production uses the Redis store.
type MemoryStore struct {
	mu            sync.Mutex
	revokedTokens map[string]memoryEntry
	revokedFams   map[string]memoryEntry
	revokedUsers  map[string]memoryEntry
	families      map[string]memoryEntry

	cleanupEvery time.Duration
	stop         chan struct{}
	stopOnce     sync.Once
	now          func() time.Time
}

var _ RevocationStore = (*MemoryStore)(nil)
var _ FamilyTracker = (*MemoryStore)(nil)

// NewMemoryStore creates an in-memory store and starts its cleanup loop.
func NewMemoryStore(cleanupInterval time.Duration) *MemoryStore {
	if cleanupInterval <= 0 {
		cleanupInterval = 5 * time.Minute
	}
	m := &MemoryStore{
		revokedTokens: make(map[string]memoryEntry),
		revokedFams:   make(map[string]memoryEntry),
		revokedUsers:  make(map[string]memoryEntry),
		families:      make(map[string]memoryEntry),
		cleanupEvery:  cleanupInterval,
		stop:          make(chan struct{}),
		now:           time.Now,
	}
	go m.cleanupLoop()
	return m
}

// Close stops the cleanup loop.
func (m *MemoryStore) Close() {
	m.stopOnce.Do(func() { close(m.stop) })
}

func (m *MemoryStore) RevokeToken(ctx context.Context, tokenID string, ttl time.Duration) error {
	return m.put(m.revokedTokens, tokenID, "1", ttl)
}

func (m *MemoryStore) RevokeFamily(ctx context.Context, family string, ttl time.Duration) error {
	return m.put(m.revokedFams, family, "1", ttl)
}

func (m *MemoryStore) RevokeUser(ctx context.Context, userID string, ttl time.Duration) error {
	return m.put(m.revokedUsers, userID, "1", ttl)
}

func (m *MemoryStore) IsTokenRevoked(ctx context.Context, tokenID string) (bool, error) {
	return m.exists(m.revokedTokens, tokenID), nil
}

func (m *MemoryStore) IsFamilyRevoked(ctx context.Context, family string) (bool, error) {
	return m.exists(m.revokedFams, family), nil
}

func (m *MemoryStore) IsUserRevoked(ctx context.Context, userID string) (bool, error) {
	return m.exists(m.revokedUsers, userID), nil
}

func (m *MemoryStore) RecordIssued(ctx context.Context, family, tokenID string, ttl time.Duration) error {
	return m.put(m.families, family, tokenID, ttl)
}

func (m *MemoryStore) Current(ctx context.Context, family string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.families[family]
	if !ok || m.now().After(entry.expiresAt) {
		return "", false, nil
	}
	return entry.value, true, nil
}

func (m *MemoryStore) Advance(ctx context.Context, family, fromID, toID string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		return false, errors.New("ttl must be positive")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.families[family]
	if !ok || m.now().After(entry.expiresAt) || entry.value != fromID {
		return false, nil
	}
	m.families[family] = memoryEntry{value: toID, expiresAt: m.now().Add(ttl)}
	return true, nil
}

func (m *MemoryStore) put(table map[string]memoryEntry, key, value string, ttl time.Duration) error {
	if key == "" {
		return errors.New("key cannot be empty")
	}
	if ttl <= 0 {
		return errors.New("ttl must be positive")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	table[key] = memoryEntry{value: value, expiresAt: m.now().Add(ttl)}
	return nil
}

func (m *MemoryStore) exists(table map[string]memoryEntry, key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := table[key]
	if !ok {
		return false
	}
	return !m.now().After(entry.expiresAt)
}

func (m *MemoryStore) cleanupLoop() {
	ticker := time.NewTicker(m.cleanupEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.cleanup()
		case <-m.stop:
			return
		}
	}
}

func (m *MemoryStore) cleanup() {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, table := range []map[string]memoryEntry{m.revokedTokens, m.revokedFams, m.revokedUsers, m.families} {
		for key, entry := range table {
			if now.After(entry.expiresAt) {
				delete(table, key)
			}
		}
	}
}
