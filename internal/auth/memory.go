package auth

import (
	"context"
	"strings"
	"sync"
)

// MemoryUserStore is an in-memory UserStore for tests and development
// runs without a database.
type MemoryUserStore struct {
	mu    sync.RWMutex
	byID  map[string]User
	byEml map[string]string
}

func NewMemoryUserStore() *MemoryUserStore {
	return &MemoryUserStore{
		byID:  make(map[string]User),
		byEml: make(map[string]string),
	}
}

var _ UserStore = (*MemoryUserStore)(nil)

// Add inserts or replaces a user record.
func (m *MemoryUserStore) Add(u User) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byID[u.ID] = u
	m.byEml[strings.ToLower(u.Email)] = u.ID
}

func (m *MemoryUserStore) FindByEmail(ctx context.Context, email string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byEml[strings.ToLower(strings.TrimSpace(email))]
	if !ok {
		return nil, ErrNotFound
	}
	u := m.byID[id]
	return &u, nil
}

func (m *MemoryUserStore) Find(ctx context.Context, id string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &u, nil
}
