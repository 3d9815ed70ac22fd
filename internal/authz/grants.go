package authz

import (
	"context"
	"sync"
	"time"
)

// Effect is the direction of a user-level grant.
type Effect string

const (
	EffectAllow Effect = "allow"
	EffectDeny  Effect = "deny"
)

// Grant is a per-user permission override. Deny grants take precedence
// over everything else; allow grants take precedence over role
// permissions. An empty ResourceID applies to every resource of the type.
// Conditions restrict allow grants the same way they restrict role
// permissions; a deny grant denies regardless of conditions.
type Grant struct {
	ID         string
	UserID     string
	Effect     Effect
	Action     string
	Subject    string
	ResourceID string
	Conditions []Condition
	ExpiresAt  time.Time
}

// Expired reports whether the grant is past its expiry. Zero ExpiresAt
// means the grant never expires.
func (g Grant) Expired(now time.Time) bool {
	return !g.ExpiresAt.IsZero() && !now.Before(g.ExpiresAt)
}

func (g Grant) matches(action string, res Resource) bool {
	if g.Action != action && g.Action != ActionManage {
		return false
	}
	if g.Subject != res.Type && g.Subject != SubjectAll {
		return false
	}
	if g.ResourceID != "" && g.ResourceID != res.ID {
		return false
	}
	return true
}

// GrantStore loads the per-user grants consulted on every check.
type GrantStore interface {
	GrantsFor(ctx context.Context, userID string) ([]Grant, error)
}

// MemoryGrantStore is an in-memory GrantStore for tests and single-node
// deployments.
type MemoryGrantStore struct {
	mu     sync.RWMutex
	grants map[string][]Grant
}

func NewMemoryGrantStore() *MemoryGrantStore {
	return &MemoryGrantStore{grants: make(map[string][]Grant)}
}

var _ GrantStore = (*MemoryGrantStore)(nil)

func (m *MemoryGrantStore) GrantsFor(ctx context.Context, userID string) ([]Grant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	src := m.grants[userID]
	out := make([]Grant, len(src))
	copy(out, src)
	return out, nil
}

// Add appends a grant for its user.
func (m *MemoryGrantStore) Add(g Grant) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.grants[g.UserID] = append(m.grants[g.UserID], g)
}

// Remove deletes the grant with the given id.
func (m *MemoryGrantStore) Remove(userID, grantID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.grants[userID][:0]
	for _, g := range m.grants[userID] {
		if g.ID != grantID {
			kept = append(kept, g)
		}
	}
	m.grants[userID] = kept
}
