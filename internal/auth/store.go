package auth

import (
	"context"
	"time"
)

// User is the account record consulted during login. Domain persistence of
// users lives outside this subsystem; the gateway only needs enough of it to
// authenticate credentials and mint a principal.
type User struct {
	ID           string
	OrgID        string
	Email        string
	Role         string
	PasswordHash string
	Status       string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

const (
	UserStatusActive   = "active"
	UserStatusDisabled = "disabled"
)

// UserStore looks up accounts for credential authentication.
type UserStore interface {
	FindByEmail(ctx context.Context, email string) (*User, error)
	Find(ctx context.Context, id string) (*User, error)
}

// Principal converts a user record to a request principal.
func (u *User) Principal() Principal {
	return Principal{
		UserID: u.ID,
		Email:  u.Email,
		Role:   u.Role,
		OrgID:  u.OrgID,
	}
}
