package pg

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"authgrid.org/internal/auth"
	"authgrid.org/internal/ids"
)

var _ auth.UserStore = (*Store)(nil)

func (s *Store) FindByEmail(ctx context.Context, email string) (*auth.User, error) {
	return s.findUser(ctx, `
		select id, organization_id, email, role, password_hash, status, created_at, updated_at
		from users
		where lower(email) = lower($1)
	`, strings.TrimSpace(email))
}

func (s *Store) Find(ctx context.Context, id string) (*auth.User, error) {
	return s.findUser(ctx, `
		select id, organization_id, email, role, password_hash, status, created_at, updated_at
		from users
		where id = $1
	`, id)
}

// CreateUser inserts an account. The caller supplies an already-hashed
// password.
func (s *Store) CreateUser(ctx context.Context, orgID, email, passwordHash, role string) (*auth.User, error) {
	if s.db == nil {
		return nil, errors.New("database connection unavailable")
	}
	var user auth.User
	row := s.db.QueryRowContext(ctx, `
		insert into users (id, organization_id, email, role, password_hash, status)
		values ($1, $2, $3, $4, $5, $6)
		returning id, organization_id, email, role, password_hash, status, created_at, updated_at
	`, ids.New(), orgID, strings.TrimSpace(email), role, passwordHash, auth.UserStatusActive)
	if err := scanUser(row, &user); err != nil {
		if pgErr, ok := maybePgError(err); ok {
			switch pgErr.Code {
			case pgErrUniqueViolation:
				return nil, auth.ErrConflict
			case pgErrForeignKeyViolation:
				return nil, auth.ErrNotFound
			}
		}
		return nil, err
	}
	return &user, nil
}

// SetUserStatus flips an account between active and disabled.
func (s *Store) SetUserStatus(ctx context.Context, userID, status string) error {
	if s.db == nil {
		return errors.New("database connection unavailable")
	}
	res, err := s.db.ExecContext(ctx, `
		update users set status = $2, updated_at = now() where id = $1
	`, userID, status)
	if err != nil {
		return err
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if aff == 0 {
		return auth.ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *Store) findUser(ctx context.Context, query string, arg any) (*auth.User, error) {
	if s.db == nil {
		return nil, errors.New("database connection unavailable")
	}
	var user auth.User
	err := scanUser(s.db.QueryRowContext(ctx, query, arg), &user)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &user, nil
}

func scanUser(row rowScanner, user *auth.User) error {
	return row.Scan(
		&user.ID,
		&user.OrgID,
		&user.Email,
		&user.Role,
		&user.PasswordHash,
		&user.Status,
		&user.CreatedAt,
		&user.UpdatedAt,
	)
}
