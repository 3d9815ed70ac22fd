package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"authgrid.org/internal/auth"
	"authgrid.org/internal/authz"
	"authgrid.org/internal/ids"
)

var _ authz.GrantStore = (*Store)(nil)

// LoadRoles reads the role hierarchy and permissions for engine
// construction. Called once at startup; the engine flattens the result.
func (s *Store) LoadRoles(ctx context.Context) ([]authz.RoleDef, error) {
	if s.db == nil {
		return nil, errors.New("database connection unavailable")
	}

	rows, err := s.db.QueryContext(ctx, `select name from roles order by name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	byName := map[string]*authz.RoleDef{}
	var order []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		byName[name] = &authz.RoleDef{Name: name}
		order = append(order, name)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	inhRows, err := s.db.QueryContext(ctx, `
		select role_name, inherits_from from role_inherits order by role_name
	`)
	if err != nil {
		return nil, err
	}
	defer inhRows.Close()
	for inhRows.Next() {
		var child, parent string
		if err := inhRows.Scan(&child, &parent); err != nil {
			return nil, err
		}
		if def, ok := byName[child]; ok {
			def.Inherits = append(def.Inherits, parent)
		}
	}
	if err := inhRows.Err(); err != nil {
		return nil, err
	}

	permRows, err := s.db.QueryContext(ctx, `
		select rp.role_name, p.action, p.subject, p.conditions
		from role_permissions rp
		join permissions p on p.id = rp.permission_id
		order by rp.role_name
	`)
	if err != nil {
		return nil, err
	}
	defer permRows.Close()
	for permRows.Next() {
		var (
			role, action, subject string
			rawConds              []byte
		)
		if err := permRows.Scan(&role, &action, &subject, &rawConds); err != nil {
			return nil, err
		}
		perm := authz.Permission{Action: action, Subject: subject}
		if len(rawConds) > 0 {
			if err := json.Unmarshal(rawConds, &perm.Conditions); err != nil {
				return nil, fmt.Errorf("decode conditions for role %s: %w", role, err)
			}
		}
		if def, ok := byName[role]; ok {
			def.Permissions = append(def.Permissions, perm)
		}
	}
	if err := permRows.Err(); err != nil {
		return nil, err
	}

	defs := make([]authz.RoleDef, 0, len(order))
	for _, name := range order {
		defs = append(defs, *byName[name])
	}
	return defs, nil
}

// GrantsFor returns the user's unexpired grants.
func (s *Store) GrantsFor(ctx context.Context, userID string) ([]authz.Grant, error) {
	if s.db == nil {
		return nil, errors.New("database connection unavailable")
	}
	rows, err := s.db.QueryContext(ctx, `
		select id, user_id, effect, action, subject, coalesce(resource_id, ''), conditions, expires_at
		from user_permission_grants
		where user_id = $1 and (expires_at is null or expires_at > now())
		order by id
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var grants []authz.Grant
	for rows.Next() {
		var (
			g        authz.Grant
			effect   string
			rawConds []byte
			expires  sql.NullTime
		)
		if err := rows.Scan(&g.ID, &g.UserID, &effect, &g.Action, &g.Subject, &g.ResourceID, &rawConds, &expires); err != nil {
			return nil, err
		}
		g.Effect = authz.Effect(effect)
		if len(rawConds) > 0 {
			if err := json.Unmarshal(rawConds, &g.Conditions); err != nil {
				return nil, fmt.Errorf("decode conditions for grant %s: %w", g.ID, err)
			}
		}
		if expires.Valid {
			g.ExpiresAt = expires.Time
		}
		grants = append(grants, g)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return grants, nil
}

// CreateGrant records a per-user override. A zero expiry means no expiry.
func (s *Store) CreateGrant(ctx context.Context, g authz.Grant) (authz.Grant, error) {
	if s.db == nil {
		return authz.Grant{}, errors.New("database connection unavailable")
	}
	if g.ID == "" {
		g.ID = ids.New()
	}
	var expires any
	if !g.ExpiresAt.IsZero() {
		expires = g.ExpiresAt.UTC()
	}
	conds, err := json.Marshal(g.Conditions)
	if err != nil {
		return authz.Grant{}, fmt.Errorf("encode conditions: %w", err)
	}
	if g.Conditions == nil {
		conds = []byte("[]")
	}
	var created time.Time
	err = s.db.QueryRowContext(ctx, `
		insert into user_permission_grants (id, user_id, effect, action, subject, resource_id, conditions, expires_at)
		values ($1, $2, $3, $4, $5, nullif($6, ''), $7, $8)
		returning created_at
	`, g.ID, g.UserID, string(g.Effect), g.Action, g.Subject, g.ResourceID, conds, expires).Scan(&created)
	if err != nil {
		if pgErr, ok := maybePgError(err); ok {
			switch pgErr.Code {
			case pgErrUniqueViolation:
				return authz.Grant{}, auth.ErrConflict
			case pgErrForeignKeyViolation:
				return authz.Grant{}, auth.ErrNotFound
			}
		}
		return authz.Grant{}, err
	}
	return g, nil
}

// DeleteGrant removes an override.
func (s *Store) DeleteGrant(ctx context.Context, grantID string) error {
	if s.db == nil {
		return errors.New("database connection unavailable")
	}
	res, err := s.db.ExecContext(ctx, `delete from user_permission_grants where id = $1`, grantID)
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
