// Package gateway ties credential authentication, token lifecycle and
// authorization into the single front door the HTTP layer talks to.
package gateway

import (
	"context"
	"errors"
	"fmt"

	"authgrid.org/internal/auth"
	"authgrid.org/internal/authz"
	"authgrid.org/internal/token"
)

// Gateway is the composition root for auth decisions.
type Gateway struct {
	users  auth.UserStore
	tokens *token.Service
	engine *authz.Engine
}

func New(users auth.UserStore, tokens *token.Service, engine *authz.Engine) (*Gateway, error) {
	if users == nil {
		return nil, errors.New("gateway: user store is required")
	}
	if tokens == nil {
		return nil, errors.New("gateway: token service is required")
	}
	if engine == nil {
		return nil, errors.New("gateway: permission engine is required")
	}
	return &Gateway{users: users, tokens: tokens, engine: engine}, nil
}

// Tokens exposes the token service for revocation endpoints.
func (g *Gateway) Tokens() *token.Service { return g.tokens }

// Engine exposes the permission engine for authorization endpoints.
func (g *Gateway) Engine() *authz.Engine { return g.engine }

// Login authenticates credentials and mints a fresh token pair. Failures
// are deliberately uniform: a missing account, a wrong password and a
// disabled account all surface as ErrUnauthorized.
func (g *Gateway) Login(ctx context.Context, email, password string) (*token.Pair, auth.Principal, error) {
	user, err := g.users.FindByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, auth.ErrNotFound) {
			return nil, auth.Principal{}, auth.ErrUnauthorized
		}
		return nil, auth.Principal{}, fmt.Errorf("lookup user: %w", err)
	}
	if user.Status != auth.UserStatusActive {
		return nil, auth.Principal{}, auth.ErrUnauthorized
	}
	if err := auth.VerifyPassword(user.PasswordHash, password); err != nil {
		return nil, auth.Principal{}, auth.ErrUnauthorized
	}

	principal := user.Principal()
	pair, err := g.tokens.IssueTokenPair(ctx, principal)
	if err != nil {
		return nil, auth.Principal{}, fmt.Errorf("issue tokens: %w", err)
	}
	return pair, principal, nil
}

// Authenticate verifies an access token and returns the principal it
// carries. Token classification errors pass through for status mapping.
func (g *Gateway) Authenticate(ctx context.Context, raw string) (auth.Principal, error) {
	claims, err := g.tokens.VerifyAccessToken(ctx, raw)
	if err != nil {
		return auth.Principal{}, err
	}
	return claims.Principal(), nil
}

// Refresh rotates a refresh token into a new pair.
func (g *Gateway) Refresh(ctx context.Context, raw string) (*token.Pair, error) {
	return g.tokens.RotateRefreshToken(ctx, raw)
}

// Logout revokes the presented token; for refresh tokens the whole family
// dies with it.
func (g *Gateway) Logout(ctx context.Context, raw string) error {
	return g.tokens.Revoke(ctx, raw)
}

// LogoutAll ends every session of the user.
func (g *Gateway) LogoutAll(ctx context.Context, userID string) error {
	return g.tokens.RevokeAllForUser(ctx, userID)
}

// Authorize answers whether the principal may perform action on the
// resource.
func (g *Gateway) Authorize(ctx context.Context, principal auth.Principal, action string, res authz.Resource) authz.Decision {
	sub := authz.Subject{
		UserID: principal.UserID,
		Role:   principal.Role,
		OrgID:  principal.OrgID,
	}
	return g.engine.CheckPermission(ctx, sub, action, res)
}
