package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"authgrid.org/internal/audit"
	"authgrid.org/internal/auth"
	"authgrid.org/internal/token"
)

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type tokenPairResponse struct {
	AccessToken      string    `json:"access_token"`
	RefreshToken     string    `json:"refresh_token"`
	TokenType        string    `json:"token_type"`
	AccessExpiresAt  time.Time `json:"access_expires_at"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
}

func pairResponse(pair *token.Pair) tokenPairResponse {
	return tokenPairResponse{
		AccessToken:      pair.Access.Token,
		RefreshToken:     pair.Refresh.Token,
		TokenType:        "Bearer",
		AccessExpiresAt:  pair.Access.ExpiresAt,
		RefreshExpiresAt: pair.Refresh.ExpiresAt,
	}
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if !a.loginLimit.allow(clientIP(r)) {
		w.Header().Set("Retry-After", "1")
		writeErrorCode(w, r, http.StatusTooManyRequests, "rate_limited", "too many login attempts")
		return
	}

	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	email := strings.TrimSpace(req.Email)
	if email == "" || req.Password == "" {
		writeError(w, r, http.StatusBadRequest, "email and password are required")
		return
	}

	pair, principal, err := a.gateway.Login(r.Context(), email, req.Password)
	if err != nil {
		if errors.Is(err, auth.ErrUnauthorized) {
			_ = audit.LogEvent(r.Context(), "auth.login.failed", map[string]any{
				"email": email,
				"ip":    clientIP(r),
			})
			writeErrorCode(w, r, http.StatusUnauthorized, "invalid_credentials", "invalid email or password")
			return
		}
		writeError(w, r, http.StatusInternalServerError, "login failed")
		return
	}

	ctx := auth.ContextWithPrincipal(r.Context(), principal)
	_ = audit.LogEvent(ctx, "auth.login", map[string]any{
		"email":  principal.Email,
		"family": pair.Refresh.Family,
		"ip":     clientIP(r),
	})

	a.setTokenCookies(w, pair)
	writeJSON(w, http.StatusOK, pairResponse(pair))
}

func (a *API) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}

	raw, err := a.refreshTokenFromRequest(w, r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	pair, err := a.gateway.Refresh(r.Context(), raw)
	if err != nil {
		code, msg := classifyTokenError(err)
		if code == "session_superseded" {
			_ = audit.LogEvent(r.Context(), "auth.refresh.reuse_detected", map[string]any{
				"ip": clientIP(r),
			})
			a.clearTokenCookies(w)
		}
		writeAuthError(w, r, code, msg)
		return
	}

	_ = audit.LogEvent(r.Context(), "auth.refresh", map[string]any{
		"family": pair.Refresh.Family,
	})
	a.setTokenCookies(w, pair)
	writeJSON(w, http.StatusOK, pairResponse(pair))
}

func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}

	// Revoke the refresh token when supplied; otherwise the access token
	// used for this request.
	raw, err := a.refreshTokenFromRequest(w, r)
	if err != nil {
		if tok, ok := auth.TokenFromContext(r.Context()); ok {
			raw = tok
		} else {
			writeError(w, r, http.StatusBadRequest, "no token to revoke")
			return
		}
	}

	if err := a.gateway.Logout(r.Context(), raw); err != nil {
		code, msg := classifyTokenError(err)
		writeAuthError(w, r, code, msg)
		return
	}

	_ = audit.LogEvent(r.Context(), "auth.logout", nil)
	a.clearTokenCookies(w)
	writeJSON(w, http.StatusOK, map[string]any{"status": "logged_out"})
}

func (a *API) handleLogoutAll(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	principal, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		writeAuthError(w, r, "token_missing", "authentication required")
		return
	}

	if err := a.gateway.LogoutAll(r.Context(), principal.UserID); err != nil {
		writeError(w, r, http.StatusInternalServerError, "revocation failed")
		return
	}

	_ = audit.LogEvent(r.Context(), "auth.logout_all", nil)
	a.clearTokenCookies(w)
	writeJSON(w, http.StatusOK, map[string]any{"status": "all_sessions_revoked"})
}

func (a *API) handleMe(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	principal, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		writeAuthError(w, r, "token_missing", "authentication required")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user_id": principal.UserID,
		"email":   principal.Email,
		"role":    principal.Role,
		"org_id":  principal.OrgID,
	})
}

// refreshTokenFromRequest reads the refresh token from the body or the
// refresh cookie.
func (a *API) refreshTokenFromRequest(w http.ResponseWriter, r *http.Request) (string, error) {
	if r.Body != nil && r.ContentLength != 0 {
		var req refreshRequest
		if err := decodeJSON(w, r, &req); err != nil {
			return "", err
		}
		if tok := strings.TrimSpace(req.RefreshToken); tok != "" {
			return tok, nil
		}
	}
	if c, err := r.Cookie(refreshCookie); err == nil && c.Value != "" {
		return c.Value, nil
	}
	return "", errors.New("refresh_token is required")
}

func (a *API) setTokenCookies(w http.ResponseWriter, pair *token.Pair) {
	http.SetCookie(w, &http.Cookie{
		Name:     accessCookie,
		Value:    pair.Access.Token,
		Path:     "/",
		Expires:  pair.Access.ExpiresAt,
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteStrictMode,
	})
	http.SetCookie(w, &http.Cookie{
		Name:     refreshCookie,
		Value:    pair.Refresh.Token,
		Path:     "/v1/auth",
		Expires:  pair.Refresh.ExpiresAt,
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteStrictMode,
	})
}

func (a *API) clearTokenCookies(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{Name: accessCookie, Value: "", Path: "/", MaxAge: -1})
	http.SetCookie(w, &http.Cookie{Name: refreshCookie, Value: "", Path: "/v1/auth", MaxAge: -1})
}
