package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"authgrid.org/internal/auth"
	"authgrid.org/internal/token"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "

	accessCookie  = "authgrid_access"
	refreshCookie = "authgrid_refresh"
)

var publicPaths = []string{
	"/v1/auth/login",
	"/v1/auth/refresh",
	"/metrics",
	"/healthz",
	"/readyz",
	"/v1/info",
	"/",
}

// withAuth authenticates every non-public request and stores the
// principal in the context. Token classification errors map to distinct
// error codes so clients know whether to refresh or re-login.
func (a *API) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions || isPublicPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		raw, err := extractAccessToken(r)
		if err != nil {
			writeAuthError(w, r, "token_missing", err.Error())
			return
		}

		principal, err := a.gateway.Authenticate(r.Context(), raw)
		if err != nil {
			code, msg := classifyTokenError(err)
			writeAuthError(w, r, code, msg)
			return
		}

		ctx := auth.ContextWithPrincipal(r.Context(), principal)
		ctx = auth.ContextWithToken(ctx, raw)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// classifyTokenError maps the token error taxonomy to wire codes. Every
// failure is a 401; the code tells the client what to do next:
// token_expired means refresh, session_superseded means full re-login.
func classifyTokenError(err error) (code, msg string) {
	switch {
	case errors.Is(err, token.ErrExpired):
		return "token_expired", "token has expired"
	case errors.Is(err, token.ErrSuperseded):
		return "session_superseded", "session was superseded, log in again"
	case errors.Is(err, token.ErrRevoked):
		return "token_revoked", "token has been revoked"
	case errors.Is(err, token.ErrInvalidType):
		return "token_type_invalid", "wrong token type for this operation"
	case errors.Is(err, token.ErrInvalidSignature):
		return "token_invalid", "token signature is invalid"
	default:
		return "token_invalid", "token is malformed"
	}
}

func writeAuthError(w http.ResponseWriter, r *http.Request, code, msg string) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="authgrid"`)
	writeErrorCode(w, r, http.StatusUnauthorized, code, msg)
}

// extractAccessToken prefers the Authorization header, falling back to
// the access cookie set at login.
func extractAccessToken(r *http.Request) (string, error) {
	if header := strings.TrimSpace(r.Header.Get(authHeader)); header != "" {
		return extractBearerToken(header)
	}
	if c, err := r.Cookie(accessCookie); err == nil && c.Value != "" {
		return c.Value, nil
	}
	return "", errors.New("missing bearer token")
}

func extractBearerToken(header string) (string, error) {
	if !strings.HasPrefix(strings.ToLower(header), strings.ToLower(bearer)) {
		return "", errors.New("invalid authorization scheme")
	}
	tok := strings.TrimSpace(header[len(bearer):])
	if tok == "" {
		return "", errors.New("missing bearer token")
	}
	return tok, nil
}

func isPublicPath(path string) bool {
	for _, p := range publicPaths {
		if path == p {
			return true
		}
	}
	return false
}
