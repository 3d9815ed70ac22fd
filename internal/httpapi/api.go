// Package httpapi is the HTTP surface of the auth service: login and
// token lifecycle endpoints, authorization checks and the usual
// health/metrics plumbing.
package httpapi

import (
	"context"
	"database/sql"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"authgrid.org/internal/authz"
	"authgrid.org/internal/gateway"
	"authgrid.org/internal/obs"
)

// ReadyProbe reports backend readiness (database ping when configured).
type ReadyProbe struct {
	DB *sql.DB
	// PingRedis lets /readyz verify the revocation backend as well.
	PingRedis func(ctx context.Context) error
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB != nil {
		if err := rp.DB.PingContext(ctx); err != nil {
			return err
		}
	}
	if rp.PingRedis != nil {
		if err := rp.PingRedis(ctx); err != nil {
			return err
		}
	}
	return nil
}

// GrantAdmin manages per-user permission overrides.
type GrantAdmin interface {
	CreateGrant(ctx context.Context, g authz.Grant) (authz.Grant, error)
	DeleteGrant(ctx context.Context, grantID string) error
}

// API is the HTTP layer.
type API struct {
	mux        *http.ServeMux
	gateway    *gateway.Gateway
	grants     GrantAdmin
	readyProbe ReadyProbe
	version    string
	loginLimit *ipLimiter
}

func New(gw *gateway.Gateway, grants GrantAdmin, rp ReadyProbe, version string) *API {
	a := &API{
		mux:        http.NewServeMux(),
		gateway:    gw,
		grants:     grants,
		readyProbe: rp,
		version:    version,
		loginLimit: newIPLimiter(rate.Every(time.Second), 5),
	}

	// health/ready/info
	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.HandleFunc("/v1/info", a.Info)

	// Prometheus metrics
	a.mux.Handle("/metrics", obs.Handler())

	// token lifecycle
	a.mux.HandleFunc("/v1/auth/login", a.handleLogin)
	a.mux.HandleFunc("/v1/auth/refresh", a.handleRefresh)
	a.mux.HandleFunc("/v1/auth/logout", a.handleLogout)
	a.mux.HandleFunc("/v1/auth/logout_all", a.handleLogoutAll)
	a.mux.HandleFunc("/v1/auth/me", a.handleMe)

	// authorization
	a.mux.HandleFunc("/v1/authz/check", a.handleAuthzCheck)
	a.mux.HandleFunc("/v1/authz/grants", a.handleGrants)
	a.mux.HandleFunc("/v1/authz/grants/", a.handleGrantByID)

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	return a
}

// Handler returns the fully wrapped handler for the server.
func (a *API) Handler() http.Handler {
	h := a.withAuth(a.mux)
	h = MaxBodyBytes(h, 1<<20)
	h = SecurityHeaders(h)
	h = Logging(h)
	h = RequestID(h)
	return obs.Instrument(h)
}

// --- Handlers ---

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "authgrid-api",
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    "authgrid-api",
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}
