package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"authgrid.org/internal/audit"
	"authgrid.org/internal/auth"
	"authgrid.org/internal/authz"
)

type checkRequest struct {
	Action   string          `json:"action"`
	Resource resourcePayload `json:"resource"`
}

type resourcePayload struct {
	Type    string `json:"type"`
	ID      string `json:"id,omitempty"`
	OrgID   string `json:"org_id,omitempty"`
	OwnerID string `json:"owner_id,omitempty"`
}

func (p resourcePayload) resource() authz.Resource {
	return authz.Resource{
		Type:    p.Type,
		ID:      p.ID,
		OrgID:   p.OrgID,
		OwnerID: p.OwnerID,
	}
}

type checkResponse struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason"`
}

type grantRequest struct {
	UserID     string            `json:"user_id"`
	Effect     string            `json:"effect"`
	Action     string            `json:"action"`
	Subject    string            `json:"subject"`
	ResourceID string            `json:"resource_id,omitempty"`
	Conditions []authz.Condition `json:"conditions,omitempty"`
	ExpiresAt  *time.Time        `json:"expires_at,omitempty"`
}

func (a *API) handleAuthzCheck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	principal, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		writeAuthError(w, r, "token_missing", "authentication required")
		return
	}

	var req checkRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Action) == "" || strings.TrimSpace(req.Resource.Type) == "" {
		writeError(w, r, http.StatusBadRequest, "action and resource.type are required")
		return
	}

	d := a.gateway.Authorize(r.Context(), principal, req.Action, req.Resource.resource())
	writeJSON(w, http.StatusOK, checkResponse{Allowed: d.Allowed, Reason: d.Reason})
}

func (a *API) handleGrants(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if a.grants == nil {
		writeError(w, r, http.StatusNotImplemented, "grant management is not configured")
		return
	}
	principal, ok := a.requireGrantAdmin(w, r)
	if !ok {
		return
	}

	var req grantRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	effect := authz.Effect(req.Effect)
	if effect != authz.EffectAllow && effect != authz.EffectDeny {
		writeError(w, r, http.StatusBadRequest, "effect must be allow or deny")
		return
	}
	if req.UserID == "" || req.Action == "" || req.Subject == "" {
		writeError(w, r, http.StatusBadRequest, "user_id, action and subject are required")
		return
	}

	grant := authz.Grant{
		UserID:     req.UserID,
		Effect:     effect,
		Action:     req.Action,
		Subject:    req.Subject,
		ResourceID: req.ResourceID,
		Conditions: req.Conditions,
	}
	if req.ExpiresAt != nil {
		grant.ExpiresAt = *req.ExpiresAt
	}

	created, err := a.grants.CreateGrant(r.Context(), grant)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrConflict):
			writeError(w, r, http.StatusConflict, "grant already exists")
		case errors.Is(err, auth.ErrNotFound):
			writeError(w, r, http.StatusNotFound, "user not found")
		default:
			writeError(w, r, http.StatusInternalServerError, "grant creation failed")
		}
		return
	}

	_ = audit.LogEvent(r.Context(), "authz.grant.created", map[string]any{
		"grant_id":    created.ID,
		"target_user": created.UserID,
		"effect":      string(created.Effect),
		"action":      created.Action,
		"subject":     created.Subject,
		"granted_by":  principal.UserID,
	})
	writeJSON(w, http.StatusCreated, map[string]any{"id": created.ID})
}

func (a *API) handleGrantByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		methodNotAllowed(w, r, http.MethodDelete)
		return
	}
	if a.grants == nil {
		writeError(w, r, http.StatusNotImplemented, "grant management is not configured")
		return
	}
	principal, ok := a.requireGrantAdmin(w, r)
	if !ok {
		return
	}

	grantID := strings.TrimPrefix(r.URL.Path, "/v1/authz/grants/")
	if grantID == "" || strings.Contains(grantID, "/") {
		writeError(w, r, http.StatusBadRequest, "grant id is required")
		return
	}

	if err := a.grants.DeleteGrant(r.Context(), grantID); err != nil {
		if errors.Is(err, auth.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, "grant not found")
			return
		}
		writeError(w, r, http.StatusInternalServerError, "grant deletion failed")
		return
	}

	_ = audit.LogEvent(r.Context(), "authz.grant.deleted", map[string]any{
		"grant_id":   grantID,
		"deleted_by": principal.UserID,
	})
	writeJSON(w, http.StatusOK, map[string]any{"status": "deleted"})
}

// requireGrantAdmin authorizes grant management through the engine itself.
func (a *API) requireGrantAdmin(w http.ResponseWriter, r *http.Request) (auth.Principal, bool) {
	principal, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		writeAuthError(w, r, "token_missing", "authentication required")
		return auth.Principal{}, false
	}
	d := a.gateway.Authorize(r.Context(), principal, "manage", authz.Resource{Type: "grant"})
	if !d.Allowed {
		writeError(w, r, http.StatusForbidden, "insufficient permissions")
		return auth.Principal{}, false
	}
	return principal, true
}
