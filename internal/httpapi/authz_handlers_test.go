package httpapi

import (
	"net/http"
	"testing"
)

func TestAuthzCheck(t *testing.T) {
	env := newTestAPI(t)
	pair := env.login("alice@acme.test", "correct horse battery")

	cases := []struct {
		name    string
		action  string
		res     map[string]string
		allowed bool
	}{
		{
			name:    "read document in own org",
			action:  "read",
			res:     map[string]string{"type": "document", "id": "doc-1", "org_id": "acme"},
			allowed: true,
		},
		{
			name:    "read document in foreign org",
			action:  "read",
			res:     map[string]string{"type": "document", "id": "doc-2", "org_id": "globex"},
			allowed: false,
		},
		{
			name:    "delete document without grant",
			action:  "delete",
			res:     map[string]string{"type": "document", "id": "doc-1", "org_id": "acme"},
			allowed: false,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := env.post("/v1/authz/check", map[string]any{
				"action":   tc.action,
				"resource": tc.res,
			}, bearerHeader(pair.AccessToken))
			if resp.StatusCode != http.StatusOK {
				t.Fatalf("expected 200, got %d", resp.StatusCode)
			}
			body := decode[checkResponse](t, resp)
			if body.Allowed != tc.allowed {
				t.Fatalf("allowed = %v (reason %q), want %v", body.Allowed, body.Reason, tc.allowed)
			}
		})
	}
}

func TestAuthzCheckValidation(t *testing.T) {
	env := newTestAPI(t)
	pair := env.login("alice@acme.test", "correct horse battery")

	resp := env.post("/v1/authz/check", map[string]any{
		"resource": map[string]string{"type": "document"},
	}, bearerHeader(pair.AccessToken))
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing action: expected 400, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = env.post("/v1/authz/check", map[string]any{
		"action": "read",
	}, bearerHeader(pair.AccessToken))
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing resource type: expected 400, got %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestGrantLifecycle(t *testing.T) {
	env := newTestAPI(t)
	admin := env.login("root@acme.test", "root horse battery")
	user := env.login("alice@acme.test", "correct horse battery")

	check := func(expect bool) {
		t.Helper()
		resp := env.post("/v1/authz/check", map[string]any{
			"action":   "delete",
			"resource": map[string]string{"type": "document", "id": "q3-report", "org_id": "acme"},
		}, bearerHeader(user.AccessToken))
		body := decode[checkResponse](t, resp)
		if body.Allowed != expect {
			t.Fatalf("allowed = %v (reason %q), want %v", body.Allowed, body.Reason, expect)
		}
	}

	check(false)

	resp := env.post("/v1/authz/grants", map[string]any{
		"user_id":     "user-USER",
		"effect":      "allow",
		"action":      "delete",
		"subject":     "document",
		"resource_id": "q3-report",
	}, bearerHeader(admin.AccessToken))
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create grant: expected 201, got %d", resp.StatusCode)
	}
	created := decode[map[string]string](t, resp)
	grantID := created["id"]
	if grantID == "" {
		t.Fatal("created grant has no id")
	}

	check(true)

	// Scoped to one resource only.
	resp = env.post("/v1/authz/check", map[string]any{
		"action":   "delete",
		"resource": map[string]string{"type": "document", "id": "other-doc", "org_id": "acme"},
	}, bearerHeader(user.AccessToken))
	other := decode[checkResponse](t, resp)
	if other.Allowed {
		t.Fatal("grant leaked to a different resource")
	}

	resp = env.do(http.MethodDelete, "/v1/authz/grants/"+grantID, bearerHeader(admin.AccessToken))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("delete grant: expected 200, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	check(false)
}

func TestGrantDenyOverridesRole(t *testing.T) {
	env := newTestAPI(t)
	admin := env.login("root@acme.test", "root horse battery")
	user := env.login("alice@acme.test", "correct horse battery")

	resp := env.post("/v1/authz/grants", map[string]any{
		"user_id": "user-USER",
		"effect":  "deny",
		"action":  "read",
		"subject": "document",
	}, bearerHeader(admin.AccessToken))
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create deny grant: expected 201, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = env.post("/v1/authz/check", map[string]any{
		"action":   "read",
		"resource": map[string]string{"type": "document", "id": "doc-1", "org_id": "acme"},
	}, bearerHeader(user.AccessToken))
	body := decode[checkResponse](t, resp)
	if body.Allowed {
		t.Fatal("deny grant did not override the role permission")
	}
}

func TestGrantAdminRequiresPrivilege(t *testing.T) {
	env := newTestAPI(t)
	user := env.login("alice@acme.test", "correct horse battery")

	resp := env.post("/v1/authz/grants", map[string]any{
		"user_id": "user-USER",
		"effect":  "allow",
		"action":  "delete",
		"subject": "document",
	}, bearerHeader(user.AccessToken))
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestGrantValidation(t *testing.T) {
	env := newTestAPI(t)
	admin := env.login("root@acme.test", "root horse battery")

	resp := env.post("/v1/authz/grants", map[string]any{
		"user_id": "user-USER",
		"effect":  "maybe",
		"action":  "delete",
		"subject": "document",
	}, bearerHeader(admin.AccessToken))
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad effect: expected 400, got %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestGrantDeleteUnknown(t *testing.T) {
	env := newTestAPI(t)
	admin := env.login("root@acme.test", "root horse battery")

	resp := env.do(http.MethodDelete, "/v1/authz/grants/no-such-grant", bearerHeader(admin.AccessToken))
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
	resp.Body.Close()
}
