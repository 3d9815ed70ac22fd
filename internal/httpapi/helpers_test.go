package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"authgrid.org/internal/auth"
	"authgrid.org/internal/authz"
	"authgrid.org/internal/gateway"
	"authgrid.org/internal/ids"
	"authgrid.org/internal/token"
)

var (
	testAccessSecret  = []byte("access-secret-0123456789abcdefghij")
	testRefreshSecret = []byte("refresh-secret-0123456789abcdefghi")
)

// memGrantAdmin adapts the in-memory grant store to the admin interface.
type memGrantAdmin struct {
	store  *authz.MemoryGrantStore
	owners map[string]string
}

func (m *memGrantAdmin) CreateGrant(ctx context.Context, g authz.Grant) (authz.Grant, error) {
	if g.ID == "" {
		g.ID = ids.New()
	}
	m.store.Add(g)
	m.owners[g.ID] = g.UserID
	return g, nil
}

func (m *memGrantAdmin) DeleteGrant(ctx context.Context, grantID string) error {
	owner, ok := m.owners[grantID]
	if !ok {
		return auth.ErrNotFound
	}
	m.store.Remove(owner, grantID)
	delete(m.owners, grantID)
	return nil
}

type apiClient struct {
	baseURL string
	client  *http.Client
	t       *testing.T
}

type testEnv struct {
	*apiClient
	users  *auth.MemoryUserStore
	grants *authz.MemoryGrantStore
	tokens *token.Service
}

func newTestAPI(t *testing.T) *testEnv {
	t.Helper()

	codec, err := token.NewCodec(testAccessSecret, testRefreshSecret)
	if err != nil {
		t.Fatalf("codec: %v", err)
	}
	store := token.NewMemoryStore(time.Minute)
	t.Cleanup(store.Close)
	tokens, err := token.NewService(codec, store, store, token.Config{})
	if err != nil {
		t.Fatalf("token service: %v", err)
	}
	t.Cleanup(tokens.Close)

	users := auth.NewMemoryUserStore()
	seedUser(t, users, "alice@acme.test", "correct horse battery", "USER", "acme")
	seedUser(t, users, "root@acme.test", "root horse battery", "ADMIN", "acme")

	grants := authz.NewMemoryGrantStore()
	engine, err := authz.NewEngine(authz.DefaultRoles(), authz.WithGrantStore(grants))
	if err != nil {
		t.Fatalf("engine: %v", err)
	}

	gw, err := gateway.New(users, tokens, engine)
	if err != nil {
		t.Fatalf("gateway: %v", err)
	}

	admin := &memGrantAdmin{store: grants, owners: map[string]string{}}
	api := New(gw, admin, ReadyProbe{}, "test")

	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)

	return &testEnv{
		apiClient: &apiClient{baseURL: srv.URL, client: srv.Client(), t: t},
		users:     users,
		grants:    grants,
		tokens:    tokens,
	}
}

func seedUser(t *testing.T, users *auth.MemoryUserStore, email, password, role, org string) {
	t.Helper()
	hash, err := auth.HashPassword(password)
	if err != nil {
		t.Fatalf("hash password: %v", err)
	}
	users.Add(auth.User{
		ID:           "user-" + role,
		OrgID:        org,
		Email:        email,
		Role:         role,
		PasswordHash: hash,
		Status:       auth.UserStatusActive,
	})
}

func (c *apiClient) post(path string, body any, headers map[string]string) *http.Response {
	c.t.Helper()
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			c.t.Fatalf("marshal body: %v", err)
		}
	}
	req, err := http.NewRequest(http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		c.t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.t.Fatalf("do request: %v", err)
	}
	return resp
}

func (c *apiClient) get(path string, headers map[string]string) *http.Response {
	c.t.Helper()
	req, err := http.NewRequest(http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		c.t.Fatalf("new request: %v", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.t.Fatalf("get request: %v", err)
	}
	return resp
}

func (c *apiClient) do(method, path string, headers map[string]string) *http.Response {
	c.t.Helper()
	req, err := http.NewRequest(method, c.baseURL+path, nil)
	if err != nil {
		c.t.Fatalf("new request: %v", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.t.Fatalf("do request: %v", err)
	}
	return resp
}

func (c *apiClient) login(email, password string) tokenPairResponse {
	c.t.Helper()
	resp := c.post("/v1/auth/login", map[string]string{
		"email":    email,
		"password": password,
	}, nil)
	if resp.StatusCode != http.StatusOK {
		c.t.Fatalf("unexpected login status: %d", resp.StatusCode)
	}
	return decode[tokenPairResponse](c.t, resp)
}

func bearerHeader(token string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + token}
}

func decode[T any](t *testing.T, r *http.Response) T {
	t.Helper()
	defer r.Body.Close()
	var v T
	if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

type errorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	RequestID string `json:"request_id"`
}
