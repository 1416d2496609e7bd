package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ezkeys/ezkeys/internal/hasher"
	"github.com/ezkeys/ezkeys/internal/identity"
	"github.com/ezkeys/ezkeys/internal/keygen"
	"github.com/ezkeys/ezkeys/internal/model"
	"github.com/ezkeys/ezkeys/internal/server/middleware"
	"github.com/ezkeys/ezkeys/internal/service"
	"github.com/ezkeys/ezkeys/internal/store"
)

const (
	testSecret = "handler-test-secret"
	testIssuer = "ezkeys-test"
)

type testEnv struct {
	keys        *KeyHandler
	sessions    *SessionHandler
	svc         *service.KeyService
	idTokens    *identity.HMACTokenVerifier
	revocations *identity.MemoryRevocations
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()

	st, err := store.Open(ctx, store.Options{Driver: "sqlite"})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	gen, err := keygen.NewGenerator("test")
	require.NoError(t, err)
	h, err := hasher.New(hasher.Params{Memory: 64, Time: 1, Parallelism: 1, KeyLength: 32}, hasher.StaticPepper("pepper"), 2)
	require.NoError(t, err)

	idTokens := identity.NewHMACTokenVerifier(testSecret, testIssuer)
	revocations := identity.NewMemoryRevocations(time.Hour)
	provider := identity.NewProvider(idTokens, identity.NewSessionSigner(testSecret, testIssuer), revocations)
	resolver := identity.NewResolver(provider, true)

	svc, err := service.New(service.Options{
		Generator: gen,
		Hasher:    h,
		Store:     st,
		Resolver:  resolver,
	})
	require.NoError(t, err)

	return &testEnv{
		keys:        NewKeyHandler(svc, ""),
		sessions:    NewSessionHandler(provider, resolver, nil, SessionConfig{}, nil),
		svc:         svc,
		idTokens:    idTokens,
		revocations: revocations,
	}
}

func (e *testEnv) token(t *testing.T, uid string) string {
	t.Helper()
	tok, err := e.idTokens.Issue(uid, time.Hour)
	require.NoError(t, err)
	return tok
}

func do(h http.HandlerFunc, method, body, bearer string, cookies ...*http.Cookie) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, "/", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	for _, c := range cookies {
		req.AddCookie(c)
	}
	rr := httptest.NewRecorder()
	h(rr, req)
	return rr
}

func errorCode(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	var body model.ErrorResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	return body.Error.Code
}

// ---------------------------------------------------------------------------
// Key lifecycle
// ---------------------------------------------------------------------------

func TestCreateListRevoke(t *testing.T) {
	env := newTestEnv(t)
	tok := env.token(t, "alice")

	rr := do(env.keys.Create, "POST", `{"name":"ci","scopes":["read",7,"write",null]}`, tok)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, "no-store", rr.Header().Get("Cache-Control"))

	var created model.CreatedKey
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &created))
	assert.True(t, strings.HasPrefix(created.Key, "ezk_test_"))
	require.NotNil(t, created.Name)
	assert.Equal(t, "ci", *created.Name)

	p, err := env.svc.Authenticate(context.Background(), created.Key)
	require.NoError(t, err)
	assert.Equal(t, []string{"read", "write"}, p.Scopes)

	rr = do(env.keys.List, "GET", "", tok)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.NotContains(t, rr.Body.String(), created.Key)
	var list model.ListResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &list))
	require.Len(t, list.Items, 1)
	assert.Equal(t, created.ID, list.Items[0].ID)

	rr = do(env.keys.Revoke, "POST", `{"id":"`+created.ID+`"}`, tok)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"ok":true,"deleted":true}`, rr.Body.String())
}

func TestCreateEmptyBody(t *testing.T) {
	env := newTestEnv(t)
	rr := do(env.keys.Create, "POST", "", env.token(t, "alice"))
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	var created model.CreatedKey
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &created))
	assert.Nil(t, created.Name)
}

func TestCreateRejectsMalformedBodies(t *testing.T) {
	env := newTestEnv(t)
	tok := env.token(t, "alice")

	tests := []struct {
		name string
		body string
	}{
		{"not json", `{name:`},
		{"array body", `[1,2]`},
		{"numeric name", `{"name":42}`},
		{"scopes object", `{"scopes":{"a":1}}`},
		{"scopes string", `{"scopes":"read"}`},
		{"demo string", `{"demo":"yes"}`},
		{"two objects", `{} {}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := do(env.keys.Create, "POST", tt.body, tok)
			assert.Equal(t, http.StatusBadRequest, rr.Code)
			assert.Equal(t, "invalid-argument", errorCode(t, rr))
		})
	}
}

func TestCreateRejectsOversizedBody(t *testing.T) {
	env := newTestEnv(t)
	body := `{"name":"` + strings.Repeat("a", maxBodyBytes) + `"}`
	rr := do(env.keys.Create, "POST", body, env.token(t, "alice"))
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestUnauthenticatedCalls(t *testing.T) {
	env := newTestEnv(t)

	for name, h := range map[string]http.HandlerFunc{
		"create":      env.keys.Create,
		"list":        env.keys.List,
		"revoke":      env.keys.Revoke,
		"set-default": env.keys.SetDefault,
	} {
		t.Run(name, func(t *testing.T) {
			rr := do(h, "POST", `{"id":"x"}`, "")
			assert.Equal(t, http.StatusUnauthorized, rr.Code)
			assert.Equal(t, "unauthenticated", errorCode(t, rr))

			rr = do(h, "POST", `{"id":"x"}`, "not-a-token")
			assert.Equal(t, http.StatusUnauthorized, rr.Code)
		})
	}
}

func TestUnauthenticatedWinsOverMalformedBody(t *testing.T) {
	env := newTestEnv(t)

	for name, h := range map[string]http.HandlerFunc{
		"create":      env.keys.Create,
		"revoke":      env.keys.Revoke,
		"set-default": env.keys.SetDefault,
		"demo":        env.keys.DemoCall,
	} {
		t.Run(name, func(t *testing.T) {
			rr := do(h, "POST", `{name:`, "")
			assert.Equal(t, http.StatusUnauthorized, rr.Code)
			assert.Equal(t, "unauthenticated", errorCode(t, rr))

			rr = do(h, "POST", `{"id":42}`, "not-a-token")
			assert.Equal(t, http.StatusUnauthorized, rr.Code)

			rr = do(h, "POST", `{name:`, env.token(t, "alice"))
			assert.Equal(t, http.StatusBadRequest, rr.Code)
			assert.Equal(t, "invalid-argument", errorCode(t, rr))
		})
	}
}

func TestSetDefault(t *testing.T) {
	env := newTestEnv(t)
	alice := env.token(t, "alice")

	var ids []string
	for i := 0; i < 2; i++ {
		rr := do(env.keys.Create, "POST", `{}`, alice)
		require.Equal(t, http.StatusOK, rr.Code)
		var created model.CreatedKey
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &created))
		ids = append(ids, created.ID)
	}

	for _, id := range ids {
		rr := do(env.keys.SetDefault, "POST", `{"id":"`+id+`"}`, alice)
		require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
		assert.JSONEq(t, `{"ok":true}`, rr.Body.String())
	}

	rr := do(env.keys.List, "GET", "", alice)
	require.Equal(t, http.StatusOK, rr.Code)
	var list model.ListResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &list))
	require.Len(t, list.Items, 2)
	for _, it := range list.Items {
		assert.Equal(t, it.ID == ids[1], it.IsDefault, "key %s", it.ID)
	}
	assert.Contains(t, rr.Body.String(), `"isDefault":false`)

	rr = do(env.keys.SetDefault, "POST", `{"id":"`+ids[0]+`"}`, env.token(t, "mallory"))
	assert.Equal(t, http.StatusForbidden, rr.Code)
	rr = do(env.keys.SetDefault, "POST", `{}`, alice)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	rr = do(env.keys.SetDefault, "POST", `{"id":"nope"}`, alice)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = do(env.keys.Revoke, "POST", `{"id":"`+ids[1]+`"}`, alice)
	require.Equal(t, http.StatusOK, rr.Code)
	rr = do(env.keys.SetDefault, "POST", `{"id":"`+ids[1]+`"}`, alice)
	assert.Equal(t, http.StatusConflict, rr.Code)
	assert.Equal(t, "failed-precondition", errorCode(t, rr))
}

func TestRevokeErrors(t *testing.T) {
	env := newTestEnv(t)
	alice := env.token(t, "alice")

	rr := do(env.keys.Create, "POST", `{}`, alice)
	require.Equal(t, http.StatusOK, rr.Code)
	var created model.CreatedKey
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &created))

	rr = do(env.keys.Revoke, "POST", `{}`, alice)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = do(env.keys.Revoke, "POST", `{"id":"missing"}`, alice)
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Equal(t, "not-found", errorCode(t, rr))

	rr = do(env.keys.Revoke, "POST", `{"id":"`+created.ID+`"}`, env.token(t, "bob"))
	assert.Equal(t, http.StatusForbidden, rr.Code)
	assert.Equal(t, "permission-denied", errorCode(t, rr))
}

func TestDemoCallDisabled(t *testing.T) {
	env := newTestEnv(t)
	rr := do(env.keys.DemoCall, "POST", `{"id":"x"}`, env.token(t, "alice"))
	assert.Equal(t, http.StatusConflict, rr.Code)
	assert.Equal(t, "failed-precondition", errorCode(t, rr))
}

func TestVerify(t *testing.T) {
	env := newTestEnv(t)
	rr := do(env.keys.Create, "POST", `{"scopes":["read"]}`, env.token(t, "alice"))
	require.Equal(t, http.StatusOK, rr.Code)
	var created model.CreatedKey
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &created))

	h := middleware.RequireAPIKey(env.svc)(http.HandlerFunc(env.keys.Verify))

	req := httptest.NewRequest("POST", "/verifyApiKey", nil)
	req.Header.Set("X-API-Key", created.Key)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var got model.VerifyResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, created.ID, got.KeyID)
	assert.Equal(t, "alice", got.OwnerID)
	assert.Equal(t, []string{"read"}, got.Scopes)

	// Calling the handler without the middleware has no principal.
	rr = do(env.keys.Verify, "POST", "", "")
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

// ---------------------------------------------------------------------------
// Sessions
// ---------------------------------------------------------------------------

func sessionCookie(t *testing.T, rr *httptest.ResponseRecorder) *http.Cookie {
	t.Helper()
	for _, c := range rr.Result().Cookies() {
		if c.Name == identity.DefaultSessionCookie {
			return c
		}
	}
	t.Fatalf("no %s cookie in response", identity.DefaultSessionCookie)
	return nil
}

func TestSessionStartAndStatus(t *testing.T) {
	env := newTestEnv(t)

	rr := do(env.sessions.Start, "POST", `{"idToken":"`+env.token(t, "alice")+`"}`, "")
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.JSONEq(t, `{"ok":true,"uid":"alice"}`, rr.Body.String())

	c := sessionCookie(t, rr)
	assert.True(t, c.HttpOnly)
	assert.Equal(t, http.SameSiteLaxMode, c.SameSite)
	assert.Equal(t, 5*24*60*60, c.MaxAge)

	rr = do(env.sessions.Status, "GET", "", "", &http.Cookie{Name: c.Name, Value: c.Value})
	assert.JSONEq(t, `{"loggedIn":true,"uid":"alice"}`, rr.Body.String())

	// The session cookie authenticates key operations too.
	rr = do(env.keys.List, "GET", "", "", &http.Cookie{Name: c.Name, Value: c.Value})
	assert.Equal(t, http.StatusOK, rr.Code)

	rr = do(env.sessions.Status, "GET", "", "")
	assert.JSONEq(t, `{"loggedIn":false}`, rr.Body.String())
}

func TestSessionStartRejects(t *testing.T) {
	env := newTestEnv(t)

	rr := do(env.sessions.Start, "POST", `{}`, "")
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = do(env.sessions.Start, "POST", `{"idToken":"garbage"}`, "")
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.Empty(t, rr.Result().Cookies())
}

func TestSessionEndRevokes(t *testing.T) {
	env := newTestEnv(t)

	rr := do(env.sessions.End, "POST", "", env.token(t, "alice"))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"ok":true}`, rr.Body.String())
	c := sessionCookie(t, rr)
	assert.Empty(t, c.Value)
	assert.Less(t, c.MaxAge, 0)

	validAfter, err := env.revocations.ValidAfter(context.Background(), "alice")
	require.NoError(t, err)
	assert.False(t, validAfter.IsZero())
}

func TestSessionEndAnonymous(t *testing.T) {
	env := newTestEnv(t)
	rr := do(env.sessions.End, "POST", "", "")
	assert.Equal(t, http.StatusOK, rr.Code)
	sessionCookie(t, rr)
}

// ---------------------------------------------------------------------------
// OpenAPI
// ---------------------------------------------------------------------------

func TestServeSpec(t *testing.T) {
	h := NewOpenAPIHandler("1.2.3", "https://keys.example.com", false)
	rr := httptest.NewRecorder()
	h.ServeSpec(rr, httptest.NewRequest("GET", "/openapi.json", nil))
	require.Equal(t, http.StatusOK, rr.Code)

	var doc map[string]interface{}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &doc))
	paths := doc["paths"].(map[string]interface{})
	assert.Contains(t, paths, "/createApiKey")
	assert.NotContains(t, paths, "/demoProxyCall")
}
