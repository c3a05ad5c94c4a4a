package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestBudget(t *testing.T) {
	b := newRequestBudget(2)
	assert.True(t, b.allow("addr:a"))
	assert.True(t, b.allow("addr:a"))
	assert.False(t, b.allow("addr:a"))
	assert.True(t, b.allow("addr:b"))

	unlimited := newRequestBudget(0)
	for i := 0; i < 100; i++ {
		require.True(t, unlimited.allow("addr:a"))
	}
}

func TestBudgetKey(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/api/v1/who", nil)
	r.RemoteAddr = "10.0.0.1:5000"
	assert.Equal(t, "addr:10.0.0.1", budgetKey(r, caller{}))

	r.Header.Set("X-Forwarded-For", "192.0.2.7, 10.0.0.1")
	assert.Equal(t, "addr:192.0.2.7", budgetKey(r, caller{}))

	assert.Equal(t, "account:dora", budgetKey(r, caller{claims: &Claims{Account: "Dora"}}))
}

func TestGuardLevels(t *testing.T) {
	player := &Claims{Account: "Eve"}
	op := &Claims{Account: "Dora", Operator: true}
	cases := []struct {
		name   string
		level  access
		c      caller
		status int
	}{
		{"public anonymous", accessPublic, caller{}, http.StatusOK},
		{"public bad token", accessPublic, caller{err: errBadToken}, http.StatusUnauthorized},
		{"player anonymous", accessPlayer, caller{}, http.StatusUnauthorized},
		{"player", accessPlayer, caller{claims: player}, http.StatusOK},
		{"operator as player", accessOperator, caller{claims: player}, http.StatusForbidden},
		{"operator anonymous", accessOperator, caller{}, http.StatusUnauthorized},
		{"operator", accessOperator, caller{claims: op}, http.StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := guard(tc.level, func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, tc.c.claims, ClaimsFromContext(r.Context()))
				w.WriteHeader(http.StatusOK)
			})
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			r = r.WithContext(context.WithValue(r.Context(), callerKey{}, tc.c))
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, r)
			assert.Equal(t, tc.status, rec.Code)
		})
	}
}

func TestMalformedAuthorization(t *testing.T) {
	w := newWebEnv(t)
	req, err := http.NewRequest(http.MethodGet, w.srv.URL+"/api/v1/who", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Basic Zm9vOmJhcg==")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	status, out := w.do(t, http.MethodGet, "/api/v1/who", "not-a-jwt", nil)
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, "invalid token", out["error"])
}

func TestRateLimitPerAccount(t *testing.T) {
	w := newWebEnv(t)
	eve := w.login(t, "Eve", "hunter2")
	dora := w.login(t, "Dora", "secret")

	// A second front end over the same game, with a tight budget.
	ws := NewWebServer(w.game, WebConfig{JWTSecret: "test-secret", JWTExpiry: 60, RateLimit: 2})
	srv := httptest.NewServer(ws.Handler())
	t.Cleanup(srv.Close)
	w = &webEnv{testEnv: w.testEnv, srv: srv, ws: ws}

	for i := 0; i < 2; i++ {
		status, _ := w.do(t, http.MethodGet, "/api/v1/who", eve, nil)
		require.Equal(t, http.StatusOK, status)
	}
	status, out := w.do(t, http.MethodGet, "/api/v1/who", eve, nil)
	assert.Equal(t, http.StatusTooManyRequests, status)
	assert.Equal(t, "rate limit exceeded", out["error"])

	// Same address, different account.
	status, _ = w.do(t, http.MethodGet, "/api/v1/stats", dora, nil)
	assert.Equal(t, http.StatusOK, status)
	status, _ = w.do(t, http.MethodGet, "/api/v1/who", "", nil)
	assert.Equal(t, http.StatusOK, status)
}

func TestOriginPolicy(t *testing.T) {
	p := newOriginPolicy([]string{"https://Play.Example.org"})
	h := p.wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	r := httptest.NewRequest(http.MethodOptions, "/api/v1/who", nil)
	r.Header.Set("Origin", "https://play.example.org")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, r)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://play.example.org", rec.Header().Get("Access-Control-Allow-Origin"))

	r = httptest.NewRequest(http.MethodGet, "/api/v1/who", nil)
	r.Header.Set("Origin", "https://elsewhere.example")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, r)
	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))

	assert.True(t, newOriginPolicy(nil).allows("https://anything.example"))
}
