package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/crystal-mush/gotinymud/pkg/gamedb"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type webEnv struct {
	*testEnv
	srv *httptest.Server
	ws  *WebServer
}

// newWebEnv adds an operator account (Dora) and a plain account (Eve) to
// the shared fixture, starts the dispatcher, and serves the web handler.
func newWebEnv(t *testing.T) *webEnv {
	t.Helper()
	env := newTestEnv(t)
	env.game.Conf.Operators = []string{"Dora"}
	_, err := env.game.CreateAccount("Dora", "secret")
	require.NoError(t, err)
	_, err = env.game.CreateAccount("Eve", "hunter2")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go env.game.Run(ctx)

	ws := NewWebServer(env.game, WebConfig{JWTSecret: "test-secret", JWTExpiry: 60})
	srv := httptest.NewServer(ws.Handler())
	t.Cleanup(srv.Close)
	return &webEnv{testEnv: env, srv: srv, ws: ws}
}

func (w *webEnv) do(t *testing.T, method, path, token string, body io.Reader) (int, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, w.srv.URL+path, body)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]any
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if len(bytes.TrimSpace(raw)) > 0 {
		require.NoError(t, json.Unmarshal(raw, &out), string(raw))
	}
	return resp.StatusCode, out
}

func (w *webEnv) login(t *testing.T, name, password string) string {
	t.Helper()
	body, _ := json.Marshal(map[string]string{"name": name, "password": password})
	status, out := w.do(t, http.MethodPost, "/api/v1/auth/login", "", bytes.NewReader(body))
	require.Equal(t, http.StatusOK, status)
	token, _ := out["token"].(string)
	require.NotEmpty(t, token)
	return token
}

// sync waits for the dispatcher to finish everything submitted so far.
func (w *webEnv) sync(t *testing.T) {
	t.Helper()
	require.NoError(t, w.game.SubmitWait(context.Background(), func(context.Context) {}))
}

func TestAuthLogin(t *testing.T) {
	w := newWebEnv(t)
	token := w.login(t, "Dora", "secret")

	claims, err := w.ws.Auth().ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "Dora", claims.Account)
	assert.Equal(t, "Dora", claims.PlayerName)
	assert.True(t, claims.Operator)

	body := strings.NewReader(`{"name":"Dora","password":"wrong"}`)
	status, out := w.do(t, http.MethodPost, "/api/v1/auth/login", "", body)
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, "invalid credentials", out["error"])

	status, out = w.do(t, http.MethodPost, "/api/v1/auth/refresh", token, nil)
	assert.Equal(t, http.StatusOK, status)
	assert.NotEmpty(t, out["token"])
}

func TestWhoEndpoint(t *testing.T) {
	w := newWebEnv(t)
	status, out := w.do(t, http.MethodGet, "/api/v1/who", "", nil)
	require.Equal(t, http.StatusOK, status)
	assert.EqualValues(t, 2, out["count"])
	players := out["players"].([]any)
	assert.Equal(t, "Alice", players[0].(map[string]any)["name"])
	assert.Equal(t, "Bob", players[1].(map[string]any)["name"])
}

func TestCommandEndpoint(t *testing.T) {
	w := newWebEnv(t)
	token := w.login(t, "Eve", "hunter2")

	status, out := w.do(t, http.MethodPost, "/api/v1/command", token, strings.NewReader(`{"command":"say over the wire"}`))
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, []any{`You say "over the wire"`}, out["output"])
	w.sync(t)
	assert.Equal(t, `Eve says "over the wire"`, take(w.bobOut))

	status, _ = w.do(t, http.MethodPost, "/api/v1/command", token, strings.NewReader(`{"command":"  "}`))
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = w.do(t, http.MethodPost, "/api/v1/command", "", strings.NewReader(`{"command":"look"}`))
	assert.Equal(t, http.StatusUnauthorized, status)
}

func TestOperatorRoutesRequireOperator(t *testing.T) {
	w := newWebEnv(t)
	eve := w.login(t, "Eve", "hunter2")
	dora := w.login(t, "Dora", "secret")

	status, _ := w.do(t, http.MethodGet, "/api/v1/stats", "", nil)
	assert.Equal(t, http.StatusUnauthorized, status)

	status, out := w.do(t, http.MethodGet, "/api/v1/stats", eve, nil)
	assert.Equal(t, http.StatusForbidden, status)
	assert.Equal(t, "operator required", out["error"])

	status, out = w.do(t, http.MethodGet, "/api/v1/stats", dora, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, out, "connections")
	assert.Contains(t, out, "game")
}

func TestUnitUploadReloadAndDrain(t *testing.T) {
	w := newWebEnv(t)
	dora := w.login(t, "Dora", "secret")
	id := gamedb.UnitID{Scope: "common", Category: "emotes", Name: "dance"}

	src := `register_command("dance", function(ctx) ctx:echo("You dance.") end)`
	status, out := w.do(t, http.MethodPut, "/api/v1/units/common/emotes/dance", dora, strings.NewReader(src))
	require.Equal(t, http.StatusOK, status)
	assert.EqualValues(t, 1, out["version"])
	assert.Equal(t, true, out["queued"])
	assert.Equal(t, 1, w.game.Reloads.Len())

	status, out = w.do(t, http.MethodGet, "/api/v1/units/common/emotes/dance", dora, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, src, out["source"])

	status, out = w.do(t, http.MethodPost, "/api/v1/reload/drain", dora, nil)
	assert.Equal(t, http.StatusAccepted, status)
	assert.EqualValues(t, 1, out["draining"])

	// The drain runs after the dispatcher's next job.
	w.sync(t)
	var live int
	require.NoError(t, w.game.SubmitWait(context.Background(), func(context.Context) {
		live, _ = w.game.Scripts.Version(id)
	}))
	assert.Equal(t, 1, live)
	assert.Equal(t, 0, w.game.Reloads.Len())

	status, out = w.do(t, http.MethodGet, "/api/v1/units?selector=common", dora, nil)
	require.Equal(t, http.StatusOK, status)
	units := out["units"].([]any)
	require.Len(t, units, 1)
	u := units[0].(map[string]any)
	assert.Equal(t, "common/emotes/dance", u["id"])
	assert.EqualValues(t, 1, u["live_version"])
	assert.Equal(t, "applied", u["state"])

	status, out = w.do(t, http.MethodPost, "/api/v1/reload", dora, strings.NewReader(`{"scope":"COMMON"}`))
	require.Equal(t, http.StatusOK, status)
	assert.EqualValues(t, 1, out["queued"])
	assert.EqualValues(t, 1, out["pending"])

	status, _ = w.do(t, http.MethodPost, "/api/v1/reload", dora, strings.NewReader(`{}`))
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = w.do(t, http.MethodGet, "/api/v1/units/common/emotes/missing", dora, nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestHealthAndMetrics(t *testing.T) {
	w := newWebEnv(t)
	status, out := w.do(t, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ok", out["status"])
	assert.Equal(t, Version, out["version"])

	resp, err := http.Get(w.srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(raw), "gotinymud_sessions_connected")
}

func TestWebSocketSession(t *testing.T) {
	w := newWebEnv(t)
	url := "ws" + strings.TrimPrefix(w.srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	read := func() WSMessage {
		t.Helper()
		conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		var msg WSMessage
		require.NoError(t, conn.ReadJSON(&msg))
		return msg
	}

	assert.Equal(t, "welcome", read().Type)

	require.NoError(t, conn.WriteJSON(WSMessage{Type: "login", Command: "connect Eve wrong"}))
	msg := read()
	assert.Equal(t, "error", msg.Type)
	assert.Equal(t, "Invalid credentials", msg.Text)

	require.NoError(t, conn.WriteJSON(WSMessage{Type: "login", Command: "connect Eve hunter2"}))
	for msg = read(); msg.Type != "login"; msg = read() {
	}
	assert.Equal(t, "Eve", msg.Data["player_name"])
	assert.Equal(t, false, msg.Data["operator"])

	require.NoError(t, conn.WriteJSON(WSMessage{Type: "command", Command: "say hello socket"}))
	assert.Eventually(t, func() bool {
		return strings.Contains(take(w.bobOut), `Eve says "hello socket"`)
	}, 5*time.Second, 20*time.Millisecond)

	require.NoError(t, conn.WriteJSON(WSMessage{Type: "bogus"}))
	for msg = read(); msg.Type != "error"; msg = read() {
	}
	assert.Contains(t, msg.Text, "Unknown message type")
}

func TestUnitListingBusyDispatcher(t *testing.T) {
	// No dispatcher runs, so the live-version lookup never completes.
	env := newTestEnv(t)
	ws := NewWebServer(env.game, WebConfig{JWTSecret: "test-secret"})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/units", nil).WithContext(ctx)
	rec := httptest.NewRecorder()
	ws.handleListUnits(rec, req)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "game is busy")

	rec = httptest.NewRecorder()
	ws.handleStats(rec, req)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
