package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/crystal-mush/gotinymud/pkg/events"
	"github.com/crystal-mush/gotinymud/pkg/gamedb"
	"github.com/gorilla/websocket"
)

// WebConfig holds configuration for the web server.
type WebConfig struct {
	Port        int
	Host        string
	CORSOrigins []string
	RateLimit   int
	JWTSecret   string
	JWTExpiry   int
}

// WebConfigFrom extracts the web settings of a game configuration.
func WebConfigFrom(conf *GameConf) WebConfig {
	return WebConfig{
		Port:        conf.WebPort,
		Host:        conf.WebHost,
		CORSOrigins: conf.WebCORSOrigins,
		RateLimit:   conf.WebRateLimit,
		JWTSecret:   conf.JWTSecret,
		JWTExpiry:   conf.JWTExpiry,
	}
}

// WebServer provides HTTP/WebSocket transport alongside the TCP game server.
type WebServer struct {
	game      *Game
	httpSrv   *http.Server
	mux       *http.ServeMux
	auth      *AuthService
	budget    *requestBudget
	origins   originPolicy
	upgrader  websocket.Upgrader
	startTime time.Time
}

// NewWebServer creates a web server bound to the game.
func NewWebServer(game *Game, cfg WebConfig) *WebServer {
	ws := &WebServer{
		game:      game,
		mux:       http.NewServeMux(),
		auth:      NewAuthService(game, cfg.JWTSecret, cfg.JWTExpiry),
		budget:    newRequestBudget(cfg.RateLimit),
		origins:   newOriginPolicy(cfg.CORSOrigins),
		startTime: time.Now(),
	}
	ws.upgrader.CheckOrigin = func(r *http.Request) bool {
		return ws.origins.allows(r.Header.Get("Origin"))
	}

	ws.registerRoutes(cfg)
	return ws
}

// Auth returns the auth service.
func (ws *WebServer) Auth() *AuthService {
	return ws.auth
}

// Handler returns the root handler with middleware applied.
func (ws *WebServer) Handler() http.Handler {
	return ws.httpSrv.Handler
}

// registerRoutes sets up all HTTP routes.
func (ws *WebServer) registerRoutes(cfg WebConfig) {
	// origins -> identify and charge the caller -> mux
	handler := ws.origins.wrap(ws.identify(ws.mux))

	ws.httpSrv = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler: handler,
	}

	ws.mux.HandleFunc("GET /ws", ws.handleWebSocket)

	ws.mux.HandleFunc("POST /api/v1/auth/login", ws.handleAuthLogin)
	ws.mux.Handle("POST /api/v1/auth/refresh", guard(accessPlayer, ws.handleAuthRefresh))

	ws.RegisterRESTRoutes()

	ws.mux.HandleFunc("GET /health", ws.handleHealth)
	ws.mux.Handle("GET /metrics", ws.game.Metrics.Handler())
}

// Start begins listening on plain HTTP.
func (ws *WebServer) Start() error {
	log.Printf("Web server listening on %s (HTTP)", ws.httpSrv.Addr)
	err := ws.httpSrv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop gracefully shuts down the web server.
func (ws *WebServer) Stop(ctx context.Context) error {
	return ws.httpSrv.Shutdown(ctx)
}

// --- WebSocket Handler ---

// WSMessage is the JSON message format for WebSocket communication.
type WSMessage struct {
	Type    string         `json:"type"`
	Text    string         `json:"text,omitempty"`
	Data    map[string]any `json:"data,omitempty"`
	Command string         `json:"command,omitempty"`
}

// handleWebSocket upgrades an HTTP connection to a WebSocket and creates
// a game Descriptor for the client.
func (ws *WebServer) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	// Browsers cannot set headers on a websocket handshake, so a token may
	// also arrive as ?token=.
	c := callerFrom(r.Context())
	if token := r.URL.Query().Get("token"); token != "" && c.claims == nil && c.err == nil {
		if c.claims, c.err = ws.auth.ValidateToken(token); c.err != nil {
			c.err = errBadToken
		}
	}
	if c.err != nil {
		writeError(w, http.StatusUnauthorized, c.err.Error())
		return
	}
	claims := c.claims

	wsConn, err := ws.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("websocket upgrade error: %v", err)
		return
	}

	remoteAddr := clientAddr(r)
	d, wc := newWSDescriptor(ws.game, wsConn, remoteAddr)
	ws.game.Conns.Add(d)
	log.Printf("[ws:%d] WebSocket opened from %s", d.ID, remoteAddr)

	loggedIn := false
	if claims != nil {
		acct := &gamedb.Account{
			Name:     claims.Account,
			Player:   claims.PlayerRef,
			Operator: claims.Operator,
		}
		if ws.game.Store != nil && claims.Account != "" {
			if stored, err := ws.game.Store.GetAccount(claims.Account); err == nil {
				acct.Aliases = stored.Aliases
			}
		}
		loggedIn = ws.attach(r.Context(), d, wc, acct)
	} else {
		wc.sendJSON(WSMessage{Type: "welcome", Text: "Connected. Send {\"type\":\"login\",\"command\":\"connect name password\"} to authenticate."})
	}

	go ws.readLoop(d, wc, loggedIn)
}

// wsConn holds the WebSocket connection and its write mutex.
type wsConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (wc *wsConn) sendJSON(msg WSMessage) {
	wc.mu.Lock()
	defer wc.mu.Unlock()
	wc.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	wc.conn.WriteJSON(msg)
}

// newWSDescriptor creates a Descriptor whose output is written as JSON.
func newWSDescriptor(game *Game, conn *websocket.Conn, addr string) (*Descriptor, *wsConn) {
	wc := &wsConn{conn: conn}
	d := NewInternalDescriptor(game.Conns.NextID(), gamedb.Nothing, func(msg string) {
		wc.sendJSON(WSMessage{Type: "text", Text: msg})
	})
	d.State = ConnLogin
	d.Addr = addr
	d.Retries = 3
	d.Transport = TransportWebSocket
	d.ReceiveFunc = func(ev events.Event) {
		wc.sendJSON(WSMessage{
			Type: ev.Type.String(),
			Text: ev.Text,
			Data: ev.Data,
		})
	}
	return d, wc
}

func (ws *WebServer) readLoop(d *Descriptor, wc *wsConn, loggedIn bool) {
	ctx := context.Background()
	defer func() {
		done, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := ws.game.SubmitWait(done, func(context.Context) { ws.game.DisconnectSession(d) }); err != nil {
			ws.game.Conns.Remove(d)
		}
		d.Close()
		wc.conn.Close()
		log.Printf("[ws:%d] WebSocket closed from %s", d.ID, d.Addr)
	}()

	for {
		_, msgBytes, err := wc.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("[ws:%d] read error: %v", d.ID, err)
			}
			return
		}

		var msg WSMessage
		if err := json.Unmarshal(msgBytes, &msg); err != nil {
			wc.sendJSON(WSMessage{Type: "error", Text: "Invalid JSON message"})
			continue
		}

		switch msg.Type {
		case "command":
			if !loggedIn {
				loggedIn = ws.login(ctx, d, wc, msg.Command)
			} else if !ws.game.SubmitLine(ctx, d, msg.Command) {
				return
			}
		case "login":
			if !loggedIn {
				loggedIn = ws.login(ctx, d, wc, msg.Command)
			}
		default:
			wc.sendJSON(WSMessage{Type: "error", Text: fmt.Sprintf("Unknown message type: %s", msg.Type)})
		}
		if d.IsClosed() {
			return
		}
	}
}

func (ws *WebServer) login(ctx context.Context, d *Descriptor, wc *wsConn, input string) bool {
	command, user, password := ParseConnect(input)
	if !strings.HasPrefix(command, "co") {
		wc.sendJSON(WSMessage{Type: "error", Text: "Use: connect <name> <password>"})
		return false
	}
	acct, err := ws.game.Authenticate(user, password)
	if err != nil {
		wc.sendJSON(WSMessage{Type: "error", Text: "Invalid credentials"})
		d.Retries--
		if d.Retries <= 0 {
			d.Close()
		}
		return false
	}
	return ws.attach(ctx, d, wc, acct)
}

func (ws *WebServer) attach(ctx context.Context, d *Descriptor, wc *wsConn, acct *gamedb.Account) bool {
	attached := false
	err := ws.game.SubmitWait(ctx, func(c context.Context) {
		ws.game.AttachAccount(c, d, acct)
		attached = d.Player() != gamedb.Nothing
	})
	if err != nil || !attached {
		wc.sendJSON(WSMessage{Type: "error", Text: "Login failed"})
		return false
	}
	wc.sendJSON(WSMessage{
		Type: "login",
		Data: map[string]any{
			"player_ref":  int(acct.Player),
			"player_name": ws.game.PlayerName(acct.Player),
			"operator":    acct.Operator,
		},
	})
	return true
}

// --- Auth HTTP Handlers ---

func (ws *WebServer) handleAuthLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name     string `json:"name"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	token, err := ws.auth.Login(req.Name, req.Password)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

func (ws *WebServer) handleAuthRefresh(w http.ResponseWriter, r *http.Request) {
	newToken, err := ws.auth.Renew(ClaimsFromContext(r.Context()))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": newToken})
}

// --- Health Handler ---

func (ws *WebServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	pending := 0
	if ws.game.Reloads != nil {
		pending = ws.game.Reloads.Len()
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":          "ok",
		"version":         Version,
		"uptime_seconds":  time.Since(ws.startTime).Seconds(),
		"sessions":        ws.game.Conns.Count(),
		"pending_reloads": pending,
	})
}
