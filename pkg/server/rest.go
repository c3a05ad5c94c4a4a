package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/crystal-mush/gotinymud/pkg/gamedb"
)

// RegisterRESTRoutes registers all REST API endpoints on the web server's mux.
func (ws *WebServer) RegisterRESTRoutes() {
	ws.mux.Handle("GET /api/v1/who", guard(accessPublic, ws.handleWho))
	ws.mux.Handle("POST /api/v1/command", guard(accessPlayer, ws.handleCommand))

	operator := func(h http.HandlerFunc) http.Handler { return guard(accessOperator, h) }
	ws.mux.Handle("GET /api/v1/units", operator(ws.handleListUnits))
	ws.mux.Handle("GET /api/v1/units/{scope}/{category}/{name}", operator(ws.handleGetUnit))
	ws.mux.Handle("PUT /api/v1/units/{scope}/{category}/{name}", operator(ws.handlePutUnit))
	ws.mux.Handle("POST /api/v1/reload", operator(ws.handleReload))
	ws.mux.Handle("POST /api/v1/reload/drain", operator(ws.handleDrain))
	ws.mux.Handle("GET /api/v1/stats", operator(ws.handleStats))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// --- WHO ---

func (ws *WebServer) handleWho(w http.ResponseWriter, r *http.Request) {
	type whoEntry struct {
		Name  string `json:"name"`
		Ref   int    `json:"ref"`
		OnFor string `json:"on_for"`
		Idle  string `json:"idle"`
	}

	now := time.Now()
	entries := []whoEntry{}
	for _, dd := range ws.game.Conns.AllDescriptors() {
		if dd.State != ConnConnected || dd.Transport == TransportInternal {
			continue
		}
		player := dd.Player()
		entries = append(entries, whoEntry{
			Name:  ws.game.PlayerName(player),
			Ref:   int(player),
			OnFor: FormatConnTime(now.Sub(dd.ConnTime)),
			Idle:  FormatIdleTime(now.Sub(dd.LastCmd)),
		})
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name < entries[j].Name
	})

	writeJSON(w, http.StatusOK, map[string]any{
		"players": entries,
		"count":   len(entries),
	})
}

// --- Command Execution ---

// captureBuffer collects the output of a connectionless session.
type captureBuffer struct {
	mu    sync.Mutex
	lines []string
}

func (c *captureBuffer) add(msg string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lines = append(c.lines, strings.TrimRight(msg, "\r\n"))
}

func (c *captureBuffer) snapshot() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string{}, c.lines...)
}

func (ws *WebServer) handleCommand(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())
	if claims == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req struct {
		Command string `json:"command"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Command) == "" {
		writeError(w, http.StatusBadRequest, "command is required")
		return
	}

	output := &captureBuffer{}
	d := NewInternalDescriptor(int(ws.game.internalIDs.Add(-1)), claims.PlayerRef, output.add)
	d.Addr = r.RemoteAddr
	d.Account = claims.Account
	d.Operator = claims.Operator

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()
	err := ws.game.SubmitWait(ctx, func(c context.Context) {
		if _, ok := ws.game.World.Get(claims.PlayerRef); !ok {
			output.add("Your character no longer exists.")
			return
		}
		if ws.game.Store != nil && claims.Account != "" {
			if acct, err := ws.game.Store.GetAccount(claims.Account); err == nil {
				for k, v := range acct.Aliases {
					d.Aliases[k] = v
				}
			}
		}
		ws.game.ProcessLine(c, d, req.Command)
	})
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "game is busy")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"output": output.snapshot()})
}

// --- Script units ---

type unitInfo struct {
	ID      string    `json:"id"`
	Version int       `json:"version"`
	Live    int       `json:"live_version,omitempty"`
	State   string    `json:"state,omitempty"`
	Error   string    `json:"error,omitempty"`
	Updated time.Time `json:"updated"`
}

func (ws *WebServer) handleListUnits(w http.ResponseWriter, r *http.Request) {
	if ws.game.Store == nil {
		writeError(w, http.StatusNotFound, "no unit store configured")
		return
	}
	var sel gamedb.UnitID
	if s := r.URL.Query().Get("selector"); s != "" {
		var err error
		if sel, err = gamedb.ParseUnitID(s); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	units, err := ws.game.Store.ListUnits(sel)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	infos := make([]unitInfo, 0, len(units))
	for _, u := range units {
		info := unitInfo{ID: u.ID.String(), Version: u.Version, Updated: u.Updated}
		if st, ok := ws.game.Reloads.Status(u.ID); ok {
			info.State = st.State.String()
			info.Error = st.Err
		}
		infos = append(infos, info)
	}
	// Live versions belong to the interpreter. The job fills its own slice:
	// it may still run after a timed-out request has returned.
	live := make([]int, len(units))
	if err := ws.game.SubmitWait(r.Context(), func(context.Context) {
		for i, u := range units {
			if v, ok := ws.game.Scripts.Version(u.ID); ok {
				live[i] = v
			}
		}
	}); err != nil {
		writeError(w, http.StatusServiceUnavailable, "game is busy")
		return
	}
	for i := range infos {
		infos[i].Live = live[i]
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"units":   infos,
		"pending": len(ws.game.Reloads.Pending()),
	})
}

func unitIDFromPath(r *http.Request) (gamedb.UnitID, error) {
	return gamedb.ParseUnitID(r.PathValue("scope") + "/" + r.PathValue("category") + "/" + r.PathValue("name"))
}

func (ws *WebServer) handleGetUnit(w http.ResponseWriter, r *http.Request) {
	if ws.game.Store == nil {
		writeError(w, http.StatusNotFound, "no unit store configured")
		return
	}
	id, err := unitIDFromPath(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	u, err := ws.game.Store.GetUnit(id)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":      u.ID.String(),
		"version": u.Version,
		"updated": u.Updated,
		"source":  u.Source,
	})
}

// handlePutUnit stores new source for a unit and queues it for reload.
func (ws *WebServer) handlePutUnit(w http.ResponseWriter, r *http.Request) {
	if ws.game.Store == nil {
		writeError(w, http.StatusNotFound, "no unit store configured")
		return
	}
	id, err := unitIDFromPath(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	src, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "reading body")
		return
	}
	u, err := ws.game.Store.PutUnit(id, string(src))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	queued, err := ws.game.Reloads.Queue(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":      u.ID.String(),
		"version": u.Version,
		"queued":  queued,
	})
}

// handleReload queues a selector: {"scope": "...", "category": "...", "name": "..."}.
func (ws *WebServer) handleReload(w http.ResponseWriter, r *http.Request) {
	if ws.game.Reloads == nil {
		writeError(w, http.StatusNotFound, "no unit store configured")
		return
	}
	var sel gamedb.UnitID
	if err := json.NewDecoder(r.Body).Decode(&sel); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if sel.Scope == "" {
		writeError(w, http.StatusBadRequest, "scope is required")
		return
	}
	sel.Scope = strings.ToLower(sel.Scope)
	sel.Category = strings.ToLower(sel.Category)
	sel.Name = strings.ToLower(sel.Name)
	n, err := ws.game.Reloads.QueueSelector(sel)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"queued":  n,
		"pending": ws.game.Reloads.Len(),
	})
}

func (ws *WebServer) handleDrain(w http.ResponseWriter, r *http.Request) {
	if ws.game.Reloads == nil {
		writeError(w, http.StatusNotFound, "no unit store configured")
		return
	}
	pending := ws.game.Reloads.Len()
	ws.game.RequestDrain()
	writeJSON(w, http.StatusAccepted, map[string]any{"draining": pending})
}

func (ws *WebServer) handleStats(w http.ResponseWriter, r *http.Request) {
	out := map[string]any{
		"connections": ws.game.ConnectionStats(),
		"queue":       ws.game.QueueStats(),
		"memory":      ws.game.MemoryStats(),
	}
	var game any
	if err := ws.game.SubmitWait(r.Context(), func(context.Context) {
		game = ws.game.GameStats()
	}); err != nil {
		writeError(w, http.StatusServiceUnavailable, "game is busy")
		return
	}
	out["game"] = game
	writeJSON(w, http.StatusOK, out)
}
