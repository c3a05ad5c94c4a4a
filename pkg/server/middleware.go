package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"
)

// Web requests are identified once, at the edge: identify resolves the
// bearer token, charges the caller's request budget, and leaves a caller
// record in the request context for guard to check against each route's
// access level.

type access int

const (
	accessPublic   access = iota // token optional
	accessPlayer                 // any logged-in account
	accessOperator               // account flagged as operator
)

var (
	errBadAuthHeader = errors.New("invalid authorization header")
	errBadToken      = errors.New("invalid token")
)

type callerKey struct{}

// caller is what identify learned about a request.
type caller struct {
	claims *Claims
	err    error // token present but unusable
}

func callerFrom(ctx context.Context) caller {
	c, _ := ctx.Value(callerKey{}).(caller)
	return c
}

// ClaimsFromContext returns the verified claims of the request, or nil for
// anonymous callers.
func ClaimsFromContext(ctx context.Context) *Claims {
	return callerFrom(ctx).claims
}

// bearerToken returns the token of an "Authorization: Bearer" header, or ""
// when the header is absent.
func bearerToken(r *http.Request) (string, error) {
	h := r.Header.Get("Authorization")
	if h == "" {
		return "", nil
	}
	scheme, token, ok := strings.Cut(h, " ")
	token = strings.TrimSpace(token)
	if !ok || !strings.EqualFold(scheme, "Bearer") || token == "" {
		return "", errBadAuthHeader
	}
	return token, nil
}

// clientAddr is the address a request came from, preferring the first hop
// a reverse proxy reports.
func clientAddr(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

// budgetKey charges logged-in callers per account, wherever they connect
// from, and everyone else per address.
func budgetKey(r *http.Request, c caller) string {
	if c.claims != nil {
		return "account:" + strings.ToLower(c.claims.Account)
	}
	return "addr:" + clientAddr(r)
}

// identify wraps the whole mux.
func (ws *WebServer) identify(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var c caller
		token, err := bearerToken(r)
		switch {
		case err != nil:
			c.err = err
		case token != "":
			if claims, err := ws.auth.ValidateToken(token); err != nil {
				c.err = errBadToken
			} else {
				c.claims = claims
			}
		}
		if !ws.budget.allow(budgetKey(r, c)) {
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), callerKey{}, c)))
	})
}

// guard admits a request only when its caller meets level. A malformed or
// expired token is refused even on public routes.
func guard(level access, next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c := callerFrom(r.Context())
		switch {
		case c.err != nil:
			writeError(w, http.StatusUnauthorized, c.err.Error())
		case c.claims == nil && level > accessPublic:
			writeError(w, http.StatusUnauthorized, "authorization required")
		case level == accessOperator && !c.claims.Operator:
			writeError(w, http.StatusForbidden, "operator required")
		default:
			next(w, r)
		}
	})
}

// requestBudget hands each key a token bucket refilled at perMinute, with
// a full minute's worth as burst. Idle keys fall out of the LRU.
type requestBudget struct {
	perMinute int
	buckets   *lru.Cache[string, *rate.Limiter]
}

const budgetKeys = 4096

func newRequestBudget(perMinute int) *requestBudget {
	buckets, _ := lru.New[string, *rate.Limiter](budgetKeys)
	return &requestBudget{perMinute: perMinute, buckets: buckets}
}

func (b *requestBudget) allow(key string) bool {
	if b.perMinute <= 0 {
		return true
	}
	lim, ok := b.buckets.Get(key)
	if !ok {
		fresh := rate.NewLimiter(rate.Every(time.Minute/time.Duration(b.perMinute)), b.perMinute)
		if prev, found, _ := b.buckets.PeekOrAdd(key, fresh); found {
			lim = prev
		} else {
			lim = fresh
		}
	}
	return lim.Allow()
}

// originPolicy lists the browser origins allowed to call the API and open
// websockets. An empty policy allows every origin.
type originPolicy map[string]bool

func newOriginPolicy(origins []string) originPolicy {
	p := make(originPolicy, len(origins))
	for _, o := range origins {
		p[strings.ToLower(o)] = true
	}
	return p
}

func (p originPolicy) allows(origin string) bool {
	return len(p) == 0 || p[strings.ToLower(origin)]
}

// wrap answers preflight requests and tags allowed origins.
func (p originPolicy) wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if origin := r.Header.Get("Origin"); origin != "" && p.allows(origin) {
			h := w.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")
			h.Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
			h.Set("Access-Control-Max-Age", "86400")
			h.Add("Vary", "Origin")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
