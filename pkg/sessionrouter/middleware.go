package sessionrouter

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/aixgo-dev/session-agent/pkg/sessionobs"
)

// statusRecorder captures the status code written by the wrapped
// handler so withMetrics can label the request after the fact.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// withMetrics records every request's method, URL path, status, and
// duration, mirroring the teacher's own HTTP instrumentation in
// pkg/observability.
func withMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		sessionobs.RecordHTTPRequest(r.Method, r.URL.Path, strconv.Itoa(rec.status), time.Since(start))
	})
}

// principal is the identity resolved from a bearer token, following
// the context-carried auth pattern of pkg/security's
// AuthContext/Principal (adapted: this domain's identity is just
// {userId, sessionId, bearer}, not roles/permissions).
type principal struct {
	UserID    string
	SessionID string
	Bearer    string
}

type contextKey string

const principalKey contextKey = "sessionrouter.principal"

func withPrincipal(ctx context.Context, p *principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

func principalFrom(ctx context.Context) (*principal, bool) {
	p, ok := ctx.Value(principalKey).(*principal)
	return p, ok
}

// withCORS applies the configured origin allow-list to every request,
// answering preflight OPTIONS requests with 204 before auth runs (spec
// §6: "preflight returns 204").
func (rt *Router) withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && rt.originAllowed(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
			w.Header().Set("Vary", "Origin")
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (rt *Router) originAllowed(origin string) bool {
	for _, allowed := range rt.cfg.CORS.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// withAuth validates the bearer token via the DB client, enforces the
// per-user rate limit, and injects the resolved principal into the
// request context. Every /sessions HTTP endpoint is wrapped with this,
// per spec §4.6/§6, except the WebSocket upgrade, which authenticates
// through its subprotocol in ws.go; /health and /metrics are served
// without a bearer token.
func (rt *Router) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}

		info, err := rt.db.ValidateToken(r.Context(), rt.cfg.DB.SiteURL, token)
		if err != nil || info == nil {
			writeError(w, http.StatusUnauthorized, "invalid or expired token")
			return
		}

		allowed, remaining, resetAt := rt.limiter.Allow(info.UserID)
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(rt.cfg.RateLimit.RequestsPerWindow))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(resetAt.Unix(), 10))
		if !allowed {
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}

		p := &principal{UserID: info.UserID, SessionID: info.SessionID, Bearer: token}

		if id := r.PathValue("id"); id != "" && id != p.SessionID {
			writeError(w, http.StatusForbidden, "session id does not match token")
			return
		}

		next.ServeHTTP(w, r.WithContext(withPrincipal(r.Context(), p)))
	})
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(auth, "Bearer ")
	if !ok {
		return ""
	}
	return strings.TrimSpace(token)
}

// writeError renders a JSON error body. The handlers that map actor
// errors to status codes build their own body including the error
// kind; this helper covers the router's own pre-actor rejections
// (missing/invalid token, rate limit, session mismatch).
func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(`{"error":"` + jsonEscape(message) + `"}`))
}

func jsonEscape(s string) string {
	return strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(s)
}
