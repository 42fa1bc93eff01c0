// Package sessionrouter implements the Session Agent's C6 component:
// bearer auth, per-user rate limiting, session-id routing to Session
// Actor instances, and the HTTP+WebSocket surface of spec §6.
package sessionrouter

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/aixgo-dev/session-agent/internal/sessionactor"
	"github.com/aixgo-dev/session-agent/pkg/dbclient"
	"github.com/aixgo-dev/session-agent/pkg/sandboxclient"
	"github.com/aixgo-dev/session-agent/pkg/sessionconfig"
	"github.com/aixgo-dev/session-agent/pkg/sessionobs"
	"github.com/aixgo-dev/session-agent/pkg/sessionstate"
)

// Router owns every Session Actor in this process, lazily creating one
// per sessionId the first time it is referenced, per spec §4.6: "Maps
// a session id to the single Session Actor instance that owns it."
type Router struct {
	cfg     sessionconfig.Config
	store   sessionstate.StorageBackend
	sandbox *sandboxclient.Client
	db      *dbclient.Client
	limiter *Limiter

	mu     sync.Mutex
	actors map[string]*sessionactor.Actor
}

// New constructs a Router. store, sandbox, and db are shared across
// every actor the router creates.
func New(cfg sessionconfig.Config, store sessionstate.StorageBackend, sandbox *sandboxclient.Client, db *dbclient.Client) *Router {
	sessionobs.InitMetrics()
	return &Router{
		cfg:     cfg,
		store:   store,
		sandbox: sandbox,
		db:      db,
		limiter: NewLimiter(cfg.RateLimit.RequestsPerWindow, time.Duration(cfg.RateLimit.WindowSeconds)*time.Second),
		actors:  make(map[string]*sessionactor.Actor),
	}
}

// actorFor returns the Session Actor owning sessionID, constructing and
// caching one on first reference. Construction hydrates from durable
// storage (sessionactor.New), so a session that already exists there
// resumes exactly where it left off.
func (rt *Router) actorFor(ctx context.Context, sessionID string) (*sessionactor.Actor, error) {
	rt.mu.Lock()
	if a, ok := rt.actors[sessionID]; ok {
		rt.mu.Unlock()
		return a, nil
	}
	rt.mu.Unlock()

	a, err := sessionactor.New(ctx, sessionID, rt.store, rt.sandbox, rt.db)
	if err != nil {
		return nil, err
	}

	rt.mu.Lock()
	if existing, ok := rt.actors[sessionID]; ok {
		rt.mu.Unlock()
		a.Close()
		return existing, nil
	}
	rt.actors[sessionID] = a
	count := len(rt.actors)
	rt.mu.Unlock()
	sessionobs.SetActiveActors(count)
	return a, nil
}

// Handler builds the complete http.Handler for the Session Agent's
// external interface (spec §6), using Go's method-and-path-pattern
// ServeMux — the teacher never needed a router library for its own
// HTTP surfaces (aixgo-dev-aixgo has none), so this follows the
// standard library rather than adding one.
func (rt *Router) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", rt.handleHealth)
	mux.Handle("POST /sessions", rt.withAuth(http.HandlerFunc(rt.handleCreateSession)))
	mux.Handle("GET /sessions/{id}", rt.withAuth(http.HandlerFunc(rt.handleGetSession)))
	mux.Handle("POST /sessions/{id}/prompt", rt.withAuth(http.HandlerFunc(rt.handlePrompt)))
	mux.Handle("POST /sessions/{id}/pause", rt.withAuth(http.HandlerFunc(rt.handlePause)))
	mux.Handle("POST /sessions/{id}/resume", rt.withAuth(http.HandlerFunc(rt.handleResume)))
	mux.Handle("DELETE /sessions/{id}", rt.withAuth(http.HandlerFunc(rt.handleDeleteSession)))
	mux.HandleFunc("GET /sessions/{id}/ws", rt.handleWebSocket)
	mux.Handle("GET /metrics", sessionobs.MetricsHandler())

	return rt.withCORS(withMetrics(mux))
}
