// Package sessionactor implements the Session Agent's C5 component: a
// single-writer, per-session state machine that owns a SessionState,
// brokers prompts through the sandbox client and event normalizer, and
// reconciles durable storage, the DB of record, and attached
// WebSockets on every transition.
package sessionactor

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/aixgo-dev/session-agent/internal/broadcast"
	"github.com/aixgo-dev/session-agent/pkg/dbclient"
	"github.com/aixgo-dev/session-agent/pkg/sandboxclient"
	"github.com/aixgo-dev/session-agent/pkg/sessionobs"
	"github.com/aixgo-dev/session-agent/pkg/sessionstate"
)

// Actor owns one session's SessionState. All mutation happens inside
// its mailbox loop (run), which processes one enqueued closure at a
// time to completion — the observable single-writer contract of spec
// §4.5.1. GetState and Attach are read-only and bypass the mailbox so
// that clients polling state or reconnecting are never blocked behind
// a long-running prompt.
type Actor struct {
	sessionID   string
	store       sessionstate.StorageBackend
	sandbox     *sandboxclient.Client
	db          *dbclient.Client
	broadcaster *broadcast.Broadcaster

	mu          sync.RWMutex
	state       *sessionstate.SessionState
	dbSiteURL   string
	bearerToken string

	opMu     sync.Mutex
	opCancel context.CancelFunc

	inbox  chan func()
	closed chan struct{}
}

// New constructs an Actor for sessionID, hydrating SessionState and
// its auxiliary keys from store. Per spec §4.5.1, construction blocks
// until hydration completes — no command can be accepted before the
// actor knows its starting state.
func New(ctx context.Context, sessionID string, store sessionstate.StorageBackend, sandbox *sandboxclient.Client, db *dbclient.Client) (*Actor, error) {
	state, err := loadState(ctx, store, sessionID)
	if err != nil {
		return nil, err
	}

	dbSiteURL, _ := loadString(ctx, store, sessionID, sessionstate.KeyDBSiteURL)
	bearerToken, _ := loadString(ctx, store, sessionID, sessionstate.KeyBearerToken)

	a := &Actor{
		sessionID:   sessionID,
		store:       store,
		sandbox:     sandbox,
		db:          db,
		broadcaster: broadcast.New(),
		state:       state,
		dbSiteURL:   dbSiteURL,
		bearerToken: bearerToken,
		inbox:       make(chan func(), 16),
		closed:      make(chan struct{}),
	}
	go a.run()
	return a, nil
}

func loadState(ctx context.Context, store sessionstate.StorageBackend, sessionID string) (*sessionstate.SessionState, error) {
	data, err := store.Get(ctx, sessionID, sessionstate.KeySession)
	if err == sessionstate.ErrNotFound {
		return sessionstate.NewSessionState(sessionID, "", "", time.Now()), nil
	}
	if err != nil {
		return nil, err
	}
	var state sessionstate.SessionState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, err
	}
	return &state, nil
}

func loadString(ctx context.Context, store sessionstate.StorageBackend, sessionID, key string) (string, error) {
	data, err := store.Get(ctx, sessionID, key)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (a *Actor) run() {
	for {
		select {
		case fn, ok := <-a.inbox:
			if !ok {
				return
			}
			fn()
		case <-a.closed:
			return
		}
	}
}

// Close stops the actor's mailbox loop and detaches every attached
// WebSocket. It does not terminate the sandbox — callers that want
// that must invoke Stop first.
func (a *Actor) Close() {
	close(a.closed)
	a.broadcaster.Close()
}

// invoke enqueues fn on the mailbox and blocks until it has run,
// returning its result. This is the single entry point every public
// command method uses to guarantee serialized mutation.
// invoke runs fn on the actor's single-writer mailbox goroutine,
// wrapped in a span named after the command so every actor command
// shows up in the configured trace exporter.
func (a *Actor) invoke(ctx context.Context, name string, fn func() (sessionstate.SessionStateView, error)) (sessionstate.SessionStateView, error) {
	_, span := sessionobs.StartSpan(ctx, "sessionactor."+name)
	defer span.End()

	type result struct {
		view sessionstate.SessionStateView
		err  error
	}
	done := make(chan result, 1)
	a.inbox <- func() {
		view, err := fn()
		done <- result{view, err}
	}
	r := <-done
	return r.view, r.err
}

// GetState returns the current client-facing view without going
// through the mailbox, since it neither mutates nor needs to wait
// behind an in-flight command.
func (a *Actor) GetState() sessionstate.SessionStateView {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.state.View()
}

// Attach registers a WebSocket for this session's broadcaster,
// immediately sending it the current state and, if the session
// appears to be running, scheduling an async health probe per spec
// §4.4.
func (a *Actor) Attach(conn *websocket.Conn) {
	a.mu.RLock()
	view := a.state.View()
	status := a.state.Status
	sandboxURL := a.state.SandboxURL
	a.mu.RUnlock()

	var probe func()
	if status == sessionstate.StatusRunning && sandboxURL != "" {
		probe = func() { a.reconcileHealth(sandboxURL) }
	}
	a.broadcaster.Attach(conn, view, probe)
}

// Detach unregisters a WebSocket on disconnect. Per spec §5, this
// never cancels an in-flight prompt.
func (a *Actor) Detach(conn *websocket.Conn) {
	a.broadcaster.Detach(conn)
}

// BroadcastError sends a non-fatal "error" frame to every attached
// WebSocket, e.g. an unknown client->server frame type (spec §6:
// "unknown types yield an error frame without closing") or a rejected
// command issued over the WebSocket transport.
func (a *Actor) BroadcastError(message string) {
	a.broadcaster.BroadcastErrorFrame(message)
}

// reconcileHealth is the attach-time probe: if the sandbox the state
// currently points at turns out unreachable, it corrects the status
// the same way the prompt pipeline's reachability check would, so a
// reconnecting client does not see a stale "running" state forever.
// It runs off the mailbox (to not block the attach) but commits any
// correction through it.
func (a *Actor) reconcileHealth(sandboxURL string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := a.sandbox.CheckHealth(ctx, sandboxURL); err == nil {
		return
	}

	a.inbox <- func() {
		a.mu.RLock()
		stillSame := a.state.Status == sessionstate.StatusRunning && a.state.SandboxURL == sandboxURL
		a.mu.RUnlock()
		if !stillSame {
			return
		}
		a.markSandboxLost(context.Background(), "sandbox became unreachable")
	}
}

// persist marshals the current state and writes it to durable
// storage. Failures are logged, not surfaced: the in-memory state
// remains authoritative until the next successful write.
func (a *Actor) persist(ctx context.Context) {
	a.mu.RLock()
	data, err := json.Marshal(a.state)
	a.mu.RUnlock()
	if err != nil {
		log.Printf("sessionactor[%s]: marshal state: %v", a.sessionID, err)
		return
	}
	if err := a.store.Set(ctx, a.sessionID, sessionstate.KeySession, data); err != nil {
		log.Printf("sessionactor[%s]: persist state: %v", a.sessionID, err)
	}
}

// broadcastState sends the current view to every attached WebSocket.
func (a *Actor) broadcastState() {
	a.mu.RLock()
	view := a.state.View()
	a.mu.RUnlock()
	a.broadcaster.BroadcastState(view)
}

// upsertStatusAsync fires a best-effort DB status sync in the
// background, decoupled from the command's own context so it survives
// the handler returning (e.g. after a stop cancellation).
func (a *Actor) upsertStatusAsync() {
	a.mu.RLock()
	update := dbclient.StatusUpdate{
		SessionID:    a.state.SessionID,
		Status:       string(a.state.Status),
		IsProcessing: a.state.IsProcessing,
		SnapshotID:   a.state.SnapshotID,
		ErrorMessage: a.state.Error,
	}
	dbSiteURL, bearer := a.dbSiteURL, a.bearerToken
	a.mu.RUnlock()

	if dbSiteURL == "" {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		a.db.UpsertStatus(ctx, dbSiteURL, bearer, update)
		sessionobs.RecordDBSync("status", "sent")
	}()
}

// upsertMessageAsync fires a best-effort DB message sync.
func (a *Actor) upsertMessageAsync(msg sessionstate.Message) {
	a.mu.RLock()
	sessionID, dbSiteURL, bearer := a.state.SessionID, a.dbSiteURL, a.bearerToken
	a.mu.RUnlock()

	if dbSiteURL == "" {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		a.db.UpsertMessage(ctx, dbSiteURL, bearer, dbclient.MessageUpsert{
			SessionID: sessionID,
			MessageID: msg.ID,
			Role:      string(msg.Role),
			Parts:     msg.Parts,
			Timestamp: msg.Timestamp,
		})
		sessionobs.RecordDBSync("message", "sent")
	}()
}

// commitTransition durably writes the current state, broadcasts it,
// and fires the best-effort DB status sync — the three accompaniments
// spec §4.5.3 requires of every transition.
func (a *Actor) commitTransition(ctx context.Context) {
	a.persist(ctx)
	a.broadcastState()
	a.upsertStatusAsync()
}

// setOpCancel records the cancel function for the currently-running
// long operation (prompt/pause/resume) so Stop can preempt it.
func (a *Actor) setOpCancel(cancel context.CancelFunc) {
	a.opMu.Lock()
	a.opCancel = cancel
	a.opMu.Unlock()
}

func (a *Actor) clearOpCancel() {
	a.opMu.Lock()
	a.opCancel = nil
	a.opMu.Unlock()
}

func (a *Actor) cancelCurrentOp() {
	a.opMu.Lock()
	cancel := a.opCancel
	a.opMu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// recordCommand reports one public command's outcome and latency to
// sessionobs. status is derived from err so call sites never have to
// spell out "ok"/"error" themselves.
func recordCommand(command string, start time.Time, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	sessionobs.RecordActorCommand(command, status, time.Since(start))
}

// markSandboxLost transitions to idle (or paused, if a snapshot is
// available) with an error recorded, mirroring the prompt pipeline's
// reachability-check fallback in spec §4.5.4 step 3.
func (a *Actor) markSandboxLost(ctx context.Context, reason string) {
	sessionobs.RecordSandboxLost()
	a.mu.Lock()
	a.state.SandboxID = ""
	a.state.SandboxURL = ""
	a.state.AgentSessionID = ""
	a.state.Error = reason
	if a.state.SnapshotID != "" {
		a.state.Status = sessionstate.StatusPaused
	} else {
		a.state.Status = sessionstate.StatusIdle
	}
	a.state.Touch(time.Now())
	a.mu.Unlock()

	a.commitTransition(ctx)
}
