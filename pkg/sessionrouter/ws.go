package sessionrouter

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync/atomic"

	"github.com/gorilla/websocket"

	"github.com/aixgo-dev/session-agent/internal/sessionactor"
	"github.com/aixgo-dev/session-agent/pkg/sessionobs"
)

// attachedWebsocketCount backs the sessionagent_attached_websockets
// gauge; it is process-wide since the gauge itself has no labels.
var attachedWebsocketCount atomic.Int64

// upgrader only ever negotiates the "bearer" subprotocol: gorilla
// selects the first entry of Subprotocols present in the client's
// Sec-WebSocket-Protocol list and echoes it back, which is exactly
// spec §4.6's "accepts a subprotocol of the form 'bearer, <token>' and
// replies echoing only 'bearer'" — the token rides as the list's
// second element, not part of the echoed value.
var upgrader = websocket.Upgrader{
	Subprotocols: []string{"bearer"},
}

// clientFrame is one client->server WebSocket message, per spec §6.
type clientFrame struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// handleWebSocket implements GET (WS) /sessions/{id}/ws. Auth here
// cannot reuse withAuth: the token travels inside the
// Sec-WebSocket-Protocol header, not an Authorization header, since
// browsers do not let JavaScript set arbitrary headers on a WebSocket
// handshake.
func (rt *Router) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	token, ok := subprotocolToken(r)
	if !ok {
		http.Error(w, "expected Sec-WebSocket-Protocol: bearer, <token>", http.StatusUpgradeRequired)
		return
	}

	info, err := rt.db.ValidateToken(r.Context(), rt.cfg.DB.SiteURL, token)
	if err != nil || info == nil {
		http.Error(w, "invalid or expired token", http.StatusForbidden)
		return
	}
	if info.SessionID != r.PathValue("id") {
		http.Error(w, "session id does not match token", http.StatusForbidden)
		return
	}

	actor, err := rt.actorFor(r.Context(), info.SessionID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	actor.Attach(conn)
	sessionobs.SetAttachedWebsockets(int(attachedWebsocketCount.Add(1)))
	defer func() {
		actor.Detach(conn)
		sessionobs.SetAttachedWebsockets(int(attachedWebsocketCount.Add(-1)))
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var frame clientFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			actor.BroadcastError("malformed frame")
			continue
		}
		dispatchClientFrame(actor, frame)
	}
}

// dispatchClientFrame runs the command in its own goroutine so a
// long-running prompt never blocks this connection's read loop from
// delivering a subsequent "stop" frame for the same session.
func dispatchClientFrame(actor *sessionactor.Actor, frame clientFrame) {
	switch frame.Type {
	case "prompt":
		go func() {
			if _, err := actor.Prompt(context.Background(), frame.Text); err != nil {
				actor.BroadcastError(err.Error())
			}
		}()
	case "pause":
		go func() {
			if _, err := actor.Pause(context.Background()); err != nil {
				actor.BroadcastError(err.Error())
			}
		}()
	case "resume":
		go func() {
			if _, err := actor.Resume(context.Background()); err != nil {
				actor.BroadcastError(err.Error())
			}
		}()
	case "stop":
		go func() {
			if _, err := actor.Stop(context.Background()); err != nil {
				actor.BroadcastError(err.Error())
			}
		}()
	default:
		actor.BroadcastError("unknown frame type: " + frame.Type)
	}
}

// subprotocolToken parses "bearer, <token>" out of the
// Sec-WebSocket-Protocol header, returning the token and whether the
// header had exactly that two-element shape.
func subprotocolToken(r *http.Request) (string, bool) {
	raw := r.Header.Get("Sec-WebSocket-Protocol")
	if raw == "" {
		return "", false
	}
	parts := strings.Split(raw, ",")
	if len(parts) != 2 {
		return "", false
	}
	if strings.TrimSpace(parts[0]) != "bearer" {
		return "", false
	}
	token := strings.TrimSpace(parts[1])
	if token == "" {
		return "", false
	}
	return token, true
}
