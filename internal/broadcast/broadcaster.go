// Package broadcast implements the Session Agent's C4 component: fanning
// out state/event/streaming/error frames to every WebSocket attached to
// one session, with throttled coalescing of streaming updates.
package broadcast

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/aixgo-dev/session-agent/pkg/sessionstate"
)

// FrameType names the four WebSocket frame kinds of spec §4.4.
type FrameType string

const (
	FrameState     FrameType = "state"
	FrameEvent     FrameType = "event"
	FrameStreaming FrameType = "streaming"
	FrameError     FrameType = "error"
)

// Frame is the JSON envelope sent over every attached WebSocket.
type Frame struct {
	Type    FrameType `json:"type"`
	Payload any       `json:"payload"`
}

// StreamingPayload is the body of a "streaming" frame.
type StreamingPayload struct {
	MessageID string                     `json:"messageId"`
	Parts     []sessionstate.MessagePart `json:"parts"`
}

const throttleWindow = 100 * time.Millisecond

// viewer is one attached WebSocket connection. Writes go through send so
// only one goroutine ever calls conn.WriteJSON, per gorilla/websocket's
// single-writer requirement.
type viewer struct {
	id   uint64
	conn *websocket.Conn
	send chan Frame
	done chan struct{}
	gone chan struct{}
}

// Broadcaster fans frames out to every WebSocket attached to one
// session. It owns no SessionState itself — the Session Actor supplies
// each frame's payload.
type Broadcaster struct {
	mu      sync.Mutex
	viewers map[uint64]*viewer
	nextID  uint64

	// Throttle state machine, per spec §4.4 / design note in §9:
	// {lastEmitTime, pending, scheduled}.
	lastEmit  time.Time
	pending   *StreamingPayload
	scheduled bool
	timer     *time.Timer
}

// New creates an empty Broadcaster for one session.
func New() *Broadcaster {
	return &Broadcaster{viewers: make(map[uint64]*viewer)}
}

// Attach registers a new WebSocket connection, immediately sends it one
// "state" frame built from view, and — if probe is non-nil — launches
// it asynchronously without blocking the attach. probe is supplied by
// the Session Actor when status=running and sandboxUrl is set, per
// spec §4.4's attach-triggers-health-probe semantics.
func (b *Broadcaster) Attach(conn *websocket.Conn, view sessionstate.SessionStateView, probe func()) {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	v := &viewer{id: id, conn: conn, send: make(chan Frame, 32), done: make(chan struct{}), gone: make(chan struct{})}
	b.viewers[id] = v
	b.mu.Unlock()

	go v.pump()

	select {
	case v.send <- Frame{Type: FrameState, Payload: view}:
	default:
		log.Printf("broadcast: viewer %d send buffer full on attach", id)
	}

	if probe != nil {
		go probe()
	}
}

// Detach unregisters a connection, e.g. on WebSocket close. It does not
// cancel any in-flight prompt (spec §5: disconnect never cancels a
// prompt).
func (b *Broadcaster) Detach(conn *websocket.Conn) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for id, v := range b.viewers {
		if v.conn == conn {
			close(v.done)
			delete(b.viewers, id)
			return
		}
	}
}

// BroadcastState sends a "state" frame to every attached viewer
// immediately (never throttled).
func (b *Broadcaster) BroadcastState(view sessionstate.SessionStateView) {
	b.broadcast(Frame{Type: FrameState, Payload: view})
}

// BroadcastEvent forwards one raw SSE event to every attached viewer.
func (b *Broadcaster) BroadcastEvent(raw json.RawMessage) {
	b.broadcast(Frame{Type: FrameEvent, Payload: raw})
}

// BroadcastErrorFrame reports a non-fatal protocol error to every
// attached viewer.
func (b *Broadcaster) BroadcastErrorFrame(message string) {
	b.broadcast(Frame{Type: FrameError, Payload: map[string]string{"message": message}})
}

// BroadcastStreaming emits payload immediately if the 100 ms cooldown
// has elapsed since the last streaming frame for this session;
// otherwise it stores payload as the latest pending update and, if one
// isn't already scheduled, arms a timer to flush it when the cooldown
// ends.
func (b *Broadcaster) BroadcastStreaming(payload StreamingPayload) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(b.lastEmit)
	if elapsed >= throttleWindow {
		b.emitStreamingLocked(payload, now)
		return
	}

	b.pending = &payload
	if b.scheduled {
		return
	}
	b.scheduled = true
	remaining := throttleWindow - elapsed
	b.timer = time.AfterFunc(remaining, b.flushTimer)
}

func (b *Broadcaster) flushTimer() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.scheduled || b.pending == nil {
		b.scheduled = false
		return
	}
	payload := *b.pending
	b.pending = nil
	b.scheduled = false
	b.emitStreamingLocked(payload, time.Now())
}

// emitStreamingLocked sends a streaming frame and records the emission
// time. Caller must hold b.mu.
func (b *Broadcaster) emitStreamingLocked(payload StreamingPayload, at time.Time) {
	b.lastEmit = at
	b.broadcastLocked(Frame{Type: FrameStreaming, Payload: payload})
}

// FlushAndStop drains any pending throttled streaming update — sending
// it immediately — before the caller sends the final "state" frame.
// Per spec §5's ordering guarantee, callers must invoke FlushAndStop
// before BroadcastState for the prompt's terminal state.
func (b *Broadcaster) FlushAndStop() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.timer != nil {
		b.timer.Stop()
	}
	if b.scheduled && b.pending != nil {
		payload := *b.pending
		b.emitStreamingLocked(payload, time.Now())
	}
	b.pending = nil
	b.scheduled = false
}

func (b *Broadcaster) broadcast(frame Frame) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.broadcastLocked(frame)
}

func (b *Broadcaster) broadcastLocked(frame Frame) {
	for id, v := range b.viewers {
		select {
		case v.send <- frame:
		default:
			log.Printf("broadcast: viewer %d send buffer full, dropping %s frame", id, frame.Type)
		}
	}
}

// Close detaches every attached viewer and waits, with a bounded
// budget, for each one's pump goroutine to actually finish closing its
// connection — a concurrent fan-out over however many viewers are
// attached, rather than a fire-and-forget signal.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	viewers := make([]*viewer, 0, len(b.viewers))
	for id, v := range b.viewers {
		close(v.done)
		viewers = append(viewers, v)
		delete(b.viewers, id)
	}
	b.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)
	for _, v := range viewers {
		v := v
		g.Go(func() error {
			select {
			case <-v.gone:
			case <-ctx.Done():
			}
			return nil
		})
	}
	_ = g.Wait()
}

func (v *viewer) pump() {
	defer close(v.gone)
	defer func() { _ = v.conn.Close() }()

	for {
		select {
		case <-v.done:
			return
		case frame, ok := <-v.send:
			if !ok {
				return
			}
			if err := v.conn.WriteJSON(frame); err != nil {
				return
			}
		}
	}
}
