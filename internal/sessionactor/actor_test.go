package sessionactor

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aixgo-dev/session-agent/pkg/dbclient"
	"github.com/aixgo-dev/session-agent/pkg/sandboxclient"
	"github.com/aixgo-dev/session-agent/pkg/sessionerrors"
	"github.com/aixgo-dev/session-agent/pkg/sessionstate"
)

// newFakeDB starts an httptest server honoring the DB HTTP contract of
// spec §6, accepting everything so the actor's best-effort syncs never
// log noisy failures during tests.
func newFakeDB(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/api/github-token", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"accessToken": "gh-token"})
	})
	mux.HandleFunc("/api/user-secret", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	mux.HandleFunc("/api/session-status", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{})
	})
	mux.HandleFunc("/api/sync-message", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{})
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

// fakeSandbox implements the sandbox-provider + agent-server contract
// of spec §4.1 for the S1 happy-path scenario: one SSE pass emitting
// server.connected, a cumulatively-updated text part twice, then
// session.idle.
type fakeSandbox struct {
	server       *httptest.Server
	snapshotHits int
}

func newFakeSandbox(t *testing.T) *fakeSandbox {
	t.Helper()
	fs := &fakeSandbox{}
	mux := http.NewServeMux()

	mux.HandleFunc("/sandboxes", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{
			"sandboxId": "sb1",
			"tunnelUrl": fs.server.URL,
		})
	})
	mux.HandleFunc("/sandboxes/snapshot", func(w http.ResponseWriter, r *http.Request) {
		fs.snapshotHits++
		_ = json.NewEncoder(w).Encode(map[string]string{"snapshotId": "snap1"})
	})
	mux.HandleFunc("/global/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/session", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"id": "a1"})
	})
	mux.HandleFunc("/session/a1/message", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			w.WriteHeader(http.StatusOK)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"messages": []map[string]any{
				{
					"id":   "final-1",
					"role": "assistant",
					"parts": []map[string]any{
						{"type": "text", "text": "Hi!"},
					},
				},
			},
		})
	})
	mux.HandleFunc("/event", func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		require.True(t, ok)
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)

		write := func(eventType string, properties map[string]any) {
			propsJSON, _ := json.Marshal(properties)
			evt := map[string]json.RawMessage{
				"type":       mustJSON(eventType),
				"properties": propsJSON,
			}
			data, _ := json.Marshal(evt)
			_, _ = w.Write([]byte("data: " + string(data) + "\n\n"))
			flusher.Flush()
		}

		write("server.connected", nil)
		write("message.part.updated", map[string]any{
			"part": map[string]any{"type": "text", "text": "Hi!", "id": "m1"},
		})
		write("message.part.updated", map[string]any{
			"part": map[string]any{"type": "text", "text": "Hi!", "id": "m1"},
		})
		write("session.idle", nil)

		<-r.Context().Done()
	})

	fs.server = httptest.NewServer(mux)
	t.Cleanup(fs.server.Close)
	return fs
}

func mustJSON(s string) json.RawMessage {
	b, _ := json.Marshal(s)
	return b
}

// writeFunc emits one SSE event from inside a scripted /event handler.
type writeFunc func(eventType string, properties map[string]any)

// sseHandler builds an /event handler that runs script once to emit
// its events, then blocks until the request is canceled, matching how
// the real agent server keeps the connection open between events.
func sseHandler(t *testing.T, script func(write writeFunc)) http.HandlerFunc {
	t.Helper()
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		require.True(t, ok)
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)

		write := func(eventType string, properties map[string]any) {
			propsJSON, _ := json.Marshal(properties)
			evt := map[string]json.RawMessage{
				"type":       mustJSON(eventType),
				"properties": propsJSON,
			}
			data, _ := json.Marshal(evt)
			_, _ = w.Write([]byte("data: " + string(data) + "\n\n"))
			flusher.Flush()
		}

		script(write)
		<-r.Context().Done()
	}
}

func newTestActor(t *testing.T, sessionID string, sandboxBaseURL string) *Actor {
	t.Helper()
	store := sessionstate.NewMemoryBackend()
	sbClient := sandboxclient.New(sandboxBaseURL)
	dbC := dbclient.New(5 * time.Second)

	a, err := New(context.Background(), sessionID, store, sbClient, dbC)
	require.NoError(t, err)
	t.Cleanup(a.Close)
	return a
}

func waitForStatus(t *testing.T, a *Actor, status sessionstate.Status, timeout time.Duration) sessionstate.SessionStateView {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		view := a.GetState()
		if view.Status == status {
			return view
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("session never reached status %s, last seen %s", status, a.GetState().Status)
	return sessionstate.SessionStateView{}
}

func TestActor_S1_HappyPath(t *testing.T) {
	sandbox := newFakeSandbox(t)
	db := newFakeDB(t)
	a := newTestActor(t, "S1", sandbox.server.URL)

	ctx := context.Background()
	_, err := a.Initialize(ctx, InitializeRequest{
		Repo:      "acme/hello",
		UserID:    "U1",
		Bearer:    "tok",
		DBSiteURL: db.URL,
	})
	require.NoError(t, err)

	waitForStatus(t, a, sessionstate.StatusRunning, 2*time.Second)

	view, err := a.Prompt(ctx, "Say hi")
	require.NoError(t, err)

	require.Len(t, view.Messages, 2)
	require.Equal(t, sessionstate.RoleUser, view.Messages[0].Role)
	require.Equal(t, "Say hi", view.Messages[0].Parts[0].Text)
	require.Equal(t, sessionstate.RoleAssistant, view.Messages[1].Role)
	require.Equal(t, "Hi!", view.Messages[1].Parts[0].Text)
	require.False(t, view.IsProcessing)
	require.Equal(t, sessionstate.StatusRunning, view.Status)

	// Auto-snapshot (step 11) should have fired since the session ended
	// idle and running.
	require.Eventually(t, func() bool { return sandbox.snapshotHits > 0 }, time.Second, 10*time.Millisecond)
}

func TestActor_Prompt_RejectsWhenBusy(t *testing.T) {
	sandbox := newFakeSandbox(t)
	db := newFakeDB(t)
	a := newTestActor(t, "S-busy", sandbox.server.URL)

	ctx := context.Background()
	_, err := a.Initialize(ctx, InitializeRequest{Repo: "acme/hello", UserID: "U1", Bearer: "tok", DBSiteURL: db.URL})
	require.NoError(t, err)
	waitForStatus(t, a, sessionstate.StatusRunning, 2*time.Second)

	a.mu.Lock()
	a.state.IsProcessing = true
	a.mu.Unlock()

	_, err = a.Prompt(ctx, "anything")
	require.Error(t, err)
	require.True(t, sessionerrors.Is(err, sessionerrors.Busy))
}

func TestActor_Stop_ClearsSandboxAndGoesIdle(t *testing.T) {
	sandbox := newFakeSandbox(t)
	db := newFakeDB(t)
	a := newTestActor(t, "S-stop", sandbox.server.URL)

	ctx := context.Background()
	_, err := a.Initialize(ctx, InitializeRequest{Repo: "acme/hello", UserID: "U1", Bearer: "tok", DBSiteURL: db.URL})
	require.NoError(t, err)
	waitForStatus(t, a, sessionstate.StatusRunning, 2*time.Second)

	view, err := a.Stop(ctx)
	require.NoError(t, err)
	require.Equal(t, sessionstate.StatusIdle, view.Status)
	require.Empty(t, view.SandboxID)
	require.Empty(t, view.SandboxURL)
}

// newFakeSandboxToolInterleaving serves the S2 scenario: a text part, a
// tool call that starts running and then completes, and a closing text
// part, with the final fetch agreeing with the stream.
func newFakeSandboxToolInterleaving(t *testing.T) *httptest.Server {
	t.Helper()
	var srv *httptest.Server
	mux := http.NewServeMux()

	mux.HandleFunc("/sandboxes", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"sandboxId": "sb1", "tunnelUrl": srv.URL})
	})
	mux.HandleFunc("/sandboxes/snapshot", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"snapshotId": "snap1"})
	})
	mux.HandleFunc("/global/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/session", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"id": "a1"})
	})
	mux.HandleFunc("/session/a1/message", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			w.WriteHeader(http.StatusOK)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"messages": []map[string]any{
				{
					"id":   "final-1",
					"role": "assistant",
					"parts": []map[string]any{
						{"type": "text", "text": "Reading…"},
						{"type": "tool-call", "id": "t1", "tool": "readFile", "input": map[string]any{"path": "/a"}, "output": "ok", "status": "completed"},
						{"type": "text", "text": "Done."},
					},
				},
			},
		})
	})
	mux.HandleFunc("/event", sseHandler(t, func(write writeFunc) {
		write("server.connected", nil)
		write("message.part.updated", map[string]any{"part": map[string]any{"type": "text", "text": "Reading…", "id": "t-text1"}})
		write("message.part.updated", map[string]any{"part": map[string]any{"type": "tool-call", "id": "t1", "tool": "readFile", "input": map[string]any{"path": "/a"}, "status": "running"}})
		write("message.part.updated", map[string]any{"part": map[string]any{"type": "tool-call", "id": "t1", "tool": "readFile", "output": "ok", "status": "completed"}})
		write("message.part.updated", map[string]any{"part": map[string]any{"type": "text", "text": "Done.", "id": "t-text2"}})
		write("session.idle", nil)
	}))

	srv = httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestActor_S2_ToolInterleaving(t *testing.T) {
	sandbox := newFakeSandboxToolInterleaving(t)
	db := newFakeDB(t)
	a := newTestActor(t, "S2", sandbox.URL)

	ctx := context.Background()
	_, err := a.Initialize(ctx, InitializeRequest{Repo: "acme/hello", UserID: "U1", Bearer: "tok", DBSiteURL: db.URL})
	require.NoError(t, err)
	waitForStatus(t, a, sessionstate.StatusRunning, 2*time.Second)

	view, err := a.Prompt(ctx, "read the file")
	require.NoError(t, err)

	require.Len(t, view.Messages, 2)
	assistant := view.Messages[1]
	require.Len(t, assistant.Parts, 3)
	require.Equal(t, "Reading…", assistant.Parts[0].Text)
	require.NotNil(t, assistant.Parts[1].Tool)
	require.Equal(t, "readFile", assistant.Parts[1].Tool.Name)
	require.Equal(t, sessionstate.ToolStateCompleted, assistant.Parts[1].Tool.State)
	require.Equal(t, "ok", assistant.Parts[1].Tool.Result)
	require.Equal(t, "Done.", assistant.Parts[2].Text)
}

// newFakeSandboxResumeOnPrompt serves the S3 scenario: no create/pause
// endpoints are needed since the actor already starts paused; resume
// mints a fresh agent session id, and the prompt then runs as normal.
func newFakeSandboxResumeOnPrompt(t *testing.T) *httptest.Server {
	t.Helper()
	var srv *httptest.Server
	mux := http.NewServeMux()

	mux.HandleFunc("/sandboxes/resume", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"sandboxId": "sb2", "tunnelUrl": srv.URL})
	})
	mux.HandleFunc("/global/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/session", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"id": "a2"})
	})
	mux.HandleFunc("/session/a2/message", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			w.WriteHeader(http.StatusOK)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"messages": []map[string]any{
				{"id": "final-1", "role": "assistant", "parts": []map[string]any{{"type": "text", "text": "Hi again!"}}},
			},
		})
	})
	mux.HandleFunc("/event", sseHandler(t, func(write writeFunc) {
		write("server.connected", nil)
		write("message.part.updated", map[string]any{"part": map[string]any{"type": "text", "text": "Hi again!", "id": "m1"}})
		write("session.idle", nil)
	}))

	srv = httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestActor_S3_PromptOnPausedSessionResumes(t *testing.T) {
	sandbox := newFakeSandboxResumeOnPrompt(t)
	a := newTestActor(t, "S3", sandbox.URL)

	a.mu.Lock()
	a.state.Status = sessionstate.StatusPaused
	a.state.SnapshotID = "snap1"
	a.mu.Unlock()

	ctx := context.Background()
	view, err := a.Prompt(ctx, "continue")
	require.NoError(t, err)

	require.Equal(t, sessionstate.StatusRunning, view.Status)
	require.Equal(t, "sb2", view.SandboxID)
	require.Equal(t, "a2", view.AgentSessionID)
	require.Len(t, view.Messages, 2)
	require.Equal(t, sessionstate.RoleUser, view.Messages[0].Role)
	require.Equal(t, "continue", view.Messages[0].Parts[0].Text)
	require.Equal(t, "Hi again!", view.Messages[1].Parts[0].Text)
}

// newFakeSandboxSandboxLostMidRun serves the S4 scenario: the first
// health probe (the prompt pipeline's reachability check) fails, then
// every probe after the resume succeeds, so the session recovers
// inline without the prompt command itself returning an error.
func newFakeSandboxSandboxLostMidRun(t *testing.T) *httptest.Server {
	t.Helper()
	var srv *httptest.Server
	var healthCalls int32
	mux := http.NewServeMux()

	mux.HandleFunc("/global/health", func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&healthCalls, 1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/sandboxes/resume", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"sandboxId": "sb2", "tunnelUrl": srv.URL})
	})
	mux.HandleFunc("/session", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"id": "a2"})
	})
	mux.HandleFunc("/session/a2/message", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			w.WriteHeader(http.StatusOK)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"messages": []map[string]any{
				{"id": "final-1", "role": "assistant", "parts": []map[string]any{{"type": "text", "text": "Recovered!"}}},
			},
		})
	})
	mux.HandleFunc("/event", sseHandler(t, func(write writeFunc) {
		write("server.connected", nil)
		write("message.part.updated", map[string]any{"part": map[string]any{"type": "text", "text": "Recovered!", "id": "m1"}})
		write("session.idle", nil)
	}))

	srv = httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestActor_S4_SandboxLostMidRunRecoversViaResume(t *testing.T) {
	sandbox := newFakeSandboxSandboxLostMidRun(t)
	a := newTestActor(t, "S4", sandbox.URL)

	a.mu.Lock()
	a.state.Status = sessionstate.StatusRunning
	a.state.SandboxID = "sb1"
	a.state.SandboxURL = sandbox.URL
	a.state.AgentSessionID = "a1"
	a.state.SnapshotID = "snap1"
	a.mu.Unlock()

	ctx := context.Background()
	view, err := a.Prompt(ctx, "keep going")
	require.NoError(t, err)

	require.Equal(t, sessionstate.StatusRunning, view.Status)
	require.Equal(t, "sb2", view.SandboxID)
	require.Equal(t, "a2", view.AgentSessionID)
	require.Len(t, view.Messages, 2)
	require.Equal(t, "Recovered!", view.Messages[1].Parts[0].Text)
}

// newFakeSandboxTimeoutRecoversViaFetch serves the S5 scenario: the SSE
// stream stalls right after server.connected, and the post-timeout
// fetch comes back with a complete assistant message.
func newFakeSandboxTimeoutRecoversViaFetch(t *testing.T) *httptest.Server {
	t.Helper()
	var srv *httptest.Server
	mux := http.NewServeMux()

	mux.HandleFunc("/sandboxes", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"sandboxId": "sb1", "tunnelUrl": srv.URL})
	})
	mux.HandleFunc("/sandboxes/snapshot", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"snapshotId": "snap1"})
	})
	mux.HandleFunc("/global/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/session", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"id": "a1"})
	})
	mux.HandleFunc("/session/a1/message", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			w.WriteHeader(http.StatusOK)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"messages": []map[string]any{
				{"id": "final-1", "role": "assistant", "parts": []map[string]any{{"type": "text", "text": "late result"}}},
			},
		})
	})
	mux.HandleFunc("/event", sseHandler(t, func(write writeFunc) {
		write("server.connected", nil)
	}))

	srv = httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestActor_S5_TimeoutRecoversViaFetch(t *testing.T) {
	origIdleWait := idleWaitBudget
	idleWaitBudget = 30 * time.Millisecond
	defer func() { idleWaitBudget = origIdleWait }()

	sandbox := newFakeSandboxTimeoutRecoversViaFetch(t)
	db := newFakeDB(t)
	a := newTestActor(t, "S5", sandbox.URL)

	ctx := context.Background()
	_, err := a.Initialize(ctx, InitializeRequest{Repo: "acme/hello", UserID: "U1", Bearer: "tok", DBSiteURL: db.URL})
	require.NoError(t, err)
	waitForStatus(t, a, sessionstate.StatusRunning, 2*time.Second)

	view, err := a.Prompt(ctx, "do something slow")
	require.NoError(t, err)

	require.Len(t, view.Messages, 2)
	assistant := view.Messages[1]
	require.Equal(t, sessionstate.RoleAssistant, assistant.Role)
	require.Equal(t, "late result", assistant.Parts[0].Text)
	require.False(t, view.IsProcessing)
}

// newFakeSandboxTimeoutPartialContent serves the S6 scenario: the
// stream delivers a text part and a completed tool call but never
// reaches session.idle, and the recovery fetch itself fails.
func newFakeSandboxTimeoutPartialContent(t *testing.T) *httptest.Server {
	t.Helper()
	var srv *httptest.Server
	mux := http.NewServeMux()

	mux.HandleFunc("/sandboxes", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"sandboxId": "sb1", "tunnelUrl": srv.URL})
	})
	mux.HandleFunc("/sandboxes/snapshot", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"snapshotId": "snap1"})
	})
	mux.HandleFunc("/global/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/session", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"id": "a1"})
	})
	mux.HandleFunc("/session/a1/message", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusInternalServerError)
	})
	mux.HandleFunc("/event", sseHandler(t, func(write writeFunc) {
		write("server.connected", nil)
		write("message.part.updated", map[string]any{"part": map[string]any{"type": "text", "text": "par", "id": "m1"}})
		write("message.part.updated", map[string]any{"part": map[string]any{"type": "tool-call", "id": "t1", "tool": "readFile", "output": "ok", "status": "completed"}})
	}))

	srv = httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestActor_S6_TimeoutWithPartialContent(t *testing.T) {
	origIdleWait := idleWaitBudget
	idleWaitBudget = 30 * time.Millisecond
	defer func() { idleWaitBudget = origIdleWait }()

	sandbox := newFakeSandboxTimeoutPartialContent(t)
	db := newFakeDB(t)
	a := newTestActor(t, "S6", sandbox.URL)

	ctx := context.Background()
	_, err := a.Initialize(ctx, InitializeRequest{Repo: "acme/hello", UserID: "U1", Bearer: "tok", DBSiteURL: db.URL})
	require.NoError(t, err)
	waitForStatus(t, a, sessionstate.StatusRunning, 2*time.Second)

	view, err := a.Prompt(ctx, "do something that stalls")
	require.NoError(t, err)

	require.Len(t, view.Messages, 3)
	assistant := view.Messages[1]
	require.Equal(t, sessionstate.RoleAssistant, assistant.Role)
	require.Len(t, assistant.Parts, 2)
	require.Equal(t, "par", assistant.Parts[0].Text)
	require.NotNil(t, assistant.Parts[1].Tool)
	require.Equal(t, sessionstate.ToolStateCompleted, assistant.Parts[1].Tool.State)

	systemMsg := view.Messages[2]
	require.Equal(t, sessionstate.RoleSystem, systemMsg.Role)
	require.Equal(t,
		"⚠️ Response timed out. Partial content shown above. The AI may still be processing — try refreshing in a moment.",
		systemMsg.Parts[0].Text)
	require.False(t, view.IsProcessing)
}
