package sessionactor

import (
	"context"
	"log"
	"time"

	"github.com/aixgo-dev/session-agent/pkg/sandboxclient"
	"github.com/aixgo-dev/session-agent/pkg/sessionerrors"
	"github.com/aixgo-dev/session-agent/pkg/sessionobs"
	"github.com/aixgo-dev/session-agent/pkg/sessionstate"
)

// InitializeRequest is the input to Initialize, per spec §4.5.2.
type InitializeRequest struct {
	Repo      string
	UserID    string
	Bearer    string
	DBSiteURL string
	Model     string
	Provider  string
}

// Initialize persists auth config, transitions idle -> starting, and
// launches background sandbox creation. It returns as soon as the
// transition is committed — it does not wait for the sandbox.
func (a *Actor) Initialize(ctx context.Context, req InitializeRequest) (view sessionstate.SessionStateView, err error) {
	start := time.Now()
	defer func() { recordCommand("initialize", start, err) }()
	return a.invoke(ctx, "initialize", func() (sessionstate.SessionStateView, error) {
		a.mu.Lock()
		fresh := a.state.Repo == ""
		if fresh {
			a.state.Repo = req.Repo
			a.state.UserID = req.UserID
			a.state.SelectedModel = req.Model
			a.state.Provider = req.Provider
		}
		a.dbSiteURL = req.DBSiteURL
		a.bearerToken = req.Bearer
		a.mu.Unlock()

		_ = a.store.Set(ctx, a.sessionID, sessionstate.KeyDBSiteURL, []byte(req.DBSiteURL))
		_ = a.store.Set(ctx, a.sessionID, sessionstate.KeyBearerToken, []byte(req.Bearer))

		if !fresh {
			return a.GetState(), nil
		}

		a.mu.Lock()
		a.state.Status = sessionstate.StatusStarting
		a.state.Touch(time.Now())
		view := a.state.View()
		a.mu.Unlock()
		a.commitTransition(ctx)

		go a.backgroundCreate(req)

		return view, nil
	})
}

// backgroundCreate runs the sandbox-provisioning HTTP calls outside
// the mailbox (they can take up to 120 s) and commits the outcome
// through it when done.
func (a *Actor) backgroundCreate(req InitializeRequest) {
	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Second)
	defer cancel()

	gitCred, err := a.db.FetchGitCredential(ctx, req.DBSiteURL, req.Bearer)
	if err != nil {
		a.commitStartupFailure(ctx, "fetch git credential: "+err.Error())
		return
	}

	var providerKey string
	if req.Provider != "" {
		providerKey, _ = a.db.FetchProviderAPIKey(ctx, req.DBSiteURL, req.Bearer, req.Provider)
	}

	result, err := a.sandbox.CreateSandbox(ctx, sandboxclient.CreateSandboxInput{
		Repo:           req.Repo,
		GitCredential:  gitCred,
		ProviderAPIKey: providerKey,
	})
	if err != nil {
		sessionobs.RecordSandboxOperation("create", "error")
		a.commitStartupFailure(ctx, "create sandbox: "+err.Error())
		return
	}
	sessionobs.RecordSandboxOperation("create", "ok")

	a.finishStartup(ctx, result.SandboxID, result.TunnelURL, result.BranchName)
}

// finishStartup waits for the sandbox to become healthy, opens a
// fresh agent session, and commits the running transition. Used by
// Initialize's background create; the resume pipeline performs the
// same health wait and agent-session creation inline.
func (a *Actor) finishStartup(ctx context.Context, sandboxID, tunnelURL, branchName string) {
	if err := a.sandbox.WaitHealthy(ctx, tunnelURL); err != nil {
		a.commitStartupFailure(ctx, "sandbox did not become healthy: "+err.Error())
		return
	}

	agentSessionID, err := a.sandbox.CreateAgentSession(ctx, tunnelURL)
	if err != nil {
		a.commitStartupFailure(ctx, "create agent session: "+err.Error())
		return
	}

	a.inbox <- func() {
		a.mu.Lock()
		a.state.SandboxID = sandboxID
		a.state.SandboxURL = tunnelURL
		if branchName != "" {
			a.state.BranchName = branchName
		}
		a.state.AgentSessionID = agentSessionID
		a.state.Status = sessionstate.StatusRunning
		a.state.Error = ""
		a.state.Touch(time.Now())
		a.mu.Unlock()
		a.commitTransition(context.Background())
	}
}

func (a *Actor) commitStartupFailure(ctx context.Context, message string) {
	a.inbox <- func() {
		a.mu.Lock()
		a.state.Status = sessionstate.StatusError
		a.state.Error = message
		a.state.Touch(time.Now())
		a.mu.Unlock()
		a.commitTransition(context.Background())
	}
}

// Stop terminates the sandbox best-effort and transitions to idle. It
// first cancels any in-flight long operation (prompt/pause/resume)
// before enqueueing its own handler, per spec §5's preemptive stop
// semantics.
func (a *Actor) Stop(ctx context.Context) (view sessionstate.SessionStateView, err error) {
	start := time.Now()
	defer func() { recordCommand("stop", start, err) }()
	a.cancelCurrentOp()
	return a.invoke(ctx, "stop", func() (sessionstate.SessionStateView, error) {
		a.mu.RLock()
		sandboxID := a.state.SandboxID
		a.mu.RUnlock()

		if sandboxID != "" {
			termCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			// Best-effort: errors are swallowed per spec §4.5.7.
			termErr := a.sandbox.TerminateSandbox(termCtx, sandboxID)
			termStatus := "ok"
			if termErr != nil {
				termStatus = "error"
				log.Printf("sessionactor[%s]: terminate sandbox: %v", a.sessionID, termErr)
			}
			sessionobs.RecordSandboxOperation("terminate", termStatus)
			cancel()
		}

		a.mu.Lock()
		a.state.SandboxID = ""
		a.state.SandboxURL = ""
		a.state.AgentSessionID = ""
		a.state.Status = sessionstate.StatusIdle
		a.state.IsProcessing = false
		a.state.Touch(time.Now())
		view := a.state.View()
		a.mu.Unlock()

		a.commitTransition(ctx)
		return view, nil
	})
}

// rejected is a convenience constructor for precondition failures that
// do not mutate state, per spec §7's "surface; no state change" policy.
func (a *Actor) rejected(kind sessionerrors.Kind, message string) (sessionstate.SessionStateView, error) {
	return a.GetState(), sessionerrors.New(kind, message)
}
