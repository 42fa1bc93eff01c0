package sessionactor

import (
	"context"
	"errors"
	"time"

	"github.com/aixgo-dev/session-agent/pkg/sandboxclient"
	"github.com/aixgo-dev/session-agent/pkg/sessionerrors"
	"github.com/aixgo-dev/session-agent/pkg/sessionobs"
	"github.com/aixgo-dev/session-agent/pkg/sessionstate"
)

// Pause implements the pause pipeline of spec §4.5.5.
func (a *Actor) Pause(ctx context.Context) (view sessionstate.SessionStateView, err error) {
	start := time.Now()
	defer func() { recordCommand("pause", start, err) }()
	return a.invoke(ctx, "pause", func() (sessionstate.SessionStateView, error) {
		a.mu.RLock()
		status := a.state.Status
		sandboxID := a.state.SandboxID
		isProcessing := a.state.IsProcessing
		a.mu.RUnlock()

		if isProcessing {
			return a.rejected(sessionerrors.Busy, "a prompt is in flight")
		}
		if status != sessionstate.StatusRunning || sandboxID == "" {
			return a.rejected(sessionerrors.BadRequest, "session is not running")
		}

		return a.runPausePipeline(ctx, sandboxID)
	})
}

func (a *Actor) runPausePipeline(ctx context.Context, sandboxID string) (sessionstate.SessionStateView, error) {
	opCtx, cancel := context.WithCancel(ctx)
	a.setOpCancel(cancel)
	defer func() {
		cancel()
		a.clearOpCancel()
	}()

	a.mu.Lock()
	a.state.Status = sessionstate.StatusStarting
	a.state.Touch(time.Now())
	a.mu.Unlock()
	a.commitTransition(ctx)

	snapshotID, err := a.sandbox.PauseSandbox(opCtx, sandboxID)
	if err != nil {
		sessionobs.RecordSandboxOperation("pause", "error")
		var sbErr *sandboxclient.Error
		if errors.As(err, &sbErr) && sbErr.Kind == sandboxclient.Conflict {
			// The sandbox was already dead. A previous snapshot, if any,
			// is still usable; otherwise there is nothing to resume from.
			a.mu.Lock()
			if a.state.SnapshotID != "" {
				a.state.Status = sessionstate.StatusPaused
			} else {
				a.state.Status = sessionstate.StatusIdle
			}
			a.state.SandboxID = ""
			a.state.SandboxURL = ""
			a.state.AgentSessionID = ""
			a.state.Touch(time.Now())
			view := a.state.View()
			a.mu.Unlock()
			a.commitTransition(ctx)
			return view, nil
		}

		a.mu.Lock()
		a.state.Status = sessionstate.StatusError
		a.state.Error = "pause sandbox: " + err.Error()
		a.state.Touch(time.Now())
		view := a.state.View()
		a.mu.Unlock()
		a.commitTransition(ctx)
		return view, err
	}

	sessionobs.RecordSandboxOperation("pause", "ok")
	a.mu.Lock()
	a.state.SnapshotID = snapshotID
	a.state.SandboxID = ""
	a.state.SandboxURL = ""
	a.state.AgentSessionID = ""
	a.state.Status = sessionstate.StatusPaused
	a.state.Touch(time.Now())
	view := a.state.View()
	a.mu.Unlock()
	a.commitTransition(ctx)
	return view, nil
}

// Resume implements the resume pipeline of spec §4.5.6.
func (a *Actor) Resume(ctx context.Context) (view sessionstate.SessionStateView, err error) {
	start := time.Now()
	defer func() { recordCommand("resume", start, err) }()
	return a.invoke(ctx, "resume", func() (sessionstate.SessionStateView, error) {
		a.mu.RLock()
		status := a.state.Status
		snapshotID := a.state.SnapshotID
		a.mu.RUnlock()

		if snapshotID == "" {
			return a.rejected(sessionerrors.NoSandbox, "no snapshot to resume from")
		}
		if status != sessionstate.StatusPaused {
			return a.rejected(sessionerrors.BadRequest, "session is not paused")
		}

		return a.runResumePipeline(ctx, snapshotID)
	})
}

// runResumePipeline performs the resume sequence against an already
// known snapshotID. It is also called inline from the prompt pipeline
// (spec §4.5.4 step 3 and its sandbox-lost branch) — callers already
// running inside the mailbox must call this directly, never through
// Resume, to avoid deadlocking the single-writer loop on itself.
func (a *Actor) runResumePipeline(ctx context.Context, snapshotID string) (sessionstate.SessionStateView, error) {
	opCtx, cancel := context.WithCancel(ctx)
	a.setOpCancel(cancel)
	defer func() {
		cancel()
		a.clearOpCancel()
	}()

	a.mu.Lock()
	a.state.Status = sessionstate.StatusStarting
	a.state.Touch(time.Now())
	a.mu.Unlock()
	a.commitTransition(ctx)

	result, err := a.sandbox.ResumeSandbox(opCtx, snapshotID)
	if err != nil {
		sessionobs.RecordSandboxOperation("resume", "error")
		return a.failResume(ctx, "resume sandbox: "+err.Error(), err)
	}
	sessionobs.RecordSandboxOperation("resume", "ok")

	if err := a.sandbox.WaitHealthy(opCtx, result.TunnelURL); err != nil {
		return a.failResume(ctx, "sandbox did not become healthy after resume: "+err.Error(), err)
	}

	agentSessionID, err := a.sandbox.CreateAgentSession(opCtx, result.TunnelURL)
	if err != nil {
		return a.failResume(ctx, "create agent session after resume: "+err.Error(), err)
	}

	// A resume always mints a fresh agent session id; per spec §9 Open
	// Question 3, the prior conversation stays in messages but is not
	// replayed into the agent server.
	a.mu.Lock()
	a.state.SandboxID = result.SandboxID
	a.state.SandboxURL = result.TunnelURL
	a.state.AgentSessionID = agentSessionID
	a.state.Status = sessionstate.StatusRunning
	a.state.Error = ""
	a.state.Touch(time.Now())
	view := a.state.View()
	a.mu.Unlock()
	a.commitTransition(ctx)
	return view, nil
}

func (a *Actor) failResume(ctx context.Context, message string, cause error) (sessionstate.SessionStateView, error) {
	a.mu.Lock()
	a.state.Status = sessionstate.StatusError
	a.state.Error = message
	a.state.Touch(time.Now())
	view := a.state.View()
	a.mu.Unlock()
	a.commitTransition(ctx)
	return view, cause
}
