package sessionactor

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/aixgo-dev/session-agent/internal/broadcast"
	"github.com/aixgo-dev/session-agent/internal/eventstream"
	"github.com/aixgo-dev/session-agent/pkg/sandboxclient"
	"github.com/aixgo-dev/session-agent/pkg/sessionerrors"
	"github.com/aixgo-dev/session-agent/pkg/sessionobs"
	"github.com/aixgo-dev/session-agent/pkg/sessionstate"
)

// Pipeline timing budgets. Vars rather than consts so tests can shrink
// idleWaitBudget instead of actually waiting out the spec's 5-minute
// timeout for the S5/S6 timeout-recovery scenarios.
var (
	sseWarmupBudget   = 3 * time.Second
	idleWaitBudget    = 5 * time.Minute
	checkpointPeriod  = 2 * time.Second
	tailGracePeriod   = 200 * time.Millisecond
	healthProbeBudget = 5 * time.Second
)

// Prompt runs the prompt pipeline of spec §4.5.4: it checks
// reachability against the current status (recovering a dead or
// paused sandbox inline where the state machine allows it), then hands
// off to runPromptPipeline. Preconditions that reject without mutating
// state (Busy, NotReady, NoSandbox) are checked before any mutation,
// matching the "no state change" policy of spec §7's error table.
func (a *Actor) Prompt(ctx context.Context, text string) (view sessionstate.SessionStateView, err error) {
	start := time.Now()
	defer func() { recordCommand("prompt", start, err) }()
	return a.invoke(ctx, "prompt", func() (sessionstate.SessionStateView, error) {
		a.mu.RLock()
		isProcessing := a.state.IsProcessing
		status := a.state.Status
		sandboxURL := a.state.SandboxURL
		snapshotID := a.state.SnapshotID
		a.mu.RUnlock()

		if isProcessing {
			return a.rejected(sessionerrors.Busy, "a prompt is already in flight")
		}

		switch status {
		case sessionstate.StatusRunning:
			probeCtx, cancel := context.WithTimeout(ctx, healthProbeBudget)
			healthErr := a.sandbox.CheckHealth(probeCtx, sandboxURL)
			cancel()
			if healthErr != nil {
				if snapshotID == "" {
					a.markSandboxLost(ctx, "sandbox unreachable")
					return a.rejected(sessionerrors.SandboxLost, "sandbox unreachable")
				}
				a.mu.Lock()
				a.state.SandboxID = ""
				a.state.SandboxURL = ""
				a.state.AgentSessionID = ""
				a.state.Status = sessionstate.StatusPaused
				a.state.Touch(time.Now())
				a.mu.Unlock()
				a.commitTransition(ctx)

				if _, err := a.runResumePipeline(ctx, snapshotID); err != nil {
					return a.GetState(), sessionerrors.New(sessionerrors.SandboxLost, "sandbox unreachable and resume failed: "+err.Error())
				}
			}

		case sessionstate.StatusPaused, sessionstate.StatusIdle, sessionstate.StatusError:
			if snapshotID == "" {
				return a.rejected(sessionerrors.NoSandbox, "no running sandbox and no snapshot")
			}
			if _, err := a.runResumePipeline(ctx, snapshotID); err != nil {
				return a.GetState(), sessionerrors.New(sessionerrors.SandboxLost, "resume failed: "+err.Error())
			}

		case sessionstate.StatusStarting:
			return a.rejected(sessionerrors.NotReady, "sandbox is starting")

		default:
			return a.rejected(sessionerrors.NoSandbox, "no running sandbox and no snapshot")
		}

		return a.runPromptPipeline(ctx, text)
	})
}

// runPromptPipeline implements steps 2, 4-11 of spec §4.5.4 plus its
// timeout-recovery branch. The caller must already have confirmed the
// session is (or has just become) running.
func (a *Actor) runPromptPipeline(ctx context.Context, text string) (sessionstate.SessionStateView, error) {
	pipelineStart := time.Now()
	now := pipelineStart
	userMsg := sessionstate.Message{
		ID:        uuid.NewString(),
		Role:      sessionstate.RoleUser,
		Parts:     []sessionstate.MessagePart{{Text: text}},
		Timestamp: now.UnixMilli(),
	}

	a.mu.Lock()
	a.state.Messages = append(a.state.Messages, userMsg)
	a.state.IsProcessing = true
	a.mu.Unlock()
	a.commitTransition(ctx)
	a.upsertMessageAsync(userMsg)

	a.mu.RLock()
	sandboxURL := a.state.SandboxURL
	agentSessionID := a.state.AgentSessionID
	provider := a.state.Provider
	selectedModel := a.state.SelectedModel
	a.mu.RUnlock()

	var model *sandboxclient.ModelSelector
	if provider != "" || selectedModel != "" {
		model = &sandboxclient.ModelSelector{ProviderID: provider, ModelID: selectedModel}
	}

	opCtx, cancel := context.WithCancel(ctx)
	a.setOpCancel(cancel)
	defer func() {
		cancel()
		a.clearOpCancel()
	}()

	assistantMessageID := uuid.NewString()
	normalizer := eventstream.New(text)

	events, subErr := a.sandbox.SubscribeEvents(opCtx, sandboxURL)
	if subErr != nil {
		log.Printf("sessionactor[%s]: subscribe events: %v", a.sessionID, subErr)
		events = nil
	}

	a.awaitConnected(opCtx, events, normalizer, assistantMessageID)

	sendErr := a.sandbox.SendPrompt(opCtx, sandboxURL, agentSessionID, text, model)
	if sendErr != nil {
		cancel()
		a.broadcaster.FlushAndStop()
		var sbErr *sandboxclient.Error
		if errors.As(sendErr, &sbErr) && sbErr.Kind.Retryable() {
			view := a.recoverFromTimeoutOrFailure(ctx, assistantMessageID, normalizer, sandboxURL, agentSessionID, text,
				"send prompt failed: "+sendErr.Error())
			sessionobs.RecordPrompt("timeout", time.Since(pipelineStart))
			return view, nil
		}
		view := a.commitPromptResult(ctx, assistantMessageID, nil, "Error: "+sendErr.Error())
		sessionobs.RecordPrompt("error", time.Since(pipelineStart))
		return view, nil
	}

	timedOut := a.streamUntilIdleOrTimeout(ctx, opCtx, events, normalizer, assistantMessageID)

	cancel()
	a.drainTailEvents(events, normalizer, assistantMessageID)
	a.broadcaster.FlushAndStop()

	if timedOut {
		view := a.recoverFromTimeoutOrFailure(ctx, assistantMessageID, normalizer, sandboxURL, agentSessionID, text, "prompt timed out")
		sessionobs.RecordPrompt("timeout", time.Since(pipelineStart))
		return view, nil
	}

	authoritative := a.fetchAuthoritativeParts(ctx, sandboxURL, agentSessionID, text)
	streamed := normalizer.Parts()
	parts := choosePromptParts(authoritative, streamed)
	view := a.commitPromptResult(ctx, assistantMessageID, parts, "")
	sessionobs.RecordPrompt("completed", time.Since(pipelineStart))
	return view, nil
}

// awaitConnected waits up to 3 s for server.connected, processing any
// events that arrive meanwhile. It proceeds regardless of whether the
// event showed up — the warm-up timeout never fails the command.
func (a *Actor) awaitConnected(ctx context.Context, events <-chan sandboxclient.RawEvent, normalizer *eventstream.Normalizer, assistantMessageID string) {
	timer := time.NewTimer(sseWarmupBudget)
	defer timer.Stop()

	for {
		select {
		case <-timer.C:
			return
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			a.processEvent(assistantMessageID, normalizer, evt)
			if evt.Type == "server.connected" {
				return
			}
		}
	}
}

// streamUntilIdleOrTimeout consumes events until session.idle, the
// stream ends, the 5-minute idle-wait budget elapses, or ctx is
// canceled (by Stop). It returns true when the loop ended for any
// reason other than a clean session.idle.
func (a *Actor) streamUntilIdleOrTimeout(ctx, opCtx context.Context, events <-chan sandboxclient.RawEvent, normalizer *eventstream.Normalizer, assistantMessageID string) bool {
	ticker := time.NewTicker(checkpointPeriod)
	defer ticker.Stop()
	timeout := time.NewTimer(idleWaitBudget)
	defer timeout.Stop()

	for {
		select {
		case evt, ok := <-events:
			if !ok {
				return true
			}
			a.processEvent(assistantMessageID, normalizer, evt)
			if evt.Type == "session.idle" {
				return false
			}
		case <-ticker.C:
			a.persistStreamingCheckpoint(ctx, assistantMessageID, normalizer)
		case <-timeout.C:
			return true
		case <-opCtx.Done():
			return true
		}
	}
}

// drainTailEvents gives the SSE pump a brief grace period to deliver
// events already in flight when the subscription is canceled.
func (a *Actor) drainTailEvents(events <-chan sandboxclient.RawEvent, normalizer *eventstream.Normalizer, assistantMessageID string) {
	if events == nil {
		return
	}
	grace := time.NewTimer(tailGracePeriod)
	defer grace.Stop()
	for {
		select {
		case evt, ok := <-events:
			if !ok {
				return
			}
			a.processEvent(assistantMessageID, normalizer, evt)
		case <-grace.C:
			return
		}
	}
}

// processEvent forwards a raw SSE event as a broadcast "event" frame
// and, for message.part.updated, feeds the inner part to the
// normalizer and broadcasts the updated streaming parts.
func (a *Actor) processEvent(assistantMessageID string, normalizer *eventstream.Normalizer, evt sandboxclient.RawEvent) {
	if raw, err := json.Marshal(evt); err == nil {
		a.broadcaster.BroadcastEvent(raw)
	}

	if evt.Type != "message.part.updated" {
		return
	}

	var props struct {
		Part  json.RawMessage `json:"part"`
		Index *int            `json:"index"`
	}
	if err := json.Unmarshal(evt.Properties, &props); err != nil || len(props.Part) == 0 {
		return
	}
	index := -1
	if props.Index != nil {
		index = *props.Index
	}
	normalizer.Feed(props.Part, index)

	a.broadcaster.BroadcastStreaming(broadcast.StreamingPayload{
		MessageID: assistantMessageID,
		Parts:     normalizer.Parts(),
	})
}

// persistStreamingCheckpoint durably writes the in-progress assistant
// message without broadcasting, per spec §4.5.4 step 7's 2 s
// checkpoint.
func (a *Actor) persistStreamingCheckpoint(ctx context.Context, assistantMessageID string, normalizer *eventstream.Normalizer) {
	a.mu.Lock()
	a.state.StreamingMessage = &sessionstate.Message{
		ID:        assistantMessageID,
		Role:      sessionstate.RoleAssistant,
		Parts:     normalizer.Parts(),
		Timestamp: time.Now().UnixMilli(),
	}
	a.mu.Unlock()
	a.persist(ctx)
}

// fetchAuthoritativeParts retrieves the final message list and
// extracts the last assistant message's parts, normalized through the
// same classifier used for streamed parts. Returns nil if the fetch
// failed, returned no recognizable shape, or had no assistant message.
func (a *Actor) fetchAuthoritativeParts(ctx context.Context, sandboxURL, agentSessionID, echoText string) []sessionstate.MessagePart {
	fetchCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	messages, err := a.sandbox.FetchMessages(fetchCtx, sandboxURL, agentSessionID)
	if err != nil || messages == nil {
		return nil
	}

	var last *sandboxclient.RawMessage
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "assistant" {
			last = &messages[i]
			break
		}
	}
	if last == nil {
		return nil
	}

	parts := make([]sessionstate.MessagePart, 0, len(last.Parts))
	for _, raw := range last.Parts {
		if p := eventstream.Classify(raw, echoText); p != nil {
			parts = append(parts, *p)
		}
	}
	return parts
}

// choosePromptParts implements spec §4.5.4 step 9's tie-break: the
// authoritative fetch wins unless it came back empty, or it reports no
// tool parts while the stream saw at least one (a sign the fetch raced
// ahead of the agent server finishing its own write).
func choosePromptParts(authoritative, streamed []sessionstate.MessagePart) []sessionstate.MessagePart {
	if len(authoritative) == 0 {
		return streamed
	}
	if countToolParts(authoritative) == 0 && countToolParts(streamed) >= 1 {
		return streamed
	}
	return authoritative
}

func countToolParts(parts []sessionstate.MessagePart) int {
	n := 0
	for _, p := range parts {
		if !p.IsText() {
			n++
		}
	}
	return n
}

// recoverFromTimeoutOrFailure implements spec §4.5.4's timeout
// recovery: one more fetch attempt, then partial streamed content with
// a system-role warning, then a bare system-role error note.
func (a *Actor) recoverFromTimeoutOrFailure(ctx context.Context, assistantMessageID string, normalizer *eventstream.Normalizer, sandboxURL, agentSessionID, echoText, failureMessage string) sessionstate.SessionStateView {
	if authoritative := a.fetchAuthoritativeParts(ctx, sandboxURL, agentSessionID, echoText); len(authoritative) > 0 {
		return a.commitPromptResult(ctx, assistantMessageID, authoritative, "")
	}

	if streamed := normalizer.Parts(); len(streamed) > 0 {
		return a.commitPromptResult(ctx, assistantMessageID, streamed,
			"⚠️ Response timed out. Partial content shown above. The AI may still be processing — try refreshing in a moment.")
	}

	return a.commitPromptResult(ctx, assistantMessageID, nil, "Error: "+failureMessage)
}

// commitPromptResult appends the assistant message (and, if
// systemNote is non-empty, a trailing system-role message), clears
// streamingMessage, ends processing, commits the transition, syncs
// both messages to the DB, and attempts the non-fatal auto-snapshot.
func (a *Actor) commitPromptResult(ctx context.Context, assistantMessageID string, parts []sessionstate.MessagePart, systemNote string) sessionstate.SessionStateView {
	assistantMsg := sessionstate.Message{
		ID:        assistantMessageID,
		Role:      sessionstate.RoleAssistant,
		Parts:     parts,
		Timestamp: time.Now().UnixMilli(),
	}

	a.mu.Lock()
	a.state.Messages = append(a.state.Messages, assistantMsg)
	a.state.StreamingMessage = nil
	a.state.IsProcessing = false
	a.state.Touch(time.Now())
	a.mu.Unlock()

	var systemMsg *sessionstate.Message
	if systemNote != "" {
		sm := sessionstate.Message{
			ID:        uuid.NewString(),
			Role:      sessionstate.RoleSystem,
			Parts:     []sessionstate.MessagePart{{Text: systemNote}},
			Timestamp: time.Now().UnixMilli(),
		}
		a.mu.Lock()
		a.state.Messages = append(a.state.Messages, sm)
		a.state.Touch(time.Now())
		a.mu.Unlock()
		systemMsg = &sm
	}

	a.commitTransition(ctx)
	a.upsertMessageAsync(assistantMsg)
	if systemMsg != nil {
		a.upsertMessageAsync(*systemMsg)
	}

	a.autoSnapshot(ctx)

	return a.GetState()
}

// autoSnapshot implements spec §4.5.4 step 11: a non-fatal,
// opportunistic snapshot once a prompt finishes and the sandbox is
// still running and idle.
func (a *Actor) autoSnapshot(ctx context.Context) {
	a.mu.RLock()
	status := a.state.Status
	isProcessing := a.state.IsProcessing
	sandboxID := a.state.SandboxID
	a.mu.RUnlock()

	if status != sessionstate.StatusRunning || isProcessing || sandboxID == "" {
		return
	}

	snapshotID, err := a.sandbox.SnapshotSandbox(context.Background(), sandboxID, true)
	if err != nil {
		sessionobs.RecordSandboxOperation("snapshot", "error")
		log.Printf("sessionactor[%s]: auto-snapshot failed: %v", a.sessionID, err)
		return
	}
	sessionobs.RecordSandboxOperation("snapshot", "ok")

	a.mu.Lock()
	a.state.SnapshotID = snapshotID
	a.state.Touch(time.Now())
	a.mu.Unlock()
	a.commitTransition(ctx)
}
