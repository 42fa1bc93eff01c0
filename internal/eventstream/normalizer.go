// Package eventstream implements the Session Agent's C3 component: it
// turns raw agent-server SSE events into an ordered sequence of typed
// MessageParts for the current assistant message, applying the echo
// filter and the tool-field alias table from spec §4.3.
package eventstream

import (
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aixgo-dev/session-agent/pkg/sessionstate"
)

// RawPart is the tagged union of every field shape the agent server's
// event stream has been observed to emit for one part. Keeping every
// alias in one struct, per the design note in spec §9 ("Runtime
// reflection"), means adding a new alias is a one-line change here
// rather than a new type.
type RawPart struct {
	Type string `json:"type"`

	// Text fields.
	Text string `json:"text"`

	// Identity aliases.
	ID       string `json:"id"`
	CallID   string `json:"callID"`
	ToolCall string `json:"toolCallId"`

	// Name aliases.
	Tool     string `json:"tool"`
	Name     string `json:"name"`
	ToolName string `json:"toolName"`

	// Nested state object some agent-server variants wrap
	// input/output/status inside.
	State *RawToolState `json:"state"`

	// Flat-field variants of the same data.
	Input     json.RawMessage `json:"input"`
	Arguments json.RawMessage `json:"arguments"`
	Output    json.RawMessage `json:"output"`
	Result    json.RawMessage `json:"result"`
	Status    string          `json:"status"`
}

// RawToolState is the nested shape some agent-server variants use for
// tool input/output/status instead of flat fields.
type RawToolState struct {
	Input  json.RawMessage `json:"input"`
	Output json.RawMessage `json:"output"`
	Status string          `json:"status"`
}

// toolPartTypes collects every part.type alias that denotes a tool
// invocation.
var toolPartTypes = map[string]bool{
	"tool":             true,
	"tool-call":        true,
	"tool_call":        true,
	"tool-invocation":  true,
	"tool_use":         true,
}

// toolStateAliases maps every raw status string observed in the wild to
// a normalized sessionstate.ToolCallState.
var toolStateAliases = map[string]sessionstate.ToolCallState{
	"pending":   sessionstate.ToolStatePending,
	"running":   sessionstate.ToolStateRunning,
	"completed": sessionstate.ToolStateCompleted,
	"error":     sessionstate.ToolStateError,
	"success":   sessionstate.ToolStateCompleted,
	"failed":    sessionstate.ToolStateError,
}

func normalizeToolState(raw string) sessionstate.ToolCallState {
	if state, ok := toolStateAliases[raw]; ok {
		return state
	}
	return sessionstate.ToolStateRunning
}

// trackedPart is one part being accumulated across SSE updates, plus
// the monotonic counter used to order it against its siblings.
type trackedPart struct {
	part        sessionstate.MessagePart
	firstSeenAt int64
}

// Normalizer accumulates MessageParts for one in-flight assistant
// message. Feed and Parts hold an internal mutex, so it is safe for
// concurrent use; the Session Actor feeds it events one at a time from
// its single-writer command loop.
type Normalizer struct {
	mu sync.Mutex

	echoText string

	seq          int64
	parts        map[string]*trackedPart
	order        []string
	currentTextID string
}

// New creates a Normalizer for one prompt. echoText is the user's
// prompt text: any text part whose content exactly matches it is
// discarded (the echo filter).
func New(echoText string) *Normalizer {
	return &Normalizer{
		echoText: echoText,
		parts:    make(map[string]*trackedPart),
	}
}

// Classify converts one message.part.updated event's inner "part" JSON
// into a MessagePart, or nil if the part should be dropped (an echoed
// user prompt, or empty text). It has no side effects on the
// Normalizer's tracked state — call Feed to both classify and track.
func Classify(raw json.RawMessage, echoText string) *sessionstate.MessagePart {
	var p RawPart
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil
	}
	return classifyPart(&p, echoText)
}

func classifyPart(p *RawPart, echoText string) *sessionstate.MessagePart {
	if toolPartTypes[p.Type] {
		return classifyToolPart(p)
	}
	if p.Type == "text" || p.Type == "" {
		if p.Text == "" || p.Text == echoText {
			return nil
		}
		return &sessionstate.MessagePart{Text: p.Text}
	}
	return nil
}

func classifyToolPart(p *RawPart) *sessionstate.MessagePart {
	name := firstNonEmpty(p.Tool, p.Name, p.ToolName, "unknown")
	id := firstNonEmpty(p.ID, p.CallID, p.ToolCall)
	if id == "" {
		id = uuid.NewString()
	}

	var input, output json.RawMessage
	status := p.Status
	if p.State != nil {
		input = p.State.Input
		output = p.State.Output
		if p.State.Status != "" {
			status = p.State.Status
		}
	}
	input = firstNonEmptyRaw(input, p.Input, p.Arguments)
	output = firstNonEmptyRaw(output, p.Output, p.Result)

	arguments := map[string]any{}
	if len(input) > 0 {
		_ = json.Unmarshal(input, &arguments)
	}

	var result any
	if len(output) > 0 {
		_ = json.Unmarshal(output, &result)
	}

	return &sessionstate.MessagePart{
		Tool: &sessionstate.ToolCall{
			ID:        id,
			Name:      name,
			Arguments: arguments,
			Result:    result,
			State:     normalizeToolState(status),
		},
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func firstNonEmptyRaw(values ...json.RawMessage) json.RawMessage {
	for _, v := range values {
		if len(v) > 0 {
			return v
		}
	}
	return nil
}

// Feed classifies one raw "part" payload from a message.part.updated
// event and folds it into the Normalizer's tracked parts, per the part
// id precedence and text-coalescing rules of spec §4.3. index is the
// event's properties.index field, or -1 if the event carried none.
func (n *Normalizer) Feed(raw json.RawMessage, index int) {
	var p RawPart
	if err := json.Unmarshal(raw, &p); err != nil {
		return
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	if toolPartTypes[p.Type] {
		classified := classifyToolPart(&p)
		// A later update for the same call may carry only some fields
		// (e.g. output and status); keep what earlier updates supplied.
		if prev, ok := n.parts[classified.Tool.ID]; ok && prev.part.Tool != nil {
			if len(classified.Tool.Arguments) == 0 {
				classified.Tool.Arguments = prev.part.Tool.Arguments
			}
			if classified.Tool.Result == nil {
				classified.Tool.Result = prev.part.Tool.Result
			}
		}
		n.track(classified.Tool.ID, *classified)
		// A tool part interrupts text coalescing: the next text update
		// starts a new part.
		n.currentTextID = ""
		return
	}

	if p.Type != "text" && p.Type != "" {
		return
	}
	if p.Text == "" || p.Text == n.echoText {
		return
	}

	// Precedence: part.id -> "text-"+index -> reuse current text part
	// id -> "text-"+now_ms (suffixed with the next sequence number if a
	// part created in the same millisecond already holds that id).
	id := p.ID
	if id == "" && index >= 0 {
		id = "text-" + strconv.Itoa(index)
	}
	if id == "" {
		id = n.currentTextID
	}
	if id == "" {
		id = "text-" + strconv.FormatInt(time.Now().UnixMilli(), 10)
		if _, taken := n.parts[id]; taken {
			id += "-" + strconv.FormatInt(n.seq+1, 10)
		}
	}

	n.track(id, sessionstate.MessagePart{Text: p.Text})
	n.currentTextID = id
}

// track inserts or overwrites the stored part for id, recording
// firstSeenAt only the first time id is observed.
func (n *Normalizer) track(id string, part sessionstate.MessagePart) {
	existing, ok := n.parts[id]
	if !ok {
		n.seq++
		existing = &trackedPart{firstSeenAt: n.seq}
		n.parts[id] = existing
		n.order = append(n.order, id)
	}
	existing.part = part
}

// Parts returns the canonical ordered parts list: every tracked part
// sorted by firstSeenAt, with empty text parts and tool parts missing a
// ToolCall filtered out.
func (n *Normalizer) Parts() []sessionstate.MessagePart {
	n.mu.Lock()
	defer n.mu.Unlock()

	ids := make([]string, len(n.order))
	copy(ids, n.order)

	out := make([]sessionstate.MessagePart, 0, len(ids))
	for _, id := range ids {
		tp, ok := n.parts[id]
		if !ok {
			continue
		}
		if tp.part.IsText() && tp.part.Text == "" {
			continue
		}
		if !tp.part.IsText() && tp.part.Tool == nil {
			continue
		}
		out = append(out, tp.part)
	}
	return out
}
