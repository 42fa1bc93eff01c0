// Package sessionstate defines the Session Agent's durable data model and
// the storage abstraction it is persisted through.
package sessionstate

import "time"

// Status is the Session Actor's state-machine position.
type Status string

const (
	StatusIdle     Status = "idle"
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusPaused   Status = "paused"
	StatusError    Status = "error"
)

// Role identifies who authored a Message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// ToolCallState is the lifecycle of a single tool invocation.
type ToolCallState string

const (
	ToolStatePending   ToolCallState = "pending"
	ToolStateRunning   ToolCallState = "running"
	ToolStateCompleted ToolCallState = "completed"
	ToolStateError     ToolCallState = "error"
)

// ToolCall describes one tool invocation surfaced inside an assistant message.
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
	Result    any            `json:"result,omitempty"`
	State     ToolCallState  `json:"state"`
}

// MessagePart is a tagged union: exactly one of Text or Tool is set.
type MessagePart struct {
	Text string    `json:"text,omitempty"`
	Tool *ToolCall `json:"tool,omitempty"`
}

// IsText reports whether this part carries a text span.
func (p MessagePart) IsText() bool { return p.Tool == nil }

// Message is one turn in a session's transcript.
type Message struct {
	ID        string        `json:"id"`
	Role      Role          `json:"role"`
	Parts     []MessagePart `json:"parts"`
	Timestamp int64         `json:"timestamp"`
}

// SessionState is the root entity of one session, persisted on every
// meaningful transition. Touch keeps updatedAt non-decreasing; the
// other invariants (sandbox refs vs. status, isProcessing only while
// running) are maintained by internal/sessionactor's transitions, not
// checked by this package.
type SessionState struct {
	SessionID string `json:"sessionId"`
	Repo      string `json:"repo"`
	UserID    string `json:"userId"`

	SelectedModel string `json:"selectedModel,omitempty"`
	Provider      string `json:"provider,omitempty"`

	SandboxID  string `json:"sandboxId,omitempty"`
	SandboxURL string `json:"sandboxUrl,omitempty"`
	// BranchName is the git branch provisioned for this sandbox
	// (e.g. "opencode/session-<ts>"); informational only, not one of
	// the invariant-bearing fields below.
	BranchName string `json:"branchName,omitempty"`

	SnapshotID     string `json:"snapshotId,omitempty"`
	AgentSessionID string `json:"agentSessionId,omitempty"`

	Status       Status `json:"status"`
	IsProcessing bool   `json:"isProcessing"`

	Messages         []Message `json:"messages"`
	StreamingMessage *Message  `json:"streamingMessage,omitempty"`

	Error string `json:"error,omitempty"`

	CreatedAt int64 `json:"createdAt"`
	UpdatedAt int64 `json:"updatedAt"`
}

// SessionStateView is SessionState as delivered to clients: the
// streamingMessage, if any, is appended to Messages and the raw field is
// never exposed.
type SessionStateView struct {
	SessionID string `json:"sessionId"`
	Repo      string `json:"repo"`
	UserID    string `json:"userId"`

	SelectedModel string `json:"selectedModel,omitempty"`
	Provider      string `json:"provider,omitempty"`

	SandboxID  string `json:"sandboxId,omitempty"`
	SandboxURL string `json:"sandboxUrl,omitempty"`
	BranchName string `json:"branchName,omitempty"`

	SnapshotID     string `json:"snapshotId,omitempty"`
	AgentSessionID string `json:"agentSessionId,omitempty"`

	Status       Status `json:"status"`
	IsProcessing bool   `json:"isProcessing"`

	Messages []Message `json:"messages"`

	Error string `json:"error,omitempty"`

	CreatedAt int64 `json:"createdAt"`
	UpdatedAt int64 `json:"updatedAt"`
}

// View projects a SessionState into its client-visible form, folding any
// in-progress streaming message onto the end of Messages.
func (s *SessionState) View() SessionStateView {
	messages := s.Messages
	if s.StreamingMessage != nil {
		messages = make([]Message, len(s.Messages)+1)
		copy(messages, s.Messages)
		messages[len(s.Messages)] = *s.StreamingMessage
	}

	return SessionStateView{
		SessionID:      s.SessionID,
		Repo:           s.Repo,
		UserID:         s.UserID,
		SelectedModel:  s.SelectedModel,
		Provider:       s.Provider,
		SandboxID:      s.SandboxID,
		SandboxURL:     s.SandboxURL,
		BranchName:     s.BranchName,
		SnapshotID:     s.SnapshotID,
		AgentSessionID: s.AgentSessionID,
		Status:         s.Status,
		IsProcessing:   s.IsProcessing,
		Messages:       messages,
		Error:          s.Error,
		CreatedAt:      s.CreatedAt,
		UpdatedAt:      s.UpdatedAt,
	}
}

// Touch bumps UpdatedAt to at least the given time, keeping invariant 6
// (updatedAt is non-decreasing across durable writes).
func (s *SessionState) Touch(now time.Time) {
	ms := now.UnixMilli()
	if ms <= s.UpdatedAt {
		ms = s.UpdatedAt + 1
	}
	s.UpdatedAt = ms
}

// NewSessionState constructs a fresh, idle session state.
func NewSessionState(sessionID, repo, userID string, now time.Time) *SessionState {
	ms := now.UnixMilli()
	return &SessionState{
		SessionID: sessionID,
		Repo:      repo,
		UserID:    userID,
		Status:    StatusIdle,
		CreatedAt: ms,
		UpdatedAt: ms,
	}
}
