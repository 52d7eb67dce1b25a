// ABOUTME: Payload types for the chat, session, and approval event streams
// ABOUTME: Chat events mirror the generation state machine transitions

package protocol

import (
	"encoding/json"
	"time"
)

// Chat event states, one per generation state machine transition.
const (
	ChatStateThinking      = "thinking"
	ChatStateThinkingDone  = "thinking_done"
	ChatStateToolCallStart = "tool_call_start"
	ChatStateToolCallEnd   = "tool_call_end"
	ChatStateDelta         = "delta"
	ChatStateFinal         = "final"
	ChatStateError         = "error"
)

// Error classifications carried by a terminal chat error event.
const (
	ErrorClassAuth        = "authentication"
	ErrorClassRateLimited = "rate_limited"
	ErrorClassUpstream    = "upstream_error"
	ErrorClassGeneric     = "generic"
)

// ToolCallInfo describes one tool invocation inside a chat event.
type ToolCallInfo struct {
	ID        string          `json:"id"`
	Name      string          `json:"name,omitempty"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
	Output    string          `json:"output,omitempty"`
	IsError   bool            `json:"isError,omitempty"`
}

// Usage carries token counts for a completed generation.
type Usage struct {
	InputTokens  int64 `json:"inputTokens"`
	OutputTokens int64 `json:"outputTokens"`
}

// ChatEvent is the payload of every "chat" event.
type ChatEvent struct {
	SessionKey string        `json:"sessionKey"`
	RunID      string        `json:"runId"`
	State      string        `json:"state"`
	Text       string        `json:"text,omitempty"`
	ToolCall   *ToolCallInfo `json:"toolCall,omitempty"`
	Usage      *Usage        `json:"usage,omitempty"`

	// EchoesToolOutput marks a final text that restates tool output already
	// shown. Suppression applies to notification/auto-speak only; the text
	// itself is stored and delivered unmodified.
	EchoesToolOutput bool `json:"echoesToolOutput,omitempty"`

	// Error fields, set only for state "error".
	ErrorClass   string     `json:"errorClass,omitempty"`
	ErrorMessage string     `json:"errorMessage,omitempty"`
	RateResetAt  *time.Time `json:"rateResetAt,omitempty"`
}

// Session event kinds.
const (
	SessionCreated = "created"
	SessionUpdated = "updated"
	SessionDeleted = "deleted"
	SessionCleared = "cleared"
)

// SessionInfo is the client-visible snapshot of a chat session.
type SessionInfo struct {
	Key            string    `json:"key"`
	Label          string    `json:"label"`
	Model          string    `json:"model,omitempty"`
	Project        string    `json:"project,omitempty"`
	Channel        string    `json:"channel,omitempty"`
	WorktreeBranch string    `json:"worktreeBranch,omitempty"`
	Replying       bool      `json:"replying"`
	Unread         bool      `json:"unread"`
	MessageCount   int       `json:"messageCount"`
	Revision       int64     `json:"revision"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// SessionEvent is the payload of every "session" event.
type SessionEvent struct {
	Kind    string       `json:"kind"`
	Session *SessionInfo `json:"session"`
}

// ApprovalRequestEvent announces a gated tool call awaiting a human decision.
type ApprovalRequestEvent struct {
	ID         string    `json:"id"`
	SessionKey string    `json:"sessionKey"`
	Command    string    `json:"command"`
	ExpiresAt  time.Time `json:"expiresAt"`
}

// TickEvent is the periodic liveness broadcast.
type TickEvent struct {
	ServerTime time.Time `json:"serverTime"`
}
