// ABOUTME: Provider abstraction for chat completion backends
// ABOUTME: Defines request/response types, streaming events, and capabilities

package provider

import (
	"context"
	"encoding/json"
)

// Capabilities declares what a model behind a provider can accept.
type Capabilities struct {
	Vision bool
	Tools  bool
}

// Content is one part of a message: text or an image. A message with only
// text has a single text part.
type Content struct {
	Text     string
	ImageURL string // data: or https: URL; empty for text parts
}

// IsImage reports whether the part carries an image.
func (c Content) IsImage() bool { return c.ImageURL != "" }

// Message is one entry of the conversation sent to a provider.
type Message struct {
	Role       string // "system", "user", "assistant", "tool"
	Parts      []Content
	ToolCalls  []ToolCall // assistant messages that requested tools
	ToolCallID string     // for role "tool": which call this result answers
}

// Text flattens the message's text parts.
func (m Message) Text() string {
	var out string
	for _, p := range m.Parts {
		if !p.IsImage() {
			out += p.Text
		}
	}
	return out
}

// TextMessage builds a single-part text message.
func TextMessage(role, text string) Message {
	return Message{Role: role, Parts: []Content{{Text: text}}}
}

// ToolSchema describes one callable tool advertised to the model.
type ToolSchema struct {
	Name        string
	Description string
	Parameters  json.RawMessage // JSON Schema object
}

// ToolCall is a model-requested tool invocation.
type ToolCall struct {
	ID        string
	Name      string
	Arguments json.RawMessage
}

// Usage carries token accounting reported by the provider.
type Usage struct {
	InputTokens  int64
	OutputTokens int64
}

// Request is one completion attempt against a provider.
type Request struct {
	Model    string
	Messages []Message
	Tools    []ToolSchema
}

// Response is the terminal result of a completion.
type Response struct {
	Text      string
	ToolCalls []ToolCall
	Usage     Usage
}

// Stream event kinds emitted while a completion is in flight.
const (
	EventThinking     = "thinking"
	EventThinkingDone = "thinking_done"
	EventDelta        = "delta"
)

// StreamEvent is a progress notification during a completion. Delta events
// carry incremental text; thinking events bracket the model's reasoning
// phase for providers that surface one.
type StreamEvent struct {
	Kind string
	Text string
}

// Provider is one chat completion backend. Complete blocks until the model
// produces a terminal result, invoking onEvent for streaming progress along
// the way. onEvent may be nil.
type Provider interface {
	// ID is the stable configured identifier, unique within a chain.
	ID() string
	// Name is the human-readable provider name for logs and errors.
	Name() string
	Capabilities() Capabilities
	Complete(ctx context.Context, req *Request, onEvent func(StreamEvent)) (*Response, error)
}
