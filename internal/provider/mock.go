// ABOUTME: Scripted in-memory provider for tests and offline development
// ABOUTME: Plays back queued turns and records the requests it received

package provider

import (
	"context"
	"sync"
)

// MockTurn is one scripted completion result.
type MockTurn struct {
	Deltas   []string // streamed before the terminal result
	Response *Response
	Err      error
	Thinking bool // emit a thinking/thinking_done bracket
}

// MockProvider plays back scripted turns in order. When the script runs out
// it repeats the last turn. Safe for concurrent use.
type MockProvider struct {
	IDVal   string
	NameVal string
	Caps    Capabilities

	mu       sync.Mutex
	turns    []MockTurn
	next     int
	Requests []*Request
}

// NewMock creates a mock provider with the given scripted turns.
func NewMock(id string, caps Capabilities, turns ...MockTurn) *MockProvider {
	return &MockProvider{IDVal: id, NameVal: id, Caps: caps, turns: turns}
}

func (m *MockProvider) ID() string                 { return m.IDVal }
func (m *MockProvider) Name() string               { return m.NameVal }
func (m *MockProvider) Capabilities() Capabilities { return m.Caps }

// Enqueue appends a turn to the script.
func (m *MockProvider) Enqueue(t MockTurn) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.turns = append(m.turns, t)
}

func (m *MockProvider) Complete(ctx context.Context, req *Request, onEvent func(StreamEvent)) (*Response, error) {
	m.mu.Lock()
	m.Requests = append(m.Requests, req)
	if len(m.turns) == 0 {
		m.mu.Unlock()
		return &Response{Text: "ok"}, nil
	}
	turn := m.turns[m.next]
	if m.next < len(m.turns)-1 {
		m.next++
	}
	m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if onEvent != nil {
		if turn.Thinking {
			onEvent(StreamEvent{Kind: EventThinking})
			onEvent(StreamEvent{Kind: EventThinkingDone})
		}
		for _, d := range turn.Deltas {
			onEvent(StreamEvent{Kind: EventDelta, Text: d})
		}
	}

	if turn.Err != nil {
		return nil, turn.Err
	}
	if turn.Response != nil {
		return turn.Response, nil
	}
	return &Response{}, nil
}

var _ Provider = (*MockProvider)(nil)
