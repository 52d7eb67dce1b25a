// ABOUTME: Tests for the generation engine's run state machine
// ABOUTME: Uses scripted mock providers and an in-memory event sink

package chat

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moltis/gateway/internal/approval"
	"github.com/moltis/gateway/internal/broadcast"
	"github.com/moltis/gateway/internal/protocol"
	"github.com/moltis/gateway/internal/provider"
	"github.com/moltis/gateway/internal/session"
	"github.com/moltis/gateway/internal/store"
	"github.com/moltis/gateway/internal/tools"
)

// captureSink records every frame it receives.
type captureSink struct {
	mu     sync.Mutex
	frames []*protocol.Frame
}

func (s *captureSink) ConnID() string { return "test-conn" }

func (s *captureSink) TrySend(f *protocol.Frame) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, f)
	return true
}

func (s *captureSink) chatEvents(t *testing.T) []*protocol.ChatEvent {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*protocol.ChatEvent
	for _, f := range s.frames {
		if f.Event != protocol.EventChat {
			continue
		}
		var ev protocol.ChatEvent
		require.NoError(t, json.Unmarshal(f.Payload, &ev))
		out = append(out, &ev)
	}
	return out
}

func (s *captureSink) states(t *testing.T) []string {
	var out []string
	for _, ev := range s.chatEvents(t) {
		out = append(out, ev.State)
	}
	return out
}

// captureNotifier records notification deliveries.
type captureNotifier struct {
	mu    sync.Mutex
	calls []string
}

func (n *captureNotifier) Notify(_ context.Context, sessionKey, title, body string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, title)
	return nil
}

func (n *captureNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.calls)
}

// fixedTool returns a constant output and is optionally gated.
type fixedTool struct {
	name   string
	output string
	gated  bool
}

func (f *fixedTool) Name() string        { return f.name }
func (f *fixedTool) Description() string { return "test tool" }
func (f *fixedTool) Gated() bool         { return f.gated }
func (f *fixedTool) Schema() json.RawMessage {
	return json.RawMessage(`{"type":"object","properties":{}}`)
}
func (f *fixedTool) Execute(context.Context, json.RawMessage) (string, error) {
	return f.output, nil
}

type testHarness struct {
	engine   *Engine
	sessions *session.Registry
	sink     *captureSink
	notify   *captureNotifier
	gate     *approval.Gate
}

func newHarness(t *testing.T, mock *provider.MockProvider, extraTools ...tools.Tool) *testHarness {
	t.Helper()

	s, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	b := broadcast.New(nil)
	sink := &captureSink{}
	b.Register(sink)
	b.Subscribe(sink.ConnID(), session.MainKey)

	reg := session.New(s, b, nil, "test-model", nil)

	chain := provider.NewChain(nil)
	chain.Add(mock, 0, 0)

	toolReg := tools.NewRegistry()
	for _, tl := range extraTools {
		toolReg.Register(tl)
	}

	gate := approval.New(50*time.Millisecond, nil, nil)
	notify := &captureNotifier{}

	engine := NewEngine(reg, chain, toolReg, gate, b, notify, Options{
		MaxIterations: 5,
		RunTimeout:    5 * time.Second,
	}, nil)

	return &testHarness{engine: engine, sessions: reg, sink: sink, notify: notify, gate: gate}
}

func TestEngine_SimpleReply(t *testing.T) {
	mock := provider.NewMock("m", provider.Capabilities{Tools: true}, provider.MockTurn{
		Deltas:   []string{"Hello", " there"},
		Response: &provider.Response{Text: "Hello there", Usage: provider.Usage{InputTokens: 10, OutputTokens: 5}},
	})
	h := newHarness(t, mock)

	runID, err := h.engine.Send(t.Context(), session.MainKey, "hi", nil)
	require.NoError(t, err)
	assert.NotEmpty(t, runID)
	h.engine.Wait()

	states := h.sink.states(t)
	assert.Equal(t, []string{
		protocol.ChatStateThinking,
		protocol.ChatStateThinkingDone,
		protocol.ChatStateDelta,
		protocol.ChatStateDelta,
		protocol.ChatStateFinal,
	}, states)

	events := h.sink.chatEvents(t)
	final := events[len(events)-1]
	assert.Equal(t, "Hello there", final.Text)
	assert.Equal(t, runID, final.RunID)
	require.NotNil(t, final.Usage)
	assert.Equal(t, int64(10), final.Usage.InputTokens)

	// Exactly one user and one assistant message committed.
	history, err := h.sessions.History(t.Context(), session.MainKey)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, store.RoleUser, history[0].Role)
	assert.Equal(t, store.RoleAssistant, history[1].Role)
	assert.Equal(t, "Hello there", history[1].Content)

	// Generation slot released.
	assert.False(t, h.sessions.Generating(session.MainKey))
	assert.Equal(t, 1, h.notify.count())
}

func TestEngine_RejectsConcurrentSend(t *testing.T) {
	mock := provider.NewMock("m", provider.Capabilities{Tools: true})
	h := newHarness(t, mock)

	require.NoError(t, h.sessions.BeginGeneration(t.Context(), session.MainKey))
	defer h.sessions.EndGeneration(t.Context(), session.MainKey)

	_, err := h.engine.Send(t.Context(), session.MainKey, "hi", nil)
	assert.ErrorIs(t, err, session.ErrGenerationInProgress)
}

func TestEngine_ToolLoop(t *testing.T) {
	call := provider.ToolCall{ID: "tc1", Name: "lookup", Arguments: json.RawMessage(`{}`)}
	mock := provider.NewMock("m", provider.Capabilities{Tools: true},
		provider.MockTurn{Response: &provider.Response{ToolCalls: []provider.ToolCall{call}}},
		provider.MockTurn{Response: &provider.Response{Text: "The answer is 7."}},
	)
	h := newHarness(t, mock, &fixedTool{name: "lookup", output: "7"})

	_, err := h.engine.Send(t.Context(), session.MainKey, "what is it?", nil)
	require.NoError(t, err)
	h.engine.Wait()

	states := h.sink.states(t)
	assert.Contains(t, states, protocol.ChatStateToolCallStart)
	assert.Contains(t, states, protocol.ChatStateToolCallEnd)
	assert.Equal(t, protocol.ChatStateFinal, states[len(states)-1])

	// Tool result committed to durable history before the final text.
	history, err := h.sessions.History(t.Context(), session.MainKey)
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, store.RoleTool, history[1].Role)
	assert.Equal(t, "tc1", history[1].ToolCallID)
	assert.JSONEq(t, `{"result":7}`, history[1].Content)
	assert.Equal(t, store.RoleAssistant, history[2].Role)

	// The second provider call saw the tool result.
	require.Len(t, mock.Requests, 2)
	second := mock.Requests[1].Messages
	assert.Equal(t, "tool", second[len(second)-1].Role)
}

func TestEngine_GatedToolExpiresIntoDenial(t *testing.T) {
	call := provider.ToolCall{ID: "tc1", Name: "danger", Arguments: json.RawMessage(`{}`)}
	mock := provider.NewMock("m", provider.Capabilities{Tools: true},
		provider.MockTurn{Response: &provider.Response{ToolCalls: []provider.ToolCall{call}}},
		provider.MockTurn{Response: &provider.Response{Text: "Understood, not doing that."}},
	)
	h := newHarness(t, mock, &fixedTool{name: "danger", output: "should never run", gated: true})

	_, err := h.engine.Send(t.Context(), session.MainKey, "do it", nil)
	require.NoError(t, err)
	h.engine.Wait()

	// No approval arrived within the gate timeout: the tool result is an
	// error envelope and the run still completes.
	history, err := h.sessions.History(t.Context(), session.MainKey)
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Contains(t, history[1].Content, "approval expired")

	events := h.sink.chatEvents(t)
	var toolEnd *protocol.ChatEvent
	for _, ev := range events {
		if ev.State == protocol.ChatStateToolCallEnd {
			toolEnd = ev
		}
	}
	require.NotNil(t, toolEnd)
	assert.True(t, toolEnd.ToolCall.IsError)
}

func TestEngine_UnknownToolBecomesErrorResult(t *testing.T) {
	call := provider.ToolCall{ID: "tc1", Name: "nonexistent", Arguments: json.RawMessage(`{}`)}
	mock := provider.NewMock("m", provider.Capabilities{Tools: true},
		provider.MockTurn{Response: &provider.Response{ToolCalls: []provider.ToolCall{call}}},
		provider.MockTurn{Response: &provider.Response{Text: "That tool does not exist."}},
	)
	h := newHarness(t, mock)

	_, err := h.engine.Send(t.Context(), session.MainKey, "call it", nil)
	require.NoError(t, err)
	h.engine.Wait()

	history, err := h.sessions.History(t.Context(), session.MainKey)
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Contains(t, history[1].Content, "unknown tool")
}

func TestEngine_ProviderFailure(t *testing.T) {
	mock := provider.NewMock("m", provider.Capabilities{Tools: true}, provider.MockTurn{
		Err: provider.NewRetryable("m", provider.ClassRateLimited, errors.New("429 too many requests")),
	})
	h := newHarness(t, mock)

	_, err := h.engine.Send(t.Context(), session.MainKey, "hi", nil)
	require.NoError(t, err)
	h.engine.Wait()

	events := h.sink.chatEvents(t)
	final := events[len(events)-1]
	assert.Equal(t, protocol.ChatStateError, final.State)
	assert.Equal(t, protocol.ErrorClassRateLimited, final.ErrorClass)

	// No assistant message committed on failure; the user message stays.
	history, err := h.sessions.History(t.Context(), session.MainKey)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, store.RoleUser, history[0].Role)

	assert.False(t, h.sessions.Generating(session.MainKey))
}

func TestEngine_FailedRunKeepsCommittedToolResults(t *testing.T) {
	call := provider.ToolCall{ID: "tc1", Name: "lookup", Arguments: json.RawMessage(`{}`)}
	mock := provider.NewMock("m", provider.Capabilities{Tools: true},
		provider.MockTurn{Response: &provider.Response{ToolCalls: []provider.ToolCall{call}}},
		provider.MockTurn{Err: provider.NewFatal("m", provider.ClassAuth, errors.New("401 unauthorized"))},
	)
	h := newHarness(t, mock, &fixedTool{name: "lookup", output: "7"})

	_, err := h.engine.Send(t.Context(), session.MainKey, "what is it?", nil)
	require.NoError(t, err)
	h.engine.Wait()

	events := h.sink.chatEvents(t)
	final := events[len(events)-1]
	assert.Equal(t, protocol.ChatStateError, final.State)

	// The tool result was committed before the failure and survives it;
	// only the assistant message is withheld.
	history, err := h.sessions.History(t.Context(), session.MainKey)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, store.RoleUser, history[0].Role)
	assert.Equal(t, store.RoleTool, history[1].Role)
	assert.Equal(t, "tc1", history[1].ToolCallID)

	assert.False(t, h.sessions.Generating(session.MainKey))
}

func TestEngine_IterationLimit(t *testing.T) {
	call := provider.ToolCall{ID: "tc", Name: "loop", Arguments: json.RawMessage(`{}`)}
	// The script's last turn repeats forever, so the model always asks for
	// another tool call.
	mock := provider.NewMock("m", provider.Capabilities{Tools: true},
		provider.MockTurn{Response: &provider.Response{ToolCalls: []provider.ToolCall{call}}},
	)
	h := newHarness(t, mock, &fixedTool{name: "loop", output: "again"})

	_, err := h.engine.Send(t.Context(), session.MainKey, "go", nil)
	require.NoError(t, err)
	h.engine.Wait()

	events := h.sink.chatEvents(t)
	final := events[len(events)-1]
	assert.Equal(t, protocol.ChatStateError, final.State)
	assert.Contains(t, final.ErrorMessage, "tool iterations")
}

func TestEngine_EchoSuppressionSkipsNotification(t *testing.T) {
	longOutput := "alpha beta gamma delta epsilon zeta eta theta iota kappa"
	call := provider.ToolCall{ID: "tc1", Name: "lookup", Arguments: json.RawMessage(`{}`)}
	mock := provider.NewMock("m", provider.Capabilities{Tools: true},
		provider.MockTurn{Response: &provider.Response{ToolCalls: []provider.ToolCall{call}}},
		provider.MockTurn{Response: &provider.Response{Text: longOutput}},
	)
	h := newHarness(t, mock, &fixedTool{name: "lookup", output: longOutput})

	_, err := h.engine.Send(t.Context(), session.MainKey, "fetch", nil)
	require.NoError(t, err)
	h.engine.Wait()

	events := h.sink.chatEvents(t)
	final := events[len(events)-1]
	require.Equal(t, protocol.ChatStateFinal, final.State)
	assert.True(t, final.EchoesToolOutput)
	// Text is delivered and stored unmodified despite the flag.
	assert.Equal(t, longOutput, final.Text)
	assert.Zero(t, h.notify.count())

	history, err := h.sessions.History(t.Context(), session.MainKey)
	require.NoError(t, err)
	assert.Equal(t, longOutput, history[len(history)-1].Content)
}

func TestEngine_SystemPromptLeadsTranscript(t *testing.T) {
	mock := provider.NewMock("m", provider.Capabilities{Tools: true}, provider.MockTurn{
		Response: &provider.Response{Text: "ok"},
	})

	s, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	b := broadcast.New(nil)
	reg := session.New(s, b, nil, "", nil)
	chain := provider.NewChain(nil)
	chain.Add(mock, 0, 0)

	engine := NewEngine(reg, chain, tools.NewRegistry(), approval.New(time.Second, nil, nil), b, nil, Options{
		SystemPrompt: "You are terse.",
	}, nil)

	_, err = engine.Send(t.Context(), session.MainKey, "hi", nil)
	require.NoError(t, err)
	engine.Wait()

	require.NotEmpty(t, mock.Requests)
	first := mock.Requests[0].Messages[0]
	assert.Equal(t, "system", first.Role)
	assert.True(t, strings.Contains(first.Text(), "terse"))
}
