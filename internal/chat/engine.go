// ABOUTME: Generation engine driving the model/tool loop for chat sends
// ABOUTME: Owns the per-run state machine and its event emission

package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/moltis/gateway/internal/approval"
	"github.com/moltis/gateway/internal/broadcast"
	"github.com/moltis/gateway/internal/protocol"
	"github.com/moltis/gateway/internal/provider"
	"github.com/moltis/gateway/internal/session"
	"github.com/moltis/gateway/internal/store"
	"github.com/moltis/gateway/internal/tools"
)

// DefaultMaxIterations caps model/tool round trips within one run.
const DefaultMaxIterations = 25

// DefaultRunTimeout bounds a whole generation run.
const DefaultRunTimeout = 10 * time.Minute

// Notifier delivers out-of-band notifications for finished runs.
type Notifier interface {
	Notify(ctx context.Context, sessionKey, title, body string) error
}

// Options configures an Engine.
type Options struct {
	SystemPrompt  string
	MaxIterations int
	RunTimeout    time.Duration
}

// Engine runs generations. One run per session at a time; the registry's
// generation slot enforces that.
type Engine struct {
	sessions *session.Registry
	chain    *provider.Chain
	tools    *tools.Registry
	gate     *approval.Gate
	events   *broadcast.Broadcaster
	notify   Notifier
	logger   *slog.Logger

	systemPrompt  string
	maxIterations int
	runTimeout    time.Duration

	wg sync.WaitGroup
}

// NewEngine wires the engine. notify may be nil.
func NewEngine(sessions *session.Registry, chain *provider.Chain, reg *tools.Registry, gate *approval.Gate, events *broadcast.Broadcaster, notify Notifier, opts Options, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.MaxIterations <= 0 {
		opts.MaxIterations = DefaultMaxIterations
	}
	if opts.RunTimeout <= 0 {
		opts.RunTimeout = DefaultRunTimeout
	}
	return &Engine{
		sessions:      sessions,
		chain:         chain,
		tools:         reg,
		gate:          gate,
		events:        events,
		notify:        notify,
		logger:        logger.With("component", "chat"),
		systemPrompt:  opts.SystemPrompt,
		maxIterations: opts.MaxIterations,
		runTimeout:    opts.RunTimeout,
	}
}

// Send starts a generation run for the session. It claims the session's
// generation slot, commits the user message, and returns the run ID while
// the run continues in the background. The run deliberately detaches from
// the caller's context: a dropped connection must not abort generation.
func (e *Engine) Send(ctx context.Context, sessionKey, text string, images []string) (string, error) {
	if err := e.sessions.BeginGeneration(ctx, sessionKey); err != nil {
		return "", err
	}

	if err := e.sessions.AppendMessage(ctx, sessionKey, &store.Message{
		Role:    store.RoleUser,
		Content: text,
	}); err != nil {
		e.sessions.EndGeneration(ctx, sessionKey)
		return "", fmt.Errorf("committing user message: %w", err)
	}

	runID := uuid.New().String()
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		runCtx, cancel := context.WithTimeout(context.Background(), e.runTimeout)
		defer cancel()
		defer e.sessions.EndGeneration(context.Background(), sessionKey)
		e.run(runCtx, sessionKey, runID, images)
	}()

	return runID, nil
}

// Wait blocks until all in-flight runs finish. Used during shutdown.
func (e *Engine) Wait() { e.wg.Wait() }

// run drives the model/tool loop until a final text or terminal error.
func (e *Engine) run(ctx context.Context, sessionKey, runID string, images []string) {
	logger := e.logger.With("session_key", sessionKey, "run_id", runID)

	history, err := e.sessions.History(ctx, sessionKey)
	if err != nil {
		logger.Error("loading history", "error", err)
		e.emitError(sessionKey, runID, protocol.ErrorClassGeneric, "failed to load session history", nil)
		return
	}

	msgs := e.buildTranscript(history, images)
	schemas := e.tools.Schemas()
	tracker := newToolTracker()
	var totalUsage provider.Usage

	for iter := 0; iter < e.maxIterations; iter++ {
		e.emitChat(sessionKey, &protocol.ChatEvent{
			SessionKey: sessionKey,
			RunID:      runID,
			State:      protocol.ChatStateThinking,
		})

		var streamed bool
		onEvent := func(ev provider.StreamEvent) {
			switch ev.Kind {
			case provider.EventDelta:
				if !streamed {
					streamed = true
					e.emitChat(sessionKey, &protocol.ChatEvent{
						SessionKey: sessionKey,
						RunID:      runID,
						State:      protocol.ChatStateThinkingDone,
					})
				}
				e.emitChat(sessionKey, &protocol.ChatEvent{
					SessionKey: sessionKey,
					RunID:      runID,
					State:      protocol.ChatStateDelta,
					Text:       ev.Text,
				})
			case provider.EventThinkingDone:
				if !streamed {
					streamed = true
					e.emitChat(sessionKey, &protocol.ChatEvent{
						SessionKey: sessionKey,
						RunID:      runID,
						State:      protocol.ChatStateThinkingDone,
					})
				}
			}
		}

		req := &provider.Request{Messages: msgs, Tools: schemas}
		resp, err := e.chain.Complete(ctx, req, onEvent)
		if err != nil {
			e.failRun(logger, sessionKey, runID, err)
			return
		}
		if !streamed {
			e.emitChat(sessionKey, &protocol.ChatEvent{
				SessionKey: sessionKey,
				RunID:      runID,
				State:      protocol.ChatStateThinkingDone,
			})
		}

		totalUsage.InputTokens += resp.Usage.InputTokens
		totalUsage.OutputTokens += resp.Usage.OutputTokens

		if len(resp.ToolCalls) == 0 {
			e.finishRun(ctx, logger, sessionKey, runID, resp.Text, totalUsage, tracker)
			return
		}

		// Tool phase. The assistant's request joins the in-run transcript;
		// each result is committed to durable history as it lands so a later
		// error cannot lose completed work.
		msgs = append(msgs, provider.Message{
			Role:      "assistant",
			Parts:     []provider.Content{{Text: resp.Text}},
			ToolCalls: resp.ToolCalls,
		})

		for _, call := range resp.ToolCalls {
			output := e.runTool(ctx, logger, sessionKey, runID, tracker, call)
			msgs = append(msgs, provider.Message{
				Role:       "tool",
				Parts:      []provider.Content{{Text: output}},
				ToolCallID: call.ID,
			})
			if err := e.sessions.AppendMessage(ctx, sessionKey, &store.Message{
				Role:       store.RoleTool,
				Content:    output,
				ToolCallID: call.ID,
				ToolName:   call.Name,
			}); err != nil {
				logger.Error("committing tool result", "tool", call.Name, "error", err)
			}
		}
	}

	logger.Warn("tool iteration limit reached", "limit", e.maxIterations)
	e.emitError(sessionKey, runID, protocol.ErrorClassGeneric,
		fmt.Sprintf("generation stopped after %d tool iterations", e.maxIterations), nil)
	e.pushNotify(ctx, sessionKey, "Generation stopped", "Tool iteration limit reached.")
}

// runTool executes one tool call end to end: approval for gated tools, the
// execution itself, and the start/end events around it. It always returns
// the JSON envelope fed back to the model.
func (e *Engine) runTool(ctx context.Context, logger *slog.Logger, sessionKey, runID string, tracker *toolTracker, call provider.ToolCall) string {
	tracker.Start(call.ID, call.Name, call.Arguments)
	e.emitChat(sessionKey, &protocol.ChatEvent{
		SessionKey: sessionKey,
		RunID:      runID,
		State:      protocol.ChatStateToolCallStart,
		ToolCall: &protocol.ToolCallInfo{
			ID:        call.ID,
			Name:      call.Name,
			Arguments: call.Arguments,
		},
	})

	output, isErr := e.executeTool(ctx, logger, sessionKey, call)

	tracker.Finish(call.ID, call.Name, output, isErr)
	e.emitChat(sessionKey, &protocol.ChatEvent{
		SessionKey: sessionKey,
		RunID:      runID,
		State:      protocol.ChatStateToolCallEnd,
		ToolCall: &protocol.ToolCallInfo{
			ID:      call.ID,
			Name:    call.Name,
			Output:  output,
			IsError: isErr,
		},
	})
	return output
}

func (e *Engine) executeTool(ctx context.Context, logger *slog.Logger, sessionKey string, call provider.ToolCall) (output string, isErr bool) {
	tool, ok := e.tools.Get(call.Name)
	if !ok {
		return tools.EncodeError(tools.ErrUnknownTool(call.Name)), true
	}

	if tool.Gated() {
		command := string(call.Arguments)
		if et, ok := tool.(*tools.ExecTool); ok {
			command = et.Command(call.Arguments)
		}
		decision, err := e.gate.Ask(ctx, sessionKey, call.Name, command)
		if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			logger.Warn("approval failed", "tool", call.Name, "error", err)
		}
		switch decision {
		case approval.DecisionApproved:
		case approval.DecisionExpired:
			return tools.EncodeError(errors.New("approval expired: execution denied")), true
		default:
			return tools.EncodeError(errors.New("execution denied by user")), true
		}
	}

	result, err := tool.Execute(ctx, call.Arguments)
	if err != nil {
		logger.Warn("tool execution failed", "tool", call.Name, "error", err)
		return tools.EncodeError(err), true
	}
	return tools.EncodeResult(result), false
}

// finishRun commits the single assistant message of a successful run and
// emits the final event. Echo suppression only affects notification
// delivery; the text is stored and sent unmodified either way.
func (e *Engine) finishRun(ctx context.Context, logger *slog.Logger, sessionKey, runID, text string, usage provider.Usage, tracker *toolTracker) {
	if abandoned := tracker.Abandoned(); len(abandoned) > 0 {
		logger.Debug("run finished with unterminated tool calls", "count", len(abandoned))
	}

	if err := e.sessions.AppendMessage(ctx, sessionKey, &store.Message{
		Role:         store.RoleAssistant,
		Content:      text,
		InputTokens:  usage.InputTokens,
		OutputTokens: usage.OutputTokens,
	}); err != nil {
		logger.Error("committing assistant message", "error", err)
		e.emitError(sessionKey, runID, protocol.ErrorClassGeneric, "failed to store reply", nil)
		return
	}

	echoes := echoesToolOutput(text, tracker.Outputs())
	e.emitChat(sessionKey, &protocol.ChatEvent{
		SessionKey: sessionKey,
		RunID:      runID,
		State:      protocol.ChatStateFinal,
		Text:       text,
		Usage: &protocol.Usage{
			InputTokens:  usage.InputTokens,
			OutputTokens: usage.OutputTokens,
		},
		EchoesToolOutput: echoes,
	})

	logger.Info("generation finished",
		"input_tokens", usage.InputTokens,
		"output_tokens", usage.OutputTokens,
		"echoes_tool_output", echoes)

	if !echoes {
		e.pushNotify(ctx, sessionKey, "Reply ready", text)
	}
}

// failRun translates a chain failure into a terminal error event. Completed
// tool results stay in history; no assistant message is committed.
func (e *Engine) failRun(logger *slog.Logger, sessionKey, runID string, err error) {
	class := protocol.ErrorClassGeneric
	var resetAt *time.Time

	var chainErr *provider.ChainError
	if errors.As(err, &chainErr) {
		class = mapErrorClass(chainErr.Class())
		resetAt = chainErr.ResetAt()
	} else if pe, ok := provider.AsError(err); ok {
		class = mapErrorClass(pe.Class)
		resetAt = pe.ResetAt
	} else if errors.Is(err, context.DeadlineExceeded) {
		class = protocol.ErrorClassUpstream
	}

	logger.Warn("generation failed", "class", class, "error", err)
	e.emitError(sessionKey, runID, class, err.Error(), resetAt)
	e.pushNotify(context.Background(), sessionKey, "Generation failed", err.Error())
}

func mapErrorClass(class string) string {
	switch class {
	case provider.ClassAuth:
		return protocol.ErrorClassAuth
	case provider.ClassRateLimited:
		return protocol.ErrorClassRateLimited
	case provider.ClassUpstream:
		return protocol.ErrorClassUpstream
	default:
		return protocol.ErrorClassGeneric
	}
}

// buildTranscript converts durable history into provider messages. Stored
// tool results need a preceding assistant tool-call entry for strict
// providers, so one is synthesized per contiguous group.
func (e *Engine) buildTranscript(history []*store.Message, images []string) []provider.Message {
	var msgs []provider.Message
	if e.systemPrompt != "" {
		msgs = append(msgs, provider.TextMessage("system", e.systemPrompt))
	}

	var pendingCalls []provider.ToolCall
	var pendingResults []provider.Message
	flush := func() {
		if len(pendingCalls) == 0 {
			return
		}
		msgs = append(msgs, provider.Message{Role: "assistant", ToolCalls: pendingCalls})
		msgs = append(msgs, pendingResults...)
		pendingCalls = nil
		pendingResults = nil
	}

	for _, m := range history {
		if m.Role == store.RoleTool {
			pendingCalls = append(pendingCalls, provider.ToolCall{
				ID:        m.ToolCallID,
				Name:      m.ToolName,
				Arguments: json.RawMessage(`{}`),
			})
			pendingResults = append(pendingResults, provider.Message{
				Role:       "tool",
				Parts:      []provider.Content{{Text: m.Content}},
				ToolCallID: m.ToolCallID,
			})
			continue
		}
		flush()
		msgs = append(msgs, provider.TextMessage(m.Role, m.Content))
	}
	flush()

	// Attach this turn's images to the latest user message.
	if len(images) > 0 {
		for i := len(msgs) - 1; i >= 0; i-- {
			if msgs[i].Role == store.RoleUser {
				for _, url := range images {
					msgs[i].Parts = append(msgs[i].Parts, provider.Content{ImageURL: url})
				}
				break
			}
		}
	}
	return msgs
}

func (e *Engine) emitChat(sessionKey string, ev *protocol.ChatEvent) {
	frame, err := protocol.NewEvent(protocol.EventChat, ev)
	if err != nil {
		e.logger.Error("encoding chat event", "error", err)
		return
	}
	e.events.Publish(sessionKey, frame)
}

func (e *Engine) emitError(sessionKey, runID, class, message string, resetAt *time.Time) {
	e.emitChat(sessionKey, &protocol.ChatEvent{
		SessionKey:   sessionKey,
		RunID:        runID,
		State:        protocol.ChatStateError,
		ErrorClass:   class,
		ErrorMessage: message,
		RateResetAt:  resetAt,
	})
}

func (e *Engine) pushNotify(ctx context.Context, sessionKey, title, body string) {
	if e.notify == nil {
		return
	}
	if err := e.notify.Notify(ctx, sessionKey, title, body); err != nil {
		e.logger.Warn("notification delivery failed", "session_key", sessionKey, "error", err)
	}
}
