// ABOUTME: Method router mapping wire method names to handlers
// ABOUTME: Translates domain errors into protocol error codes

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/moltis/gateway/internal/approval"
	"github.com/moltis/gateway/internal/protocol"
	"github.com/moltis/gateway/internal/session"
	"github.com/moltis/gateway/internal/store"
)

// Wire methods accepted after the handshake.
const (
	MethodPing            = "ping"
	MethodSessionsList    = "sessions.list"
	MethodSessionsSwitch  = "sessions.switch"
	MethodSessionsResolve = "sessions.resolve"
	MethodSessionsPatch   = "sessions.patch"
	MethodSessionsDelete  = "sessions.delete"
	MethodChatSend        = "chat.send"
	MethodChatClear       = "chat.clear"
	MethodChatContext     = "chat.context"
	MethodApprovalResolve = "exec.approval.resolve"
	MethodModelsList      = "models.list"
)

type handlerFunc func(ctx context.Context, c *conn, params json.RawMessage) (any, *protocol.Frame)

// dispatch routes one request frame. Handlers return either a payload or a
// ready-made error frame.
func (g *Gateway) dispatch(ctx context.Context, c *conn, frame *protocol.Frame) *protocol.Frame {
	if frame.Method == protocol.MethodConnect {
		// Repeating connect after the handshake is a no-op confirmation.
		payload := &protocol.HelloPayload{
			Type:     "hello-ok",
			Protocol: c.protocol,
			Server:   protocol.ServerInfo{Name: "moltis-gateway", Version: Version},
		}
		resp, err := protocol.NewResponse(frame.ID, payload)
		if err != nil {
			return protocol.NewErrorResponse(frame.ID, protocol.CodeInternal, "encoding response")
		}
		return resp
	}

	handler, ok := g.handlers[frame.Method]
	if !ok {
		return protocol.NewErrorResponse(frame.ID, protocol.CodeUnknownMethod, "unknown method: "+frame.Method)
	}

	payload, errFrame := handler(ctx, c, frame.Params)
	if errFrame != nil {
		errFrame.ID = frame.ID
		return errFrame
	}
	resp, err := protocol.NewResponse(frame.ID, payload)
	if err != nil {
		g.logger.Error("encoding response", "method", frame.Method, "error", err)
		return protocol.NewErrorResponse(frame.ID, protocol.CodeInternal, "encoding response")
	}
	return resp
}

// errFrame builds a handler error with the ID filled in by dispatch.
func errFrame(code, message string) *protocol.Frame {
	return protocol.NewErrorResponse("", code, message)
}

// mapError converts domain errors into the wire codes clients match on.
func mapError(err error) *protocol.Frame {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return errFrame(protocol.CodeInvalidParams, "session not found")
	case errors.Is(err, session.ErrInvalidKey):
		return errFrame(protocol.CodeInvalidParams, err.Error())
	case errors.Is(err, session.ErrGenerationInProgress):
		return errFrame(protocol.CodeGenerationInProgress, "a generation is already running for this session")
	case errors.Is(err, session.ErrSessionBusy):
		return errFrame(protocol.CodeSessionBusy, "session is busy with an active generation")
	case errors.Is(err, session.ErrMainUndeletable):
		return errFrame(protocol.CodeInvalidParams, "the main session cannot be deleted")
	case errors.Is(err, session.ErrDirtyWorktree):
		return errFrame(protocol.CodeDirtyWorktree, "session worktree has uncommitted changes (use force to delete anyway)")
	default:
		return errFrame(protocol.CodeInternal, err.Error())
	}
}

func (g *Gateway) handlePing(ctx context.Context, c *conn, params json.RawMessage) (any, *protocol.Frame) {
	return map[string]string{"serverTime": time.Now().UTC().Format(time.RFC3339)}, nil
}

func (g *Gateway) handleSessionsList(ctx context.Context, c *conn, params json.RawMessage) (any, *protocol.Frame) {
	list, err := g.sessions.List(ctx)
	if err != nil {
		return nil, mapError(err)
	}
	infos := make([]*protocol.SessionInfo, 0, len(list))
	for _, s := range list {
		infos = append(infos, g.sessions.Snapshot(s))
	}
	return map[string]any{"sessions": infos}, nil
}

type sessionKeyParams struct {
	Key     string `json:"key"`
	Project string `json:"project,omitempty"`
}

type messagePayload struct {
	ID           string    `json:"id"`
	Role         string    `json:"role"`
	Content      string    `json:"content"`
	ToolCallID   string    `json:"toolCallId,omitempty"`
	ToolName     string    `json:"toolName,omitempty"`
	InputTokens  int64     `json:"inputTokens,omitempty"`
	OutputTokens int64     `json:"outputTokens,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
}

func toMessagePayloads(msgs []*store.Message) []*messagePayload {
	out := make([]*messagePayload, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, &messagePayload{
			ID:           m.ID,
			Role:         m.Role,
			Content:      m.Content,
			ToolCallID:   m.ToolCallID,
			ToolName:     m.ToolName,
			InputTokens:  m.InputTokens,
			OutputTokens: m.OutputTokens,
			CreatedAt:    m.CreatedAt,
		})
	}
	return out
}

// handleSessionsSwitch attaches the connection to a session and returns the
// full entry plus history. This payload is the only replay mechanism: a
// reconnecting client re-switches instead of requesting event deltas.
func (g *Gateway) handleSessionsSwitch(ctx context.Context, c *conn, params json.RawMessage) (any, *protocol.Frame) {
	var p sessionKeyParams
	if err := json.Unmarshal(params, &p); err != nil || p.Key == "" {
		return nil, errFrame(protocol.CodeInvalidParams, "key is required")
	}

	sess, history, err := g.sessions.Switch(ctx, p.Key, p.Project)
	if err != nil {
		return nil, mapError(err)
	}

	c.setActiveSession(p.Key)

	return map[string]any{
		"session":  g.sessions.Snapshot(sess),
		"messages": toMessagePayloads(history),
	}, nil
}

func (g *Gateway) handleSessionsResolve(ctx context.Context, c *conn, params json.RawMessage) (any, *protocol.Frame) {
	var p sessionKeyParams
	if err := json.Unmarshal(params, &p); err != nil || p.Key == "" {
		return nil, errFrame(protocol.CodeInvalidParams, "key is required")
	}
	sess, err := g.sessions.CreateOrGet(ctx, p.Key)
	if err != nil {
		return nil, mapError(err)
	}
	return map[string]any{"session": g.sessions.Snapshot(sess)}, nil
}

type sessionsPatchParams struct {
	Key            string  `json:"key"`
	Label          *string `json:"label,omitempty"`
	Model          *string `json:"model,omitempty"`
	Project        *string `json:"project,omitempty"`
	Channel        *string `json:"channel,omitempty"`
	WorktreeBranch *string `json:"worktreeBranch,omitempty"`
	Unread         *bool   `json:"unread,omitempty"`
}

func (g *Gateway) handleSessionsPatch(ctx context.Context, c *conn, params json.RawMessage) (any, *protocol.Frame) {
	var p sessionsPatchParams
	if err := json.Unmarshal(params, &p); err != nil || p.Key == "" {
		return nil, errFrame(protocol.CodeInvalidParams, "key is required")
	}
	sess, err := g.sessions.ApplyPatch(ctx, p.Key, session.Patch{
		Label:          p.Label,
		Model:          p.Model,
		Project:        p.Project,
		Channel:        p.Channel,
		WorktreeBranch: p.WorktreeBranch,
		Unread:         p.Unread,
	})
	if err != nil {
		return nil, mapError(err)
	}
	return map[string]any{"session": g.sessions.Snapshot(sess)}, nil
}

type sessionsDeleteParams struct {
	Key   string `json:"key"`
	Force bool   `json:"force,omitempty"`
}

func (g *Gateway) handleSessionsDelete(ctx context.Context, c *conn, params json.RawMessage) (any, *protocol.Frame) {
	var p sessionsDeleteParams
	if err := json.Unmarshal(params, &p); err != nil || p.Key == "" {
		return nil, errFrame(protocol.CodeInvalidParams, "key is required")
	}
	if err := g.sessions.Delete(ctx, p.Key, p.Force); err != nil {
		return nil, mapError(err)
	}

	// A connection viewing the deleted session falls back to main.
	if c.getActiveSession() == p.Key {
		c.setActiveSession(session.MainKey)
	}
	return map[string]any{"deleted": p.Key}, nil
}

type chatSendParams struct {
	SessionKey string   `json:"sessionKey"`
	Text       string   `json:"text"`
	Images     []string `json:"images,omitempty"`
}

func (g *Gateway) handleChatSend(ctx context.Context, c *conn, params json.RawMessage) (any, *protocol.Frame) {
	var p chatSendParams
	if err := json.Unmarshal(params, &p); err != nil || p.Text == "" {
		return nil, errFrame(protocol.CodeInvalidParams, "text is required")
	}
	if p.SessionKey == "" {
		p.SessionKey = c.getActiveSession()
	}

	runID, err := g.engine.Send(ctx, p.SessionKey, p.Text, p.Images)
	if err != nil {
		return nil, mapError(err)
	}
	return map[string]string{"runId": runID, "sessionKey": p.SessionKey}, nil
}

func (g *Gateway) handleChatClear(ctx context.Context, c *conn, params json.RawMessage) (any, *protocol.Frame) {
	var p sessionKeyParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, errFrame(protocol.CodeInvalidParams, "malformed params")
	}
	if p.Key == "" {
		p.Key = c.getActiveSession()
	}
	sess, err := g.sessions.ClearHistory(ctx, p.Key)
	if err != nil {
		return nil, mapError(err)
	}
	return map[string]any{"session": g.sessions.Snapshot(sess)}, nil
}

type chatContextParams struct {
	Key  string `json:"key"`
	Tail int    `json:"tail,omitempty"`
}

// handleChatContext returns a session snapshot, the tail of its history,
// and cumulative token totals.
func (g *Gateway) handleChatContext(ctx context.Context, c *conn, params json.RawMessage) (any, *protocol.Frame) {
	var p chatContextParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, errFrame(protocol.CodeInvalidParams, "malformed params")
	}
	if p.Key == "" {
		p.Key = c.getActiveSession()
	}
	if p.Tail <= 0 {
		p.Tail = 20
	}

	sess, err := g.sessions.Resolve(ctx, p.Key)
	if err != nil {
		return nil, mapError(err)
	}
	history, err := g.sessions.History(ctx, p.Key)
	if err != nil {
		return nil, mapError(err)
	}

	var inputTokens, outputTokens int64
	for _, m := range history {
		inputTokens += m.InputTokens
		outputTokens += m.OutputTokens
	}
	tail := history
	if len(tail) > p.Tail {
		tail = tail[len(tail)-p.Tail:]
	}

	return map[string]any{
		"session":  g.sessions.Snapshot(sess),
		"messages": toMessagePayloads(tail),
		"usage": &protocol.Usage{
			InputTokens:  inputTokens,
			OutputTokens: outputTokens,
		},
	}, nil
}

type approvalResolveParams struct {
	ID      string `json:"id"`
	Approve bool   `json:"approve"`
}

func (g *Gateway) handleApprovalResolve(ctx context.Context, c *conn, params json.RawMessage) (any, *protocol.Frame) {
	var p approvalResolveParams
	if err := json.Unmarshal(params, &p); err != nil || p.ID == "" {
		return nil, errFrame(protocol.CodeInvalidParams, "id is required")
	}

	err := g.gate.Resolve(p.ID, p.Approve)
	switch {
	case err == nil:
		return map[string]any{"resolved": p.ID}, nil
	case errors.Is(err, approval.ErrAlreadyResolved):
		return nil, errFrame(protocol.CodeInvalidParams, "approval already resolved")
	case errors.Is(err, approval.ErrUnknownRequest):
		return nil, errFrame(protocol.CodeInvalidParams, "unknown approval request")
	default:
		return nil, mapError(err)
	}
}

type modelPayload struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Model    string `json:"model,omitempty"`
	Vision   bool   `json:"vision"`
	Tools    bool   `json:"tools"`
	Priority int    `json:"priority"`
}

func (g *Gateway) handleModelsList(ctx context.Context, c *conn, params json.RawMessage) (any, *protocol.Frame) {
	providers := g.chain.Providers()
	byID := make(map[string]*modelPayload, len(providers))
	out := make([]*modelPayload, 0, len(providers))
	for i, p := range providers {
		caps := p.Capabilities()
		mp := &modelPayload{
			ID:       p.ID(),
			Name:     p.Name(),
			Vision:   caps.Vision,
			Tools:    caps.Tools,
			Priority: i,
		}
		byID[p.ID()] = mp
		out = append(out, mp)
	}
	for _, pc := range g.config.Providers {
		if mp, ok := byID[pc.ID]; ok {
			mp.Model = pc.Model
		}
	}
	return map[string]any{"models": out}, nil
}
