// ABOUTME: Approval gate for gated tool executions with expiry
// ABOUTME: First decision wins; unresolved requests expire to denial

package approval

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultTimeout is how long a request waits for a human decision before it
// expires. Expiry denies the execution.
const DefaultTimeout = 120 * time.Second

// resolvedTTL bounds how long settled decisions are remembered for
// idempotent resolve checks. Older entries report ErrUnknownRequest.
const resolvedTTL = 5 * time.Minute

// Decisions.
const (
	DecisionApproved = "approved"
	DecisionDenied   = "denied"
	DecisionExpired  = "expired"
)

var (
	// ErrUnknownRequest means the approval ID doesn't match a pending
	// request.
	ErrUnknownRequest = errors.New("unknown approval request")

	// ErrAlreadyResolved means a decision already landed for this request.
	// The first decision wins; later ones are rejected, not overwritten.
	ErrAlreadyResolved = errors.New("approval already resolved")
)

// Request is one pending approval.
type Request struct {
	ID         string
	SessionKey string
	ToolName   string
	Command    string
	CreatedAt  time.Time
	ExpiresAt  time.Time
}

type pending struct {
	req      *Request
	decision chan string
}

type resolution struct {
	decision string
	at       time.Time
}

// Gate tracks pending approval requests. Ask blocks the generation run
// until a decision arrives or the timeout fires.
type Gate struct {
	timeout time.Duration
	notify  func(*Request) // announce a new pending request; may be nil
	logger  *slog.Logger

	mu       sync.Mutex
	pending  map[string]*pending
	resolved map[string]resolution // recent decisions, for idempotent resolve
}

// New creates a gate. timeout <= 0 uses DefaultTimeout. notify is invoked
// for every new request so the gateway can broadcast it.
func New(timeout time.Duration, notify func(*Request), logger *slog.Logger) *Gate {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{
		timeout:  timeout,
		notify:   notify,
		logger:   logger.With("component", "approval"),
		pending:  make(map[string]*pending),
		resolved: make(map[string]resolution),
	}
}

// Ask registers a request and blocks until it is approved, denied, or
// expired. Context cancellation counts as denial. The returned decision is
// always one of the Decision constants.
func (g *Gate) Ask(ctx context.Context, sessionKey, toolName, command string) (string, error) {
	now := time.Now()
	req := &Request{
		ID:         uuid.New().String(),
		SessionKey: sessionKey,
		ToolName:   toolName,
		Command:    command,
		CreatedAt:  now,
		ExpiresAt:  now.Add(g.timeout),
	}
	p := &pending{req: req, decision: make(chan string, 1)}

	g.mu.Lock()
	g.pending[req.ID] = p
	g.mu.Unlock()

	g.logger.Info("approval requested",
		"approval_id", req.ID,
		"session_key", sessionKey,
		"tool", toolName)

	if g.notify != nil {
		g.notify(req)
	}

	timer := time.NewTimer(g.timeout)
	defer timer.Stop()

	select {
	case d := <-p.decision:
		return d, nil
	case <-timer.C:
		if !g.finish(req.ID, DecisionExpired) {
			// A resolve landed in the same instant; its decision wins.
			return <-p.decision, nil
		}
		g.logger.Info("approval expired", "approval_id", req.ID)
		return DecisionExpired, nil
	case <-ctx.Done():
		if !g.finish(req.ID, DecisionDenied) {
			return <-p.decision, ctx.Err()
		}
		return DecisionDenied, ctx.Err()
	}
}

// Resolve records a decision for a pending request. approve=true approves,
// false denies. The first resolution wins: a second call returns
// ErrAlreadyResolved, and resolving after expiry does too.
func (g *Gate) Resolve(id string, approve bool) error {
	decision := DecisionDenied
	if approve {
		decision = DecisionApproved
	}

	g.mu.Lock()
	now := time.Now()
	g.pruneResolvedLocked(now)
	p, ok := g.pending[id]
	if !ok {
		_, wasResolved := g.resolved[id]
		g.mu.Unlock()
		if wasResolved {
			return ErrAlreadyResolved
		}
		return ErrUnknownRequest
	}
	delete(g.pending, id)
	g.resolved[id] = resolution{decision: decision, at: now}
	g.mu.Unlock()

	p.decision <- decision
	g.logger.Info("approval resolved", "approval_id", id, "decision", decision)
	return nil
}

// Pending returns a snapshot of all unresolved requests.
func (g *Gate) Pending() []*Request {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]*Request, 0, len(g.pending))
	for _, p := range g.pending {
		out = append(out, p.req)
	}
	return out
}

// finish moves a request from pending to resolved without delivering a
// decision (the waiter already knows). It reports false when the request
// already left pending, meaning a concurrent Resolve won and its decision
// is sitting in the buffered channel.
func (g *Gate) finish(id, decision string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.pending[id]; !ok {
		return false
	}
	delete(g.pending, id)
	g.resolved[id] = resolution{decision: decision, at: time.Now()}
	return true
}

// pruneResolvedLocked drops settled decisions older than resolvedTTL.
// Callers hold g.mu.
func (g *Gate) pruneResolvedLocked(now time.Time) {
	for id, r := range g.resolved {
		if now.Sub(r.at) > resolvedTTL {
			delete(g.resolved, id)
		}
	}
}
