// ABOUTME: Tool call status tracker for one generation run
// ABOUTME: Statuses only move forward; out-of-order events are tolerated

package chat

import "encoding/json"

// Tool call statuses. Transitions are forward-only: pending -> running ->
// completed/failed. A status never moves backward.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// trackedCall is the tracker's record of one tool invocation.
type trackedCall struct {
	ID        string
	Name      string
	Arguments json.RawMessage
	Output    string
	Status    string
}

// toolTracker follows tool call lifecycles within a single run. It is a
// pure state machine owned by the run goroutine, so no locking.
type toolTracker struct {
	calls map[string]*trackedCall
	order []string
}

func newToolTracker() *toolTracker {
	return &toolTracker{calls: make(map[string]*trackedCall)}
}

// Start records a tool call entering execution. Restarting a terminal call
// is ignored.
func (t *toolTracker) Start(id, name string, args json.RawMessage) *trackedCall {
	c, ok := t.calls[id]
	if !ok {
		c = &trackedCall{ID: id, Name: name, Arguments: args, Status: StatusPending}
		t.calls[id] = c
		t.order = append(t.order, id)
	}
	if c.Status == StatusPending {
		c.Status = StatusRunning
	}
	return c
}

// Finish records a terminal result. An end without a matching start creates
// the record implicitly so a provider that skips start events still yields a
// consistent transcript. Finishing an already-terminal call is ignored.
func (t *toolTracker) Finish(id, name, output string, failed bool) *trackedCall {
	c, ok := t.calls[id]
	if !ok {
		c = &trackedCall{ID: id, Name: name, Status: StatusRunning}
		t.calls[id] = c
		t.order = append(t.order, id)
	}
	if c.Status == StatusCompleted || c.Status == StatusFailed {
		return c
	}
	c.Output = output
	if failed {
		c.Status = StatusFailed
	} else {
		c.Status = StatusCompleted
	}
	return c
}

// Outputs returns the outputs of all terminal calls, in start order.
func (t *toolTracker) Outputs() []string {
	var out []string
	for _, id := range t.order {
		c := t.calls[id]
		if c.Status == StatusCompleted || c.Status == StatusFailed {
			out = append(out, c.Output)
		}
	}
	return out
}

// Abandoned returns calls still pending or running. A lone start with no
// matching end is cleaned up at run close without failing the run.
func (t *toolTracker) Abandoned() []*trackedCall {
	var out []*trackedCall
	for _, id := range t.order {
		c := t.calls[id]
		if c.Status == StatusPending || c.Status == StatusRunning {
			out = append(out, c)
		}
	}
	return out
}
