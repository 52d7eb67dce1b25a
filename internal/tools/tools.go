// ABOUTME: Tool interface and registry for model-invocable tools
// ABOUTME: Gated tools require a human approval decision before execution

package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/moltis/gateway/internal/provider"
)

// Tool is one capability the model can invoke during a generation run.
type Tool interface {
	Name() string
	Description() string
	// Schema returns the JSON Schema for the tool's arguments object.
	Schema() json.RawMessage
	// Gated tools require an approval decision before every execution.
	Gated() bool
	// Execute runs the tool. The returned string is fed back to the model;
	// a non-nil error becomes an error-shaped tool result, not a run failure.
	Execute(ctx context.Context, args json.RawMessage) (string, error)
}

// Registry holds the tools advertised to providers.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds a tool, replacing any previous tool of the same name.
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name()] = t
}

// Get returns the named tool.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// List returns all tools sorted by name.
func (r *Registry) List() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Tool, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// Schemas returns the provider-facing schemas for all registered tools.
func (r *Registry) Schemas() []provider.ToolSchema {
	list := r.List()
	out := make([]provider.ToolSchema, 0, len(list))
	for _, t := range list {
		out = append(out, provider.ToolSchema{
			Name:        t.Name(),
			Description: t.Description(),
			Parameters:  t.Schema(),
		})
	}
	return out
}

// Result is the JSON envelope fed back to the model for every tool call.
// Exactly one of Result or Error is set.
type Result struct {
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// EncodeResult wraps a successful tool output. Output that already is valid
// JSON is embedded as-is; anything else is embedded as a JSON string.
func EncodeResult(output string) string {
	var env Result
	if json.Valid([]byte(output)) && output != "" {
		env.Result = json.RawMessage(output)
	} else {
		quoted, _ := json.Marshal(output)
		env.Result = quoted
	}
	data, _ := json.Marshal(env)
	return string(data)
}

// EncodeError wraps a tool failure.
func EncodeError(err error) string {
	data, _ := json.Marshal(Result{Error: err.Error()})
	return string(data)
}

// ErrUnknownTool is returned when the model calls a tool that isn't
// registered.
func ErrUnknownTool(name string) error {
	return fmt.Errorf("unknown tool: %s", name)
}
