// ABOUTME: Ungated clock tool reporting the current server time
// ABOUTME: Useful as a harmless default tool and in tests

package tools

import (
	"context"
	"encoding/json"
	"time"
)

// ClockTool reports the current time. Ungated.
type ClockTool struct {
	// Now is swappable for tests; nil means time.Now.
	Now func() time.Time
}

func (t *ClockTool) Name() string        { return "current_time" }
func (t *ClockTool) Description() string { return "Get the current server time in RFC 3339 format." }
func (t *ClockTool) Gated() bool         { return false }

func (t *ClockTool) Schema() json.RawMessage {
	return json.RawMessage(`{"type": "object", "properties": {}}`)
}

func (t *ClockTool) Execute(ctx context.Context, args json.RawMessage) (string, error) {
	now := time.Now
	if t.Now != nil {
		now = t.Now
	}
	data, err := json.Marshal(map[string]string{"time": now().UTC().Format(time.RFC3339)})
	if err != nil {
		return "", err
	}
	return string(data), nil
}

var _ Tool = (*ClockTool)(nil)
