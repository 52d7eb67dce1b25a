// ABOUTME: Fan-out broadcaster delivering events to subscribed connections
// ABOUTME: Owns the session-key to connection-id lookup; sinks never block it

package broadcast

import (
	"log/slog"
	"sync"

	"github.com/moltis/gateway/internal/protocol"
)

// Sink is the outbound side of one connection. TrySend must never block:
// implementations enqueue onto a bounded queue and report false on overflow
// so a slow consumer cannot stall generation progress.
type Sink interface {
	ConnID() string
	TrySend(f *protocol.Frame) bool
}

// Broadcaster delivers chat, session, and approval events to every
// connection subscribed to the originating session key. Subscriptions are
// owned here as a key -> conn-id table; connections hold only keys, never
// references into sessions.
type Broadcaster struct {
	mu    sync.RWMutex
	sinks map[string]Sink                // connID -> sink
	subs  map[string]map[string]struct{} // sessionKey -> connIDs
	keys  map[string]map[string]struct{} // connID -> sessionKeys (reverse index)

	logger *slog.Logger
}

// New creates a broadcaster. Pass nil logger for default.
func New(logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		sinks:  make(map[string]Sink),
		subs:   make(map[string]map[string]struct{}),
		keys:   make(map[string]map[string]struct{}),
		logger: logger.With("component", "broadcaster"),
	}
}

// Register adds a connection sink. Until registered, a connection receives
// no events.
func (b *Broadcaster) Register(sink Sink) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sinks[sink.ConnID()] = sink
}

// Unregister removes a connection and all its subscriptions.
func (b *Broadcaster) Unregister(connID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.sinks, connID)
	for key := range b.keys[connID] {
		delete(b.subs[key], connID)
		if len(b.subs[key]) == 0 {
			delete(b.subs, key)
		}
	}
	delete(b.keys, connID)
}

// Subscribe adds a connection to a session key's audience.
func (b *Broadcaster) Subscribe(connID, sessionKey string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.sinks[connID]; !ok {
		return
	}
	if _, ok := b.subs[sessionKey]; !ok {
		b.subs[sessionKey] = make(map[string]struct{})
	}
	b.subs[sessionKey][connID] = struct{}{}
	if _, ok := b.keys[connID]; !ok {
		b.keys[connID] = make(map[string]struct{})
	}
	b.keys[connID][sessionKey] = struct{}{}

	b.logger.Debug("subscriber added", "session_key", sessionKey, "conn_id", connID)
}

// Unsubscribe removes one connection from one session key's audience.
func (b *Broadcaster) Unsubscribe(connID, sessionKey string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.subs[sessionKey], connID)
	if len(b.subs[sessionKey]) == 0 {
		delete(b.subs, sessionKey)
	}
	delete(b.keys[connID], sessionKey)
}

// Publish delivers an event to every connection subscribed to the session
// key. Per connection the emission order is preserved by the sink's queue;
// no ordering holds across connections. Events are dropped for sinks that
// report overflow.
func (b *Broadcaster) Publish(sessionKey string, f *protocol.Frame) {
	b.mu.RLock()
	targets := make([]Sink, 0, len(b.subs[sessionKey]))
	for connID := range b.subs[sessionKey] {
		if sink, ok := b.sinks[connID]; ok {
			targets = append(targets, sink)
		}
	}
	b.mu.RUnlock()

	for _, sink := range targets {
		if !sink.TrySend(f) {
			b.logger.Debug("dropped event for slow subscriber",
				"session_key", sessionKey,
				"conn_id", sink.ConnID(),
				"event", f.Event)
		}
	}
}

// PublishAll delivers an event to every registered connection regardless of
// subscriptions. Used for session lifecycle, credential changes, and ticks.
func (b *Broadcaster) PublishAll(f *protocol.Frame) {
	b.mu.RLock()
	targets := make([]Sink, 0, len(b.sinks))
	for _, sink := range b.sinks {
		targets = append(targets, sink)
	}
	b.mu.RUnlock()

	for _, sink := range targets {
		if !sink.TrySend(f) {
			b.logger.Debug("dropped broadcast for slow subscriber",
				"conn_id", sink.ConnID(),
				"event", f.Event)
		}
	}
}

// ConnCount returns the number of registered connections.
func (b *Broadcaster) ConnCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.sinks)
}
