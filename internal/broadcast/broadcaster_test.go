// ABOUTME: Tests for the event broadcaster fan-out and subscription table
// ABOUTME: Validates per-key delivery, drop-on-overflow, and unregister

package broadcast

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moltis/gateway/internal/protocol"
)

// fakeSink collects frames; full simulates an overflowing queue.
type fakeSink struct {
	id     string
	frames []*protocol.Frame
	full   bool
}

func (s *fakeSink) ConnID() string { return s.id }

func (s *fakeSink) TrySend(f *protocol.Frame) bool {
	if s.full {
		return false
	}
	s.frames = append(s.frames, f)
	return true
}

func tickFrame(t *testing.T) *protocol.Frame {
	t.Helper()
	f, err := protocol.NewEvent(protocol.EventTick, &protocol.TickEvent{})
	require.NoError(t, err)
	return f
}

func TestBroadcaster_PublishToSubscribers(t *testing.T) {
	b := New(nil)
	subscribed := &fakeSink{id: "c1"}
	other := &fakeSink{id: "c2"}

	b.Register(subscribed)
	b.Register(other)
	b.Subscribe("c1", "main")

	b.Publish("main", tickFrame(t))

	assert.Len(t, subscribed.frames, 1)
	assert.Empty(t, other.frames)
}

func TestBroadcaster_SubscribeRequiresRegistration(t *testing.T) {
	b := New(nil)
	sink := &fakeSink{id: "ghost"}

	// Subscribe without Register is a no-op.
	b.Subscribe("ghost", "main")
	b.Register(sink)
	b.Publish("main", tickFrame(t))

	assert.Empty(t, sink.frames)
}

func TestBroadcaster_PublishAll(t *testing.T) {
	b := New(nil)
	s1 := &fakeSink{id: "c1"}
	s2 := &fakeSink{id: "c2"}
	b.Register(s1)
	b.Register(s2)

	b.PublishAll(tickFrame(t))

	assert.Len(t, s1.frames, 1)
	assert.Len(t, s2.frames, 1)
}

func TestBroadcaster_SlowSinkDoesNotBlockOthers(t *testing.T) {
	b := New(nil)
	slow := &fakeSink{id: "slow", full: true}
	fast := &fakeSink{id: "fast"}
	b.Register(slow)
	b.Register(fast)
	b.Subscribe("slow", "main")
	b.Subscribe("fast", "main")

	b.Publish("main", tickFrame(t))

	assert.Empty(t, slow.frames)
	assert.Len(t, fast.frames, 1)
}

func TestBroadcaster_UnregisterRemovesSubscriptions(t *testing.T) {
	b := New(nil)
	sink := &fakeSink{id: "c1"}
	b.Register(sink)
	b.Subscribe("c1", "main")
	b.Subscribe("c1", "session:other")

	b.Unregister("c1")
	b.Publish("main", tickFrame(t))
	b.Publish("session:other", tickFrame(t))

	assert.Empty(t, sink.frames)
	assert.Equal(t, 0, b.ConnCount())
}

func TestBroadcaster_Unsubscribe(t *testing.T) {
	b := New(nil)
	sink := &fakeSink{id: "c1"}
	b.Register(sink)
	b.Subscribe("c1", "main")
	b.Unsubscribe("c1", "main")

	b.Publish("main", tickFrame(t))
	assert.Empty(t, sink.frames)
}
