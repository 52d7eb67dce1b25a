// ABOUTME: Tests for webhook notification delivery and duplicate suppression
// ABOUTME: Uses httptest servers to observe delivered payloads

package push

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWebhookNotifier_Delivers(t *testing.T) {
	var got webhookPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
	}))
	defer srv.Close()

	n := NewWebhook(srv.URL, nil)
	defer n.Close()

	require.NoError(t, n.Notify(t.Context(), "main", "Reply ready", "hello"))
	assert.Equal(t, "main", got.SessionKey)
	assert.Equal(t, "Reply ready", got.Title)
	assert.Equal(t, "hello", got.Body)
	assert.NotEmpty(t, got.Timestamp)
}

func TestWebhookNotifier_SuppressesDuplicates(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	n := NewWebhook(srv.URL, nil)
	defer n.Close()

	require.NoError(t, n.Notify(t.Context(), "main", "title", "body"))
	require.NoError(t, n.Notify(t.Context(), "main", "title", "body"))
	assert.Equal(t, int32(1), hits.Load())

	// A different body is a different notification.
	require.NoError(t, n.Notify(t.Context(), "main", "title", "other"))
	assert.Equal(t, int32(2), hits.Load())
}

func TestWebhookNotifier_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	n := NewWebhook(srv.URL, nil)
	defer n.Close()

	err := n.Notify(t.Context(), "main", "title", "body")
	assert.ErrorContains(t, err, "502")
}

func TestWebhookNotifier_Unreachable(t *testing.T) {
	n := NewWebhook("http://127.0.0.1:1/none", nil)
	defer n.Close()

	assert.Error(t, n.Notify(t.Context(), "main", "title", "body"))
}

func TestNoop(t *testing.T) {
	assert.NoError(t, Noop{}.Notify(t.Context(), "k", "t", "b"))
}

func TestDedupeCache_TTLExpiry(t *testing.T) {
	c := newDedupeCache(20*time.Millisecond, 10)
	defer c.close()

	assert.False(t, c.checkAndMark("k"))
	assert.True(t, c.checkAndMark("k"))

	time.Sleep(30 * time.Millisecond)
	assert.False(t, c.checkAndMark("k"))
}

func TestDedupeCache_EvictsOldestAtCapacity(t *testing.T) {
	c := newDedupeCache(time.Minute, 2)
	defer c.close()

	assert.False(t, c.checkAndMark("a"))
	assert.False(t, c.checkAndMark("b"))
	assert.False(t, c.checkAndMark("c")) // evicts a

	assert.False(t, c.checkAndMark("a"))
	assert.True(t, c.checkAndMark("c"))
}

func TestDedupeCache_CloseIdempotent(t *testing.T) {
	c := newDedupeCache(time.Minute, 10)
	c.close()
	c.close()
}
