// ABOUTME: Tests for the approval gate: decisions, expiry, idempotence
// ABOUTME: Uses short timeouts to exercise the expiry path quickly

package approval

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// askAsync starts an Ask in the background and returns the decision channel
// plus the request seen by the notify hook.
func askAsync(t *testing.T, g *Gate, reqCh <-chan *Request) (<-chan string, *Request) {
	t.Helper()
	done := make(chan string, 1)
	go func() {
		d, _ := g.Ask(t.Context(), "main", "exec", "rm -rf /tmp/scratch")
		done <- d
	}()
	select {
	case req := <-reqCh:
		return done, req
	case <-time.After(time.Second):
		t.Fatal("notify hook never fired")
		return nil, nil
	}
}

func newNotifyingGate(timeout time.Duration) (*Gate, chan *Request) {
	reqCh := make(chan *Request, 1)
	g := New(timeout, func(r *Request) { reqCh <- r }, nil)
	return g, reqCh
}

func TestGate_Approve(t *testing.T) {
	g, reqCh := newNotifyingGate(time.Minute)
	done, req := askAsync(t, g, reqCh)

	require.NoError(t, g.Resolve(req.ID, true))
	assert.Equal(t, DecisionApproved, <-done)
}

func TestGate_Deny(t *testing.T) {
	g, reqCh := newNotifyingGate(time.Minute)
	done, req := askAsync(t, g, reqCh)

	require.NoError(t, g.Resolve(req.ID, false))
	assert.Equal(t, DecisionDenied, <-done)
}

func TestGate_Expiry(t *testing.T) {
	g, reqCh := newNotifyingGate(20 * time.Millisecond)
	done, req := askAsync(t, g, reqCh)

	assert.Equal(t, DecisionExpired, <-done)

	// Resolving after expiry reports it was already settled.
	err := g.Resolve(req.ID, true)
	assert.ErrorIs(t, err, ErrAlreadyResolved)
}

func TestGate_FirstDecisionWins(t *testing.T) {
	g, reqCh := newNotifyingGate(time.Minute)
	done, req := askAsync(t, g, reqCh)

	require.NoError(t, g.Resolve(req.ID, false))
	err := g.Resolve(req.ID, true)
	assert.ErrorIs(t, err, ErrAlreadyResolved)
	assert.Equal(t, DecisionDenied, <-done)
}

func TestGate_UnknownRequest(t *testing.T) {
	g := New(time.Minute, nil, nil)
	err := g.Resolve("no-such-id", true)
	assert.ErrorIs(t, err, ErrUnknownRequest)
}

func TestGate_RequestCarriesExpiry(t *testing.T) {
	g, reqCh := newNotifyingGate(time.Minute)
	done, req := askAsync(t, g, reqCh)

	assert.Equal(t, "main", req.SessionKey)
	assert.Equal(t, "exec", req.ToolName)
	assert.True(t, req.ExpiresAt.After(req.CreatedAt))

	require.NoError(t, g.Resolve(req.ID, true))
	<-done
}

func TestGate_Pending(t *testing.T) {
	g, reqCh := newNotifyingGate(time.Minute)
	done, req := askAsync(t, g, reqCh)

	pending := g.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, req.ID, pending[0].ID)

	require.NoError(t, g.Resolve(req.ID, true))
	<-done
	assert.Empty(t, g.Pending())
}

func TestGate_ResolveRacingExpiry_DecisionIsConsistent(t *testing.T) {
	// A resolve that lands as the timer fires must either fail with
	// ErrAlreadyResolved or have its decision honored by Ask; a nil
	// Resolve with an expired run is a contradiction.
	for i := 0; i < 50; i++ {
		g, reqCh := newNotifyingGate(time.Millisecond)
		done, req := askAsync(t, g, reqCh)

		err := g.Resolve(req.ID, true)
		decision := <-done
		if err == nil {
			assert.Equal(t, DecisionApproved, decision)
		} else {
			require.ErrorIs(t, err, ErrAlreadyResolved)
			assert.Equal(t, DecisionExpired, decision)
		}
	}
}

func TestGate_SettledDecisionsExpireAfterTTL(t *testing.T) {
	g, reqCh := newNotifyingGate(time.Minute)
	done, req := askAsync(t, g, reqCh)

	require.NoError(t, g.Resolve(req.ID, true))
	<-done
	assert.ErrorIs(t, g.Resolve(req.ID, true), ErrAlreadyResolved)

	// Age the settled entry past the retention window.
	g.mu.Lock()
	for id, r := range g.resolved {
		r.at = r.at.Add(-resolvedTTL - time.Minute)
		g.resolved[id] = r
	}
	g.mu.Unlock()

	assert.ErrorIs(t, g.Resolve(req.ID, true), ErrUnknownRequest)

	g.mu.Lock()
	remaining := len(g.resolved)
	g.mu.Unlock()
	assert.Zero(t, remaining)
}

func TestGate_ConcurrentResolves(t *testing.T) {
	g, reqCh := newNotifyingGate(time.Minute)
	done, req := askAsync(t, g, reqCh)

	var wg sync.WaitGroup
	successes := make(chan struct{}, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if g.Resolve(req.ID, true) == nil {
				successes <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(successes)

	count := 0
	for range successes {
		count++
	}
	assert.Equal(t, 1, count)
	assert.Equal(t, DecisionApproved, <-done)
}
