// ABOUTME: Tests for the tool call status tracker
// ABOUTME: Verifies forward-only transitions and out-of-order tolerance

package chat

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTracker_NormalLifecycle(t *testing.T) {
	tr := newToolTracker()

	c := tr.Start("tc1", "exec", nil)
	assert.Equal(t, StatusRunning, c.Status)

	c = tr.Finish("tc1", "exec", "output", false)
	assert.Equal(t, StatusCompleted, c.Status)
	assert.Equal(t, []string{"output"}, tr.Outputs())
}

func TestTracker_FailedCall(t *testing.T) {
	tr := newToolTracker()
	tr.Start("tc1", "exec", nil)
	c := tr.Finish("tc1", "exec", `{"error":"denied"}`, true)
	assert.Equal(t, StatusFailed, c.Status)
}

func TestTracker_EndWithoutStart(t *testing.T) {
	tr := newToolTracker()

	// An end with no matching start creates the record implicitly.
	c := tr.Finish("orphan", "exec", "out", false)
	assert.Equal(t, StatusCompleted, c.Status)
	assert.Equal(t, []string{"out"}, tr.Outputs())
}

func TestTracker_StatusNeverMovesBackward(t *testing.T) {
	tr := newToolTracker()
	tr.Start("tc1", "exec", nil)
	tr.Finish("tc1", "exec", "first", false)

	// A late start or second finish must not regress the terminal state.
	c := tr.Start("tc1", "exec", nil)
	assert.Equal(t, StatusCompleted, c.Status)

	c = tr.Finish("tc1", "exec", "second", true)
	assert.Equal(t, StatusCompleted, c.Status)
	assert.Equal(t, "first", c.Output)
}

func TestTracker_AbandonedStarts(t *testing.T) {
	tr := newToolTracker()
	tr.Start("lonely", "exec", nil)
	tr.Start("done", "exec", nil)
	tr.Finish("done", "exec", "out", false)

	abandoned := tr.Abandoned()
	assert.Len(t, abandoned, 1)
	assert.Equal(t, "lonely", abandoned[0].ID)

	// Abandoned calls contribute no outputs.
	assert.Equal(t, []string{"out"}, tr.Outputs())
}

func TestTracker_OutputsInStartOrder(t *testing.T) {
	tr := newToolTracker()
	tr.Start("a", "exec", nil)
	tr.Start("b", "exec", nil)
	tr.Finish("b", "exec", "second", false)
	tr.Finish("a", "exec", "first", false)

	assert.Equal(t, []string{"first", "second"}, tr.Outputs())
}
