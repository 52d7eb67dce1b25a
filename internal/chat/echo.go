// ABOUTME: Detects final replies that merely restate tool output
// ABOUTME: Suppression affects notification delivery only, never the text

package chat

import "strings"

// minEchoLength is the shortest normalized text considered for echo
// detection. Short replies ("done", "42") legitimately overlap tool output.
const minEchoLength = 24

// normalizeEcho lowercases and strips whitespace and backticks so that
// formatting differences don't hide a restatement.
func normalizeEcho(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range strings.ToLower(s) {
		switch r {
		case ' ', '\t', '\n', '\r', '`':
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// echoesToolOutput reports whether the final text is substantially a copy of
// one of the run's tool outputs. Containment is checked in both directions:
// the reply quoting the output, or the output containing the whole reply.
func echoesToolOutput(final string, outputs []string) bool {
	nf := normalizeEcho(final)
	if len(nf) < minEchoLength {
		return false
	}
	for _, out := range outputs {
		no := normalizeEcho(out)
		if len(no) < minEchoLength {
			continue
		}
		if strings.Contains(nf, no) || strings.Contains(no, nf) {
			return true
		}
	}
	return false
}
