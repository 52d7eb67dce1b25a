// Package broadcast fans events out to subscribed connections. The
// broadcaster owns the session-key to connection table; sinks must never
// block, so slow consumers drop events rather than stall producers.
package broadcast
