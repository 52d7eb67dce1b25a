// Package client implements a reconnecting gateway client. The connection
// loop redials with exponential backoff: one second initially, doubling per
// attempt, capped at eight seconds, reset after a successful handshake.
package client
