// Package gateway orchestrates the moltis-gateway server components.
//
// # Overview
//
// The gateway owns the HTTP server with its two endpoints (/ws for the
// WebSocket protocol, /health for liveness), the SQLite store, the session
// registry, the provider chain, the approval gate, and the event
// broadcaster.
//
// # Connections
//
// Each WebSocket client gets a conn with a bounded outbound queue. The
// first frame must be a connect request; after version negotiation and
// authentication the connection is registered with the broadcaster and
// subscribed to the main session. Request IDs must be unique among a
// connection's in-flight requests.
//
// # Methods
//
// The router dispatches post-handshake requests:
//
//   - ping
//   - sessions.list / switch / resolve / patch / delete
//   - chat.send / clear / context
//   - exec.approval.resolve
//   - models.list
//
// # Lifecycle
//
//	gw, err := gateway.New(cfg, logger)
//	err = gw.Run(ctx) // blocks until ctx is canceled
//
// Run also drives the periodic tick broadcast. Shutdown waits for in-flight
// generation runs before closing the store.
package gateway
