// Package protocol defines the JSON wire protocol spoken over the gateway's
// WebSocket endpoint.
//
// # Frames
//
// Every message is a single Frame with one of three types:
//
//	req:   {"type":"req","id":"...","method":"chat.send","params":{...}}
//	res:   {"type":"res","id":"...","ok":true,"payload":{...}}
//	event: {"type":"event","event":"chat","payload":{...}}
//
// Responses correlate to requests by id. Events are unsolicited and carry
// no id.
//
// # Handshake
//
// The first request on every connection must be "connect", carrying the
// client's supported protocol range and optional credentials. The server
// picks the highest common version and answers with a hello-ok payload, or
// closes the connection on mismatch or failed authentication.
//
// # Events
//
// The gateway emits "chat" events for generation progress (thinking, tool
// calls, streamed deltas, final text, errors), "session" events for
// lifecycle changes, "exec.approval.requested" for gated tool calls, and a
// periodic "tick" for liveness.
package protocol
