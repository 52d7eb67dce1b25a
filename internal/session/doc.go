// Package session maintains the durable registry of chat sessions.
//
// # Keys
//
// A session key is either "main" (the permanent default session) or
// "session:<uuid>". The main session is created on first use and can never
// be deleted.
//
// # Single writer
//
// Each session has at most one active generation run. BeginGeneration
// claims the slot and a concurrent claim fails with
// ErrGenerationInProgress - senders are rejected, never queued. Deletes and
// history clears during an active run fail with ErrSessionBusy.
//
// # Revisions and events
//
// Every mutation bumps the session's revision and emits a "session" event
// through the broadcaster so all connected clients converge on the same
// view. There is no event replay: a client that reconnects re-switches and
// receives the full entry plus history.
package session
