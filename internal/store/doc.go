// Package store provides persistence for sessions and message history.
//
// The Store interface abstracts persistence; SQLiteStore is the production
// implementation using modernc.org/sqlite (pure Go, no cgo) with WAL mode.
// History is append-only: messages are never mutated once saved.
package store
