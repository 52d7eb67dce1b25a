// Package push delivers out-of-band notifications for finished generation
// runs via a webhook, with TTL-based deduplication of identical payloads.
package push
