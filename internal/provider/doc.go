// Package provider abstracts chat completion backends and arranges them in
// a fallback chain.
//
// # Chain semantics
//
// Providers are tried in priority order, each at most once per pass.
// Retryable failures (rate limits, 5xx) move on to the next provider; fatal
// failures (bad credentials, malformed requests) abort the pass. When every
// provider fails the aggregated ChainError reports a single classification
// to surface to the client.
//
// # Capability adaptation
//
// Providers declare Vision and Tools capabilities. A request carrying tool
// schemas skips providers without tool support entirely; a request carrying
// images still reaches non-vision providers, with each image part replaced
// by a text placeholder.
package provider
