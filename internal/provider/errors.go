// ABOUTME: Provider error classification for the fallback chain
// ABOUTME: Distinguishes retryable failures from fatal ones and carries class

package provider

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Error kinds decide fallback behavior: retryable errors move the chain to
// the next provider, fatal errors abort the whole attempt.
const (
	KindRetryable = "retryable"
	KindFatal     = "fatal"
)

// Error classes surface to the client in terminal chat error events.
const (
	ClassAuth        = "authentication"
	ClassRateLimited = "rate_limited"
	ClassUpstream    = "upstream_error"
	ClassBadRequest  = "bad_request"
	ClassGeneric     = "generic"
)

// Error wraps a provider failure with the classification the chain needs.
type Error struct {
	Provider string // provider ID
	Kind     string
	Class    string
	ResetAt  *time.Time // for rate limits, when capacity returns
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("provider %s: %v", e.Provider, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether the chain should try the next provider.
func (e *Error) Retryable() bool { return e.Kind == KindRetryable }

// NewRetryable builds a retryable provider error.
func NewRetryable(providerID, class string, err error) *Error {
	return &Error{Provider: providerID, Kind: KindRetryable, Class: class, Err: err}
}

// NewFatal builds a fatal provider error.
func NewFatal(providerID, class string, err error) *Error {
	return &Error{Provider: providerID, Kind: KindFatal, Class: class, Err: err}
}

// ChainError aggregates the per-provider failures of one exhausted pass
// through the chain.
type ChainError struct {
	Attempts []*Error
}

func (e *ChainError) Error() string {
	if len(e.Attempts) == 0 {
		return "no providers available"
	}
	parts := make([]string, len(e.Attempts))
	for i, a := range e.Attempts {
		parts[i] = a.Error()
	}
	return "all providers failed: " + strings.Join(parts, "; ")
}

// Class returns the classification the client should see. A fatal attempt
// dominates; otherwise the first rate limit wins over generic upstream noise.
func (e *ChainError) Class() string {
	for _, a := range e.Attempts {
		if a.Kind == KindFatal {
			return a.Class
		}
	}
	for _, a := range e.Attempts {
		if a.Class == ClassRateLimited {
			return a.Class
		}
	}
	if len(e.Attempts) > 0 {
		return e.Attempts[0].Class
	}
	return ClassGeneric
}

// ResetAt returns the earliest known rate-limit reset among the attempts.
func (e *ChainError) ResetAt() *time.Time {
	var earliest *time.Time
	for _, a := range e.Attempts {
		if a.ResetAt == nil {
			continue
		}
		if earliest == nil || a.ResetAt.Before(*earliest) {
			earliest = a.ResetAt
		}
	}
	return earliest
}

// AsError extracts a *Error from err, if present.
func AsError(err error) (*Error, bool) {
	var pe *Error
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}
