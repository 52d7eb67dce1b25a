// ABOUTME: Fallback chain that walks providers in priority order
// ABOUTME: Handles rate limiting, capability adaptation, and error rollup

package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ImagePlaceholder replaces image parts when falling back to a provider
// without vision support, so the request stays well-formed.
const ImagePlaceholder = "[image omitted: model does not support vision]"

// entry pairs a provider with its chain-level state.
type entry struct {
	provider Provider
	priority int
	limiter  *rate.Limiter // nil when unlimited
}

// Chain tries providers in priority order until one succeeds. A retryable
// failure moves on to the next provider; a fatal failure aborts the pass.
// Each provider is attempted at most once per pass.
type Chain struct {
	logger *slog.Logger

	mu        sync.Mutex
	entries   []*entry
	failures  map[string]int // rolling error counts, observability only
	successes map[string]int
}

// NewChain creates an empty chain.
func NewChain(logger *slog.Logger) *Chain {
	if logger == nil {
		logger = slog.Default()
	}
	return &Chain{
		logger:    logger.With("component", "provider-chain"),
		failures:  make(map[string]int),
		successes: make(map[string]int),
	}
}

// Add registers a provider. Lower priority values are tried first. rps of
// zero means no rate limit.
func (c *Chain) Add(p Provider, priority int, rps float64) {
	var limiter *rate.Limiter
	if rps > 0 {
		limiter = rate.NewLimiter(rate.Limit(rps), 1)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	e := &entry{provider: p, priority: priority, limiter: limiter}
	idx := len(c.entries)
	for i, existing := range c.entries {
		if priority < existing.priority {
			idx = i
			break
		}
	}
	c.entries = append(c.entries, nil)
	copy(c.entries[idx+1:], c.entries[idx:])
	c.entries[idx] = e
}

// Providers returns the chain's providers in attempt order.
func (c *Chain) Providers() []Provider {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Provider, len(c.entries))
	for i, e := range c.entries {
		out[i] = e.provider
	}
	return out
}

// Stats returns rolling success/failure counts per provider ID.
func (c *Chain) Stats() (successes, failures map[string]int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	successes = make(map[string]int, len(c.successes))
	failures = make(map[string]int, len(c.failures))
	for k, v := range c.successes {
		successes[k] = v
	}
	for k, v := range c.failures {
		failures[k] = v
	}
	return successes, failures
}

// Complete walks the chain once. Providers that cannot serve the request
// (tools requested but unsupported) are skipped. Image parts are replaced
// with a placeholder for providers without vision.
func (c *Chain) Complete(ctx context.Context, req *Request, onEvent func(StreamEvent)) (*Response, error) {
	c.mu.Lock()
	attempts := make([]*entry, len(c.entries))
	copy(attempts, c.entries)
	c.mu.Unlock()

	if len(attempts) == 0 {
		return nil, errors.New("no providers configured")
	}

	needsTools := len(req.Tools) > 0
	chainErr := &ChainError{}

	for _, e := range attempts {
		p := e.provider
		caps := p.Capabilities()

		if needsTools && !caps.Tools {
			c.logger.Debug("skipping provider without tool support", "provider", p.ID())
			continue
		}

		if e.limiter != nil {
			if err := e.limiter.Wait(ctx); err != nil {
				return nil, fmt.Errorf("waiting for rate limiter: %w", err)
			}
		}

		attempt := req
		if !caps.Vision && hasImages(req) {
			attempt = adaptForNoVision(req)
			c.logger.Debug("replaced image parts for non-vision provider", "provider", p.ID())
		}

		resp, err := p.Complete(ctx, attempt, onEvent)
		if err == nil {
			c.record(p.ID(), true)
			return resp, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		c.record(p.ID(), false)
		pe, ok := AsError(err)
		if !ok {
			pe = NewRetryable(p.ID(), ClassGeneric, err)
		}
		chainErr.Attempts = append(chainErr.Attempts, pe)

		if !pe.Retryable() {
			c.logger.Warn("provider failed fatally", "provider", p.ID(), "class", pe.Class, "error", err)
			return nil, chainErr
		}
		c.logger.Warn("provider failed, trying next", "provider", p.ID(), "class", pe.Class, "error", err)
	}

	return nil, chainErr
}

func (c *Chain) record(id string, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ok {
		c.successes[id]++
	} else {
		c.failures[id]++
	}
}

func hasImages(req *Request) bool {
	for _, m := range req.Messages {
		for _, p := range m.Parts {
			if p.IsImage() {
				return true
			}
		}
	}
	return false
}

// adaptForNoVision returns a copy of req with every image part replaced by a
// text placeholder. The original request is never mutated so later providers
// in the same pass can still receive the images.
func adaptForNoVision(req *Request) *Request {
	out := &Request{
		Model:    req.Model,
		Messages: make([]Message, len(req.Messages)),
		Tools:    req.Tools,
	}
	for i, m := range req.Messages {
		nm := m
		nm.Parts = make([]Content, len(m.Parts))
		for j, p := range m.Parts {
			if p.IsImage() {
				nm.Parts[j] = Content{Text: ImagePlaceholder}
			} else {
				nm.Parts[j] = p
			}
		}
		out.Messages[i] = nm
	}
	return out
}

// clockSkew pads rate-limit reset timestamps parsed from upstream headers.
const clockSkew = 2 * time.Second
