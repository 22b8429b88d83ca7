// Package transport provides the rate-limited, retrying HTTP layer used to
// talk to NCBI E-utilities and related open-access services.
package transport

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"
)

// NCBI request ceilings, in requests per second.
const (
	// AnonymousCeiling applies when no API key is configured.
	AnonymousCeiling = 3.0
	// APIKeyCeiling applies when an NCBI API key is configured.
	APIKeyCeiling = 10.0
)

// CeilingFor returns the request ceiling NCBI allows for the given API key.
func CeilingFor(apiKey string) float64 {
	if apiKey != "" {
		return APIKeyCeiling
	}
	return AnonymousCeiling
}

// RateLimiter wraps a token bucket rate limiter shared by every request the
// process sends to a remote service. It is safe for concurrent use because
// the underlying rate.Limiter serializes all token accounting.
//
// With burst 1 the bucket enforces strict spacing of 1/rate between
// dispatches. A larger burst lets up to burst requests leave back to back
// after an idle period; over any window T at most burst + rate*T requests
// are dispatched.
type RateLimiter struct {
	limiter *rate.Limiter
}

// NewRateLimiter creates a new rate limiter.
// ratePerSecond is the sustained rate of requests per second.
// burst is the maximum burst size; values below 1 are raised to 1.
//
// Example configurations:
//   - PubMed without a key: NewRateLimiter(3, 1)
//   - PubMed with a key: NewRateLimiter(10, 1)
func NewRateLimiter(ratePerSecond float64, burst int) *RateLimiter {
	if burst < 1 {
		burst = 1
	}
	return &RateLimiter{
		limiter: rate.NewLimiter(rate.Limit(ratePerSecond), burst),
	}
}

// Acquire blocks until one request may be dispatched or ctx is done.
// A token taken by a successful Acquire is never returned, even if the
// caller later abandons the request. When ctx ends first, no token is
// consumed and the context error is returned.
func (r *RateLimiter) Acquire(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := r.limiter.Wait(ctx); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		// rate.Limiter reports a deadline that would be exceeded before it
		// actually passes; surface it as the deadline error.
		return fmt.Errorf("rate limiter wait: %w", context.DeadlineExceeded)
	}
	return nil
}

// Allow returns true if a request is allowed without waiting.
// It consumes one token if allowed, and returns false otherwise.
func (r *RateLimiter) Allow() bool {
	return r.limiter.Allow()
}

// Limit returns the configured requests per second.
func (r *RateLimiter) Limit() float64 {
	return float64(r.limiter.Limit())
}

// Burst returns the configured burst size.
func (r *RateLimiter) Burst() int {
	return r.limiter.Burst()
}

// Tokens returns the current number of available tokens.
func (r *RateLimiter) Tokens() float64 {
	return r.limiter.Tokens()
}

// LimiterState is a snapshot of a RateLimiter.
type LimiterState struct {
	Limit  float64 `json:"requests_per_second"`
	Burst  int     `json:"burst"`
	Tokens float64 `json:"tokens"`
}

// State returns the current limiter state.
func (r *RateLimiter) State() LimiterState {
	return LimiterState{Limit: r.Limit(), Burst: r.Burst(), Tokens: r.Tokens()}
}
