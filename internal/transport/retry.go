package transport

import (
	"context"
	"errors"
	"net"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/helixir/pubmed-service/internal/domain"
)

// RetryPolicy configures the bounded exponential backoff applied to
// transient failures.
type RetryPolicy struct {
	// MaxAttempts is the total number of attempts, including the first one.
	MaxAttempts int
	// InitialDelay is the wait before the second attempt.
	InitialDelay time.Duration
	// Multiplier grows the delay after every failed attempt.
	Multiplier float64
	// MaxDelay caps a single wait, including waits requested by Retry-After.
	MaxDelay time.Duration
	// Jitter is the randomization factor in [0, 1). Zero gives a fixed schedule.
	Jitter float64
}

// DefaultRetryPolicy returns the policy used when none is configured.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:  3,
		InitialDelay: 500 * time.Millisecond,
		Multiplier:   2,
		MaxDelay:     8 * time.Second,
		Jitter:       0.1,
	}
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	d := DefaultRetryPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.InitialDelay <= 0 {
		p.InitialDelay = d.InitialDelay
	}
	if p.Multiplier < 1 {
		p.Multiplier = d.Multiplier
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = d.MaxDelay
	}
	if p.Jitter < 0 || p.Jitter >= 1 {
		p.Jitter = 0
	}
	return p
}

// Retrier is the state of one retried operation: how many attempts have
// been started and how long to wait before the next one. It is not safe for
// concurrent use; create one per operation.
type Retrier struct {
	policy  RetryPolicy
	backoff *backoff.ExponentialBackOff
	attempt int
}

// NewRetrier creates a Retrier in its initial state (no attempts started).
func NewRetrier(policy RetryPolicy) *Retrier {
	policy = policy.withDefaults()
	b := &backoff.ExponentialBackOff{
		InitialInterval:     policy.InitialDelay,
		RandomizationFactor: policy.Jitter,
		Multiplier:          policy.Multiplier,
		MaxInterval:         policy.MaxDelay,
		MaxElapsedTime:      0,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	b.Reset()
	return &Retrier{policy: policy, backoff: b}
}

// Begin records the start of an attempt and returns its 1-based number.
func (r *Retrier) Begin() int {
	r.attempt++
	return r.attempt
}

// Attempts returns the number of attempts started so far.
func (r *Retrier) Attempts() int {
	return r.attempt
}

// Next decides what happens after the current attempt failed with err.
// It returns the delay before the next attempt and true, or false when err
// is permanent or the attempt budget is spent.
func (r *Retrier) Next(err error) (time.Duration, bool) {
	if !Retryable(err) || r.attempt >= r.policy.MaxAttempts {
		return 0, false
	}
	delay := r.backoff.NextBackOff()
	if delay == backoff.Stop {
		return 0, false
	}
	var apiErr *domain.ExternalAPIError
	if errors.As(err, &apiErr) && apiErr.RetryAfter > delay {
		delay = apiErr.RetryAfter
	}
	if delay > r.policy.MaxDelay {
		delay = r.policy.MaxDelay
	}
	return delay, true
}

// RetryNotify is called before waiting for the next attempt.
type RetryNotify func(attempt int, err error, delay time.Duration)

// Retry runs fn until it succeeds, fails permanently, the attempt budget is
// spent, or ctx is done. It returns the number of attempts made. A
// retryable failure on the final attempt is wrapped in a
// domain.RetryExhaustedError; permanent failures are returned unchanged.
// notify may be nil.
func Retry(ctx context.Context, policy RetryPolicy, operation string, fn func(ctx context.Context, attempt int) error, notify RetryNotify) (int, error) {
	r := NewRetrier(policy)
	for {
		attempt := r.Begin()
		err := fn(ctx, attempt)
		if err == nil {
			return attempt, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return attempt, ctxErr
		}

		delay, ok := r.Next(err)
		if !ok {
			if Retryable(err) {
				return attempt, &domain.RetryExhaustedError{Operation: operation, Attempts: attempt, Last: err}
			}
			return attempt, err
		}

		if notify != nil {
			notify(attempt, err, delay)
		}
		if err := sleep(ctx, delay); err != nil {
			return attempt, err
		}
	}
}

// Retryable reports whether err is a transient failure: a network-level
// error, a 429 or 5xx response, or a malformed body. Errors already
// classified as invalid input, bad request or unavailable fulltext are
// permanent even when they arrive wrapped in a *url.Error.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, domain.ErrInvalidInput) ||
		errors.Is(err, domain.ErrBadRequest) ||
		errors.Is(err, domain.ErrFulltextUnavailable) {
		return false
	}

	var apiErr *domain.ExternalAPIError
	if errors.As(err, &apiErr) {
		return apiErr.Retryable()
	}
	if errors.Is(err, domain.ErrMalformedResponse) {
		return true
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return false
}

// sleep waits for d, returning early with the context error if ctx ends.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
