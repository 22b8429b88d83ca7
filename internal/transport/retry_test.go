package transport

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helixir/pubmed-service/internal/domain"
)

func fastPolicy(attempts int) RetryPolicy {
	return RetryPolicy{
		MaxAttempts:  attempts,
		InitialDelay: time.Millisecond,
		Multiplier:   2,
		MaxDelay:     10 * time.Millisecond,
	}
}

func TestDefaultRetryPolicy(t *testing.T) {
	p := DefaultRetryPolicy()

	assert.Equal(t, 3, p.MaxAttempts)
	assert.Equal(t, 500*time.Millisecond, p.InitialDelay)
	assert.Equal(t, float64(2), p.Multiplier)
	assert.Equal(t, 8*time.Second, p.MaxDelay)
}

func TestRetryPolicy_withDefaults(t *testing.T) {
	p := RetryPolicy{Jitter: 2}.withDefaults()

	assert.Equal(t, 3, p.MaxAttempts)
	assert.Equal(t, 500*time.Millisecond, p.InitialDelay)
	assert.Equal(t, float64(2), p.Multiplier)
	assert.Equal(t, 8*time.Second, p.MaxDelay)
	assert.Zero(t, p.Jitter)
}

func TestRetrier(t *testing.T) {
	transient := domain.NewExternalAPIError("PubMed", http.StatusServiceUnavailable, "down")

	t.Run("exponential schedule without jitter", func(t *testing.T) {
		r := NewRetrier(RetryPolicy{
			MaxAttempts:  5,
			InitialDelay: 100 * time.Millisecond,
			Multiplier:   2,
			MaxDelay:     300 * time.Millisecond,
		})

		var delays []time.Duration
		for {
			r.Begin()
			d, ok := r.Next(transient)
			if !ok {
				break
			}
			delays = append(delays, d)
		}

		assert.Equal(t, []time.Duration{
			100 * time.Millisecond,
			200 * time.Millisecond,
			300 * time.Millisecond,
			300 * time.Millisecond,
		}, delays)
		assert.Equal(t, 5, r.Attempts())
	})

	t.Run("permanent error stops immediately", func(t *testing.T) {
		r := NewRetrier(fastPolicy(3))
		r.Begin()

		_, ok := r.Next(domain.NewExternalAPIError("PubMed", http.StatusBadRequest, "bad term"))
		assert.False(t, ok)
	})

	t.Run("retry-after overrides a shorter delay", func(t *testing.T) {
		r := NewRetrier(RetryPolicy{MaxAttempts: 3, InitialDelay: 10 * time.Millisecond, MaxDelay: time.Second})
		r.Begin()

		err := domain.NewExternalAPIError("PubMed", http.StatusTooManyRequests, "slow down")
		err.RetryAfter = 400 * time.Millisecond

		d, ok := r.Next(err)
		require.True(t, ok)
		assert.Equal(t, 400*time.Millisecond, d)
	})

	t.Run("retry-after is capped by max delay", func(t *testing.T) {
		r := NewRetrier(RetryPolicy{MaxAttempts: 3, InitialDelay: 10 * time.Millisecond, MaxDelay: 50 * time.Millisecond})
		r.Begin()

		err := domain.NewExternalAPIError("PubMed", http.StatusTooManyRequests, "slow down")
		err.RetryAfter = time.Hour

		d, ok := r.Next(err)
		require.True(t, ok)
		assert.Equal(t, 50*time.Millisecond, d)
	})
}

func TestRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"server error", domain.NewExternalAPIError("PubMed", 500, ""), true},
		{"throttled", domain.NewExternalAPIError("PubMed", 429, ""), true},
		{"bad request", domain.NewExternalAPIError("PubMed", 400, ""), false},
		{"not found", domain.NewExternalAPIError("PubMed", 404, ""), false},
		{"malformed", domain.NewParseError("PubMed", "truncated xml", nil), true},
		{"url error", &url.Error{Op: "Get", URL: "http://x", Err: errors.New("connection reset")}, true},
		{"net error", &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("refused")}, true},
		{"validation", domain.NewValidationError("pmid", "bad"), false},
		{"classified inside url error", &url.Error{Op: "Get", URL: "http://x", Err: domain.ErrFulltextUnavailable}, false},
		{"cancelled", context.Canceled, false},
		{"plain", errors.New("boom"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Retryable(tt.err))
		})
	}
}

func TestRetry(t *testing.T) {
	transient := domain.NewExternalAPIError("PubMed", http.StatusBadGateway, "bad gateway")

	t.Run("fails twice then succeeds", func(t *testing.T) {
		calls := 0
		var notified []int

		attempts, err := Retry(context.Background(), fastPolicy(3), "esearch", func(ctx context.Context, attempt int) error {
			calls++
			if attempt < 3 {
				return transient
			}
			return nil
		}, func(attempt int, err error, delay time.Duration) {
			notified = append(notified, attempt)
		})

		require.NoError(t, err)
		assert.Equal(t, 3, attempts)
		assert.Equal(t, 3, calls)
		assert.Equal(t, []int{1, 2}, notified)
	})

	t.Run("always failing makes exactly max attempts", func(t *testing.T) {
		calls := 0

		attempts, err := Retry(context.Background(), fastPolicy(4), "efetch", func(ctx context.Context, attempt int) error {
			calls++
			return transient
		}, nil)

		assert.Equal(t, 4, attempts)
		assert.Equal(t, 4, calls)

		var exhausted *domain.RetryExhaustedError
		require.ErrorAs(t, err, &exhausted)
		assert.Equal(t, 4, exhausted.Attempts)
		assert.Equal(t, "efetch", exhausted.Operation)
		assert.ErrorIs(t, err, domain.ErrUnavailable)
		assert.Equal(t, domain.KindUnavailable, domain.KindOf(err))
	})

	t.Run("permanent failure is returned unchanged", func(t *testing.T) {
		calls := 0
		permanent := domain.NewExternalAPIError("PubMed", http.StatusBadRequest, "bad term")

		attempts, err := Retry(context.Background(), fastPolicy(3), "esearch", func(ctx context.Context, attempt int) error {
			calls++
			return permanent
		}, nil)

		assert.Equal(t, 1, attempts)
		assert.Equal(t, 1, calls)
		assert.Same(t, permanent, err)
	})

	t.Run("cancellation during backoff stops retrying", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		policy := RetryPolicy{MaxAttempts: 5, InitialDelay: time.Hour, MaxDelay: time.Hour}

		calls := 0
		go func() {
			time.Sleep(20 * time.Millisecond)
			cancel()
		}()

		_, err := Retry(ctx, policy, "esearch", func(ctx context.Context, attempt int) error {
			calls++
			return transient
		}, nil)

		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, 1, calls)
	})

	t.Run("cancelled context is not retried", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		calls := 0

		_, err := Retry(ctx, fastPolicy(3), "esearch", func(ctx context.Context, attempt int) error {
			calls++
			cancel()
			return transient
		}, nil)

		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, 1, calls)
	})
}
