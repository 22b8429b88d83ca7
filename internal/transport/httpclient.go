package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/helixir/pubmed-service/internal/domain"
	"github.com/helixir/pubmed-service/internal/observability"
)

// DefaultUserAgent is sent when no User-Agent is configured.
const DefaultUserAgent = "Helixir-PubMedService/1.0"

// errorBodyLimit bounds how much of an error response body is kept in
// the error message.
const errorBodyLimit = 512

// HTTPClientConfig configures the HTTP client.
type HTTPClientConfig struct {
	// Source names the remote service in errors, logs and metrics.
	Source string

	// Timeout is the per-attempt request timeout.
	Timeout time.Duration

	// UserAgent is the User-Agent header sent with requests.
	UserAgent string

	// Retry is the retry policy applied by Execute.
	Retry RetryPolicy

	// Proxy optionally routes requests through an HTTP(S) proxy.
	Proxy ProxyConfig

	// Transport overrides the underlying round tripper. Tests use it to
	// inject fakes; when set, Proxy is ignored.
	Transport http.RoundTripper

	// CheckRedirect is installed on the underlying http.Client.
	CheckRedirect func(req *http.Request, via []*http.Request) error
}

// RequestBuilder creates the request for one attempt. It is called once
// per attempt so bodies never need rewinding.
type RequestBuilder func(ctx context.Context) (*http.Request, error)

// ResponseHandler consumes a successful (status < 400) response. Returning
// an error matching domain.ErrMalformedResponse makes the attempt
// retryable. The client closes the body after the handler returns.
type ResponseHandler func(resp *http.Response) error

// HTTPClient wraps http.Client with rate limiting and retries.
// It is safe for concurrent use.
type HTTPClient struct {
	client    *http.Client
	limiter   *RateLimiter
	config    HTTPClientConfig
	logger    zerolog.Logger
	metrics   *observability.Metrics
	userAgent string
}

// NewHTTPClient creates a new HTTP client. Every attempt made through
// Execute first acquires limiter; a nil limiter disables rate limiting.
func NewHTTPClient(cfg HTTPClientConfig, limiter *RateLimiter, logger zerolog.Logger, metrics *observability.Metrics) (*HTTPClient, error) {
	if cfg.Source == "" {
		cfg.Source = "PubMed"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	cfg.Retry = cfg.Retry.withDefaults()

	rt := cfg.Transport
	if rt == nil {
		base := http.DefaultTransport.(*http.Transport).Clone()
		proxy, err := cfg.Proxy.ProxyFunc()
		if err != nil {
			return nil, err
		}
		if proxy != nil {
			base.Proxy = proxy
		}
		rt = base
	}

	return &HTTPClient{
		client: &http.Client{
			Timeout:       cfg.Timeout,
			Transport:     rt,
			CheckRedirect: cfg.CheckRedirect,
		},
		limiter:   limiter,
		config:    cfg,
		logger:    observability.WithComponent(logger, "transport").With().Str("source", cfg.Source).Logger(),
		metrics:   metrics,
		userAgent: cfg.UserAgent,
	}, nil
}

// Source returns the configured source name.
func (c *HTTPClient) Source() string {
	return c.config.Source
}

// Limiter returns the rate limiter shared by this client.
func (c *HTTPClient) Limiter() *RateLimiter {
	return c.limiter
}

// Close releases idle connections.
func (c *HTTPClient) Close() {
	c.client.CloseIdleConnections()
}

// Execute runs one logical operation. Each attempt acquires the rate
// limiter, sends exactly one request built by build, classifies the status
// and hands successful responses to handle. Transient failures (network
// errors, 429, 5xx, malformed bodies) are retried per the configured
// policy, honouring Retry-After. It returns the number of attempts made.
func (c *HTTPClient) Execute(ctx context.Context, operation string, build RequestBuilder, handle ResponseHandler) (int, error) {
	logger := observability.WithRequestContext(observability.LoggerFromContext(ctx, c.logger), c.config.Source, operation)

	notify := func(attempt int, err error, delay time.Duration) {
		c.metrics.RecordRetry(c.config.Source, operation)
		logger.Warn().
			Err(err).
			Int("attempt", attempt).
			Dur("delay", delay).
			Msg("transient failure, retrying")
	}

	attempts, err := Retry(ctx, c.config.Retry, c.config.Source+" "+operation, func(ctx context.Context, attempt int) error {
		return c.attempt(ctx, operation, build, handle)
	}, notify)

	var exhausted *domain.RetryExhaustedError
	if errors.As(err, &exhausted) {
		c.metrics.RecordRetryExhausted(c.config.Source, operation)
		logger.Error().Err(exhausted.Last).Int("attempts", attempts).Msg("retries exhausted")
	}
	return attempts, err
}

func (c *HTTPClient) attempt(ctx context.Context, operation string, build RequestBuilder, handle ResponseHandler) error {
	if c.limiter != nil {
		if err := ctx.Err(); err != nil {
			return err
		}
		waitStart := time.Now()
		if !c.limiter.Allow() {
			if err := c.limiter.Acquire(ctx); err != nil {
				return err
			}
		}
		c.metrics.ObserveLimiterWait(time.Since(waitStart))
	}

	req, err := build(ctx)
	if err != nil {
		return fmt.Errorf("build %s request: %w", operation, err)
	}
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		c.metrics.RecordRequest(c.config.Source, operation, 0, time.Since(start))
		return fmt.Errorf("%s %s request failed: %w", c.config.Source, operation, err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()
	c.metrics.RecordRequest(c.config.Source, operation, resp.StatusCode, time.Since(start))

	if resp.StatusCode >= 400 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyLimit))
		message := strings.TrimSpace(string(snippet))
		if message == "" {
			message = http.StatusText(resp.StatusCode)
		}
		apiErr := domain.NewExternalAPIError(c.config.Source, resp.StatusCode, message)
		apiErr.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"))
		return apiErr
	}

	return handle(resp)
}

// parseRetryAfter parses a Retry-After header given either in seconds or
// as an HTTP date. It returns zero when the header is absent or unusable.
func parseRetryAfter(value string) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}

	if seconds, err := strconv.ParseInt(value, 10, 64); err == nil {
		if seconds > 0 {
			return time.Duration(seconds) * time.Second
		}
		return 0
	}

	if t, err := http.ParseTime(value); err == nil {
		if delay := time.Until(t); delay > 0 {
			return delay
		}
	}
	return 0
}

// GetRequest returns a builder for a GET request to base with params.
func GetRequest(base string, params url.Values) RequestBuilder {
	return func(ctx context.Context) (*http.Request, error) {
		target := base
		if len(params) > 0 {
			target += "?" + params.Encode()
		}
		return http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	}
}

// PostFormRequest returns a builder for a form-encoded POST to base. The
// body is rebuilt on every attempt.
func PostFormRequest(base string, params url.Values) RequestBuilder {
	return func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, base, strings.NewReader(params.Encode()))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		return req, nil
	}
}

// ReadBody reads at most limit bytes of resp. A body larger than limit is
// reported as a malformed response for source.
func ReadBody(resp *http.Response, source string, limit int64) ([]byte, error) {
	if limit <= 0 {
		limit = 50 << 20
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, domain.NewParseError(source, "read body", err)
	}
	if int64(len(body)) > limit {
		return nil, domain.NewParseError(source, fmt.Sprintf("body exceeds %d bytes", limit), nil)
	}
	return body, nil
}
