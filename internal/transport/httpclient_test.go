package transport

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helixir/pubmed-service/internal/domain"
	"github.com/helixir/pubmed-service/internal/observability"
)

// fakeTransport replays scripted responses and records every request.
type fakeTransport struct {
	mu        sync.Mutex
	responses []fakeResponse
	requests  []*http.Request
	bodies    []string
}

type fakeResponse struct {
	status int
	body   string
	header http.Header
	err    error
}

func (f *fakeTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	body := ""
	if req.Body != nil {
		b, _ := io.ReadAll(req.Body)
		body = string(b)
	}
	f.requests = append(f.requests, req)
	f.bodies = append(f.bodies, body)

	idx := len(f.requests) - 1
	if idx >= len(f.responses) {
		idx = len(f.responses) - 1
	}
	r := f.responses[idx]
	if r.err != nil {
		return nil, r.err
	}
	header := r.header
	if header == nil {
		header = http.Header{}
	}
	return &http.Response{
		StatusCode: r.status,
		Header:     header,
		Body:       io.NopCloser(strings.NewReader(r.body)),
		Request:    req,
	}, nil
}

func (f *fakeTransport) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

func newTestClient(t *testing.T, ft *fakeTransport, attempts int, metrics *observability.Metrics) *HTTPClient {
	t.Helper()
	c, err := NewHTTPClient(HTTPClientConfig{
		Retry:     fastPolicy(attempts),
		Transport: ft,
	}, NewRateLimiter(1000, 1), zerolog.Nop(), metrics)
	require.NoError(t, err)
	return c
}

func readAll(dst *string) ResponseHandler {
	return func(resp *http.Response) error {
		b, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		*dst = string(b)
		return nil
	}
}

func TestNewHTTPClient(t *testing.T) {
	t.Run("applies default values", func(t *testing.T) {
		c, err := NewHTTPClient(HTTPClientConfig{}, nil, zerolog.Nop(), nil)
		require.NoError(t, err)

		assert.Equal(t, "PubMed", c.Source())
		assert.Equal(t, 30*time.Second, c.client.Timeout)
		assert.Equal(t, DefaultUserAgent, c.userAgent)
		assert.Equal(t, DefaultRetryPolicy().MaxAttempts, c.config.Retry.MaxAttempts)
		assert.Nil(t, c.Limiter())
	})

	t.Run("rejects an invalid proxy", func(t *testing.T) {
		_, err := NewHTTPClient(HTTPClientConfig{
			Proxy: ProxyConfig{Enabled: true, HTTPURL: "not a url"},
		}, nil, zerolog.Nop(), nil)
		assert.Error(t, err)
	})
}

func TestHTTPClient_Execute(t *testing.T) {
	ctx := context.Background()

	t.Run("fails twice then succeeds", func(t *testing.T) {
		ft := &fakeTransport{responses: []fakeResponse{
			{status: http.StatusServiceUnavailable},
			{status: http.StatusBadGateway},
			{status: http.StatusOK, body: "<ok/>"},
		}}
		c := newTestClient(t, ft, 3, nil)

		var got string
		handled := 0
		attempts, err := c.Execute(ctx, "esearch", GetRequest("https://eutils.test/esearch.fcgi", nil), func(resp *http.Response) error {
			handled++
			return readAll(&got)(resp)
		})

		require.NoError(t, err)
		assert.Equal(t, 3, attempts)
		assert.Equal(t, 3, ft.count())
		assert.Equal(t, 1, handled)
		assert.Equal(t, "<ok/>", got)
	})

	t.Run("always failing makes exactly max attempts", func(t *testing.T) {
		ft := &fakeTransport{responses: []fakeResponse{{status: http.StatusInternalServerError, body: "boom"}}}
		reg := prometheus.NewRegistry()
		metrics := observability.NewMetrics("test", reg)
		c := newTestClient(t, ft, 3, metrics)

		attempts, err := c.Execute(ctx, "efetch", GetRequest("https://eutils.test/efetch.fcgi", nil), func(*http.Response) error {
			t.Fatal("handler must not run for error statuses")
			return nil
		})

		assert.Equal(t, 3, attempts)
		assert.Equal(t, 3, ft.count())

		var exhausted *domain.RetryExhaustedError
		require.ErrorAs(t, err, &exhausted)
		assert.Equal(t, 3, exhausted.Attempts)

		var apiErr *domain.ExternalAPIError
		require.ErrorAs(t, err, &apiErr)
		assert.Equal(t, http.StatusInternalServerError, apiErr.StatusCode)
		assert.Equal(t, "boom", apiErr.Message)

		assert.Equal(t, float64(2), testutil.ToFloat64(metrics.RetriesTotal.WithLabelValues("PubMed", "efetch")))
		assert.Equal(t, float64(1), testutil.ToFloat64(metrics.RetriesExhausted.WithLabelValues("PubMed", "efetch")))
		assert.Equal(t, float64(3), testutil.ToFloat64(metrics.RequestsTotal.WithLabelValues("PubMed", "efetch", "5xx")))
	})

	t.Run("client errors are not retried", func(t *testing.T) {
		ft := &fakeTransport{responses: []fakeResponse{{status: http.StatusBadRequest, body: "bad term"}}}
		c := newTestClient(t, ft, 3, nil)

		attempts, err := c.Execute(ctx, "esearch", GetRequest("https://eutils.test/esearch.fcgi", nil), func(*http.Response) error { return nil })

		assert.Equal(t, 1, attempts)
		assert.Equal(t, 1, ft.count())
		assert.ErrorIs(t, err, domain.ErrBadRequest)
		assert.Equal(t, domain.KindBadRequest, domain.KindOf(err))
	})

	t.Run("malformed body is retried", func(t *testing.T) {
		ft := &fakeTransport{responses: []fakeResponse{
			{status: http.StatusOK, body: "<trunc"},
			{status: http.StatusOK, body: "<ok/>"},
		}}
		c := newTestClient(t, ft, 3, nil)

		attempts, err := c.Execute(ctx, "efetch", GetRequest("https://eutils.test/efetch.fcgi", nil), func(resp *http.Response) error {
			b, _ := io.ReadAll(resp.Body)
			if string(b) != "<ok/>" {
				return domain.NewParseError("PubMed", "efetch body", errors.New("unexpected EOF"))
			}
			return nil
		})

		require.NoError(t, err)
		assert.Equal(t, 2, attempts)
	})

	t.Run("network errors are retried", func(t *testing.T) {
		ft := &fakeTransport{responses: []fakeResponse{
			{err: errors.New("connection reset by peer")},
			{status: http.StatusOK, body: "ok"},
		}}
		c := newTestClient(t, ft, 3, nil)

		var got string
		attempts, err := c.Execute(ctx, "esearch", GetRequest("https://eutils.test/esearch.fcgi", nil), readAll(&got))

		require.NoError(t, err)
		assert.Equal(t, 2, attempts)
		assert.Equal(t, "ok", got)
	})

	t.Run("honours retry-after", func(t *testing.T) {
		ft := &fakeTransport{responses: []fakeResponse{
			{status: http.StatusTooManyRequests, header: http.Header{"Retry-After": []string{"1"}}},
			{status: http.StatusOK},
		}}
		c, err := NewHTTPClient(HTTPClientConfig{
			Retry:     RetryPolicy{MaxAttempts: 2, InitialDelay: time.Millisecond, MaxDelay: 2 * time.Second},
			Transport: ft,
		}, nil, zerolog.Nop(), nil)
		require.NoError(t, err)

		start := time.Now()
		_, err = c.Execute(ctx, "esearch", GetRequest("https://eutils.test/esearch.fcgi", nil), func(*http.Response) error { return nil })

		require.NoError(t, err)
		assert.GreaterOrEqual(t, time.Since(start), 900*time.Millisecond)
	})

	t.Run("sets user agent and query parameters", func(t *testing.T) {
		ft := &fakeTransport{responses: []fakeResponse{{status: http.StatusOK}}}
		c := newTestClient(t, ft, 1, nil)

		params := url.Values{"db": {"pubmed"}, "term": {"crispr"}}
		_, err := c.Execute(ctx, "esearch", GetRequest("https://eutils.test/esearch.fcgi", params), func(*http.Response) error { return nil })
		require.NoError(t, err)

		req := ft.requests[0]
		assert.Equal(t, DefaultUserAgent, req.Header.Get("User-Agent"))
		assert.Equal(t, "pubmed", req.URL.Query().Get("db"))
		assert.Equal(t, "crispr", req.URL.Query().Get("term"))
	})

	t.Run("post body is rebuilt on every attempt", func(t *testing.T) {
		ft := &fakeTransport{responses: []fakeResponse{
			{status: http.StatusServiceUnavailable},
			{status: http.StatusOK},
		}}
		c := newTestClient(t, ft, 2, nil)

		params := url.Values{"id": {"1,2,3"}}
		_, err := c.Execute(ctx, "efetch", PostFormRequest("https://eutils.test/efetch.fcgi", params), func(*http.Response) error { return nil })
		require.NoError(t, err)

		require.Len(t, ft.bodies, 2)
		assert.Equal(t, "id=1%2C2%2C3", ft.bodies[0])
		assert.Equal(t, ft.bodies[0], ft.bodies[1])
		assert.Equal(t, "application/x-www-form-urlencoded", ft.requests[1].Header.Get("Content-Type"))
	})

	t.Run("cancelled context sends nothing", func(t *testing.T) {
		ft := &fakeTransport{responses: []fakeResponse{{status: http.StatusOK}}}
		c := newTestClient(t, ft, 3, nil)

		cctx, cancel := context.WithCancel(ctx)
		cancel()

		_, err := c.Execute(cctx, "esearch", GetRequest("https://eutils.test/esearch.fcgi", nil), func(*http.Response) error { return nil })

		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, 0, ft.count())
	})

	t.Run("every attempt acquires the limiter", func(t *testing.T) {
		ft := &fakeTransport{responses: []fakeResponse{
			{status: http.StatusServiceUnavailable},
			{status: http.StatusServiceUnavailable},
			{status: http.StatusOK},
		}}
		c, err := NewHTTPClient(HTTPClientConfig{
			Retry:     RetryPolicy{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond},
			Transport: ft,
		}, NewRateLimiter(20, 1), zerolog.Nop(), nil)
		require.NoError(t, err)

		start := time.Now()
		_, err = c.Execute(ctx, "esearch", GetRequest("https://eutils.test/esearch.fcgi", nil), func(*http.Response) error { return nil })
		require.NoError(t, err)

		// Three dispatches at 20/s need two 50ms gaps
		assert.GreaterOrEqual(t, time.Since(start), 90*time.Millisecond)
	})
}

func TestHTTPClient_RealServer(t *testing.T) {
	var hits atomic.Int32
	var receivedUserAgent atomic.Value
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		receivedUserAgent.Store(r.Header.Get("User-Agent"))
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	}))
	defer server.Close()

	c, err := NewHTTPClient(HTTPClientConfig{
		UserAgent: "TestAgent/2.0",
		Retry:     fastPolicy(3),
	}, NewRateLimiter(100, 1), zerolog.Nop(), nil)
	require.NoError(t, err)
	defer c.Close()

	var got string
	attempts, err := c.Execute(context.Background(), "status", GetRequest(server.URL, nil), readAll(&got))

	require.NoError(t, err)
	assert.Equal(t, 2, attempts)
	assert.Equal(t, `{"status":"ok"}`, got)
	assert.Equal(t, "TestAgent/2.0", receivedUserAgent.Load())
}

func TestHTTPClient_AttemptTimeoutsExhaustAsUnavailable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(200 * time.Millisecond):
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	c, err := NewHTTPClient(HTTPClientConfig{
		Timeout: 30 * time.Millisecond,
		Retry:   fastPolicy(2),
	}, NewRateLimiter(100, 1), zerolog.Nop(), nil)
	require.NoError(t, err)
	defer c.Close()

	attempts, err := c.Execute(context.Background(), "esearch", GetRequest(server.URL, nil), func(*http.Response) error { return nil })

	assert.Equal(t, 2, attempts)
	var exhausted *domain.RetryExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, domain.KindUnavailable, domain.KindOf(err))
}

func TestParseRetryAfter(t *testing.T) {
	assert.Equal(t, time.Duration(0), parseRetryAfter(""))
	assert.Equal(t, 5*time.Second, parseRetryAfter("5"))
	assert.Equal(t, time.Duration(0), parseRetryAfter("0"))
	assert.Equal(t, time.Duration(0), parseRetryAfter("soon"))

	future := time.Now().Add(10 * time.Second).UTC().Format(http.TimeFormat)
	d := parseRetryAfter(future)
	assert.Greater(t, d, 5*time.Second)
	assert.LessOrEqual(t, d, 10*time.Second)
}

func TestReadBody(t *testing.T) {
	resp := &http.Response{Body: io.NopCloser(strings.NewReader("0123456789"))}
	b, err := ReadBody(resp, "PubMed", 10)
	require.NoError(t, err)
	assert.Equal(t, "0123456789", string(b))

	resp = &http.Response{Body: io.NopCloser(strings.NewReader("0123456789A"))}
	_, err = ReadBody(resp, "PubMed", 10)
	assert.ErrorIs(t, err, domain.ErrMalformedResponse)
}
