package fulltext

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helixir/pubmed-service/internal/domain"
	"github.com/helixir/pubmed-service/internal/transport"
)

const samplePDF = "%PDF-1.7\n1 0 obj\n<<>>\nendobj\n%%EOF\n"

func fastRetry() transport.RetryPolicy {
	return transport.RetryPolicy{
		MaxAttempts:  2,
		InitialDelay: time.Millisecond,
		Multiplier:   1,
		MaxDelay:     time.Millisecond,
	}
}

func newWebClient(t *testing.T, guard *Guard) *transport.HTTPClient {
	t.Helper()
	cfg := transport.HTTPClientConfig{
		Source:  "web",
		Timeout: 5 * time.Second,
		Retry:   fastRetry(),
	}
	if guard != nil {
		cfg.CheckRedirect = guard.CheckRedirect
	}
	c, err := transport.NewHTTPClient(cfg, nil, zerolog.Nop(), nil)
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func dirEntries(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func TestHTTPFetcher_Fetch(t *testing.T) {
	tests := []struct {
		name        string
		contentType string
		body        string
		maxSize     int64
		wantErr     error
	}{
		{name: "pdf", contentType: "application/pdf", body: samplePDF},
		{name: "octet stream with pdf magic", contentType: "application/octet-stream", body: samplePDF},
		{name: "html page", contentType: "text/html; charset=utf-8", body: "<html></html>", wantErr: ErrNotPDF},
		{name: "missing signature", contentType: "application/pdf", body: "not really a pdf", wantErr: ErrNotPDF},
		{name: "too short", contentType: "application/pdf", body: "%P", wantErr: ErrNotPDF},
		{name: "too large", contentType: "application/pdf", body: samplePDF, maxSize: 8, wantErr: ErrTooLarge},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, BrowserUserAgent, r.Header.Get("User-Agent"))
				w.Header().Set("Content-Type", tt.contentType)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			guard := &Guard{AllowPrivateNetworks: true}
			f := NewHTTPFetcher(newWebClient(t, guard), guard, tt.maxSize)
			dir := t.TempDir()
			dst := filepath.Join(dir, "123.pdf")

			n, err := f.Fetch(context.Background(), srv.URL+"/paper.pdf", dst)
			if tt.wantErr != nil {
				require.Error(t, err)
				assert.ErrorIs(t, err, tt.wantErr)
				assert.ErrorIs(t, err, domain.ErrFulltextUnavailable)
				assert.Empty(t, dirEntries(t, dir), "no partial file may remain")
				return
			}
			require.NoError(t, err)
			assert.Equal(t, int64(len(tt.body)), n)
			data, err := os.ReadFile(dst)
			require.NoError(t, err)
			assert.Equal(t, tt.body, string(data))
			assert.Equal(t, []string{"123.pdf"}, dirEntries(t, dir))
		})
	}
}

func TestHTTPFetcher_FollowsRedirects(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/landing", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/files/paper.pdf", http.StatusFound)
	})
	mux.HandleFunc("/files/paper.pdf", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/pdf")
		_, _ = w.Write([]byte(samplePDF))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	guard := &Guard{AllowPrivateNetworks: true}
	f := NewHTTPFetcher(newWebClient(t, guard), guard, 0)
	dst := filepath.Join(t.TempDir(), "1.pdf")

	_, err := f.Fetch(context.Background(), srv.URL+"/landing", dst)
	require.NoError(t, err)
	_, err = os.Stat(dst)
	assert.NoError(t, err)
}

func TestHTTPFetcher_NotFoundIsNotRetried(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		http.NotFound(w, r)
	}))
	defer srv.Close()

	guard := &Guard{AllowPrivateNetworks: true}
	f := NewHTTPFetcher(newWebClient(t, guard), guard, 0)

	_, err := f.Fetch(context.Background(), srv.URL+"/missing.pdf", filepath.Join(t.TempDir(), "1.pdf"))
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.Equal(t, 1, calls)
}

func TestHTTPFetcher_RejectsPrivateTargets(t *testing.T) {
	f := NewHTTPFetcher(newWebClient(t, nil), &Guard{}, 0)

	_, err := f.Fetch(context.Background(), "http://127.0.0.1:1/paper.pdf", filepath.Join(t.TempDir(), "1.pdf"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrSSRF))
}

func TestWriteVerified_ExactLimit(t *testing.T) {
	dst := filepath.Join(t.TempDir(), "x.pdf")
	n, err := writeVerified(strings.NewReader(samplePDF), dst, int64(len(samplePDF)))
	require.NoError(t, err)
	assert.Equal(t, int64(len(samplePDF)), n)
}
