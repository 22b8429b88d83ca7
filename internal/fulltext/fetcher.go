package fulltext

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/helixir/pubmed-service/internal/transport"
)

// DefaultMaxSize is the largest PDF accepted when no limit is configured.
const DefaultMaxSize int64 = 50 << 20

// BrowserUserAgent is sent to publishers, some of which refuse non-browser
// clients.
const BrowserUserAgent = "Mozilla/5.0 (compatible; PubMedAgent/1.0)"

// Fetcher downloads one document into dst and returns the number of bytes
// written. dst is only created once the complete body has been verified as
// a PDF of acceptable size.
type Fetcher interface {
	// Name identifies the fetcher in logs, indexes and system checks.
	Name() string
	Fetch(ctx context.Context, rawURL, dst string) (int64, error)
}

// HTTPFetcher downloads PDFs with the in-process HTTP client.
type HTTPFetcher struct {
	client  *transport.HTTPClient
	guard   *Guard
	maxSize int64
}

// NewHTTPFetcher creates a native fetcher. client should be built with
// guard.CheckRedirect installed so redirects are validated too.
func NewHTTPFetcher(client *transport.HTTPClient, guard *Guard, maxSize int64) *HTTPFetcher {
	if guard == nil {
		guard = &Guard{}
	}
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	return &HTTPFetcher{client: client, guard: guard, maxSize: maxSize}
}

// Name implements Fetcher.
func (f *HTTPFetcher) Name() string {
	return "native"
}

// Fetch implements Fetcher.
func (f *HTTPFetcher) Fetch(ctx context.Context, rawURL, dst string) (int64, error) {
	if err := f.guard.Check(ctx, rawURL); err != nil {
		return 0, err
	}

	build := func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid URL: %w", ErrSSRF, err)
		}
		req.Header.Set("User-Agent", BrowserUserAgent)
		req.Header.Set("Accept", "application/pdf, */*;q=0.8")
		return req, nil
	}

	var written int64
	handle := func(resp *http.Response) error {
		contentType := strings.ToLower(resp.Header.Get("Content-Type"))
		if strings.Contains(contentType, "text/html") {
			return fmt.Errorf("%w: Content-Type is %q", ErrNotPDF, contentType)
		}
		if resp.ContentLength > f.maxSize {
			return fmt.Errorf("%w: declared %d bytes, limit %d", ErrTooLarge, resp.ContentLength, f.maxSize)
		}
		n, err := writeVerified(resp.Body, dst, f.maxSize)
		if err != nil {
			return err
		}
		written = n
		return nil
	}

	if _, err := f.client.Execute(ctx, "download", build, handle); err != nil {
		return 0, err
	}
	return written, nil
}

// writeVerified streams r into a temporary file next to dst, checks the
// size limit and the PDF signature, then renames it into place.
func writeVerified(r io.Reader, dst string, maxSize int64) (int64, error) {
	dir := filepath.Dir(dst)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, fmt.Errorf("create fulltext directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".download-*")
	if err != nil {
		return 0, fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()

	n, err := io.Copy(tmp, io.LimitReader(r, maxSize+1))
	if err != nil {
		tmp.Close()
		return 0, fmt.Errorf("read body: %w", err)
	}
	if n > maxSize {
		tmp.Close()
		return 0, fmt.Errorf("%w: exceeded %d bytes", ErrTooLarge, maxSize)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return 0, err
	}
	if err := tmp.Close(); err != nil {
		return 0, err
	}

	if err := verifyPDF(tmpName); err != nil {
		return 0, err
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		return 0, err
	}
	if err := os.Rename(tmpName, dst); err != nil {
		return 0, fmt.Errorf("move download into place: %w", err)
	}
	committed = true
	return n, nil
}

// verifyPDF checks that the file at path starts with the PDF signature.
func verifyPDF(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	head := make([]byte, len(pdfMagic))
	if _, err := io.ReadFull(f, head); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return fmt.Errorf("%w: file too short", ErrNotPDF)
		}
		return err
	}
	if !bytes.Equal(head, pdfMagic) {
		return fmt.Errorf("%w: missing PDF signature", ErrNotPDF)
	}
	return nil
}
