// Package fulltext locates open-access copies of articles, downloads them
// into a local PDF library and keeps that library's index.
package fulltext

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"

	"github.com/helixir/pubmed-service/internal/domain"
)

// Sentinel errors for fulltext downloads. All of them match
// domain.ErrFulltextUnavailable.
var (
	// ErrNotPDF is returned when the downloaded content is not a PDF.
	ErrNotPDF = fmt.Errorf("%w: response is not a PDF", domain.ErrFulltextUnavailable)
	// ErrTooLarge is returned when the file exceeds the maximum allowed size.
	ErrTooLarge = fmt.Errorf("%w: file exceeds maximum size", domain.ErrFulltextUnavailable)
	// ErrSSRF is returned when the URL resolves to a private/internal network address.
	ErrSSRF = fmt.Errorf("%w: request to private network denied", domain.ErrFulltextUnavailable)
)

// pdfMagic is the signature every PDF file starts with.
var pdfMagic = []byte("%PDF-")

// isPrivateIP returns true if the IP address is in a private, loopback, or
// otherwise non-routable range. Covers both IPv4 and IPv6 private ranges.
func isPrivateIP(ip net.IP) bool {
	if ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() ||
		ip.IsPrivate() || ip.IsUnspecified() {
		return true
	}
	// Carrier-grade NAT (100.64.0.0/10).
	if v4 := ip.To4(); v4 != nil && v4[0] == 100 && v4[1]&0xc0 == 64 {
		return true
	}
	return false
}

// Guard rejects URLs that are not plain HTTP(S) or that resolve to a
// private address. The zero value resolves with net.DefaultResolver.
type Guard struct {
	// AllowPrivateNetworks disables the private address check. Tests
	// pointing at httptest servers set it.
	AllowPrivateNetworks bool

	resolver *net.Resolver
}

// Check validates rawURL.
func (g *Guard) Check(ctx context.Context, rawURL string) error {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSSRF, err)
	}

	// Reject non-HTTP(S) schemes to prevent file://, gopher://, etc.
	switch strings.ToLower(parsed.Scheme) {
	case "http", "https":
	default:
		return fmt.Errorf("%w: scheme %q is not allowed", ErrSSRF, parsed.Scheme)
	}
	if parsed.Hostname() == "" {
		return fmt.Errorf("%w: missing host", ErrSSRF)
	}
	if g.AllowPrivateNetworks {
		return nil
	}

	host := parsed.Hostname()
	if ip := net.ParseIP(host); ip != nil {
		if isPrivateIP(ip) {
			return fmt.Errorf("%w: %s is a private address", ErrSSRF, host)
		}
		return nil
	}

	resolver := g.resolver
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	ips, err := resolver.LookupHost(ctx, host)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", host, err)
	}
	for _, ipStr := range ips {
		ip := net.ParseIP(ipStr)
		if ip != nil && isPrivateIP(ip) {
			return fmt.Errorf("%w: %s resolves to private address %s", ErrSSRF, host, ipStr)
		}
	}
	return nil
}

// CheckRedirect validates each redirect target so an open redirect cannot
// land on an internal address. It is suitable for http.Client.CheckRedirect.
func (g *Guard) CheckRedirect(req *http.Request, via []*http.Request) error {
	if len(via) >= 10 {
		return fmt.Errorf("%w: too many redirects", ErrSSRF)
	}
	if err := g.Check(req.Context(), req.URL.String()); err != nil {
		return err
	}
	return nil
}
