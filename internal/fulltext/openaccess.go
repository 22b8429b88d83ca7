package fulltext

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/rs/zerolog"

	"github.com/helixir/pubmed-service/internal/domain"
	"github.com/helixir/pubmed-service/internal/observability"
	"github.com/helixir/pubmed-service/internal/pubmed"
	"github.com/helixir/pubmed-service/internal/transport"
)

// DefaultUnpaywallURL is the Unpaywall v2 API base.
const DefaultUnpaywallURL = "https://api.unpaywall.org/v2/"

// Open-access source labels.
const (
	SourcePMC       = "PMC"
	SourceUnpaywall = "Unpaywall"
	SourcePublisher = "Publisher"
)

// pageLimit bounds how much of a publisher landing page is read.
const pageLimit = 5 << 20

// OpenAccessInfo is the outcome of open-access detection for one article.
type OpenAccessInfo struct {
	IsOpenAccess bool     `json:"is_open_access"`
	Sources      []string `json:"sources"`
	DownloadURL  string   `json:"download_url,omitempty"`
	PMCID        string   `json:"pmcid,omitempty"`
}

// DetectorConfig configures a Detector.
type DetectorConfig struct {
	// IDConvURL overrides the PMC ID converter endpoint.
	IDConvURL string
	// UnpaywallURL overrides the Unpaywall API base.
	UnpaywallURL string
	// DOIResolverURL overrides https://doi.org/ for publisher lookups.
	DOIResolverURL string
	// Credentials identify the caller to NCBI and Unpaywall.
	Credentials pubmed.Credentials
	// PublisherLookup enables scraping publisher landing pages.
	PublisherLookup bool
}

// Detector finds a downloadable open-access copy of an article. It checks
// PMC first, then Unpaywall, then the publisher landing page.
type Detector struct {
	ncbi   *transport.HTTPClient
	web    *transport.HTTPClient
	cfg    DetectorConfig
	logger zerolog.Logger
}

// NewDetector creates a Detector. ncbi carries requests to NCBI hosts and
// must share the E-utilities rate limiter; web carries everything else.
func NewDetector(cfg DetectorConfig, ncbi, web *transport.HTTPClient, logger zerolog.Logger) *Detector {
	if cfg.IDConvURL == "" {
		cfg.IDConvURL = pubmed.DefaultIDConvURL
	}
	if cfg.UnpaywallURL == "" {
		cfg.UnpaywallURL = DefaultUnpaywallURL
	}
	if cfg.DOIResolverURL == "" {
		cfg.DOIResolverURL = pubmed.DOIResolverURL
	}
	if !strings.HasSuffix(cfg.UnpaywallURL, "/") {
		cfg.UnpaywallURL += "/"
	}
	if !strings.HasSuffix(cfg.DOIResolverURL, "/") {
		cfg.DOIResolverURL += "/"
	}
	return &Detector{
		ncbi:   ncbi,
		web:    web,
		cfg:    cfg,
		logger: observability.WithComponent(logger, "openaccess"),
	}
}

// Detect looks for an open-access copy of a. A source that does not know
// the article is a miss, not a failure. When no copy is found and some
// source failed transiently, the failure is returned so callers do not
// record a negative result that may be wrong.
func (d *Detector) Detect(ctx context.Context, a *domain.Article) (*OpenAccessInfo, error) {
	info := &OpenAccessInfo{Sources: []string{}}
	var failures []error

	pmcid := a.PMCIDValue()
	if pmcid == "" {
		found, err := d.lookupPMCID(ctx, a.PMID)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if !softMiss(err) {
				failures = append(failures, err)
			}
		}
		pmcid = found
	}
	if pmcid != "" {
		info.PMCID = pmcid
		info.Sources = append(info.Sources, SourcePMC)
		info.DownloadURL = pubmed.PMCPDFURL(pmcid)
	}

	doi := a.DOIValue()
	if info.DownloadURL == "" && doi != "" {
		found, err := d.checkUnpaywall(ctx, doi)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if !softMiss(err) {
				failures = append(failures, err)
			}
		}
		if found != "" {
			info.Sources = append(info.Sources, SourceUnpaywall)
			info.DownloadURL = found
		}
	}

	if info.DownloadURL == "" && doi != "" && d.cfg.PublisherLookup {
		found, err := d.checkPublisher(ctx, doi)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			// Publishers routinely refuse automated clients; only
			// transport-level trouble counts as a failure.
			if !softMiss(err) {
				failures = append(failures, err)
			}
		}
		if found != "" {
			info.Sources = append(info.Sources, SourcePublisher)
			info.DownloadURL = found
		}
	}

	info.IsOpenAccess = info.DownloadURL != ""
	if !info.IsOpenAccess && len(failures) > 0 {
		return nil, errors.Join(failures...)
	}
	d.logger.Debug().
		Str("pmid", a.PMID).
		Bool("open_access", info.IsOpenAccess).
		Strs("sources", info.Sources).
		Msg("open access detection complete")
	return info, nil
}

// softMiss reports errors that mean "this source has nothing" rather than
// "this source could not be asked".
func softMiss(err error) bool {
	return errors.Is(err, domain.ErrNotFound) ||
		errors.Is(err, domain.ErrBadRequest) ||
		errors.Is(err, domain.ErrFulltextUnavailable)
}

// lookupPMCID asks the PMC ID converter for the PMCID of pmid.
func (d *Detector) lookupPMCID(ctx context.Context, pmid string) (string, error) {
	var pmcid string
	build := transport.GetRequest(d.cfg.IDConvURL, pubmed.IDConvParams(d.cfg.Credentials, []string{pmid}))
	_, err := d.ncbi.Execute(ctx, "idconv", build, func(resp *http.Response) error {
		body, err := transport.ReadBody(resp, "PMC", 1<<20)
		if err != nil {
			return err
		}
		ids, err := pubmed.ParseIDConv(body)
		if err != nil {
			return err
		}
		pmcid = ids[pmid]
		return nil
	})
	return pmcid, err
}

type unpaywallResponse struct {
	IsOA           bool               `json:"is_oa"`
	BestOALocation *unpaywallLocation `json:"best_oa_location"`
}

type unpaywallLocation struct {
	URL       string `json:"url"`
	URLForPDF string `json:"url_for_pdf"`
}

// checkUnpaywall returns the best open-access location Unpaywall knows for
// doi, preferring a direct PDF link.
func (d *Detector) checkUnpaywall(ctx context.Context, doi string) (string, error) {
	params := url.Values{}
	params.Set("email", credentialsEmail(d.cfg.Credentials))

	var location string
	build := transport.GetRequest(d.cfg.UnpaywallURL+url.PathEscape(doi), params)
	_, err := d.web.Execute(ctx, "unpaywall", build, func(resp *http.Response) error {
		body, err := transport.ReadBody(resp, "Unpaywall", 1<<20)
		if err != nil {
			return err
		}
		var out unpaywallResponse
		if err := json.Unmarshal(body, &out); err != nil {
			return domain.NewParseError("Unpaywall", "decode response", err)
		}
		if !out.IsOA || out.BestOALocation == nil {
			return nil
		}
		location = out.BestOALocation.URLForPDF
		if location == "" {
			location = out.BestOALocation.URL
		}
		return nil
	})
	return location, err
}

// checkPublisher resolves doi and scans the landing page for a PDF link:
// the citation_pdf_url meta tag first, then the first anchor to a .pdf.
func (d *Detector) checkPublisher(ctx context.Context, doi string) (string, error) {
	var link string
	build := func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.cfg.DOIResolverURL+doi, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("User-Agent", BrowserUserAgent)
		req.Header.Set("Accept", "text/html,application/xhtml+xml")
		return req, nil
	}
	_, err := d.web.Execute(ctx, "publisher", build, func(resp *http.Response) error {
		if strings.Contains(strings.ToLower(resp.Header.Get("Content-Type")), "application/pdf") {
			link = resp.Request.URL.String()
			return nil
		}
		body, err := transport.ReadBody(resp, SourcePublisher, pageLimit)
		if err != nil {
			return err
		}
		found, err := FindPDFLink(body, resp.Request.URL)
		if err != nil {
			return err
		}
		link = found
		return nil
	})
	return link, err
}

// FindPDFLink scans an HTML page for a PDF link and resolves it against
// base. It returns an empty string when the page has none.
func FindPDFLink(page []byte, base *url.URL) (string, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(page))
	if err != nil {
		return "", fmt.Errorf("parse landing page: %w", err)
	}

	candidate, _ := doc.Find(`meta[name="citation_pdf_url"]`).First().Attr("content")
	if candidate == "" {
		doc.Find("a[href]").EachWithBreak(func(_ int, s *goquery.Selection) bool {
			href, _ := s.Attr("href")
			lower := strings.ToLower(href)
			if i := strings.IndexAny(lower, "?#"); i >= 0 {
				lower = lower[:i]
			}
			if strings.HasSuffix(lower, ".pdf") || strings.Contains(lower, "/pdf/") {
				candidate = href
				return false
			}
			return true
		})
	}
	candidate = strings.TrimSpace(candidate)
	if candidate == "" {
		return "", nil
	}

	ref, err := url.Parse(candidate)
	if err != nil {
		return "", nil
	}
	if base != nil {
		ref = base.ResolveReference(ref)
	}
	if ref.Scheme != "http" && ref.Scheme != "https" {
		return "", nil
	}
	return ref.String(), nil
}

func credentialsEmail(c pubmed.Credentials) string {
	if c.Email != "" {
		return c.Email
	}
	return pubmed.DefaultEmail
}
