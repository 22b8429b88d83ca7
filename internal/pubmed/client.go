package pubmed

import (
	"context"
	"net/http"
	"strings"

	"github.com/helixir/pubmed-service/internal/domain"
	"github.com/helixir/pubmed-service/internal/transport"
)

// postThreshold is the id count above which efetch is sent as a form POST
// instead of a GET, keeping request URLs within server limits.
const postThreshold = 200

// FetchBatchSize is the largest number of PMIDs sent in one efetch call.
const FetchBatchSize = 500

const bodyLimit = 50 << 20

// Config holds the configuration for the E-utilities client.
type Config struct {
	// BaseURL is the base URL for the E-utilities API.
	// Defaults to DefaultBaseURL if empty.
	BaseURL string

	// Credentials are sent with every request.
	Credentials Credentials
}

// Client issues E-utilities requests and parses their bodies. It holds no
// cache; every call reaches the network through the shared transport.
type Client struct {
	config Config
	http   *transport.HTTPClient
}

// NewClient creates a client over hc. The transport's rate limiter is the
// one every E-utilities caller in the process shares.
func NewClient(cfg Config, hc *transport.HTTPClient) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Client{config: cfg, http: hc}
}

// Credentials returns the caller identification sent to NCBI.
func (c *Client) Credentials() Credentials {
	return c.config.Credentials
}

// Search runs esearch for term.
func (c *Client) Search(ctx context.Context, term string, maxResults int, sort string) (*SearchIDs, error) {
	var out *SearchIDs
	params := SearchParams(c.config.Credentials, term, maxResults, sort)
	_, err := c.http.Execute(ctx, "esearch", transport.GetRequest(c.config.BaseURL+ESearchPath, params), func(resp *http.Response) error {
		body, err := transport.ReadBody(resp, SourceName, bodyLimit)
		if err != nil {
			return err
		}
		out, err = ParseSearch(body)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Fetch retrieves the XML records of pmids in batches of FetchBatchSize.
// Records PubMed does not return are simply absent from the result.
func (c *Client) Fetch(ctx context.Context, pmids []string) ([]*domain.Article, error) {
	out := make([]*domain.Article, 0, len(pmids))
	for start := 0; start < len(pmids); start += FetchBatchSize {
		end := start + FetchBatchSize
		if end > len(pmids) {
			end = len(pmids)
		}
		batch, err := c.fetchBatch(ctx, pmids[start:end])
		if err != nil {
			return nil, err
		}
		out = append(out, batch...)
	}
	return out, nil
}

func (c *Client) fetchBatch(ctx context.Context, pmids []string) ([]*domain.Article, error) {
	params := FetchParams(c.config.Credentials, pmids)
	build := transport.GetRequest(c.config.BaseURL+EFetchPath, params)
	if len(pmids) > postThreshold {
		build = transport.PostFormRequest(c.config.BaseURL+EFetchPath, params)
	}

	var articles []*domain.Article
	_, err := c.http.Execute(ctx, "efetch", build, func(resp *http.Response) error {
		body, err := transport.ReadBody(resp, SourceName, bodyLimit)
		if err != nil {
			return err
		}
		articles, err = ParseArticles(body)
		return err
	})
	if err != nil {
		return nil, err
	}
	return articles, nil
}

// AbstractText retrieves the plain text abstract rendering of pmid.
func (c *Client) AbstractText(ctx context.Context, pmid string) (string, error) {
	var text string
	params := AbstractTextParams(c.config.Credentials, pmid)
	_, err := c.http.Execute(ctx, "efetch_text", transport.GetRequest(c.config.BaseURL+EFetchPath, params), func(resp *http.Response) error {
		body, err := transport.ReadBody(resp, SourceName, bodyLimit)
		if err != nil {
			return err
		}
		text, err = ParseAbstractText(body)
		return err
	})
	if err != nil {
		return "", err
	}
	return text, nil
}
