package backend

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/helixir/pubmed-service/internal/cache"
	"github.com/helixir/pubmed-service/internal/domain"
	"github.com/helixir/pubmed-service/internal/pubmed"
)

// Search limits.
const (
	DefaultMaxResults = 20
	MaxDaysBack       = 36500
)

// SearchRequest is one PubMed search.
type SearchRequest struct {
	Query      string
	MaxResults int
	DaysBack   int
	Sort       string
}

// SearchResult is the outcome of Search. Articles are in PubMed's ranking
// order and carry full abstracts; callers truncate them for display.
type SearchResult struct {
	Query    string            `json:"query"`
	Term     string            `json:"term"`
	Total    int               `json:"total"`
	Articles []*domain.Article `json:"articles"`
	// NotFound lists query phrases PubMed did not recognise.
	NotFound []string `json:"not_found,omitempty"`
}

// searchEntry is the cached form of an esearch outcome.
type searchEntry struct {
	Term     string   `json:"term"`
	Total    int      `json:"total"`
	PMIDs    []string `json:"pmids"`
	NotFound []string `json:"not_found,omitempty"`
}

func (r SearchRequest) normalize() (SearchRequest, error) {
	r.Query = strings.TrimSpace(r.Query)
	if r.Query == "" {
		return r, domain.NewValidationError("query", "must not be empty")
	}
	if r.MaxResults <= 0 {
		r.MaxResults = DefaultMaxResults
	}
	if r.MaxResults > pubmed.MaxResultsLimit {
		return r, domain.NewValidationError("max_results", "must be at most "+strconv.Itoa(pubmed.MaxResultsLimit))
	}
	if r.DaysBack < 0 || r.DaysBack > MaxDaysBack {
		return r, domain.NewValidationError("days_back", "must be between 0 and "+strconv.Itoa(MaxDaysBack))
	}
	r.Sort = pubmed.MapSort(r.Sort)
	return r, nil
}

func (r SearchRequest) key(day string) cache.Key {
	params := map[string]string{
		"query":       r.Query,
		"max_results": strconv.Itoa(r.MaxResults),
		"sort":        r.Sort,
		"days_back":   strconv.Itoa(r.DaysBack),
	}
	// A relative date window moves every day.
	if r.DaysBack > 0 {
		params["day"] = day
	}
	return cache.ParamsKey(cache.KindSearch, params)
}

// Search runs esearch for the request and returns the matching articles.
// A query that matches nothing is a successful, cached, empty result.
func (b *Backend) Search(ctx context.Context, req SearchRequest) (*SearchResult, error) {
	req, err := req.normalize()
	if err != nil {
		return nil, err
	}

	now := b.now()
	key := req.key(now.UTC().Format("2006-01-02"))
	logger := b.logger.With().Str("query", req.Query).Str("key", key.String()).Logger()

	var entry searchEntry
	if b.cache.GetJSON(key, &entry) {
		logger.Debug().Int("pmids", len(entry.PMIDs)).Msg("search cache hit")
	} else {
		entry, err = do(ctx, b, key.String(), func(ctx context.Context) (searchEntry, error) {
			return b.dispatchSearch(ctx, req, key, now, logger)
		})
		if err != nil {
			return nil, err
		}
	}

	result := &SearchResult{
		Query:    req.Query,
		Term:     entry.Term,
		Total:    entry.Total,
		Articles: []*domain.Article{},
		NotFound: entry.NotFound,
	}
	if len(entry.PMIDs) == 0 {
		return result, nil
	}

	articles, err := b.fetchDetails(ctx, entry.PMIDs)
	if err != nil {
		return nil, err
	}
	result.Articles = articles
	return result, nil
}

// dispatchSearch runs esearch for req unless an earlier flight already
// cached the outcome under key.
func (b *Backend) dispatchSearch(ctx context.Context, req SearchRequest, key cache.Key, now time.Time, logger zerolog.Logger) (searchEntry, error) {
	var cached searchEntry
	if b.cache.GetJSON(key, &cached) {
		return cached, nil
	}

	term := pubmed.BuildTerm(req.Query, req.DaysBack, now)
	ids, err := b.eutils.Search(ctx, term, req.MaxResults, req.Sort)
	if err != nil {
		return searchEntry{}, err
	}
	e := searchEntry{Term: term, Total: ids.Count, PMIDs: ids.IDs, NotFound: ids.PhraseNotFound}
	if len(e.PMIDs) == 0 {
		e.PMIDs = []string{}
	}
	if err := b.cache.PutJSON(key, e); err != nil {
		logger.Warn().Err(err).Msg("caching search result")
	}
	logger.Info().Int("total", e.Total).Int("pmids", len(e.PMIDs)).Msg("search dispatched")
	return e, nil
}

// FetchDetails returns the records of pmids in input order. Cached records
// are served locally and every miss is retrieved in one efetch. PMIDs
// PubMed does not know are left out; when none of them is known the
// result is a NotFoundError.
func (b *Backend) FetchDetails(ctx context.Context, pmids []string) ([]*domain.Article, error) {
	if len(pmids) == 0 {
		return nil, domain.NewValidationError("pmids", "at least one PMID is required")
	}
	for _, pmid := range pmids {
		if err := validatePMID(pmid); err != nil {
			return nil, err
		}
	}

	articles, err := b.fetchDetails(ctx, pmids)
	if err != nil {
		return nil, err
	}
	if len(articles) == 0 {
		return nil, domain.NewNotFoundError("article", strings.Join(pmids, ","))
	}
	return articles, nil
}

func (b *Backend) fetchDetails(ctx context.Context, pmids []string) ([]*domain.Article, error) {
	found := make(map[string]*domain.Article, len(pmids))
	var misses []string
	seen := make(map[string]bool, len(pmids))
	for _, pmid := range pmids {
		if seen[pmid] {
			continue
		}
		seen[pmid] = true

		var a domain.Article
		if b.cache.GetJSON(cache.ArticleKey(pmid), &a) {
			found[pmid] = &a
			continue
		}
		misses = append(misses, pmid)
	}

	if len(misses) > 0 {
		fetched, err := do(ctx, b, "efetch:"+strings.Join(misses, ","), func(ctx context.Context) ([]*domain.Article, error) {
			return b.fetchMissing(ctx, misses)
		})
		if err != nil {
			return nil, err
		}
		for _, a := range fetched {
			found[a.PMID] = a.Clone()
		}
	}

	out := make([]*domain.Article, 0, len(found))
	for _, pmid := range pmids {
		if a, ok := found[pmid]; ok {
			out = append(out, a)
			delete(found, pmid)
		}
	}
	return out, nil
}

// fetchMissing retrieves pmids in one efetch, skipping records an earlier
// flight cached in the meantime.
func (b *Backend) fetchMissing(ctx context.Context, pmids []string) ([]*domain.Article, error) {
	var (
		articles []*domain.Article
		pending  []string
	)
	for _, pmid := range pmids {
		var a domain.Article
		if b.cache.GetJSON(cache.ArticleKey(pmid), &a) {
			articles = append(articles, &a)
			continue
		}
		pending = append(pending, pmid)
	}
	if len(pending) == 0 {
		return articles, nil
	}

	start := time.Now()
	dispatched, err := b.eutils.Fetch(ctx, pending)
	if err != nil {
		return nil, err
	}
	for _, a := range dispatched {
		if err := b.cache.PutJSON(cache.ArticleKey(a.PMID), a); err != nil {
			b.logger.Warn().Err(err).Str("pmid", a.PMID).Msg("caching article")
		}
	}
	b.logger.Info().
		Int("requested", len(pending)).
		Int("returned", len(dispatched)).
		Dur("duration", time.Since(start)).
		Msg("efetch dispatched")
	return append(articles, dispatched...), nil
}

// FetchFullAbstract returns the plain text abstract rendering of pmid.
func (b *Backend) FetchFullAbstract(ctx context.Context, pmid string) (string, error) {
	if err := validatePMID(pmid); err != nil {
		return "", err
	}

	key := cache.AbstractKey(pmid)
	var text string
	if b.cache.GetJSON(key, &text) {
		return text, nil
	}
	return do(ctx, b, key.String(), func(ctx context.Context) (string, error) {
		var cached string
		if b.cache.GetJSON(key, &cached) {
			return cached, nil
		}
		text, err := b.eutils.AbstractText(ctx, pmid)
		if err != nil {
			return "", err
		}
		if err := b.cache.PutJSON(key, text); err != nil {
			b.logger.Warn().Err(err).Str("pmid", pmid).Msg("caching abstract")
		}
		return text, nil
	})
}

// EnrichAbstracts replaces missing or short abstracts with the full text
// rendering. It is best effort: an article whose abstract cannot be
// fetched keeps what it had. The input is not modified.
func (b *Backend) EnrichAbstracts(ctx context.Context, articles []*domain.Article) []*domain.Article {
	out := make([]*domain.Article, len(articles))
	for i, a := range articles {
		out[i] = a
		if len(a.AbstractText()) >= deepEnrichThreshold {
			continue
		}
		text, err := b.FetchFullAbstract(ctx, a.PMID)
		if err != nil {
			if ctx.Err() != nil {
				return fill(out, articles, i+1)
			}
			b.logger.Debug().Err(err).Str("pmid", a.PMID).Msg("full abstract unavailable")
			continue
		}
		if len(text) > len(a.AbstractText()) {
			c := a.Clone()
			c.Abstract = domain.StringPtr(text)
			out[i] = c
		}
	}
	return out
}

func fill(out, src []*domain.Article, from int) []*domain.Article {
	copy(out[from:], src[from:])
	return out
}
