package tools

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helixir/pubmed-service/internal/backend"
	"github.com/helixir/pubmed-service/internal/cache"
	"github.com/helixir/pubmed-service/internal/citation"
	"github.com/helixir/pubmed-service/internal/domain"
	"github.com/helixir/pubmed-service/internal/fulltext"
	"github.com/helixir/pubmed-service/internal/observability"
	"github.com/helixir/pubmed-service/internal/pubmed"
)

const testPDF = "%PDF-1.7\n%%EOF\n"

type fakeEUtils struct {
	mu        sync.Mutex
	articles  map[string]*domain.Article
	searchIDs []string
	searchErr error
	terms     []string
}

func (f *fakeEUtils) Search(_ context.Context, term string, maxResults int, sort string) (*pubmed.SearchIDs, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.terms = append(f.terms, term)
	if f.searchErr != nil {
		return nil, f.searchErr
	}
	ids := f.searchIDs
	if len(ids) > maxResults {
		ids = ids[:maxResults]
	}
	return &pubmed.SearchIDs{Count: len(f.searchIDs), IDs: append([]string(nil), ids...)}, nil
}

func (f *fakeEUtils) Fetch(_ context.Context, pmids []string) ([]*domain.Article, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*domain.Article
	for _, pmid := range pmids {
		if a, ok := f.articles[pmid]; ok {
			out = append(out, a.Clone())
		}
	}
	return out, nil
}

func (f *fakeEUtils) AbstractText(_ context.Context, pmid string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.articles[pmid]
	if !ok {
		return "", domain.NewNotFoundError("abstract", pmid)
	}
	return a.Title + "\n\n" + a.AbstractText(), nil
}

func (f *fakeEUtils) lastTerm() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.terms) == 0 {
		return ""
	}
	return f.terms[len(f.terms)-1]
}

type fakeDetector struct{}

func (fakeDetector) Detect(_ context.Context, a *domain.Article) (*fulltext.OpenAccessInfo, error) {
	if a.PMID == "333" {
		return &fulltext.OpenAccessInfo{Sources: []string{}}, nil
	}
	return &fulltext.OpenAccessInfo{
		IsOpenAccess: true,
		Sources:      []string{fulltext.SourceUnpaywall},
		DownloadURL:  "https://example.org/" + a.PMID + ".pdf",
	}, nil
}

type fakeFetcher struct{}

func (fakeFetcher) Name() string { return "fake" }

func (fakeFetcher) Fetch(_ context.Context, _, dst string) (int64, error) {
	if err := os.WriteFile(dst, []byte(testPDF), 0o644); err != nil {
		return 0, err
	}
	return int64(len(testPDF)), nil
}

const structuredAbstract = "BACKGROUND: Gene editing changes outcomes in many settings. " +
	"METHODS: We enrolled two hundred patients across four sites. " +
	"RESULTS: Response rates improved substantially in the treated arm. " +
	"CONCLUSIONS: Editing is effective and well tolerated overall."

func testArticles() map[string]*domain.Article {
	return map[string]*domain.Article{
		"111": {
			PMID:             "111",
			Title:            "Editing genes",
			Authors:          []string{"Smith J", "Doe A", "Lee K", "Park S"},
			Journal:          "Nature",
			Volume:           "12",
			Issue:            "3",
			Pages:            "100-110",
			PublicationDate:  "2023 Jan",
			Abstract:         domain.StringPtr(structuredAbstract),
			DOI:              domain.StringPtr("10.1000/111"),
			PublicationTypes: []string{"Journal Article"},
			MeSHTerms:        []string{"Gene Editing", "Humans"},
			Keywords:         []string{"crispr"},
		},
		"222": {
			PMID:            "222",
			Title:           "Second study",
			Authors:         []string{"Brown T"},
			Journal:         "Cell",
			PublicationDate: "2022",
		},
		"333": {
			PMID:    "333",
			Title:   "Closed access",
			Authors: []string{"Green P"},
			Journal: "Science",
		},
	}
}

type options struct {
	mode     string
	archive  bool
	abstract domain.AbstractMode
}

type fixture struct {
	facade  *Facade
	eutils  *fakeEUtils
	metrics *observability.Metrics
}

func newFixture(t *testing.T, opts options) *fixture {
	t.Helper()
	dir := t.TempDir()
	if opts.mode == "" {
		opts.mode = backend.FulltextEnabled
	}
	lib, err := fulltext.NewLibrary(filepath.Join(dir, "fulltext"), 0, zerolog.Nop())
	require.NoError(t, err)

	eutils := &fakeEUtils{articles: testArticles(), searchIDs: []string{"111", "222"}}
	deps := backend.Deps{
		Config:   backend.Config{AbstractMode: opts.abstract, FulltextMode: opts.mode, FetcherMode: "native"},
		EUtils:   eutils,
		Cache:    cache.New(cache.Config{MemorySize: 100, MemoryTTL: time.Minute}, zerolog.Nop(), nil),
		Library:  lib,
		Detector: fakeDetector{},
		Fetcher:  fakeFetcher{},
		Logger:   zerolog.Nop(),
	}
	if opts.archive {
		deps.Archive, err = citation.NewArchive(filepath.Join(dir, "endnote"), zerolog.Nop())
		require.NoError(t, err)
	}
	b, err := backend.New(deps)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })

	metrics := observability.NewMetrics("test", prometheus.NewRegistry())
	return &fixture{facade: New(b, zerolog.Nop(), metrics), eutils: eutils, metrics: metrics}
}

func assertValidation(t *testing.T, err error, field string) {
	t.Helper()
	var verr *domain.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, field, verr.Field)
}

func TestSearch(t *testing.T) {
	fx := newFixture(t, options{})
	ctx := context.Background()

	resp, err := fx.facade.Search(ctx, SearchRequest{Query: "gene editing"})
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, 2, resp.Total)
	assert.Equal(t, 2, resp.Found)
	require.Len(t, resp.Articles, 2)

	first := resp.Articles[0]
	assert.Equal(t, "111", first.PMID)
	assert.Equal(t, "Smith J, Doe A, Lee K, et al. Nature, 2023 Jan", first.Citation)
	assert.Equal(t, "https://pubmed.ncbi.nlm.nih.gov/111/", first.URL)
	assert.NotEmpty(t, first.KeyPoints)
	assert.Equal(t, []string{"Gene Editing", "Humans"}, first.Keywords)
	assert.Empty(t, resp.Articles[1].Abstract)

	assert.Equal(t, SearchMetadata{
		MaxResults:       20,
		PageSize:         20,
		EffectiveResults: 20,
		SortBy:           "relevance",
		IncludeAbstract:  true,
		ResponseFormat:   FormatStandard,
		AbstractMode:     "quick",
	}, resp.Metadata)
	assert.Equal(t, float64(1), testutil.ToFloat64(fx.metrics.ToolCalls.WithLabelValues(ToolSearch, "success")))
}

func TestSearch_Options(t *testing.T) {
	fx := newFixture(t, options{})
	ctx := context.Background()
	excluded := false

	resp, err := fx.facade.Search(ctx, SearchRequest{
		Query:           "gene editing",
		MaxResults:      100,
		PageSize:        1,
		IncludeAbstract: &excluded,
		ResponseFormat:  FormatDetailed,
	})
	require.NoError(t, err)
	require.Len(t, resp.Articles, 1)
	assert.Equal(t, "PMID: 111", resp.Articles[0].Identifier)
	assert.Empty(t, resp.Articles[0].PMID)
	assert.Empty(t, resp.Articles[0].Abstract)
	assert.Nil(t, resp.Articles[0].KeyPoints)
	assert.Equal(t, 1, resp.Metadata.EffectiveResults)
	assert.True(t, resp.Metadata.IsLargeQuery)
}

func TestSearch_Validation(t *testing.T) {
	fx := newFixture(t, options{})

	tests := []struct {
		name  string
		req   SearchRequest
		field string
	}{
		{"missing query", SearchRequest{}, "query"},
		{"blank query", SearchRequest{Query: "   "}, "query"},
		{"bad sort", SearchRequest{Query: "x", SortBy: "citations"}, "sort_by"},
		{"bad format", SearchRequest{Query: "x", ResponseFormat: "xml"}, "response_format"},
		{"window too large", SearchRequest{Query: "x", DaysBack: 40000}, "days_back"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := fx.facade.Search(context.Background(), tt.req)
			assert.Nil(t, resp)
			assertValidation(t, err, tt.field)
		})
	}
	assert.Empty(t, fx.eutils.terms)
}

func TestSearch_UpstreamFailureIsAResult(t *testing.T) {
	fx := newFixture(t, options{})
	fx.eutils.searchErr = &domain.RetryExhaustedError{
		Operation: "PubMed esearch",
		Attempts:  3,
		Last:      errors.New(`Get "https://eutils.example/esearch.fcgi?api_key=secret": connection reset`),
	}

	resp, err := fx.facade.Search(context.Background(), SearchRequest{Query: "gene"})
	require.NoError(t, err)
	assert.False(t, resp.Success)
	assert.Equal(t, domain.KindUnavailable, resp.ErrorKind)
	assert.Equal(t, "PubMed esearch failed after 3 attempts", resp.Error)
	assert.NotContains(t, resp.Error, "secret")
	assert.NotNil(t, resp.Articles)
}

func TestQuickSearch(t *testing.T) {
	fx := newFixture(t, options{})

	resp, err := fx.facade.QuickSearch(context.Background(), QuickSearchRequest{Query: "gene"})
	require.NoError(t, err)
	require.Len(t, resp.Articles, 2)
	assert.Equal(t, "Smith J, Doe A, et al.", resp.Articles[0].Authors)
	assert.Equal(t, "2023 Jan", resp.Articles[0].Date)
	assert.Empty(t, resp.Articles[0].Citation)
	assert.Equal(t, "quick", resp.Metadata.SearchType)
	assert.Equal(t, 10, resp.Metadata.EffectiveResults)
}

func TestGetDetails(t *testing.T) {
	fx := newFixture(t, options{})

	resp, err := fx.facade.GetDetails(context.Background(), GetDetailsRequest{
		PMIDs:           []string{"222", "999", "111"},
		IncludeFullText: true,
	})
	require.NoError(t, err)
	require.Len(t, resp.Articles, 2)
	assert.Equal(t, "222", resp.Articles[0].PMID)
	assert.Equal(t, "https://pubmed.ncbi.nlm.nih.gov/222/", resp.Articles[0].URL)
	require.NotNil(t, resp.Articles[1].FullAbstract)
	assert.Contains(t, *resp.Articles[1].FullAbstract, "Editing genes")
	assert.Equal(t, []string{"999"}, resp.Metadata.Missing)

	raw, err := json.Marshal(resp.Articles[1])
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"pmid":"111"`)
	assert.Contains(t, string(raw), `"full_abstract":`)
}

func TestGetDetails_Validation(t *testing.T) {
	fx := newFixture(t, options{})

	tooMany := make([]string, MaxDetailPMIDs+1)
	for i := range tooMany {
		tooMany[i] = "1"
	}
	_, err := fx.facade.GetDetails(context.Background(), GetDetailsRequest{PMIDs: tooMany})
	assertValidation(t, err, "pmids")

	_, err = fx.facade.GetDetails(context.Background(), GetDetailsRequest{PMIDs: []string{"111", "abc"}})
	assertValidation(t, err, "pmids[1]")

	_, err = fx.facade.GetDetails(context.Background(), GetDetailsRequest{})
	assertValidation(t, err, "pmids")
}

func TestGetDetails_NotFoundIsAResult(t *testing.T) {
	fx := newFixture(t, options{})

	resp, err := fx.facade.GetDetails(context.Background(), GetDetailsRequest{PMIDs: []string{"999"}})
	require.NoError(t, err)
	assert.False(t, resp.Success)
	assert.Equal(t, domain.KindNotFound, resp.ErrorKind)
	assert.Equal(t, float64(1), testutil.ToFloat64(fx.metrics.ToolCalls.WithLabelValues(ToolGetDetails, "not_found")))
}

func TestExtractKeyInfo(t *testing.T) {
	fx := newFixture(t, options{})

	resp, err := fx.facade.ExtractKeyInfo(context.Background(), ExtractKeyInfoRequest{
		PMID:     "111",
		Sections: []string{SectionBasicInfo, SectionAuthors, SectionAbstractSummary, SectionKeywords, SectionDOILink},
	})
	require.NoError(t, err)
	info := resp.Info

	require.NotNil(t, info.BasicInfo)
	assert.Equal(t, "10.1000/111", info.BasicInfo.DOI)
	assert.Equal(t, []string{"Journal Article"}, info.BasicInfo.PublicationTypes)

	require.NotNil(t, info.Authors)
	assert.Equal(t, "Smith J", info.Authors.FirstAuthor)
	assert.Equal(t, "Park S", info.Authors.LastAuthor)
	assert.Equal(t, 4, info.Authors.AuthorCount)

	require.NotNil(t, info.AbstractSummary)
	assert.Equal(t, "We enrolled two hundred patients across four sites.", info.AbstractSummary.Structured["methods"])
	assert.Equal(t, len(strings.Fields(structuredAbstract)), info.AbstractSummary.WordCount)

	require.NotNil(t, info.DOILink)
	assert.Equal(t, "https://doi.org/10.1000/111", info.DOILink.URL)
	assert.Equal(t, []string{"crispr"}, info.Keywords.Keywords)
	assert.Equal(t, domain.QuickAbstractChars, resp.Metadata.MaxAbstractLength)
}

func TestExtractKeyInfo_DefaultsAndAbsentSections(t *testing.T) {
	fx := newFixture(t, options{})

	resp, err := fx.facade.ExtractKeyInfo(context.Background(), ExtractKeyInfoRequest{
		PMID:              "222",
		Sections:          []string{SectionAbstractSummary, SectionDOILink},
		MaxAbstractLength: 100,
	})
	require.NoError(t, err)
	assert.Nil(t, resp.Info.AbstractSummary, "article has no abstract")
	assert.Nil(t, resp.Info.DOILink, "article has no DOI")
	assert.Equal(t, 100, resp.Metadata.MaxAbstractLength)

	defaults, err := fx.facade.ExtractKeyInfo(context.Background(), ExtractKeyInfoRequest{PMID: "111"})
	require.NoError(t, err)
	assert.Equal(t, defaultSections, defaults.Metadata.Sections)
	assert.Nil(t, defaults.Info.Keywords)

	_, err = fx.facade.ExtractKeyInfo(context.Background(), ExtractKeyInfoRequest{PMID: "111", Sections: []string{"figures"}})
	assertValidation(t, err, "extract_sections[0]")
}

func TestCrossReference(t *testing.T) {
	fx := newFixture(t, options{})

	resp, err := fx.facade.CrossReference(context.Background(), CrossReferenceRequest{PMID: "111", ReferenceType: ReferenceReviews})
	require.NoError(t, err)
	assert.Equal(t, "111[uid] AND review[publication type]", fx.eutils.lastTerm())
	assert.Equal(t, "111[uid] AND review[publication type]", resp.Metadata.Query)
	assert.Equal(t, 2, resp.Metadata.Found)
	assert.Equal(t, 10, resp.Metadata.MaxResults)

	_, err = fx.facade.CrossReference(context.Background(), CrossReferenceRequest{PMID: "111"})
	require.NoError(t, err)
	assert.Equal(t, "111[uid]", fx.eutils.lastTerm())
}

func TestBatchQuery(t *testing.T) {
	fx := newFixture(t, options{})

	resp, err := fx.facade.BatchQuery(context.Background(), BatchQueryRequest{PMIDs: []string{"111", "555"}, QueryFormat: FormatCompact})
	require.NoError(t, err)
	assert.Equal(t, FormatCompact, resp.QueryFormat)
	require.Len(t, resp.Articles, 1)
	assert.Equal(t, 2, resp.Metadata.TotalQueried)
	assert.Equal(t, []string{"555"}, resp.Metadata.Missing)
}

func TestDetectFulltext(t *testing.T) {
	fx := newFixture(t, options{})

	resp, err := fx.facade.DetectFulltext(context.Background(), DetectFulltextRequest{PMID: "111"})
	require.NoError(t, err)
	assert.True(t, resp.OpenAccess.IsOpenAccess)
	assert.Equal(t, []string{"Smith J", "Doe A", "Lee K"}, resp.ArticleInfo.Authors)
	assert.Nil(t, resp.Download)

	resp, err = fx.facade.DetectFulltext(context.Background(), DetectFulltextRequest{PMID: "111", AutoDownload: true})
	require.NoError(t, err)
	require.NotNil(t, resp.Download)
	assert.Equal(t, backend.StatusDownloaded, resp.Download.Status)
	assert.True(t, resp.Mode.RequestedAutoDownload)
}

func TestDetectFulltext_AutoMode(t *testing.T) {
	fx := newFixture(t, options{mode: backend.FulltextAuto})

	resp, err := fx.facade.DetectFulltext(context.Background(), DetectFulltextRequest{PMID: "222"})
	require.NoError(t, err)
	require.NotNil(t, resp.Download)
	assert.True(t, resp.Mode.AutoDownload)
}

func TestDownloadFulltext(t *testing.T) {
	fx := newFixture(t, options{})

	resp, err := fx.facade.DownloadFulltext(context.Background(), DownloadFulltextRequest{PMID: "111"})
	require.NoError(t, err)
	require.True(t, resp.Success)
	assert.Equal(t, backend.StatusDownloaded, resp.Status)

	again, err := fx.facade.DownloadFulltext(context.Background(), DownloadFulltextRequest{PMID: "111"})
	require.NoError(t, err)
	assert.Equal(t, backend.StatusAlreadyCached, again.Status)

	closed, err := fx.facade.DownloadFulltext(context.Background(), DownloadFulltextRequest{PMID: "333"})
	require.NoError(t, err)
	assert.False(t, closed.Success)
	assert.Equal(t, domain.KindFulltextUnavailable, closed.ErrorKind)
	assert.Nil(t, closed.DownloadResult)

	raw, err := json.Marshal(again)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"success":true`)
	assert.Contains(t, string(raw), `"status":"already_cached"`)
}

func TestDownloadFulltext_Disabled(t *testing.T) {
	fx := newFixture(t, options{mode: backend.FulltextDisabled})

	resp, err := fx.facade.DownloadFulltext(context.Background(), DownloadFulltextRequest{PMID: "111"})
	require.NoError(t, err)
	assert.False(t, resp.Success)
	assert.Equal(t, domain.KindDisabled, resp.ErrorKind)

	batch, err := fx.facade.BatchDownload(context.Background(), BatchDownloadRequest{PMIDs: []string{"111"}})
	require.NoError(t, err)
	assert.False(t, batch.Success)
	assert.Equal(t, domain.KindDisabled, batch.ErrorKind)
}

func TestBatchDownload(t *testing.T) {
	fx := newFixture(t, options{})
	_, err := fx.facade.DownloadFulltext(context.Background(), DownloadFulltextRequest{PMID: "222"})
	require.NoError(t, err)

	resp, err := fx.facade.BatchDownload(context.Background(), BatchDownloadRequest{
		PMIDs:       []string{"111", "222", "333", "999"},
		Concurrency: 2,
	})
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, 4, resp.Requested)
	assert.Equal(t, 1, resp.Downloaded)
	assert.Equal(t, 1, resp.AlreadyCached)
	assert.Equal(t, 2, resp.Failed)

	require.Len(t, resp.Results, 4)
	assert.Equal(t, "333", resp.Results[2].PMID)
	assert.Equal(t, domain.KindFulltextUnavailable, resp.Results[2].ErrorKind)
	assert.Equal(t, domain.KindNotFound, resp.Results[3].ErrorKind)
}

func TestFulltextStatus(t *testing.T) {
	fx := newFixture(t, options{})
	for _, pmid := range []string{"111", "222"} {
		_, err := fx.facade.DownloadFulltext(context.Background(), DownloadFulltextRequest{PMID: pmid})
		require.NoError(t, err)
	}

	stats, err := fx.facade.FulltextStatus(context.Background(), FulltextStatusRequest{})
	require.NoError(t, err)
	assert.Equal(t, ActionStats, stats.Action)
	assert.Equal(t, 2, stats.Stats.TotalPDFs)

	list, err := fx.facade.FulltextStatus(context.Background(), FulltextStatusRequest{Action: ActionList, PMID: "222"})
	require.NoError(t, err)
	require.Len(t, list.Papers, 1)
	assert.Equal(t, "222", list.Papers[0].PMID)

	cleared, err := fx.facade.FulltextStatus(context.Background(), FulltextStatusRequest{Action: ActionClear})
	require.NoError(t, err)
	assert.Equal(t, 2, *cleared.Removed)

	_, err = fx.facade.FulltextStatus(context.Background(), FulltextStatusRequest{Action: "purge"})
	assertValidation(t, err, "action")
}

func TestExportCitations(t *testing.T) {
	fx := newFixture(t, options{archive: true})

	resp, err := fx.facade.ExportCitations(context.Background(), ExportCitationsRequest{PMIDs: []string{"111"}, Format: "bib"})
	require.NoError(t, err)
	assert.Equal(t, citation.FormatBibTeX, resp.Format)
	assert.Contains(t, resp.Content, "@article{")
	assert.True(t, resp.Archived)

	endnote, err := fx.facade.ExportEndNote(context.Background(), ExportEndNoteRequest{PMIDs: []string{"111", "222"}})
	require.NoError(t, err)
	assert.Equal(t, citation.FormatEndNote, endnote.Format)
	assert.Equal(t, 2, endnote.Count)

	status, err := fx.facade.EndNoteStatus(context.Background(), EndNoteStatusRequest{Action: ActionList})
	require.NoError(t, err)
	assert.Equal(t, 2, status.Total)

	_, err = fx.facade.ExportCitations(context.Background(), ExportCitationsRequest{PMIDs: []string{"111"}, Format: "csv"})
	assertValidation(t, err, "format")
}

func TestEndNoteStatus_Disabled(t *testing.T) {
	fx := newFixture(t, options{})

	resp, err := fx.facade.EndNoteStatus(context.Background(), EndNoteStatusRequest{})
	require.NoError(t, err)
	assert.False(t, resp.Success)
	assert.Equal(t, domain.KindDisabled, resp.ErrorKind)
}

func TestSearch_ArchivesWhenExportEnabled(t *testing.T) {
	fx := newFixture(t, options{archive: true})

	resp, err := fx.facade.Search(context.Background(), SearchRequest{Query: "gene"})
	require.NoError(t, err)
	assert.Len(t, resp.EndNoteExport, 4)
}

func TestCacheInfo(t *testing.T) {
	fx := newFixture(t, options{})
	_, err := fx.facade.GetDetails(context.Background(), GetDetailsRequest{PMIDs: []string{"111", "222"}})
	require.NoError(t, err)

	stats, err := fx.facade.CacheInfo(context.Background(), CacheInfoRequest{})
	require.NoError(t, err)
	require.NotNil(t, stats.Stats)
	assert.Equal(t, 2, stats.Stats.Memory.CurrentSize)

	cleared, err := fx.facade.CacheInfo(context.Background(), CacheInfoRequest{Action: CacheClear})
	require.NoError(t, err)
	assert.Equal(t, "Cleared 2 memory entries", cleared.Message)
	assert.Equal(t, 0, cleared.Stats.Memory.CurrentSize)

	_, err = fx.facade.CacheInfo(context.Background(), CacheInfoRequest{Action: CacheClearFiles, Kind: "papers"})
	assertValidation(t, err, "kind")
}

func TestSystemCheck(t *testing.T) {
	fx := newFixture(t, options{})

	resp, err := fx.facade.SystemCheck(context.Background(), SystemCheckRequest{})
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, "fake", resp.System.Fetcher)
	assert.Equal(t, backend.FulltextEnabled, resp.System.FulltextMode)
}

func TestDeepModeEnrichesAbstracts(t *testing.T) {
	fx := newFixture(t, options{abstract: domain.AbstractModeDeep})

	resp, err := fx.facade.GetDetails(context.Background(), GetDetailsRequest{PMIDs: []string{"111"}})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(resp.Articles[0].AbstractText(), "Editing genes"))
	assert.Equal(t, "deep", resp.Metadata.AbstractMode)
}

func TestInvoke(t *testing.T) {
	fx := newFixture(t, options{})
	ctx := context.Background()

	out, err := fx.facade.Invoke(ctx, ToolGetDetails, json.RawMessage(`{"pmids":["111"]}`))
	require.NoError(t, err)
	details, ok := out.(*GetDetailsResponse)
	require.True(t, ok)
	assert.Len(t, details.Articles, 1)

	out, err = fx.facade.Invoke(ctx, ToolSystemCheck, nil)
	require.NoError(t, err)
	assert.IsType(t, &SystemCheckResponse{}, out)

	_, err = fx.facade.Invoke(ctx, "pubmed_unknown", nil)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = fx.facade.Invoke(ctx, ToolGetDetails, json.RawMessage(`{"pmids":["111"],"extra":1}`))
	assertValidation(t, err, "arguments")

	_, err = fx.facade.Invoke(ctx, ToolSearch, json.RawMessage(`{"query":"x","max_results":"ten"}`))
	assertValidation(t, err, "max_results")

	_, err = fx.facade.Invoke(ctx, ToolSearch, json.RawMessage(`{"query":"x"} {"query":"y"}`))
	assertValidation(t, err, "arguments")
}

func TestList(t *testing.T) {
	fx := newFixture(t, options{})

	list := fx.facade.List()
	require.Len(t, list, 15)
	seen := make(map[string]bool)
	for _, d := range list {
		assert.NotEmpty(t, d.Description, d.Name)
		assert.False(t, seen[d.Name], "duplicate %s", d.Name)
		seen[d.Name] = true
	}
	assert.Equal(t, ToolSearch, list[0].Name)
}
