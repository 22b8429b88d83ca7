package tools

import (
	"context"
	"strings"

	"github.com/helixir/pubmed-service/internal/backend"
	"github.com/helixir/pubmed-service/internal/citation"
	"github.com/helixir/pubmed-service/internal/domain"
)

// Tool names.
const (
	ToolSearch          = "pubmed_search"
	ToolQuickSearch     = "pubmed_quick_search"
	ToolGetDetails      = "pubmed_get_details"
	ToolExtractKeyInfo  = "pubmed_extract_key_info"
	ToolCrossReference  = "pubmed_cross_reference"
	ToolBatchQuery      = "pubmed_batch_query"
	ToolDetectFulltext  = "pubmed_detect_fulltext"
	ToolDownload        = "pubmed_download_fulltext"
	ToolBatchDownload   = "pubmed_batch_download"
	ToolFulltextStatus  = "pubmed_fulltext_status"
	ToolExportCitations = "pubmed_export_citations"
	ToolExportEndNote   = "pubmed_export_endnote"
	ToolEndNoteStatus   = "pubmed_endnote_status"
	ToolCacheInfo       = "pubmed_cache_info"
	ToolSystemCheck     = "pubmed_system_check"
)

// MaxDetailPMIDs bounds the PMIDs accepted by detail and batch queries.
const MaxDetailPMIDs = 20

const (
	defaultQuickResults = 10
	largeQueryThreshold = 50
)

// SearchRequest is the input of Search.
type SearchRequest struct {
	Query           string `json:"query" validate:"required,max=4000"`
	MaxResults      int    `json:"max_results" validate:"min=0,max=10000"`
	PageSize        int    `json:"page_size" validate:"min=0,max=10000"`
	DaysBack        int    `json:"days_back" validate:"min=0,max=36500"`
	IncludeAbstract *bool  `json:"include_abstract"`
	SortBy          string `json:"sort_by" validate:"omitempty,oneof=relevance date pub_date"`
	ResponseFormat  string `json:"response_format" validate:"omitempty,oneof=compact standard llm_optimized detailed"`
}

// SearchMetadata echoes the effective search parameters.
type SearchMetadata struct {
	MaxResults       int    `json:"max_results"`
	PageSize         int    `json:"page_size"`
	EffectiveResults int    `json:"effective_results"`
	DaysBack         int    `json:"days_back"`
	SortBy           string `json:"sort_by"`
	IncludeAbstract  bool   `json:"include_abstract"`
	ResponseFormat   string `json:"response_format"`
	IsLargeQuery     bool   `json:"is_large_query"`
	SearchType       string `json:"search_type,omitempty"`
	AbstractMode     string `json:"abstract_mode"`
}

// SearchResponse is the output of Search and QuickSearch.
type SearchResponse struct {
	Result
	Query         string             `json:"query"`
	Term          string             `json:"term,omitempty"`
	Total         int                `json:"total"`
	Found         int                `json:"found"`
	Articles      []FormattedArticle `json:"articles"`
	NotFound      []string           `json:"phrases_not_found,omitempty"`
	Metadata      SearchMetadata     `json:"search_metadata"`
	EndNoteExport []string           `json:"endnote_export,omitempty"`
}

func (r *SearchRequest) withDefaults() {
	if r.MaxResults == 0 {
		r.MaxResults = backend.DefaultMaxResults
	}
	if r.PageSize == 0 {
		r.PageSize = backend.DefaultMaxResults
	}
	if r.SortBy == "" {
		r.SortBy = "relevance"
	}
	if r.ResponseFormat == "" {
		r.ResponseFormat = FormatStandard
	}
	if r.IncludeAbstract == nil {
		include := true
		r.IncludeAbstract = &include
	}
}

// Search runs a PubMed search and formats the matches.
func (f *Facade) Search(ctx context.Context, req SearchRequest) (*SearchResponse, error) {
	resp := &SearchResponse{Articles: []FormattedArticle{}}
	err := f.run(ctx, ToolSearch, &req, resp, func(ctx context.Context) error {
		return f.search(ctx, req, resp)
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// QuickSearch is a compact search returning up to MaxResults matches.
func (f *Facade) QuickSearch(ctx context.Context, req QuickSearchRequest) (*SearchResponse, error) {
	if req.MaxResults == 0 {
		req.MaxResults = defaultQuickResults
	}
	full := SearchRequest{
		Query:          req.Query,
		MaxResults:     req.MaxResults,
		PageSize:       req.MaxResults,
		ResponseFormat: FormatCompact,
	}
	resp := &SearchResponse{Articles: []FormattedArticle{}}
	err := f.run(ctx, ToolQuickSearch, &req, resp, func(ctx context.Context) error {
		if err := f.search(ctx, full, resp); err != nil {
			return err
		}
		resp.Metadata.SearchType = "quick"
		return nil
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// QuickSearchRequest is the input of QuickSearch.
type QuickSearchRequest struct {
	Query      string `json:"query" validate:"required,max=4000"`
	MaxResults int    `json:"max_results" validate:"min=0,max=100"`
}

func (f *Facade) search(ctx context.Context, req SearchRequest, resp *SearchResponse) error {
	req.withDefaults()
	effective := min(req.MaxResults, req.PageSize)

	res, err := f.backend.Search(ctx, backend.SearchRequest{
		Query:      req.Query,
		MaxResults: effective,
		DaysBack:   req.DaysBack,
		Sort:       req.SortBy,
	})
	if err != nil {
		return err
	}

	articles := f.prepare(ctx, res.Articles)
	formatted := formatArticles(articles, req.ResponseFormat, f.backend.AbstractMode().MaxChars())
	if !*req.IncludeAbstract {
		for i := range formatted {
			formatted[i].Abstract = ""
			formatted[i].KeyPoints = nil
			formatted[i].StructuredSections = nil
		}
	}

	resp.Query = res.Query
	resp.Term = res.Term
	resp.Total = res.Total
	resp.Found = len(res.Articles)
	resp.Articles = formatted
	resp.NotFound = res.NotFound
	resp.Metadata = SearchMetadata{
		MaxResults:       req.MaxResults,
		PageSize:         req.PageSize,
		EffectiveResults: effective,
		DaysBack:         req.DaysBack,
		SortBy:           req.SortBy,
		IncludeAbstract:  *req.IncludeAbstract,
		ResponseFormat:   req.ResponseFormat,
		IsLargeQuery:     req.MaxResults > largeQueryThreshold,
		AbstractMode:     string(f.backend.AbstractMode()),
	}
	resp.EndNoteExport = f.archive(ctx, res.Articles)
	return nil
}

// prepare applies the abstract mode: deep mode replaces short abstracts
// with the full text rendering.
func (f *Facade) prepare(ctx context.Context, articles []*domain.Article) []*domain.Article {
	if f.backend.AbstractMode() == domain.AbstractModeDeep {
		return f.backend.EnrichAbstracts(ctx, articles)
	}
	return articles
}

// archive writes search results to the export archive when it is enabled.
// Failures are logged and do not fail the search.
func (f *Facade) archive(ctx context.Context, articles []*domain.Article) []string {
	if !f.backend.ExportEnabled() || len(articles) == 0 {
		return nil
	}
	pmids := make([]string, len(articles))
	for i, a := range articles {
		pmids[i] = a.PMID
	}
	res, err := f.backend.ExportCitations(ctx, pmids, citation.FormatRIS)
	if err != nil {
		f.logger.Warn().Err(err).Int("articles", len(pmids)).Msg("archiving search results failed")
		return nil
	}
	return res.Files
}

// GetDetailsRequest is the input of GetDetails.
type GetDetailsRequest struct {
	PMIDs           []string `json:"pmids" validate:"required,min=1,max=20,dive,pmid"`
	IncludeFullText bool     `json:"include_full_text"`
}

// ArticleDetail is a full record, optionally with the plain text abstract.
type ArticleDetail struct {
	*domain.Article
	URL          string  `json:"url"`
	FullAbstract *string `json:"full_abstract,omitempty"`
}

// DetailsMetadata describes a GetDetails response.
type DetailsMetadata struct {
	Count           int      `json:"count"`
	IncludeFullText bool     `json:"include_full_text"`
	Missing         []string `json:"missing,omitempty"`
	AbstractMode    string   `json:"abstract_mode"`
}

// GetDetailsResponse is the output of GetDetails.
type GetDetailsResponse struct {
	Result
	Articles []ArticleDetail `json:"articles"`
	Metadata DetailsMetadata `json:"metadata"`
}

// GetDetails returns the records of up to MaxDetailPMIDs articles.
func (f *Facade) GetDetails(ctx context.Context, req GetDetailsRequest) (*GetDetailsResponse, error) {
	resp := &GetDetailsResponse{Articles: []ArticleDetail{}}
	err := f.run(ctx, ToolGetDetails, &req, resp, func(ctx context.Context) error {
		articles, err := f.details(ctx, req.PMIDs)
		if err != nil {
			return err
		}
		for _, a := range articles {
			d := ArticleDetail{Article: a, URL: a.URL()}
			if req.IncludeFullText {
				if text, err := f.backend.FetchFullAbstract(ctx, a.PMID); err == nil {
					d.FullAbstract = &text
				}
			}
			resp.Articles = append(resp.Articles, d)
		}
		resp.Metadata = DetailsMetadata{
			Count:           len(articles),
			IncludeFullText: req.IncludeFullText,
			Missing:         missing(req.PMIDs, articles),
			AbstractMode:    string(f.backend.AbstractMode()),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// details fetches records and applies the abstract mode limit.
func (f *Facade) details(ctx context.Context, pmids []string) ([]*domain.Article, error) {
	articles, err := f.backend.FetchDetails(ctx, pmids)
	if err != nil {
		return nil, err
	}
	articles = f.prepare(ctx, articles)
	limit := f.backend.AbstractMode().MaxChars()
	out := make([]*domain.Article, len(articles))
	for i, a := range articles {
		out[i] = a.WithAbstractLimit(limit)
	}
	return out, nil
}

// Key info sections.
const (
	SectionBasicInfo       = "basic_info"
	SectionAbstractSummary = "abstract_summary"
	SectionAuthors         = "authors"
	SectionKeywords        = "keywords"
	SectionDOILink         = "doi_link"
)

var defaultSections = []string{SectionBasicInfo, SectionAbstractSummary, SectionAuthors}

// ExtractKeyInfoRequest is the input of ExtractKeyInfo.
type ExtractKeyInfoRequest struct {
	PMID              string   `json:"pmid" validate:"required,pmid"`
	Sections          []string `json:"extract_sections" validate:"omitempty,dive,oneof=basic_info abstract_summary authors keywords doi_link"`
	MaxAbstractLength int      `json:"max_abstract_length" validate:"omitempty,min=50,max=10000"`
}

// BasicInfo is the bibliographic part of ExtractedInfo.
type BasicInfo struct {
	PMID             string   `json:"pmid"`
	Title            string   `json:"title"`
	Journal          string   `json:"journal"`
	PublicationDate  string   `json:"publication_date"`
	Volume           string   `json:"volume"`
	Issue            string   `json:"issue"`
	Pages            string   `json:"pages"`
	DOI              string   `json:"doi"`
	URL              string   `json:"url"`
	PublicationTypes []string `json:"publication_types"`
}

// AuthorInfo summarises the author list.
type AuthorInfo struct {
	FullList    []string `json:"full_list"`
	FirstAuthor string   `json:"first_author,omitempty"`
	LastAuthor  string   `json:"last_author,omitempty"`
	AuthorCount int      `json:"author_count"`
}

// AbstractSummary is the condensed abstract.
type AbstractSummary struct {
	Full       string            `json:"full"`
	Structured map[string]string `json:"structured"`
	KeyPoints  []string          `json:"key_points"`
	WordCount  int               `json:"word_count"`
}

// KeywordInfo holds the indexing terms.
type KeywordInfo struct {
	MeSHTerms []string `json:"mesh_terms"`
	Keywords  []string `json:"keywords"`
}

// DOILink resolves the DOI to a URL.
type DOILink struct {
	DOI string `json:"doi"`
	URL string `json:"url"`
}

// ExtractedInfo holds the requested sections.
type ExtractedInfo struct {
	BasicInfo       *BasicInfo       `json:"basic_info,omitempty"`
	Authors         *AuthorInfo      `json:"authors,omitempty"`
	AbstractSummary *AbstractSummary `json:"abstract_summary,omitempty"`
	Keywords        *KeywordInfo     `json:"keywords,omitempty"`
	DOILink         *DOILink         `json:"doi_link,omitempty"`
}

// ExtractionMetadata echoes the effective extraction parameters.
type ExtractionMetadata struct {
	Sections          []string `json:"sections"`
	MaxAbstractLength int      `json:"max_abstract_length"`
	AbstractMode      string   `json:"abstract_mode"`
}

// ExtractKeyInfoResponse is the output of ExtractKeyInfo.
type ExtractKeyInfoResponse struct {
	Result
	PMID     string             `json:"pmid"`
	Info     ExtractedInfo      `json:"extracted_info"`
	Metadata ExtractionMetadata `json:"extraction_metadata"`
}

// ExtractKeyInfo condenses one article into the requested sections.
func (f *Facade) ExtractKeyInfo(ctx context.Context, req ExtractKeyInfoRequest) (*ExtractKeyInfoResponse, error) {
	resp := &ExtractKeyInfoResponse{PMID: req.PMID}
	err := f.run(ctx, ToolExtractKeyInfo, &req, resp, func(ctx context.Context) error {
		sections := req.Sections
		if len(sections) == 0 {
			sections = defaultSections
		}
		limit := req.MaxAbstractLength
		if limit == 0 {
			limit = f.backend.AbstractMode().MaxChars()
		}

		articles, err := f.backend.FetchDetails(ctx, []string{req.PMID})
		if err != nil {
			return err
		}
		a := f.prepare(ctx, articles)[0]

		resp.Info = extract(a, sections, limit)
		resp.Metadata = ExtractionMetadata{
			Sections:          sections,
			MaxAbstractLength: limit,
			AbstractMode:      string(f.backend.AbstractMode()),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func extract(a *domain.Article, sections []string, limit int) ExtractedInfo {
	var info ExtractedInfo
	for _, s := range sections {
		switch s {
		case SectionBasicInfo:
			info.BasicInfo = &BasicInfo{
				PMID:             a.PMID,
				Title:            a.Title,
				Journal:          a.Journal,
				PublicationDate:  a.PublicationDate,
				Volume:           a.Volume,
				Issue:            a.Issue,
				Pages:            a.Pages,
				DOI:              a.DOIValue(),
				URL:              a.URL(),
				PublicationTypes: a.PublicationTypes,
			}
		case SectionAuthors:
			ai := &AuthorInfo{FullList: a.Authors, AuthorCount: len(a.Authors)}
			if n := len(a.Authors); n > 0 {
				ai.FirstAuthor = a.Authors[0]
				ai.LastAuthor = a.Authors[n-1]
			}
			info.Authors = ai
		case SectionAbstractSummary:
			text := a.AbstractText()
			if text == "" {
				continue
			}
			text = domain.Truncate(text, limit)
			info.AbstractSummary = &AbstractSummary{
				Full:       text,
				Structured: structuredSections(text),
				KeyPoints:  keyPoints(text),
				WordCount:  len(strings.Fields(text)),
			}
		case SectionKeywords:
			info.Keywords = &KeywordInfo{MeSHTerms: a.MeSHTerms, Keywords: a.Keywords}
		case SectionDOILink:
			doi := a.DOIValue()
			if doi == "" {
				continue
			}
			link := a.URL()
			if strings.HasPrefix(doi, "10.") {
				link = "https://doi.org/" + doi
			}
			info.DOILink = &DOILink{DOI: doi, URL: link}
		}
	}
	return info
}

// Cross reference types.
const (
	ReferenceSimilar = "similar"
	ReferenceReviews = "reviews"
)

// CrossReferenceRequest is the input of CrossReference.
type CrossReferenceRequest struct {
	PMID          string `json:"pmid" validate:"required,pmid"`
	ReferenceType string `json:"reference_type" validate:"omitempty,oneof=similar reviews"`
	MaxResults    int    `json:"max_results" validate:"min=0,max=100"`
}

// CrossReferenceMetadata describes a CrossReference response.
type CrossReferenceMetadata struct {
	Query      string `json:"query"`
	Found      int    `json:"found"`
	MaxResults int    `json:"max_results"`
}

// CrossReferenceResponse is the output of CrossReference.
type CrossReferenceResponse struct {
	Result
	BasePMID        string                 `json:"base_pmid"`
	ReferenceType   string                 `json:"reference_type"`
	RelatedArticles []FormattedArticle     `json:"related_articles"`
	Metadata        CrossReferenceMetadata `json:"metadata"`
}

// CrossReferenceQuery returns the search term CrossReference runs for pmid.
func CrossReferenceQuery(pmid, referenceType string) string {
	if referenceType == ReferenceReviews {
		return pmid + "[uid] AND review[publication type]"
	}
	return pmid + "[uid]"
}

// CrossReference searches for articles related to a PMID.
func (f *Facade) CrossReference(ctx context.Context, req CrossReferenceRequest) (*CrossReferenceResponse, error) {
	if req.ReferenceType == "" {
		req.ReferenceType = ReferenceSimilar
	}
	if req.MaxResults == 0 {
		req.MaxResults = defaultQuickResults
	}
	resp := &CrossReferenceResponse{
		BasePMID:        req.PMID,
		ReferenceType:   req.ReferenceType,
		RelatedArticles: []FormattedArticle{},
	}
	err := f.run(ctx, ToolCrossReference, &req, resp, func(ctx context.Context) error {
		query := CrossReferenceQuery(req.PMID, req.ReferenceType)
		var sr SearchResponse
		if err := f.search(ctx, SearchRequest{Query: query, MaxResults: req.MaxResults, PageSize: req.MaxResults}, &sr); err != nil {
			return err
		}
		resp.RelatedArticles = sr.Articles
		resp.Metadata = CrossReferenceMetadata{Query: query, Found: sr.Found, MaxResults: req.MaxResults}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// BatchQueryRequest is the input of BatchQuery.
type BatchQueryRequest struct {
	PMIDs       []string `json:"pmids" validate:"required,min=1,max=20,dive,pmid"`
	QueryFormat string   `json:"query_format" validate:"omitempty,oneof=compact standard llm_optimized detailed"`
}

// BatchQueryMetadata describes a BatchQuery response.
type BatchQueryMetadata struct {
	TotalQueried int      `json:"total_queried"`
	Found        int      `json:"found"`
	Missing      []string `json:"missing,omitempty"`
}

// BatchQueryResponse is the output of BatchQuery.
type BatchQueryResponse struct {
	Result
	QueryFormat string             `json:"query_format"`
	Articles    []FormattedArticle `json:"articles"`
	Metadata    BatchQueryMetadata `json:"metadata"`
}

// BatchQuery fetches several articles and formats them for a model.
func (f *Facade) BatchQuery(ctx context.Context, req BatchQueryRequest) (*BatchQueryResponse, error) {
	if req.QueryFormat == "" {
		req.QueryFormat = FormatLLMOptimized
	}
	resp := &BatchQueryResponse{QueryFormat: req.QueryFormat, Articles: []FormattedArticle{}}
	err := f.run(ctx, ToolBatchQuery, &req, resp, func(ctx context.Context) error {
		articles, err := f.backend.FetchDetails(ctx, req.PMIDs)
		if err != nil {
			return err
		}
		articles = f.prepare(ctx, articles)
		resp.Articles = formatArticles(articles, req.QueryFormat, f.backend.AbstractMode().MaxChars())
		resp.Metadata = BatchQueryMetadata{
			TotalQueried: len(req.PMIDs),
			Found:        len(articles),
			Missing:      missing(req.PMIDs, articles),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func missing(requested []string, articles []*domain.Article) []string {
	have := make(map[string]bool, len(articles))
	for _, a := range articles {
		have[a.PMID] = true
	}
	var out []string
	for _, pmid := range requested {
		if !have[pmid] {
			out = append(out, pmid)
			have[pmid] = true
		}
	}
	return out
}
