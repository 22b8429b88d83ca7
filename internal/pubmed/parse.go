package pubmed

import (
	"bytes"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/helixir/pubmed-service/internal/domain"
)

// SearchIDs is the parsed outcome of one esearch call.
type SearchIDs struct {
	// Count is the total number of matches, which may exceed len(IDs).
	Count int
	// IDs holds the returned PMIDs in ranking order.
	IDs []string
	// PhraseNotFound lists query phrases PubMed did not recognise. A
	// search whose only phrase was not found has no IDs.
	PhraseNotFound []string
}

// ParseSearch decodes an esearch XML body. Bodies that are not an
// eSearchResult, or that carry identifiers that are not PMIDs, are reported
// as domain.ParseError. A query PubMed rejects outright is reported as a bad
// request.
func ParseSearch(body []byte) (*SearchIDs, error) {
	var result ESearchResult
	if err := xml.Unmarshal(body, &result); err != nil {
		return nil, domain.NewParseError(SourceName, "decode esearch", err)
	}

	if msg := strings.TrimSpace(result.Error); msg != "" {
		return nil, domain.NewExternalAPIError(SourceName, http.StatusBadRequest, msg)
	}

	out := &SearchIDs{Count: result.Count}
	if result.ErrorList != nil {
		out.PhraseNotFound = append(out.PhraseNotFound, result.ErrorList.PhraseNotFound...)
	}

	out.IDs = make([]string, 0, len(result.IDList.IDs))
	for _, id := range result.IDList.IDs {
		id = strings.TrimSpace(id)
		if !domain.ValidPMID(id) {
			return nil, domain.NewParseError(SourceName, fmt.Sprintf("esearch returned invalid id %q", id), nil)
		}
		out.IDs = append(out.IDs, id)
	}
	return out, nil
}

// ParseArticles decodes an efetch XML body into articles, in response
// order. Every record must carry a PMID; a record without one fails the
// whole body.
func ParseArticles(body []byte) ([]*domain.Article, error) {
	var set PubmedArticleSet
	if err := xml.Unmarshal(body, &set); err != nil {
		return nil, domain.NewParseError(SourceName, "decode efetch", err)
	}

	articles := make([]*domain.Article, 0, len(set.Articles))
	for i := range set.Articles {
		a, err := ToArticle(&set.Articles[i])
		if err != nil {
			return nil, err
		}
		articles = append(articles, a)
	}
	return articles, nil
}

// ParseAbstractText normalises a plain text efetch body. An empty body
// yields an empty string.
func ParseAbstractText(body []byte) (string, error) {
	text := strings.TrimSpace(string(body))
	if strings.HasPrefix(text, "<") {
		return "", domain.NewParseError(SourceName, "expected plain text abstract", nil)
	}
	return text, nil
}

// ParseIDConv decodes a PMC ID converter body into a PMID to PMCID map.
// Records without a PMCID are left out.
func ParseIDConv(body []byte) (map[string]string, error) {
	var resp IDConvResponse
	dec := json.NewDecoder(bytes.NewReader(body))
	if err := dec.Decode(&resp); err != nil {
		return nil, domain.NewParseError("PMC", "decode idconv", err)
	}
	if resp.Status != "" && resp.Status != "ok" {
		return nil, domain.NewExternalAPIError("PMC", http.StatusBadRequest, resp.Message)
	}

	out := make(map[string]string, len(resp.Records))
	for _, r := range resp.Records {
		if r.PMCID == "" || r.PMID == "" {
			continue
		}
		out[string(r.PMID)] = r.PMCID
	}
	return out, nil
}

// ToArticle converts one efetch record into a domain article.
func ToArticle(pa *PubmedArticle) (*domain.Article, error) {
	citation := pa.MedlineCitation
	pmid := strings.TrimSpace(citation.PMID.Value)
	if pmid == "" {
		return nil, domain.NewParseError(SourceName, "article without PMID", nil)
	}
	if !domain.ValidPMID(pmid) {
		return nil, domain.NewParseError(SourceName, fmt.Sprintf("invalid PMID %q", pmid), nil)
	}

	art := citation.Article
	title := art.ArticleTitle.String()
	if title == "" {
		title = art.VernacularTitle.String()
	}

	journal := strings.TrimSpace(art.Journal.Title)
	if journal == "" {
		journal = strings.TrimSpace(art.Journal.ISOAbbreviation)
	}

	publishedAt, display := extractPublicationDate(art)

	a := &domain.Article{
		PMID:            pmid,
		Title:           title,
		Abstract:        domain.StringPtr(extractAbstract(art.Abstract)),
		Authors:         extractAuthors(art.AuthorList),
		Journal:         journal,
		Volume:          strings.TrimSpace(art.Journal.JournalIssue.Volume),
		Issue:           strings.TrimSpace(art.Journal.JournalIssue.Issue),
		Pages:           extractPages(art.Pagination),
		PublishedAt:     publishedAt,
		PublicationDate: display,
		DOI:             domain.StringPtr(extractDOI(art, pa.PubmedData)),
		PMCID:           domain.StringPtr(extractPMCID(pa.PubmedData)),
	}
	if len(art.Language) > 0 {
		a.Language = strings.TrimSpace(art.Language[0])
	}
	if art.PublicationTypeList != nil {
		for _, pt := range art.PublicationTypeList.PublicationTypes {
			if v := strings.TrimSpace(pt.Value); v != "" {
				a.PublicationTypes = append(a.PublicationTypes, v)
			}
		}
	}
	if citation.MeshHeadingList != nil {
		for _, mh := range citation.MeshHeadingList.MeshHeadings {
			if v := strings.TrimSpace(mh.DescriptorName.Value); v != "" {
				a.MeSHTerms = append(a.MeSHTerms, v)
			}
		}
	}
	for _, kl := range citation.KeywordList {
		for _, kw := range kl.Keywords {
			if v := kw.String(); v != "" {
				a.Keywords = append(a.Keywords, v)
			}
		}
	}

	a.Links = []domain.Link{{Kind: domain.LinkPubMed, URL: a.URL()}}
	if a.DOI != nil {
		a.Links = append(a.Links, domain.Link{Kind: domain.LinkDOI, URL: DOIURL(*a.DOI)})
	}
	if a.PMCID != nil {
		a.Links = append(a.Links, domain.Link{Kind: domain.LinkPMC, URL: PMCURL(*a.PMCID)})
	}
	return a, nil
}

// extractDOI extracts the DOI from article metadata.
// It checks ELocationID first (more reliable), then ArticleIdList.
func extractDOI(article Article, pubmedData PubmedData) string {
	for _, eloc := range article.ELocationID {
		if eloc.EIdType == "doi" && (eloc.Valid == "" || eloc.Valid == "Y") {
			return strings.TrimSpace(eloc.Value)
		}
	}

	for _, aid := range pubmedData.ArticleIdList.ArticleIds {
		if aid.IdType == "doi" {
			return strings.TrimSpace(aid.Value)
		}
	}

	return ""
}

// extractPMCID returns the PMC identifier, normalised to the "PMC" prefix.
func extractPMCID(pubmedData PubmedData) string {
	for _, aid := range pubmedData.ArticleIdList.ArticleIds {
		if aid.IdType != "pmc" {
			continue
		}
		v := strings.ToUpper(strings.TrimSpace(aid.Value))
		if v == "" {
			continue
		}
		if !strings.HasPrefix(v, "PMC") {
			v = "PMC" + v
		}
		return v
	}
	return ""
}

// extractPublicationDate returns the parsed publication date together
// with a display string that keeps the precision PubMed supplied.
// ArticleDate is preferred because it is the most precise.
func extractPublicationDate(article Article) (*time.Time, string) {
	for _, ad := range article.ArticleDate {
		if ad.DateType == "epublish" || ad.DateType == "Electronic" || ad.DateType == "" {
			if t, display := parseDate(ad.Year, ad.Month, ad.Day); t != nil {
				return t, display
			}
		}
	}

	pubDate := article.Journal.JournalIssue.PubDate

	// MedlineDate covers free-form ranges such as "2020 Jan-Feb".
	if md := strings.TrimSpace(pubDate.MedlineDate); md != "" {
		if year := extractYearFromMedlineDate(md); year > 0 {
			t := time.Date(year, time.January, 1, 0, 0, 0, 0, time.UTC)
			return &t, md
		}
	}

	if pubDate.Year != "" {
		t, display := parseDate(pubDate.Year, pubDate.Month, pubDate.Day)
		if t != nil && pubDate.Month == "" && pubDate.Season != "" {
			display += " " + strings.TrimSpace(pubDate.Season)
		}
		return t, display
	}

	return nil, ""
}

// parseDate parses year, month, day strings into a time.Time. Missing
// month or day default to the first; the display string only carries the
// parts that were present.
func parseDate(year, month, day string) (*time.Time, string) {
	y, err := strconv.Atoi(strings.TrimSpace(year))
	if err != nil || y <= 0 {
		return nil, ""
	}

	m, hasMonth := parseMonth(strings.TrimSpace(month))
	d := 1
	hasDay := false
	if hasMonth && day != "" {
		if parsed, err := strconv.Atoi(strings.TrimSpace(day)); err == nil && parsed >= 1 && parsed <= 31 {
			d = parsed
			hasDay = true
		}
	}

	t := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	switch {
	case hasDay:
		return &t, t.Format("2006-01-02")
	case hasMonth:
		return &t, t.Format("2006-01")
	default:
		return &t, t.Format("2006")
	}
}

// monthNames maps lowercase month name strings (abbreviation and full) to time.Month.
var monthNames = map[string]time.Month{
	"jan": time.January, "january": time.January,
	"feb": time.February, "february": time.February,
	"mar": time.March, "march": time.March,
	"apr": time.April, "april": time.April,
	"may": time.May,
	"jun": time.June, "june": time.June,
	"jul": time.July, "july": time.July,
	"aug": time.August, "august": time.August,
	"sep": time.September, "september": time.September,
	"oct": time.October, "october": time.October,
	"nov": time.November, "november": time.November,
	"dec": time.December, "december": time.December,
}

// parseMonth parses a month string (numeric or name). The boolean is false
// when the month is missing or unrecognised.
func parseMonth(month string) (time.Month, bool) {
	if month == "" {
		return time.January, false
	}

	if m, err := strconv.Atoi(month); err == nil && m >= 1 && m <= 12 {
		return time.Month(m), true
	}

	if m, ok := monthNames[strings.ToLower(month)]; ok {
		return m, true
	}

	return time.January, false
}

// extractYearFromMedlineDate extracts the year from a MedlineDate string.
// MedlineDate can be "2020 Jan-Feb", "2020 Spring", "2020-2021", etc.
func extractYearFromMedlineDate(medlineDate string) int {
	parts := strings.Fields(medlineDate)
	if len(parts) > 0 {
		yearStr := strings.Split(parts[0], "-")[0]
		if year, err := strconv.Atoi(yearStr); err == nil {
			return year
		}
	}
	return 0
}

// extractAbstract concatenates multiple abstract sections into a single string.
func extractAbstract(abstract *Abstract) string {
	if abstract == nil || len(abstract.AbstractTexts) == 0 {
		return ""
	}

	if len(abstract.AbstractTexts) == 1 && abstract.AbstractTexts[0].Label == "" {
		return abstract.AbstractTexts[0].Value
	}

	parts := make([]string, 0, len(abstract.AbstractTexts))
	for _, at := range abstract.AbstractTexts {
		if at.Value == "" {
			continue
		}
		if at.Label != "" {
			parts = append(parts, at.Label+": "+at.Value)
		} else {
			parts = append(parts, at.Value)
		}
	}

	return strings.Join(parts, " ")
}

// extractAuthors formats authors the way PubMed lists them: last name
// followed by initials, or the collective name for groups.
func extractAuthors(authorList *AuthorList) []string {
	if authorList == nil || len(authorList.Authors) == 0 {
		return []string{}
	}

	authors := make([]string, 0, len(authorList.Authors))
	for _, a := range authorList.Authors {
		if a.ValidYN == "N" {
			continue
		}

		var name string
		switch {
		case a.CollectiveName != "":
			name = strings.TrimSpace(a.CollectiveName)
		case a.LastName != "":
			name = strings.TrimSpace(a.LastName)
			if initials := strings.TrimSpace(a.Initials); initials != "" {
				name += " " + initials
			}
			if suffix := strings.TrimSpace(a.Suffix); suffix != "" {
				name += " " + suffix
			}
		default:
			name = strings.TrimSpace(a.ForeName)
		}

		if name == "" {
			continue
		}
		authors = append(authors, name)
	}

	return authors
}

// extractPages formats the page information.
func extractPages(pagination *Pagination) string {
	if pagination == nil {
		return ""
	}

	if pagination.MedlinePgn != "" {
		return strings.TrimSpace(pagination.MedlinePgn)
	}

	if pagination.StartPage != "" {
		if pagination.EndPage != "" && pagination.EndPage != pagination.StartPage {
			return pagination.StartPage + "-" + pagination.EndPage
		}
		return pagination.StartPage
	}

	return ""
}
