package pubmed

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	// DefaultBaseURL is the base URL for NCBI E-utilities API.
	DefaultBaseURL = "https://eutils.ncbi.nlm.nih.gov/entrez/eutils"

	// DefaultIDConvURL is the PMC ID converter endpoint.
	DefaultIDConvURL = "https://www.ncbi.nlm.nih.gov/pmc/utils/idconv/v1.0/"

	// PMCArticleURL is the landing page prefix for PMC articles.
	PMCArticleURL = "https://www.ncbi.nlm.nih.gov/pmc/articles/"

	// DOIResolverURL resolves DOIs to publisher landing pages.
	DOIResolverURL = "https://doi.org/"

	// DefaultToolName identifies this client to NCBI when none is configured.
	DefaultToolName = "pubmed_agent"

	// DefaultEmail is sent when no contact address is configured.
	DefaultEmail = "user@example.com"

	// MaxResultsLimit is the maximum results allowed per request by the API.
	MaxResultsLimit = 10000

	// SourceName names E-utilities in errors, logs and metrics.
	SourceName = "PubMed"
)

// Endpoint paths relative to the base URL.
const (
	ESearchPath = "/esearch.fcgi"
	EFetchPath  = "/efetch.fcgi"
)

// Sort orders accepted by esearch.
const (
	SortRelevance = "relevance"
	SortPubDate   = "pub_date"
)

// Credentials identify the caller to NCBI on every request.
type Credentials struct {
	Tool   string
	Email  string
	APIKey string
}

// Values returns the base query parameters: tool, email and, when set,
// api_key.
func (c Credentials) Values() url.Values {
	q := url.Values{}
	tool := c.Tool
	if tool == "" {
		tool = DefaultToolName
	}
	email := c.Email
	if email == "" {
		email = DefaultEmail
	}
	q.Set("tool", tool)
	q.Set("email", email)
	if c.APIKey != "" {
		q.Set("api_key", c.APIKey)
	}
	return q
}

// MapSort normalises a caller-facing sort name. "date" and "pubdate" map
// to publication date order; anything else sorts by relevance.
func MapSort(sort string) string {
	switch strings.ToLower(strings.TrimSpace(sort)) {
	case "date", "pubdate", "pub_date", "pub+date":
		return SortPubDate
	default:
		return SortRelevance
	}
}

// BuildTerm restricts term to publications from daysBack days before now
// onwards. A non-positive daysBack returns term unchanged.
func BuildTerm(term string, daysBack int, now time.Time) string {
	if daysBack <= 0 {
		return term
	}
	from := now.UTC().AddDate(0, 0, -daysBack).Format("2006/01/02")
	return fmt.Sprintf(`%s AND ("%s"[Date - Publication] : "3000"[Date - Publication])`, term, from)
}

// SearchParams returns the esearch query parameters for term.
func SearchParams(creds Credentials, term string, maxResults int, sort string) url.Values {
	if maxResults <= 0 {
		maxResults = 20
	}
	if maxResults > MaxResultsLimit {
		maxResults = MaxResultsLimit
	}
	q := creds.Values()
	q.Set("db", "pubmed")
	q.Set("term", term)
	q.Set("retmode", "xml")
	q.Set("retmax", strconv.Itoa(maxResults))
	q.Set("sort", MapSort(sort))
	q.Set("usehistory", "n")
	return q
}

// FetchParams returns the efetch parameters retrieving XML records for
// pmids.
func FetchParams(creds Credentials, pmids []string) url.Values {
	q := creds.Values()
	q.Set("db", "pubmed")
	q.Set("id", strings.Join(pmids, ","))
	q.Set("retmode", "xml")
	q.Set("rettype", "abstract")
	return q
}

// AbstractTextParams returns the efetch parameters retrieving the plain
// text abstract of pmid.
func AbstractTextParams(creds Credentials, pmid string) url.Values {
	q := creds.Values()
	q.Set("db", "pubmed")
	q.Set("id", pmid)
	q.Set("retmode", "text")
	q.Set("rettype", "abstract")
	return q
}

// IDConvParams returns the PMC ID converter parameters for pmids.
func IDConvParams(creds Credentials, pmids []string) url.Values {
	q := url.Values{}
	q.Set("ids", strings.Join(pmids, ","))
	q.Set("idtype", "pmid")
	q.Set("format", "json")
	tool := creds.Tool
	if tool == "" {
		tool = DefaultToolName
	}
	email := creds.Email
	if email == "" {
		email = DefaultEmail
	}
	q.Set("tool", tool)
	q.Set("email", email)
	return q
}

// PMCPDFURL returns the PDF location of a PMC article.
func PMCPDFURL(pmcid string) string {
	return PMCArticleURL + pmcid + "/pdf/"
}

// PMCURL returns the landing page of a PMC article.
func PMCURL(pmcid string) string {
	return PMCArticleURL + pmcid + "/"
}

// DOIURL returns the resolver URL for doi.
func DOIURL(doi string) string {
	return DOIResolverURL + doi
}
