// Package domain defines the records and error taxonomy shared by every
// layer of the PubMed backend.
package domain

import (
	"regexp"
	"strings"
	"time"
)

// PubMedBaseURL is the public landing page prefix for PubMed records.
const PubMedBaseURL = "https://pubmed.ncbi.nlm.nih.gov/"

// pmidPattern matches a PubMed identifier: 1 to 9 decimal digits.
var pmidPattern = regexp.MustCompile(`^[0-9]{1,9}$`)

// ValidPMID reports whether s looks like a PubMed identifier.
func ValidPMID(s string) bool {
	return pmidPattern.MatchString(s)
}

// AbstractMode controls how much abstract text is returned to callers.
type AbstractMode string

const (
	// AbstractModeQuick truncates abstracts to QuickAbstractChars.
	AbstractModeQuick AbstractMode = "quick"
	// AbstractModeDeep truncates abstracts to DeepAbstractChars.
	AbstractModeDeep AbstractMode = "deep"
)

// Abstract length limits per mode.
const (
	QuickAbstractChars = 1500
	DeepAbstractChars  = 6000
)

// MaxChars returns the abstract length limit for the mode.
func (m AbstractMode) MaxChars() int {
	if m == AbstractModeDeep {
		return DeepAbstractChars
	}
	return QuickAbstractChars
}

// LinkKind labels an external link attached to an article.
type LinkKind string

// Link kinds.
const (
	LinkPubMed   LinkKind = "pubmed"
	LinkDOI      LinkKind = "doi"
	LinkPMC      LinkKind = "pmc"
	LinkFulltext LinkKind = "fulltext"
)

// Link is an external reference for an article.
type Link struct {
	Kind LinkKind `json:"kind"`
	URL  string   `json:"url"`
}

// Article is one retrieved publication.
//
// Optional scalar metadata is held in pointers: nil means PubMed did not
// supply the field, which is distinct from an empty value. Articles are
// treated as immutable once parsed; helpers that change content return a
// copy.
type Article struct {
	PMID             string     `json:"pmid"`
	Title            string     `json:"title"`
	Abstract         *string    `json:"abstract,omitempty"`
	Authors          []string   `json:"authors"`
	Journal          string     `json:"journal,omitempty"`
	Volume           string     `json:"volume,omitempty"`
	Issue            string     `json:"issue,omitempty"`
	Pages            string     `json:"pages,omitempty"`
	PublishedAt      *time.Time `json:"published_at,omitempty"`
	PublicationDate  string     `json:"publication_date,omitempty"`
	DOI              *string    `json:"doi,omitempty"`
	PMCID            *string    `json:"pmcid,omitempty"`
	Language         string     `json:"language,omitempty"`
	PublicationTypes []string   `json:"publication_types,omitempty"`
	MeSHTerms        []string   `json:"mesh_terms,omitempty"`
	Keywords         []string   `json:"keywords,omitempty"`
	Links            []Link     `json:"links,omitempty"`
}

// URL returns the PubMed landing page of the article.
func (a *Article) URL() string {
	return PubMedBaseURL + a.PMID + "/"
}

// AbstractText returns the abstract or an empty string when absent.
func (a *Article) AbstractText() string {
	if a.Abstract == nil {
		return ""
	}
	return *a.Abstract
}

// DOIValue returns the DOI or an empty string when absent.
func (a *Article) DOIValue() string {
	if a.DOI == nil {
		return ""
	}
	return *a.DOI
}

// PMCIDValue returns the PMC identifier or an empty string when absent.
func (a *Article) PMCIDValue() string {
	if a.PMCID == nil {
		return ""
	}
	return *a.PMCID
}

// Year returns the publication year, or 0 when unknown.
func (a *Article) Year() int {
	if a.PublishedAt == nil {
		return 0
	}
	return a.PublishedAt.Year()
}

// Link returns the first link of the given kind.
func (a *Article) Link(kind LinkKind) (string, bool) {
	for _, l := range a.Links {
		if l.Kind == kind {
			return l.URL, true
		}
	}
	return "", false
}

// Clone returns a deep copy of the article.
func (a *Article) Clone() *Article {
	c := *a
	c.Abstract = cloneString(a.Abstract)
	c.DOI = cloneString(a.DOI)
	c.PMCID = cloneString(a.PMCID)
	if a.PublishedAt != nil {
		t := *a.PublishedAt
		c.PublishedAt = &t
	}
	c.Authors = append([]string(nil), a.Authors...)
	c.PublicationTypes = append([]string(nil), a.PublicationTypes...)
	c.MeSHTerms = append([]string(nil), a.MeSHTerms...)
	c.Keywords = append([]string(nil), a.Keywords...)
	c.Links = append([]Link(nil), a.Links...)
	return &c
}

// WithAbstractLimit returns a copy whose abstract is cut to at most max
// characters. The receiver is left untouched.
func (a *Article) WithAbstractLimit(max int) *Article {
	c := a.Clone()
	if c.Abstract != nil {
		t := Truncate(*c.Abstract, max)
		c.Abstract = &t
	}
	return c
}

// Truncate shortens s to at most max runes, ending with "..." when cut.
func Truncate(s string, max int) string {
	r := []rune(s)
	if max <= 0 || len(r) <= max {
		return s
	}
	if max <= 3 {
		return string(r[:max])
	}
	return strings.TrimSpace(string(r[:max-3])) + "..."
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

// StringPtr returns a pointer to s, or nil when s is blank.
func StringPtr(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}
