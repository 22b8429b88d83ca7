package tools

import (
	"strings"

	"github.com/helixir/pubmed-service/internal/domain"
)

// Response formats for article lists.
const (
	FormatCompact      = "compact"
	FormatStandard     = "standard"
	FormatLLMOptimized = "llm_optimized"
	FormatDetailed     = "detailed"
)

const (
	compactAbstractChars = 500
	maxKeyPoints         = 5
	minKeyPointChars     = 20
	standardKeywords     = 8
	detailedKeywords     = 15
)

// FormattedArticle is an article shaped for a language model. Which fields
// are set depends on the response format.
type FormattedArticle struct {
	PMID               string            `json:"pmid,omitempty"`
	Identifier         string            `json:"identifier,omitempty"`
	Title              string            `json:"title"`
	Authors            string            `json:"authors,omitempty"`
	Citation           string            `json:"citation,omitempty"`
	Journal            string            `json:"journal,omitempty"`
	Date               string            `json:"date,omitempty"`
	URL                string            `json:"url"`
	Volume             string            `json:"volume,omitempty"`
	Issue              string            `json:"issue,omitempty"`
	Pages              string            `json:"pages,omitempty"`
	DOI                string            `json:"doi,omitempty"`
	Abstract           string            `json:"abstract,omitempty"`
	KeyPoints          []string          `json:"key_points,omitempty"`
	StructuredSections map[string]string `json:"structured_sections,omitempty"`
	Keywords           []string          `json:"keywords,omitempty"`
}

// formatArticles renders articles in format. abstractChars bounds the
// abstract in the standard and detailed formats.
func formatArticles(articles []*domain.Article, format string, abstractChars int) []FormattedArticle {
	out := make([]FormattedArticle, 0, len(articles))
	for _, a := range articles {
		switch format {
		case FormatCompact:
			out = append(out, compact(a))
		case FormatDetailed:
			out = append(out, detailed(a, abstractChars))
		default:
			out = append(out, standard(a, abstractChars))
		}
	}
	return out
}

func compact(a *domain.Article) FormattedArticle {
	return FormattedArticle{
		PMID:     a.PMID,
		Title:    a.Title,
		Authors:  formatAuthors(a.Authors, 2),
		Journal:  a.Journal,
		Date:     a.PublicationDate,
		URL:      a.URL(),
		Abstract: domain.Truncate(a.AbstractText(), compactAbstractChars),
	}
}

func standard(a *domain.Article, abstractChars int) FormattedArticle {
	f := FormattedArticle{
		PMID:     a.PMID,
		Title:    a.Title,
		Citation: citationLine(a),
		URL:      a.URL(),
		Keywords: head(a.MeSHTerms, standardKeywords),
	}
	if text := a.AbstractText(); text != "" {
		f.Abstract = domain.Truncate(text, abstractChars)
		f.KeyPoints = keyPoints(f.Abstract)
	}
	return f
}

func detailed(a *domain.Article, abstractChars int) FormattedArticle {
	f := FormattedArticle{
		Identifier: "PMID: " + a.PMID,
		Title:      a.Title,
		Citation:   citationLine(a),
		URL:        a.URL(),
		Volume:     a.Volume,
		Issue:      a.Issue,
		Pages:      a.Pages,
		DOI:        a.DOIValue(),
		Keywords:   head(a.MeSHTerms, detailedKeywords),
	}
	if text := a.AbstractText(); text != "" {
		f.Abstract = domain.Truncate(text, abstractChars)
		f.KeyPoints = keyPoints(f.Abstract)
		f.StructuredSections = structuredSections(f.Abstract)
	}
	return f
}

func citationLine(a *domain.Article) string {
	return strings.TrimSpace(formatAuthors(a.Authors, 3) + " " + a.Journal + ", " + a.PublicationDate)
}

// formatAuthors lists the first limit authors, adding "et al." when more
// exist.
func formatAuthors(authors []string, limit int) string {
	if len(authors) == 0 {
		return "Unknown"
	}
	short := head(authors, limit)
	if len(authors) > limit {
		short = append(short, "et al.")
	}
	return strings.Join(short, ", ")
}

func head(s []string, n int) []string {
	if len(s) <= n {
		return append([]string(nil), s...)
	}
	return append([]string(nil), s[:n]...)
}

// keyPoints returns up to five sentences of the abstract that are long
// enough to carry content.
func keyPoints(abstract string) []string {
	var points []string
	for _, s := range strings.Split(strings.ReplaceAll(abstract, "\n", " "), ".") {
		s = strings.TrimSpace(s)
		if len(s) <= minKeyPointChars {
			continue
		}
		points = append(points, s)
		if len(points) == maxKeyPoints {
			break
		}
	}
	return points
}

var sectionLabels = []struct {
	name   string
	labels []string
}{
	{"background", []string{"background", "introduction"}},
	{"methods", []string{"methods", "method"}},
	{"results", []string{"results", "findings"}},
	{"conclusions", []string{"conclusions", "conclusion"}},
}

// structuredSections splits a structured abstract on its section labels.
// Each section runs to the next recognised label. An abstract without
// labels is returned whole under "full".
func structuredSections(abstract string) map[string]string {
	lowered := asciiLower(abstract)

	type mark struct {
		name       string
		start, end int
	}
	var marks []mark
	for _, s := range sectionLabels {
		for _, label := range s.labels {
			if i := strings.Index(lowered, label+":"); i >= 0 {
				marks = append(marks, mark{name: s.name, start: i, end: i + len(label) + 1})
				break
			}
		}
	}
	if len(marks) == 0 {
		return map[string]string{"full": abstract}
	}

	out := make(map[string]string, len(marks))
	for _, m := range marks {
		stop := len(abstract)
		for _, other := range marks {
			if other.start > m.start && other.start < stop {
				stop = other.start
			}
		}
		out[m.name] = strings.TrimSpace(abstract[m.end:stop])
	}
	return out
}

// asciiLower lowercases ASCII letters only, keeping byte offsets aligned
// with s.
func asciiLower(s string) string {
	b := []byte(s)
	for i, c := range b {
		if 'A' <= c && c <= 'Z' {
			b[i] = c + 'a' - 'A'
		}
	}
	return string(b)
}
