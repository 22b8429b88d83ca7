// Package citation renders articles as RIS, BibTeX and EndNote records and
// keeps the on-disk export archive.
package citation

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"

	"github.com/helixir/pubmed-service/internal/domain"
)

// Format is a citation output format.
type Format string

// Supported formats.
const (
	FormatRIS     Format = "ris"
	FormatBibTeX  Format = "bibtex"
	FormatEndNote Format = "endnote"
)

// Formats lists every supported format.
var Formats = []Format{FormatRIS, FormatBibTeX, FormatEndNote}

// ParseFormat resolves a caller-supplied format name. "bib" is accepted
// for BibTeX and "enw" for EndNote.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "ris", "":
		return FormatRIS, nil
	case "bibtex", "bib":
		return FormatBibTeX, nil
	case "endnote", "enw":
		return FormatEndNote, nil
	default:
		return "", domain.NewValidationError("format", fmt.Sprintf("unsupported citation format %q", s))
	}
}

// Extension returns the file extension used when writing the format.
func (f Format) Extension() string {
	switch f {
	case FormatBibTeX:
		return ".bib"
	case FormatEndNote:
		return ".enw"
	default:
		return ".ris"
	}
}

// Render returns the citation record for a in format f.
func Render(a *domain.Article, f Format) string {
	switch f {
	case FormatBibTeX:
		return BibTeX(a)
	case FormatEndNote:
		return EndNote(a)
	default:
		return RIS(a)
	}
}

// RenderAll renders every article, separating records with a blank line.
func RenderAll(articles []*domain.Article, f Format) string {
	parts := make([]string, 0, len(articles))
	for _, a := range articles {
		parts = append(parts, Render(a, f))
	}
	return strings.Join(parts, "\n")
}

// RIS renders a journal article in the RIS layout PubMed users import
// into reference managers.
func RIS(a *domain.Article) string {
	var b strings.Builder
	tag := func(name, value string) {
		if value == "" {
			return
		}
		b.WriteString(name)
		b.WriteString("  - ")
		b.WriteString(value)
		b.WriteByte('\n')
	}

	tag("TY", "JOUR")
	tag("TI", a.Title)
	for _, author := range a.Authors {
		tag("AU", author)
	}
	tag("T2", a.Journal)
	tag("PY", a.PublicationDate)
	tag("VL", a.Volume)
	tag("IS", a.Issue)
	tag("SP", a.Pages)
	tag("DO", a.DOIValue())
	b.WriteString("PMID - " + a.PMID + "\n")
	tag("AB", a.AbstractText())
	for _, kw := range a.MeSHTerms {
		tag("KW", kw)
	}
	tag("UR", a.URL())
	tag("LA", language(a))
	tag("DB", "PubMed")
	b.WriteString("ER  - \n")
	return b.String()
}

// EndNote renders a RIS record restricted to the tags EndNote maps onto
// its own fields: year and date are split, pages become start and end, and
// the PMID is stored as the accession number.
func EndNote(a *domain.Article) string {
	var b strings.Builder
	tag := func(name, value string) {
		if value == "" {
			return
		}
		fmt.Fprintf(&b, "%s  - %s\n", name, value)
	}

	tag("TY", "JOUR")
	tag("TI", a.Title)
	for _, author := range a.Authors {
		tag("AU", author)
	}
	tag("JO", a.Journal)
	if y := a.Year(); y > 0 {
		tag("PY", strconv.Itoa(y))
	}
	if a.PublishedAt != nil {
		tag("DA", a.PublishedAt.Format("2006/01/02/"))
	}
	tag("VL", a.Volume)
	tag("IS", a.Issue)
	start, end := splitPages(a.Pages)
	tag("SP", start)
	tag("EP", end)
	tag("DO", a.DOIValue())
	tag("AN", a.PMID)
	tag("AB", a.AbstractText())
	for _, kw := range a.MeSHTerms {
		tag("KW", kw)
	}
	for _, kw := range a.Keywords {
		tag("KW", kw)
	}
	tag("UR", a.URL())
	tag("LA", language(a))
	tag("DB", "PubMed")
	b.WriteString("ER  - \n")
	return b.String()
}

// BibTeX renders an @article entry keyed by first author, year and PMID.
func BibTeX(a *domain.Article) string {
	var b strings.Builder
	field := func(name, value string) {
		if value == "" {
			return
		}
		fmt.Fprintf(&b, "  %s = {%s},\n", name, escapeBibTeX(value))
	}

	fmt.Fprintf(&b, "@article{%s,\n", CiteKey(a))
	title := a.Title
	if title == "" {
		title = "Unknown Title"
	}
	field("title", title)
	field("author", strings.Join(a.Authors, " and "))
	field("journal", a.Journal)
	if y := a.Year(); y > 0 {
		field("year", strconv.Itoa(y))
	}
	field("volume", a.Volume)
	field("number", a.Issue)
	field("pages", a.Pages)
	field("doi", a.DOIValue())
	field("pmid", a.PMID)
	field("url", a.URL())
	field("abstract", a.AbstractText())
	b.WriteString("}\n")
	return b.String()
}

// CiteKey returns the BibTeX key: the first author's name lower-cased with
// everything but letters and digits removed, then the year, then the PMID.
func CiteKey(a *domain.Article) string {
	first := "unknown"
	if len(a.Authors) > 0 {
		first = a.Authors[0]
	}
	var b strings.Builder
	for _, r := range strings.ToLower(first) {
		if r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)) {
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		b.WriteString("unknown")
	}
	if y := a.Year(); y > 0 {
		b.WriteString(strconv.Itoa(y))
	} else {
		b.WriteString("unknown")
	}
	b.WriteString(a.PMID)
	return b.String()
}

func language(a *domain.Article) string {
	if a.Language != "" {
		return a.Language
	}
	return "eng"
}

func splitPages(pages string) (string, string) {
	start, end, found := strings.Cut(pages, "-")
	if !found {
		return strings.TrimSpace(pages), ""
	}
	return strings.TrimSpace(start), strings.TrimSpace(end)
}

var bibtexEscaper = strings.NewReplacer(`{`, `\{`, `}`, `\}`)

func escapeBibTeX(s string) string {
	return bibtexEscaper.Replace(s)
}
