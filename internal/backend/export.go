package backend

import (
	"context"
	"fmt"

	"github.com/helixir/pubmed-service/internal/citation"
	"github.com/helixir/pubmed-service/internal/domain"
)

// ExportResult is the outcome of ExportCitations.
type ExportResult struct {
	Format   citation.Format `json:"format"`
	Count    int             `json:"count"`
	Content  string          `json:"content"`
	Missing  []string        `json:"missing,omitempty"`
	Files    []string        `json:"files,omitempty"`
	Archived bool            `json:"archived"`
}

// ExportCitations renders the records of pmids in format. When the export
// archive is enabled every record is also written to disk as RIS and
// BibTeX.
func (b *Backend) ExportCitations(ctx context.Context, pmids []string, format citation.Format) (*ExportResult, error) {
	articles, err := b.FetchDetails(ctx, pmids)
	if err != nil {
		return nil, err
	}

	res := &ExportResult{
		Format:  format,
		Count:   len(articles),
		Content: citation.RenderAll(articles, format),
	}
	res.Missing = missingPMIDs(pmids, articles)

	if b.archive != nil {
		for _, a := range articles {
			rec, err := b.archive.Save(a)
			if err != nil {
				return nil, err
			}
			for _, f := range []citation.Format{citation.FormatRIS, citation.FormatBibTeX} {
				res.Files = append(res.Files, rec.Formats[f])
			}
		}
		res.Archived = true
	}

	b.logger.Info().
		Str("format", string(format)).
		Int("count", res.Count).
		Bool("archived", res.Archived).
		Msg("citations exported")
	return res, nil
}

// EndNoteStats summarises the export archive.
func (b *Backend) EndNoteStats() (citation.ArchiveStats, error) {
	if b.archive == nil {
		return citation.ArchiveStats{}, fmt.Errorf("%w: EndNote export is disabled", domain.ErrDisabled)
	}
	return b.archive.Stats(), nil
}

// EndNoteList returns every archived export.
func (b *Backend) EndNoteList() ([]citation.ExportRecord, error) {
	if b.archive == nil {
		return nil, fmt.Errorf("%w: EndNote export is disabled", domain.ErrDisabled)
	}
	return b.archive.List(), nil
}

// EndNoteDir returns the archive directory, or "" when export is disabled.
func (b *Backend) EndNoteDir() string {
	if b.archive == nil {
		return ""
	}
	return b.archive.Dir()
}

func missingPMIDs(requested []string, articles []*domain.Article) []string {
	have := make(map[string]bool, len(articles))
	for _, a := range articles {
		have[a.PMID] = true
	}
	var missing []string
	for _, pmid := range requested {
		if !have[pmid] {
			missing = append(missing, pmid)
			have[pmid] = true
		}
	}
	return missing
}
