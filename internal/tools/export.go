package tools

import (
	"context"

	"github.com/helixir/pubmed-service/internal/backend"
	"github.com/helixir/pubmed-service/internal/citation"
)

// MaxExportPMIDs bounds the PMIDs accepted by one export.
const MaxExportPMIDs = 100

// ExportCitationsRequest is the input of ExportCitations.
type ExportCitationsRequest struct {
	PMIDs  []string `json:"pmids" validate:"required,min=1,max=100,dive,pmid"`
	Format string   `json:"format" validate:"omitempty,oneof=ris bibtex bib endnote enw"`
}

// ExportEndNoteRequest is the input of ExportEndNote.
type ExportEndNoteRequest struct {
	PMIDs []string `json:"pmids" validate:"required,min=1,max=100,dive,pmid"`
}

// ExportResponse is the output of ExportCitations and ExportEndNote.
type ExportResponse struct {
	Result
	*backend.ExportResult
}

// ExportCitations renders articles as RIS, BibTeX or EndNote records.
func (f *Facade) ExportCitations(ctx context.Context, req ExportCitationsRequest) (*ExportResponse, error) {
	resp := &ExportResponse{}
	err := f.run(ctx, ToolExportCitations, &req, resp, func(ctx context.Context) error {
		format, err := citation.ParseFormat(req.Format)
		if err != nil {
			return err
		}
		return f.export(ctx, req.PMIDs, format, resp)
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// ExportEndNote renders articles as EndNote-ready RIS.
func (f *Facade) ExportEndNote(ctx context.Context, req ExportEndNoteRequest) (*ExportResponse, error) {
	resp := &ExportResponse{}
	err := f.run(ctx, ToolExportEndNote, &req, resp, func(ctx context.Context) error {
		return f.export(ctx, req.PMIDs, citation.FormatEndNote, resp)
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func (f *Facade) export(ctx context.Context, pmids []string, format citation.Format, resp *ExportResponse) error {
	res, err := f.backend.ExportCitations(ctx, pmids, format)
	if err != nil {
		return err
	}
	resp.ExportResult = res
	return nil
}

// EndNoteStatusRequest is the input of EndNoteStatus.
type EndNoteStatusRequest struct {
	Action string `json:"action" validate:"omitempty,oneof=stats list"`
}

// EndNoteStatusResponse is the output of EndNoteStatus.
type EndNoteStatusResponse struct {
	Result
	Action   string                  `json:"action"`
	Dir      string                  `json:"directory,omitempty"`
	Stats    *citation.ArchiveStats  `json:"status,omitempty"`
	Exported []citation.ExportRecord `json:"exported_papers,omitempty"`
	Total    int                     `json:"total"`
}

// EndNoteStatus inspects the citation export archive.
func (f *Facade) EndNoteStatus(ctx context.Context, req EndNoteStatusRequest) (*EndNoteStatusResponse, error) {
	if req.Action == "" {
		req.Action = ActionStats
	}
	resp := &EndNoteStatusResponse{Action: req.Action}
	err := f.run(ctx, ToolEndNoteStatus, &req, resp, func(context.Context) error {
		resp.Dir = f.backend.EndNoteDir()
		if req.Action == ActionList {
			records, err := f.backend.EndNoteList()
			if err != nil {
				return err
			}
			resp.Exported = records
			resp.Total = len(records)
			return nil
		}
		stats, err := f.backend.EndNoteStats()
		if err != nil {
			return err
		}
		resp.Stats = &stats
		resp.Total = stats.TotalExports
		return nil
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}
