package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"

	"github.com/helixir/pubmed-service/internal/domain"
)

// Descriptor names and describes one tool.
type Descriptor struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

type handler func(ctx context.Context, f *Facade, args json.RawMessage) (any, error)

type entry struct {
	Descriptor
	call handler
}

func bind[Req, Resp any](name, description string, method func(*Facade, context.Context, Req) (Resp, error)) entry {
	return entry{
		Descriptor: Descriptor{Name: name, Description: description},
		call: func(ctx context.Context, f *Facade, args json.RawMessage) (any, error) {
			var req Req
			if err := decodeArgs(args, &req); err != nil {
				return nil, err
			}
			return method(f, ctx, req)
		},
	}
}

var registry = []entry{
	bind(ToolSearch, "Search PubMed and return formatted matches", (*Facade).Search),
	bind(ToolQuickSearch, "Compact PubMed search for a quick overview", (*Facade).QuickSearch),
	bind(ToolGetDetails, "Full records for up to 20 PMIDs", (*Facade).GetDetails),
	bind(ToolExtractKeyInfo, "Condense one article into key sections", (*Facade).ExtractKeyInfo),
	bind(ToolCrossReference, "Find articles related to a PMID", (*Facade).CrossReference),
	bind(ToolBatchQuery, "Fetch and format up to 20 PMIDs", (*Facade).BatchQuery),
	bind(ToolDetectFulltext, "Locate an open-access full text", (*Facade).DetectFulltext),
	bind(ToolDownload, "Download the open-access PDF of an article", (*Facade).DownloadFulltext),
	bind(ToolBatchDownload, "Download open-access PDFs for several articles", (*Facade).BatchDownload),
	bind(ToolFulltextStatus, "Inspect or maintain the PDF library", (*Facade).FulltextStatus),
	bind(ToolExportCitations, "Export citations as RIS, BibTeX or EndNote", (*Facade).ExportCitations),
	bind(ToolExportEndNote, "Export citations for EndNote", (*Facade).ExportEndNote),
	bind(ToolEndNoteStatus, "Inspect the citation export archive", (*Facade).EndNoteStatus),
	bind(ToolCacheInfo, "Inspect or maintain the response cache", (*Facade).CacheInfo),
	bind(ToolSystemCheck, "Report platform and download tool availability", (*Facade).SystemCheck),
}

// List describes every tool in a stable order.
func (f *Facade) List() []Descriptor {
	out := make([]Descriptor, len(registry))
	for i, e := range registry {
		out[i] = e.Descriptor
	}
	return out
}

// Invoke decodes args as the input of the named tool and calls it. An
// unknown tool is a NotFoundError; malformed arguments are a
// ValidationError.
func (f *Facade) Invoke(ctx context.Context, name string, args json.RawMessage) (any, error) {
	for _, e := range registry {
		if e.Name == name {
			return e.call(ctx, f, args)
		}
	}
	return nil, domain.NewNotFoundError("tool", name)
}

func decodeArgs(args json.RawMessage, v any) error {
	if len(bytes.TrimSpace(args)) == 0 {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(args))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) && typeErr.Field != "" {
			return domain.NewValidationError(typeErr.Field, "must be a "+typeErr.Type.String())
		}
		return domain.NewValidationError("arguments", err.Error())
	}
	if dec.Decode(&struct{}{}) != io.EOF {
		return domain.NewValidationError("arguments", "must be a single JSON object")
	}
	return nil
}
