package tools

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/helixir/pubmed-service/internal/backend"
	"github.com/helixir/pubmed-service/internal/domain"
	"github.com/helixir/pubmed-service/internal/fulltext"
)

const defaultDownloadConcurrency = 3

// DetectFulltextRequest is the input of DetectFulltext.
type DetectFulltextRequest struct {
	PMID         string `json:"pmid" validate:"required,pmid"`
	AutoDownload bool   `json:"auto_download"`
}

// ArticleInfo identifies the article a fulltext response is about.
type ArticleInfo struct {
	Title   string   `json:"title"`
	Authors []string `json:"authors"`
	Journal string   `json:"journal"`
	DOI     string   `json:"doi,omitempty"`
}

// FulltextMode reports how downloads are configured.
type FulltextMode struct {
	Mode                  string `json:"mode"`
	Enabled               bool   `json:"enabled"`
	AutoDownload          bool   `json:"auto_download"`
	RequestedAutoDownload bool   `json:"requested_auto_download"`
}

// DetectFulltextResponse is the output of DetectFulltext.
type DetectFulltextResponse struct {
	Result
	PMID          string                   `json:"pmid"`
	ArticleInfo   *ArticleInfo             `json:"article_info,omitempty"`
	OpenAccess    *fulltext.OpenAccessInfo `json:"open_access,omitempty"`
	Download      *backend.DownloadResult  `json:"download_result,omitempty"`
	DownloadError string                   `json:"download_error,omitempty"`
	Mode          FulltextMode             `json:"fulltext_mode"`
}

// DetectFulltext reports where an open-access copy of the article can be
// found. With auto download, or when the fulltext mode is auto, an
// available copy is also stored.
func (f *Facade) DetectFulltext(ctx context.Context, req DetectFulltextRequest) (*DetectFulltextResponse, error) {
	mode := f.backend.FulltextMode()
	resp := &DetectFulltextResponse{
		PMID: req.PMID,
		Mode: FulltextMode{
			Mode:                  mode,
			Enabled:               f.backend.FulltextEnabled(),
			AutoDownload:          mode == backend.FulltextAuto,
			RequestedAutoDownload: req.AutoDownload,
		},
	}
	err := f.run(ctx, ToolDetectFulltext, &req, resp, func(ctx context.Context) error {
		articles, err := f.backend.FetchDetails(ctx, []string{req.PMID})
		if err != nil {
			return err
		}
		a := articles[0]
		resp.ArticleInfo = &ArticleInfo{
			Title:   a.Title,
			Authors: head(a.Authors, 3),
			Journal: a.Journal,
			DOI:     a.DOIValue(),
		}

		info, err := f.backend.DetectOpenAccess(ctx, a)
		if err != nil {
			return err
		}
		resp.OpenAccess = info

		if !info.IsOpenAccess || !resp.Mode.Enabled || !(req.AutoDownload || resp.Mode.AutoDownload) {
			return nil
		}
		dl, err := f.backend.DownloadFulltext(ctx, req.PMID, false)
		if err != nil {
			resp.DownloadError = publicMessage(err)
			return nil
		}
		resp.Download = dl
		return nil
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// DownloadFulltextRequest is the input of DownloadFulltext.
type DownloadFulltextRequest struct {
	PMID          string `json:"pmid" validate:"required,pmid"`
	ForceDownload bool   `json:"force_download"`
}

// DownloadFulltextResponse is the output of DownloadFulltext.
type DownloadFulltextResponse struct {
	Result
	*backend.DownloadResult
}

// DownloadFulltext stores the open-access PDF of an article locally.
func (f *Facade) DownloadFulltext(ctx context.Context, req DownloadFulltextRequest) (*DownloadFulltextResponse, error) {
	resp := &DownloadFulltextResponse{}
	err := f.run(ctx, ToolDownload, &req, resp, func(ctx context.Context) error {
		dl, err := f.backend.DownloadFulltext(ctx, req.PMID, req.ForceDownload)
		if err != nil {
			return err
		}
		resp.DownloadResult = dl
		return nil
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// BatchDownloadRequest is the input of BatchDownload.
type BatchDownloadRequest struct {
	PMIDs       []string `json:"pmids" validate:"required,min=1,max=50,dive,pmid"`
	Concurrency int      `json:"concurrency" validate:"min=0,max=8"`
}

// BatchItem is the outcome of one download in a batch.
type BatchItem struct {
	PMID      string                  `json:"pmid"`
	Success   bool                    `json:"success"`
	Download  *backend.DownloadResult `json:"result,omitempty"`
	Error     string                  `json:"error,omitempty"`
	ErrorKind domain.ErrorKind        `json:"error_kind,omitempty"`
}

// BatchDownloadResponse is the output of BatchDownload.
type BatchDownloadResponse struct {
	Result
	Requested     int         `json:"requested"`
	Downloaded    int         `json:"downloaded"`
	AlreadyCached int         `json:"already_cached"`
	Failed        int         `json:"failed"`
	Results       []BatchItem `json:"results"`
}

// BatchDownload downloads several articles with bounded concurrency. A
// failed item does not stop the others; the batch as a whole fails only
// when fulltext is disabled.
func (f *Facade) BatchDownload(ctx context.Context, req BatchDownloadRequest) (*BatchDownloadResponse, error) {
	concurrency := req.Concurrency
	if concurrency == 0 {
		concurrency = defaultDownloadConcurrency
	}
	resp := &BatchDownloadResponse{Requested: len(req.PMIDs), Results: []BatchItem{}}
	err := f.run(ctx, ToolBatchDownload, &req, resp, func(ctx context.Context) error {
		if !f.backend.FulltextEnabled() {
			return fmt.Errorf("%w: fulltext mode is %s", domain.ErrDisabled, f.backend.FulltextMode())
		}

		items := make([]BatchItem, len(req.PMIDs))
		var g errgroup.Group
		g.SetLimit(concurrency)
		for i, pmid := range req.PMIDs {
			g.Go(func() error {
				item := BatchItem{PMID: pmid}
				dl, err := f.backend.DownloadFulltext(ctx, pmid, false)
				if err != nil {
					item.Error = publicMessage(err)
					item.ErrorKind = domain.KindOf(err)
				} else {
					item.Success = true
					item.Download = dl
				}
				items[i] = item
				return nil
			})
		}
		_ = g.Wait()
		if err := ctx.Err(); err != nil {
			return err
		}

		for _, item := range items {
			switch {
			case !item.Success:
				resp.Failed++
			case item.Download.Status == backend.StatusAlreadyCached:
				resp.AlreadyCached++
			default:
				resp.Downloaded++
			}
		}
		resp.Results = items
		return nil
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// Fulltext status actions.
const (
	ActionStats = "stats"
	ActionList  = "list"
	ActionClean = "clean"
	ActionClear = "clear"
)

// FulltextStatusRequest is the input of FulltextStatus.
type FulltextStatusRequest struct {
	Action string `json:"action" validate:"omitempty,oneof=stats list clean clear"`
	PMID   string `json:"pmid" validate:"omitempty,pmid"`
}

// FulltextStatusResponse is the output of FulltextStatus.
type FulltextStatusResponse struct {
	Result
	Action  string                 `json:"action"`
	Dir     string                 `json:"directory,omitempty"`
	Stats   *fulltext.LibraryStats `json:"stats,omitempty"`
	Papers  []fulltext.Record      `json:"papers,omitempty"`
	Removed *int                   `json:"removed,omitempty"`
}

// FulltextStatus inspects or maintains the PDF library.
func (f *Facade) FulltextStatus(ctx context.Context, req FulltextStatusRequest) (*FulltextStatusResponse, error) {
	if req.Action == "" {
		req.Action = ActionStats
	}
	resp := &FulltextStatusResponse{Action: req.Action}
	err := f.run(ctx, ToolFulltextStatus, &req, resp, func(ctx context.Context) error {
		resp.Dir = f.backend.FulltextDir()
		switch req.Action {
		case ActionList:
			papers, err := f.backend.FulltextList()
			if err != nil {
				return err
			}
			resp.Papers = []fulltext.Record{}
			for _, p := range papers {
				if req.PMID == "" || p.PMID == req.PMID {
					resp.Papers = append(resp.Papers, p)
				}
			}
		case ActionClean:
			n, err := f.backend.CleanFulltext()
			if err != nil {
				return err
			}
			resp.Removed = &n
		case ActionClear:
			n, err := f.backend.ClearFulltext()
			if err != nil {
				return err
			}
			resp.Removed = &n
		default:
			stats, err := f.backend.FulltextStats()
			if err != nil {
				return err
			}
			resp.Stats = &stats
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}
