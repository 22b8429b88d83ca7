package backend

import (
	"context"
	"fmt"

	"github.com/helixir/pubmed-service/internal/cache"
	"github.com/helixir/pubmed-service/internal/domain"
	"github.com/helixir/pubmed-service/internal/fulltext"
	"github.com/helixir/pubmed-service/internal/observability"
)

// Download statuses.
const (
	StatusDownloaded    = "downloaded"
	StatusAlreadyCached = "already_cached"
)

// DownloadResult describes the local copy of one article's full text.
type DownloadResult struct {
	PMID        string  `json:"pmid"`
	Status      string  `json:"status"`
	FilePath    string  `json:"file_path"`
	FileSize    int64   `json:"file_size"`
	Source      string  `json:"source,omitempty"`
	DownloadURL string  `json:"download_url,omitempty"`
	Fetcher     string  `json:"fetcher,omitempty"`
	AgeHours    float64 `json:"age_hours"`
}

// DetectOpenAccess reports where an open-access copy of a can be found.
// Positive and negative outcomes are cached; failures are not.
func (b *Backend) DetectOpenAccess(ctx context.Context, a *domain.Article) (*fulltext.OpenAccessInfo, error) {
	if b.detector == nil {
		return nil, fmt.Errorf("%w: open access detection is not configured", domain.ErrDisabled)
	}

	key := cache.OpenAccessKey(a.PMID)
	var info fulltext.OpenAccessInfo
	if b.cache.GetJSON(key, &info) {
		return &info, nil
	}
	return do(ctx, b, key.String(), func(ctx context.Context) (*fulltext.OpenAccessInfo, error) {
		var cached fulltext.OpenAccessInfo
		if b.cache.GetJSON(key, &cached) {
			return &cached, nil
		}
		found, err := b.detector.Detect(ctx, a)
		if err != nil {
			return nil, err
		}
		if err := b.cache.PutJSON(key, found); err != nil {
			b.logger.Warn().Err(err).Str("pmid", a.PMID).Msg("caching open access result")
		}
		return found, nil
	})
}

// CachedFulltext returns the library record of pmid when a usable PDF is
// already stored.
func (b *Backend) CachedFulltext(pmid string) (*DownloadResult, bool) {
	if b.library == nil {
		return nil, false
	}
	rec, ok := b.library.Lookup(pmid)
	if !ok {
		return nil, false
	}
	return b.resultFor(rec, StatusAlreadyCached), true
}

// DownloadFulltext stores the open-access PDF of pmid in the library. An
// existing valid copy is returned without network access unless force is
// set. Concurrent downloads of the same PMID share one transfer.
func (b *Backend) DownloadFulltext(ctx context.Context, pmid string, force bool) (*DownloadResult, error) {
	if !b.FulltextEnabled() {
		return nil, fmt.Errorf("%w: fulltext mode is %s", domain.ErrDisabled, b.cfg.FulltextMode)
	}
	if err := validatePMID(pmid); err != nil {
		return nil, err
	}
	if !force {
		if res, ok := b.CachedFulltext(pmid); ok {
			return res, nil
		}
	}

	return do(ctx, b, "download:"+pmid, func(ctx context.Context) (*DownloadResult, error) {
		if !force {
			if res, ok := b.CachedFulltext(pmid); ok {
				return res, nil
			}
		}

		articles, err := b.FetchDetails(ctx, []string{pmid})
		if err != nil {
			return nil, err
		}
		info, err := b.DetectOpenAccess(ctx, articles[0])
		if err != nil {
			return nil, err
		}
		if !info.IsOpenAccess {
			b.metrics.RecordFulltextDownload("not_open_access", 0)
			return nil, fmt.Errorf("%w: no open-access copy of %s found (checked PMC, Unpaywall and publisher)", domain.ErrFulltextUnavailable, pmid)
		}

		logger := observability.WithArticleContext(b.logger, pmid).With().
			Str("url", info.DownloadURL).
			Str("fetcher", b.fetcher.Name()).
			Logger()
		n, err := b.fetcher.Fetch(ctx, info.DownloadURL, b.library.PathFor(pmid))
		if err != nil {
			b.metrics.RecordFulltextDownload("failed", 0)
			logger.Warn().Err(err).Msg("fulltext download failed")
			return nil, err
		}
		b.metrics.RecordFulltextDownload("downloaded", n)

		source := ""
		if len(info.Sources) > 0 {
			source = info.Sources[0]
		}
		rec, err := b.library.Add(fulltext.Record{
			PMID:        pmid,
			DownloadURL: info.DownloadURL,
			FileSize:    n,
			Source:      source,
			Fetcher:     b.fetcher.Name(),
		})
		if err != nil {
			return nil, err
		}
		return b.resultFor(rec, StatusDownloaded), nil
	})
}

func (b *Backend) resultFor(rec fulltext.Record, status string) *DownloadResult {
	return &DownloadResult{
		PMID:        rec.PMID,
		Status:      status,
		FilePath:    b.library.Abs(rec),
		FileSize:    rec.FileSize,
		Source:      rec.Source,
		DownloadURL: rec.DownloadURL,
		Fetcher:     rec.Fetcher,
		AgeHours:    b.now().Sub(rec.Downloaded).Hours(),
	}
}

// FulltextStats summarises the PDF library.
func (b *Backend) FulltextStats() (fulltext.LibraryStats, error) {
	if b.library == nil {
		return fulltext.LibraryStats{}, fmt.Errorf("%w: fulltext library is not configured", domain.ErrDisabled)
	}
	return b.library.Stats(), nil
}

// FulltextList returns every stored PDF.
func (b *Backend) FulltextList() ([]fulltext.Record, error) {
	if b.library == nil {
		return nil, fmt.Errorf("%w: fulltext library is not configured", domain.ErrDisabled)
	}
	return b.library.List(), nil
}

// CleanFulltext drops missing and expired PDFs from the library.
func (b *Backend) CleanFulltext() (int, error) {
	if b.library == nil {
		return 0, fmt.Errorf("%w: fulltext library is not configured", domain.ErrDisabled)
	}
	return b.library.Clean()
}

// ClearFulltext deletes every stored PDF.
func (b *Backend) ClearFulltext() (int, error) {
	if b.library == nil {
		return 0, fmt.Errorf("%w: fulltext library is not configured", domain.ErrDisabled)
	}
	return b.library.Clear()
}

// FulltextDir returns the library directory, or "" without a library.
func (b *Backend) FulltextDir() string {
	if b.library == nil {
		return ""
	}
	return b.library.Dir()
}
