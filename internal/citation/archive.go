package citation

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/helixir/pubmed-service/internal/cache"
	"github.com/helixir/pubmed-service/internal/domain"
	"github.com/helixir/pubmed-service/internal/observability"
)

const indexFile = "index.json"

// ExportRecord describes the archived files of one article.
type ExportRecord struct {
	PMID     string            `json:"pmid"`
	Title    string            `json:"title"`
	Formats  map[Format]string `json:"formats"`
	Exported time.Time         `json:"exported"`
}

// ArchiveStats summarises the archive.
type ArchiveStats struct {
	TotalExports int        `json:"totalExports"`
	RISFiles     int        `json:"risFiles"`
	BibTeXFiles  int        `json:"bibtexFiles"`
	LastExport   *time.Time `json:"lastExport"`
}

type archiveIndex struct {
	Version string                  `json:"version"`
	Created time.Time               `json:"created"`
	Papers  map[string]ExportRecord `json:"exported_papers"`
	Stats   ArchiveStats            `json:"stats"`
}

// Archive writes RIS and BibTeX files for exported articles into one
// directory and tracks them in index.json. It is safe for concurrent use.
type Archive struct {
	dir    string
	logger zerolog.Logger
	now    func() time.Time

	mu sync.Mutex
}

// NewArchive creates the archive directory if needed.
func NewArchive(dir string, logger zerolog.Logger) (*Archive, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create export directory: %w", err)
	}
	return &Archive{
		dir:    dir,
		logger: observability.WithComponent(logger, "citation_archive"),
		now:    time.Now,
	}, nil
}

// Dir returns the archive directory.
func (a *Archive) Dir() string {
	return a.dir
}

// Save writes <pmid>.ris and <pmid>.bib for article and records them in
// the index. Saving the same article again overwrites its files.
func (a *Archive) Save(article *domain.Article) (ExportRecord, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	formats := map[Format]string{
		FormatRIS:    filepath.Join(a.dir, article.PMID+FormatRIS.Extension()),
		FormatBibTeX: filepath.Join(a.dir, article.PMID+FormatBibTeX.Extension()),
	}
	for f, path := range formats {
		if err := cache.WriteFileAtomic(path, []byte(Render(article, f)), 0o644); err != nil {
			return ExportRecord{}, fmt.Errorf("write %s export for %s: %w", f, article.PMID, err)
		}
	}

	idx := a.load()
	now := a.now().UTC()
	rec := ExportRecord{
		PMID:     article.PMID,
		Title:    article.Title,
		Formats:  formats,
		Exported: now,
	}
	idx.Papers[article.PMID] = rec
	idx.Stats.LastExport = &now
	if err := a.store(idx); err != nil {
		return ExportRecord{}, err
	}

	a.logger.Debug().Str("pmid", article.PMID).Msg("citation exported")
	return rec, nil
}

// List returns every archived record ordered by PMID.
func (a *Archive) List() []ExportRecord {
	a.mu.Lock()
	defer a.mu.Unlock()

	idx := a.load()
	out := make([]ExportRecord, 0, len(idx.Papers))
	for _, rec := range idx.Papers {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PMID < out[j].PMID })
	return out
}

// Stats returns the archive totals.
func (a *Archive) Stats() ArchiveStats {
	a.mu.Lock()
	defer a.mu.Unlock()

	idx := a.load()
	return computeStats(idx)
}

// Clean drops index entries whose files no longer exist and returns how
// many were dropped.
func (a *Archive) Clean() (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	idx := a.load()
	removed := 0
	for pmid, rec := range idx.Papers {
		missing := false
		for _, path := range rec.Formats {
			if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
				missing = true
				break
			}
		}
		if missing {
			for _, path := range rec.Formats {
				_ = os.Remove(path)
			}
			delete(idx.Papers, pmid)
			removed++
		}
	}
	if err := a.store(idx); err != nil {
		return removed, err
	}
	return removed, nil
}

// Clear removes every exported file and resets the index. It returns the
// number of files removed.
func (a *Archive) Clear() (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	removed := 0
	var errs []error
	for _, pattern := range []string{"*" + FormatRIS.Extension(), "*" + FormatBibTeX.Extension()} {
		matches, err := filepath.Glob(filepath.Join(a.dir, pattern))
		if err != nil {
			return removed, err
		}
		for _, path := range matches {
			if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
				errs = append(errs, err)
				continue
			}
			removed++
		}
	}

	idx := a.load()
	idx.Papers = map[string]ExportRecord{}
	idx.Stats.LastExport = nil
	if err := a.store(idx); err != nil {
		errs = append(errs, err)
	}
	return removed, errors.Join(errs...)
}

// load reads the index, starting a fresh one when it is missing or corrupt.
// The caller holds a.mu.
func (a *Archive) load() *archiveIndex {
	fresh := &archiveIndex{
		Version: cache.FormatVersion,
		Created: a.now().UTC(),
		Papers:  map[string]ExportRecord{},
	}

	data, err := os.ReadFile(filepath.Join(a.dir, indexFile))
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			a.logger.Warn().Err(err).Msg("read export index")
		}
		return fresh
	}
	var idx archiveIndex
	if err := json.Unmarshal(data, &idx); err != nil {
		a.logger.Warn().Err(err).Msg("export index corrupt, starting fresh")
		return fresh
	}
	if idx.Papers == nil {
		idx.Papers = map[string]ExportRecord{}
	}
	return &idx
}

// store writes idx atomically. The caller holds a.mu.
func (a *Archive) store(idx *archiveIndex) error {
	idx.Stats = computeStats(idx)
	data, err := json.MarshalIndent(idx, "", "  ")
	if err != nil {
		return fmt.Errorf("encode export index: %w", err)
	}
	if err := cache.WriteFileAtomic(filepath.Join(a.dir, indexFile), data, 0o644); err != nil {
		return fmt.Errorf("write export index: %w", err)
	}
	return nil
}

func computeStats(idx *archiveIndex) ArchiveStats {
	stats := ArchiveStats{TotalExports: len(idx.Papers), LastExport: idx.Stats.LastExport}
	for _, rec := range idx.Papers {
		if _, ok := rec.Formats[FormatRIS]; ok {
			stats.RISFiles++
		}
		if _, ok := rec.Formats[FormatBibTeX]; ok {
			stats.BibTeXFiles++
		}
	}
	return stats
}
