package fulltext

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
	"github.com/helixir/pubmed-service/internal/observability"
)

const libraryIndexFile = "index.json"

// Record describes one downloaded PDF.
type Record struct {
	PMID        string    `json:"pmid"`
	DownloadURL string    `json:"downloadUrl"`
	FilePath    string    `json:"filePath"`
	FileSize    int64     `json:"fileSize"`
	Downloaded  time.Time `json:"downloaded"`
	Source      string    `json:"source,omitempty"`
	Fetcher     string    `json:"fetcher,omitempty"`
}

// LibraryStats summarises the library.
type LibraryStats struct {
	TotalPDFs   int        `json:"totalPDFs"`
	TotalSize   int64      `json:"totalSize"`
	LastCleanup *time.Time `json:"lastCleanup"`
}

type libraryIndex struct {
	Version string            `json:"version"`
	Papers  map[string]Record `json:"fulltext_papers"`
	Stats   LibraryStats      `json:"stats"`
}

// Library is the on-disk PDF collection. Files are named <pmid>.pdf and
// tracked in index.json; FilePath in the index is relative to the library
// directory so the directory can be moved.
type Library struct {
	dir    string
	ttl    time.Duration
	logger zerolog.Logger
	now    func() time.Time

	mu  sync.Mutex
	idx *libraryIndex
}

// NewLibrary opens the library in dir, creating it if needed. A ttl of
// zero keeps downloads forever.
func NewLibrary(dir string, ttl time.Duration, logger zerolog.Logger) (*Library, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create fulltext directory: %w", err)
	}
	l := &Library{
		dir:    dir,
		ttl:    ttl,
		logger: observability.WithComponent(logger, "fulltext_library"),
		now:    time.Now,
	}
	l.idx = l.load()
	return l, nil
}

// Dir returns the library directory.
func (l *Library) Dir() string {
	return l.dir
}

// PathFor returns where the PDF for pmid is stored.
func (l *Library) PathFor(pmid string) string {
	return filepath.Join(l.dir, pmid+".pdf")
}

// Lookup returns the record for pmid when a usable PDF is present: the
// file exists, is non-empty, carries the PDF signature and is within the
// retention period. A valid file missing from the index is reported with
// metadata taken from the file itself.
func (l *Library) Lookup(pmid string) (Record, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	path := l.PathFor(pmid)
	info, err := os.Stat(path)
	if err != nil || info.Size() == 0 || verifyPDF(path) != nil {
		return Record{}, false
	}

	rec, ok := l.idx.Papers[pmid]
	if !ok {
		rec = Record{
			PMID:       pmid,
			FilePath:   filepath.Base(path),
			FileSize:   info.Size(),
			Downloaded: info.ModTime().UTC(),
		}
	}
	if l.expired(rec) {
		return Record{}, false
	}
	return rec, true
}

// Add records a completed download and persists the index.
func (l *Library) Add(rec Record) (Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec.FilePath = filepath.Base(l.PathFor(rec.PMID))
	if rec.Downloaded.IsZero() {
		rec.Downloaded = l.now().UTC()
	}
	l.idx.Papers[rec.PMID] = rec
	if err := l.store(); err != nil {
		return rec, err
	}
	l.logger.Info().
		Str("pmid", rec.PMID).
		Int64("bytes", rec.FileSize).
		Str("source", rec.Source).
		Msg("fulltext stored")
	return rec, nil
}

// Abs returns the absolute location of the file of rec.
func (l *Library) Abs(rec Record) string {
	return filepath.Join(l.dir, rec.FilePath)
}

// Stats returns the library totals.
func (l *Library) Stats() LibraryStats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stats()
}

func (l *Library) stats() LibraryStats {
	s := LibraryStats{LastCleanup: l.idx.Stats.LastCleanup}
	for _, rec := range l.idx.Papers {
		s.TotalPDFs++
		s.TotalSize += rec.FileSize
	}
	return s
}

// List returns every indexed record ordered by PMID.
func (l *Library) List() []Record {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]Record, 0, len(l.idx.Papers))
	for _, rec := range l.idx.Papers {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PMID < out[j].PMID })
	return out
}

// Clean drops entries whose file is gone and deletes files past the
// retention period. It returns the number of entries removed.
func (l *Library) Clean() (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	var errs []error
	for pmid, rec := range l.idx.Papers {
		path := l.Abs(rec)
		_, statErr := os.Stat(path)
		switch {
		case errors.Is(statErr, fs.ErrNotExist):
		case l.expired(rec):
			if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
				errs = append(errs, err)
				continue
			}
		default:
			continue
		}
		delete(l.idx.Papers, pmid)
		removed++
	}

	now := l.now().UTC()
	l.idx.Stats.LastCleanup = &now
	if err := l.store(); err != nil {
		errs = append(errs, err)
	}
	if removed > 0 {
		l.logger.Info().Int("removed", removed).Msg("fulltext library cleaned")
	}
	return removed, errors.Join(errs...)
}

// Clear deletes every PDF in the library and resets the index. It returns
// the number of files removed.
func (l *Library) Clear() (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	matches, err := filepath.Glob(filepath.Join(l.dir, "*.pdf"))
	if err != nil {
		return 0, err
	}
	removed := 0
	var errs []error
	for _, path := range matches {
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, err)
			continue
		}
		removed++
	}

	l.idx.Papers = map[string]Record{}
	now := l.now().UTC()
	l.idx.Stats.LastCleanup = &now
	if err := l.store(); err != nil {
		errs = append(errs, err)
	}
	return removed, errors.Join(errs...)
}

func (l *Library) expired(rec Record) bool {
	return l.ttl > 0 && l.now().Sub(rec.Downloaded) > l.ttl
}

// load reads the index from disk. A missing or unreadable index starts
// empty.
func (l *Library) load() *libraryIndex {
	fresh := &libraryIndex{Version: cache.FormatVersion, Papers: map[string]Record{}}

	data, err := os.ReadFile(filepath.Join(l.dir, libraryIndexFile))
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			l.logger.Warn().Err(err).Msg("reading fulltext index, starting fresh")
		}
		return fresh
	}
	var idx libraryIndex
	if err := json.Unmarshal(data, &idx); err != nil {
		l.logger.Warn().Err(err).Msg("fulltext index is corrupt, starting fresh")
		return fresh
	}
	if idx.Papers == nil {
		idx.Papers = map[string]Record{}
	}
	return &idx
}

// store persists the index. The caller holds l.mu.
func (l *Library) store() error {
	s := l.stats()
	l.idx.Stats = s
	data, err := json.MarshalIndent(l.idx, "", "  ")
	if err != nil {
		return fmt.Errorf("encode fulltext index: %w", err)
	}
	if err := cache.WriteFileAtomic(filepath.Join(l.dir, libraryIndexFile), data, 0o644); err != nil {
		return fmt.Errorf("write fulltext index: %w", err)
	}
	return nil
}
