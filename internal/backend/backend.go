// Package backend orchestrates every PubMed operation: canonical cache
// keys, the two-tier cache, the shared rate-limited transport, strict
// parsing and the fulltext and citation stores.
//
// Each read follows the same path. The cache is consulted first; on a miss
// the request goes through the limiter and transport, the body is parsed
// strictly and only a successful parse is written back. Failures are
// returned as typed domain errors and never cached.
package backend

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/helixir/pubmed-service/internal/cache"
	"github.com/helixir/pubmed-service/internal/citation"
	"github.com/helixir/pubmed-service/internal/domain"
	"github.com/helixir/pubmed-service/internal/fulltext"
	"github.com/helixir/pubmed-service/internal/observability"
	"github.com/helixir/pubmed-service/internal/pubmed"
	"github.com/helixir/pubmed-service/internal/transport"
)

// Fulltext modes.
const (
	FulltextDisabled = "disabled"
	FulltextEnabled  = "enabled"
	FulltextAuto     = "auto"
)

// deepEnrichThreshold is the abstract length below which deep mode fetches
// the full text rendering of an abstract.
const deepEnrichThreshold = 1000

// DefaultFlightTimeout bounds a coalesced call when no timeout is configured.
const DefaultFlightTimeout = 5 * time.Minute

// EUtils is the E-utilities surface the backend needs. *pubmed.Client
// implements it.
type EUtils interface {
	Search(ctx context.Context, term string, maxResults int, sort string) (*pubmed.SearchIDs, error)
	Fetch(ctx context.Context, pmids []string) ([]*domain.Article, error)
	AbstractText(ctx context.Context, pmid string) (string, error)
}

// OpenAccessDetector locates open-access copies. *fulltext.Detector
// implements it.
type OpenAccessDetector interface {
	Detect(ctx context.Context, a *domain.Article) (*fulltext.OpenAccessInfo, error)
}

// Config holds the behaviour switches of the backend.
type Config struct {
	// AbstractMode selects how much abstract text is returned.
	AbstractMode domain.AbstractMode
	// FulltextMode is one of FulltextDisabled, FulltextEnabled or
	// FulltextAuto.
	FulltextMode string
	// FetcherMode records how the download fetcher was chosen.
	FetcherMode string
	// FlightTimeout bounds one shared upstream call. Zero selects
	// DefaultFlightTimeout.
	FlightTimeout time.Duration
}

// Deps are the collaborators of a Backend. EUtils and Cache are required.
type Deps struct {
	Config   Config
	EUtils   EUtils
	Cache    *cache.Cache
	Library  *fulltext.Library
	Detector OpenAccessDetector
	Fetcher  fulltext.Fetcher
	// Archive is nil when citation export to disk is disabled.
	Archive *citation.Archive
	System  fulltext.SystemReport
	// Limiter is the shared NCBI limiter, reported by SystemCheck.
	Limiter *transport.RateLimiter
	Logger  zerolog.Logger
	Metrics *observability.Metrics
}

// Backend is safe for concurrent use.
type Backend struct {
	cfg      Config
	eutils   EUtils
	cache    *cache.Cache
	library  *fulltext.Library
	detector OpenAccessDetector
	fetcher  fulltext.Fetcher
	archive  *citation.Archive
	system   fulltext.SystemReport
	limiter  *transport.RateLimiter
	logger   zerolog.Logger
	metrics  *observability.Metrics
	now      func() time.Time

	group singleflight.Group
}

// New creates a Backend.
func New(d Deps) (*Backend, error) {
	if d.EUtils == nil {
		return nil, errors.New("backend: EUtils is required")
	}
	if d.Cache == nil {
		return nil, errors.New("backend: Cache is required")
	}
	if d.Config.AbstractMode == "" {
		d.Config.AbstractMode = domain.AbstractModeQuick
	}
	if d.Config.FlightTimeout <= 0 {
		d.Config.FlightTimeout = DefaultFlightTimeout
	}
	if d.Config.FulltextMode == "" {
		d.Config.FulltextMode = FulltextDisabled
	}
	if d.Config.FulltextMode != FulltextDisabled {
		if d.Library == nil || d.Detector == nil || d.Fetcher == nil {
			return nil, fmt.Errorf("backend: fulltext mode %q needs a library, detector and fetcher", d.Config.FulltextMode)
		}
	}

	return &Backend{
		cfg:      d.Config,
		eutils:   d.EUtils,
		cache:    d.Cache,
		library:  d.Library,
		detector: d.Detector,
		fetcher:  d.Fetcher,
		archive:  d.Archive,
		system:   d.System,
		limiter:  d.Limiter,
		logger:   observability.WithComponent(d.Logger, "backend"),
		metrics:  d.Metrics,
		now:      time.Now,
	}, nil
}

// AbstractMode returns the configured abstract mode.
func (b *Backend) AbstractMode() domain.AbstractMode {
	return b.cfg.AbstractMode
}

// FulltextMode returns the configured fulltext mode.
func (b *Backend) FulltextMode() string {
	return b.cfg.FulltextMode
}

// FulltextEnabled reports whether downloads are allowed.
func (b *Backend) FulltextEnabled() bool {
	return b.cfg.FulltextMode != FulltextDisabled
}

// ExportEnabled reports whether citation exports are archived on disk.
func (b *Backend) ExportEnabled() bool {
	return b.archive != nil
}

// Close releases the cache's persistent tier.
func (b *Backend) Close() error {
	return b.cache.Close()
}

// do coalesces concurrent calls sharing key into one execution. The shared
// call runs on a context detached from its callers and bounded by the
// flight timeout; each caller waits only as long as its own ctx allows.
func do[T any](ctx context.Context, b *Backend, key string, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	ch := b.group.DoChan(key, func() (any, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), b.cfg.FlightTimeout)
		defer cancel()
		v, err := fn(fctx)
		if errors.Is(err, context.DeadlineExceeded) && fctx.Err() != nil {
			return nil, fmt.Errorf("%w: %s did not finish within %s", domain.ErrUnavailable, key, b.cfg.FlightTimeout)
		}
		return v, err
	})

	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return zero, res.Err
		}
		return res.Val.(T), nil
	}
}

func validatePMID(pmid string) error {
	if !domain.ValidPMID(pmid) {
		return domain.NewValidationError("pmid", fmt.Sprintf("%q is not a PubMed identifier", pmid))
	}
	return nil
}
