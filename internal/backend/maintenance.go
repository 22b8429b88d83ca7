package backend

import (
	"github.com/helixir/pubmed-service/internal/cache"
	"github.com/helixir/pubmed-service/internal/fulltext"
	"github.com/helixir/pubmed-service/internal/transport"
)

// CacheStats returns a snapshot of both cache tiers.
func (b *Backend) CacheStats() (cache.Stats, error) {
	return b.cache.Stats()
}

// CleanMemory evicts expired memory entries.
func (b *Backend) CleanMemory() int {
	return b.cache.CleanMemory()
}

// ClearMemory drops the memory tier.
func (b *Backend) ClearMemory() int {
	n := b.cache.ClearMemory()
	b.logger.Info().Int("removed", n).Msg("memory cache cleared")
	return n
}

// CleanFiles removes expired persisted entries.
func (b *Backend) CleanFiles() (int, error) {
	return b.cache.CleanDisk()
}

// ClearFiles removes persisted entries of kind, or of every kind when kind
// is empty.
func (b *Backend) ClearFiles(kind cache.Kind) (int, error) {
	n, err := b.cache.ClearDisk(kind)
	b.logger.Info().Str("kind", string(kind)).Int("removed", n).Msg("disk cache cleared")
	return n, err
}

// SystemStatus describes the download capabilities of the host.
type SystemStatus struct {
	fulltext.SystemReport
	FulltextMode string `json:"fulltext_mode"`
	FetcherMode  string `json:"fetcher_mode"`
	Fetcher      string `json:"fetcher"`
	FulltextDir  string `json:"fulltext_dir,omitempty"`

	RateLimit *transport.LimiterState `json:"rate_limit,omitempty"`
}

// SystemCheck reports the platform, the probed download tools and the
// fetcher in use.
func (b *Backend) SystemCheck() SystemStatus {
	out := SystemStatus{
		SystemReport: b.system,
		FulltextMode: b.cfg.FulltextMode,
		FetcherMode:  b.cfg.FetcherMode,
		FulltextDir:  b.FulltextDir(),
	}
	if b.fetcher != nil {
		out.Fetcher = b.fetcher.Name()
	}
	if b.limiter != nil {
		state := b.limiter.State()
		out.RateLimit = &state
	}
	return out
}
