package tools

import (
	"context"
	"fmt"

	"github.com/helixir/pubmed-service/internal/backend"
	"github.com/helixir/pubmed-service/internal/cache"
)

// Cache actions.
const (
	CacheStats      = "stats"
	CacheClear      = "clear"
	CacheClean      = "clean"
	CacheCleanFiles = "clean_files"
	CacheClearFiles = "clear_files"
)

// CacheInfoRequest is the input of CacheInfo. Kind limits clear_files to
// one kind of entry.
type CacheInfoRequest struct {
	Action string `json:"action" validate:"omitempty,oneof=stats clear clean clean_files clear_files"`
	Kind   string `json:"kind" validate:"omitempty,oneof=search article abstract oa fulltext"`
}

// CacheInfoResponse is the output of CacheInfo.
type CacheInfoResponse struct {
	Result
	Action  string       `json:"action"`
	Message string       `json:"message,omitempty"`
	Stats   *cache.Stats `json:"cache_stats,omitempty"`
}

// CacheInfo reports on or maintains the response cache.
func (f *Facade) CacheInfo(ctx context.Context, req CacheInfoRequest) (*CacheInfoResponse, error) {
	if req.Action == "" {
		req.Action = CacheStats
	}
	resp := &CacheInfoResponse{Action: req.Action}
	err := f.run(ctx, ToolCacheInfo, &req, resp, func(context.Context) error {
		switch req.Action {
		case CacheClear:
			resp.Message = fmt.Sprintf("Cleared %d memory entries", f.backend.ClearMemory())
		case CacheClean:
			resp.Message = fmt.Sprintf("Removed %d expired memory entries", f.backend.CleanMemory())
		case CacheCleanFiles:
			n, err := f.backend.CleanFiles()
			if err != nil {
				return err
			}
			resp.Message = fmt.Sprintf("Removed %d expired file entries", n)
		case CacheClearFiles:
			n, err := f.backend.ClearFiles(cache.Kind(req.Kind))
			if err != nil {
				return err
			}
			resp.Message = fmt.Sprintf("Cleared %d file cache entries", n)
		}
		stats, err := f.backend.CacheStats()
		if err != nil {
			return err
		}
		resp.Stats = &stats
		return nil
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// SystemCheckRequest is the input of SystemCheck. It has no fields.
type SystemCheckRequest struct{}

// SystemCheckResponse is the output of SystemCheck.
type SystemCheckResponse struct {
	Result
	System backend.SystemStatus `json:"system_environment"`
}

// SystemCheck reports the platform and the available download tools.
func (f *Facade) SystemCheck(ctx context.Context, _ SystemCheckRequest) (*SystemCheckResponse, error) {
	resp := &SystemCheckResponse{}
	err := f.run(ctx, ToolSystemCheck, nil, resp, func(context.Context) error {
		resp.System = f.backend.SystemCheck()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}
