// Package app assembles the backend and tool facade from configuration.
// The HTTP server and the CLI share it so both run the same stack.
package app

import (
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/helixir/pubmed-service/internal/backend"
	"github.com/helixir/pubmed-service/internal/cache"
	"github.com/helixir/pubmed-service/internal/citation"
	"github.com/helixir/pubmed-service/internal/config"
	"github.com/helixir/pubmed-service/internal/domain"
	"github.com/helixir/pubmed-service/internal/fulltext"
	"github.com/helixir/pubmed-service/internal/observability"
	"github.com/helixir/pubmed-service/internal/pubmed"
	"github.com/helixir/pubmed-service/internal/tools"
	"github.com/helixir/pubmed-service/internal/transport"
)

// Options override process-level collaborators, mostly for tests.
type Options struct {
	// Registerer receives the service metrics. Nil uses the default
	// Prometheus registry.
	Registerer prometheus.Registerer
	// Transport replaces the network for every outbound client.
	Transport http.RoundTripper
	// LookPath replaces exec.LookPath when probing download tools.
	LookPath fulltext.LookPathFunc
}

// App is the assembled service.
type App struct {
	Config  *config.Config
	Logger  zerolog.Logger
	Metrics *observability.Metrics
	Backend *backend.Backend
	Tools   *tools.Facade

	clients []*transport.HTTPClient
}

// New wires every component described by cfg. The caller must Close the
// returned App.
func New(cfg *config.Config, logger zerolog.Logger, opts Options) (*App, error) {
	a := &App{Config: cfg, Logger: logger}
	if cfg.Metrics.Enabled {
		a.Metrics = observability.NewMetrics(cfg.Metrics.Namespace, opts.Registerer)
	}

	proxy := transport.ProxyConfig{
		Enabled:  cfg.Proxy.Enabled,
		HTTPURL:  cfg.Proxy.HTTPURL,
		HTTPSURL: cfg.Proxy.HTTPSURL,
		Username: cfg.Proxy.Username,
		Password: cfg.Proxy.Password,
	}
	if err := proxy.Validate(); err != nil {
		return nil, err
	}
	retry := transport.RetryPolicy{
		MaxAttempts:  cfg.PubMed.Retry.MaxAttempts,
		InitialDelay: cfg.PubMed.Retry.InitialDelay,
		Multiplier:   cfg.PubMed.Retry.Multiplier,
		MaxDelay:     cfg.PubMed.Retry.MaxDelay,
		Jitter:       cfg.PubMed.Retry.Jitter,
	}

	// Every NCBI request in the process shares one limiter.
	limiter := transport.NewRateLimiter(cfg.PubMed.RequestsPerSecond(), 1)
	ncbi, err := transport.NewHTTPClient(transport.HTTPClientConfig{
		Source:    pubmed.SourceName,
		Timeout:   cfg.PubMed.RequestTimeout,
		Retry:     retry,
		Proxy:     proxy,
		Transport: opts.Transport,
	}, limiter, logger, a.Metrics)
	if err != nil {
		return nil, fmt.Errorf("create E-utilities client: %w", err)
	}
	a.clients = append(a.clients, ncbi)

	store, err := openStore(cfg)
	if err != nil {
		a.closeClients()
		return nil, err
	}
	c := cache.New(cache.Config{
		Store:      store,
		MemorySize: cfg.Cache.MemorySize,
		MemoryTTL:  cfg.Cache.MemoryTTL,
		TTLs: cache.TTLs{
			cache.KindSearch:     cfg.Cache.SearchTTL,
			cache.KindArticle:    cfg.Cache.ArticleTTL,
			cache.KindAbstract:   cfg.Cache.AbstractTTL,
			cache.KindOpenAccess: cfg.Cache.OpenAccessTTL,
			cache.KindFulltext:   cfg.Cache.FulltextTTL,
		},
	}, logger, a.Metrics)

	creds := pubmed.Credentials{
		Tool:   cfg.PubMed.ToolName,
		Email:  cfg.PubMed.Email,
		APIKey: cfg.PubMed.APIKey,
	}
	deps := backend.Deps{
		Config: backend.Config{
			AbstractMode:  domain.AbstractMode(cfg.AbstractMode),
			FulltextMode:  cfg.Fulltext.Mode,
			FetcherMode:   cfg.Fulltext.Fetcher,
			FlightTimeout: flightTimeout(cfg),
		},
		EUtils:  pubmed.NewClient(pubmed.Config{BaseURL: cfg.PubMed.BaseURL, Credentials: creds}, ncbi),
		Cache:   c,
		System:  fulltext.CheckSystem(runtime.GOOS, runtime.GOARCH, opts.LookPath),
		Limiter: limiter,
		Logger:  logger,
		Metrics: a.Metrics,
	}

	fail := func(err error) (*App, error) {
		_ = c.Close()
		a.closeClients()
		return nil, err
	}

	if cfg.EndNote.Enabled {
		archive, err := citation.NewArchive(cfg.Cache.EndNoteDir(), logger)
		if err != nil {
			return fail(fmt.Errorf("open citation archive: %w", err))
		}
		deps.Archive = archive
	}

	if cfg.Fulltext.FulltextEnabled() {
		if err := a.wireFulltext(cfg, &deps, ncbi, creds, proxy, retry, opts); err != nil {
			return fail(err)
		}
	}

	b, err := backend.New(deps)
	if err != nil {
		return fail(err)
	}
	a.Backend = b
	a.Tools = tools.New(b, logger, a.Metrics)

	logger.Info().
		Str("abstract_mode", cfg.AbstractMode).
		Str("fulltext_mode", cfg.Fulltext.Mode).
		Str("cache_backend", cfg.Cache.Backend).
		Bool("endnote_export", cfg.EndNote.Enabled).
		Bool("api_key", cfg.PubMed.APIKey != "").
		Float64("rate_limit", cfg.PubMed.RequestsPerSecond()).
		Msg("pubmed backend ready")
	return a, nil
}

func (a *App) wireFulltext(cfg *config.Config, deps *backend.Deps, ncbi *transport.HTTPClient, creds pubmed.Credentials, proxy transport.ProxyConfig, retry transport.RetryPolicy, opts Options) error {
	guard := &fulltext.Guard{AllowPrivateNetworks: cfg.Fulltext.AllowPrivateNetworks}
	web, err := transport.NewHTTPClient(transport.HTTPClientConfig{
		Source:        "OpenAccess",
		Timeout:       cfg.Fulltext.DownloadTimeout,
		UserAgent:     fulltext.BrowserUserAgent,
		Retry:         retry,
		Proxy:         proxy,
		Transport:     opts.Transport,
		CheckRedirect: guard.CheckRedirect,
	}, nil, deps.Logger, a.Metrics)
	if err != nil {
		return fmt.Errorf("create download client: %w", err)
	}
	a.clients = append(a.clients, web)

	library, err := fulltext.NewLibrary(cfg.Cache.FulltextDir(), cfg.Fulltext.TTL, deps.Logger)
	if err != nil {
		return fmt.Errorf("open fulltext library: %w", err)
	}
	native := fulltext.NewHTTPFetcher(web, guard, cfg.Fulltext.MaxPDFSize)
	fetcher, err := fulltext.SelectFetcher(cfg.Fulltext.Fetcher, deps.System, native, fulltext.CommandFetcherConfig{
		Timeout:  cfg.Fulltext.DownloadTimeout,
		MaxSize:  cfg.Fulltext.MaxPDFSize,
		Proxy:    proxy,
		Guard:    guard,
		Resolver: web,
	})
	if err != nil {
		return fmt.Errorf("select fulltext fetcher: %w", err)
	}

	deps.Library = library
	deps.Fetcher = fetcher
	deps.Detector = fulltext.NewDetector(fulltext.DetectorConfig{
		IDConvURL:       cfg.PubMed.IDConvURL,
		UnpaywallURL:    cfg.Fulltext.UnpaywallURL,
		DOIResolverURL:  cfg.Fulltext.DOIResolverURL,
		Credentials:     creds,
		PublisherLookup: cfg.Fulltext.PublisherLookup,
	}, ncbi, web, deps.Logger)
	return nil
}

// flightTimeout bounds one coalesced backend call. A download chains an
// efetch, up to three open-access lookups and the transfer, each with its
// own retry budget.
func flightTimeout(cfg *config.Config) time.Duration {
	retry := cfg.PubMed.Retry
	attempts := time.Duration(retry.MaxAttempts)
	t := 4 * attempts * (cfg.PubMed.RequestTimeout + retry.MaxDelay)
	if cfg.Fulltext.FulltextEnabled() {
		t += attempts * (cfg.Fulltext.DownloadTimeout + retry.MaxDelay)
	}
	return t
}

func openStore(cfg *config.Config) (cache.Store, error) {
	switch cfg.Cache.Backend {
	case config.CacheBackendSQLite:
		s, err := cache.OpenSQLiteStore(cfg.Cache.SQLitePath())
		if err != nil {
			return nil, fmt.Errorf("open sqlite cache: %w", err)
		}
		return s, nil
	default:
		s, err := cache.NewFileStore(cfg.Cache.RecordsDir())
		if err != nil {
			return nil, fmt.Errorf("open file cache: %w", err)
		}
		return s, nil
	}
}

// Close releases the cache and idle connections.
func (a *App) Close() error {
	err := a.Backend.Close()
	a.closeClients()
	return err
}

func (a *App) closeClients() {
	for _, c := range a.clients {
		c.Close()
	}
}
