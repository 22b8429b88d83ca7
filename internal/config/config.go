// Package config provides configuration management for the PubMed service.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/helixir/pubmed-service/internal/observability"
)

// Abstract modes.
const (
	AbstractQuick = "quick"
	AbstractDeep  = "deep"
)

// Fulltext modes.
const (
	FulltextDisabled = "disabled"
	FulltextEnabled  = "enabled"
	FulltextAuto     = "auto"
)

// Cache backends for the persistent tier.
const (
	CacheBackendFile   = "file"
	CacheBackendSQLite = "sqlite"
)

// Config holds all configuration for the PubMed service.
type Config struct {
	// Server contains HTTP server settings.
	Server ServerConfig `mapstructure:"server"`
	// Logging contains structured logging settings.
	Logging LoggingConfig `mapstructure:"logging"`
	// Metrics contains Prometheus metrics exposure settings.
	Metrics MetricsConfig `mapstructure:"metrics"`
	// PubMed contains E-utilities credentials and transport settings.
	PubMed PubMedConfig `mapstructure:"pubmed"`
	// AbstractMode selects how much abstract text is returned (quick, deep).
	AbstractMode string `mapstructure:"abstract_mode"`
	// Fulltext contains open-access detection and download settings.
	Fulltext FulltextConfig `mapstructure:"fulltext"`
	// EndNote contains the citation export archive settings.
	EndNote EndNoteConfig `mapstructure:"endnote"`
	// Cache contains the two-tier cache settings.
	Cache CacheConfig `mapstructure:"cache"`
	// Proxy contains the outbound proxy settings.
	Proxy ProxyConfig `mapstructure:"proxy"`
}

// ServerConfig holds server configuration.
type ServerConfig struct {
	// Host is the address to bind the server to (default: 0.0.0.0).
	Host string `mapstructure:"host"`
	// HTTPPort is the tool API port (default: 8080).
	HTTPPort int `mapstructure:"http_port"`
	// MetricsPort is the metrics server port (default: 9091).
	MetricsPort int `mapstructure:"metrics_port"`
	// ReadTimeout is the maximum duration for reading request body.
	ReadTimeout time.Duration `mapstructure:"read_timeout"`
	// WriteTimeout is the maximum duration for writing response. Batch
	// downloads can take minutes.
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	// ShutdownTimeout is the maximum duration to wait for graceful shutdown.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	// Level is the log level (trace, debug, info, warn, error, fatal, panic).
	Level string `mapstructure:"level"`
	// Format is the log format (json, console).
	Format string `mapstructure:"format"`
	// Output is the log output destination (stdout, stderr, discard).
	Output string `mapstructure:"output"`
	// AddSource adds source file and line to log output.
	AddSource bool `mapstructure:"add_source"`
	// TimeFormat is the timestamp format.
	TimeFormat string `mapstructure:"time_format"`
}

// MetricsConfig holds metrics configuration.
type MetricsConfig struct {
	// Enabled enables metrics collection and exposure.
	Enabled bool `mapstructure:"enabled"`
	// Path is the HTTP path for metrics endpoint.
	Path string `mapstructure:"path"`
	// Namespace prefixes every metric name.
	Namespace string `mapstructure:"namespace"`
}

// PubMedConfig holds E-utilities settings.
type PubMedConfig struct {
	// BaseURL is the E-utilities root.
	BaseURL string `mapstructure:"base_url"`
	// IDConvURL is the PMC ID converter endpoint.
	IDConvURL string `mapstructure:"idconv_url"`
	// APIKey raises the rate ceiling from 3 to 10 requests per second.
	// Loaded from PUBMED_API_KEY only.
	APIKey string `mapstructure:"-"`
	// Email identifies the caller to NCBI and Unpaywall.
	Email string `mapstructure:"email"`
	// ToolName identifies the calling application to NCBI.
	ToolName string `mapstructure:"tool_name"`
	// RequestTimeout bounds one HTTP attempt.
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	// RateLimit overrides the request ceiling. Zero derives it from APIKey.
	RateLimit float64 `mapstructure:"rate_limit"`
	// Retry tunes transient failure handling.
	Retry RetryConfig `mapstructure:"retry"`
}

// RetryConfig holds the retry policy.
type RetryConfig struct {
	// MaxAttempts counts the first attempt (default: 3).
	MaxAttempts int `mapstructure:"max_attempts"`
	// InitialDelay is the wait before the second attempt.
	InitialDelay time.Duration `mapstructure:"initial_delay"`
	// Multiplier grows the delay per attempt.
	Multiplier float64 `mapstructure:"multiplier"`
	// MaxDelay caps every delay, including Retry-After hints.
	MaxDelay time.Duration `mapstructure:"max_delay"`
	// Jitter randomises delays by this fraction (0 to 1).
	Jitter float64 `mapstructure:"jitter"`
}

// FulltextConfig holds open-access download settings.
type FulltextConfig struct {
	// Mode is disabled, enabled (on request) or auto (download on detection).
	Mode string `mapstructure:"mode"`
	// Fetcher selects the downloader: native, system (wget/curl/PowerShell)
	// or auto.
	Fetcher string `mapstructure:"fetcher"`
	// MaxPDFSize bounds one download in bytes.
	MaxPDFSize int64 `mapstructure:"max_pdf_size"`
	// TTL expires stored PDFs. Zero keeps them forever.
	TTL time.Duration `mapstructure:"ttl"`
	// DownloadTimeout bounds one download attempt.
	DownloadTimeout time.Duration `mapstructure:"download_timeout"`
	// UnpaywallURL is the Unpaywall API root.
	UnpaywallURL string `mapstructure:"unpaywall_url"`
	// DOIResolverURL resolves DOIs to publisher landing pages.
	DOIResolverURL string `mapstructure:"doi_resolver_url"`
	// PublisherLookup enables scraping publisher landing pages for PDFs.
	PublisherLookup bool `mapstructure:"publisher_lookup"`
	// AllowPrivateNetworks permits downloads from private addresses.
	AllowPrivateNetworks bool `mapstructure:"allow_private_networks"`
}

// EndNoteConfig holds citation archive settings.
type EndNoteConfig struct {
	// Enabled writes every export to <cache dir>/endnote.
	Enabled bool `mapstructure:"enabled"`
}

// CacheConfig holds cache configuration.
type CacheConfig struct {
	// Dir is the root of every on-disk artefact.
	Dir string `mapstructure:"dir"`
	// Backend is the persistent tier: file or sqlite.
	Backend string `mapstructure:"backend"`
	// MemorySize bounds the memory tier.
	MemorySize int `mapstructure:"memory_size"`
	// MemoryTTL bounds how long an entry stays in memory.
	MemoryTTL time.Duration `mapstructure:"memory_ttl"`
	// SearchTTL is the lifetime of search results.
	SearchTTL time.Duration `mapstructure:"search_ttl"`
	// ArticleTTL is the lifetime of article records.
	ArticleTTL time.Duration `mapstructure:"article_ttl"`
	// AbstractTTL is the lifetime of plain text abstracts.
	AbstractTTL time.Duration `mapstructure:"abstract_ttl"`
	// OpenAccessTTL is the lifetime of open-access lookups.
	OpenAccessTTL time.Duration `mapstructure:"open_access_ttl"`
	// FulltextTTL is the lifetime of fulltext metadata. Zero never expires.
	FulltextTTL time.Duration `mapstructure:"fulltext_ttl"`
}

// ProxyConfig holds outbound proxy settings.
type ProxyConfig struct {
	// Enabled routes outbound requests through the proxy.
	Enabled bool `mapstructure:"enabled"`
	// HTTPURL proxies plain HTTP requests.
	HTTPURL string `mapstructure:"http_url"`
	// HTTPSURL proxies HTTPS requests.
	HTTPSURL string `mapstructure:"https_url"`
	// Username is injected into proxy URLs without credentials.
	Username string `mapstructure:"username"`
	// Password is loaded from PROXY_PASSWORD only.
	Password string `mapstructure:"-"`
}

// RecordsDir is the root of the file cache tier.
func (c *CacheConfig) RecordsDir() string {
	return filepath.Join(c.Dir, "papers")
}

// SQLitePath is the database used by the sqlite cache tier.
func (c *CacheConfig) SQLitePath() string {
	return filepath.Join(c.Dir, "cache.db")
}

// FulltextDir holds downloaded PDFs.
func (c *CacheConfig) FulltextDir() string {
	return filepath.Join(c.Dir, "fulltext")
}

// EndNoteDir holds archived citation exports.
func (c *CacheConfig) EndNoteDir() string {
	return filepath.Join(c.Dir, "endnote")
}

// HTTPAddress returns the HTTP server address.
func (c *ServerConfig) HTTPAddress() string {
	return fmt.Sprintf("%s:%d", c.Host, c.HTTPPort)
}

// MetricsAddress returns the metrics server address.
func (c *ServerConfig) MetricsAddress() string {
	return fmt.Sprintf("%s:%d", c.Host, c.MetricsPort)
}

// RequestsPerSecond returns the configured ceiling, or the NCBI ceiling
// for the presence of an API key.
func (c *PubMedConfig) RequestsPerSecond() float64 {
	if c.RateLimit > 0 {
		return c.RateLimit
	}
	if c.APIKey != "" {
		return 10
	}
	return 3
}

// FulltextEnabled reports whether downloads are allowed.
func (c *FulltextConfig) FulltextEnabled() bool {
	return c.Mode != FulltextDisabled
}

// Load reads configuration from .env, config.yaml and the environment.
func Load() (*Config, error) {
	return LoadFile("")
}

// LoadFile is Load with an explicit config file. An empty path searches
// the working directory, ./config and /etc/pubmed-service.
func LoadFile(path string) (*Config, error) {
	// A missing .env is fine; variables set in the process take precedence.
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to read .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("PUBMED")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := bindEnv(v); err != nil {
		return nil, err
	}

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/pubmed-service")
	}
	if err := v.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &configNotFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := applyEnv(&cfg); err != nil {
		return nil, err
	}
	loadSecrets(&cfg)
	cfg.normalize()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// bindEnv maps the established variable names onto config keys.
func bindEnv(v *viper.Viper) error {
	bindings := map[string][]string{
		"pubmed.email":     {"PUBMED_EMAIL"},
		"pubmed.tool_name": {"PUBMED_TOOL_NAME"},
		"abstract_mode":    {"ABSTRACT_MODE"},
		"fulltext.mode":    {"FULLTEXT_MODE"},
		"cache.dir":        {"PUBMED_MCP_CACHE_DIR"},
		"cache.backend":    {"PUBMED_CACHE_BACKEND"},
		"proxy.http_url":   {"HTTP_PROXY", "http_proxy"},
		"proxy.https_url":  {"HTTPS_PROXY", "https_proxy"},
		"proxy.username":   {"PROXY_USERNAME"},
	}
	for key, names := range bindings {
		if err := v.BindEnv(append([]string{key}, names...)...); err != nil {
			return fmt.Errorf("bind %s: %w", key, err)
		}
	}
	return nil
}

// applyEnv reads the variables whose format viper cannot decode: millisecond
// durations, byte counts and enabled/disabled switches.
func applyEnv(cfg *Config) error {
	durations := []struct {
		name   string
		target *time.Duration
	}{
		{"PUBMED_REQUEST_TIMEOUT_MS", &cfg.PubMed.RequestTimeout},
		{"PUBMED_PAPER_CACHE_EXPIRY_MS", &cfg.Cache.ArticleTTL},
		{"PUBMED_FULLTEXT_CACHE_EXPIRY_MS", &cfg.Fulltext.TTL},
		{"PUBMED_MEMORY_CACHE_TIMEOUT_MS", &cfg.Cache.MemoryTTL},
	}
	for _, d := range durations {
		raw, ok := os.LookupEnv(d.name)
		if !ok || raw == "" {
			continue
		}
		ms, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid %s: %q is not a number of milliseconds", d.name, raw)
		}
		*d.target = time.Duration(ms) * time.Millisecond
	}

	if raw := os.Getenv("PUBMED_MAX_PDF_SIZE_BYTES"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid PUBMED_MAX_PDF_SIZE_BYTES: %q", raw)
		}
		cfg.Fulltext.MaxPDFSize = n
	}
	if raw := os.Getenv("PUBMED_MEMORY_CACHE_MAX_SIZE"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return fmt.Errorf("invalid PUBMED_MEMORY_CACHE_MAX_SIZE: %q", raw)
		}
		cfg.Cache.MemorySize = n
	}

	switches := []struct {
		name   string
		target *bool
	}{
		{"ENDNOTE_EXPORT", &cfg.EndNote.Enabled},
		{"PROXY_ENABLED", &cfg.Proxy.Enabled},
	}
	for _, s := range switches {
		if raw, ok := os.LookupEnv(s.name); ok && raw != "" {
			*s.target = parseSwitch(raw)
		}
	}
	return nil
}

func parseSwitch(raw string) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "1", "true", "yes", "enabled", "on":
		return true
	}
	return false
}

// loadSecrets reads credentials exclusively from the environment.
func loadSecrets(cfg *Config) {
	cfg.PubMed.APIKey = os.Getenv("PUBMED_API_KEY")
	cfg.Proxy.Password = os.Getenv("PROXY_PASSWORD")
}

// normalize folds accepted aliases onto canonical values.
func (c *Config) normalize() {
	c.AbstractMode = strings.ToLower(strings.TrimSpace(c.AbstractMode))
	if c.AbstractMode == "short" {
		c.AbstractMode = AbstractQuick
	}
	c.Fulltext.Mode = strings.ToLower(strings.TrimSpace(c.Fulltext.Mode))
	switch c.Fulltext.Mode {
	case "manual":
		c.Fulltext.Mode = FulltextEnabled
	case "automatic":
		c.Fulltext.Mode = FulltextAuto
	}
	c.Fulltext.Fetcher = strings.ToLower(strings.TrimSpace(c.Fulltext.Fetcher))
	c.Cache.Backend = strings.ToLower(strings.TrimSpace(c.Cache.Backend))
}

func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.http_port", 8080)
	v.SetDefault("server.metrics_port", 9091)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "10m")
	v.SetDefault("server.shutdown_timeout", "30s")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")
	v.SetDefault("logging.add_source", false)
	v.SetDefault("logging.time_format", time.RFC3339)

	// Metrics defaults
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")
	v.SetDefault("metrics.namespace", "pubmed")

	// PubMed defaults
	v.SetDefault("pubmed.base_url", "https://eutils.ncbi.nlm.nih.gov/entrez/eutils/")
	v.SetDefault("pubmed.idconv_url", "https://www.ncbi.nlm.nih.gov/pmc/utils/idconv/v1.0/")
	v.SetDefault("pubmed.email", "")
	v.SetDefault("pubmed.tool_name", "pubmed_agent")
	v.SetDefault("pubmed.request_timeout", "30s")
	v.SetDefault("pubmed.rate_limit", 0)
	v.SetDefault("pubmed.retry.max_attempts", 3)
	v.SetDefault("pubmed.retry.initial_delay", "500ms")
	v.SetDefault("pubmed.retry.multiplier", 2.0)
	v.SetDefault("pubmed.retry.max_delay", "8s")
	v.SetDefault("pubmed.retry.jitter", 0.1)

	v.SetDefault("abstract_mode", AbstractQuick)

	// Fulltext defaults
	v.SetDefault("fulltext.mode", FulltextDisabled)
	v.SetDefault("fulltext.fetcher", "auto")
	v.SetDefault("fulltext.max_pdf_size", 50<<20)
	v.SetDefault("fulltext.ttl", "0s")
	v.SetDefault("fulltext.download_timeout", "2m")
	v.SetDefault("fulltext.unpaywall_url", "https://api.unpaywall.org/v2/")
	v.SetDefault("fulltext.doi_resolver_url", "https://doi.org/")
	v.SetDefault("fulltext.publisher_lookup", true)
	v.SetDefault("fulltext.allow_private_networks", false)

	v.SetDefault("endnote.enabled", true)

	// Cache defaults
	v.SetDefault("cache.dir", "cache")
	v.SetDefault("cache.backend", CacheBackendFile)
	v.SetDefault("cache.memory_size", 100)
	v.SetDefault("cache.memory_ttl", "5m")
	v.SetDefault("cache.search_ttl", "1h")
	v.SetDefault("cache.article_ttl", "720h")
	v.SetDefault("cache.abstract_ttl", "720h")
	v.SetDefault("cache.open_access_ttl", "168h")
	v.SetDefault("cache.fulltext_ttl", "0s")

	// Proxy defaults
	v.SetDefault("proxy.enabled", false)
	v.SetDefault("proxy.http_url", "")
	v.SetDefault("proxy.https_url", "")
	v.SetDefault("proxy.username", "")
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	// Validate server ports
	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		return fmt.Errorf("invalid HTTP port: %d", c.Server.HTTPPort)
	}
	if c.Server.MetricsPort <= 0 || c.Server.MetricsPort > 65535 {
		return fmt.Errorf("invalid metrics port: %d", c.Server.MetricsPort)
	}

	// Validate log level
	if !observability.ValidLevel(c.Logging.Level) {
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}

	switch c.AbstractMode {
	case AbstractQuick, AbstractDeep:
	default:
		return fmt.Errorf("invalid abstract mode: %q (want quick or deep)", c.AbstractMode)
	}
	switch c.Fulltext.Mode {
	case FulltextDisabled, FulltextEnabled, FulltextAuto:
	default:
		return fmt.Errorf("invalid fulltext mode: %q (want disabled, enabled or auto)", c.Fulltext.Mode)
	}
	switch c.Fulltext.Fetcher {
	case "native", "system", "auto":
	default:
		return fmt.Errorf("invalid fulltext fetcher: %q (want native, system or auto)", c.Fulltext.Fetcher)
	}
	if c.Fulltext.MaxPDFSize <= 0 {
		return fmt.Errorf("fulltext max_pdf_size must be positive")
	}
	if c.Fulltext.TTL < 0 {
		return fmt.Errorf("fulltext ttl must not be negative")
	}
	if c.Fulltext.DownloadTimeout <= 0 {
		return fmt.Errorf("fulltext download_timeout must be positive")
	}

	// Validate transport
	if _, err := parseHTTPURL(c.PubMed.BaseURL); err != nil {
		return fmt.Errorf("invalid pubmed base_url: %w", err)
	}
	if c.PubMed.RequestTimeout <= 0 {
		return fmt.Errorf("pubmed request_timeout must be positive")
	}
	if c.PubMed.RateLimit < 0 {
		return fmt.Errorf("pubmed rate_limit must not be negative")
	}
	r := c.PubMed.Retry
	if r.MaxAttempts <= 0 {
		return fmt.Errorf("retry max_attempts must be positive")
	}
	if r.InitialDelay <= 0 || r.MaxDelay < r.InitialDelay {
		return fmt.Errorf("retry delays must be positive with max_delay >= initial_delay")
	}
	if r.Multiplier < 1 {
		return fmt.Errorf("retry multiplier must be at least 1")
	}
	if r.Jitter < 0 || r.Jitter >= 1 {
		return fmt.Errorf("retry jitter must be between 0 and 1")
	}

	// Validate cache
	if strings.TrimSpace(c.Cache.Dir) == "" {
		return fmt.Errorf("cache dir is required")
	}
	switch c.Cache.Backend {
	case CacheBackendFile, CacheBackendSQLite:
	default:
		return fmt.Errorf("invalid cache backend: %q (want file or sqlite)", c.Cache.Backend)
	}
	if c.Cache.MemorySize <= 0 {
		return fmt.Errorf("cache memory_size must be positive")
	}
	if c.Cache.MemoryTTL <= 0 {
		return fmt.Errorf("cache memory_ttl must be positive")
	}
	for name, ttl := range map[string]time.Duration{
		"search_ttl":      c.Cache.SearchTTL,
		"article_ttl":     c.Cache.ArticleTTL,
		"abstract_ttl":    c.Cache.AbstractTTL,
		"open_access_ttl": c.Cache.OpenAccessTTL,
		"fulltext_ttl":    c.Cache.FulltextTTL,
	} {
		if ttl < 0 {
			return fmt.Errorf("cache %s must not be negative", name)
		}
	}

	// Validate proxy
	if c.Proxy.Enabled {
		if c.Proxy.HTTPURL == "" && c.Proxy.HTTPSURL == "" {
			return fmt.Errorf("proxy is enabled but neither HTTP_PROXY nor HTTPS_PROXY is set")
		}
		for _, raw := range []string{c.Proxy.HTTPURL, c.Proxy.HTTPSURL} {
			if raw == "" {
				continue
			}
			if _, err := parseHTTPURL(raw); err != nil {
				return fmt.Errorf("invalid proxy URL: %w", err)
			}
		}
	}

	return nil
}

func parseHTTPURL(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("%q is not an absolute http(s) URL", raw)
	}
	return u, nil
}

// EnsureDirectories creates the cache directories and checks that the
// cache root is writable.
func (c *Config) EnsureDirectories() error {
	dirs := []string{c.Cache.Dir, c.Cache.RecordsDir()}
	if c.Fulltext.FulltextEnabled() {
		dirs = append(dirs, c.Cache.FulltextDir())
	}
	if c.EndNote.Enabled {
		dirs = append(dirs, c.Cache.EndNoteDir())
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create cache directory %s: %w", dir, err)
		}
	}

	probe, err := os.CreateTemp(c.Cache.Dir, ".probe-*")
	if err != nil {
		return fmt.Errorf("cache directory %s is not writable: %w", c.Cache.Dir, err)
	}
	name := probe.Name()
	_ = probe.Close()
	return os.Remove(name)
}
