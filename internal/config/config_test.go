package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	clearEnvVars(t)
	dir := t.TempDir()
	t.Setenv("PUBMED_MCP_CACHE_DIR", dir)

	cfg, err := Load()
	require.NoError(t, err)
	require.NotNil(t, cfg)

	// Server defaults
	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 8080, cfg.Server.HTTPPort)
	assert.Equal(t, 9091, cfg.Server.MetricsPort)
	assert.Equal(t, 10*time.Minute, cfg.Server.WriteTimeout)

	// Logging defaults
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)

	// Metrics defaults
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, "/metrics", cfg.Metrics.Path)
	assert.Equal(t, "pubmed", cfg.Metrics.Namespace)

	// PubMed defaults
	assert.Equal(t, "https://eutils.ncbi.nlm.nih.gov/entrez/eutils/", cfg.PubMed.BaseURL)
	assert.Equal(t, "pubmed_agent", cfg.PubMed.ToolName)
	assert.Empty(t, cfg.PubMed.APIKey)
	assert.Equal(t, 30*time.Second, cfg.PubMed.RequestTimeout)
	assert.Equal(t, 3, cfg.PubMed.Retry.MaxAttempts)
	assert.Equal(t, 500*time.Millisecond, cfg.PubMed.Retry.InitialDelay)
	assert.Equal(t, 3.0, cfg.PubMed.RequestsPerSecond())

	// Modes
	assert.Equal(t, AbstractQuick, cfg.AbstractMode)
	assert.Equal(t, FulltextDisabled, cfg.Fulltext.Mode)
	assert.False(t, cfg.Fulltext.FulltextEnabled())
	assert.Equal(t, "auto", cfg.Fulltext.Fetcher)
	assert.Equal(t, int64(50<<20), cfg.Fulltext.MaxPDFSize)
	assert.Zero(t, cfg.Fulltext.TTL)
	assert.True(t, cfg.EndNote.Enabled)

	// Cache defaults
	assert.Equal(t, dir, cfg.Cache.Dir)
	assert.Equal(t, CacheBackendFile, cfg.Cache.Backend)
	assert.Equal(t, 100, cfg.Cache.MemorySize)
	assert.Equal(t, 5*time.Minute, cfg.Cache.MemoryTTL)
	assert.Equal(t, 30*24*time.Hour, cfg.Cache.ArticleTTL)
	assert.False(t, cfg.Proxy.Enabled)

	// Directories
	assert.DirExists(t, cfg.Cache.RecordsDir())
	assert.DirExists(t, cfg.Cache.EndNoteDir())
	assert.NoDirExists(t, cfg.Cache.FulltextDir())
}

func TestLoad_EnvironmentOverride(t *testing.T) {
	clearEnvVars(t)
	dir := t.TempDir()

	t.Setenv("PUBMED_MCP_CACHE_DIR", dir)
	t.Setenv("PUBMED_SERVER_HTTP_PORT", "8888")
	t.Setenv("PUBMED_LOGGING_LEVEL", "debug")
	t.Setenv("PUBMED_EMAIL", "dev@example.org")
	t.Setenv("PUBMED_TOOL_NAME", "review_bot")
	t.Setenv("PUBMED_CACHE_BACKEND", "SQLite")
	t.Setenv("ABSTRACT_MODE", "short")
	t.Setenv("FULLTEXT_MODE", "manual")
	t.Setenv("ENDNOTE_EXPORT", "disabled")
	t.Setenv("PUBMED_REQUEST_TIMEOUT_MS", "1500")
	t.Setenv("PUBMED_PAPER_CACHE_EXPIRY_MS", "60000")
	t.Setenv("PUBMED_FULLTEXT_CACHE_EXPIRY_MS", "86400000")
	t.Setenv("PUBMED_MEMORY_CACHE_TIMEOUT_MS", "1000")
	t.Setenv("PUBMED_MEMORY_CACHE_MAX_SIZE", "7")
	t.Setenv("PUBMED_MAX_PDF_SIZE_BYTES", "1024")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8888, cfg.Server.HTTPPort)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "dev@example.org", cfg.PubMed.Email)
	assert.Equal(t, "review_bot", cfg.PubMed.ToolName)
	assert.Equal(t, CacheBackendSQLite, cfg.Cache.Backend)
	assert.Equal(t, AbstractQuick, cfg.AbstractMode)
	assert.Equal(t, FulltextEnabled, cfg.Fulltext.Mode)
	assert.False(t, cfg.EndNote.Enabled)
	assert.Equal(t, 1500*time.Millisecond, cfg.PubMed.RequestTimeout)
	assert.Equal(t, time.Minute, cfg.Cache.ArticleTTL)
	assert.Equal(t, 24*time.Hour, cfg.Fulltext.TTL)
	assert.Equal(t, time.Second, cfg.Cache.MemoryTTL)
	assert.Equal(t, 7, cfg.Cache.MemorySize)
	assert.Equal(t, int64(1024), cfg.Fulltext.MaxPDFSize)

	assert.DirExists(t, cfg.Cache.FulltextDir())
	assert.NoDirExists(t, cfg.Cache.EndNoteDir())
}

func TestLoad_SecretsFromEnvOnly(t *testing.T) {
	clearEnvVars(t)
	t.Setenv("PUBMED_MCP_CACHE_DIR", t.TempDir())
	t.Setenv("PUBMED_API_KEY", "ncbi-key")
	t.Setenv("PROXY_ENABLED", "yes")
	t.Setenv("HTTPS_PROXY", "http://proxy.internal:3128")
	t.Setenv("PROXY_USERNAME", "alice")
	t.Setenv("PROXY_PASSWORD", "s3cret")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "ncbi-key", cfg.PubMed.APIKey)
	assert.Equal(t, 10.0, cfg.PubMed.RequestsPerSecond())
	assert.True(t, cfg.Proxy.Enabled)
	assert.Equal(t, "http://proxy.internal:3128", cfg.Proxy.HTTPSURL)
	assert.Equal(t, "alice", cfg.Proxy.Username)
	assert.Equal(t, "s3cret", cfg.Proxy.Password)
}

func TestLoadFile(t *testing.T) {
	clearEnvVars(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "service.yaml")
	yaml := strings.Join([]string{
		"server:",
		"  http_port: 7000",
		"abstract_mode: deep",
		"fulltext:",
		"  mode: auto",
		"  fetcher: native",
		"pubmed:",
		"  rate_limit: 2.5",
		"cache:",
		"  dir: " + filepath.Join(dir, "cache"),
		"  search_ttl: 10m",
	}, "\n")
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))

	cfg, err := LoadFile(path)
	require.NoError(t, err)

	assert.Equal(t, 7000, cfg.Server.HTTPPort)
	assert.Equal(t, AbstractDeep, cfg.AbstractMode)
	assert.Equal(t, FulltextAuto, cfg.Fulltext.Mode)
	assert.Equal(t, "native", cfg.Fulltext.Fetcher)
	assert.Equal(t, 2.5, cfg.PubMed.RequestsPerSecond())
	assert.Equal(t, 10*time.Minute, cfg.Cache.SearchTTL)
	assert.DirExists(t, filepath.Join(dir, "cache", "papers"))

	_, err = LoadFile(filepath.Join(dir, "missing.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read config file")
}

func TestLoad_InvalidEnvironment(t *testing.T) {
	tests := []struct {
		name        string
		env         map[string]string
		expectedErr string
	}{
		{
			name:        "milliseconds not numeric",
			env:         map[string]string{"PUBMED_REQUEST_TIMEOUT_MS": "soon"},
			expectedErr: "invalid PUBMED_REQUEST_TIMEOUT_MS",
		},
		{
			name:        "pdf size not numeric",
			env:         map[string]string{"PUBMED_MAX_PDF_SIZE_BYTES": "big"},
			expectedErr: "invalid PUBMED_MAX_PDF_SIZE_BYTES",
		},
		{
			name:        "unknown fulltext mode",
			env:         map[string]string{"FULLTEXT_MODE": "sometimes"},
			expectedErr: "invalid fulltext mode",
		},
		{
			name:        "proxy enabled without URL",
			env:         map[string]string{"PROXY_ENABLED": "on"},
			expectedErr: "proxy is enabled",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnvVars(t)
			t.Setenv("PUBMED_MCP_CACHE_DIR", t.TempDir())
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.expectedErr)
		})
	}
}

func TestValidate_InvalidPort(t *testing.T) {
	tests := []struct {
		name        string
		modifyFunc  func(*Config)
		expectedErr string
	}{
		{
			name: "HTTP port zero",
			modifyFunc: func(c *Config) {
				c.Server.HTTPPort = 0
			},
			expectedErr: "invalid HTTP port: 0",
		},
		{
			name: "HTTP port too high",
			modifyFunc: func(c *Config) {
				c.Server.HTTPPort = 70000
			},
			expectedErr: "invalid HTTP port: 70000",
		},
		{
			name: "metrics port invalid",
			modifyFunc: func(c *Config) {
				c.Server.MetricsPort = -5
			},
			expectedErr: "invalid metrics port: -5",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.modifyFunc(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.expectedErr)
		})
	}
}

func TestValidate_Settings(t *testing.T) {
	tests := []struct {
		name        string
		modifyFunc  func(*Config)
		expectedErr string
	}{
		{
			name:        "log level",
			modifyFunc:  func(c *Config) { c.Logging.Level = "verbose" },
			expectedErr: "invalid log level",
		},
		{
			name:        "abstract mode",
			modifyFunc:  func(c *Config) { c.AbstractMode = "medium" },
			expectedErr: "invalid abstract mode",
		},
		{
			name:        "fetcher",
			modifyFunc:  func(c *Config) { c.Fulltext.Fetcher = "ftp" },
			expectedErr: "invalid fulltext fetcher",
		},
		{
			name:        "base url",
			modifyFunc:  func(c *Config) { c.PubMed.BaseURL = "eutils.ncbi.nlm.nih.gov" },
			expectedErr: "invalid pubmed base_url",
		},
		{
			name:        "request timeout",
			modifyFunc:  func(c *Config) { c.PubMed.RequestTimeout = 0 },
			expectedErr: "request_timeout must be positive",
		},
		{
			name:        "retry attempts",
			modifyFunc:  func(c *Config) { c.PubMed.Retry.MaxAttempts = 0 },
			expectedErr: "max_attempts must be positive",
		},
		{
			name:        "retry delays",
			modifyFunc:  func(c *Config) { c.PubMed.Retry.MaxDelay = time.Millisecond },
			expectedErr: "retry delays",
		},
		{
			name:        "jitter",
			modifyFunc:  func(c *Config) { c.PubMed.Retry.Jitter = 1.5 },
			expectedErr: "jitter",
		},
		{
			name:        "cache backend",
			modifyFunc:  func(c *Config) { c.Cache.Backend = "redis" },
			expectedErr: "invalid cache backend",
		},
		{
			name:        "negative ttl",
			modifyFunc:  func(c *Config) { c.Cache.SearchTTL = -time.Second },
			expectedErr: "search_ttl must not be negative",
		},
		{
			name: "proxy url",
			modifyFunc: func(c *Config) {
				c.Proxy.Enabled = true
				c.Proxy.HTTPURL = "socks://"
			},
			expectedErr: "invalid proxy URL",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.modifyFunc(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.expectedErr)
		})
	}

	require.NoError(t, validConfig().Validate())
}

func TestValidate_LogLevels(t *testing.T) {
	for _, level := range []string{"trace", "DEBUG", "info", "warn", "warning", "error"} {
		t.Run(level, func(t *testing.T) {
			cfg := validConfig()
			cfg.Logging.Level = level
			assert.NoError(t, cfg.Validate())
		})
	}
}

func TestParseSwitch(t *testing.T) {
	for _, raw := range []string{"1", "true", "YES", "enabled", " on "} {
		assert.True(t, parseSwitch(raw), raw)
	}
	for _, raw := range []string{"0", "false", "disabled", "off", "maybe"} {
		assert.False(t, parseSwitch(raw), raw)
	}
}

func TestEnsureDirectories_NotWritable(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "occupied")
	require.NoError(t, os.WriteFile(file, nil, 0o600))

	cfg := validConfig()
	cfg.Cache.Dir = file
	require.Error(t, cfg.EnsureDirectories())
}

// clearEnvVars blanks every variable Load reads so the host environment
// cannot leak into a test. Empty values are treated as unset.
func clearEnvVars(t *testing.T) {
	t.Helper()
	for _, env := range os.Environ() {
		key, _, _ := strings.Cut(env, "=")
		if strings.HasPrefix(key, "PUBMED_") {
			t.Setenv(key, "")
		}
	}
	for _, key := range []string{
		"ABSTRACT_MODE", "FULLTEXT_MODE", "ENDNOTE_EXPORT",
		"HTTP_PROXY", "http_proxy", "HTTPS_PROXY", "https_proxy",
		"PROXY_ENABLED", "PROXY_USERNAME", "PROXY_PASSWORD",
	} {
		t.Setenv(key, "")
	}
}

// validConfig returns a valid configuration for testing
func validConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:        "0.0.0.0",
			HTTPPort:    8080,
			MetricsPort: 9091,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		PubMed: PubMedConfig{
			BaseURL:        "https://eutils.ncbi.nlm.nih.gov/entrez/eutils/",
			RequestTimeout: 30 * time.Second,
			Retry: RetryConfig{
				MaxAttempts:  3,
				InitialDelay: 500 * time.Millisecond,
				Multiplier:   2,
				MaxDelay:     8 * time.Second,
				Jitter:       0.1,
			},
		},
		AbstractMode: AbstractQuick,
		Fulltext: FulltextConfig{
			Mode:            FulltextDisabled,
			Fetcher:         "auto",
			MaxPDFSize:      50 << 20,
			DownloadTimeout: 2 * time.Minute,
		},
		Cache: CacheConfig{
			Dir:        "cache",
			Backend:    CacheBackendFile,
			MemorySize: 100,
			MemoryTTL:  5 * time.Minute,
		},
	}
}
