package fulltext

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/helixir/pubmed-service/internal/transport"
)

// Download tools probed on the host.
const (
	ToolWget       = "wget"
	ToolCurl       = "curl"
	ToolPowerShell = "powershell"
)

// Fetcher selection modes.
const (
	ModeNative = "native"
	ModeSystem = "system"
	ModeAuto   = "auto"
)

// LookPathFunc finds an executable, as exec.LookPath does.
type LookPathFunc func(file string) (string, error)

// RunFunc runs an external command and returns its combined output.
type RunFunc func(ctx context.Context, name string, args, env []string) ([]byte, error)

func runCommand(ctx context.Context, name string, args, env []string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	if len(env) > 0 {
		cmd.Env = append(os.Environ(), env...)
	}
	return cmd.CombinedOutput()
}

// CommandFetcher downloads with a system tool: wget or curl on Unix-like
// systems, PowerShell's Invoke-WebRequest on Windows. The tools never
// follow redirects themselves; the redirect chain is walked through the
// guarded resolver first and the tool fetches the final URL.
type CommandFetcher struct {
	tool     string
	path     string
	timeout  time.Duration
	maxSize  int64
	proxy    transport.ProxyConfig
	guard    *Guard
	resolver *transport.HTTPClient
	run      RunFunc
}

// CommandFetcherConfig configures a CommandFetcher.
type CommandFetcherConfig struct {
	// Tool is one of ToolWget, ToolCurl or ToolPowerShell.
	Tool string
	// Path is the resolved executable.
	Path    string
	Timeout time.Duration
	MaxSize int64
	Proxy   transport.ProxyConfig
	Guard   *Guard
	// Resolver follows redirects before the tool runs. It should be built
	// with Guard.CheckRedirect. Nil sends the tool to the URL as given.
	Resolver *transport.HTTPClient
	// Run overrides command execution in tests.
	Run RunFunc
}

// NewCommandFetcher creates a fetcher around an external tool.
func NewCommandFetcher(cfg CommandFetcherConfig) (*CommandFetcher, error) {
	switch cfg.Tool {
	case ToolWget, ToolCurl, ToolPowerShell:
	default:
		return nil, fmt.Errorf("unsupported download tool %q", cfg.Tool)
	}
	if cfg.Path == "" {
		cfg.Path = cfg.Tool
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = DefaultMaxSize
	}
	if cfg.Guard == nil {
		cfg.Guard = &Guard{}
	}
	if cfg.Run == nil {
		cfg.Run = runCommand
	}
	return &CommandFetcher{
		tool:     cfg.Tool,
		path:     cfg.Path,
		timeout:  cfg.Timeout,
		maxSize:  cfg.MaxSize,
		proxy:    cfg.Proxy,
		guard:    cfg.Guard,
		resolver: cfg.Resolver,
		run:      cfg.Run,
	}, nil
}

// Name implements Fetcher.
func (f *CommandFetcher) Name() string {
	return f.tool
}

// Fetch implements Fetcher.
func (f *CommandFetcher) Fetch(ctx context.Context, rawURL, dst string) (int64, error) {
	if err := f.guard.Check(ctx, rawURL); err != nil {
		return 0, err
	}
	if f.resolver != nil {
		final, err := f.resolve(ctx, rawURL)
		if err != nil {
			return 0, err
		}
		if err := f.guard.Check(ctx, final); err != nil {
			return 0, err
		}
		rawURL = final
	}

	dir := filepath.Dir(dst)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, fmt.Errorf("create fulltext directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".download-*")
	if err != nil {
		return 0, fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	tmp.Close()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	args, env, err := f.command(rawURL, tmpName)
	if err != nil {
		return 0, err
	}
	if out, err := f.run(ctx, f.path, args, env); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return 0, ctxErr
		}
		return 0, fmt.Errorf("%s download failed: %w: %s", f.tool, err, strings.TrimSpace(string(out)))
	}

	info, err := os.Stat(tmpName)
	if err != nil {
		return 0, fmt.Errorf("%s produced no file: %w", f.tool, err)
	}
	if info.Size() > f.maxSize {
		return 0, fmt.Errorf("%w: exceeded %d bytes", ErrTooLarge, f.maxSize)
	}
	if err := verifyPDF(tmpName); err != nil {
		return 0, err
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		return 0, err
	}
	if err := os.Rename(tmpName, dst); err != nil {
		return 0, fmt.Errorf("move download into place: %w", err)
	}
	committed = true
	return info.Size(), nil
}

// resolve returns the URL rawURL finally redirects to. Every hop passes
// the resolver's redirect check; the body is not read.
func (f *CommandFetcher) resolve(ctx context.Context, rawURL string) (string, error) {
	build := func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid URL: %w", ErrSSRF, err)
		}
		req.Header.Set("User-Agent", BrowserUserAgent)
		req.Header.Set("Accept", "application/pdf, */*;q=0.8")
		return req, nil
	}

	final := rawURL
	_, err := f.resolver.Execute(ctx, "resolve", build, func(resp *http.Response) error {
		final = resp.Request.URL.String()
		return resp.Body.Close()
	})
	if err != nil {
		return "", err
	}
	return final, nil
}

// command returns the arguments and extra environment for one download.
// Redirects are disabled for every tool.
func (f *CommandFetcher) command(rawURL, out string) ([]string, []string, error) {
	endpoints, err := f.proxy.Endpoints()
	if err != nil {
		return nil, nil, err
	}
	seconds := strconv.Itoa(int(f.timeout.Seconds()))

	switch f.tool {
	case ToolWget:
		args := []string{
			"-q", "-O", out,
			"--timeout=" + seconds,
			"--tries=1",
			"--max-redirect=0",
			"--user-agent=" + BrowserUserAgent,
			rawURL,
		}
		return args, proxyEnv(endpoints), nil
	case ToolCurl:
		args := []string{
			"-f", "-s", "-S",
			"--proto", "=http,https",
			"--max-redirs", "0",
			"--max-time", seconds,
			"--max-filesize", strconv.FormatInt(f.maxSize, 10),
			"-A", BrowserUserAgent,
			"-o", out,
			rawURL,
		}
		return args, proxyEnv(endpoints), nil
	default:
		script := fmt.Sprintf("Invoke-WebRequest -Uri %s -OutFile %s -UserAgent %s -TimeoutSec %s -MaximumRedirection 0 -UseBasicParsing",
			psQuote(rawURL), psQuote(out), psQuote(BrowserUserAgent), seconds)
		if u, ok := endpoints["https"]; ok {
			script += " -Proxy " + psQuote(u.Scheme+"://"+u.Host)
			if u.User != nil {
				pass, _ := u.User.Password()
				script = fmt.Sprintf("$cred = New-Object System.Management.Automation.PSCredential(%s, (ConvertTo-SecureString %s -AsPlainText -Force)); ",
					psQuote(u.User.Username()), psQuote(pass)) + script + " -ProxyCredential $cred"
			}
		}
		return []string{"-NoProfile", "-NonInteractive", "-Command", script}, nil, nil
	}
}

func proxyEnv(endpoints map[string]*url.URL) []string {
	var env []string
	if u, ok := endpoints["http"]; ok {
		env = append(env, "http_proxy="+u.String(), "HTTP_PROXY="+u.String())
	}
	if u, ok := endpoints["https"]; ok {
		env = append(env, "https_proxy="+u.String(), "HTTPS_PROXY="+u.String())
	}
	return env
}

// psQuote quotes s as a PowerShell single-quoted string.
func psQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// SystemInfo describes the host platform.
type SystemInfo struct {
	Platform  string `json:"platform"`
	Arch      string `json:"arch"`
	IsWindows bool   `json:"isWindows"`
	IsMacOS   bool   `json:"isMacOS"`
	IsLinux   bool   `json:"isLinux"`
}

// ToolStatus reports whether one download tool is installed.
type ToolStatus struct {
	Name      string `json:"name"`
	Available bool   `json:"available"`
	Path      string `json:"path,omitempty"`
}

// SystemReport is the outcome of CheckSystem.
type SystemReport struct {
	System          SystemInfo   `json:"system"`
	Tools           []ToolStatus `json:"tools"`
	Recommended     string       `json:"recommended"`
	Recommendations []string     `json:"recommendations"`
}

// Tool returns the status of the named tool.
func (r SystemReport) Tool(name string) (ToolStatus, bool) {
	for _, t := range r.Tools {
		if t.Name == name {
			return t, true
		}
	}
	return ToolStatus{}, false
}

// CheckSystem probes the download tools available on goos. A nil
// lookPath uses exec.LookPath.
func CheckSystem(goos, goarch string, lookPath LookPathFunc) SystemReport {
	if lookPath == nil {
		lookPath = exec.LookPath
	}
	report := SystemReport{
		System: SystemInfo{
			Platform:  goos,
			Arch:      goarch,
			IsWindows: goos == "windows",
			IsMacOS:   goos == "darwin",
			IsLinux:   goos == "linux",
		},
	}

	probe := func(name string) ToolStatus {
		path, err := lookPath(name)
		if err != nil {
			return ToolStatus{Name: name}
		}
		return ToolStatus{Name: name, Available: true, Path: path}
	}

	if report.System.IsWindows {
		ps := probe(ToolPowerShell)
		report.Tools = []ToolStatus{ps}
		report.Recommended = ToolPowerShell
		if ps.Available {
			report.Recommendations = append(report.Recommendations, "PowerShell available for downloads")
		} else {
			report.Recommendations = append(report.Recommendations, "Install PowerShell to enable downloads")
		}
		return report
	}

	wget, curl := probe(ToolWget), probe(ToolCurl)
	report.Tools = []ToolStatus{wget, curl}
	switch {
	case wget.Available:
		report.Recommended = ToolWget
		report.Recommendations = append(report.Recommendations, "wget available - preferred downloader")
	case curl.Available:
		report.Recommended = ToolCurl
		report.Recommendations = append(report.Recommendations, "curl available - falling back to curl")
	default:
		report.Recommended = ToolCurl
		report.Recommendations = append(report.Recommendations, "Install wget or curl for full-text downloads")
	}
	return report
}

// ErrNoSystemTool is returned when system mode is requested but no
// download tool is installed.
var ErrNoSystemTool = errors.New("no system download tool available")

// SelectFetcher picks the fetcher for mode. System mode requires an
// installed tool; auto mode prefers one and falls back to native.
func SelectFetcher(mode string, report SystemReport, native Fetcher, cfg CommandFetcherConfig) (Fetcher, error) {
	switch strings.ToLower(mode) {
	case ModeNative, "":
		return native, nil
	case ModeSystem, ModeAuto:
		for _, t := range report.Tools {
			if !t.Available {
				continue
			}
			cfg.Tool = t.Name
			cfg.Path = t.Path
			return NewCommandFetcher(cfg)
		}
		if strings.ToLower(mode) == ModeSystem {
			return nil, ErrNoSystemTool
		}
		return native, nil
	default:
		return nil, fmt.Errorf("unknown fetcher mode %q", mode)
	}
}
