package transport

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// ProxyConfig describes an optional outbound HTTP(S) proxy. The zero value
// disables proxying. Values are copied on construction and never mutated.
type ProxyConfig struct {
	Enabled  bool
	HTTPURL  string
	HTTPSURL string
	Username string
	Password string
}

// Validate checks that every configured proxy URL can be parsed.
func (p ProxyConfig) Validate() error {
	if !p.Enabled {
		return nil
	}
	if p.HTTPURL == "" && p.HTTPSURL == "" {
		return fmt.Errorf("proxy enabled but no proxy URL configured")
	}
	for _, raw := range []string{p.HTTPURL, p.HTTPSURL} {
		if raw == "" {
			continue
		}
		if _, err := p.resolve(raw); err != nil {
			return err
		}
	}
	return nil
}

// Endpoints returns the effective proxy URLs, keyed by scheme, with
// credentials injected into URLs that do not already carry userinfo.
func (p ProxyConfig) Endpoints() (map[string]*url.URL, error) {
	out := make(map[string]*url.URL, 2)
	if !p.Enabled {
		return out, nil
	}
	httpURL, httpsURL := p.HTTPURL, p.HTTPSURL
	if httpsURL == "" {
		httpsURL = httpURL
	}
	if httpURL == "" {
		httpURL = httpsURL
	}
	for scheme, raw := range map[string]string{"http": httpURL, "https": httpsURL} {
		u, err := p.resolve(raw)
		if err != nil {
			return nil, err
		}
		out[scheme] = u
	}
	return out, nil
}

// ProxyFunc returns a function suitable for http.Transport.Proxy. It picks
// the proxy by request scheme and returns nil when proxying is disabled.
func (p ProxyConfig) ProxyFunc() (func(*http.Request) (*url.URL, error), error) {
	endpoints, err := p.Endpoints()
	if err != nil {
		return nil, err
	}
	if len(endpoints) == 0 {
		return nil, nil
	}
	return func(req *http.Request) (*url.URL, error) {
		if u, ok := endpoints[strings.ToLower(req.URL.Scheme)]; ok {
			return u, nil
		}
		return nil, nil
	}, nil
}

// Redacted returns the proxy URL for scheme with the password masked, for
// logging and system checks.
func (p ProxyConfig) Redacted(scheme string) string {
	endpoints, err := p.Endpoints()
	if err != nil {
		return ""
	}
	u, ok := endpoints[scheme]
	if !ok {
		return ""
	}
	return u.Redacted()
}

func (p ProxyConfig) resolve(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid proxy URL: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid proxy URL %q: scheme and host are required", redactRaw(raw))
	}
	if u.User == nil && p.Username != "" {
		if p.Password != "" {
			u.User = url.UserPassword(p.Username, p.Password)
		} else {
			u.User = url.User(p.Username)
		}
	}
	return u, nil
}

func redactRaw(raw string) string {
	if i := strings.LastIndex(raw, "@"); i >= 0 {
		if j := strings.Index(raw, "://"); j >= 0 && j < i {
			return raw[:j+3] + "xxxxx@" + raw[i+1:]
		}
		return "xxxxx@" + raw[i+1:]
	}
	return raw
}
