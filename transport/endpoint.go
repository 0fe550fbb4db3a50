package transport

import (
	"fmt"
	"net/url"
	"strings"
)

// DefaultScheme is used for descriptors written as a bare host:port.
const DefaultScheme = "channel"

// Endpoint is a parsed server descriptor such as "nats://localhost:4222" or
// "kafka://b1:9092,b2:9092?group=workers".
type Endpoint struct {
	// Raw is the descriptor as configured (after default scheme expansion).
	Raw    string
	Scheme string
	// Host holds host[:port], possibly a comma separated list.
	Host  string
	Path  string
	User  *url.Userinfo
	Query url.Values
}

// ParseEndpoint parses raw, prefixing defaultScheme when raw has no scheme.
func ParseEndpoint(raw, defaultScheme string) (Endpoint, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Endpoint{}, fmt.Errorf("empty server descriptor")
	}
	if !strings.Contains(raw, "://") {
		if defaultScheme == "" {
			defaultScheme = DefaultScheme
		}
		raw = defaultScheme + "://" + raw
	}

	u, err := url.Parse(raw)
	if err != nil {
		return Endpoint{}, fmt.Errorf("invalid server descriptor %q: %w", redact(raw), err)
	}
	if u.Scheme == "" {
		return Endpoint{}, fmt.Errorf("server descriptor %q has no scheme", redact(raw))
	}

	return Endpoint{
		Raw:    raw,
		Scheme: strings.ToLower(u.Scheme),
		Host:   u.Host,
		Path:   u.Path,
		User:   u.User,
		Query:  u.Query(),
	}, nil
}

// Hosts splits Host on commas.
func (e Endpoint) Hosts() []string {
	if e.Host == "" {
		return nil
	}
	parts := strings.Split(e.Host, ",")
	hosts := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			hosts = append(hosts, p)
		}
	}
	return hosts
}

// URLs returns one URL per host, each carrying the endpoint's credentials.
func (e Endpoint) URLs(scheme string) []string {
	if scheme == "" {
		scheme = e.Scheme
	}
	hosts := e.Hosts()
	urls := make([]string, 0, len(hosts))
	for _, h := range hosts {
		u := url.URL{Scheme: scheme, Host: h, Path: e.Path, User: e.User}
		urls = append(urls, u.String())
	}
	return urls
}

// Param returns the query parameter key, or fallback when it is unset.
func (e Endpoint) Param(key, fallback string) string {
	if v := e.Query.Get(key); v != "" {
		return v
	}
	return fallback
}

// URL rebuilds the descriptor without its query string, replacing the scheme
// when scheme is not empty.
func (e Endpoint) URL(scheme string) string {
	if scheme == "" {
		scheme = e.Scheme
	}
	u := url.URL{Scheme: scheme, Host: e.Host, Path: e.Path, User: e.User}
	return u.String()
}

// String returns the descriptor with any password masked.
func (e Endpoint) String() string {
	return redact(e.Raw)
}

func redact(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "***REDACTED_URL***"
	}
	if u.User != nil {
		if _, ok := u.User.Password(); ok {
			u.User = url.UserPassword(u.User.Username(), "***REDACTED***")
		}
	}
	return u.String()
}
