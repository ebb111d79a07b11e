package httpclient

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/cubzh/xpnet"
)

var ErrInvalidURL = errors.New("httpclient: invalid url")

// URL is a parsed request target. Port is always set, defaulting to 80 for
// http/ws and 443 for https/wss.
type URL struct {
	Scheme string
	Host   string
	Port   int
	Path   string
	Query  url.Values
}

// ParseURL parses an absolute http(s) or ws(s) URL.
func ParseURL(raw string) (URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return URL{}, fmt.Errorf("%w: %w", ErrInvalidURL, err)
	}

	out := URL{
		Scheme: strings.ToLower(u.Scheme),
		Host:   u.Hostname(),
		Path:   u.EscapedPath(),
		Query:  u.Query(),
	}
	switch out.Scheme {
	case "http", "ws":
		out.Port = xpnet.HTTPPort
	case "https", "wss":
		out.Port = xpnet.HTTPSPort
	default:
		return URL{}, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidURL, u.Scheme)
	}
	if out.Host == "" {
		return URL{}, fmt.Errorf("%w: missing host in %q", ErrInvalidURL, raw)
	}
	if p := u.Port(); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil || port <= 0 || port > 65535 {
			return URL{}, fmt.Errorf("%w: bad port %q", ErrInvalidURL, p)
		}
		out.Port = port
	}
	if out.Path == "" {
		out.Path = "/"
	}
	return out, nil
}

// Secure reports whether the scheme uses TLS.
func (u URL) Secure() bool {
	return u.Scheme == "https" || u.Scheme == "wss"
}

// PathAndQuery returns the path followed by the encoded query, if any.
func (u URL) PathAndQuery() string {
	if len(u.Query) == 0 {
		return u.Path
	}
	return u.Path + "?" + u.Query.Encode()
}

// String returns scheme://host:port/path?query. The port is always written,
// which makes the string usable as a cache key.
func (u URL) String() string {
	host := u.Host
	if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	return u.Scheme + "://" + host + ":" + strconv.Itoa(u.Port) + u.PathAndQuery()
}

// requestString is String without the default port, as sent on the wire.
// WebSocket schemes are sent as their HTTP counterparts.
func (u URL) requestString() string {
	scheme := u.Scheme
	switch scheme {
	case "ws":
		scheme = "http"
	case "wss":
		scheme = "https"
	}
	host := u.Host
	if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	if !(u.Port == xpnet.HTTPPort && !u.Secure()) && !(u.Port == xpnet.HTTPSPort && u.Secure()) {
		host += ":" + strconv.Itoa(u.Port)
	}
	return scheme + "://" + host + u.PathAndQuery()
}
