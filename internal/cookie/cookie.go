// Package cookie keeps the cookies set by HTTP responses and attaches the
// matching ones to outgoing requests. The jar is persisted as a JSON array.
package cookie

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/cubzh/xpnet/internal/storage"
)

// Cookie is one stored cookie. (Domain, Name) identifies it in the store.
type Cookie struct {
	Domain   string
	Path     string
	Name     string
	Value    string
	Secure   bool
	HTTPOnly bool
}

// record is the persisted form. Secure and HttpOnly are not persisted.
type record struct {
	Domain string `json:"domain"`
	Path   string `json:"path"`
	Name   string `json:"name"`
	Value  string `json:"value"`
}

// ParseSetCookie parses one Set-Cookie header value. Without a Domain
// attribute the cookie belongs to host.
func ParseSetCookie(line, host string) (Cookie, error) {
	hc, err := http.ParseSetCookie(line)
	if err != nil {
		return Cookie{}, fmt.Errorf("cookie: parse %q: %w", line, err)
	}
	c := Cookie{
		Domain:   strings.TrimPrefix(strings.ToLower(hc.Domain), "."),
		Path:     hc.Path,
		Name:     hc.Name,
		Value:    hc.Value,
		Secure:   hc.Secure,
		HTTPOnly: hc.HttpOnly,
	}
	if c.Domain == "" {
		c.Domain = strings.ToLower(host)
	}
	return c, nil
}

// domainMatch reports whether a cookie for domain applies to host.
func domainMatch(domain, host string) bool {
	host = strings.ToLower(host)
	return host == domain || strings.HasSuffix(host, "."+domain)
}

// pathMatch follows the path-match rule of RFC 6265 section 5.1.4.
func pathMatch(cookiePath, requestPath string) bool {
	if cookiePath == "" || cookiePath == "/" {
		return true
	}
	if requestPath == "" {
		requestPath = "/"
	}
	if !strings.HasPrefix(requestPath, cookiePath) {
		return false
	}
	return len(requestPath) == len(cookiePath) ||
		strings.HasSuffix(cookiePath, "/") ||
		requestPath[len(cookiePath)] == '/'
}

// Store is a persistent cookie jar.
type Store struct {
	storage storage.Storage
	file    string
	log     *zap.Logger

	mu      sync.Mutex
	cookies []Cookie
}

// NewStore creates an empty jar persisted to file in s. Call Load to read
// previously saved cookies.
func NewStore(s storage.Storage, file string, log *zap.Logger) *Store {
	if log == nil {
		log = zap.L()
	}
	return &Store{
		storage: s,
		file:    file,
		log:     log.Named("cookies"),
	}
}

// Load replaces the jar with the persisted cookies. A missing file is an
// empty jar. Reloaded cookies are Secure and HttpOnly.
func (s *Store) Load() error {
	data, err := s.storage.ReadFile(s.file)
	if errors.Is(err, storage.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("cookie: load: %w", err)
	}

	var records []record
	if err := json.Unmarshal(data, &records); err != nil {
		return fmt.Errorf("cookie: decode %s: %w", s.file, err)
	}

	cookies := make([]Cookie, 0, len(records))
	for _, r := range records {
		cookies = append(cookies, Cookie{
			Domain:   r.Domain,
			Path:     r.Path,
			Name:     r.Name,
			Value:    r.Value,
			Secure:   true,
			HTTPOnly: true,
		})
	}

	s.mu.Lock()
	s.cookies = cookies
	s.mu.Unlock()
	s.log.Debug("cookies loaded", zap.Int("count", len(cookies)))
	return nil
}

// Save rewrites the persisted jar.
func (s *Store) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked()
}

// saveLocked writes the jar while s.mu is held, so the file always reflects
// the last mutation.
func (s *Store) saveLocked() error {
	records := make([]record, 0, len(s.cookies))
	for _, c := range s.cookies {
		records = append(records, record{Domain: c.Domain, Path: c.Path, Name: c.Name, Value: c.Value})
	}

	data, err := json.Marshal(records)
	if err != nil {
		return fmt.Errorf("cookie: encode: %w", err)
	}
	if err := s.storage.WriteFile(s.file, data); err != nil {
		return fmt.Errorf("cookie: save: %w", err)
	}
	return nil
}

// SetCookie stores c, replacing the cookie with the same domain and name,
// and persists the jar. The domain is matched case-insensitively and without
// its leading dot.
func (s *Store) SetCookie(c Cookie) error {
	c.Domain = strings.TrimPrefix(strings.ToLower(c.Domain), ".")

	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.cookies[:0]
	for _, existing := range s.cookies {
		if existing.Domain != c.Domain || existing.Name != c.Name {
			kept = append(kept, existing)
		}
	}
	s.cookies = append(kept, c)
	return s.saveLocked()
}

// SetFromHeaders stores every cookie of a response's Set-Cookie values.
// Malformed values are logged and skipped.
func (s *Store) SetFromHeaders(host string, values []string) int {
	stored := 0
	for _, line := range values {
		c, err := ParseSetCookie(line, host)
		if err != nil {
			s.log.Warn("ignoring Set-Cookie", zap.String("host", host), zap.Error(err))
			continue
		}
		if err := s.SetCookie(c); err != nil {
			s.log.Error("can't persist cookie", zap.String("name", c.Name), zap.Error(err))
			continue
		}
		stored++
	}
	return stored
}

// MatchingCookies returns the cookies to send to host and path. Secure
// cookies are only returned for secure requests.
func (s *Store) MatchingCookies(host, path string, secure bool) []Cookie {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Cookie
	for _, c := range s.cookies {
		if !domainMatch(c.Domain, host) || !pathMatch(c.Path, path) {
			continue
		}
		if c.Secure && !secure {
			continue
		}
		out = append(out, c)
	}
	return out
}

// HeaderValue formats the matching cookies as a Cookie header value
// ("a=b; c=d"). It is empty when nothing matches.
func (s *Store) HeaderValue(host, path string, secure bool) string {
	cookies := s.MatchingCookies(host, path, secure)
	parts := make([]string, 0, len(cookies))
	for _, c := range cookies {
		parts = append(parts, c.Name+"="+c.Value)
	}
	return strings.Join(parts, "; ")
}

// RemoveAll empties the jar and persists it.
func (s *Store) RemoveAll() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cookies = nil
	return s.saveLocked()
}

// Len returns the number of stored cookies.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.cookies)
}
