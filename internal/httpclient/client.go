// Package httpclient issues HTTP requests through the socket service, with a
// persistent response cache, a cookie jar and once-only callbacks.
package httpclient

import (
	"fmt"
	"net/http"
	"sync"

	"go.uber.org/zap"

	"github.com/cubzh/xpnet"
	"github.com/cubzh/xpnet/internal/cookie"
	"github.com/cubzh/xpnet/internal/taskqueue"
	"github.com/cubzh/xpnet/internal/websocket"
)

// Sender runs HTTP transactions. The socket service implements it.
type Sender interface {
	SendHTTPRequest(job websocket.HTTPJob) error
	CancelHTTPRequest(handle string)
}

// Config configures a Client.
type Config struct {
	// UserAgent is sent when a request sets none.
	UserAgent string
	// CallbackQueue runs callbacks. When nil they run on the goroutine that
	// completed the request.
	CallbackQueue *taskqueue.Queue
	Logger        *zap.Logger
}

// DefaultConfig returns the default client configuration.
func DefaultConfig() Config {
	return Config{UserAgent: xpnet.DefaultUserAgent}
}

// Client creates requests and runs their completion chain: middleware,
// cookies, cache, then the request callback.
type Client struct {
	sender        Sender
	cache         *Cache
	cookies       *cookie.Store
	callbackQueue *taskqueue.Queue
	userAgent     string
	log           *zap.Logger

	mu         sync.RWMutex
	middleware func(*Request)
}

// New creates a Client. cache and cookies may be nil to disable them.
func New(sender Sender, cache *Cache, cookies *cookie.Store, cfg Config) *Client {
	if cfg.UserAgent == "" {
		cfg.UserAgent = xpnet.DefaultUserAgent
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.L()
	}
	return &Client{
		sender:        sender,
		cache:         cache,
		cookies:       cookies,
		callbackQueue: cfg.CallbackQueue,
		userAgent:     cfg.UserAgent,
		log:           cfg.Logger.Named("http"),
	}
}

// Cache returns the response cache, or nil.
func (c *Client) Cache() *Cache {
	return c.cache
}

// Cookies returns the cookie jar, or nil.
func (c *Client) Cookies() *cookie.Store {
	return c.cookies
}

// SetCallbackMiddleware installs fn to run before every request callback.
func (c *Client) SetCallbackMiddleware(fn func(*Request)) {
	c.mu.Lock()
	c.middleware = fn
	c.mu.Unlock()
}

func (c *Client) callbackMiddleware() func(*Request) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.middleware
}

// NewRequest creates a request. It is sent right away when opts.SendNow is
// set.
func (c *Client) NewRequest(method, rawURL string, headers map[string]string, body []byte, opts Opts, callback func(*Request)) (*Request, error) {
	switch method {
	case http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete:
	default:
		return nil, fmt.Errorf("httpclient: unsupported method %q", method)
	}
	u, err := ParseURL(rawURL)
	if err != nil {
		return nil, err
	}

	r := newRequest(c, method, u)
	r.SetHeaders(headers)
	r.SetBody(body)
	r.SetOpts(opts)
	r.SetCallback(callback)

	if opts.SendNow {
		if err := r.SendAsync(); err != nil {
			return r, err
		}
	}
	return r, nil
}

func (c *Client) Get(rawURL string, headers map[string]string, opts Opts, callback func(*Request)) (*Request, error) {
	return c.NewRequest(http.MethodGet, rawURL, headers, nil, opts, callback)
}

func (c *Client) Post(rawURL string, headers map[string]string, body []byte, opts Opts, callback func(*Request)) (*Request, error) {
	return c.NewRequest(http.MethodPost, rawURL, headers, body, opts, callback)
}

func (c *Client) Patch(rawURL string, headers map[string]string, body []byte, opts Opts, callback func(*Request)) (*Request, error) {
	return c.NewRequest(http.MethodPatch, rawURL, headers, body, opts, callback)
}

func (c *Client) Delete(rawURL string, headers map[string]string, body []byte, opts Opts, callback func(*Request)) (*Request, error) {
	return c.NewRequest(http.MethodDelete, rawURL, headers, body, opts, callback)
}

// CacheResponse stores the response of r if it is cacheable.
func (c *Client) CacheResponse(r *Request) (bool, error) {
	if c.cache == nil {
		return false, nil
	}
	return c.cache.Store(r)
}

// RemoveCachedResponse deletes the cache entry for r's URL.
func (c *Client) RemoveCachedResponse(r *Request) error {
	if c.cache == nil {
		return nil
	}
	return c.cache.Remove(r.URLString())
}

// runCallback is the completion chain. A 304 is turned into the cached
// response before the cache is refreshed.
func (c *Client) runCallback(r *Request) {
	if r.IsCancelled() {
		return
	}
	if mw := c.callbackMiddleware(); mw != nil {
		mw(r)
	}

	resp := r.Response()
	if c.cookies != nil {
		if values := resp.HeaderValues("Set-Cookie"); len(values) > 0 {
			c.cookies.SetFromHeaders(r.url.Host, values)
		}
	}

	if resp.StatusCode() == http.StatusNotModified {
		if r.useCachedResponse() {
			r.mu.Lock()
			r.revalidated = true
			r.mu.Unlock()
		} else {
			r.log.Warn("304 received without a cached response")
		}
	}

	if _, err := c.CacheResponse(r); err != nil {
		r.log.Error("can't cache response", zap.Error(err))
	}

	if cb := r.callbackFn(); cb != nil {
		cb(r)
	}
}
