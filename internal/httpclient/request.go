package httpclient

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cubzh/xpnet/internal/websocket"
)

// Status is the lifecycle state of a Request.
type Status int

const (
	StatusWaiting Status = iota
	StatusProcessing
	StatusFailed
	StatusCancelled
	StatusDone
	StatusCanBeDestroyed
)

func (s Status) String() string {
	switch s {
	case StatusWaiting:
		return "WAITING"
	case StatusProcessing:
		return "PROCESSING"
	case StatusFailed:
		return "FAILED"
	case StatusCancelled:
		return "CANCELLED"
	case StatusDone:
		return "DONE"
	case StatusCanBeDestroyed:
		return "CAN_BE_DESTROYED"
	default:
		return "Status(" + strconv.Itoa(int(s)) + ")"
	}
}

// allowed lists the legal transitions. Cancelling is legal from every state
// but CanBeDestroyed and is handled by Cancel.
var allowed = map[Status][]Status{
	StatusWaiting:    {StatusProcessing, StatusDone, StatusFailed},
	StatusProcessing: {StatusDone, StatusFailed},
	StatusDone:       {StatusCanBeDestroyed},
	StatusFailed:     {StatusCanBeDestroyed},
	StatusCancelled:  {StatusCanBeDestroyed},
}

var (
	ErrAlreadySent = errors.New("httpclient: request already sent")
	ErrCancelled   = errors.New("httpclient: request cancelled")
)

// Request is one HTTP transaction. Its callback runs at most once, and never
// after Cancel.
type Request struct {
	handle string
	client *Client
	method string
	url    URL
	log    *zap.Logger

	mu             sync.Mutex
	status         Status
	headers        map[string]string
	body           []byte
	opts           Opts
	callback       func(*Request)
	callbackCalled bool
	revalidated    bool
	response       *Response
	cached         *Response

	done     chan struct{}
	doneOnce sync.Once
}

func newRequest(c *Client, method string, u URL) *Request {
	handle := uuid.NewString()
	return &Request{
		handle:   handle,
		client:   c,
		method:   method,
		url:      u,
		log:      c.log.With(zap.String("request", handle), zap.String("method", method), zap.String("url", u.String())),
		headers:  make(map[string]string),
		opts:     DefaultOpts(),
		response: newResponse(),
		done:     make(chan struct{}),
	}
}

// Handle identifies the request in the socket service.
func (r *Request) Handle() string {
	return r.handle
}

func (r *Request) Method() string {
	return r.method
}

func (r *Request) URL() URL {
	return r.url
}

// URLString returns the full URL, port included.
func (r *Request) URLString() string {
	return r.url.String()
}

func (r *Request) PathAndQuery() string {
	return r.url.PathAndQuery()
}

func (r *Request) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// IsCancelled reports whether Cancel was called.
func (r *Request) IsCancelled() bool {
	return r.Status() == StatusCancelled
}

func (r *Request) transition(to Status) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range allowed[r.status] {
		if s == to {
			r.status = to
			return true
		}
	}
	return false
}

// Response returns the response. It is populated once the request completes.
func (r *Request) Response() *Response {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.response
}

// CachedResponse returns the response found in the cache, or nil.
func (r *Request) CachedResponse() *Response {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cached
}

func (r *Request) setCachedResponse(resp *Response) {
	r.mu.Lock()
	r.cached = resp
	r.mu.Unlock()
}

func (r *Request) wasRevalidated() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.revalidated
}

// useCachedResponse replaces the outcome with the cached one. Headers are
// kept from the live response.
func (r *Request) useCachedResponse() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cached == nil {
		return false
	}
	r.cached.mu.RLock()
	success, code, body := r.cached.success, r.cached.statusCode, r.cached.body
	r.cached.mu.RUnlock()

	resp := r.response
	resp.mu.Lock()
	resp.success = success
	resp.statusCode = code
	resp.body = append([]byte(nil), body...)
	resp.downloadComplete = true
	resp.usedLocalCache = true
	resp.mu.Unlock()
	return true
}

// Opts returns the send options.
func (r *Request) Opts() Opts {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.opts
}

func (r *Request) SetOpts(o Opts) {
	r.mu.Lock()
	r.opts = o
	r.mu.Unlock()
}

func (r *Request) SetCallback(fn func(*Request)) {
	r.mu.Lock()
	r.callback = fn
	r.mu.Unlock()
}

func (r *Request) callbackFn() func(*Request) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.callback
}

// SetHeaders replaces every header, then fills in Accept and User-Agent when
// they are missing.
func (r *Request) SetHeaders(h map[string]string) {
	headers := make(map[string]string, len(h)+2)
	for k, v := range h {
		headers[http.CanonicalHeaderKey(k)] = v
	}
	if _, ok := headers["Accept"]; !ok {
		headers["Accept"] = "*/*"
	}
	if _, ok := headers["User-Agent"]; !ok {
		headers["User-Agent"] = r.client.userAgent
	}
	r.mu.Lock()
	r.headers = headers
	r.mu.Unlock()
}

func (r *Request) SetHeader(key, value string) {
	r.mu.Lock()
	r.headers[http.CanonicalHeaderKey(key)] = value
	r.mu.Unlock()
}

// Header returns a request header value.
func (r *Request) Header(key string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.headers[http.CanonicalHeaderKey(key)]
}

// Headers returns a copy of the request headers.
func (r *Request) Headers() map[string]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]string, len(r.headers))
	for k, v := range r.headers {
		out[k] = v
	}
	return out
}

func (r *Request) SetBody(body []byte) {
	r.mu.Lock()
	r.body = body
	r.mu.Unlock()
}

// Done is closed once the callback has run or the request was cancelled.
func (r *Request) Done() <-chan struct{} {
	return r.done
}

func (r *Request) finish() {
	r.doneOnce.Do(func() { close(r.done) })
}

// SendAsync sends the request. Stored cookies are attached first; a GET with
// a fresh cached response completes immediately from the cache.
func (r *Request) SendAsync() error {
	if r.Status() != StatusWaiting {
		return ErrAlreadySent
	}
	c := r.client

	if c.cookies != nil {
		if v := c.cookies.HeaderValue(r.url.Host, r.url.Path, r.url.Secure()); v != "" {
			r.SetHeader("Cookie", v)
		}
	}

	opts := r.Opts()
	if r.method == http.MethodGet && c.cache != nil {
		if found, fresh := c.cache.Lookup(r); found && fresh && !opts.ForceCacheRevalidate {
			r.useCachedResponse()
			if r.transition(StatusDone) {
				r.log.Debug("served from cache")
				r.callCallback()
			}
			return nil
		}
	}
	if opts.ForceCacheRevalidate {
		r.SetHeader("Cache-Control", "no-cache")
	}

	if !r.transition(StatusProcessing) {
		return ErrCancelled
	}
	if err := c.sender.SendHTTPRequest(r); err != nil {
		r.Complete(&websocket.HTTPResult{Err: err})
		return err
	}
	return nil
}

// SendSync sends the request if needed and blocks until its callback has run.
// Blocking on a request whose callback is dispatched to a queue drained by
// the calling goroutine never returns.
func (r *Request) SendSync(ctx context.Context) (*Response, error) {
	if r.Status() == StatusWaiting {
		if err := r.SendAsync(); errors.Is(err, ErrCancelled) {
			return nil, err
		}
	}
	select {
	case <-r.done:
	case <-ctx.Done():
		r.Cancel()
		return nil, ctx.Err()
	}
	if r.IsCancelled() {
		return nil, ErrCancelled
	}
	return r.Response(), nil
}

// Cancel prevents the callback from running. In-flight network work is
// aborted when the request was waiting or being processed.
func (r *Request) Cancel() {
	r.mu.Lock()
	prev := r.status
	if prev == StatusCanBeDestroyed || prev == StatusCancelled {
		r.mu.Unlock()
		return
	}
	r.status = StatusCancelled
	r.mu.Unlock()

	if prev == StatusWaiting || prev == StatusProcessing {
		r.client.sender.CancelHTTPRequest(r.handle)
	}
	r.finish()
}

// BuildRequest creates the outgoing net/http request.
func (r *Request) BuildRequest(ctx context.Context) (*http.Request, error) {
	r.mu.Lock()
	body := r.body
	headers := make(map[string]string, len(r.headers))
	for k, v := range r.headers {
		headers[k] = v
	}
	r.mu.Unlock()

	var rd io.Reader
	if len(body) > 0 {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, r.method, r.url.requestString(), rd)
	if err != nil {
		return nil, fmt.Errorf("httpclient: build request: %w", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return req, nil
}

// Complete records the transaction outcome and runs the callback. Results
// arriving after a cancel are dropped.
func (r *Request) Complete(res *websocket.HTTPResult) {
	to := StatusDone
	if !res.Success {
		to = StatusFailed
	}
	if !r.transition(to) {
		return
	}

	resp := r.Response()
	resp.mu.Lock()
	resp.success = res.Success
	resp.statusCode = res.StatusCode
	if res.Header != nil {
		resp.header = res.Header
	}
	resp.downloadComplete = res.Success
	resp.mu.Unlock()
	resp.appendBody(res.Body)

	if res.Err != nil {
		r.log.Debug("request failed", zap.Error(res.Err))
	}
	r.callCallback()
}

// callCallback runs the callback chain once, on the client's callback queue
// when one is configured.
func (r *Request) callCallback() {
	r.mu.Lock()
	if r.status == StatusCancelled || r.callbackCalled {
		called := r.callbackCalled
		r.mu.Unlock()
		if called {
			r.log.Warn("callback already called")
		}
		return
	}
	r.callbackCalled = true
	r.mu.Unlock()

	run := func() {
		r.client.runCallback(r)
		r.transition(StatusCanBeDestroyed)
		r.finish()
	}
	if q := r.client.callbackQueue; q != nil {
		if err := q.Dispatch(run); err == nil {
			return
		}
		r.log.Warn("callback queue unavailable, running inline")
	}
	run()
}
