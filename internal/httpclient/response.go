package httpclient

import (
	"net/http"
	"strings"
	"sync"
)

// HTTPStatus classifies a response status code.
type HTTPStatus int

const (
	HTTPStatusUnknown HTTPStatus = iota
	HTTPStatusNetwork
	HTTPStatusOK
	HTTPStatusNotModified
	HTTPStatusBadRequest
	HTTPStatusUnauthorized
	HTTPStatusForbidden
	HTTPStatusNotFound
	HTTPStatusConflict
	HTTPStatusInternalServerError
)

// ClassifyStatus maps a status code to an HTTPStatus. 0 means the request
// never got an answer.
func ClassifyStatus(code int) HTTPStatus {
	switch {
	case code == 0:
		return HTTPStatusNetwork
	case code >= 500:
		return HTTPStatusInternalServerError
	case code == http.StatusUnauthorized:
		return HTTPStatusUnauthorized
	case code == http.StatusForbidden:
		return HTTPStatusForbidden
	case code == http.StatusNotFound:
		return HTTPStatusNotFound
	case code == http.StatusConflict:
		return HTTPStatusConflict
	case code >= 400:
		return HTTPStatusBadRequest
	case code == http.StatusOK:
		return HTTPStatusOK
	case code == http.StatusNotModified:
		return HTTPStatusNotModified
	default:
		return HTTPStatusUnknown
	}
}

// Response is the outcome of a Request.
type Response struct {
	mu               sync.RWMutex
	success          bool
	downloadComplete bool
	statusCode       int
	header           http.Header
	body             []byte
	usedLocalCache   bool
}

func newResponse() *Response {
	return &Response{header: make(http.Header)}
}

// Success is false when no HTTP answer was received or the transaction failed.
func (r *Response) Success() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.success
}

func (r *Response) StatusCode() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.statusCode
}

func (r *Response) Status() HTTPStatus {
	return ClassifyStatus(r.StatusCode())
}

// DownloadComplete reports whether the whole body was received.
func (r *Response) DownloadComplete() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.downloadComplete
}

// UsedLocalCache reports whether the body comes from the HTTP cache.
func (r *Response) UsedLocalCache() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.usedLocalCache
}

// Header returns the first value of a header, matched case-insensitively.
func (r *Response) Header(name string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.header.Get(name)
}

// HeaderValues returns every value of a header.
func (r *Response) HeaderValues(name string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.header.Values(name)
}

// Headers returns the headers with lowercase names. Repeated headers are
// joined with ", ".
func (r *Response) Headers() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return flattenHeader(r.header)
}

// Body returns a copy of the body.
func (r *Response) Body() []byte {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]byte(nil), r.body...)
}

// BodyString returns the body as a string.
func (r *Response) BodyString() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return string(r.body)
}

func (r *Response) appendBody(p []byte) {
	r.mu.Lock()
	r.body = append(r.body, p...)
	r.mu.Unlock()
}

func flattenHeader(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[strings.ToLower(k)] = strings.Join(v, ", ")
	}
	return out
}

func headerFromMap(m map[string]string) http.Header {
	h := make(http.Header, len(m))
	for k, v := range m {
		h.Set(k, v)
	}
	return h
}
