package httpclient

import (
	"bytes"
	"crypto/md5"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/flate"
	"go.uber.org/zap"

	"github.com/cubzh/xpnet"
	"github.com/cubzh/xpnet/internal/storage"
)

// Compression is the method applied to the chunks of a cache file.
type Compression uint8

const (
	CompressionNone  Compression = 1
	CompressionFlate Compression = 2
)

// Cache file layout:
//
//	magic "CUBZHCACHE!" | version:u8 | compression:u8 | chunks...
//
// Chunks are [id:u8][value], u32 values little-endian, strings as
// [len:u32][bytes], headers as [count:u32] then count key/value strings.
// Chunks are written and read in a fixed order.
const (
	cacheMagic    = "CUBZHCACHE!"
	cacheFormatV1 = 1
	cacheFormatV2 = 2
)

type chunkID uint8

const (
	chunkCreationTime chunkID = 1
	chunkMaxAge       chunkID = 2
	chunkURL          chunkID = 3
	chunkStatusCode   chunkID = 4
	chunkHeaders      chunkID = 5
	chunkBody         chunkID = 6
	chunkETag         chunkID = 7
)

// Creation times are stored as seconds since this reference date.
var cacheEpoch = time.Date(2001, time.January, 1, 0, 0, 0, 0, time.UTC)

var (
	ErrCacheMiss      = errors.New("httpclient: no cached response")
	ErrCacheCorrupted = errors.New("httpclient: cached response is corrupted")
	ErrCacheOutdated  = errors.New("httpclient: cached response uses an old file format")
)

// CacheEntry is a stored response.
type CacheEntry struct {
	ETag       string
	CreatedAt  time.Time
	MaxAge     time.Duration
	URL        string
	StatusCode int
	Headers    map[string]string
	Body       []byte
}

// FreshAt reports whether the entry can be served without revalidation.
func (e *CacheEntry) FreshAt(now time.Time) bool {
	return now.Before(e.CreatedAt.Add(e.MaxAge))
}

func cacheSeconds(t time.Time) uint32 {
	if t.Before(cacheEpoch) {
		return 0
	}
	return uint32(t.Sub(cacheEpoch) / time.Second)
}

type chunkWriter struct {
	w   io.Writer
	err error
}

func (cw *chunkWriter) write(p []byte) {
	if cw.err == nil {
		_, cw.err = cw.w.Write(p)
	}
}

func (cw *chunkWriter) u32(v uint32) {
	cw.write(binary.LittleEndian.AppendUint32(nil, v))
}

func (cw *chunkWriter) str(s string) {
	cw.u32(uint32(len(s)))
	cw.write([]byte(s))
}

func (cw *chunkWriter) u32Chunk(id chunkID, v uint32) {
	cw.write([]byte{byte(id)})
	cw.u32(v)
}

func (cw *chunkWriter) strChunk(id chunkID, s string) {
	cw.write([]byte{byte(id)})
	cw.str(s)
}

func (cw *chunkWriter) headersChunk(id chunkID, h map[string]string) {
	cw.write([]byte{byte(id)})
	cw.u32(uint32(len(h)))
	keys := make([]string, 0, len(h))
	for k := range h {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		cw.str(k)
		cw.str(h[k])
	}
}

func encodeEntry(e *CacheEntry, compression Compression) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(cacheMagic)
	buf.WriteByte(cacheFormatV2)
	buf.WriteByte(byte(compression))

	var fw *flate.Writer
	cw := &chunkWriter{w: &buf}
	switch compression {
	case CompressionNone:
	case CompressionFlate:
		var err error
		fw, err = flate.NewWriter(&buf, flate.BestSpeed)
		if err != nil {
			return nil, err
		}
		cw.w = fw
	default:
		return nil, fmt.Errorf("httpclient: unknown cache compression %d", compression)
	}

	cw.strChunk(chunkETag, e.ETag)
	cw.u32Chunk(chunkCreationTime, cacheSeconds(e.CreatedAt))
	cw.u32Chunk(chunkMaxAge, uint32(e.MaxAge/time.Second))
	cw.strChunk(chunkURL, e.URL)
	cw.u32Chunk(chunkStatusCode, uint32(e.StatusCode))
	cw.headersChunk(chunkHeaders, e.Headers)
	cw.strChunk(chunkBody, string(e.Body))
	if cw.err != nil {
		return nil, cw.err
	}
	if fw != nil {
		if err := fw.Close(); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

type chunkReader struct {
	buf []byte
	off int
}

func (cr *chunkReader) take(n int) ([]byte, error) {
	if n < 0 || len(cr.buf)-cr.off < n {
		return nil, fmt.Errorf("%w: truncated", ErrCacheCorrupted)
	}
	b := cr.buf[cr.off : cr.off+n]
	cr.off += n
	return b, nil
}

func (cr *chunkReader) u32() (uint32, error) {
	b, err := cr.take(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (cr *chunkReader) str() (string, error) {
	n, err := cr.u32()
	if err != nil {
		return "", err
	}
	b, err := cr.take(int(n))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (cr *chunkReader) expect(id chunkID) error {
	b, err := cr.take(1)
	if err != nil {
		return err
	}
	if chunkID(b[0]) != id {
		return fmt.Errorf("%w: chunk %d where %d was expected", ErrCacheCorrupted, b[0], id)
	}
	return nil
}

func (cr *chunkReader) u32Chunk(id chunkID) (uint32, error) {
	if err := cr.expect(id); err != nil {
		return 0, err
	}
	return cr.u32()
}

func (cr *chunkReader) strChunk(id chunkID) (string, error) {
	if err := cr.expect(id); err != nil {
		return "", err
	}
	return cr.str()
}

func (cr *chunkReader) headersChunk(id chunkID) (map[string]string, error) {
	if err := cr.expect(id); err != nil {
		return nil, err
	}
	count, err := cr.u32()
	if err != nil {
		return nil, err
	}
	h := make(map[string]string)
	for i := uint32(0); i < count; i++ {
		k, err := cr.str()
		if err != nil {
			return nil, err
		}
		v, err := cr.str()
		if err != nil {
			return nil, err
		}
		h[k] = v
	}
	return h, nil
}

func decodeEntry(data []byte) (*CacheEntry, error) {
	header := len(cacheMagic) + 2
	if len(data) < header || string(data[:len(cacheMagic)]) != cacheMagic {
		return nil, fmt.Errorf("%w: bad magic", ErrCacheCorrupted)
	}
	switch data[len(cacheMagic)] {
	case cacheFormatV2:
	case cacheFormatV1:
		return nil, ErrCacheOutdated
	default:
		return nil, fmt.Errorf("%w: unknown version %d", ErrCacheCorrupted, data[len(cacheMagic)])
	}

	chunks := data[header:]
	switch Compression(data[len(cacheMagic)+1]) {
	case CompressionNone:
	case CompressionFlate:
		fr := flate.NewReader(bytes.NewReader(chunks))
		defer fr.Close()
		var err error
		if chunks, err = io.ReadAll(fr); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrCacheCorrupted, err)
		}
	default:
		return nil, fmt.Errorf("%w: unknown compression %d", ErrCacheCorrupted, data[len(cacheMagic)+1])
	}

	cr := &chunkReader{buf: chunks}
	e := &CacheEntry{}
	var err error
	var created, maxAge, status uint32
	var body string

	if e.ETag, err = cr.strChunk(chunkETag); err != nil {
		return nil, err
	}
	if created, err = cr.u32Chunk(chunkCreationTime); err != nil {
		return nil, err
	}
	if maxAge, err = cr.u32Chunk(chunkMaxAge); err != nil {
		return nil, err
	}
	if e.URL, err = cr.strChunk(chunkURL); err != nil {
		return nil, err
	}
	if status, err = cr.u32Chunk(chunkStatusCode); err != nil {
		return nil, err
	}
	if e.Headers, err = cr.headersChunk(chunkHeaders); err != nil {
		return nil, err
	}
	if body, err = cr.strChunk(chunkBody); err != nil {
		return nil, err
	}

	e.CreatedAt = cacheEpoch.Add(time.Duration(created) * time.Second)
	e.MaxAge = time.Duration(maxAge) * time.Second
	e.StatusCode = int(status)
	e.Body = []byte(body)
	return e, nil
}

// parseCacheControl extracts max-age from a Cache-Control value. ok is false
// when the response must not be cached: no-store, or an unparsable max-age.
func parseCacheControl(value string) (maxAge time.Duration, ok bool) {
	for _, directive := range strings.Split(value, ",") {
		directive = strings.ToLower(strings.TrimSpace(directive))
		if directive == "no-store" {
			return 0, false
		}
		if v, found := strings.CutPrefix(directive, "max-age="); found {
			secs, err := strconv.ParseUint(strings.Trim(v, `"`), 10, 32)
			if err != nil {
				return 0, false
			}
			maxAge = time.Duration(secs) * time.Second
		}
	}
	return maxAge, true
}

// CacheConfig configures a Cache.
type CacheConfig struct {
	// Dir is the storage directory of cache files.
	Dir string
	// Compression is applied to newly written files.
	Compression Compression
	Now         func() time.Time
	Logger      *zap.Logger
}

// DefaultCacheConfig stores uncompressed files under http_cache.
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		Dir:         xpnet.HTTPCacheDir,
		Compression: CompressionNone,
	}
}

// Cache stores successful responses on disk, one file per URL.
type Cache struct {
	storage     storage.Storage
	dir         string
	compression Compression
	now         func() time.Time
	log         *zap.Logger

	mu sync.Mutex
}

func NewCache(s storage.Storage, cfg CacheConfig) *Cache {
	if cfg.Dir == "" {
		cfg.Dir = xpnet.HTTPCacheDir
	}
	if cfg.Compression == 0 {
		cfg.Compression = CompressionNone
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.L()
	}
	return &Cache{
		storage:     s,
		dir:         cfg.Dir,
		compression: cfg.Compression,
		now:         cfg.Now,
		log:         cfg.Logger.Named("cache"),
	}
}

func (c *Cache) fileName(url string) string {
	sum := md5.Sum([]byte(url))
	return path.Join(c.dir, hex.EncodeToString(sum[:]))
}

// Get returns the entry stored for url. Unreadable, outdated or mismatching
// files are deleted and reported as errors.
func (c *Cache) Get(url string) (*CacheEntry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	name := c.fileName(url)
	data, err := c.storage.ReadFile(name)
	if errors.Is(err, storage.ErrNotExist) {
		return nil, ErrCacheMiss
	}
	if err != nil {
		return nil, fmt.Errorf("httpclient: read cache: %w", err)
	}

	e, err := decodeEntry(data)
	if err == nil && e.URL != url {
		err = fmt.Errorf("%w: stored for %q", ErrCacheCorrupted, e.URL)
	}
	if err != nil {
		c.log.Warn("removing cache file", zap.String("url", url), zap.Error(err))
		if rmErr := c.storage.Remove(name); rmErr != nil && !errors.Is(rmErr, storage.ErrNotExist) {
			c.log.Error("can't remove cache file", zap.String("file", name), zap.Error(rmErr))
		}
		return nil, err
	}
	return e, nil
}

// Put writes e, replacing any previous entry for the same URL.
func (c *Cache) Put(e *CacheEntry) error {
	data, err := encodeEntry(e, c.compression)
	if err != nil {
		return fmt.Errorf("httpclient: encode cache entry: %w", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.storage.WriteFile(c.fileName(e.URL), data); err != nil {
		return fmt.Errorf("httpclient: write cache: %w", err)
	}
	return nil
}

// Remove deletes the entry for url. A missing entry is not an error.
func (c *Cache) Remove(url string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	err := c.storage.Remove(c.fileName(url))
	if err != nil && !errors.Is(err, storage.ErrNotExist) {
		return err
	}
	return nil
}

// Lookup attaches the cached response for r, if any, and reports whether it
// is still fresh. When the entry has an ETag, r is made conditional with
// If-None-Match. Only requests that have not been sent are looked up.
func (c *Cache) Lookup(r *Request) (found, fresh bool) {
	if r.Status() != StatusWaiting {
		return false, false
	}
	e, err := c.Get(r.URLString())
	if err != nil {
		return false, false
	}
	if e.ETag != "" {
		r.SetHeader("If-None-Match", e.ETag)
	}
	r.setCachedResponse(responseFromEntry(e))
	return true, e.FreshAt(c.now())
}

// Store caches the response of r when its status is 2xx or 3xx and its
// Cache-Control allows it. A response served from disk is not written back
// unless it was revalidated by the server.
func (c *Cache) Store(r *Request) (bool, error) {
	resp := r.Response()
	code := resp.StatusCode()
	if code < http.StatusOK || code >= http.StatusBadRequest {
		return false, nil
	}
	if resp.UsedLocalCache() && !r.wasRevalidated() {
		return false, nil
	}
	maxAge, ok := parseCacheControl(resp.Header("Cache-Control"))
	if !ok {
		return false, nil
	}

	etag := resp.Header("ETag")
	if etag == "" {
		if cached := r.CachedResponse(); cached != nil {
			etag = cached.Header("ETag")
		}
	}

	e := &CacheEntry{
		ETag:       etag,
		CreatedAt:  c.now(),
		MaxAge:     maxAge,
		URL:        r.URLString(),
		StatusCode: code,
		Headers:    resp.Headers(),
		Body:       resp.Body(),
	}
	if err := c.Put(e); err != nil {
		return false, err
	}
	return true, nil
}

func responseFromEntry(e *CacheEntry) *Response {
	h := headerFromMap(e.Headers)
	if e.ETag != "" && h.Get("ETag") == "" {
		h.Set("ETag", e.ETag)
	}
	return &Response{
		success:          true,
		downloadComplete: true,
		statusCode:       e.StatusCode,
		header:           h,
		body:             e.Body,
		usedLocalCache:   true,
	}
}
