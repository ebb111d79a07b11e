package httpclient

import (
	"bytes"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/cubzh/xpnet/internal/storage"
	"github.com/cubzh/xpnet/internal/websocket"
)

func sampleEntry() *CacheEntry {
	return &CacheEntry{
		ETag:       `"abc"`,
		CreatedAt:  time.Date(2024, time.March, 1, 12, 0, 0, 0, time.UTC),
		MaxAge:     120 * time.Second,
		URL:        "https://api.example.com:443/x",
		StatusCode: http.StatusOK,
		Headers:    map[string]string{"content-type": "application/json", "etag": `"abc"`},
		Body:       []byte(`{"hello":"world"}`),
	}
}

func TestCacheEntryEncoding(t *testing.T) {
	t.Parallel()

	for _, compression := range []Compression{CompressionNone, CompressionFlate} {
		want := sampleEntry()
		data, err := encodeEntry(want, compression)
		if err != nil {
			t.Fatalf("encodeEntry(%d) error = %v", compression, err)
		}
		if !bytes.HasPrefix(data, []byte(cacheMagic)) {
			t.Errorf("encodeEntry(%d) does not start with the magic", compression)
		}
		if data[len(cacheMagic)] != cacheFormatV2 || Compression(data[len(cacheMagic)+1]) != compression {
			t.Errorf("encodeEntry(%d) header = %v", compression, data[len(cacheMagic):len(cacheMagic)+2])
		}

		got, err := decodeEntry(data)
		if err != nil {
			t.Fatalf("decodeEntry(%d) error = %v", compression, err)
		}
		if got.ETag != want.ETag || got.URL != want.URL || got.StatusCode != want.StatusCode {
			t.Errorf("decodeEntry(%d) = %+v, want %+v", compression, got, want)
		}
		if !got.CreatedAt.Equal(want.CreatedAt) || got.MaxAge != want.MaxAge {
			t.Errorf("decodeEntry(%d) times = %v/%v, want %v/%v", compression, got.CreatedAt, got.MaxAge, want.CreatedAt, want.MaxAge)
		}
		if string(got.Body) != string(want.Body) {
			t.Errorf("decodeEntry(%d) body = %q, want %q", compression, got.Body, want.Body)
		}
		if len(got.Headers) != 2 || got.Headers["content-type"] != "application/json" {
			t.Errorf("decodeEntry(%d) headers = %v", compression, got.Headers)
		}
	}
}

func TestCacheEntryFreshness(t *testing.T) {
	t.Parallel()

	e := &CacheEntry{CreatedAt: time.Unix(1_700_000_000, 0), MaxAge: 60 * time.Second}
	if !e.FreshAt(e.CreatedAt.Add(59 * time.Second)) {
		t.Error("FreshAt(T+59s) = false, want true")
	}
	if e.FreshAt(e.CreatedAt.Add(60 * time.Second)) {
		t.Error("FreshAt(T+60s) = true, want false")
	}
}

func TestCacheGetRemovesBadFiles(t *testing.T) {
	t.Parallel()

	valid, err := encodeEntry(sampleEntry(), CompressionNone)
	if err != nil {
		t.Fatalf("encodeEntry() error = %v", err)
	}
	outdated := append([]byte(nil), valid...)
	outdated[len(cacheMagic)] = cacheFormatV1
	badMagic := append([]byte("NOTACACHE!!"), valid[len(cacheMagic):]...)
	wrongTag := append([]byte(nil), valid...)
	wrongTag[len(cacheMagic)+2] = byte(chunkBody)
	other := sampleEntry()
	other.URL = "https://api.example.com:443/other"
	mismatch, _ := encodeEntry(other, CompressionNone)

	tests := []struct {
		name    string
		data    []byte
		wantErr error
	}{
		{name: "outdated version", data: outdated, wantErr: ErrCacheOutdated},
		{name: "bad magic", data: badMagic, wantErr: ErrCacheCorrupted},
		{name: "unexpected chunk", data: wrongTag, wantErr: ErrCacheCorrupted},
		{name: "truncated", data: valid[:len(valid)-3], wantErr: ErrCacheCorrupted},
		{name: "url mismatch", data: mismatch, wantErr: ErrCacheCorrupted},
		{name: "unknown compression", data: append(append([]byte(cacheMagic), cacheFormatV2, 9), valid[len(cacheMagic)+2:]...), wantErr: ErrCacheCorrupted},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			mem := storage.NewMemory()
			c := NewCache(mem, DefaultCacheConfig())
			url := sampleEntry().URL
			if err := mem.WriteFile(c.fileName(url), tt.data); err != nil {
				t.Fatalf("WriteFile() error = %v", err)
			}

			_, err := c.Get(url)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Get() error = %v, want %v", err, tt.wantErr)
			}
			if mem.Len() != 0 {
				t.Errorf("cache file kept after %s", tt.name)
			}
		})
	}
}

func TestCachePutGetRemove(t *testing.T) {
	t.Parallel()

	mem := storage.NewMemory()
	c := NewCache(mem, CacheConfig{Compression: CompressionFlate})
	e := sampleEntry()

	if _, err := c.Get(e.URL); !errors.Is(err, ErrCacheMiss) {
		t.Errorf("Get() on empty cache error = %v, want ErrCacheMiss", err)
	}
	if err := c.Put(e); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	got, err := c.Get(e.URL)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if string(got.Body) != string(e.Body) {
		t.Errorf("Get() body = %q, want %q", got.Body, e.Body)
	}
	if err := c.Remove(e.URL); err != nil {
		t.Errorf("Remove() error = %v", err)
	}
	if err := c.Remove(e.URL); err != nil {
		t.Errorf("second Remove() error = %v", err)
	}
	if mem.Len() != 0 {
		t.Errorf("mem.Len() = %d after Remove, want 0", mem.Len())
	}
}

func TestParseCacheControl(t *testing.T) {
	t.Parallel()

	tests := []struct {
		value   string
		wantAge time.Duration
		wantOK  bool
	}{
		{"", 0, true},
		{"max-age=120", 120 * time.Second, true},
		{"public, MAX-AGE=60", 60 * time.Second, true},
		{`max-age="30"`, 30 * time.Second, true},
		{"no-cache, max-age=0", 0, true},
		{"no-store", 0, false},
		{"max-age=60, no-store", 0, false},
		{"max-age=soon", 0, false},
		{"max-age=-1", 0, false},
	}

	for _, tt := range tests {
		age, ok := parseCacheControl(tt.value)
		if age != tt.wantAge || ok != tt.wantOK {
			t.Errorf("parseCacheControl(%q) = %v, %v, want %v, %v", tt.value, age, ok, tt.wantAge, tt.wantOK)
		}
	}
}

// TestCacheStoreRules checks which completed responses end up in the cache
func TestCacheStoreRules(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		result     *websocket.HTTPResult
		wantStored bool
		wantMaxAge time.Duration
	}{
		{
			name:       "ok with max-age",
			result:     &websocket.HTTPResult{Success: true, StatusCode: 200, Header: http.Header{"Cache-Control": {"max-age=60"}}},
			wantStored: true,
			wantMaxAge: 60 * time.Second,
		},
		{
			name:       "ok without cache control",
			result:     &websocket.HTTPResult{Success: true, StatusCode: 200, Header: http.Header{}},
			wantStored: true,
		},
		{
			name:       "redirect",
			result:     &websocket.HTTPResult{Success: true, StatusCode: 302, Header: http.Header{"Cache-Control": {"max-age=5"}}},
			wantStored: true,
			wantMaxAge: 5 * time.Second,
		},
		{
			name:   "client error",
			result: &websocket.HTTPResult{Success: true, StatusCode: 404, Header: http.Header{"Cache-Control": {"max-age=60"}}},
		},
		{
			name:   "server error",
			result: &websocket.HTTPResult{Success: true, StatusCode: 500, Header: http.Header{"Cache-Control": {"max-age=60"}}},
		},
		{
			name:   "no-store",
			result: &websocket.HTTPResult{Success: true, StatusCode: 200, Header: http.Header{"Cache-Control": {"no-store"}}},
		},
		{
			name:   "bad max-age",
			result: &websocket.HTTPResult{Success: true, StatusCode: 200, Header: http.Header{"Cache-Control": {"max-age=x"}}},
		},
		{
			name:   "network failure",
			result: &websocket.HTTPResult{Err: errors.New("connection reset")},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			env := newTestEnv(t)
			r, err := env.client.Get("https://api.example.com/x", nil, DefaultOpts(), nil)
			if err != nil {
				t.Fatalf("Get() error = %v", err)
			}
			r.Complete(tt.result)

			e, err := env.client.Cache().Get(r.URLString())
			if tt.wantStored {
				if err != nil {
					t.Fatalf("Cache().Get() error = %v, want stored entry", err)
				}
				if e.MaxAge != tt.wantMaxAge {
					t.Errorf("MaxAge = %v, want %v", e.MaxAge, tt.wantMaxAge)
				}
				if !e.CreatedAt.Equal(env.clock.Now()) {
					t.Errorf("CreatedAt = %v, want %v", e.CreatedAt, env.clock.Now())
				}
			} else if !errors.Is(err, ErrCacheMiss) {
				t.Errorf("Cache().Get() error = %v, want ErrCacheMiss", err)
			}
		})
	}
}
