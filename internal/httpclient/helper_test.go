package httpclient

import (
	"sync"
	"testing"
	"time"

	"github.com/cubzh/xpnet"
	"github.com/cubzh/xpnet/internal/cookie"
	"github.com/cubzh/xpnet/internal/storage"
	"github.com/cubzh/xpnet/internal/websocket"
)

// fakeClock is a manually advanced clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, time.March, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// fakeSender records jobs instead of running them. Tests complete them by
// hand.
type fakeSender struct {
	mu        sync.Mutex
	jobs      []websocket.HTTPJob
	cancelled []string
	err       error
}

func (s *fakeSender) SendHTTPRequest(job websocket.HTTPJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.jobs = append(s.jobs, job)
	return nil
}

func (s *fakeSender) CancelHTTPRequest(handle string) {
	s.mu.Lock()
	s.cancelled = append(s.cancelled, handle)
	s.mu.Unlock()
}

func (s *fakeSender) sent() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

func (s *fakeSender) cancelCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.cancelled)
}

type testEnv struct {
	client *Client
	sender *fakeSender
	mem    *storage.Memory
	clock  *fakeClock
}

// newTestEnv builds a client with an in-memory cache and cookie jar over a
// fakeSender.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{sender: &fakeSender{}, mem: storage.NewMemory(), clock: newFakeClock()}
	cache := NewCache(env.mem, CacheConfig{Now: env.clock.Now})
	jar := cookie.NewStore(env.mem, xpnet.CookieStoreFile, nil)
	env.client = New(env.sender, cache, jar, DefaultConfig())
	return env
}
