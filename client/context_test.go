package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/cubzh/xpnet"
	"github.com/cubzh/xpnet/ws"
)

const waitTimeout = 5 * time.Second

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Logger = zap.NewNop()
	return cfg
}

func startContext(t *testing.T, cfg Config) *Context {
	t.Helper()
	c, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
		defer cancel()
		if c.Started() {
			c.Shutdown(ctx)
		}
	})
	return c
}

// cachingServer counts hits and answers with a cookie and a cacheable body.
func cachingServer(t *testing.T) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Cache-Control", "max-age=300")
		w.Header().Set("Set-Cookie", "token=42; Path=/")
		w.Write([]byte("payload"))
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

type recorder struct {
	established chan xpnet.Connection
	received    chan *xpnet.Payload
	closed      chan xpnet.Connection
}

func newRecorder() *recorder {
	return &recorder{
		established: make(chan xpnet.Connection, 4),
		received:    make(chan *xpnet.Payload, 16),
		closed:      make(chan xpnet.Connection, 4),
	}
}

func (r *recorder) ConnectionDidEstablish(conn xpnet.Connection) { r.established <- conn }

func (r *recorder) ConnectionDidReceive(_ xpnet.Connection, p *xpnet.Payload) { r.received <- p }

func (r *recorder) ConnectionDidClose(conn xpnet.Connection) { r.closed <- conn }

type acceptAll struct {
	rec *recorder
}

func (a acceptAll) DidEstablishNewConnection(conn xpnet.Connection) bool {
	conn.SetDelegate(a.rec)
	return true
}

func waitFor[T any](t *testing.T, ch <-chan T, what string) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(waitTimeout):
		t.Fatalf("timed out waiting for %s", what)
		var zero T
		return zero
	}
}

func TestConfigFromEnv(t *testing.T) {
	dir := t.TempDir()
	t.Setenv(EnvStorageDir, dir)
	t.Setenv(EnvLogLevel, "debug")
	t.Setenv(EnvUserAgent, "xpnet-bot")
	t.Setenv(EnvMaxConcurrentRequests, "8")

	cfg, err := ConfigFromEnv()
	if err != nil {
		t.Fatalf("ConfigFromEnv() error = %v", err)
	}
	if cfg.StorageDir != dir {
		t.Errorf("StorageDir = %q, want %q", cfg.StorageDir, dir)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Logging.Level = %q, want debug", cfg.Logging.Level)
	}
	if cfg.UserAgent != "xpnet-bot" {
		t.Errorf("UserAgent = %q, want xpnet-bot", cfg.UserAgent)
	}
	if cfg.MaxConcurrentRequests != 8 {
		t.Errorf("MaxConcurrentRequests = %d, want 8", cfg.MaxConcurrentRequests)
	}
}

func TestConfigFromEnvDefaults(t *testing.T) {
	for _, key := range []string{EnvStorageDir, EnvLogLevel, EnvUserAgent, EnvMaxConcurrentRequests} {
		t.Setenv(key, "")
	}

	cfg, err := ConfigFromEnv()
	if err != nil {
		t.Fatalf("ConfigFromEnv() error = %v", err)
	}
	def := DefaultConfig()
	if cfg.StorageDir != "" || cfg.UserAgent != def.UserAgent || cfg.MaxConcurrentRequests != def.MaxConcurrentRequests {
		t.Errorf("ConfigFromEnv() = %+v, want defaults", cfg)
	}
}

func TestConfigFromEnvErrors(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value string
	}{
		{name: "bad level", key: EnvLogLevel, value: "chatty"},
		{name: "non numeric limit", key: EnvMaxConcurrentRequests, value: "many"},
		{name: "zero limit", key: EnvMaxConcurrentRequests, value: "0"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			if _, err := ConfigFromEnv(); err == nil {
				t.Errorf("ConfigFromEnv() with %s=%q error = nil, want error", tt.key, tt.value)
			}
		})
	}
}

func TestContextLifecycle(t *testing.T) {
	t.Parallel()

	c, err := New(testConfig())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if c.Started() {
		t.Error("Started() = true before Start")
	}
	if err := c.Shutdown(context.Background()); !errors.Is(err, ErrNotStarted) {
		t.Errorf("Shutdown() before Start error = %v, want ErrNotStarted", err)
	}

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if !c.Service().Running() {
		t.Error("service not running after Start")
	}
	if err := c.Start(context.Background()); !errors.Is(err, xpnet.ErrServerAlreadyRunning) {
		t.Errorf("second Start() error = %v, want ErrServerAlreadyRunning", err)
	}

	if err := c.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	if c.Service().Running() {
		t.Error("service still running after Shutdown")
	}
	if err := c.Background().Dispatch(func() {}); err == nil {
		t.Error("Background().Dispatch() after Shutdown error = nil, want error")
	}
}

func TestHTTPThroughContext(t *testing.T) {
	t.Parallel()

	srv, hits := cachingServer(t)
	c := startContext(t, testConfig())

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()

	req, err := c.HTTP().Get(srv.URL+"/data", nil, Opts{}, nil)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	resp, err := req.SendSync(ctx)
	if err != nil {
		t.Fatalf("SendSync() error = %v", err)
	}
	if resp.BodyString() != "payload" {
		t.Errorf("BodyString() = %q, want payload", resp.BodyString())
	}
	if c.Cookies().Len() != 1 {
		t.Errorf("Cookies().Len() = %d, want 1", c.Cookies().Len())
	}

	again, _ := c.HTTP().Get(srv.URL+"/data", nil, Opts{}, nil)
	if resp, err = again.SendSync(ctx); err != nil {
		t.Fatalf("second SendSync() error = %v", err)
	}
	if !resp.UsedLocalCache() {
		t.Error("second response did not come from the cache")
	}
	if n := hits.Load(); n != 1 {
		t.Errorf("server hits = %d, want 1", n)
	}
}

func TestStorageDirSurvivesRestart(t *testing.T) {
	t.Parallel()

	srv, hits := cachingServer(t)
	dir := t.TempDir()
	cfg := testConfig()
	cfg.StorageDir = dir

	first := startContext(t, cfg)
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	req, _ := first.HTTP().Get(srv.URL+"/data", nil, Opts{}, nil)
	if _, err := req.SendSync(ctx); err != nil {
		t.Fatalf("SendSync() error = %v", err)
	}
	if err := first.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}

	if _, err := os.Stat(filepath.Join(dir, xpnet.CookieStoreFile)); err != nil {
		t.Errorf("cookie file not written: %v", err)
	}
	entries, err := os.ReadDir(filepath.Join(dir, xpnet.HTTPCacheDir))
	if err != nil {
		t.Fatalf("ReadDir(cache) error = %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("cache files = %d, want 1", len(entries))
	}

	second := startContext(t, cfg)
	if second.Cookies().Len() != 1 {
		t.Errorf("reloaded Cookies().Len() = %d, want 1", second.Cookies().Len())
	}
	again, _ := second.HTTP().Get(srv.URL+"/data", nil, Opts{}, nil)
	resp, err := again.SendSync(ctx)
	if err != nil {
		t.Fatalf("SendSync() after restart error = %v", err)
	}
	if !resp.UsedLocalCache() || resp.BodyString() != "payload" {
		t.Errorf("response after restart = %q (cache %v)", resp.BodyString(), resp.UsedLocalCache())
	}
	if n := hits.Load(); n != 1 {
		t.Errorf("server hits = %d, want 1", n)
	}
}

func TestCallbacksOnMain(t *testing.T) {
	t.Parallel()

	srv, _ := cachingServer(t)
	cfg := testConfig()
	cfg.CallbacksOnMain = true
	c := startContext(t, cfg)

	var called atomic.Bool
	req, err := c.HTTP().Get(srv.URL+"/data", nil, DefaultOpts(), func(*Request) { called.Store(true) })
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}

	deadline := time.Now().Add(waitTimeout)
	for c.Main().Len() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("callback never reached the main queue")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if called.Load() {
		t.Fatal("callback ran before the main queue was drained")
	}

	c.Main().RunFirstN(1)
	if !called.Load() {
		t.Error("callback not run by Main().RunFirstN")
	}
	select {
	case <-req.Done():
	default:
		t.Error("request not done after its callback ran")
	}
}

func TestBackgroundQueues(t *testing.T) {
	t.Parallel()

	c := startContext(t, testConfig())
	done := make(chan string, 2)
	if err := c.Background().Dispatch(func() { done <- "background" }); err != nil {
		t.Fatalf("Background().Dispatch() error = %v", err)
	}
	if err := c.SlowBackground().Dispatch(func() { done <- "slow" }); err != nil {
		t.Fatalf("SlowBackground().Dispatch() error = %v", err)
	}

	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		seen[waitFor(t, done, "queued task")] = true
	}
	if !seen["background"] || !seen["slow"] {
		t.Errorf("tasks run = %v, want background and slow", seen)
	}
}

func TestDial(t *testing.T) {
	t.Parallel()

	serverRec := newRecorder()
	srv := ws.NewListenServer(ws.NewConfig("127.0.0.1:0", ws.NoRateLimit(), ws.AllOrigins(), acceptAll{rec: serverRec}))
	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("server Start() error = %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
		defer cancel()
		srv.Stop(ctx)
	})

	c := startContext(t, testConfig())
	conn, err := c.Dial("ws://" + srv.Addr().String() + "/")
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	clientRec := newRecorder()
	conn.SetDelegate(clientRec)
	if err := conn.Connect(); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	waitFor(t, clientRec.established, "client established")

	if err := conn.PushPayloadToWrite(xpnet.NewPayload([]byte("ping"))); err != nil {
		t.Fatalf("PushPayloadToWrite() error = %v", err)
	}
	p := waitFor(t, serverRec.received, "server receive")
	if string(p.Content()) != "ping" {
		t.Errorf("server received %q, want ping", p.Content())
	}

	conn.Close()
	waitFor(t, clientRec.closed, "client close")
	if conn.Status() != xpnet.StatusClosed {
		t.Errorf("Status() = %v, want CLOSED", conn.Status())
	}
}

func TestNewLocalPair(t *testing.T) {
	t.Parallel()

	c := startContext(t, testConfig())
	a, b := c.NewLocalPair()
	rec := newRecorder()
	b.SetDelegate(rec)

	if err := a.Connect(); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if b.Status() != xpnet.StatusOK {
		t.Errorf("peer Status() = %v, want OK", b.Status())
	}
	if err := a.PushPayloadToWrite(xpnet.NewPayload([]byte("hi"))); err != nil {
		t.Fatalf("PushPayloadToWrite() error = %v", err)
	}
	p := waitFor(t, rec.received, "local delivery")
	if string(p.Content()) != "hi" {
		t.Errorf("received %q, want hi", p.Content())
	}
	a.Close()
}
