package websocket

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/cubzh/xpnet"
	"github.com/cubzh/xpnet/internal/protocol"
)

const waitTimeout = 5 * time.Second

// recorder is a ConnectionDelegate reporting every callback on a channel.
// With echo set, received content is written back on the same connection.
type recorder struct {
	echo        bool
	established chan xpnet.Connection
	received    chan *protocol.Payload
	closed      chan xpnet.Connection
}

func newRecorder(echo bool) *recorder {
	return &recorder{
		echo:        echo,
		established: make(chan xpnet.Connection, 16),
		received:    make(chan *protocol.Payload, 64),
		closed:      make(chan xpnet.Connection, 16),
	}
}

func (r *recorder) ConnectionDidEstablish(conn xpnet.Connection) {
	r.established <- conn
}

func (r *recorder) ConnectionDidReceive(conn xpnet.Connection, p *protocol.Payload) {
	if r.echo {
		reply := protocol.New(append([]byte(nil), p.Content()...), protocol.IncludeTravelHistory)
		conn.PushPayloadToWrite(reply)
	}
	r.received <- p
}

func (r *recorder) ConnectionDidClose(conn xpnet.Connection) {
	r.closed <- conn
}

// acceptor is a ListenServerDelegate handing each connection to rec.
type acceptor struct {
	accept bool
	rec    *recorder
	conns  chan xpnet.Connection
}

func newAcceptor(accept bool, rec *recorder) *acceptor {
	return &acceptor{accept: accept, rec: rec, conns: make(chan xpnet.Connection, 16)}
}

func (a *acceptor) DidEstablishNewConnection(conn xpnet.Connection) bool {
	conn.SetDelegate(a.rec)
	a.conns <- conn
	return a.accept
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

func waitStatus(t *testing.T, conn xpnet.Connection, want xpnet.Status) {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for conn.Status() != want {
		if time.Now().After(deadline) {
			t.Fatalf("Status() = %v, want %v", conn.Status(), want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// startListenServer runs a server on a free local port and returns its ws URL.
func startListenServer(t *testing.T, cfg *ServerConfig) (*ListenServer, string) {
	t.Helper()
	cfg.Addr = "127.0.0.1:0"
	if cfg.CheckOrigin == nil {
		cfg.CheckOrigin = AllOrigins
	}
	srv := NewListenServer(cfg)
	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
		defer cancel()
		srv.Stop(ctx)
	})
	return srv, "ws://" + srv.Addr().String() + "/"
}

func startService(t *testing.T, backend Backend, cfg ServiceConfig) *Service {
	t.Helper()
	svc := NewService(backend, cfg)
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
		defer cancel()
		svc.Stop(ctx)
	})
	return svc
}

// fakeJob is an HTTPJob recording its completion.
type fakeJob struct {
	handle string
	url    string

	mu        sync.Mutex
	cancelled bool
	done      chan *HTTPResult
}

func newFakeJob(handle, url string) *fakeJob {
	return &fakeJob{handle: handle, url: url, done: make(chan *HTTPResult, 1)}
}

func (j *fakeJob) Handle() string { return j.handle }

func (j *fakeJob) IsCancelled() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.cancelled
}

func (j *fakeJob) cancel() {
	j.mu.Lock()
	j.cancelled = true
	j.mu.Unlock()
}

func (j *fakeJob) BuildRequest(ctx context.Context) (*http.Request, error) {
	return http.NewRequestWithContext(ctx, http.MethodGet, j.url, nil)
}

func (j *fakeJob) Complete(res *HTTPResult) {
	j.done <- res
}

// fakeBackend answers HTTP requests with doFn and fails or delegates dials.
type fakeBackend struct {
	doFn   func(ctx context.Context, req *http.Request) *HTTPResult
	dialFn func(ctx context.Context, rawURL string) (Socket, error)
}

func (b *fakeBackend) Do(ctx context.Context, req *http.Request) *HTTPResult {
	return b.doFn(ctx, req)
}

func (b *fakeBackend) Dial(ctx context.Context, rawURL string, _ http.Header) (Socket, error) {
	return b.dialFn(ctx, rawURL)
}
