package websocket

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/cubzh/xpnet"
	"github.com/cubzh/xpnet/internal/channel"
	"github.com/cubzh/xpnet/internal/connection"
)

// ServiceConfig configures a Service.
type ServiceConfig struct {
	// MaxConcurrentRequests bounds HTTP transactions in flight. Extra
	// requests wait for a slot.
	MaxConcurrentRequests int64
	// ConnectTimeout bounds dialing a client socket.
	ConnectTimeout time.Duration
	// EventBuffer is the capacity of the I/O event channel.
	EventBuffer int
	Logger      *zap.Logger
}

// DefaultServiceConfig returns the default service configuration.
func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		MaxConcurrentRequests: xpnet.MaxConcurrentRequests,
		ConnectTimeout:        xpnet.ConnectTimeout,
		EventBuffer:           1024,
	}
}

type eventKind int

const (
	evHTTPDone eventKind = iota
	evDialDone
	evReceive
	evSocketClosed
)

// event carries I/O outcomes to the service goroutine. Connections are
// referenced by handle; events for unknown handles are dropped.
type event struct {
	kind   eventKind
	handle string
	job    HTTPJob
	result *HTTPResult
	sock   Socket
	data   []byte
	final  bool
	err    error
}

// Service owns one goroutine that multiplexes HTTP transactions and client
// sockets. Other goroutines hand it work through queues and wake it up.
// Delegate and request callbacks run on that goroutine.
type Service struct {
	cfg     ServiceConfig
	backend Backend
	log     *zap.Logger
	sem     *semaphore.Weighted

	httpQueue    *channel.Channel[HTTPJob]
	connectQueue *channel.Channel[*ClientConnection]
	writeQueue   *channel.Channel[string]
	wake         chan struct{}
	events       chan event

	conns    *connection.Registry[*ClientConnection]
	inflight *connection.Registry[context.CancelFunc]

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	exited  chan struct{}

	// postMu guards the hand-off of events. Teardown takes it exclusively
	// to make sure no event lands in the channel after the final drain.
	postMu sync.RWMutex
	ctx    context.Context
	closed bool
}

// NewService creates a stopped service using backend for I/O.
func NewService(backend Backend, cfg ServiceConfig) *Service {
	def := DefaultServiceConfig()
	if cfg.MaxConcurrentRequests <= 0 {
		cfg.MaxConcurrentRequests = def.MaxConcurrentRequests
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = def.ConnectTimeout
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = def.EventBuffer
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.L()
	}
	return &Service{
		cfg:          cfg,
		backend:      backend,
		log:          cfg.Logger.Named("service"),
		sem:          semaphore.NewWeighted(cfg.MaxConcurrentRequests),
		httpQueue:    channel.New[HTTPJob](),
		connectQueue: channel.New[*ClientConnection](),
		writeQueue:   channel.New[string](),
		wake:         make(chan struct{}, 1),
		events:       make(chan event, cfg.EventBuffer),
		conns:        connection.NewRegistry[*ClientConnection](),
		inflight:     connection.NewRegistry[context.CancelFunc](),
	}
}

// Start launches the service goroutine. It stops when ctx is cancelled or
// Stop is called.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("websocket: service: %w", xpnet.ErrServerAlreadyRunning)
	}
	s.running = true
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.exited = make(chan struct{})

	s.postMu.Lock()
	s.ctx, s.closed = runCtx, false
	s.postMu.Unlock()

	go s.run(runCtx, s.exited)
	s.log.Debug("service started")
	return nil
}

// Stop ends the service goroutine, closing active connections and aborting
// in-flight requests.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	cancel, exited := s.cancel, s.exited
	s.mu.Unlock()

	cancel()
	select {
	case <-exited:
		s.log.Debug("service stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Running reports whether the service goroutine is active.
func (s *Service) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// NewClientConnection creates an idle client connection serviced by s.
func (s *Service) NewClientConnection(rawURL string) (*ClientConnection, error) {
	return NewClientConnection(s, rawURL)
}

// SendHTTPRequest queues job. Its Complete is called once the transaction
// ends, unless it was cancelled.
func (s *Service) SendHTTPRequest(job HTTPJob) error {
	if !s.Running() {
		return xpnet.ErrServiceNotRunning
	}
	s.httpQueue.Push(job)
	s.wakeUp()
	return nil
}

// CancelHTTPRequest aborts the transaction of the job with this handle.
func (s *Service) CancelHTTPRequest(handle string) {
	if cancel, ok := s.inflight.Get(handle); ok {
		cancel()
	}
	s.wakeUp()
}

// RequestConnection queues conn for dialing.
func (s *Service) RequestConnection(conn *ClientConnection) error {
	if !s.Running() {
		return xpnet.ErrServiceNotRunning
	}
	s.conns.Add(conn.Handle(), conn)
	s.connectQueue.Push(conn)
	s.wakeUp()
	return nil
}

// ScheduleWrite asks for conn to be flushed. It does nothing while a flush
// is already under way.
func (s *Service) ScheduleWrite(conn *ClientConnection) {
	if !conn.BeginWrite() {
		return
	}
	s.writeQueue.Push(conn.Handle())
	s.wakeUp()
}

// ActiveConnections returns the number of registered client connections.
func (s *Service) ActiveConnections() int {
	return s.conns.Len()
}

func (s *Service) forget(handle string) {
	s.conns.Remove(handle)
}

func (s *Service) wakeUp() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// post hands ev to the service goroutine. Once the service is stopped, HTTP
// outcomes are completed as failures and sockets are closed.
func (s *Service) post(ev event) {
	s.postMu.RLock()
	if !s.closed && s.ctx != nil {
		select {
		case s.events <- ev:
			s.postMu.RUnlock()
			return
		case <-s.ctx.Done():
		}
	}
	s.postMu.RUnlock()
	s.discard(ev)
}

// discard settles an event the service goroutine will never handle.
func (s *Service) discard(ev event) {
	switch ev.kind {
	case evHTTPDone:
		if !ev.job.IsCancelled() {
			ev.job.Complete(&HTTPResult{Err: xpnet.ErrServiceNotRunning})
		}
	case evDialDone:
		if ev.sock != nil {
			ev.sock.Close(1001, "")
		}
	}
}

func (s *Service) run(ctx context.Context, exited chan struct{}) {
	defer close(exited)
	for {
		s.drain(ctx)

		select {
		case <-ctx.Done():
			s.teardown()
			return
		case <-s.wake:
		case ev := <-s.events:
			s.handle(ev)
		}
	}
}

// drain converts queued work into backend calls.
func (s *Service) drain(ctx context.Context) {
	for {
		job, ok := s.httpQueue.Pop()
		if !ok {
			break
		}
		s.startHTTP(ctx, job)
	}
	for {
		conn, ok := s.connectQueue.Pop()
		if !ok {
			break
		}
		s.startDial(ctx, conn)
	}
	for {
		handle, ok := s.writeQueue.Pop()
		if !ok {
			break
		}
		if conn, found := s.conns.Get(handle); found {
			conn.requestWritable()
		}
	}
}

func (s *Service) startHTTP(ctx context.Context, job HTTPJob) {
	if job.IsCancelled() {
		return
	}
	reqCtx, cancel := context.WithCancel(ctx)
	s.inflight.Add(job.Handle(), cancel)

	go func() {
		defer cancel()
		res := s.roundTrip(reqCtx, job)
		s.post(event{kind: evHTTPDone, handle: job.Handle(), job: job, result: res})
	}()
}

func (s *Service) roundTrip(ctx context.Context, job HTTPJob) *HTTPResult {
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return &HTTPResult{Err: err}
	}
	defer s.sem.Release(1)

	req, err := job.BuildRequest(ctx)
	if err != nil {
		s.log.Warn("can't build HTTP request", zap.String("request", job.Handle()), zap.Error(err))
		return &HTTPResult{Err: err}
	}
	return s.backend.Do(ctx, req)
}

func (s *Service) startDial(ctx context.Context, conn *ClientConnection) {
	if conn.Status() != xpnet.StatusIdle {
		s.conns.Remove(conn.Handle())
		return
	}
	handle, target := conn.Handle(), conn.URL()
	go func() {
		dialCtx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
		defer cancel()
		sock, err := s.backend.Dial(dialCtx, target, nil)
		s.post(event{kind: evDialDone, handle: handle, sock: sock, err: err})
	}()
}

func (s *Service) handle(ev event) {
	switch ev.kind {
	case evHTTPDone:
		s.inflight.Remove(ev.handle)
		if ev.job.IsCancelled() {
			return
		}
		ev.job.Complete(ev.result)

	case evDialDone:
		conn, ok := s.conns.Get(ev.handle)
		if ev.err != nil {
			s.log.Warn("can't connect", zap.String("conn", ev.handle), zap.Error(ev.err))
			if ok && !conn.IsClosed() {
				conn.CloseOnError()
			}
			return
		}
		if !ok || conn.Status() != xpnet.StatusIdle {
			ev.sock.Close(1001, "")
			return
		}
		conn.attach(ev.sock)

	case evReceive:
		if conn, ok := s.conns.Get(ev.handle); ok {
			conn.ReceiveFragment(ev.data, ev.final)
		}

	case evSocketClosed:
		conn, ok := s.conns.Get(ev.handle)
		if !ok || conn.IsClosed() {
			return
		}
		if isNormalClose(ev.err) {
			s.log.Debug("connection closed by peer", zap.String("conn", ev.handle))
		} else {
			s.log.Warn("connection lost", zap.String("conn", ev.handle), zap.Error(ev.err))
		}
		// A close coming from the other side is treated as an error.
		conn.CloseOnError()
	}
}

// teardown runs on the service goroutine when it exits.
func (s *Service) teardown() {
	for _, cancel := range s.inflight.Snapshot() {
		cancel()
	}
	for _, conn := range s.conns.Snapshot() {
		if !conn.IsClosed() {
			conn.Close()
		}
	}
	s.httpQueue.Clear()
	s.connectQueue.Clear()
	s.writeQueue.Clear()

	s.postMu.Lock()
	s.closed = true
	s.postMu.Unlock()
	for {
		select {
		case ev := <-s.events:
			s.inflight.Remove(ev.handle)
			s.discard(ev)
		default:
			return
		}
	}
}
