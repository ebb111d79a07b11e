package websocket

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/cubzh/xpnet"
	"github.com/cubzh/xpnet/internal/connection"
)

// CheckOriginFn is a function that validates the origin of a WebSocket connection request.
// It receives the HTTP request and returns true if the origin is allowed, false otherwise.
type CheckOriginFn = func(r *http.Request) bool

// AllOrigins accepts every origin.
func AllOrigins(*http.Request) bool { return true }

// RateLimitConfig defines inbound message rate limiting for server connections
type RateLimitConfig struct {
	// MessagesPerSecond defines how many messages a connection can send per second
	MessagesPerSecond rate.Limit
	// Burst defines the maximum burst size (token bucket capacity)
	Burst int
	// Enabled determines if rate limiting is active
	Enabled bool
}

// DefaultRateLimitConfig returns the default rate limit configuration
// Allows 100 messages per second with burst of 200
func DefaultRateLimitConfig() *RateLimitConfig {
	return &RateLimitConfig{
		MessagesPerSecond: 100,
		Burst:             200,
		Enabled:           true,
	}
}

// NoRateLimit returns a configuration with rate limiting disabled
func NoRateLimit() *RateLimitConfig {
	return &RateLimitConfig{
		Enabled: false,
	}
}

// ServerConfig configures a ListenServer.
type ServerConfig struct {
	// Addr is the TCP address to listen on. Port 0 picks a free port, see
	// ListenServer.Addr.
	Addr string
	// Path is where the upgrade handler is mounted. Defaults to "/".
	Path string
	// TLSCertificate and TLSPrivateKey are PEM blocks. When both are set the
	// server speaks wss.
	TLSCertificate  string
	TLSPrivateKey   string
	RateLimitConfig *RateLimitConfig
	CheckOrigin     CheckOriginFn
	Delegate        xpnet.ListenServerDelegate
	Logger          *zap.Logger
}

// ListenServer accepts inbound WebSockets and hands each one to its delegate
// as a ServerConnection.
type ListenServer struct {
	path     string
	addr     string
	tlsCert  string
	tlsKey   string
	rate     *RateLimitConfig
	delegate xpnet.ListenServerDelegate
	log      *zap.Logger
	upgrader websocket.Upgrader
	conns    *connection.Registry[*ServerConnection]

	mu       sync.RWMutex
	running  bool
	server   *http.Server
	listener net.Listener
}

// NewListenServer creates a stopped server.
//
// If cfg.RateLimitConfig is nil, DefaultRateLimitConfig() is used. A nil
// CheckOrigin applies gorilla's same-origin check.
func NewListenServer(cfg *ServerConfig) *ListenServer {
	if cfg.RateLimitConfig == nil {
		cfg.RateLimitConfig = DefaultRateLimitConfig()
	}
	if cfg.Path == "" {
		cfg.Path = "/"
	}
	log := cfg.Logger
	if log == nil {
		log = zap.L()
	}
	return &ListenServer{
		path:     cfg.Path,
		addr:     cfg.Addr,
		tlsCert:  cfg.TLSCertificate,
		tlsKey:   cfg.TLSPrivateKey,
		rate:     cfg.RateLimitConfig,
		delegate: cfg.Delegate,
		log:      log.Named("listen"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  xpnet.ReadBufferSize,
			WriteBufferSize: xpnet.WriteBufferSize,
			Subprotocols:    []string{xpnet.ProtocolName},
			CheckOrigin:     cfg.CheckOrigin,
		},
		conns: connection.NewRegistry[*ServerConnection](),
	}
}

// Secure reports whether the server is configured for TLS.
func (s *ListenServer) Secure() bool {
	return s.tlsCert != "" && s.tlsKey != ""
}

// Start starts listening. It returns once the listener is bound, or with the
// first serving error.
func (s *ListenServer) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("listen server: %w", xpnet.ErrServerAlreadyRunning)
	}

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("listen server: %w", err)
	}
	if s.Secure() {
		cert, err := tls.X509KeyPair([]byte(s.tlsCert), []byte(s.tlsKey))
		if err != nil {
			ln.Close()
			s.mu.Unlock()
			return fmt.Errorf("listen server: tls: %w", err)
		}
		ln = tls.NewListener(ln, &tls.Config{Certificates: []tls.Certificate{cert}})
	}

	mux := http.NewServeMux()
	mux.HandleFunc(s.path, s.handleWebSocket)
	s.server = &http.Server{Handler: mux}
	s.listener = ln
	s.running = true
	srv := s.server
	s.mu.Unlock()

	errChan := make(chan error, 1)
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Check for immediate serving errors with a small timeout
	select {
	case err := <-errChan:
		// Reset running state without calling Stop to avoid deadlock
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		return err
	case <-ctx.Done():
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.Stop(stopCtx)
	case <-time.After(100 * time.Millisecond):
		s.log.Info("listening", zap.String("addr", ln.Addr().String()), zap.Bool("secure", s.Secure()))
		return nil
	}
}

// Stop closes every connection and shuts the HTTP server down.
func (s *ListenServer) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	srv := s.server
	s.mu.Unlock()

	for _, conn := range s.conns.Snapshot() {
		if !conn.IsClosed() {
			conn.Close()
		}
	}

	if srv != nil {
		return srv.Shutdown(ctx)
	}
	return nil
}

// Addr returns the bound address, or nil before Start.
func (s *ListenServer) Addr() net.Addr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// ScheduleWrite wakes the write pump of conn unless it is already writing.
func (s *ListenServer) ScheduleWrite(conn *ServerConnection) {
	p := conn.currentPump()
	if p == nil {
		return
	}
	if !conn.BeginWrite() {
		return
	}
	p.signal()
}

// ActiveConnections returns the number of open connections.
func (s *ListenServer) ActiveConnections() int {
	return s.conns.Len()
}

// Connections returns the open connections.
func (s *ListenServer) Connections() []*ServerConnection {
	snap := s.conns.Snapshot()
	out := make([]*ServerConnection, 0, len(snap))
	for _, c := range snap {
		out = append(out, c)
	}
	return out
}

func (s *ListenServer) forget(handle string) {
	s.conns.Remove(handle)
}

// handleWebSocket upgrades the request and serves the connection on the
// request goroutine.
func (s *ListenServer) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	wsConn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied to the client.
		s.log.Debug("upgrade failed", zap.String("remoteAddr", r.RemoteAddr), zap.Error(err))
		return
	}

	conn := newServerConnection(s, newGorillaSocket(wsConn), s.rate)
	s.conns.Add(conn.Handle(), conn)

	if s.delegate != nil && !s.delegate.DidEstablishNewConnection(conn) {
		s.log.Info("connection refused by delegate", zap.String("conn", conn.Handle()))
		conn.Close()
		return
	}
	if !conn.Establish() {
		return
	}
	conn.NotifyEstablished()
	conn.serve()
}
