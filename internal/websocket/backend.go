package websocket

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/cubzh/xpnet"
	"github.com/cubzh/xpnet/internal/protocol"
)

// Keepalive timings shared by client and server sockets.
const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	closeWait  = time.Second
	// maxMessageSize leaves room for payload metadata on top of the content cap.
	maxMessageSize = protocol.MaxContentSize + 64*1024
)

var (
	errRedirectedToGet = errors.New("redirected to GET")
	errNoMessage       = errors.New("fragment written outside of a message")
)

// HTTPResult is the outcome of one HTTP transaction.
type HTTPResult struct {
	// Success is true when a complete HTTP response was received, whatever
	// its status code.
	Success    bool
	StatusCode int
	Header     http.Header
	Body       []byte
	Err        error
}

// HTTPJob is an HTTP transaction handed to the Service.
type HTTPJob interface {
	Handle() string
	IsCancelled() bool
	BuildRequest(ctx context.Context) (*http.Request, error)
	// Complete is called on the service goroutine, unless the service is
	// stopping, in which case it may be called from the transaction's own
	// goroutine.
	Complete(res *HTTPResult)
}

// Socket is one established WebSocket as seen by the connection pumps.
type Socket interface {
	// WriteFragment writes part of a binary message. first starts a new
	// message and final ends it.
	WriteFragment(p []byte, first, final bool) error
	WritePing() error
	// ReadMessage reads the next message and streams it to fn in chunks of
	// at most len(buf) bytes. chunk is only valid during the call.
	ReadMessage(buf []byte, fn func(chunk []byte, final bool)) error
	Close(code int, reason string) error
	RemoteAddr() string
}

// Backend performs the actual network I/O.
type Backend interface {
	Do(ctx context.Context, req *http.Request) *HTTPResult
	Dial(ctx context.Context, rawURL string, header http.Header) (Socket, error)
}

// BackendConfig configures NativeBackend.
type BackendConfig struct {
	// HTTPClient overrides the client used for HTTP transactions. Its
	// CheckRedirect is replaced.
	HTTPClient *http.Client
	// HandshakeTimeout bounds the WebSocket opening handshake.
	HandshakeTimeout time.Duration
	// InsecureSkipVerify accepts self-signed server certificates.
	InsecureSkipVerify bool
}

// DefaultBackendConfig returns the default backend configuration.
func DefaultBackendConfig() BackendConfig {
	return BackendConfig{HandshakeTimeout: xpnet.ConnectTimeout}
}

// NativeBackend runs HTTP over net/http and WebSockets over gorilla/websocket.
type NativeBackend struct {
	client *http.Client
	dialer *websocket.Dialer
}

func NewNativeBackend(cfg BackendConfig) *NativeBackend {
	client := &http.Client{}
	if cfg.HTTPClient != nil {
		c := *cfg.HTTPClient
		client = &c
	}
	client.CheckRedirect = checkRedirect

	if cfg.HandshakeTimeout == 0 {
		cfg.HandshakeTimeout = xpnet.ConnectTimeout
	}
	dialer := &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: cfg.HandshakeTimeout,
		ReadBufferSize:   xpnet.ReadBufferSize,
		WriteBufferSize:  xpnet.WriteBufferSize,
		Subprotocols:     []string{xpnet.ProtocolName},
	}
	if cfg.InsecureSkipVerify {
		dialer.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	return &NativeBackend{client: client, dialer: dialer}
}

// checkRedirect follows redirects, except those turning a request with a
// body into a GET.
func checkRedirect(req *http.Request, via []*http.Request) error {
	if len(via) >= 10 {
		return errors.New("stopped after 10 redirects")
	}
	if via[0].Method != http.MethodGet && req.Method == http.MethodGet {
		return errRedirectedToGet
	}
	return nil
}

// Do runs req and reads the whole body. A request redirected to GET is
// reported as a 400 response.
func (b *NativeBackend) Do(ctx context.Context, req *http.Request) *HTTPResult {
	resp, err := b.client.Do(req.WithContext(ctx))
	if errors.Is(err, errRedirectedToGet) {
		return &HTTPResult{Success: true, StatusCode: http.StatusBadRequest, Header: make(http.Header)}
	}
	if err != nil {
		return &HTTPResult{Err: err}
	}
	defer resp.Body.Close()

	body, err := readBody(resp.Body)
	if err != nil {
		return &HTTPResult{StatusCode: resp.StatusCode, Header: resp.Header, Body: body, Err: err}
	}
	return &HTTPResult{
		Success:    true,
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       body,
	}
}

// readBody drains r in reads of xpnet.HTTPBodyChunkSize bytes.
func readBody(r io.Reader) ([]byte, error) {
	var body []byte
	chunk := make([]byte, xpnet.HTTPBodyChunkSize)
	for {
		n, err := r.Read(chunk)
		body = append(body, chunk[:n]...)
		if errors.Is(err, io.EOF) {
			return body, nil
		}
		if err != nil {
			return body, err
		}
	}
}

// Dial opens a client WebSocket.
func (b *NativeBackend) Dial(ctx context.Context, rawURL string, header http.Header) (Socket, error) {
	conn, resp, err := b.dialer.DialContext(ctx, rawURL, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", rawURL, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", rawURL, err)
	}
	return newGorillaSocket(conn), nil
}

// gorillaSocket adapts a gorilla connection to Socket. Fragments and pings
// come from the write pump only; Close may come from any goroutine.
type gorillaSocket struct {
	conn *websocket.Conn

	mu sync.Mutex
	w  io.WriteCloser
}

func newGorillaSocket(conn *websocket.Conn) *gorillaSocket {
	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	return &gorillaSocket{conn: conn}
}

func (s *gorillaSocket) WriteFragment(p []byte, first, final bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if first {
		if s.w != nil {
			s.w.Close()
		}
		w, err := s.conn.NextWriter(websocket.BinaryMessage)
		if err != nil {
			return err
		}
		s.w = w
	}
	if s.w == nil {
		return errNoMessage
	}
	if _, err := s.w.Write(p); err != nil {
		return err
	}
	if final {
		err := s.w.Close()
		s.w = nil
		return err
	}
	return nil
}

// WritePing sends a control frame, which may interleave with the fragments
// of an unfinished message.
func (s *gorillaSocket) WritePing() error {
	return s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

func (s *gorillaSocket) ReadMessage(buf []byte, fn func(chunk []byte, final bool)) error {
	_, r, err := s.conn.NextReader()
	if err != nil {
		return err
	}
	for {
		n, err := r.Read(buf)
		if errors.Is(err, io.EOF) {
			fn(buf[:n], true)
			s.conn.SetReadDeadline(time.Now().Add(pongWait))
			return nil
		}
		if err != nil {
			return err
		}
		if n > 0 {
			fn(buf[:n], false)
		}
	}
}

// Close sends a close frame then closes the network connection.
func (s *gorillaSocket) Close(code int, reason string) error {
	msg := websocket.FormatCloseMessage(code, reason)
	s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeWait))
	return s.conn.Close()
}

func (s *gorillaSocket) RemoteAddr() string {
	return s.conn.RemoteAddr().String()
}

// isNormalClose reports whether err ends a socket the peer closed on purpose.
func isNormalClose(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway)
}
