package websocket

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/cubzh/xpnet"
	"github.com/cubzh/xpnet/internal/connection"
	"github.com/cubzh/xpnet/internal/protocol"
)

// ClientConnection is an outgoing WebSocket driven by a Service.
type ClientConnection struct {
	*connection.Base
	svc    *Service
	rawURL string
	host   string
	port   int
	path   string
	secure bool

	mu   sync.Mutex
	sock Socket
	pump *pump
}

// NewClientConnection creates an idle connection to rawURL (ws, wss, http or
// https). Call Connect to open it.
func NewClientConnection(svc *Service, rawURL string) (*ClientConnection, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("websocket: parse %q: %w", rawURL, err)
	}

	c := &ClientConnection{svc: svc, host: u.Hostname(), path: u.RequestURI()}
	switch strings.ToLower(u.Scheme) {
	case "ws", "http":
		c.port = xpnet.HTTPPort
	case "wss", "https":
		c.port, c.secure = xpnet.HTTPSPort, true
	default:
		return nil, fmt.Errorf("websocket: unsupported scheme %q", u.Scheme)
	}
	if c.host == "" {
		return nil, fmt.Errorf("websocket: missing host in %q", rawURL)
	}
	if p := u.Port(); p != "" {
		if c.port, err = strconv.Atoi(p); err != nil {
			return nil, fmt.Errorf("websocket: bad port %q", p)
		}
	}

	scheme := "ws"
	if c.secure {
		scheme = "wss"
	}
	c.rawURL = scheme + "://" + u.Host + c.path
	c.Base = connection.NewBase(c, "client", svc.log)
	return c, nil
}

func (c *ClientConnection) Host() string { return c.host }
func (c *ClientConnection) Port() int    { return c.port }
func (c *ClientConnection) Path() string { return c.path }
func (c *ClientConnection) Secure() bool { return c.secure }

// URL returns the ws or wss URL dialed by Connect.
func (c *ClientConnection) URL() string { return c.rawURL }

// Connect asks the service to open the socket. The outcome is reported to
// the delegate.
func (c *ClientConnection) Connect() error {
	if status := c.Status(); status != xpnet.StatusIdle {
		return fmt.Errorf("websocket: can't connect from %s", status)
	}
	return c.svc.RequestConnection(c)
}

// Reset drops the socket and returns the connection to Idle.
func (c *ClientConnection) Reset() error {
	c.detach(websocket.CloseNormalClosure)
	c.svc.forget(c.Handle())
	c.ResetState()
	return nil
}

func (c *ClientConnection) Close() {
	if !c.MarkClosed(false) {
		return
	}
	c.detach(websocket.CloseNormalClosure)
	c.svc.forget(c.Handle())
	c.NotifyClosed()
}

func (c *ClientConnection) CloseOnError() {
	if !c.MarkClosed(true) {
		return
	}
	c.detach(websocket.CloseGoingAway)
	c.svc.forget(c.Handle())
	c.NotifyClosed()
}

// PushPayloadToWrite queues p and asks the service for a write.
func (c *ClientConnection) PushPayloadToWrite(p *protocol.Payload) error {
	if err := c.Enqueue(p); err != nil {
		return err
	}
	c.svc.ScheduleWrite(c)
	return nil
}

// attach binds an established socket and starts its pumps. It runs on the
// service goroutine.
func (c *ClientConnection) attach(sock Socket) bool {
	p := newPump(sock, c.Base)
	c.mu.Lock()
	c.sock, c.pump = sock, p
	c.mu.Unlock()

	if !c.Establish() {
		c.detach(websocket.CloseGoingAway)
		return false
	}

	handle := c.Handle()
	go p.writeLoop(func(err error) {
		c.svc.post(event{kind: evSocketClosed, handle: handle, err: err})
	})
	go p.readLoop(
		func(chunk []byte, final bool) {
			c.svc.post(event{kind: evReceive, handle: handle, data: append([]byte(nil), chunk...), final: final})
		},
		func(err error) {
			c.svc.post(event{kind: evSocketClosed, handle: handle, err: err})
		},
	)

	c.NotifyEstablished()
	if !c.DoneWriting() {
		c.svc.ScheduleWrite(c)
	}
	return true
}

// detach stops the pumps and closes the socket, if any.
func (c *ClientConnection) detach(code int) {
	c.mu.Lock()
	sock, p := c.sock, c.pump
	c.sock, c.pump = nil, nil
	c.mu.Unlock()

	if p != nil {
		p.stop()
	}
	if sock != nil {
		if err := sock.Close(code, ""); err != nil {
			c.Logger().Debug("socket close", zap.Error(err))
		}
	}
}

// requestWritable wakes the write pump. Without a socket the writing flag is
// released so a later schedule can retry.
func (c *ClientConnection) requestWritable() {
	c.mu.Lock()
	p := c.pump
	c.mu.Unlock()
	if p == nil {
		c.EndWrite()
		return
	}
	p.signal()
}
