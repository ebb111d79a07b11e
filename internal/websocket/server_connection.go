package websocket

import (
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/cubzh/xpnet"
	"github.com/cubzh/xpnet/internal/connection"
	"github.com/cubzh/xpnet/internal/protocol"
)

// ServerConnection is a WebSocket accepted by a ListenServer. It is created
// established; Connect and Reset are refused.
type ServerConnection struct {
	*connection.Base
	server     *ListenServer
	remoteAddr string
	limiter    *rate.Limiter

	mu   sync.Mutex
	sock Socket
	pump *pump
}

func newServerConnection(srv *ListenServer, sock Socket, rl *RateLimitConfig) *ServerConnection {
	c := &ServerConnection{
		server:     srv,
		sock:       sock,
		remoteAddr: sock.RemoteAddr(),
	}
	if rl != nil && rl.Enabled {
		c.limiter = rate.NewLimiter(rl.MessagesPerSecond, rl.Burst)
	}
	c.Base = connection.NewBase(c, "server", srv.log)
	c.pump = newPump(sock, c.Base)
	return c
}

// RemoteAddr returns the peer address.
func (c *ServerConnection) RemoteAddr() string {
	return c.remoteAddr
}

func (c *ServerConnection) Connect() error {
	c.Logger().Error("it's not allowed to connect a server connection")
	return xpnet.ErrConnectNotAllowed
}

func (c *ServerConnection) Reset() error {
	c.Logger().Error("it's not allowed to reset a server connection")
	return xpnet.ErrResetNotAllowed
}

func (c *ServerConnection) Close() {
	c.closeWithCode(false, websocket.CloseNormalClosure, "")
}

func (c *ServerConnection) CloseOnError() {
	c.closeWithCode(true, websocket.CloseInternalServerErr, "")
}

func (c *ServerConnection) closeWithCode(onError bool, code int, reason string) {
	if !c.MarkClosed(onError) {
		return
	}
	c.mu.Lock()
	sock, p := c.sock, c.pump
	c.sock, c.pump = nil, nil
	c.mu.Unlock()

	if p != nil {
		p.stop()
	}
	if sock != nil {
		if err := sock.Close(code, reason); err != nil {
			c.Logger().Debug("socket close", zap.Error(err))
		}
	}
	c.server.forget(c.Handle())
	c.NotifyClosed()
}

// PushPayloadToWrite queues p and wakes the write pump.
func (c *ServerConnection) PushPayloadToWrite(p *protocol.Payload) error {
	if err := p.Step("ServerConnection.PushPayloadToWrite"); err != nil {
		c.Logger().Debug("payload step not recorded", zap.Error(err))
	}
	if err := c.Enqueue(p); err != nil {
		return err
	}
	c.server.ScheduleWrite(c)
	return nil
}

// allow consumes one token of the inbound message budget.
func (c *ServerConnection) allow() bool {
	if c.limiter == nil {
		return true
	}
	return c.limiter.Allow()
}

func (c *ServerConnection) currentPump() *pump {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pump
}

// serve runs the pumps until the socket ends. Delegate callbacks for inbound
// payloads run on the calling goroutine.
func (c *ServerConnection) serve() {
	p := c.currentPump()
	if p == nil {
		return
	}

	go p.writeLoop(func(err error) {
		c.Logger().Warn("write failed", zap.Error(err))
		c.CloseOnError()
	})

	p.readLoop(
		func(chunk []byte, final bool) {
			if c.IsClosed() {
				return
			}
			if final && !c.allow() {
				c.Logger().Warn("rate limit exceeded", zap.String("remoteAddr", c.remoteAddr))
				c.closeWithCode(true, websocket.ClosePolicyViolation, "Rate limit exceeded")
				return
			}
			c.ReceiveFragment(chunk, final)
		},
		func(err error) {
			if c.IsClosed() {
				return
			}
			if isNormalClose(err) {
				c.Logger().Debug("connection closed by peer")
			} else {
				c.Logger().Warn("connection lost", zap.Error(err))
			}
			c.Close()
		},
	)
}
