package websocket

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/cubzh/xpnet"
	"github.com/cubzh/xpnet/internal/connection"
)

// pump moves bytes between a connection and its socket. The write side pulls
// fragments from the connection's writer cursor whenever it is signalled;
// the read side streams inbound messages to a callback.
type pump struct {
	sock     Socket
	base     *connection.Base
	writable chan struct{}
	ctx      context.Context
	cancel   context.CancelFunc
	log      *zap.Logger
}

func newPump(sock Socket, base *connection.Base) *pump {
	ctx, cancel := context.WithCancel(context.Background())
	return &pump{
		sock:     sock,
		base:     base,
		writable: make(chan struct{}, 1),
		ctx:      ctx,
		cancel:   cancel,
		log:      base.Logger(),
	}
}

// signal wakes the write loop. The caller must have won base.BeginWrite.
func (p *pump) signal() {
	select {
	case p.writable <- struct{}{}:
	default:
	}
}

func (p *pump) stop() {
	p.cancel()
}

// writeLoop flushes on demand and keeps the socket alive with pings.
func (p *pump) writeLoop(onError func(error)) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	buf := make([]byte, xpnet.WriteBufferSize)
	for {
		select {
		case <-p.writable:
			if err := p.flush(buf); err != nil {
				onError(err)
				return
			}

		case <-ticker.C:
			if err := p.sock.WritePing(); err != nil {
				onError(err)
				return
			}

		case <-p.ctx.Done():
			return
		}
	}
}

// flush writes until the connection has nothing left. After clearing the
// writing flag it checks again, since a payload pushed in the meantime saw
// the flag set and did not signal.
func (p *pump) flush(buf []byte) error {
	for {
		for {
			if p.ctx.Err() != nil {
				p.base.EndWrite()
				return nil
			}
			n, first, partial := p.base.Write(buf)
			if n == 0 {
				break
			}
			if err := p.sock.WriteFragment(buf[:n], first, !partial); err != nil {
				p.base.EndWrite()
				return err
			}
		}
		p.base.EndWrite()
		if p.base.DoneWriting() || !p.base.BeginWrite() {
			return nil
		}
	}
}

// readLoop delivers messages until the socket fails or is closed.
func (p *pump) readLoop(onFragment func(chunk []byte, final bool), onClose func(error)) {
	buf := make([]byte, xpnet.ReadBufferSize)
	for {
		if err := p.sock.ReadMessage(buf, onFragment); err != nil {
			if p.ctx.Err() == nil {
				onClose(err)
			}
			return
		}
	}
}
