package connection

import (
	"sync"

	"go.uber.org/zap"

	"github.com/cubzh/xpnet"
	"github.com/cubzh/xpnet/internal/channel"
	"github.com/cubzh/xpnet/internal/protocol"
)

// Local is one end of an in-process connection pair. Payloads pushed on one
// end are delivered to the other end's delegate on that end's receive
// goroutine. There are no bytes to write.
type Local struct {
	*Base
	peer  *Local
	inbox *channel.Channel[*protocol.Payload]
	wake  chan struct{}

	loopMu sync.Mutex
	stop   chan struct{}
}

// NewLocalPair returns two connected ends. Connecting either end connects
// both; closing either end closes both.
func NewLocalPair(log *zap.Logger) (*Local, *Local) {
	a, b := newLocal(log), newLocal(log)
	a.peer, b.peer = b, a
	return a, b
}

func newLocal(log *zap.Logger) *Local {
	l := &Local{
		inbox: channel.New[*protocol.Payload](),
		wake:  make(chan struct{}, 1),
	}
	l.Base = NewBase(l, "local", log)
	return l
}

// Peer returns the other end.
func (l *Local) Peer() *Local {
	return l.peer
}

// Connect establishes this end, then the peer. Connecting an end that is
// already OK is a no-op.
func (l *Local) Connect() error {
	if l.Status() == xpnet.StatusOK {
		return nil
	}
	if !l.Establish() {
		return xpnet.ErrConnectionClosed
	}
	l.startReceiving()
	l.NotifyEstablished()
	return l.peer.Connect()
}

func (l *Local) Reset() error {
	l.log.Error("reset not allowed on local connection")
	return xpnet.ErrResetNotAllowed
}

func (l *Local) Close() {
	if !l.MarkClosed(false) {
		return
	}
	l.stopReceiving()
	l.NotifyClosed()
	if !l.peer.IsClosed() {
		l.peer.Close()
	}
}

func (l *Local) CloseOnError() {
	if !l.MarkClosed(true) {
		return
	}
	l.stopReceiving()
	l.NotifyClosed()
	if !l.peer.IsClosed() {
		l.peer.CloseOnError()
	}
}

// PushPayloadToWrite hands p to the peer's inbox.
func (l *Local) PushPayloadToWrite(p *protocol.Payload) error {
	if status := l.Status(); status != xpnet.StatusOK {
		l.log.Warn("can't write payload, connection not ready", zap.Stringer("status", status))
		return xpnet.ErrNotConnected
	}
	if l.peer.IsClosed() {
		l.log.Warn("can't write payload, peer is closed")
		return xpnet.ErrConnectionClosed
	}
	l.peer.inbox.Push(p)
	select {
	case l.peer.wake <- struct{}{}:
	default:
	}
	return nil
}

func (l *Local) Write(buf []byte) (int, bool, bool) {
	return 0, false, false
}

func (l *Local) DoneWriting() bool {
	return true
}

func (l *Local) startReceiving() {
	l.loopMu.Lock()
	defer l.loopMu.Unlock()
	if l.stop != nil {
		return
	}
	l.stop = make(chan struct{})
	go l.receive(l.stop)
}

// stopReceiving signals the receive goroutine without waiting for it, since
// a delegate running on that goroutine may be the one closing.
func (l *Local) stopReceiving() {
	l.loopMu.Lock()
	defer l.loopMu.Unlock()
	if l.stop == nil {
		return
	}
	select {
	case <-l.stop:
	default:
		close(l.stop)
	}
}

func (l *Local) receive(stop chan struct{}) {
	for {
		for {
			p, ok := l.inbox.Pop()
			if !ok {
				break
			}
			select {
			case <-stop:
				return
			default:
			}
			l.Deliver(p)
		}
		select {
		case <-stop:
			return
		case <-l.wake:
		}
	}
}
