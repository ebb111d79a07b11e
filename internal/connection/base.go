// Package connection holds the state shared by every Connection variant:
// lifecycle status, the outbound payload queue with its pull-based writer
// cursor, and reassembly of inbound fragments.
package connection

import (
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cubzh/xpnet"
	"github.com/cubzh/xpnet/internal/channel"
	"github.com/cubzh/xpnet/internal/protocol"
)

// Base implements the variant-independent half of xpnet.Connection.
// Variants embed it and override the lifecycle methods they need.
//
// Status, the writing flag, the delegate and the writer cursor live behind a
// single lock. Delegates are always called after the lock is released.
type Base struct {
	handle string
	kind   string
	owner  xpnet.Connection
	log    *zap.Logger

	outbound *channel.Channel[*protocol.Payload]

	mu       sync.Mutex
	status   xpnet.Status
	writing  bool
	delegate xpnet.ConnectionDelegate
	current  *protocol.Payload
	meta     []byte
	written  int
	received []byte
}

// NewBase creates the shared state for owner. kind names the variant in logs
// and payload steps ("client", "server", "local").
func NewBase(owner xpnet.Connection, kind string, log *zap.Logger) *Base {
	if log == nil {
		log = zap.L()
	}
	handle := uuid.NewString()
	return &Base{
		handle:   handle,
		kind:     kind,
		owner:    owner,
		log:      log.With(zap.String("conn", handle), zap.String("kind", kind)),
		outbound: channel.New[*protocol.Payload](),
	}
}

// Handle returns the connection's unique identifier.
func (b *Base) Handle() string {
	return b.handle
}

// Logger returns the connection-scoped logger.
func (b *Base) Logger() *zap.Logger {
	return b.log
}

func (b *Base) Status() xpnet.Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.status
}

func (b *Base) IsClosed() bool {
	return b.Status().IsClosed()
}

func (b *Base) SetDelegate(d xpnet.ConnectionDelegate) {
	b.mu.Lock()
	b.delegate = d
	b.mu.Unlock()
}

func (b *Base) Delegate() xpnet.ConnectionDelegate {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.delegate
}

// Establish moves the connection from Idle to OK. It returns false, leaving
// the status untouched, from any other state.
func (b *Base) Establish() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.status != xpnet.StatusIdle {
		return false
	}
	b.status = xpnet.StatusOK
	return true
}

// NotifyEstablished calls the delegate's ConnectionDidEstablish.
func (b *Base) NotifyEstablished() {
	if d := b.Delegate(); d != nil {
		d.ConnectionDidEstablish(b.owner)
	}
}

// MarkClosed performs the close transition and reports whether it happened.
// Closing an already closed connection is logged and refused. With onError,
// an Idle connection ends as StatusClosedInitialConnectionFailure and any
// other as StatusClosedOnError.
func (b *Base) MarkClosed(onError bool) bool {
	b.mu.Lock()
	prev := b.status
	if prev.IsClosed() {
		b.mu.Unlock()
		b.log.Error("can't close connection, already closed", zap.Stringer("status", prev))
		return false
	}
	switch {
	case !onError:
		b.status = xpnet.StatusClosed
	case prev == xpnet.StatusIdle:
		b.status = xpnet.StatusClosedInitialConnectionFailure
	default:
		b.status = xpnet.StatusClosedOnError
	}
	b.writing = false
	b.mu.Unlock()
	return true
}

// NotifyClosed calls the delegate's ConnectionDidClose.
func (b *Base) NotifyClosed() {
	if d := b.Delegate(); d != nil {
		d.ConnectionDidClose(b.owner)
	}
}

// Close is the plain close: transition then notify.
func (b *Base) Close() {
	if b.MarkClosed(false) {
		b.NotifyClosed()
	}
}

// CloseOnError is the failure close: transition then notify.
func (b *Base) CloseOnError() {
	if b.MarkClosed(true) {
		b.NotifyClosed()
	}
}

// ResetState returns the connection to Idle and drops everything queued or
// partially transferred.
func (b *Base) ResetState() {
	b.outbound.Clear()
	b.mu.Lock()
	b.status = xpnet.StatusIdle
	b.writing = false
	b.current = nil
	b.meta = nil
	b.written = 0
	b.received = nil
	b.mu.Unlock()
}

// Enqueue queues p for the writer. Payloads pushed while the connection is
// not OK are dropped.
func (b *Base) Enqueue(p *protocol.Payload) error {
	if status := b.Status(); status != xpnet.StatusOK {
		b.log.Warn("can't write payload, connection not ready", zap.Stringer("status", status))
		return xpnet.ErrNotConnected
	}
	b.outbound.Push(p)
	return nil
}

// BeginWrite marks the connection as being written to. It returns false when
// a writer is already active.
func (b *Base) BeginWrite() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.writing {
		return false
	}
	b.writing = true
	return true
}

// EndWrite clears the writing flag.
func (b *Base) EndWrite() {
	b.mu.Lock()
	b.writing = false
	b.mu.Unlock()
}

// IsWriting reports whether a writer is active.
func (b *Base) IsWriting() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.writing
}

// Write copies the next outgoing bytes into buf: the metadata of the current
// payload first, then its content. A payload whose metadata cannot be encoded
// is dropped.
func (b *Base) Write(buf []byte) (n int, isFirstFragment bool, isPartial bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	p := b.payloadToWriteLocked()
	if p == nil {
		return 0, false, false
	}

	content := p.Content()
	total := len(b.meta) + len(content)
	isFirstFragment = b.written == 0

	for n < len(buf) && b.written < total {
		var c int
		if b.written < len(b.meta) {
			c = copy(buf[n:], b.meta[b.written:])
		} else {
			c = copy(buf[n:], content[b.written-len(b.meta):])
		}
		n += c
		b.written += c
	}

	return n, isFirstFragment, b.written < total
}

// DoneWriting reports whether no payload is in progress or queued.
func (b *Base) DoneWriting() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.payloadToWriteLocked() == nil
}

func (b *Base) payloadToWriteLocked() *protocol.Payload {
	for {
		if b.current != nil && b.written < len(b.meta)+b.current.ContentSize() {
			return b.current
		}
		b.current, b.meta, b.written = nil, nil, 0

		p, ok := b.outbound.Pop()
		if !ok {
			return nil
		}
		if err := p.Step("start writing out (" + b.kind + ")"); err != nil {
			b.log.Debug("payload step not recorded", zap.Error(err))
		}
		meta, err := p.Metadata()
		if err != nil {
			b.log.Error("dropping payload, metadata can't be encoded", zap.Error(err))
			continue
		}
		b.current, b.meta = p, meta
	}
}

// ReceiveFragment accumulates inbound bytes. On the final fragment the
// accumulated bytes are decoded and delivered to the delegate. Undecodable
// messages are logged and dropped.
func (b *Base) ReceiveFragment(data []byte, final bool) {
	b.mu.Lock()
	b.received = append(b.received, data...)
	if !final {
		b.mu.Unlock()
		return
	}
	msg := b.received
	b.received = nil
	b.mu.Unlock()

	p, err := protocol.Decode(msg)
	if err != nil {
		b.log.Error("dropping undecodable payload", zap.Int("size", len(msg)), zap.Error(err))
		return
	}
	b.Deliver(p)
}

// Deliver hands a complete payload to the delegate.
func (b *Base) Deliver(p *protocol.Payload) {
	if err := p.Step(b.kind + ".receivedBytes"); err != nil {
		b.log.Debug("payload step not recorded", zap.Error(err))
	}
	d := b.Delegate()
	if d == nil {
		b.log.Warn("payload received without delegate, dropped")
		return
	}
	d.ConnectionDidReceive(b.owner, p)
}
