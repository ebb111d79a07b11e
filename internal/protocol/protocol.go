package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Includes is a bit set telling which optional metadata fields precede the content.
type Includes uint8

const (
	IncludeNone          Includes = 0
	IncludeID            Includes = 1 << 0
	IncludeCreatedAt     Includes = 1 << 1
	IncludeTravelHistory Includes = 1 << 2

	includeAll = IncludeID | IncludeCreatedAt | IncludeTravelHistory
)

// Has reports whether every bit of flag is set.
func (i Includes) Has(flag Includes) bool {
	return i&flag == flag
}

const (
	// MaxStepNameLen is the longest step name that fits the one-byte length prefix.
	MaxStepNameLen = math.MaxUint8
	// MaxSteps is the largest travel history that fits the one-byte step count.
	MaxSteps = math.MaxUint8
	// DiffNotPossible marks a step whose predecessor carries no timestamp
	// (typically because it was recorded on the other side of the network).
	DiffNotPossible uint32 = math.MaxUint32
	// MaxContentSize bounds the content of a decoded payload.
	MaxContentSize = 10 * 1024 * 1024
)

var (
	ErrEmpty           = errors.New("protocol: empty payload")
	ErrTruncated       = errors.New("protocol: truncated payload")
	ErrUnknownIncludes = errors.New("protocol: unknown include flags")
	ErrStepNameTooLong = errors.New("protocol: step name too long")
	ErrTooManySteps    = errors.New("protocol: too many steps")
	ErrPayloadTooLarge = errors.New("protocol: payload too large")
)

var (
	idMu   sync.Mutex
	lastID uint16
)

// nextID hands out process-wide payload identifiers. Wraps at 65535.
func nextID() uint16 {
	idMu.Lock()
	defer idMu.Unlock()
	lastID++
	return lastID
}

func nowMillis() uint64 {
	return uint64(time.Now().UnixMilli())
}

// Step is one entry of a payload's travel history.
type Step struct {
	Name string
	// Timestamp is in milliseconds since the Unix epoch. Steps read off the
	// wire have no timestamp.
	Timestamp uint64
	// Diff is the number of milliseconds since the previous step.
	Diff uint32
}

// Payload is the unit of application data carried by a connection: a small
// metadata header followed by opaque content.
//
// Wire format (little-endian):
//
//	[includes:u8]
//	[id:u16]                     if IncludeID
//	[createdAt:u64]              if IncludeCreatedAt (ms since epoch)
//	[count:u8]{[len:u8][name][diff:u32]}*count   if IncludeTravelHistory
//	[content...]
type Payload struct {
	mu        sync.Mutex
	includes  Includes
	id        uint16
	createdAt uint64
	steps     []Step
	content   []byte
	metadata  []byte
}

// New wraps content in a payload. The payload takes ownership of content.
// When requested, a fresh identifier and the creation time are assigned.
func New(content []byte, includes Includes) *Payload {
	p := &Payload{
		includes: includes & includeAll,
		content:  content,
	}
	if p.includes.Has(IncludeID) {
		p.id = nextID()
	}
	if p.includes.Has(IncludeCreatedAt) {
		p.createdAt = nowMillis()
	}
	return p
}

// NewDummy returns a one-byte payload without metadata. Pushing it is a way to
// get a writer woken up, for instance to let it notice a close.
func NewDummy() *Payload {
	return New([]byte{0}, IncludeNone)
}

// Decode parses a complete payload. It takes ownership of data: the returned
// content references the input slice, do not modify it afterwards.
func Decode(data []byte) (*Payload, error) {
	if len(data) == 0 {
		return nil, ErrEmpty
	}

	p := &Payload{includes: Includes(data[0])}
	if p.includes&^includeAll != 0 {
		return nil, fmt.Errorf("%w: 0x%02x", ErrUnknownIncludes, data[0])
	}
	r := reader{buf: data, off: 1}

	if p.includes.Has(IncludeID) {
		v, err := r.u16()
		if err != nil {
			return nil, fmt.Errorf("%w: id", err)
		}
		p.id = v
	}

	if p.includes.Has(IncludeCreatedAt) {
		v, err := r.u64()
		if err != nil {
			return nil, fmt.Errorf("%w: createdAt", err)
		}
		p.createdAt = v
	}

	if p.includes.Has(IncludeTravelHistory) {
		count, err := r.u8()
		if err != nil {
			return nil, fmt.Errorf("%w: step count", err)
		}
		p.steps = make([]Step, 0, count)
		for i := 0; i < int(count); i++ {
			nameLen, err := r.u8()
			if err != nil {
				return nil, fmt.Errorf("%w: step %d", err, i)
			}
			name, err := r.bytes(int(nameLen))
			if err != nil {
				return nil, fmt.Errorf("%w: step %d name", err, i)
			}
			diff, err := r.u32()
			if err != nil {
				return nil, fmt.Errorf("%w: step %d diff", err, i)
			}
			p.steps = append(p.steps, Step{Name: string(name), Diff: diff})
		}
	}

	if len(data)-r.off > MaxContentSize {
		return nil, fmt.Errorf("%w: %d bytes exceeds maximum %d", ErrPayloadTooLarge, len(data)-r.off, MaxContentSize)
	}

	p.content = data[r.off:]
	return p, nil
}

// Copy returns a deep copy of the payload. The cached metadata is not copied.
func (p *Payload) Copy() *Payload {
	p.mu.Lock()
	defer p.mu.Unlock()

	cp := &Payload{
		includes:  p.includes,
		id:        p.id,
		createdAt: p.createdAt,
	}
	if p.content != nil {
		cp.content = append([]byte(nil), p.content...)
	}
	if p.steps != nil {
		cp.steps = append([]Step(nil), p.steps...)
	}
	return cp
}

// Step appends an entry to the travel history. It does nothing when the
// payload does not carry a travel history.
func (p *Payload) Step(name string) error {
	if !p.includes.Has(IncludeTravelHistory) {
		return nil
	}
	if len(name) > MaxStepNameLen {
		return fmt.Errorf("%w: %d bytes", ErrStepNameTooLong, len(name))
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.steps) >= MaxSteps {
		return ErrTooManySteps
	}

	now := nowMillis()
	s := Step{Name: name, Timestamp: now}
	if n := len(p.steps); n > 0 {
		if prev := p.steps[n-1].Timestamp; prev != 0 {
			s.Diff = uint32(now - prev)
		} else {
			s.Diff = DiffNotPossible
		}
	}
	p.steps = append(p.steps, s)
	p.metadata = nil
	return nil
}

// Includes returns the metadata flags.
func (p *Payload) Includes() Includes {
	return p.includes
}

// ID returns the payload identifier, if the payload carries one.
func (p *Payload) ID() (uint16, bool) {
	return p.id, p.includes.Has(IncludeID)
}

// CreatedAt returns the creation time, if the payload carries one.
func (p *Payload) CreatedAt() (time.Time, bool) {
	if !p.includes.Has(IncludeCreatedAt) {
		return time.Time{}, false
	}
	return time.UnixMilli(int64(p.createdAt)), true
}

// Steps returns a copy of the travel history.
func (p *Payload) Steps() []Step {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Step(nil), p.steps...)
}

// Content returns the application bytes. The slice is shared with the payload.
func (p *Payload) Content() []byte {
	return p.content
}

// ContentSize returns the number of content bytes.
func (p *Payload) ContentSize() int {
	return len(p.content)
}

// MetadataSize returns the encoded size of the metadata header.
func (p *Payload) MetadataSize() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.metadataSizeLocked()
}

func (p *Payload) metadataSizeLocked() int {
	size := 1
	if p.includes.Has(IncludeID) {
		size += 2
	}
	if p.includes.Has(IncludeCreatedAt) {
		size += 8
	}
	if p.includes.Has(IncludeTravelHistory) {
		size++
		for _, s := range p.steps {
			size += 1 + len(s.Name) + 4
		}
	}
	return size
}

// TotalSize returns the number of bytes the payload occupies on the wire.
func (p *Payload) TotalSize() int {
	return p.MetadataSize() + len(p.content)
}

// Metadata returns the encoded metadata header, serializing it on first use.
// The returned slice must not be modified.
func (p *Payload) Metadata() ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.metadata != nil {
		return p.metadata, nil
	}
	if p.includes.Has(IncludeTravelHistory) && len(p.steps) > MaxSteps {
		return nil, fmt.Errorf("%w: %d", ErrTooManySteps, len(p.steps))
	}

	buf := make([]byte, 0, p.metadataSizeLocked())
	buf = append(buf, byte(p.includes))
	if p.includes.Has(IncludeID) {
		buf = binary.LittleEndian.AppendUint16(buf, p.id)
	}
	if p.includes.Has(IncludeCreatedAt) {
		buf = binary.LittleEndian.AppendUint64(buf, p.createdAt)
	}
	if p.includes.Has(IncludeTravelHistory) {
		buf = append(buf, byte(len(p.steps)))
		for _, s := range p.steps {
			if len(s.Name) > MaxStepNameLen {
				return nil, fmt.Errorf("%w: %q", ErrStepNameTooLong, s.Name)
			}
			buf = append(buf, byte(len(s.Name)))
			buf = append(buf, s.Name...)
			buf = binary.LittleEndian.AppendUint32(buf, s.Diff)
		}
	}

	p.metadata = buf
	return buf, nil
}

// Encode returns metadata followed by content in a single buffer.
func (p *Payload) Encode() ([]byte, error) {
	meta, err := p.Metadata()
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(meta)+len(p.content))
	out = append(out, meta...)
	out = append(out, p.content...)
	return out, nil
}

// Debug logs the payload metadata and travel history.
func (p *Payload) Debug(log *zap.Logger) {
	if p.includes == IncludeNone {
		return
	}

	fields := []zap.Field{zap.Int("contentSize", len(p.content))}
	if id, ok := p.ID(); ok {
		fields = append(fields, zap.Uint16("id", id))
	}
	if created, ok := p.CreatedAt(); ok {
		fields = append(fields,
			zap.Time("createdAt", created),
			zap.Int64("msAgo", time.Since(created).Milliseconds()))
	}
	log.Debug("payload", fields...)

	for _, s := range p.Steps() {
		diff := "NETWORK"
		if s.Diff != DiffNotPossible {
			diff = fmt.Sprintf("%4d ms", s.Diff)
		}
		log.Debug("payload step", zap.String("diff", diff), zap.String("name", s.Name))
	}
}

type reader struct {
	buf []byte
	off int
}

func (r *reader) bytes(n int) ([]byte, error) {
	if n < 0 || len(r.buf)-r.off < n {
		return nil, ErrTruncated
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b, nil
}

func (r *reader) u8() (uint8, error) {
	b, err := r.bytes(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (r *reader) u16() (uint16, error) {
	b, err := r.bytes(2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

func (r *reader) u32() (uint32, error) {
	b, err := r.bytes(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (r *reader) u64() (uint64, error) {
	b, err := r.bytes(8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}
