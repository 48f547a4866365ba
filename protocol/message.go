// File: protocol/message.go
// Package protocol
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Self-describing message framing shared by every transport.
//
// A frame is a 16-byte little-endian header followed by the payload:
//
//	routing  int32   destination / source id
//	type     uint32  application message type
//	flags    uint32  priority, control bits, 24-bit trace tag
//	size     uint32  payload length in bytes
//
// Frames are packed back to back in transport buffers.

package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os"

	"code.hybscloud.com/atomix"

	"github.com/momentics/hioload-ipc/pool"
)

const (
	// HeaderSize is the encoded header length.
	HeaderSize = 16
	// PayloadUnit is the granularity payload capacity is rounded up to.
	PayloadUnit = 32
	// MaxMessageSize bounds header plus payload of any single message.
	MaxMessageSize = 256 << 20
)

// Control message types and routing values.
const (
	TypeHello   uint32 = 0xFFFE
	TypeGoodbye uint32 = 0xFFFF

	// RoutingNone marks control frames. Process ids are positive, so it
	// never collides with a peer id.
	RoutingNone int32 = -2
	// RoutingControl addresses the channel itself rather than a peer.
	RoutingControl int32 = math.MaxInt32
)

// Priority occupies the two low flag bits.
type Priority uint32

const (
	PriorityLow    Priority = 1
	PriorityNormal Priority = 2
	PriorityHigh   Priority = 3
)

// Flag bits.
const (
	FlagPriorityMask uint32 = 0x03
	FlagSync         uint32 = 0x04
	FlagReply        uint32 = 0x08
	FlagReplyError   uint32 = 0x10
	FlagUnblock      uint32 = 0x20
	FlagPumping      uint32 = 0x40
	FlagHasSentTime  uint32 = 0x80

	traceShift = 8
	traceMask  = 0xFFFFFF
)

var (
	ErrReleased      = errors.New("protocol: message released")
	ErrTooLarge      = errors.New("protocol: message exceeds maximum size")
	ErrNotEmpty      = errors.New("protocol: header values are fixed once payload is written")
	ErrOutOfRange    = errors.New("protocol: read past end of payload")
	ErrInvalidLength = errors.New("protocol: invalid length prefix")
)

// traceCounter is the only process-wide mutable state in the package.
var traceCounter atomix.Uint32

var tracePID = uint32(os.Getpid())

// nextTraceTag mixes the low 10 bits of the pid with a 14-bit sequence.
func nextTraceTag() uint32 {
	seq := traceCounter.Add(1)
	return ((tracePID&0x3ff)<<14 | seq&0x3fff) & traceMask
}

// Header is the decoded fixed-size frame prefix.
type Header struct {
	Routing     int32
	Type        uint32
	Flags       uint32
	PayloadSize uint32
}

// DecodeHeader reads a header from b, which must hold at least HeaderSize bytes.
func DecodeHeader(b []byte) Header {
	_ = b[HeaderSize-1]
	return Header{
		Routing:     int32(binary.LittleEndian.Uint32(b[0:])),
		Type:        binary.LittleEndian.Uint32(b[4:]),
		Flags:       binary.LittleEndian.Uint32(b[8:]),
		PayloadSize: binary.LittleEndian.Uint32(b[12:]),
	}
}

// Encode writes h into the first HeaderSize bytes of b.
func (h Header) Encode(b []byte) {
	_ = b[HeaderSize-1]
	binary.LittleEndian.PutUint32(b[0:], uint32(h.Routing))
	binary.LittleEndian.PutUint32(b[4:], h.Type)
	binary.LittleEndian.PutUint32(b[8:], h.Flags)
	binary.LittleEndian.PutUint32(b[12:], h.PayloadSize)
}

// IsZero reports an all-zero header, which marks unused zone space.
func (h Header) IsZero() bool {
	return h == Header{}
}

// Message is an owning, growable, reference-counted frame.
//
// It starts with one reference held by the creator. Release drops one;
// when none remain the buffer is returned to its pool and every later
// accessor reports ErrReleased. Callers that hand a message to a
// transport give up their reference.
type Message struct {
	buf  []byte // header + payload; len is the encoded size
	refs atomix.Int32
	pool *pool.BytePool
}

// New creates an empty owning message with a fresh trace tag.
func New(routing int32, typ uint32, prio Priority) *Message {
	return NewPooled(nil, routing, typ, prio)
}

// NewPooled is New with the buffer drawn from p. A nil pool allocates.
func NewPooled(p *pool.BytePool, routing int32, typ uint32, prio Priority) *Message {
	m := &Message{pool: p}
	m.buf = m.alloc(HeaderSize, HeaderSize+PayloadUnit)
	flags := uint32(prio)&FlagPriorityMask | nextTraceTag()<<traceShift
	Header{Routing: routing, Type: typ, Flags: flags}.Encode(m.buf)
	m.refs.Add(1)
	return m
}

func (m *Message) alloc(n, capacity int) []byte {
	if m.pool != nil {
		b := m.pool.Get(capacity)
		return b[:n]
	}
	return make([]byte, n, capacity)
}

// Retain adds a reference for a second owner.
func (m *Message) Retain() *Message {
	m.refs.Add(1)
	return m
}

// Release drops one reference. Extra calls after the last one are no-ops.
func (m *Message) Release() {
	if m == nil {
		return
	}
	if n := m.refs.Add(-1); n == 0 {
		if m.pool != nil && m.buf != nil {
			m.pool.Put(m.buf)
		}
		m.buf = nil
	} else if n < 0 {
		m.refs.Add(1)
	}
}

// Released reports whether the last reference is gone.
func (m *Message) Released() bool { return m.buf == nil }

func (m *Message) header() Header {
	if m.buf == nil {
		return Header{}
	}
	return DecodeHeader(m.buf)
}

func (m *Message) Routing() int32 { return m.header().Routing }

func (m *Message) SetRouting(r int32) {
	if m.buf != nil {
		binary.LittleEndian.PutUint32(m.buf[0:], uint32(r))
	}
}

func (m *Message) Type() uint32          { return m.header().Type }
func (m *Message) Flags() uint32         { return m.header().Flags }
func (m *Message) Priority() Priority    { return Priority(m.Flags() & FlagPriorityMask) }
func (m *Message) TraceTag() uint32      { return m.Flags() >> traceShift }
func (m *Message) PayloadSize() int      { return int(m.header().PayloadSize) }
func (m *Message) IsSync() bool          { return m.Flags()&FlagSync != 0 }
func (m *Message) IsReply() bool         { return m.Flags()&FlagReply != 0 }
func (m *Message) IsReplyError() bool    { return m.Flags()&FlagReplyError != 0 }
func (m *Message) ShouldUnblock() bool   { return m.Flags()&FlagUnblock != 0 }
func (m *Message) IsCallerPumping() bool { return m.Flags()&FlagPumping != 0 }
func (m *Message) HasSentTime() bool     { return m.Flags()&FlagHasSentTime != 0 }

func (m *Message) SetSync()       { m.setFlag(FlagSync) }
func (m *Message) SetReply()      { m.setFlag(FlagReply) }
func (m *Message) SetReplyError() { m.setFlag(FlagReplyError) }
func (m *Message) SetUnblock()    { m.setFlag(FlagUnblock) }
func (m *Message) SetPumping()    { m.setFlag(FlagPumping) }
func (m *Message) SetSentTime()   { m.setFlag(FlagHasSentTime) }

func (m *Message) setFlag(f uint32) {
	if m.buf == nil {
		return
	}
	binary.LittleEndian.PutUint32(m.buf[8:], m.Flags()|f)
}

// SetHeaderValues overwrites routing, type and flags. Only allowed while
// the payload is still empty.
func (m *Message) SetHeaderValues(routing int32, typ uint32, flags uint32) error {
	if m.buf == nil {
		return ErrReleased
	}
	if m.PayloadSize() != 0 {
		return ErrNotEmpty
	}
	Header{Routing: routing, Type: typ, Flags: flags}.Encode(m.buf)
	return nil
}

// Size is header plus payload in bytes.
func (m *Message) Size() int { return len(m.buf) }

// Bytes returns the encoded frame. The slice aliases the message buffer.
func (m *Message) Bytes() []byte { return m.buf }

// Payload returns the payload bytes. The slice aliases the message buffer.
func (m *Message) Payload() []byte {
	if m.buf == nil {
		return nil
	}
	return m.buf[HeaderSize:]
}

// Reader returns a cursor over the payload.
func (m *Message) Reader() *Reader { return NewReader(m.Payload()) }

// View borrows the message as a read-only frame.
func (m *Message) View() View { return View{b: m.buf} }

func (m *Message) String() string {
	if m.buf == nil {
		return "Message(released)"
	}
	h := m.header()
	return fmt.Sprintf("Message(routing=%d type=%#x flags=%#x size=%d)", h.Routing, h.Type, h.Flags, h.PayloadSize)
}

// reserve makes room for n more payload bytes and returns the slice to
// fill. Capacity doubles and is rounded to PayloadUnit.
func (m *Message) reserve(n int) ([]byte, error) {
	if m.buf == nil {
		return nil, ErrReleased
	}
	if n < 0 {
		return nil, ErrInvalidLength
	}
	cur := len(m.buf)
	if n > MaxMessageSize-cur {
		return nil, ErrTooLarge
	}
	need := cur + n
	if need > cap(m.buf) {
		payloadCap := cap(m.buf) - HeaderSize
		if payloadCap < PayloadUnit {
			payloadCap = PayloadUnit
		}
		for payloadCap < need-HeaderSize {
			payloadCap *= 2
		}
		payloadCap = (payloadCap + PayloadUnit - 1) / PayloadUnit * PayloadUnit
		newCap := min(HeaderSize+payloadCap, MaxMessageSize)
		grown := m.alloc(cur, newCap)
		copy(grown, m.buf)
		if m.pool != nil {
			m.pool.Put(m.buf)
		}
		m.buf = grown
	}
	m.buf = m.buf[:need]
	binary.LittleEndian.PutUint32(m.buf[12:], uint32(need-HeaderSize))
	return m.buf[cur:need], nil
}
