// File: protocol/view.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Borrowed, read-only frames parsed out of transport memory.

package protocol

import "fmt"

// View is a frame that borrows memory it does not own. It has no
// mutators and must not be retained past the scope that produced it;
// Clone copies it into an owning Message.
type View struct {
	b []byte
}

// NewView interprets the start of b as a frame. It fails when the header
// does not fit or the declared payload runs past the end of b.
func NewView(b []byte) (View, bool) {
	end, ok := frameEnd(b)
	if !ok {
		return View{}, false
	}
	return View{b: b[:end:end]}, true
}

// FindNext returns the end offset of the first complete frame in b. It
// reports false when b is shorter than a header, the header is all zero,
// or the payload runs past the end of b.
func FindNext(b []byte) (int, bool) {
	if len(b) < HeaderSize {
		return 0, false
	}
	if DecodeHeader(b).IsZero() {
		return 0, false
	}
	return frameEnd(b)
}

func frameEnd(b []byte) (int, bool) {
	if len(b) < HeaderSize {
		return 0, false
	}
	size := uint64(DecodeHeader(b).PayloadSize)
	end := uint64(HeaderSize) + size
	if end > uint64(len(b)) {
		return 0, false
	}
	return int(end), true
}

// Valid reports whether the view holds a frame.
func (v View) Valid() bool { return len(v.b) >= HeaderSize }

func (v View) Header() Header {
	if !v.Valid() {
		return Header{}
	}
	return DecodeHeader(v.b)
}

func (v View) Routing() int32        { return v.Header().Routing }
func (v View) Type() uint32          { return v.Header().Type }
func (v View) Flags() uint32         { return v.Header().Flags }
func (v View) Priority() Priority    { return Priority(v.Flags() & FlagPriorityMask) }
func (v View) TraceTag() uint32      { return v.Flags() >> traceShift }
func (v View) PayloadSize() int      { return int(v.Header().PayloadSize) }
func (v View) Size() int             { return len(v.b) }
func (v View) IsSync() bool          { return v.Flags()&FlagSync != 0 }
func (v View) IsReply() bool         { return v.Flags()&FlagReply != 0 }
func (v View) IsReplyError() bool    { return v.Flags()&FlagReplyError != 0 }
func (v View) ShouldUnblock() bool   { return v.Flags()&FlagUnblock != 0 }
func (v View) IsCallerPumping() bool { return v.Flags()&FlagPumping != 0 }
func (v View) HasSentTime() bool     { return v.Flags()&FlagHasSentTime != 0 }

// Bytes returns the borrowed frame bytes.
func (v View) Bytes() []byte { return v.b }

// Payload returns the borrowed payload bytes.
func (v View) Payload() []byte {
	if !v.Valid() {
		return nil
	}
	return v.b[HeaderSize:]
}

// Reader returns a cursor over the borrowed payload.
func (v View) Reader() *Reader { return NewReader(v.Payload()) }

// Clone copies the frame into a new owning message, or returns nil for
// an invalid view.
func (v View) Clone() *Message {
	if !v.Valid() {
		return nil
	}
	m := &Message{}
	m.buf = make([]byte, len(v.b))
	copy(m.buf, v.b)
	m.refs.Add(1)
	return m
}

func (v View) String() string {
	h := v.Header()
	return fmt.Sprintf("View(routing=%d type=%#x flags=%#x size=%d)", h.Routing, h.Type, h.Flags, h.PayloadSize)
}
