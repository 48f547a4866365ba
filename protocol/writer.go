// File: protocol/writer.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Typed payload writers. Every writer either appends the whole value or
// leaves the message untouched.

package protocol

import (
	"encoding/binary"
	"math"

	"golang.org/x/text/encoding/unicode"
)

// utf16le encodes wide strings without a byte-order mark.
var utf16le = unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM)

func (m *Message) WriteBool(v bool) error {
	var n int32
	if v {
		n = 1
	}
	return m.WriteInt32(n)
}

func (m *Message) WriteUint16(v uint16) error {
	b, err := m.reserve(2)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint16(b, v)
	return nil
}

func (m *Message) WriteInt32(v int32) error { return m.WriteUint32(uint32(v)) }

func (m *Message) WriteUint32(v uint32) error {
	b, err := m.reserve(4)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(b, v)
	return nil
}

func (m *Message) WriteInt64(v int64) error { return m.WriteUint64(uint64(v)) }

func (m *Message) WriteUint64(v uint64) error {
	b, err := m.reserve(8)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint64(b, v)
	return nil
}

func (m *Message) WriteFloat32(v float32) error { return m.WriteUint32(math.Float32bits(v)) }

func (m *Message) WriteFloat64(v float64) error { return m.WriteUint64(math.Float64bits(v)) }

// WriteString appends an int32 byte length followed by the bytes.
func (m *Message) WriteString(s string) error {
	if len(s) > math.MaxInt32 {
		return ErrTooLarge
	}
	b, err := m.reserve(4 + len(s))
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(b, uint32(len(s)))
	copy(b[4:], s)
	return nil
}

// WriteWString appends an int32 count of UTF-16 code units followed by
// the little-endian UTF-16 encoding of s.
func (m *Message) WriteWString(s string) error {
	enc, err := utf16le.NewEncoder().Bytes([]byte(s))
	if err != nil {
		return err
	}
	if len(enc)/2 > math.MaxInt32 {
		return ErrTooLarge
	}
	b, err := m.reserve(4 + len(enc))
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(b, uint32(len(enc)/2))
	copy(b[4:], enc)
	return nil
}

// WriteData appends an int32 length prefix and the bytes.
func (m *Message) WriteData(p []byte) error {
	if len(p) > math.MaxInt32 {
		return ErrTooLarge
	}
	b, err := m.reserve(4 + len(p))
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(b, uint32(len(p)))
	copy(b[4:], p)
	return nil
}

// WriteBytes appends p with no prefix.
func (m *Message) WriteBytes(p []byte) error {
	b, err := m.reserve(len(p))
	if err != nil {
		return err
	}
	copy(b, p)
	return nil
}
