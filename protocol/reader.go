// File: protocol/reader.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package protocol

import (
	"encoding/binary"
	"math"
)

// Reader is a forward cursor over a payload. A failed read leaves the
// cursor where it was; a successful one advances by exactly the bytes
// consumed.
type Reader struct {
	buf []byte
	off int
}

// NewReader wraps b without copying.
func NewReader(b []byte) *Reader { return &Reader{buf: b} }

// Offset is the number of bytes consumed so far.
func (r *Reader) Offset() int { return r.off }

// Remaining is the number of unread bytes.
func (r *Reader) Remaining() int { return len(r.buf) - r.off }

// next returns the next n bytes and advances, or fails without moving.
func (r *Reader) next(n int) ([]byte, error) {
	if n < 0 {
		return nil, ErrInvalidLength
	}
	if n > r.Remaining() {
		return nil, ErrOutOfRange
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b, nil
}

// peekLen decodes an int32 length prefix at the cursor without advancing.
func (r *Reader) peekLen() (int, error) {
	if r.Remaining() < 4 {
		return 0, ErrOutOfRange
	}
	n := int32(binary.LittleEndian.Uint32(r.buf[r.off:]))
	if n < 0 {
		return 0, ErrInvalidLength
	}
	return int(n), nil
}

// prefixed reads a length-prefixed field of count elements of size bytes.
func (r *Reader) prefixed(size int) ([]byte, int, error) {
	count, err := r.peekLen()
	if err != nil {
		return nil, 0, err
	}
	if count > (math.MaxInt32-4)/size {
		return nil, 0, ErrInvalidLength
	}
	total := count * size
	if 4+total > r.Remaining() {
		return nil, 0, ErrOutOfRange
	}
	b := r.buf[r.off+4 : r.off+4+total]
	r.off += 4 + total
	return b, count, nil
}

func (r *Reader) ReadBool() (bool, error) {
	v, err := r.ReadInt32()
	return v != 0, err
}

func (r *Reader) ReadUint16() (uint16, error) {
	b, err := r.next(2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

func (r *Reader) ReadInt32() (int32, error) {
	v, err := r.ReadUint32()
	return int32(v), err
}

func (r *Reader) ReadUint32() (uint32, error) {
	b, err := r.next(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (r *Reader) ReadInt64() (int64, error) {
	v, err := r.ReadUint64()
	return int64(v), err
}

func (r *Reader) ReadUint64() (uint64, error) {
	b, err := r.next(8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

func (r *Reader) ReadFloat32() (float32, error) {
	v, err := r.ReadUint32()
	return math.Float32frombits(v), err
}

func (r *Reader) ReadFloat64() (float64, error) {
	v, err := r.ReadUint64()
	return math.Float64frombits(v), err
}

// ReadString reads an int32 byte length and that many bytes.
func (r *Reader) ReadString() (string, error) {
	b, _, err := r.prefixed(1)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// ReadWString reads an int32 count of UTF-16 units and decodes them.
func (r *Reader) ReadWString() (string, error) {
	start := r.off
	b, _, err := r.prefixed(2)
	if err != nil {
		return "", err
	}
	s, err := utf16le.NewDecoder().Bytes(b)
	if err != nil {
		r.off = start
		return "", err
	}
	return string(s), nil
}

// ReadData reads an int32 length prefixed blob. The result aliases the
// underlying buffer.
func (r *Reader) ReadData() ([]byte, error) {
	b, _, err := r.prefixed(1)
	return b, err
}

// ReadBytes reads exactly n raw bytes. The result aliases the buffer.
func (r *Reader) ReadBytes(n int) ([]byte, error) {
	return r.next(n)
}

// Skip advances past n bytes.
func (r *Reader) Skip(n int) error {
	_, err := r.next(n)
	return err
}
