package protocol_test

import (
	"encoding/binary"
	"errors"
	"math"
	"testing"

	"github.com/momentics/hioload-ipc/protocol"
)

func TestWriteReadAllTypes(t *testing.T) {
	m := protocol.New(1, 2, protocol.PriorityNormal)
	defer m.Release()

	steps := []error{
		m.WriteBool(true),
		m.WriteUint16(0xBEEF),
		m.WriteInt32(-7),
		m.WriteUint32(0xDEADBEEF),
		m.WriteInt64(math.MinInt64),
		m.WriteUint64(math.MaxUint64),
		m.WriteFloat32(1.5),
		m.WriteFloat64(-2.25),
		m.WriteString("plain"),
		m.WriteWString("wide ✓ 𝄞"),
		m.WriteData([]byte{1, 2, 3}),
		m.WriteBytes([]byte{9, 9}),
	}
	for i, err := range steps {
		if err != nil {
			t.Fatalf("write #%d: %v", i, err)
		}
	}

	r := m.Reader()
	if v, err := r.ReadBool(); err != nil || !v {
		t.Errorf("ReadBool = %v, %v", v, err)
	}
	if v, err := r.ReadUint16(); err != nil || v != 0xBEEF {
		t.Errorf("ReadUint16 = %#x, %v", v, err)
	}
	if v, err := r.ReadInt32(); err != nil || v != -7 {
		t.Errorf("ReadInt32 = %d, %v", v, err)
	}
	if v, err := r.ReadUint32(); err != nil || v != 0xDEADBEEF {
		t.Errorf("ReadUint32 = %#x, %v", v, err)
	}
	if v, err := r.ReadInt64(); err != nil || v != math.MinInt64 {
		t.Errorf("ReadInt64 = %d, %v", v, err)
	}
	if v, err := r.ReadUint64(); err != nil || v != math.MaxUint64 {
		t.Errorf("ReadUint64 = %d, %v", v, err)
	}
	if v, err := r.ReadFloat32(); err != nil || v != 1.5 {
		t.Errorf("ReadFloat32 = %v, %v", v, err)
	}
	if v, err := r.ReadFloat64(); err != nil || v != -2.25 {
		t.Errorf("ReadFloat64 = %v, %v", v, err)
	}
	if v, err := r.ReadString(); err != nil || v != "plain" {
		t.Errorf("ReadString = %q, %v", v, err)
	}
	if v, err := r.ReadWString(); err != nil || v != "wide ✓ 𝄞" {
		t.Errorf("ReadWString = %q, %v", v, err)
	}
	if v, err := r.ReadData(); err != nil || len(v) != 3 || v[2] != 3 {
		t.Errorf("ReadData = %v, %v", v, err)
	}
	if v, err := r.ReadBytes(2); err != nil || v[0] != 9 {
		t.Errorf("ReadBytes = %v, %v", v, err)
	}
	if r.Remaining() != 0 {
		t.Errorf("Remaining = %d, want 0", r.Remaining())
	}
}

func TestWStringUnitCount(t *testing.T) {
	m := protocol.New(1, 1, protocol.PriorityNormal)
	defer m.Release()
	// U+1D11E needs a surrogate pair.
	if err := m.WriteWString("a𝄞"); err != nil {
		t.Fatal(err)
	}
	if n := binary.LittleEndian.Uint32(m.Payload()); n != 3 {
		t.Errorf("unit count = %d, want 3", n)
	}
	if m.PayloadSize() != 4+6 {
		t.Errorf("payload = %d bytes", m.PayloadSize())
	}
}

func TestReadOverrunKeepsCursor(t *testing.T) {
	m := protocol.New(1, 1, protocol.PriorityNormal)
	defer m.Release()
	_ = m.WriteInt32(5)
	_ = m.WriteUint16(6)

	r := m.Reader()
	if _, err := r.ReadInt32(); err != nil {
		t.Fatal(err)
	}
	off := r.Offset()
	if _, err := r.ReadUint64(); !errors.Is(err, protocol.ErrOutOfRange) {
		t.Errorf("ReadUint64 past end = %v", err)
	}
	if _, err := r.ReadString(); !errors.Is(err, protocol.ErrOutOfRange) {
		t.Errorf("ReadString past end = %v", err)
	}
	if r.Offset() != off {
		t.Fatalf("cursor moved on failure: %d -> %d", off, r.Offset())
	}
	if v, err := r.ReadUint16(); err != nil || v != 6 {
		t.Errorf("ReadUint16 after failure = %d, %v", v, err)
	}
}

func TestReadRejectsBadLengthPrefix(t *testing.T) {
	var neg [4]byte
	binary.LittleEndian.PutUint32(neg[:], uint32(0xFFFFFFFF))
	r := protocol.NewReader(neg[:])
	if _, err := r.ReadData(); !errors.Is(err, protocol.ErrInvalidLength) {
		t.Errorf("negative length = %v", err)
	}
	if r.Offset() != 0 {
		t.Errorf("cursor moved to %d", r.Offset())
	}

	var huge [8]byte
	binary.LittleEndian.PutUint32(huge[:], math.MaxInt32)
	r = protocol.NewReader(huge[:])
	if _, err := r.ReadWString(); !errors.Is(err, protocol.ErrInvalidLength) {
		t.Errorf("overflowing wide length = %v", err)
	}

	binary.LittleEndian.PutUint32(huge[:], 100)
	r = protocol.NewReader(huge[:])
	if _, err := r.ReadString(); !errors.Is(err, protocol.ErrOutOfRange) {
		t.Errorf("length past end = %v", err)
	}
	if _, err := r.ReadBytes(-1); !errors.Is(err, protocol.ErrInvalidLength) {
		t.Errorf("ReadBytes(-1) = %v", err)
	}
}
