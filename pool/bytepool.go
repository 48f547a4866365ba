// File: pool/bytepool.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Size-class byte buffer pool used for owning messages and stream reads.

package pool

import (
	"math/bits"
	"sync"

	"code.hybscloud.com/atomix"
)

const (
	minClassShift = 5  // 32 bytes
	maxClassShift = 22 // 4 MiB
	numClasses    = maxClassShift - minClassShift + 1
)

// BytePool hands out byte slices from power-of-two size classes.
// Requests above the largest class are allocated directly and dropped on
// Put.
type BytePool struct {
	classes [numClasses]sync.Pool

	gets   atomix.Uint64
	misses atomix.Uint64
	puts   atomix.Uint64
}

// Stats is a point-in-time snapshot of pool counters.
type Stats struct {
	Gets   uint64
	Misses uint64
	Puts   uint64
}

// NewBytePool creates an empty pool.
func NewBytePool() *BytePool {
	p := &BytePool{}
	for i := range p.classes {
		size := 1 << (minClassShift + i)
		p.classes[i].New = func() any {
			p.misses.Add(1)
			b := make([]byte, size)
			return &b
		}
	}
	return p
}

// classOf returns the class index holding n bytes, or -1 when n is too large.
func classOf(n int) int {
	if n <= 1<<minClassShift {
		return 0
	}
	shift := bits.Len(uint(n - 1))
	if shift > maxClassShift {
		return -1
	}
	return shift - minClassShift
}

// Get returns a slice of length n. Its capacity may be larger.
func (p *BytePool) Get(n int) []byte {
	p.gets.Add(1)
	c := classOf(n)
	if c < 0 {
		p.misses.Add(1)
		return make([]byte, n)
	}
	bp := p.classes[c].Get().(*[]byte)
	return (*bp)[:n]
}

// Put recycles b. Slices whose capacity is not an exact class size are
// dropped.
func (p *BytePool) Put(b []byte) {
	c := cap(b)
	if c == 0 || c&(c-1) != 0 {
		return
	}
	idx := classOf(c)
	if idx < 0 || 1<<(minClassShift+idx) != c {
		return
	}
	p.puts.Add(1)
	b = b[:c]
	p.classes[idx].Put(&b)
}

// Stats reports cumulative counters.
func (p *BytePool) Stats() Stats {
	return Stats{Gets: p.gets.Load(), Misses: p.misses.Load(), Puts: p.puts.Load()}
}
