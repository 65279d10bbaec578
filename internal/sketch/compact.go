package sketch

import "github.com/RoaringBitmap/roaring"

// CompactSketch is a memory-efficient stand-in for Sketch, backed by a
// compressed bitmap rather than a flat bitset. Stores that index a very
// large corpus (N in the hundreds of thousands of bytes, mostly zero
// early on) can accumulate bits in a CompactSketch and only pay the flat
// N-byte allocation once they actually publish, via ToSketch.
//
// CompactSketch never touches the wire directly: the protocol only ever
// carries the canonical N-byte Sketch, so every store and peer agrees on
// size and layout regardless of which representation produced it.
type CompactSketch struct {
	n  int
	rb *roaring.Bitmap
}

// NewCompact allocates an empty compact sketch of n bytes (n*8 bits).
func NewCompact(n int) *CompactSketch {
	if n <= 0 {
		n = DefaultSize
	}
	return &CompactSketch{n: n, rb: roaring.New()}
}

// AddWord sets every bit named by indices.
func (c *CompactSketch) AddWord(indices []int) {
	bitLen := uint32(c.n * 8)
	for _, idx := range indices {
		if idx < 0 || uint32(idx) >= bitLen {
			continue
		}
		c.rb.Add(uint32(idx))
	}
}

// TestWord reports whether every bit named by indices is set.
func (c *CompactSketch) TestWord(indices []int) bool {
	for _, idx := range indices {
		if idx < 0 || !c.rb.Contains(uint32(idx)) {
			return false
		}
	}
	return true
}

// CountSetBits returns the number of 1 bits.
func (c *CompactSketch) CountSetBits() int {
	return int(c.rb.GetCardinality())
}

// Load returns the proportion of bits set, in [0,1].
func (c *CompactSketch) Load() float64 {
	bitLen := c.n * 8
	if bitLen == 0 {
		return 0
	}
	return float64(c.CountSetBits()) / float64(bitLen)
}

// UnionInPlace ORs other into c.
func (c *CompactSketch) UnionInPlace(other *CompactSketch) {
	if other == nil || other.n != c.n {
		return
	}
	c.rb.Or(other.rb)
}

// ToSketch materializes the compact representation into a flat, wire-ready
// Sketch.
func (c *CompactSketch) ToSketch() *Sketch {
	s := New(c.n)
	it := c.rb.Iterator()
	for it.HasNext() {
		s.SetBit(int(it.Next()))
	}
	return s
}

// FromSketch builds a CompactSketch from a flat Sketch, for stores that
// receive a remote filter and want to fold it into their own compact
// accumulator before re-publishing a union.
func FromSketch(s *Sketch) *CompactSketch {
	c := NewCompact(s.n)
	for i := 0; i < s.BitLen(); i++ {
		if s.TestBit(i) {
			c.rb.Add(uint32(i))
		}
	}
	return c
}
