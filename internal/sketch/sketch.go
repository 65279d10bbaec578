// Package sketch implements the fixed-width, no-false-negative bitset
// ("filter") that every peer publishes as a lossy summary of the terms it
// knows about, and the hierarchy of unions that turns a flat gossip table
// into a multi-hop routing structure.
//
// A Sketch never reports a false negative: once Add has set the bits for a
// word, Test for that word always returns true. False positives are
// expected and grow with Load.
package sketch

import (
	"github.com/willf/bitset"
)

// DefaultSize is the number of bytes (8*DefaultSize bits) in a sketch when
// a store doesn't request a different size. 125,000 bytes is 1 Mbit, the
// size used in production by the reference store.
const DefaultSize = 125_000

// MaxHierarchyDepth bounds how many levels a peer will ever ship or
// request, regardless of configuration.
const MaxHierarchyDepth = 8

// Sketch is a fixed-width bitset of N*8 bits.
type Sketch struct {
	n    int
	bits *bitset.BitSet
}

// New allocates an all-zero Sketch of n bytes (n*8 bits).
func New(n int) *Sketch {
	if n <= 0 {
		n = DefaultSize
	}
	return &Sketch{n: n, bits: bitset.New(uint(n) * 8)}
}

// Size returns the sketch's width in bytes.
func (s *Sketch) Size() int { return s.n }

// BitLen returns the sketch's width in bits.
func (s *Sketch) BitLen() int { return s.n * 8 }

// SetBit sets bit idx. Indices beyond BitLen are silently ignored, mirroring
// the reference implementation's bounds-checked accessors.
func (s *Sketch) SetBit(idx int) {
	if idx < 0 || idx >= s.BitLen() {
		return
	}
	s.bits.Set(uint(idx))
}

// TestBit reports whether bit idx is set.
func (s *Sketch) TestBit(idx int) bool {
	if idx < 0 || idx >= s.BitLen() {
		return false
	}
	return s.bits.Test(uint(idx))
}

// AddWord sets every bit named by indices. A Store computes indices via
// its own hash; the sketch never hashes anything itself.
func (s *Sketch) AddWord(indices []int) {
	for _, idx := range indices {
		s.SetBit(idx)
	}
}

// TestWord reports whether every bit named by indices is set. An empty
// indices slice trivially matches, by convention reserved for callers that
// pre-filter degenerate queries.
func (s *Sketch) TestWord(indices []int) bool {
	for _, idx := range indices {
		if !s.TestBit(idx) {
			return false
		}
	}
	return true
}

// Union bitwise-ORs other into a fresh Sketch, leaving both operands
// untouched. Union is commutative and associative, and Union(a, empty) == a.
func Union(sketches ...*Sketch) *Sketch {
	if len(sketches) == 0 {
		return New(DefaultSize)
	}
	out := New(sketches[0].n)
	for _, s := range sketches {
		if s == nil || s.n != out.n {
			continue
		}
		out.bits.InPlaceUnion(s.bits)
	}
	return out
}

// UnionInPlace ORs other into s.
func (s *Sketch) UnionInPlace(other *Sketch) {
	if other == nil || other.n != s.n {
		return
	}
	s.bits.InPlaceUnion(other.bits)
}

// CountSetBits returns the number of 1 bits, an O(n) scan.
func (s *Sketch) CountSetBits() int {
	return int(s.bits.Count())
}

// Load returns the proportion of bits set, in [0,1].
func (s *Sketch) Load() float64 {
	if s.BitLen() == 0 {
		return 0
	}
	return float64(s.CountSetBits()) / float64(s.BitLen())
}

// IsEmpty reports whether no bit is set.
func (s *Sketch) IsEmpty() bool {
	return s.CountSetBits() == 0
}

// Clone returns a deep copy.
func (s *Sketch) Clone() *Sketch {
	out := New(s.n)
	out.bits.InPlaceUnion(s.bits)
	return out
}

// Bytes serializes the sketch as N raw bytes, bit i of byte b being
// bit (8*b+i) of the sketch (little-endian within each byte). This is the
// wire format exchanged in UpdateFilters responses.
func (s *Sketch) Bytes() []byte {
	out := make([]byte, s.n)
	for byteIdx := 0; byteIdx < s.n; byteIdx++ {
		var b byte
		for bit := 0; bit < 8; bit++ {
			if s.bits.Test(uint(byteIdx*8 + bit)) {
				b |= 1 << uint(bit)
			}
		}
		out[byteIdx] = b
	}
	return out
}

// FromBytes decodes a sketch previously produced by Bytes.
func FromBytes(raw []byte) *Sketch {
	s := New(len(raw))
	for byteIdx, b := range raw {
		for bit := 0; bit < 8; bit++ {
			if b&(1<<uint(bit)) != 0 {
				s.bits.Set(uint(byteIdx*8 + bit))
			}
		}
	}
	return s
}
