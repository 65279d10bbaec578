package sketch

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddAndTestWord(t *testing.T) {
	s := New(4)
	require.True(t, s.IsEmpty())

	s.AddWord([]int{8, 10})
	assert.True(t, s.TestWord([]int{8, 10}))
	assert.False(t, s.TestWord([]int{8, 9}))
	assert.Equal(t, 2, s.CountSetBits())
}

func TestNoFalseNegative(t *testing.T) {
	s := New(16)
	words := [][]int{{1, 2, 3}, {4, 5}, {100, 101, 102}}
	for _, idx := range words {
		s.AddWord(idx)
	}
	for _, idx := range words {
		assert.True(t, s.TestWord(idx), "term added must always test positive")
	}
}

func TestUnionCommutativeAssociative(t *testing.T) {
	a := New(8)
	a.AddWord([]int{1, 2})
	b := New(8)
	b.AddWord([]int{3, 4})
	c := New(8)
	c.AddWord([]int{5})

	ab := Union(a, b)
	ba := Union(b, a)
	assert.Equal(t, ab.Bytes(), ba.Bytes())

	abc1 := Union(Union(a, b), c)
	abc2 := Union(a, Union(b, c))
	assert.Equal(t, abc1.Bytes(), abc2.Bytes())
}

func TestUnionWithEmptyIsIdentity(t *testing.T) {
	a := New(8)
	a.AddWord([]int{1, 2, 3})
	empty := New(8)

	out := Union(a, empty)
	assert.Equal(t, a.Bytes(), out.Bytes())
}

func TestUnionMonotone(t *testing.T) {
	a := New(8)
	a.AddWord([]int{1})
	before := Union(a).CountSetBits()

	b := New(8)
	b.AddWord([]int{2})
	after := Union(a, b).CountSetBits()

	assert.GreaterOrEqual(t, after, before)
}

func TestBytesRoundTrip(t *testing.T) {
	s := New(32)
	s.AddWord([]int{0, 17, 63, 200})
	raw := s.Bytes()
	require.Len(t, raw, 32)

	decoded := FromBytes(raw)
	assert.Equal(t, raw, decoded.Bytes())
	assert.True(t, decoded.TestWord([]int{0, 17, 63, 200}))
}

func TestOutOfRangeBitsIgnored(t *testing.T) {
	s := New(4)
	s.SetBit(-1)
	s.SetBit(s.BitLen())
	assert.True(t, s.IsEmpty())
}

func TestCompactSketchMatchesFlat(t *testing.T) {
	flat := New(8)
	flat.AddWord([]int{1, 9, 40})

	compact := FromSketch(flat)
	assert.Equal(t, flat.Bytes(), compact.ToSketch().Bytes())

	compact.AddWord([]int{2})
	flat.AddWord([]int{2})
	assert.Equal(t, flat.Bytes(), compact.ToSketch().Bytes())
}
