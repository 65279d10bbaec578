package query

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSingleWord(t *testing.T) {
	q, err := Parse("hello")
	require.NoError(t, err)
	w, ok := q.(*Word)
	require.True(t, ok)
	assert.Equal(t, "hello", w.Term)
}

func TestParseImplicitAnd(t *testing.T) {
	q, err := Parse("hello world")
	require.NoError(t, err)
	a, ok := q.(*NAmong)
	require.True(t, ok)
	assert.Equal(t, 2, a.Len())
}

func TestParseOrLowersN(t *testing.T) {
	q, err := Parse("hello OR world")
	require.NoError(t, err)
	a, ok := q.(*NAmong)
	require.True(t, ok)
	assert.Equal(t, 1, a.N)
}

func TestParseNegationAndFilter(t *testing.T) {
	q, err := Parse("-banned type=pdf")
	require.NoError(t, err)
	a, ok := q.(*NAmong)
	require.True(t, ok)
	require.Equal(t, 2, a.Len())

	_, isNot := a.Child(0).(*Not)
	assert.True(t, isNot)
	f, isFilter := a.Child(1).(*Filter)
	require.True(t, isFilter)
	assert.Equal(t, "type", f.Name)
	assert.Equal(t, "pdf", f.Value)
}

func TestParseEmptyReturnsError(t *testing.T) {
	_, err := Parse("   ")
	assert.Error(t, err)
}
