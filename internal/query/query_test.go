package query

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kamilata/kamilata/internal/sketch"
)

// testHash is a tiny deterministic stand-in for a Store's HashWord: each
// distinct token maps to one distinct bit, so tests can reason about
// exactly which sketches satisfy which queries.
func testHash(vocab map[string]int) HashFunc {
	return func(token string) []int {
		if idx, ok := vocab[token]; ok {
			return []int{idx}
		}
		return []int{9999}
	}
}

func TestWordMatchScore(t *testing.T) {
	hash := testHash(map[string]int{"cat": 1, "dog": 2})
	s := sketch.New(4)
	s.AddWord(hash("cat"))

	assert.Equal(t, uint32(1), NewWord("cat").MatchScore(s, hash))
	assert.Equal(t, uint32(0), NewWord("dog").MatchScore(s, hash))
}

func TestFilterMatchScore(t *testing.T) {
	hash := testHash(map[string]int{"filetype=pdf": 5})
	s := sketch.New(4)
	s.AddWord(hash("filetype=pdf"))

	assert.Equal(t, uint32(1), NewFilter("filetype", "pdf").MatchScore(s, hash))
	assert.Equal(t, uint32(0), NewFilter("filetype", "exe").MatchScore(s, hash))
}

func TestNotAlwaysScoresOne(t *testing.T) {
	hash := testHash(map[string]int{"cat": 1})
	s := sketch.New(4) // empty, cat not present
	assert.Equal(t, uint32(1), NewNot(NewWord("cat")).MatchScore(s, hash))
}

func TestNAmongRequiresNNonzero(t *testing.T) {
	hash := testHash(map[string]int{"a": 1, "b": 2, "c": 3})
	s := sketch.New(4)
	s.AddWord(hash("a"))
	s.AddWord(hash("b"))

	and := NewNAmong(3, []Query{NewWord("a"), NewWord("b"), NewWord("c")})
	assert.Equal(t, uint32(0), and.MatchScore(s, hash), "AND needs all three")

	or := NewNAmong(1, []Query{NewWord("a"), NewWord("b"), NewWord("c")})
	assert.NotZero(t, or.MatchScore(s, hash))

	two := NewNAmong(2, []Query{NewWord("a"), NewWord("b"), NewWord("c")})
	assert.NotZero(t, two.MatchScore(s, hash))
}

func TestPositiveTermsSkipsNotAndFilter(t *testing.T) {
	q := NewNAmong(2, []Query{
		NewWord("cat"),
		NewNot(NewWord("dog")),
		NewFilter("type", "pdf"),
		NewWord("fish"),
	})
	terms := q.PositiveTerms()
	require.Len(t, terms, 2)
	assert.Equal(t, "cat", terms[0].Term)
	assert.Equal(t, "fish", terms[1].Term)
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	original := NewNAmong(2, []Query{
		NewWord("cat"),
		NewNot(NewWord("dog")),
		NewFilter("type", "pdf"),
	})

	encoded := original.Encode()
	decoded, consumed, err := Decode(encoded)
	require.NoError(t, err)
	assert.Equal(t, len(encoded), consumed)
	assert.Equal(t, original.String(), decoded.String())
}

func TestMatchScoreSoundness(t *testing.T) {
	// If match_score == 0, no document containing only what the sketch
	// contains can satisfy the query's positive-terms conjunction.
	hash := testHash(map[string]int{"rare": 1})
	empty := sketch.New(4)
	q := NewWord("rare")
	assert.Zero(t, q.MatchScore(empty, hash))
}
