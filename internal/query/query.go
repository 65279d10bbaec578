// Package query implements the boolean query AST that both the local
// store and the search engine use to test whether a sketch (or a
// document) satisfies a request: Word, Filter, Not and NAmong nodes,
// scored against a Sketch without ever touching document content.
package query

import (
	"fmt"
	"strings"

	"github.com/benbjohnson/immutable"

	"github.com/kamilata/kamilata/internal/sketch"
)

// HashFunc turns a raw token into the bit indices a Store would set for
// it. The same function used to build a sketch must be used to score a
// query against it.
type HashFunc func(token string) []int

// Query is an immutable boolean expression tree. Implementations are
// Word, Filter, Not and NAmong.
type Query interface {
	// MatchScore returns 0 iff s cannot contain enough terms to satisfy
	// the query; nonzero values are comparable only to each other, as a
	// routing signal, never as an absolute relevance score.
	MatchScore(s *sketch.Sketch, hash HashFunc) uint32
	// PositiveTerms returns every Word reachable without passing
	// through a Not, used for highlighting and term counting.
	PositiveTerms() []*Word
	// Encode renders the node and its children as wire bytes (§4.4 of
	// the core spec: queries are serialized to travel inside a Search
	// request frame).
	Encode() []byte
	fmt.Stringer
}

// Word matches a single term.
type Word struct {
	Term string
}

// NewWord builds a Word leaf.
func NewWord(term string) *Word { return &Word{Term: term} }

// MatchScore is 1 if the sketch could hold the term, 0 otherwise.
func (w *Word) MatchScore(s *sketch.Sketch, hash HashFunc) uint32 {
	if s.TestWord(hash(w.Term)) {
		return 1
	}
	return 0
}

// PositiveTerms returns the word itself.
func (w *Word) PositiveTerms() []*Word { return []*Word{w} }

func (w *Word) String() string { return w.Term }

// Encode writes a Word frame: tag 0x01, length-prefixed term.
func (w *Word) Encode() []byte { return encodeTagged(tagWord, []byte(w.Term)) }

// Filter matches a "name=value" metadata token, e.g. filetype=pdf.
type Filter struct {
	Name  string
	Value string
}

// NewFilter builds a Filter leaf.
func NewFilter(name, value string) *Filter { return &Filter{Name: name, Value: value} }

func (f *Filter) token() string { return f.Name + "=" + f.Value }

// MatchScore is 1 if the sketch could hold the "name=value" token.
func (f *Filter) MatchScore(s *sketch.Sketch, hash HashFunc) uint32 {
	if s.TestWord(hash(f.token())) {
		return 1
	}
	return 0
}

// PositiveTerms is empty: filters don't drive term highlighting.
func (f *Filter) PositiveTerms() []*Word { return nil }

func (f *Filter) String() string { return f.token() }

// Encode writes a Filter frame: tag 0x02, name, value.
func (f *Filter) Encode() []byte {
	body := append(encodeTagged(0, []byte(f.Name)), encodeTagged(0, []byte(f.Value))...)
	return encodeTagged(tagFilter, body)
}

// Not negates its child for document matching; it never prunes routing,
// so it is excluded from MatchScore and from PositiveTerms.
type Not struct {
	Child Query
}

// NewNot wraps child in a Not.
func NewNot(child Query) *Not { return &Not{Child: child} }

// MatchScore always returns 1: a Not cannot disqualify a sketch, only
// document content can.
func (n *Not) MatchScore(_ *sketch.Sketch, _ HashFunc) uint32 { return 1 }

// PositiveTerms is empty: nothing inside a Not is a positive term.
func (n *Not) PositiveTerms() []*Word { return nil }

func (n *Not) String() string { return "NOT " + n.Child.String() }

// Encode writes a Not frame: tag 0x03, encoded child.
func (n *Not) Encode() []byte { return encodeTagged(tagNot, n.Child.Encode()) }

// NAmong requires at least N of its Children to match. N == len(Children)
// is an AND; N == 1 is an OR.
type NAmong struct {
	N        int
	children *immutable.List
}

// NewNAmong builds an N-of-M node from a concrete slice of children,
// storing them in an immutable.List so the tree stays safe to share
// across concurrent gossip and search goroutines without copying.
func NewNAmong(n int, children []Query) *NAmong {
	b := immutable.NewListBuilder()
	for _, c := range children {
		b.Append(c)
	}
	return &NAmong{N: n, children: b.List()}
}

// Len returns the number of children.
func (a *NAmong) Len() int { return a.children.Len() }

// Child returns the i-th child.
func (a *NAmong) Child(i int) Query { return a.children.Get(i).(Query) }

// Children materializes the immutable child list as a slice, for callers
// that want to range over it without touching immutable.List directly.
func (a *NAmong) Children() []Query {
	out := make([]Query, a.children.Len())
	itr := a.children.Iterator()
	for !itr.Done() {
		i, v := itr.Next()
		out[i] = v.(Query)
	}
	return out
}

// MatchScore scores each child, keeps the top N, and sums them; if fewer
// than N children score nonzero, the whole node scores 0.
func (a *NAmong) MatchScore(s *sketch.Sketch, hash HashFunc) uint32 {
	scores := make([]uint32, 0, a.children.Len())
	itr := a.children.Iterator()
	for !itr.Done() {
		_, v := itr.Next()
		scores = append(scores, v.(Query).MatchScore(s, hash))
	}
	sortDesc(scores)

	if a.N > len(scores) {
		return 0
	}
	var nonzero int
	var sum uint32
	for i := 0; i < a.N; i++ {
		if scores[i] == 0 {
			continue
		}
		nonzero++
		sum += scores[i]
	}
	if nonzero < a.N {
		return 0
	}
	return sum
}

// PositiveTerms concatenates the positive terms of every child, since all
// of NAmong's children are reachable without passing through a Not.
func (a *NAmong) PositiveTerms() []*Word {
	var out []*Word
	itr := a.children.Iterator()
	for !itr.Done() {
		_, v := itr.Next()
		out = append(out, v.(Query).PositiveTerms()...)
	}
	return out
}

func (a *NAmong) String() string {
	parts := make([]string, 0, a.children.Len())
	itr := a.children.Iterator()
	for !itr.Done() {
		_, v := itr.Next()
		parts = append(parts, v.(Query).String())
	}
	switch {
	case a.N == a.children.Len():
		return "(" + strings.Join(parts, " AND ") + ")"
	case a.N == 1:
		return "(" + strings.Join(parts, " OR ") + ")"
	default:
		return fmt.Sprintf("(%d-of %s)", a.N, strings.Join(parts, ", "))
	}
}

func sortDesc(s []uint32) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j-1] < s[j]; j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}
