package query

import (
	"strings"

	"github.com/pkg/errors"
)

// Parse parses a raw, space-separated query string into a Query tree:
// each token becomes a Word, a "name=value" token becomes a Filter, and
// a "-token" prefix becomes Not(Word). Tokens combine under NAmong: AND
// (n = len(children)) by default, OR (n = 1) if the literal token "OR"
// appears among them. The wire protocol only ever carries an already-
// built tree (spec.md §4.4); this free-text grammar exists solely at
// the HTTP API boundary, which spec.md leaves unspecified beyond
// "raw-query".
func Parse(raw string) (Query, error) {
	fields := strings.Fields(raw)

	var children []Query
	anyOr := false
	for _, f := range fields {
		if strings.EqualFold(f, "OR") {
			anyOr = true
			continue
		}
		children = append(children, parseToken(f))
	}

	if len(children) == 0 {
		return nil, errors.New("query: empty query")
	}
	if len(children) == 1 {
		return children[0], nil
	}

	n := len(children)
	if anyOr {
		n = 1
	}
	return NewNAmong(n, children), nil
}

func parseToken(tok string) Query {
	if strings.HasPrefix(tok, "-") && len(tok) > 1 {
		return NewNot(parseToken(tok[1:]))
	}
	if name, value, ok := strings.Cut(tok, "="); ok {
		return NewFilter(name, value)
	}
	return NewWord(tok)
}
